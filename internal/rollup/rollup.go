// Package rollup accumulates payload hashes into a Merkle batch and, once
// the batch reaches capacity, seals it into a root plus one authentication
// path per leaf. Sealed artifacts include ready-to-use anchoring material
// for both chain families: an OP_RETURN script hex and EVM calldata for
// anchor(bytes32).
package rollup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	xerrors "PulseAnchor-Chain/internal/errors"
	"PulseAnchor-Chain/internal/recorder"

	"github.com/ethereum/go-ethereum/crypto"
)

const algorithmTag = "sha256"

// anchorFn 是封批根哈希上链时调用的合约函数签名。
const anchorFn = "anchor(bytes32)"

// Leaf 是批内的一条叶子记录。
type Leaf struct {
	Sequence uint64
	Hash     [32]byte
}

// ProofBundle 是封批后为每片叶子生成的不可变证明产物。
type ProofBundle struct {
	Sequence  uint64   `json:"seq"`
	LeafHash  string   `json:"leaf_hash"`
	Proof     []string `json:"proof"`
	Root      string   `json:"root"`
	Algorithm string   `json:"algorithm"`
}

// Manifest 描述一个已封批次的范围与根哈希。
type Manifest struct {
	SeqStart uint64 `json:"seq_start"`
	SeqEnd   uint64 `json:"seq_end"`
	Count    int    `json:"count"`
	Root     string `json:"root"`
	Created  string `json:"created"`
}

// CalldataArtifact 是把根哈希锚定到 EVM 链所需的调用数据。
type CalldataArtifact struct {
	Fn       string `json:"fn"`
	Selector string `json:"selector"`
	Calldata string `json:"calldata"`
	ArgRoot  string `json:"arg_root"`
}

// SealResult 汇总一次封批产出的全部内容。
type SealResult struct {
	BatchLabel  string
	Root        [32]byte
	RootHex     string
	Manifest    Manifest
	Proofs      []ProofBundle
	OpReturnHex string
	Calldata    CalldataArtifact
}

// Aggregator 维护一个开放的 Merkle 批次。
type Aggregator struct {
	capacity int
	leaves   []Leaf
	rec      *recorder.Recorder
	now      func() time.Time

	// pending 是构建完成但尚未全部落盘的封批结果。持久化失败时
	// 保留它,使重试写出与上次逐字节一致的产物,已写出的文件
	// 在重试时按内容一致直接通过。
	pending *SealResult
}

// Option 配置 Aggregator 的可选行为。
type Option func(*Aggregator)

// WithClock 覆盖时间来源,仅用于测试。
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

// NewAggregator 创建批次聚合器。capacity 必须为正。
func NewAggregator(capacity int, rec *recorder.Recorder, opts ...Option) (*Aggregator, error) {
	if capacity <= 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "批次容量必须为正数")
	}
	a := &Aggregator{
		capacity: capacity,
		leaves:   make([]Leaf, 0, capacity),
		rec:      rec,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Append 把一条负载的内容哈希追加为叶子。
// 哈希对象必须是已持久化的精确负载字节。
func (a *Aggregator) Append(sequence uint64, payload []byte) {
	a.leaves = append(a.leaves, Leaf{Sequence: sequence, Hash: sha256.Sum256(payload)})
}

// Len 返回开放批次中的叶子数量。
func (a *Aggregator) Len() int { return len(a.leaves) }

// Capacity 返回配置的批次容量。
func (a *Aggregator) Capacity() int { return a.capacity }

// SealIfFull 在叶子数量达到容量时封批:构树、生成每片叶子的证明、
// 持久化证明与锚定产物,然后把已封叶子移出批次。未满时为幂等空操作,
// 返回 (nil, nil)。持久化失败时封批结果被保留,叶子不丢失,下次
// 调用从上次中断处继续写出剩余产物。
func (a *Aggregator) SealIfFull(ctx context.Context) (*SealResult, error) {
	if a.pending == nil {
		if len(a.leaves) < a.capacity {
			return nil, nil
		}
		a.pending = a.buildResult(a.leaves[:a.capacity])
	}

	if a.rec != nil {
		if err := a.persist(ctx, a.pending); err != nil {
			return nil, err
		}
	}

	result := a.pending
	a.pending = nil
	a.leaves = append(a.leaves[:0], a.leaves[a.capacity:]...)
	return result, nil
}

// buildResult 对给定叶子切片构树并生成全部封批产物内容。
func (a *Aggregator) buildResult(batch []Leaf) *SealResult {
	hashes := make([][32]byte, len(batch))
	for i, leaf := range batch {
		hashes[i] = leaf.Hash
	}
	root := merkleRoot(hashes)
	rootHex := hex.EncodeToString(root[:])

	seqStart := batch[0].Sequence
	seqEnd := batch[len(batch)-1].Sequence
	label := fmt.Sprintf("batch_%08d_%08d", seqStart, seqEnd)

	proofs := make([]ProofBundle, 0, len(batch))
	for i, leaf := range batch {
		path := proofForIndex(hashes, i)
		encoded := make([]string, 0, len(path))
		for _, sibling := range path {
			encoded = append(encoded, hex.EncodeToString(sibling[:]))
		}
		proofs = append(proofs, ProofBundle{
			Sequence:  leaf.Sequence,
			LeafHash:  hex.EncodeToString(leaf.Hash[:]),
			Proof:     encoded,
			Root:      rootHex,
			Algorithm: algorithmTag,
		})
	}

	manifest := Manifest{
		SeqStart: seqStart,
		SeqEnd:   seqEnd,
		Count:    len(batch),
		Root:     rootHex,
		Created:  a.now().UTC().Format(time.RFC3339),
	}

	return &SealResult{
		BatchLabel:  label,
		Root:        root,
		RootHex:     rootHex,
		Manifest:    manifest,
		Proofs:      proofs,
		OpReturnHex: "6a20" + rootHex,
		Calldata:    anchorCalldata(root),
	}
}

func (a *Aggregator) persist(ctx context.Context, result *SealResult) error {
	for _, proof := range result.Proofs {
		encoded, err := json.MarshalIndent(proof, "", "  ")
		if err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化证明产物失败")
		}
		name := fmt.Sprintf("proof_%08d.json", proof.Sequence)
		if _, err := a.rec.RecordRollupArtifact(ctx, result.BatchLabel, name,
			append(encoded, '\n'), recorder.KindProof, proof.Sequence, result.RootHex); err != nil {
			return err
		}
	}

	manifest, err := json.MarshalIndent(result.Manifest, "", "  ")
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化批次清单失败")
	}
	if _, err := a.rec.RecordRollupArtifact(ctx, result.BatchLabel, "manifest.json",
		append(manifest, '\n'), recorder.KindManifest, result.Manifest.SeqEnd, result.RootHex); err != nil {
		return err
	}

	if _, err := a.rec.RecordRollupArtifact(ctx, result.BatchLabel, "opreturn_hex.txt",
		[]byte(result.OpReturnHex+"\n"), recorder.KindOpReturn, result.Manifest.SeqEnd, result.RootHex); err != nil {
		return err
	}

	calldata, err := json.MarshalIndent(result.Calldata, "", "  ")
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化锚定调用数据失败")
	}
	if _, err := a.rec.RecordRollupArtifact(ctx, result.BatchLabel, "eth_calldata.json",
		append(calldata, '\n'), recorder.KindCalldata, result.Manifest.SeqEnd, result.RootHex); err != nil {
		return err
	}
	return nil
}

// anchorCalldata 生成 anchor(bytes32) 的完整调用数据。
// 函数选择子按 EVM 约定取 keccak256 哈希的前四字节。
func anchorCalldata(root [32]byte) CalldataArtifact {
	selector := crypto.Keccak256([]byte(anchorFn))[:4]
	calldata := append(append([]byte(nil), selector...), root[:]...)
	return CalldataArtifact{
		Fn:       anchorFn,
		Selector: "0x" + hex.EncodeToString(selector),
		Calldata: "0x" + hex.EncodeToString(calldata),
		ArgRoot:  "0x" + hex.EncodeToString(root[:]),
	}
}

// VerifyProof 校验证明产物中的叶子确实归于其根。
// index 是叶子在批内的位置 (sequence - seq_start)。
func VerifyProof(bundle ProofBundle, index int) (bool, error) {
	leaf, err := decodeHash(bundle.LeafHash)
	if err != nil {
		return false, err
	}
	root, err := decodeHash(bundle.Root)
	if err != nil {
		return false, err
	}
	proof := make([][32]byte, 0, len(bundle.Proof))
	for _, sibling := range bundle.Proof {
		decoded, err := decodeHash(sibling)
		if err != nil {
			return false, err
		}
		proof = append(proof, decoded)
	}
	return verifyProof(leaf, proof, index, root), nil
}

func decodeHash(encoded string) ([32]byte, error) {
	var out [32]byte
	raw, err := hex.DecodeString(encoded)
	if err != nil {
		return out, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "哈希编码不合法")
	}
	if len(raw) != len(out) {
		return out, xerrors.New(xerrors.CodeInvalidArgument, "哈希长度不合法")
	}
	copy(out[:], raw)
	return out, nil
}
