// Package recorder persists step artifacts: raw payload bytes, per-identity
// signature bundles and injection descriptors, and sealed rollup outputs.
// All artifacts are write-once files under the data directory; the recorder
// performs no network I/O.
package recorder

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	xerrors "PulseAnchor-Chain/internal/errors"
	"PulseAnchor-Chain/internal/identity"
	"PulseAnchor-Chain/pkg/logger"

	"github.com/google/uuid"
)

// Artifact kinds kept in the index.
const (
	KindPayload    = "payload"
	KindSignature  = "signature"
	KindDescriptor = "descriptor"
	KindProof      = "proof"
	KindManifest   = "manifest"
	KindOpReturn   = "opreturn"
	KindCalldata   = "calldata"
	KindReceipt    = "receipt"
)

// SignatureBundle 是一条签名产物,每个 (步骤, 身份) 组合各一份。
type SignatureBundle struct {
	IdentityName       string                        `json:"identity_name"`
	Address            string                        `json:"address"`
	MessageRendering   string                        `json:"message_rendering"`
	Signature          string                        `json:"signature"`
	TypedDataSignature string                        `json:"typed_data_signature,omitempty"`
	TypedData          *identity.TypedDataDescriptor `json:"typed_data,omitempty"`
}

// Recorder 把产物写入数据目录,并把索引记录交给 ArtifactIndex。
// 索引写入失败只记日志,不影响产物落盘。
type Recorder struct {
	payloadDir    string
	signatureDir  string
	descriptorDir string
	rollupDir     string
	receiptDir    string
	index         ArtifactIndex
}

// NewRecorder 创建产物记录器,并确保目录结构存在。
func NewRecorder(baseDir string, index ArtifactIndex) (*Recorder, error) {
	if baseDir == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "产物目录为空")
	}
	r := &Recorder{
		payloadDir:    filepath.Join(baseDir, "payloads"),
		signatureDir:  filepath.Join(baseDir, "signatures"),
		descriptorDir: filepath.Join(baseDir, "descriptors"),
		rollupDir:     filepath.Join(baseDir, "rollups"),
		receiptDir:    filepath.Join(baseDir, "receipts"),
		index:         index,
	}
	for _, dir := range []string{r.payloadDir, r.signatureDir, r.descriptorDir, r.rollupDir, r.receiptDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("创建产物目录失败: %w", err)
		}
	}
	return r, nil
}

// RollupDir 返回封批产物的根目录。
func (r *Recorder) RollupDir() string { return r.rollupDir }

// RecordPayload 在任何签名发生之前持久化原始负载字节。
// 文件按零填充序号命名,只允许写入一次。
func (r *Recorder) RecordPayload(ctx context.Context, sequence uint64, payload []byte) (string, error) {
	path := filepath.Join(r.payloadDir, fmt.Sprintf("payload_%08d.txt", sequence))
	created, err := writeOnce(path, payload)
	if err != nil {
		return "", err
	}
	if created {
		r.indexEntry(ctx, IndexEntry{Sequence: sequence, Kind: KindPayload, Path: path})
	}
	return path, nil
}

// ReadPayload 读回指定序号的负载字节,用于离线校验。
func (r *Recorder) ReadPayload(sequence uint64) ([]byte, error) {
	path := filepath.Join(r.payloadDir, fmt.Sprintf("payload_%08d.txt", sequence))
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取负载产物失败")
	}
	return content, nil
}

// RecordSignature 持久化一份签名产物。
func (r *Recorder) RecordSignature(ctx context.Context, sequence uint64, bundle SignatureBundle) (string, error) {
	path := filepath.Join(r.signatureDir, fmt.Sprintf("signature_%08d_%s.json", sequence, bundle.IdentityName))
	encoded, err := json.MarshalIndent(bundle, "", "  ")
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化签名产物失败")
	}
	created, err := writeOnce(path, append(encoded, '\n'))
	if err != nil {
		return "", err
	}
	if created {
		r.indexEntry(ctx, IndexEntry{Sequence: sequence, Kind: KindSignature, Identity: bundle.IdentityName, Path: path})
	}
	return path, nil
}

// RecordDescriptor 持久化一份注入描述产物。
func (r *Recorder) RecordDescriptor(ctx context.Context, sequence uint64, identityName string, desc identity.Descriptor) (string, error) {
	path := filepath.Join(r.descriptorDir, fmt.Sprintf("descriptor_%08d_%s.json", sequence, identityName))
	encoded, err := json.MarshalIndent(desc, "", "  ")
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化注入描述失败")
	}
	created, err := writeOnce(path, append(encoded, '\n'))
	if err != nil {
		return "", err
	}
	if created {
		r.indexEntry(ctx, IndexEntry{Sequence: sequence, Kind: KindDescriptor, Identity: identityName, Path: path})
	}
	return path, nil
}

// RecordRollupArtifact 在指定封批目录下持久化一份封批产物。
func (r *Recorder) RecordRollupArtifact(ctx context.Context, batchLabel, name string, data []byte, kind string, sequence uint64, root string) (string, error) {
	dir := filepath.Join(r.rollupDir, batchLabel)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建封批目录失败")
	}
	path := filepath.Join(dir, name)
	created, err := writeOnce(path, data)
	if err != nil {
		return "", err
	}
	if created {
		r.indexEntry(ctx, IndexEntry{Sequence: sequence, Kind: kind, Path: path, Root: root})
	}
	return path, nil
}

// RecordReceipt 持久化一份广播回执产物,每次提交尝试各一份,
// 按回执 ID 命名。
func (r *Recorder) RecordReceipt(ctx context.Context, sequence uint64, identityName, receiptID string, receipt any) (string, error) {
	if receiptID == "" {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "回执 ID 为空")
	}
	path := filepath.Join(r.receiptDir, fmt.Sprintf("receipt_%s.json", receiptID))
	encoded, err := json.MarshalIndent(receipt, "", "  ")
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化广播回执失败")
	}
	created, err := writeOnce(path, append(encoded, '\n'))
	if err != nil {
		return "", err
	}
	if created {
		r.indexEntry(ctx, IndexEntry{Sequence: sequence, Kind: KindReceipt, Identity: identityName, Path: path})
	}
	return path, nil
}

func (r *Recorder) indexEntry(ctx context.Context, entry IndexEntry) {
	if r.index == nil {
		return
	}
	entry.ID = uuid.NewString()
	entry.CreatedAt = time.Now().Unix()
	if err := r.index.Insert(ctx, entry); err != nil {
		logger.L().Warn("产物索引写入失败",
			"kind", entry.Kind,
			"sequence", entry.Sequence,
			"error", err,
		)
	}
}

// writeOnce 以独占方式创建文件。产物只写一次:文件已存在且内容
// 完全一致时视为已落盘,直接成功;内容不一致返回写入冲突。
// 返回值标记本次调用是否真正创建了文件。
func writeOnce(path string, data []byte) (bool, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			existing, readErr := os.ReadFile(path)
			if readErr == nil && bytes.Equal(existing, data) {
				return false, nil
			}
			return false, xerrors.Wrap(xerrors.CodeStorageFailure, fs.ErrExist,
				fmt.Sprintf("产物文件已存在且内容不一致: %s", filepath.Base(path)))
		}
		return false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建产物文件失败")
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(path)
		return false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入产物文件失败")
	}
	return true, file.Close()
}

// IsConflict 判断错误是否为写入冲突:目标文件已存在且内容不一致。
func IsConflict(err error) bool {
	return errors.Is(err, fs.ErrExist)
}
