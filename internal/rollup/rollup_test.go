package rollup

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"PulseAnchor-Chain/internal/recorder"
)

func TestAggregatorSealsAtCapacity(t *testing.T) {
	agg, err := NewAggregator(8, nil)
	if err != nil {
		t.Fatalf("NewAggregator failed: %v", err)
	}

	ctx := context.Background()
	for seq := uint64(1); seq <= 8; seq++ {
		agg.Append(seq, []byte(fmt.Sprintf("payload-%d", seq)))
		if seq < 8 {
			result, err := agg.SealIfFull(ctx)
			if err != nil {
				t.Fatalf("SealIfFull below capacity errored: %v", err)
			}
			if result != nil {
				t.Fatalf("sealed early at %d leaves", seq)
			}
		}
	}

	result, err := agg.SealIfFull(ctx)
	if err != nil {
		t.Fatalf("SealIfFull failed: %v", err)
	}
	if result == nil {
		t.Fatal("expected seal at capacity")
	}
	if agg.Len() != 0 {
		t.Fatalf("accumulator not reset after seal: %d leaves", agg.Len())
	}

	if result.Manifest.SeqStart != 1 || result.Manifest.SeqEnd != 8 || result.Manifest.Count != 8 {
		t.Fatalf("unexpected manifest: %+v", result.Manifest)
	}
	if result.BatchLabel != "batch_00000001_00000008" {
		t.Fatalf("unexpected batch label: %s", result.BatchLabel)
	}

	if len(result.Proofs) != 8 {
		t.Fatalf("expected 8 proof bundles, got %d", len(result.Proofs))
	}
	for i, proof := range result.Proofs {
		if proof.Algorithm != "sha256" {
			t.Fatalf("proof algorithm = %s", proof.Algorithm)
		}
		if proof.Root != result.RootHex {
			t.Fatal("proof root diverges from batch root")
		}
		if len(proof.Proof) != 3 {
			t.Fatalf("proof height = %d for 8 leaves, want 3", len(proof.Proof))
		}
		ok, err := VerifyProof(proof, i)
		if err != nil {
			t.Fatalf("VerifyProof errored: %v", err)
		}
		if !ok {
			t.Fatalf("proof for sequence %d failed verification", proof.Sequence)
		}
	}
}

func TestAggregatorSealBelowCapacityIsIdempotent(t *testing.T) {
	agg, err := NewAggregator(4, nil)
	if err != nil {
		t.Fatalf("NewAggregator failed: %v", err)
	}
	agg.Append(1, []byte("payload-1"))

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		result, err := agg.SealIfFull(ctx)
		if err != nil || result != nil {
			t.Fatalf("seal below capacity must be a no-op, got (%v, %v)", result, err)
		}
	}
	if agg.Len() != 1 {
		t.Fatalf("no-op seal must not drop leaves, have %d", agg.Len())
	}
}

func TestAggregatorPersistsSealArtifacts(t *testing.T) {
	rec, err := recorder.NewRecorder(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewRecorder failed: %v", err)
	}

	fixed := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	agg, err := NewAggregator(4, rec, WithClock(func() time.Time { return fixed }))
	if err != nil {
		t.Fatalf("NewAggregator failed: %v", err)
	}

	ctx := context.Background()
	for seq := uint64(10); seq <= 13; seq++ {
		agg.Append(seq, []byte(fmt.Sprintf("payload-%d", seq)))
	}
	result, err := agg.SealIfFull(ctx)
	if err != nil {
		t.Fatalf("SealIfFull failed: %v", err)
	}
	if result == nil {
		t.Fatal("expected seal result")
	}

	batchDir := filepath.Join(rec.RollupDir(), "batch_00000010_00000013")
	for _, name := range []string{
		"proof_00000010.json", "proof_00000011.json", "proof_00000012.json", "proof_00000013.json",
		"manifest.json", "opreturn_hex.txt", "eth_calldata.json",
	} {
		if _, err := os.Stat(filepath.Join(batchDir, name)); err != nil {
			t.Fatalf("missing sealed artifact %s: %v", name, err)
		}
	}

	var manifest Manifest
	raw, err := os.ReadFile(filepath.Join(batchDir, "manifest.json"))
	if err != nil {
		t.Fatalf("read manifest: %v", err)
	}
	if err := json.Unmarshal(raw, &manifest); err != nil {
		t.Fatalf("manifest not valid JSON: %v", err)
	}
	if manifest.Created != "2026-03-14T09:30:00Z" {
		t.Fatalf("manifest created = %s", manifest.Created)
	}
	if manifest.Root != result.RootHex {
		t.Fatal("manifest root diverges from seal result")
	}

	opreturn, err := os.ReadFile(filepath.Join(batchDir, "opreturn_hex.txt"))
	if err != nil {
		t.Fatalf("read opreturn artifact: %v", err)
	}
	if got := strings.TrimSpace(string(opreturn)); got != "6a20"+result.RootHex {
		t.Fatalf("opreturn hex = %s", got)
	}
}

func TestSealResumesAfterPartialPersist(t *testing.T) {
	rec, err := recorder.NewRecorder(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewRecorder failed: %v", err)
	}

	fixed := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	agg, err := NewAggregator(2, rec, WithClock(func() time.Time { return fixed }))
	if err != nil {
		t.Fatalf("NewAggregator failed: %v", err)
	}

	ctx := context.Background()
	agg.Append(1, []byte("payload-1"))
	agg.Append(2, []byte("payload-2"))

	// 让 manifest.json 的路径被一个目录占住,证明文件会先写出,
	// 随后的清单写入失败,模拟封批中途断电。
	batchDir := filepath.Join(rec.RollupDir(), "batch_00000001_00000002")
	blocker := filepath.Join(batchDir, "manifest.json")
	if err := os.MkdirAll(blocker, 0o755); err != nil {
		t.Fatalf("plant blocker: %v", err)
	}

	if _, err := agg.SealIfFull(ctx); err == nil {
		t.Fatal("expected seal to fail while manifest path is blocked")
	}
	if agg.Len() != 2 {
		t.Fatalf("failed seal must keep leaves, have %d", agg.Len())
	}
	if _, err := os.Stat(filepath.Join(batchDir, "proof_00000001.json")); err != nil {
		t.Fatalf("proof from the interrupted seal missing: %v", err)
	}

	// 封批卡住期间照常有新步骤进来。
	agg.Append(3, []byte("payload-3"))

	if err := os.Remove(blocker); err != nil {
		t.Fatalf("remove blocker: %v", err)
	}

	result, err := agg.SealIfFull(ctx)
	if err != nil {
		t.Fatalf("seal retry failed after obstacle cleared: %v", err)
	}
	if result == nil {
		t.Fatal("expected seal result on retry")
	}
	if result.Manifest.SeqStart != 1 || result.Manifest.SeqEnd != 2 || result.Manifest.Count != 2 {
		t.Fatalf("unexpected manifest after resumed seal: %+v", result.Manifest)
	}
	for i, proof := range result.Proofs {
		ok, err := VerifyProof(proof, i)
		if err != nil || !ok {
			t.Fatalf("proof for sequence %d invalid after resumed seal: (%v, %v)", proof.Sequence, ok, err)
		}
	}
	for _, name := range []string{
		"proof_00000001.json", "proof_00000002.json",
		"manifest.json", "opreturn_hex.txt", "eth_calldata.json",
	} {
		if _, err := os.Stat(filepath.Join(batchDir, name)); err != nil {
			t.Fatalf("missing sealed artifact %s: %v", name, err)
		}
	}

	// 封批失败期间追加的叶子归入下一批。
	if agg.Len() != 1 {
		t.Fatalf("leaf appended during the stuck seal lost: have %d", agg.Len())
	}
	if _, err := agg.SealIfFull(ctx); err != nil {
		t.Fatalf("follow-up no-op seal errored: %v", err)
	}
}

func TestAnchorCalldataShape(t *testing.T) {
	agg, err := NewAggregator(2, nil)
	if err != nil {
		t.Fatalf("NewAggregator failed: %v", err)
	}
	agg.Append(1, []byte("a"))
	agg.Append(2, []byte("b"))
	result, err := agg.SealIfFull(context.Background())
	if err != nil || result == nil {
		t.Fatalf("SealIfFull failed: (%v, %v)", result, err)
	}

	calldata := result.Calldata
	if calldata.Fn != "anchor(bytes32)" {
		t.Fatalf("fn = %s", calldata.Fn)
	}
	if len(calldata.Selector) != 10 || !strings.HasPrefix(calldata.Selector, "0x") {
		t.Fatalf("selector not a 4-byte hex string: %s", calldata.Selector)
	}
	if calldata.ArgRoot != "0x"+result.RootHex {
		t.Fatalf("arg_root = %s", calldata.ArgRoot)
	}
	want := calldata.Selector + result.RootHex
	if calldata.Calldata != want {
		t.Fatalf("calldata = %s, want selector followed by root", calldata.Calldata)
	}
	if len(result.OpReturnHex) != 4+64 {
		t.Fatalf("opreturn hex length = %d", len(result.OpReturnHex))
	}
}
