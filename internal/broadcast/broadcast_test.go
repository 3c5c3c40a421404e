package broadcast

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"PulseAnchor-Chain/internal/eventlog"
	"PulseAnchor-Chain/internal/recorder"
	"PulseAnchor-Chain/internal/rollup"
)

type stubSubmitter struct {
	calls   int
	lastArg []byte
	txRef   string
	err     error
	block   bool
}

func (s *stubSubmitter) SubmitData(ctx context.Context, data []byte) (string, error) {
	s.calls++
	s.lastArg = append([]byte(nil), data...)
	if s.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return s.txRef, s.err
}

func sealedBatch(t *testing.T) *rollup.SealResult {
	t.Helper()
	agg, err := rollup.NewAggregator(2, nil)
	if err != nil {
		t.Fatalf("NewAggregator failed: %v", err)
	}
	agg.Append(1, []byte("payload-1"))
	agg.Append(2, []byte("payload-2"))
	result, err := agg.SealIfFull(context.Background())
	if err != nil || result == nil {
		t.Fatalf("SealIfFull failed: (%v, %v)", result, err)
	}
	return result
}

func TestGateHonorsCadenceDivisor(t *testing.T) {
	stub := &stubSubmitter{txRef: "0xabc"}
	gate := NewGate(true, 4, time.Second, []Submitter{{Name: "omega-evm", Identity: stub}}, nil)

	ctx := context.Background()
	var receipts int
	for seq := uint64(1); seq <= 12; seq++ {
		if r := gate.MaybeSubmitPayload(ctx, seq, []byte("payload")); r != nil {
			receipts++
			if seq%4 != 0 {
				t.Fatalf("submission at off-cadence sequence %d", seq)
			}
			if r.Status != StatusConfirmed || r.TxRef != "0xabc" {
				t.Fatalf("unexpected receipt: %+v", r)
			}
		}
	}
	if receipts != 3 || stub.calls != 3 {
		t.Fatalf("expected 3 submissions over 12 sequences, got %d receipts / %d calls", receipts, stub.calls)
	}
}

func TestGateDisabledSubmitsNothing(t *testing.T) {
	stub := &stubSubmitter{}
	gate := NewGate(false, 1, time.Second, []Submitter{{Name: "omega-evm", Identity: stub}}, nil)
	if r := gate.MaybeSubmitPayload(context.Background(), 4, []byte("payload")); r != nil {
		t.Fatalf("disabled gate produced a receipt: %+v", r)
	}
	if stub.calls != 0 {
		t.Fatal("disabled gate must not touch the submitter")
	}
}

func TestGateFailureYieldsFailedReceipt(t *testing.T) {
	stub := &stubSubmitter{err: errors.New("nonce too low")}
	gate := NewGate(true, 1, time.Second, []Submitter{{Name: "omega-evm", Identity: stub}}, nil)

	r := gate.MaybeSubmitPayload(context.Background(), 1, []byte("payload"))
	if r == nil {
		t.Fatal("expected a receipt for the failed attempt")
	}
	if r.Status != StatusFailed || r.Error == "" {
		t.Fatalf("unexpected receipt: %+v", r)
	}
	if r.ID == "" {
		t.Fatal("receipt missing ID")
	}
}

func TestGateTimeoutMarksReceiptPending(t *testing.T) {
	stub := &stubSubmitter{block: true}
	gate := NewGate(true, 1, 30*time.Millisecond, []Submitter{{Name: "omega-evm", Identity: stub}}, nil)

	r := gate.MaybeSubmitPayload(context.Background(), 1, []byte("payload"))
	if r == nil {
		t.Fatal("expected a receipt for the timed-out attempt")
	}
	if r.Status != StatusPending {
		t.Fatalf("receipt status = %s, want %s", r.Status, StatusPending)
	}
}

func TestSubmitRootSendsAnchorCalldata(t *testing.T) {
	stub := &stubSubmitter{txRef: "0xdef"}
	gate := NewGate(true, 1, time.Second, []Submitter{{Name: "omega-evm", Identity: stub}}, nil)

	result := sealedBatch(t)
	r := gate.SubmitRoot(context.Background(), result)
	if r == nil || r.Status != StatusConfirmed {
		t.Fatalf("unexpected receipt: %+v", r)
	}
	// 4 字节选择子加 32 字节根哈希。
	if len(stub.lastArg) != 36 {
		t.Fatalf("calldata length = %d, want 36", len(stub.lastArg))
	}
	if r.Target != "root:"+result.RootHex {
		t.Fatalf("receipt target = %s", r.Target)
	}
}

func TestGatePersistsReceiptArtifacts(t *testing.T) {
	baseDir := t.TempDir()
	index := recorder.NewMemoryIndex()
	rec, err := recorder.NewRecorder(baseDir, index)
	if err != nil {
		t.Fatalf("NewRecorder failed: %v", err)
	}

	stub := &stubSubmitter{err: errors.New("nonce too low")}
	gate := NewGate(true, 1, time.Second, []Submitter{{Name: "omega-evm", Identity: stub}}, nil,
		WithRecorder(rec))

	ctx := context.Background()
	r := gate.MaybeSubmitPayload(ctx, 5, []byte("payload"))
	if r == nil || r.Status != StatusFailed {
		t.Fatalf("unexpected receipt: %+v", r)
	}

	raw, err := os.ReadFile(filepath.Join(baseDir, "receipts", "receipt_"+r.ID+".json"))
	if err != nil {
		t.Fatalf("receipt artifact not persisted: %v", err)
	}
	var persisted Receipt
	if err := json.Unmarshal(raw, &persisted); err != nil {
		t.Fatalf("receipt artifact not valid JSON: %v", err)
	}
	if persisted.ID != r.ID || persisted.Sequence != 5 ||
		persisted.Status != StatusFailed || persisted.Error == "" {
		t.Fatalf("persisted receipt mismatch: %+v", persisted)
	}

	entries, err := index.ListBySequence(ctx, 5)
	if err != nil {
		t.Fatalf("ListBySequence failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Kind != recorder.KindReceipt {
		t.Fatalf("receipt index entry mismatch: %+v", entries)
	}

	// 每次尝试各留一份回执。
	stub.err = nil
	stub.txRef = "0xabc"
	second := gate.MaybeSubmitPayload(ctx, 6, []byte("payload"))
	if second == nil || second.Status != StatusConfirmed {
		t.Fatalf("unexpected receipt: %+v", second)
	}
	if _, err := os.Stat(filepath.Join(baseDir, "receipts", "receipt_"+second.ID+".json")); err != nil {
		t.Fatalf("second receipt artifact missing: %v", err)
	}
}

func TestSubmitRootReceiptCarriesBatchEndSequence(t *testing.T) {
	baseDir := t.TempDir()
	rec, err := recorder.NewRecorder(baseDir, nil)
	if err != nil {
		t.Fatalf("NewRecorder failed: %v", err)
	}

	stub := &stubSubmitter{txRef: "0xdef"}
	gate := NewGate(true, 1, time.Second, []Submitter{{Name: "omega-evm", Identity: stub}}, nil,
		WithRecorder(rec))

	result := sealedBatch(t)
	r := gate.SubmitRoot(context.Background(), result)
	if r == nil || r.Sequence != result.Manifest.SeqEnd {
		t.Fatalf("root receipt sequence mismatch: %+v", r)
	}
	if _, err := os.Stat(filepath.Join(baseDir, "receipts", "receipt_"+r.ID+".json")); err != nil {
		t.Fatalf("root receipt artifact missing: %v", err)
	}
}

func TestSubmitRootWithoutIdentityRecordsTrail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trail.jsonl")
	trail, err := eventlog.NewTrail(path)
	if err != nil {
		t.Fatalf("NewTrail failed: %v", err)
	}
	defer trail.Close()

	gate := NewGate(true, 1, time.Second, nil, trail)
	if r := gate.SubmitRoot(context.Background(), sealedBatch(t)); r != nil {
		t.Fatalf("gate without identity produced a receipt: %+v", r)
	}

	file, err := os.Open(path)
	if err != nil {
		t.Fatalf("open trail: %v", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	if !scanner.Scan() {
		t.Fatal("trail is empty")
	}
	var record eventlog.Record
	if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
		t.Fatalf("trail record not valid JSON: %v", err)
	}
	if record.Kind != eventlog.KindBroadcastResult {
		t.Fatalf("record kind = %s", record.Kind)
	}
	if record.Detail["status"] != "rollup ready, not broadcast" {
		t.Fatalf("record detail = %v", record.Detail)
	}
}
