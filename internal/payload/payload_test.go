package payload

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"PulseAnchor-Chain/internal/envelope"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestBuildDeterministicFieldOrder(t *testing.T) {
	at := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	b := NewBuilder("omega", WithClock(fixedClock(at)))

	step := envelope.Step{CycleIndex: 2, StepIndex: 7, Amplitude: 0.25, Sequence: 31}
	got := string(b.Build(step))
	want := "PULSE/1|ts=2026-03-14T09:26:53Z|cycle=2|step=7|amp=0.250000|anchor=omega|seq=31"
	if got != want {
		t.Fatalf("unexpected payload:\n got %s\nwant %s", got, want)
	}

	again := string(b.Build(step))
	if got != again {
		t.Fatalf("payload not deterministic:\n%s\n%s", got, again)
	}
}

func TestBuildTimestampOnlyVariance(t *testing.T) {
	b1 := NewBuilder("omega", WithClock(fixedClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))))
	b2 := NewBuilder("omega", WithClock(fixedClock(time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC))))

	step := envelope.Step{CycleIndex: 0, StepIndex: 0, Amplitude: 1, Sequence: 1}
	p1 := strings.SplitN(string(b1.Build(step)), "|", 3)
	p2 := strings.SplitN(string(b2.Build(step)), "|", 3)
	if p1[0] != p2[0] || p1[2] != p2[2] {
		t.Fatalf("non-timestamp fields differ: %v vs %v", p1, p2)
	}
	if p1[1] == p2[1] {
		t.Fatalf("expected timestamps to differ")
	}
}

func TestIntegrityTag(t *testing.T) {
	key := []byte("shared-integrity-key")
	at := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	b := NewBuilder("omega", WithIntegrityKey(key), WithClock(fixedClock(at)))

	data := b.Build(envelope.Step{CycleIndex: 1, StepIndex: 3, Amplitude: 0.5, Sequence: 9})
	if !bytes.Contains(data, []byte("|mac=")) {
		t.Fatalf("expected mac suffix, got %s", data)
	}
	if !VerifyMAC(data, key) {
		t.Fatalf("mac did not verify")
	}
	if VerifyMAC(data, []byte("wrong-key")) {
		t.Fatalf("mac verified under wrong key")
	}

	// tampering with the body must break verification
	tampered := bytes.Replace(data, []byte("seq=9"), []byte("seq=8"), 1)
	if VerifyMAC(tampered, key) {
		t.Fatalf("tampered payload verified")
	}
}

func TestBuildWithoutKeyHasNoSuffix(t *testing.T) {
	b := NewBuilder("omega")
	data := b.Build(envelope.Step{Sequence: 1})
	if bytes.Contains(data, []byte("|mac=")) {
		t.Fatalf("unexpected mac suffix: %s", data)
	}
	if VerifyMAC(data, []byte("key")) {
		t.Fatalf("verify should fail without suffix")
	}
}
