package state

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	xerrors "PulseAnchor-Chain/internal/errors"
)

func TestFileStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(filepath.Join(dir, "state.json"))
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}

	want := State{Cycle: 3, Step: 7, Sequence: 43}
	if err := store.Save(context.Background(), want); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	got, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got != want {
		t.Fatalf("loaded state = %+v, want %+v", got, want)
	}
}

func TestFileStoreMissingFileYieldsZeroState(t *testing.T) {
	store, err := NewFileStore(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}

	got, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("Load of missing file returned error: %v", err)
	}
	if got != (State{}) {
		t.Fatalf("expected zero state, got %+v", got)
	}
}

func TestFileStoreCorruptFileReported(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("seed corrupt file: %v", err)
	}

	store, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}

	got, err := store.Load(context.Background())
	if err == nil {
		t.Fatal("expected error for corrupt state file")
	}
	if xerrors.CodeOf(err) != xerrors.CodeStateCorruption {
		t.Fatalf("error code = %s, want %s", xerrors.CodeOf(err), xerrors.CodeStateCorruption)
	}
	if got != (State{}) {
		t.Fatalf("expected zero state alongside corruption error, got %+v", got)
	}
}

func TestFileStoreSaveOverwritesPrevious(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	store, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}

	ctx := context.Background()
	for seq := uint64(1); seq <= 5; seq++ {
		if err := store.Save(ctx, State{Step: int(seq), Sequence: seq}); err != nil {
			t.Fatalf("Save #%d failed: %v", seq, err)
		}
	}

	got, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got.Sequence != 5 || got.Step != 5 {
		t.Fatalf("expected latest save to win, got %+v", got)
	}

	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected no leftover temp files, dir has %d entries", len(entries))
	}
}

func TestNewFileStoreRejectsEmptyPath(t *testing.T) {
	if _, err := NewFileStore(""); err == nil {
		t.Fatal("expected error for empty path")
	}
}
