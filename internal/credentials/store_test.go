package credentials

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFileStoreMissingFile(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "state.yaml"), "Unknown City")
	snap, err := store.Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if snap.Token != "" {
		t.Fatalf("expected empty token, got %q", snap.Token)
	}
	if snap.Locality != "Unknown City" {
		t.Fatalf("expected default locality, got %q", snap.Locality)
	}
}

func TestFileStoreRereadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.yaml")
	store := NewFileStore(path, "Unknown City")

	if err := os.WriteFile(path, []byte("token: tok123\ncity: Lahore\n"), 0o600); err != nil {
		t.Fatalf("write state: %v", err)
	}
	snap, err := store.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if snap.Token != "tok123" || snap.Locality != "Lahore" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}

	if err := os.WriteFile(path, []byte("token: \"  \"\n"), 0o600); err != nil {
		t.Fatalf("rewrite state: %v", err)
	}
	snap, err = store.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if snap.Token != "" {
		t.Fatalf("expected blank token after logout, got %q", snap.Token)
	}
	if snap.Locality != "Unknown City" {
		t.Fatalf("expected default locality, got %q", snap.Locality)
	}
}

func TestFileStoreInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.yaml")
	if err := os.WriteFile(path, []byte("token: [unterminated"), 0o600); err != nil {
		t.Fatalf("write state: %v", err)
	}
	if _, err := NewFileStore(path, "x").Load(); err == nil {
		t.Fatal("expected parse error")
	}
}
