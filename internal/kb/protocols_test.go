package kb

import (
	"path/filepath"
	"testing"

	"github.com/quiet-coder-io/DomainOS-sub000/internal/store"
)

func TestSeedDefaultProtocols(t *testing.T) {
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"), 0)
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	defer s.Close()

	if err := SeedDefaultProtocols(s); err != nil {
		t.Fatalf("SeedDefaultProtocols failed: %v", err)
	}

	p, err := s.GetProtocol("", "kb-hygiene")
	if err != nil {
		t.Fatalf("Expected kb-hygiene seeded: %v", err)
	}
	if !p.BuiltIn {
		t.Error("Expected seeded protocol marked built-in")
	}

	// User edits survive a reseed.
	p.Content = "customized"
	if err := s.UpsertProtocol(p); err != nil {
		t.Fatalf("UpsertProtocol failed: %v", err)
	}
	if err := SeedDefaultProtocols(s); err != nil {
		t.Fatalf("Second SeedDefaultProtocols failed: %v", err)
	}
	got, err := s.GetProtocol("", "kb-hygiene")
	if err != nil {
		t.Fatalf("GetProtocol failed: %v", err)
	}
	if got.Content != "customized" {
		t.Errorf("Reseed clobbered user edit: %q", got.Content)
	}
}
