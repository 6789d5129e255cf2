package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestNew(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "nested", "test.db")

	s, err := New(dbPath)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer s.Close()

	// Verify file was created
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("Database file was not created")
	}
}

func TestGetSetDelete(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	if _, ok, err := s.Get("missing"); err != nil || ok {
		t.Fatalf("Expected missing key, got ok=%v err=%v", ok, err)
	}

	if err := s.Set("session.token", `{"a":1}`); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	got, ok, err := s.Get("session.token")
	if err != nil || !ok {
		t.Fatalf("Get failed: ok=%v err=%v", ok, err)
	}
	if got != `{"a":1}` {
		t.Errorf("Expected stored value, got %s", got)
	}

	// Overwrite
	if err := s.Set("session.token", `{"a":2}`); err != nil {
		t.Fatalf("Set overwrite failed: %v", err)
	}
	got, _, _ = s.Get("session.token")
	if got != `{"a":2}` {
		t.Errorf("Expected overwritten value, got %s", got)
	}

	if err := s.Delete("session.token", "never-set"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, ok, _ := s.Get("session.token"); ok {
		t.Error("Expected key to be deleted")
	}
}

func TestSetManyAndDeleteTogether(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	err := s.SetMany(map[string]string{
		"session.token":    "t",
		"session.identity": "i",
	})
	if err != nil {
		t.Fatalf("SetMany failed: %v", err)
	}

	for _, k := range []string{"session.token", "session.identity"} {
		if _, ok, _ := s.Get(k); !ok {
			t.Errorf("Expected %s to be stored", k)
		}
	}

	if err := s.Delete("session.token", "session.identity"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	for _, k := range []string{"session.token", "session.identity"} {
		if _, ok, _ := s.Get(k); ok {
			t.Errorf("Expected %s to be cleared", k)
		}
	}
}

func TestPersistsAcrossReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	s, err := New(dbPath)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	if err := s.Set("k", "v"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	s.Close()

	s, err = New(dbPath)
	if err != nil {
		t.Fatalf("Failed to reopen store: %v", err)
	}
	defer s.Close()

	if v, ok, _ := s.Get("k"); !ok || v != "v" {
		t.Errorf("Expected persisted value, got %q ok=%v", v, ok)
	}
}

func TestPing(t *testing.T) {
	s := newTestStore(t)

	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed on open store: %v", err)
	}

	s.Close()
	if err := s.Ping(context.Background()); err == nil {
		t.Error("Expected Ping to fail on closed store")
	}
}

func TestMemory(t *testing.T) {
	m := NewMemory()
	if err := m.SetMany(map[string]string{"a": "1", "b": "2"}); err != nil {
		t.Fatalf("SetMany failed: %v", err)
	}
	if v, ok, _ := m.Get("a"); !ok || v != "1" {
		t.Errorf("Expected a=1, got %q", v)
	}
	m.Delete("a", "b")
	if _, ok, _ := m.Get("b"); ok {
		t.Error("Expected b to be deleted")
	}
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := New(dbPath)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	return s
}
