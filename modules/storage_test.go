package modules

import (
	"context"
	"path/filepath"
	"testing"
)

func TestStorageRoundTrip(t *testing.T) {
	s, err := OpenStorage(filepath.Join(t.TempDir(), "storage.db"))
	if err != nil {
		t.Fatalf("OpenStorage: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	_, err = s.MultiSet(ctx, []any{[]any{
		[]any{"user", "ada"},
		[]any{"theme", "dark"},
	}})
	if err != nil {
		t.Fatalf("MultiSet: %v", err)
	}
	if _, err := s.MultiSet(ctx, []any{[]any{[]any{"theme", "light"}}}); err != nil {
		t.Fatalf("MultiSet overwrite: %v", err)
	}

	got, err := s.MultiGet(ctx, []any{[]any{"theme", "missing"}})
	if err != nil {
		t.Fatalf("MultiGet: %v", err)
	}
	pairs := got.([]any)
	if v := pairs[0].([]any)[1]; v != "light" {
		t.Errorf("expected light, got %v", v)
	}
	if v := pairs[1].([]any)[1]; v != nil {
		t.Errorf("expected nil for missing key, got %v", v)
	}

	if _, err := s.MultiRemove(ctx, []any{[]any{"user"}}); err != nil {
		t.Fatalf("MultiRemove: %v", err)
	}
	keys, err := s.AllKeys(ctx, nil)
	if err != nil {
		t.Fatalf("AllKeys: %v", err)
	}
	if k := keys.([]string); len(k) != 1 || k[0] != "theme" {
		t.Errorf("expected [theme], got %v", k)
	}

	if _, err := s.Clear(ctx, nil); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	keys, _ = s.AllKeys(ctx, nil)
	if k := keys.([]string); len(k) != 0 {
		t.Errorf("expected empty store, got %v", k)
	}
}

func TestStoragePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "persist.db")
	ctx := context.Background()

	s, err := OpenStorage(path)
	if err != nil {
		t.Fatal(err)
	}
	s.MultiSet(ctx, []any{[]any{[]any{"k", "v"}}})
	s.Close()

	s, err = OpenStorage(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	got, _ := s.MultiGet(ctx, []any{[]any{"k"}})
	if v := got.([]any)[0].([]any)[1]; v != "v" {
		t.Errorf("expected persisted value, got %v", v)
	}
}

func TestStorageBadPairs(t *testing.T) {
	s, err := OpenStorage(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if _, err := s.MultiSet(context.Background(), []any{[]any{[]any{"only-key"}}}); err == nil {
		t.Error("expected error for malformed pair")
	}
}
