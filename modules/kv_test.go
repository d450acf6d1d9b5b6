package modules

import (
	"context"
	"strings"
	"sync"
	"testing"
)

func TestKVSetGet(t *testing.T) {
	kv := NewKV(DefaultKVConfig())
	ctx := context.Background()

	if _, err := kv.Set(ctx, []any{"foo", "bar"}); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	val, err := kv.Get(ctx, []any{"foo"})
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if val != "bar" {
		t.Errorf("expected bar, got %v", val)
	}
}

func TestKVGetDefault(t *testing.T) {
	kv := NewKV(DefaultKVConfig())
	val, err := kv.Get(context.Background(), []any{"missing", "fallback"})
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if val != "fallback" {
		t.Errorf("expected fallback, got %v", val)
	}
}

func TestKVDeleteAndKeys(t *testing.T) {
	kv := NewKV(DefaultKVConfig())
	ctx := context.Background()

	kv.Set(ctx, []any{"b", "2"})
	kv.Set(ctx, []any{"a", "1"})
	kv.Delete(ctx, []any{"b"})

	keys, _ := kv.Keys(ctx, nil)
	got := keys.([]string)
	if len(got) != 1 || got[0] != "a" {
		t.Errorf("expected [a], got %v", got)
	}
}

func TestKVLimits(t *testing.T) {
	kv := NewKV(KVConfig{MaxKeySize: 4, MaxValueSize: 4, MaxEntries: 1})
	ctx := context.Background()

	if _, err := kv.Set(ctx, []any{"toolong", "v"}); err == nil {
		t.Error("expected key size error")
	}
	if _, err := kv.Set(ctx, []any{"k", "toolong"}); err == nil {
		t.Error("expected value size error")
	}
	if _, err := kv.Set(ctx, []any{"k", "v"}); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if _, err := kv.Set(ctx, []any{"k2", "v"}); err == nil || !strings.Contains(err.Error(), "full") {
		t.Errorf("expected store full, got %v", err)
	}
	if _, err := kv.Set(ctx, []any{"k", "w"}); err != nil {
		t.Errorf("overwrite at capacity should succeed: %v", err)
	}
}

func TestKVArgErrors(t *testing.T) {
	kv := NewKV(DefaultKVConfig())
	if _, err := kv.Get(context.Background(), nil); err == nil {
		t.Error("expected error for missing key")
	}
	if _, err := kv.Set(context.Background(), []any{"k", 3.0}); err == nil {
		t.Error("expected error for non-string value")
	}
}

func TestKVConcurrent(t *testing.T) {
	kv := NewKV(DefaultKVConfig())
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := string(rune('a' + i%26))
			kv.Set(ctx, []any{key, "v"})
			kv.Get(ctx, []any{key})
		}(i)
	}
	wg.Wait()

	keys, _ := kv.Keys(ctx, nil)
	if n := len(keys.([]string)); n != 26 {
		t.Errorf("expected 26 keys, got %d", n)
	}
}
