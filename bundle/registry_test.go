package bundle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type countingSource struct {
	fetches atomic.Int32
	release chan struct{}
}

func (s *countingSource) Module(id uint32) (Module, error) {
	s.fetches.Add(1)
	if s.release != nil {
		<-s.release
	}
	return Module{Name: fmt.Sprintf("%d.js", id), Code: fmt.Sprintf("module%d()", id)}, nil
}

func TestRegistryDedupConcurrentRequests(t *testing.T) {
	src := &countingSource{release: make(chan struct{})}
	reg := NewSingleBundleRegistry(src)

	const k = 32
	var wg sync.WaitGroup
	results := make([]Module, k)
	errs := make([]error, k)
	for i := 0; i < k; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = reg.GetModule(context.Background(), MainBundleID, 5)
		}(i)
	}

	time.Sleep(20 * time.Millisecond)
	close(src.release)
	wg.Wait()

	if n := src.fetches.Load(); n != 1 {
		t.Errorf("expected exactly one fetch, got %d", n)
	}
	for i := 0; i < k; i++ {
		if errs[i] != nil {
			t.Fatalf("request %d failed: %v", i, errs[i])
		}
		if results[i] != results[0] {
			t.Errorf("request %d got %+v, want %+v", i, results[i], results[0])
		}
	}
}

func TestRegistryMemoizesPerID(t *testing.T) {
	src := &countingSource{}
	reg := NewSingleBundleRegistry(src)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := reg.GetModule(ctx, MainBundleID, 1); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := reg.GetModule(ctx, MainBundleID, 2); err != nil {
		t.Fatal(err)
	}

	if n := src.fetches.Load(); n != 2 {
		t.Errorf("expected 2 fetches (one per id), got %d", n)
	}
}

func TestRegistryMultipleBundles(t *testing.T) {
	dir := t.TempDir()
	extra := writeRAMBundle(t, dir, "extra.bundle", "", map[uint32]string{3: "extra3()"})

	var opened atomic.Int32
	factory := func(path string) (ChunkSource, error) {
		opened.Add(1)
		return OpenIndexed(path)
	}

	reg := NewMultipleBundlesRegistry(&countingSource{}, factory)
	defer reg.Close()

	if err := reg.RegisterBundle(1, extra); err != nil {
		t.Fatalf("RegisterBundle: %v", err)
	}
	if opened.Load() != 0 {
		t.Error("bundle opened before first request")
	}

	m, err := reg.GetModule(context.Background(), 1, 3)
	if err != nil {
		t.Fatalf("GetModule: %v", err)
	}
	if m.Code != "extra3()" {
		t.Errorf("unexpected code %q", m.Code)
	}
	if _, err := reg.GetModule(context.Background(), 1, 3); err != nil {
		t.Fatal(err)
	}
	if opened.Load() != 1 {
		t.Errorf("expected bundle opened once, got %d", opened.Load())
	}
}

func TestRegistryUnknownBundle(t *testing.T) {
	reg := NewMultipleBundlesRegistry(&countingSource{}, IndexedFactory())
	_, err := reg.GetModule(context.Background(), 9, 0)
	if !errors.Is(err, ErrBundleNotRegistered) {
		t.Errorf("expected ErrBundleNotRegistered, got %v", err)
	}
}

func TestSingleBundleRegistryRejectsRegister(t *testing.T) {
	reg := NewSingleBundleRegistry(&countingSource{})
	if err := reg.RegisterBundle(1, "/tmp/x"); err == nil {
		t.Error("expected error registering on single-bundle registry")
	}
}

func TestRegistryContextCancel(t *testing.T) {
	src := &countingSource{release: make(chan struct{})}
	defer close(src.release)
	reg := NewSingleBundleRegistry(src)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if _, err := reg.GetModule(ctx, MainBundleID, 0); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}
