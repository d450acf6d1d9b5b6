package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/caffeineduck/jsbridge/bridge"
	"github.com/caffeineduck/jsbridge/bundle"
	"github.com/caffeineduck/jsbridge/config"
	"github.com/caffeineduck/jsbridge/engine"
	"github.com/caffeineduck/jsbridge/instance"
	"github.com/caffeineduck/jsbridge/modules"
)

const shutdownTimeout = 10 * time.Second

// host is an initialized instance with the built-in modules from its config.
// It is the bridge callback and remembers the first fatal error.
type host struct {
	inst    *instance.Instance
	cfg     config.Config
	log     *zap.Logger
	closers []io.Closer

	mu      sync.Mutex
	err     error
	batches int
}

func startHost(ctx context.Context, cfg config.Config, log *zap.Logger) (*host, error) {
	factory, err := engine.Lookup(cfg.Engine)
	if err != nil {
		return nil, err
	}
	mods, closers, err := modules.Builtins(cfg.Modules, log)
	if err != nil {
		return nil, err
	}
	h := &host{cfg: cfg, log: log, closers: closers}

	registry := modules.NewRegistry()
	if err := registry.RegisterModules(mods...); err != nil {
		h.closeModules()
		return nil, err
	}

	h.inst = instance.New(instance.WithLogger(log), instance.WithConfig(cfg))
	queue := bridge.NewThreadQueue("js", cfg.Capacity())
	if err := h.inst.Initialize(h, factory, queue, registry); err != nil {
		h.closeModules()
		return nil, err
	}
	if err := h.inst.WaitUntilReady(ctx); err != nil {
		h.close()
		if fatal := h.Err(); fatal != nil {
			return nil, fatal
		}
		return nil, err
	}
	return h, nil
}

// load loads path as a RAM bundle or a plain script and waits for it to
// finish evaluating.
func (h *host) load(ctx context.Context, path string) error {
	if bundle.IsIndexedRAMBundle(path) {
		return h.inst.LoadRAMBundleFromFile(ctx, path, path, true)
	}
	src, err := bundle.ReadSource(path)
	if err != nil {
		return err
	}
	return h.inst.LoadApplicationSync(ctx, nil, src, 0, path, "")
}

// eval evaluates code and waits for it to finish.
func (h *host) eval(ctx context.Context, code, url string) error {
	return h.inst.LoadScriptFromString(ctx, bundle.NewStringSource(code), 0, url, true, "")
}

// settle waits for outstanding calls and reports the first fatal error.
func (h *host) settle(ctx context.Context) error {
	idle := h.inst.WaitIdle(ctx)
	if err := h.Err(); err != nil {
		return err
	}
	if idle != nil {
		return fmt.Errorf("waiting for pending calls: %w", idle)
	}
	return nil
}

func (h *host) close() {
	h.inst.Destroy()
	select {
	case <-h.inst.Done():
	case <-time.After(shutdownTimeout):
		h.log.Warn("engine did not stop in time")
	}
	h.closeModules()
}

func (h *host) closeModules() {
	for _, c := range h.closers {
		if err := c.Close(); err != nil {
			h.log.Warn("close module", zap.Error(err))
		}
	}
	h.closers = nil
}

// Err returns the first fatal bridge error.
func (h *host) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Batches returns the number of completed batches that made native calls.
func (h *host) Batches() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.batches
}

func (h *host) OnBatchComplete() {
	h.mu.Lock()
	h.batches++
	h.mu.Unlock()
}

func (h *host) IncrementPendingJSCalls() {}

func (h *host) DecrementPendingJSCalls() {}

func (h *host) OnError(err error) {
	h.mu.Lock()
	if h.err == nil {
		h.err = err
	}
	h.mu.Unlock()
}

var errDestroyed = errors.New("instance destroyed")

// alive reports whether the instance can still take work.
func (h *host) alive() error {
	if h.inst.State() == instance.StateDestroyed {
		if err := h.Err(); err != nil {
			return fmt.Errorf("%w: %v", errDestroyed, err)
		}
		return errDestroyed
	}
	return nil
}
