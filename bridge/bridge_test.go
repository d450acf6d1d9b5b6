package bridge

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/caffeineduck/jsbridge"
	"github.com/caffeineduck/jsbridge/bundle"
	"github.com/caffeineduck/jsbridge/config"
	"github.com/caffeineduck/jsbridge/engine"
	"github.com/caffeineduck/jsbridge/internal/enginetest"
	"github.com/caffeineduck/jsbridge/modules"
)

// testCallback counts JS calls and native work in one pending counter so
// waitIdle covers both.
type testCallback struct {
	pending   *PendingCalls
	jsCalls   atomic.Int32
	native    atomic.Int32
	batches   atomic.Int32
	underflow atomic.Int32
	errs      chan error
}

func newTestCallback() *testCallback {
	return &testCallback{pending: NewPendingCalls(), errs: make(chan error, 16)}
}

func (c *testCallback) OnBatchComplete()         { c.batches.Add(1) }
func (c *testCallback) IncrementPendingJSCalls() {
	c.jsCalls.Add(1)
	c.pending.Increment()
}
func (c *testCallback) DecrementPendingJSCalls() { c.done() }
func (c *testCallback) NativeWorkStarted() {
	c.native.Add(1)
	c.pending.Increment()
}
func (c *testCallback) NativeWorkFinished() { c.done() }

func (c *testCallback) done() {
	if _, err := c.pending.Decrement(); err != nil {
		c.underflow.Add(1)
	}
}
func (c *testCallback) OnError(err error) { c.errs <- err }

func (c *testCallback) waitIdle(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.pending.WaitIdle(ctx); err != nil {
		t.Fatalf("pending calls stuck at %d: %v", c.pending.Count(), err)
	}
	if n := c.underflow.Load(); n != 0 {
		t.Fatalf("%d decrements below zero", n)
	}
}

func (c *testCallback) nextError(t *testing.T) error {
	t.Helper()
	select {
	case err := <-c.errs:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("no error reported")
		return nil
	}
}

// echoModule is module 0: send (async), ping (promise), now (sync).
func echoModule(sent chan<- []any) modules.Module {
	return modules.NewModule("Echo", nil,
		modules.Method{Name: "send", Type: modules.MethodAsync, Fn: func(ctx context.Context, args []any) (any, error) {
			sent <- args
			return nil, nil
		}},
		modules.Method{Name: "ping", Type: modules.MethodPromise, Fn: func(ctx context.Context, args []any) (any, error) {
			return fmt.Sprint(args[0]) + "!", nil
		}},
		modules.Method{Name: "now", Type: modules.MethodSync, Fn: func(ctx context.Context, args []any) (any, error) {
			return "pong", nil
		}},
	)
}

type fixture struct {
	bridge   *NativeToJSBridge
	factory  *enginetest.Factory
	queue    *ThreadQueue
	callback *testCallback
	sent     chan []any
}

func newFixture(t *testing.T, factory *enginetest.Factory, cfg config.Config) *fixture {
	t.Helper()
	f := &fixture{
		factory:  factory,
		queue:    NewThreadQueue("js", cfg.QueueCapacity),
		callback: newTestCallback(),
		sent:     make(chan []any, 64),
	}
	reg := modules.NewRegistry()
	if err := reg.RegisterModules(echoModule(f.sent)); err != nil {
		t.Fatal(err)
	}
	b, err := New(factory, reg, f.queue, f.callback, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	f.bridge = b
	t.Cleanup(func() {
		b.Destroy()
		<-b.Done()
		f.queue.QuitSynchronous()
	})
	return f
}

func (f *fixture) constructed(t *testing.T) {
	t.Helper()
	select {
	case <-f.bridge.Constructed():
	case <-time.After(5 * time.Second):
		t.Fatal("engine never constructed")
	}
}

func TestLoadApplicationSettlesPendingCalls(t *testing.T) {
	f := newFixture(t, &enginetest.Factory{}, config.Default())

	if err := f.bridge.LoadApplication(nil, bundle.NewStringSource("native 0 0 [\"hi\"]"), "test.bundle"); err != nil {
		t.Fatal(err)
	}
	f.callback.waitIdle(t)

	select {
	case args := <-f.sent:
		if fmt.Sprint(args) != "[hi]" {
			t.Errorf("args = %v", args)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("native method not called")
	}
	if f.callback.batches.Load() != 1 {
		t.Errorf("OnBatchComplete called %d times, want 1", f.callback.batches.Load())
	}
	if f.bridge.IsBatchActive() {
		t.Error("batch still active after it ended")
	}
}

func TestOperationsRunInOrder(t *testing.T) {
	factory := &enginetest.Factory{Delay: 20 * time.Millisecond}
	f := newFixture(t, factory, config.Default())

	f.bridge.LoadApplication(nil, bundle.NewStringSource("a"), "one.js")
	f.bridge.CallFunction("App", "run", []any{1})
	f.bridge.SetGlobalVariable("cfg", bundle.NewStringSource(`{"x":1}`))
	f.bridge.InvokeCallback(3, []any{"ok"})
	f.bridge.HandleMemoryPressure(engine.PressureModerate)
	f.callback.waitIdle(t)
	f.queue.RunOnQueueSync(func() {})

	want := []string{
		"load one.js 1",
		"eval a",
		"call App.run [1]",
		`global cfg={"x":1}`,
		"invoke 3 [ok]",
		"pressure moderate",
	}
	got := factory.Last().Events()
	if strings.Join(got, "\n") != strings.Join(want, "\n") {
		t.Errorf("events:\n%s\nwant:\n%s", strings.Join(got, "\n"), strings.Join(want, "\n"))
	}
}

func TestLoadApplicationSync(t *testing.T) {
	f := newFixture(t, &enginetest.Factory{}, config.Default())

	err := f.bridge.LoadApplicationSync(context.Background(), nil, bundle.NewStringSource("0123456789"), "test.bundle")
	if err != nil {
		t.Fatalf("LoadApplicationSync: %v", err)
	}
	if f.callback.pending.Count() != 0 {
		t.Errorf("pending = %d after sync load", f.callback.pending.Count())
	}
	if got := f.bridge.PeakMemoryUsage(); got != 10 {
		t.Errorf("peak memory = %d, want 10", got)
	}
	if _, ok := f.bridge.JavaScriptContext().(*enginetest.Engine); !ok {
		t.Errorf("JavaScriptContext = %T", f.bridge.JavaScriptContext())
	}

	err = f.bridge.LoadApplicationSync(context.Background(), nil, bundle.NewStringSource("throw bad"), "bad.js")
	if jsbridge.KindOf(err) != jsbridge.KindScript {
		t.Errorf("err = %v, want script error", err)
	}
	if !errors.Is(f.callback.nextError(t), err) {
		t.Error("script error not reported to callback")
	}
}

func TestSyncLoadFromQueueRunsInline(t *testing.T) {
	f := newFixture(t, &enginetest.Factory{}, config.Default())
	f.constructed(t)

	var err error
	f.queue.RunOnQueueSync(func() {
		err = f.bridge.LoadApplicationSync(context.Background(), nil, bundle.NewStringSource("x"), "inline.js")
	})
	if err != nil {
		t.Fatalf("nested sync load: %v", err)
	}
	f.callback.waitIdle(t)
}

func TestPromiseRoundTrip(t *testing.T) {
	factory := &enginetest.Factory{}
	f := newFixture(t, factory, config.Default())

	f.bridge.LoadApplication(nil, bundle.NewStringSource(`native 0 1 ["x", 5, 6]`), "p.js")
	f.callback.waitIdle(t)
	f.queue.RunOnQueueSync(func() {})

	events := factory.Last().Events()
	if events[len(events)-1] != "invoke 5 [x!]" {
		t.Errorf("events = %v", events)
	}
}

func TestSyncHook(t *testing.T) {
	factory := &enginetest.Factory{}
	f := newFixture(t, factory, config.Default())

	if err := f.bridge.LoadApplicationSync(context.Background(), nil, bundle.NewStringSource("sync 0 2"), "s.js"); err != nil {
		t.Fatal(err)
	}
	events := factory.Last().Events()
	if events[len(events)-1] != "sync result pong" {
		t.Errorf("events = %v", events)
	}
}

func TestUnknownModuleIsFatal(t *testing.T) {
	f := newFixture(t, &enginetest.Factory{}, config.Default())

	f.bridge.LoadApplication(nil, bundle.NewStringSource("native 9 0"), "bad.js")
	err := f.callback.nextError(t)
	if jsbridge.KindOf(err) != jsbridge.KindProtocol || !errors.Is(err, modules.ErrUnknownModule) {
		t.Errorf("err = %v, want protocol error for unknown module", err)
	}
	<-f.bridge.Done()
	if !f.bridge.Destroyed() {
		t.Error("bridge not destroyed after protocol error")
	}
	f.callback.waitIdle(t)
}

func TestConstructionFailure(t *testing.T) {
	boom := jsbridge.ConfigError("new engine", errors.New("boom"))
	f := newFixture(t, &enginetest.Factory{Err: boom}, config.Default())

	f.bridge.CallFunction("App", "run", nil)
	if err := f.callback.nextError(t); !errors.Is(err, boom) {
		t.Errorf("err = %v", err)
	}
	f.constructed(t)
	if !errors.Is(f.bridge.ConstructionErr(), boom) {
		t.Errorf("ConstructionErr = %v", f.bridge.ConstructionErr())
	}
	f.callback.waitIdle(t)
}

func TestUnavailableBackend(t *testing.T) {
	factory, err := engine.Lookup("hermes")
	if err != nil {
		t.Fatal(err)
	}
	cb := newTestCallback()
	q := NewThreadQueue("js", 0)
	defer q.QuitSynchronous()
	b, err := New(factory, modules.NewRegistry(), q, cb, config.Default())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	err = cb.nextError(t)
	if !errors.Is(err, engine.ErrBackendUnavailable) || jsbridge.KindOf(err) != jsbridge.KindConfig {
		t.Errorf("err = %v, want configuration error", err)
	}
	<-b.Done()
}

func TestDestroyIdempotentUnderConcurrency(t *testing.T) {
	factory := &enginetest.Factory{}
	f := newFixture(t, factory, config.Default())
	f.constructed(t)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.bridge.Destroy()
			f.bridge.CallFunction("App", "run", nil)
		}()
	}
	wg.Wait()
	<-f.bridge.Done()

	if !factory.Last().Closed() {
		t.Error("engine not closed")
	}
	closes := 0
	for _, ev := range factory.Last().Events() {
		if ev == "close" {
			closes++
		}
	}
	if closes != 1 {
		t.Errorf("engine closed %d times", closes)
	}
	if err := f.bridge.CallFunction("App", "run", nil); !errors.Is(err, ErrDestroyed) {
		t.Errorf("call after destroy = %v", err)
	}
	f.callback.waitIdle(t)
}

func TestDestroyCancelsQueuedWork(t *testing.T) {
	factory := &enginetest.Factory{}
	f := newFixture(t, factory, config.Default())
	f.constructed(t)

	f.bridge.LoadApplication(nil, bundle.NewStringSource("sleep 50ms"), "slow.js")
	for i := 0; i < 10; i++ {
		f.bridge.CallFunction("App", "run", []any{i})
	}
	f.bridge.Destroy()
	<-f.bridge.Done()
	f.callback.waitIdle(t)

	for _, ev := range factory.Last().Events() {
		if strings.HasPrefix(ev, "call ") {
			t.Errorf("queued call ran after destroy: %s", ev)
		}
	}
}

func TestPendingSettlesWithoutEndOfBatch(t *testing.T) {
	f := newFixture(t, &enginetest.Factory{NoEndOfBatch: true}, config.Default())

	f.bridge.LoadApplication(nil, bundle.NewStringSource("native 0 0 [1]"), "a.js")
	f.bridge.CallFunction("App", "run", nil)
	f.callback.waitIdle(t)
	if f.callback.batches.Load() != 0 {
		t.Errorf("OnBatchComplete called without end of batch")
	}
}

func TestQueueFullRejectsAndSettles(t *testing.T) {
	cfg := config.Default()
	cfg.QueueCapacity = 2
	f := newFixture(t, &enginetest.Factory{}, cfg)
	f.constructed(t)

	release := make(chan struct{})
	started := make(chan struct{})
	if err := f.queue.RunOnQueue(func() { close(started); <-release }); err != nil {
		t.Fatal(err)
	}
	<-started

	for i := 0; i < 2; i++ {
		if err := f.bridge.CallFunction("App", "run", nil); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	if err := f.bridge.CallFunction("App", "run", nil); !errors.Is(err, ErrQueueFull) {
		t.Errorf("err = %v, want ErrQueueFull", err)
	}
	if n := f.callback.pending.Count(); n != 2 {
		t.Errorf("pending = %d, want 2", n)
	}
	close(release)
	f.callback.waitIdle(t)
}

func TestNativeWorkIsNotAPendingJSCall(t *testing.T) {
	f := newFixture(t, &enginetest.Factory{}, config.Default())

	f.bridge.LoadApplication(nil, bundle.NewStringSource("native 0 0 [1]\nnative 0 0 [2]"), "a.js")
	f.callback.waitIdle(t)
	for i := 0; i < 2; i++ {
		select {
		case <-f.sent:
		case <-time.After(5 * time.Second):
			t.Fatal("native method not called")
		}
	}
	if n := f.callback.jsCalls.Load(); n != 1 {
		t.Errorf("pending JS calls incremented %d times, want 1", n)
	}
	if n := f.callback.native.Load(); n != 2 {
		t.Errorf("native work started %d times, want 2", n)
	}
}

func TestNativeWorkWithoutObserver(t *testing.T) {
	factory := &enginetest.Factory{}
	reg := modules.NewRegistry()
	sent := make(chan []any, 1)
	if err := reg.RegisterModules(echoModule(sent)); err != nil {
		t.Fatal(err)
	}
	queue := NewThreadQueue("js", 0)
	defer queue.QuitSynchronous()
	cb := &countingCallback{}
	b, err := New(factory, reg, queue, cb, config.Default())
	if err != nil {
		t.Fatal(err)
	}
	defer func() {
		b.Destroy()
		<-b.Done()
	}()

	b.LoadApplication(nil, bundle.NewStringSource("native 0 0 [\"hi\"]"), "a.js")
	select {
	case <-sent:
	case <-time.After(5 * time.Second):
		t.Fatal("native method not called")
	}
	queue.RunOnQueueSync(func() {})
	if inc, dec := cb.inc.Load(), cb.dec.Load(); inc != 1 || dec != 1 {
		t.Errorf("increments = %d, decrements = %d, want 1 and 1", inc, dec)
	}
}

// countingCallback does not implement NativeWorkObserver.
type countingCallback struct {
	NopCallback
	inc atomic.Int32
	dec atomic.Int32
}

func (c *countingCallback) IncrementPendingJSCalls() { c.inc.Add(1) }
func (c *countingCallback) DecrementPendingJSCalls() { c.dec.Add(1) }

func TestIsBatchActiveDuringBatch(t *testing.T) {
	f := newFixture(t, &enginetest.Factory{}, config.Default())

	f.bridge.LoadApplication(nil, bundle.NewStringSource("native 0 0 [1]\nflush\nsleep 200ms"), "a.js")
	deadline := time.Now().Add(5 * time.Second)
	for !f.bridge.IsBatchActive() {
		if time.Now().After(deadline) {
			t.Fatal("batch never became active")
		}
		time.Sleep(time.Millisecond)
	}
	f.callback.waitIdle(t)
	if f.bridge.IsBatchActive() {
		t.Error("batch active after idle")
	}
}

func TestRegisterBundle(t *testing.T) {
	factory := &enginetest.Factory{}
	f := newFixture(t, factory, config.Default())

	dir := t.TempDir()
	extra := filepath.Join(dir, "extra.bundle")
	var buf strings.Builder
	if err := bundle.WriteIndexed(&buf, nil, map[uint32][]byte{4: []byte(`native 0 0 ["from extra"]`)}); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(extra, []byte(buf.String()), 0o644); err != nil {
		t.Fatal(err)
	}

	reg := bundle.NewMultipleBundlesRegistry(nil, bundle.IndexedFactory())
	defer reg.Close()
	f.bridge.LoadApplication(reg, bundle.NewStringSource("x"), "main.js")
	f.bridge.RegisterBundle(1, extra)
	f.bridge.LoadApplication(nil, bundle.NewStringSource("require 1 4"), "more.js")
	f.callback.waitIdle(t)

	select {
	case args := <-f.sent:
		if fmt.Sprint(args) != "[from extra]" {
			t.Errorf("args = %v", args)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("module from registered bundle never ran")
	}
}

func TestNewValidatesArguments(t *testing.T) {
	q := NewThreadQueue("js", 0)
	defer q.QuitSynchronous()
	if _, err := New(nil, modules.NewRegistry(), q, nil, config.Default()); jsbridge.KindOf(err) != jsbridge.KindConfig {
		t.Errorf("nil factory err = %v", err)
	}
	if _, err := New(&enginetest.Factory{}, nil, q, nil, config.Default()); jsbridge.KindOf(err) != jsbridge.KindConfig {
		t.Errorf("nil registry err = %v", err)
	}
	if _, err := New(&enginetest.Factory{}, modules.NewRegistry(), nil, nil, config.Default()); jsbridge.KindOf(err) != jsbridge.KindConfig {
		t.Errorf("nil queue err = %v", err)
	}
}
