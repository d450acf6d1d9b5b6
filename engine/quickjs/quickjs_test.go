package quickjs

import (
	"context"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/caffeineduck/jsbridge"
	"github.com/caffeineduck/jsbridge/bundle"
	"github.com/caffeineduck/jsbridge/config"
	"github.com/caffeineduck/jsbridge/engine"
)

type batch struct {
	calls []engine.MethodCall
	end   bool
}

type recordingDelegate struct {
	batches []batch
}

func (d *recordingDelegate) CallNativeModules(calls []engine.MethodCall, isEndOfBatch bool) {
	d.batches = append(d.batches, batch{calls: calls, end: isEndOfBatch})
}

func (d *recordingDelegate) CallSerializableNativeHook(moduleID, methodID int, args []any) (any, error) {
	if moduleID == 0 && methodID == 2 {
		return "pong", nil
	}
	return nil, fmt.Errorf("no sync method %d.%d", moduleID, methodID)
}

func (d *recordingDelegate) ModuleConfig() map[string]any {
	return map[string]any{"remoteModuleConfig": []any{
		[]any{"Echo", map[string]any{"greeting": "hi"}, []any{"send", "ping", "now"}, []any{1}, []any{2}},
	}}
}

func (d *recordingDelegate) calls() []engine.MethodCall {
	var out []engine.MethodCall
	for _, b := range d.batches {
		out = append(out, b.calls...)
	}
	return out
}

// newEngine starts an interpreter. Compiling QuickJS takes a few seconds,
// so these tests are skipped with -short.
func newEngine(t *testing.T) (*Engine, *recordingDelegate) {
	t.Helper()
	if testing.Short() {
		t.Skip("starts a wasm interpreter")
	}
	d := &recordingDelegate{}
	e, err := New(d, config.Default())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e, d
}

func load(t *testing.T, e *Engine, code string) {
	t.Helper()
	if err := e.LoadBundle(context.Background(), bundle.NewStringSource(code), "test.bundle"); err != nil {
		t.Fatalf("LoadBundle: %v", err)
	}
}

func TestLoadBundleFlushesCalls(t *testing.T) {
	e, d := newEngine(t)
	load(t, e, `NativeModules.Echo.send("a", 1); NativeModules.Echo.send(NativeModules.Echo.greeting);`)

	calls := d.calls()
	if len(calls) != 2 {
		t.Fatalf("got %d calls, want 2", len(calls))
	}
	if got := fmt.Sprint(calls[0].Args); got != "[a 1]" {
		t.Errorf("args = %s", got)
	}
	if got := fmt.Sprint(calls[1].Args); got != "[hi]" {
		t.Errorf("constant arg = %s", got)
	}
	if last := d.batches[len(d.batches)-1]; !last.end {
		t.Error("last flush is not end of batch")
	}
}

func TestCallFunctionAndSyncHook(t *testing.T) {
	e, d := newEngine(t)
	load(t, e, `__fbBatchedBridge.registerCallableModule("App", {
		run: function (x) { NativeModules.Echo.send(x * 2, NativeModules.Echo.now()); }
	});`)
	d.batches = nil

	if err := e.CallFunction(context.Background(), "App", "run", []any{21}); err != nil {
		t.Fatalf("CallFunction: %v", err)
	}
	calls := d.calls()
	if len(calls) != 1 || fmt.Sprint(calls[0].Args) != "[42 pong]" {
		t.Errorf("calls = %+v", calls)
	}
}

func TestPromiseResolvedByCallback(t *testing.T) {
	e, d := newEngine(t)
	load(t, e, `NativeModules.Echo.ping("x").then(function (v) { NativeModules.Echo.send("resolved:" + v); });`)

	d.batches = nil
	if err := e.InvokeCallback(context.Background(), 1, []any{"ok"}); err != nil {
		t.Fatalf("InvokeCallback: %v", err)
	}
	calls := d.calls()
	if len(calls) != 1 || fmt.Sprint(calls[0].Args) != "[resolved:ok]" {
		t.Errorf("calls after resolve = %+v", calls)
	}
}

func TestScriptErrorKeepsEngineUsable(t *testing.T) {
	e, _ := newEngine(t)
	err := e.LoadBundle(context.Background(), bundle.NewStringSource(`throw new Error("boom")`), "bad.js")
	if jsbridge.KindOf(err) != jsbridge.KindScript {
		t.Fatalf("err = %v, want script error", err)
	}
	load(t, e, `var recovered = true;`)
}

func TestSetGlobalVariable(t *testing.T) {
	e, d := newEngine(t)
	if err := e.SetGlobalVariable("__config", bundle.NewStringSource(`{"a": [1, 2]}`)); err != nil {
		t.Fatalf("SetGlobalVariable: %v", err)
	}
	load(t, e, `NativeModules.Echo.send(__config.a.length);`)
	if calls := d.calls(); len(calls) != 1 || fmt.Sprint(calls[0].Args) != "[2]" {
		t.Errorf("calls = %+v", calls)
	}
}

func TestLoggingHook(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	engine.SetLogger(zap.New(core))
	defer engine.SetLogger(nil)

	e, _ := newEngine(t)
	load(t, e, `console.warn("careful");`)

	warned := logs.FilterMessage("careful").All()
	if len(warned) != 1 || warned[0].Level != zap.WarnLevel {
		t.Errorf("entries = %+v", warned)
	}
}

func TestTimeoutTerminatesInterpreter(t *testing.T) {
	e, _ := newEngine(t)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := e.LoadBundle(ctx, bundle.NewStringSource(`while (true) {}`), "loop.js")
	if jsbridge.KindOf(err) != jsbridge.KindScript {
		t.Fatalf("err = %v, want script error", err)
	}
	err = e.LoadBundle(context.Background(), bundle.NewStringSource(`1`), "after.js")
	if jsbridge.KindOf(err) != jsbridge.KindScript {
		t.Errorf("after termination err = %v, want script error", err)
	}
}

func TestPeakMemory(t *testing.T) {
	e, _ := newEngine(t)
	before := e.PeakMemoryUsage()
	if before <= 0 {
		t.Fatal("peak memory not sampled at start")
	}
	load(t, e, `var big = []; for (var i = 0; i < 200000; i++) big.push({i: i});`)
	e.HandleMemoryPressure(engine.PressureModerate)
	if e.PeakMemoryUsage() < before {
		t.Error("peak memory must not decrease")
	}
}

func TestFactoryRegistered(t *testing.T) {
	f, err := engine.Lookup(Name)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if f.Name() != Name {
		t.Errorf("name = %q", f.Name())
	}
	if _, err := New(nil, config.Default()); jsbridge.KindOf(err) != jsbridge.KindConfig {
		t.Errorf("nil delegate err = %v", err)
	}
}
