// Package gojajs runs bridge scripts on goja, a JavaScript engine written in
// pure Go. Importing the package registers the "goja" engine.
package gojajs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"runtime/debug"
	"sync/atomic"

	"github.com/dop251/goja"
	"github.com/dop251/goja_nodejs/console"
	"github.com/dop251/goja_nodejs/require"
	"go.uber.org/zap"

	"github.com/caffeineduck/jsbridge"
	"github.com/caffeineduck/jsbridge/bundle"
	"github.com/caffeineduck/jsbridge/config"
	"github.com/caffeineduck/jsbridge/engine"
	"github.com/caffeineduck/jsbridge/modules"
)

// Name is the engine name used with engine.Lookup.
const Name = "goja"

var ErrNoBundleRegistry = errors.New("no bundle registry")

func init() {
	engine.Register(Factory{})
}

// Factory builds goja engines.
type Factory struct{}

func (Factory) Name() string {
	return Name
}

func (Factory) New(delegate engine.Delegate, cfg config.Config) (engine.Engine, error) {
	return New(delegate, cfg)
}

// Engine is a goja runtime with the bridge prelude installed.
type Engine struct {
	vm       *goja.Runtime
	delegate engine.Delegate
	cfg      config.Config
	log      *zap.Logger

	bridge         *goja.Object
	callFunction   goja.Callable
	invokeCallback goja.Callable
	flushedQueue   goja.Callable
	jsonParse      goja.Callable
	registry       *bundle.Registry
	ctx            context.Context
	peak           atomic.Int64
	closed         bool
}

// New creates a runtime, installs native hooks and evaluates the prelude.
func New(delegate engine.Delegate, cfg config.Config) (*Engine, error) {
	if delegate == nil {
		return nil, jsbridge.ConfigError("new goja engine", errors.New("nil delegate"))
	}
	e := &Engine{
		vm:       goja.New(),
		delegate: delegate,
		cfg:      cfg,
		log:      engine.Logger().With(zap.String("engine", Name)),
		ctx:      context.Background(),
	}

	registry := require.NewRegistry()
	registry.RegisterNativeModule(console.ModuleName, console.RequireWithPrinter(printer{log: e.log}))
	registry.Enable(e.vm)
	console.Enable(e.vm)

	hooks := map[string]func(goja.FunctionCall) goja.Value{
		"nativeFlushQueueImmediate": e.nativeFlushQueueImmediate,
		"nativeCallSyncHook":        e.nativeCallSyncHook,
		"nativeRequire":             e.nativeRequire,
	}
	for name, fn := range hooks {
		if err := e.vm.Set(name, fn); err != nil {
			return nil, jsbridge.ScriptError("install "+name, err)
		}
	}

	cfgScript, err := engine.ConfigScript(delegate.ModuleConfig())
	if err != nil {
		return nil, jsbridge.ConfigError("new goja engine", err)
	}
	if _, err := e.vm.RunScript("jsbridge://config.js", cfgScript); err != nil {
		return nil, jsbridge.ScriptError("module config", err)
	}
	if _, err := e.vm.RunScript(engine.PreludeURL, engine.Prelude()); err != nil {
		return nil, jsbridge.ScriptError("prelude", err)
	}
	if err := e.vm.Set("nativeLoggingHook", e.nativeLoggingHook); err != nil {
		return nil, jsbridge.ScriptError("install nativeLoggingHook", err)
	}

	e.bridge = e.vm.Get("__fbBatchedBridge").ToObject(e.vm)
	var ok1, ok2, ok3, ok4 bool
	e.callFunction, ok1 = goja.AssertFunction(e.bridge.Get("callFunctionReturnFlushedQueue"))
	e.invokeCallback, ok2 = goja.AssertFunction(e.bridge.Get("invokeCallbackAndReturnFlushedQueue"))
	e.flushedQueue, ok3 = goja.AssertFunction(e.bridge.Get("flushedQueue"))
	e.jsonParse, ok4 = goja.AssertFunction(e.vm.Get("JSON").ToObject(e.vm).Get("parse"))
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return nil, jsbridge.ScriptError("prelude", errors.New("bridge functions missing"))
	}

	e.samplePeak()
	return e, nil
}

// LoadBundle evaluates src and delivers the native calls it queued.
func (e *Engine) LoadBundle(ctx context.Context, src *bundle.Source, url string) error {
	code, err := src.Bytes()
	if err != nil {
		return jsbridge.IOError("load bundle", err)
	}
	return e.run(ctx, "load "+url, func() (goja.Value, error) {
		_, err := e.vm.RunScript(url, string(code))
		return goja.Null(), err
	})
}

// SetBundleRegistry sets the source of modules for nativeRequire.
func (e *Engine) SetBundleRegistry(reg *bundle.Registry) {
	e.registry = reg
}

// RegisterBundle makes an additional segmented bundle available to
// nativeRequire under id.
func (e *Engine) RegisterBundle(id uint32, path string) error {
	if e.registry == nil {
		return jsbridge.ConfigError("register bundle", ErrNoBundleRegistry)
	}
	return e.registry.RegisterBundle(id, path)
}

// CallFunction calls module.method registered with registerCallableModule.
func (e *Engine) CallFunction(ctx context.Context, module, method string, args []any) error {
	return e.run(ctx, "call "+module+"."+method, func() (goja.Value, error) {
		jsArgs, err := e.toJS(args)
		if err != nil {
			return nil, err
		}
		return e.callFunction(e.bridge, e.vm.ToValue(module), e.vm.ToValue(method), jsArgs)
	})
}

// InvokeCallback calls the script callback registered under id.
func (e *Engine) InvokeCallback(ctx context.Context, id float64, args []any) error {
	return e.run(ctx, fmt.Sprintf("invoke callback %v", id), func() (goja.Value, error) {
		jsArgs, err := e.toJS(args)
		if err != nil {
			return nil, err
		}
		return e.invokeCallback(e.bridge, e.vm.ToValue(id), jsArgs)
	})
}

// SetGlobalVariable parses a JSON document into a global.
func (e *Engine) SetGlobalVariable(name string, doc *bundle.Source) error {
	data, err := doc.Bytes()
	if err != nil {
		return jsbridge.IOError("set global "+name, err)
	}
	v, err := e.jsonParse(goja.Undefined(), e.vm.ToValue(string(data)))
	if err != nil {
		return jsbridge.ScriptError("set global "+name, err)
	}
	if err := e.vm.Set(name, v); err != nil {
		return jsbridge.ScriptError("set global "+name, err)
	}
	return nil
}

// HandleMemoryPressure runs the Go collector. goja objects live on the Go
// heap, so there is no separate engine heap to trim.
func (e *Engine) HandleMemoryPressure(level engine.MemoryPressure) {
	e.log.Debug("memory pressure", zap.Stringer("level", level))
	if level >= engine.PressureCritical {
		debug.FreeOSMemory()
	} else {
		runtime.GC()
	}
}

// PeakMemoryUsage reports the highest Go heap size sampled after each
// engine operation.
func (e *Engine) PeakMemoryUsage() int64 {
	return e.peak.Load()
}

// JavaScriptContext returns the *goja.Runtime.
func (e *Engine) JavaScriptContext() any {
	return e.vm
}

func (e *Engine) IsInspectable() bool {
	return false
}

func (e *Engine) Description() string {
	return "goja"
}

// Close interrupts any running script. The runtime must not be used again.
func (e *Engine) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true
	e.vm.Interrupt(errors.New("engine closed"))
	e.registry = nil
	return nil
}

// run executes fn under ctx, then flushes the queue fn returned and anything
// queued by promise jobs, ending the batch.
func (e *Engine) run(ctx context.Context, op string, fn func() (goja.Value, error)) error {
	if e.closed {
		return jsbridge.ConfigError(op, errors.New("engine closed"))
	}
	if e.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.CallTimeout)
		defer cancel()
	}
	stop := context.AfterFunc(ctx, func() {
		e.vm.Interrupt(ctx.Err())
	})
	prev := e.ctx
	e.ctx = ctx
	defer func() {
		if !stop() {
			e.vm.ClearInterrupt()
		}
		e.ctx = prev
		e.samplePeak()
	}()

	first, err := fn()
	if err != nil {
		return scriptError(op, err)
	}
	calls, err := engine.ParseQueue(first.Export())
	if err != nil {
		return err
	}
	if len(calls) > 0 {
		e.delegate.CallNativeModules(calls, false)
	}

	rest, err := e.flushedQueue(e.bridge)
	if err != nil {
		return scriptError(op, err)
	}
	calls, err = engine.ParseQueue(rest.Export())
	if err != nil {
		return err
	}
	e.delegate.CallNativeModules(calls, true)
	return nil
}

// toJS converts Go arguments to a real JS array through JSON, the same
// representation script sees from every engine.
func (e *Engine) toJS(args []any) (goja.Value, error) {
	if args == nil {
		args = []any{}
	}
	data, err := json.Marshal(args)
	if err != nil {
		return nil, jsbridge.ProtocolError("encode arguments", err)
	}
	return e.jsonParse(goja.Undefined(), e.vm.ToValue(string(data)))
}

func (e *Engine) samplePeak() {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	heap := int64(ms.HeapAlloc)
	for {
		cur := e.peak.Load()
		if heap <= cur || e.peak.CompareAndSwap(cur, heap) {
			return
		}
	}
}

func (e *Engine) nativeFlushQueueImmediate(call goja.FunctionCall) goja.Value {
	calls, err := engine.ParseQueue(call.Argument(0).Export())
	if err != nil {
		panic(e.vm.NewGoError(err))
	}
	if len(calls) > 0 {
		e.delegate.CallNativeModules(calls, false)
	}
	return goja.Undefined()
}

func (e *Engine) nativeCallSyncHook(call goja.FunctionCall) goja.Value {
	moduleID := int(call.Argument(0).ToInteger())
	methodID := int(call.Argument(1).ToInteger())
	var args []any
	if exported, ok := call.Argument(2).Export().([]any); ok {
		args = exported
	}
	result, err := e.delegate.CallSerializableNativeHook(moduleID, methodID, args)
	if err != nil {
		panic(e.vm.NewGoError(err))
	}
	return e.vm.ToValue(result)
}

func (e *Engine) nativeRequire(call goja.FunctionCall) goja.Value {
	moduleID := call.Argument(0).ToInteger()
	bundleID := call.Argument(1).ToInteger()
	if e.registry == nil {
		panic(e.vm.NewGoError(ErrNoBundleRegistry))
	}
	if moduleID < 0 || bundleID < 0 {
		panic(e.vm.NewTypeError("nativeRequire: negative id"))
	}
	m, err := e.registry.GetModule(e.ctx, uint32(bundleID), uint32(moduleID))
	if err != nil {
		panic(e.vm.NewGoError(err))
	}
	if _, err := e.vm.RunScript(m.Name, m.Code); err != nil {
		var ex *goja.Exception
		if errors.As(err, &ex) {
			panic(ex.Value())
		}
		panic(e.vm.NewGoError(err))
	}
	return goja.Undefined()
}

func (e *Engine) nativeLoggingHook(call goja.FunctionCall) goja.Value {
	level := "info"
	if len(call.Arguments) > 1 {
		level = call.Argument(1).String()
	}
	modules.LogScript(e.log, level, call.Argument(0).String())
	return goja.Undefined()
}

func scriptError(op string, err error) error {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		if cause, ok := interrupted.Value().(error); ok {
			return jsbridge.ScriptError(op, fmt.Errorf("interrupted: %w", cause))
		}
	}
	if jsbridge.KindOf(err) != jsbridge.KindUnknown {
		return err
	}
	return jsbridge.ScriptError(op, err)
}

// printer routes console output to zap.
type printer struct {
	log *zap.Logger
}

func (p printer) Log(s string)   { p.log.Info(s, zap.String("source", "console")) }
func (p printer) Warn(s string)  { p.log.Warn(s, zap.String("source", "console")) }
func (p printer) Error(s string) { p.log.Error(s, zap.String("source", "console")) }
