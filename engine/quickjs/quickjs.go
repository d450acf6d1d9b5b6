// Package quickjs runs bridge scripts on QuickJS compiled to WebAssembly and
// hosted by wazero. The interpreter runs as a long lived WASI command; the
// host drives it with JSON lines on stdin and the script answers with frames
// on stderr. Importing the package registers the "quickjs" engine.
package quickjs

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/caffeineduck/jsbridge"
	"github.com/caffeineduck/jsbridge/bundle"
	"github.com/caffeineduck/jsbridge/config"
	"github.com/caffeineduck/jsbridge/engine"
)

// Name is the engine name used with engine.Lookup.
const Name = "quickjs"

//go:embed session.js
var sessionSource string

const startTimeout = 30 * time.Second

var (
	ErrNoBundleRegistry = errors.New("no bundle registry")
	ErrTerminated       = errors.New("interpreter terminated")
)

func init() {
	engine.Register(Factory{})
}

// Factory builds QuickJS engines.
type Factory struct{}

func (Factory) Name() string {
	return Name
}

func (Factory) New(delegate engine.Delegate, cfg config.Config) (engine.Engine, error) {
	return New(delegate, cfg)
}

// Engine is one QuickJS interpreter instance with the bridge prelude loaded.
type Engine struct {
	delegate engine.Delegate
	cfg      config.Config
	log      *zap.Logger
	proc     *process

	registry *bundle.Registry
	peak     atomic.Int64
	closed   atomic.Bool
	mu       sync.Mutex
}

// New starts the interpreter and waits until the prelude has run.
func New(delegate engine.Delegate, cfg config.Config) (*Engine, error) {
	if delegate == nil {
		return nil, jsbridge.ConfigError("new quickjs engine", errors.New("nil delegate"))
	}
	cfgScript, err := engine.ConfigScript(delegate.ModuleConfig())
	if err != nil {
		return nil, jsbridge.ConfigError("new quickjs engine", err)
	}

	e := &Engine{
		delegate: delegate,
		cfg:      cfg,
		log:      engine.Logger().With(zap.String("engine", Name)),
	}

	code := cfgScript + sessionSource + "\n" + engine.Prelude() + "\n__jsbridgeStart();\n"
	e.proc, err = startProcess(cfg, e.log, code)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), startTimeout)
	defer cancel()
	msg, err := e.await(ctx, "start")
	if err != nil {
		e.proc.close()
		return nil, err
	}
	if msg.Type != msgReady {
		e.proc.close()
		if msg.Error != nil {
			return nil, jsbridge.ScriptError("prelude", msg.Error)
		}
		return nil, jsbridge.ProtocolError("start", fmt.Errorf("unexpected %q frame", msg.Type))
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
	return e.run(ctx, "load "+url, command{Type: "eval", Code: string(code), URL: url}, true)
}

// SetBundleRegistry sets the source of modules for nativeRequire.
func (e *Engine) SetBundleRegistry(reg *bundle.Registry) {
	e.mu.Lock()
	e.registry = reg
	e.mu.Unlock()
}

// RegisterBundle makes an additional segmented bundle available to
// nativeRequire under id.
func (e *Engine) RegisterBundle(id uint32, path string) error {
	reg := e.bundles()
	if reg == nil {
		return jsbridge.ConfigError("register bundle", ErrNoBundleRegistry)
	}
	return reg.RegisterBundle(id, path)
}

// CallFunction calls module.method registered with registerCallableModule.
func (e *Engine) CallFunction(ctx context.Context, module, method string, args []any) error {
	if args == nil {
		args = []any{}
	}
	return e.run(ctx, "call "+module+"."+method,
		command{Type: "call", Module: module, Method: method, Args: args}, true)
}

// InvokeCallback calls the script callback registered under id.
func (e *Engine) InvokeCallback(ctx context.Context, id float64, args []any) error {
	if args == nil {
		args = []any{}
	}
	return e.run(ctx, fmt.Sprintf("invoke callback %v", id),
		command{Type: "invoke", ID: id, Args: args}, true)
}

// SetGlobalVariable parses a JSON document into a global.
func (e *Engine) SetGlobalVariable(name string, doc *bundle.Source) error {
	data, err := doc.Bytes()
	if err != nil {
		return jsbridge.IOError("set global "+name, err)
	}
	return e.run(context.Background(), "set global "+name,
		command{Type: "global", Name: name, JSON: string(data)}, false)
}

// HandleMemoryPressure asks the interpreter to run its collector. Linear
// memory is never returned to the host, so the level only affects logging.
func (e *Engine) HandleMemoryPressure(level engine.MemoryPressure) {
	e.log.Debug("memory pressure", zap.Stringer("level", level))
	if err := e.run(context.Background(), "gc", command{Type: "gc"}, false); err != nil {
		e.log.Warn("collect garbage", zap.Error(err))
	}
}

// PeakMemoryUsage reports the size of the interpreter's linear memory.
// WebAssembly memory only grows, so the current size is the high-water mark.
func (e *Engine) PeakMemoryUsage() int64 {
	return e.peak.Load()
}

// JavaScriptContext returns the wazero api.Module hosting the interpreter.
func (e *Engine) JavaScriptContext() any {
	return e.proc.mod
}

func (e *Engine) IsInspectable() bool {
	return false
}

func (e *Engine) Description() string {
	return "quickjs (wasm)"
}

// Close terminates the interpreter and releases its runtime.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	e.SetBundleRegistry(nil)
	return e.proc.close()
}

func (e *Engine) bundles() *bundle.Registry {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.registry
}

// run sends cmd and services hooks until the script reports it done. When
// flush is set the returned queue and the queue flushed after pending jobs
// are delivered, the latter ending the batch.
func (e *Engine) run(ctx context.Context, op string, cmd command, flush bool) error {
	if e.closed.Load() {
		return jsbridge.ConfigError(op, errors.New("engine closed"))
	}
	if e.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.CallTimeout)
		defer cancel()
	}
	defer e.samplePeak()

	if err := e.proc.send(ctx, op, cmd); err != nil {
		return err
	}
	msg, err := e.await(ctx, op)
	if err != nil {
		return err
	}
	if msg.Type != msgDone {
		return jsbridge.ProtocolError(op, fmt.Errorf("unexpected %q frame", msg.Type))
	}
	if msg.Error != nil {
		return jsbridge.ScriptError(op, msg.Error)
	}
	if !flush {
		return nil
	}

	calls, err := engine.ParseQueueJSON(msg.Queue)
	if err != nil {
		return err
	}
	if len(calls) > 0 {
		e.delegate.CallNativeModules(calls, false)
	}
	calls, err = engine.ParseQueueJSON(msg.Flushed)
	if err != nil {
		return err
	}
	e.delegate.CallNativeModules(calls, true)
	return nil
}

// await answers hook frames until any other frame arrives.
func (e *Engine) await(ctx context.Context, op string) (message, error) {
	for {
		select {
		case msg := <-e.proc.proto.msgs:
			if msg.Type != msgHook {
				return msg, nil
			}
			if err := e.proc.send(ctx, op, e.answer(ctx, msg)); err != nil {
				return message{}, err
			}
		case <-e.proc.exited:
			return message{}, jsbridge.ScriptError(op, e.proc.exitError())
		case <-ctx.Done():
			e.proc.terminate()
			return message{}, jsbridge.ScriptError(op, fmt.Errorf("interrupted: %w", ctx.Err()))
		}
	}
}

func (e *Engine) answer(ctx context.Context, msg message) reply {
	switch msg.Name {
	case "nativeFlushQueueImmediate":
		var queue any
		if len(msg.Args) > 0 {
			queue = msg.Args[0]
		}
		calls, err := engine.ParseQueue(queue)
		if err != nil {
			return reply{Error: err.Error()}
		}
		if len(calls) > 0 {
			e.delegate.CallNativeModules(calls, false)
		}
		return reply{}

	case "nativeCallSyncHook":
		if len(msg.Args) < 2 {
			return reply{Error: "nativeCallSyncHook: missing ids"}
		}
		moduleID, ok1 := msg.Args[0].(float64)
		methodID, ok2 := msg.Args[1].(float64)
		if !ok1 || !ok2 {
			return reply{Error: "nativeCallSyncHook: ids must be numbers"}
		}
		var args []any
		if len(msg.Args) > 2 {
			args, _ = msg.Args[2].([]any)
		}
		result, err := e.delegate.CallSerializableNativeHook(int(moduleID), int(methodID), args)
		if err != nil {
			return reply{Error: err.Error()}
		}
		return reply{Data: result}

	case "nativeRequire":
		reg := e.bundles()
		if reg == nil {
			return reply{Error: ErrNoBundleRegistry.Error()}
		}
		var ids [2]float64
		for i := 0; i < len(ids) && i < len(msg.Args); i++ {
			n, ok := msg.Args[i].(float64)
			if !ok || n < 0 {
				return reply{Error: "nativeRequire: ids must be non-negative numbers"}
			}
			ids[i] = n
		}
		m, err := reg.GetModule(ctx, uint32(ids[1]), uint32(ids[0]))
		if err != nil {
			return reply{Error: err.Error()}
		}
		return reply{Data: map[string]string{"name": m.Name, "code": m.Code}}
	}
	return reply{Error: "unknown hook " + msg.Name}
}

func (e *Engine) samplePeak() {
	size := e.proc.memorySize()
	for {
		cur := e.peak.Load()
		if size <= cur || e.peak.CompareAndSwap(cur, size) {
			return
		}
	}
}
