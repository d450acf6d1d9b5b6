// Package enginetest provides a scripted fake engine for bridge and instance
// tests.
//
// Sources loaded into the fake are read line by line:
//
//	native <moduleID> <methodID> [json args]   queue a native call
//	flush                                      deliver queued calls now
//	sync <moduleID> <methodID> [json args]     call a sync method
//	require <bundleID> <moduleID>              fetch a module from the registry
//	sleep <duration>                           block the queue
//	throw <message>                            fail with a script error
//
// Queued calls are delivered with end of batch when the operation returns.
package enginetest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/caffeineduck/jsbridge"
	"github.com/caffeineduck/jsbridge/bundle"
	"github.com/caffeineduck/jsbridge/config"
	"github.com/caffeineduck/jsbridge/engine"
)

// Name is the fake engine's factory name.
const Name = "fake"

// Factory builds fake engines.
type Factory struct {
	// Err fails construction.
	Err error
	// Delay slows construction.
	Delay time.Duration
	// NoEndOfBatch stops engines from ever signalling end of batch.
	NoEndOfBatch bool

	mu      sync.Mutex
	engines []*Engine
}

func (f *Factory) Name() string {
	return Name
}

func (f *Factory) New(delegate engine.Delegate, cfg config.Config) (engine.Engine, error) {
	if f.Delay > 0 {
		time.Sleep(f.Delay)
	}
	if f.Err != nil {
		return nil, f.Err
	}
	e := &Engine{delegate: delegate, cfg: cfg, noEnd: f.NoEndOfBatch, config: delegate.ModuleConfig()}
	f.mu.Lock()
	f.engines = append(f.engines, e)
	f.mu.Unlock()
	return e, nil
}

// Last returns the most recently built engine, or nil.
func (f *Factory) Last() *Engine {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.engines) == 0 {
		return nil
	}
	return f.engines[len(f.engines)-1]
}

// Engine records every operation as an event string.
type Engine struct {
	delegate engine.Delegate
	cfg      config.Config
	noEnd    bool
	config   map[string]any
	registry *bundle.Registry
	pending  []engine.MethodCall
	peak     int64

	mu     sync.Mutex
	events []string
	closed bool

	// OnCall handles CallFunction. The default does nothing.
	OnCall func(module, method string, args []any) ([]engine.MethodCall, error)
}

// Events returns a copy of the recorded events.
func (e *Engine) Events() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.events...)
}

// Closed reports whether Close was called.
func (e *Engine) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// ModuleConfig returns the module config seen at construction.
func (e *Engine) ModuleConfig() map[string]any {
	return e.config
}

func (e *Engine) record(format string, args ...any) {
	e.mu.Lock()
	e.events = append(e.events, fmt.Sprintf(format, args...))
	e.mu.Unlock()
}

func (e *Engine) LoadBundle(ctx context.Context, src *bundle.Source, url string) error {
	code, err := src.Bytes()
	if err != nil {
		return jsbridge.IOError("load bundle", err)
	}
	e.record("load %s %d", url, len(code))
	e.peak += int64(len(code))
	if err := e.exec(ctx, string(code)); err != nil {
		return err
	}
	e.endBatch()
	return nil
}

func (e *Engine) exec(ctx context.Context, code string) error {
	for _, line := range strings.Split(code, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "native", "sync":
			call, err := parseCall(fields[1:])
			if err != nil {
				return jsbridge.ScriptError("exec", err)
			}
			if fields[0] == "native" {
				e.pending = append(e.pending, call)
				continue
			}
			result, err := e.delegate.CallSerializableNativeHook(call.ModuleID, call.MethodID, call.Args)
			if err != nil {
				return jsbridge.ScriptError("sync call", err)
			}
			e.record("sync result %v", result)
		case "flush":
			calls := e.pending
			e.pending = nil
			e.delegate.CallNativeModules(calls, false)
		case "require":
			if len(fields) != 3 || e.registry == nil {
				return jsbridge.ScriptError("require", errors.New("bad require"))
			}
			bid, _ := strconv.ParseUint(fields[1], 10, 32)
			mid, _ := strconv.ParseUint(fields[2], 10, 32)
			m, err := e.registry.GetModule(ctx, uint32(bid), uint32(mid))
			if err != nil {
				return jsbridge.ScriptError("require", err)
			}
			e.record("require %s", m.Name)
			if err := e.exec(ctx, m.Code); err != nil {
				return err
			}
		case "sleep":
			d, err := time.ParseDuration(fields[1])
			if err != nil {
				return jsbridge.ScriptError("sleep", err)
			}
			select {
			case <-time.After(d):
			case <-ctx.Done():
				return jsbridge.ScriptError("sleep", ctx.Err())
			}
		case "throw":
			return jsbridge.ScriptError("exec", errors.New(strings.Join(fields[1:], " ")))
		default:
			e.record("eval %s", line)
		}
	}
	return nil
}

func parseCall(fields []string) (engine.MethodCall, error) {
	if len(fields) < 2 {
		return engine.MethodCall{}, fmt.Errorf("call needs module and method ids")
	}
	mod, err := strconv.Atoi(fields[0])
	if err != nil {
		return engine.MethodCall{}, err
	}
	meth, err := strconv.Atoi(fields[1])
	if err != nil {
		return engine.MethodCall{}, err
	}
	var args []any
	if len(fields) > 2 {
		if err := json.Unmarshal([]byte(strings.Join(fields[2:], " ")), &args); err != nil {
			return engine.MethodCall{}, err
		}
	}
	return engine.MethodCall{ModuleID: mod, MethodID: meth, Args: args}, nil
}

func (e *Engine) endBatch() {
	calls := e.pending
	e.pending = nil
	if e.noEnd {
		if len(calls) > 0 {
			e.delegate.CallNativeModules(calls, false)
		}
		return
	}
	e.delegate.CallNativeModules(calls, true)
}

func (e *Engine) SetBundleRegistry(reg *bundle.Registry) {
	e.registry = reg
	e.record("registry")
}

func (e *Engine) RegisterBundle(id uint32, path string) error {
	e.record("bundle %d %s", id, path)
	if e.registry == nil {
		return jsbridge.ConfigError("register bundle", errors.New("no bundle registry"))
	}
	return e.registry.RegisterBundle(id, path)
}

func (e *Engine) CallFunction(ctx context.Context, module, method string, args []any) error {
	e.record("call %s.%s %v", module, method, args)
	if e.OnCall != nil {
		calls, err := e.OnCall(module, method, args)
		if err != nil {
			return err
		}
		e.pending = append(e.pending, calls...)
	}
	e.endBatch()
	return nil
}

func (e *Engine) InvokeCallback(ctx context.Context, id float64, args []any) error {
	e.record("invoke %v %v", id, args)
	e.endBatch()
	return nil
}

func (e *Engine) SetGlobalVariable(name string, doc *bundle.Source) error {
	data, err := doc.Bytes()
	if err != nil {
		return jsbridge.IOError("set global", err)
	}
	if !json.Valid(data) {
		return jsbridge.ScriptError("set global "+name, errors.New("invalid json"))
	}
	e.record("global %s=%s", name, data)
	return nil
}

func (e *Engine) HandleMemoryPressure(level engine.MemoryPressure) {
	e.record("pressure %s", level)
}

func (e *Engine) PeakMemoryUsage() int64 {
	return e.peak
}

func (e *Engine) JavaScriptContext() any {
	return e
}

func (e *Engine) IsInspectable() bool {
	return e.cfg.Inspectable
}

func (e *Engine) Description() string {
	return "fake engine"
}

func (e *Engine) Close() error {
	e.mu.Lock()
	e.closed = true
	e.events = append(e.events, "close")
	e.mu.Unlock()
	return nil
}
