package modules

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/caffeineduck/jsbridge"
)

var (
	ErrDuplicateModule = errors.New("duplicate module")
	ErrDuplicateMethod = errors.New("duplicate method")
	ErrRegistrySealed  = errors.New("registry sealed")
	ErrUnknownModule   = errors.New("unknown module")
	ErrUnknownMethod   = errors.New("unknown method")
	ErrNotSyncMethod   = errors.New("method is not synchronous")
	ErrBadCallbackID   = errors.New("invalid callback id")
)

// Invoker delivers results back to script callbacks.
type Invoker interface {
	InvokeCallback(id uint64, args []any)
}

// Dispatcher runs asynchronous native method calls. Calls submitted through
// one dispatcher must run in submission order.
type Dispatcher interface {
	RunOnQueue(task func()) error
}

// inline runs tasks on the calling goroutine.
type inline struct{}

func (inline) RunOnQueue(task func()) error {
	task()
	return nil
}

// ErrorHandler receives failures of asynchronous methods that have no
// callback to report to.
type ErrorHandler func(err error)

type entry struct {
	module  Module
	name    string
	methods []Method
}

// Registry maps (module id, method id) pairs to native handlers. Module ids
// are assigned in registration order; method ids are positions in
// Module.Methods. Registration is additive and closes once the bridge seals
// the registry.
type Registry struct {
	mu      sync.RWMutex
	entries []entry
	byName  map[string]int
	sealed  bool

	dispatcher Dispatcher
	onError    ErrorHandler
}

// Option configures a Registry.
type Option func(*Registry)

// WithDispatcher runs async and promise methods through d instead of on the
// calling goroutine.
func WithDispatcher(d Dispatcher) Option {
	return func(r *Registry) {
		r.dispatcher = d
	}
}

// WithErrorHandler sets the handler for async method failures.
func WithErrorHandler(h ErrorHandler) Option {
	return func(r *Registry) {
		r.onError = h
	}
}

// NewRegistry returns an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		byName:     make(map[string]int),
		dispatcher: inline{},
		onError:    func(error) {},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetDispatcher replaces the dispatcher. It must be called before Seal.
func (r *Registry) SetDispatcher(d Dispatcher) {
	r.mu.Lock()
	r.dispatcher = d
	r.mu.Unlock()
}

// SetErrorHandler replaces the async failure handler.
func (r *Registry) SetErrorHandler(h ErrorHandler) {
	r.mu.Lock()
	r.onError = h
	r.mu.Unlock()
}

// RegisterModules adds mods. Nothing is registered if any module collides
// with an existing name, repeats a method name, or the registry is sealed.
func (r *Registry) RegisterModules(mods ...Module) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		return jsbridge.ConfigError("register modules", ErrRegistrySealed)
	}

	pending := make(map[string]bool, len(mods))
	added := make([]entry, 0, len(mods))
	for _, m := range mods {
		name := m.Name()
		if _, ok := r.byName[name]; ok || pending[name] {
			return jsbridge.ConfigError("register modules", fmt.Errorf("%w: %s", ErrDuplicateModule, name))
		}
		pending[name] = true

		methods := m.Methods()
		seen := make(map[string]bool, len(methods))
		for _, meth := range methods {
			if seen[meth.Name] {
				return jsbridge.ConfigError("register modules", fmt.Errorf("%w: %s.%s", ErrDuplicateMethod, name, meth.Name))
			}
			seen[meth.Name] = true
		}
		added = append(added, entry{module: m, name: name, methods: methods})
	}

	for _, e := range added {
		r.byName[e.name] = len(r.entries)
		r.entries = append(r.entries, e)
	}
	return nil
}

// Seal closes registration. Called when the bridge starts serving script calls.
func (r *Registry) Seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}

// Sealed reports whether registration is closed.
func (r *Registry) Sealed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sealed
}

// Len returns the number of registered modules.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// ModuleID returns the id of the named module.
func (r *Registry) ModuleID(name string) (int, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byName[name]
	return id, ok
}

// Names returns module names indexed by module id.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, len(r.entries))
	for i, e := range r.entries {
		names[i] = e.name
	}
	return names
}

// Lookup resolves a method. Unknown ids are protocol errors: the script was
// built against a different set of native modules.
func (r *Registry) Lookup(moduleID, methodID int) (string, Method, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if moduleID < 0 || moduleID >= len(r.entries) {
		return "", Method{}, jsbridge.ProtocolError("lookup", fmt.Errorf("%w: id %d", ErrUnknownModule, moduleID))
	}
	e := r.entries[moduleID]
	if methodID < 0 || methodID >= len(e.methods) {
		return "", Method{}, jsbridge.ProtocolError("lookup", fmt.Errorf("%w: %s method id %d", ErrUnknownMethod, e.name, methodID))
	}
	return e.name, e.methods[methodID], nil
}

// Call invokes an async or promise method. Lookup failures are returned
// immediately; handler failures go to the promise's reject callback or, for
// plain async methods, to the registry's error handler.
func (r *Registry) Call(ctx context.Context, inv Invoker, moduleID, methodID int, args []any) error {
	name, m, err := r.Lookup(moduleID, methodID)
	if err != nil {
		return err
	}
	op := name + "." + m.Name

	var resolveID, rejectID uint64
	if m.Type == MethodPromise {
		if len(args) < 2 {
			return jsbridge.ProtocolError(op, fmt.Errorf("%w: promise method needs resolve and reject ids", ErrBadCallbackID))
		}
		if resolveID, err = callbackID(args[len(args)-2]); err != nil {
			return jsbridge.ProtocolError(op, err)
		}
		if rejectID, err = callbackID(args[len(args)-1]); err != nil {
			return jsbridge.ProtocolError(op, err)
		}
		args = args[:len(args)-2]
	}

	r.mu.RLock()
	d, onError := r.dispatcher, r.onError
	r.mu.RUnlock()

	ctx = withInvoker(ctx, inv)
	return d.RunOnQueue(func() {
		result, err := m.Fn(ctx, args)
		switch {
		case m.Type == MethodPromise && err != nil:
			inv.InvokeCallback(rejectID, []any{map[string]any{"message": err.Error()}})
		case m.Type == MethodPromise:
			inv.InvokeCallback(resolveID, []any{result})
		case err != nil:
			onError(jsbridge.CallError(op, err))
		}
	})
}

// CallSync invokes a sync method on the calling goroutine and returns its
// result to script directly.
func (r *Registry) CallSync(ctx context.Context, moduleID, methodID int, args []any) (any, error) {
	name, m, err := r.Lookup(moduleID, methodID)
	if err != nil {
		return nil, err
	}
	op := name + "." + m.Name
	if m.Type != MethodSync {
		return nil, jsbridge.ProtocolError(op, ErrNotSyncMethod)
	}
	result, err := m.Fn(ctx, args)
	if err != nil {
		return nil, jsbridge.CallError(op, err)
	}
	return result, nil
}

// Config describes the registered modules for the script side, in the shape
// the prelude expects for __fbBatchedBridgeConfig:
//
//	{"remoteModuleConfig": [[name, constants, [methods], [promiseIDs], [syncIDs]], ...]}
func (r *Registry) Config() map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cfg := make([]any, len(r.entries))
	for i, e := range r.entries {
		names := make([]any, len(e.methods))
		promiseIDs := []any{}
		syncIDs := []any{}
		for j, m := range e.methods {
			names[j] = m.Name
			switch m.Type {
			case MethodPromise:
				promiseIDs = append(promiseIDs, j)
			case MethodSync:
				syncIDs = append(syncIDs, j)
			}
		}
		constants := e.module.Constants()
		if constants == nil {
			constants = map[string]any{}
		}
		cfg[i] = []any{e.name, constants, names, promiseIDs, syncIDs}
	}
	return map[string]any{"remoteModuleConfig": cfg}
}

func callbackID(v any) (uint64, error) {
	switch n := v.(type) {
	case float64:
		if n < 0 || n != float64(uint64(n)) {
			return 0, fmt.Errorf("%w: %v", ErrBadCallbackID, v)
		}
		return uint64(n), nil
	case int:
		if n < 0 {
			return 0, fmt.Errorf("%w: %v", ErrBadCallbackID, v)
		}
		return uint64(n), nil
	case int64:
		if n < 0 {
			return 0, fmt.Errorf("%w: %v", ErrBadCallbackID, v)
		}
		return uint64(n), nil
	case uint64:
		return n, nil
	default:
		return 0, fmt.Errorf("%w: %v", ErrBadCallbackID, v)
	}
}
