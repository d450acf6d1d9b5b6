// Package bridge runs an embedded JavaScript engine on a single serialized
// queue and carries calls across the native/script boundary in both
// directions.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/caffeineduck/jsbridge"
	"github.com/caffeineduck/jsbridge/bundle"
	"github.com/caffeineduck/jsbridge/config"
	"github.com/caffeineduck/jsbridge/engine"
	"github.com/caffeineduck/jsbridge/modules"
)

var ErrDestroyed = errors.New("bridge destroyed")

// NativeToJSBridge owns an engine and the queue it runs on. Every engine
// operation is a task on that queue; the engine itself is never touched from
// another goroutine.
type NativeToJSBridge struct {
	factory  engine.Factory
	registry *modules.Registry
	queue    Queue
	native   *ThreadQueue
	callback Callback
	cfg      config.Config
	log      *zap.Logger
	ctx      context.Context

	delegate *jsToNativeBridge

	// Queue-owned.
	engine  engine.Engine
	current *token

	constructed chan struct{}
	initErr     error

	destroyed   atomic.Bool
	destroyOnce sync.Once
	closeOnce   sync.Once
	done        chan struct{}

	peak        atomic.Int64
	inspectable atomic.Bool
	jsContext   atomic.Value
}

// New creates a bridge and enqueues construction of the engine on queue.
// Operations submitted afterwards run once construction has finished.
// Construction failures reach callback.OnError.
func New(factory engine.Factory, registry *modules.Registry, queue Queue, callback Callback, cfg config.Config) (*NativeToJSBridge, error) {
	switch {
	case factory == nil:
		return nil, jsbridge.ConfigError("new bridge", errors.New("nil engine factory"))
	case registry == nil:
		return nil, jsbridge.ConfigError("new bridge", errors.New("nil module registry"))
	case queue == nil:
		return nil, jsbridge.ConfigError("new bridge", errors.New("nil queue"))
	}
	if callback == nil {
		callback = NopCallback{}
	}

	b := &NativeToJSBridge{
		factory:     factory,
		registry:    registry,
		queue:       queue,
		native:      NewThreadQueue("native-modules", cfg.Capacity()),
		callback:    callback,
		cfg:         cfg,
		log:         Logger().With(zap.String("engine", factory.Name())),
		ctx:         context.Background(),
		constructed: make(chan struct{}),
		done:        make(chan struct{}),
	}
	b.delegate = &jsToNativeBridge{bridge: b, registry: registry}
	registry.SetDispatcher(newNativeDispatcher(b.native, callback))
	registry.SetErrorHandler(func(err error) {
		b.log.Warn("native method failed", zap.Error(err))
	})

	if err := queue.RunOnQueue(b.construct); err != nil {
		b.native.Quit()
		return nil, jsbridge.ConfigError("new bridge", fmt.Errorf("enqueue engine construction: %w", err))
	}
	return b, nil
}

func (b *NativeToJSBridge) construct() {
	defer close(b.constructed)
	defer func() {
		if r := recover(); r != nil {
			b.initErr = jsbridge.ConfigError("new engine", fmt.Errorf("panic: %v", r))
			b.fail(b.initErr)
		}
	}()

	if b.destroyed.Load() {
		b.initErr = jsbridge.ConfigError("new engine", ErrDestroyed)
		return
	}
	b.registry.Seal()
	eng, err := b.factory.New(b.delegate, b.cfg)
	if err != nil {
		b.initErr = err
		b.fail(err)
		return
	}
	b.engine = eng
	b.inspectable.Store(eng.IsInspectable())
	if jsc := eng.JavaScriptContext(); jsc != nil {
		b.jsContext.Store(jsc)
	}
	b.peak.Store(eng.PeakMemoryUsage())
	b.log.Debug("engine constructed", zap.String("description", eng.Description()))
}

// Constructed is closed once engine construction has been attempted.
func (b *NativeToJSBridge) Constructed() <-chan struct{} {
	return b.constructed
}

// ConstructionErr is the construction failure, if any. It is valid after
// Constructed is closed.
func (b *NativeToJSBridge) ConstructionErr() error {
	return b.initErr
}

// LoadApplication evaluates src asynchronously. A non-nil reg serves
// segmented bundle modules. A nil src only points the bridge at url.
func (b *NativeToJSBridge) LoadApplication(reg *bundle.Registry, src *bundle.Source, url string) error {
	src = src.Move()
	return b.runOnExecutor("load application", true, func(e engine.Engine) error {
		if reg != nil {
			e.SetBundleRegistry(reg)
		}
		if src == nil {
			b.log.Debug("source url set", zap.String("url", url))
			return nil
		}
		return e.LoadBundle(b.ctx, src, url)
	})
}

// LoadApplicationSync evaluates src and waits for it.
func (b *NativeToJSBridge) LoadApplicationSync(ctx context.Context, reg *bundle.Registry, src *bundle.Source, url string) error {
	src = src.Move()
	return b.runOnExecutorSync("load application", func(e engine.Engine) error {
		if reg != nil {
			e.SetBundleRegistry(reg)
		}
		if src == nil {
			return nil
		}
		return e.LoadBundle(ctx, src, url)
	})
}

// CallFunction calls module.method on the script side.
func (b *NativeToJSBridge) CallFunction(module, method string, args []any) error {
	return b.runOnExecutor("call "+module+"."+method, true, func(e engine.Engine) error {
		return e.CallFunction(b.ctx, module, method, args)
	})
}

// InvokeCallback resolves a script callback handle.
func (b *NativeToJSBridge) InvokeCallback(id float64, args []any) error {
	return b.runOnExecutor("invoke callback", true, func(e engine.Engine) error {
		return e.InvokeCallback(b.ctx, id, args)
	})
}

// RegisterBundle makes the segmented bundle at path available under id.
func (b *NativeToJSBridge) RegisterBundle(id uint32, path string) error {
	return b.runOnExecutor("register bundle", false, func(e engine.Engine) error {
		return e.RegisterBundle(id, path)
	})
}

// SetGlobalVariable parses doc as JSON into the global name.
func (b *NativeToJSBridge) SetGlobalVariable(name string, doc *bundle.Source) error {
	doc = doc.Move()
	return b.runOnExecutor("set global "+name, false, func(e engine.Engine) error {
		return e.SetGlobalVariable(name, doc)
	})
}

// HandleMemoryPressure forwards a memory hint to the engine. Safe from any
// goroutine.
func (b *NativeToJSBridge) HandleMemoryPressure(level engine.MemoryPressure) {
	err := b.runOnExecutor("memory pressure", false, func(e engine.Engine) error {
		e.HandleMemoryPressure(level)
		return nil
	})
	if err != nil {
		b.log.Debug("memory pressure dropped", zap.Stringer("level", level), zap.Error(err))
	}
}

// PeakMemoryUsage returns the engine's peak memory as of the last finished
// task. Safe from any goroutine.
func (b *NativeToJSBridge) PeakMemoryUsage() int64 {
	return b.peak.Load()
}

// JavaScriptContext returns the engine's native context, or nil before
// construction. Using it off the queue is the caller's responsibility.
func (b *NativeToJSBridge) JavaScriptContext() any {
	return b.jsContext.Load()
}

// IsInspectable reports whether the engine accepts a debugger.
func (b *NativeToJSBridge) IsInspectable() bool {
	return b.inspectable.Load()
}

// IsBatchActive reports whether the batch in progress has made native calls.
func (b *NativeToJSBridge) IsBatchActive() bool {
	return b.delegate.batchHadNativeModuleCalls.Load()
}

// Destroyed reports whether Destroy has been called.
func (b *NativeToJSBridge) Destroyed() bool {
	return b.destroyed.Load()
}

// Done is closed once the engine has been released.
func (b *NativeToJSBridge) Done() <-chan struct{} {
	return b.done
}

// Destroy tears the bridge down. Work already queued runs first but finds
// the bridge destroyed and only settles its pending count; then the engine
// is closed and the queue quits. Safe to call repeatedly and concurrently.
func (b *NativeToJSBridge) Destroy() {
	b.destroyOnce.Do(func() {
		b.destroyed.Store(true)
		b.log.Debug("destroying bridge")

		err := b.queue.RunOnQueue(func() {
			b.closeEngine()
			b.queue.Quit()
		})
		if err != nil {
			// The queue is full or already gone. Drain it elsewhere; the
			// engine is released once nothing can run on it.
			go func() {
				b.queue.QuitSynchronous()
				b.closeEngine()
			}()
		}
	})
}

func (b *NativeToJSBridge) closeEngine() {
	b.closeOnce.Do(func() {
		defer close(b.done)
		b.native.Quit()
		if b.engine == nil {
			return
		}
		b.peak.Store(b.engine.PeakMemoryUsage())
		if err := b.engine.Close(); err != nil {
			b.log.Warn("close engine", zap.Error(err))
		}
		b.engine = nil
	})
}

// runOnExecutor enqueues task. When counted, the task holds a pending call
// from now until its batch ends.
func (b *NativeToJSBridge) runOnExecutor(op string, counted bool, task func(engine.Engine) error) error {
	if b.destroyed.Load() {
		return ErrDestroyed
	}
	var tok *token
	if counted {
		tok = newToken(b.callback)
	}
	err := b.queue.RunOnQueue(func() {
		if err := b.execute(tok, op, task); err != nil && !errors.Is(err, ErrDestroyed) {
			b.log.Debug("task failed", zap.String("op", op), zap.Error(err))
		}
	})
	if err != nil {
		tok.settle()
		b.log.Warn("task rejected", zap.String("op", op), zap.Error(err))
		return err
	}
	return nil
}

// runOnExecutorSync runs task on the queue and returns its error.
func (b *NativeToJSBridge) runOnExecutorSync(op string, task func(engine.Engine) error) error {
	if b.destroyed.Load() {
		return ErrDestroyed
	}
	tok := newToken(b.callback)
	var taskErr error
	err := b.queue.RunOnQueueSync(func() {
		taskErr = b.execute(tok, op, task)
	})
	if err != nil {
		tok.settle()
		return err
	}
	return taskErr
}

// execute runs on the queue. The token settles when the engine ends the
// batch, or here if it never does.
func (b *NativeToJSBridge) execute(tok *token, op string, task func(engine.Engine) error) (err error) {
	prev := b.current
	b.current = tok
	defer func() {
		if r := recover(); r != nil {
			err = jsbridge.ProtocolError(op, fmt.Errorf("panic: %v", r))
			b.log.Error("task panicked", zap.String("op", op), zap.Any("panic", r), zap.Stack("stack"))
			b.fail(err)
		}
		b.current = prev
		tok.settle()
	}()

	if b.destroyed.Load() || b.engine == nil {
		return ErrDestroyed
	}
	err = task(b.engine)
	if b.engine != nil {
		b.peak.Store(b.engine.PeakMemoryUsage())
	}
	if err != nil {
		if jsbridge.IsFatal(err) {
			b.fail(err)
		} else {
			b.log.Warn("operation failed", zap.String("op", op), zap.Error(err))
		}
	}
	return err
}

// endBatch settles the running task's token.
func (b *NativeToJSBridge) endBatch() {
	b.current.settle()
}

// fail reports a fatal error and starts teardown.
func (b *NativeToJSBridge) fail(err error) {
	b.log.Error("fatal bridge error", zap.Error(err))
	b.callback.OnError(err)
	b.Destroy()
}

// nativeDispatcher runs async native methods on the native-modules queue. A
// callback that implements NativeWorkObserver sees each task start and finish.
type nativeDispatcher struct {
	queue    Queue
	observer NativeWorkObserver
}

func newNativeDispatcher(queue Queue, callback Callback) nativeDispatcher {
	obs, _ := callback.(NativeWorkObserver)
	return nativeDispatcher{queue: queue, observer: obs}
}

func (d nativeDispatcher) RunOnQueue(task func()) error {
	if d.observer == nil {
		return d.queue.RunOnQueue(task)
	}
	d.observer.NativeWorkStarted()
	err := d.queue.RunOnQueue(func() {
		defer d.observer.NativeWorkFinished()
		task()
	})
	if err != nil {
		d.observer.NativeWorkFinished()
	}
	return err
}
