// Package instance is the public face of a bridge: it owns the lifecycle
// state, the pending call count and the configuration, and forwards loads
// and calls to the bridge's queue.
package instance

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/caffeineduck/jsbridge"
	"github.com/caffeineduck/jsbridge/bridge"
	"github.com/caffeineduck/jsbridge/bundle"
	"github.com/caffeineduck/jsbridge/config"
	"github.com/caffeineduck/jsbridge/engine"
	"github.com/caffeineduck/jsbridge/modules"
)

var (
	ErrAlreadyInitialized = errors.New("instance already initialized")
	ErrNotInitialized     = errors.New("instance not initialized")
	ErrConfigLocked       = errors.New("config cannot change after initialize")
)

// Callback receives lifecycle notifications. See bridge.Callback.
type Callback = bridge.Callback

// Instance drives one bridge. All methods are safe for concurrent use.
type Instance struct {
	log     *zap.Logger
	pending *bridge.PendingCalls
	busy    *bridge.PendingCalls // pending calls plus async native work

	mu         sync.Mutex
	state      State
	ready      chan struct{} // closed on Ready or Destroyed
	cfg        config.Config
	bridge     *bridge.NativeToJSBridge
	registry   *modules.Registry
	callback   Callback
	sourceURL  string
	registries []*bundle.Registry
}

// New returns an uninitialized instance.
func New(opts ...Option) *Instance {
	i := &Instance{
		log:     zap.NewNop(),
		pending: bridge.NewPendingCalls(),
		busy:    bridge.NewPendingCalls(),
		ready:   make(chan struct{}),
		cfg:     config.Default(),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// SetConfig attaches cfg. It fails once Initialize has been called.
func (i *Instance) SetConfig(cfg config.Config) error {
	if err := cfg.Validate(); err != nil {
		return jsbridge.ConfigError("set config", err)
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.state != StateUninitialized {
		return jsbridge.ConfigError("set config", ErrConfigLocked)
	}
	i.cfg = cfg
	return nil
}

// Config returns the attached configuration.
func (i *Instance) Config() config.Config {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.cfg
}

// Initialize constructs the bridge. The engine is built on queue in the
// background; the instance becomes Ready when that finishes, or Destroyed
// if it fails. Calling Initialize twice is a configuration error.
func (i *Instance) Initialize(callback Callback, factory engine.Factory, queue bridge.Queue, registry *modules.Registry) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.state != StateUninitialized {
		return jsbridge.ConfigError("initialize", ErrAlreadyInitialized)
	}
	if factory == nil || queue == nil || registry == nil {
		return jsbridge.ConfigError("initialize", errors.New("factory, queue and registry are required"))
	}
	if err := i.cfg.Validate(); err != nil {
		return jsbridge.ConfigError("initialize", err)
	}
	if callback == nil {
		callback = bridge.NopCallback{}
	}

	i.callback = callback
	i.registry = registry
	b, err := bridge.New(factory, registry, queue, &instanceCallback{i: i}, i.cfg)
	if err != nil {
		return err
	}
	i.bridge = b
	i.state = StateInitializing
	i.log.Debug("initializing", zap.String("engine", factory.Name()))

	go i.awaitConstruction(b)
	return nil
}

func (i *Instance) awaitConstruction(b *bridge.NativeToJSBridge) {
	<-b.Constructed()
	if err := b.ConstructionErr(); err != nil {
		i.log.Error("engine construction failed", zap.Error(err))
		i.setState(StateDestroyed)
		return
	}
	i.setState(StateReady)
	i.log.Debug("ready")
}

// setState moves the state forward. Backward moves are ignored.
func (i *Instance) setState(s State) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if s <= i.state {
		return
	}
	i.state = s
	if s >= StateReady {
		select {
		case <-i.ready:
		default:
			close(i.ready)
		}
	}
}

// State returns the lifecycle state.
func (i *Instance) State() State {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

// WaitUntilReady blocks until the instance is Ready. It returns
// bridge.ErrDestroyed if the instance is destroyed instead.
func (i *Instance) WaitUntilReady(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-i.ready:
	}
	if i.State() != StateReady {
		return bridge.ErrDestroyed
	}
	return nil
}

func (i *Instance) current(op string) (*bridge.NativeToJSBridge, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.bridge == nil {
		return nil, jsbridge.ConfigError(op, ErrNotInitialized)
	}
	return i.bridge, nil
}

// LoadApplication enqueues evaluation of src and returns immediately. reg is
// nil for monolithic bundles. The pending count covers the load until its
// batch ends.
//
// version and auxFileName are informational. Neither engine takes a bundle
// version or a bytecode file, so they are only logged at debug level.
func (i *Instance) LoadApplication(reg *bundle.Registry, src *bundle.Source, version uint64, url, auxFileName string) error {
	b, err := i.current("load application")
	if err != nil {
		return err
	}
	i.log.Debug("load application", zap.String("url", url), zap.Uint64("version", version),
		zap.String("aux", auxFileName), zap.Int("size", src.Len()))
	return b.LoadApplication(reg, src, url)
}

// LoadApplicationSync waits until the instance is Ready, then evaluates src
// on the queue behind any work already submitted. version and auxFileName are
// logged as in LoadApplication.
func (i *Instance) LoadApplicationSync(ctx context.Context, reg *bundle.Registry, src *bundle.Source, version uint64, url, auxFileName string) error {
	if err := i.WaitUntilReady(ctx); err != nil {
		return err
	}
	b, err := i.current("load application")
	if err != nil {
		return err
	}
	i.log.Debug("load application sync", zap.String("url", url), zap.Uint64("version", version),
		zap.String("aux", auxFileName), zap.Int("size", src.Len()))
	return b.LoadApplicationSync(ctx, reg, src, url)
}

// SetSourceURL points the bridge at url without evaluating anything.
func (i *Instance) SetSourceURL(url string) error {
	b, err := i.current("set source url")
	if err != nil {
		return err
	}
	i.mu.Lock()
	i.sourceURL = url
	i.mu.Unlock()
	return b.LoadApplication(nil, nil, url)
}

// SourceURL returns the url last passed to SetSourceURL.
func (i *Instance) SourceURL() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.sourceURL
}

// LoadScriptFromString loads a monolithic script, waiting for it when sync.
// version and auxFileName are informational; see LoadApplication.
func (i *Instance) LoadScriptFromString(ctx context.Context, src *bundle.Source, version uint64, url string, sync bool, auxFileName string) error {
	if sync {
		return i.LoadApplicationSync(ctx, nil, src, version, url, auxFileName)
	}
	return i.LoadApplication(nil, src, version, url, auxFileName)
}

// IsIndexedRAMBundle reports whether path holds an indexed RAM bundle. Any
// failure to read the header yields false.
func (i *Instance) IsIndexedRAMBundle(path string) bool {
	return bundle.IsIndexedRAMBundle(path)
}

// LoadRAMBundleFromFile opens the indexed RAM bundle at path, loads its
// startup code and serves its modules lazily. Further bundles can be added
// with RegisterBundle.
func (i *Instance) LoadRAMBundleFromFile(ctx context.Context, path, url string, sync bool) error {
	ib, err := bundle.OpenIndexed(path)
	if err != nil {
		return i.bundleError(err)
	}
	startup, err := ib.StartupCode()
	if err != nil {
		ib.Close()
		return i.bundleError(err)
	}
	reg := bundle.NewMultipleBundlesRegistry(ib, bundle.IndexedFactory())
	return i.LoadRAMBundle(ctx, reg, startup, url, sync)
}

// bundleError classifies a failure to open a RAM bundle. A malformed bundle
// is a protocol error: it is reported through the callback and tears the
// instance down. Anything else is an I/O error for the caller alone.
func (i *Instance) bundleError(err error) error {
	if !errors.Is(err, bundle.ErrMalformedBundle) {
		return jsbridge.IOError("load ram bundle", err)
	}
	err = jsbridge.ProtocolError("load ram bundle", err)
	i.mu.Lock()
	initialized := i.bridge != nil
	i.mu.Unlock()
	if initialized {
		(&instanceCallback{i: i}).OnError(err)
		i.Destroy()
	}
	return err
}

// LoadRAMBundle loads startup code with reg serving the remaining modules.
// The instance closes reg when it is destroyed.
func (i *Instance) LoadRAMBundle(ctx context.Context, reg *bundle.Registry, startup *bundle.Source, url string, sync bool) error {
	i.mu.Lock()
	i.registries = append(i.registries, reg)
	i.mu.Unlock()
	if sync {
		return i.LoadApplicationSync(ctx, reg, startup, 0, url, "")
	}
	return i.LoadApplication(reg, startup, 0, url, "")
}

// CallJSFunction enqueues a call of module.method and returns immediately.
func (i *Instance) CallJSFunction(module, method string, params []any) error {
	b, err := i.current("call function")
	if err != nil {
		return err
	}
	return b.CallFunction(module, method, params)
}

// CallJSCallback enqueues invocation of a script callback.
func (i *Instance) CallJSCallback(id uint64, params []any) error {
	b, err := i.current("invoke callback")
	if err != nil {
		return err
	}
	return b.InvokeCallback(float64(id), params)
}

// RegisterBundle makes an additional segmented bundle available under id.
func (i *Instance) RegisterBundle(id uint32, path string) error {
	b, err := i.current("register bundle")
	if err != nil {
		return err
	}
	return b.RegisterBundle(id, path)
}

// RegisterModules adds native modules. Modules registered after the engine
// has been constructed are rejected; script already holds the module table.
func (i *Instance) RegisterModules(mods ...modules.Module) error {
	i.mu.Lock()
	reg := i.registry
	i.mu.Unlock()
	if reg == nil {
		return jsbridge.ConfigError("register modules", ErrNotInitialized)
	}
	return reg.RegisterModules(mods...)
}

// ModuleRegistry returns the registry passed to Initialize.
func (i *Instance) ModuleRegistry() *modules.Registry {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.registry
}

// SetGlobalVariable parses json into the global name.
func (i *Instance) SetGlobalVariable(name string, json *bundle.Source) error {
	b, err := i.current("set global variable")
	if err != nil {
		return err
	}
	return b.SetGlobalVariable(name, json)
}

// HandleMemoryPressure forwards a memory hint. Safe from any goroutine.
func (i *Instance) HandleMemoryPressure(level engine.MemoryPressure) {
	if b, err := i.current("memory pressure"); err == nil {
		b.HandleMemoryPressure(level)
	}
}

// PeakMemoryUsage returns the engine's peak memory in bytes.
func (i *Instance) PeakMemoryUsage() int64 {
	if b, err := i.current("peak memory"); err == nil {
		return b.PeakMemoryUsage()
	}
	return 0
}

// JavaScriptContext returns the engine's native context, or nil.
func (i *Instance) JavaScriptContext() any {
	if b, err := i.current("javascript context"); err == nil {
		return b.JavaScriptContext()
	}
	return nil
}

func (i *Instance) IsInspectable() bool {
	if b, err := i.current("inspectable"); err == nil {
		return b.IsInspectable()
	}
	return false
}

func (i *Instance) IsBatchActive() bool {
	if b, err := i.current("batch active"); err == nil {
		return b.IsBatchActive()
	}
	return false
}

// PendingCalls returns the number of accepted calls not yet completed.
func (i *Instance) PendingCalls() int64 {
	return i.pending.Count()
}

// WaitIdle blocks until no calls are pending and no async native method is
// queued or running.
func (i *Instance) WaitIdle(ctx context.Context) error {
	return i.busy.WaitIdle(ctx)
}

// Destroy requests teardown. Queued work is cancelled, running work
// finishes, then the engine is released. Safe to call repeatedly.
func (i *Instance) Destroy() {
	i.mu.Lock()
	b := i.bridge
	regs := i.registries
	i.registries = nil
	i.mu.Unlock()

	i.setState(StateDestroyed)
	if b == nil {
		closeRegistries(i.log, regs)
		return
	}
	b.Destroy()
	go func() {
		<-b.Done()
		closeRegistries(i.log, regs)
	}()
}

// Done is closed once the engine has been released after Destroy.
func (i *Instance) Done() <-chan struct{} {
	i.mu.Lock()
	b := i.bridge
	i.mu.Unlock()
	if b == nil {
		done := make(chan struct{})
		close(done)
		return done
	}
	return b.Done()
}

func closeRegistries(log *zap.Logger, regs []*bundle.Registry) {
	for _, reg := range regs {
		if err := reg.Close(); err != nil {
			log.Warn("close bundle registry", zap.Error(err))
		}
	}
}

// instanceCallback keeps the pending count and lifecycle state in step with
// the bridge before passing notifications on to the host.
type instanceCallback struct {
	i *Instance
}

func (c *instanceCallback) OnBatchComplete() {
	c.i.callback.OnBatchComplete()
}

func (c *instanceCallback) IncrementPendingJSCalls() {
	c.i.busy.Increment()
	c.i.pending.Increment()
	c.i.callback.IncrementPendingJSCalls()
}

func (c *instanceCallback) DecrementPendingJSCalls() {
	if _, err := c.i.pending.Decrement(); err != nil {
		c.i.log.Error("pending call accounting", zap.Error(err))
		return
	}
	c.i.callback.DecrementPendingJSCalls()
	c.finish()
}

func (c *instanceCallback) NativeWorkStarted() {
	c.i.busy.Increment()
	if obs, ok := c.i.callback.(bridge.NativeWorkObserver); ok {
		obs.NativeWorkStarted()
	}
}

func (c *instanceCallback) NativeWorkFinished() {
	if obs, ok := c.i.callback.(bridge.NativeWorkObserver); ok {
		obs.NativeWorkFinished()
	}
	c.finish()
}

func (c *instanceCallback) finish() {
	if _, err := c.i.busy.Decrement(); err != nil {
		c.i.log.Error("native work accounting", zap.Error(err))
	}
}

func (c *instanceCallback) OnError(err error) {
	c.i.log.Error("bridge error", zap.Error(err))
	c.i.setState(StateDestroyed)
	c.i.callback.OnError(err)
}
