package bridge

import (
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/caffeineduck/jsbridge"
	"github.com/caffeineduck/jsbridge/engine"
	"github.com/caffeineduck/jsbridge/modules"
)

// jsToNativeBridge carries script calls to native modules. All methods run
// on the JS queue.
type jsToNativeBridge struct {
	bridge   *NativeToJSBridge
	registry *modules.Registry

	// Set when the current batch has made a native call; cleared when the
	// batch ends.
	batchHadNativeModuleCalls atomic.Bool
}

var _ engine.Delegate = (*jsToNativeBridge)(nil)

func (d *jsToNativeBridge) CallNativeModules(calls []engine.MethodCall, isEndOfBatch bool) {
	if len(calls) > 0 {
		d.batchHadNativeModuleCalls.Store(true)
	}
	inv := invoker{bridge: d.bridge}
	for _, c := range calls {
		err := d.registry.Call(d.bridge.ctx, inv, c.ModuleID, c.MethodID, c.Args)
		if err == nil {
			continue
		}
		if jsbridge.IsFatal(err) {
			d.bridge.fail(err)
			break
		}
		d.bridge.log.Warn("native call dropped", zap.Int("module", c.ModuleID), zap.Int("method", c.MethodID), zap.Error(err))
	}

	if isEndOfBatch {
		if d.batchHadNativeModuleCalls.Swap(false) {
			d.bridge.callback.OnBatchComplete()
		}
		d.bridge.endBatch()
	}
}

func (d *jsToNativeBridge) CallSerializableNativeHook(moduleID, methodID int, args []any) (any, error) {
	result, err := d.registry.CallSync(d.bridge.ctx, moduleID, methodID, args)
	if err != nil && jsbridge.KindOf(err) == jsbridge.KindProtocol {
		d.bridge.fail(err)
	}
	return result, err
}

func (d *jsToNativeBridge) ModuleConfig() map[string]any {
	return d.registry.Config()
}

// invoker answers native results back to script callbacks.
type invoker struct {
	bridge *NativeToJSBridge
}

func (i invoker) InvokeCallback(id uint64, args []any) {
	if err := i.bridge.InvokeCallback(float64(id), args); err != nil {
		i.bridge.log.Debug("callback dropped", zap.Uint64("id", id), zap.Error(err))
	}
}
