package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/caffeineduck/jsbridge"
	"github.com/caffeineduck/jsbridge/bundle"
	"github.com/caffeineduck/jsbridge/config"
)

// MemoryPressure is a host hint that memory should be released.
type MemoryPressure int

const (
	PressureUIHidden MemoryPressure = iota + 1
	PressureModerate
	PressureCritical
)

func (p MemoryPressure) String() string {
	switch p {
	case PressureUIHidden:
		return "ui-hidden"
	case PressureModerate:
		return "moderate"
	case PressureCritical:
		return "critical"
	default:
		return fmt.Sprintf("pressure(%d)", int(p))
	}
}

// MethodCall is one native call flushed from the script queue.
type MethodCall struct {
	ModuleID int
	MethodID int
	Args     []any
	CallID   int
}

// Delegate receives script-to-native traffic. Implementations are called on
// the JS queue.
type Delegate interface {
	// CallNativeModules dispatches a flushed queue. isEndOfBatch is set on
	// the last flush of a bridge-initiated operation.
	CallNativeModules(calls []MethodCall, isEndOfBatch bool)
	// CallSerializableNativeHook runs a sync method and returns its result.
	CallSerializableNativeHook(moduleID, methodID int, args []any) (any, error)
	// ModuleConfig returns the value installed as __fbBatchedBridgeConfig.
	ModuleConfig() map[string]any
}

// Engine is a JavaScript engine embedded behind the bridge.
type Engine interface {
	LoadBundle(ctx context.Context, src *bundle.Source, url string) error
	SetBundleRegistry(reg *bundle.Registry)
	RegisterBundle(id uint32, path string) error
	CallFunction(ctx context.Context, module, method string, args []any) error
	InvokeCallback(ctx context.Context, id float64, args []any) error
	SetGlobalVariable(name string, json *bundle.Source) error
	HandleMemoryPressure(level MemoryPressure)
	PeakMemoryUsage() int64
	JavaScriptContext() any
	IsInspectable() bool
	Description() string
	Close() error
}

// Factory builds engines. New is called on the JS queue.
type Factory interface {
	Name() string
	New(delegate Delegate, cfg config.Config) (Engine, error)
}

// ParseQueue converts a flushed queue, as returned by the prelude's
// flushedQueue, into method calls. A nil queue yields no calls.
//
// The queue shape is [moduleIDs, methodIDs, params, callID].
func ParseQueue(v any) ([]MethodCall, error) {
	if v == nil {
		return nil, nil
	}
	q, ok := v.([]any)
	if !ok || len(q) < 3 {
		return nil, jsbridge.ProtocolError("parse queue", fmt.Errorf("malformed queue %T", v))
	}
	moduleIDs, ok1 := q[0].([]any)
	methodIDs, ok2 := q[1].([]any)
	params, ok3 := q[2].([]any)
	if !ok1 || !ok2 || !ok3 {
		return nil, jsbridge.ProtocolError("parse queue", fmt.Errorf("queue columns must be arrays"))
	}
	if len(moduleIDs) != len(methodIDs) || len(moduleIDs) != len(params) {
		return nil, jsbridge.ProtocolError("parse queue", fmt.Errorf("queue columns differ in length: %d/%d/%d",
			len(moduleIDs), len(methodIDs), len(params)))
	}
	callID := 0
	if len(q) > 3 {
		if n, ok := toInt(q[3]); ok {
			callID = n - len(moduleIDs)
		}
	}

	calls := make([]MethodCall, len(moduleIDs))
	for i := range moduleIDs {
		mod, ok := toInt(moduleIDs[i])
		if !ok {
			return nil, jsbridge.ProtocolError("parse queue", fmt.Errorf("module id %v is not a number", moduleIDs[i]))
		}
		meth, ok := toInt(methodIDs[i])
		if !ok {
			return nil, jsbridge.ProtocolError("parse queue", fmt.Errorf("method id %v is not a number", methodIDs[i]))
		}
		var args []any
		if params[i] != nil {
			if args, ok = params[i].([]any); !ok {
				return nil, jsbridge.ProtocolError("parse queue", fmt.Errorf("params for call %d are %T", i, params[i]))
			}
		}
		calls[i] = MethodCall{ModuleID: mod, MethodID: meth, Args: args, CallID: callID + i}
	}
	return calls, nil
}

// ParseQueueJSON is ParseQueue over a JSON encoded queue.
func ParseQueueJSON(data []byte) ([]MethodCall, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, jsbridge.ProtocolError("parse queue", err)
	}
	return ParseQueue(v)
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), n == float64(int(n))
	case int64:
		return int(n), true
	case int:
		return n, true
	case json.Number:
		i, err := n.Int64()
		return int(i), err == nil
	}
	return 0, false
}
