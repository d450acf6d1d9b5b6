package modules

import (
	"context"
	"fmt"
)

// MethodType selects how a native method answers script.
type MethodType int

const (
	// MethodAsync runs off the script thread and answers, if at all, by
	// invoking callback ids passed as arguments.
	MethodAsync MethodType = iota
	// MethodPromise takes trailing resolve/reject callback ids; the handler's
	// result or error settles the promise.
	MethodPromise
	// MethodSync runs on the script thread and returns its result directly.
	MethodSync
)

func (t MethodType) String() string {
	switch t {
	case MethodPromise:
		return "promise"
	case MethodSync:
		return "sync"
	default:
		return "async"
	}
}

// Func is a native method handler. Arguments arrive as decoded JSON values.
type Func func(ctx context.Context, args []any) (any, error)

// Method is one entry of a module's method table.
type Method struct {
	Name string
	Type MethodType
	Fn   Func
}

// Module is a named group of native methods exposed to script.
type Module interface {
	Name() string
	Methods() []Method
	Constants() map[string]any
}

type funcModule struct {
	name      string
	constants map[string]any
	methods   []Method
}

// NewModule builds a Module from a method list.
func NewModule(name string, constants map[string]any, methods ...Method) Module {
	return &funcModule{name: name, constants: constants, methods: methods}
}

func (m *funcModule) Name() string              { return m.name }
func (m *funcModule) Methods() []Method         { return m.methods }
func (m *funcModule) Constants() map[string]any { return m.constants }

type invokerKey struct{}

func withInvoker(ctx context.Context, inv Invoker) context.Context {
	return context.WithValue(ctx, invokerKey{}, inv)
}

// InvokerFromContext returns the Invoker of the call in progress.
func InvokerFromContext(ctx context.Context) (Invoker, bool) {
	inv, ok := ctx.Value(invokerKey{}).(Invoker)
	return inv, ok
}

// Callback returns a function that invokes the script callback whose id was
// passed as v. It is how async methods answer.
func Callback(ctx context.Context, v any) (func(args ...any), error) {
	inv, ok := InvokerFromContext(ctx)
	if !ok {
		return nil, fmt.Errorf("no invoker in context")
	}
	id, err := callbackID(v)
	if err != nil {
		return nil, err
	}
	return func(args ...any) {
		inv.InvokeCallback(id, args)
	}, nil
}

// StringArg returns args[i] as a string.
func StringArg(args []any, i int, name string) (string, error) {
	if i >= len(args) {
		return "", fmt.Errorf("%s required", name)
	}
	s, ok := args[i].(string)
	if !ok {
		return "", fmt.Errorf("%s must be a string", name)
	}
	return s, nil
}

// StringsArg returns args[i] as a list of strings.
func StringsArg(args []any, i int, name string) ([]string, error) {
	if i >= len(args) {
		return nil, fmt.Errorf("%s required", name)
	}
	switch v := args[i].(type) {
	case []string:
		return v, nil
	case []any:
		out := make([]string, len(v))
		for j, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("%s[%d] must be a string", name, j)
			}
			out[j] = s
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%s must be a list", name)
	}
}

// MapArg returns args[i] as an object, or nil when absent.
func MapArg(args []any, i int) map[string]any {
	if i >= len(args) {
		return nil
	}
	m, _ := args[i].(map[string]any)
	return m
}
