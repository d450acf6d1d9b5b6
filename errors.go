package jsbridge

import (
	"errors"
	"fmt"
)

// Kind classifies bridge failures.
type Kind int

const (
	// KindUnknown is any error that carries no classification.
	KindUnknown Kind = iota
	// KindConfig is a host integration mistake: double initialization,
	// duplicate registration, an unavailable engine backend. Never retried.
	KindConfig
	// KindProtocol means script and native sides disagree, for example a call
	// to an unregistered module. Fatal to the bridge session.
	KindProtocol
	// KindScript is an exception raised while evaluating script code.
	KindScript
	// KindCall is an ordinary failure of one native method call.
	KindCall
	// KindIO is a failure reading bundle data.
	KindIO
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "configuration"
	case KindProtocol:
		return "protocol"
	case KindScript:
		return "script"
	case KindCall:
		return "call"
	case KindIO:
		return "io"
	default:
		return "unknown"
	}
}

// Error is a classified bridge failure.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s error: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ConfigError wraps err as a configuration error.
func ConfigError(op string, err error) error {
	return &Error{Kind: KindConfig, Op: op, Err: err}
}

// ProtocolError wraps err as a protocol error.
func ProtocolError(op string, err error) error {
	return &Error{Kind: KindProtocol, Op: op, Err: err}
}

// ScriptError wraps err as a script evaluation error.
func ScriptError(op string, err error) error {
	return &Error{Kind: KindScript, Op: op, Err: err}
}

// CallError wraps err as a native call failure.
func CallError(op string, err error) error {
	return &Error{Kind: KindCall, Op: op, Err: err}
}

// IOError wraps err as a bundle I/O failure.
func IOError(op string, err error) error {
	return &Error{Kind: KindIO, Op: op, Err: err}
}

// KindOf returns the classification of the outermost *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsFatal reports whether err ends a bridge session.
func IsFatal(err error) bool {
	switch KindOf(err) {
	case KindConfig, KindProtocol, KindScript, KindIO:
		return true
	}
	return false
}
