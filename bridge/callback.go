package bridge

import "sync/atomic"

// Callback is the host side of the bridge lifecycle. Methods are called from
// the bridge's queues and must not block on them.
type Callback interface {
	// OnBatchComplete is called after a batch that made native calls ends.
	OnBatchComplete()
	// IncrementPendingJSCalls is called once for each accepted call.
	IncrementPendingJSCalls()
	// DecrementPendingJSCalls is called once when that call completes.
	DecrementPendingJSCalls()
	// OnError receives failures that end the bridge session.
	OnError(err error)
}

// NativeWorkObserver is optionally implemented by a Callback to follow async
// native-module work. That work is not a pending JS call.
type NativeWorkObserver interface {
	NativeWorkStarted()
	NativeWorkFinished()
}

// NopCallback ignores every notification.
type NopCallback struct{}

func (NopCallback) OnBatchComplete()         {}
func (NopCallback) IncrementPendingJSCalls() {}
func (NopCallback) DecrementPendingJSCalls() {}
func (NopCallback) OnError(error)            {}

// token settles one pending call exactly once.
type token struct {
	settled atomic.Bool
	cb      Callback
}

func newToken(cb Callback) *token {
	cb.IncrementPendingJSCalls()
	return &token{cb: cb}
}

func (t *token) settle() {
	if t == nil {
		return
	}
	if t.settled.CompareAndSwap(false, true) {
		t.cb.DecrementPendingJSCalls()
	}
}
