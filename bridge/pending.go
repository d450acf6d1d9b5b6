package bridge

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

var ErrCounterUnderflow = errors.New("pending call counter underflow")

// PendingCalls counts native-to-script calls that have been accepted but
// whose completion the host has not observed. It never goes negative.
type PendingCalls struct {
	n atomic.Int64

	mu   sync.Mutex
	idle chan struct{} // closed while the count is zero
}

// NewPendingCalls returns a counter at zero.
func NewPendingCalls() *PendingCalls {
	idle := make(chan struct{})
	close(idle)
	return &PendingCalls{idle: idle}
}

// Increment adds one call and returns the new count.
func (p *PendingCalls) Increment() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := p.n.Add(1)
	if n == 1 {
		p.idle = make(chan struct{})
	}
	return n
}

// Decrement removes one call. It refuses to go below zero.
func (p *PendingCalls) Decrement() (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := p.n.Load()
	if n == 0 {
		return 0, ErrCounterUnderflow
	}
	n = p.n.Add(-1)
	if n == 0 {
		close(p.idle)
	}
	return n, nil
}

// Count returns the current count.
func (p *PendingCalls) Count() int64 {
	return p.n.Load()
}

// WaitIdle blocks until the count is zero or ctx is done.
func (p *PendingCalls) WaitIdle(ctx context.Context) error {
	for {
		p.mu.Lock()
		idle := p.idle
		p.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-idle:
		}
		if p.Count() == 0 {
			return nil
		}
	}
}
