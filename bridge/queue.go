package bridge

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/petermattis/goid"
	"go.uber.org/zap"
)

var (
	ErrQueueClosed = errors.New("queue closed")
	ErrQueueFull   = errors.New("queue full")
)

// Queue is a serialized execution context. Tasks run one at a time in
// submission order.
type Queue interface {
	// RunOnQueue submits task and returns without waiting.
	RunOnQueue(task func()) error
	// RunOnQueueSync submits task and waits for it. Called from the queue
	// itself, it runs task inline.
	RunOnQueueSync(task func()) error
	// IsOnQueue reports whether the caller is running on the queue.
	IsOnQueue() bool
	// Quit stops accepting tasks. Tasks already submitted still run.
	Quit()
	// QuitSynchronous is Quit followed by waiting for the queue to drain.
	QuitSynchronous()
}

// ThreadQueue is a Queue backed by one goroutine.
//
// Capacity bounds the tasks waiting to run; submissions beyond it fail with
// ErrQueueFull instead of growing without limit. Zero means unbounded.
type ThreadQueue struct {
	name     string
	capacity int

	mu     sync.Mutex
	tasks  []func()
	closed bool
	signal chan struct{} // buffered, size 1; closed on Quit
	done   chan struct{}

	gid atomic.Int64
}

// NewThreadQueue starts a queue goroutine.
func NewThreadQueue(name string, capacity int) *ThreadQueue {
	q := &ThreadQueue{
		name:     name,
		capacity: capacity,
		tasks:    make([]func(), 0, 64),
		signal:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	started := make(chan struct{})
	go q.loop(started)
	<-started
	return q
}

// Name returns the queue name.
func (q *ThreadQueue) Name() string {
	return q.name
}

// RunOnQueue adds task to the back of the queue.
func (q *ThreadQueue) RunOnQueue(task func()) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}
	if q.capacity > 0 && len(q.tasks) >= q.capacity {
		return fmt.Errorf("%w: %s has %d waiting tasks", ErrQueueFull, q.name, len(q.tasks))
	}
	q.tasks = append(q.tasks, task)

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return nil
}

// RunOnQueueSync runs task on the queue and waits for it to finish.
func (q *ThreadQueue) RunOnQueueSync(task func()) error {
	if q.IsOnQueue() {
		task()
		return nil
	}
	done := make(chan struct{})
	err := q.RunOnQueue(func() {
		defer close(done)
		task()
	})
	if err != nil {
		return err
	}
	<-done
	return nil
}

// IsOnQueue reports whether the calling goroutine is the queue goroutine.
func (q *ThreadQueue) IsOnQueue() bool {
	return goid.Get() == q.gid.Load()
}

// Len returns the number of waiting tasks.
func (q *ThreadQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// Quit closes the queue. Waiting tasks still run, then the goroutine exits.
func (q *ThreadQueue) Quit() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}

// QuitSynchronous closes the queue and waits for the goroutine to exit.
// From the queue goroutine itself it only closes.
func (q *ThreadQueue) QuitSynchronous() {
	q.Quit()
	if q.IsOnQueue() {
		return
	}
	<-q.done
}

// Done is closed once the queue goroutine has exited.
func (q *ThreadQueue) Done() <-chan struct{} {
	return q.done
}

func (q *ThreadQueue) loop(started chan<- struct{}) {
	q.gid.Store(goid.Get())
	close(started)
	defer close(q.done)

	for {
		task, ok := q.next()
		if !ok {
			return
		}
		q.run(task)
	}
}

// next blocks until a task is available. It returns false once the queue is
// closed and empty.
func (q *ThreadQueue) next() (func(), bool) {
	for {
		q.mu.Lock()
		if len(q.tasks) > 0 {
			task := q.tasks[0]
			q.tasks[0] = nil
			if len(q.tasks) == 1 {
				q.tasks = q.tasks[:0]
			} else {
				q.tasks = q.tasks[1:]
			}
			q.mu.Unlock()
			return task, true
		}
		if q.closed {
			q.mu.Unlock()
			return nil, false
		}
		q.mu.Unlock()
		<-q.signal
	}
}

func (q *ThreadQueue) run(task func()) {
	defer func() {
		if r := recover(); r != nil {
			Logger().Error("task panicked", zap.String("queue", q.name), zap.Any("panic", r), zap.Stack("stack"))
		}
	}()
	task()
}
