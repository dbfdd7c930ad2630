// Package taskqueue serializes asynchronous work per receiver instance: a
// strict FIFO chain of tasks, each bounded by a timeout that cannot break
// the chain, with a progress callback fired every tenth task (spec §4.3).
// The original design chains JS promises; here a mutex-guarded tail pointer
// plays the same role, per the design note in spec §9.
package taskqueue

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"signalengine/internal/logging"
)

// Task is one unit of serialized work.
type Task func(ctx context.Context) error

// ProgressFunc is invoked every 10 completed tasks with the running count.
type ProgressFunc func(completed uint64)

// Queue runs Tasks one at a time, in submission order, never running two
// concurrently and never letting one task's failure or timeout stop the
// chain from advancing to the next.
type Queue struct {
	mu          sync.Mutex
	tail        chan struct{}
	taskTimeout time.Duration
	onProgress  ProgressFunc
	completed   uint64
}

// New creates a Queue whose tasks are each bounded by taskTimeout (0 means
// no per-task deadline) and which reports progress via onProgress, if set,
// every 10 completed tasks.
func New(taskTimeout time.Duration, onProgress ProgressFunc) *Queue {
	tail := make(chan struct{})
	close(tail) // the chain starts already "resolved"
	return &Queue{
		tail:        tail,
		taskTimeout: taskTimeout,
		onProgress:  onProgress,
	}
}

// Add appends t to the tail of the chain and returns immediately; t runs
// once every task submitted before it has completed (or timed out).
func (q *Queue) Add(t Task) {
	q.mu.Lock()
	prevTail := q.tail
	newTail := make(chan struct{})
	q.tail = newTail
	q.mu.Unlock()

	go func() {
		<-prevTail
		q.runOne(t)
		close(newTail)
	}()
}

func (q *Queue) runOne(t Task) {
	ctx := context.Background()
	cancel := func() {}
	if q.taskTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, q.taskTimeout)
	}
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- t(ctx)
	}()

	select {
	case err := <-done:
		if err != nil {
			logging.Warn("task queue: task failed", zap.Error(err))
		}
	case <-ctx.Done():
		logging.Warn("task queue: task timed out")
	}

	q.mu.Lock()
	q.completed++
	n := q.completed
	q.mu.Unlock()

	if q.onProgress != nil && n%10 == 0 {
		q.onProgress(n)
	}
}

// Drain blocks until every task submitted so far has completed.
func (q *Queue) Drain() {
	q.mu.Lock()
	tail := q.tail
	q.mu.Unlock()
	<-tail
}

// OnEmpty registers a one-shot callback fired once the chain next drains to
// empty; if the chain is already empty it fires ready away on a new
// goroutine so the caller never blocks.
func (q *Queue) OnEmpty(fn func()) {
	q.mu.Lock()
	tail := q.tail
	q.mu.Unlock()
	go func() {
		<-tail
		fn()
	}()
}

// IncomingTracker preserves the server-declared order of envelopes still
// awaiting dispatch, independent of which finishes decrypting first (spec
// §4.3: ordering must match arrival order, not completion order).
type IncomingTracker struct {
	mu    sync.Mutex
	order []string
}

// NewIncomingTracker creates an empty tracker.
func NewIncomingTracker() *IncomingTracker {
	return &IncomingTracker{}
}

// Push records id as having arrived, at the back of the order.
func (t *IncomingTracker) Push(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.order = append(t.order, id)
}

// Remove drops id from the tracked order once it has been dispatched.
func (t *IncomingTracker) Remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, v := range t.order {
		if v == id {
			t.order = append(t.order[:i], t.order[i+1:]...)
			return
		}
	}
}

// Order returns a snapshot of ids in arrival order.
func (t *IncomingTracker) Order() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.order))
	copy(out, t.order)
	return out
}

// Len reports how many ids are currently tracked.
func (t *IncomingTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.order)
}
