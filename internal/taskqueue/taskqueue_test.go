package taskqueue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueRunsTasksInSubmissionOrder(t *testing.T) {
	q := New(0, nil)

	var mu sync.Mutex
	var order []int

	for i := 0; i < 20; i++ {
		i := i
		q.Add(func(ctx context.Context) error {
			time.Sleep(time.Duration(20-i) * time.Millisecond / 4)
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil
		})
	}
	q.Drain()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, 20)
	for i, v := range order {
		assert.Equal(t, i, v)
	}
}

func TestQueueTimeoutDoesNotBreakChain(t *testing.T) {
	q := New(10*time.Millisecond, nil)

	var mu sync.Mutex
	var ran []string

	q.Add(func(ctx context.Context) error {
		<-ctx.Done()
		mu.Lock()
		ran = append(ran, "slow")
		mu.Unlock()
		return errors.New("timed out")
	})
	q.Add(func(ctx context.Context) error {
		mu.Lock()
		ran = append(ran, "fast")
		mu.Unlock()
		return nil
	})
	q.Drain()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"slow", "fast"}, ran)
}

func TestQueueReportsProgressEveryTenTasks(t *testing.T) {
	var mu sync.Mutex
	var progress []uint64
	q := New(0, func(completed uint64) {
		mu.Lock()
		progress = append(progress, completed)
		mu.Unlock()
	})

	for i := 0; i < 25; i++ {
		q.Add(func(ctx context.Context) error { return nil })
	}
	q.Drain()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []uint64{10, 20}, progress)
}

func TestIncomingTrackerPreservesArrivalOrder(t *testing.T) {
	tr := NewIncomingTracker()
	tr.Push("a")
	tr.Push("b")
	tr.Push("c")

	tr.Remove("b")
	assert.Equal(t, []string{"a", "c"}, tr.Order())
	assert.Equal(t, 2, tr.Len())
}
