package resolver

import (
	"context"
	"sync"
	"time"

	"github.com/onexay/hgrev/internal/metrics"
	"github.com/onexay/hgrev/internal/types"
)

// DefaultMaxTodoAge is the oldest push date still worth discovering.
const DefaultMaxTodoAge = 24 * time.Hour

// Queue is an unbounded FIFO of discovery tasks. It accepts many producers
// and a single consumer.
type Queue struct {
	mu     sync.Mutex
	items  []types.Task
	signal chan struct{}
	maxAge time.Duration
	clock  func() time.Time
}

// NewQueue creates a Queue rejecting tasks whose push is older than maxAge.
func NewQueue(maxAge time.Duration, clock func() time.Time) *Queue {
	if maxAge <= 0 {
		maxAge = DefaultMaxTodoAge
	}
	if clock == nil {
		clock = time.Now
	}
	return &Queue{
		signal: make(chan struct{}, 1),
		maxAge: maxAge,
		clock:  clock,
	}
}

// Add enqueues t and reports whether it was accepted. Tasks without revisions
// or with a push date older than the max age are dropped.
func (q *Queue) Add(t types.Task) bool {
	if len(t.Revisions) == 0 {
		return false
	}
	now := q.clock()
	if t.PushDate < now.Add(-q.maxAge).Unix() {
		return false
	}
	t.Enqueued = now

	q.mu.Lock()
	q.items = append(q.items, t)
	metrics.QueueSize.Set(float64(len(q.items)))
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// Pop removes the oldest task, blocking while the queue is empty.
func (q *Queue) Pop(ctx context.Context) (types.Task, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			t := q.items[0]
			q.items[0] = types.Task{}
			q.items = q.items[1:]
			metrics.QueueSize.Set(float64(len(q.items)))
			q.mu.Unlock()
			return t, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return types.Task{}, ctx.Err()
		case <-q.signal:
		}
	}
}

// Len returns the number of pending tasks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
