package webhook

import (
	"context"
	"sync"

	"storykeep.org/internal/obs"
	"storykeep.org/internal/ownership"
)

// queueFullReason is the outcome recorded when a delivery could not be enqueued.
const queueFullReason = "delivery queue full"

type task struct {
	ctx     context.Context
	d       ownership.Distribution
	event   EventType
	actorID string
}

// Queue delivers webhooks on background workers so a revoke never waits on a third party.
type Queue struct {
	n     *Notifier
	tasks chan task
	wg    sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewQueue starts workers goroutines draining a buffer of size deliveries.
func NewQueue(n *Notifier, workers, size int) *Queue {
	if workers <= 0 {
		workers = 1
	}
	if size <= 0 {
		size = 1
	}
	q := &Queue{n: n, tasks: make(chan task, size)}
	for i := 0; i < workers; i++ {
		q.wg.Add(1)
		go q.work()
	}
	return q
}

func (q *Queue) work() {
	defer q.wg.Done()
	for t := range q.tasks {
		q.n.Notify(t.ctx, t.d, t.event, t.actorID)
	}
}

// Enqueue schedules a delivery without blocking. When the queue is full or closed the
// failure is recorded on the distribution and false is returned.
func (q *Queue) Enqueue(ctx context.Context, d ownership.Distribution, event EventType, actorID string) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if !q.closed {
		select {
		case q.tasks <- task{ctx: context.WithoutCancel(ctx), d: d, event: event, actorID: actorID}:
			return true
		default:
		}
	}
	obs.Warn("webhook delivery dropped", map[string]any{
		"distribution_id": d.ID,
		"event":           string(event),
	})
	q.n.RecordFailure(ctx, d, event, queueFullReason)
	return false
}

// Dispatch implements Dispatcher.
func (q *Queue) Dispatch(ctx context.Context, d ownership.Distribution, event EventType, actorID string) {
	q.Enqueue(ctx, d, event, actorID)
}

// Close stops accepting deliveries and waits for queued ones to finish.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.tasks)
	q.mu.Unlock()
	q.wg.Wait()
}
