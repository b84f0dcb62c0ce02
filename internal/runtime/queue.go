package runtime

import (
	"context"
	"sync"
	"time"
)

// WorkItem is one unit of queued work: a message awaiting processing by a
// specific destination (or the source queue's await-pipeline entry). The
// triple (Channel, MetadataID, MsgID) is the spec's queue key.
type WorkItem struct {
	Channel    string
	MetadataID int
	MsgID      int64
}

// Queue is a bounded in-memory FIFO buffer over durable work, with a
// checked-out set guarding against two workers in the same process
// handing off the same item concurrently. Modeled on the teacher's
// channel-based fan-in in internal/cluster/manager.go, but adapted to a
// pull/poll discipline (explicit checkout + finish) rather than a push
// channel, since the destination pipeline needs to retry or abandon a
// checked-out item rather than merely consume it once.
type Queue struct {
	mu         sync.Mutex
	buffer     []WorkItem
	checkedOut map[WorkItem]bool
	capacity   int
	stopped    bool
	notify     chan struct{}
	stopCh     chan struct{}

	// refill is consulted when the buffer is empty but the store may still
	// report outstanding work for this queue (a restart, or a producer
	// that outran the buffer's capacity).
	refill func(ctx context.Context, limit int) ([]WorkItem, error)
}

// NewQueue constructs a Queue with the given in-memory capacity. refill
// may be nil, in which case the queue never looks beyond its buffer.
func NewQueue(capacity int, refill func(ctx context.Context, limit int) ([]WorkItem, error)) *Queue {
	if capacity <= 0 {
		capacity = 100
	}
	return &Queue{
		buffer:     make([]WorkItem, 0, capacity),
		checkedOut: make(map[WorkItem]bool),
		capacity:   capacity,
		notify:     make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
		refill:     refill,
	}
}

func (q *Queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Add enqueues item and wakes one waiter in PollWithTimeout. If the
// in-memory buffer is at capacity the item is dropped from memory (it
// remains durable in the store and will be picked up by a future
// refill) rather than blocking the producer.
func (q *Queue) Add(item WorkItem) {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	if len(q.buffer) < q.capacity {
		q.buffer = append(q.buffer, item)
	}
	q.mu.Unlock()
	q.wake()
}

// PollWithTimeout returns the next un-checked-out item, marking it
// checked out, or (zero, false) if timeout elapses or Stop is called
// first — stop resolves the wait immediately even before timeout per
// spec's cancellation rules.
func (q *Queue) PollWithTimeout(ctx context.Context, timeout time.Duration) (WorkItem, bool) {
	deadline := time.Now().Add(timeout)

	for {
		q.mu.Lock()
		if q.stopped {
			q.mu.Unlock()
			return WorkItem{}, false
		}
		if item, ok := q.popLocked(); ok {
			q.mu.Unlock()
			return item, true
		}
		q.mu.Unlock()

		if q.refill != nil {
			more, err := q.refill(ctx, q.capacity)
			if err == nil && len(more) > 0 {
				q.mu.Lock()
				if !q.stopped {
					for _, m := range more {
						if len(q.buffer) >= q.capacity {
							break
						}
						if !q.checkedOut[m] {
							q.buffer = append(q.buffer, m)
						}
					}
				}
				q.mu.Unlock()
				continue
			}
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return WorkItem{}, false
		}
		select {
		case <-ctx.Done():
			return WorkItem{}, false
		case <-q.stopCh:
			return WorkItem{}, false
		case <-q.notify:
			continue
		case <-time.After(remaining):
			return WorkItem{}, false
		}
	}
}

func (q *Queue) popLocked() (WorkItem, bool) {
	for i, item := range q.buffer {
		if !q.checkedOut[item] {
			q.checkedOut[item] = true
			q.buffer = append(q.buffer[:i], q.buffer[i+1:]...)
			return item, true
		}
	}
	return WorkItem{}, false
}

// Finish removes item from the checked-out set, completing its handoff.
func (q *Queue) Finish(item WorkItem) {
	q.mu.Lock()
	delete(q.checkedOut, item)
	q.mu.Unlock()
}

// Requeue returns a checked-out item to the tail of the buffer (used by
// the retry policy's `rotate` behavior), clearing its check-out and
// waking a waiter.
func (q *Queue) Requeue(item WorkItem) {
	q.mu.Lock()
	delete(q.checkedOut, item)
	if !q.stopped && len(q.buffer) < q.capacity {
		q.buffer = append(q.buffer, item)
	}
	q.mu.Unlock()
	q.wake()
}

// Len reports the number of items currently buffered in memory.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buffer)
}

// Stop marks the queue stopped: PollWithTimeout returns immediately and
// Add becomes a no-op, per the cooperative-cancellation contract.
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	q.mu.Unlock()
	close(q.stopCh)
}
