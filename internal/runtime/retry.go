package runtime

import (
	"sync"
	"time"
)

// RetryPolicy configures a destination's retry behavior per spec §4.8:
// MaxAttempts total sends (the first send plus retries), the delay
// between them, whether a failed item moves to the queue's tail
// (Rotate) instead of being retried in place, and whether the first
// attempt is made immediately rather than always going through the
// queue first (SendFirst).
type RetryPolicy struct {
	MaxAttempts int
	Interval    time.Duration
	Rotate      bool
	SendFirst   bool
}

// RetryTracker counts attempts per in-flight work item and decides
// whether a failure should be retried or is terminal. Modeled on the
// teacher's CircuitBreaker: a guarded counter keyed by identity, reset on
// success, compared against a threshold to decide the next action.
type RetryTracker struct {
	mu       sync.Mutex
	policy   RetryPolicy
	attempts map[WorkItem]int
}

// NewRetryTracker constructs a tracker enforcing policy.
func NewRetryTracker(policy RetryPolicy) *RetryTracker {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	return &RetryTracker{
		policy:   policy,
		attempts: make(map[WorkItem]int),
	}
}

// RecordSuccess clears item's attempt count on a SENT outcome, per spec:
// "a SENT response halts retry."
func (t *RetryTracker) RecordSuccess(item WorkItem) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.attempts, item)
}

// RecordFailure increments item's attempt count and reports whether
// another attempt remains. When it returns false the caller must assign
// terminal ERROR; when true, the caller re-queues (rotated to the tail
// if policy.Rotate) after policy.Interval.
func (t *RetryTracker) RecordFailure(item WorkItem) (retry bool, attempt int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.attempts[item]++
	attempt = t.attempts[item]
	if attempt >= t.policy.MaxAttempts {
		delete(t.attempts, item)
		return false, attempt
	}
	return true, attempt
}

// Attempts reports how many failures have been recorded for item so far
// (0 if none), for diagnostics.
func (t *RetryTracker) Attempts(item WorkItem) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.attempts[item]
}

// Interval returns the configured delay between retry attempts.
func (t *RetryTracker) Interval() time.Duration {
	return t.policy.Interval
}

// Rotate reports whether a retried item should move to the queue's tail
// rather than be retried in place.
func (t *RetryTracker) Rotate() bool {
	return t.policy.Rotate
}

// SendFirst reports whether a destination should attempt its first send
// immediately, inline with the source pipeline, rather than always going
// through the queue and waiting for a worker to poll it.
func (t *RetryTracker) SendFirst() bool {
	return t.policy.SendFirst
}
