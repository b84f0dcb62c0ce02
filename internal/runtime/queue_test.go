package runtime

import (
	"context"
	"testing"
	"time"
)

func TestQueue_AddThenPollReturnsItem(t *testing.T) {
	q := NewQueue(10, nil)
	item := WorkItem{Channel: "c1", MetadataID: 1, MsgID: 5}
	q.Add(item)

	got, ok := q.PollWithTimeout(context.Background(), time.Second)
	if !ok {
		t.Fatal("expected an item")
	}
	if got != item {
		t.Fatalf("got %+v, want %+v", got, item)
	}
}

func TestQueue_PollTimesOutWhenEmpty(t *testing.T) {
	q := NewQueue(10, nil)
	start := time.Now()
	_, ok := q.PollWithTimeout(context.Background(), 50*time.Millisecond)
	if ok {
		t.Fatal("expected no item")
	}
	if time.Since(start) < 40*time.Millisecond {
		t.Fatal("returned suspiciously fast")
	}
}

func TestQueue_CheckedOutItemNotReturnedTwice(t *testing.T) {
	q := NewQueue(10, nil)
	item := WorkItem{Channel: "c1", MetadataID: 1, MsgID: 5}
	q.Add(item)
	q.Add(item) // duplicate add; checkout set still only allows one outstanding handoff

	first, ok := q.PollWithTimeout(context.Background(), time.Second)
	if !ok || first != item {
		t.Fatalf("expected to get item once, got %+v ok=%v", first, ok)
	}
	_, ok = q.PollWithTimeout(context.Background(), 20*time.Millisecond)
	if ok {
		t.Fatal("expected the checked-out duplicate not to be handed out again")
	}
}

func TestQueue_FinishAllowsReCheckout(t *testing.T) {
	q := NewQueue(10, nil)
	item := WorkItem{Channel: "c1", MetadataID: 1, MsgID: 5}
	q.Add(item)
	got, _ := q.PollWithTimeout(context.Background(), time.Second)
	q.Finish(got)
	q.Add(item)
	got2, ok := q.PollWithTimeout(context.Background(), time.Second)
	if !ok || got2 != item {
		t.Fatal("expected item to be pollable again after Finish")
	}
}

func TestQueue_RequeueReturnsToTail(t *testing.T) {
	q := NewQueue(10, nil)
	item := WorkItem{Channel: "c1", MetadataID: 1, MsgID: 5}
	q.Add(item)
	got, _ := q.PollWithTimeout(context.Background(), time.Second)
	q.Requeue(got)

	got2, ok := q.PollWithTimeout(context.Background(), time.Second)
	if !ok || got2 != item {
		t.Fatal("expected requeued item to be pollable")
	}
}

func TestQueue_StopResolvesBlockedPollImmediately(t *testing.T) {
	q := NewQueue(10, nil)
	done := make(chan bool, 1)
	go func() {
		_, ok := q.PollWithTimeout(context.Background(), 10*time.Second)
		done <- ok
	}()
	time.Sleep(20 * time.Millisecond)
	q.Stop()

	select {
	case ok := <-done:
		if ok {
			t.Fatal("expected no item after Stop")
		}
	case <-time.After(time.Second):
		t.Fatal("Stop did not unblock PollWithTimeout")
	}
}

func TestQueue_StopIsIdempotent(t *testing.T) {
	q := NewQueue(10, nil)
	q.Stop()
	q.Stop()
}

func TestQueue_AddAfterStopIsNoop(t *testing.T) {
	q := NewQueue(10, nil)
	q.Stop()
	q.Add(WorkItem{Channel: "c1", MetadataID: 1, MsgID: 1})
	if q.Len() != 0 {
		t.Fatalf("expected Add after Stop to be a no-op, buffer has %d items", q.Len())
	}
}

func TestQueue_PollConsultsRefillWhenEmpty(t *testing.T) {
	item := WorkItem{Channel: "c1", MetadataID: 1, MsgID: 9}
	calls := 0
	refill := func(ctx context.Context, limit int) ([]WorkItem, error) {
		calls++
		if calls == 1 {
			return []WorkItem{item}, nil
		}
		return nil, nil
	}
	q := NewQueue(10, refill)

	got, ok := q.PollWithTimeout(context.Background(), time.Second)
	if !ok || got != item {
		t.Fatalf("expected refill to surface item, got %+v ok=%v", got, ok)
	}
	if calls == 0 {
		t.Fatal("expected refill to be consulted")
	}
}

func TestQueue_ContextCancellationUnblocksPoll(t *testing.T) {
	q := NewQueue(10, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan bool, 1)
	go func() {
		_, ok := q.PollWithTimeout(ctx, 10*time.Second)
		done <- ok
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case ok := <-done:
		if ok {
			t.Fatal("expected no item after context cancellation")
		}
	case <-time.After(time.Second):
		t.Fatal("context cancellation did not unblock PollWithTimeout")
	}
}
