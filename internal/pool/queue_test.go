package pool

import (
	"context"
	"testing"
	"time"
)

func TestQueueTakeAvailable(t *testing.T) {
	var q Queue[int]
	q.Put(1)
	q.Put(2)

	for _, want := range []int{1, 2} {
		got, ok := q.Take(context.Background(), time.Second)
		if !ok || got != want {
			t.Fatalf("expected %d, got %d (ok=%v)", want, got, ok)
		}
	}
	if q.Len() != 0 {
		t.Fatalf("expected empty queue, got %d", q.Len())
	}
}

func TestQueueTakeTimesOut(t *testing.T) {
	var q Queue[int]
	start := time.Now()
	if _, ok := q.Take(context.Background(), 50*time.Millisecond); ok {
		t.Fatal("expected timeout")
	}
	if time.Since(start) < 50*time.Millisecond {
		t.Fatal("Take returned before maxWait")
	}
	if q.Waiting() != 0 {
		t.Fatalf("timed out waiter not removed: %d", q.Waiting())
	}
}

func TestQueueWaitersServedInOrder(t *testing.T) {
	var q Queue[string]
	results := make(chan string, 2)

	go func() {
		v, _ := q.Take(context.Background(), 5*time.Second)
		results <- "first:" + v
	}()
	waitUntil(t, func() bool { return q.Waiting() == 1 })
	go func() {
		v, _ := q.Take(context.Background(), 5*time.Second)
		results <- "second:" + v
	}()
	waitUntil(t, func() bool { return q.Waiting() == 2 })

	q.Put("a")
	if got := <-results; got != "first:a" {
		t.Fatalf("expected first waiter to get a, got %s", got)
	}
	q.Put("b")
	if got := <-results; got != "second:b" {
		t.Fatalf("expected second waiter to get b, got %s", got)
	}
}

func TestQueueTakeCancelled(t *testing.T) {
	var q Queue[int]
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	if _, ok := q.Take(ctx, 5*time.Second); ok {
		t.Fatal("expected cancellation")
	}

	// An item put afterwards is still available.
	q.Put(7)
	if v, ok := q.Take(context.Background(), time.Second); !ok || v != 7 {
		t.Fatalf("expected 7, got %d (ok=%v)", v, ok)
	}
}

func TestQueueZeroWait(t *testing.T) {
	var q Queue[int]
	if _, ok := q.Take(context.Background(), 0); ok {
		t.Fatal("expected immediate failure on empty queue")
	}
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(20 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
