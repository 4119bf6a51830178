package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestQueueRunsInOrder(t *testing.T) {
	q := NewQueue()
	defer q.Close()

	var got []int
	for i := 0; i < 10; i++ {
		i := i
		q.Async(func() { got = append(got, i) })
	}
	if err := q.Sync(context.Background(), func() {}); err != nil {
		t.Fatalf("sync: %v", err)
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("got %v, want ascending", got)
		}
	}
	if len(got) != 10 {
		t.Errorf("len = %d, want 10", len(got))
	}
}

func TestQueueSerializesConcurrentCallers(t *testing.T) {
	q := NewQueue()
	defer q.Close()

	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = q.Sync(context.Background(), func() { counter++ })
		}()
	}
	wg.Wait()
	if counter != 50 {
		t.Errorf("counter = %d, want 50", counter)
	}
}

func TestQueueSyncAfterClose(t *testing.T) {
	q := NewQueue()
	q.Close()
	err := q.Sync(context.Background(), func() {})
	if !errors.Is(err, ErrClosed) {
		t.Errorf("err = %v, want ErrClosed", err)
	}
	q.Async(func() {})
}

func TestQueueSyncContextCancelled(t *testing.T) {
	q := NewQueue()
	defer q.Close()

	block := make(chan struct{})
	q.Async(func() { <-block })
	for i := 0; i < cap(q.work); i++ {
		q.Async(func() {})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := q.Sync(ctx, func() {})
	close(block)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
}
