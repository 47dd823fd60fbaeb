package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestFIFO(t *testing.T) {
	q := New(Options[int]{})
	for i := 0; i < 100; i++ {
		q.Put(i)
	}
	ctx := context.Background()
	for i := 0; i < 100; i++ {
		v, err := q.Get(ctx)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if v != i {
			t.Fatalf("got %d, wanted %d", v, i)
		}
		q.Done()
	}
	if q.Len() != 0 || q.Pending() != 0 {
		t.Errorf("got len=%d pending=%d, wanted empty", q.Len(), q.Pending())
	}
}

func TestGetBlocksUntilPut(t *testing.T) {
	q := New(Options[string]{})
	got := make(chan string)
	go func() {
		v, _ := q.Get(context.Background())
		got <- v
	}()

	select {
	case v := <-got:
		t.Fatalf("get returned %q before any put", v)
	case <-time.After(20 * time.Millisecond):
	}

	q.Put("x")
	select {
	case v := <-got:
		if v != "x" {
			t.Errorf("got %q, wanted x", v)
		}
	case <-time.After(time.Second):
		t.Fatalf("get did not return after put")
	}
}

func TestGetHonoursContext(t *testing.T) {
	q := New(Options[int]{})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := q.Get(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("got %v, wanted deadline exceeded", err)
	}
}

func TestWaitIncludesInFlight(t *testing.T) {
	q := New(Options[int]{})
	q.Put(1)

	v, err := q.Get(context.Background())
	if err != nil || v != 1 {
		t.Fatalf("get: %v %v", v, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := q.Wait(ctx); err == nil {
		t.Fatalf("wait returned while an item was still in flight")
	}

	q.Done()
	if err := q.Wait(context.Background()); err != nil {
		t.Errorf("wait: %v", err)
	}
}

func TestWaitOnEmptyQueue(t *testing.T) {
	q := New(Options[int]{})
	if err := q.Wait(context.Background()); err != nil {
		t.Errorf("wait on empty queue: %v", err)
	}
}

func TestConcurrentConsumers(t *testing.T) {
	const (
		items     = 1000
		consumers = 10
	)
	q := New(Options[int]{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	seen := make(map[int]int)
	var processed atomic.Int64

	var wg sync.WaitGroup
	for i := 0; i < consumers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				v, err := q.Get(ctx)
				if err != nil {
					return
				}
				mu.Lock()
				seen[v]++
				mu.Unlock()
				processed.Add(1)
				q.Done()
			}
		}()
	}

	for i := 0; i < items; i++ {
		q.Put(i)
	}
	if err := q.Wait(context.Background()); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if got := processed.Load(); got != items {
		t.Fatalf("wait returned after %d items, wanted %d", got, items)
	}

	cancel()
	wg.Wait()

	if len(seen) != items {
		t.Fatalf("got %d distinct items, wanted %d", len(seen), items)
	}
	for v, n := range seen {
		if n != 1 {
			t.Errorf("item %d processed %d times", v, n)
		}
	}
}

func TestDropOldest(t *testing.T) {
	var dropped []int
	q := New(Options[int]{
		Capacity: 3,
		OnDrop:   func(v int) { dropped = append(dropped, v) },
	})
	for i := 0; i < 5; i++ {
		q.Put(i)
	}

	if q.Len() != 3 {
		t.Errorf("got len %d, wanted 3", q.Len())
	}
	if q.Pending() != 3 {
		t.Errorf("got pending %d, wanted 3", q.Pending())
	}
	if q.Dropped() != 2 {
		t.Errorf("got dropped %d, wanted 2", q.Dropped())
	}
	if len(dropped) != 2 || dropped[0] != 0 || dropped[1] != 1 {
		t.Errorf("got dropped items %v, wanted [0 1]", dropped)
	}

	v, _ := q.Get(context.Background())
	if v != 2 {
		t.Errorf("got %d, wanted 2", v)
	}
}
