package chunkqueue

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mrhaubrich/devslice/pkg/partition"
)

func chunk(worker int, data string) partition.Chunk {
	return partition.Chunk{Worker: worker, Data: []byte(data)}
}

func TestFIFO(t *testing.T) {
	q := New(3)
	for i, d := range []string{"a", "b", "c"} {
		if err := q.Enqueue(chunk(i, d)); err != nil {
			t.Fatalf("Enqueue %d failed: %v", i, err)
		}
	}
	if q.Len() != 3 {
		t.Errorf("Len() = %d, want 3", q.Len())
	}
	q.Close()

	for i, want := range []string{"a", "b", "c"} {
		c, ok := q.Dequeue()
		if !ok {
			t.Fatalf("Dequeue %d returned ok=false", i)
		}
		if string(c.Data) != want {
			t.Errorf("Dequeue %d = %q, want %q", i, c.Data, want)
		}
	}
	if _, ok := q.Dequeue(); ok {
		t.Error("Dequeue on drained closed queue returned ok=true")
	}
}

func TestEnqueueFull(t *testing.T) {
	q := New(1)
	if err := q.Enqueue(chunk(0, "a")); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if err := q.Enqueue(chunk(1, "b")); !errors.Is(err, ErrFull) {
		t.Errorf("expected ErrFull, got %v", err)
	}
}

func TestEnqueueAfterClose(t *testing.T) {
	q := New(2)
	q.Close()
	q.Close() // idempotent
	if err := q.Enqueue(chunk(0, "a")); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestDequeueBlocksUntilEnqueue(t *testing.T) {
	q := New(1)
	got := make(chan partition.Chunk, 1)
	go func() {
		c, ok := q.Dequeue()
		if ok {
			got <- c
		}
		close(got)
	}()

	time.Sleep(10 * time.Millisecond)
	if err := q.Enqueue(chunk(0, "late")); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	select {
	case c := <-got:
		if string(c.Data) != "late" {
			t.Errorf("got %q", c.Data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Dequeue did not observe the enqueued chunk")
	}
}

func TestCloseWakesBlockedConsumers(t *testing.T) {
	q := New(1)
	done := make(chan struct{})
	for i := 0; i < 4; i++ {
		go func() {
			if _, ok := q.Dequeue(); ok {
				t.Error("Dequeue returned a chunk from an empty queue")
			}
			done <- struct{}{}
		}()
	}

	time.Sleep(10 * time.Millisecond)
	q.Close()

	for i := 0; i < 4; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("blocked consumer did not wake after Close")
		}
	}
}

func TestConcurrentDrain(t *testing.T) {
	const n = 64
	q := New(n)
	for i := 0; i < n; i++ {
		if err := q.Enqueue(chunk(i, "x")); err != nil {
			t.Fatalf("Enqueue %d failed: %v", i, err)
		}
	}
	q.Close()

	var mu sync.Mutex
	seen := map[int]bool{}
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				c, ok := q.Dequeue()
				if !ok {
					return
				}
				mu.Lock()
				if seen[c.Worker] {
					t.Errorf("chunk %d dequeued twice", c.Worker)
				}
				seen[c.Worker] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != n {
		t.Errorf("drained %d distinct chunks, want %d", len(seen), n)
	}
	if q.Len() != 0 {
		t.Errorf("Len() = %d after drain", q.Len())
	}
}
