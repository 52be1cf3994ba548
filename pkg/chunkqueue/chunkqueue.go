// Package chunkqueue is a bounded multi-producer/multi-consumer FIFO of
// partition chunks, shared between the partition phase and the worker
// pool. The mutex guards only pointer shuffling; no I/O happens under it.
package chunkqueue

import (
	"errors"
	"sync"

	"github.com/mrhaubrich/devslice/pkg/partition"
)

var (
	// ErrClosed is returned by Enqueue after Close.
	ErrClosed = errors.New("chunkqueue: closed")
	// ErrFull is returned by Enqueue when the queue is at capacity.
	// The pipeline sizes the queue to the chunk count, so it never
	// observes this.
	ErrFull = errors.New("chunkqueue: full")
)

// Queue is a bounded FIFO. The zero value is not usable; call New.
type Queue struct {
	mu       sync.Mutex
	nonEmpty *sync.Cond
	items    []partition.Chunk
	head     int
	capacity int
	closed   bool
}

// New returns a queue holding at most capacity chunks.
func New(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	q := &Queue{items: make([]partition.Chunk, 0, capacity), capacity: capacity}
	q.nonEmpty = sync.NewCond(&q.mu)
	return q
}

// Enqueue appends a chunk without blocking.
func (q *Queue) Enqueue(c partition.Chunk) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	if len(q.items)-q.head >= q.capacity {
		return ErrFull
	}
	q.items = append(q.items, c)
	q.nonEmpty.Signal()
	return nil
}

// Dequeue removes and returns the oldest chunk. It blocks while the queue
// is empty but open; once the queue is closed and drained it returns
// ok=false immediately.
func (q *Queue) Dequeue() (partition.Chunk, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.head >= len(q.items) && !q.closed {
		q.nonEmpty.Wait()
	}
	if q.head >= len(q.items) {
		return partition.Chunk{}, false
	}
	c := q.items[q.head]
	q.items[q.head] = partition.Chunk{}
	q.head++
	return c, true
}

// Close marks the queue complete. Idempotent; blocked consumers wake and
// drain whatever remains.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.nonEmpty.Broadcast()
}

// Len reports the number of chunks currently queued.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) - q.head
}
