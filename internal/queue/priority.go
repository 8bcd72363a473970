// Package queue implements a bounded, priority-ordered task queue with
// per-item lifecycle tracking and retry bookkeeping.
package queue

import (
	"container/heap"
	"context"
	"fmt"
	"sync"

	"github.com/streamherd/vodmon/internal/metrics"
	"github.com/streamherd/vodmon/internal/pipeline"
)

// itemState tags where an item currently lives. Each item has exactly one
// state at a time; terminal items leave the map entirely.
type itemState string

const (
	stateQueued     itemState = "queued"
	stateProcessing itemState = "processing"
)

type entry struct {
	item  pipeline.WorkItem
	state itemState
}

// itemHeap orders work items by ascending priority. Ordering within one
// priority level is not guaranteed FIFO; callers needing strict order encode
// a monotonic tiebreaker into the priority itself.
type itemHeap []pipeline.WorkItem

func (h itemHeap) Len() int           { return len(h) }
func (h itemHeap) Less(i, j int) bool { return h[i].Priority < h[j].Priority }
func (h itemHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *itemHeap) Push(x any)        { *h = append(*h, x.(pipeline.WorkItem)) }
func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}

// PriorityQueue is a bounded priority queue with context-aware blocking
// enqueue (backpressure) and dequeue (empty-wait).
type PriorityQueue struct {
	mu    sync.Mutex
	heap  itemHeap
	items map[string]*entry

	// space holds one token per free slot, ready one per heap item. A slot is
	// held from admission until the item settles (completed or terminally
	// failed), so requeues and deferrals never need a fresh slot. Both
	// channels are sized to capacity so sends under the mutex never block.
	space chan struct{}
	ready chan struct{}

	completed int
	failed    int
	closed    bool
}

// New constructs a PriorityQueue with the provided capacity.
func New(capacity int) (*PriorityQueue, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("queue capacity must be > 0, got %d", capacity)
	}
	q := &PriorityQueue{
		items: make(map[string]*entry),
		space: make(chan struct{}, capacity),
		ready: make(chan struct{}, capacity),
	}
	for i := 0; i < capacity; i++ {
		q.space <- struct{}{}
	}
	return q, nil
}

// Enqueue inserts an item, blocking for a free slot when the queue is full
// or returning early if the context ends. Capacity counts unsettled items,
// including ones currently processing.
func (q *PriorityQueue) Enqueue(ctx context.Context, item pipeline.WorkItem) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case _, ok := <-q.space:
		if !ok {
			return pipeline.ErrQueueClosed
		}
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return pipeline.ErrQueueClosed
	}
	heap.Push(&q.heap, item)
	q.items[item.ID] = &entry{item: item, state: stateQueued}
	q.ready <- struct{}{}
	metrics.SetQueueDepth(q.heap.Len())
	return nil
}

// Dequeue removes and returns the minimum-priority queued item, blocking
// until one is available or the context ends.
func (q *PriorityQueue) Dequeue(ctx context.Context) (pipeline.WorkItem, error) {
	select {
	case <-ctx.Done():
		return pipeline.WorkItem{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case _, ok := <-q.ready:
		if !ok {
			return pipeline.WorkItem{}, pipeline.ErrQueueClosed
		}
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || q.heap.Len() == 0 {
		return pipeline.WorkItem{}, pipeline.ErrQueueClosed
	}
	item := heap.Pop(&q.heap).(pipeline.WorkItem)
	metrics.SetQueueDepth(q.heap.Len())
	return item, nil
}

// Defer returns a dequeued item to the queue for a later attempt without
// touching its retry count, reusing the slot the item already holds. The item
// is demoted one priority level so a deferred source cannot starve admissible
// work behind it.
func (q *PriorityQueue) Defer(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return pipeline.ErrQueueClosed
	}
	e, ok := q.items[id]
	if !ok {
		return fmt.Errorf("defer: unknown item %s", id)
	}
	e.item.Priority++
	e.state = stateQueued
	heap.Push(&q.heap, e.item)
	q.ready <- struct{}{}
	metrics.SetQueueDepth(q.heap.Len())
	return nil
}

// MarkProcessing transitions a dequeued item into the processing state.
func (q *PriorityQueue) MarkProcessing(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if e, ok := q.items[id]; ok {
		e.state = stateProcessing
	}
}

// MarkCompleted records a terminal success, drops the item, and frees its
// slot.
func (q *PriorityQueue) MarkCompleted(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.items[id]; !ok {
		return
	}
	delete(q.items, id)
	q.completed++
	q.releaseSlotLocked()
}

// MarkFailed increments the item's retry count and re-enqueues it while
// under the retry budget; past the budget it records a terminal failure and
// frees the slot. The requeue reuses the item's held slot, so MarkFailed
// never blocks even when the queue is at capacity. Terminal items always end
// with RetryCount == MaxRetries exactly.
func (q *PriorityQueue) MarkFailed(_ context.Context, id string, _ error) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return pipeline.ErrQueueClosed
	}
	e, ok := q.items[id]
	if !ok {
		return fmt.Errorf("mark failed: unknown item %s", id)
	}
	if e.item.RetryCount >= e.item.MaxRetries {
		delete(q.items, id)
		q.failed++
		q.releaseSlotLocked()
		return nil
	}
	e.item.RetryCount++
	e.state = stateQueued
	heap.Push(&q.heap, e.item)
	q.ready <- struct{}{}
	metrics.SetQueueDepth(q.heap.Len())
	return nil
}

func (q *PriorityQueue) releaseSlotLocked() {
	if q.closed {
		return
	}
	q.space <- struct{}{}
}

// Status reports point-in-time lifecycle counts plus live queue depth.
func (q *PriorityQueue) Status() pipeline.QueueStatus {
	q.mu.Lock()
	defer q.mu.Unlock()
	st := pipeline.QueueStatus{
		Completed: q.completed,
		Failed:    q.failed,
		Depth:     q.heap.Len(),
	}
	for _, e := range q.items {
		switch e.state {
		case stateQueued:
			st.Queued++
		case stateProcessing:
			st.Processing++
		}
	}
	return st
}

// Close shuts the queue down; subsequent operations fail with ErrQueueClosed.
func (q *PriorityQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.ready)
	close(q.space)
}
