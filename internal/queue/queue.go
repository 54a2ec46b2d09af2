// Package queue implements the bounded, priority-ordered pending-item queue
// owned by exactly one service: the dispatcher admits and displaces into it,
// the worker pops from it. Per spec design notes, a max-heap keyed on
// (priority, -enqueued_at) gives O(log n) pops; discardable-item lookup for
// displacement scans the discardable subset directly, which is fine at the
// capacities this system runs at (<=100 per queue) and avoids keeping a
// second heap in sync.
package queue

import (
	"container/heap"
	"sync"
	"time"

	"github.com/whisper-darkly/sticky-dispatch/internal/event"
)

// State is where a QueueItem sits in its lifecycle.
type State string

const (
	StatePending    State = "pending"
	StateProcessing State = "processing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
	StateDiscarded  State = "discarded"
)

// Item is a unit of admitted work. Priority and Concurrent are snapshotted
// from the subscription at admission time (invariant 2): later registry
// reloads never retroactively change in-flight or pending items.
type Item struct {
	Event       event.Event
	ServiceSlug string
	Priority    int
	Concurrent  bool
	Discardable bool

	State      State
	EnqueuedAt time.Time
	FinishedAt time.Time

	// index is the heap position, maintained by container/heap; -1 once
	// removed. Guarded by the owning Queue's mutex, never read elsewhere.
	index int
}

// heapSlice implements container/heap over pending items only: max on
// Priority, ties broken by oldest EnqueuedAt first (FIFO within a level).
type heapSlice []*Item

func (h heapSlice) Len() int { return len(h) }

func (h heapSlice) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].EnqueuedAt.Before(h[j].EnqueuedAt)
}

func (h heapSlice) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *heapSlice) Push(x any) {
	it := x.(*Item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *heapSlice) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

// Queue is the bounded per-service pending-item store.
type Queue struct {
	mu          sync.Mutex
	serviceSlug string
	maxSize     int
	pending     heapSlice
}

// New returns a Queue for one service with the given pending-item capacity.
func New(serviceSlug string, maxSize int) *Queue {
	q := &Queue{serviceSlug: serviceSlug, maxSize: maxSize}
	heap.Init(&q.pending)
	return q
}

// SizePending returns the current count of pending items.
func (q *Queue) SizePending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// MaxSize returns the queue's configured capacity.
func (q *Queue) MaxSize() int {
	return q.maxSize
}

// Enqueue appends a new pending item. Callers (the dispatcher) are
// responsible for checking capacity first via SizePending; Enqueue itself
// does not reject on capacity so that displacement call sites can remove a
// victim and enqueue the candidate under the same external invariant
// without Enqueue re-deriving admission policy it doesn't own.
func (q *Queue) Enqueue(it *Item) {
	it.State = StatePending
	if it.EnqueuedAt.IsZero() {
		it.EnqueuedAt = time.Now()
	}
	q.mu.Lock()
	heap.Push(&q.pending, it)
	q.mu.Unlock()
}

// PopHighest removes and returns the pending item with the greatest
// priority, ties broken by earliest EnqueuedAt. Returns nil if empty. The
// returned item's state is set to StateProcessing before it is handed back,
// so a concurrent dispatcher can never observe (and thus discard) an item
// that has already been popped — pop and discard share this lock.
func (q *Queue) PopHighest() *Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return nil
	}
	it := heap.Pop(&q.pending).(*Item)
	it.State = StateProcessing
	return it
}

// FindLowestDiscardableBelow returns the pending, discardable item with the
// smallest priority strictly less than p, ties broken by oldest first, or
// nil if none exists.
//
// This scans every discardable pending item rather than stopping at the
// single lowest-priority item overall: the source this was ported from
// ordered pending items by (priority, created_at) ascending and tested only
// the very first one for discardability, so it could fail to displace when
// that lowest item happened to be non-discardable even though a still-low-
// but-discardable item existed a bit further up. Scanning the full
// discardable subset fixes that and is cheap at these queue sizes.
func (q *Queue) FindLowestDiscardableBelow(p int) *Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	var victim *Item
	for _, it := range q.pending {
		if it.Priority >= p || !it.Discardable {
			continue
		}
		if victim == nil ||
			it.Priority < victim.Priority ||
			(it.Priority == victim.Priority && it.EnqueuedAt.Before(victim.EnqueuedAt)) {
			victim = it
		}
	}
	return victim
}

// Discard removes a specific pending item and marks it discarded. Returns
// false if the item was not found pending (e.g. a worker already popped it
// concurrently) — the caller must treat that as "displacement failed" and
// fall through to its own drop/ordering logic rather than assume success.
func (q *Queue) Discard(it *Item) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if it.index < 0 || it.index >= len(q.pending) || q.pending[it.index] != it {
		return false
	}
	heap.Remove(&q.pending, it.index)
	it.State = StateDiscarded
	it.FinishedAt = time.Now()
	return true
}

// Remove removes a specific pending item without marking a terminal state,
// for callers that manage the item's resulting state themselves.
func (q *Queue) Remove(it *Item) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if it.index < 0 || it.index >= len(q.pending) || q.pending[it.index] != it {
		return false
	}
	heap.Remove(&q.pending, it.index)
	return true
}
