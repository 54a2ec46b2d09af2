package queue

import (
	"testing"
	"time"
)

func mkItem(priority int, discardable bool, enqueuedAt time.Time) *Item {
	return &Item{Priority: priority, Discardable: discardable, EnqueuedAt: enqueuedAt}
}

func TestPopHighest_PriorityThenFIFO(t *testing.T) {
	q := New("svc", 10)
	base := time.Now()

	q.Enqueue(mkItem(5, true, base))
	q.Enqueue(mkItem(5, true, base.Add(1*time.Millisecond)))
	q.Enqueue(mkItem(9, true, base.Add(2*time.Millisecond)))

	first := q.PopHighest()
	if first.Priority != 9 {
		t.Fatalf("expected highest priority first, got %d", first.Priority)
	}

	second := q.PopHighest()
	third := q.PopHighest()
	if !second.EnqueuedAt.Before(third.EnqueuedAt) {
		t.Fatal("expected FIFO order within equal priority")
	}
}

func TestPopHighest_EmptyReturnsNil(t *testing.T) {
	q := New("svc", 10)
	if q.PopHighest() != nil {
		t.Fatal("expected nil from empty queue")
	}
}

func TestFindLowestDiscardableBelow_SkipsNonDiscardable(t *testing.T) {
	// Reproduces the bug flagged in spec §9: the lowest-priority pending
	// item (priority 1) is non-discardable, but a higher (still-below-
	// candidate) item at priority 3 is discardable and must be found.
	q := New("svc", 10)
	base := time.Now()

	q.Enqueue(mkItem(1, false, base))
	q.Enqueue(mkItem(3, true, base.Add(1*time.Millisecond)))
	q.Enqueue(mkItem(7, true, base.Add(2*time.Millisecond)))

	victim := q.FindLowestDiscardableBelow(9)
	if victim == nil {
		t.Fatal("expected a discardable victim below priority 9")
	}
	if victim.Priority != 3 {
		t.Fatalf("expected to skip the non-discardable priority-1 item and pick priority 3, got %d", victim.Priority)
	}
}

func TestFindLowestDiscardableBelow_StrictInequality(t *testing.T) {
	q := New("svc", 10)
	q.Enqueue(mkItem(5, true, time.Now()))

	if v := q.FindLowestDiscardableBelow(5); v != nil {
		t.Fatal("equal priority must not be treated as displaceable (strict inequality required)")
	}
}

func TestFindLowestDiscardableBelow_TieBrokenByOldest(t *testing.T) {
	q := New("svc", 10)
	base := time.Now()
	older := mkItem(2, true, base)
	newer := mkItem(2, true, base.Add(1*time.Millisecond))
	q.Enqueue(newer)
	q.Enqueue(older)

	victim := q.FindLowestDiscardableBelow(9)
	if victim != older {
		t.Fatal("expected the oldest of equal-priority discardable victims")
	}
}

func TestFindLowestDiscardableBelow_NoneFound(t *testing.T) {
	q := New("svc", 10)
	q.Enqueue(mkItem(8, false, time.Now()))

	if v := q.FindLowestDiscardableBelow(9); v != nil {
		t.Fatal("expected nil when no discardable item qualifies")
	}
}

func TestDiscard_RemovesFromPendingAndMarksState(t *testing.T) {
	q := New("svc", 10)
	it := mkItem(3, true, time.Now())
	q.Enqueue(it)

	if !q.Discard(it) {
		t.Fatal("expected discard to succeed on a pending item")
	}
	if it.State != StateDiscarded {
		t.Fatalf("expected state discarded, got %s", it.State)
	}
	if q.SizePending() != 0 {
		t.Fatal("expected queue to be empty after discard")
	}
	if q.Discard(it) {
		t.Fatal("expected second discard of the same item to fail")
	}
}

func TestSizePending_ReflectsCapacity(t *testing.T) {
	q := New("svc", 3)
	for i := 0; i < 3; i++ {
		q.Enqueue(mkItem(1, true, time.Now()))
	}
	if q.SizePending() != 3 {
		t.Fatalf("expected 3 pending, got %d", q.SizePending())
	}
}
