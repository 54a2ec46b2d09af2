package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/whisper-darkly/sticky-dispatch/internal/event"
	"github.com/whisper-darkly/sticky-dispatch/internal/queue"
)

// fakeProcessor is a configurable registry.Processor for tests: it sleeps
// for delay then reports success, recording every invocation in order.
type fakeProcessor struct {
	mu       sync.Mutex
	delay    time.Duration
	success  bool
	started  int32
	stopped  int32
	seen     []string
	finishCh chan string
}

func newFakeProcessor(delay time.Duration, success bool) *fakeProcessor {
	return &fakeProcessor{delay: delay, success: success, finishCh: make(chan string, 100)}
}

func (f *fakeProcessor) OnStart() error { atomic.AddInt32(&f.started, 1); return nil }
func (f *fakeProcessor) OnStop()        { atomic.AddInt32(&f.stopped, 1) }
func (f *fakeProcessor) OnEventReceived(ev event.Event) {}

func (f *fakeProcessor) ProcessEvent(ev event.Event) (bool, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return f.success, nil
}

func (f *fakeProcessor) OnEventProcessed(ev event.Event, success bool) {
	f.mu.Lock()
	f.seen = append(f.seen, ev.Actor.ID)
	f.mu.Unlock()
	f.finishCh <- ev.Actor.ID
}

func mkQueueItem(id string, priority int, concurrent bool) *queue.Item {
	return &queue.Item{
		Event:      event.Event{Actor: event.User{ID: id}},
		Priority:   priority,
		Concurrent: concurrent,
		EnqueuedAt: time.Now(),
	}
}

func TestWorker_SequentialDoesNotWaitOnConcurrent(t *testing.T) {
	// Scenario 5: concurrent likes sleeping 200ms must not delay a
	// sequential gift sleeping 50ms.
	q := queue.New("svc", 10)

	likeProc := newFakeProcessor(200*time.Millisecond, true)
	giftProc := newFakeProcessor(50*time.Millisecond, true)

	// One worker, one processor that routes by event kind: lets a single
	// worker exercise a slow concurrent path (likes) alongside a fast
	// sequential path (gift) at once.
	w2 := New("svc", q, &kindAwareProcessor{like: likeProc, gift: giftProc}, 10*time.Millisecond, 0, 0)

	l1 := mkQueueItem("l1", 2, true)
	l2 := mkQueueItem("l2", 2, true)
	l1.Event.Kind = event.KindLike
	l2.Event.Kind = event.KindLike
	g1 := mkQueueItem("g1", 9, false)
	g1.Event.Kind = event.KindGift

	q.Enqueue(l1)
	q.Enqueue(l2)

	if err := w2.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer w2.Stop()

	// Let the worker pop both likes first, so the gift arrives while they
	// are still running detached.
	popDeadline := time.Now().Add(time.Second)
	for q.SizePending() > 0 && time.Now().Before(popDeadline) {
		time.Sleep(time.Millisecond)
	}

	start := time.Now()
	q.Enqueue(g1)
	select {
	case id := <-giftProc.finishCh:
		if id != "g1" {
			t.Fatalf("expected g1 to finish first, got %s", id)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("timed out waiting for gift to finish")
	}
	elapsed := time.Since(start)
	if elapsed > 150*time.Millisecond {
		t.Fatalf("gift took %s, expected it not to wait on concurrent likes", elapsed)
	}
}

// kindAwareProcessor routes to different fake processors by event kind so
// one worker can exercise both a sequential and a concurrent path at once.
type kindAwareProcessor struct {
	like *fakeProcessor
	gift *fakeProcessor
}

func (k *kindAwareProcessor) OnStart() error { return nil }
func (k *kindAwareProcessor) OnStop()        {}
func (k *kindAwareProcessor) OnEventReceived(ev event.Event) {}
func (k *kindAwareProcessor) ProcessEvent(ev event.Event) (bool, error) {
	if ev.Kind == event.KindLike {
		return k.like.ProcessEvent(ev)
	}
	return k.gift.ProcessEvent(ev)
}
func (k *kindAwareProcessor) OnEventProcessed(ev event.Event, success bool) {
	if ev.Kind == event.KindLike {
		k.like.OnEventProcessed(ev, success)
	} else {
		k.gift.OnEventProcessed(ev, success)
	}
}

func TestWorker_PanicInProcessorIsContained(t *testing.T) {
	q := queue.New("svc", 10)
	proc := &panickingProcessor{}
	w := New("svc", q, proc, 0, 0, 0)

	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer w.Stop()

	it := mkQueueItem("boom", 5, false)
	q.Enqueue(it)

	deadline := time.After(2 * time.Second)
	for {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for panicking item to reach a terminal state")
		default:
		}
		if it.State == queue.StateFailed {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
}

type panickingProcessor struct{}

func (panickingProcessor) OnStart() error                     { return nil }
func (panickingProcessor) OnStop()                            {}
func (panickingProcessor) OnEventReceived(ev event.Event)     {}
func (panickingProcessor) OnEventProcessed(event.Event, bool) {}
func (panickingProcessor) ProcessEvent(ev event.Event) (bool, error) {
	panic("processor exploded")
}

func TestWorker_GracefulShutdownDrainsSequentialInFlight(t *testing.T) {
	q := queue.New("svc", 10)
	proc := newFakeProcessor(50*time.Millisecond, true)
	w := New("svc", q, proc, 10*time.Millisecond, 0, 0)
	w.seqGrace = time.Second

	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	it := mkQueueItem("c1", 5, false)
	q.Enqueue(it)

	// Give the loop a moment to pop and begin processing before we signal
	// shutdown, matching scenario 6's "items in flight" setup.
	time.Sleep(20 * time.Millisecond)
	w.Stop()

	if it.State != queue.StateCompleted {
		t.Fatalf("expected sequential in-flight item to complete before shutdown returns, got %s", it.State)
	}
	if atomic.LoadInt32(&proc.stopped) != 1 {
		t.Fatal("expected on_stop to be called exactly once")
	}
}
