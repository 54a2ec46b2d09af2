package dispatch

import (
	"testing"

	"github.com/whisper-darkly/sticky-dispatch/internal/event"
	"github.com/whisper-darkly/sticky-dispatch/internal/queue"
	"github.com/whisper-darkly/sticky-dispatch/internal/registry"
)

type fakeQueues struct {
	byService map[string]*queue.Queue
}

func (f *fakeQueues) QueueFor(slug string) (*queue.Queue, bool) {
	q, ok := f.byService[slug]
	return q, ok
}

func newHarness(t *testing.T, services []registry.ServiceDescriptor, subs []registry.EventSubscription) (*Dispatcher, *fakeQueues) {
	t.Helper()
	registerTestFactory(t)

	reg := registry.New()
	if err := reg.Load(services, subs); err != nil {
		t.Fatalf("load registry: %v", err)
	}

	fq := &fakeQueues{byService: make(map[string]*queue.Queue)}
	for _, s := range services {
		fq.byService[s.Slug] = queue.New(s.Slug, s.MaxQueueSize)
	}

	return New(reg, fq), fq
}

var testFactoryRegistered bool

func registerTestFactory(t *testing.T) {
	t.Helper()
	if testFactoryRegistered {
		return
	}
	registry.RegisterFactory("test-noop", func(map[string]string) (registry.Processor, error) {
		return nil, nil
	})
	testFactoryRegistered = true
}

func commentEvent(id string) event.Event {
	return event.Event{Kind: event.KindComment, Actor: event.User{ID: id}, Payload: &event.CommentPayload{Text: id}}
}

func giftEvent(phase event.StreakPhase) event.Event {
	return event.Event{Kind: event.KindGift, StreakPhase: phase, Payload: &event.GiftPayload{}}
}

// Scenario 1: FIFO within a priority.
func TestDispatch_FIFOWithinPriority(t *testing.T) {
	services := []registry.ServiceDescriptor{{Slug: "svc", ProcessorName: "test-noop", MaxQueueSize: 10, Active: true}}
	subs := []registry.EventSubscription{{ServiceSlug: "svc", Kind: event.KindComment, Enabled: true, Priority: 5, Discardable: true}}
	d, fq := newHarness(t, services, subs)

	for _, id := range []string{"c1", "c2", "c3", "c4", "c5"} {
		d.Dispatch(commentEvent(id))
	}

	q := fq.byService["svc"]
	var order []string
	for i := 0; i < 5; i++ {
		it := q.PopHighest()
		order = append(order, it.Event.Actor.ID)
	}
	want := []string{"c1", "c2", "c3", "c4", "c5"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("expected FIFO order %v, got %v", want, order)
		}
	}
}

// Scenario 2: priority beats age.
func TestDispatch_PriorityBeatsAge(t *testing.T) {
	services := []registry.ServiceDescriptor{{Slug: "svc", ProcessorName: "test-noop", MaxQueueSize: 10, Active: true}}
	subs := []registry.EventSubscription{
		{ServiceSlug: "svc", Kind: event.KindGift, Enabled: true, Priority: 9, Stackable: true},
		{ServiceSlug: "svc", Kind: event.KindComment, Enabled: true, Priority: 5},
	}
	d, fq := newHarness(t, services, subs)

	d.Dispatch(commentEvent("c1"))
	d.Dispatch(giftEvent(event.PhaseNone))
	d.Dispatch(commentEvent("c2"))

	q := fq.byService["svc"]
	first := q.PopHighest()
	if first.Event.Kind != event.KindGift {
		t.Fatalf("expected gift to process first, got %s", first.Event.Kind)
	}
	second := q.PopHighest()
	if second.Event.Actor.ID != "c1" {
		t.Fatalf("expected c1 second, got %s", second.Event.Actor.ID)
	}
}

// Scenario 3: saturation displacement.
func TestDispatch_SaturationDisplacement(t *testing.T) {
	services := []registry.ServiceDescriptor{{Slug: "svc", ProcessorName: "test-noop", MaxQueueSize: 3, Active: true}}
	subs := []registry.EventSubscription{
		{ServiceSlug: "svc", Kind: event.KindComment, Enabled: true, Priority: 3, Discardable: true},
		{ServiceSlug: "svc", Kind: event.KindGift, Enabled: true, Priority: 9, Stackable: true, Discardable: false},
	}
	d, fq := newHarness(t, services, subs)
	q := fq.byService["svc"]

	d.Dispatch(commentEvent("c1"))
	d.Dispatch(commentEvent("c2"))
	d.Dispatch(commentEvent("c3"))

	r4 := d.Dispatch(commentEvent("c4"))
	if r4[0].Outcome != OutcomeDropped {
		t.Fatalf("expected c4 dropped (equal priority, strict inequality), got %s", r4[0].Outcome)
	}
	if q.SizePending() != 3 {
		t.Fatalf("expected queue to remain at 3 after dropped admission, got %d", q.SizePending())
	}

	rg := d.Dispatch(giftEvent(event.PhaseNone))
	if rg[0].Outcome != OutcomeAdmittedDisplacement {
		t.Fatalf("expected gift admitted by displacement, got %s", rg[0].Outcome)
	}
	if q.SizePending() != 3 {
		t.Fatalf("expected queue to stay at capacity after displacement, got %d", q.SizePending())
	}

	// c1 (oldest) should have been displaced; g1, c2, c3 remain.
	var remaining []string
	for i := 0; i < 3; i++ {
		it := q.PopHighest()
		if it.Event.Kind == event.KindGift {
			remaining = append(remaining, "g1")
		} else {
			remaining = append(remaining, it.Event.Actor.ID)
		}
	}
	if remaining[0] != "g1" {
		t.Fatalf("expected gift to process first after displacement, got order %v", remaining)
	}
	for _, id := range []string{"c2", "c3"} {
		found := false
		for _, r := range remaining[1:] {
			if r == id {
				found = true
			}
		}
		if !found {
			t.Fatalf("expected %s to still be pending, got %v", id, remaining)
		}
	}
}

// Scenario 4: unstackable gating.
func TestDispatch_UnstackableGating(t *testing.T) {
	services := []registry.ServiceDescriptor{{Slug: "svc", ProcessorName: "test-noop", MaxQueueSize: 10, Active: true}}
	subs := []registry.EventSubscription{
		{ServiceSlug: "svc", Kind: event.KindGift, Enabled: true, Priority: 9, Stackable: false},
	}
	d, fq := newHarness(t, services, subs)
	q := fq.byService["svc"]

	r1 := d.Dispatch(giftEvent(event.PhaseStart))
	r2 := d.Dispatch(giftEvent(event.PhaseContinue))
	r3 := d.Dispatch(giftEvent(event.PhaseContinue))
	r4 := d.Dispatch(giftEvent(event.PhaseEnd))

	for i, r := range [][]Result{r1, r2, r3} {
		if r[0].Outcome != OutcomeSkippedStackable {
			t.Fatalf("event %d: expected skipped-stackable, got %s", i+1, r[0].Outcome)
		}
	}
	if r4[0].Outcome != OutcomeAdmitted {
		t.Fatalf("expected end event admitted, got %s", r4[0].Outcome)
	}
	if q.SizePending() != 1 {
		t.Fatalf("expected exactly one admitted item, got %d pending", q.SizePending())
	}
}

func TestDispatch_UnknownServiceDropsWithoutPanic(t *testing.T) {
	services := []registry.ServiceDescriptor{{Slug: "svc", ProcessorName: "test-noop", MaxQueueSize: 10, Active: true}}
	subs := []registry.EventSubscription{{ServiceSlug: "svc", Kind: event.KindComment, Enabled: true, Priority: 5}}
	d, fq := newHarness(t, services, subs)
	delete(fq.byService, "svc") // simulate a missing queue

	r := d.Dispatch(commentEvent("c1"))
	if r[0].Outcome != OutcomeDropped {
		t.Fatalf("expected dropped when queue is missing, got %s", r[0].Outcome)
	}
}
