// Package dispatch implements the admission/displacement policy: for each
// incoming event it consults the registry for subscribed services and
// decides, per service, whether the resulting work item is admitted,
// skipped, admitted by displacing a lower-priority victim, or dropped.
package dispatch

import (
	"log"

	"github.com/whisper-darkly/sticky-dispatch/internal/event"
	"github.com/whisper-darkly/sticky-dispatch/internal/queue"
	"github.com/whisper-darkly/sticky-dispatch/internal/registry"
)

// Outcome classifies what happened to one (service, event) pairing.
type Outcome string

const (
	OutcomeAdmitted             Outcome = "admitted"
	OutcomeSkippedStackable     Outcome = "skipped-stackable"
	OutcomeAdmittedDisplacement Outcome = "admitted-by-displacement"
	OutcomeDropped              Outcome = "dropped"
)

// Result records one service's outcome for one dispatched event.
type Result struct {
	ServiceSlug string
	Outcome     Outcome
	Item        *queue.Item // nil unless Outcome is admitted or admitted-by-displacement
}

// QueueLookup resolves a service slug to the Queue instance a worker drains.
// Implemented by the supervisor's worker set; kept as an interface so the
// dispatcher has no compile-time dependency on how workers are wired up.
type QueueLookup interface {
	QueueFor(serviceSlug string) (*queue.Queue, bool)
}

// Dispatcher wires the registry to the per-service queues.
type Dispatcher struct {
	registry *registry.Registry
	queues   QueueLookup
}

// New returns a Dispatcher over the given registry and queue lookup.
func New(reg *registry.Registry, queues QueueLookup) *Dispatcher {
	return &Dispatcher{registry: reg, queues: queues}
}

// Dispatch evaluates ev against every active, enabled subscription for its
// kind and returns one Result per service. Never blocks on I/O: registry and
// queue lookups are in-memory, so a missing queue is logged and reported as
// dropped rather than retried, per spec §4.4's failure-mode note.
func (d *Dispatcher) Dispatch(ev event.Event) []Result {
	bindings := d.registry.BindingsFor(ev.Kind)
	results := make([]Result, 0, len(bindings))

	for _, b := range bindings {
		results = append(results, d.dispatchOne(ev, b))
	}
	return results
}

func (d *Dispatcher) dispatchOne(ev event.Event, b registry.Binding) Result {
	sub := b.Subscription
	slug := b.Service.Slug

	// Stackability gate: an unstackable Gift subscription only admits the
	// final word on a burst (the terminating event, or a standalone event
	// that never streaked at all — see event.IsFinal).
	if ev.Kind == event.KindGift && !sub.Stackable && !ev.IsFinal() {
		return Result{ServiceSlug: slug, Outcome: OutcomeSkippedStackable}
	}

	q, ok := d.queues.QueueFor(slug)
	if !ok {
		log.Printf("dispatch: no queue registered for service %s, dropping event", slug)
		return Result{ServiceSlug: slug, Outcome: OutcomeDropped}
	}

	candidate := &queue.Item{
		Event:       ev,
		ServiceSlug: slug,
		Priority:    sub.Priority,
		Concurrent:  sub.Concurrent,
		Discardable: sub.Discardable,
	}

	if q.SizePending() < b.Service.MaxQueueSize {
		q.Enqueue(candidate)
		return Result{ServiceSlug: slug, Outcome: OutcomeAdmitted, Item: candidate}
	}

	// Saturated path: look for a strictly-lower-priority discardable victim.
	victim := q.FindLowestDiscardableBelow(candidate.Priority)
	if victim == nil {
		// No item yields, regardless of whether the candidate itself is
		// discardable: per spec §4.4 the candidate is simply dropped.
		return Result{ServiceSlug: slug, Outcome: OutcomeDropped}
	}
	if !q.Discard(victim) {
		// The worker raced us and popped the victim first; retry the
		// saturation check once against current state rather than admit
		// over capacity.
		if q.SizePending() < b.Service.MaxQueueSize {
			q.Enqueue(candidate)
			return Result{ServiceSlug: slug, Outcome: OutcomeAdmitted, Item: candidate}
		}
		return Result{ServiceSlug: slug, Outcome: OutcomeDropped}
	}
	q.Enqueue(candidate)
	return Result{ServiceSlug: slug, Outcome: OutcomeAdmittedDisplacement, Item: candidate}
}
