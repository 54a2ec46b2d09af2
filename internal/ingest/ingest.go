// Package ingest defines the inbound adapter contract (spec §6) and a
// WebSocket-backed implementation that reconnects with backoff, modeled on
// the sticky-dvr lineage's overseer client.
package ingest

import (
	"context"
	"time"

	"github.com/whisper-darkly/sticky-dispatch/internal/event"
)

// RawEvent is what an ingest adapter hands upstream, before the streak
// tracker enriches it into an event.Event. IsStreak/RepeatCount are the two
// booleans-and-counter spec §6 calls out as the streak tracker's inputs.
type RawEvent struct {
	Kind      event.Kind
	RoomID    string
	Actor     event.User
	Timestamp time.Time
	Payload   any

	IsStreak    bool
	RepeatCount int
}

// ToEvent converts a RawEvent into an event.Event with streak fields still
// unset; the streak tracker populates those next, per design note "keep it
// in the ingest path" (spec §9).
func (r RawEvent) ToEvent() event.Event {
	ts := r.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return event.Event{
		Kind:        r.Kind,
		Timestamp:   ts,
		RoomID:      r.RoomID,
		Actor:       r.Actor,
		Payload:     r.Payload,
		Streaking:   r.IsStreak,
		RepeatCount: r.RepeatCount,
	}
}

// Adapter produces a sequence of raw events for one session and hands each
// to handle, in arrival order. Run blocks until ctx is cancelled or the
// adapter hits an unrecoverable error; callers are expected to serialize
// calls into the dispatcher themselves, or rely on the dispatcher's own
// internal thread-safety (spec §6).
type Adapter interface {
	Run(ctx context.Context, handle func(RawEvent)) error
}
