// Package event defines the in-memory representation of a platform
// interaction event and its streak metadata.
package event

import "time"

// Kind discriminates among the interaction event types a live platform emits.
type Kind string

const (
	KindComment   Kind = "comment"
	KindGift      Kind = "gift"
	KindLike      Kind = "like"
	KindShare     Kind = "share"
	KindFollow    Kind = "follow"
	KindJoin      Kind = "join"
	KindSubscribe Kind = "subscribe"
)

// StreakPhase classifies where an event sits in a repeat-count burst.
type StreakPhase string

const (
	PhaseNone     StreakPhase = ""
	PhaseStart    StreakPhase = "start"
	PhaseContinue StreakPhase = "continue"
	PhaseEnd      StreakPhase = "end"
)

// User identifies the acting platform account.
type User struct {
	ID          string
	Handle      string
	DisplayName string
}

// GiftPayload is the kind-specific payload for a Gift event.
type GiftPayload struct {
	GiftID       string
	GiftName     string
	DiamondValue int
	RepeatCount  int
}

// CommentPayload is the kind-specific payload for a Comment event.
type CommentPayload struct {
	Text string
}

// LikePayload is the kind-specific payload for a Like event.
type LikePayload struct {
	Count int
}

// Event is an immutable record of a single platform interaction. Constructed
// once by the ingest adapter (optionally enriched in place by the streak
// tracker before it reaches the dispatcher) and never mutated afterward.
type Event struct {
	Kind      Kind
	Timestamp time.Time
	RoomID    string
	Actor     User

	// Payload holds the kind-specific data: *GiftPayload, *CommentPayload,
	// *LikePayload, or nil for kinds with no extra payload (Follow, Join,
	// Share, Subscribe).
	Payload any

	// Streaking is true when the originating platform event carries repeat
	// semantics (a gift/like burst). RepeatCount is the increment the ingest
	// adapter observed for this particular wire message, consumed by the
	// streak tracker to update the burst's running total.
	Streaking   bool
	RepeatCount int

	// Streak fields are populated by the streak tracker (internal/streak)
	// before the event reaches the dispatcher; zero-valued for non-streaking
	// events.
	StreakID    string
	StreakPhase StreakPhase
}

// IsStreaking reports whether this event carries streak metadata at all.
func (e Event) IsStreaking() bool {
	return e.StreakPhase != PhaseNone
}

// Gift returns the event's gift payload, or nil if this is not a Gift event.
func (e Event) Gift() *GiftPayload {
	g, _ := e.Payload.(*GiftPayload)
	return g
}

// IsFinal reports whether this event represents the last (or only) word on
// its burst: either it carries no streak metadata at all (a standalone,
// never-streaking event) or it closes one out (PhaseEnd). Mid-burst phases
// (start/continue) are not final. Used by the dispatcher's stackability
// gate: an unstackable Gift subscription only admits final events.
func (e Event) IsFinal() bool {
	return e.StreakPhase == PhaseNone || e.StreakPhase == PhaseEnd
}
