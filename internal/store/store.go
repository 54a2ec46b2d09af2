// Package store defines the persistence abstraction the dispatcher needs
// beyond its in-memory queues: the configuration row, and an observability
// log of worker lifecycle events and terminal queue items. Persistence is
// not required for correctness (spec §6, "the design does not mandate
// persistence") — it exists purely so an operator can inspect history
// across restarts.
package store

import (
	"context"
	"time"
)

// WorkerEventType classifies one entry in the worker lifecycle log.
type WorkerEventType string

const (
	WorkerEventStarted WorkerEventType = "started"
	WorkerEventStopped WorkerEventType = "stopped"
	WorkerEventFailed  WorkerEventType = "failed"
)

// WorkerEvent is one lifecycle transition for a service worker.
type WorkerEvent struct {
	ID          int64
	ServiceSlug string
	EventType   WorkerEventType
	Detail      string
	TS          time.Time
}

// TerminalItem is a durable record of one queue item that reached a
// terminal state, for post-hoc inspection. Pending/processing items are not
// persisted: only their terminal outcome matters once they are done.
type TerminalItem struct {
	ID          int64
	ServiceSlug string
	Kind        string
	State       string // completed | failed (discarded items are not recorded)
	Priority    int
	EnqueuedAt  time.Time
	FinishedAt  time.Time
}

// Store is the persistence contract. Implemented by store/sqlite.
type Store interface {
	// GetConfig/SetConfig back config.ConfigStore.
	GetConfig(ctx context.Context) (map[string]any, error)
	SetConfig(ctx context.Context, data map[string]any) error

	RecordWorkerEvent(ctx context.Context, serviceSlug string, eventType WorkerEventType, detail string) error
	RecentWorkerEvents(ctx context.Context, serviceSlug string, limit int) ([]WorkerEvent, error)

	RecordTerminalItem(ctx context.Context, it TerminalItem) error
	RecentTerminalItems(ctx context.Context, serviceSlug string, limit int) ([]TerminalItem, error)

	Close() error
}
