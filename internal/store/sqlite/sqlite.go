// Package sqlite provides the SQLite-backed store.Store implementation.
// It uses modernc.org/sqlite (pure Go, no CGO) so the binary stays fully
// static, matching the sticky-dvr lineage's choice of driver.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/whisper-darkly/sticky-dispatch/internal/store"
)

// DB implements store.Store using SQLite via database/sql.
type DB struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database at path and applies the
// schema.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	// SQLite serialises writes; one connection avoids SQLITE_BUSY on writes.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	s := &DB{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// migrate applies the schema. New versions should only ADD statements here
// so that existing databases keep working without a migration tool.
func (s *DB) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS config (
			id   INTEGER PRIMARY KEY CHECK (id = 1),
			data TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS worker_events (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			service_slug TEXT    NOT NULL,
			event_type   TEXT    NOT NULL,
			detail       TEXT    NOT NULL DEFAULT '',
			ts           TEXT    NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_we_service_ts
			ON worker_events(service_slug, ts)`,

		`CREATE TABLE IF NOT EXISTS terminal_items (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			service_slug TEXT    NOT NULL,
			kind         TEXT    NOT NULL,
			state        TEXT    NOT NULL,
			priority     INTEGER NOT NULL,
			enqueued_at  TEXT    NOT NULL,
			finished_at  TEXT    NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ti_service_finished
			ON terminal_items(service_slug, finished_at)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// ---- config ----

func (s *DB) GetConfig(ctx context.Context) (map[string]any, error) {
	row := s.db.QueryRowContext(ctx, `SELECT data FROM config WHERE id = 1`)
	var raw string
	if err := row.Scan(&raw); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("unmarshal config row: %w", err)
	}
	return m, nil
}

func (s *DB) SetConfig(ctx context.Context, data map[string]any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO config (id, data) VALUES (1, ?)
		ON CONFLICT(id) DO UPDATE SET data = excluded.data
	`, string(raw))
	return err
}

// ---- worker events ----

func (s *DB) RecordWorkerEvent(ctx context.Context, serviceSlug string, eventType store.WorkerEventType, detail string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO worker_events (service_slug, event_type, detail, ts)
		VALUES (?, ?, ?, ?)
	`, serviceSlug, string(eventType), detail, time.Now().UTC().Format(time.RFC3339Nano))
	return err
}

func (s *DB) RecentWorkerEvents(ctx context.Context, serviceSlug string, limit int) ([]store.WorkerEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, service_slug, event_type, detail, ts
		  FROM worker_events
		 WHERE service_slug = ?
		 ORDER BY ts DESC, id DESC
		 LIMIT ?
	`, serviceSlug, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []store.WorkerEvent
	for rows.Next() {
		var ev store.WorkerEvent
		var ts string
		if err := rows.Scan(&ev.ID, &ev.ServiceSlug, &ev.EventType, &ev.Detail, &ts); err != nil {
			return nil, err
		}
		ev.TS, _ = time.Parse(time.RFC3339Nano, ts)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// ---- terminal items ----

func (s *DB) RecordTerminalItem(ctx context.Context, it store.TerminalItem) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO terminal_items (service_slug, kind, state, priority, enqueued_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, it.ServiceSlug, it.Kind, it.State, it.Priority,
		it.EnqueuedAt.UTC().Format(time.RFC3339Nano), it.FinishedAt.UTC().Format(time.RFC3339Nano))
	return err
}

func (s *DB) RecentTerminalItems(ctx context.Context, serviceSlug string, limit int) ([]store.TerminalItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, service_slug, kind, state, priority, enqueued_at, finished_at
		  FROM terminal_items
		 WHERE service_slug = ?
		 ORDER BY finished_at DESC, id DESC
		 LIMIT ?
	`, serviceSlug, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []store.TerminalItem
	for rows.Next() {
		var it store.TerminalItem
		var enq, fin string
		if err := rows.Scan(&it.ID, &it.ServiceSlug, &it.Kind, &it.State, &it.Priority, &enq, &fin); err != nil {
			return nil, err
		}
		it.EnqueuedAt, _ = time.Parse(time.RFC3339Nano, enq)
		it.FinishedAt, _ = time.Parse(time.RFC3339Nano, fin)
		items = append(items, it)
	}
	return items, rows.Err()
}

func (s *DB) Close() error { return s.db.Close() }
