// Package statelog implements the persistent connectivity log (spec
// component C13): an append-only, per-device-bounded sqlite journal of
// connection-state transitions only. It never persists operation payloads
// or command history, keeping the "no persistent device-command journal"
// non-goal intact.
package statelog

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// Entry is one connectivity transition row.
type Entry struct {
	DeviceID   string
	Phase      string
	Reason     string
	OccurredAt time.Time
}

// Log is the sqlite-backed connectivity journal.
type Log struct {
	db           *sql.DB
	perDeviceCap int
}

// Config configures a Log.
type Config struct {
	// Path is the sqlite database file path. ":memory:" is valid for tests.
	Path string
	// PerDeviceCap bounds the number of retained rows per device; the
	// oldest rows beyond the cap are pruned after each Append. Default 500.
	PerDeviceCap int
}

// Open opens (creating if necessary) the sqlite database at cfg.Path, sets
// WAL journal mode, and applies the embedded schema — following the
// teacher's own open-then-pragma-then-schema-exec sequence.
func Open(cfg Config) (*Log, error) {
	if cfg.PerDeviceCap <= 0 {
		cfg.PerDeviceCap = 500
	}
	// Caller is expected to have created appRoot before calling Open, matching
	// boxer.go's division of responsibility (NewBoxer MkdirAlls appRoot
	// before opening sand.db).
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("statelog: open %s: %w", cfg.Path, err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("statelog: enable WAL mode: %w", err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("statelog: apply schema: %w", err)
	}

	return &Log{db: db, perDeviceCap: cfg.PerDeviceCap}, nil
}

// Close closes the underlying database.
func (l *Log) Close() error { return l.db.Close() }

// Append records one connectivity transition, then prunes any rows for
// that device beyond the configured per-device cap (oldest first).
func (l *Log) Append(ctx context.Context, e Entry) error {
	if e.OccurredAt.IsZero() {
		return fmt.Errorf("statelog: Entry.OccurredAt must be set")
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO connectivity_events (device_id, phase, reason, occurred_at) VALUES (?, ?, ?, ?)`,
		e.DeviceID, e.Phase, e.Reason, e.OccurredAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("statelog: append: %w", err)
	}
	return l.prune(ctx, e.DeviceID)
}

// prune deletes rows for deviceID beyond the per-device cap, oldest first.
func (l *Log) prune(ctx context.Context, deviceID string) error {
	_, err := l.db.ExecContext(ctx, `
		DELETE FROM connectivity_events
		WHERE device_id = ? AND id NOT IN (
			SELECT id FROM connectivity_events
			WHERE device_id = ?
			ORDER BY id DESC
			LIMIT ?
		)`, deviceID, deviceID, l.perDeviceCap)
	if err != nil {
		return fmt.Errorf("statelog: prune %s: %w", deviceID, err)
	}
	return nil
}

// Recent returns up to limit most-recent entries for deviceID, oldest
// first.
func (l *Log) Recent(ctx context.Context, deviceID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = l.perDeviceCap
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT device_id, phase, reason, occurred_at FROM (
			SELECT device_id, phase, reason, occurred_at, id FROM connectivity_events
			WHERE device_id = ?
			ORDER BY id DESC
			LIMIT ?
		) ORDER BY id ASC`, deviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("statelog: recent %s: %w", deviceID, err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var occurredAt string
		if err := rows.Scan(&e.DeviceID, &e.Phase, &e.Reason, &occurredAt); err != nil {
			return nil, fmt.Errorf("statelog: scan: %w", err)
		}
		e.OccurredAt, err = time.Parse(time.RFC3339Nano, occurredAt)
		if err != nil {
			return nil, fmt.Errorf("statelog: parse occurred_at: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Prune manually enforces the per-device cap for deviceID. Append already
// calls this after every insert; exposed for callers that want to bound
// historical imports.
func (l *Log) Prune(ctx context.Context, deviceID string) error {
	return l.prune(ctx, deviceID)
}
