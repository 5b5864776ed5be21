// Package store persists the single latest telemetry record per device in
// SQLite so the dashboard can show last-known state immediately after a
// restart. It keeps exactly one row per device; no telemetry history is
// ever written.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"devicebridge/mqtt-web-bridge/internal/model"
)

// Store wraps the SQLite database connection and schema lifecycle.
type Store struct {
	db *sql.DB
}

// Open initializes the database connection, creating directories as needed.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(ON)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(5 * time.Minute)

	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// InitSchema ensures baseline tables exist.
func (s *Store) InitSchema(ctx context.Context) error {
	const stmt = `CREATE TABLE IF NOT EXISTS device_snapshots (
		device_id TEXT PRIMARY KEY,
		received_at INTEGER NOT NULL,
		topic TEXT NOT NULL,
		raw TEXT NOT NULL
	)`

	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("create device_snapshots: %w", err)
	}
	return nil
}

// UpsertSnapshot replaces the persisted record for deviceID. The parsed
// form is not stored; it is rebuilt from the raw text on load.
func (s *Store) UpsertSnapshot(ctx context.Context, deviceID string, rec model.TelemetryRecord) error {
	const stmt = `INSERT INTO device_snapshots (device_id, received_at, topic, raw)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			received_at = excluded.received_at,
			topic = excluded.topic,
			raw = excluded.raw`

	if _, err := s.db.ExecContext(ctx, stmt, deviceID, rec.ReceivedAt, rec.Topic, rec.Raw); err != nil {
		return fmt.Errorf("upsert snapshot for %s: %w", deviceID, err)
	}
	return nil
}

// Snapshots loads every persisted record, keyed by device identifier.
func (s *Store) Snapshots(ctx context.Context) (map[string]model.TelemetryRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT device_id, received_at, topic, raw FROM device_snapshots`)
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	defer rows.Close()

	out := make(map[string]model.TelemetryRecord)
	for rows.Next() {
		var deviceID string
		var rec model.TelemetryRecord
		if err := rows.Scan(&deviceID, &rec.ReceivedAt, &rec.Topic, &rec.Raw); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		rec.Parsed = model.ParsePayload([]byte(rec.Raw))
		out[deviceID] = rec
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshots: %w", err)
	}
	return out, nil
}
