package event

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

var errSinkClosed = errors.New("event sink is closed")

// SQLiteSink is a SQLite-backed Sink.
//
// Events are stored one row per (execution_id, event_index) with the payload
// encoded by the typed codec, so dates, big integers, byte strings, and sets
// survive the round trip. Inserts use ON CONFLICT DO NOTHING, making batch
// retries idempotent.
//
// Designed for single-process deployments; the database uses WAL mode so
// readers are not blocked by the flush writer.
type SQLiteSink struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewSQLiteSink opens (and migrates) a SQLite-backed event sink.
//
// Use ":memory:" for an in-memory database in tests.
func NewSQLiteSink(path string) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}

	// SQLite supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	s := &SQLiteSink{db: db}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return s, nil
}

func (s *SQLiteSink) createTables(ctx context.Context) error {
	table := `
		CREATE TABLE IF NOT EXISTS execution_events (
			execution_id TEXT NOT NULL,
			event_index INTEGER NOT NULL,
			event_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			timestamp TEXT NOT NULL,
			data TEXT NOT NULL,
			PRIMARY KEY (execution_id, event_index)
		)
	`
	if _, err := s.db.ExecContext(ctx, table); err != nil {
		return fmt.Errorf("failed to create execution_events table: %w", err)
	}

	for _, index := range []string{
		"CREATE INDEX IF NOT EXISTS idx_events_exec_ts ON execution_events(execution_id, timestamp)",
		"CREATE INDEX IF NOT EXISTS idx_events_exec_type ON execution_events(execution_id, event_type)",
	} {
		if _, err := s.db.ExecContext(ctx, index); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}

	return nil
}

// WriteEvents implements Sink. The whole batch is written in one transaction;
// rows whose (execution_id, event_index) already exist are skipped.
func (s *SQLiteSink) WriteEvents(ctx context.Context, executionID string, events []Event) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return errSinkClosed
	}
	s.mu.RUnlock()

	if len(events) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	query := `
		INSERT INTO execution_events (execution_id, event_index, event_id, event_type, timestamp, data)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(execution_id, event_index) DO NOTHING
	`

	for _, ev := range events {
		var data []byte
		data, err = MarshalData(ev.Data)
		if err != nil {
			return fmt.Errorf("failed to encode event %d data: %w", ev.Index, err)
		}

		_, err = tx.ExecContext(ctx, query,
			executionID,
			ev.Index,
			ev.ID,
			string(ev.Type),
			ev.Timestamp.UTC().Format(time.RFC3339Nano),
			string(data),
		)
		if err != nil {
			return fmt.Errorf("failed to insert event %d: %w", ev.Index, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit event batch: %w", err)
	}
	return nil
}

// Events implements Sink.
func (s *SQLiteSink) Events(ctx context.Context, executionID string, fromIndex int64, limit int) ([]Event, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, errSinkClosed
	}
	s.mu.RUnlock()

	query := `
		SELECT event_index, event_id, event_type, timestamp, data
		FROM execution_events
		WHERE execution_id = ? AND event_index >= ?
		ORDER BY event_index ASC
	`
	args := []any{executionID, fromIndex}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []Event
	for rows.Next() {
		var (
			ev           Event
			eventType    string
			timestampStr string
			dataJSON     string
		)
		if err := rows.Scan(&ev.Index, &ev.ID, &eventType, &timestampStr, &dataJSON); err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}

		ev.Type = Type(eventType)
		ev.Timestamp, err = time.Parse(time.RFC3339Nano, timestampStr)
		if err != nil {
			return nil, fmt.Errorf("failed to parse event timestamp: %w", err)
		}
		ev.Data, err = UnmarshalData([]byte(dataJSON))
		if err != nil {
			return nil, fmt.Errorf("failed to decode event %d data: %w", ev.Index, err)
		}

		events = append(events, ev)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating event rows: %w", err)
	}
	return events, nil
}

// DeleteEvents implements Sink.
func (s *SQLiteSink) DeleteEvents(ctx context.Context, executionID string) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return errSinkClosed
	}
	s.mu.RUnlock()

	if _, err := s.db.ExecContext(ctx, "DELETE FROM execution_events WHERE execution_id = ?", executionID); err != nil {
		return fmt.Errorf("failed to delete events: %w", err)
	}
	return nil
}

// Close closes the database connection. Double-close is a no-op.
func (s *SQLiteSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
