package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/flowgraph/flowcore/core/event"
)

// SQLiteDurable is a SQLite implementation of Durable.
//
// Terminal execution records are stored in a single-file database (or
// ":memory:" for tests). WAL mode keeps reads concurrent with the writer.
type SQLiteDurable struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewSQLiteDurable opens (and migrates) a SQLite-backed execution store.
func NewSQLiteDurable(path string) (*SQLiteDurable, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}

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

	s := &SQLiteDurable{db: db}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return s, nil
}

func (s *SQLiteDurable) createTables(ctx context.Context) error {
	table := `
		CREATE TABLE IF NOT EXISTS executions (
			id TEXT PRIMARY KEY,
			flow_id TEXT NOT NULL,
			flow_name TEXT NOT NULL DEFAULT '',
			owner_id TEXT NOT NULL DEFAULT '',
			parent_execution_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			started_at TEXT NULL,
			completed_at TEXT NULL,
			error_message TEXT NOT NULL DEFAULT '',
			error_node_id TEXT NOT NULL DEFAULT '',
			execution_depth INTEGER NOT NULL,
			child_ids TEXT NOT NULL DEFAULT '[]',
			external_events TEXT NULL,
			event_data TEXT NULL,
			flow_data TEXT NULL
		)
	`
	if _, err := s.db.ExecContext(ctx, table); err != nil {
		return fmt.Errorf("failed to create executions table: %w", err)
	}

	for _, index := range []string{
		"CREATE INDEX IF NOT EXISTS idx_executions_parent ON executions(parent_execution_id)",
		"CREATE INDEX IF NOT EXISTS idx_executions_flow ON executions(flow_id)",
		"CREATE INDEX IF NOT EXISTS idx_executions_status ON executions(status)",
		"CREATE INDEX IF NOT EXISTS idx_executions_owner_created ON executions(owner_id, created_at)",
	} {
		if _, err := s.db.ExecContext(ctx, index); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}

	return nil
}

// Save implements Durable as an upsert keyed by execution ID.
func (s *SQLiteDurable) Save(ctx context.Context, rec Record) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return errDurableClosed
	}
	s.mu.RUnlock()

	row, err := encodeRecord(rec)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO executions (
			id, flow_id, flow_name, owner_id, parent_execution_id, status,
			created_at, updated_at, started_at, completed_at,
			error_message, error_node_id, execution_depth,
			child_ids, external_events, event_data, flow_data
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			updated_at = excluded.updated_at,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at,
			error_message = excluded.error_message,
			error_node_id = excluded.error_node_id,
			child_ids = excluded.child_ids,
			external_events = excluded.external_events,
			event_data = excluded.event_data,
			flow_data = excluded.flow_data
	`

	_, err = s.db.ExecContext(ctx, query,
		row.id, row.flowID, row.flowName, row.ownerID, row.parentID, row.status,
		row.createdAt, row.updatedAt, row.startedAt, row.completedAt,
		row.errorMessage, row.errorNodeID, row.depth,
		row.childIDs, row.externalEvents, row.eventData, row.flowData,
	)
	if err != nil {
		return fmt.Errorf("failed to save execution %s: %w", rec.ID, err)
	}
	return nil
}

// Get implements Durable.
func (s *SQLiteDurable) Get(ctx context.Context, id string) (Record, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return Record{}, errDurableClosed
	}
	s.mu.RUnlock()

	query := selectColumns + " FROM executions WHERE id = ?"
	row := s.db.QueryRowContext(ctx, query, id)

	rec, err := scanRecord(row.Scan)
	if err == sql.ErrNoRows {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("failed to load execution %s: %w", id, err)
	}
	return rec, nil
}

// Delete implements Durable.
func (s *SQLiteDurable) Delete(ctx context.Context, id string) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return errDurableClosed
	}
	s.mu.RUnlock()

	if _, err := s.db.ExecContext(ctx, "DELETE FROM executions WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to delete execution %s: %w", id, err)
	}
	return nil
}

// List implements Durable.
func (s *SQLiteDurable) List(ctx context.Context, limit int) ([]Record, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, errDurableClosed
	}
	s.mu.RUnlock()

	query := selectColumns + " FROM executions ORDER BY created_at DESC"
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []Record
	for rows.Next() {
		rec, err := scanRecord(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution row: %w", err)
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating execution rows: %w", err)
	}
	return records, nil
}

// Close closes the database connection. Double-close is a no-op.
func (s *SQLiteDurable) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Ping verifies the database connection is alive.
func (s *SQLiteDurable) Ping(ctx context.Context) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return errDurableClosed
	}
	s.mu.RUnlock()

	return s.db.PingContext(ctx)
}

const selectColumns = `
	SELECT id, flow_id, flow_name, owner_id, parent_execution_id, status,
		created_at, updated_at, started_at, completed_at,
		error_message, error_node_id, execution_depth,
		child_ids, external_events, event_data, flow_data`

// recordRow is the flat column form shared by the SQL backends.
type recordRow struct {
	id, flowID, flowName, ownerID, parentID, status string
	createdAt, updatedAt                            string
	startedAt, completedAt                          sql.NullString
	errorMessage, errorNodeID                       string
	depth                                           int
	childIDs                                        string
	externalEvents, eventData, flowData             sql.NullString
}

func encodeRecord(rec Record) (recordRow, error) {
	row := recordRow{
		id:          rec.ID,
		flowID:      rec.FlowID,
		flowName:    rec.FlowName,
		ownerID:     rec.OwnerID,
		parentID:    rec.ParentID,
		status:      string(rec.Status),
		createdAt:   rec.CreatedAt.UTC().Format(time.RFC3339Nano),
		updatedAt:   rec.UpdatedAt.UTC().Format(time.RFC3339Nano),
		depth:       rec.Depth,
		startedAt:   encodeTime(rec.StartedAt),
		completedAt: encodeTime(rec.CompletedAt),
		childIDs:    "[]",
	}

	if rec.Error != nil {
		row.errorMessage = rec.Error.Message
		row.errorNodeID = rec.Error.NodeID
	}

	if len(rec.ChildIDs) > 0 {
		data, err := json.Marshal(rec.ChildIDs)
		if err != nil {
			return recordRow{}, fmt.Errorf("failed to marshal child IDs: %w", err)
		}
		row.childIDs = string(data)
	}

	if len(rec.ExternalEvents) > 0 {
		data, err := json.Marshal(rec.ExternalEvents)
		if err != nil {
			return recordRow{}, fmt.Errorf("failed to marshal external events: %w", err)
		}
		row.externalEvents = sql.NullString{String: string(data), Valid: true}
	}

	if rec.EventData != nil {
		data, err := json.Marshal(rec.EventData)
		if err != nil {
			return recordRow{}, fmt.Errorf("failed to marshal event data: %w", err)
		}
		row.eventData = sql.NullString{String: string(data), Valid: true}
	}

	if len(rec.FlowData) > 0 {
		row.flowData = sql.NullString{String: string(rec.FlowData), Valid: true}
	}

	return row, nil
}

func encodeTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339Nano), Valid: true}
}

// scanRecord reads one executions row through the given Scan function.
func scanRecord(scan func(dest ...any) error) (Record, error) {
	var row recordRow
	err := scan(
		&row.id, &row.flowID, &row.flowName, &row.ownerID, &row.parentID, &row.status,
		&row.createdAt, &row.updatedAt, &row.startedAt, &row.completedAt,
		&row.errorMessage, &row.errorNodeID, &row.depth,
		&row.childIDs, &row.externalEvents, &row.eventData, &row.flowData,
	)
	if err != nil {
		return Record{}, err
	}

	rec := Record{
		ID:       row.id,
		FlowID:   row.flowID,
		FlowName: row.flowName,
		OwnerID:  row.ownerID,
		ParentID: row.parentID,
		Status:   Status(row.status),
		Depth:    row.depth,
	}

	if rec.CreatedAt, err = time.Parse(time.RFC3339Nano, row.createdAt); err != nil {
		return Record{}, fmt.Errorf("failed to parse created_at: %w", err)
	}
	if rec.UpdatedAt, err = time.Parse(time.RFC3339Nano, row.updatedAt); err != nil {
		return Record{}, fmt.Errorf("failed to parse updated_at: %w", err)
	}
	if rec.StartedAt, err = decodeTime(row.startedAt); err != nil {
		return Record{}, fmt.Errorf("failed to parse started_at: %w", err)
	}
	if rec.CompletedAt, err = decodeTime(row.completedAt); err != nil {
		return Record{}, fmt.Errorf("failed to parse completed_at: %w", err)
	}

	if row.errorMessage != "" || row.errorNodeID != "" {
		rec.Error = &ExecutionError{Message: row.errorMessage, NodeID: row.errorNodeID}
	}

	if row.childIDs != "" && row.childIDs != "[]" {
		if err := json.Unmarshal([]byte(row.childIDs), &rec.ChildIDs); err != nil {
			return Record{}, fmt.Errorf("failed to unmarshal child IDs: %w", err)
		}
	}

	if row.externalEvents.Valid {
		if err := json.Unmarshal([]byte(row.externalEvents.String), &rec.ExternalEvents); err != nil {
			return Record{}, fmt.Errorf("failed to unmarshal external events: %w", err)
		}
	}

	if row.eventData.Valid {
		rec.EventData = &event.Inbound{}
		if err := json.Unmarshal([]byte(row.eventData.String), rec.EventData); err != nil {
			return Record{}, fmt.Errorf("failed to unmarshal event data: %w", err)
		}
	}

	if row.flowData.Valid {
		rec.FlowData = []byte(row.flowData.String)
	}

	return rec, nil
}

func decodeTime(v sql.NullString) (*time.Time, error) {
	if !v.Valid {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
