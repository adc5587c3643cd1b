package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLDurable is a MySQL implementation of Durable for multi-process
// deployments where several service instances share one execution history.
type MySQLDurable struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// MySQLConfig holds connection parameters for MySQL.
type MySQLConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string

	// MaxOpenConns limits the pool size (default 25).
	MaxOpenConns int
	// MaxIdleConns limits idle connections (default 5).
	MaxIdleConns int
	// ConnMaxLifetime bounds connection reuse (default 5 minutes).
	ConnMaxLifetime time.Duration
}

// DSN formats the config as a go-sql-driver DSN.
func (c MySQLConfig) DSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=false&charset=utf8mb4",
		c.User, c.Password, c.Host, c.Port, c.Database)
}

// NewMySQLDurable opens (and migrates) a MySQL-backed execution store.
func NewMySQLDurable(cfg MySQLConfig) (*MySQLDurable, error) {
	db, err := sql.Open("mysql", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime <= 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	s := &MySQLDurable{db: db}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return s, nil
}

func (s *MySQLDurable) createTables(ctx context.Context) error {
	table := `
		CREATE TABLE IF NOT EXISTS executions (
			id VARCHAR(32) PRIMARY KEY,
			flow_id VARCHAR(255) NOT NULL,
			flow_name VARCHAR(255) NOT NULL DEFAULT '',
			owner_id VARCHAR(255) NOT NULL DEFAULT '',
			parent_execution_id VARCHAR(32) NOT NULL DEFAULT '',
			status VARCHAR(16) NOT NULL,
			created_at VARCHAR(40) NOT NULL,
			updated_at VARCHAR(40) NOT NULL,
			started_at VARCHAR(40) NULL,
			completed_at VARCHAR(40) NULL,
			error_message TEXT NOT NULL,
			error_node_id VARCHAR(255) NOT NULL DEFAULT '',
			execution_depth INT NOT NULL,
			child_ids JSON NOT NULL,
			external_events JSON NULL,
			event_data JSON NULL,
			flow_data MEDIUMTEXT NULL,
			INDEX idx_executions_parent (parent_execution_id),
			INDEX idx_executions_flow (flow_id),
			INDEX idx_executions_status (status),
			INDEX idx_executions_owner_created (owner_id, created_at)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci
	`
	if _, err := s.db.ExecContext(ctx, table); err != nil {
		return fmt.Errorf("failed to create executions table: %w", err)
	}
	return nil
}

// Save implements Durable as an upsert keyed by execution ID.
func (s *MySQLDurable) Save(ctx context.Context, rec Record) error {
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
		ON DUPLICATE KEY UPDATE
			status = VALUES(status),
			updated_at = VALUES(updated_at),
			started_at = VALUES(started_at),
			completed_at = VALUES(completed_at),
			error_message = VALUES(error_message),
			error_node_id = VALUES(error_node_id),
			child_ids = VALUES(child_ids),
			external_events = VALUES(external_events),
			event_data = VALUES(event_data),
			flow_data = VALUES(flow_data)
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
func (s *MySQLDurable) Get(ctx context.Context, id string) (Record, error) {
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
func (s *MySQLDurable) Delete(ctx context.Context, id string) error {
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
func (s *MySQLDurable) List(ctx context.Context, limit int) ([]Record, error) {
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

// Close closes the database connection pool. Double-close is a no-op.
func (s *MySQLDurable) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Ping verifies the database connection is alive.
func (s *MySQLDurable) Ping(ctx context.Context) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return errDurableClosed
	}
	s.mu.RUnlock()

	return s.db.PingContext(ctx)
}
