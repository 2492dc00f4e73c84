package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"
)

const createExecutionsTable = `
CREATE TABLE IF NOT EXISTS executions (
    id          TEXT PRIMARY KEY,
    request_id  TEXT NOT NULL,
    name        TEXT NOT NULL,
    version     TEXT NOT NULL,
    backend     TEXT NOT NULL,
    code        INTEGER NOT NULL,
    error_kind  TEXT,
    error       TEXT,
    worker_pid  INTEGER,
    input       BLOB,
    output      BLOB,
    duration_ms INTEGER NOT NULL,
    created_at  DATETIME NOT NULL,
    started_at  DATETIME,
    finished_at DATETIME
)`

// ErrNotFound is returned when an execution record is not found.
var ErrNotFound = errors.New("execution not found")

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if _, err := db.Exec(createExecutionsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("create executions table: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// InsertExecution inserts one execution record.
func (s *SQLiteStore) InsertExecution(ctx context.Context, rec *ExecutionRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO executions (
			id, request_id, name, version, backend, code, error_kind, error,
			worker_pid, input, output, duration_ms, created_at, started_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.RequestID, rec.Name, rec.Version, rec.Backend, rec.Code,
		rec.ErrorKind, rec.Error, rec.WorkerPID, rec.Input, rec.Output,
		rec.DurationMS, rec.CreatedAt, rec.StartedAt, rec.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

// GetExecution retrieves an execution record by ID.
func (s *SQLiteStore) GetExecution(ctx context.Context, id string) (*ExecutionRecord, error) {
	rec := &ExecutionRecord{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, request_id, name, version, backend, code, error_kind, error,
			worker_pid, input, output, duration_ms, created_at, started_at, finished_at
		FROM executions WHERE id = ?`, id,
	).Scan(
		&rec.ID, &rec.RequestID, &rec.Name, &rec.Version, &rec.Backend, &rec.Code,
		&rec.ErrorKind, &rec.Error, &rec.WorkerPID, &rec.Input, &rec.Output,
		&rec.DurationMS, &rec.CreatedAt, &rec.StartedAt, &rec.FinishedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get execution: %w", err)
	}
	return rec, nil
}

// ListExecutions returns a paginated list of executions ordered newest first,
// along with the total count.
func (s *SQLiteStore) ListExecutions(ctx context.Context, limit, offset int) ([]*ExecutionRecord, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM executions").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count executions: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT id, request_id, name, version, backend, code, error_kind, error,
			worker_pid, input, output, duration_ms, created_at, started_at, finished_at
		FROM executions ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var records []*ExecutionRecord
	for rows.Next() {
		rec := &ExecutionRecord{}
		if err := rows.Scan(
			&rec.ID, &rec.RequestID, &rec.Name, &rec.Version, &rec.Backend, &rec.Code,
			&rec.ErrorKind, &rec.Error, &rec.WorkerPID, &rec.Input, &rec.Output,
			&rec.DurationMS, &rec.CreatedAt, &rec.StartedAt, &rec.FinishedAt,
		); err != nil {
			return nil, 0, fmt.Errorf("scan execution: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate executions: %w", err)
	}

	return records, total, nil
}
