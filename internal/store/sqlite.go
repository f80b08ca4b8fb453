package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/taskd/internal/model"

	_ "modernc.org/sqlite"
)

const createResultsTable = `
CREATE TABLE IF NOT EXISTS results (
    id                    TEXT PRIMARY KEY,
    status                TEXT NOT NULL,
    progress              REAL NOT NULL,
    message               TEXT,
    result                TEXT,
    created_at            TEXT,
    queued_at             TEXT,
    execution_started_at  TEXT,
    execution_finished_at TEXT,
    stored_at             INTEGER NOT NULL
)`

const createStoredAtIndex = `CREATE INDEX IF NOT EXISTS idx_results_stored_at ON results (stored_at)`

const selectResult = `SELECT id, status, progress, message, result,
	created_at, queued_at, execution_started_at, execution_finished_at
FROM results WHERE id = ?`

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite. Results are kept as JSON text and
// come back as json.RawMessage.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// A single connection keeps ":memory:" databases coherent and serializes
	// writers the way SQLite would anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if _, err := db.Exec(createResultsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("create results table: %w", err)
	}

	if _, err := db.Exec(createStoredAtIndex); err != nil {
		db.Close()
		return nil, fmt.Errorf("create stored_at index: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Put inserts or replaces a retained snapshot.
func (s *SQLiteStore) Put(ctx context.Context, snap model.Snapshot) error {
	var result sql.NullString
	if snap.Result != nil {
		data, err := json.Marshal(snap.Result)
		if err != nil {
			return fmt.Errorf("encode result: %w", err)
		}
		result = sql.NullString{String: string(data), Valid: true}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO results (
			id, status, progress, message, result,
			created_at, queued_at, execution_started_at, execution_finished_at, stored_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.ID, snap.Status, snap.Progress, snap.Message, result,
		snap.CreatedAt, snap.QueuedAt, snap.ExecutionStartedAt, snap.ExecutionFinishedAt,
		time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert result: %w", err)
	}
	return nil
}

// Take retrieves a snapshot by id and deletes it unless retain is set.
func (s *SQLiteStore) Take(ctx context.Context, id string, retain bool) (model.Snapshot, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Snapshot{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	snap, err := scanSnapshot(tx.QueryRowContext(ctx, selectResult, id))
	if err != nil {
		return model.Snapshot{}, err
	}

	if !retain {
		if _, err := tx.ExecContext(ctx, "DELETE FROM results WHERE id = ?", id); err != nil {
			return model.Snapshot{}, fmt.Errorf("delete result: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return model.Snapshot{}, fmt.Errorf("commit: %w", err)
	}
	return snap, nil
}

// Evict removes snapshots stored before cutoff and returns their ids.
func (s *SQLiteStore) Evict(ctx context.Context, cutoff time.Time) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, "SELECT id FROM results WHERE stored_at < ?", cutoff.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("select expired results: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan result id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate expired results: %w", err)
	}
	rows.Close()

	if len(ids) == 0 {
		return nil, nil
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM results WHERE stored_at < ?", cutoff.UnixNano()); err != nil {
		return nil, fmt.Errorf("delete expired results: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return ids, nil
}

// Stats returns the number of retained snapshots grouped by status.
func (s *SQLiteStore) Stats(ctx context.Context) (*Stats, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM results GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()

	stats := &Stats{CountByStatus: make(map[string]int)}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		stats.CountByStatus[status] = count
		stats.Total += count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate status counts: %w", err)
	}

	return stats, nil
}

func scanSnapshot(row *sql.Row) (model.Snapshot, error) {
	var snap model.Snapshot
	var message, result sql.NullString
	var createdAt, queuedAt, startedAt, finishedAt sql.NullString

	err := row.Scan(
		&snap.ID, &snap.Status, &snap.Progress, &message, &result,
		&createdAt, &queuedAt, &startedAt, &finishedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Snapshot{}, ErrNotFound
	}
	if err != nil {
		return model.Snapshot{}, fmt.Errorf("get result: %w", err)
	}

	snap.Message = nullableString(message)
	if result.Valid {
		snap.Result = json.RawMessage(result.String)
	}
	snap.CreatedAt = nullableString(createdAt)
	snap.QueuedAt = nullableString(queuedAt)
	snap.ExecutionStartedAt = nullableString(startedAt)
	snap.ExecutionFinishedAt = nullableString(finishedAt)
	snap.EndpointProtocol = model.EndpointProtocol

	return snap, nil
}

func nullableString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}
