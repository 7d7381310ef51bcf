package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/offload/internal/model"

	_ "modernc.org/sqlite"
)

const createHandlesTable = `
CREATE TABLE IF NOT EXISTS handles (
    id            TEXT PRIMARY KEY,
    locator       TEXT NOT NULL,
    transport     TEXT NOT NULL,
    state         TEXT NOT NULL,
    calls         INTEGER NOT NULL DEFAULT 0,
    created_at    DATETIME NOT NULL,
    terminated_at DATETIME
)`

const createCallsTable = `
CREATE TABLE IF NOT EXISTS calls (
    id          TEXT PRIMARY KEY,
    handle_id   TEXT NOT NULL REFERENCES handles(id),
    outcome     TEXT NOT NULL,
    input       BLOB,
    output      BLOB,
    error       TEXT NOT NULL DEFAULT '',
    duration_ms INTEGER,
    started_at  DATETIME NOT NULL,
    finished_at DATETIME
)`

const createCallsIndex = `CREATE INDEX IF NOT EXISTS idx_calls_handle ON calls (handle_id, started_at)`

// ErrNotFound is returned when a handle or call is not found.
var ErrNotFound = errors.New("not found")

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

	// One connection: ":memory:" databases are per-connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	for _, stmt := range []string{createHandlesTable, createCallsTable, createCallsIndex} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateHandle inserts a new handle record.
func (s *SQLiteStore) CreateHandle(ctx context.Context, h *model.HandleRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO handles (id, locator, transport, state, calls, created_at, terminated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		h.ID, h.Locator, h.Transport, h.State, h.Calls, h.CreatedAt, h.TerminatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert handle: %w", err)
	}
	return nil
}

const selectHandle = `SELECT id, locator, transport, state, calls, created_at, terminated_at FROM handles`

type scanner interface {
	Scan(dest ...any) error
}

func scanHandle(row scanner) (*model.HandleRecord, error) {
	h := &model.HandleRecord{}
	if err := row.Scan(&h.ID, &h.Locator, &h.Transport, &h.State, &h.Calls, &h.CreatedAt, &h.TerminatedAt); err != nil {
		return nil, err
	}
	return h, nil
}

// GetHandle retrieves a handle by ID.
func (s *SQLiteStore) GetHandle(ctx context.Context, id string) (*model.HandleRecord, error) {
	h, err := scanHandle(s.db.QueryRowContext(ctx, selectHandle+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get handle: %w", err)
	}
	return h, nil
}

// ListHandles returns a page of handles ordered by created_at DESC, along
// with the total count of all handles.
func (s *SQLiteStore) ListHandles(ctx context.Context, limit, offset int) ([]*model.HandleRecord, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM handles").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count handles: %w", err)
	}

	rows, err := tx.QueryContext(ctx, selectHandle+` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list handles: %w", err)
	}
	defer rows.Close()

	var handles []*model.HandleRecord
	for rows.Next() {
		h, err := scanHandle(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan handle: %w", err)
		}
		handles = append(handles, h)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate handles: %w", err)
	}

	return handles, total, nil
}

// UpdateHandleState moves a handle to a new state, validating the
// transition. Moving to terminated also sets terminated_at.
func (s *SQLiteStore) UpdateHandleState(ctx context.Context, id, state string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, "SELECT state FROM handles WHERE id = ?", id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read handle state: %w", err)
	}

	if !model.ValidTransition(current, state) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, state)
	}

	if state == model.StateTerminated {
		_, err = tx.ExecContext(ctx,
			"UPDATE handles SET state = ?, terminated_at = ? WHERE id = ?",
			state, time.Now().UTC(), id,
		)
	} else {
		_, err = tx.ExecContext(ctx, "UPDATE handles SET state = ? WHERE id = ?", state, id)
	}
	if err != nil {
		return fmt.Errorf("update handle state: %w", err)
	}

	return tx.Commit()
}

// InsertCall records a started call and bumps its handle's call count.
func (s *SQLiteStore) InsertCall(ctx context.Context, c *model.CallRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, "UPDATE handles SET calls = calls + 1 WHERE id = ?", c.HandleID)
	if err != nil {
		return fmt.Errorf("count call: %w", err)
	}
	if n, err := result.RowsAffected(); err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	} else if n == 0 {
		return ErrNotFound
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO calls (id, handle_id, outcome, input, output, error, duration_ms, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.HandleID, c.Outcome, c.Input, c.Output, c.Error, c.DurationMS, c.StartedAt, c.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert call: %w", err)
	}

	return tx.Commit()
}

// FinishCall records the outcome of a pending call.
func (s *SQLiteStore) FinishCall(ctx context.Context, id, outcome string, output []byte, errMsg string, durationMS int) error {
	if !model.Terminal(outcome) {
		return fmt.Errorf("%w: call cannot finish as %s", ErrInvalidTransition, outcome)
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE calls SET outcome = ?, output = ?, error = ?, duration_ms = ?, finished_at = ?
		WHERE id = ? AND outcome = ?`,
		outcome, output, errMsg, durationMS, time.Now().UTC(), id, model.OutcomePending,
	)
	if err != nil {
		return fmt.Errorf("finish call: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rowsAffected > 0 {
		return nil
	}

	var exists int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM calls WHERE id = ?", id).Scan(&exists); err != nil {
		return fmt.Errorf("check call: %w", err)
	}
	if exists == 0 {
		return ErrNotFound
	}
	return fmt.Errorf("%w: call %s already finished", ErrInvalidTransition, id)
}

// ListCalls returns a handle's calls in the order they started.
func (s *SQLiteStore) ListCalls(ctx context.Context, handleID string) ([]*model.CallRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, handle_id, outcome, input, output, error, duration_ms, started_at, finished_at
		FROM calls WHERE handle_id = ? ORDER BY started_at ASC, id ASC`, handleID,
	)
	if err != nil {
		return nil, fmt.Errorf("list calls: %w", err)
	}
	defer rows.Close()

	calls := []*model.CallRecord{}
	for rows.Next() {
		c := &model.CallRecord{}
		if err := rows.Scan(
			&c.ID, &c.HandleID, &c.Outcome, &c.Input, &c.Output, &c.Error,
			&c.DurationMS, &c.StartedAt, &c.FinishedAt,
		); err != nil {
			return nil, fmt.Errorf("scan call: %w", err)
		}
		calls = append(calls, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate calls: %w", err)
	}
	return calls, nil
}

// GetStats aggregates handle and call counts.
func (s *SQLiteStore) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		HandlesByState:     make(map[string]int),
		HandlesByTransport: make(map[string]int),
		CallsByOutcome:     make(map[string]int),
	}

	groups := []struct {
		query string
		into  map[string]int
		total *int
	}{
		{"SELECT state, COUNT(*) FROM handles GROUP BY state", stats.HandlesByState, &stats.Handles},
		{"SELECT transport, COUNT(*) FROM handles GROUP BY transport", stats.HandlesByTransport, nil},
		{"SELECT outcome, COUNT(*) FROM calls GROUP BY outcome", stats.CallsByOutcome, &stats.Calls},
	}
	for _, g := range groups {
		if err := s.countBy(ctx, g.query, g.into, g.total); err != nil {
			return nil, err
		}
	}

	var avg sql.NullFloat64
	if err := s.db.QueryRowContext(ctx,
		"SELECT AVG(duration_ms) FROM calls WHERE duration_ms IS NOT NULL",
	).Scan(&avg); err != nil {
		return nil, fmt.Errorf("average duration: %w", err)
	}
	if avg.Valid {
		stats.AvgDurationMS = avg.Float64
	}

	return stats, nil
}

// countBy fills into from a two-column (key, count) query and adds the
// counts to total when it is non-nil.
func (s *SQLiteStore) countBy(ctx context.Context, query string, into map[string]int, total *int) error {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return fmt.Errorf("stats query: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return fmt.Errorf("scan stats: %w", err)
		}
		into[key] = n
		if total != nil {
			*total += n
		}
	}
	return rows.Err()
}
