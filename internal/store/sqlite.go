package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/seantiz/comfyflow/internal/model"

	_ "modernc.org/sqlite"
)

const createExecutionsTable = `
CREATE TABLE IF NOT EXISTS executions (
    id          TEXT PRIMARY KEY,
    status      TEXT NOT NULL,
    gateway     TEXT NOT NULL,
    client_id   TEXT NOT NULL,
    prompt_id   TEXT NOT NULL DEFAULT '',
    workflow    BLOB,
    result      BLOB,
    materialize INTEGER NOT NULL DEFAULT 0,
    error       TEXT NOT NULL DEFAULT '',
    error_kind  TEXT NOT NULL DEFAULT '',
    timeout_s   INTEGER,
    duration_ms INTEGER,
    created_at  DATETIME NOT NULL,
    started_at  DATETIME,
    finished_at DATETIME
)`

const createEventsTable = `
CREATE TABLE IF NOT EXISTS execution_events (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    execution_id TEXT NOT NULL REFERENCES executions(id),
    seq          INTEGER NOT NULL,
    line         TEXT NOT NULL,
    created_at   DATETIME NOT NULL
)`

const createEventsIndex = `
CREATE INDEX IF NOT EXISTS idx_execution_events_execution
    ON execution_events(execution_id, seq)`

const createArtifactsTable = `
CREATE TABLE IF NOT EXISTS artifacts (
    execution_id TEXT NOT NULL REFERENCES executions(id),
    filename     TEXT NOT NULL,
    node_id      TEXT NOT NULL,
    subfolder    TEXT NOT NULL,
    type         TEXT NOT NULL,
    size         INTEGER NOT NULL,
    data         BLOB NOT NULL,
    created_at   DATETIME NOT NULL,
    PRIMARY KEY (execution_id, filename)
)`

var migrations = []struct {
	name string
	ddl  string
}{
	{"executions table", createExecutionsTable},
	{"execution_events table", createEventsTable},
	{"execution_events index", createEventsIndex},
	{"artifacts table", createArtifactsTable},
}

// executionColumns is the column list shared by every execution SELECT.
const executionColumns = `id, status, gateway, client_id, prompt_id, workflow,
	result, materialize, error, error_kind, timeout_s, duration_ms,
	created_at, started_at, finished_at`

// ErrNotFound is returned when an execution or artifact is not found.
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

	// Every connection to :memory: is a separate database.
	if dbPath == ":memory:" || strings.Contains(dbPath, "mode=memory") {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	for _, m := range migrations {
		if _, err := db.Exec(m.ddl); err != nil {
			db.Close()
			return nil, fmt.Errorf("create %s: %w", m.name, err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping checks that the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (*model.Execution, error) {
	e := &model.Execution{}
	var workflow, result []byte
	if err := row.Scan(
		&e.ID, &e.Status, &e.Gateway, &e.ClientID, &e.PromptID, &workflow,
		&result, &e.Materialize, &e.Error, &e.ErrorKind, &e.TimeoutS, &e.DurationMS,
		&e.CreatedAt, &e.StartedAt, &e.FinishedAt,
	); err != nil {
		return nil, err
	}
	e.Workflow = workflow
	e.Result = result
	return e, nil
}

// CreateExecution inserts a new execution record.
func (s *SQLiteStore) CreateExecution(ctx context.Context, e *model.Execution) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO executions (`+executionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Status, e.Gateway, e.ClientID, e.PromptID, []byte(e.Workflow),
		nullBytes(e.Result), e.Materialize, e.Error, e.ErrorKind, e.TimeoutS, e.DurationMS,
		e.CreatedAt, e.StartedAt, e.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

// GetExecution retrieves an execution by ID.
func (s *SQLiteStore) GetExecution(ctx context.Context, id string) (*model.Execution, error) {
	e, err := scanExecution(s.db.QueryRowContext(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE id = ?`, id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get execution: %w", err)
	}
	return e, nil
}

// ListExecutions returns a paginated list of executions ordered by created_at
// DESC, along with the total count of all executions.
func (s *SQLiteStore) ListExecutions(ctx context.Context, limit, offset int) ([]*model.Execution, int, error) {
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
		`SELECT `+executionColumns+` FROM executions
		ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var executions []*model.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan execution: %w", err)
		}
		executions = append(executions, e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate executions: %w", err)
	}

	return executions, total, nil
}

// currentStatus reads the status of an execution inside tx.
func currentStatus(ctx context.Context, tx *sql.Tx, id string) (string, error) {
	var status string
	err := tx.QueryRowContext(ctx, "SELECT status FROM executions WHERE id = ?", id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("read status: %w", err)
	}
	return status, nil
}

// UpdateExecutionStatus moves an execution to status. Moving to running sets
// started_at; moving to a terminal status sets finished_at.
func (s *SQLiteStore) UpdateExecutionStatus(ctx context.Context, id, status string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	from, err := currentStatus(ctx, tx, id)
	if err != nil {
		return err
	}
	if !model.ValidTransition(from, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, status)
	}

	now := time.Now().UTC()
	switch {
	case status == model.StatusRunning:
		_, err = tx.ExecContext(ctx,
			"UPDATE executions SET status = ?, started_at = ? WHERE id = ?", status, now, id)
	case model.Terminal(status):
		_, err = tx.ExecContext(ctx,
			"UPDATE executions SET status = ?, finished_at = ? WHERE id = ?", status, now, id)
	default:
		_, err = tx.ExecContext(ctx,
			"UPDATE executions SET status = ? WHERE id = ?", status, id)
	}
	if err != nil {
		return fmt.Errorf("update execution status: %w", err)
	}

	return tx.Commit()
}

// SetPromptID records the engine job id of an execution.
func (s *SQLiteStore) SetPromptID(ctx context.Context, id, promptID string) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE executions SET prompt_id = ? WHERE id = ?", promptID, id)
	if err != nil {
		return fmt.Errorf("set prompt id: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateExecution writes the mutable fields of e. A status change must be a
// valid transition; nil timestamps leave the stored ones untouched.
func (s *SQLiteStore) UpdateExecution(ctx context.Context, e *model.Execution) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	from, err := currentStatus(ctx, tx, e.ID)
	if err != nil {
		return err
	}
	if from != e.Status && !model.ValidTransition(from, e.Status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, e.Status)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE executions SET
			status = ?,
			prompt_id = COALESCE(NULLIF(?, ''), prompt_id),
			result = ?,
			error = ?,
			error_kind = ?,
			duration_ms = ?,
			started_at = COALESCE(?, started_at),
			finished_at = COALESCE(?, finished_at)
		WHERE id = ?`,
		e.Status, e.PromptID, nullBytes(e.Result), e.Error, e.ErrorKind,
		e.DurationMS, e.StartedAt, e.FinishedAt, e.ID,
	)
	if err != nil {
		return fmt.Errorf("update execution: %w", err)
	}

	return tx.Commit()
}

// GetExecutionStats computes aggregate statistics over all executions.
func (s *SQLiteStore) GetExecutionStats(ctx context.Context) (*ExecutionStats, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	stats := &ExecutionStats{}

	var avg sql.NullFloat64
	if err := tx.QueryRowContext(ctx,
		"SELECT COUNT(*), AVG(duration_ms) FROM executions",
	).Scan(&stats.Total, &avg); err != nil {
		return nil, fmt.Errorf("count executions: %w", err)
	}
	stats.AvgDurationMS = avg.Float64

	if stats.CountByStatus, err = countBy(ctx, tx, "status"); err != nil {
		return nil, err
	}
	if stats.CountByGateway, err = countBy(ctx, tx, "gateway"); err != nil {
		return nil, err
	}
	if stats.CountByErrorKind, err = countBy(ctx, tx, "error_kind"); err != nil {
		return nil, err
	}

	if err := tx.QueryRowContext(ctx,
		"SELECT COUNT(*), COALESCE(SUM(size), 0) FROM artifacts",
	).Scan(&stats.Artifacts, &stats.ArtifactBytes); err != nil {
		return nil, fmt.Errorf("count artifacts: %w", err)
	}

	return stats, nil
}

// countBy groups executions by column, skipping empty values. column is
// always one of a fixed set of names, never user input.
func countBy(ctx context.Context, tx *sql.Tx, column string) (map[string]int, error) {
	rows, err := tx.QueryContext(ctx,
		"SELECT "+column+", COUNT(*) FROM executions WHERE "+column+" != '' GROUP BY "+column)
	if err != nil {
		return nil, fmt.Errorf("count by %s: %w", column, err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return nil, fmt.Errorf("scan %s count: %w", column, err)
		}
		counts[key] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s counts: %w", column, err)
	}
	return counts, nil
}

// InsertEvent appends a progress line to an execution.
func (s *SQLiteStore) InsertEvent(ctx context.Context, executionID string, seq int, line string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO execution_events (execution_id, seq, line, created_at) VALUES (?, ?, ?, ?)",
		executionID, seq, line, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// GetEvents returns the progress lines of an execution ordered by seq.
func (s *SQLiteStore) GetEvents(ctx context.Context, executionID string) ([]model.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, execution_id, seq, line, created_at
		FROM execution_events WHERE execution_id = ? ORDER BY seq ASC`, executionID,
	)
	if err != nil {
		return nil, fmt.Errorf("get events: %w", err)
	}
	defer rows.Close()

	events := []model.Event{}
	for rows.Next() {
		var ev model.Event
		if err := rows.Scan(&ev.ID, &ev.ExecutionID, &ev.Seq, &ev.Line, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
