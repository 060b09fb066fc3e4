package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sweepd/sweepd/internal/model"

	_ "modernc.org/sqlite"
)

const createTargetsTable = `
CREATE TABLE IF NOT EXISTS targets (
    id          TEXT PRIMARY KEY,
    url         TEXT NOT NULL UNIQUE,
    name        TEXT,
    run_count   INTEGER NOT NULL DEFAULT 0,
    last_run_at DATETIME,
    created_at  DATETIME NOT NULL
)`

const createRunsTable = `
CREATE TABLE IF NOT EXISTS runs (
    id           TEXT PRIMARY KEY,
    target_id    TEXT NOT NULL REFERENCES targets(id),
    mode         TEXT NOT NULL,
    config       TEXT,
    status       TEXT NOT NULL,
    created_at   DATETIME NOT NULL,
    started_at   DATETIME,
    completed_at DATETIME
)`

const createTasksTable = `
CREATE TABLE IF NOT EXISTS tasks (
    id         TEXT PRIMARY KEY,
    run_id     TEXT NOT NULL REFERENCES runs(id),
    params     TEXT NOT NULL,
    status     TEXT NOT NULL,
    attempts   INTEGER NOT NULL DEFAULT 0,
    created_at DATETIME NOT NULL
)`

const createResultsTable = `
CREATE TABLE IF NOT EXISTS results (
    id         TEXT PRIMARY KEY,
    task_id    TEXT NOT NULL UNIQUE REFERENCES tasks(id),
    metrics    TEXT NOT NULL,
    raw        TEXT,
    created_at DATETIME NOT NULL
)`

const createFailuresTable = `
CREATE TABLE IF NOT EXISTS failures (
    id              TEXT PRIMARY KEY,
    task_id         TEXT NOT NULL REFERENCES tasks(id),
    attempt         INTEGER NOT NULL,
    type            TEXT NOT NULL,
    message         TEXT,
    screenshot_path TEXT,
    html_path       TEXT,
    created_at      DATETIME NOT NULL
)`

const createIndexes = `
CREATE INDEX IF NOT EXISTS idx_tasks_run_status ON tasks(run_id, status);
CREATE INDEX IF NOT EXISTS idx_failures_task ON failures(task_id)`

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

	for _, stmt := range []string{
		createTargetsTable, createRunsTable, createTasksTable,
		createResultsTable, createFailuresTable, createIndexes,
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("run migration: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// GetOrCreateTarget returns the target with the given URL, creating it if
// necessary. A name supplied for an existing unnamed target is filled in.
func (s *SQLiteStore) GetOrCreateTarget(ctx context.Context, url, name string) (*model.Target, error) {
	t := &model.Target{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, url, name, run_count, last_run_at, created_at FROM targets WHERE url = ?`, url,
	).Scan(&t.ID, &t.URL, &t.Name, &t.RunCount, &t.LastRunAt, &t.CreatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		t = &model.Target{
			ID:        model.NewID(),
			URL:       url,
			Name:      name,
			CreatedAt: time.Now().UTC(),
		}
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO targets (id, url, name, run_count, created_at) VALUES (?, ?, ?, 0, ?)`,
			t.ID, t.URL, t.Name, t.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("insert target: %w", err)
		}
		return t, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get target by url: %w", err)
	}

	if name != "" && t.Name == "" {
		if _, err := s.db.ExecContext(ctx,
			`UPDATE targets SET name = ? WHERE id = ?`, name, t.ID,
		); err != nil {
			return nil, fmt.Errorf("update target name: %w", err)
		}
		t.Name = name
	}
	return t, nil
}

// GetTarget retrieves a target by ID.
func (s *SQLiteStore) GetTarget(ctx context.Context, id string) (*model.Target, error) {
	t := &model.Target{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, url, name, run_count, last_run_at, created_at FROM targets WHERE id = ?`, id,
	).Scan(&t.ID, &t.URL, &t.Name, &t.RunCount, &t.LastRunAt, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get target: %w", err)
	}
	return t, nil
}

// TouchTarget bumps the run counter and last-run timestamp for a target.
func (s *SQLiteStore) TouchTarget(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE targets SET run_count = run_count + 1, last_run_at = ? WHERE id = ?`,
		time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("touch target: %w", err)
	}
	return checkAffected(res)
}

// CreateRun inserts a new run record.
func (s *SQLiteStore) CreateRun(ctx context.Context, r *model.Run) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, target_id, mode, config, status, created_at, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.TargetID, r.Mode, string(r.Config), r.Status, r.CreatedAt, r.StartedAt, r.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*model.Run, error) {
	return scanRun(s.db.QueryRowContext(ctx,
		`SELECT id, target_id, mode, config, status, created_at, started_at, completed_at
		 FROM runs WHERE id = ?`, id,
	))
}

// ListRuns returns a paginated list of runs ordered by creation time
// descending, along with the total run count.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit, offset int) ([]*model.Run, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM runs").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count runs: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT id, target_id, mode, config, status, created_at, started_at, completed_at
		 FROM runs ORDER BY created_at DESC LIMIT ? OFFSET ?`, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []*model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, 0, err
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, total, nil
}

// UpdateRunStatus transitions a run to the given status, enforcing the run
// state machine. Moving to running sets started_at on the first transition;
// terminal statuses set completed_at.
func (s *SQLiteStore) UpdateRunStatus(ctx context.Context, id, status string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, `SELECT status FROM runs WHERE id = ?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get run status: %w", err)
	}

	if !model.ValidRunTransition(current, status) {
		return fmt.Errorf("%w: run %s %s→%s", ErrInvalidTransition, id, current, status)
	}

	now := time.Now().UTC()
	switch status {
	case model.StatusRunning:
		_, err = tx.ExecContext(ctx,
			`UPDATE runs SET status = ?, started_at = COALESCE(started_at, ?) WHERE id = ?`,
			status, now, id,
		)
	case model.StatusCompleted, model.StatusFailed:
		_, err = tx.ExecContext(ctx,
			`UPDATE runs SET status = ?, completed_at = ? WHERE id = ?`,
			status, now, id,
		)
	default:
		_, err = tx.ExecContext(ctx, `UPDATE runs SET status = ? WHERE id = ?`, status, id)
	}
	if err != nil {
		return fmt.Errorf("update run status: %w", err)
	}

	return tx.Commit()
}

// CreateTasks inserts a batch of tasks in one transaction.
func (s *SQLiteStore) CreateTasks(ctx context.Context, tasks []*model.Task) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO tasks (id, run_id, params, status, attempts, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return fmt.Errorf("prepare insert task: %w", err)
	}
	defer stmt.Close()

	for _, task := range tasks {
		params, err := json.Marshal(task.Params)
		if err != nil {
			return fmt.Errorf("marshal task params: %w", err)
		}
		if _, err := stmt.ExecContext(ctx,
			task.ID, task.RunID, string(params), task.Status, task.Attempts, task.CreatedAt,
		); err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
	}

	return tx.Commit()
}

// GetTask retrieves a task by ID.
func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*model.Task, error) {
	return scanTask(s.db.QueryRowContext(ctx,
		`SELECT id, run_id, params, status, attempts, created_at FROM tasks WHERE id = ?`, id,
	))
}

// ListTasks returns all tasks for a run in creation order.
func (s *SQLiteStore) ListTasks(ctx context.Context, runID string) ([]*model.Task, error) {
	return s.queryTasks(ctx,
		`SELECT id, run_id, params, status, attempts, created_at
		 FROM tasks WHERE run_id = ? ORDER BY created_at, id`, runID,
	)
}

// NonTerminalTasks returns the pending and running tasks for a run, in
// creation order. Tasks left in running state by a crashed executor are
// included so they get re-executed.
func (s *SQLiteStore) NonTerminalTasks(ctx context.Context, runID string) ([]*model.Task, error) {
	return s.queryTasks(ctx,
		`SELECT id, run_id, params, status, attempts, created_at
		 FROM tasks WHERE run_id = ? AND status IN (?, ?) ORDER BY created_at, id`,
		runID, model.TaskPending, model.TaskRunning,
	)
}

func (s *SQLiteStore) queryTasks(ctx context.Context, query string, args ...any) ([]*model.Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*model.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return tasks, nil
}

// UpdateTaskStatus transitions a task, optionally incrementing its attempt
// counter, and returns the updated task.
func (s *SQLiteStore) UpdateTaskStatus(ctx context.Context, id, status string, incrementAttempts bool) (*model.Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	task, err := updateTaskStatusTx(ctx, tx, id, status, incrementAttempts)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return task, nil
}

// CompleteTask marks a task completed and stores its result atomically. A
// zero CreatedAt on the result is defaulted to the current time.
func (s *SQLiteStore) CompleteTask(ctx context.Context, taskID string, res *model.Result) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := updateTaskStatusTx(ctx, tx, taskID, model.TaskCompleted, false); err != nil {
		return err
	}

	if res.CreatedAt.IsZero() {
		res.CreatedAt = time.Now().UTC()
	}
	metrics, err := json.Marshal(res.Metrics)
	if err != nil {
		return fmt.Errorf("marshal metrics: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO results (id, task_id, metrics, raw, created_at) VALUES (?, ?, ?, ?, ?)`,
		res.ID, taskID, string(metrics), nullableRaw(res.Raw), res.CreatedAt,
	); err != nil {
		return fmt.Errorf("insert result: %w", err)
	}

	return tx.Commit()
}

// FailTask marks a task permanently failed and stores the failure record
// atomically. A zero CreatedAt on the record is defaulted to the current
// time.
func (s *SQLiteStore) FailTask(ctx context.Context, taskID string, f *model.Failure) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := updateTaskStatusTx(ctx, tx, taskID, model.TaskFailed, false); err != nil {
		return err
	}

	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO failures (id, task_id, attempt, type, message, screenshot_path, html_path, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, taskID, f.Attempt, f.Type, f.Message, f.ScreenshotPath, f.HTMLPath, f.CreatedAt,
	); err != nil {
		return fmt.Errorf("insert failure: %w", err)
	}

	return tx.Commit()
}

// GetResultByTask retrieves the result for a task.
func (s *SQLiteStore) GetResultByTask(ctx context.Context, taskID string) (*model.Result, error) {
	return scanResult(s.db.QueryRowContext(ctx,
		`SELECT id, task_id, metrics, raw, created_at FROM results WHERE task_id = ?`, taskID,
	))
}

// ResultsForRun returns every completed task of a run paired with its result,
// in task creation order.
func (s *SQLiteStore) ResultsForRun(ctx context.Context, runID string) ([]*RunResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT t.id, t.run_id, t.params, t.status, t.attempts, t.created_at,
		        r.id, r.task_id, r.metrics, r.raw, r.created_at
		 FROM tasks t
		 JOIN results r ON r.task_id = t.id
		 WHERE t.run_id = ?
		 ORDER BY t.created_at, t.id`, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("query run results: %w", err)
	}
	defer rows.Close()

	var out []*RunResult
	for rows.Next() {
		task := &model.Task{}
		res := &model.Result{}
		var params, metrics string
		var raw sql.NullString
		if err := rows.Scan(
			&task.ID, &task.RunID, &params, &task.Status, &task.Attempts, &task.CreatedAt,
			&res.ID, &res.TaskID, &metrics, &raw, &res.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan run result: %w", err)
		}
		if err := json.Unmarshal([]byte(params), &task.Params); err != nil {
			return nil, fmt.Errorf("unmarshal task params: %w", err)
		}
		if err := json.Unmarshal([]byte(metrics), &res.Metrics); err != nil {
			return nil, fmt.Errorf("unmarshal result metrics: %w", err)
		}
		if raw.Valid {
			res.Raw = json.RawMessage(raw.String)
		}
		out = append(out, &RunResult{Task: task, Result: res})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate run results: %w", err)
	}
	return out, nil
}

// ListFailures returns the failure records for a task, oldest first.
func (s *SQLiteStore) ListFailures(ctx context.Context, taskID string) ([]*model.Failure, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task_id, attempt, type, message, screenshot_path, html_path, created_at
		 FROM failures WHERE task_id = ? ORDER BY created_at, id`, taskID,
	)
	if err != nil {
		return nil, fmt.Errorf("query failures: %w", err)
	}
	defer rows.Close()

	var failures []*model.Failure
	for rows.Next() {
		f := &model.Failure{}
		if err := rows.Scan(
			&f.ID, &f.TaskID, &f.Attempt, &f.Type, &f.Message,
			&f.ScreenshotPath, &f.HTMLPath, &f.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan failure: %w", err)
		}
		failures = append(failures, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate failures: %w", err)
	}
	return failures, nil
}

// FindCachedResult looks up the most recent result for the (target,
// parameter, value) cache key across all runs. Only completed tasks whose
// parameter mapping is exactly the one pair participate.
func (s *SQLiteStore) FindCachedResult(ctx context.Context, targetID, param, value string) (*model.Result, error) {
	return scanResult(s.db.QueryRowContext(ctx,
		`SELECT res.id, res.task_id, res.metrics, res.raw, res.created_at
		 FROM results res
		 JOIN tasks t ON t.id = res.task_id
		 JOIN runs r ON r.id = t.run_id
		 WHERE r.target_id = ?
		   AND t.status = ?
		   AND (SELECT COUNT(*) FROM json_each(t.params)) = 1
		   AND json_extract(t.params, '$."' || ? || '"') = ?
		 ORDER BY res.created_at DESC, res.id DESC
		 LIMIT 1`,
		targetID, model.TaskCompleted, param, value,
	))
}

// GetStats returns aggregate counts across runs, tasks, and results.
func (s *SQLiteStore) GetStats(ctx context.Context) (*Stats, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	stats := &Stats{
		RunsByStatus:  make(map[string]int),
		TasksByStatus: make(map[string]int),
	}

	if err := countByStatus(ctx, tx, "runs", stats.RunsByStatus, &stats.TotalRuns); err != nil {
		return nil, err
	}
	if err := countByStatus(ctx, tx, "tasks", stats.TasksByStatus, &stats.TotalTasks); err != nil {
		return nil, err
	}
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM results").Scan(&stats.TotalResults); err != nil {
		return nil, fmt.Errorf("count results: %w", err)
	}

	return stats, nil
}

func countByStatus(ctx context.Context, tx *sql.Tx, table string, byStatus map[string]int, total *int) error {
	rows, err := tx.QueryContext(ctx, "SELECT status, COUNT(*) FROM "+table+" GROUP BY status")
	if err != nil {
		return fmt.Errorf("count %s: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return fmt.Errorf("scan %s count: %w", table, err)
		}
		byStatus[status] = n
		*total += n
	}
	return rows.Err()
}

// updateTaskStatusTx performs a validated task status update inside an open
// transaction.
func updateTaskStatusTx(ctx context.Context, tx *sql.Tx, id, status string, incrementAttempts bool) (*model.Task, error) {
	task, err := scanTask(tx.QueryRowContext(ctx,
		`SELECT id, run_id, params, status, attempts, created_at FROM tasks WHERE id = ?`, id,
	))
	if err != nil {
		return nil, err
	}

	if !model.ValidTaskTransition(task.Status, status) {
		return nil, fmt.Errorf("%w: task %s %s→%s", ErrInvalidTransition, id, task.Status, status)
	}

	attempts := task.Attempts
	if incrementAttempts {
		attempts++
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE tasks SET status = ?, attempts = ? WHERE id = ?`, status, attempts, id,
	); err != nil {
		return nil, fmt.Errorf("update task status: %w", err)
	}

	task.Status = status
	task.Attempts = attempts
	return task, nil
}

// rowScanner abstracts *sql.Row and *sql.Rows for the scan helpers.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*model.Run, error) {
	r := &model.Run{}
	var config sql.NullString
	err := row.Scan(&r.ID, &r.TargetID, &r.Mode, &config, &r.Status, &r.CreatedAt, &r.StartedAt, &r.CompletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan run: %w", err)
	}
	if config.Valid && config.String != "" {
		r.Config = json.RawMessage(config.String)
	}
	return r, nil
}

func scanTask(row rowScanner) (*model.Task, error) {
	task := &model.Task{}
	var params string
	err := row.Scan(&task.ID, &task.RunID, &params, &task.Status, &task.Attempts, &task.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}
	if err := json.Unmarshal([]byte(params), &task.Params); err != nil {
		return nil, fmt.Errorf("unmarshal task params: %w", err)
	}
	return task, nil
}

func scanResult(row rowScanner) (*model.Result, error) {
	res := &model.Result{}
	var metrics string
	var raw sql.NullString
	err := row.Scan(&res.ID, &res.TaskID, &metrics, &raw, &res.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan result: %w", err)
	}
	if err := json.Unmarshal([]byte(metrics), &res.Metrics); err != nil {
		return nil, fmt.Errorf("unmarshal result metrics: %w", err)
	}
	if raw.Valid {
		res.Raw = json.RawMessage(raw.String)
	}
	return res, nil
}

func nullableRaw(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func checkAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
