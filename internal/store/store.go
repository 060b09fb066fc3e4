package store

import (
	"context"
	"errors"

	"github.com/sweepd/sweepd/internal/model"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrInvalidTransition is returned when a status transition is not allowed.
var ErrInvalidTransition = errors.New("invalid status transition")

// Stats holds aggregate execution statistics across all runs.
type Stats struct {
	TotalRuns     int            `json:"total_runs"`
	RunsByStatus  map[string]int `json:"runs_by_status"`
	TotalTasks    int            `json:"total_tasks"`
	TasksByStatus map[string]int `json:"tasks_by_status"`
	TotalResults  int            `json:"total_results"`
}

// RunResult pairs a completed task with its result, for ranking and export.
type RunResult struct {
	Task   *model.Task   `json:"task"`
	Result *model.Result `json:"result"`
}

// Store defines the persistence operations for targets, runs, tasks,
// results, and failure records.
type Store interface {
	GetOrCreateTarget(ctx context.Context, url, name string) (*model.Target, error)
	GetTarget(ctx context.Context, id string) (*model.Target, error)
	TouchTarget(ctx context.Context, id string) error

	CreateRun(ctx context.Context, r *model.Run) error
	GetRun(ctx context.Context, id string) (*model.Run, error)
	ListRuns(ctx context.Context, limit, offset int) ([]*model.Run, int, error)
	UpdateRunStatus(ctx context.Context, id, status string) error

	CreateTasks(ctx context.Context, tasks []*model.Task) error
	GetTask(ctx context.Context, id string) (*model.Task, error)
	ListTasks(ctx context.Context, runID string) ([]*model.Task, error)
	NonTerminalTasks(ctx context.Context, runID string) ([]*model.Task, error)
	UpdateTaskStatus(ctx context.Context, id, status string, incrementAttempts bool) (*model.Task, error)

	// CompleteTask and FailTask write the terminal task status and the
	// accompanying record in a single transaction.
	CompleteTask(ctx context.Context, taskID string, res *model.Result) error
	FailTask(ctx context.Context, taskID string, f *model.Failure) error

	GetResultByTask(ctx context.Context, taskID string) (*model.Result, error)
	ResultsForRun(ctx context.Context, runID string) ([]*RunResult, error)
	ListFailures(ctx context.Context, taskID string) ([]*model.Failure, error)

	// FindCachedResult returns the most recent result produced for the
	// given (target, parameter, value) cache key across all runs, or
	// ErrNotFound when no prior result exists. Only single-parameter tasks
	// participate in the cache.
	FindCachedResult(ctx context.Context, targetID, param, value string) (*model.Result, error)

	GetStats(ctx context.Context) (*Stats, error)
	Close() error
}
