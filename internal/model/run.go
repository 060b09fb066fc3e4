package model

import (
	"encoding/json"
	"time"
)

// Run status constants.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusPaused    = "paused"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Run mode constants.
const (
	ModeSweep  = "sweep"
	ModeGrid   = "grid"
	ModeStaged = "staged"
)

// validRunTransitions maps each run status to the set of statuses it may
// transition to. Pausing and resuming may repeat any number of times.
var validRunTransitions = map[string]map[string]bool{
	StatusPending: {
		StatusRunning: true,
		StatusFailed:  true,
	},
	StatusRunning: {
		StatusPaused:    true,
		StatusCompleted: true,
		StatusFailed:    true,
	},
	StatusPaused: {
		StatusRunning:   true,
		StatusCompleted: true,
		StatusFailed:    true,
	},
}

// ValidRunTransition reports whether a run may move from one status to another.
func ValidRunTransition(from, to string) bool {
	targets, ok := validRunTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// ValidMode reports whether the given run mode is recognized.
func ValidMode(mode string) bool {
	return mode == ModeSweep || mode == ModeGrid || mode == ModeStaged
}

// Target is an external test configuration that sweeps are executed against.
// Targets accumulate over time as users add them; cached results are shared
// across all runs of the same target.
type Target struct {
	ID        string     `json:"id"`
	URL       string     `json:"url"`
	Name      string     `json:"name,omitempty"`
	RunCount  int        `json:"run_count"`
	LastRunAt *time.Time `json:"last_run_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// Run is one parameter-sweep execution against one target.
type Run struct {
	ID          string          `json:"id"`
	TargetID    string          `json:"target_id"`
	Mode        string          `json:"mode"`
	Config      json.RawMessage `json:"config,omitempty"`
	Status      string          `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}
