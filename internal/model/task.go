package model

import (
	"encoding/json"
	"time"
)

// Task status constants. Tasks share pending/running/completed/failed with
// runs but never pause; a paused run simply stops dequeuing.
const (
	TaskPending   = "pending"
	TaskRunning   = "running"
	TaskCompleted = "completed"
	TaskFailed    = "failed"
)

// Failure classification constants.
const (
	FailureTiming    = "timing"
	FailureModal     = "modal"
	FailureSession   = "session"
	FailureBrowser   = "browser"
	FailurePermanent = "permanent"
)

// validTaskTransitions maps each task status to its allowed successors.
// running→pending is the requeue-for-retry path.
var validTaskTransitions = map[string]map[string]bool{
	TaskPending: {
		TaskRunning: true,
	},
	TaskRunning: {
		TaskPending:   true,
		TaskCompleted: true,
		TaskFailed:    true,
	},
}

// ValidTaskTransition reports whether a task may move from one status to another.
func ValidTaskTransition(from, to string) bool {
	targets, ok := validTaskTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// TerminalTaskStatus reports whether the given task status is terminal.
func TerminalTaskStatus(status string) bool {
	return status == TaskCompleted || status == TaskFailed
}

// Task is one parameter combination awaiting or having received evaluation.
type Task struct {
	ID        string            `json:"id"`
	RunID     string            `json:"run_id"`
	Params    map[string]string `json:"params"`
	Status    string            `json:"status"`
	Attempts  int               `json:"attempts"`
	CreatedAt time.Time         `json:"created_at"`
}

// Metrics holds the full set of figures extracted from one completed
// evaluation. All fields are optional; absent figures stay at their zero value
// and are omitted from JSON.
type Metrics struct {
	PL          float64 `json:"pl,omitempty"`
	CAGR        float64 `json:"cagr,omitempty"`
	MaxDrawdown float64 `json:"max_drawdown,omitempty"`
	MAR         float64 `json:"mar,omitempty"`
	WinPct      float64 `json:"win_pct,omitempty"`

	TotalPremium float64 `json:"total_premium,omitempty"`
	CaptureRate  float64 `json:"capture_rate,omitempty"`

	StartingCapital float64 `json:"starting_capital,omitempty"`
	EndingCapital   float64 `json:"ending_capital,omitempty"`

	TotalTrades       int     `json:"total_trades,omitempty"`
	Winners           int     `json:"winners,omitempty"`
	AvgPerTrade       float64 `json:"avg_per_trade,omitempty"`
	AvgWinner         float64 `json:"avg_winner,omitempty"`
	AvgLoser          float64 `json:"avg_loser,omitempty"`
	MaxWinner         float64 `json:"max_winner,omitempty"`
	MaxLoser          float64 `json:"max_loser,omitempty"`
	AvgMinutesInTrade float64 `json:"avg_minutes_in_trade,omitempty"`
}

// Result is the output of one successfully evaluated task. At most one result
// exists per task; results are immutable once written.
type Result struct {
	ID        string          `json:"id"`
	TaskID    string          `json:"task_id"`
	Metrics   Metrics         `json:"metrics"`
	Raw       json.RawMessage `json:"raw,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Failure is an audit record written when a task exhausts its retries.
type Failure struct {
	ID             string    `json:"id"`
	TaskID         string    `json:"task_id"`
	Attempt        int       `json:"attempt"`
	Type           string    `json:"type"`
	Message        string    `json:"message,omitempty"`
	ScreenshotPath string    `json:"screenshot_path,omitempty"`
	HTMLPath       string    `json:"html_path,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}
