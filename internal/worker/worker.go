// Package worker defines the contract between the run execution engine and
// the external workers that drive one evaluation each, along with the failure
// taxonomy used to decide between retry and worker replacement.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/sweepd/sweepd/internal/model"
)

// Credentials authenticates a worker against the target system.
type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// TaskSpec describes one evaluation for a worker to perform.
type TaskSpec struct {
	TaskID       string            `json:"task_id"`
	TargetURL    string            `json:"target_url"`
	Params       map[string]string `json:"params"`
	Credentials  Credentials       `json:"-"`
	ArtifactsDir string            `json:"artifacts_dir,omitempty"`
}

// Artifacts references files captured when an evaluation fails.
type Artifacts struct {
	ScreenshotPath string `json:"screenshot_path,omitempty"`
	HTMLPath       string `json:"html_path,omitempty"`
}

// Outcome is the tagged result of one evaluation attempt. Failure handling is
// a data-driven switch on FailureType; workers return errors only for
// conditions they cannot classify themselves (the engine classifies those).
type Outcome struct {
	Success     bool            `json:"success"`
	Metrics     model.Metrics   `json:"metrics,omitzero"`
	Raw         json.RawMessage `json:"raw,omitempty"`
	ErrMessage  string          `json:"error_message,omitempty"`
	FailureType string          `json:"failure_type,omitempty"`
	Artifacts   Artifacts       `json:"artifacts,omitzero"`
}

// Worker evaluates tasks against the target system. Implementations must be
// safe to discard and recreate at any time; a closed worker's in-flight
// ExecuteTask must return promptly with an error.
type Worker interface {
	ExecuteTask(ctx context.Context, spec TaskSpec) (Outcome, error)
	Close(ctx context.Context) error
}

// Factory constructs workers, so the engine can replace a crashed or stalled
// one with a fresh instance.
type Factory interface {
	New(ctx context.Context, workerID int) (Worker, error)
}

// crashSignatures are substrings of error messages that indicate the worker
// resource itself is unusable and must be replaced rather than retried.
var crashSignatures = []string{
	"browser has been closed",
	"browser closed",
	"target closed",
	"target crashed",
	"session closed",
	"worker closed",
	"connection refused",
	"connection reset",
	"broken pipe",
}

// Classify maps an error raised during delegation to a failure type. Timeouts
// classify as timing, known crash signatures as browser, anything else as a
// generic recoverable session failure.
func Classify(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return model.FailureTiming
	}
	msg := strings.ToLower(err.Error())
	for _, sig := range crashSignatures {
		if strings.Contains(msg, sig) {
			return model.FailureBrowser
		}
	}
	return model.FailureSession
}
