package engine

import (
	"time"

	"github.com/sweepd/sweepd/internal/model"
)

// EventType identifies a lifecycle event emitted by the engine.
type EventType string

// Event types, in rough lifecycle order.
const (
	EventRunStarted    EventType = "run_started"
	EventTaskStarted   EventType = "task_started"
	EventTaskCompleted EventType = "task_completed"
	EventTaskFailed    EventType = "task_failed"
	EventProgress      EventType = "progress"
	EventRunCompleted  EventType = "run_completed"
)

// Event is one structured lifecycle notification. Fields beyond Type, RunID,
// and Time are populated per event type.
type Event struct {
	Type  EventType `json:"type"`
	RunID string    `json:"run_id"`
	Time  time.Time `json:"time"`

	// run_started
	TotalTasks int `json:"total_tasks,omitempty"`

	// task_* events
	TaskID string            `json:"task_id,omitempty"`
	Params map[string]string `json:"params,omitempty"`

	// task_completed
	Result *model.Result `json:"result,omitempty"`
	Cached bool          `json:"cached,omitempty"`

	// task_failed
	Error     string `json:"error,omitempty"`
	WillRetry bool   `json:"will_retry,omitempty"`

	// progress, run_completed
	Stats *QueueStats `json:"stats,omitempty"`
}

// EventSink receives engine events. Implementations must not block; the
// engine publishes from its worker loops.
type EventSink interface {
	Publish(ev Event)
}

// SinkFunc adapts a function to the EventSink interface.
type SinkFunc func(Event)

// Publish calls f(ev).
func (f SinkFunc) Publish(ev Event) { f(ev) }

// multiSink fans one event out to several sinks.
type multiSink []EventSink

func (m multiSink) Publish(ev Event) {
	for _, s := range m {
		s.Publish(ev)
	}
}

// MultiSink combines sinks into one, skipping nils.
func MultiSink(sinks ...EventSink) EventSink {
	out := make(multiSink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}
