package engine

import (
	"context"
	"errors"
	"sync"
)

// ErrAlreadyRunning is returned when starting a run that already has an
// active executor.
var ErrAlreadyRunning = errors.New("run already executing")

// ErrNotRunning is returned when controlling a run with no active executor.
var ErrNotRunning = errors.New("run not executing")

// Registry tracks the active executor per run. It is an explicit object owned
// by the caller, never a process global. Each run has at most one executor at
// a time; the entry is removed once the run settles.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]*Executor
	wg        sync.WaitGroup
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]*Executor)}
}

// Start registers the executor and launches its Execute loop in the
// background. It returns ErrAlreadyRunning if the run already has an active
// executor. The context governs the whole run; cancelling it aborts
// execution.
func (r *Registry) Start(ctx context.Context, exec *Executor) error {
	r.mu.Lock()
	if _, exists := r.executors[exec.run.ID]; exists {
		r.mu.Unlock()
		return ErrAlreadyRunning
	}
	r.executors[exec.run.ID] = exec
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		defer r.remove(exec.run.ID)
		if err := exec.Execute(ctx); err != nil {
			exec.logger.Error("run execution failed", "error", err)
		}
	}()
	return nil
}

func (r *Registry) remove(runID string) {
	r.mu.Lock()
	delete(r.executors, runID)
	r.mu.Unlock()
}

// Get returns the active executor for a run, if any.
func (r *Registry) Get(runID string) (*Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	exec, ok := r.executors[runID]
	return exec, ok
}

// Stop requests the run settle and finalize.
func (r *Registry) Stop(runID string) error {
	exec, ok := r.Get(runID)
	if !ok {
		return ErrNotRunning
	}
	exec.Stop()
	return nil
}

// Pause pauses the run.
func (r *Registry) Pause(ctx context.Context, runID string) error {
	exec, ok := r.Get(runID)
	if !ok {
		return ErrNotRunning
	}
	return exec.Pause(ctx)
}

// Resume resumes a paused run.
func (r *Registry) Resume(ctx context.Context, runID string) error {
	exec, ok := r.Get(runID)
	if !ok {
		return ErrNotRunning
	}
	return exec.Resume(ctx)
}

// IsPaused reports whether the run is active and paused.
func (r *Registry) IsPaused(runID string) bool {
	exec, ok := r.Get(runID)
	return ok && exec.IsPaused()
}

// Active returns the ids of runs with an active executor.
func (r *Registry) Active() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.executors))
	for id := range r.executors {
		ids = append(ids, id)
	}
	return ids
}

// Wait blocks until all active runs have settled. Used for graceful
// shutdown after stopping or cancelling the runs.
func (r *Registry) Wait() {
	r.wg.Wait()
}
