package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sweepd/sweepd/internal/model"
	"github.com/sweepd/sweepd/internal/store"
	"github.com/sweepd/sweepd/internal/worker"
)

// Engine defaults. Intervals are overridable via options so tests can run at
// millisecond scale.
const (
	DefaultWorkers          = 2
	DefaultMaxRetries       = 3
	DefaultWatchdogInterval = 30 * time.Second
	DefaultStallThreshold   = 300 * time.Second
	DefaultQueueWait        = 1 * time.Second
	DefaultIdlePoll         = 500 * time.Millisecond
	DefaultProgressInterval = 2 * time.Second

	// consecutiveFailureLimit is the number of failures in a row on one
	// worker loop that forces a handle replacement.
	consecutiveFailureLimit = 5
)

// Option configures an Executor.
type Option func(*Executor)

// WithWorkers sets the number of concurrent worker loops.
func WithWorkers(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.workers = n
		}
	}
}

// WithMaxRetries sets the retry cap. A task is retried until its attempt
// count exceeds the cap, then failed permanently.
func WithMaxRetries(n int) Option {
	return func(e *Executor) {
		if n >= 0 {
			e.maxRetries = n
		}
	}
}

// WithWatchdogInterval sets how often the watchdog inspects worker activity.
func WithWatchdogInterval(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.watchdogInterval = d
		}
	}
}

// WithStallThreshold sets how long a worker may go without activity before
// the watchdog replaces it.
func WithStallThreshold(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.stallThreshold = d
		}
	}
}

// WithQueueWait sets the bounded wait of each dequeue attempt.
func WithQueueWait(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.queueWait = d
		}
	}
}

// WithIdlePoll sets the sleep between dequeue attempts on an empty queue and
// per-iteration pause checks.
func WithIdlePoll(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.idlePoll = d
		}
	}
}

// WithProgressInterval sets how often aggregate progress events are emitted.
func WithProgressInterval(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.progressInterval = d
		}
	}
}

// WithEventSink sets the sink receiving lifecycle events.
func WithEventSink(sink EventSink) Option {
	return func(e *Executor) { e.sink = sink }
}

// WithCredentials sets the credentials forwarded to workers.
func WithCredentials(c worker.Credentials) Option {
	return func(e *Executor) { e.creds = c }
}

// WithArtifactsDir sets the directory workers write failure artifacts to.
func WithArtifactsDir(dir string) Option {
	return func(e *Executor) { e.artifactsDir = dir }
}

// WithSkipCache disables the cache gate for this run.
func WithSkipCache(skip bool) Option {
	return func(e *Executor) { e.skipCache = skip }
}

// workerState is the supervisor-side record for one worker loop: the current
// handle, the activity timestamp the watchdog inspects, and the
// consecutive-failure counter.
type workerState struct {
	id int

	mu          sync.Mutex
	handle      worker.Worker
	consecutive int

	// lastActivity is unix nanoseconds, updated immediately before and
	// after any potentially long-blocking delegation.
	lastActivity atomic.Int64
}

func (ws *workerState) touch() {
	ws.lastActivity.Store(time.Now().UnixNano())
}

// Executor drives one run to completion: it owns the task queue, a fixed pool
// of supervised worker loops, the watchdog, and the progress loop. Each
// Executor instance executes exactly one run.
type Executor struct {
	store   store.Store
	factory worker.Factory
	run     *model.Run
	target  *model.Target
	logger  *slog.Logger

	queue *TaskQueue
	cache *cacheGate
	sink  EventSink

	creds        worker.Credentials
	artifactsDir string
	skipCache    bool

	workers          int
	maxRetries       int
	watchdogInterval time.Duration
	stallThreshold   time.Duration
	queueWait        time.Duration
	idlePoll         time.Duration
	progressInterval time.Duration

	paused   atomic.Bool
	stopping atomic.Bool
	done     chan struct{}
}

// NewExecutor creates an executor for the given run and target.
func NewExecutor(st store.Store, factory worker.Factory, run *model.Run, target *model.Target, logger *slog.Logger, opts ...Option) *Executor {
	e := &Executor{
		store:   st,
		factory: factory,
		run:     run,
		target:  target,
		logger:  logger.With("run_id", run.ID),
		queue:   NewTaskQueue(),

		workers:          DefaultWorkers,
		maxRetries:       DefaultMaxRetries,
		watchdogInterval: DefaultWatchdogInterval,
		stallThreshold:   DefaultStallThreshold,
		queueWait:        DefaultQueueWait,
		idlePoll:         DefaultIdlePoll,
		progressInterval: DefaultProgressInterval,

		done: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.cache = &cacheGate{store: st, logger: e.logger}
	return e
}

// Pause stops worker loops from dequeuing new tasks. In-flight delegations
// finish naturally.
func (e *Executor) Pause(ctx context.Context) error {
	if e.paused.Load() {
		return nil
	}
	if err := e.store.UpdateRunStatus(ctx, e.run.ID, model.StatusPaused); err != nil {
		return err
	}
	e.paused.Store(true)
	e.logger.Info("run paused")
	return nil
}

// Resume lets worker loops dequeue again after a pause.
func (e *Executor) Resume(ctx context.Context) error {
	if !e.paused.Load() {
		return nil
	}
	if err := e.store.UpdateRunStatus(ctx, e.run.ID, model.StatusRunning); err != nil {
		return err
	}
	e.paused.Store(false)
	e.logger.Info("run resumed")
	return nil
}

// IsPaused reports whether the run is paused.
func (e *Executor) IsPaused() bool {
	return e.paused.Load()
}

// Stop asks the executor to settle and finalize. In-flight delegations finish
// naturally; no new task is dequeued. The run finalizes as failed if undone
// tasks remain, completed otherwise.
func (e *Executor) Stop() {
	e.stopping.Store(true)
	e.logger.Info("run stop requested")
}

// Done is closed when Execute has finalized the run.
func (e *Executor) Done() <-chan struct{} {
	return e.done
}

// Stats returns a snapshot of the queue counters.
func (e *Executor) Stats() QueueStats {
	return e.queue.Stats()
}

// Execute runs the engine until the queue is drained or Stop is called, then
// finalizes the run status. It blocks for the lifetime of the run.
func (e *Executor) Execute(ctx context.Context) error {
	defer close(e.done)

	if e.run.Status != model.StatusRunning {
		if err := e.store.UpdateRunStatus(ctx, e.run.ID, model.StatusRunning); err != nil {
			return fmt.Errorf("transition run to running: %w", err)
		}
	}

	tasks, err := e.loadTasks(ctx)
	if err != nil {
		e.finalize(ctx, model.StatusFailed)
		return err
	}

	activeRuns.Inc()
	defer activeRuns.Dec()

	e.logger.Info("run started", "total_tasks", len(tasks), "workers", e.workers)
	e.publish(Event{Type: EventRunStarted, TotalTasks: len(tasks)})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	states := make([]*workerState, e.workers)
	for i := range states {
		ws := &workerState{id: i}
		handle, err := e.factory.New(runCtx, ws.id)
		if err != nil {
			cancel()
			e.closeHandles(states)
			e.finalize(ctx, model.StatusFailed)
			return fmt.Errorf("create worker %d: %w", ws.id, err)
		}
		ws.handle = handle
		ws.touch()
		states[i] = ws
	}

	g, gctx := errgroup.WithContext(runCtx)
	for _, ws := range states {
		g.Go(func() error { return e.workerLoop(gctx, ws) })
	}
	g.Go(func() error { return e.watchdogLoop(gctx, states) })
	g.Go(func() error { return e.progressLoop(gctx) })

	e.monitor(gctx)

	cancel()
	groupErr := g.Wait()
	if groupErr != nil && !errors.Is(groupErr, context.Canceled) {
		e.logger.Error("run aborted on infrastructure error", "error", groupErr)
	} else {
		groupErr = nil
	}
	e.closeHandles(states)

	stats := e.queue.Stats()
	final := model.StatusCompleted
	if groupErr != nil || stats.Pending > 0 || stats.InProgress > 0 {
		final = model.StatusFailed
	}
	e.finalize(ctx, final)

	e.logger.Info("run finished", "status", final,
		"completed", stats.Completed, "failed", stats.Failed, "pending", stats.Pending)
	e.publish(Event{Type: EventRunCompleted, Stats: &stats})

	return groupErr
}

// loadTasks fetches all non-terminal tasks for the run and enqueues them with
// priority equal to their attempt count, so fresh work runs before retries.
// Tasks left in running state by a previous crash are reset to pending first.
func (e *Executor) loadTasks(ctx context.Context) ([]*model.Task, error) {
	tasks, err := e.store.NonTerminalTasks(ctx, e.run.ID)
	if err != nil {
		return nil, fmt.Errorf("load tasks: %w", err)
	}
	for _, t := range tasks {
		if t.Status == model.TaskRunning {
			reset, err := e.store.UpdateTaskStatus(ctx, t.ID, model.TaskPending, false)
			if err != nil {
				return nil, fmt.Errorf("reset stale task %s: %w", t.ID, err)
			}
			*t = *reset
		}
		e.queue.Put(t, t.Attempts)
	}
	return tasks, nil
}

// monitor blocks until the run is drained, stopped and settled, or aborted.
func (e *Executor) monitor(ctx context.Context) {
	ticker := time.NewTicker(e.idlePoll)
	defer ticker.Stop()
	for {
		if e.queue.Drained() {
			return
		}
		if e.stopping.Load() && e.queue.Stats().InProgress == 0 {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// finalize writes the terminal run status. It uses a non-cancellable context
// so a stopped or cancelled run still records its outcome.
func (e *Executor) finalize(ctx context.Context, status string) {
	if err := e.store.UpdateRunStatus(context.WithoutCancel(ctx), e.run.ID, status); err != nil {
		e.logger.Error("finalize run status", "status", status, "error", err)
	}
}

func (e *Executor) closeHandles(states []*workerState) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, ws := range states {
		if ws == nil {
			continue
		}
		ws.mu.Lock()
		handle := ws.handle
		ws.handle = nil
		ws.mu.Unlock()
		if handle == nil {
			continue
		}
		if err := handle.Close(ctx); err != nil {
			e.logger.Warn("close worker", "worker_id", ws.id, "error", err)
		}
	}
}

// workerLoop dequeues and processes tasks until the run settles. It returns a
// non-nil error only for infrastructure failures, which abort the whole run.
func (e *Executor) workerLoop(ctx context.Context, ws *workerState) error {
	activeWorkers.Inc()
	defer activeWorkers.Dec()

	for {
		if ctx.Err() != nil || e.stopping.Load() {
			return nil
		}
		if e.paused.Load() {
			if !sleepCtx(ctx, e.idlePoll) {
				return nil
			}
			continue
		}

		task, err := e.queue.Get(ctx, e.queueWait)
		if err != nil {
			if errors.Is(err, ErrQueueEmpty) {
				if !sleepCtx(ctx, e.idlePoll) {
					return nil
				}
				continue
			}
			return nil
		}

		if err := e.processTask(ctx, ws, task); err != nil {
			// Keep the queue's books straight before aborting.
			e.queue.Requeue(task, task.Attempts)
			return err
		}
	}
}

// processTask walks one task through the cache gate or a worker delegation
// and persists the outcome. A task always ends a call completed, failed, or
// requeued, never stuck in running.
func (e *Executor) processTask(ctx context.Context, ws *workerState, task *model.Task) error {
	ws.touch()

	if !e.skipCache {
		if res := e.cache.lookup(ctx, e.run.TargetID, task); res != nil {
			return e.completeFromCache(ctx, ws, task, res)
		}
	}

	updated, err := e.store.UpdateTaskStatus(ctx, task.ID, model.TaskRunning, true)
	if err != nil {
		return fmt.Errorf("mark task %s running: %w", task.ID, err)
	}
	e.publish(Event{Type: EventTaskStarted, TaskID: task.ID, Params: task.Params})

	spec := worker.TaskSpec{
		TaskID:       task.ID,
		TargetURL:    e.target.URL,
		Params:       task.Params,
		Credentials:  e.creds,
		ArtifactsDir: e.artifactsDir,
	}

	ws.mu.Lock()
	handle := ws.handle
	ws.mu.Unlock()

	ws.touch()
	start := time.Now()
	outcome, execErr := handle.ExecuteTask(ctx, spec)
	taskDuration.Observe(time.Since(start).Seconds())
	ws.touch()

	if execErr != nil {
		return e.handleFailure(ctx, ws, handle, updated, worker.Classify(execErr), execErr.Error(), worker.Artifacts{})
	}
	if !outcome.Success {
		ftype := outcome.FailureType
		if ftype == "" {
			ftype = model.FailureSession
		}
		return e.handleFailure(ctx, ws, handle, updated, ftype, outcome.ErrMessage, outcome.Artifacts)
	}

	res := &model.Result{
		ID:      model.NewID(),
		TaskID:  task.ID,
		Metrics: outcome.Metrics,
		Raw:     outcome.Raw,
	}
	if err := e.store.CompleteTask(ctx, task.ID, res); err != nil {
		return fmt.Errorf("complete task %s: %w", task.ID, err)
	}
	e.queue.MarkCompleted(task.ID)
	tasksTotal.WithLabelValues(outcomeCompleted).Inc()

	ws.mu.Lock()
	ws.consecutive = 0
	ws.mu.Unlock()

	e.logger.Debug("task completed", "task_id", task.ID, "attempts", updated.Attempts)
	e.publish(Event{Type: EventTaskCompleted, TaskID: task.ID, Params: task.Params, Result: res})
	return nil
}

// completeFromCache finalizes a task from a prior stored result without
// invoking a worker. The task still walks pending→running→completed so the
// store's transition checks hold; its attempt count is not incremented.
func (e *Executor) completeFromCache(ctx context.Context, ws *workerState, task *model.Task, res *model.Result) error {
	if _, err := e.store.UpdateTaskStatus(ctx, task.ID, model.TaskRunning, false); err != nil {
		return fmt.Errorf("mark cached task %s running: %w", task.ID, err)
	}
	if err := e.store.CompleteTask(ctx, task.ID, res); err != nil {
		return fmt.Errorf("complete cached task %s: %w", task.ID, err)
	}
	e.queue.MarkCompleted(task.ID)
	cacheHits.Inc()
	tasksTotal.WithLabelValues(outcomeCached).Inc()

	ws.mu.Lock()
	ws.consecutive = 0
	ws.mu.Unlock()

	e.logger.Debug("task satisfied from cache", "task_id", task.ID)
	e.publish(Event{Type: EventTaskCompleted, TaskID: task.ID, Params: task.Params, Result: res, Cached: true})
	return nil
}

// handleFailure applies the retry and restart policy to one failed attempt.
// task carries the post-increment attempt count.
func (e *Executor) handleFailure(ctx context.Context, ws *workerState, used worker.Worker, task *model.Task, ftype, msg string, arts worker.Artifacts) error {
	ws.mu.Lock()
	ws.consecutive++
	consecutive := ws.consecutive
	ws.mu.Unlock()

	e.logger.Warn("task attempt failed",
		"task_id", task.ID, "attempt", task.Attempts-1, "type", ftype, "error", msg)

	if ftype == model.FailureBrowser {
		if err := e.replaceHandle(ctx, ws, used, restartCrash); err != nil {
			return err
		}
	} else if consecutive >= consecutiveFailureLimit {
		if err := e.replaceHandle(ctx, ws, used, restartConsecutive); err != nil {
			return err
		}
	}

	if task.Attempts > e.maxRetries {
		final := fmt.Sprintf("retries exhausted (%s): %s", ftype, msg)
		f := &model.Failure{
			ID:             model.NewID(),
			TaskID:         task.ID,
			Attempt:        task.Attempts - 1,
			Type:           model.FailurePermanent,
			Message:        final,
			ScreenshotPath: arts.ScreenshotPath,
			HTMLPath:       arts.HTMLPath,
		}
		if err := e.store.FailTask(ctx, task.ID, f); err != nil {
			return fmt.Errorf("fail task %s: %w", task.ID, err)
		}
		e.queue.MarkFailed(task.ID)
		tasksTotal.WithLabelValues(outcomeFailed).Inc()
		e.logger.Warn("task failed permanently", "task_id", task.ID, "attempts", task.Attempts)
		e.publish(Event{Type: EventTaskFailed, TaskID: task.ID, Params: task.Params, Error: final})
		return nil
	}

	if _, err := e.store.UpdateTaskStatus(ctx, task.ID, model.TaskPending, false); err != nil {
		return fmt.Errorf("requeue task %s: %w", task.ID, err)
	}
	e.queue.Requeue(task, task.Attempts)
	tasksTotal.WithLabelValues(outcomeRetried).Inc()
	e.publish(Event{Type: EventTaskFailed, TaskID: task.ID, Params: task.Params, Error: msg, WillRetry: true})
	return nil
}

// replaceHandle discards a worker handle and installs a fresh one, resetting
// the activity timestamp and the consecutive-failure counter. It no-ops when
// the current handle is not the one the caller observed, so the supervisor
// and the watchdog never both restart the same worker for one incident.
func (e *Executor) replaceHandle(ctx context.Context, ws *workerState, old worker.Worker, reason string) error {
	ws.mu.Lock()
	if ws.handle != old {
		ws.mu.Unlock()
		return nil
	}
	ws.handle = nil
	ws.consecutive = 0
	ws.mu.Unlock()

	e.logger.Warn("replacing worker", "worker_id", ws.id, "reason", reason)
	if old != nil {
		if err := old.Close(ctx); err != nil {
			e.logger.Warn("close stale worker", "worker_id", ws.id, "error", err)
		}
	}

	fresh, err := e.factory.New(ctx, ws.id)
	if err != nil {
		return fmt.Errorf("recreate worker %d: %w", ws.id, err)
	}

	ws.mu.Lock()
	ws.handle = fresh
	ws.mu.Unlock()
	ws.touch()
	workerRestarts.WithLabelValues(reason).Inc()
	return nil
}

// progressLoop periodically emits aggregate progress events.
func (e *Executor) progressLoop(ctx context.Context) error {
	ticker := time.NewTicker(e.progressInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			stats := e.queue.Stats()
			e.publish(Event{Type: EventProgress, Stats: &stats})
		}
	}
}

func (e *Executor) publish(ev Event) {
	if e.sink == nil {
		return
	}
	ev.RunID = e.run.ID
	ev.Time = time.Now().UTC()
	e.sink.Publish(ev)
}

// sleepCtx sleeps for d, returning false if the context was cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
