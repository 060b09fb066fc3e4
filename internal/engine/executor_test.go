package engine_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sweepd/sweepd/internal/engine"
	"github.com/sweepd/sweepd/internal/model"
	"github.com/sweepd/sweepd/internal/store"
	"github.com/sweepd/sweepd/internal/worker"
)

// scriptedWorker delegates to its factory's script so tests control every
// attempt's outcome per task.
type scriptedWorker struct {
	f  *scriptedFactory
	id int

	mu     sync.Mutex
	closed chan struct{}
}

func (w *scriptedWorker) ExecuteTask(ctx context.Context, spec worker.TaskSpec) (worker.Outcome, error) {
	call := w.f.record(spec.TaskID)

	if w.f.blockFirstWorker && w.id == 0 && w.f.workerSeq(w) == 0 {
		// Simulate an uncancellable stuck external call: only closing
		// the handle releases it.
		<-w.closed
		return worker.Outcome{}, errors.New("worker closed")
	}

	if w.f.delay > 0 {
		select {
		case <-time.After(w.f.delay):
		case <-ctx.Done():
			return worker.Outcome{}, ctx.Err()
		case <-w.closed:
			return worker.Outcome{}, errors.New("worker closed")
		}
	}

	if w.f.script != nil {
		return w.f.script(spec, call)
	}
	return successOutcome(), nil
}

func (w *scriptedWorker) Close(context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	select {
	case <-w.closed:
	default:
		close(w.closed)
	}
	return nil
}

// scriptedFactory builds scripted workers and records every delegation.
type scriptedFactory struct {
	script           func(spec worker.TaskSpec, call int) (worker.Outcome, error)
	delay            time.Duration
	blockFirstWorker bool

	mu      sync.Mutex
	created []*scriptedWorker
	calls   map[string]int
	order   []string
}

func newScriptedFactory() *scriptedFactory {
	return &scriptedFactory{calls: make(map[string]int)}
}

func (f *scriptedFactory) New(_ context.Context, workerID int) (worker.Worker, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w := &scriptedWorker{f: f, id: workerID, closed: make(chan struct{})}
	f.created = append(f.created, w)
	return w, nil
}

// record notes one delegation for a task and returns its 1-based call number.
func (f *scriptedFactory) record(taskID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[taskID]++
	f.order = append(f.order, taskID)
	return f.calls[taskID]
}

// workerSeq returns the creation index of a worker instance.
func (f *scriptedFactory) workerSeq(w *scriptedWorker) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, c := range f.created {
		if c == w {
			return i
		}
	}
	return -1
}

func (f *scriptedFactory) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.order)
}

func (f *scriptedFactory) createdCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

func successOutcome() worker.Outcome {
	return worker.Outcome{
		Success: true,
		Metrics: model.Metrics{PL: 1200, MAR: 1.8, WinPct: 62.5},
	}
}

func failureOutcome(ftype, msg string) worker.Outcome {
	return worker.Outcome{Success: false, FailureType: ftype, ErrMessage: msg}
}

// eventRecorder collects published events for assertions.
type eventRecorder struct {
	mu     sync.Mutex
	events []engine.Event
}

func (r *eventRecorder) Publish(ev engine.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) count(typ engine.EventType, willRetry bool) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == typ && ev.WillRetry == willRetry {
			n++
		}
	}
	return n
}

func (r *eventRecorder) cachedCompletions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == engine.EventTaskCompleted && ev.Cached {
			n++
		}
	}
	return n
}

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func makeRunWithTasks(t *testing.T, s store.Store, paramSets []map[string]string) (*model.Run, *model.Target, []*model.Task) {
	t.Helper()
	ctx := context.Background()

	target, err := s.GetOrCreateTarget(ctx, "https://example.test/config/1", "test target")
	if err != nil {
		t.Fatalf("GetOrCreateTarget: %v", err)
	}

	run := &model.Run{
		ID:        model.NewID(),
		TargetID:  target.ID,
		Mode:      model.ModeSweep,
		Status:    model.StatusPending,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	tasks := make([]*model.Task, 0, len(paramSets))
	for _, params := range paramSets {
		tasks = append(tasks, &model.Task{
			ID:        model.NewID(),
			RunID:     run.ID,
			Params:    params,
			Status:    model.TaskPending,
			CreatedAt: time.Now().UTC(),
		})
	}
	if err := s.CreateTasks(ctx, tasks); err != nil {
		t.Fatalf("CreateTasks: %v", err)
	}
	return run, target, tasks
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

// fastOpts shrinks engine intervals to test scale.
func fastOpts(extra ...engine.Option) []engine.Option {
	opts := []engine.Option{
		engine.WithQueueWait(20 * time.Millisecond),
		engine.WithIdlePoll(5 * time.Millisecond),
		engine.WithProgressInterval(10 * time.Millisecond),
		engine.WithWatchdogInterval(time.Hour),
	}
	return append(opts, extra...)
}

func TestExecuteAllSucceedInOrder(t *testing.T) {
	s := newTestStore(t)
	run, target, tasks := makeRunWithTasks(t, s, []map[string]string{
		{"delta": "5"}, {"delta": "10"}, {"delta": "15"},
	})

	f := newScriptedFactory()
	rec := &eventRecorder{}
	exec := engine.NewExecutor(s, f, run, target, testLogger(),
		fastOpts(engine.WithWorkers(1), engine.WithEventSink(rec))...)

	if err := exec.Execute(context.Background()); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	stats := exec.Stats()
	if stats.Completed != 3 || stats.Failed != 0 || stats.Pending != 0 {
		t.Errorf("final stats = %+v, want 3 completed", stats)
	}

	// With one worker and equal priorities, execution order is insertion
	// order.
	f.mu.Lock()
	order := append([]string(nil), f.order...)
	f.mu.Unlock()
	if len(order) != 3 {
		t.Fatalf("worker invocations = %d, want 3", len(order))
	}
	for i, task := range tasks {
		if order[i] != task.ID {
			t.Errorf("invocation %d = %s, want %s", i, order[i], task.ID)
		}
	}

	got, err := s.GetRun(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Status != model.StatusCompleted {
		t.Errorf("run status = %q, want completed", got.Status)
	}
	if got.StartedAt == nil || got.CompletedAt == nil {
		t.Errorf("run timestamps = (%v, %v), want both set", got.StartedAt, got.CompletedAt)
	}

	for _, task := range tasks {
		res, err := s.GetResultByTask(context.Background(), task.ID)
		if err != nil {
			t.Fatalf("GetResultByTask(%s): %v", task.ID, err)
		}
		if res.Metrics.MAR != 1.8 {
			t.Errorf("task %s mar = %v, want 1.8", task.ID, res.Metrics.MAR)
		}
		if res.CreatedAt.IsZero() {
			t.Errorf("task %s result created_at is zero, want a real timestamp", task.ID)
		}
	}
}

func TestExecuteRetriesThenSucceeds(t *testing.T) {
	s := newTestStore(t)
	run, target, tasks := makeRunWithTasks(t, s, []map[string]string{{"delta": "10"}})
	task := tasks[0]

	f := newScriptedFactory()
	f.script = func(spec worker.TaskSpec, call int) (worker.Outcome, error) {
		if call <= 2 {
			return failureOutcome(model.FailureTiming, "result table did not load"), nil
		}
		return successOutcome(), nil
	}

	rec := &eventRecorder{}
	exec := engine.NewExecutor(s, f, run, target, testLogger(),
		fastOpts(engine.WithWorkers(1), engine.WithEventSink(rec))...)

	if err := exec.Execute(context.Background()); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	got, err := s.GetTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != model.TaskCompleted {
		t.Errorf("task status = %q, want completed", got.Status)
	}
	if got.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", got.Attempts)
	}

	if _, err := s.GetResultByTask(context.Background(), task.ID); err != nil {
		t.Errorf("result missing after eventual success: %v", err)
	}

	failures, err := s.ListFailures(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("ListFailures: %v", err)
	}
	if len(failures) != 0 {
		t.Errorf("failure records = %d, want 0 for a recovered task", len(failures))
	}

	if n := rec.count(engine.EventTaskFailed, true); n != 2 {
		t.Errorf("task_failed(will_retry) events = %d, want 2", n)
	}
	if n := rec.count(engine.EventTaskFailed, false); n != 0 {
		t.Errorf("task_failed(permanent) events = %d, want 0", n)
	}
}

func TestExecuteExhaustsRetries(t *testing.T) {
	s := newTestStore(t)
	run, target, tasks := makeRunWithTasks(t, s, []map[string]string{{"delta": "10"}})
	task := tasks[0]

	f := newScriptedFactory()
	f.script = func(spec worker.TaskSpec, call int) (worker.Outcome, error) {
		return failureOutcome(model.FailureSession, "login form never appeared"), nil
	}

	rec := &eventRecorder{}
	exec := engine.NewExecutor(s, f, run, target, testLogger(),
		fastOpts(engine.WithWorkers(1), engine.WithEventSink(rec))...)

	if err := exec.Execute(context.Background()); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if n := f.totalCalls(); n != 4 {
		t.Errorf("worker invocations = %d, want 4 (max_retries=3 + 1)", n)
	}

	got, err := s.GetTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != model.TaskFailed {
		t.Errorf("task status = %q, want failed", got.Status)
	}
	if got.Attempts != 4 {
		t.Errorf("attempts = %d, want 4", got.Attempts)
	}

	failures, err := s.ListFailures(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("ListFailures: %v", err)
	}
	if len(failures) != 1 {
		t.Fatalf("failure records = %d, want exactly 1", len(failures))
	}
	if failures[0].Attempt != 3 {
		t.Errorf("failure attempt = %d, want 3", failures[0].Attempt)
	}
	if failures[0].Type != model.FailurePermanent {
		t.Errorf("failure type = %q, want permanent", failures[0].Type)
	}
	if !strings.Contains(failures[0].Message, model.FailureSession) {
		t.Errorf("failure message = %q, want the last classification in it", failures[0].Message)
	}
	if failures[0].CreatedAt.IsZero() {
		t.Errorf("failure created_at is zero, want a real timestamp")
	}

	stats := exec.Stats()
	if stats.Failed != 1 || stats.Completed != 0 {
		t.Errorf("final stats = %+v, want 1 failed", stats)
	}

	// A permanently failed task does not fail the run.
	gotRun, _ := s.GetRun(context.Background(), run.ID)
	if gotRun.Status != model.StatusCompleted {
		t.Errorf("run status = %q, want completed", gotRun.Status)
	}
}

func TestExecuteCacheHit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// A previous run of the same target already evaluated delta=10.
	priorRun, target, priorTasks := makeRunWithTasks(t, s, []map[string]string{{"delta": "10"}})
	if err := s.UpdateRunStatus(ctx, priorRun.ID, model.StatusRunning); err != nil {
		t.Fatalf("UpdateRunStatus: %v", err)
	}
	if _, err := s.UpdateTaskStatus(ctx, priorTasks[0].ID, model.TaskRunning, true); err != nil {
		t.Fatalf("UpdateTaskStatus: %v", err)
	}
	cachedMetrics := model.Metrics{PL: 987.5, MAR: 2.4, WinPct: 70, TotalTrades: 42}
	if err := s.CompleteTask(ctx, priorTasks[0].ID, &model.Result{
		ID:      model.NewID(),
		TaskID:  priorTasks[0].ID,
		Metrics: cachedMetrics,
	}); err != nil {
		t.Fatalf("CompleteTask: %v", err)
	}
	if err := s.UpdateRunStatus(ctx, priorRun.ID, model.StatusCompleted); err != nil {
		t.Fatalf("UpdateRunStatus: %v", err)
	}

	newRun := &model.Run{
		ID:        model.NewID(),
		TargetID:  target.ID,
		Mode:      model.ModeSweep,
		Status:    model.StatusPending,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.CreateRun(ctx, newRun); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	newTask := &model.Task{
		ID:        model.NewID(),
		RunID:     newRun.ID,
		Params:    map[string]string{"delta": "10"},
		Status:    model.TaskPending,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.CreateTasks(ctx, []*model.Task{newTask}); err != nil {
		t.Fatalf("CreateTasks: %v", err)
	}

	t.Run("hit short-circuits the worker", func(t *testing.T) {
		f := newScriptedFactory()
		rec := &eventRecorder{}
		exec := engine.NewExecutor(s, f, newRun, target, testLogger(),
			fastOpts(engine.WithWorkers(1), engine.WithEventSink(rec))...)

		if err := exec.Execute(ctx); err != nil {
			t.Fatalf("Execute: %v", err)
		}

		if n := f.totalCalls(); n != 0 {
			t.Errorf("worker invocations = %d, want 0 on cache hit", n)
		}
		if n := rec.cachedCompletions(); n != 1 {
			t.Errorf("cached completions = %d, want 1", n)
		}

		res, err := s.GetResultByTask(ctx, newTask.ID)
		if err != nil {
			t.Fatalf("GetResultByTask: %v", err)
		}
		if res.Metrics != cachedMetrics {
			t.Errorf("cached metrics = %+v, want %+v", res.Metrics, cachedMetrics)
		}

		got, _ := s.GetTask(ctx, newTask.ID)
		if got.Attempts != 0 {
			t.Errorf("attempts = %d, want 0 for a cached task", got.Attempts)
		}
	})

	t.Run("skip_cache forces execution", func(t *testing.T) {
		skipRun := &model.Run{
			ID:        model.NewID(),
			TargetID:  target.ID,
			Mode:      model.ModeSweep,
			Status:    model.StatusPending,
			CreatedAt: time.Now().UTC(),
		}
		if err := s.CreateRun(ctx, skipRun); err != nil {
			t.Fatalf("CreateRun: %v", err)
		}
		skipTask := &model.Task{
			ID:        model.NewID(),
			RunID:     skipRun.ID,
			Params:    map[string]string{"delta": "10"},
			Status:    model.TaskPending,
			CreatedAt: time.Now().UTC(),
		}
		if err := s.CreateTasks(ctx, []*model.Task{skipTask}); err != nil {
			t.Fatalf("CreateTasks: %v", err)
		}

		f := newScriptedFactory()
		exec := engine.NewExecutor(s, f, skipRun, target, testLogger(),
			fastOpts(engine.WithWorkers(1), engine.WithSkipCache(true))...)

		if err := exec.Execute(ctx); err != nil {
			t.Fatalf("Execute: %v", err)
		}
		if n := f.totalCalls(); n != 1 {
			t.Errorf("worker invocations = %d, want 1 with skip_cache", n)
		}
	})
}

func TestExecuteBrowserFailureReplacesWorker(t *testing.T) {
	s := newTestStore(t)
	run, target, tasks := makeRunWithTasks(t, s, []map[string]string{{"delta": "10"}})

	f := newScriptedFactory()
	f.script = func(spec worker.TaskSpec, call int) (worker.Outcome, error) {
		if call == 1 {
			return worker.Outcome{}, errors.New("browser has been closed")
		}
		return successOutcome(), nil
	}

	exec := engine.NewExecutor(s, f, run, target, testLogger(),
		fastOpts(engine.WithWorkers(1))...)

	if err := exec.Execute(context.Background()); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if n := f.createdCount(); n != 2 {
		t.Errorf("workers created = %d, want 2 (initial + one replacement)", n)
	}

	got, _ := s.GetTask(context.Background(), tasks[0].ID)
	if got.Status != model.TaskCompleted {
		t.Errorf("task status = %q, want completed after retry on fresh worker", got.Status)
	}
}

func TestExecuteWatchdogReplacesStalledWorker(t *testing.T) {
	s := newTestStore(t)
	run, target, tasks := makeRunWithTasks(t, s, []map[string]string{
		{"delta": "10"}, {"delta": "15"},
	})

	f := newScriptedFactory()
	f.blockFirstWorker = true

	exec := engine.NewExecutor(s, f, run, target, testLogger(),
		engine.WithWorkers(1),
		engine.WithQueueWait(20*time.Millisecond),
		engine.WithIdlePoll(5*time.Millisecond),
		engine.WithProgressInterval(10*time.Millisecond),
		engine.WithWatchdogInterval(20*time.Millisecond),
		engine.WithStallThreshold(60*time.Millisecond),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := exec.Execute(ctx); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	// Initial worker hung on the first task, watchdog replaced it exactly
	// once, and both tasks completed on the replacement.
	if n := f.createdCount(); n != 2 {
		t.Errorf("workers created = %d, want 2", n)
	}
	for _, task := range tasks {
		got, err := s.GetTask(context.Background(), task.ID)
		if err != nil {
			t.Fatalf("GetTask: %v", err)
		}
		if got.Status != model.TaskCompleted {
			t.Errorf("task %s status = %q, want completed", task.ID, got.Status)
		}
	}

	gotRun, _ := s.GetRun(context.Background(), run.ID)
	if gotRun.Status != model.StatusCompleted {
		t.Errorf("run status = %q, want completed", gotRun.Status)
	}
}

func TestExecutePauseLosesNoTasks(t *testing.T) {
	s := newTestStore(t)
	run, target, tasks := makeRunWithTasks(t, s, []map[string]string{
		{"delta": "5"}, {"delta": "10"}, {"delta": "15"}, {"delta": "20"},
	})

	f := newScriptedFactory()
	f.delay = 50 * time.Millisecond

	exec := engine.NewExecutor(s, f, run, target, testLogger(),
		fastOpts(engine.WithWorkers(2))...)

	ctx := context.Background()
	go func() {
		if err := exec.Execute(ctx); err != nil {
			t.Errorf("Execute: %v", err)
		}
	}()

	// Let execution begin, then pause.
	time.Sleep(30 * time.Millisecond)
	if err := exec.Pause(ctx); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if !exec.IsPaused() {
		t.Fatal("IsPaused() = false after Pause")
	}

	gotRun, _ := s.GetRun(ctx, run.ID)
	if gotRun.Status != model.StatusPaused {
		t.Errorf("run status = %q, want paused", gotRun.Status)
	}

	// In-flight work settles; nothing new is dequeued while paused.
	time.Sleep(150 * time.Millisecond)
	if st := exec.Stats(); st.InProgress != 0 {
		t.Errorf("in_progress = %d while paused, want 0", st.InProgress)
	}

	if err := exec.Resume(ctx); err != nil {
		t.Fatalf("Resume: %v", err)
	}

	select {
	case <-exec.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("run did not drain after resume")
	}

	// No task was lost across the pause.
	for _, task := range tasks {
		got, err := s.GetTask(ctx, task.ID)
		if err != nil {
			t.Fatalf("GetTask: %v", err)
		}
		if got.Status != model.TaskCompleted {
			t.Errorf("task %s status = %q, want completed", task.ID, got.Status)
		}
	}
	if st := exec.Stats(); st.Completed != 4 {
		t.Errorf("completed = %d, want 4", st.Completed)
	}
}

func TestExecuteStopFinalizesRun(t *testing.T) {
	s := newTestStore(t)
	run, target, _ := makeRunWithTasks(t, s, []map[string]string{
		{"delta": "5"}, {"delta": "10"}, {"delta": "15"}, {"delta": "20"},
		{"delta": "25"}, {"delta": "30"},
	})

	f := newScriptedFactory()
	f.delay = 30 * time.Millisecond

	exec := engine.NewExecutor(s, f, run, target, testLogger(),
		fastOpts(engine.WithWorkers(1))...)

	ctx := context.Background()
	go exec.Execute(ctx)

	time.Sleep(40 * time.Millisecond)
	exec.Stop()

	select {
	case <-exec.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("run did not settle after Stop")
	}

	// Stopped with tasks still pending: the run finalizes as failed.
	gotRun, err := s.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if gotRun.Status != model.StatusFailed {
		t.Errorf("run status = %q, want failed when stopped with undone tasks", gotRun.Status)
	}
	if gotRun.CompletedAt == nil {
		t.Error("completed_at not set on stopped run")
	}
}

func TestRegistryLifecycle(t *testing.T) {
	s := newTestStore(t)
	run, target, _ := makeRunWithTasks(t, s, []map[string]string{{"delta": "10"}})

	f := newScriptedFactory()
	f.delay = 30 * time.Millisecond

	reg := engine.NewRegistry()
	exec := engine.NewExecutor(s, f, run, target, testLogger(),
		fastOpts(engine.WithWorkers(1))...)

	ctx := context.Background()
	if err := reg.Start(ctx, exec); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Starting the same run twice is rejected while it is active.
	dup := engine.NewExecutor(s, f, run, target, testLogger(), fastOpts()...)
	if err := reg.Start(ctx, dup); !errors.Is(err, engine.ErrAlreadyRunning) {
		t.Errorf("duplicate Start: err = %v, want ErrAlreadyRunning", err)
	}

	if _, ok := reg.Get(run.ID); !ok {
		t.Error("Get: active run not found")
	}

	select {
	case <-exec.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("run did not settle")
	}
	reg.Wait()

	// Entry is removed once the run settles.
	if _, ok := reg.Get(run.ID); ok {
		t.Error("Get: settled run still registered")
	}
	if err := reg.Stop(run.ID); !errors.Is(err, engine.ErrNotRunning) {
		t.Errorf("Stop settled run: err = %v, want ErrNotRunning", err)
	}
}
