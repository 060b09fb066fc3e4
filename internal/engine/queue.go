package engine

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sweepd/sweepd/internal/model"
)

// ErrQueueEmpty is returned by Get when no task became available within the
// bounded wait.
var ErrQueueEmpty = errors.New("task queue empty")

// QueueStats is a point-in-time snapshot of queue bookkeeping.
type QueueStats struct {
	Pending    int `json:"pending"`
	InProgress int `json:"in_progress"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}

// queueItem is one heap entry. Ordering is by priority ascending, then by
// insertion sequence so equal priorities dequeue FIFO.
type queueItem struct {
	task     *model.Task
	priority int
	seq      uint64
}

type taskHeap []*queueItem

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x any) { *h = append(*h, x.(*queueItem)) }
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// TaskQueue is a concurrency-safe min-priority queue of pending tasks with
// bookkeeping for in-flight, completed, and failed counts. A dequeued task
// stays in-flight until MarkCompleted, MarkFailed, or Requeue clears it, and
// is never handed to a second caller while in-flight.
type TaskQueue struct {
	mu        sync.Mutex
	heap      taskHeap
	seq       uint64
	inFlight  map[string]struct{}
	completed int
	failed    int

	// notify wakes one blocked Get when a task is inserted.
	notify chan struct{}
}

// NewTaskQueue creates an empty task queue.
func NewTaskQueue() *TaskQueue {
	q := &TaskQueue{
		inFlight: make(map[string]struct{}),
		notify:   make(chan struct{}, 1),
	}
	heap.Init(&q.heap)
	return q
}

// Put inserts a task with the given priority. Lower priorities dequeue first.
func (q *TaskQueue) Put(task *model.Task, priority int) {
	q.mu.Lock()
	q.seq++
	heap.Push(&q.heap, &queueItem{task: task, priority: priority, seq: q.seq})
	q.mu.Unlock()
	q.wake()
}

// Requeue reinserts a previously in-flight task, clearing its in-flight
// marker.
func (q *TaskQueue) Requeue(task *model.Task, priority int) {
	q.mu.Lock()
	delete(q.inFlight, task.ID)
	q.seq++
	heap.Push(&q.heap, &queueItem{task: task, priority: priority, seq: q.seq})
	q.mu.Unlock()
	q.wake()
}

// Get returns the lowest-priority, earliest-inserted task and marks it
// in-flight. It waits up to the bounded duration for a task to appear,
// returning ErrQueueEmpty on timeout or the context error on cancellation.
func (q *TaskQueue) Get(ctx context.Context, wait time.Duration) (*model.Task, error) {
	deadline := time.NewTimer(wait)
	defer deadline.Stop()

	for {
		if task, ok := q.tryPop(); ok {
			return task, nil
		}

		select {
		case <-q.notify:
		case <-deadline.C:
			return nil, ErrQueueEmpty
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (q *TaskQueue) tryPop() (*model.Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.heap.Len() == 0 {
		return nil, false
	}
	item := heap.Pop(&q.heap).(*queueItem)
	q.inFlight[item.task.ID] = struct{}{}
	return item.task, true
}

// MarkCompleted clears a task's in-flight marker and bumps the completed
// counter.
func (q *TaskQueue) MarkCompleted(taskID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inFlight, taskID)
	q.completed++
}

// MarkFailed clears a task's in-flight marker and bumps the failed counter.
func (q *TaskQueue) MarkFailed(taskID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inFlight, taskID)
	q.failed++
}

// Stats returns a snapshot of the queue counters.
func (q *TaskQueue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return QueueStats{
		Pending:    q.heap.Len(),
		InProgress: len(q.inFlight),
		Completed:  q.completed,
		Failed:     q.failed,
	}
}

// Empty reports whether no tasks are queued (in-flight tasks do not count).
func (q *TaskQueue) Empty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.heap.Len() == 0
}

// Drained reports whether no tasks are queued or in-flight.
func (q *TaskQueue) Drained() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.heap.Len() == 0 && len(q.inFlight) == 0
}

func (q *TaskQueue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
