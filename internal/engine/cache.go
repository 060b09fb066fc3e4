package engine

import (
	"context"
	"errors"
	"log/slog"

	"github.com/sweepd/sweepd/internal/model"
	"github.com/sweepd/sweepd/internal/store"
)

// cacheGate checks whether a task's parameter assignment has already been
// executed for the same target, so the engine can reuse the stored result
// instead of delegating to a worker. Only single-parameter tasks are
// eligible; grid combinations always execute.
type cacheGate struct {
	store  store.Store
	logger *slog.Logger
}

// lookup returns a result for the task copied from a prior completed task
// with the same (target, parameter, value), or nil when no such result
// exists. Lookup errors are logged and treated as misses so a degraded
// database read never blocks execution.
func (c *cacheGate) lookup(ctx context.Context, targetID string, task *model.Task) *model.Result {
	if len(task.Params) != 1 {
		return nil
	}

	var param, value string
	for k, v := range task.Params {
		param, value = k, v
	}

	prior, err := c.store.FindCachedResult(ctx, targetID, param, value)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			c.logger.Warn("cache lookup failed, executing task",
				"task_id", task.ID, "param", param, "error", err)
		}
		return nil
	}

	return &model.Result{
		ID:      model.NewID(),
		TaskID:  task.ID,
		Metrics: prior.Metrics,
		Raw:     prior.Raw,
	}
}
