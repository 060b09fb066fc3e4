package engine

import (
	"context"
	"time"
)

// watchdogLoop periodically inspects worker activity timestamps and replaces
// any handle that has been silent past the stall threshold while tasks are
// still pending. An idle worker on an empty queue is left alone; idleness is
// expected there, not a fault. Restart-on-failure is the supervisor's job,
// never the watchdog's.
func (e *Executor) watchdogLoop(ctx context.Context, states []*workerState) error {
	ticker := time.NewTicker(e.watchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		if e.queue.Empty() {
			continue
		}

		now := time.Now()
		for _, ws := range states {
			idle := now.Sub(time.Unix(0, ws.lastActivity.Load()))
			if idle <= e.stallThreshold {
				continue
			}

			ws.mu.Lock()
			stale := ws.handle
			ws.mu.Unlock()
			if stale == nil {
				continue
			}

			e.logger.Warn("worker stalled", "worker_id", ws.id, "idle", idle)
			// Closing the stale handle forces a stuck delegation to
			// return an error, which the worker loop classifies and
			// handles; the task is requeued or finalized, never stuck.
			if err := e.replaceHandle(ctx, ws, stale, restartWatchdog); err != nil {
				return err
			}
		}
	}
}
