// Package tasks wires the periodic pipeline jobs into the scheduler. Each
// job only enqueues events; all item mutation stays inside the event
// manager's per-item serialization.
package tasks

import (
	"context"
	"time"

	"github.com/rivenmedia/riven/internal/database"
	"github.com/rivenmedia/riven/internal/events"
	"github.com/rivenmedia/riven/internal/media"
	"github.com/rivenmedia/riven/internal/scheduler"
)

const PipelineSweepTaskID = "pipeline-sweep"

// RegisterPipelineSweepTask registers the periodic re-enqueue of every root
// that still needs pipeline work. Ongoing shows get their unaired tail
// rechecked, items parked on cooldowns get another pass, and anything a
// crashed run left mid-stage moves again. Completed, failed and paused roots
// stay put; failed ones wait for an explicit retry.
func RegisterPipelineSweepTask(sched *scheduler.Scheduler, store *database.Store, manager *events.Manager, interval time.Duration) error {
	return sched.RegisterTask(scheduler.TaskConfig{
		ID:          PipelineSweepTaskID,
		Name:        "Pipeline Sweep",
		Description: "Re-enqueues every root item that still needs pipeline work",
		Interval:    interval,
		RunOnStart:  false,
		Func: func(ctx context.Context) error {
			ids, err := store.ListRootIDs(ctx)
			if err != nil {
				return err
			}
			now := time.Now()
			for _, id := range ids {
				root, err := store.GetTree(ctx, id)
				if err != nil {
					continue
				}
				switch root.StateAt(now) {
				case media.StateCompleted, media.StateFailed, media.StatePaused:
					continue
				}
				manager.Enqueue(id, "pipeline-sweep", time.Time{})
			}
			return nil
		},
	})
}
