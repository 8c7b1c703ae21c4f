package tasks

import (
	"context"
	"time"

	"github.com/rivenmedia/riven/internal/database"
	"github.com/rivenmedia/riven/internal/events"
	"github.com/rivenmedia/riven/internal/scheduler"
)

const RetentionAuditTaskID = "retention-audit"

// RegisterRetentionAuditTask registers the periodic retention pass. Every
// root holding filesystem entries goes through the downloader again, whose
// leading retention sweep trims each leaf to the per-profile version caps.
// A lowered keep_versions therefore takes effect on the whole library
// without waiting for items to be re-processed.
func RegisterRetentionAuditTask(sched *scheduler.Scheduler, store *database.Store, manager *events.Manager, interval time.Duration) error {
	return sched.RegisterTask(scheduler.TaskConfig{
		ID:          RetentionAuditTaskID,
		Name:        "Retention Audit",
		Description: "Re-applies per-profile version retention to every item holding files",
		Interval:    interval,
		RunOnStart:  false,
		Func: func(ctx context.Context) error {
			ids, err := store.ListRootIDs(ctx)
			if err != nil {
				return err
			}
			for _, id := range ids {
				root, err := store.GetTree(ctx, id)
				if err != nil {
					continue
				}
				holdsFiles := false
				for _, leaf := range root.Leaves() {
					if len(leaf.FilesystemEntries) > 0 {
						holdsFiles = true
						break
					}
				}
				if !holdsFiles {
					continue
				}
				manager.EnqueueService(id, "downloader", time.Time{})
			}
			return nil
		},
	})
}
