package tasks

import (
	"context"
	"time"

	"github.com/rivenmedia/riven/internal/database"
	"github.com/rivenmedia/riven/internal/events"
	"github.com/rivenmedia/riven/internal/media"
	"github.com/rivenmedia/riven/internal/scheduler"
	"github.com/rivenmedia/riven/internal/w2p"
)

const HarvestSweepTaskID = "harvest-sweep"

// RegisterHarvestSweepTask registers the periodic watchlist harvest. Roots
// still hunting for candidates get a fresh harvester query, and so do the
// episodes the completeness validator raised; other descendants are skipped
// so a newly indexed show does not fan out into per-episode harvester calls.
// Items inside their park window come back once the cooldown lapses.
func RegisterHarvestSweepTask(sched *scheduler.Scheduler, store *database.Store, manager *events.Manager, stage *w2p.Stage, interval time.Duration) error {
	return sched.RegisterTask(scheduler.TaskConfig{
		ID:          HarvestSweepTaskID,
		Name:        "Harvest Sweep",
		Description: "Queries the watchlist harvester for items still missing release candidates",
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
				for _, node := range harvestTargets(root) {
					if stage.Eligible(node, now) {
						manager.EnqueueService(node.ID, "harvest", time.Time{})
					}
				}
			}
			return nil
		},
	})
}

// harvestTargets returns the nodes of a tree the harvester may be asked
// about: the root itself plus any descendant the W2P machinery has already
// touched, through validator creation or earlier harvest attempts.
func harvestTargets(root *media.Item) []*media.Item {
	targets := []*media.Item{root}
	var walk func(*media.Item)
	walk = func(it *media.Item) {
		for _, c := range it.Children {
			if c.RequestedBy == "episode_validation" ||
				c.Aliases.W2PLastAttempt != nil ||
				c.Aliases.W2PAttemptCount > 0 {
				targets = append(targets, c)
			}
			walk(c)
		}
	}
	walk(root)
	return targets
}
