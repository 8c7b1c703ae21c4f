package filesystem

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/rivenmedia/riven/internal/media"
)

// Service publishes downloaded leaves into the virtual filesystem. Each pass
// removes the leaf's previous registration and re-adds it from the current
// entries, so VFS state is exact rather than incremental.
type Service struct {
	host      VFSHost
	projector *SymlinkProjector
	logger    zerolog.Logger
}

// New creates the registration service. projector may be nil when no symlink
// library is configured.
func New(host VFSHost, projector *SymlinkProjector, logger zerolog.Logger) *Service {
	return &Service{
		host:      host,
		projector: projector,
		logger:    logger.With().Str("component", "filesystem").Logger(),
	}
}

// Name identifies the service in event routing and logs.
func (s *Service) Name() string { return "filesystem" }

// Run registers every downloaded leaf under the item. Leaves whose entries
// cannot be registered are logged and skipped; the item is always re-emitted
// so its state folds over whatever did register.
func (s *Service) Run(ctx context.Context, item *media.Item, emit func(*media.Item, time.Time)) error {
	if s.host == nil {
		return errors.New("filesystem: no VFS host configured")
	}

	leaves := downloadedLeaves(item)
	if len(leaves) == 0 {
		s.logger.Debug().Int64("item_id", item.ID).Str("title", item.Title).Msg("no entries to publish")
		emit(item, time.Time{})
		return nil
	}

	registered := 0
	for _, leaf := range leaves {
		if err := ctx.Err(); err != nil {
			return err
		}

		// Old links first: they reference the paths the host is about to
		// forget.
		if s.projector != nil {
			s.projector.RemoveLeaf(leaf)
		}
		s.host.Remove(leaf)

		if !s.host.Add(leaf) {
			s.logger.Error().
				Int64("item_id", leaf.ID).
				Str("title", leaf.Title).
				Msg("virtual filesystem registration failed")
			continue
		}
		registered++

		if s.projector != nil {
			s.projector.ProjectLeaf(leaf)
		}
	}

	s.logger.Info().
		Int64("item_id", item.ID).
		Str("title", item.Title).
		Int("registered", registered).
		Int("leaves", len(leaves)).
		Msg("filesystem pass complete")

	emit(item, time.Time{})
	return nil
}

// Rebuild republishes every downloaded leaf of the given trees. The host
// registry lives in memory only, so a restart starts from an empty virtual
// tree while the store still reports items as published; the boot pass
// replays the registrations before the pipeline resumes. Returns the number
// of leaves published.
func (s *Service) Rebuild(ctx context.Context, trees []*media.Item) int {
	if s.host == nil {
		return 0
	}
	published := 0
	for _, root := range trees {
		if err := ctx.Err(); err != nil {
			return published
		}
		for _, leaf := range downloadedLeaves(root) {
			if !s.host.Add(leaf) {
				continue
			}
			published++
			if s.projector != nil {
				s.projector.ProjectLeaf(leaf)
			}
		}
	}
	return published
}

// Unpublish deregisters every leaf under the item and tears down its
// symlinks. Called when an item is removed from the library.
func (s *Service) Unpublish(item *media.Item) {
	if s.host == nil {
		return
	}
	for _, leaf := range item.Leaves() {
		if len(leaf.FilesystemEntries) == 0 {
			continue
		}
		if s.projector != nil {
			s.projector.RemoveLeaf(leaf)
		}
		s.host.Remove(leaf)
	}
}

// downloadedLeaves expands containers to the leaves that hold entries.
func downloadedLeaves(item *media.Item) []*media.Item {
	var out []*media.Item
	for _, leaf := range item.Leaves() {
		if len(leaf.FilesystemEntries) > 0 {
			out = append(out, leaf)
		}
	}
	return out
}
