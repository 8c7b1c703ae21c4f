// Package postprocessing finishes items whose entries are registered with
// the VFS: it stamps post-processing completion on symlinked leaves and
// back-fills episodes a completed season turns out to be missing.
package postprocessing

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/rivenmedia/riven/internal/config"
	"github.com/rivenmedia/riven/internal/media"
	"github.com/rivenmedia/riven/internal/metadata/tmdb"
)

// Harvester supplies watch-to-pipeline releases scoped to a single episode.
// The w2p service satisfies it.
type Harvester interface {
	Enabled() bool
	HarvestEpisode(ctx context.Context, item *media.Item, season, episode int) ([]media.HarvestedRelease, error)
}

// Service is the last pipeline stage. Completion is a per-leaf stamp, so a
// show completes season by season while episode validation keeps the tree
// honest against the TMDB episode list.
type Service struct {
	tmdb      *tmdb.Client
	harvester Harvester
	validate  bool
	logger    zerolog.Logger
}

func New(cfg config.PostProcessingConfig, tmdbClient *tmdb.Client, harvester Harvester, logger zerolog.Logger) *Service {
	return &Service{
		tmdb:      tmdbClient,
		harvester: harvester,
		validate:  cfg.EpisodeValidation,
		logger:    logger.With().Str("component", "postprocessing").Logger(),
	}
}

func (s *Service) Name() string { return "postprocessing" }

// Run stamps every symlinked leaf as post-processed, then validates any
// season the stamping completed. Validation failures are logged, never
// propagated: a TMDB outage must not fail an item that is already on disk.
func (s *Service) Run(ctx context.Context, item *media.Item, emit func(*media.Item, time.Time)) error {
	now := time.Now()

	stamped := 0
	for _, leaf := range item.Leaves() {
		if leaf.StateAt(now) != media.StateSymlinked {
			continue
		}
		t := now
		leaf.PostProcessedAt = &t
		stamped++
	}
	if stamped > 0 {
		s.logger.Debug().
			Int64("itemID", item.ID).
			Str("title", item.Title).
			Int("leaves", stamped).
			Msg("stamped post-processed leaves")
	}

	// Stamping runs first so an episode finishing here can complete its
	// season and trigger validation in the same pass.
	if s.validate {
		for _, season := range s.completedSeasons(item, now) {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := s.validateSeason(ctx, season, emit); err != nil {
				s.logger.Warn().
					Err(err).
					Int64("itemID", item.ID).
					Int("season", season.Number).
					Msg("episode validation failed")
			}
		}
	}

	emit(item, time.Time{})
	return nil
}

// completedSeasons resolves which seasons the item's completion touches: the
// season itself, every completed season of a show, or an episode's parent.
func (s *Service) completedSeasons(item *media.Item, now time.Time) []*media.Item {
	switch item.Type {
	case media.TypeSeason:
		if item.StateAt(now) == media.StateCompleted {
			return []*media.Item{item}
		}
	case media.TypeShow:
		var out []*media.Item
		for _, c := range item.Children {
			if c.Type == media.TypeSeason && c.StateAt(now) == media.StateCompleted {
				out = append(out, c)
			}
		}
		return out
	case media.TypeEpisode:
		if p := item.Parent; p != nil && p.Type == media.TypeSeason && p.StateAt(now) == media.StateCompleted {
			return []*media.Item{p}
		}
	}
	return nil
}

// validateSeason compares the season's episode nodes against the TMDB
// episode list and reconciles every number the tree is missing.
func (s *Service) validateSeason(ctx context.Context, season *media.Item, emit func(*media.Item, time.Time)) error {
	root := season.Root()
	if s.tmdb == nil || root.TmdbID == "" {
		return nil
	}

	details, err := s.tmdb.GetSeason(ctx, root.TmdbID, season.Number)
	if err != nil {
		return fmt.Errorf("season %d lookup: %w", season.Number, err)
	}
	if len(details.Episodes) == 0 {
		return nil
	}

	missing := missingNumbers(season, len(details.Episodes))
	if len(missing) == 0 {
		return nil
	}

	s.logger.Warn().
		Str("show", root.Title).
		Int("season", season.Number).
		Ints("episodes", missing).
		Msg("completed season is missing episodes")

	for _, number := range missing {
		if err := ctx.Err(); err != nil {
			return err
		}
		var releases []media.HarvestedRelease
		if s.harvester != nil && s.harvester.Enabled() {
			releases, err = s.harvester.HarvestEpisode(ctx, root, season.Number, number)
			if err != nil {
				s.logger.Warn().
					Err(err).
					Int("season", season.Number).
					Int("episode", number).
					Msg("episode harvest failed")
				releases = nil
			}
		}
		s.reconcile(season, details, number, releases, emit)
	}
	return nil
}

// missingNumbers returns the episode ordinals absent from the season: gaps
// below the highest node on record plus the tail TMDB expects beyond it.
func missingNumbers(season *media.Item, expected int) []int {
	present := make(map[int]bool, len(season.Children))
	highest := 0
	for _, c := range season.Children {
		if c.Type != media.TypeEpisode {
			continue
		}
		present[c.Number] = true
		if c.Number > highest {
			highest = c.Number
		}
	}
	limit := expected
	if highest > limit {
		limit = highest
	}
	var missing []int
	for n := 1; n <= limit; n++ {
		if !present[n] {
			missing = append(missing, n)
		}
	}
	return missing
}

// reconcile resolves one missing episode number. An existing node gets the
// harvested releases and a cleared scrape stamp so the scrapers reconsider
// it; an absent node is created under the season and enqueued.
func (s *Service) reconcile(season *media.Item, details *tmdb.Season, number int, releases []media.HarvestedRelease, emit func(*media.Item, time.Time)) {
	for _, c := range season.Children {
		if c.Type != media.TypeEpisode || c.Number != number {
			continue
		}
		if len(releases) == 0 {
			return
		}
		c.Aliases.W2PReleases = releases
		c.ScrapedAt = nil
		emit(c, time.Time{})
		return
	}

	ep := &media.Item{
		Type:        media.TypeEpisode,
		Number:      number,
		Title:       fmt.Sprintf("Episode %d", number),
		RequestedAt: time.Now(),
		RequestedBy: "episode_validation",
		IsAnime:     season.IsAnime,
		Aliases:     media.Aliases{W2PReleases: releases},
	}
	for i := range details.Episodes {
		info := &details.Episodes[i]
		if info.EpisodeNumber != number {
			continue
		}
		if info.Name != "" {
			ep.Title = info.Name
		}
		ep.AiredAt = info.AiredAt()
		break
	}
	season.AttachChild(ep)
	s.logger.Info().
		Str("show", season.Root().Title).
		Int("season", season.Number).
		Int("episode", number).
		Int("releases", len(releases)).
		Msg("created missing episode")
	emit(ep, time.Time{})
}
