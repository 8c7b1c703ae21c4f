// Package scrapers turns an item into ranked, profile-tagged streams. It
// fans a search fingerprint out to every initialized source in parallel,
// merges the raw releases, and runs the merged set through the ranking
// engine once per profile, keeping the top distinct picks of each.
package scrapers

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"

	"github.com/rivenmedia/riven/internal/config"
	"github.com/rivenmedia/riven/internal/media"
	"github.com/rivenmedia/riven/internal/profile"
	"github.com/rivenmedia/riven/internal/ranking"
	"github.com/rivenmedia/riven/internal/scrapers/sitedef"
	"github.com/rivenmedia/riven/internal/scrapers/torrentio"
	"github.com/rivenmedia/riven/internal/scrapers/types"
	"github.com/rivenmedia/riven/internal/scrapers/zilean"
)

// Service owns the scraper registry and the fan-in pipeline.
type Service struct {
	sources  []types.Scraper
	profiles *profile.Set
	logger   *zerolog.Logger
}

// New builds the service with every enabled source from configuration.
// Sources are kept in a fixed registry order so merges are deterministic.
func New(cfg config.ScrapersConfig, profiles *profile.Set, logger *zerolog.Logger) (*Service, error) {
	componentLogger := logger.With().Str("component", "scrapers").Logger()

	var sources []types.Scraper
	if cfg.Torrentio.Enabled {
		sources = append(sources, torrentio.New(cfg.Torrentio, &componentLogger))
	}
	if cfg.Zilean.Enabled {
		sources = append(sources, zilean.New(cfg.Zilean, &componentLogger))
	}
	if cfg.SiteDefs.Enabled {
		defs, err := sitedef.LoadDir(cfg.SiteDefs.DefinitionsDir)
		if err != nil {
			return nil, fmt.Errorf("failed to load site definitions: %w", err)
		}
		for _, def := range defs {
			sources = append(sources, sitedef.New(def, cfg.SiteDefs.Timeout, &componentLogger))
		}
	}

	return &Service{
		sources:  sources,
		profiles: profiles,
		logger:   &componentLogger,
	}, nil
}

// Validate probes every source and drops the unreachable ones from the
// registry. The harvested-releases path needs no source, so an empty
// registry is not an error.
func (s *Service) Validate(ctx context.Context) {
	kept := s.sources[:0]
	for _, src := range s.sources {
		if err := src.Validate(ctx); err != nil {
			s.logger.Warn().Err(err).Str("scraper", src.Name()).Msg("scraper failed validation, dropping")
			continue
		}
		s.logger.Info().Str("scraper", src.Name()).Msg("scraper initialized")
		kept = append(kept, src)
	}
	s.sources = kept
}

// SourceNames returns the active source names in registry order.
func (s *Service) SourceNames() []string {
	names := make([]string, len(s.sources))
	for i, src := range s.sources {
		names[i] = src.Name()
	}
	return names
}

// Scrape finds, ranks, and selects candidate releases for the item. The
// returned streams are the concatenation of each profile's top picks in
// profile order; duplicates across profiles are dropped. An item nothing
// was found for yields an empty slice, not an error.
func (s *Service) Scrape(ctx context.Context, item *media.Item) ([]*media.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	fp := fingerprintFor(item)
	merged := s.collect(ctx, item, fp)
	if len(merged) == 0 {
		s.logger.Debug().Str("item", item.CanonicalID()).Msg("no releases found")
		return nil, nil
	}

	streams := s.parseResults(item, merged)

	s.logger.Info().
		Str("item", item.CanonicalID()).
		Str("title", item.Title).
		Int("releases", len(merged)).
		Int("streams", len(streams)).
		Msg("scrape completed")

	return streams, nil
}

// Name identifies the service in event routing and logs.
func (s *Service) Name() string { return "scrapers" }

// Run advances one item through the scrape stage. Found streams replace the
// node's candidate list and the node is re-emitted for download. A node
// nothing was found for keeps its previous candidates and instead emits each
// child that still needs the pipeline, so a show whose show-level search ran
// dry falls back to per-season and then per-episode searches.
func (s *Service) Run(ctx context.Context, item *media.Item, emit func(*media.Item, time.Time)) error {
	streams, err := s.Scrape(ctx, item)
	if err != nil {
		return err
	}

	now := time.Now()
	item.ScrapedAt = &now
	if len(streams) > 0 {
		item.Streams = streams
	}

	if item.StateAt(now) == media.StateScraped {
		emit(item, time.Time{})
		return nil
	}

	for _, c := range item.Children {
		switch c.StateAt(now) {
		case media.StateIndexed, media.StateScraped, media.StateDownloaded, media.StateSymlinked:
			emit(c, time.Time{})
		}
	}
	return nil
}

// sourceResult is one source's contribution to a fan-out.
type sourceResult struct {
	name    string
	results []types.Result
	err     error
	took    time.Duration
}

// collect fans the fingerprint out across all sources, waits for every
// one, and merges the raw releases into a deterministic ordered set. The
// harvested releases stored on the item are merged first so their titles
// win infohash collisions; network sources follow in registry order. A
// failed source contributes nothing.
func (s *Service) collect(ctx context.Context, item *media.Item, fp types.Fingerprint) []types.Result {
	gathered := make([]sourceResult, len(s.sources))

	p := pool.New().WithMaxGoroutines(maxConcurrentSources(len(s.sources)))
	for i, src := range s.sources {
		p.Go(func() {
			start := time.Now()
			results, err := src.Scrape(ctx, fp)
			gathered[i] = sourceResult{name: src.Name(), results: results, err: err, took: time.Since(start)}
		})
	}
	p.Wait()

	var merged []types.Result
	index := make(map[string]struct{})
	blacklisted := 0

	appendResult := func(r types.Result) {
		hash, err := media.NormalizeInfohash(r.Infohash)
		if err != nil {
			return
		}
		if item.IsBlacklisted(hash) {
			blacklisted++
			return
		}
		if _, seen := index[hash]; seen {
			return
		}
		index[hash] = struct{}{}
		r.Infohash = hash
		merged = append(merged, r)
	}

	for _, r := range harvestedResults(item) {
		appendResult(r)
	}

	for _, g := range gathered {
		if g.err != nil {
			s.logger.Warn().Err(g.err).Str("scraper", g.name).Dur("took", g.took).Msg("scraper failed")
			continue
		}
		s.logger.Debug().Str("scraper", g.name).Int("results", len(g.results)).Dur("took", g.took).Msg("scraper returned")
		for _, r := range g.results {
			appendResult(r)
		}
	}

	if blacklisted > 0 {
		s.logger.Debug().Int("count", blacklisted).Str("item", item.CanonicalID()).Msg("dropped blacklisted releases")
	}

	return merged
}

const defaultSourceConcurrency = 4

func maxConcurrentSources(n int) int {
	if n < 1 {
		return 1
	}
	if n > defaultSourceConcurrency {
		return defaultSourceConcurrency
	}
	return n
}

// parseResults ranks the merged releases once per profile, applies the
// item-context filters, and keeps each profile's top distinct picks in
// bucketed order. Profile order is preserved in the output.
func (s *Service) parseResults(item *media.Item, merged []types.Result) []*media.Stream {
	correctTitle := item.Root().Title
	profiles := s.profiles.ForItemPaths(item.Root().LibraryPaths)

	var streams []*media.Stream
	taken := make(map[string]struct{})
	duplicates := 0

	for _, prof := range profiles {
		engine := ranking.NewEngine(prof)

		var torrents []ranking.Torrent
		for _, r := range merged {
			torrent, err := engine.Rank(ranking.Candidate{
				Infohash: r.Infohash,
				RawTitle: r.RawTitle,
				Size:     r.Size,
			}, correctTitle)
			if err != nil {
				continue
			}
			if !passesContext(item, prof, torrent.Parsed) {
				continue
			}
			torrents = append(torrents, torrent)
		}

		if len(torrents) == 0 {
			s.logger.Debug().
				Str("item", item.CanonicalID()).
				Str("profile", prof.Name).
				Msg("no valid torrents for profile")
			continue
		}

		sorted := ranking.SortTorrents(torrents, prof.BucketLimit)
		keep := s.profiles.KeepVersions(prof.Name)

		added := 0
		for _, t := range sorted {
			if added >= keep {
				break
			}
			if _, dup := taken[t.Infohash]; dup {
				duplicates++
				continue
			}
			taken[t.Infohash] = struct{}{}
			streams = append(streams, &media.Stream{
				Infohash:    t.Infohash,
				RawTitle:    t.RawTitle,
				Parsed:      t.Parsed,
				Rank:        t.Rank,
				ProfileName: prof.Name,
			})
			added++
		}

		s.logger.Debug().
			Str("item", item.CanonicalID()).
			Str("profile", prof.Name).
			Int("ranked", len(sorted)).
			Int("kept", added).
			Msg("profile selection done")
	}

	if duplicates > 0 {
		s.logger.Debug().
			Str("item", item.CanonicalID()).
			Int("count", duplicates).
			Msg("dropped duplicate infohashes across profiles")
	}

	return streams
}

// fingerprintFor reduces an item to the search identity scrapers work
// from. Shows, seasons, and episodes all query as series; season and
// episode ordinals narrow the scope where the item has them.
func fingerprintFor(item *media.Item) types.Fingerprint {
	root := item.Root()
	fp := types.Fingerprint{
		ImdbID: root.ImdbID,
		Title:  root.Title,
		Year:   root.Year,
	}
	if fp.Year == 0 && !root.AiredAt.IsZero() {
		fp.Year = root.AiredAt.Year()
	}

	switch item.Type {
	case media.TypeMovie:
		fp.MediaType = types.MediaTypeMovie
	case media.TypeShow:
		fp.MediaType = types.MediaTypeSeries
	case media.TypeSeason:
		fp.MediaType = types.MediaTypeSeries
		fp.Season = item.Number
	case media.TypeEpisode:
		fp.MediaType = types.MediaTypeSeries
		fp.Season = item.SeasonNumber()
		fp.Episode = item.Number
	}
	return fp
}
