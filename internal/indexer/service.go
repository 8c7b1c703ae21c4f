// Package indexer turns requested items into indexed ones: it resolves
// external identifiers through TMDB, fills in title/year/air-date metadata
// and builds the Season→Episode tree for shows.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/rivenmedia/riven/internal/media"
	"github.com/rivenmedia/riven/internal/metadata/tmdb"
)

// metadataRetryDelay is how long an item waits after a transient metadata
// failure (rate limit, network blip) before the next indexing attempt.
const metadataRetryDelay = 5 * time.Minute

// Service resolves metadata for requested items.
type Service struct {
	tmdb   *tmdb.Client
	logger zerolog.Logger
}

// New creates the indexer service.
func New(client *tmdb.Client, logger zerolog.Logger) *Service {
	return &Service{
		tmdb:   client,
		logger: logger.With().Str("component", "indexer").Logger(),
	}
}

// Name identifies the service in event routing and logs.
func (s *Service) Name() string { return "indexer" }

// Run indexes the tree the item belongs to. Transient metadata failures
// reschedule the item instead of failing it; a missing TMDB record falls
// back to using the identifier as the title so scraping can still proceed.
func (s *Service) Run(ctx context.Context, item *media.Item, emit func(*media.Item, time.Time)) error {
	root := item.Root()

	if !root.HasIdentifiers() {
		return fmt.Errorf("item %d has no external identifiers", root.ID)
	}

	var err error
	switch root.Type {
	case media.TypeMovie:
		err = s.indexMovie(ctx, root)
	case media.TypeShow:
		err = s.indexShow(ctx, root)
	default:
		return fmt.Errorf("cannot index item type %q", root.Type)
	}

	switch {
	case err == nil:
	case errors.Is(err, tmdb.ErrNotFound):
		// No metadata record. Scrape by identifier rather than dropping
		// the request on the floor.
		if root.Title == "" {
			root.Title = root.CanonicalID()
		}
		s.logger.Warn().
			Int64("itemID", root.ID).
			Str("id", root.CanonicalID()).
			Msg("no metadata record, falling back to identifier as title")
	case isTransient(err):
		s.logger.Warn().Err(err).
			Int64("itemID", root.ID).
			Dur("retryIn", metadataRetryDelay).
			Msg("metadata lookup failed, rescheduling")
		emit(root, time.Now().Add(metadataRetryDelay))
		return nil
	default:
		return err
	}

	s.logger.Info().
		Int64("itemID", root.ID).
		Str("type", string(root.Type)).
		Str("title", root.Title).
		Int("year", root.Year).
		Bool("anime", root.IsAnime).
		Msg("item indexed")

	emit(root, time.Time{})
	return nil
}

func (s *Service) indexMovie(ctx context.Context, root *media.Item) error {
	tmdbID, err := s.resolveTmdbID(ctx, root, false)
	if err != nil {
		return err
	}

	movie, err := s.tmdb.GetMovie(ctx, tmdbID)
	if err != nil {
		return err
	}

	root.TmdbID = strconv.FormatInt(movie.ID, 10)
	if root.ImdbID == "" {
		root.ImdbID = movie.ExternalIDs.ImdbID
	}
	root.Title = movie.Title
	root.Year = movie.Year()
	root.AiredAt = movie.AiredAt()
	root.Country = movie.Country()
	root.IsAnime = movie.IsAnime()
	return nil
}

func (s *Service) indexShow(ctx context.Context, root *media.Item) error {
	tmdbID, err := s.resolveTmdbID(ctx, root, true)
	if err != nil {
		return err
	}

	show, err := s.tmdb.GetShow(ctx, tmdbID)
	if err != nil {
		return err
	}

	root.TmdbID = strconv.FormatInt(show.ID, 10)
	if root.ImdbID == "" {
		root.ImdbID = show.ExternalIDs.ImdbID
	}
	if root.TvdbID == "" && show.ExternalIDs.TvdbID != 0 {
		root.TvdbID = strconv.FormatInt(show.ExternalIDs.TvdbID, 10)
	}
	root.Title = show.Name
	root.Year = show.Year()
	root.AiredAt = show.AiredAt()
	root.Country = show.Country()
	root.IsAnime = show.IsAnime()

	for _, summary := range show.Seasons {
		// Specials are never requested or matched.
		if summary.SeasonNumber < 1 {
			continue
		}
		details, err := s.tmdb.GetSeason(ctx, tmdbID, summary.SeasonNumber)
		if err != nil {
			if errors.Is(err, tmdb.ErrNotFound) {
				continue
			}
			return err
		}
		if len(details.Episodes) == 0 {
			continue
		}
		s.mergeSeason(root, details)
	}

	if len(root.Leaves()) == 0 {
		return fmt.Errorf("show %s has no episodes on record", root.CanonicalID())
	}
	if root.IsAnime {
		numberAbsolutes(root)
	}
	return nil
}

// mergeSeason attaches a season and its episodes, updating nodes that
// already exist so re-indexing never duplicates children.
func (s *Service) mergeSeason(root *media.Item, details *tmdb.Season) {
	season := root.Season(details.SeasonNumber)
	if season == nil {
		season = &media.Item{
			Type:    media.TypeSeason,
			Number:  details.SeasonNumber,
			IsAnime: root.IsAnime,
		}
		root.AttachChild(season)
	}
	season.Title = details.Name
	season.AiredAt = dateOrZero(details.AirDate)
	season.IsAnime = root.IsAnime

	for _, epInfo := range details.Episodes {
		ep := root.FindEpisode(details.SeasonNumber, epInfo.EpisodeNumber)
		if ep == nil {
			ep = &media.Item{
				Type:    media.TypeEpisode,
				Number:  epInfo.EpisodeNumber,
				IsAnime: root.IsAnime,
			}
			season.AttachChild(ep)
		}
		ep.Title = epInfo.Name
		if ep.Title == "" {
			ep.Title = fmt.Sprintf("Episode %d", epInfo.EpisodeNumber)
		}
		ep.AiredAt = epInfo.AiredAt()
		ep.IsAnime = root.IsAnime
	}
}

// resolveTmdbID returns the item's TMDB id, looking it up from the IMDb or
// TVDB id when not set directly.
func (s *Service) resolveTmdbID(ctx context.Context, root *media.Item, wantTV bool) (string, error) {
	if root.TmdbID != "" {
		return root.TmdbID, nil
	}

	source, externalID := tmdb.SourceIMDb, root.ImdbID
	if externalID == "" {
		source, externalID = tmdb.SourceTVDb, root.TvdbID
	}
	if externalID == "" {
		return "", fmt.Errorf("%w: no resolvable identifier", tmdb.ErrNotFound)
	}

	found, err := s.tmdb.FindByExternalID(ctx, source, externalID)
	if err != nil {
		return "", err
	}

	matches := found.MovieResults
	if wantTV {
		matches = found.TVResults
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("%w: %s has no %s match", tmdb.ErrNotFound, externalID, typeWord(wantTV))
	}
	return strconv.FormatInt(matches[0].ID, 10), nil
}

// numberAbsolutes assigns cross-season ordinals in season/episode order.
// Anime releases are frequently annotated with absolute numbers only.
func numberAbsolutes(root *media.Item) {
	next := 1
	for _, n := range root.SeasonNumbers() {
		season := root.Season(n)
		for _, epNum := range season.EpisodeNumbers() {
			for _, c := range season.Children {
				if c.Type == media.TypeEpisode && c.Number == epNum {
					c.AbsoluteNumber = next
					next++
					break
				}
			}
		}
	}
}

func isTransient(err error) bool {
	if errors.Is(err, tmdb.ErrRateLimited) {
		return true
	}
	if errors.Is(err, tmdb.ErrAPIError) || errors.Is(err, tmdb.ErrAPIKeyMissing) || errors.Is(err, tmdb.ErrNotFound) {
		return false
	}
	// Anything else out of the HTTP client is a network-level failure.
	return true
}

func dateOrZero(date string) time.Time {
	if date == "" {
		return time.Time{}
	}
	t, err := time.Parse("2006-01-02", date)
	if err != nil {
		return time.Time{}
	}
	return t
}

func typeWord(tv bool) string {
	if tv {
		return "tv"
	}
	return "movie"
}
