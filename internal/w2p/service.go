package w2p

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/rivenmedia/riven/internal/config"
	"github.com/rivenmedia/riven/internal/downloader/types"
	"github.com/rivenmedia/riven/internal/media"
)

var (
	// ErrDisabled is returned when the harvester is not configured.
	ErrDisabled = errors.New("harvester is disabled")
	// ErrParked is returned for items inside their post-exhaustion cooldown.
	ErrParked = errors.New("item is parked after exhausting harvest attempts")
	// ErrNoPayload is returned when an item cannot be expressed as a
	// harvester request (no identifier, or no title and no direct-navigation
	// path).
	ErrNoPayload = errors.New("item cannot be sent to the harvester")
)

// sourceRDLibrary labels releases reconciled from the provider's own library
// rather than returned by the harvester.
const sourceRDLibrary = "rd-library"

// LibraryLister is the slice of the debrid provider surface the rd-library
// fallback needs.
type LibraryLister interface {
	Name() string
	GetDownloads(ctx context.Context) ([]types.DownloadRecord, error)
}

// Service wraps the harvester client with attempt bookkeeping, parking and
// the provider-library fallback.
type Service struct {
	client  *Client
	cfg     config.W2PConfig
	library LibraryLister
	logger  zerolog.Logger
}

// NewService creates the harvester service. library may be nil, which
// disables the rd-library fallback.
func NewService(cfg config.W2PConfig, library LibraryLister, logger zerolog.Logger) (*Service, error) {
	s := &Service{
		cfg:     cfg,
		library: library,
		logger:  logger.With().Str("component", "w2p").Logger(),
	}
	if cfg.Enabled {
		client, err := NewClient(ClientConfig{
			BaseURL:         cfg.BaseURL,
			AuthHeaderName:  cfg.AuthHeaderName,
			AuthHeaderValue: cfg.AuthHeaderValue,
			BaseTimeout:     cfg.BaseTimeout,
			MaxTimeout:      cfg.MaxTimeout,
			Logger:          &logger,
		})
		if err != nil {
			return nil, fmt.Errorf("w2p: %w", err)
		}
		s.client = client
	}
	return s, nil
}

// Enabled reports whether harvests can be issued.
func (s *Service) Enabled() bool {
	return s.cfg.Enabled && s.client != nil
}

// Parked reports whether the item sits inside its harvest cooldown window.
func (s *Service) Parked(item *media.Item, now time.Time) bool {
	return item.W2PParked(now, s.cfg.MaxAttempts, s.cfg.ParkDuration)
}

// Harvest fetches candidate releases for the item. Movies and shows query
// unscoped; seasons and episodes narrow the request to their ordinals. The
// attempt bookkeeping follows the watchlist rules: the timestamp is stamped
// before the call so even a dead harvester starts the cooldown clock, the
// counter grows only while the item has no releases yet, and after the
// attempt budget is spent the item parks for the configured duration. A
// harvester failure is "no new releases", not an error.
func (s *Service) Harvest(ctx context.Context, item *media.Item) ([]media.HarvestedRelease, error) {
	if !s.Enabled() {
		return nil, ErrDisabled
	}

	now := time.Now()
	if s.Parked(item, now) {
		return nil, ErrParked
	}

	payload, err := s.buildPayload(item, scopeFor(item))
	if err != nil {
		return nil, err
	}

	if len(item.Aliases.W2PReleases) == 0 {
		item.RecordW2PAttempt(now, s.cfg.MaxAttempts)
	} else {
		// Items that already found releases never park.
		item.Aliases.W2PAttemptCount = 0
		t := now
		item.Aliases.W2PLastAttempt = &t
	}

	releases := s.harvest(ctx, item, payload)
	if len(releases) > 0 {
		item.Aliases.W2PReleases = releases
	}
	return releases, nil
}

// HarvestEpisode fetches releases scoped to a single (season, episode). Used
// by the episode validator; scoped harvests skip the attempt bookkeeping.
func (s *Service) HarvestEpisode(ctx context.Context, item *media.Item, season, episode int) ([]media.HarvestedRelease, error) {
	if !s.Enabled() {
		return nil, ErrDisabled
	}
	payload, err := s.buildPayload(item, &scope{season: &season, episode: &episode})
	if err != nil {
		return nil, err
	}
	return s.harvest(ctx, item, payload), nil
}

type scope struct {
	season  *int
	episode *int
}

// scopeFor narrows a harvest request to the item's ordinals where it has
// them.
func scopeFor(item *media.Item) *scope {
	switch item.Type {
	case media.TypeSeason:
		n := item.Number
		return &scope{season: &n}
	case media.TypeEpisode:
		sn := item.SeasonNumber()
		en := item.Number
		return &scope{season: &sn, episode: &en}
	}
	return nil
}

func (s *Service) harvest(ctx context.Context, item *media.Item, payload PayloadItem) []media.HarvestedRelease {
	result, err := s.client.HarvestItem(ctx, payload)
	if err != nil {
		s.logger.Warn().Err(err).
			Str("id", payload.ID).
			Str("title", payload.Title).
			Msg("harvest failed, treating as no new releases")
		return nil
	}

	releases := result.Releases
	if len(releases) == 0 && result.NeedsRDLibraryCheck && s.cfg.RDLibraryFallback && s.library != nil {
		releases = s.rdLibraryMatches(ctx, item.Root().Title)
		if len(releases) > 0 {
			s.logger.Info().
				Str("title", payload.Title).
				Int("matches", len(releases)).
				Str("provider", s.library.Name()).
				Msg("recovered releases from provider library")
		}
	}

	s.logger.Debug().
		Str("id", payload.ID).
		Int("releases", len(releases)).
		Msg("harvest complete")
	return releases
}

// rdLibraryMatches reconciles against the provider library: the harvester
// reported it triggered instant downloads but returned no release records,
// so the torrents exist on the provider side under names containing the
// item title.
func (s *Service) rdLibraryMatches(ctx context.Context, title string) []media.HarvestedRelease {
	if title == "" {
		return nil
	}
	downloads, err := s.library.GetDownloads(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("provider library query failed")
		return nil
	}

	titleLower := strings.ToLower(title)
	var out []media.HarvestedRelease
	for _, dl := range downloads {
		name := strings.ToLower(dl.Filename)
		if name == "" {
			continue
		}
		if strings.Contains(name, titleLower) || strings.Contains(titleLower, name) {
			out = append(out, media.HarvestedRelease{
				RawTitle:    dl.Filename,
				Infohash:    strings.ToLower(dl.Hash),
				SizeBytes:   dl.Bytes,
				SourceLabel: sourceRDLibrary,
			})
		}
	}
	return out
}

func (s *Service) buildPayload(item *media.Item, sc *scope) (PayloadItem, error) {
	root := item.Root()

	identifier := root.CanonicalID()
	if identifier == "" {
		identifier = root.Title
	}
	if identifier == "" {
		return PayloadItem{}, fmt.Errorf("%w: no identifier or title", ErrNoPayload)
	}

	title := root.Title
	if title == "" {
		// The harvester can navigate directly by IMDb id in place of a
		// title, but only when that capability is switched on.
		if s.cfg.DirectNavTitles && strings.HasPrefix(root.ImdbID, "tt") {
			title = root.ImdbID
		} else {
			return PayloadItem{}, fmt.Errorf("%w: no title and no direct-navigation path", ErrNoPayload)
		}
	}

	mediaType := "show"
	if root.Type == media.TypeMovie {
		mediaType = "movie"
	}

	payload := PayloadItem{
		ID:    identifier,
		Title: title,
		Year:  root.Year,
		Type:  mediaType,
	}
	if sc != nil {
		payload.Season = sc.season
		payload.Episode = sc.episode
	}
	return payload, nil
}
