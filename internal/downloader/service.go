// Package downloader orchestrates cached-release downloads across debrid
// providers: it walks an item's ranked streams, validates instant
// availability, promotes cached torrents, binds the resulting files to the
// item's leaves, and enforces per-profile version retention.
package downloader

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/rivenmedia/riven/internal/config"
	"github.com/rivenmedia/riven/internal/downloader/types"
	"github.com/rivenmedia/riven/internal/media"
	"github.com/rivenmedia/riven/internal/profile"
)

const (
	// circuitBreakerCooldown is how long a provider sits out after its
	// circuit breaker opens mid-run.
	circuitBreakerCooldown = time.Minute

	// hqPrevalidationLimit caps how many top candidates are size-probed for
	// the hq profile before committing to one.
	hqPrevalidationLimit = 5

	// emitEvery is the number of attempted streams between progress emits,
	// so long multi-version passes persist incrementally.
	emitEvery = 3
)

// Service is the download orchestrator.
type Service struct {
	providers []types.Provider
	profiles  *profile.Set
	capPolicy media.EpisodeCapPolicy
	logger    zerolog.Logger

	mu        sync.Mutex
	cooldowns map[string]time.Time
}

// New creates the orchestrator over the given providers, in priority order.
func New(providers []types.Provider, profiles *profile.Set, cfg config.DownloadersConfig, logger *zerolog.Logger) (*Service, error) {
	if len(providers) == 0 {
		return nil, fmt.Errorf("downloader requires at least one enabled provider")
	}

	capPolicy := media.EpisodeCapPolicy(cfg.EpisodeCapPolicy)
	switch capPolicy {
	case media.EpisodeCapMaxOfTotals, media.EpisodeCapTotalCount:
	case "":
		capPolicy = media.EpisodeCapMaxOfTotals
	default:
		return nil, fmt.Errorf("unknown episode_cap_policy %q", cfg.EpisodeCapPolicy)
	}

	return &Service{
		providers: providers,
		profiles:  profiles,
		capPolicy: capPolicy,
		logger:    logger.With().Str("component", "downloader").Logger(),
		cooldowns: make(map[string]time.Time),
	}, nil
}

// Name identifies the service in event routing and logs.
func (s *Service) Name() string { return "downloader" }

// availableProviders splits providers into usable ones and, when all are
// cooling, the earliest moment one becomes usable again.
func (s *Service) availableProviders(now time.Time) ([]types.Provider, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var avail []types.Provider
	var earliest time.Time
	for _, p := range s.providers {
		until, cooling := s.cooldowns[p.Name()]
		if !cooling || !until.After(now) {
			avail = append(avail, p)
			continue
		}
		if earliest.IsZero() || until.Before(earliest) {
			earliest = until
		}
	}
	return avail, earliest
}

func (s *Service) setCooldown(name string, until time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cooldowns[name] = until
}

func (s *Service) earliestCooldown() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	var earliest time.Time
	for _, until := range s.cooldowns {
		if earliest.IsZero() || until.Before(earliest) {
			earliest = until
		}
	}
	return earliest
}

func (s *Service) clearCooldowns() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cooldowns = make(map[string]time.Time)
}

// prevalidated pairs a validated container with the provider that produced
// it, so the download reuses the same provider.
type prevalidated struct {
	container *types.TorrentContainer
	provider  types.Provider
}

// probeRef tracks a probe torrent created during pre-validation so unused
// ones can be deleted after the run.
type probeRef struct {
	provider  types.Provider
	torrentID string
	infohash  string
}

// Run advances one item through the download stage. It walks the item's
// ranked streams until the retention cap's worth of distinct infohashes is
// held, trying each available provider per stream. Emitted pairs are
// follow-up events: a zero time means re-evaluate now, a future time is a
// cooldown reschedule.
func (s *Service) Run(ctx context.Context, item *media.Item, emit func(*media.Item, time.Time)) error {
	log := s.logger.With().Int64("itemID", item.ID).Str("title", item.Title).Logger()
	log.Debug().Msg("starting download process")

	now := time.Now()
	available, earliest := s.availableProviders(now)
	if len(available) == 0 {
		log.Warn().Time("nextAttempt", earliest).Msg("all providers in cooldown, rescheduling")
		emit(item, earliest)
		return nil
	}

	defaultProfile := s.profiles.Default().Name
	keep := s.profiles.KeepVersions(defaultProfile)
	if keep < 1 {
		keep = 1
	}
	// The scraper attaches top candidates per profile; keep at least that
	// many so multi-profile items hold one version per profile.
	streams := item.NonBlacklistedStreams()
	if len(streams) > keep {
		keep = len(streams)
	}

	// Scrape order decides the desired version set: the first keep distinct
	// infohashes.
	var desiredHashes []string
	var desiredStreams []*media.Stream
	seenHash := make(map[string]struct{})
	for _, st := range streams {
		h := strings.ToLower(st.Infohash)
		if _, dup := seenHash[h]; dup {
			continue
		}
		seenHash[h] = struct{}{}
		desiredHashes = append(desiredHashes, h)
		desiredStreams = append(desiredStreams, st)
		if len(desiredHashes) >= keep {
			break
		}
	}

	// Retention runs up front so a lowered cap trims immediately, even when
	// nothing new downloads.
	for _, leaf := range item.Leaves() {
		EnforceRetention(leaf, s.profiles.KeepVersions, desiredHashes)
	}

	// Entries live on leaves, so a show or season counts the versions its
	// episodes already hold.
	existing := make(map[string]struct{})
	for _, leaf := range item.Leaves() {
		for _, e := range leaf.FilesystemEntries {
			if e.Infohash != "" {
				existing[strings.ToLower(e.Infohash)] = struct{}{}
			}
		}
	}

	var toProcess []*media.Stream
	for _, st := range desiredStreams {
		if _, held := existing[strings.ToLower(st.Infohash)]; !held {
			toProcess = append(toProcess, st)
		}
	}

	downloadSuccess := false
	if len(toProcess) == 0 && len(existing) >= keep {
		downloadSuccess = true
	}

	profileName := defaultProfile
	if len(toProcess) > 0 {
		profileName = toProcess[0].ProfileName
	}

	prevalidatedContainers := make(map[string]prevalidated)
	var unusedProbes []probeRef

	if profileName == "hq" && len(toProcess) > 1 {
		toProcess, unusedProbes = s.prevalidateHQ(ctx, item, toProcess, available, prevalidatedContainers)
	}

	hitCircuitBreaker := false
	tried := 0

	for _, stream := range toProcess {
		if len(existing) >= keep {
			break
		}

		hash := strings.ToLower(stream.Infohash)
		streamFailedEverywhere := true
		streamHitCircuitBreaker := false

		for _, prov := range available {
			provider := prov
			var container *types.TorrentContainer

			if pv, ok := prevalidatedContainers[hash]; ok {
				container = pv.container
				provider = pv.provider
				log.Debug().
					Str("infohash", hash).
					Str("provider", provider.Name()).
					Msg("reusing pre-validated container")
			} else {
				c, err := provider.InstantAvailability(ctx, hash, item.Type)
				if err != nil {
					s.handleProviderError(&log, err, provider, stream, &streamHitCircuitBreaker, &hitCircuitBreaker, &streamFailedEverywhere)
					continue
				}
				if c == nil {
					log.Debug().
						Str("infohash", hash).
						Str("provider", provider.Name()).
						Msg("stream not cached")
					continue
				}
				container = c
			}

			downloaded, err := s.downloadCached(ctx, stream, container, provider)
			if err != nil {
				// A probe torrent the promotion could not use is garbage on
				// the provider side. Pre-validated probes are already
				// tracked in unusedProbes and cleaned after the run.
				orphanedProbe := ""
				if _, wasPrevalidated := prevalidatedContainers[hash]; wasPrevalidated {
					// The pre-validated probe may have been deleted out
					// from under us; drop it and validate fresh once.
					log.Debug().Err(err).Str("infohash", hash).Msg("pre-validated container failed, re-validating")
					delete(prevalidatedContainers, hash)
					fresh, verr := provider.InstantAvailability(ctx, hash, item.Type)
					switch {
					case verr != nil:
						err = verr
					case fresh == nil:
						log.Debug().
							Str("infohash", hash).
							Str("provider", provider.Name()).
							Msg("stream no longer cached after re-validation")
						continue
					default:
						downloaded, err = s.downloadCached(ctx, stream, fresh, provider)
						if err != nil {
							orphanedProbe = fresh.TorrentID
						}
					}
				} else {
					orphanedProbe = container.TorrentID
				}
				if err != nil {
					if orphanedProbe != "" {
						if delErr := provider.DeleteTorrent(ctx, orphanedProbe); delErr != nil {
							log.Debug().Err(delErr).
								Str("torrentID", orphanedProbe).
								Str("provider", provider.Name()).
								Msg("failed to delete probe after error")
						}
					}
					s.handleProviderError(&log, err, provider, stream, &streamHitCircuitBreaker, &hitCircuitBreaker, &streamFailedEverywhere)
					continue
				}
			}

			found := MatchFilesToItem(item, MatchParams{
				Torrent:        downloaded,
				ProfileName:    stream.ProfileName,
				DefaultProfile: defaultProfile,
				KeepFor:        s.profiles.KeepVersions,
				CapPolicy:      s.capPolicy,
			})
			if !found {
				log.Debug().
					Str("infohash", hash).
					Str("provider", provider.Name()).
					Msg("no matching files, deleting torrent")
				if delErr := provider.DeleteTorrent(ctx, downloaded.ID); delErr != nil {
					log.Debug().Err(delErr).Str("torrentID", downloaded.ID).Msg("failed to delete torrent")
				}
				continue
			}

			log.Info().
				Str("infohash", hash).
				Str("rawTitle", stream.RawTitle).
				Str("provider", provider.Name()).
				Msg("downloaded stream")

			downloadSuccess = true
			streamFailedEverywhere = false
			existing[hash] = struct{}{}

			// The probe for this stream got used; keep it.
			keptProbes := unusedProbes[:0]
			for _, probe := range unusedProbes {
				if probe.infohash != hash {
					keptProbes = append(keptProbes, probe)
				}
			}
			unusedProbes = keptProbes
			break
		}

		if streamFailedEverywhere {
			if streamHitCircuitBreaker && len(s.providers) == 1 {
				log.Debug().
					Str("infohash", hash).
					Msg("stream hit circuit breaker on single provider, will retry after cooldown")
			} else {
				log.Debug().
					Str("infohash", hash).
					Int("providers", len(available)).
					Msg("stream failed on all available providers, blacklisting")
				item.BlacklistStream(stream)
			}
		}

		tried++
		if tried%emitEvery == 0 {
			emit(item, time.Time{})
		}
	}

	// Probes validated but never promoted are garbage on the provider side.
	for _, probe := range unusedProbes {
		if err := probe.provider.DeleteTorrent(ctx, probe.torrentID); err != nil {
			log.Debug().Err(err).
				Str("torrentID", probe.torrentID).
				Str("provider", probe.provider.Name()).
				Msg("failed to delete unused probe")
		} else {
			log.Debug().
				Str("torrentID", probe.torrentID).
				Str("provider", probe.provider.Name()).
				Msg("deleted unused probe")
		}
	}

	for _, leaf := range item.Leaves() {
		EnforceRetention(leaf, s.profiles.KeepVersions, desiredHashes)
	}

	if !downloadSuccess {
		if hitCircuitBreaker && len(s.providers) == 1 {
			next := s.earliestCooldown()
			log.Warn().Time("nextAttempt", next).Msg("single provider hit circuit breaker, rescheduling")
			emit(item, next)
			return nil
		}
		log.Debug().Msg("failed to download any streams")
	} else {
		s.clearCooldowns()
	}

	emit(item, time.Time{})
	return nil
}

// handleProviderError classifies a provider failure during the stream loop.
// Circuit-breaker errors set a provider cooldown and never count as a stream
// failure in single-provider mode; everything else is a per-provider failure
// the caller moves past.
func (s *Service) handleProviderError(log *zerolog.Logger, err error, provider types.Provider, stream *media.Stream, streamHitCB, hitCB, failedEverywhere *bool) {
	if _, open := types.IsCircuitBreakerOpen(err); open {
		s.setCooldown(provider.Name(), time.Now().Add(circuitBreakerCooldown))
		log.Warn().
			Str("provider", provider.Name()).
			Str("infohash", stream.Infohash).
			Msg("circuit breaker open, trying next provider")
		*streamHitCB = true
		*hitCB = true
		if len(s.providers) == 1 {
			*failedEverywhere = false
		}
		return
	}

	log.Debug().Err(err).
		Str("provider", provider.Name()).
		Str("infohash", stream.Infohash).
		Msg("stream failed on provider")
}

// validatedCandidate is one size-probed hq candidate.
type validatedCandidate struct {
	stream         *media.Stream
	container      *types.TorrentContainer
	provider       types.Provider
	medianFileSize int64
	singleSeason   bool
	matchesTarget  bool
}

// prevalidateHQ size-probes the top hq candidates across providers and
// re-orders them so the run promotes the best release first: releases for the
// target season, then single-season releases, then by median file size
// descending. Median (not total) compares a multi-season pack fairly against
// a single-season release. Returns the re-ordered stream list and the probes
// created along the way.
func (s *Service) prevalidateHQ(ctx context.Context, item *media.Item, toProcess []*media.Stream, available []types.Provider, out map[string]prevalidated) ([]*media.Stream, []probeRef) {
	log := s.logger.With().Int64("itemID", item.ID).Logger()

	limit := hqPrevalidationLimit
	if len(toProcess) < limit {
		limit = len(toProcess)
	}
	candidates := toProcess[:limit]

	// Harvested releases annotate which season a single-season release
	// covers; packs carry no season.
	seasonMap := make(map[string]int)
	for _, rel := range item.Aliases.W2PReleases {
		if rel.Infohash != "" && rel.Season != nil {
			seasonMap[strings.ToLower(rel.Infohash)] = *rel.Season
		}
	}

	targetSeason := 0
	if item.Type == media.TypeSeason {
		targetSeason = item.Number
	}

	var validated []validatedCandidate
	var probes []probeRef

	for _, cand := range candidates {
		hash := strings.ToLower(cand.Infohash)
		for _, provider := range available {
			container, err := provider.InstantAvailability(ctx, hash, item.Type)
			if err != nil || container == nil {
				if err != nil {
					log.Debug().Err(err).Str("infohash", hash).Str("provider", provider.Name()).Msg("candidate validation failed")
				}
				continue
			}
			if container.Info == nil || container.Info.Bytes == 0 {
				continue
			}

			season, hasSeason := seasonMap[hash]
			vc := validatedCandidate{
				stream:         cand,
				container:      container,
				provider:       provider,
				medianFileSize: container.MedianFileSize(),
				singleSeason:   hasSeason,
				matchesTarget:  hasSeason && targetSeason != 0 && season == targetSeason,
			}
			validated = append(validated, vc)

			log.Debug().
				Str("infohash", hash).
				Str("provider", provider.Name()).
				Float64("totalMB", container.Info.SizeMB()).
				Int64("medianBytes", vc.medianFileSize).
				Int("files", len(container.Files)).
				Msg("validated hq candidate")
			break
		}
	}

	if len(validated) == 0 {
		return toProcess, nil
	}

	sort.SliceStable(validated, func(a, b int) bool {
		va, vb := validated[a], validated[b]
		if va.matchesTarget != vb.matchesTarget {
			return va.matchesTarget
		}
		if va.singleSeason != vb.singleSeason {
			return va.singleSeason
		}
		return va.medianFileSize > vb.medianFileSize
	})

	log.Info().
		Int("candidates", len(validated)).
		Int64("largestMedian", validated[0].medianFileSize).
		Int64("smallestMedian", validated[len(validated)-1].medianFileSize).
		Msg("re-ranked hq candidates by size")

	reordered := make([]*media.Stream, 0, len(toProcess))
	for _, vc := range validated {
		hash := strings.ToLower(vc.stream.Infohash)
		reordered = append(reordered, vc.stream)
		out[hash] = prevalidated{container: vc.container, provider: vc.provider}
		if vc.container.TorrentID != "" {
			probes = append(probes, probeRef{provider: vc.provider, torrentID: vc.container.TorrentID, infohash: hash})
		}
	}
	reordered = append(reordered, toProcess[limit:]...)

	return reordered, probes
}

// downloadCached promotes a cached stream on the provider: reuse the probe's
// torrent id when the container has one, otherwise add the torrent; select
// the validated files when the provider needs explicit selection; then make
// sure every container file carries its download link.
func (s *Service) downloadCached(ctx context.Context, stream *media.Stream, container *types.TorrentContainer, provider types.Provider) (*types.DownloadedTorrent, error) {
	hash := strings.ToLower(stream.Infohash)

	torrentID := container.TorrentID
	added := false
	if torrentID == "" {
		id, err := provider.AddTorrent(ctx, hash)
		if err != nil {
			return nil, err
		}
		torrentID = id
		added = true
	}

	cleanup := func() {
		if !added {
			return
		}
		if err := provider.DeleteTorrent(ctx, torrentID); err != nil {
			s.logger.Debug().Err(err).Str("torrentID", torrentID).Msg("failed to delete torrent after error")
		}
	}

	if ids := container.FileIDs(); len(ids) > 0 {
		if err := provider.SelectFiles(ctx, torrentID, ids); err != nil {
			cleanup()
			return nil, err
		}
	}

	info := container.Info
	if info == nil || added || missingDownloadURLs(container) {
		fresh, err := provider.GetTorrentInfo(ctx, torrentID)
		if err != nil {
			cleanup()
			return nil, err
		}
		info = fresh
		fillDownloadURLs(container, info)
	}

	return &types.DownloadedTorrent{
		ID:        torrentID,
		Infohash:  hash,
		Provider:  provider.Name(),
		Info:      info,
		Container: container,
	}, nil
}

func missingDownloadURLs(container *types.TorrentContainer) bool {
	for _, f := range container.Files {
		if f.DownloadURL == "" {
			return true
		}
	}
	return false
}

// fillDownloadURLs copies download links from the provider's refreshed view
// onto container files that lack one, matched by filename.
func fillDownloadURLs(container *types.TorrentContainer, info *types.TorrentInfo) {
	if info == nil {
		return
	}
	byName := make(map[string]string, len(info.Files))
	for _, f := range info.Files {
		if f.DownloadURL != "" {
			byName[f.Filename] = f.DownloadURL
		}
	}
	for i := range container.Files {
		if container.Files[i].DownloadURL == "" {
			container.Files[i].DownloadURL = byName[container.Files[i].Filename]
		}
	}
}
