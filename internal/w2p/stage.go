package w2p

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/rivenmedia/riven/internal/media"
)

// Stage adapts the harvester to the event pipeline as an explicitly routed
// service: the scheduler's harvest sweep targets items at it by name instead
// of by state. Running under the event manager keeps the attempt bookkeeping
// and release updates inside the item's serialized event stream.
type Stage struct {
	svc    *Service
	logger zerolog.Logger
}

// NewStage wraps the harvester service for event routing.
func NewStage(svc *Service, logger zerolog.Logger) *Stage {
	return &Stage{
		svc:    svc,
		logger: logger.With().Str("component", "harvest").Logger(),
	}
}

// Name identifies the service in event routing and logs.
func (st *Stage) Name() string { return "harvest" }

// Run refreshes the item's harvested releases. Only items still hunting for
// candidates qualify: anything that already carries releases, has moved past
// scraping, or sits inside its park window is left alone. A successful
// harvest clears the scrape stamp so the scrapers re-rank with the new
// candidates; an empty one just advances the attempt bookkeeping.
func (st *Stage) Run(ctx context.Context, item *media.Item, emit func(*media.Item, time.Time)) error {
	if !st.svc.Enabled() {
		return nil
	}
	if len(item.Aliases.W2PReleases) > 0 {
		return nil
	}

	now := time.Now()
	switch item.StateAt(now) {
	case media.StateRequested, media.StateIndexed:
	default:
		return nil
	}
	if st.svc.Parked(item, now) {
		return nil
	}

	releases, err := st.svc.Harvest(ctx, item)
	if err != nil {
		st.logger.Debug().Err(err).
			Int64("itemID", item.ID).
			Str("title", item.Title).
			Msg("harvest skipped")
		return nil
	}
	if len(releases) == 0 {
		st.logger.Debug().
			Int64("itemID", item.ID).
			Str("title", item.Title).
			Int("attempts", item.Aliases.W2PAttemptCount).
			Msg("harvester found nothing")
		return nil
	}

	st.logger.Info().
		Int64("itemID", item.ID).
		Str("title", item.Title).
		Int("releases", len(releases)).
		Msg("harvested releases attached")

	item.ScrapedAt = nil
	emit(item, time.Time{})
	return nil
}

// Eligible reports whether the item is worth sending through the harvest
// stage right now. The sweep uses it to avoid enqueuing no-op events; Run
// re-checks everything under the item's own event.
func (st *Stage) Eligible(item *media.Item, now time.Time) bool {
	if !st.svc.Enabled() {
		return false
	}
	if len(item.Aliases.W2PReleases) > 0 {
		return false
	}
	switch item.StateAt(now) {
	case media.StateRequested, media.StateIndexed:
	default:
		return false
	}
	return !st.svc.Parked(item, now)
}
