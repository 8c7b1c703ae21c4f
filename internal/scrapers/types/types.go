// Package types contains the shared contract between the scraper fan-in
// and its source adapters.
package types

import "context"

// MediaType is the release category scrapers distinguish between. Shows,
// seasons, and episodes all query as series; the fingerprint's season and
// episode numbers narrow the scope.
type MediaType string

const (
	MediaTypeMovie  MediaType = "movie"
	MediaTypeSeries MediaType = "series"
)

// Fingerprint is the normalized search identity handed to an adapter. It
// carries everything a source needs to locate releases for one item; Season
// and Episode are zero when the query is not scoped to them.
type Fingerprint struct {
	MediaType MediaType
	ImdbID    string
	Title     string
	Year      int
	Season    int
	Episode   int
}

// Result is one raw release an adapter found: the infohash, the title the
// source published for it, and the reported size when the source knows it.
type Result struct {
	Infohash string
	RawTitle string
	Size     int64
}

// Scraper is a single release source. Implementations are pure
// fingerprint-to-results functions; fan-out, ranking, and context filtering
// happen in the scrapers service.
type Scraper interface {
	// Name identifies the source in logs and merge accounting.
	Name() string

	// Validate checks that the source is reachable with the configured
	// settings. Sources failing validation are dropped from the fan-out.
	Validate(ctx context.Context) error

	// Scrape returns the raw releases the source knows for the fingerprint.
	// An empty result with a nil error means the source has nothing.
	Scrape(ctx context.Context, fp Fingerprint) ([]Result, error)
}
