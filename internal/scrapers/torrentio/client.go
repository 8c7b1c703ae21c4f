// Package torrentio implements the Torrentio stream-catalog scraper.
// Torrentio is keyed by IMDb id; items without one cannot be queried.
package torrentio

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/rivenmedia/riven/internal/config"
	"github.com/rivenmedia/riven/internal/scrapers/types"
)

const (
	// ScraperName is the registry key for this source.
	ScraperName = "torrentio"

	defaultBaseURL = "https://torrentio.strem.fun"
	defaultTimeout = 30 * time.Second
)

// Client queries the Torrentio stream API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *zerolog.Logger
}

// Compile-time check that Client implements the scraper contract.
var _ types.Scraper = (*Client)(nil)

// New creates a Torrentio client from scraper configuration.
func New(cfg config.ScraperEndpointConfig, logger *zerolog.Logger) *Client {
	baseURL := defaultBaseURL
	if cfg.URL != "" {
		baseURL = strings.TrimSuffix(cfg.URL, "/")
	}

	timeout := defaultTimeout
	if cfg.Timeout > 0 {
		timeout = cfg.Timeout
	}

	componentLogger := logger.With().Str("scraper", ScraperName).Logger()

	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		logger:     &componentLogger,
	}
}

// Name returns the registry key.
func (c *Client) Name() string {
	return ScraperName
}

// Validate fetches the addon manifest to confirm the endpoint is alive.
func (c *Client) Validate(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/manifest.json", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("torrentio unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("torrentio manifest returned status %d", resp.StatusCode)
	}
	return nil
}

// streamResponse is the Torrentio stream list payload.
type streamResponse struct {
	Streams []struct {
		Title    string `json:"title"`
		InfoHash string `json:"infoHash"`
	} `json:"streams"`
}

// Scrape queries the stream catalog for the fingerprint. Series queries
// address a concrete episode; whole-show and season fingerprints probe the
// first covered episode, which is where Torrentio lists the packs.
func (c *Client) Scrape(ctx context.Context, fp types.Fingerprint) ([]types.Result, error) {
	if fp.ImdbID == "" {
		return nil, nil
	}

	identifier, contentType := streamIdentifier(fp)

	endpoint := fmt.Sprintf("%s/stream/%s/%s.json", c.baseURL, contentType, identifier)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("torrentio request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("torrentio returned status %d", resp.StatusCode)
	}

	var payload streamResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("failed to decode torrentio response: %w", err)
	}

	results := make([]types.Result, 0, len(payload.Streams))
	for _, stream := range payload.Streams {
		if stream.InfoHash == "" {
			continue
		}
		results = append(results, types.Result{
			Infohash: stream.InfoHash,
			RawTitle: firstLine(stream.Title),
			Size:     parseAnnotatedSize(stream.Title),
		})
	}

	c.logger.Debug().Str("id", identifier).Int("results", len(results)).Msg("torrentio scrape done")
	return results, nil
}

// streamIdentifier builds the catalog path segment for the fingerprint.
func streamIdentifier(fp types.Fingerprint) (identifier, contentType string) {
	if fp.MediaType == types.MediaTypeMovie {
		return fp.ImdbID, "movie"
	}
	season := fp.Season
	if season == 0 {
		season = 1
	}
	episode := fp.Episode
	if episode == 0 {
		episode = 1
	}
	return fmt.Sprintf("%s:%d:%d", fp.ImdbID, season, episode), "series"
}

// firstLine trims a Torrentio display title down to the release name. The
// remaining lines carry seeders, size, and tracker decorations.
func firstLine(title string) string {
	if idx := strings.IndexByte(title, '\n'); idx >= 0 {
		title = title[:idx]
	}
	return strings.TrimSpace(title)
}

// annotatedSizeRe matches the size marker Torrentio embeds in the display
// title, e.g. "💾 8.42 GB".
var annotatedSizeRe = regexp.MustCompile(`💾\s*([\d.,]+)\s*([KMGT]B)`)

var sizeMultipliers = map[string]float64{
	"KB": 1 << 10,
	"MB": 1 << 20,
	"GB": 1 << 30,
	"TB": 1 << 40,
}

func parseAnnotatedSize(title string) int64 {
	m := annotatedSizeRe.FindStringSubmatch(title)
	if m == nil {
		return 0
	}
	value, err := strconv.ParseFloat(strings.ReplaceAll(m[1], ",", ""), 64)
	if err != nil {
		return 0
	}
	return int64(value * sizeMultipliers[m[2]])
}
