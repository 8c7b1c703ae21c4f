// Package zilean implements the Zilean DMM-index scraper.
package zilean

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/rivenmedia/riven/internal/config"
	"github.com/rivenmedia/riven/internal/scrapers/types"
)

const (
	// ScraperName is the registry key for this source.
	ScraperName = "zilean"

	defaultTimeout = 30 * time.Second
)

// Client queries the Zilean filtered DMM API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *zerolog.Logger
}

// Compile-time check that Client implements the scraper contract.
var _ types.Scraper = (*Client)(nil)

// New creates a Zilean client from scraper configuration.
func New(cfg config.ScraperEndpointConfig, logger *zerolog.Logger) *Client {
	timeout := defaultTimeout
	if cfg.Timeout > 0 {
		timeout = cfg.Timeout
	}

	componentLogger := logger.With().Str("scraper", ScraperName).Logger()

	return &Client{
		baseURL:    strings.TrimSuffix(cfg.URL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		logger:     &componentLogger,
	}
}

// Name returns the registry key.
func (c *Client) Name() string {
	return ScraperName
}

// Validate pings the health endpoint.
func (c *Client) Validate(ctx context.Context) error {
	if c.baseURL == "" {
		return fmt.Errorf("zilean URL is not configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthchecks/ping", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("zilean unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("zilean ping returned status %d", resp.StatusCode)
	}
	return nil
}

// flexSize tolerates the size field arriving as either a JSON number or a
// numeric string, which varies across Zilean versions.
type flexSize int64

func (f *flexSize) UnmarshalJSON(data []byte) error {
	var n int64
	if err := json.Unmarshal(data, &n); err == nil {
		*f = flexSize(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		if parsed, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil {
			*f = flexSize(parsed)
		}
		return nil
	}
	*f = 0
	return nil
}

type dmmEntry struct {
	RawTitle string   `json:"raw_title"`
	InfoHash string   `json:"info_hash"`
	Size     flexSize `json:"size"`
}

// Scrape runs a filtered DMM query. Whole-show fingerprints query season 1,
// which is where multi-season packs are indexed.
func (c *Client) Scrape(ctx context.Context, fp types.Fingerprint) ([]types.Result, error) {
	if fp.Title == "" {
		return nil, nil
	}

	params := url.Values{}
	params.Set("Query", fp.Title)
	if fp.MediaType == types.MediaTypeSeries {
		season := fp.Season
		if season == 0 {
			season = 1
		}
		params.Set("Season", strconv.Itoa(season))
		if fp.Episode > 0 {
			params.Set("Episode", strconv.Itoa(fp.Episode))
		}
	}

	endpoint := fmt.Sprintf("%s/dmm/filtered?%s", c.baseURL, params.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("zilean request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("zilean returned status %d", resp.StatusCode)
	}

	var entries []dmmEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, fmt.Errorf("failed to decode zilean response: %w", err)
	}

	results := make([]types.Result, 0, len(entries))
	for _, e := range entries {
		if e.InfoHash == "" {
			continue
		}
		results = append(results, types.Result{
			Infohash: e.InfoHash,
			RawTitle: e.RawTitle,
			Size:     int64(e.Size),
		})
	}

	c.logger.Debug().Str("query", fp.Title).Int("results", len(results)).Msg("zilean scrape done")
	return results, nil
}
