// Package w2p talks to the external watchlist-to-pipeline harvester: a
// service that, given an item, returns pre-found candidate releases. The
// harvester is slow (it drives a headless browser), so requests carry one
// item each and generous, capped timeouts.
package w2p

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/rs/zerolog"

	"github.com/rivenmedia/riven/internal/media"
	"github.com/rivenmedia/riven/internal/startup"
)

const (
	harvestPath = "/riven/harvest-item"

	defaultBaseTimeout = 60 * time.Second
	timeoutPerItem     = 90 * time.Second
	// timeoutCap bounds the scaled request timeout; the harvester can take
	// minutes per show but a stuck request must not wedge a worker forever.
	timeoutCap = 900 * time.Second

	requestRetries = 3
)

// PayloadItem is one entry of the harvester request schema. Season and
// Episode are pointers because the wire format distinguishes null from 0.
type PayloadItem struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Year    int    `json:"year,omitempty"`
	Type    string `json:"type"`
	Season  *int   `json:"season"`
	Episode *int   `json:"episode"`
}

// Release is one candidate release in the harvester response.
type Release struct {
	Title       string `json:"title"`
	RawTitle    string `json:"raw_title"`
	Infohash    string `json:"infohash"`
	Magnet      string `json:"magnet"`
	SizeBytes   int64  `json:"size_bytes"`
	SourceLabel string `json:"source_label"`
	Season      *int   `json:"season"`
	Episode     *int   `json:"episode"`
}

// HarvestResult is the per-item outcome of a harvest call.
type HarvestResult struct {
	Releases []media.HarvestedRelease
	// NeedsRDLibraryCheck signals the harvester triggered instant downloads
	// on the debrid side without capturing release records; the caller
	// should reconcile against the provider's library.
	NeedsRDLibraryCheck bool
}

type harvestRequest struct {
	Items []PayloadItem `json:"items"`
}

type harvestResponse struct {
	Items []responseItem `json:"items"`
}

type responseItem struct {
	Item                responseItemID `json:"item"`
	Releases            []Release      `json:"releases"`
	NeedsRDLibraryCheck bool           `json:"needs_rd_library_check"`
}

type responseItemID struct {
	ID    flexID `json:"id"`
	Title string `json:"title"`
}

// flexID tolerates ids arriving as JSON strings or numbers.
type flexID string

func (f *flexID) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*f = flexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexID(n.String())
	return nil
}

// ClientConfig configures the harvester client.
type ClientConfig struct {
	BaseURL         string
	AuthHeaderName  string
	AuthHeaderValue string
	BaseTimeout     time.Duration
	MaxTimeout      time.Duration
	Logger          *zerolog.Logger
}

// Client is the harvester wire client.
type Client struct {
	baseURL     string
	authName    string
	authValue   string
	baseTimeout time.Duration
	maxTimeout  time.Duration
	httpClient  *http.Client
	logger      zerolog.Logger
}

// NewClient creates a harvester client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("harvester base URL is required")
	}
	base := cfg.BaseTimeout
	if base <= 0 {
		base = defaultBaseTimeout
	}
	maxTimeout := cfg.MaxTimeout
	if maxTimeout <= 0 || maxTimeout > timeoutCap {
		maxTimeout = timeoutCap
	}
	return &Client{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		authName:    cfg.AuthHeaderName,
		authValue:   cfg.AuthHeaderValue,
		baseTimeout: base,
		maxTimeout:  maxTimeout,
		// Per-request deadlines come from the scaled context timeout.
		httpClient: &http.Client{},
		logger:     cfg.Logger.With().Str("component", "w2p").Logger(),
	}, nil
}

// HarvestItem sends a single item to the harvester and returns its releases.
// Transient network failures are retried; HTTP errors are not.
func (c *Client) HarvestItem(ctx context.Context, item PayloadItem) (*HarvestResult, error) {
	body, err := json.Marshal(harvestRequest{Items: []PayloadItem{item}})
	if err != nil {
		return nil, err
	}

	timeout := c.requestTimeout(1)
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	c.logger.Debug().
		Str("id", item.ID).
		Str("title", item.Title).
		Dur("timeout", timeout).
		Msg("harvest request")

	var resp harvestResponse
	err = retry.Do(
		func() error {
			return c.post(reqCtx, bytes.NewReader(body), &resp)
		},
		retry.Attempts(requestRetries),
		retry.Delay(2*time.Second),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(startup.IsNetworkError),
		retry.LastErrorOnly(true),
		retry.Context(reqCtx),
	)
	if err != nil {
		return nil, err
	}

	if len(resp.Items) == 0 {
		return &HarvestResult{}, nil
	}
	entry := resp.Items[0]
	if got := string(entry.Item.ID); got != "" && got != item.ID {
		c.logger.Debug().
			Str("sent", item.ID).
			Str("got", got).
			Msg("harvester echoed a different item id")
	}

	result := &HarvestResult{NeedsRDLibraryCheck: entry.NeedsRDLibraryCheck}
	for _, r := range entry.Releases {
		result.Releases = append(result.Releases, toHarvestedRelease(r))
	}
	return result, nil
}

// requestTimeout scales the timeout with the item count and clamps it.
func (c *Client) requestTimeout(items int) time.Duration {
	total := c.baseTimeout + time.Duration(items)*timeoutPerItem
	if total > c.maxTimeout {
		total = c.maxTimeout
	}
	return total
}

func (c *Client) post(ctx context.Context, body io.Reader, out *harvestResponse) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+harvestPath, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.authName != "" && c.authValue != "" {
		req.Header.Set(c.authName, c.authValue)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("harvester returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}

	*out = harvestResponse{}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode harvester response: %w", err)
	}
	return nil
}

// toHarvestedRelease copies a wire release into the alias record format.
// Values are stored as received; the harvested pseudo-scraper normalizes
// titles and extracts hashes from magnets at scrape time.
func toHarvestedRelease(r Release) media.HarvestedRelease {
	title := r.RawTitle
	if title == "" {
		title = r.Title
	}
	return media.HarvestedRelease{
		RawTitle:    title,
		Infohash:    strings.ToLower(strings.TrimSpace(r.Infohash)),
		Magnet:      r.Magnet,
		SizeBytes:   r.SizeBytes,
		SourceLabel: r.SourceLabel,
		Season:      r.Season,
		Episode:     r.Episode,
	}
}
