// Package tmdb is a thin TMDB API client covering the lookups the pipeline
// needs: resolve an external id, fetch movie/show details, fetch one season
// with its episode list.
package tmdb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"github.com/rivenmedia/riven/internal/config"
)

var (
	ErrAPIKeyMissing = errors.New("TMDB API key is not configured")
	ErrNotFound      = errors.New("not found on TMDB")
	ErrAPIError      = errors.New("TMDB API error")
	ErrRateLimited   = errors.New("TMDB API rate limited")
)

// External-id sources accepted by the find endpoint.
const (
	SourceIMDb = "imdb_id"
	SourceTVDb = "tvdb_id"
)

const defaultBaseURL = "https://api.themoviedb.org/3"

// Client is a TMDB API client.
type Client struct {
	httpClient *http.Client
	config     config.TMDBConfig
	cache      *lookupCache
	logger     zerolog.Logger
}

// NewClient creates a new TMDB client.
func NewClient(cfg config.TMDBConfig, logger zerolog.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		config:     cfg,
		cache:      newLookupCache(cfg.CacheTTL, defaultCacheCap),
		logger:     logger.With().Str("component", "tmdb").Logger(),
	}
}

// Name returns the provider name.
func (c *Client) Name() string {
	return "tmdb"
}

// IsConfigured returns true if the API key is set.
func (c *Client) IsConfigured() bool {
	return c.config.APIKey != ""
}

// Validate verifies connectivity by making a configuration request.
func (c *Client) Validate(ctx context.Context) error {
	if !c.IsConfigured() {
		return ErrAPIKeyMissing
	}
	var result struct {
		Images struct {
			BaseURL string `json:"base_url"`
		} `json:"images"`
	}
	return c.doRequest(ctx, "/configuration", nil, &result)
}

// FindByExternalID resolves an external identifier (imdb_id or tvdb_id) to
// TMDB ids. ErrNotFound when the id matches neither a movie nor a show.
func (c *Client) FindByExternalID(ctx context.Context, source, externalID string) (*FindResult, error) {
	if !c.IsConfigured() {
		return nil, ErrAPIKeyMissing
	}
	key := "find:" + source + ":" + externalID
	if cached, ok := c.cache.get(key); ok {
		return cached.(*FindResult), nil
	}
	params := url.Values{}
	params.Set("external_source", source)

	var result FindResult
	if err := c.doRequest(ctx, "/find/"+url.PathEscape(externalID), params, &result); err != nil {
		return nil, err
	}
	if len(result.MovieResults) == 0 && len(result.TVResults) == 0 {
		return nil, fmt.Errorf("%w: %s %s", ErrNotFound, source, externalID)
	}
	c.cache.set(key, &result)
	return &result, nil
}

// GetMovie fetches movie details including external ids.
func (c *Client) GetMovie(ctx context.Context, tmdbID string) (*Movie, error) {
	if !c.IsConfigured() {
		return nil, ErrAPIKeyMissing
	}
	key := "movie:" + tmdbID
	if cached, ok := c.cache.get(key); ok {
		return cached.(*Movie), nil
	}
	params := url.Values{}
	params.Set("append_to_response", "external_ids")

	var movie Movie
	if err := c.doRequest(ctx, "/movie/"+url.PathEscape(tmdbID), params, &movie); err != nil {
		return nil, err
	}
	c.cache.set(key, &movie)
	return &movie, nil
}

// GetShow fetches TV show details including the season list and external ids.
func (c *Client) GetShow(ctx context.Context, tmdbID string) (*Show, error) {
	if !c.IsConfigured() {
		return nil, ErrAPIKeyMissing
	}
	key := "show:" + tmdbID
	if cached, ok := c.cache.get(key); ok {
		return cached.(*Show), nil
	}
	params := url.Values{}
	params.Set("append_to_response", "external_ids")

	var show Show
	if err := c.doRequest(ctx, "/tv/"+url.PathEscape(tmdbID), params, &show); err != nil {
		return nil, err
	}
	c.cache.set(key, &show)
	return &show, nil
}

// GetSeason fetches one season of a show with its full episode list.
func (c *Client) GetSeason(ctx context.Context, tmdbID string, seasonNumber int) (*Season, error) {
	if !c.IsConfigured() {
		return nil, ErrAPIKeyMissing
	}
	key := fmt.Sprintf("season:%s:%d", tmdbID, seasonNumber)
	if cached, ok := c.cache.get(key); ok {
		return cached.(*Season), nil
	}
	var season Season
	endpoint := fmt.Sprintf("/tv/%s/season/%d", url.PathEscape(tmdbID), seasonNumber)
	if err := c.doRequest(ctx, endpoint, nil, &season); err != nil {
		return nil, err
	}
	c.cache.set(key, &season)
	return &season, nil
}

func (c *Client) doRequest(ctx context.Context, endpoint string, params url.Values, result any) error {
	if params == nil {
		params = url.Values{}
	}
	params.Set("api_key", c.config.APIKey)
	if c.config.Language != "" {
		params.Set("language", c.config.Language)
	}
	reqURL := fmt.Sprintf("%s%s?%s", c.config.BaseURL, endpoint, params.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error().Err(err).Str("endpoint", endpoint).Msg("HTTP request failed")
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var errResp ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&errResp); err == nil && errResp.StatusMessage != "" {
			c.logger.Debug().
				Int("status", resp.StatusCode).
				Str("message", errResp.StatusMessage).
				Msg("TMDB API error")
		}

		switch resp.StatusCode {
		case http.StatusNotFound:
			return ErrNotFound
		case http.StatusUnauthorized:
			return fmt.Errorf("%w: invalid API key", ErrAPIError)
		case http.StatusTooManyRequests:
			return ErrRateLimited
		default:
			return fmt.Errorf("%w: status %d", ErrAPIError, resp.StatusCode)
		}
	}

	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
