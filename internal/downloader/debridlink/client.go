// Package debridlink implements a Debrid-Link API v2 client.
package debridlink

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/rivenmedia/riven/internal/downloader/types"
	"github.com/rivenmedia/riven/internal/media"
)

const (
	// ProviderName is the key used in cooldowns and entries.
	ProviderName = "debridlink"

	defaultBaseURL = "https://debrid-link.com/api/v2"
	defaultTimeout = 60 * time.Second
)

// Client provides HTTP communication with the Debrid-Link API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	breaker    *types.CircuitBreaker
	logger     *zerolog.Logger
}

// ClientConfig contains configuration for creating a new Debrid-Link client.
type ClientConfig struct {
	APIKey   string
	BaseURL  string
	ProxyURL string
	Timeout  int
	Logger   *zerolog.Logger
}

// Compile-time check that Client implements Provider.
var _ types.Provider = (*Client)(nil)

// NewClient creates a new Debrid-Link API client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("debridlink API key is required")
	}

	baseURL := defaultBaseURL
	if cfg.BaseURL != "" {
		baseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	}

	timeout := defaultTimeout
	if cfg.Timeout > 0 {
		timeout = time.Duration(cfg.Timeout) * time.Second
	}

	transport := &http.Transport{}
	if cfg.ProxyURL != "" {
		proxyURL, err := url.Parse(cfg.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy URL: %w", err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	logger := cfg.Logger.With().
		Str("component", "debridlink-client").
		Logger()

	return &Client{
		baseURL: baseURL,
		apiKey:  cfg.APIKey,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
		breaker: types.NewCircuitBreaker(types.DefaultCircuitBreakerConfig(ProviderName, logger)),
		logger:  &logger,
	}, nil
}

// Name returns the provider key.
func (c *Client) Name() string {
	return ProviderName
}

// apiResponse is the envelope every Debrid-Link endpoint wraps its payload in.
type apiResponse[T any] struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Value   T      `json:"value"`
}

// doAPI executes a request and unwraps the response envelope.
func doAPI[T any](ctx context.Context, c *Client, method, apiPath string, form url.Values) (T, error) {
	var zero T

	if err := c.breaker.Allow(); err != nil {
		return zero, err
	}

	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+apiPath, body)
	if err != nil {
		return zero, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	c.logger.Debug().
		Str("method", method).
		Str("path", apiPath).
		Msg("executing request")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.breaker.RecordFailure()
		return zero, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		c.breaker.RecordFailure()
	} else {
		c.breaker.RecordSuccess()
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return zero, fmt.Errorf("%w: status %d", types.ErrAuthFailed, resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return zero, fmt.Errorf("request failed with status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	var envelope apiResponse[T]
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return zero, fmt.Errorf("failed to decode response: %w", err)
	}

	if !envelope.Success {
		return zero, classifyError(envelope.Error)
	}
	return envelope.Value, nil
}

// classifyError maps Debrid-Link error codes onto the shared taxonomy.
func classifyError(code string) error {
	switch code {
	case "badToken", "authorization", "accountLocked":
		return fmt.Errorf("%w: %s", types.ErrAuthFailed, code)
	case "notFound", "fileNotFound":
		return fmt.Errorf("%w: %s", types.ErrNotFound, code)
	}
	return fmt.Errorf("debridlink error: %s", code)
}

type seedboxTorrent struct {
	ID              string  `json:"id"`
	Name            string  `json:"name"`
	HashString      string  `json:"hashString"`
	TotalSize       int64   `json:"totalSize"`
	Status          int     `json:"status"`
	DownloadPercent float64 `json:"downloadPercent"`
	Files           []struct {
		ID          string `json:"id"`
		Name        string `json:"name"`
		Size        int64  `json:"size"`
		DownloadURL string `json:"downloadUrl"`
	} `json:"files"`
}

func (c *Client) convertTorrent(t *seedboxTorrent) *types.TorrentInfo {
	status := "downloading"
	if t.DownloadPercent >= 100 {
		status = "downloaded"
	}
	info := &types.TorrentInfo{
		ID:       t.ID,
		Name:     t.Name,
		Infohash: strings.ToLower(t.HashString),
		Bytes:    t.TotalSize,
		Status:   status,
	}
	for _, f := range t.Files {
		info.Files = append(info.Files, types.DebridFile{
			ID:          f.ID,
			Filename:    f.Name,
			Filesize:    f.Size,
			DownloadURL: f.DownloadURL,
		})
	}
	return info
}

// InstantAvailability checks the cache endpoint directly. Debrid-Link
// reports cached content without requiring a probe torrent, so the returned
// container never carries a torrent id.
func (c *Client) InstantAvailability(ctx context.Context, infohash string, itemType media.Type) (*types.TorrentContainer, error) {
	apiPath := "/seedbox/cached?url=" + url.QueryEscape(infohash)

	cached, err := doAPI[map[string]struct {
		Name  string `json:"name"`
		Size  int64  `json:"size"`
		Files []struct {
			Name string `json:"name"`
			Size int64  `json:"size"`
		} `json:"files"`
	}](ctx, c, http.MethodGet, apiPath, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to check cache: %w", err)
	}

	for hash, entry := range cached {
		if !strings.EqualFold(hash, infohash) {
			continue
		}

		files := make([]types.DebridFile, 0, len(entry.Files))
		for _, f := range entry.Files {
			df := types.DebridFile{Filename: f.Name, Filesize: f.Size}
			if err := types.ValidateFile(df, itemType); err != nil {
				c.logger.Debug().Err(err).Str("filename", df.Filename).Msg("skipping file")
				continue
			}
			files = append(files, df)
		}
		if len(files) == 0 {
			return nil, nil
		}

		return &types.TorrentContainer{
			Infohash: strings.ToLower(infohash),
			Files:    files,
			Info: &types.TorrentInfo{
				Name:     entry.Name,
				Infohash: strings.ToLower(infohash),
				Bytes:    entry.Size,
				Status:   "downloaded",
			},
		}, nil
	}

	return nil, nil
}

// AddTorrent registers a magnet built from the infohash and returns the
// provider torrent id.
func (c *Client) AddTorrent(ctx context.Context, infohash string) (string, error) {
	form := url.Values{}
	form.Set("url", "magnet:?xt=urn:btih:"+infohash)
	form.Set("async", "true")

	torrent, err := doAPI[seedboxTorrent](ctx, c, http.MethodPost, "/seedbox/add", form)
	if err != nil {
		return "", fmt.Errorf("failed to add torrent: %w", err)
	}
	return torrent.ID, nil
}

// GetTorrentInfo fetches the provider's view of a held torrent.
func (c *Client) GetTorrentInfo(ctx context.Context, torrentID string) (*types.TorrentInfo, error) {
	apiPath := "/seedbox/list?ids=" + url.QueryEscape(torrentID)

	torrents, err := doAPI[[]seedboxTorrent](ctx, c, http.MethodGet, apiPath, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get torrent info: %w", err)
	}
	if len(torrents) == 0 {
		return nil, fmt.Errorf("%w: torrent %s", types.ErrNotFound, torrentID)
	}
	return c.convertTorrent(&torrents[0]), nil
}

// SelectFiles is a no-op: Debrid-Link materializes every file in a torrent.
func (c *Client) SelectFiles(ctx context.Context, torrentID string, fileIDs []string) error {
	return nil
}

// DeleteTorrent removes a torrent from the seedbox.
func (c *Client) DeleteTorrent(ctx context.Context, torrentID string) error {
	apiPath := "/seedbox/" + url.PathEscape(torrentID) + "/remove"

	if _, err := doAPI[json.RawMessage](ctx, c, http.MethodDelete, apiPath, nil); err != nil {
		return fmt.Errorf("failed to delete torrent: %w", err)
	}
	return nil
}

// GetDownloads lists the account's seedbox contents.
func (c *Client) GetDownloads(ctx context.Context) ([]types.DownloadRecord, error) {
	torrents, err := doAPI[[]seedboxTorrent](ctx, c, http.MethodGet, "/seedbox/list", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to list downloads: %w", err)
	}

	records := make([]types.DownloadRecord, 0, len(torrents))
	for _, t := range torrents {
		if t.DownloadPercent < 100 {
			continue
		}
		records = append(records, types.DownloadRecord{
			Filename: t.Name,
			Bytes:    t.TotalSize,
			Hash:     strings.ToLower(t.HashString),
		})
	}
	return records, nil
}

// GetUserInfo fetches account details; used at boot to validate the API key.
func (c *Client) GetUserInfo(ctx context.Context) (*types.UserInfo, error) {
	account, err := doAPI[struct {
		Pseudo      string `json:"pseudo"`
		Email       string `json:"email"`
		PremiumLeft int64  `json:"premiumLeft"`
		AccountType int    `json:"accountType"`
	}](ctx, c, http.MethodGet, "/account/infos", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get account info: %w", err)
	}

	info := &types.UserInfo{
		Username: account.Pseudo,
		Email:    account.Email,
		Premium:  account.PremiumLeft > 0,
	}
	if account.PremiumLeft > 0 {
		info.PremiumUntil = time.Now().Add(time.Duration(account.PremiumLeft) * time.Second)
	}
	return info, nil
}
