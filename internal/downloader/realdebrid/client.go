// Package realdebrid implements a Real-Debrid REST API client.
package realdebrid

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/rivenmedia/riven/internal/downloader/types"
	"github.com/rivenmedia/riven/internal/media"
)

const (
	// ProviderName is the key used in cooldowns and entries.
	ProviderName = "realdebrid"

	defaultBaseURL = "https://api.real-debrid.com/rest/1.0"
	defaultTimeout = 60 * time.Second

	statusWaitingFiles = "waiting_files_selection"
	statusDownloaded   = "downloaded"

	downloadsPageSize = 1000
)

// Client provides HTTP communication with the Real-Debrid API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	breaker    *types.CircuitBreaker
	logger     *zerolog.Logger
}

// ClientConfig contains configuration for creating a new Real-Debrid client.
type ClientConfig struct {
	APIKey   string
	BaseURL  string
	ProxyURL string
	Timeout  int
	Logger   *zerolog.Logger
}

// Compile-time check that Client implements Provider.
var _ types.Provider = (*Client)(nil)

// NewClient creates a new Real-Debrid API client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("realdebrid API key is required")
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
		Str("component", "realdebrid-client").
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

// apiError is the error body Real-Debrid returns on failures.
type apiError struct {
	Error     string `json:"error"`
	ErrorCode int    `json:"error_code"`
}

// do executes an HTTP request with Bearer auth, routing through the circuit
// breaker. Form values are sent urlencoded when present.
func (c *Client) do(ctx context.Context, method, apiPath string, form url.Values) (*http.Response, error) {
	if err := c.breaker.Allow(); err != nil {
		return nil, err
	}

	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+apiPath, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
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
		return nil, fmt.Errorf("request failed: %w", err)
	}

	if resp.StatusCode >= 500 {
		c.breaker.RecordFailure()
	} else {
		c.breaker.RecordSuccess()
	}

	return resp, nil
}

// doJSON executes a request and decodes a JSON response into result.
// A nil result tolerates empty bodies (204 responses).
func (c *Client) doJSON(ctx context.Context, method, apiPath string, form url.Values, result interface{}) error {
	resp, err := c.do(ctx, method, apiPath, form)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.classifyError(resp)
	}

	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}

	return nil
}

// classifyError maps an error response onto the shared error taxonomy.
func (c *Client) classifyError(resp *http.Response) error {
	bodyBytes, _ := io.ReadAll(resp.Body)

	var apiErr apiError
	_ = json.Unmarshal(bodyBytes, &apiErr)

	c.logger.Debug().
		Int("status", resp.StatusCode).
		Str("error", apiErr.Error).
		Int("errorCode", apiErr.ErrorCode).
		Msg("api error response")

	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", types.ErrAuthFailed, apiErr.Error)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", types.ErrNotFound, apiErr.Error)
	}
	if apiErr.Error != "" {
		return fmt.Errorf("realdebrid error %d: %s", apiErr.ErrorCode, apiErr.Error)
	}
	return fmt.Errorf("request failed with status %d: %s", resp.StatusCode, string(bodyBytes))
}

type torrentInfoResponse struct {
	ID       string   `json:"id"`
	Filename string   `json:"filename"`
	Hash     string   `json:"hash"`
	Bytes    int64    `json:"bytes"`
	Status   string   `json:"status"`
	Links    []string `json:"links"`
	Files    []struct {
		ID       int    `json:"id"`
		Path     string `json:"path"`
		Bytes    int64  `json:"bytes"`
		Selected int    `json:"selected"`
	} `json:"files"`
}

// InstantAvailability probes whether a torrent is cached by adding it,
// selecting all files, and checking for an immediate "downloaded" status.
// The returned container carries the probe's torrent id; the caller owns it
// and must delete it when unused.
func (c *Client) InstantAvailability(ctx context.Context, infohash string, itemType media.Type) (*types.TorrentContainer, error) {
	torrentID, err := c.AddTorrent(ctx, infohash)
	if err != nil {
		return nil, err
	}

	cleanup := func() {
		if delErr := c.DeleteTorrent(ctx, torrentID); delErr != nil {
			c.logger.Debug().Err(delErr).Str("torrentID", torrentID).Msg("probe cleanup failed")
		}
	}

	info, err := c.getTorrentInfoResponse(ctx, torrentID)
	if err != nil {
		cleanup()
		return nil, err
	}

	if info.Status == statusWaitingFiles {
		if err := c.SelectFiles(ctx, torrentID, nil); err != nil {
			cleanup()
			return nil, err
		}
		info, err = c.getTorrentInfoResponse(ctx, torrentID)
		if err != nil {
			cleanup()
			return nil, err
		}
	}

	if info.Status != statusDownloaded {
		cleanup()
		return nil, nil
	}

	container := c.buildContainer(info, itemType)
	if len(container.Files) == 0 {
		cleanup()
		return nil, nil
	}
	container.TorrentID = torrentID
	return container, nil
}

// buildContainer converts a torrent info response into a container holding
// only files that pass validation.
func (c *Client) buildContainer(info *torrentInfoResponse, itemType media.Type) *types.TorrentContainer {
	converted := c.convertInfo(info)

	files := make([]types.DebridFile, 0, len(info.Files))
	linkIdx := 0
	for _, f := range info.Files {
		df := types.DebridFile{
			ID:       strconv.Itoa(f.ID),
			Filename: path.Base(f.Path),
			Filesize: f.Bytes,
		}
		if f.Selected == 1 {
			if linkIdx < len(info.Links) {
				df.DownloadURL = info.Links[linkIdx]
			}
			linkIdx++
		}
		if err := types.ValidateFile(df, itemType); err != nil {
			c.logger.Debug().Err(err).Str("filename", df.Filename).Msg("skipping file")
			continue
		}
		files = append(files, df)
	}

	return &types.TorrentContainer{
		Infohash: strings.ToLower(info.Hash),
		Files:    files,
		Info:     converted,
	}
}

func (c *Client) convertInfo(info *torrentInfoResponse) *types.TorrentInfo {
	out := &types.TorrentInfo{
		ID:       info.ID,
		Name:     info.Filename,
		Infohash: strings.ToLower(info.Hash),
		Bytes:    info.Bytes,
		Status:   info.Status,
	}
	linkIdx := 0
	for _, f := range info.Files {
		df := types.DebridFile{
			ID:       strconv.Itoa(f.ID),
			Filename: path.Base(f.Path),
			Filesize: f.Bytes,
		}
		if f.Selected == 1 {
			if linkIdx < len(info.Links) {
				df.DownloadURL = info.Links[linkIdx]
			}
			linkIdx++
		}
		out.Files = append(out.Files, df)
	}
	return out
}

// AddTorrent registers a magnet built from the infohash and returns the
// provider torrent id.
func (c *Client) AddTorrent(ctx context.Context, infohash string) (string, error) {
	form := url.Values{}
	form.Set("magnet", "magnet:?xt=urn:btih:"+infohash)

	var result struct {
		ID  string `json:"id"`
		URI string `json:"uri"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/torrents/addMagnet", form, &result); err != nil {
		return "", fmt.Errorf("failed to add torrent: %w", err)
	}
	return result.ID, nil
}

func (c *Client) getTorrentInfoResponse(ctx context.Context, torrentID string) (*torrentInfoResponse, error) {
	var info torrentInfoResponse
	if err := c.doJSON(ctx, http.MethodGet, "/torrents/info/"+torrentID, nil, &info); err != nil {
		return nil, fmt.Errorf("failed to get torrent info: %w", err)
	}
	return &info, nil
}

// GetTorrentInfo fetches the provider's view of a held torrent.
func (c *Client) GetTorrentInfo(ctx context.Context, torrentID string) (*types.TorrentInfo, error) {
	info, err := c.getTorrentInfoResponse(ctx, torrentID)
	if err != nil {
		return nil, err
	}
	return c.convertInfo(info), nil
}

// SelectFiles marks files for download. An empty id list selects all files.
func (c *Client) SelectFiles(ctx context.Context, torrentID string, fileIDs []string) error {
	selection := "all"
	if len(fileIDs) > 0 {
		selection = strings.Join(fileIDs, ",")
	}

	form := url.Values{}
	form.Set("files", selection)

	if err := c.doJSON(ctx, http.MethodPost, "/torrents/selectFiles/"+torrentID, form, nil); err != nil {
		return fmt.Errorf("failed to select files: %w", err)
	}
	return nil
}

// DeleteTorrent removes a torrent from the account.
func (c *Client) DeleteTorrent(ctx context.Context, torrentID string) error {
	if err := c.doJSON(ctx, http.MethodDelete, "/torrents/delete/"+torrentID, nil, nil); err != nil {
		return fmt.Errorf("failed to delete torrent: %w", err)
	}
	return nil
}

// GetDownloads lists the account's torrent library, paging until exhausted.
func (c *Client) GetDownloads(ctx context.Context) ([]types.DownloadRecord, error) {
	var records []types.DownloadRecord

	for page := 1; ; page++ {
		var items []struct {
			Filename string `json:"filename"`
			Hash     string `json:"hash"`
			Bytes    int64  `json:"bytes"`
			Status   string `json:"status"`
		}
		apiPath := fmt.Sprintf("/torrents?page=%d&limit=%d", page, downloadsPageSize)
		if err := c.doJSON(ctx, http.MethodGet, apiPath, nil, &items); err != nil {
			return nil, fmt.Errorf("failed to list downloads: %w", err)
		}

		for _, it := range items {
			if it.Status != statusDownloaded {
				continue
			}
			records = append(records, types.DownloadRecord{
				Filename: it.Filename,
				Bytes:    it.Bytes,
				Hash:     strings.ToLower(it.Hash),
			})
		}

		if len(items) < downloadsPageSize {
			break
		}
	}

	return records, nil
}

// GetUserInfo fetches account details; used at boot to validate the API key.
func (c *Client) GetUserInfo(ctx context.Context) (*types.UserInfo, error) {
	var user struct {
		Username   string `json:"username"`
		Email      string `json:"email"`
		Premium    int64  `json:"premium"`
		Expiration string `json:"expiration"`
		Type       string `json:"type"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/user", nil, &user); err != nil {
		return nil, fmt.Errorf("failed to get user info: %w", err)
	}

	info := &types.UserInfo{
		Username: user.Username,
		Email:    user.Email,
		Premium:  user.Type == "premium" || user.Premium > 0,
	}
	if user.Expiration != "" {
		if t, err := time.Parse(time.RFC3339, user.Expiration); err == nil {
			info.PremiumUntil = t
		}
	}
	return info, nil
}
