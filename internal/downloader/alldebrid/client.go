// Package alldebrid implements an AllDebrid v4 API client.
package alldebrid

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/rivenmedia/riven/internal/downloader/types"
	"github.com/rivenmedia/riven/internal/media"
)

const (
	// ProviderName is the key used in cooldowns and entries.
	ProviderName = "alldebrid"

	defaultBaseURL = "https://api.alldebrid.com/v4"
	defaultTimeout = 60 * time.Second

	// agent identifies this application to the AllDebrid API; required on
	// every request.
	agent = "riven"

	statusCodeReady = 4
)

// Client provides HTTP communication with the AllDebrid API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	breaker    *types.CircuitBreaker
	logger     *zerolog.Logger
}

// ClientConfig contains configuration for creating a new AllDebrid client.
type ClientConfig struct {
	APIKey   string
	BaseURL  string
	ProxyURL string
	Timeout  int
	Logger   *zerolog.Logger
}

// Compile-time check that Client implements Provider.
var _ types.Provider = (*Client)(nil)

// NewClient creates a new AllDebrid API client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("alldebrid API key is required")
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
		Str("component", "alldebrid-client").
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

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// apiResponse is the envelope every AllDebrid endpoint wraps its payload in.
type apiResponse[T any] struct {
	Status string    `json:"status"`
	Data   T         `json:"data"`
	Error  *apiError `json:"error,omitempty"`
}

// doAPI executes a request and unwraps the response envelope.
func doAPI[T any](ctx context.Context, c *Client, apiPath string, params url.Values) (T, error) {
	var zero T

	if err := c.breaker.Allow(); err != nil {
		return zero, err
	}

	if params == nil {
		params = url.Values{}
	}
	params.Set("agent", agent)
	reqURL := c.baseURL + apiPath + "?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return zero, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	c.logger.Debug().
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

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return zero, fmt.Errorf("request failed with status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	var envelope apiResponse[T]
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return zero, fmt.Errorf("failed to decode response: %w", err)
	}

	if envelope.Status != "success" {
		if envelope.Error != nil {
			return zero, classifyError(envelope.Error)
		}
		return zero, fmt.Errorf("alldebrid error: status %s", envelope.Status)
	}
	return envelope.Data, nil
}

// classifyError maps AllDebrid error codes onto the shared taxonomy.
func classifyError(apiErr *apiError) error {
	switch {
	case strings.HasPrefix(apiErr.Code, "AUTH_"):
		return fmt.Errorf("%w: %s", types.ErrAuthFailed, apiErr.Message)
	case apiErr.Code == "MAGNET_INVALID_ID":
		return fmt.Errorf("%w: %s", types.ErrNotFound, apiErr.Message)
	}
	return fmt.Errorf("alldebrid error %s: %s", apiErr.Code, apiErr.Message)
}

type uploadedMagnet struct {
	ID    int64     `json:"id"`
	Hash  string    `json:"hash"`
	Name  string    `json:"name"`
	Size  int64     `json:"size"`
	Ready bool      `json:"ready"`
	Error *apiError `json:"error,omitempty"`
}

type magnetStatus struct {
	ID         int64  `json:"id"`
	Filename   string `json:"filename"`
	Size       int64  `json:"size"`
	Hash       string `json:"hash"`
	Status     string `json:"status"`
	StatusCode int    `json:"statusCode"`
}

// fileNode is one node of the nested file tree returned by /magnet/files.
// Leaves carry a size and link; folders carry children under E.
type fileNode struct {
	N string     `json:"n"`
	S int64      `json:"s,omitempty"`
	L string     `json:"l,omitempty"`
	E []fileNode `json:"e,omitempty"`
}

// flattenFiles walks a file tree depth-first and collects leaves.
func flattenFiles(nodes []fileNode, out *[]types.DebridFile) {
	for _, n := range nodes {
		if len(n.E) > 0 {
			flattenFiles(n.E, out)
			continue
		}
		*out = append(*out, types.DebridFile{
			Filename:    n.N,
			Filesize:    n.S,
			DownloadURL: n.L,
		})
	}
}

// uploadMagnet registers the infohash and returns the upload result, which
// carries the cached flag.
func (c *Client) uploadMagnet(ctx context.Context, infohash string) (*uploadedMagnet, error) {
	params := url.Values{}
	params.Add("magnets[]", infohash)

	data, err := doAPI[struct {
		Magnets []uploadedMagnet `json:"magnets"`
	}](ctx, c, "/magnet/upload", params)
	if err != nil {
		return nil, err
	}
	if len(data.Magnets) == 0 {
		return nil, fmt.Errorf("alldebrid returned no magnets for %s", infohash)
	}
	m := data.Magnets[0]
	if m.Error != nil {
		return nil, classifyError(m.Error)
	}
	return &m, nil
}

// magnetFiles fetches and flattens the file tree of a held magnet.
func (c *Client) magnetFiles(ctx context.Context, magnetID int64) ([]types.DebridFile, error) {
	params := url.Values{}
	params.Add("id[]", strconv.FormatInt(magnetID, 10))

	data, err := doAPI[struct {
		Magnets []struct {
			ID    int64      `json:"id"`
			Files []fileNode `json:"files"`
		} `json:"magnets"`
	}](ctx, c, "/magnet/files", params)
	if err != nil {
		return nil, err
	}

	var files []types.DebridFile
	for _, m := range data.Magnets {
		if m.ID == magnetID {
			flattenFiles(m.Files, &files)
		}
	}
	return files, nil
}

// InstantAvailability uploads the magnet and checks the ready flag. A ready
// magnet is kept as a probe (the container carries its id); a cold one is
// removed before returning.
func (c *Client) InstantAvailability(ctx context.Context, infohash string, itemType media.Type) (*types.TorrentContainer, error) {
	m, err := c.uploadMagnet(ctx, infohash)
	if err != nil {
		return nil, err
	}

	torrentID := strconv.FormatInt(m.ID, 10)
	cleanup := func() {
		if delErr := c.DeleteTorrent(ctx, torrentID); delErr != nil {
			c.logger.Debug().Err(delErr).Str("torrentID", torrentID).Msg("probe cleanup failed")
		}
	}

	if !m.Ready {
		cleanup()
		return nil, nil
	}

	raw, err := c.magnetFiles(ctx, m.ID)
	if err != nil {
		cleanup()
		return nil, err
	}

	files := make([]types.DebridFile, 0, len(raw))
	for _, f := range raw {
		if err := types.ValidateFile(f, itemType); err != nil {
			c.logger.Debug().Err(err).Str("filename", f.Filename).Msg("skipping file")
			continue
		}
		files = append(files, f)
	}
	if len(files) == 0 {
		cleanup()
		return nil, nil
	}

	return &types.TorrentContainer{
		Infohash:  strings.ToLower(infohash),
		TorrentID: torrentID,
		Files:     files,
		Info: &types.TorrentInfo{
			ID:       torrentID,
			Name:     m.Name,
			Infohash: strings.ToLower(infohash),
			Bytes:    m.Size,
			Status:   "Ready",
		},
	}, nil
}

// AddTorrent registers the infohash and returns the provider magnet id.
func (c *Client) AddTorrent(ctx context.Context, infohash string) (string, error) {
	m, err := c.uploadMagnet(ctx, infohash)
	if err != nil {
		return "", fmt.Errorf("failed to add torrent: %w", err)
	}
	return strconv.FormatInt(m.ID, 10), nil
}

// GetTorrentInfo fetches the provider's view of a held magnet.
func (c *Client) GetTorrentInfo(ctx context.Context, torrentID string) (*types.TorrentInfo, error) {
	params := url.Values{}
	params.Set("id", torrentID)

	data, err := doAPI[struct {
		Magnets magnetStatus `json:"magnets"`
	}](ctx, c, "/magnet/status", params)
	if err != nil {
		return nil, fmt.Errorf("failed to get torrent info: %w", err)
	}

	m := data.Magnets
	info := &types.TorrentInfo{
		ID:       strconv.FormatInt(m.ID, 10),
		Name:     m.Filename,
		Infohash: strings.ToLower(m.Hash),
		Bytes:    m.Size,
		Status:   m.Status,
	}
	if m.StatusCode == statusCodeReady {
		if files, err := c.magnetFiles(ctx, m.ID); err == nil {
			info.Files = files
		}
	}
	return info, nil
}

// SelectFiles is a no-op: AllDebrid materializes every file in a magnet.
func (c *Client) SelectFiles(ctx context.Context, torrentID string, fileIDs []string) error {
	return nil
}

// DeleteTorrent removes a magnet from the account.
func (c *Client) DeleteTorrent(ctx context.Context, torrentID string) error {
	params := url.Values{}
	params.Set("id", torrentID)

	if _, err := doAPI[struct {
		Message string `json:"message"`
	}](ctx, c, "/magnet/delete", params); err != nil {
		return fmt.Errorf("failed to delete torrent: %w", err)
	}
	return nil
}

// GetDownloads lists the account's ready magnets.
func (c *Client) GetDownloads(ctx context.Context) ([]types.DownloadRecord, error) {
	data, err := doAPI[struct {
		Magnets []magnetStatus `json:"magnets"`
	}](ctx, c, "/magnet/status", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to list downloads: %w", err)
	}

	records := make([]types.DownloadRecord, 0, len(data.Magnets))
	for _, m := range data.Magnets {
		if m.StatusCode != statusCodeReady {
			continue
		}
		records = append(records, types.DownloadRecord{
			Filename: m.Filename,
			Bytes:    m.Size,
			Hash:     strings.ToLower(m.Hash),
		})
	}
	return records, nil
}

// GetUserInfo fetches account details; used at boot to validate the API key.
func (c *Client) GetUserInfo(ctx context.Context) (*types.UserInfo, error) {
	data, err := doAPI[struct {
		User struct {
			Username     string `json:"username"`
			Email        string `json:"email"`
			IsPremium    bool   `json:"isPremium"`
			PremiumUntil int64  `json:"premiumUntil"`
		} `json:"user"`
	}](ctx, c, "/user", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get user info: %w", err)
	}

	info := &types.UserInfo{
		Username: data.User.Username,
		Email:    data.User.Email,
		Premium:  data.User.IsPremium,
	}
	if data.User.PremiumUntil > 0 {
		info.PremiumUntil = time.Unix(data.User.PremiumUntil, 0)
	}
	return info, nil
}
