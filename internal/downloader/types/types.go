// Package types defines the contract shared by the download orchestrator
// and the debrid providers that serve it.
package types

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rivenmedia/riven/internal/media"
)

// Error taxonomy for provider operations. The orchestrator decides per error
// whether to skip a stream, try the next provider, or blacklist.
var (
	// ErrNotCached means the provider does not hold the torrent's content.
	ErrNotCached = errors.New("torrent not cached")
	// ErrNoMatchingFiles means a validated container had no file that binds
	// to the item; the torrent is deleted and the next stream is tried.
	ErrNoMatchingFiles = errors.New("no matching files")
	// ErrInvalidDebridFile rejects a single container file (sample, wrong
	// extension, implausible size); the rest of the container continues.
	ErrInvalidDebridFile = errors.New("invalid debrid file")
	// ErrNotFound means the provider no longer knows the torrent id.
	ErrNotFound = errors.New("torrent not found")
	// ErrAuthFailed means the API key was rejected.
	ErrAuthFailed = errors.New("authentication failed")
)

// CircuitBreakerOpenError is raised by a provider client that has stopped
// issuing requests after repeated failures. The orchestrator treats it as a
// provider-wide delay, never as a stream failure.
type CircuitBreakerOpenError struct {
	Provider   string
	RetryAfter time.Time
}

func (e *CircuitBreakerOpenError) Error() string {
	return fmt.Sprintf("circuit breaker open for %s until %s", e.Provider, e.RetryAfter.Format(time.RFC3339))
}

// IsCircuitBreakerOpen unwraps err into a CircuitBreakerOpenError if one is
// present anywhere in the chain.
func IsCircuitBreakerOpen(err error) (*CircuitBreakerOpenError, bool) {
	var cb *CircuitBreakerOpenError
	if errors.As(err, &cb) {
		return cb, true
	}
	return nil, false
}

// DebridFile is one file inside a cached torrent as a provider reports it.
// DownloadURL is filled once the provider has materialized the torrent and
// may be a provider-signed link that expires.
type DebridFile struct {
	ID          string `json:"id,omitempty"`
	Filename    string `json:"filename"`
	Filesize    int64  `json:"filesize"`
	DownloadURL string `json:"download_url,omitempty"`
}

var videoExtensions = map[string]struct{}{
	".mkv": {}, ".mp4": {}, ".avi": {}, ".mov": {}, ".wmv": {},
	".m4v": {}, ".ts": {}, ".m2ts": {}, ".webm": {}, ".mpg": {}, ".mpeg": {},
}

// File size plausibility windows per item type. Files outside the window are
// almost always extras, samples, or mis-reported sizes.
const (
	minMovieBytes   = 200 << 20 // 200 MiB
	maxMovieBytes   = 200 << 30 // 200 GiB
	minEpisodeBytes = 10 << 20  // 10 MiB
	maxEpisodeBytes = 30 << 30  // 30 GiB
)

// ValidateFile vets a raw container file for the given item type. It returns
// ErrInvalidDebridFile for samples, non-video files, and implausible sizes;
// callers drop the file and keep the rest of the container.
func ValidateFile(f DebridFile, itemType media.Type) error {
	name := strings.ToLower(f.Filename)
	if name == "" {
		return fmt.Errorf("%w: empty filename", ErrInvalidDebridFile)
	}
	if strings.Contains(name, "sample") {
		return fmt.Errorf("%w: sample file %q", ErrInvalidDebridFile, f.Filename)
	}
	if _, ok := videoExtensions[filepath.Ext(name)]; !ok {
		return fmt.Errorf("%w: not a video file %q", ErrInvalidDebridFile, f.Filename)
	}
	if f.Filesize > 0 {
		min, max := int64(minEpisodeBytes), int64(maxEpisodeBytes)
		if itemType == media.TypeMovie {
			min, max = minMovieBytes, maxMovieBytes
		}
		if f.Filesize < min || f.Filesize > max {
			return fmt.Errorf("%w: size %d out of range for %s %q", ErrInvalidDebridFile, f.Filesize, itemType, f.Filename)
		}
	}
	return nil
}

// TorrentInfo is a provider's view of a torrent it holds.
type TorrentInfo struct {
	ID       string       `json:"id"`
	Name     string       `json:"name"`
	Infohash string       `json:"infohash"`
	Bytes    int64        `json:"bytes"`
	Status   string       `json:"status"`
	Files    []DebridFile `json:"files,omitempty"`
}

// SizeMB reports the torrent size in megabytes for logging.
func (i *TorrentInfo) SizeMB() float64 {
	return float64(i.Bytes) / 1_000_000
}

// TorrentContainer is the file layout a provider returned during instant
// availability validation. When TorrentID is set the container was produced
// by adding a probe to the provider, which must be cleaned up if unused.
type TorrentContainer struct {
	Infohash  string       `json:"infohash"`
	TorrentID string       `json:"torrent_id,omitempty"`
	Files     []DebridFile `json:"files"`
	Info      *TorrentInfo `json:"info,omitempty"`
}

// FileIDs returns the provider file ids present in the container. Providers
// that auto-select all files report no ids; callers skip selection then.
func (c *TorrentContainer) FileIDs() []string {
	ids := make([]string, 0, len(c.Files))
	for _, f := range c.Files {
		if f.ID != "" {
			ids = append(ids, f.ID)
		}
	}
	return ids
}

// MedianFileSize returns the median per-file size, which compares
// multi-season packs against single-season releases fairly: a 9-season pack
// of low-quality episodes has a large total but a small median. Falls back
// to the total torrent size when per-file sizes are unavailable.
func (c *TorrentContainer) MedianFileSize() int64 {
	sizes := make([]int64, 0, len(c.Files))
	for _, f := range c.Files {
		if f.Filesize > 0 {
			sizes = append(sizes, f.Filesize)
		}
	}
	if len(sizes) == 0 {
		if c.Info != nil {
			return c.Info.Bytes
		}
		return 0
	}
	sort.Slice(sizes, func(a, b int) bool { return sizes[a] < sizes[b] })
	n := len(sizes)
	if n%2 == 0 {
		return (sizes[n/2-1] + sizes[n/2]) / 2
	}
	return sizes[n/2]
}

// DownloadedTorrent is a torrent the orchestrator has promoted: added,
// inspected, and with files selected on a provider.
type DownloadedTorrent struct {
	ID        string            `json:"id"`
	Infohash  string            `json:"infohash"`
	Provider  string            `json:"provider"`
	Info      *TorrentInfo      `json:"info"`
	Container *TorrentContainer `json:"container"`
}

// DownloadRecord is one torrent in a provider's library listing.
type DownloadRecord struct {
	Filename string `json:"filename"`
	Bytes    int64  `json:"bytes"`
	Hash     string `json:"hash"`
}

// UserInfo identifies the account behind an API key. Fetched once at boot to
// validate credentials.
type UserInfo struct {
	Username     string    `json:"username"`
	Email        string    `json:"email,omitempty"`
	Premium      bool      `json:"premium"`
	PremiumUntil time.Time `json:"premium_until,omitempty"`
}

// Provider is the operation set a debrid service must expose. Implementations
// enforce their own timeouts and raise CircuitBreakerOpenError after repeated
// failures instead of hammering a degraded remote.
type Provider interface {
	// Name returns the provider key used in cooldown tracking and entries.
	Name() string
	// InstantAvailability reports whether the torrent is cached and, if so,
	// returns its file layout. A nil container with nil error means not
	// cached. A container with TorrentID set is an added probe the caller
	// owns.
	InstantAvailability(ctx context.Context, infohash string, itemType media.Type) (*TorrentContainer, error)
	// AddTorrent registers the infohash and returns the provider torrent id.
	AddTorrent(ctx context.Context, infohash string) (string, error)
	// GetTorrentInfo fetches the provider's view of a held torrent.
	GetTorrentInfo(ctx context.Context, torrentID string) (*TorrentInfo, error)
	// SelectFiles marks container files for materialization.
	SelectFiles(ctx context.Context, torrentID string, fileIDs []string) error
	// DeleteTorrent removes the torrent from the provider.
	DeleteTorrent(ctx context.Context, torrentID string) error
	// GetDownloads lists the account's torrent library.
	GetDownloads(ctx context.Context) ([]DownloadRecord, error)
	// GetUserInfo fetches account details; used to validate credentials.
	GetUserInfo(ctx context.Context) (*UserInfo, error)
}
