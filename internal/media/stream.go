package media

import (
	"fmt"
	"regexp"
	"strings"
)

var infohashRe = regexp.MustCompile(`^[a-f0-9]{40}$`)

// NormalizeInfohash lower-cases a torrent infohash and validates that it is
// 40 hex characters. Invalid values are rejected at ingress.
func NormalizeInfohash(raw string) (string, error) {
	h := strings.ToLower(strings.TrimSpace(raw))
	if !infohashRe.MatchString(h) {
		return "", fmt.Errorf("invalid infohash %q", raw)
	}
	return h, nil
}

var magnetBtihRe = regexp.MustCompile(`(?i)btih:([a-f0-9]{32,40})`)

// InfohashFromMagnet extracts the hex btih parameter from a magnet link.
// Base32-encoded hashes are not hex and fail normalization, so only links
// carrying a full 40-hex hash yield a value.
func InfohashFromMagnet(magnet string) (string, bool) {
	m := magnetBtihRe.FindStringSubmatch(magnet)
	if m == nil {
		return "", false
	}
	h, err := NormalizeInfohash(m[1])
	if err != nil {
		return "", false
	}
	return h, true
}

// Stream is a ranked, profile-tagged candidate release attached to an item.
// Immutable after construction.
type Stream struct {
	ID          int64      `json:"id,omitempty"`
	Infohash    string     `json:"infohash"`
	RawTitle    string     `json:"raw_title"`
	Parsed      ParsedData `json:"parsed"`
	Rank        int        `json:"rank"`
	ProfileName string     `json:"profile_name"`
}

// ActiveStream is a weak reference to the currently promoted release.
// It may transiently reference an entry that is not yet registered.
type ActiveStream struct {
	Infohash  string `json:"infohash"`
	TorrentID string `json:"torrent_id,omitempty"`
}

// EntryMetadata is the media_metadata payload of a MediaEntry.
type EntryMetadata struct {
	ProfileName string     `json:"profile_name,omitempty"`
	Parsed      ParsedData `json:"parsed"`
}

// MediaEntry is a concrete file available via a debrid provider, bound to a
// leaf item and a ranking profile. Virtual path generation is delegated to
// the VFS host at registration time; the entry is the source of truth for
// the file identity.
type MediaEntry struct {
	ID                 int64         `json:"id,omitempty"`
	OriginalFilename   string        `json:"original_filename"`
	DownloadURL        string        `json:"download_url"`
	Provider           string        `json:"provider"`
	ProviderDownloadID string        `json:"provider_download_id"`
	FileSize           int64         `json:"file_size"`
	Infohash           string        `json:"infohash"`
	Metadata           EntryMetadata `json:"metadata"`
	LibraryProfiles    []string      `json:"library_profiles,omitempty"`
	VFSPaths           []string      `json:"vfs_paths,omitempty"`
}

// ProfileName returns the entry's ranking profile tag ("" when untagged).
func (e *MediaEntry) ProfileName() string { return e.Metadata.ProfileName }

// EntryKey identifies an entry for dedup purposes. Entries with equal
// (infohash, profile) are the same logical version; an unset profile equals
// another unset profile.
type EntryKey struct {
	Infohash    string
	ProfileName string
}

// Key returns the dedup key for the entry.
func (e *MediaEntry) Key() EntryKey {
	return EntryKey{Infohash: strings.ToLower(e.Infohash), ProfileName: e.Metadata.ProfileName}
}

// Registered reports whether the entry currently has virtual paths assigned.
func (e *MediaEntry) Registered() bool { return len(e.VFSPaths) > 0 }
