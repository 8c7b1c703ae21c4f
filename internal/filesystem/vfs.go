// Package filesystem publishes downloaded media entries as a virtual
// directory tree. The host keeps the authoritative path registry; the
// registration service drives it leaf by leaf; an optional projector mirrors
// the tree as symlinks into a real library directory.
package filesystem

import (
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/rivenmedia/riven/internal/media"
	"github.com/rivenmedia/riven/internal/profile"
)

// VFSHost is the contract between the registration pass and the virtual
// filesystem. Add re-derives every virtual path for the leaf's entries and
// registers them; Remove unregisters the leaf; Sync rebuilds the tree after
// a layout or profile change; Close releases the host on shutdown.
type VFSHost interface {
	Add(leaf *media.Item) bool
	Remove(leaf *media.Item)
	Sync()
	Close() error
}

// Source identifies what a virtual path streams from.
type Source struct {
	DownloadURL string
	FileSize    int64
	Infohash    string
	Provider    string
}

// Host is the in-process VFSHost. It owns the path registry and the
// derived VFSPaths on entries; everything else treats those as read-only.
// Safe for concurrent use.
type Host struct {
	mu       sync.RWMutex
	layout   Layout
	profiles *profile.Set
	logger   zerolog.Logger
	closed   bool

	byPath map[string]Source
	byLeaf map[int64][]string
	leaves map[int64]*media.Item
}

// NewHost creates an empty host over the given layout and profile set.
func NewHost(profiles *profile.Set, layout Layout, logger zerolog.Logger) *Host {
	return &Host{
		layout:   layout,
		profiles: profiles,
		logger:   logger.With().Str("component", "vfs").Logger(),
		byPath:   make(map[string]Source),
		byLeaf:   make(map[int64][]string),
		leaves:   make(map[int64]*media.Item),
	}
}

// Add registers every valid entry of the leaf, re-deriving virtual paths
// from current metadata and stamping them onto the entries. Entries missing
// their file identity are skipped; a second entry with the same (infohash,
// profile) pair is a duplicate and skipped too. Returns false when nothing
// was registered.
func (h *Host) Add(leaf *media.Item) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed || !leaf.IsLeaf() {
		return false
	}
	return h.addLocked(leaf)
}

func (h *Host) addLocked(leaf *media.Item) bool {
	h.removeLocked(leaf)

	defaultName := h.profiles.Default().Name
	seen := make(map[media.EntryKey]struct{})
	var leafPaths []string
	registered := 0

	for _, entry := range leaf.FilesystemEntries {
		if entry.OriginalFilename == "" || entry.DownloadURL == "" || entry.Infohash == "" || entry.FileSize <= 0 {
			h.logger.Debug().
				Int64("item_id", leaf.ID).
				Str("filename", entry.OriginalFilename).
				Msg("skipping entry with incomplete file identity")
			continue
		}
		if _, dup := seen[entry.Key()]; dup {
			continue
		}
		seen[entry.Key()] = struct{}{}

		names := entry.LibraryProfiles
		if len(names) == 0 {
			names = []string{defaultName}
		}

		src := Source{
			DownloadURL: entry.DownloadURL,
			FileSize:    entry.FileSize,
			Infohash:    entry.Infohash,
			Provider:    entry.Provider,
		}

		var paths []string
		for _, name := range names {
			profileRoot := ""
			if name != defaultName {
				profileRoot = name
			}
			p := h.layout.EntryPath(profileRoot, leaf, entry)
			h.byPath[p] = src
			paths = append(paths, p)
		}
		entry.VFSPaths = paths
		leafPaths = append(leafPaths, paths...)
		registered++
	}

	if registered == 0 {
		return false
	}
	h.byLeaf[leaf.ID] = leafPaths
	h.leaves[leaf.ID] = leaf
	h.logger.Debug().
		Int64("item_id", leaf.ID).
		Int("entries", registered).
		Int("paths", len(leafPaths)).
		Msg("leaf registered")
	return true
}

// Remove unregisters the leaf's paths and clears the derived paths from its
// current entries, so a leaf evicted without re-registration stops reporting
// as published.
func (h *Host) Remove(leaf *media.Item) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(leaf)
}

func (h *Host) removeLocked(leaf *media.Item) {
	for _, p := range h.byLeaf[leaf.ID] {
		delete(h.byPath, p)
	}
	delete(h.byLeaf, leaf.ID)
	delete(h.leaves, leaf.ID)
	for _, entry := range leaf.FilesystemEntries {
		entry.VFSPaths = nil
	}
}

// Sync re-derives every registered leaf under the current layout. Called
// when settings or profiles change out from under the tree.
func (h *Host) Sync() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}

	current := make([]*media.Item, 0, len(h.leaves))
	for _, leaf := range h.leaves {
		current = append(current, leaf)
	}
	for _, leaf := range current {
		h.addLocked(leaf)
	}
	h.logger.Info().Int("leaves", len(current)).Msg("virtual tree resynced")
}

// Close empties the registry and refuses further registrations.
func (h *Host) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	h.byPath = make(map[string]Source)
	h.byLeaf = make(map[int64][]string)
	h.leaves = make(map[int64]*media.Item)
	h.logger.Info().Msg("virtual filesystem closed")
	return nil
}

// Resolve returns the stream source behind a virtual path.
func (h *Host) Resolve(path string) (Source, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	src, ok := h.byPath[path]
	return src, ok
}

// Paths returns every registered virtual path, sorted.
func (h *Host) Paths() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.byPath))
	for p := range h.byPath {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of registered virtual paths.
func (h *Host) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byPath)
}
