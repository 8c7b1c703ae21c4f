package downloader

import (
	"sort"
	"strings"

	"github.com/rivenmedia/riven/internal/media"
)

// EnforceRetention caps a leaf's filesystem entries per ranking profile,
// each profile at its own keep count. Entries matching the desired infohash
// order are kept first, then the remainder in stream-rank order; entries
// matching no known stream trail in stored order. The active stream is
// repointed at the surviving top entry.
func EnforceRetention(item *media.Item, keepFor func(profile string) int, desired []string) {
	if len(item.FilesystemEntries) == 0 {
		return
	}

	// Group entries by profile, preserving first-seen profile order.
	var profileOrder []string
	groups := make(map[string][]*media.MediaEntry)
	for _, e := range item.FilesystemEntries {
		name := e.ProfileName()
		if _, ok := groups[name]; !ok {
			profileOrder = append(profileOrder, name)
		}
		groups[name] = append(groups[name], e)
	}

	// Desired hashes first, then every other known stream by rank, so a
	// shortened desired list still trims the lowest-quality versions.
	streams := append([]*media.Stream(nil), item.Streams...)
	sort.SliceStable(streams, func(a, b int) bool { return streams[a].Rank > streams[b].Rank })

	orderedHashes := make([]string, 0, len(desired)+len(streams))
	seenHashes := make(map[string]struct{}, len(desired)+len(streams))
	for _, h := range desired {
		lower := strings.ToLower(h)
		if _, dup := seenHashes[lower]; dup {
			continue
		}
		seenHashes[lower] = struct{}{}
		orderedHashes = append(orderedHashes, lower)
	}
	for _, s := range streams {
		lower := strings.ToLower(s.Infohash)
		if _, dup := seenHashes[lower]; dup {
			continue
		}
		seenHashes[lower] = struct{}{}
		orderedHashes = append(orderedHashes, lower)
	}

	kept := make([]*media.MediaEntry, 0, len(item.FilesystemEntries))
	for _, name := range profileOrder {
		group := groups[name]
		ranked := make([]*media.MediaEntry, 0, len(group))
		seen := make(map[*media.MediaEntry]struct{}, len(group))

		for _, h := range orderedHashes {
			for _, e := range group {
				if _, dup := seen[e]; dup {
					continue
				}
				if strings.EqualFold(e.Infohash, h) {
					ranked = append(ranked, e)
					seen[e] = struct{}{}
				}
			}
		}
		for _, e := range group {
			if _, dup := seen[e]; !dup {
				ranked = append(ranked, e)
				seen[e] = struct{}{}
			}
		}

		keep := keepFor(name)
		if keep < 1 {
			keep = 1
		}
		if len(ranked) > keep {
			ranked = ranked[:keep]
		}
		kept = append(kept, ranked...)
	}

	item.FilesystemEntries = kept

	if len(kept) > 0 {
		top := kept[0]
		if item.ActiveStream == nil || !strings.EqualFold(item.ActiveStream.Infohash, top.Infohash) {
			prevID := ""
			if item.ActiveStream != nil {
				prevID = item.ActiveStream.TorrentID
			}
			item.ActiveStream = &media.ActiveStream{
				Infohash:  strings.ToLower(top.Infohash),
				TorrentID: prevID,
			}
		}
	}
}

// DesiredHashes returns the first keep distinct infohashes from the item's
// candidate streams, in stored (rank) order. This is the version set the
// orchestrator aims to hold after a pass.
func DesiredHashes(item *media.Item, keep int) []string {
	if keep < 1 {
		keep = 1
	}
	seen := make(map[string]struct{}, keep)
	out := make([]string, 0, keep)
	for _, s := range item.NonBlacklistedStreams() {
		h := strings.ToLower(s.Infohash)
		if _, dup := seen[h]; dup {
			continue
		}
		seen[h] = struct{}{}
		out = append(out, h)
		if len(out) == keep {
			break
		}
	}
	return out
}
