package downloader

import (
	"strings"

	"github.com/rivenmedia/riven/internal/downloader/types"
	"github.com/rivenmedia/riven/internal/media"
	"github.com/rivenmedia/riven/internal/ranking"
)

// MatchParams carries the context for binding one downloaded torrent's files
// to an item's leaves.
type MatchParams struct {
	Torrent *types.DownloadedTorrent
	// ProfileName tags created entries with the ranking profile of the
	// promoted stream; empty for untagged streams.
	ProfileName string
	// DefaultProfile is the library profile applied when ProfileName is
	// empty.
	DefaultProfile string
	// KeepFor returns the version cap for a ranking profile.
	KeepFor   func(profile string) int
	CapPolicy media.EpisodeCapPolicy
}

// MatchFilesToItem binds the torrent's files to leaves of the item's tree.
// Movies bind the first non-episode video file. Show-context items walk every
// file, resolve each annotated episode number against the show (absolute
// numbers included), and update any resolvable leaf, which lets a season pack
// fill sibling episodes opportunistically. Returns true when at least one
// file bound to a leaf.
func MatchFilesToItem(item *media.Item, p MatchParams) bool {
	if p.Torrent == nil || p.Torrent.Container == nil {
		return false
	}

	if item.Type == media.TypeMovie {
		for _, f := range p.Torrent.Container.Files {
			parsed := ranking.Parse(f.Filename)
			if parsed.HasEpisodes() {
				continue
			}
			updateLeaf(item, f, parsed, p)
			return true
		}
		return false
	}

	show := item.Root()
	cap := show.EpisodeCap(p.CapPolicy)
	processed := make(map[*media.Item]struct{})
	found := false

	for _, f := range p.Torrent.Container.Files {
		parsed := ranking.Parse(f.Filename)
		if !parsed.HasEpisodes() {
			continue
		}
		if len(parsed.Episodes) == 1 && parsed.Episodes[0] == 0 {
			continue
		}
		if parsed.HasSeason(0) {
			continue
		}

		season := 0
		if parsed.HasSeasons() {
			season = parsed.Seasons[0]
		}

		for _, epNum := range parsed.Episodes {
			if cap > 0 && epNum > cap {
				continue
			}
			episode := show.ResolveEpisode(epNum, season)
			if episode == nil {
				continue
			}
			if _, done := processed[episode]; done {
				continue
			}
			switch episode.State() {
			case media.StateCompleted, media.StateSymlinked:
				continue
			}

			processed[episode] = struct{}{}
			updateLeaf(episode, f, parsed, p)
			found = true
		}
	}

	if found && (item.Type == media.TypeShow || item.Type == media.TypeSeason) {
		item.ActiveStream = &media.ActiveStream{
			Infohash:  strings.ToLower(p.Torrent.Infohash),
			TorrentID: p.Torrent.ID,
		}
	}

	return found
}

// updateLeaf points the leaf's active stream at the torrent and, when the
// file already has a download link, upserts a filesystem entry tagged with
// the ranking profile. Retention runs after every upsert so the leaf never
// carries more versions than configured.
func updateLeaf(leaf *media.Item, f types.DebridFile, parsed media.ParsedData, p MatchParams) {
	leaf.ActiveStream = &media.ActiveStream{
		Infohash:  strings.ToLower(p.Torrent.Infohash),
		TorrentID: p.Torrent.ID,
	}

	if f.DownloadURL == "" {
		return
	}

	libraryProfile := p.ProfileName
	if libraryProfile == "" {
		libraryProfile = p.DefaultProfile
	}

	entry := &media.MediaEntry{
		OriginalFilename:   f.Filename,
		DownloadURL:        f.DownloadURL,
		Provider:           p.Torrent.Provider,
		ProviderDownloadID: p.Torrent.ID,
		FileSize:           f.Filesize,
		Infohash:           strings.ToLower(p.Torrent.Infohash),
		Metadata: media.EntryMetadata{
			ProfileName: p.ProfileName,
			Parsed:      parsed,
		},
	}
	if libraryProfile != "" {
		entry.LibraryProfiles = []string{libraryProfile}
	}

	leaf.UpsertEntry(entry)
	EnforceRetention(leaf, p.KeepFor, nil)
}
