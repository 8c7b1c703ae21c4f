package scrapers

import (
	"github.com/rivenmedia/riven/internal/media"
	"github.com/rivenmedia/riven/internal/profile"
)

// minPackEpisodes is the least episode count an episode-annotated torrent
// must carry for show and season items. Weeds out single-episode releases
// masquerading as packs.
const minPackEpisodes = 3

// passesContext applies the item-context rules the ranking engine cannot
// see: season/episode coverage, country, year, and the dubbed-anime gate.
func passesContext(item *media.Item, prof *profile.Profile, parsed media.ParsedData) bool {
	switch item.Type {
	case media.TypeMovie:
		if parsed.HasSeasons() || parsed.HasEpisodes() {
			return false
		}
	case media.TypeShow:
		if !showMatches(item, parsed) {
			return false
		}
	case media.TypeSeason:
		if !seasonMatches(item, parsed) {
			return false
		}
	case media.TypeEpisode:
		if !episodeMatches(item, parsed) {
			return false
		}
	}

	root := item.Root()

	if parsed.Country != "" && !root.IsAnime {
		if parsed.Country != item.NormalizedCountry() {
			return false
		}
	}

	if parsed.Year != 0 {
		if year := contextYear(item); year > 0 && absDelta(parsed.Year, year) > 1 {
			return false
		}
	}

	if root.IsAnime && prof.DubbedAnimeOnly && !parsed.Dubbed {
		return false
	}

	return true
}

// showMatches requires every season the show contains to be annotated on
// the torrent. A single-season show may instead match an episode-only
// torrent that covers all of the season's episodes.
func showMatches(item *media.Item, parsed media.ParsedData) bool {
	if parsed.HasEpisodes() && len(parsed.Episodes) < minPackEpisodes {
		return false
	}

	seasons := item.SeasonNumbers()

	if !parsed.HasSeasons() {
		if parsed.HasEpisodes() && len(seasons) == 1 {
			onlySeason := item.Season(seasons[0])
			return onlySeason != nil && coversAll(parsed, onlySeason.EpisodeNumbers())
		}
		return false
	}

	for _, n := range seasons {
		if !parsed.HasSeason(n) {
			return false
		}
	}
	return true
}

// seasonMatches requires the season's number on the torrent and, when the
// torrent annotates episodes, full coverage of the season's episodes.
func seasonMatches(item *media.Item, parsed media.ParsedData) bool {
	if !parsed.HasSeason(item.Number) {
		return false
	}
	if parsed.HasEpisodes() {
		if len(parsed.Episodes) < minPackEpisodes {
			return false
		}
		if !coversAll(parsed, item.EpisodeNumbers()) {
			return false
		}
	}
	return true
}

// episodeMatches accepts torrents that annotate the episode's number or
// absolute number, or season-only torrents covering the parent season.
// Torrents annotating neither are junk for an episode item.
func episodeMatches(item *media.Item, parsed media.ParsedData) bool {
	if parsed.HasEpisodes() {
		if parsed.HasEpisode(item.Number) {
			return true
		}
		return item.AbsoluteNumber > 0 && parsed.HasEpisode(item.AbsoluteNumber)
	}
	if parsed.HasSeasons() {
		return parsed.HasSeason(item.SeasonNumber())
	}
	return false
}

func coversAll(parsed media.ParsedData, episodes []int) bool {
	for _, n := range episodes {
		if !parsed.HasEpisode(n) {
			return false
		}
	}
	return true
}

// contextYear resolves the comparison year for the torrent year check: the
// item's own air year when known, the declared year, then the root's.
func contextYear(item *media.Item) int {
	if !item.AiredAt.IsZero() {
		return item.AiredAt.Year()
	}
	if item.Year > 0 {
		return item.Year
	}
	root := item.Root()
	if root != item {
		return contextYear(root)
	}
	return 0
}

func absDelta(a, b int) int {
	if a > b {
		return a - b
	}
	return b - a
}
