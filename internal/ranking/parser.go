package ranking

import (
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/moistari/rls"

	"github.com/rivenmedia/riven/internal/media"
)

// Supplemental patterns. rls reports a single series/episode pair, so
// ranges and chained episode markers are pulled from the raw title here.
var (
	// Season ranges: S01-S04, S01-04, Seasons 1-4, Season.1-4
	seasonRangeRe        = regexp.MustCompile(`(?i)\bs(\d{1,2})\s*-\s*s?(\d{1,2})\b`)
	seasonSpelledRangeRe = regexp.MustCompile(`(?i)\bseasons?[ ._-]+(\d{1,2})\s*(?:-|to|through)\s*(\d{1,2})\b`)

	// Specials markers. rls reports series 0 for S00E01, indistinguishable
	// from "no season", so the raw token is detected here.
	seasonZeroRe = regexp.MustCompile(`(?i)\bs00(?:\b|e\d)|\bseason[ ._-]?0\b`)

	// Episode ranges and chains: E01-E10, E01-10, S01E01E02. No leading
	// boundary: the first marker usually rides on the season token (S01E01-E10).
	episodeRangeRe        = regexp.MustCompile(`(?i)e(\d{1,3})\s*-\s*e?(\d{1,3})\b`)
	episodeSpelledRangeRe = regexp.MustCompile(`(?i)\bepisodes?[ ._-]+(\d{1,3})\s*-\s*(\d{1,3})\b`)
	episodeChainRe        = regexp.MustCompile(`(?i)\bs\d{1,2}((?:e\d{1,3}){2,})\b`)
	episodeTokenRe        = regexp.MustCompile(`(?i)e(\d{1,3})`)

	// Upper-case country markers the way trackers write them (The Office US).
	countryRe = regexp.MustCompile(`\b(USA|US|UK|GB|AU|NZ|CA)\b`)

	dubbedRe = regexp.MustCompile(`(?i)\b(dubbed|dual[ ._-]?audio|multi[ ._-]?audio)\b`)
	properRe = regexp.MustCompile(`(?i)\bproper\b`)
	repackRe = regexp.MustCompile(`(?i)\brepack\d?\b`)
)

// Parse turns a raw release title into structured data. rls does the heavy
// lifting; seasons, episodes, country, and flag markers are supplemented
// from the raw title.
func Parse(rawTitle string) media.ParsedData {
	r := rls.ParseString(rawTitle)

	data := media.ParsedData{
		Title:      r.Title,
		Year:       r.Year,
		Resolution: normalizeResolution(r.Resolution),
		Source:     r.Source,
		Group:      r.Group,
		Audio:      append([]string(nil), r.Audio...),
		HDR:        append([]string(nil), r.HDR...),
	}
	if len(r.Codec) > 0 {
		data.Codec = r.Codec[0]
	}
	for _, lang := range r.Language {
		data.Languages = append(data.Languages, strings.ToLower(lang))
	}

	data.Seasons = collectSeasons(r, rawTitle)
	data.Episodes = collectEpisodes(r, rawTitle)
	data.Country = detectCountry(rawTitle)
	data.Dubbed = dubbedRe.MatchString(rawTitle)
	data.Proper = properRe.MatchString(rawTitle)
	data.Repack = repackRe.MatchString(rawTitle)

	switch {
	case r.Type == rls.Movie:
		data.IsMovie = true
	case len(data.Seasons) == 0 && len(data.Episodes) == 0 && r.Year > 0:
		data.IsMovie = true
	}

	return data
}

func collectSeasons(r rls.Release, rawTitle string) []int {
	set := make(map[int]struct{})
	if r.Series > 0 {
		set[r.Series] = struct{}{}
	}
	if seasonZeroRe.MatchString(rawTitle) {
		set[0] = struct{}{}
	}
	for _, m := range seasonRangeRe.FindAllStringSubmatch(rawTitle, -1) {
		addRange(set, m[1], m[2], 99)
	}
	for _, m := range seasonSpelledRangeRe.FindAllStringSubmatch(rawTitle, -1) {
		addRange(set, m[1], m[2], 99)
	}
	return sortedInts(set)
}

func collectEpisodes(r rls.Release, rawTitle string) []int {
	set := make(map[int]struct{})
	if r.Episode > 0 {
		set[r.Episode] = struct{}{}
	}
	for _, m := range episodeRangeRe.FindAllStringSubmatch(rawTitle, -1) {
		addRange(set, m[1], m[2], 300)
	}
	for _, m := range episodeSpelledRangeRe.FindAllStringSubmatch(rawTitle, -1) {
		addRange(set, m[1], m[2], 300)
	}
	for _, chain := range episodeChainRe.FindAllStringSubmatch(rawTitle, -1) {
		for _, tok := range episodeTokenRe.FindAllStringSubmatch(chain[1], -1) {
			if n, err := strconv.Atoi(tok[1]); err == nil && n > 0 {
				set[n] = struct{}{}
			}
		}
	}
	return sortedInts(set)
}

// addRange expands lo-hi into the set. Inverted or absurdly wide ranges are
// treated as noise and skipped.
func addRange(set map[int]struct{}, loStr, hiStr string, span int) {
	lo, err := strconv.Atoi(loStr)
	if err != nil || lo <= 0 {
		return
	}
	hi, err := strconv.Atoi(hiStr)
	if err != nil || hi < lo || hi-lo > span {
		return
	}
	for n := lo; n <= hi; n++ {
		set[n] = struct{}{}
	}
}

func sortedInts(set map[int]struct{}) []int {
	if len(set) == 0 {
		return nil
	}
	out := make([]int, 0, len(set))
	for n := range set {
		out = append(out, n)
	}
	sort.Ints(out)
	return out
}

func detectCountry(rawTitle string) string {
	m := countryRe.FindStringSubmatch(rawTitle)
	if m == nil {
		return ""
	}
	switch m[1] {
	case "USA":
		return "US"
	case "GB":
		return "UK"
	}
	return m[1]
}

func normalizeResolution(res string) string {
	switch strings.ToLower(res) {
	case "2160p", "4k", "uhd":
		return "2160p"
	case "1080p", "fhd":
		return "1080p"
	case "720p":
		return "720p"
	case "576p":
		return "576p"
	case "480p", "sd":
		return "480p"
	default:
		return strings.ToLower(res)
	}
}
