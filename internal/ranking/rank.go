package ranking

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/rivenmedia/riven/internal/media"
	"github.com/rivenmedia/riven/internal/profile"
)

// ErrGarbage marks a candidate the engine refuses to rank. Callers drop the
// candidate and move on; the wrapped message carries the reason.
var ErrGarbage = errors.New("garbage release")

// Candidate is one raw scraper result: an infohash, the title the tracker
// published for it, and the reported size when the scraper knows it.
type Candidate struct {
	Infohash string
	RawTitle string
	Size     int64
}

// Torrent is a candidate the engine accepted, carrying its parsed form and
// integer rank. Higher ranks are better.
type Torrent struct {
	Infohash string
	RawTitle string
	Size     int64
	Parsed   media.ParsedData
	Rank     int
}

// Engine ranks candidates under a single profile. Ranking depends only on
// the candidate and the profile, never on item context.
type Engine struct {
	profile *profile.Profile
}

func NewEngine(p *profile.Profile) *Engine {
	return &Engine{profile: p}
}

// Rank parses and scores a candidate. correctTitle is the title the item
// expects; a parsed title that cannot be reconciled with it is garbage.
func (e *Engine) Rank(c Candidate, correctTitle string) (Torrent, error) {
	if strings.TrimSpace(c.RawTitle) == "" {
		return Torrent{}, fmt.Errorf("%w: empty title", ErrGarbage)
	}

	parsed := Parse(c.RawTitle)
	if parsed.Title == "" {
		return Torrent{}, fmt.Errorf("%w: unparseable title %q", ErrGarbage, c.RawTitle)
	}
	if correctTitle != "" && !titlesMatch(parsed.Title, correctTitle) {
		return Torrent{}, fmt.Errorf("%w: title %q does not match %q", ErrGarbage, parsed.Title, correctTitle)
	}
	if e.profile.RemoveAllTrash && isTrash(parsed, c.RawTitle) {
		return Torrent{}, fmt.Errorf("%w: trash release %q", ErrGarbage, c.RawTitle)
	}
	if lang, ok := excludedLanguage(parsed, e.profile.ExcludeLanguages); ok {
		return Torrent{}, fmt.Errorf("%w: excluded language %q in %q", ErrGarbage, lang, c.RawTitle)
	}

	return Torrent{
		Infohash: c.Infohash,
		RawTitle: c.RawTitle,
		Size:     c.Size,
		Parsed:   parsed,
		Rank:     e.score(parsed),
	}, nil
}

// trashSources are pre-retail capture sources. They rank deeply negative
// even when the profile tolerates them.
var trashSources = map[string]struct{}{
	"cam": {}, "camrip": {}, "hdcam": {},
	"ts": {}, "hdts": {}, "telesync": {},
	"tc": {}, "hdtc": {}, "telecine": {},
	"scr": {}, "screener": {}, "dvdscr": {}, "dvdscreener": {}, "bdscr": {}, "webscreener": {},
	"workprint": {}, "r5": {}, "vhsrip": {}, "tvrip": {}, "satrip": {},
}

var trashTitleRe = regexp.MustCompile(`(?i)\b(cam(rip)?|hd(cam|ts|tc)|telesync|telecine|screener|dvd[ .]?scr|workprint)\b`)

func isTrash(parsed media.ParsedData, rawTitle string) bool {
	if _, ok := trashSources[normalizeSource(parsed.Source)]; ok {
		return true
	}
	return trashTitleRe.MatchString(rawTitle)
}

// languageCodes folds the language names trackers write into ISO-ish codes
// so an exclude list can say either "fr" or "french".
var languageCodes = map[string]string{
	"french": "fr", "german": "de", "spanish": "es", "italian": "it",
	"russian": "ru", "hindi": "hi", "japanese": "ja", "korean": "ko",
	"chinese": "zh", "mandarin": "zh", "portuguese": "pt", "polish": "pl",
	"dutch": "nl", "swedish": "sv", "norwegian": "no", "danish": "da",
	"finnish": "fi", "arabic": "ar", "turkish": "tr", "english": "en",
}

func canonicalLanguage(lang string) string {
	folded := foldTag(lang)
	if code, ok := languageCodes[folded]; ok {
		return code
	}
	return folded
}

func excludedLanguage(parsed media.ParsedData, exclude []string) (string, bool) {
	if len(exclude) == 0 {
		return "", false
	}
	for _, lang := range parsed.Languages {
		canon := canonicalLanguage(lang)
		for _, ex := range exclude {
			if canon == canonicalLanguage(ex) {
				return lang, true
			}
		}
	}
	return "", false
}

// Rank component weights. The absolute values only matter relative to each
// other; resolution dominates, source breaks resolution ties, and the rest
// nudge within a quality tier.
var resolutionRanks = map[string]int{
	"2160p": 140,
	"1080p": 100,
	"720p":  60,
	"576p":  20,
	"480p":  10,
}

var sourceRanks = map[string]int{
	"remux":  130,
	"bluray": 120,
	"webdl":  90,
	"webrip": 70,
	"hdtv":   40,
	"dvd":    20,
}

const (
	trashSourceRank = -1000
	preferredBonus  = 100
	properBonus     = 8
	repackBonus     = 6
)

func (e *Engine) score(parsed media.ParsedData) int {
	rank := resolutionRanks[parsed.Resolution]

	src := normalizeSource(parsed.Source)
	if _, trash := trashSources[src]; trash {
		rank += trashSourceRank
	} else {
		rank += sourceRanks[src]
	}

	rank += codecRank(parsed.Codec)
	for _, a := range parsed.Audio {
		rank += audioRank(a)
	}
	for _, h := range parsed.HDR {
		rank += hdrRank(h)
	}
	if parsed.Proper {
		rank += properBonus
	}
	if parsed.Repack {
		rank += repackBonus
	}

	if len(e.profile.PreferredQuality) > 0 {
		tokens := qualityTokens(parsed)
		for _, want := range e.profile.PreferredQuality {
			if _, ok := tokens[foldTag(want)]; ok {
				rank += preferredBonus
			}
		}
	}

	return rank
}

func normalizeSource(source string) string {
	switch foldTag(source) {
	case "bluray", "bdrip", "brrip", "bd", "bdremux":
		return "bluray"
	case "remux":
		return "remux"
	case "webdl", "web":
		return "webdl"
	case "webrip":
		return "webrip"
	case "hdtv", "pdtv", "sdtv", "dsr":
		return "hdtv"
	case "dvd", "dvdrip", "dvdr":
		return "dvd"
	default:
		return foldTag(source)
	}
}

func codecRank(codec string) int {
	switch foldTag(codec) {
	case "x265", "h265", "hevc":
		return 25
	case "av1":
		return 15
	case "x264", "h264", "avc":
		return 10
	case "mpeg2":
		return -30
	case "divx":
		return -40
	case "xvid":
		return -50
	default:
		return 0
	}
}

func audioRank(audio string) int {
	switch foldTag(audio) {
	case "atmos":
		return 30
	case "truehd":
		return 25
	case "dtsx":
		return 25
	case "dtshd", "dtshdma":
		return 20
	case "dts":
		return 15
	case "ddp", "ddplus", "eac3":
		return 10
	case "dd", "ac3":
		return 5
	case "flac":
		return 3
	case "aac", "opus":
		return 2
	case "mp3":
		return -10
	default:
		return 0
	}
}

func hdrRank(hdr string) int {
	switch foldTag(hdr) {
	case "dv", "dovi", "dolbyvision":
		return 25
	case "hdr10plus", "hdr10p":
		return 20
	case "hdr10", "hdr":
		return 15
	case "hlg":
		return 10
	default:
		return 0
	}
}

// qualityTokens collects the folded quality markers a preferred_quality tag
// can match against.
func qualityTokens(parsed media.ParsedData) map[string]struct{} {
	tokens := make(map[string]struct{})
	add := func(s string) {
		if f := foldTag(s); f != "" {
			tokens[f] = struct{}{}
		}
	}
	add(parsed.Resolution)
	add(parsed.Source)
	add(normalizeSource(parsed.Source))
	add(parsed.Codec)
	for _, a := range parsed.Audio {
		add(a)
	}
	for _, h := range parsed.HDR {
		add(h)
	}
	add(parsed.Group)
	return tokens
}

// foldTag lowercases a quality tag and strips separators, so "DTS-HD.MA",
// "dts hd ma", and "DTSHDMA" compare equal. The plus sign survives as
// "plus" to keep hdr10+ distinct from hdr10.
func foldTag(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+':
			b.WriteString("plus")
		}
	}
	return b.String()
}
