package scrapers

import (
	"regexp"
	"strings"

	"github.com/rivenmedia/riven/internal/media"
	"github.com/rivenmedia/riven/internal/scrapers/types"
)

var (
	nonASCIIRe   = regexp.MustCompile(`[^\x00-\x7F]+`)
	whitespaceRe = regexp.MustCompile(`\s+`)
)

// normalizeHarvestTitle cleans a harvester-supplied release title. Harvester
// titles can carry emoji, decorative unicode, and multi-line comment blocks;
// only the first ASCII line with collapsed whitespace survives.
func normalizeHarvestTitle(raw string) string {
	if idx := strings.IndexByte(raw, '\n'); idx >= 0 {
		raw = raw[:idx]
	}
	cleaned := nonASCIIRe.ReplaceAllString(raw, " ")
	return strings.TrimSpace(whitespaceRe.ReplaceAllString(cleaned, " "))
}

// harvestedResults is the pseudo-scraper over the releases the harvester
// already attached to the item. Releases without an infohash fall back to
// extracting the btih parameter from their magnet link; releases yielding
// neither are dropped.
func harvestedResults(item *media.Item) []types.Result {
	releases := item.Aliases.W2PReleases
	if len(releases) == 0 {
		return nil
	}

	results := make([]types.Result, 0, len(releases))
	for _, rel := range releases {
		infohash := rel.Infohash
		if infohash == "" && rel.Magnet != "" {
			if h, ok := media.InfohashFromMagnet(rel.Magnet); ok {
				infohash = h
			}
		}
		if infohash == "" {
			continue
		}
		results = append(results, types.Result{
			Infohash: infohash,
			RawTitle: normalizeHarvestTitle(rel.RawTitle),
			Size:     rel.SizeBytes,
		})
	}
	return results
}
