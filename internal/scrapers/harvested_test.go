package scrapers

import (
	"testing"

	"github.com/rivenmedia/riven/internal/media"
)

func TestNormalizeHarvestTitle(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "Dune.2021.1080p.BluRay", "Dune.2021.1080p.BluRay"},
		{"emoji stripped", "🎬 Dune 2021 💾 8.4GB", "Dune 2021 8.4GB"},
		{"whitespace collapsed", "Dune   2021\t1080p", "Dune 2021 1080p"},
		{"first line only", "Dune 2021 1080p WEB-DL\nSeeders: 42\nTracker: x", "Dune 2021 1080p WEB-DL"},
		{"emoji before newline", "🔥 Dune 2021 1080p WEB-DL\nComment line\nanother", "Dune 2021 1080p WEB-DL"},
		{"unicode decorations", "Dûne 2021 ▶ 1080p", "D ne 2021 1080p"},
		{"empty", "", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := normalizeHarvestTitle(tc.in); got != tc.want {
				t.Errorf("normalizeHarvestTitle(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestHarvestedResults(t *testing.T) {
	item := testMovie()
	item.Aliases.W2PReleases = []media.HarvestedRelease{
		{RawTitle: "Dune 2021 2160p", Infohash: hashA, SizeBytes: 20 << 30},
		{RawTitle: "Dune 2021 1080p", Magnet: "magnet:?xt=urn:btih:" + hashB + "&dn=dune"},
		{RawTitle: "no locator at all"},
		{RawTitle: "base32 magnet", Magnet: "magnet:?xt=urn:btih:ZOCMZQIPFFW7OLLMIC5HUB6BPCSDEOQH"},
	}

	results := harvestedResults(item)
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}
	if results[0].Infohash != hashA || results[0].Size != 20<<30 {
		t.Errorf("results[0] = %+v", results[0])
	}
	if results[1].Infohash != hashB {
		t.Errorf("results[1].Infohash = %s, want %s", results[1].Infohash, hashB)
	}
}

func TestHarvestedResultsEmpty(t *testing.T) {
	if got := harvestedResults(testMovie()); got != nil {
		t.Errorf("harvestedResults() = %v, want nil", got)
	}
}
