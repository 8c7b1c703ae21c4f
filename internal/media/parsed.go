package media

// ParsedData is the structured view of a release title. It is produced by the
// ranking engine's parser and carried on Streams and MediaEntries so the
// matcher and filesystem layers never re-parse raw titles.
type ParsedData struct {
	Title      string   `json:"title,omitempty"`
	Year       int      `json:"year,omitempty"`
	Seasons    []int    `json:"seasons,omitempty"`
	Episodes   []int    `json:"episodes,omitempty"`
	Country    string   `json:"country,omitempty"`
	Dubbed     bool     `json:"dubbed,omitempty"`
	Resolution string   `json:"resolution,omitempty"`
	Source     string   `json:"source,omitempty"`
	Codec      string   `json:"codec,omitempty"`
	Audio      []string `json:"audio,omitempty"`
	HDR        []string `json:"hdr,omitempty"`
	Group      string   `json:"group,omitempty"`
	Languages  []string `json:"languages,omitempty"`
	Proper     bool     `json:"proper,omitempty"`
	Repack     bool     `json:"repack,omitempty"`
	IsMovie    bool     `json:"is_movie,omitempty"`
}

// HasSeasons reports whether the release annotates any season.
func (p ParsedData) HasSeasons() bool { return len(p.Seasons) > 0 }

// HasEpisodes reports whether the release annotates any episode.
func (p ParsedData) HasEpisodes() bool { return len(p.Episodes) > 0 }

// HasSeason reports whether n is among the annotated seasons.
func (p ParsedData) HasSeason(n int) bool {
	for _, s := range p.Seasons {
		if s == n {
			return true
		}
	}
	return false
}

// HasEpisode reports whether n is among the annotated episodes.
func (p ParsedData) HasEpisode(n int) bool {
	for _, e := range p.Episodes {
		if e == n {
			return true
		}
	}
	return false
}

// SingleSeason reports whether the release annotates exactly one season.
func (p ParsedData) SingleSeason() bool { return len(p.Seasons) == 1 }
