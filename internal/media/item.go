package media

import (
	"sort"
	"strings"
	"time"
)

// Type discriminates the MediaItem variants.
type Type string

const (
	TypeMovie   Type = "movie"
	TypeShow    Type = "show"
	TypeSeason  Type = "season"
	TypeEpisode Type = "episode"
)

// HarvestedRelease is one pre-found candidate release attached to an item by
// the external harvester. Either Infohash or Magnet is set; SourceLabel marks
// special origins such as the provider's own library.
type HarvestedRelease struct {
	RawTitle    string `json:"raw_title"`
	Infohash    string `json:"infohash,omitempty"`
	Magnet      string `json:"magnet,omitempty"`
	SizeBytes   int64  `json:"size_bytes,omitempty"`
	SourceLabel string `json:"source_label,omitempty"`
	Season      *int   `json:"season,omitempty"`
	Episode     *int   `json:"episode,omitempty"`
}

// Aliases carries free-form per-item annotations. The harvester feedback loop
// stores its releases and attempt bookkeeping here.
type Aliases struct {
	W2PReleases     []HarvestedRelease `json:"w2p_releases,omitempty"`
	W2PLastAttempt  *time.Time         `json:"w2p_last_attempt,omitempty"`
	W2PAttemptCount int                `json:"w2p_attempt_count,omitempty"`
}

// Item is a node in the media tree: Movie and Episode are leaves, Show and
// Season are containers. Only leaves own filesystem entries; containers
// expand to their leaves.
type Item struct {
	ID       int64
	Type     Type
	ParentID int64

	ImdbID string
	TmdbID string
	TvdbID string

	Title   string
	Year    int
	AiredAt time.Time
	Country string
	IsAnime bool

	// Number is the season or episode ordinal; AbsoluteNumber is the
	// cross-season episode ordinal used by anime numbering.
	Number         int
	AbsoluteNumber int

	RequestedAt time.Time
	RequestedBy string

	// LibraryPaths are the target library roots the item materializes
	// into; they select the ranking profiles via longest-prefix lookup.
	// Set on the tree root; children inherit through Root().
	LibraryPaths []string

	// ScrapedAt nil forces a re-scrape on the next scraper pass.
	ScrapedAt *time.Time

	Streams            []*Stream
	BlacklistedStreams map[string]struct{}
	ActiveStream       *ActiveStream
	FilesystemEntries  []*MediaEntry
	Aliases            Aliases

	Paused          bool
	FailedReason    string
	PostProcessedAt *time.Time

	Parent   *Item
	Children []*Item
}

// AttachChild appends a child and wires its parent link.
func (i *Item) AttachChild(c *Item) {
	c.Parent = i
	c.ParentID = i.ID
	i.Children = append(i.Children, c)
}

// Root walks to the top of the tree: the show for episodes and seasons,
// the item itself for movies and shows.
func (i *Item) Root() *Item {
	cur := i
	for cur.Parent != nil {
		cur = cur.Parent
	}
	return cur
}

// SeasonNumber returns the season ordinal an item belongs to: its own
// number for seasons, the parent's for episodes, 0 otherwise.
func (i *Item) SeasonNumber() int {
	switch i.Type {
	case TypeSeason:
		return i.Number
	case TypeEpisode:
		if i.Parent != nil {
			return i.Parent.Number
		}
	}
	return 0
}

// NormalizedCountry resolves the item's country from the tree root and
// folds the aliases trackers use: USA becomes US, GB becomes UK.
func (i *Item) NormalizedCountry() string {
	country := strings.ToUpper(i.Root().Country)
	switch country {
	case "USA":
		return "US"
	case "GB":
		return "UK"
	}
	return country
}

// CanonicalID returns the authoritative external identifier: the first
// non-empty of imdb, tmdb, tvdb.
func (i *Item) CanonicalID() string {
	switch {
	case i.ImdbID != "":
		return i.ImdbID
	case i.TmdbID != "":
		return i.TmdbID
	case i.TvdbID != "":
		return i.TvdbID
	}
	return ""
}

// IsLeaf reports whether the item owns filesystem entries directly.
func (i *Item) IsLeaf() bool {
	return i.Type == TypeMovie || i.Type == TypeEpisode
}

// Leaves returns the item itself for leaves, otherwise every Movie/Episode
// descendant in tree order.
func (i *Item) Leaves() []*Item {
	if i.IsLeaf() {
		return []*Item{i}
	}
	var out []*Item
	for _, c := range i.Children {
		out = append(out, c.Leaves()...)
	}
	return out
}

// Season returns the child season with the given number, or nil.
func (i *Item) Season(number int) *Item {
	for _, c := range i.Children {
		if c.Type == TypeSeason && c.Number == number {
			return c
		}
	}
	return nil
}

// FindEpisode returns the episode with the given season/episode ordinals.
func (i *Item) FindEpisode(seasonNumber, episodeNumber int) *Item {
	s := i.Season(seasonNumber)
	if s == nil {
		return nil
	}
	for _, e := range s.Children {
		if e.Type == TypeEpisode && e.Number == episodeNumber {
			return e
		}
	}
	return nil
}

// sortedSeasons returns the show's seasons ordered by number, specials (0)
// excluded.
func (i *Item) sortedSeasons() []*Item {
	var seasons []*Item
	for _, c := range i.Children {
		if c.Type == TypeSeason && c.Number > 0 {
			seasons = append(seasons, c)
		}
	}
	sort.Slice(seasons, func(a, b int) bool { return seasons[a].Number < seasons[b].Number })
	return seasons
}

// AbsoluteEpisode resolves a cross-season episode ordinal by walking seasons
// in order and accumulating episode counts.
func (i *Item) AbsoluteEpisode(absolute int) *Item {
	if absolute < 1 {
		return nil
	}
	remaining := absolute
	for _, s := range i.sortedSeasons() {
		eps := s.episodesSorted()
		if remaining <= len(eps) {
			return eps[remaining-1]
		}
		remaining -= len(eps)
	}
	return nil
}

// ResolveEpisode binds a parsed episode number to an Episode. A direct
// (season, episode) lookup wins; otherwise the number is treated as absolute,
// which is how anime releases are commonly annotated.
func (i *Item) ResolveEpisode(episodeNumber, seasonNumber int) *Item {
	if seasonNumber > 0 {
		if ep := i.FindEpisode(seasonNumber, episodeNumber); ep != nil {
			return ep
		}
	}
	for _, s := range i.sortedSeasons() {
		for _, e := range s.episodesSorted() {
			if e.AbsoluteNumber == episodeNumber && episodeNumber > 0 {
				return e
			}
		}
	}
	return i.AbsoluteEpisode(episodeNumber)
}

func (i *Item) episodesSorted() []*Item {
	var eps []*Item
	for _, c := range i.Children {
		if c.Type == TypeEpisode {
			eps = append(eps, c)
		}
	}
	sort.Slice(eps, func(a, b int) bool { return eps[a].Number < eps[b].Number })
	return eps
}

// SeasonNumbers returns a show's season ordinals in order, specials
// excluded.
func (i *Item) SeasonNumbers() []int {
	seasons := i.sortedSeasons()
	out := make([]int, len(seasons))
	for idx, s := range seasons {
		out[idx] = s.Number
	}
	return out
}

// EpisodeNumbers returns a season's episode ordinals in order.
func (i *Item) EpisodeNumbers() []int {
	eps := i.episodesSorted()
	out := make([]int, len(eps))
	for idx, e := range eps {
		out[idx] = e.Number
	}
	return out
}

// EpisodeCapPolicy selects how the episode-number ceiling for file matching
// is computed. The ceiling guards against binding mis-parsed episode numbers
// far beyond the show's real extent.
type EpisodeCapPolicy string

const (
	// EpisodeCapMaxOfTotals caps at max(total episode count, last season's
	// highest episode number). Over-counts shows with non-contiguous
	// numbering; kept as the default for parity with common usage.
	EpisodeCapMaxOfTotals EpisodeCapPolicy = "max-of-totals"
	// EpisodeCapTotalCount caps at the total episode count only.
	EpisodeCapTotalCount EpisodeCapPolicy = "total-count"
)

// EpisodeCap computes the matching ceiling for the show under the given
// policy. Returns 0 when the show has no episodes.
func (i *Item) EpisodeCap(policy EpisodeCapPolicy) int {
	show := i
	if show.Type != TypeShow {
		return 0
	}
	total := 0
	lastEpisode := 0
	seasons := show.sortedSeasons()
	for _, s := range seasons {
		eps := s.episodesSorted()
		total += len(eps)
		if s == seasons[len(seasons)-1] && len(eps) > 0 {
			lastEpisode = eps[len(eps)-1].Number
		}
	}
	if policy == EpisodeCapTotalCount {
		return total
	}
	if lastEpisode > total {
		return lastEpisode
	}
	return total
}

// IsReleased reports whether the item's air date has passed. Items with no
// known air date count as released so they are not stranded.
func (i *Item) IsReleased(now time.Time) bool {
	if i.AiredAt.IsZero() {
		return true
	}
	return !i.AiredAt.After(now)
}

// HasIdentifiers reports whether at least one external id is present.
func (i *Item) HasIdentifiers() bool {
	return i.ImdbID != "" || i.TmdbID != "" || i.TvdbID != ""
}

// IsBlacklisted reports whether the infohash must never be retried for this
// item.
func (i *Item) IsBlacklisted(infohash string) bool {
	if i.BlacklistedStreams == nil {
		return false
	}
	_, ok := i.BlacklistedStreams[strings.ToLower(infohash)]
	return ok
}

// BlacklistStream records the stream's infohash as never-retry and removes
// the stream from the candidate list.
func (i *Item) BlacklistStream(s *Stream) {
	if i.BlacklistedStreams == nil {
		i.BlacklistedStreams = make(map[string]struct{})
	}
	i.BlacklistedStreams[strings.ToLower(s.Infohash)] = struct{}{}
	kept := i.Streams[:0]
	for _, st := range i.Streams {
		if !strings.EqualFold(st.Infohash, s.Infohash) {
			kept = append(kept, st)
		}
	}
	i.Streams = kept
}

// AddStream appends a stream unless its infohash is blacklisted.
// Returns false when the stream was rejected.
func (i *Item) AddStream(s *Stream) bool {
	if i.IsBlacklisted(s.Infohash) {
		return false
	}
	i.Streams = append(i.Streams, s)
	return true
}

// NonBlacklistedStreams returns the candidate streams in stored order.
func (i *Item) NonBlacklistedStreams() []*Stream {
	out := make([]*Stream, 0, len(i.Streams))
	for _, s := range i.Streams {
		if !i.IsBlacklisted(s.Infohash) {
			out = append(out, s)
		}
	}
	return out
}

// EntryByKey returns the filesystem entry matching the dedup key, or nil.
func (i *Item) EntryByKey(key EntryKey) *MediaEntry {
	for _, e := range i.FilesystemEntries {
		if e.Key() == key {
			return e
		}
	}
	return nil
}

// UpsertEntry updates the existing entry with the same (infohash, profile)
// key in place, or appends. Returns true when a new entry was appended.
func (i *Item) UpsertEntry(entry *MediaEntry) bool {
	if existing := i.EntryByKey(entry.Key()); existing != nil {
		entry.ID = existing.ID
		*existing = *entry
		return false
	}
	i.FilesystemEntries = append(i.FilesystemEntries, entry)
	return true
}

// MarkFailed records a terminal reason; the derived state becomes Failed
// until cleared by an external retry.
func (i *Item) MarkFailed(reason string) {
	i.FailedReason = reason
}

// ResetForRetry clears failure and scrape bookkeeping so the item re-enters
// the pipeline from its derived state.
func (i *Item) ResetForRetry() {
	i.FailedReason = ""
	i.ScrapedAt = nil
	i.PostProcessedAt = nil
}

// RecordW2PAttempt increments the harvester attempt counter (capped at
// maxAttempts) and stamps the attempt time.
func (i *Item) RecordW2PAttempt(now time.Time, maxAttempts int) {
	if i.Aliases.W2PAttemptCount < maxAttempts {
		i.Aliases.W2PAttemptCount++
	}
	t := now
	i.Aliases.W2PLastAttempt = &t
}

// W2PParked reports whether the item is inside its harvester cooldown window
// after exhausting the attempt budget.
func (i *Item) W2PParked(now time.Time, maxAttempts int, parkFor time.Duration) bool {
	if i.Aliases.W2PAttemptCount < maxAttempts {
		return false
	}
	if i.Aliases.W2PLastAttempt == nil {
		return false
	}
	return now.Sub(*i.Aliases.W2PLastAttempt) < parkFor
}
