package media

import (
	"fmt"
	"testing"
	"time"
)

var stateNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func TestLeafStateProgression(t *testing.T) {
	item := &Item{ID: 1, Type: TypeMovie}
	assertState := func(want State) {
		t.Helper()
		if got := item.StateAt(stateNow); got != want {
			t.Fatalf("StateAt() = %v, want %v", got, want)
		}
	}

	assertState(StateUnknown)

	item.RequestedAt = stateNow.Add(-time.Hour)
	assertState(StateRequested)

	item.ImdbID = "tt1375666"
	item.TmdbID = "27205"
	item.Title = "Inception"
	item.Year = 2010
	assertState(StateIndexed)

	// A scrape stamp without surviving streams is not Scraped; the
	// scheduler must send the item back through the scrapers.
	scraped := stateNow.Add(-30 * time.Minute)
	item.ScrapedAt = &scraped
	assertState(StateIndexed)

	item.AddStream(&Stream{Infohash: "aaaa0000aaaa0000aaaa0000aaaa0000aaaa0000", RawTitle: "Inception.2010.1080p.BluRay.x264"})
	assertState(StateScraped)

	entry := &MediaEntry{
		Infohash:         "aaaa0000aaaa0000aaaa0000aaaa0000aaaa0000",
		OriginalFilename: "Inception.2010.1080p.BluRay.x264.mkv",
		DownloadURL:      "https://debrid.example/dl/1",
		FileSize:         1 << 31,
	}
	item.FilesystemEntries = []*MediaEntry{entry}
	assertState(StateDownloaded)

	entry.VFSPaths = []string{"/movies/Inception (2010)/Inception.2010.1080p.BluRay.x264.mkv"}
	assertState(StateSymlinked)

	post := stateNow.Add(-time.Minute)
	item.PostProcessedAt = &post
	assertState(StateCompleted)
}

func TestLeafStateUnreleasedGate(t *testing.T) {
	post := stateNow.Add(-time.Minute)
	item := &Item{
		ID:              2,
		Type:            TypeMovie,
		ImdbID:          "tt9999999",
		Title:           "Future Release",
		AiredAt:         stateNow.Add(48 * time.Hour),
		RequestedAt:     stateNow.Add(-time.Hour),
		PostProcessedAt: &post,
		FilesystemEntries: []*MediaEntry{{
			Infohash:         "bbbb0000bbbb0000bbbb0000bbbb0000bbbb0000",
			OriginalFilename: "future.mkv",
			FileSize:         1,
			VFSPaths:         []string{"/movies/Future Release/future.mkv"},
		}},
	}

	if got := item.StateAt(stateNow); got != StateUnreleased {
		t.Fatalf("StateAt() before air date = %v, want %v", got, StateUnreleased)
	}

	// Crossing the air date releases whatever the attributes already say.
	if got := item.StateAt(stateNow.Add(72 * time.Hour)); got != StateCompleted {
		t.Fatalf("StateAt() after air date = %v, want %v", got, StateCompleted)
	}

	// No air date on record counts as released.
	item.AiredAt = time.Time{}
	if got := item.StateAt(stateNow); got != StateCompleted {
		t.Fatalf("StateAt() with zero air date = %v, want %v", got, StateCompleted)
	}
}

func TestLeafStateIdentifiersComeFromRoot(t *testing.T) {
	show := &Item{ID: 10, Type: TypeShow, ImdbID: "tt0944947", TmdbID: "1399", Title: "Game of Thrones"}
	season := &Item{ID: 11, Type: TypeSeason, Number: 1, Title: "Season 1"}
	show.AttachChild(season)

	// Episodes never carry external ids themselves; a titled episode under
	// an identified show is Indexed.
	ep := &Item{ID: 12, Type: TypeEpisode, Number: 3, Title: "Lord Snow"}
	season.AttachChild(ep)
	if got := ep.StateAt(stateNow); got != StateIndexed {
		t.Fatalf("titled episode StateAt() = %v, want %v", got, StateIndexed)
	}

	// An untitled episode is only Requested: the indexer still has to fill
	// in its metadata.
	bare := &Item{ID: 13, Type: TypeEpisode, Number: 4}
	season.AttachChild(bare)
	if got := bare.StateAt(stateNow); got != StateRequested {
		t.Fatalf("untitled episode StateAt() = %v, want %v", got, StateRequested)
	}

	// Detached from any tree and without a request stamp there is nothing
	// to derive from.
	orphan := &Item{ID: 14, Type: TypeEpisode, Number: 5}
	if got := orphan.StateAt(stateNow); got != StateUnknown {
		t.Fatalf("orphan episode StateAt() = %v, want %v", got, StateUnknown)
	}
}

func TestLeafStateIgnoresBlacklistedStreams(t *testing.T) {
	scraped := stateNow.Add(-time.Hour)
	item := &Item{
		ID:        3,
		Type:      TypeMovie,
		ImdbID:    "tt0133093",
		Title:     "The Matrix",
		ScrapedAt: &scraped,
	}
	first := &Stream{Infohash: "cccc0000cccc0000cccc0000cccc0000cccc0000", RawTitle: "The.Matrix.1999.1080p"}
	second := &Stream{Infohash: "dddd0000dddd0000dddd0000dddd0000dddd0000", RawTitle: "The.Matrix.1999.720p"}
	item.AddStream(first)
	item.AddStream(second)

	if got := item.StateAt(stateNow); got != StateScraped {
		t.Fatalf("StateAt() with streams = %v, want %v", got, StateScraped)
	}

	item.BlacklistStream(first)
	if got := item.StateAt(stateNow); got != StateScraped {
		t.Fatalf("StateAt() with one stream left = %v, want %v", got, StateScraped)
	}

	item.BlacklistStream(second)
	if got := item.StateAt(stateNow); got != StateIndexed {
		t.Fatalf("StateAt() with all streams blacklisted = %v, want %v", got, StateIndexed)
	}
}

func TestStatePausedAndFailedPrecedence(t *testing.T) {
	post := stateNow.Add(-time.Minute)
	item := &Item{
		ID:              4,
		Type:            TypeMovie,
		ImdbID:          "tt0111161",
		Title:           "The Shawshank Redemption",
		PostProcessedAt: &post,
		FilesystemEntries: []*MediaEntry{{
			Infohash:         "eeee0000eeee0000eeee0000eeee0000eeee0000",
			OriginalFilename: "shawshank.mkv",
			FileSize:         1,
			VFSPaths:         []string{"/movies/The Shawshank Redemption/shawshank.mkv"},
		}},
	}

	if got := item.StateAt(stateNow); got != StateCompleted {
		t.Fatalf("StateAt() = %v, want %v", got, StateCompleted)
	}

	item.Paused = true
	if got := item.StateAt(stateNow); got != StatePaused {
		t.Fatalf("paused StateAt() = %v, want %v", got, StatePaused)
	}

	// Failure outranks the pipeline but not a pause.
	item.MarkFailed("no streams matched the ranking profiles")
	if got := item.StateAt(stateNow); got != StatePaused {
		t.Fatalf("paused+failed StateAt() = %v, want %v", got, StatePaused)
	}

	item.Paused = false
	if got := item.StateAt(stateNow); got != StateFailed {
		t.Fatalf("failed StateAt() = %v, want %v", got, StateFailed)
	}

	// Retry clears failure and the scrape/post-process stamps; the entry is
	// still registered, so the item resumes from Symlinked.
	item.ResetForRetry()
	if got := item.StateAt(stateNow); got != StateSymlinked {
		t.Fatalf("StateAt() after retry = %v, want %v", got, StateSymlinked)
	}
}

// showWith builds an identified show with one season and one episode per
// requested leaf state.
func showWith(leafStates ...State) *Item {
	show := &Item{
		ID:          20,
		Type:        TypeShow,
		ImdbID:      "tt0903747",
		TmdbID:      "1396",
		Title:       "Breaking Bad",
		RequestedAt: stateNow.Add(-24 * time.Hour),
	}
	season := &Item{ID: 21, Type: TypeSeason, Number: 1, Title: "Season 1"}
	show.AttachChild(season)
	for idx, want := range leafStates {
		ep := &Item{
			ID:     int64(100 + idx),
			Type:   TypeEpisode,
			Number: idx + 1,
			Title:  fmt.Sprintf("Episode %d", idx+1),
		}
		shapeLeaf(ep, want)
		season.AttachChild(ep)
	}
	return show
}

func shapeLeaf(ep *Item, want State) {
	stamp := stateNow.Add(-time.Hour)
	entry := func() *MediaEntry {
		return &MediaEntry{
			Infohash:         fmt.Sprintf("%040d", ep.ID),
			OriginalFilename: fmt.Sprintf("e%02d.mkv", ep.Number),
			FileSize:         1,
		}
	}
	switch want {
	case StateUnreleased:
		ep.AiredAt = stateNow.Add(72 * time.Hour)
	case StateRequested:
		ep.Title = ""
		ep.RequestedAt = stateNow.Add(-time.Hour)
	case StateIndexed:
		// Title plus root identifiers is enough.
	case StateScraped:
		ep.ScrapedAt = &stamp
		ep.Streams = []*Stream{{Infohash: fmt.Sprintf("%040d", ep.ID), RawTitle: "release"}}
	case StateDownloaded:
		ep.FilesystemEntries = []*MediaEntry{entry()}
	case StateSymlinked:
		e := entry()
		e.VFSPaths = []string{fmt.Sprintf("/shows/Breaking Bad/Season 01/e%02d.mkv", ep.Number)}
		ep.FilesystemEntries = []*MediaEntry{e}
	case StateCompleted:
		e := entry()
		e.VFSPaths = []string{fmt.Sprintf("/shows/Breaking Bad/Season 01/e%02d.mkv", ep.Number)}
		ep.FilesystemEntries = []*MediaEntry{e}
		ep.PostProcessedAt = &stamp
	case StateFailed:
		ep.FailedReason = "no streams matched"
	case StatePaused:
		ep.Paused = true
	}
}

func TestFoldState(t *testing.T) {
	tests := []struct {
		name   string
		leaves []State
		want   State
	}{
		{"all completed", []State{StateCompleted, StateCompleted}, StateCompleted},
		{"completed with unaired tail", []State{StateCompleted, StateCompleted, StateUnreleased}, StateOngoing},
		{"all unaired", []State{StateUnreleased, StateUnreleased}, StateUnreleased},
		{"earliest stage wins", []State{StateDownloaded, StateScraped, StateCompleted}, StateScraped},
		{"single leaf behind", []State{StateCompleted, StateCompleted, StateIndexed}, StateIndexed},
		{"requested leaf drags the fold back", []State{StateCompleted, StateRequested}, StateRequested},
		{"failed leaves skipped while others progress", []State{StateFailed, StateDownloaded}, StateDownloaded},
		{"all failed", []State{StateFailed, StateFailed}, StateFailed},
		{"all paused", []State{StatePaused, StatePaused}, StatePaused},
		{"failed outranks paused when nothing is active", []State{StatePaused, StateFailed}, StateFailed},
		{"completed beside failed", []State{StateCompleted, StateFailed}, StateCompleted},
		{"symlinked beside unaired is not ongoing", []State{StateSymlinked, StateUnreleased}, StateSymlinked},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			show := showWith(tt.leaves...)
			if got := show.StateAt(stateNow); got != tt.want {
				t.Fatalf("StateAt() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFoldStateZeroLeaves(t *testing.T) {
	// A leafless container routes back to the indexer to grow its tree,
	// never forward.
	identified := &Item{ID: 30, Type: TypeShow, ImdbID: "tt0108778", Title: "Friends"}
	if got := identified.StateAt(stateNow); got != StateRequested {
		t.Fatalf("identified leafless show StateAt() = %v, want %v", got, StateRequested)
	}

	requested := &Item{ID: 31, Type: TypeShow, RequestedAt: stateNow.Add(-time.Hour)}
	if got := requested.StateAt(stateNow); got != StateRequested {
		t.Fatalf("requested leafless show StateAt() = %v, want %v", got, StateRequested)
	}

	bare := &Item{ID: 32, Type: TypeShow}
	if got := bare.StateAt(stateNow); got != StateUnknown {
		t.Fatalf("bare leafless show StateAt() = %v, want %v", got, StateUnknown)
	}
}

func TestFoldStateUnidentifiedTree(t *testing.T) {
	show := &Item{ID: 40, Type: TypeShow}
	season := &Item{ID: 41, Type: TypeSeason, Number: 1}
	show.AttachChild(season)
	season.AttachChild(&Item{ID: 42, Type: TypeEpisode, Number: 1})

	if got := show.StateAt(stateNow); got != StateUnknown {
		t.Fatalf("StateAt() = %v, want %v", got, StateUnknown)
	}
}

func TestFoldStateSeasonScope(t *testing.T) {
	show := showWith(StateCompleted, StateCompleted, StateDownloaded)
	season := show.Season(1)
	if season == nil {
		t.Fatalf("Season(1) = nil")
	}
	if got := season.StateAt(stateNow); got != StateDownloaded {
		t.Fatalf("season StateAt() = %v, want %v", got, StateDownloaded)
	}

	// Completing the lagging leaf completes season and show alike.
	lagging := show.FindEpisode(1, 3)
	if lagging == nil {
		t.Fatalf("FindEpisode(1, 3) = nil")
	}
	shapeLeaf(lagging, StateCompleted)
	if got := season.StateAt(stateNow); got != StateCompleted {
		t.Fatalf("season StateAt() after completion = %v, want %v", got, StateCompleted)
	}
	if got := show.StateAt(stateNow); got != StateCompleted {
		t.Fatalf("show StateAt() after completion = %v, want %v", got, StateCompleted)
	}
}

func TestFoldStateContainerStreams(t *testing.T) {
	const packHash = "cccc0000cccc0000cccc0000cccc0000cccc0000"

	show := showWith(StateIndexed, StateIndexed, StateIndexed)
	if got := show.StateAt(stateNow); got != StateIndexed {
		t.Fatalf("StateAt() before scrape = %v, want %v", got, StateIndexed)
	}

	// A show-level scrape parks its candidates on the show itself; the
	// container must route to the downloader even though no leaf owns a
	// stream.
	scraped := stateNow.Add(-time.Minute)
	show.ScrapedAt = &scraped
	show.AddStream(&Stream{Infohash: packHash, RawTitle: "Breaking.Bad.S01.1080p.BluRay"})
	if got := show.StateAt(stateNow); got != StateScraped {
		t.Fatalf("StateAt() after scrape = %v, want %v", got, StateScraped)
	}

	// Materializing the candidate on a leaf drains the pending set; the
	// leaf fold shows through again so the laggard episodes get rescued.
	ep := show.FindEpisode(1, 1)
	if ep == nil {
		t.Fatalf("FindEpisode(1, 1) = nil")
	}
	ep.FilesystemEntries = []*MediaEntry{{
		Infohash:         packHash,
		OriginalFilename: "e01.mkv",
		FileSize:         1,
	}}
	if got := show.StateAt(stateNow); got != StateIndexed {
		t.Fatalf("StateAt() after materializing = %v, want %v", got, StateIndexed)
	}

	// Blacklisting the remaining candidate drains it the same way.
	ep.FilesystemEntries = nil
	show.BlacklistStream(show.Streams[0])
	if got := show.StateAt(stateNow); got != StateIndexed {
		t.Fatalf("StateAt() after blacklist = %v, want %v", got, StateIndexed)
	}
}
