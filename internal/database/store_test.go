package database_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rivenmedia/riven/internal/database"
	"github.com/rivenmedia/riven/internal/media"
	"github.com/rivenmedia/riven/internal/testutil"
)

const (
	hashA = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	hashB = "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
)

func newStore(t *testing.T) (*database.Store, func()) {
	t.Helper()
	tdb := testutil.NewTestDB(t)
	return database.NewStore(tdb.DB, tdb.Logger), tdb.Close
}

func testShowTree() *media.Item {
	show := &media.Item{
		Type:         media.TypeShow,
		ImdbID:       "tt0944947",
		TmdbID:       "1399",
		Title:        "Game of Thrones",
		Year:         2011,
		Country:      "US",
		RequestedAt:  time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		RequestedBy:  "api",
		LibraryPaths: []string{"/library/shows"},
	}
	season := &media.Item{Type: media.TypeSeason, Number: 1, Title: "Season 1"}
	show.AttachChild(season)
	for n := 1; n <= 2; n++ {
		ep := &media.Item{
			Type:    media.TypeEpisode,
			Number:  n,
			Title:   "Episode",
			AiredAt: time.Date(2011, 4, 10+n, 0, 0, 0, 0, time.UTC),
		}
		season.AttachChild(ep)
	}
	return show
}

func TestStore_SaveAndLoadTree(t *testing.T) {
	store, done := newStore(t)
	defer done()
	ctx := context.Background()

	show := testShowTree()
	scraped := time.Date(2024, 3, 2, 8, 30, 0, 0, time.UTC)
	show.ScrapedAt = &scraped
	show.Streams = []*media.Stream{
		{Infohash: hashA, RawTitle: "Game.of.Thrones.S01.1080p", Rank: 120, ProfileName: "default",
			Parsed: media.ParsedData{Title: "Game of Thrones", Seasons: []int{1}, Resolution: "1080p"}},
		{Infohash: hashB, RawTitle: "Game.of.Thrones.S01.720p", Rank: 40, ProfileName: "default"},
	}
	show.BlacklistedStreams = map[string]struct{}{hashB: {}}
	show.ActiveStream = &media.ActiveStream{Infohash: hashA, TorrentID: "rd-1"}

	episode := show.Children[0].Children[0]
	episode.FilesystemEntries = []*media.MediaEntry{{
		OriginalFilename: "got.s01e01.mkv",
		DownloadURL:      "https://example.com/dl/1",
		Provider:         "realdebrid",
		FileSize:         2_000_000_000,
		Infohash:         hashA,
		Metadata:         media.EntryMetadata{ProfileName: "default"},
		VFSPaths:         []string{"/shows/Game of Thrones (2011)/Season 01/got.s01e01.mkv"},
	}}
	attempt := time.Date(2024, 3, 3, 0, 0, 0, 0, time.UTC)
	episode.Aliases = media.Aliases{
		W2PReleases:     []media.HarvestedRelease{{RawTitle: "got s01e01", Infohash: hashA}},
		W2PLastAttempt:  &attempt,
		W2PAttemptCount: 1,
	}

	if err := store.SaveTree(ctx, show); err != nil {
		t.Fatalf("SaveTree() error = %v", err)
	}
	if show.ID == 0 {
		t.Fatal("SaveTree() did not assign root id")
	}
	if episode.ID == 0 {
		t.Fatal("SaveTree() did not assign episode id")
	}

	loaded, err := store.GetTree(ctx, show.ID)
	if err != nil {
		t.Fatalf("GetTree() error = %v", err)
	}

	if loaded.Title != "Game of Thrones" || loaded.ImdbID != "tt0944947" {
		t.Errorf("root = %q/%q, want Game of Thrones/tt0944947", loaded.Title, loaded.ImdbID)
	}
	if len(loaded.Children) != 1 || len(loaded.Children[0].Children) != 2 {
		t.Fatalf("tree shape = %d seasons, want 1 with 2 episodes", len(loaded.Children))
	}
	if loaded.ScrapedAt == nil || !loaded.ScrapedAt.Equal(scraped) {
		t.Errorf("ScrapedAt = %v, want %v", loaded.ScrapedAt, scraped)
	}
	if len(loaded.Streams) != 2 || loaded.Streams[0].Infohash != hashA {
		t.Fatalf("streams = %d (first %q), want 2 ordered with %q first",
			len(loaded.Streams), loaded.Streams[0].Infohash, hashA)
	}
	if loaded.Streams[0].Parsed.Resolution != "1080p" {
		t.Errorf("parsed resolution = %q, want 1080p", loaded.Streams[0].Parsed.Resolution)
	}
	if !loaded.IsBlacklisted(hashB) {
		t.Error("blacklist did not survive round trip")
	}
	if loaded.ActiveStream == nil || loaded.ActiveStream.TorrentID != "rd-1" {
		t.Errorf("ActiveStream = %+v, want torrent rd-1", loaded.ActiveStream)
	}

	loadedEp := loaded.Children[0].Children[0]
	if len(loadedEp.FilesystemEntries) != 1 {
		t.Fatalf("episode entries = %d, want 1", len(loadedEp.FilesystemEntries))
	}
	entry := loadedEp.FilesystemEntries[0]
	if entry.Provider != "realdebrid" || !entry.Registered() {
		t.Errorf("entry = provider %q registered %v, want realdebrid/true", entry.Provider, entry.Registered())
	}
	if loadedEp.Aliases.W2PAttemptCount != 1 || len(loadedEp.Aliases.W2PReleases) != 1 {
		t.Errorf("aliases = %+v, want 1 release, attempt count 1", loadedEp.Aliases)
	}
	if loadedEp.Aliases.W2PLastAttempt == nil || !loadedEp.Aliases.W2PLastAttempt.Equal(attempt) {
		t.Errorf("W2PLastAttempt = %v, want %v", loadedEp.Aliases.W2PLastAttempt, attempt)
	}
}

func TestStore_GetItemReturnsWiredNode(t *testing.T) {
	store, done := newStore(t)
	defer done()
	ctx := context.Background()

	show := testShowTree()
	if err := store.SaveTree(ctx, show); err != nil {
		t.Fatalf("SaveTree() error = %v", err)
	}
	epID := show.Children[0].Children[1].ID

	node, err := store.GetItem(ctx, epID)
	if err != nil {
		t.Fatalf("GetItem() error = %v", err)
	}
	if node.Type != media.TypeEpisode || node.Number != 2 {
		t.Errorf("node = %s #%d, want episode #2", node.Type, node.Number)
	}
	if node.Root().ID != show.ID {
		t.Errorf("Root().ID = %d, want %d", node.Root().ID, show.ID)
	}
	if got := node.Root().LibraryPaths; len(got) != 1 || got[0] != "/library/shows" {
		t.Errorf("root library paths = %v, want [/library/shows]", got)
	}
}

func TestStore_CreateItemMergesDuplicates(t *testing.T) {
	store, done := newStore(t)
	defer done()
	ctx := context.Background()

	first := &media.Item{
		Type:         media.TypeMovie,
		ImdbID:       "tt1375666",
		Title:        "Inception",
		Year:         2010,
		LibraryPaths: []string{"/library/movies"},
	}
	created, isNew, err := store.CreateItem(ctx, first)
	if err != nil {
		t.Fatalf("CreateItem() error = %v", err)
	}
	if !isNew {
		t.Fatal("first CreateItem() reported existing item")
	}

	// Same movie requested again through a different identifier and path.
	dup := &media.Item{
		Type:         media.TypeMovie,
		ImdbID:       "tt1375666",
		TmdbID:       "27205",
		Title:        "Inception",
		LibraryPaths: []string{"/library/4k-movies"},
	}
	merged, isNew, err := store.CreateItem(ctx, dup)
	if err != nil {
		t.Fatalf("CreateItem() duplicate error = %v", err)
	}
	if isNew {
		t.Fatal("duplicate CreateItem() created a second tree")
	}
	if merged.ID != created.ID {
		t.Errorf("merged.ID = %d, want %d", merged.ID, created.ID)
	}
	if len(merged.LibraryPaths) != 2 {
		t.Errorf("merged library paths = %v, want both roots", merged.LibraryPaths)
	}

	ids, err := store.ListRootIDs(ctx)
	if err != nil {
		t.Fatalf("ListRootIDs() error = %v", err)
	}
	if len(ids) != 1 {
		t.Errorf("root count = %d, want 1", len(ids))
	}
}

func TestStore_DeleteItemCascades(t *testing.T) {
	store, done := newStore(t)
	defer done()
	ctx := context.Background()

	show := testShowTree()
	show.Streams = []*media.Stream{{Infohash: hashA, RawTitle: "x", ProfileName: "default"}}
	if err := store.SaveTree(ctx, show); err != nil {
		t.Fatalf("SaveTree() error = %v", err)
	}
	epID := show.Children[0].Children[0].ID

	if err := store.DeleteItem(ctx, show.ID); err != nil {
		t.Fatalf("DeleteItem() error = %v", err)
	}

	if _, err := store.GetItem(ctx, epID); !errors.Is(err, database.ErrItemNotFound) {
		t.Errorf("GetItem(episode) after delete = %v, want ErrItemNotFound", err)
	}
	if err := store.DeleteItem(ctx, show.ID); !errors.Is(err, database.ErrItemNotFound) {
		t.Errorf("second DeleteItem() = %v, want ErrItemNotFound", err)
	}
}

func TestStore_FindRootByExternalIDs(t *testing.T) {
	store, done := newStore(t)
	defer done()
	ctx := context.Background()

	show := testShowTree()
	if err := store.SaveTree(ctx, show); err != nil {
		t.Fatalf("SaveTree() error = %v", err)
	}

	found, err := store.FindRootByExternalIDs(ctx, "", "1399", "")
	if err != nil {
		t.Fatalf("FindRootByExternalIDs() error = %v", err)
	}
	if found.ID != show.ID {
		t.Errorf("found.ID = %d, want %d", found.ID, show.ID)
	}

	if _, err := store.FindRootByExternalIDs(ctx, "tt9999999", "", ""); !errors.Is(err, database.ErrItemNotFound) {
		t.Errorf("unknown id lookup = %v, want ErrItemNotFound", err)
	}
	if _, err := store.FindRootByExternalIDs(ctx, "", "", ""); !errors.Is(err, database.ErrItemNotFound) {
		t.Errorf("empty id lookup = %v, want ErrItemNotFound", err)
	}
}

func TestStore_SaveTreePersistsNewChildren(t *testing.T) {
	store, done := newStore(t)
	defer done()
	ctx := context.Background()

	show := testShowTree()
	if err := store.SaveTree(ctx, show); err != nil {
		t.Fatalf("SaveTree() error = %v", err)
	}

	// A later pass discovers a missing episode and attaches it.
	season := show.Children[0]
	season.AttachChild(&media.Item{Type: media.TypeEpisode, Number: 3, Title: "Episode 3"})
	if err := store.SaveTree(ctx, season); err != nil {
		t.Fatalf("SaveTree() after attach error = %v", err)
	}

	loaded, err := store.GetTree(ctx, show.ID)
	if err != nil {
		t.Fatalf("GetTree() error = %v", err)
	}
	if got := len(loaded.Children[0].Children); got != 3 {
		t.Errorf("episode count = %d, want 3", got)
	}
}
