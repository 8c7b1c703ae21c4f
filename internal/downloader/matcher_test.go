package downloader

import (
	"testing"
	"time"

	"github.com/rivenmedia/riven/internal/downloader/types"
	"github.com/rivenmedia/riven/internal/media"
)

func matchTorrent(infohash string, files ...types.DebridFile) *types.DownloadedTorrent {
	return &types.DownloadedTorrent{
		ID:       "t-1",
		Infohash: infohash,
		Provider: "fake",
		Container: &types.TorrentContainer{
			Infohash:  infohash,
			TorrentID: "t-1",
			Files:     files,
		},
	}
}

func matchParams(torrent *types.DownloadedTorrent) MatchParams {
	return MatchParams{
		Torrent:        torrent,
		ProfileName:    "",
		DefaultProfile: "default",
		KeepFor:        keepN(1),
		CapPolicy:      media.EpisodeCapMaxOfTotals,
	}
}

func testShow(seasonSizes ...int) *media.Item {
	show := &media.Item{ID: 100, Type: media.TypeShow, Title: "Signal Fire", TvdbID: "12345"}
	id := int64(101)
	for sn, size := range seasonSizes {
		season := &media.Item{ID: id, Type: media.TypeSeason, Number: sn + 1}
		id++
		show.AttachChild(season)
		for en := 1; en <= size; en++ {
			ep := &media.Item{ID: id, Type: media.TypeEpisode, Number: en, AiredAt: time.Now().Add(-24 * time.Hour)}
			id++
			season.AttachChild(ep)
		}
	}
	return show
}

func TestMatchMovieBindsFirstNonEpisodeFile(t *testing.T) {
	movie := &media.Item{ID: 1, Type: media.TypeMovie, Title: "Dune", Year: 2021, ImdbID: "tt1160419"}
	torrent := matchTorrent(hashA,
		types.DebridFile{Filename: "Extras.S01E01.Behind.The.Scenes.mkv", Filesize: 100_000_000, DownloadURL: "https://cdn/extra.mkv"},
		types.DebridFile{Filename: "Dune.2021.1080p.BluRay.x264.mkv", Filesize: 2_000_000_000, DownloadURL: "https://cdn/dune.mkv"},
	)

	if !MatchFilesToItem(movie, matchParams(torrent)) {
		t.Fatal("MatchFilesToItem() = false, want true")
	}
	if len(movie.FilesystemEntries) != 1 {
		t.Fatalf("entries = %d, want 1", len(movie.FilesystemEntries))
	}
	if got := movie.FilesystemEntries[0].OriginalFilename; got != "Dune.2021.1080p.BluRay.x264.mkv" {
		t.Errorf("bound file = %q, want the movie file", got)
	}
	if movie.ActiveStream == nil || movie.ActiveStream.Infohash != hashA {
		t.Errorf("ActiveStream = %+v, want %s", movie.ActiveStream, hashA)
	}
}

func TestMatchMovieRejectsEpisodeOnlyContainer(t *testing.T) {
	movie := &media.Item{ID: 1, Type: media.TypeMovie, Title: "Dune", Year: 2021}
	torrent := matchTorrent(hashA,
		types.DebridFile{Filename: "Some.Show.S01E01.1080p.mkv", Filesize: 900_000_000, DownloadURL: "https://cdn/e1.mkv"},
	)

	if MatchFilesToItem(movie, matchParams(torrent)) {
		t.Fatal("MatchFilesToItem() = true, want false")
	}
	if len(movie.FilesystemEntries) != 0 {
		t.Errorf("entries = %d, want 0", len(movie.FilesystemEntries))
	}
}

func TestMatchSeasonPackFillsEpisodes(t *testing.T) {
	show := testShow(3)
	season := show.Children[0]
	torrent := matchTorrent(hashA,
		types.DebridFile{Filename: "Signal.Fire.S01E01.1080p.WEB.mkv", Filesize: 900_000_000, DownloadURL: "https://cdn/1.mkv"},
		types.DebridFile{Filename: "Signal.Fire.S01E02.1080p.WEB.mkv", Filesize: 900_000_000, DownloadURL: "https://cdn/2.mkv"},
		types.DebridFile{Filename: "Signal.Fire.S01E03.1080p.WEB.mkv", Filesize: 900_000_000, DownloadURL: "https://cdn/3.mkv"},
	)

	if !MatchFilesToItem(season, matchParams(torrent)) {
		t.Fatal("MatchFilesToItem() = false, want true")
	}
	for _, ep := range season.Children {
		if len(ep.FilesystemEntries) != 1 {
			t.Errorf("episode %d entries = %d, want 1", ep.Number, len(ep.FilesystemEntries))
		}
		if ep.ActiveStream == nil || ep.ActiveStream.Infohash != hashA {
			t.Errorf("episode %d ActiveStream = %+v", ep.Number, ep.ActiveStream)
		}
	}
	if season.ActiveStream == nil || season.ActiveStream.Infohash != hashA {
		t.Errorf("season.ActiveStream = %+v, want %s", season.ActiveStream, hashA)
	}
}

func TestMatchBindsSiblingSeasonFromPack(t *testing.T) {
	// A multi-season pack downloaded for season 1 also fills season 2.
	show := testShow(2, 2)
	season1 := show.Children[0]
	torrent := matchTorrent(hashA,
		types.DebridFile{Filename: "Signal.Fire.S01E01.1080p.mkv", Filesize: 900_000_000, DownloadURL: "https://cdn/s1e1.mkv"},
		types.DebridFile{Filename: "Signal.Fire.S02E01.1080p.mkv", Filesize: 900_000_000, DownloadURL: "https://cdn/s2e1.mkv"},
	)

	if !MatchFilesToItem(season1, matchParams(torrent)) {
		t.Fatal("MatchFilesToItem() = false, want true")
	}
	s2e1 := show.FindEpisode(2, 1)
	if len(s2e1.FilesystemEntries) != 1 {
		t.Errorf("sibling season episode entries = %d, want 1", len(s2e1.FilesystemEntries))
	}
}

func TestMatchResolvesAbsoluteNumbering(t *testing.T) {
	show := testShow(10, 5)
	torrent := matchTorrent(hashA,
		types.DebridFile{Filename: "Signal.Fire.E15.1080p.WEB.mkv", Filesize: 700_000_000, DownloadURL: "https://cdn/15.mkv"},
	)

	if !MatchFilesToItem(show, matchParams(torrent)) {
		t.Fatal("MatchFilesToItem() = false, want true")
	}
	s2e5 := show.FindEpisode(2, 5)
	if len(s2e5.FilesystemEntries) != 1 {
		t.Fatalf("S02E05 entries = %d, want 1 (absolute episode 15)", len(s2e5.FilesystemEntries))
	}
}

func TestMatchSkipsEpisodesBeyondCap(t *testing.T) {
	show := testShow(3)
	season := show.Children[0]
	torrent := matchTorrent(hashA,
		types.DebridFile{Filename: "Signal.Fire.S01E09.1080p.mkv", Filesize: 900_000_000, DownloadURL: "https://cdn/9.mkv"},
	)

	if MatchFilesToItem(season, matchParams(torrent)) {
		t.Fatal("MatchFilesToItem() = true, want false for an episode beyond the show's extent")
	}
}

func TestMatchSkipsCompletedEpisode(t *testing.T) {
	show := testShow(2)
	season := show.Children[0]
	ep1 := season.Children[0]
	done := time.Now().Add(-time.Hour)
	ep1.PostProcessedAt = &done
	ep1.FilesystemEntries = []*media.MediaEntry{{
		Infohash:    hashB,
		DownloadURL: "https://cdn/old.mkv",
		VFSPaths:    []string{"/library/shows/Signal Fire/S01E01.mkv"},
	}}

	torrent := matchTorrent(hashA,
		types.DebridFile{Filename: "Signal.Fire.S01E01.2160p.mkv", Filesize: 900_000_000, DownloadURL: "https://cdn/new1.mkv"},
		types.DebridFile{Filename: "Signal.Fire.S01E02.2160p.mkv", Filesize: 900_000_000, DownloadURL: "https://cdn/new2.mkv"},
	)

	if !MatchFilesToItem(season, matchParams(torrent)) {
		t.Fatal("MatchFilesToItem() = false, want true via episode 2")
	}
	if got := ep1.FilesystemEntries[0].Infohash; got != hashB {
		t.Errorf("completed episode entry = %q, want untouched %s", got, hashB)
	}
	ep2 := season.Children[1]
	if len(ep2.FilesystemEntries) != 1 {
		t.Errorf("episode 2 entries = %d, want 1", len(ep2.FilesystemEntries))
	}
}

func TestMatchSkipsSampleAndSeasonZeroFiles(t *testing.T) {
	show := testShow(2)
	torrent := matchTorrent(hashA,
		types.DebridFile{Filename: "Signal.Fire.S00E01.Special.mkv", Filesize: 500_000_000, DownloadURL: "https://cdn/sp.mkv"},
	)

	if MatchFilesToItem(show, matchParams(torrent)) {
		t.Fatal("MatchFilesToItem() = true, want false for specials-only container")
	}
}

func TestMatchWithoutDownloadURLSetsActiveStreamOnly(t *testing.T) {
	movie := &media.Item{ID: 1, Type: media.TypeMovie, Title: "Dune", Year: 2021}
	torrent := matchTorrent(hashA,
		types.DebridFile{Filename: "Dune.2021.1080p.BluRay.mkv", Filesize: 2_000_000_000},
	)

	if !MatchFilesToItem(movie, matchParams(torrent)) {
		t.Fatal("MatchFilesToItem() = false, want true")
	}
	if len(movie.FilesystemEntries) != 0 {
		t.Errorf("entries = %d, want 0 when no download link is known yet", len(movie.FilesystemEntries))
	}
	if movie.ActiveStream == nil || movie.ActiveStream.Infohash != hashA {
		t.Errorf("ActiveStream = %+v, want %s", movie.ActiveStream, hashA)
	}
}
