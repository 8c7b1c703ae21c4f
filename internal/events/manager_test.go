package events

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/rivenmedia/riven/internal/config"
	"github.com/rivenmedia/riven/internal/database"
	"github.com/rivenmedia/riven/internal/media"
	"github.com/rivenmedia/riven/internal/testutil"
)

const testHash = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"

type stageFunc func(item *media.Item, emit func(*media.Item, time.Time)) error

type fakeService struct {
	name string
	run  stageFunc

	mu   sync.Mutex
	runs int
}

func (f *fakeService) Name() string { return f.name }

func (f *fakeService) Run(_ context.Context, item *media.Item, emit func(*media.Item, time.Time)) error {
	f.mu.Lock()
	f.runs++
	f.mu.Unlock()
	if f.run == nil {
		return nil
	}
	return f.run(item, emit)
}

func (f *fakeService) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runs
}

type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(name string) {
	l.mu.Lock()
	l.calls = append(l.calls, name)
	l.mu.Unlock()
}

func (l *callLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

func newManager(t *testing.T, routes Routes, workers int, ongoingDelay time.Duration) (*Manager, *database.Store, func()) {
	t.Helper()
	tdb := testutil.NewTestDB(t)
	store := database.NewStore(tdb.DB, zerolog.Nop())
	m := New(store, routes, config.EventsConfig{Workers: workers, QueueSize: 16}, ongoingDelay, zerolog.Nop())
	return m, store, tdb.Close
}

func waitFor(t *testing.T, timeout time.Duration, msg string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v: %s", timeout, msg)
}

func requestedMovie() *media.Item {
	return &media.Item{
		Type:        media.TypeMovie,
		ImdbID:      "tt1375666",
		TmdbID:      "27205",
		RequestedAt: time.Now().Add(-time.Minute),
		RequestedBy: "api",
	}
}

func TestManager_PipelineChain(t *testing.T) {
	log := &callLog{}
	stage := func(name string, mutate func(*media.Item)) *fakeService {
		return &fakeService{name: name, run: func(item *media.Item, emit func(*media.Item, time.Time)) error {
			log.add(name)
			mutate(item)
			emit(item, time.Time{})
			return nil
		}}
	}

	routes := Routes{
		Indexer: stage("indexer", func(item *media.Item) {
			item.Title = "Inception"
			item.Year = 2010
		}),
		Scrapers: stage("scrapers", func(item *media.Item) {
			at := time.Now()
			item.ScrapedAt = &at
			item.AddStream(&media.Stream{
				Infohash:    testHash,
				RawTitle:    "Inception.2010.1080p.BluRay.x264",
				Rank:        100,
				ProfileName: "default",
			})
		}),
		Downloader: stage("downloader", func(item *media.Item) {
			item.FilesystemEntries = []*media.MediaEntry{{
				Infohash:         testHash,
				OriginalFilename: "Inception.2010.1080p.BluRay.x264.mkv",
				DownloadURL:      "https://debrid.example/dl/1",
				Provider:         "realdebrid",
				FileSize:         1 << 31,
			}}
		}),
		Filesystem: stage("filesystem", func(item *media.Item) {
			item.FilesystemEntries[0].VFSPaths = []string{"/movies/Inception (2010)/Inception.2010.1080p.BluRay.x264.mkv"}
		}),
		PostProcessing: stage("postprocessing", func(item *media.Item) {
			at := time.Now()
			item.PostProcessedAt = &at
		}),
	}

	m, store, done := newManager(t, routes, 2, 0)
	defer done()

	var trMu sync.Mutex
	var transitions []string
	m.SetNotifier(func(_ *media.Item, prev, next media.State) {
		trMu.Lock()
		transitions = append(transitions, fmt.Sprintf("%s->%s", prev, next))
		trMu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	m.Start(ctx)
	defer func() {
		cancel()
		m.Stop()
	}()

	item, created, err := store.CreateItem(context.Background(), requestedMovie())
	if err != nil || !created {
		t.Fatalf("CreateItem() = %v, created=%v", err, created)
	}
	m.Enqueue(item.ID, "test", time.Time{})

	waitFor(t, 5*time.Second, "movie never completed", func() bool {
		got, err := store.GetItem(context.Background(), item.ID)
		return err == nil && got.State() == media.StateCompleted
	})

	want := []string{"indexer", "scrapers", "downloader", "filesystem", "postprocessing"}
	waitFor(t, 2*time.Second, "not all stages ran", func() bool {
		return len(log.snapshot()) == len(want)
	})
	got := log.snapshot()
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("stage order = %v, want %v", got, want)
		}
	}

	wantTransitions := []string{
		"Requested->Indexed",
		"Indexed->Scraped",
		"Scraped->Downloaded",
		"Downloaded->Symlinked",
		"Symlinked->Completed",
	}
	waitFor(t, 2*time.Second, "transitions not observed", func() bool {
		trMu.Lock()
		defer trMu.Unlock()
		return len(transitions) == len(wantTransitions)
	})
	trMu.Lock()
	defer trMu.Unlock()
	for i := range wantTransitions {
		if transitions[i] != wantTransitions[i] {
			t.Fatalf("transitions = %v, want %v", transitions, wantTransitions)
		}
	}
}

func TestManager_PerItemSerialization(t *testing.T) {
	var current, peak atomic.Int32
	started := make(chan struct{}, 8)

	slow := &fakeService{name: "indexer", run: func(_ *media.Item, _ func(*media.Item, time.Time)) error {
		cur := current.Add(1)
		for {
			p := peak.Load()
			if cur <= p || peak.CompareAndSwap(p, cur) {
				break
			}
		}
		started <- struct{}{}
		time.Sleep(80 * time.Millisecond)
		current.Add(-1)
		return nil
	}}

	m, store, done := newManager(t, Routes{Indexer: slow}, 4, 0)
	defer done()

	ctx, cancel := context.WithCancel(context.Background())
	m.Start(ctx)
	defer func() {
		cancel()
		m.Stop()
	}()

	item, _, err := store.CreateItem(context.Background(), requestedMovie())
	if err != nil {
		t.Fatalf("CreateItem() error = %v", err)
	}

	m.Enqueue(item.ID, "first", time.Time{})
	<-started

	// The worker owns the item now; these must defer, and the two collapse
	// into a single waiting slot.
	m.Enqueue(item.ID, "second", time.Time{})
	m.Enqueue(item.ID, "third", time.Time{})

	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatalf("deferred event never ran")
	}

	waitFor(t, 2*time.Second, "queue never drained", func() bool {
		s := m.Stats()
		return s.InProgress == 0 && s.Queued == 0 && s.Waiting == 0
	})

	if got := peak.Load(); got != 1 {
		t.Fatalf("peak concurrent runs for one item = %d, want 1", got)
	}
	time.Sleep(120 * time.Millisecond)
	if got := slow.count(); got != 2 {
		t.Fatalf("runs = %d, want 2 (duplicates collapse)", got)
	}
}

func TestManager_DelayedEventWaits(t *testing.T) {
	var mu sync.Mutex
	var ranAt time.Time
	svc := &fakeService{name: "indexer", run: func(_ *media.Item, _ func(*media.Item, time.Time)) error {
		mu.Lock()
		ranAt = time.Now()
		mu.Unlock()
		return nil
	}}

	m, store, done := newManager(t, Routes{Indexer: svc}, 1, 0)
	defer done()

	ctx, cancel := context.WithCancel(context.Background())
	m.Start(ctx)
	defer func() {
		cancel()
		m.Stop()
	}()

	item, _, err := store.CreateItem(context.Background(), requestedMovie())
	if err != nil {
		t.Fatalf("CreateItem() error = %v", err)
	}

	notBefore := time.Now().Add(150 * time.Millisecond)
	m.Enqueue(item.ID, "cooldown", notBefore)

	waitFor(t, 3*time.Second, "delayed event never ran", func() bool {
		return svc.count() == 1
	})
	mu.Lock()
	defer mu.Unlock()
	if ranAt.Before(notBefore) {
		t.Fatalf("ran at %v, before run_at %v", ranAt, notBefore)
	}
}

func TestManager_ServiceErrorMarksFailed(t *testing.T) {
	svc := &fakeService{name: "indexer", run: func(_ *media.Item, _ func(*media.Item, time.Time)) error {
		return errors.New("metadata lookup exploded")
	}}

	m, store, done := newManager(t, Routes{Indexer: svc}, 1, 0)
	defer done()

	ctx, cancel := context.WithCancel(context.Background())
	m.Start(ctx)
	defer func() {
		cancel()
		m.Stop()
	}()

	item, _, err := store.CreateItem(context.Background(), requestedMovie())
	if err != nil {
		t.Fatalf("CreateItem() error = %v", err)
	}
	m.Enqueue(item.ID, "test", time.Time{})

	waitFor(t, 3*time.Second, "failure never recorded", func() bool {
		return m.Stats().Failed == 1
	})
	waitFor(t, 2*time.Second, "worker never finished", func() bool {
		return m.Stats().InProgress == 0
	})

	got, err := store.GetItem(context.Background(), item.ID)
	if err != nil {
		t.Fatalf("GetItem() error = %v", err)
	}
	if state := got.State(); state != media.StateFailed {
		t.Fatalf("State() = %v, want %v", state, media.StateFailed)
	}
	if got.FailedReason != "metadata lookup exploded" {
		t.Fatalf("FailedReason = %q", got.FailedReason)
	}
}

func TestManager_CompletedItemsSettle(t *testing.T) {
	svc := &fakeService{name: "indexer"}
	m, store, done := newManager(t, Routes{Indexer: svc}, 1, 0)
	defer done()

	ctx, cancel := context.WithCancel(context.Background())
	m.Start(ctx)
	defer func() {
		cancel()
		m.Stop()
	}()

	post := time.Now().Add(-time.Hour)
	movie := requestedMovie()
	movie.Title = "Inception"
	movie.PostProcessedAt = &post
	movie.FilesystemEntries = []*media.MediaEntry{{
		Infohash:         testHash,
		OriginalFilename: "inception.mkv",
		DownloadURL:      "https://debrid.example/dl/1",
		FileSize:         1 << 31,
		VFSPaths:         []string{"/movies/Inception (2010)/inception.mkv"},
	}}
	item, _, err := store.CreateItem(context.Background(), movie)
	if err != nil {
		t.Fatalf("CreateItem() error = %v", err)
	}

	m.Enqueue(item.ID, "test", time.Time{})
	time.Sleep(200 * time.Millisecond)

	if got := svc.count(); got != 0 {
		t.Fatalf("service runs = %d, want 0 for completed item", got)
	}
	s := m.Stats()
	if s.Queued != 0 || s.Waiting != 0 || s.InProgress != 0 {
		t.Fatalf("stats = %+v, want settled queue", s)
	}
}

func TestManager_OngoingSchedulesRecheck(t *testing.T) {
	m, store, done := newManager(t, Routes{}, 1, 10*time.Second)
	defer done()

	ctx, cancel := context.WithCancel(context.Background())
	m.Start(ctx)
	defer func() {
		cancel()
		m.Stop()
	}()

	post := time.Now().Add(-time.Hour)
	show := &media.Item{
		Type:        media.TypeShow,
		ImdbID:      "tt0903747",
		TmdbID:      "1396",
		Title:       "Breaking Bad",
		RequestedAt: time.Now().Add(-time.Hour),
	}
	season := &media.Item{Type: media.TypeSeason, Number: 1, Title: "Season 1"}
	show.AttachChild(season)
	seasonDone := &media.Item{
		Type:   media.TypeEpisode,
		Number: 1,
		Title:  "Pilot",
		FilesystemEntries: []*media.MediaEntry{{
			Infohash:         testHash,
			OriginalFilename: "s01e01.mkv",
			DownloadURL:      "https://debrid.example/dl/1",
			FileSize:         1 << 30,
			VFSPaths:         []string{"/shows/Breaking Bad/Season 01/s01e01.mkv"},
		}},
		PostProcessedAt: &post,
	}
	season.AttachChild(seasonDone)
	season.AttachChild(&media.Item{
		Type:    media.TypeEpisode,
		Number:  2,
		Title:   "Episode 2",
		AiredAt: time.Now().Add(90 * 24 * time.Hour),
	})

	item, _, err := store.CreateItem(context.Background(), show)
	if err != nil {
		t.Fatalf("CreateItem() error = %v", err)
	}
	if got := item.State(); got != media.StateOngoing {
		t.Fatalf("fixture State() = %v, want %v", got, media.StateOngoing)
	}

	m.Enqueue(item.ID, "test", time.Time{})

	var recheck *Event
	waitFor(t, 3*time.Second, "recheck never scheduled", func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		if len(m.inProgress) != 0 {
			return false
		}
		ev, ok := m.pending[item.ID]
		if !ok || ev.EmittedBy != "recheck" {
			return false
		}
		recheck = ev
		return true
	})

	if until := time.Until(recheck.RunAt); until < 5*time.Second {
		t.Fatalf("recheck scheduled in %v, want ~10s out", until)
	}
}

func TestManager_Resume(t *testing.T) {
	m, store, done := newManager(t, Routes{}, 1, 0)
	defer done()
	ctx := context.Background()

	requested, _, err := store.CreateItem(ctx, requestedMovie())
	if err != nil {
		t.Fatalf("CreateItem() error = %v", err)
	}

	post := time.Now().Add(-time.Hour)
	completed := &media.Item{
		Type:            media.TypeMovie,
		ImdbID:          "tt0133093",
		Title:           "The Matrix",
		PostProcessedAt: &post,
		FilesystemEntries: []*media.MediaEntry{{
			Infohash:         "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb",
			OriginalFilename: "matrix.mkv",
			DownloadURL:      "https://debrid.example/dl/2",
			FileSize:         1 << 30,
			VFSPaths:         []string{"/movies/The Matrix/matrix.mkv"},
		}},
	}
	if _, _, err := store.CreateItem(ctx, completed); err != nil {
		t.Fatalf("CreateItem() error = %v", err)
	}

	failed := &media.Item{
		Type:         media.TypeMovie,
		ImdbID:       "tt0111161",
		Title:        "The Shawshank Redemption",
		RequestedAt:  time.Now().Add(-time.Hour),
		FailedReason: "no streams matched",
	}
	if _, _, err := store.CreateItem(ctx, failed); err != nil {
		t.Fatalf("CreateItem() error = %v", err)
	}

	if err := m.Resume(ctx); err != nil {
		t.Fatalf("Resume() error = %v", err)
	}

	if got := m.Stats().Queued; got != 1 {
		t.Fatalf("Queued = %d, want 1 (completed and failed stay put)", got)
	}
	m.mu.Lock()
	_, ok := m.pending[requested.ID]
	m.mu.Unlock()
	if !ok {
		t.Fatalf("requested movie not re-enqueued")
	}
}

func TestEnqueueDeduplicates(t *testing.T) {
	m := New(nil, Routes{}, config.EventsConfig{Workers: 1}, 0, zerolog.Nop())

	later := time.Now().Add(time.Hour)
	id1 := m.Enqueue(7, "api", later)
	id2 := m.Enqueue(7, "api", later.Add(time.Minute))
	if id1 != id2 {
		t.Fatalf("later duplicate got a new event, want the pending one")
	}
	if got := m.Stats().Queued; got != 1 {
		t.Fatalf("Queued = %d, want 1", got)
	}

	sooner := time.Now().Add(time.Minute)
	id3 := m.Enqueue(7, "scheduler", sooner)
	if id3 != id1 {
		t.Fatalf("earlier duplicate replaced the event instead of updating it")
	}
	m.mu.Lock()
	p := m.pending[7]
	m.mu.Unlock()
	if !p.RunAt.Equal(sooner) {
		t.Fatalf("RunAt = %v, want %v", p.RunAt, sooner)
	}
	if p.EmittedBy != "scheduler" {
		t.Fatalf("EmittedBy = %q, want scheduler", p.EmittedBy)
	}

	m.Enqueue(8, "api", time.Time{})
	if got := m.Stats().Queued; got != 2 {
		t.Fatalf("Queued = %d, want 2", got)
	}
}

func TestManager_ServiceOverrideBypassesStateRouting(t *testing.T) {
	indexer := &fakeService{name: "indexer"}
	harvest := &fakeService{name: "harvest", run: func(item *media.Item, emit func(*media.Item, time.Time)) error {
		item.Aliases.W2PReleases = []media.HarvestedRelease{{RawTitle: "found", Infohash: testHash}}
		return nil
	}}

	m, store, done := newManager(t, Routes{Indexer: indexer}, 1, 0)
	defer done()
	m.RegisterService(harvest)

	ctx, cancel := context.WithCancel(context.Background())
	m.Start(ctx)
	defer func() {
		cancel()
		m.Stop()
	}()

	item, _, err := store.CreateItem(context.Background(), requestedMovie())
	if err != nil {
		t.Fatalf("CreateItem() error = %v", err)
	}

	m.EnqueueService(item.ID, "harvest", time.Time{})

	waitFor(t, 3*time.Second, "override service never ran", func() bool {
		return harvest.count() == 1
	})
	waitFor(t, 2*time.Second, "worker never finished", func() bool {
		return m.Stats().InProgress == 0
	})

	if got := indexer.count(); got != 0 {
		t.Fatalf("state-routed service ran %d times, want 0 for an override event", got)
	}

	got, err := store.GetItem(context.Background(), item.ID)
	if err != nil {
		t.Fatalf("GetItem() error = %v", err)
	}
	if len(got.Aliases.W2PReleases) != 1 {
		t.Fatalf("persisted releases = %d, want the override's mutation saved", len(got.Aliases.W2PReleases))
	}
}

func TestManager_UnknownServiceEventDropped(t *testing.T) {
	m, store, done := newManager(t, Routes{}, 1, 0)
	defer done()

	ctx, cancel := context.WithCancel(context.Background())
	m.Start(ctx)
	defer func() {
		cancel()
		m.Stop()
	}()

	item, _, err := store.CreateItem(context.Background(), requestedMovie())
	if err != nil {
		t.Fatalf("CreateItem() error = %v", err)
	}

	m.EnqueueService(item.ID, "nonesuch", time.Time{})

	waitFor(t, 2*time.Second, "queue never drained", func() bool {
		s := m.Stats()
		return s.Queued == 0 && s.InProgress == 0
	})
	if s := m.Stats(); s.Processed != 0 || s.Failed != 0 {
		t.Fatalf("stats = %+v, want the event dropped without processing", s)
	}
}

func TestQueueOrdering(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	var q queue
	heap.Push(&q, &Event{ItemID: 1, RunAt: now.Add(time.Hour), seq: 1})
	heap.Push(&q, &Event{ItemID: 2, RunAt: now, seq: 2})
	heap.Push(&q, &Event{ItemID: 3, RunAt: now, seq: 3})
	heap.Push(&q, &Event{ItemID: 4, RunAt: now.Add(-time.Minute), seq: 4})

	want := []int64{4, 2, 3, 1}
	for i, wantID := range want {
		ev := heap.Pop(&q).(*Event)
		if ev.ItemID != wantID {
			t.Fatalf("pop %d = item %d, want %d", i, ev.ItemID, wantID)
		}
	}
}
