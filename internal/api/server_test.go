package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/rivenmedia/riven/internal/config"
	"github.com/rivenmedia/riven/internal/database"
	"github.com/rivenmedia/riven/internal/events"
	"github.com/rivenmedia/riven/internal/filesystem"
	"github.com/rivenmedia/riven/internal/media"
	"github.com/rivenmedia/riven/internal/profile"
	"github.com/rivenmedia/riven/internal/scheduler"
	"github.com/rivenmedia/riven/internal/testutil"
	"github.com/rivenmedia/riven/internal/websocket"
)

const (
	testAPIKey = "test-key"
	testHash   = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
)

type testServer struct {
	*Server
	store     *database.Store
	manager   *events.Manager
	scheduler *scheduler.Scheduler
	host      *filesystem.Host
}

func setupTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()

	tdb := testutil.NewTestDB(t)
	store := database.NewStore(tdb.DB, tdb.Logger)

	// The manager is never started: enqueued events stay queued, so tests
	// can assert on what the handlers scheduled.
	manager := events.New(store, events.Routes{}, config.EventsConfig{Workers: 1, QueueSize: 16}, 0, tdb.Logger)

	sched, err := scheduler.New(tdb.Logger)
	if err != nil {
		t.Fatalf("scheduler.New() error = %v", err)
	}

	profiles := profile.NewSet(config.ProfilesConfig{DefaultProfile: "default", KeepVersions: 1})
	host := filesystem.NewHost(profiles, filesystem.DefaultLayout(), tdb.Logger)
	vfs := filesystem.New(host, nil, tdb.Logger)

	hub := websocket.NewHub(tdb.Logger)

	server := NewServer(store, manager, sched, hub, vfs, config.APIConfig{APIKey: testAPIKey}, tdb.Logger)

	cleanup := func() {
		tdb.Close()
	}
	return &testServer{
		Server:    server,
		store:     store,
		manager:   manager,
		scheduler: sched,
		host:      host,
	}, cleanup
}

// do runs an authenticated request against the server and returns the
// recorded response.
func (ts *testServer) do(method, path, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	req.Header.Set(headerAPIKey, testAPIKey)
	rec := httptest.NewRecorder()
	ts.echo.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, into any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), into); err != nil {
		t.Fatalf("failed to parse response %q: %v", rec.Body.String(), err)
	}
}

func seedMovie(t *testing.T, store *database.Store, imdbID, title string) *media.Item {
	t.Helper()
	item := &media.Item{
		Type:        media.TypeMovie,
		ImdbID:      imdbID,
		Title:       title,
		Year:        2010,
		AiredAt:     time.Date(2010, 7, 16, 0, 0, 0, 0, time.UTC),
		RequestedAt: time.Now().UTC(),
		RequestedBy: "test",
	}
	if err := store.SaveTree(context.Background(), item); err != nil {
		t.Fatalf("SaveTree() error = %v", err)
	}
	return item
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestHealthCheck(t *testing.T) {
	ts, cleanup := setupTestServer(t)
	defer cleanup()

	// No API key on purpose: liveness probes are unauthenticated.
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	ts.echo.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("HealthCheck status = %d, want %d", rec.Code, http.StatusOK)
	}

	var response map[string]string
	decode(t, rec, &response)
	if response["status"] != "ok" {
		t.Errorf("HealthCheck status = %q, want %q", response["status"], "ok")
	}
}

func TestAPIKeyRequired(t *testing.T) {
	ts, cleanup := setupTestServer(t)
	defer cleanup()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/items", nil)
	rec := httptest.NewRecorder()
	ts.echo.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("no key status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/items", nil)
	req.Header.Set(headerAPIKey, "wrong")
	rec = httptest.NewRecorder()
	ts.echo.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong key status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}

	if rec := ts.do(http.MethodGet, "/api/v1/items", ""); rec.Code != http.StatusOK {
		t.Errorf("valid key status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestCreateItemEnqueuesAndDeduplicates(t *testing.T) {
	ts, cleanup := setupTestServer(t)
	defer cleanup()

	body := `{"type": "movie", "imdb_id": "tt1375666", "requested_by": "ops"}`
	rec := ts.do(http.MethodPost, "/api/v1/items", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, want %d: %s", rec.Code, http.StatusCreated, rec.Body.String())
	}

	var created struct {
		Item    itemSummary `json:"item"`
		Created bool        `json:"created"`
	}
	decode(t, rec, &created)
	if !created.Created {
		t.Error("created = false, want true")
	}
	if created.Item.State != "Requested" {
		t.Errorf("state = %q, want %q", created.Item.State, "Requested")
	}
	if created.Item.RequestedBy != "ops" {
		t.Errorf("requestedBy = %q, want %q", created.Item.RequestedBy, "ops")
	}
	if got := ts.manager.Stats().Queued; got != 1 {
		t.Errorf("queued events = %d, want 1", got)
	}

	// The same identifier again merges instead of duplicating.
	rec = ts.do(http.MethodPost, "/api/v1/items", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("duplicate status = %d, want %d", rec.Code, http.StatusOK)
	}
	var dup struct {
		Item    itemSummary `json:"item"`
		Created bool        `json:"created"`
	}
	decode(t, rec, &dup)
	if dup.Created {
		t.Error("duplicate created = true, want false")
	}
	if dup.Item.ID != created.Item.ID {
		t.Errorf("duplicate id = %d, want %d", dup.Item.ID, created.Item.ID)
	}
	if got := ts.manager.Stats().Queued; got != 1 {
		t.Errorf("queued events after duplicate = %d, want 1", got)
	}
}

func TestCreateItemValidation(t *testing.T) {
	ts, cleanup := setupTestServer(t)
	defer cleanup()

	cases := []struct {
		name string
		body string
	}{
		{"bad type", `{"type": "album", "imdb_id": "tt1375666"}`},
		{"no identifiers", `{"type": "movie"}`},
		{"malformed body", `{"type": `},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := ts.do(http.MethodPost, "/api/v1/items", tc.body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
			}
		})
	}
}

func TestGetItemDetail(t *testing.T) {
	ts, cleanup := setupTestServer(t)
	defer cleanup()

	item := seedMovie(t, ts.store, "tt1375666", "Inception")

	rec := ts.do(http.MethodGet, "/api/v1/items/"+itemID(item), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d, want %d", rec.Code, http.StatusOK)
	}

	var got itemDetail
	decode(t, rec, &got)
	if got.ID != item.ID {
		t.Errorf("id = %d, want %d", got.ID, item.ID)
	}
	if got.Title != "Inception" {
		t.Errorf("title = %q, want %q", got.Title, "Inception")
	}
	if got.State != "Indexed" {
		t.Errorf("state = %q, want %q", got.State, "Indexed")
	}

	if rec := ts.do(http.MethodGet, "/api/v1/items/99999", ""); rec.Code != http.StatusNotFound {
		t.Errorf("missing item status = %d, want %d", rec.Code, http.StatusNotFound)
	}
	if rec := ts.do(http.MethodGet, "/api/v1/items/nope", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("bad id status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestListItemsStateFilter(t *testing.T) {
	ts, cleanup := setupTestServer(t)
	defer cleanup()

	seedMovie(t, ts.store, "tt1375666", "Inception")
	paused := seedMovie(t, ts.store, "tt0133093", "The Matrix")
	paused.Paused = true
	if err := ts.store.SaveTree(context.Background(), paused); err != nil {
		t.Fatalf("SaveTree() error = %v", err)
	}

	rec := ts.do(http.MethodGet, "/api/v1/items", "")
	var all struct {
		Items []itemSummary `json:"items"`
		Total int           `json:"total"`
	}
	decode(t, rec, &all)
	if all.Total != 2 {
		t.Fatalf("total = %d, want 2", all.Total)
	}

	rec = ts.do(http.MethodGet, "/api/v1/items?state=paused", "")
	var filtered struct {
		Items []itemSummary `json:"items"`
		Total int           `json:"total"`
	}
	decode(t, rec, &filtered)
	if filtered.Total != 1 {
		t.Fatalf("filtered total = %d, want 1", filtered.Total)
	}
	if filtered.Items[0].Title != "The Matrix" {
		t.Errorf("filtered item = %q, want %q", filtered.Items[0].Title, "The Matrix")
	}
}

func TestRetryItemClearsFailure(t *testing.T) {
	ts, cleanup := setupTestServer(t)
	defer cleanup()

	item := seedMovie(t, ts.store, "tt1375666", "Inception")
	item.MarkFailed("no streams found")
	now := time.Now().UTC()
	item.ScrapedAt = &now
	if err := ts.store.SaveTree(context.Background(), item); err != nil {
		t.Fatalf("SaveTree() error = %v", err)
	}

	rec := ts.do(http.MethodPost, "/api/v1/items/"+itemID(item)+"/retry", "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("retry status = %d, want %d: %s", rec.Code, http.StatusAccepted, rec.Body.String())
	}

	reloaded, err := ts.store.GetItem(context.Background(), item.ID)
	if err != nil {
		t.Fatalf("GetItem() error = %v", err)
	}
	if reloaded.FailedReason != "" {
		t.Errorf("failedReason = %q, want empty", reloaded.FailedReason)
	}
	if reloaded.ScrapedAt != nil {
		t.Error("scrapedAt survived the retry reset")
	}
	if got := reloaded.State(); got != media.StateIndexed {
		t.Errorf("state after retry = %q, want %q", got, media.StateIndexed)
	}
	if got := ts.manager.Stats().Queued; got != 1 {
		t.Errorf("queued events = %d, want 1", got)
	}
}

func TestPauseAndUnpause(t *testing.T) {
	ts, cleanup := setupTestServer(t)
	defer cleanup()

	item := seedMovie(t, ts.store, "tt1375666", "Inception")

	rec := ts.do(http.MethodPost, "/api/v1/items/"+itemID(item)+"/pause", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("pause status = %d, want %d", rec.Code, http.StatusOK)
	}
	var paused struct {
		Paused bool   `json:"paused"`
		State  string `json:"state"`
	}
	decode(t, rec, &paused)
	if !paused.Paused || paused.State != "Paused" {
		t.Errorf("pause response = %+v, want paused in state Paused", paused)
	}
	if got := ts.manager.Stats().Queued; got != 0 {
		t.Errorf("queued events after pause = %d, want 0", got)
	}

	rec = ts.do(http.MethodPost, "/api/v1/items/"+itemID(item)+"/unpause", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unpause status = %d, want %d", rec.Code, http.StatusOK)
	}
	var unpaused struct {
		Paused bool   `json:"paused"`
		State  string `json:"state"`
	}
	decode(t, rec, &unpaused)
	if unpaused.Paused {
		t.Error("unpause left the item paused")
	}
	if got := ts.manager.Stats().Queued; got != 1 {
		t.Errorf("queued events after unpause = %d, want 1", got)
	}

	reloaded, err := ts.store.GetItem(context.Background(), item.ID)
	if err != nil {
		t.Fatalf("GetItem() error = %v", err)
	}
	if reloaded.Paused {
		t.Error("paused flag not cleared in store")
	}
}

func TestDeleteItemRemovesTreeAndVFSPaths(t *testing.T) {
	ts, cleanup := setupTestServer(t)
	defer cleanup()

	item := seedMovie(t, ts.store, "tt1375666", "Inception")
	item.FilesystemEntries = []*media.MediaEntry{{
		OriginalFilename: "Inception.2010.1080p.BluRay.mkv",
		DownloadURL:      "https://himalaya.example/dl/1",
		Provider:         "realdebrid",
		FileSize:         8_000_000_000,
		Infohash:         testHash,
	}}
	if !ts.host.Add(item) {
		t.Fatal("VFS registration failed")
	}
	if err := ts.store.SaveTree(context.Background(), item); err != nil {
		t.Fatalf("SaveTree() error = %v", err)
	}

	rec := ts.do(http.MethodDelete, "/api/v1/items/"+itemID(item), "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d, want %d", rec.Code, http.StatusNoContent)
	}

	if _, err := ts.store.GetItem(context.Background(), item.ID); !errors.Is(err, database.ErrItemNotFound) {
		t.Errorf("GetItem after delete error = %v, want ErrItemNotFound", err)
	}
	if got := ts.host.Len(); got != 0 {
		t.Errorf("VFS paths after delete = %d, want 0", got)
	}
}

func TestDeleteRejectsNonRoots(t *testing.T) {
	ts, cleanup := setupTestServer(t)
	defer cleanup()

	show := &media.Item{
		Type:        media.TypeShow,
		ImdbID:      "tt0903747",
		Title:       "Breaking Bad",
		RequestedAt: time.Now().UTC(),
		RequestedBy: "test",
	}
	show.AttachChild(&media.Item{Type: media.TypeSeason, Number: 1, Title: "Season 1"})
	if err := ts.store.SaveTree(context.Background(), show); err != nil {
		t.Fatalf("SaveTree() error = %v", err)
	}
	season := show.Children[0]

	rec := ts.do(http.MethodDelete, "/api/v1/items/"+itemID(season), "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("delete season status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestEventStats(t *testing.T) {
	ts, cleanup := setupTestServer(t)
	defer cleanup()

	ts.manager.Enqueue(1, "test", time.Time{})

	rec := ts.do(http.MethodGet, "/api/v1/events/stats", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("stats status = %d, want %d", rec.Code, http.StatusOK)
	}

	var stats events.Stats
	decode(t, rec, &stats)
	if stats.Queued != 1 {
		t.Errorf("queued = %d, want 1", stats.Queued)
	}
}

func TestSchedulerTaskEndpoints(t *testing.T) {
	ts, cleanup := setupTestServer(t)
	defer cleanup()

	var runs atomic.Int64
	err := ts.scheduler.RegisterTask(scheduler.TaskConfig{
		ID:       "test-task",
		Name:     "Test Task",
		Interval: time.Hour,
		Func: func(ctx context.Context) error {
			runs.Add(1)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("RegisterTask() error = %v", err)
	}

	rec := ts.do(http.MethodGet, "/api/v1/scheduler/tasks", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list tasks status = %d, want %d", rec.Code, http.StatusOK)
	}
	var listed struct {
		Tasks []scheduler.TaskInfo `json:"tasks"`
	}
	decode(t, rec, &listed)
	if len(listed.Tasks) != 1 || listed.Tasks[0].ID != "test-task" {
		t.Fatalf("tasks = %+v, want the registered task", listed.Tasks)
	}

	if rec := ts.do(http.MethodPost, "/api/v1/scheduler/tasks/nonesuch/run", ""); rec.Code != http.StatusNotFound {
		t.Errorf("run unknown task status = %d, want %d", rec.Code, http.StatusNotFound)
	}

	rec = ts.do(http.MethodPost, "/api/v1/scheduler/tasks/test-task/run", "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("run task status = %d, want %d", rec.Code, http.StatusAccepted)
	}
	waitFor(t, 2*time.Second, func() bool { return runs.Load() == 1 })
}

func itemID(item *media.Item) string {
	return strconv.FormatInt(item.ID, 10)
}
