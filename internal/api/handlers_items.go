package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/rivenmedia/riven/internal/database"
	"github.com/rivenmedia/riven/internal/media"
)

// itemSummary is the list-level view of a media item.
type itemSummary struct {
	ID          int64      `json:"id"`
	Type        string     `json:"type"`
	Title       string     `json:"title"`
	Year        int        `json:"year,omitempty"`
	ImdbID      string     `json:"imdb_id,omitempty"`
	State       string     `json:"state"`
	RequestedBy string     `json:"requested_by,omitempty"`
	RequestedAt *time.Time `json:"requested_at,omitempty"`
}

// itemDetail adds pipeline internals and the child tree.
type itemDetail struct {
	itemSummary
	TmdbID       string       `json:"tmdb_id,omitempty"`
	TvdbID       string       `json:"tvdb_id,omitempty"`
	Number       int          `json:"number,omitempty"`
	LibraryPaths []string     `json:"library_paths,omitempty"`
	ScrapedAt    *time.Time   `json:"scraped_at,omitempty"`
	Streams      int          `json:"streams"`
	Blacklisted  int          `json:"blacklisted"`
	ActiveStream *streamView  `json:"active_stream,omitempty"`
	Paused       bool         `json:"paused,omitempty"`
	FailedReason string       `json:"failed_reason,omitempty"`
	Entries      []entryView  `json:"entries,omitempty"`
	Children     []itemDetail `json:"children,omitempty"`
}

type streamView struct {
	Infohash  string `json:"infohash"`
	TorrentID string `json:"torrent_id,omitempty"`
}

type entryView struct {
	ID       int64    `json:"id"`
	Filename string   `json:"filename"`
	Provider string   `json:"provider"`
	FileSize int64    `json:"file_size"`
	Infohash string   `json:"infohash,omitempty"`
	Profiles []string `json:"profiles,omitempty"`
	VFSPaths []string `json:"vfs_paths,omitempty"`
}

type createItemRequest struct {
	Type         string   `json:"type"`
	ImdbID       string   `json:"imdb_id"`
	TmdbID       string   `json:"tmdb_id"`
	TvdbID       string   `json:"tvdb_id"`
	RequestedBy  string   `json:"requested_by"`
	LibraryPaths []string `json:"library_paths"`
}

func (s *Server) listItems(c echo.Context) error {
	ctx := c.Request().Context()
	now := time.Now()

	ids, err := s.store.ListRootIDs(ctx)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	stateFilter := c.QueryParam("state")
	items := make([]itemSummary, 0, len(ids))
	for _, id := range ids {
		root, err := s.store.GetTree(ctx, id)
		if err != nil {
			s.logger.Warn().Err(err).Int64("itemID", id).Msg("skipping unloadable item")
			continue
		}
		if stateFilter != "" && !strings.EqualFold(string(root.StateAt(now)), stateFilter) {
			continue
		}
		items = append(items, summarize(root, now))
	}

	return c.JSON(http.StatusOK, map[string]any{
		"items": items,
		"total": len(items),
	})
}

func (s *Server) createItem(c echo.Context) error {
	ctx := c.Request().Context()

	var req createItemRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	itemType := media.Type(req.Type)
	if itemType != media.TypeMovie && itemType != media.TypeShow {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "type must be movie or show"})
	}
	if req.ImdbID == "" && req.TmdbID == "" && req.TvdbID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "at least one of imdb_id, tmdb_id, tvdb_id is required"})
	}

	requestedBy := req.RequestedBy
	if requestedBy == "" {
		requestedBy = "api"
	}

	item := &media.Item{
		Type:         itemType,
		ImdbID:       req.ImdbID,
		TmdbID:       req.TmdbID,
		TvdbID:       req.TvdbID,
		RequestedAt:  time.Now(),
		RequestedBy:  requestedBy,
		LibraryPaths: req.LibraryPaths,
	}

	stored, created, err := s.store.CreateItem(ctx, item)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	status := http.StatusOK
	if created {
		s.manager.Enqueue(stored.ID, "api", time.Time{})
		status = http.StatusCreated
	}

	return c.JSON(status, map[string]any{
		"item":    summarize(stored, time.Now()),
		"created": created,
	})
}

func (s *Server) getItem(c echo.Context) error {
	item, httpErr := s.loadItem(c)
	if httpErr != nil {
		return httpErr
	}

	return c.JSON(http.StatusOK, detail(item, time.Now()))
}

func (s *Server) deleteItem(c echo.Context) error {
	ctx := c.Request().Context()

	item, httpErr := s.loadItem(c)
	if httpErr != nil {
		return httpErr
	}
	if item.Parent != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "only whole trees can be deleted; pass the root id"})
	}

	s.vfs.Unpublish(item)
	if err := s.store.DeleteItem(ctx, item.ID); err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	s.logger.Info().Int64("itemID", item.ID).Str("title", item.Title).Msg("item deleted")
	return c.NoContent(http.StatusNoContent)
}

// retryItem clears failure and scrape bookkeeping on the item and its
// descendants, then re-enqueues it. Blacklisted streams survive the reset;
// never-retry means never.
func (s *Server) retryItem(c echo.Context) error {
	ctx := c.Request().Context()

	item, httpErr := s.loadItem(c)
	if httpErr != nil {
		return httpErr
	}

	for _, node := range subtree(item) {
		node.ResetForRetry()
	}
	if err := s.store.SaveTree(ctx, item); err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	s.manager.Enqueue(item.ID, "api-retry", time.Time{})

	return c.JSON(http.StatusAccepted, map[string]any{
		"id":    item.ID,
		"state": item.State(),
	})
}

func (s *Server) pauseItem(c echo.Context) error {
	return s.setPaused(c, true)
}

func (s *Server) unpauseItem(c echo.Context) error {
	return s.setPaused(c, false)
}

func (s *Server) setPaused(c echo.Context, paused bool) error {
	ctx := c.Request().Context()

	item, httpErr := s.loadItem(c)
	if httpErr != nil {
		return httpErr
	}

	item.Paused = paused
	if err := s.store.SaveTree(ctx, item); err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	if !paused {
		// Pick the item back up from wherever its derived state left off.
		s.manager.Enqueue(item.ID, "api-unpause", time.Time{})
	}

	return c.JSON(http.StatusOK, map[string]any{
		"id":     item.ID,
		"paused": item.Paused,
		"state":  item.State(),
	})
}

// loadItem parses the :id parameter and loads the item's full tree. The
// returned error, when non-nil, is the already-written HTTP response.
func (s *Server) loadItem(c echo.Context) (*media.Item, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return nil, c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid id"})
	}

	item, err := s.store.GetItem(c.Request().Context(), id)
	if errors.Is(err, database.ErrItemNotFound) {
		return nil, c.JSON(http.StatusNotFound, map[string]string{"error": "item not found"})
	}
	if err != nil {
		return nil, c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return item, nil
}

func summarize(it *media.Item, now time.Time) itemSummary {
	return itemSummary{
		ID:          it.ID,
		Type:        string(it.Type),
		Title:       it.Title,
		Year:        it.Year,
		ImdbID:      it.ImdbID,
		State:       string(it.StateAt(now)),
		RequestedBy: it.RequestedBy,
		RequestedAt: timePtr(it.RequestedAt),
	}
}

func detail(it *media.Item, now time.Time) itemDetail {
	d := itemDetail{
		itemSummary:  summarize(it, now),
		TmdbID:       it.TmdbID,
		TvdbID:       it.TvdbID,
		Number:       it.Number,
		LibraryPaths: it.LibraryPaths,
		ScrapedAt:    it.ScrapedAt,
		Streams:      len(it.NonBlacklistedStreams()),
		Blacklisted:  len(it.BlacklistedStreams),
		Paused:       it.Paused,
		FailedReason: it.FailedReason,
	}
	if it.ActiveStream != nil {
		d.ActiveStream = &streamView{
			Infohash:  it.ActiveStream.Infohash,
			TorrentID: it.ActiveStream.TorrentID,
		}
	}
	for _, e := range it.FilesystemEntries {
		d.Entries = append(d.Entries, entryView{
			ID:       e.ID,
			Filename: e.OriginalFilename,
			Provider: e.Provider,
			FileSize: e.FileSize,
			Infohash: e.Infohash,
			Profiles: e.LibraryProfiles,
			VFSPaths: e.VFSPaths,
		})
	}
	for _, child := range it.Children {
		d.Children = append(d.Children, detail(child, now))
	}
	return d
}

// subtree returns the item and all of its descendants in tree order.
func subtree(item *media.Item) []*media.Item {
	out := []*media.Item{item}
	for _, c := range item.Children {
		out = append(out, subtree(c)...)
	}
	return out
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
