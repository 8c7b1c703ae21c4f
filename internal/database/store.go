package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/rivenmedia/riven/internal/media"
)

// ErrItemNotFound is returned when no media item matches the lookup.
var ErrItemNotFound = errors.New("media item not found")

// Store persists media item trees. Trees are written whole inside a single
// transaction; streams, blacklists and filesystem entries are replaced
// wholesale on save so the in-memory item is always the source of truth.
// Pipeline state is never stored: it is derived from the loaded fields.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewStore creates a media item store on top of an open database.
func NewStore(db *DB, logger zerolog.Logger) *Store {
	return &Store{
		db:     db.Conn(),
		logger: logger.With().Str("component", "store").Logger(),
	}
}

const itemColumns = `id, parent_id, type, imdb_id, tmdb_id, tvdb_id, title, year, aired_at,
	country, is_anime, number, absolute_number, requested_at, requested_by, library_paths,
	scraped_at, active_infohash, active_torrent_id, aliases, paused, failed_reason, post_processed_at`

// treeCTE selects the ids of an item and all of its descendants.
const treeCTE = `WITH RECURSIVE tree(id) AS (
	SELECT id FROM media_items WHERE id = ?
	UNION ALL
	SELECT m.id FROM media_items m JOIN tree t ON m.parent_id = t.id
)`

// CreateItem inserts a new tree unless a root with any matching external id
// already exists. Duplicate requests merge into the existing tree: its
// library paths are extended with the new item's and the original is
// returned. The bool reports whether a new tree was created.
func (s *Store) CreateItem(ctx context.Context, item *media.Item) (*media.Item, bool, error) {
	existing, err := s.FindRootByExternalIDs(ctx, item.ImdbID, item.TmdbID, item.TvdbID)
	switch {
	case err == nil:
		merged := false
		for _, lp := range item.LibraryPaths {
			if !containsString(existing.LibraryPaths, lp) {
				existing.LibraryPaths = append(existing.LibraryPaths, lp)
				merged = true
			}
		}
		if merged {
			if err := s.SaveTree(ctx, existing); err != nil {
				return nil, false, err
			}
		}
		s.logger.Debug().
			Int64("itemID", existing.ID).
			Str("title", existing.Title).
			Msg("duplicate request merged into existing item")
		return existing, false, nil
	case !errors.Is(err, ErrItemNotFound):
		return nil, false, err
	}

	if err := s.SaveTree(ctx, item); err != nil {
		return nil, false, err
	}
	return item, true, nil
}

// GetItem loads the full tree containing id and returns the node for id.
// Parents and children are wired so state derivation sees the whole tree.
func (s *Store) GetItem(ctx context.Context, id int64) (*media.Item, error) {
	rootID, err := s.rootID(ctx, id)
	if err != nil {
		return nil, err
	}
	root, err := s.GetTree(ctx, rootID)
	if err != nil {
		return nil, err
	}
	if node := findByID(root, id); node != nil {
		return node, nil
	}
	return nil, ErrItemNotFound
}

// GetTree loads the item with the given id and all of its descendants.
func (s *Store) GetTree(ctx context.Context, id int64) (*media.Item, error) {
	rows, err := s.db.QueryContext(ctx, treeCTE+`
		SELECT `+itemColumns+`
		FROM media_items
		WHERE id IN (SELECT id FROM tree)
		ORDER BY parent_id, number, id
	`, id)
	if err != nil {
		return nil, fmt.Errorf("load tree %d: %w", id, err)
	}
	defer rows.Close()

	items := make(map[int64]*media.Item)
	var order []*media.Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items[it.ID] = it
		order = append(order, it)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(order) == 0 {
		return nil, ErrItemNotFound
	}

	for _, it := range order {
		if it.ParentID == 0 {
			continue
		}
		if parent, ok := items[it.ParentID]; ok {
			parent.AttachChild(it)
		}
	}

	if err := s.loadStreams(ctx, id, items); err != nil {
		return nil, err
	}
	if err := s.loadBlacklists(ctx, id, items); err != nil {
		return nil, err
	}
	if err := s.loadEntries(ctx, id, items); err != nil {
		return nil, err
	}

	return items[id], nil
}

// SaveTree persists the whole tree the item belongs to, inserting new nodes
// and updating existing ones. New nodes get their ids assigned in place.
func (s *Store) SaveTree(ctx context.Context, item *media.Item) error {
	root := item.Root()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save: %w", err)
	}
	defer tx.Rollback()

	if err := s.saveNode(ctx, tx, root, sql.NullInt64{}); err != nil {
		return err
	}
	return tx.Commit()
}

// FindRootByExternalIDs looks up a root item by any of its external ids.
// Empty ids are skipped; ErrItemNotFound when nothing matches.
func (s *Store) FindRootByExternalIDs(ctx context.Context, imdbID, tmdbID, tvdbID string) (*media.Item, error) {
	var clauses []string
	var args []any
	if imdbID != "" {
		clauses = append(clauses, "imdb_id = ?")
		args = append(args, imdbID)
	}
	if tmdbID != "" {
		clauses = append(clauses, "tmdb_id = ?")
		args = append(args, tmdbID)
	}
	if tvdbID != "" {
		clauses = append(clauses, "tvdb_id = ?")
		args = append(args, tvdbID)
	}
	if len(clauses) == 0 {
		return nil, ErrItemNotFound
	}

	var id int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM media_items
		WHERE parent_id IS NULL AND (`+strings.Join(clauses, " OR ")+`)
		LIMIT 1
	`, args...).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrItemNotFound
	}
	if err != nil {
		return nil, err
	}
	return s.GetTree(ctx, id)
}

// ListRootIDs returns the ids of all root items in insertion order.
func (s *Store) ListRootIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM media_items WHERE parent_id IS NULL ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeleteItem removes an item and, through cascading foreign keys, its
// descendants, streams, blacklists and entries.
func (s *Store) DeleteItem(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM media_items WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrItemNotFound
	}
	return nil
}

// CountRoots returns the number of root items.
func (s *Store) CountRoots(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM media_items WHERE parent_id IS NULL
	`).Scan(&n)
	return n, err
}

func (s *Store) rootID(ctx context.Context, id int64) (int64, error) {
	cur := id
	for {
		var parent sql.NullInt64
		err := s.db.QueryRowContext(ctx, `SELECT parent_id FROM media_items WHERE id = ?`, cur).Scan(&parent)
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrItemNotFound
		}
		if err != nil {
			return 0, err
		}
		if !parent.Valid {
			return cur, nil
		}
		cur = parent.Int64
	}
}

func (s *Store) saveNode(ctx context.Context, tx *sql.Tx, it *media.Item, parent sql.NullInt64) error {
	libraryPaths, err := nullJSON(it.LibraryPaths)
	if err != nil {
		return err
	}
	aliases, err := aliasesJSON(it.Aliases)
	if err != nil {
		return err
	}

	var activeInfohash, activeTorrentID sql.NullString
	if it.ActiveStream != nil {
		activeInfohash = nullString(it.ActiveStream.Infohash)
		activeTorrentID = nullString(it.ActiveStream.TorrentID)
	}

	args := []any{
		parent, string(it.Type),
		nullString(it.ImdbID), nullString(it.TmdbID), nullString(it.TvdbID),
		it.Title, it.Year, nullTime(it.AiredAt),
		it.Country, it.IsAnime, it.Number, it.AbsoluteNumber,
		nullTime(it.RequestedAt), it.RequestedBy, libraryPaths,
		nullTimePtr(it.ScrapedAt), activeInfohash, activeTorrentID, aliases,
		it.Paused, it.FailedReason, nullTimePtr(it.PostProcessedAt),
	}

	if it.ID == 0 {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO media_items
				(parent_id, type, imdb_id, tmdb_id, tvdb_id, title, year, aired_at,
				 country, is_anime, number, absolute_number, requested_at, requested_by,
				 library_paths, scraped_at, active_infohash, active_torrent_id, aliases,
				 paused, failed_reason, post_processed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, args...)
		if err != nil {
			return fmt.Errorf("insert item %q: %w", it.Title, err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		it.ID = id
	} else {
		_, err := tx.ExecContext(ctx, `
			UPDATE media_items SET
				parent_id = ?, type = ?, imdb_id = ?, tmdb_id = ?, tvdb_id = ?,
				title = ?, year = ?, aired_at = ?, country = ?, is_anime = ?,
				number = ?, absolute_number = ?, requested_at = ?, requested_by = ?,
				library_paths = ?, scraped_at = ?, active_infohash = ?,
				active_torrent_id = ?, aliases = ?, paused = ?, failed_reason = ?,
				post_processed_at = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ?
		`, append(args, it.ID)...)
		if err != nil {
			return fmt.Errorf("update item %d: %w", it.ID, err)
		}
	}
	if parent.Valid {
		it.ParentID = parent.Int64
	}

	if err := s.saveStreams(ctx, tx, it); err != nil {
		return err
	}
	if err := s.saveBlacklists(ctx, tx, it); err != nil {
		return err
	}
	if err := s.saveEntries(ctx, tx, it); err != nil {
		return err
	}

	for _, child := range it.Children {
		if err := s.saveNode(ctx, tx, child, sql.NullInt64{Int64: it.ID, Valid: true}); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) saveStreams(ctx context.Context, tx *sql.Tx, it *media.Item) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM streams WHERE item_id = ?`, it.ID); err != nil {
		return err
	}
	for i, st := range it.Streams {
		parsed, err := json.Marshal(st.Parsed)
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO streams (item_id, infohash, raw_title, parsed, rank, profile_name, position)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, it.ID, st.Infohash, st.RawTitle, string(parsed), st.Rank, st.ProfileName, i)
		if err != nil {
			return fmt.Errorf("insert stream %s: %w", st.Infohash, err)
		}
		if id, err := res.LastInsertId(); err == nil {
			st.ID = id
		}
	}
	return nil
}

func (s *Store) saveBlacklists(ctx context.Context, tx *sql.Tx, it *media.Item) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM blacklisted_streams WHERE item_id = ?`, it.ID); err != nil {
		return err
	}
	hashes := make([]string, 0, len(it.BlacklistedStreams))
	for h := range it.BlacklistedStreams {
		hashes = append(hashes, h)
	}
	sort.Strings(hashes)
	for _, h := range hashes {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO blacklisted_streams (item_id, infohash) VALUES (?, ?)
		`, it.ID, h); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) saveEntries(ctx context.Context, tx *sql.Tx, it *media.Item) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM media_entries WHERE item_id = ?`, it.ID); err != nil {
		return err
	}
	for i, e := range it.FilesystemEntries {
		metadata, err := json.Marshal(e.Metadata)
		if err != nil {
			return err
		}
		libraryProfiles, err := nullJSON(e.LibraryProfiles)
		if err != nil {
			return err
		}
		vfsPaths, err := nullJSON(e.VFSPaths)
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO media_entries
				(item_id, original_filename, download_url, provider, provider_download_id,
				 file_size, infohash, metadata, library_profiles, vfs_paths, position)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, it.ID, e.OriginalFilename, e.DownloadURL, e.Provider, e.ProviderDownloadID,
			e.FileSize, e.Infohash, string(metadata), libraryProfiles, vfsPaths, i)
		if err != nil {
			return fmt.Errorf("insert entry %s: %w", e.OriginalFilename, err)
		}
		if id, err := res.LastInsertId(); err == nil {
			e.ID = id
		}
	}
	return nil
}

func (s *Store) loadStreams(ctx context.Context, rootID int64, items map[int64]*media.Item) error {
	rows, err := s.db.QueryContext(ctx, treeCTE+`
		SELECT item_id, id, infohash, raw_title, parsed, rank, profile_name
		FROM streams
		WHERE item_id IN (SELECT id FROM tree)
		ORDER BY item_id, position
	`, rootID)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			itemID int64
			st     media.Stream
			parsed sql.NullString
		)
		if err := rows.Scan(&itemID, &st.ID, &st.Infohash, &st.RawTitle, &parsed, &st.Rank, &st.ProfileName); err != nil {
			return err
		}
		if parsed.Valid {
			if err := json.Unmarshal([]byte(parsed.String), &st.Parsed); err != nil {
				return fmt.Errorf("stream %d parsed payload: %w", st.ID, err)
			}
		}
		if it, ok := items[itemID]; ok {
			it.Streams = append(it.Streams, &st)
		}
	}
	return rows.Err()
}

func (s *Store) loadBlacklists(ctx context.Context, rootID int64, items map[int64]*media.Item) error {
	rows, err := s.db.QueryContext(ctx, treeCTE+`
		SELECT item_id, infohash
		FROM blacklisted_streams
		WHERE item_id IN (SELECT id FROM tree)
	`, rootID)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			itemID int64
			hash   string
		)
		if err := rows.Scan(&itemID, &hash); err != nil {
			return err
		}
		if it, ok := items[itemID]; ok {
			if it.BlacklistedStreams == nil {
				it.BlacklistedStreams = make(map[string]struct{})
			}
			it.BlacklistedStreams[hash] = struct{}{}
		}
	}
	return rows.Err()
}

func (s *Store) loadEntries(ctx context.Context, rootID int64, items map[int64]*media.Item) error {
	rows, err := s.db.QueryContext(ctx, treeCTE+`
		SELECT item_id, id, original_filename, download_url, provider, provider_download_id,
		       file_size, infohash, metadata, library_profiles, vfs_paths
		FROM media_entries
		WHERE item_id IN (SELECT id FROM tree)
		ORDER BY item_id, position
	`, rootID)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			itemID                             int64
			e                                  media.MediaEntry
			metadata, libraryProfiles, vfsPath sql.NullString
		)
		if err := rows.Scan(&itemID, &e.ID, &e.OriginalFilename, &e.DownloadURL, &e.Provider,
			&e.ProviderDownloadID, &e.FileSize, &e.Infohash, &metadata, &libraryProfiles, &vfsPath); err != nil {
			return err
		}
		if metadata.Valid {
			if err := json.Unmarshal([]byte(metadata.String), &e.Metadata); err != nil {
				return fmt.Errorf("entry %d metadata payload: %w", e.ID, err)
			}
		}
		if libraryProfiles.Valid {
			if err := json.Unmarshal([]byte(libraryProfiles.String), &e.LibraryProfiles); err != nil {
				return err
			}
		}
		if vfsPath.Valid {
			if err := json.Unmarshal([]byte(vfsPath.String), &e.VFSPaths); err != nil {
				return err
			}
		}
		if it, ok := items[itemID]; ok {
			it.FilesystemEntries = append(it.FilesystemEntries, &e)
		}
	}
	return rows.Err()
}

func scanItem(rows *sql.Rows) (*media.Item, error) {
	var (
		it                                               media.Item
		itemType                                         string
		parentID                                         sql.NullInt64
		imdbID, tmdbID, tvdbID                           sql.NullString
		airedAt, requestedAt, scrapedAt, postProcessedAt sql.NullTime
		libraryPaths, aliases                            sql.NullString
		activeInfohash, activeTorrentID                  sql.NullString
	)
	if err := rows.Scan(
		&it.ID, &parentID, &itemType, &imdbID, &tmdbID, &tvdbID,
		&it.Title, &it.Year, &airedAt, &it.Country, &it.IsAnime,
		&it.Number, &it.AbsoluteNumber, &requestedAt, &it.RequestedBy,
		&libraryPaths, &scrapedAt, &activeInfohash, &activeTorrentID,
		&aliases, &it.Paused, &it.FailedReason, &postProcessedAt,
	); err != nil {
		return nil, fmt.Errorf("scan item: %w", err)
	}

	it.Type = media.Type(itemType)
	if parentID.Valid {
		it.ParentID = parentID.Int64
	}
	it.ImdbID = imdbID.String
	it.TmdbID = tmdbID.String
	it.TvdbID = tvdbID.String
	if airedAt.Valid {
		it.AiredAt = airedAt.Time
	}
	if requestedAt.Valid {
		it.RequestedAt = requestedAt.Time
	}
	if scrapedAt.Valid {
		t := scrapedAt.Time
		it.ScrapedAt = &t
	}
	if postProcessedAt.Valid {
		t := postProcessedAt.Time
		it.PostProcessedAt = &t
	}
	if libraryPaths.Valid {
		if err := json.Unmarshal([]byte(libraryPaths.String), &it.LibraryPaths); err != nil {
			return nil, fmt.Errorf("item %d library paths: %w", it.ID, err)
		}
	}
	if aliases.Valid {
		if err := json.Unmarshal([]byte(aliases.String), &it.Aliases); err != nil {
			return nil, fmt.Errorf("item %d aliases: %w", it.ID, err)
		}
	}
	if activeInfohash.Valid && activeInfohash.String != "" {
		it.ActiveStream = &media.ActiveStream{
			Infohash:  activeInfohash.String,
			TorrentID: activeTorrentID.String,
		}
	}
	return &it, nil
}

func findByID(root *media.Item, id int64) *media.Item {
	if root.ID == id {
		return root
	}
	for _, c := range root.Children {
		if found := findByID(c, id); found != nil {
			return found
		}
	}
	return nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t.UTC(), Valid: !t.IsZero()}
}

func nullTimePtr(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

// nullJSON marshals v, returning NULL for nil or empty slices so the column
// stays clean for items that never used the field.
func nullJSON(v []string) (sql.NullString, error) {
	if len(v) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func aliasesJSON(a media.Aliases) (sql.NullString, error) {
	if len(a.W2PReleases) == 0 && a.W2PLastAttempt == nil && a.W2PAttemptCount == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(a)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}
