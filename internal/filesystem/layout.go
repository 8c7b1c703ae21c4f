package filesystem

import (
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/rivenmedia/riven/internal/media"
)

// Layout turns item metadata into the directory tree an entry is published
// under. The basename always stays the entry's original filename: the entry
// is the file identity, the tree around it is presentation.
type Layout struct {
	MoviesDir string
	ShowsDir  string
}

// DefaultLayout returns the standard movies/shows split.
func DefaultLayout() Layout {
	return Layout{MoviesDir: "movies", ShowsDir: "shows"}
}

// EntryPath derives the virtual path of one entry under one profile root.
// Paths are rooted, forward-slash and stable: deriving twice for the same
// inputs yields the same path.
func (l Layout) EntryPath(profileRoot string, leaf *media.Item, entry *media.MediaEntry) string {
	segments := []string{"/"}
	if profileRoot != "" {
		segments = append(segments, sanitizeName(profileRoot))
	}

	root := leaf.Root()
	switch leaf.Type {
	case media.TypeEpisode:
		segments = append(segments,
			l.ShowsDir,
			titleDir(root),
			fmt.Sprintf("Season %02d", leaf.SeasonNumber()),
		)
	default:
		segments = append(segments, l.MoviesDir, titleDir(root))
	}

	segments = append(segments, entryBasename(entry))
	return path.Join(segments...)
}

// titleDir builds the "Title (Year)" folder, degrading to the bare title and
// finally to the canonical identifier when metadata is thin.
func titleDir(root *media.Item) string {
	title := root.Title
	if title == "" {
		title = root.CanonicalID()
	}
	if title == "" {
		title = "unknown"
	}
	if root.Year > 0 {
		title = fmt.Sprintf("%s (%d)", title, root.Year)
	}
	return sanitizeName(title)
}

// entryBasename extracts the release filename, dropping any directory the
// torrent nested it under.
func entryBasename(entry *media.MediaEntry) string {
	name := strings.ReplaceAll(entry.OriginalFilename, "\\", "/")
	name = path.Base(name)
	if name == "." || name == "/" || name == "" {
		name = entry.Infohash
	}
	return sanitizeName(name)
}

var (
	invalidNameChars = regexp.MustCompile(`[<>"|?*]`)
	repeatedSpaces   = regexp.MustCompile(`\s+`)
	emptyParens      = regexp.MustCompile(`\s*\(\s*\)\s*`)
)

// sanitizeName strips characters that are invalid in directory entries on
// common filesystems. Colons become dashes so titles like "Alien: Romulus"
// keep their shape.
func sanitizeName(name string) string {
	name = strings.ReplaceAll(name, ":", " -")
	name = strings.ReplaceAll(name, "/", " ")
	name = strings.ReplaceAll(name, "\\", " ")
	name = invalidNameChars.ReplaceAllString(name, "")
	name = repeatedSpaces.ReplaceAllString(name, " ")
	name = emptyParens.ReplaceAllString(name, "")
	return strings.TrimSpace(name)
}
