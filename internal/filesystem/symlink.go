package filesystem

import (
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/rivenmedia/riven/internal/media"
)

// Linker is the symlink slice of a filesystem, held separately from afero.Fs
// because in-memory filesystems cannot create links.
type Linker interface {
	SymlinkIfPossible(oldname, newname string) error
	ReadlinkIfPossible(name string) (string, error)
}

// SymlinkProjector mirrors registered virtual paths as symlinks under a real
// library directory, each pointing at the same path below the VFS mount. It
// is a pure projection: it reads entry paths and writes links, and never
// writes back to entries.
type SymlinkProjector struct {
	fs     afero.Fs
	links  Linker
	root   string
	mount  string
	logger zerolog.Logger
}

// NewSymlinkProjector builds a projector rooted at root, linking into mount.
func NewSymlinkProjector(fs afero.Fs, links Linker, root, mount string, logger zerolog.Logger) *SymlinkProjector {
	return &SymlinkProjector{
		fs:     fs,
		links:  links,
		root:   filepath.Clean(root),
		mount:  filepath.Clean(mount),
		logger: logger.With().Str("component", "symlinks").Logger(),
	}
}

// NewOsSymlinkProjector projects onto the host filesystem.
func NewOsSymlinkProjector(root, mount string, logger zerolog.Logger) *SymlinkProjector {
	osFs := afero.NewOsFs()
	links, _ := osFs.(Linker)
	return NewSymlinkProjector(osFs, links, root, mount, logger)
}

// ProjectLeaf creates one symlink per registered virtual path of the leaf's
// entries. Existing links pointing elsewhere are re-pointed; regular files
// are never clobbered.
func (p *SymlinkProjector) ProjectLeaf(leaf *media.Item) {
	if p.links == nil {
		return
	}
	created := 0
	for _, entry := range leaf.FilesystemEntries {
		for _, vp := range entry.VFSPaths {
			rel := strings.TrimPrefix(vp, "/")
			target := filepath.Join(p.root, rel)
			source := filepath.Join(p.mount, rel)

			if err := p.fs.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				p.logger.Warn().Err(err).Str("path", target).Msg("cannot create library directory")
				continue
			}

			if existing, err := p.links.ReadlinkIfPossible(target); err == nil {
				if existing == source {
					continue
				}
				if err := p.fs.Remove(target); err != nil {
					p.logger.Warn().Err(err).Str("path", target).Msg("cannot replace stale link")
					continue
				}
			} else if _, statErr := p.fs.Stat(target); statErr == nil {
				p.logger.Debug().Str("path", target).Msg("library path occupied by a regular file, leaving it")
				continue
			}

			if err := p.links.SymlinkIfPossible(source, target); err != nil {
				p.logger.Warn().Err(err).Str("path", target).Msg("symlink failed")
				continue
			}
			created++
		}
	}
	if created > 0 {
		p.logger.Debug().Int64("item_id", leaf.ID).Int("links", created).Msg("library links created")
	}
}

// RemoveLeaf deletes the leaf's library links and prunes directories they
// leave empty. Only symlinks are removed; anything else under the library
// tree is not ours.
func (p *SymlinkProjector) RemoveLeaf(leaf *media.Item) {
	if p.links == nil {
		return
	}
	removed := 0
	for _, entry := range leaf.FilesystemEntries {
		for _, vp := range entry.VFSPaths {
			target := filepath.Join(p.root, strings.TrimPrefix(vp, "/"))
			if _, err := p.links.ReadlinkIfPossible(target); err != nil {
				continue
			}
			if err := p.fs.Remove(target); err != nil {
				p.logger.Warn().Err(err).Str("path", target).Msg("cannot remove link")
				continue
			}
			removed++
			p.pruneEmptyDirs(filepath.Dir(target))
		}
	}
	if removed > 0 {
		p.logger.Debug().Int64("item_id", leaf.ID).Int("links", removed).Msg("library links removed")
	}
}

// pruneEmptyDirs walks from dir up to the library root, removing directories
// as long as they are empty.
func (p *SymlinkProjector) pruneEmptyDirs(dir string) {
	for dir != p.root && strings.HasPrefix(dir, p.root+string(filepath.Separator)) {
		entries, err := afero.ReadDir(p.fs, dir)
		if err != nil || len(entries) > 0 {
			return
		}
		if err := p.fs.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}
