// Package profile holds ranking-profile configuration and the path-based
// profile resolution used to decide which library layouts an item
// materializes into.
package profile

import (
	"sort"
	"strings"

	"github.com/rivenmedia/riven/internal/config"
)

// Profile is one named ranking configuration.
type Profile struct {
	Name             string
	KeepVersions     int
	BucketLimit      int
	RemoveAllTrash   bool
	ExcludeLanguages []string
	DubbedAnimeOnly  bool
	PreferredQuality []string
}

// Set is the immutable collection of profiles plus the path bindings that
// select them. Built once from config at startup.
type Set struct {
	profiles       map[string]*Profile
	pathProfiles   map[string]string
	defaultProfile string
	keepVersions   int
	// prefixes sorted longest-first for the prefix lookup
	prefixes []string
}

// NewSet builds the profile set from configuration. Unknown names in
// path_profiles resolve to the default profile at lookup time rather than
// failing, matching the forgiving behavior the pipeline needs at boot.
func NewSet(cfg config.ProfilesConfig) *Set {
	s := &Set{
		profiles:       make(map[string]*Profile, len(cfg.Definitions)+1),
		pathProfiles:   make(map[string]string, len(cfg.PathProfiles)),
		defaultProfile: cfg.DefaultProfile,
		keepVersions:   cfg.KeepVersions,
	}
	if s.defaultProfile == "" {
		s.defaultProfile = "default"
	}
	if s.keepVersions < 1 {
		s.keepVersions = 1
	}

	for name, def := range cfg.Definitions {
		p := &Profile{
			Name:             name,
			KeepVersions:     def.KeepVersions,
			BucketLimit:      def.BucketLimit,
			RemoveAllTrash:   def.RemoveAllTrash,
			ExcludeLanguages: def.ExcludeLanguages,
			DubbedAnimeOnly:  def.DubbedAnimeOnly,
			PreferredQuality: def.PreferredQuality,
		}
		if p.BucketLimit < 1 {
			p.BucketLimit = 20
		}
		s.profiles[name] = p
	}
	// The default profile always exists.
	if _, ok := s.profiles[s.defaultProfile]; !ok {
		s.profiles[s.defaultProfile] = &Profile{Name: s.defaultProfile, BucketLimit: 20}
	}

	for path, name := range cfg.PathProfiles {
		clean := strings.TrimRight(path, "/")
		s.pathProfiles[clean] = name
		s.prefixes = append(s.prefixes, clean)
	}
	sort.Slice(s.prefixes, func(a, b int) bool { return len(s.prefixes[a]) > len(s.prefixes[b]) })

	return s
}

// Default returns the fallback profile.
func (s *Set) Default() *Profile {
	return s.profiles[s.defaultProfile]
}

// Get returns the named profile, falling back to the default for unknown
// names.
func (s *Set) Get(name string) *Profile {
	if p, ok := s.profiles[name]; ok {
		return p
	}
	return s.Default()
}

// ForPath resolves a library path to a profile via longest-prefix match over
// the configured path bindings; unmatched paths get the default profile.
func (s *Set) ForPath(path string) *Profile {
	clean := strings.TrimRight(path, "/")
	for _, prefix := range s.prefixes {
		if clean == prefix || strings.HasPrefix(clean, prefix+"/") {
			return s.Get(s.pathProfiles[prefix])
		}
	}
	return s.Default()
}

// ForItemPaths resolves the ordered, de-duplicated profile list for an
// item's target library paths. An empty path list yields the default
// profile alone.
func (s *Set) ForItemPaths(paths []string) []*Profile {
	if len(paths) == 0 {
		return []*Profile{s.Default()}
	}
	var out []*Profile
	seen := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		prof := s.ForPath(p)
		if _, dup := seen[prof.Name]; dup {
			continue
		}
		seen[prof.Name] = struct{}{}
		out = append(out, prof)
	}
	return out
}

// KeepVersions returns the per-profile retention cap with the global
// fallback.
func (s *Set) KeepVersions(profileName string) int {
	if p, ok := s.profiles[profileName]; ok && p.KeepVersions > 0 {
		return p.KeepVersions
	}
	return s.keepVersions
}

// Names returns all profile names, default first, others sorted.
func (s *Set) Names() []string {
	names := make([]string, 0, len(s.profiles))
	for name := range s.profiles {
		if name != s.defaultProfile {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return append([]string{s.defaultProfile}, names...)
}
