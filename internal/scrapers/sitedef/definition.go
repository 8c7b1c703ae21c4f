// Package sitedef implements a YAML-driven HTML scraper. Each definition
// file describes one site: where to search and which CSS selectors pull the
// release fields out of the result page.
package sitedef

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Definition is one parsed site-definition file.
type Definition struct {
	Name    string      `yaml:"name"`
	BaseURL string      `yaml:"base_url"`
	Search  SearchBlock `yaml:"search"`
}

// SearchBlock describes how to run a search and parse its result page.
// Path is a template; {query}, {season}, {episode}, and {imdbid} expand
// from the fingerprint.
type SearchBlock struct {
	Path   string           `yaml:"path"`
	Rows   string           `yaml:"rows"`
	Fields map[string]Field `yaml:"fields"`
}

// Field extracts one value from a result row: the text of the first
// element matching Selector, or the named attribute when Attribute is set.
// An empty selector addresses the row itself.
type Field struct {
	Selector  string `yaml:"selector"`
	Attribute string `yaml:"attribute"`
}

// Parse parses a site definition from YAML bytes and validates the parts
// the scraper cannot run without.
func Parse(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("failed to parse definition YAML: %w", err)
	}

	if def.Name == "" {
		return nil, fmt.Errorf("definition is missing a name")
	}
	if def.BaseURL == "" {
		return nil, fmt.Errorf("definition %q is missing base_url", def.Name)
	}
	if def.Search.Path == "" {
		return nil, fmt.Errorf("definition %q is missing search.path", def.Name)
	}
	if def.Search.Rows == "" {
		return nil, fmt.Errorf("definition %q is missing search.rows", def.Name)
	}
	if _, ok := def.Search.Fields["title"]; !ok {
		return nil, fmt.Errorf("definition %q is missing the title field", def.Name)
	}
	_, hasMagnet := def.Search.Fields["magnet"]
	_, hasInfohash := def.Search.Fields["infohash"]
	if !hasMagnet && !hasInfohash {
		return nil, fmt.Errorf("definition %q needs a magnet or infohash field", def.Name)
	}

	def.BaseURL = strings.TrimSuffix(def.BaseURL, "/")
	return &def, nil
}

// ParseFile parses a single definition file.
func ParseFile(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read definition file: %w", err)
	}
	return Parse(data)
}

// LoadDir parses every .yml/.yaml file in the directory. A missing
// directory yields no definitions rather than an error so the scraper can
// be enabled before any definitions are dropped in.
func LoadDir(dir string) ([]*Definition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read definitions dir: %w", err)
	}

	var defs []*Definition
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yml" && ext != ".yaml" {
			continue
		}
		def, err := ParseFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", entry.Name(), err)
		}
		defs = append(defs, def)
	}
	return defs, nil
}
