package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"
)

// ManifestFile is the file name of an app manifest inside an app
// directory.
const ManifestFile = "app.yaml"

// Manifest describes a user-authored app.
type Manifest struct {
	// Name is the display name; defaults to the app directory basename.
	Name string `yaml:"name"`
	// Entry is the script the bootstrap runs, relative to the app dir.
	Entry string `yaml:"entry"`
	// Description is free-form.
	Description string `yaml:"description"`
	// Surfaces lists static surface ids the app renders into.
	Surfaces []string `yaml:"surfaces"`

	// Dir is the app directory; set during discovery, not parsed.
	Dir string `yaml:"-"`
}

// EntryPath returns the absolute path of the app's entry script.
func (m *Manifest) EntryPath() string {
	return filepath.Join(m.Dir, m.Entry)
}

// LoadManifest reads and validates a single app manifest.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest %s: %w", path, err)
	}
	if m.Entry == "" {
		return nil, fmt.Errorf("manifest %s: missing entry", path)
	}

	m.Dir = filepath.Dir(path)
	if m.Name == "" {
		m.Name = filepath.Base(m.Dir)
	}
	return &m, nil
}

// DiscoverApps finds app manifests under the configured search paths.
// Each search path is a glob pattern matching app directories; doublestar
// patterns (e.g. "~/apps/**") are supported. Broken manifests are
// skipped, not fatal.
func DiscoverApps(searchPaths []string) ([]*Manifest, error) {
	seen := make(map[string]bool)
	var apps []*Manifest

	for _, pattern := range searchPaths {
		dirs, err := doublestar.FilepathGlob(pattern)
		if err != nil {
			return nil, fmt.Errorf("bad search pattern %q: %w", pattern, err)
		}
		for _, dir := range dirs {
			fi, err := os.Stat(dir)
			if err != nil || !fi.IsDir() {
				continue
			}
			path := filepath.Join(dir, ManifestFile)
			if seen[path] {
				continue
			}
			seen[path] = true

			m, err := LoadManifest(path)
			if err != nil {
				continue
			}
			apps = append(apps, m)
		}
	}

	sort.Slice(apps, func(i, j int) bool { return apps[i].Name < apps[j].Name })
	return apps, nil
}
