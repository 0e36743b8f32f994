// Package templates loads the YAML catalog of start templates and resolves
// template selections for new sessions.
package templates

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"appforge/pkg/logx"
	"appforge/pkg/proto"
)

// SeedFile is one file a template installs at bootstrap.
type SeedFile struct {
	Path     string `yaml:"path"`
	Contents string `yaml:"contents"`
}

// Manifest describes one selectable start template.
type Manifest struct {
	Name        string     `yaml:"name"`
	Description string     `yaml:"description"`
	Frameworks  []string   `yaml:"frameworks"`
	Default     bool       `yaml:"default"`
	Files       []SeedFile `yaml:"files"`
}

// Details projects the manifest onto the wire/state type.
func (m Manifest) Details() proto.TemplateDetails {
	out := proto.TemplateDetails{Name: m.Name}
	for _, f := range m.Files {
		out.Files = append(out.Files, proto.TemplateFile{Path: f.Path, Contents: f.Contents})
	}
	return out
}

// Catalog is the loaded template set.
type Catalog struct {
	byName      map[string]Manifest
	defaultName string
}

// Load reads every .yaml/.yml manifest in dir. Exactly one manifest may be
// marked default; with none marked, the lexicographically first name becomes
// the default.
func Load(dir string) (*Catalog, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read template dir: %w", err)
	}
	logger := logx.NewLogger("templates")

	catalog := &Catalog{byName: make(map[string]Manifest)}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}

		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read template %s: %w", entry.Name(), err)
		}
		var manifest Manifest
		if err := yaml.Unmarshal(data, &manifest); err != nil {
			return nil, fmt.Errorf("failed to parse template %s: %w", entry.Name(), err)
		}
		if err := validateManifest(&manifest); err != nil {
			return nil, fmt.Errorf("invalid template %s: %w", entry.Name(), err)
		}
		if _, dup := catalog.byName[manifest.Name]; dup {
			return nil, fmt.Errorf("duplicate template name %q", manifest.Name)
		}

		catalog.byName[manifest.Name] = manifest
		if manifest.Default {
			if catalog.defaultName != "" {
				return nil, fmt.Errorf("templates %q and %q both marked default", catalog.defaultName, manifest.Name)
			}
			catalog.defaultName = manifest.Name
		}
	}

	if len(catalog.byName) == 0 {
		return nil, fmt.Errorf("no template manifests in %s", dir)
	}
	if catalog.defaultName == "" {
		catalog.defaultName = catalog.Names()[0]
	}
	logger.Info("loaded %d templates, default %q", len(catalog.byName), catalog.defaultName)
	return catalog, nil
}

func validateManifest(m *Manifest) error {
	if m.Name == "" {
		return fmt.Errorf("template has no name")
	}
	if len(m.Files) == 0 {
		return fmt.Errorf("template %q has no seed files", m.Name)
	}
	seen := make(map[string]bool, len(m.Files))
	for _, f := range m.Files {
		if f.Path == "" {
			return fmt.Errorf("template %q has a file with no path", m.Name)
		}
		if seen[f.Path] {
			return fmt.Errorf("template %q repeats file %q", m.Name, f.Path)
		}
		seen[f.Path] = true
	}
	return nil
}

// Names lists template names sorted.
func (c *Catalog) Names() []string {
	out := make([]string, 0, len(c.byName))
	for name := range c.byName {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// DefaultName returns the catalog's default template name.
func (c *Catalog) DefaultName() string {
	return c.defaultName
}

// Get returns a template by exact name.
func (c *Catalog) Get(name string) (Manifest, error) {
	manifest, ok := c.byName[name]
	if !ok {
		return Manifest{}, fmt.Errorf("template %q not found", name)
	}
	return manifest, nil
}

// Resolve maps a request's selectedTemplate onto a manifest, falling back to
// the default when empty.
func (c *Catalog) Resolve(selected string) (Manifest, error) {
	if selected == "" {
		return c.Get(c.defaultName)
	}
	return c.Get(selected)
}
