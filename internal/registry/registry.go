// Package registry implements the three parallel catalogs the pipeline
// describes — prompts, tools, and roles — as one generic, directory-
// persisted CRUD store. Each entry is a YAML spec file under the
// registry's directory plus a manifest.json index; a validation step
// runs on load, and a caller-supplied safety predicate can reject unsafe
// entries at Register/Update time (used by the tools registry alone).
package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"autodev/internal/pipelog"

	"gopkg.in/yaml.v3"
)

// Entry is anything a registry can hold: a named, versioned spec blob.
type Entry struct {
	Name        string         `yaml:"name"`
	Kind        string         `yaml:"kind"` // "prompt", "tool", "role"
	Description string         `yaml:"description"`
	Spec        map[string]any `yaml:"spec"`
	Version     int            `yaml:"version"`
	CreatedAt   time.Time      `yaml:"created_at"`
	UpdatedAt   time.Time      `yaml:"updated_at"`
}

// Validator checks an entry before it is accepted into the registry.
// The tools registry plugs in a shell-metacharacter/filesystem-escape
// check here; prompts and roles registries use a no-op.
type Validator func(Entry) error

// Stats is the statistics view every registry exposes.
type Stats struct {
	Count       int            `json:"count"`
	ByKind      map[string]int `json:"by_kind"`
	LastUpdated time.Time      `json:"last_updated"`
}

// Registry is a CRUD catalog persisted as <dir>/<name>.yaml entries plus
// <dir>/manifest.json.
type Registry struct {
	mu        sync.RWMutex
	dir       string
	entries   map[string]*Entry
	validator Validator
	log       *pipelog.Logger
}

type manifest struct {
	Names []string `json:"names"`
}

// Open loads (or creates) a registry rooted at dir. validator may be nil,
// in which case every entry is accepted unconditionally.
func Open(dir string, validator Validator) (*Registry, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("registry: mkdir %s: %w", dir, err)
	}
	if validator == nil {
		validator = func(Entry) error { return nil }
	}
	r := &Registry{
		dir:       dir,
		entries:   make(map[string]*Entry),
		validator: validator,
		log:       pipelog.Get(pipelog.CategoryRegistry),
	}
	if err := r.loadAll(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) loadAll() error {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return fmt.Errorf("registry: readdir: %w", err)
	}
	for _, de := range entries {
		if de.IsDir() || filepath.Ext(de.Name()) != ".yaml" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(r.dir, de.Name()))
		if err != nil {
			return fmt.Errorf("registry: read %s: %w", de.Name(), err)
		}
		var e Entry
		if err := yaml.Unmarshal(data, &e); err != nil {
			r.log.Warn("skipping malformed entry %s: %v", de.Name(), err)
			continue
		}
		if err := r.validator(e); err != nil {
			r.log.Warn("skipping entry %s failing validation on load: %v", e.Name, err)
			continue
		}
		r.entries[e.Name] = &e
	}
	return nil
}

func (r *Registry) entryPath(name string) string {
	return filepath.Join(r.dir, name+".yaml")
}

func (r *Registry) persist(e *Entry) error {
	data, err := yaml.Marshal(e)
	if err != nil {
		return fmt.Errorf("registry: marshal %s: %w", e.Name, err)
	}
	if err := os.WriteFile(r.entryPath(e.Name), data, 0644); err != nil {
		return fmt.Errorf("registry: write %s: %w", e.Name, err)
	}
	return r.writeManifest()
}

// writeManifest rewrites manifest.json, a convenience index of entry
// names so an external reader can enumerate a registry without parsing
// every YAML file. The entry file is the source of truth; a manifest
// write failure is surfaced but does not roll back the entry already
// persisted.
func (r *Registry) writeManifest() error {
	names := make([]string, 0, len(r.entries))
	for n := range r.entries {
		names = append(names, n)
	}
	sort.Strings(names)

	data, err := json.MarshalIndent(manifest{Names: names}, "", "  ")
	if err != nil {
		return fmt.Errorf("registry: marshal manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(r.dir, "manifest.json"), data, 0644); err != nil {
		return fmt.Errorf("registry: write manifest: %w", err)
	}
	return nil
}

// Register adds a new entry. Returns an error if name already exists or
// the entry fails validation.
func (r *Registry) Register(e Entry) error {
	if err := r.validator(e); err != nil {
		return fmt.Errorf("registry: validation failed for %s: %w", e.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[e.Name]; exists {
		return fmt.Errorf("registry: %s already registered", e.Name)
	}

	e.Version = 1
	e.CreatedAt = time.Now()
	e.UpdatedAt = e.CreatedAt
	r.entries[e.Name] = &e
	if err := r.persist(&e); err != nil {
		delete(r.entries, e.Name)
		return err
	}
	r.log.Info("registered %s (kind=%s)", e.Name, e.Kind)
	return nil
}

// Get returns an entry by name, or nil if not found.
func (r *Registry) Get(name string) *Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[name]
}

// List returns all entries, optionally filtered to a kind ("" = all).
func (r *Registry) List(kind string) []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		if kind == "" || e.Kind == kind {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Search does a naive substring match over name and description, the
// minimum viable search surface without pulling in a
// full-text index for what is typically a few hundred entries at most.
func (r *Registry) Search(query string) []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Entry
	for _, e := range r.entries {
		if containsFold(e.Name, query) || containsFold(e.Description, query) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Update replaces an existing entry's spec/description, bumping its
// version, and re-validates it.
func (r *Registry) Update(name string, mutate func(*Entry)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[name]
	if !ok {
		return fmt.Errorf("registry: %s not found", name)
	}

	updated := *e
	mutate(&updated)
	if err := r.validator(updated); err != nil {
		return fmt.Errorf("registry: validation failed for %s: %w", name, err)
	}

	updated.Version++
	updated.UpdatedAt = time.Now()
	if err := r.persist(&updated); err != nil {
		return err
	}
	r.entries[name] = &updated
	return nil
}

// Delete removes an entry, both in memory and on disk.
func (r *Registry) Delete(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[name]; !ok {
		return fmt.Errorf("registry: %s not found", name)
	}
	if err := os.Remove(r.entryPath(name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("registry: delete %s: %w", name, err)
	}
	delete(r.entries, name)
	return r.writeManifest()
}

// Stats returns the statistics view.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := Stats{ByKind: make(map[string]int)}
	for _, e := range r.entries {
		s.Count++
		s.ByKind[e.Kind]++
		if e.UpdatedAt.After(s.LastUpdated) {
			s.LastUpdated = e.UpdatedAt
		}
	}
	return s
}

func containsFold(haystack, needle string) bool {
	if needle == "" {
		return true
	}
	hl, nl := []rune(toLower(haystack)), []rune(toLower(needle))
	if len(nl) > len(hl) {
		return false
	}
	for i := 0; i+len(nl) <= len(hl); i++ {
		match := true
		for j := range nl {
			if hl[i+j] != nl[j] {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

func toLower(s string) string {
	b := []rune(s)
	for i, r := range b {
		if r >= 'A' && r <= 'Z' {
			b[i] = r + ('a' - 'A')
		}
	}
	return string(b)
}
