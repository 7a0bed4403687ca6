// Package docbus implements the Document IPC layer: markdown mailboxes
// paired per phase (<PHASE>_READ / <PHASE>_WRITE) plus shared strategic
// documents (architecture, plan, objective tiers, architecture status,
// change log, alerts). Documents live as plain markdown files with
// stable section headings so any external reader can open one directly.
package docbus

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"autodev/internal/pipelog"

	"github.com/fsnotify/fsnotify"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// Kind distinguishes the two mailbox roles from the shared strategic
// documents owned by Planning.
type Kind string

const (
	KindRead      Kind = "read"  // <PHASE>_READ inbox, other phases may append
	KindWrite     Kind = "write" // <PHASE>_WRITE status, only the phase itself writes
	KindStrategic Kind = "strategic"
)

// Name of a well-known shared strategic document.
// Documents live at the project root as plain markdown so a human can
// open MASTER_PLAN.md directly.
const (
	DocArchitecture        = "ARCHITECTURE"
	DocPlan                = "MASTER_PLAN"
	DocPrimaryObjectives   = "PRIMARY_OBJECTIVES"
	DocSecondaryObjectives = "SECONDARY_OBJECTIVES"
	DocTertiaryObjectives  = "TERTIARY_OBJECTIVES"
	DocArchitectureStatus  = "ARCHITECTURE_STATUS"
	DocChangeLog           = "ARCHITECTURE_CHANGES"
	DocAlerts              = "ARCHITECTURE_ALERTS"
)

// ReadName/WriteName build the canonical mailbox document name for a
// phase; names are uppercased so the files read as PLANNING_READ.md.
func ReadName(phase string) string  { return strings.ToUpper(phase) + "_READ" }
func WriteName(phase string) string { return strings.ToUpper(phase) + "_WRITE" }

// docState is the in-memory cache entry for one document.
type docState struct {
	content []byte
	modTime time.Time
}

// Bus owns every IPC document at the workspace root and serializes
// writes per file so concurrent phases never interleave.
type Bus struct {
	mu        sync.Mutex
	dir       string
	locks     map[string]*sync.Mutex
	cache     map[string]*docState
	watcher   *fsnotify.Watcher
	log       *pipelog.Logger
	templates map[string]string
}

// New constructs a Bus rooted at workspace, creating the docs directory
// and starting an fsnotify watch so externally edited files invalidate
// the in-memory cache.
func New(workspace string) (*Bus, error) {
	dir := workspace
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("docbus: mkdir: %w", err)
	}

	b := &Bus{
		dir:       dir,
		locks:     make(map[string]*sync.Mutex),
		cache:     make(map[string]*docState),
		log:       pipelog.Get(pipelog.CategoryDocBus),
		templates: defaultTemplates(),
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("docbus: new watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("docbus: watch dir: %w", err)
	}
	b.watcher = watcher
	go b.watchLoop()

	return b, nil
}

func (b *Bus) watchLoop() {
	for {
		select {
		case event, ok := <-b.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				name := docNameFromPath(event.Name)
				b.mu.Lock()
				delete(b.cache, name)
				b.mu.Unlock()
				b.log.Debug("invalidated cached document %s after external %s", name, event.Op)
			}
		case err, ok := <-b.watcher.Errors:
			if !ok {
				return
			}
			b.log.Warn("watcher error: %v", err)
		}
	}
}

func docNameFromPath(path string) string {
	base := filepath.Base(path)
	return base[:len(base)-len(filepath.Ext(base))]
}

// Close stops the background watcher.
func (b *Bus) Close() error {
	if b.watcher == nil {
		return nil
	}
	return b.watcher.Close()
}

func (b *Bus) path(name string) string {
	return filepath.Join(b.dir, name+".md")
}

func (b *Bus) lockFor(name string) *sync.Mutex {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.locks[name]
	if !ok {
		l = &sync.Mutex{}
		b.locks[name] = l
	}
	return l
}

// Read returns a document's full markdown content, creating it from a
// template on first access if it does not yet exist.
func (b *Bus) Read(name string) ([]byte, error) {
	l := b.lockFor(name)
	l.Lock()
	defer l.Unlock()
	return b.readLocked(name)
}

// readLocked is Read for a caller already holding name's document lock.
func (b *Bus) readLocked(name string) ([]byte, error) {
	b.mu.Lock()
	if cached, ok := b.cache[name]; ok {
		b.mu.Unlock()
		return cached.content, nil
	}
	b.mu.Unlock()

	data, err := os.ReadFile(b.path(name))
	if err != nil {
		if os.IsNotExist(err) {
			data = []byte(b.templateFor(name))
			if werr := os.WriteFile(b.path(name), data, 0644); werr != nil {
				return nil, fmt.Errorf("docbus: create %s from template: %w", name, werr)
			}
		} else {
			return nil, fmt.Errorf("docbus: read %s: %w", name, err)
		}
	}

	b.mu.Lock()
	b.cache[name] = &docState{content: data, modTime: time.Now()}
	b.mu.Unlock()
	return data, nil
}

func (b *Bus) templateFor(name string) string {
	if t, ok := b.templates[name]; ok {
		return t
	}
	return fmt.Sprintf("# %s\n\n", name)
}

// AppendSection appends content under a heading named section, creating
// the heading at the end of the document if it is not already present.
// Used when a phase writes to another phase's _READ inbox rather than
// replacing the owner's own status sections.
func (b *Bus) AppendSection(name, section, content string) error {
	return b.mutate(name, func(doc []byte) []byte {
		sections := parseSections(doc)
		for i, sec := range sections {
			if sec.heading == section {
				sections[i].body = append(sections[i].body, []byte(content)...)
				if len(sections[i].body) == 0 || sections[i].body[len(sections[i].body)-1] != '\n' {
					sections[i].body = append(sections[i].body, '\n')
				}
				return renderSections(sections)
			}
		}
		sections = append(sections, section_{heading: section, level: 2, body: []byte(content + "\n")})
		return renderSections(sections)
	})
}

// ReplaceSection replaces the body of section with content verbatim,
// creating the heading if absent. Used when a phase writes its own
// _WRITE status document.
func (b *Bus) ReplaceSection(name, section, content string) error {
	return b.mutate(name, func(doc []byte) []byte {
		sections := parseSections(doc)
		for i, sec := range sections {
			if sec.heading == section {
				body := content
				if len(body) == 0 || body[len(body)-1] != '\n' {
					body += "\n"
				}
				sections[i].body = []byte(body)
				return renderSections(sections)
			}
		}
		body := content
		if len(body) == 0 || body[len(body)-1] != '\n' {
			body += "\n"
		}
		sections = append(sections, section_{heading: section, level: 2, body: []byte(body)})
		return renderSections(sections)
	})
}

// Section returns the current body text of a named heading, or ("", false)
// if the heading is absent. Malformed markdown is tolerated: a document
// that goldmark cannot fully parse into clean headings still yields
// whatever sections it can recognize.
func (b *Bus) Section(name, section string) (string, bool) {
	doc, err := b.Read(name)
	if err != nil {
		return "", false
	}
	for _, sec := range parseSections(doc) {
		if sec.heading == section {
			return string(sec.body), true
		}
	}
	return "", false
}

func (b *Bus) mutate(name string, fn func([]byte) []byte) error {
	l := b.lockFor(name)
	l.Lock()
	defer l.Unlock()

	current, err := b.readLocked(name)
	if err != nil {
		return err
	}
	next := fn(current)

	if err := os.WriteFile(b.path(name), next, 0644); err != nil {
		return fmt.Errorf("docbus: write %s: %w", name, err)
	}

	b.mu.Lock()
	b.cache[name] = &docState{content: next, modTime: time.Now()}
	b.mu.Unlock()
	return nil
}

// section_ is one heading plus its raw body bytes (including the
// trailing blank line before the next heading, if any).
type section_ struct {
	heading string
	level   int
	body    []byte
}

// parseSections walks the goldmark AST to find top-level heading
// boundaries, then slices the raw source between them. Headings that
// goldmark cannot recognize (malformed markdown) simply do not appear as
// section boundaries; their text is folded into whichever section
// precedes them, so a malformed heading degrades the document instead
// of failing the read.
func parseSections(doc []byte) []section_ {
	reader := text.NewReader(doc)
	root := goldmark.New().Parser().Parse(reader)

	type bound struct {
		heading string
		level   int
		start   int
	}
	var bounds []bound

	for n := root.FirstChild(); n != nil; n = n.NextSibling() {
		h, ok := n.(*ast.Heading)
		if !ok {
			continue
		}
		lines := h.Lines()
		if lines.Len() == 0 {
			continue
		}
		start := lines.At(0).Start
		bounds = append(bounds, bound{heading: headingText(h, doc), level: h.Level, start: start})
	}

	if len(bounds) == 0 {
		return nil
	}

	sections := make([]section_, 0, len(bounds))
	for i, b := range bounds {
		end := len(doc)
		if i+1 < len(bounds) {
			end = bounds[i+1].start
		}
		// Skip past the heading line itself to capture only the body.
		bodyStart := b.start
		if nl := bytes.IndexByte(doc[bodyStart:end], '\n'); nl >= 0 {
			bodyStart += nl + 1
		} else {
			bodyStart = end
		}
		sections = append(sections, section_{heading: b.heading, level: b.level, body: doc[bodyStart:end]})
	}
	return sections
}

func headingText(h *ast.Heading, source []byte) string {
	var buf bytes.Buffer
	for c := h.FirstChild(); c != nil; c = c.NextSibling() {
		if seg, ok := c.(*ast.Text); ok {
			buf.Write(seg.Segment.Value(source))
		}
	}
	return buf.String()
}

func renderSections(sections []section_) []byte {
	var buf bytes.Buffer
	for _, sec := range sections {
		buf.WriteString(fmt.Sprintf("%s %s\n", hashes(sec.level), sec.heading))
		buf.Write(sec.body)
		if len(sec.body) == 0 || sec.body[len(sec.body)-1] != '\n' {
			buf.WriteByte('\n')
		}
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

func hashes(level int) string {
	if level <= 0 {
		level = 2
	}
	b := make([]byte, level)
	for i := range b {
		b[i] = '#'
	}
	return string(b)
}
