package prompts

import (
	"bytes"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"text/template"

	"gopkg.in/yaml.v3"
)

// Loader manages prompt templates with override support.
type Loader struct {
	overrideDirs []string // Directories to check for overrides (in priority order)
	cache        map[string]*template.Template
	metaCache    map[string]*TemplateMeta
	mu           sync.RWMutex
}

// TemplateMeta holds frontmatter metadata for templates.
type TemplateMeta struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

// NewLoader creates a loader with the given override directories.
// Directories are checked in order; first match wins.
func NewLoader(overrideDirs ...string) *Loader {
	return &Loader{
		overrideDirs: overrideDirs,
		cache:        make(map[string]*template.Template),
		metaCache:    make(map[string]*TemplateMeta),
	}
}

// DefaultLoader creates a loader with standard override paths:
// 1. Workspace-local: .duet/prompts/
// 2. User config: ~/.config/duet/prompts/
func DefaultLoader(workspaceRoot string) *Loader {
	home, _ := os.UserHomeDir()
	dirs := []string{}

	if workspaceRoot != "" {
		dirs = append(dirs, filepath.Join(workspaceRoot, ".duet", "prompts"))
	}
	dirs = append(dirs, filepath.Join(home, ".config", "duet", "prompts"))

	return NewLoader(dirs...)
}

// loadContent loads raw content from override dirs or embedded FS.
func (l *Loader) loadContent(path string) ([]byte, error) {
	for _, dir := range l.overrideDirs {
		fullPath := filepath.Join(dir, path)
		if data, err := os.ReadFile(fullPath); err == nil {
			return data, nil
		}
	}

	return fs.ReadFile(embeddedFS, path)
}

// parseFrontmatter splits content into frontmatter and body.
func parseFrontmatter(content []byte) (*TemplateMeta, string, error) {
	str := string(content)

	if !strings.HasPrefix(str, "---\n") {
		return nil, str, nil // No frontmatter
	}

	end := strings.Index(str[4:], "\n---\n")
	if end == -1 {
		return nil, str, nil // Malformed, treat as no frontmatter
	}

	frontmatter := str[4 : 4+end]
	body := str[4+end+5:] // Skip closing "---\n"

	var meta TemplateMeta
	if err := yaml.Unmarshal([]byte(frontmatter), &meta); err != nil {
		return nil, "", fmt.Errorf("parse frontmatter: %w", err)
	}

	return &meta, body, nil
}

// LoadTemplate loads and parses a template by path (e.g., "turn/manager_seed.md").
func (l *Loader) LoadTemplate(path string) (*template.Template, *TemplateMeta, error) {
	l.mu.RLock()
	if tmpl, ok := l.cache[path]; ok {
		meta := l.metaCache[path]
		l.mu.RUnlock()
		return tmpl, meta, nil
	}
	l.mu.RUnlock()

	content, err := l.loadContent(path)
	if err != nil {
		return nil, nil, fmt.Errorf("load %s: %w", path, err)
	}

	meta, body, err := parseFrontmatter(content)
	if err != nil {
		return nil, nil, fmt.Errorf("parse %s: %w", path, err)
	}

	tmpl, err := template.New(path).Parse(body)
	if err != nil {
		return nil, nil, fmt.Errorf("compile template %s: %w", path, err)
	}

	l.mu.Lock()
	l.cache[path] = tmpl
	l.metaCache[path] = meta
	l.mu.Unlock()

	return tmpl, meta, nil
}

// Execute loads and executes a template with the given data.
func (l *Loader) Execute(path string, data interface{}) (string, error) {
	tmpl, _, err := l.LoadTemplate(path)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("execute %s: %w", path, err)
	}

	return buf.String(), nil
}

// ClearCache clears the template cache (useful for development/testing).
func (l *Loader) ClearCache() {
	l.mu.Lock()
	l.cache = make(map[string]*template.Template)
	l.metaCache = make(map[string]*TemplateMeta)
	l.mu.Unlock()
}
