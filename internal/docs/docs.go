// Package docs loads workspace plan/convention/requirements documents.
// Loaders are best-effort with a fixed fallback chain: the workspace's
// configured file, then a bundled default, then an explicit missing
// marker. They never fail on a missing optional file.
package docs

import (
	_ "embed"
	"os"
	"path/filepath"
	"strings"

	"github.com/duetorch/duet/internal/domain"
)

//go:embed defaults/plan.md
var defaultPlan string

//go:embed defaults/conventions.md
var defaultConventions string

// Missing markers make an absent document visible in the prompt instead
// of silently shrinking it
const (
	MissingPlan         = "(no plan document found)"
	MissingConventions  = "(no conventions document found)"
	MissingRequirements = "(no requirements document found)"
	MissingRollover     = "(no rollover summary found)"
)

// LoadPlan returns the workspace plan text
func LoadPlan(ws *domain.Workspace) string {
	return load(ws, ws.PlanPath, defaultPlan, MissingPlan)
}

// LoadConventions returns the workspace conventions text
func LoadConventions(ws *domain.Workspace) string {
	return load(ws, ws.ConventionPath, defaultConventions, MissingConventions)
}

// LoadRequirements returns the workspace requirements text; there is no
// bundled default for requirements
func LoadRequirements(ws *domain.Workspace) string {
	return load(ws, ws.RequirementsPath, "", MissingRequirements)
}

// LoadRollover reads a rollover summary document by path
func LoadRollover(ws *domain.Workspace, path string) string {
	return load(ws, path, "", MissingRollover)
}

func load(ws *domain.Workspace, path, fallback, missing string) string {
	if path != "" {
		full := path
		if !filepath.IsAbs(full) {
			full = filepath.Join(ws.RootDir, full)
		}
		if inRoot(ws.RootDir, full) {
			if data, err := os.ReadFile(full); err == nil {
				return strings.TrimSpace(string(data))
			}
		}
	}
	if fallback != "" {
		return strings.TrimSpace(fallback)
	}
	return missing
}

// inRoot reports whether path resolves inside the workspace root
func inRoot(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
