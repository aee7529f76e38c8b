// Package digest produces a bounded textual snapshot of a repository:
// directory tree, VCS status and diff stat. Delta mode omits the tree
// for cheaper follow-up turns.
package digest

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/duetorch/duet/internal/gitx"
)

const (
	// DefaultMaxBytes bounds a digest so it cannot blow up a prompt
	DefaultMaxBytes = 16 * 1024
	maxTreeEntries  = 400
	maxTreeDepth    = 4
)

var skipDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	"vendor":       true,
	".duet":        true,
}

// Generate returns a digest of dir. With delta set, only the VCS status
// and diff stat are included.
func Generate(ctx context.Context, dir string, delta bool, maxBytes int) string {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}

	var b strings.Builder

	if !delta {
		b.WriteString("### Tree\n")
		b.WriteString(tree(dir))
		b.WriteString("\n")
	}

	if status, err := gitx.StatusPorcelain(ctx, dir); err == nil {
		b.WriteString("### Status\n")
		if status == "" {
			b.WriteString("clean\n")
		} else {
			b.WriteString(status + "\n")
		}
	}

	if stat := gitx.DiffStat(ctx, dir); stat != "" {
		b.WriteString("### Diff stat\n")
		b.WriteString(stat + "\n")
	}

	out := b.String()
	if len(out) > maxBytes {
		// Back up to a rune boundary so the cut never leaves invalid UTF-8
		cut := maxBytes
		for cut > 0 && !utf8.RuneStart(out[cut]) {
			cut--
		}
		out = out[:cut] + "\n[digest truncated]\n"
	}
	return out
}

func tree(dir string) string {
	var b strings.Builder
	entries := 0

	filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil || rel == "." {
			return nil
		}
		if d.IsDir() && skipDirs[d.Name()] {
			return filepath.SkipDir
		}
		depth := strings.Count(rel, string(filepath.Separator))
		if depth >= maxTreeDepth {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		entries++
		if entries > maxTreeEntries {
			return filepath.SkipAll
		}
		indent := strings.Repeat("  ", depth)
		if d.IsDir() {
			fmt.Fprintf(&b, "%s%s/\n", indent, d.Name())
		} else {
			fmt.Fprintf(&b, "%s%s\n", indent, d.Name())
		}
		return nil
	})

	if entries > maxTreeEntries {
		b.WriteString("[tree truncated]\n")
	}
	return b.String()
}
