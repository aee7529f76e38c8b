package observer

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/duetorch/duet/internal/domain"
)

type recorder struct {
	mu      sync.Mutex
	changes map[string][]string
}

func (r *recorder) callback(workspaceID string, files []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes[workspaceID] = append(r.changes[workspaceID], files...)
}

func (r *recorder) filesFor(workspaceID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.changes[workspaceID]...)
}

func newWatcher(t *testing.T) (*DocWatcher, *recorder) {
	t.Helper()
	rec := &recorder{changes: make(map[string][]string)}
	w, err := New(rec.callback)
	if err != nil {
		t.Fatal(err)
	}
	w.SetDebounce(50 * time.Millisecond)
	t.Cleanup(w.Stop)
	return w, rec
}

func waitForChange(t *testing.T, rec *recorder, workspaceID, wantFile string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		for _, f := range rec.filesFor(workspaceID) {
			if f == wantFile {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("change to %s never delivered, got %v", wantFile, rec.filesFor(workspaceID))
}

func TestDocWatcher_DetectsPlanEdit(t *testing.T) {
	w, rec := newWatcher(t)
	root := t.TempDir()
	planPath := filepath.Join(root, "PLAN.md")
	if err := os.WriteFile(planPath, []byte("v1"), 0o644); err != nil {
		t.Fatal(err)
	}

	ws := &domain.Workspace{ID: "ws-1", RootDir: root, PlanPath: "PLAN.md"}
	if err := w.AddWorkspace(ws); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)

	if err := os.WriteFile(planPath, []byte("v2"), 0o644); err != nil {
		t.Fatal(err)
	}
	waitForChange(t, rec, "ws-1", planPath)
}

func TestDocWatcher_DetectsLateCreate(t *testing.T) {
	w, rec := newWatcher(t)
	root := t.TempDir()

	// The document does not exist yet; watching its parent covers the
	// later create
	ws := &domain.Workspace{ID: "ws-1", RootDir: root, ConventionPath: "CONVENTIONS.md"}
	if err := w.AddWorkspace(ws); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)

	path := filepath.Join(root, "CONVENTIONS.md")
	if err := os.WriteFile(path, []byte("rules"), 0o644); err != nil {
		t.Fatal(err)
	}
	waitForChange(t, rec, "ws-1", path)
}

func TestDocWatcher_IgnoresUntrackedFiles(t *testing.T) {
	w, rec := newWatcher(t)
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "PLAN.md"), []byte("v1"), 0o644); err != nil {
		t.Fatal(err)
	}

	ws := &domain.Workspace{ID: "ws-1", RootDir: root, PlanPath: "PLAN.md"}
	if err := w.AddWorkspace(ws); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)

	if err := os.WriteFile(filepath.Join(root, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	time.Sleep(200 * time.Millisecond)
	if got := rec.filesFor("ws-1"); len(got) != 0 {
		t.Errorf("untracked file delivered: %v", got)
	}
}

func TestDocWatcher_RemoveWorkspaceStopsDelivery(t *testing.T) {
	w, rec := newWatcher(t)
	root := t.TempDir()
	planPath := filepath.Join(root, "PLAN.md")
	if err := os.WriteFile(planPath, []byte("v1"), 0o644); err != nil {
		t.Fatal(err)
	}

	ws := &domain.Workspace{ID: "ws-1", RootDir: root, PlanPath: "PLAN.md"}
	if err := w.AddWorkspace(ws); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)

	w.RemoveWorkspace("ws-1")

	if err := os.WriteFile(planPath, []byte("v2"), 0o644); err != nil {
		t.Fatal(err)
	}
	time.Sleep(200 * time.Millisecond)
	if got := rec.filesFor("ws-1"); len(got) != 0 {
		t.Errorf("removed workspace still delivered: %v", got)
	}
}
