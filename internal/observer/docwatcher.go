// Package observer watches workspace plan/convention/requirements
// documents for edits so an operator changing the plan mid-run leaves a
// trace in the run's event log.
package observer

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/duetorch/duet/internal/domain"
)

// ChangeCallback receives the workspace id and the changed document
// paths after the debounce window closes
type ChangeCallback func(workspaceID string, files []string)

// DocWatcher monitors workspace documents for writes
type DocWatcher struct {
	watcher  *fsnotify.Watcher
	callback ChangeCallback
	debounce time.Duration

	mu sync.Mutex
	// byFile maps an absolute document path to its workspace
	byFile map[string]string
	// watched counts workspaces per watched directory so removing one
	// workspace does not drop a directory another still needs
	watched map[string]int
	dirs    map[string][]string // workspace id -> watched dirs

	pending map[string]map[string]struct{}
	timer   *time.Timer

	cancel context.CancelFunc
}

// New creates a watcher delivering debounced change sets to callback
func New(callback ChangeCallback) (*DocWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &DocWatcher{
		watcher:  watcher,
		callback: callback,
		debounce: 500 * time.Millisecond,
		byFile:   make(map[string]string),
		watched:  make(map[string]int),
		dirs:     make(map[string][]string),
		pending:  make(map[string]map[string]struct{}),
	}, nil
}

// AddWorkspace starts watching the workspace's configured documents.
// Documents that do not exist yet are still covered: the parent
// directory is watched, so a later create fires too.
func (w *DocWatcher) AddWorkspace(ws *domain.Workspace) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, exists := w.dirs[ws.ID]; exists {
		return nil
	}

	for _, p := range []string{ws.PlanPath, ws.ConventionPath, ws.RequirementsPath} {
		if p == "" {
			continue
		}
		if !filepath.IsAbs(p) {
			p = filepath.Join(ws.RootDir, p)
		}
		dir := filepath.Dir(p)
		if _, err := os.Stat(dir); err != nil {
			continue
		}
		if w.watched[dir] == 0 {
			if err := w.watcher.Add(dir); err != nil {
				continue
			}
		}
		w.watched[dir]++
		w.dirs[ws.ID] = append(w.dirs[ws.ID], dir)
		w.byFile[p] = ws.ID
	}
	if w.dirs[ws.ID] == nil {
		w.dirs[ws.ID] = []string{}
	}
	return nil
}

// RemoveWorkspace stops watching a workspace's documents
func (w *DocWatcher) RemoveWorkspace(workspaceID string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, dir := range w.dirs[workspaceID] {
		w.watched[dir]--
		if w.watched[dir] <= 0 {
			w.watcher.Remove(dir)
			delete(w.watched, dir)
		}
	}
	delete(w.dirs, workspaceID)
	for file, id := range w.byFile {
		if id == workspaceID {
			delete(w.byFile, file)
		}
	}
	delete(w.pending, workspaceID)
}

// Start begins delivering change events until ctx is cancelled
func (w *DocWatcher) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-w.watcher.Events:
				if !ok {
					return
				}
				w.handleEvent(event)
			case _, ok := <-w.watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()
}

// Stop stops the watcher
func (w *DocWatcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.watcher.Close()
}

// SetDebounce overrides the debounce window, mainly for tests
func (w *DocWatcher) SetDebounce(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.debounce = d
}

func (w *DocWatcher) handleEvent(event fsnotify.Event) {
	if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	wsID, tracked := w.byFile[event.Name]
	if !tracked {
		return
	}

	if w.pending[wsID] == nil {
		w.pending[wsID] = make(map[string]struct{})
	}
	w.pending[wsID][event.Name] = struct{}{}

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.flush)
}

func (w *DocWatcher) flush() {
	w.mu.Lock()
	pending := w.pending
	w.pending = make(map[string]map[string]struct{})
	w.mu.Unlock()

	if w.callback == nil {
		return
	}
	for wsID, fileSet := range pending {
		files := make([]string, 0, len(fileSet))
		for f := range fileSet {
			files = append(files, f)
		}
		if len(files) > 0 {
			w.callback(wsID, files)
		}
	}
}
