// Package orchestrator schedules manager/executor runs and drives each
// active run's turn loop. At most one run is active per workspace and a
// global ceiling bounds concurrency; admission is checked atomically so
// racing starts cannot both win.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/duetorch/duet/internal/domain"
	"github.com/duetorch/duet/internal/hub"
	"github.com/duetorch/duet/internal/notify"
	"github.com/duetorch/duet/internal/prompts"
	"github.com/duetorch/duet/internal/store"
)

// Admission errors, checked in this order
var (
	ErrRunTerminal   = errors.New("run is in a terminal state")
	ErrRunActive     = errors.New("run is already active")
	ErrWorkspaceBusy = errors.New("workspace already has an active run")
	ErrTooManyRuns   = errors.New("concurrent run limit reached")

	ErrRunNotActive = errors.New("run is not active")
)

// Options configure the scheduler
type Options struct {
	ArtifactDir        string
	MaxConcurrent      int
	DefaultMaxTurns    int
	DefaultTurnTimeout time.Duration
}

// Scheduler is the single authority over which runs are active
type Scheduler struct {
	store    *store.Store
	hub      *hub.Hub
	loader   *prompts.Loader
	notifier notify.Notifier
	opts     Options

	mu          sync.Mutex
	controllers map[string]*controller
	byWorkspace map[string]string // workspace id -> run id holding the slot
}

// New creates a scheduler
func New(st *store.Store, h *hub.Hub, loader *prompts.Loader, notifier notify.Notifier, opts Options) *Scheduler {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 3
	}
	if opts.DefaultMaxTurns <= 0 {
		opts.DefaultMaxTurns = 30
	}
	if notifier == nil {
		notifier = notify.NoopNotifier{}
	}
	return &Scheduler{
		store:       st,
		hub:         h,
		loader:      loader,
		notifier:    notifier,
		opts:        opts,
		controllers: make(map[string]*controller),
		byWorkspace: make(map[string]string),
	}
}

// CreateRun validates the session pair and inserts an idle run
func (s *Scheduler) CreateRun(workspaceID, managerSessionID, executorSessionID string, opts domain.RunOptions) (*domain.Run, error) {
	mgr, err := s.store.GetSession(managerSessionID)
	if err != nil {
		return nil, fmt.Errorf("manager session: %w", err)
	}
	exe, err := s.store.GetSession(executorSessionID)
	if err != nil {
		return nil, fmt.Errorf("executor session: %w", err)
	}
	if mgr.Role != domain.RoleManager {
		return nil, fmt.Errorf("session %s has role %s, want manager", mgr.ID, mgr.Role)
	}
	if exe.Role != domain.RoleExecutor {
		return nil, fmt.Errorf("session %s has role %s, want executor", exe.ID, exe.Role)
	}
	if mgr.WorkspaceID != workspaceID || exe.WorkspaceID != workspaceID {
		return nil, fmt.Errorf("sessions must belong to workspace %s", workspaceID)
	}

	if opts.MaxTurns <= 0 {
		opts.MaxTurns = s.opts.DefaultMaxTurns
	}
	if opts.TurnTimeout <= 0 {
		opts.TurnTimeout = s.opts.DefaultTurnTimeout
	}

	run := &domain.Run{
		ID:                uuid.NewString(),
		WorkspaceID:       workspaceID,
		ManagerSessionID:  managerSessionID,
		ExecutorSessionID: executorSessionID,
		Status:            domain.RunIdle,
		Options:           opts,
		CreatedAt:         time.Now(),
	}
	if err := s.store.CreateRun(run); err != nil {
		return nil, err
	}
	return run, nil
}

// Start admits a run and launches its turn loop. Admission checks run in
// a fixed order under one lock: terminal state, double start, workspace
// slot, global ceiling.
func (s *Scheduler) Start(runID string, mode domain.StartMode) error {
	run, err := s.store.GetRun(runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return fmt.Errorf("%w: %s", ErrRunTerminal, run.Status)
	}
	if mode == "" {
		mode = domain.StartAuto
	}

	c, err := s.newController(run, mode)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if _, active := s.controllers[runID]; active {
		s.mu.Unlock()
		c.cancel()
		return ErrRunActive
	}
	if holder, busy := s.byWorkspace[run.WorkspaceID]; busy {
		s.mu.Unlock()
		c.cancel()
		return fmt.Errorf("%w: run %s", ErrWorkspaceBusy, holder)
	}
	if len(s.controllers) >= s.opts.MaxConcurrent {
		s.mu.Unlock()
		c.cancel()
		return fmt.Errorf("%w (%d)", ErrTooManyRuns, s.opts.MaxConcurrent)
	}
	s.controllers[runID] = c
	s.byWorkspace[run.WorkspaceID] = runID
	s.mu.Unlock()

	go c.loop()
	return nil
}

func (s *Scheduler) release(runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.controllers[runID]
	if !ok {
		return
	}
	delete(s.controllers, runID)
	if s.byWorkspace[c.run.WorkspaceID] == runID {
		delete(s.byWorkspace, c.run.WorkspaceID)
	}
}

// Pause requests a pause at the next turn boundary. The in-flight turn
// always completes; nothing is truncated. Pausing a run that already
// finished is a no-op.
func (s *Scheduler) Pause(runID string) error {
	s.mu.Lock()
	c, ok := s.controllers[runID]
	s.mu.Unlock()
	if !ok {
		run, err := s.store.GetRun(runID)
		if err != nil {
			return err
		}
		if run.Status.Terminal() {
			return nil
		}
		return ErrRunNotActive
	}
	c.requestPause()
	return nil
}

// Stop cancels an active run immediately, killing any in-flight
// subprocess tree. A non-active, non-terminal run is marked stopped
// directly; stopping a run that already finished is a no-op.
func (s *Scheduler) Stop(runID string) error {
	s.mu.Lock()
	c, ok := s.controllers[runID]
	s.mu.Unlock()
	if ok {
		c.cancel()
		return nil
	}

	run, err := s.store.GetRun(runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return nil
	}
	status := domain.RunStopped
	now := time.Now()
	if err := s.store.UpdateRun(runID, store.RunPatch{Status: &status, EndedAt: &now}); err != nil {
		return err
	}
	em, err := newEmitter(s.store, s.hub, runID)
	if err != nil {
		return err
	}
	em.status(status, map[string]any{"turnIndex": run.TurnIndex})
	return nil
}

// Inject queues operator guidance for an active run's next prompt for
// the given role. Idle and paused runs have no controller to consume
// it, so the caller gets an error instead of a silently dropped message.
func (s *Scheduler) Inject(runID string, role domain.Role, text string) error {
	if !role.Valid() {
		return fmt.Errorf("invalid role %q", role)
	}
	s.mu.Lock()
	c, ok := s.controllers[runID]
	s.mu.Unlock()
	if !ok {
		return ErrRunNotActive
	}
	c.inject(role, text)
	return nil
}

// Rollover clears a session's resume handle and points its next seed
// turn at a summary document. Refused while the session's workspace has
// an active run.
func (s *Scheduler) Rollover(sessionID, summaryPath string) error {
	sess, err := s.store.GetSession(sessionID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	holder, busy := s.byWorkspace[sess.WorkspaceID]
	s.mu.Unlock()
	if busy {
		return fmt.Errorf("%w: run %s", ErrWorkspaceBusy, holder)
	}
	return s.store.RolloverSession(sessionID, summaryPath)
}

// NoteDocChange records edited workspace documents in the workspace's
// active run event log, if any. No-op when the workspace is idle.
func (s *Scheduler) NoteDocChange(workspaceID string, files []string) {
	s.mu.Lock()
	runID, busy := s.byWorkspace[workspaceID]
	c := s.controllers[runID]
	s.mu.Unlock()
	if !busy || c == nil {
		return
	}
	c.emitter.emit(domain.EventMeta, "", "", map[string]any{"docsChanged": files})
}

// Active reports whether a run currently has a controller
func (s *Scheduler) Active(runID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.controllers[runID]
	return ok
}

// ActiveCount returns the number of active runs
func (s *Scheduler) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.controllers)
}

// Shutdown cancels every active run and waits for the loops to settle
// or ctx to expire
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	var waiting []*controller
	for _, c := range s.controllers {
		c.cancel()
		waiting = append(waiting, c)
	}
	s.mu.Unlock()

	for _, c := range waiting {
		select {
		case <-c.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
