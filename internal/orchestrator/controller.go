package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/duetorch/duet/internal/digest"
	"github.com/duetorch/duet/internal/docs"
	"github.com/duetorch/duet/internal/domain"
	"github.com/duetorch/duet/internal/gitx"
	"github.com/duetorch/duet/internal/notify"
	"github.com/duetorch/duet/internal/prompts"
	"github.com/duetorch/duet/internal/protocol"
	"github.com/duetorch/duet/internal/provider"
	"github.com/duetorch/duet/internal/store"
)

var errTurnTimeout = errors.New("turn timed out")

// controller owns one active run: it executes the turn loop and is the
// only writer of the run's status while registered with the scheduler
type controller struct {
	sched *Scheduler
	run   *domain.Run
	ws    *domain.Workspace

	manager  *domain.Session
	executor *domain.Session

	mode    domain.StartMode
	emitter *emitter

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu             sync.Mutex
	pauseRequested bool
	injected       map[domain.Role][]string

	progress    progressTracker
	lastExecLog string
}

func (s *Scheduler) newController(run *domain.Run, mode domain.StartMode) (*controller, error) {
	ws, err := s.store.GetWorkspace(run.WorkspaceID)
	if err != nil {
		return nil, fmt.Errorf("loading workspace: %w", err)
	}
	mgr, err := s.store.GetSession(run.ManagerSessionID)
	if err != nil {
		return nil, fmt.Errorf("loading manager session: %w", err)
	}
	exe, err := s.store.GetSession(run.ExecutorSessionID)
	if err != nil {
		return nil, fmt.Errorf("loading executor session: %w", err)
	}

	em, err := newEmitter(s.store, s.hub, run.ID)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &controller{
		sched:    s,
		run:      run,
		ws:       ws,
		manager:  mgr,
		executor: exe,
		mode:     mode,
		emitter:  em,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		injected: make(map[domain.Role][]string),
		progress: progressTracker{limit: run.Options.NoProgressLimit},
	}

	// Reload the last executor report so a resumed run's first delta
	// prompt still carries it
	turns, err := s.store.ListTurns(run.ID)
	if err != nil {
		cancel()
		return nil, err
	}
	for _, t := range turns {
		if t.ExecutorOutput != "" {
			c.lastExecLog = t.ExecutorOutput
		}
	}
	return c, nil
}

func (c *controller) requestPause() {
	c.mu.Lock()
	c.pauseRequested = true
	c.mu.Unlock()
}

func (c *controller) takePauseRequest() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	req := c.pauseRequested
	c.pauseRequested = false
	return req
}

// inject queues operator guidance for the named role's next prompt.
// Consumed exactly once; best effort if the run finishes first.
func (c *controller) inject(role domain.Role, text string) {
	c.mu.Lock()
	c.injected[role] = append(c.injected[role], text)
	c.mu.Unlock()
	c.emitter.emit(domain.EventMeta, role, "", map[string]any{"injected": text})
}

func (c *controller) takeInjected(role domain.Role) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.injected[role]
	delete(c.injected, role)
	return out
}

// loop drives turns until the run pauses or reaches a terminal state
func (c *controller) loop() {
	defer close(c.done)
	defer c.sched.release(c.run.ID)

	if err := c.markRunning(); err != nil {
		c.finish(domain.RunError, fmt.Sprintf("marking run running: %v", err))
		return
	}

	for {
		if c.ctx.Err() != nil {
			c.finish(domain.RunStopped, "")
			return
		}
		if c.takePauseRequest() {
			c.pause(domain.PauseRequested)
			return
		}
		if c.run.Options.MaxTurns > 0 && c.run.TurnIndex >= c.run.Options.MaxTurns {
			c.finish(domain.RunError, fmt.Sprintf("%s: turn budget of %d exhausted", domain.ErrCodeMaxTurns, c.run.Options.MaxTurns))
			return
		}

		done, reason, err := c.turn()
		switch {
		case err != nil:
			if c.ctx.Err() != nil {
				c.finish(domain.RunStopped, "")
			} else if errors.Is(err, errTurnTimeout) {
				c.finish(domain.RunError, fmt.Sprintf("%s: turn %d exceeded %s", domain.ErrCodeTurnTimeout, c.run.TurnIndex+1, c.run.Options.TurnTimeout))
			} else {
				c.finish(domain.RunError, err.Error())
			}
			return
		case done:
			c.finish(domain.RunDone, "")
			return
		case reason != "":
			c.pause(reason)
			return
		case c.mode == domain.StartStep:
			c.pause(domain.PauseStepComplete)
			return
		}
	}
}

// turn runs one manager-then-executor exchange. It returns done when the
// manager declared completion, or a pause reason when a guard or
// protocol violation requires operator review.
func (c *controller) turn() (bool, domain.PauseReason, error) {
	idx := c.run.TurnIndex + 1

	// A turn cut short by a protocol violation does not advance the
	// counter, so a resume retries the same index and reuses the row
	turn, err := c.sched.store.GetTurnByIdx(c.run.ID, idx)
	if err != nil {
		turn = &domain.Turn{
			ID:        uuid.NewString(),
			RunID:     c.run.ID,
			Idx:       idx,
			StartedAt: time.Now(),
		}
		if err := c.sched.store.CreateTurn(turn); err != nil {
			return false, "", fmt.Errorf("creating turn %d: %w", idx, err)
		}
	}
	turnDir := filepath.Join(c.sched.opts.ArtifactDir, c.run.ID, fmt.Sprintf("turn-%02d", idx))

	turnCtx := c.ctx
	if c.run.Options.TurnTimeout > 0 {
		var cancel context.CancelFunc
		turnCtx, cancel = context.WithTimeout(c.ctx, c.run.Options.TurnTimeout)
		defer cancel()
	}

	// Manager half
	managerPrompt, err := c.buildManagerPrompt(turnCtx, idx)
	if err != nil {
		return false, "", fmt.Errorf("building manager prompt: %w", err)
	}
	if err := c.recordPrompt(turn, domain.RoleManager, turnDir, managerPrompt); err != nil {
		return false, "", err
	}

	mRes, mErr := c.callRole(turnCtx, turn, c.manager, managerPrompt, turnDir)
	if mRes != nil {
		meta := roleMeta(mRes)
		c.sched.store.UpdateTurn(turn.ID, store.TurnPatch{ManagerMeta: meta})
	}
	if stop, terr := c.checkInterrupted(turnCtx, mRes); stop {
		return false, "", terr
	}
	if mErr != nil {
		c.emitter.emit(domain.EventError, domain.RoleManager, turn.ID, map[string]any{"error": mErr.Error()})
		return false, "", fmt.Errorf("manager call: %w", mErr)
	}
	c.recordSession(c.manager, mRes)
	c.sched.store.UpdateTurn(turn.ID, store.TurnPatch{ManagerOutput: &mRes.LastMessage})
	c.emitter.emit(domain.EventFinal, domain.RoleManager, turn.ID, map[string]any{
		"strategy": mRes.Strategy,
		"resumed":  mRes.UsedResume,
		"chars":    len(mRes.LastMessage),
	})

	if protocol.IsDone(mRes.LastMessage) {
		c.closeTurn(turn)
		c.advance(idx)
		return true, "", nil
	}

	packet, perr := protocol.ParseManagerPacket(mRes.LastMessage)
	if perr != nil {
		c.emitter.emit(domain.EventError, domain.RoleManager, turn.ID, map[string]any{"error": perr.Error()})
		c.closeTurn(turn)
		return false, domain.PauseManagerInvalid, nil
	}

	// Executor half
	executorPrompt, err := c.buildExecutorPrompt(turnCtx, idx, packet)
	if err != nil {
		return false, "", fmt.Errorf("building executor prompt: %w", err)
	}
	if err := c.recordPrompt(turn, domain.RoleExecutor, turnDir, executorPrompt); err != nil {
		return false, "", err
	}

	eRes, eErr := c.callRole(turnCtx, turn, c.executor, executorPrompt, turnDir)
	if eRes != nil {
		meta := roleMeta(eRes)
		c.sched.store.UpdateTurn(turn.ID, store.TurnPatch{ExecutorMeta: meta})
	}
	if stop, terr := c.checkInterrupted(turnCtx, eRes); stop {
		return false, "", terr
	}
	if eErr != nil {
		c.emitter.emit(domain.EventError, domain.RoleExecutor, turn.ID, map[string]any{"error": eErr.Error()})
		return false, "", fmt.Errorf("executor call: %w", eErr)
	}
	c.recordSession(c.executor, eRes)
	c.sched.store.UpdateTurn(turn.ID, store.TurnPatch{ExecutorOutput: &eRes.LastMessage})
	c.emitter.emit(domain.EventFinal, domain.RoleExecutor, turn.ID, map[string]any{
		"strategy": eRes.Strategy,
		"resumed":  eRes.UsedResume,
		"chars":    len(eRes.LastMessage),
	})

	execLog, perr := protocol.ParseExecLog(eRes.LastMessage)
	if perr != nil {
		c.emitter.emit(domain.EventError, domain.RoleExecutor, turn.ID, map[string]any{"error": perr.Error()})
		c.closeTurn(turn)
		return false, domain.PauseExecutorInvalid, nil
	}
	c.lastExecLog = execLog.Raw

	reason := c.runGuards(turn, packet, execLog)
	c.closeTurn(turn)
	c.advance(idx)
	return false, reason, nil
}

// checkInterrupted distinguishes an operator stop from a turn deadline
// after a provider call came back aborted
func (c *controller) checkInterrupted(turnCtx context.Context, res *provider.Result) (bool, error) {
	if c.ctx.Err() != nil {
		return true, c.ctx.Err()
	}
	if turnCtx.Err() != nil || (res != nil && res.Aborted) {
		return true, errTurnTimeout
	}
	return false, nil
}

// runGuards evaluates post-turn guards in fixed order: dangerous
// command, git cleanliness, no-progress. The progress tracker observes
// every turn even when an earlier guard fires.
func (c *controller) runGuards(turn *domain.Turn, packet *protocol.ManagerPacket, execLog *protocol.ExecLog) domain.PauseReason {
	noProgress := c.progress.observe(protocol.Signature(packet.Raw), protocol.ChangesEmpty(execLog))

	if c.run.Options.GuardDangerous {
		if line, pattern, flagged := scanCommands(execLog); flagged {
			c.emitter.emit(domain.EventMeta, domain.RoleExecutor, turn.ID, map[string]any{
				"guard":   "dangerous-command",
				"command": line,
				"pattern": pattern,
			})
			return domain.PauseDangerous
		}
	}

	if c.run.Options.GuardGitClean {
		status, err := gitx.StatusPorcelain(c.ctx, c.ws.RootDir)
		if err != nil {
			c.emitter.emit(domain.EventMeta, "", turn.ID, map[string]any{"guard": "git-clean", "error": err.Error()})
			return domain.PauseGitStatusFailed
		}
		if status != "" {
			c.emitter.emit(domain.EventMeta, "", turn.ID, map[string]any{"guard": "git-clean", "status": status})
			return domain.PauseGitDirty
		}
	}

	if noProgress {
		c.emitter.emit(domain.EventMeta, "", turn.ID, map[string]any{
			"guard":  "no-progress",
			"streak": c.progress.streak,
		})
		return domain.PauseNoProgress
	}
	return ""
}

func (c *controller) buildManagerPrompt(ctx context.Context, idx int) (string, error) {
	data := prompts.TurnData{
		TurnIndex:   idx,
		LastExecLog: c.lastExecLog,
		Injected:    c.takeInjected(domain.RoleManager),
	}
	if c.manager.ProviderSessionID == "" {
		data.Plan = docs.LoadPlan(c.ws)
		data.Conventions = docs.LoadConventions(c.ws)
		if p := c.manager.Config.RolloverSummaryPath; p != "" {
			data.RolloverSummary = docs.LoadRollover(c.ws, p)
		}
		data.RepoContext = digest.Generate(ctx, c.ws.RootDir, false, 0)
		return c.sched.loader.BuildManagerSeedPrompt(data)
	}
	data.RepoContext = digest.Generate(ctx, c.ws.RootDir, true, 0)
	return c.sched.loader.BuildManagerDeltaPrompt(data)
}

func (c *controller) buildExecutorPrompt(ctx context.Context, idx int, packet *protocol.ManagerPacket) (string, error) {
	data := prompts.TurnData{
		TurnIndex:     idx,
		ManagerPacket: packet.Raw,
		Injected:      c.takeInjected(domain.RoleExecutor),
	}
	if c.executor.ProviderSessionID == "" {
		data.Plan = docs.LoadPlan(c.ws)
		data.Conventions = docs.LoadConventions(c.ws)
		data.RepoContext = digest.Generate(ctx, c.ws.RootDir, false, 0)
		return c.sched.loader.BuildExecutorSeedPrompt(data)
	}
	return c.sched.loader.BuildExecutorPrompt(data)
}

// recordPrompt writes the rendered prompt as a turn artifact and logs a
// prompt event pointing at it
func (c *controller) recordPrompt(turn *domain.Turn, role domain.Role, turnDir, prompt string) error {
	dir := filepath.Join(turnDir, string(role))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(dir, "prompt.md")
	if err := os.WriteFile(path, []byte(prompt), 0o644); err != nil {
		return err
	}

	patch := store.TurnPatch{}
	if role == domain.RoleManager {
		patch.ManagerPromptPath = &path
	} else {
		patch.ExecutorPromptPath = &path
	}
	if err := c.sched.store.UpdateTurn(turn.ID, patch); err != nil {
		return err
	}
	return c.emitter.emit(domain.EventPrompt, role, turn.ID, map[string]any{
		"path":  path,
		"bytes": len(prompt),
	})
}

func (c *controller) callRole(ctx context.Context, turn *domain.Turn, sess *domain.Session, prompt, turnDir string) (*provider.Result, error) {
	p, err := provider.Get(sess.Provider)
	if err != nil {
		return nil, err
	}
	role := sess.Role
	req := provider.Request{
		Prompt:            prompt,
		Dir:               c.ws.RootDir,
		OutDir:            filepath.Join(turnDir, string(role)),
		Sandbox:           sess.Config.Sandbox,
		Config:            sess.Config,
		ProviderSessionID: sess.ProviderSessionID,
		RequireSessionID:  sess.ProviderSessionID == "" && sess.Config.Resume != domain.ResumeNever,
		OnPartial: func(text string) {
			c.emitter.emit(domain.EventPartial, role, turn.ID, map[string]any{"text": text})
		},
		OnStderrLine: func(line string) {
			c.emitter.emit(domain.EventStderr, role, turn.ID, map[string]any{"line": line})
		},
	}
	return p.Run(ctx, req)
}

// recordSession persists a freshly captured resume handle, or just bumps
// liveness when the session already has one
func (c *controller) recordSession(sess *domain.Session, res *provider.Result) {
	if res.ProviderSessionID != "" && sess.ProviderSessionID == "" {
		if err := c.sched.store.SetSessionProviderID(sess.ID, res.ProviderSessionID); err == nil {
			sess.ProviderSessionID = res.ProviderSessionID
		}
		return
	}
	c.sched.store.TouchSession(sess.ID)
}

func (c *controller) closeTurn(turn *domain.Turn) {
	now := time.Now()
	c.sched.store.UpdateTurn(turn.ID, store.TurnPatch{EndedAt: &now})
}

// advance bumps the run's turn counter. Only turns that completed both
// halves (or ended on a manager Done) count.
func (c *controller) advance(idx int) {
	c.run.TurnIndex = idx
	c.sched.store.UpdateRun(c.run.ID, store.RunPatch{TurnIndex: &idx})
}

func (c *controller) markRunning() error {
	status := domain.RunRunning
	patch := store.RunPatch{Status: &status}
	if c.run.StartedAt == nil {
		now := time.Now()
		patch.StartedAt = &now
		c.run.StartedAt = &now
	}
	if err := c.sched.store.UpdateRun(c.run.ID, patch); err != nil {
		return err
	}
	c.run.Status = status
	c.emitter.status(status, map[string]any{"turnIndex": c.run.TurnIndex})
	return nil
}

func (c *controller) pause(reason domain.PauseReason) {
	status := domain.RunPaused
	c.sched.store.UpdateRun(c.run.ID, store.RunPatch{Status: &status})
	c.run.Status = status
	c.emitter.status(status, map[string]any{"reason": string(reason), "turnIndex": c.run.TurnIndex})

	if reason != domain.PauseStepComplete {
		c.sched.notifier.Send(notify.Notification{
			Title:   "Run paused",
			Message: fmt.Sprintf("run %s paused after turn %d: %s", c.run.ID, c.run.TurnIndex, reason),
			Type:    notify.NotifyWarning,
			RunID:   c.run.ID,
			Key:     fmt.Sprintf("pause:%s:%s", c.run.ID, reason),
		})
	}
}

func (c *controller) finish(status domain.RunStatus, errMsg string) {
	now := time.Now()
	patch := store.RunPatch{Status: &status, EndedAt: &now}
	if errMsg != "" {
		patch.Error = &errMsg
	}
	c.sched.store.UpdateRun(c.run.ID, patch)
	c.run.Status = status
	c.run.Error = errMsg
	c.run.EndedAt = &now

	extra := map[string]any{"turnIndex": c.run.TurnIndex}
	if errMsg != "" {
		extra["error"] = errMsg
	}
	c.emitter.status(status, extra)

	n := notify.Notification{RunID: c.run.ID, Key: "finish:" + c.run.ID}
	switch status {
	case domain.RunDone:
		n.Title = "Run complete"
		n.Message = fmt.Sprintf("run %s finished after %d turns", c.run.ID, c.run.TurnIndex)
		n.Type = notify.NotifySuccess
	case domain.RunStopped:
		n.Title = "Run stopped"
		n.Message = fmt.Sprintf("run %s stopped at turn %d", c.run.ID, c.run.TurnIndex)
		n.Type = notify.NotifyInfo
	default:
		n.Title = "Run failed"
		n.Message = fmt.Sprintf("run %s: %s", c.run.ID, errMsg)
		n.Type = notify.NotifyError
	}
	c.sched.notifier.Send(n)
}

func roleMeta(res *provider.Result) *domain.RoleMeta {
	meta := &domain.RoleMeta{
		ExitCode:          res.ExitCode,
		Signal:            res.Signal,
		Strategy:          res.Strategy,
		Resumed:           res.UsedResume,
		ProviderSessionID: res.ProviderSessionID,
		Aborted:           res.Aborted,
	}
	for _, e := range res.Errors {
		meta.AttemptErrors = append(meta.AttemptErrors, e.Strategy+": "+e.Message)
	}
	return meta
}
