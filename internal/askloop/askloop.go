// Package askloop drains per-thread ask queues: one-shot questions
// against a workspace, answered by the same provider contract the turn
// loop uses, one message at a time per thread.
package askloop

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/duetorch/duet/internal/digest"
	"github.com/duetorch/duet/internal/docs"
	"github.com/duetorch/duet/internal/domain"
	"github.com/duetorch/duet/internal/hub"
	"github.com/duetorch/duet/internal/notify"
	"github.com/duetorch/duet/internal/prompts"
	"github.com/duetorch/duet/internal/provider"
	"github.com/duetorch/duet/internal/store"
)

// Options configure the ask service
type Options struct {
	// Provider names the backend answering ask messages
	Provider string
	// Config is applied to every ask invocation; asks are stateless
	Config      domain.SessionConfig
	ArtifactDir string
	Timeout     time.Duration
}

// Service owns the drain loops. One goroutine drains each thread with
// queued work; claims are atomic in the store, so even a duplicate
// drain loop cannot process a message twice.
type Service struct {
	store    *store.Store
	hub      *hub.Hub
	loader   *prompts.Loader
	notifier notify.Notifier
	opts     Options

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	draining map[string]bool
}

// New creates an ask service
func New(st *store.Store, h *hub.Hub, loader *prompts.Loader, notifier notify.Notifier, opts Options) *Service {
	if opts.Provider == "" {
		opts.Provider = "claude"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Minute
	}
	if notifier == nil {
		notifier = notify.NoopNotifier{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		store:    st,
		hub:      h,
		loader:   loader,
		notifier: notifier,
		opts:     opts,
		ctx:      ctx,
		cancel:   cancel,
		draining: make(map[string]bool),
	}
}

// Close cancels any in-flight ask invocation
func (s *Service) Close() {
	s.cancel()
}

// Send enqueues a question on a thread and ensures a drain loop is
// working the thread
func (s *Service) Send(workspaceID, threadID, text string) (int64, error) {
	if _, err := s.store.GetWorkspace(workspaceID); err != nil {
		return 0, fmt.Errorf("workspace: %w", err)
	}
	id, err := s.store.EnqueueAsk(workspaceID, threadID, text)
	if err != nil {
		return 0, err
	}
	s.hub.PublishTopic(threadID)
	s.kick(threadID)
	return id, nil
}

func (s *Service) kick(threadID string) {
	s.mu.Lock()
	if s.draining[threadID] {
		s.mu.Unlock()
		return
	}
	s.draining[threadID] = true
	s.mu.Unlock()
	go s.drain(threadID)
}

func (s *Service) drain(threadID string) {
	for {
		msg, err := s.store.ClaimNextAsk(threadID)
		if err != nil {
			s.mu.Lock()
			s.draining[threadID] = false
			s.mu.Unlock()
			if !errors.Is(err, store.ErrNoQueuedMessage) {
				return
			}
			// A Send between the empty claim and the flag reset would
			// find the flag still set and not kick; claim once more to
			// cover that window
			msg, err = s.store.ClaimNextAsk(threadID)
			if err != nil {
				return
			}
			s.mu.Lock()
			s.draining[threadID] = true
			s.mu.Unlock()
		}
		s.process(msg)
		if s.ctx.Err() != nil {
			s.mu.Lock()
			s.draining[threadID] = false
			s.mu.Unlock()
			return
		}
	}
}

func (s *Service) process(msg *domain.AskMessage) {
	reply, err := s.answer(msg)

	status := domain.AskDone
	errMsg := ""
	if err != nil {
		status = domain.AskFailed
		reply = ""
		errMsg = err.Error()
	}
	s.store.FinishAsk(msg.ID, status, reply, errMsg)
	s.hub.PublishTopic(msg.ThreadID)

	n := notify.Notification{
		Title:   "Ask reply",
		Message: fmt.Sprintf("thread %s: question answered", msg.ThreadID),
		Type:    notify.NotifyInfo,
		Key:     fmt.Sprintf("ask:%s:%d", msg.ThreadID, msg.ID),
	}
	if err != nil {
		n.Title = "Ask failed"
		n.Message = fmt.Sprintf("thread %s: %s", msg.ThreadID, errMsg)
		n.Type = notify.NotifyError
	}
	s.notifier.Send(n)
}

func (s *Service) answer(msg *domain.AskMessage) (string, error) {
	ws, err := s.store.GetWorkspace(msg.WorkspaceID)
	if err != nil {
		return "", fmt.Errorf("workspace: %w", err)
	}
	p, err := provider.Get(s.opts.Provider)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(s.ctx, s.opts.Timeout)
	defer cancel()

	prompt, err := s.loader.BuildAskPrompt(prompts.AskData{
		Question:    msg.Text,
		Plan:        docs.LoadPlan(ws),
		RepoContext: digest.Generate(ctx, ws.RootDir, false, 0),
	})
	if err != nil {
		return "", fmt.Errorf("building prompt: %w", err)
	}

	cfg := s.opts.Config
	cfg.Resume = domain.ResumeNever
	if cfg.Sandbox == "" {
		cfg.Sandbox = domain.SandboxReadOnly
	}
	res, err := p.Run(ctx, provider.Request{
		Prompt:  prompt,
		Dir:     ws.RootDir,
		OutDir:  filepath.Join(s.opts.ArtifactDir, "ask", fmt.Sprintf("%d", msg.ID)),
		Sandbox: cfg.Sandbox,
		Config:  cfg,
	})
	if err != nil {
		return "", err
	}
	if res.Aborted {
		return "", errors.New("ask invocation cancelled")
	}
	return res.LastMessage, nil
}
