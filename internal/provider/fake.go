package provider

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Fake is a deterministic in-process stand-in for a real backend. It
// inspects the prompt to synthesize protocol-shaped replies without
// spawning anything, and reproduces the timing and cancellation
// semantics of a real adapter so concurrency tests can use it as a
// drop-in double.
type Fake struct {
	// Delay is how long each attempt "runs" before replying
	Delay time.Duration

	mu sync.Mutex
	// script entries are consumed in order, one per successful call;
	// when empty, replies are derived from the prompt text
	script []string
	// failing marks attempt labels that should fail, simulating e.g. a
	// backend rejecting resume
	failing map[string]bool
	calls   []Request
}

// NewFake creates a fake provider with the given per-attempt delay
func NewFake(delay time.Duration) *Fake {
	return &Fake{Delay: delay, failing: make(map[string]bool)}
}

func (f *Fake) Name() string { return "fake" }

// Script sets canned replies consumed one per successful call
func (f *Fake) Script(replies ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.script = append(f.script, replies...)
}

// FailAttempts marks attempt strategy labels that will fail
func (f *Fake) FailAttempts(labels ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, l := range labels {
		f.failing[l] = true
	}
}

// Calls returns a copy of every request seen so far
func (f *Fake) Calls() []Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Request, len(f.calls))
	copy(out, f.calls)
	return out
}

func (f *Fake) Run(ctx context.Context, req Request) (*Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()

	res := &Result{}
	plan := planAttempts(req, false)

	for _, spec := range plan {
		if f.Delay > 0 {
			timer := time.NewTimer(f.Delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				res.Aborted = true
				res.Strategy = spec.Label
				res.Signal = "killed"
				res.ExitCode = -1
				return res, nil
			case <-timer.C:
			}
		} else if ctx.Err() != nil {
			res.Aborted = true
			res.Strategy = spec.Label
			res.ExitCode = -1
			return res, nil
		}

		f.mu.Lock()
		failed := f.failing[spec.Label]
		f.mu.Unlock()
		if failed {
			res.Errors = append(res.Errors, AttemptError{
				Strategy: spec.Label,
				ExitCode: 1,
				Message:  "attempt rejected by fake",
			})
			res.ExitCode = 1
			res.Strategy = spec.Label
			continue
		}

		res.ExitCode = 0
		res.LastMessage = f.reply(req)
		res.UsedResume = spec.Resume || spec.ContinueLast
		res.UsedJSON = spec.JSON
		res.Strategy = spec.Label
		if spec.JSON {
			if req.ProviderSessionID != "" {
				res.ProviderSessionID = req.ProviderSessionID
			} else {
				res.ProviderSessionID = "fake-" + uuid.NewString()
			}
		}
		if req.OnPartial != nil {
			req.OnPartial(res.LastMessage)
		}
		return res, nil
	}

	return res, &exhaustedError{attempts: len(plan)}
}

type exhaustedError struct{ attempts int }

func (e *exhaustedError) Error() string { return "all attempts failed" }

func (f *Fake) reply(req Request) string {
	f.mu.Lock()
	if len(f.script) > 0 {
		next := f.script[0]
		f.script = f.script[1:]
		f.mu.Unlock()
		return next
	}
	f.mu.Unlock()

	if strings.Contains(req.Prompt, "ROLE: executor") {
		return "<EXEC_LOG>\n## Summary\nCarried out the requested step.\n## Changes\n- touched files\n## Commands\n- go test ./...\n## Risk\nlow\n</EXEC_LOG>"
	}
	return "<MANAGER_PACKET>\n## Summary\nNext step.\n## Task\nDo the next step.\n## Risk\nlow\n</MANAGER_PACKET>"
}
