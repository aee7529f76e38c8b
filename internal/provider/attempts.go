package provider

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"

	"github.com/duetorch/duet/internal/domain"
)

// attemptSpec describes one entry in an adapter's ordered fallback plan
type attemptSpec struct {
	Label        string
	Resume       bool // address the configured resume handle
	ContinueLast bool // backend-specific "continue most recent" mechanism
	JSON         bool // structured line-delimited output
}

// planAttempts builds the ordered attempt plan for a request.
// supportsContinueLast is set by adapters whose backend has an alternate
// continuation mechanism; it is only used when the session config
// explicitly permits it.
func planAttempts(req Request, supportsContinueLast bool) []attemptSpec {
	requireJSON := req.Config.RequireJSON || req.RequireSessionID
	haveHandle := req.ProviderSessionID != "" && req.Config.Resume != domain.ResumeNever

	var plan []attemptSpec
	if haveHandle {
		plan = append(plan, attemptSpec{Label: "resume-json", Resume: true, JSON: true})
		if !requireJSON {
			plan = append(plan, attemptSpec{Label: "resume-text", Resume: true})
		}
		if supportsContinueLast && req.Config.AllowContinueLast {
			plan = append(plan, attemptSpec{Label: "continue-last-json", ContinueLast: true, JSON: true})
		}
		if req.Config.Resume != domain.ResumeOnly {
			plan = append(plan, attemptSpec{Label: "stateless-json", JSON: true})
			if !requireJSON {
				plan = append(plan, attemptSpec{Label: "stateless-text"})
			}
		}
		return plan
	}

	plan = append(plan, attemptSpec{Label: "stateless-json", JSON: true})
	if !requireJSON {
		plan = append(plan, attemptSpec{Label: "stateless-text"})
	}
	return plan
}

// buildFunc constructs the subprocess for one attempt. The command must
// not have been started.
type buildFunc func(ctx context.Context, spec attemptSpec) (*exec.Cmd, error)

// runAttempts walks the plan until one attempt satisfies the success
// criterion: exit 0, non-empty final message, and a captured session id
// when the request demands one. Attempt failures are recorded and the
// chain moves on; a cancellation aborts the chain immediately.
func runAttempts(ctx context.Context, req Request, plan []attemptSpec, build buildFunc, parse parseFunc) (*Result, error) {
	res := &Result{}

	for i, spec := range plan {
		attemptDir := filepath.Join(req.OutDir, fmt.Sprintf("attempt-%02d-%s", i+1, spec.Label))

		cmd, err := build(ctx, spec)
		if err != nil {
			res.Errors = append(res.Errors, AttemptError{Strategy: spec.Label, ExitCode: -1, Message: err.Error()})
			continue
		}

		out := runAttempt(ctx, req, spec, attemptDir, cmd, parse)
		res.Paths = append(res.Paths, attemptDir)

		if out.aborted {
			res.Aborted = true
			res.Strategy = spec.Label
			res.ExitCode = out.exitCode
			res.Signal = out.signal
			return res, nil
		}

		ok := out.err == nil && out.exitCode == 0 && out.lastMessage != ""
		if ok && req.RequireSessionID && out.sessionID == "" {
			ok = false
			out.err = fmt.Errorf("no session id captured from stream")
		}

		if ok {
			res.ExitCode = out.exitCode
			res.LastMessage = out.lastMessage
			res.ProviderSessionID = out.sessionID
			res.UsedResume = spec.Resume || spec.ContinueLast
			res.UsedJSON = spec.JSON
			res.Strategy = spec.Label
			return res, nil
		}

		msg := "nonzero exit"
		if out.err != nil {
			msg = out.err.Error()
		} else if out.lastMessage == "" {
			msg = "empty final message"
		}
		res.Errors = append(res.Errors, AttemptError{
			Strategy: spec.Label,
			ExitCode: out.exitCode,
			Signal:   out.signal,
			Message:  msg,
		})
		res.ExitCode = out.exitCode
		res.Signal = out.signal
		res.Strategy = spec.Label
	}

	return res, fmt.Errorf("all %d attempts failed", len(plan))
}
