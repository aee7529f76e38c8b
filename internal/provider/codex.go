package provider

import (
	"context"
	"encoding/json"
	"os/exec"
	"strings"

	"github.com/duetorch/duet/internal/domain"
)

func init() {
	Register(&Codex{})
}

// Codex drives the Codex CLI. Same contract as Claude but different
// flag names, and the backend supports resuming the most recent thread
// (`resume --last`), which the plan uses as an extra fallback when the
// session config permits it.
type Codex struct{}

func (c *Codex) Name() string { return "codex" }

func (c *Codex) Run(ctx context.Context, req Request) (*Result, error) {
	plan := planAttempts(req, true)
	build := func(ctx context.Context, spec attemptSpec) (*exec.Cmd, error) {
		args := []string{"exec"}

		switch {
		case spec.Resume:
			args = append(args, "resume", req.ProviderSessionID)
		case spec.ContinueLast:
			args = append(args, "resume", "--last")
		}

		if spec.JSON {
			args = append(args, "--json")
		}

		switch req.Sandbox {
		case domain.SandboxFullAccess:
			args = append(args, "--sandbox", "danger-full-access")
		case domain.SandboxReadOnly:
			args = append(args, "--sandbox", "read-only")
		default:
			args = append(args, "--sandbox", "workspace-write")
		}

		if req.Config.Model != "" {
			args = append(args, "-m", req.Config.Model)
		}
		args = append(args, req.Config.ExtraArgs...)
		args = append(args, req.Prompt)

		cmd := exec.CommandContext(ctx, "codex", args...)
		cmd.Dir = req.Dir
		return cmd, nil
	}

	return runAttempts(ctx, req, plan, build, parseCodexLine)
}

// codexStreamMessage covers the JSONL events we care about: the thread
// start event carrying the resume handle and completed agent messages
type codexStreamMessage struct {
	Type     string `json:"type"`
	ThreadID string `json:"thread_id,omitempty"`
	Item     struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"item,omitempty"`
}

func parseCodexLine(line string, st *streamState) {
	if !strings.HasPrefix(line, "{") {
		return
	}
	var msg codexStreamMessage
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		return
	}

	switch msg.Type {
	case "thread.started":
		st.setSessionID(msg.ThreadID)
	case "item.completed":
		if msg.Item.Type == "agent_message" && msg.Item.Text != "" {
			st.emitPartial(msg.Item.Text)
			st.setLastMessage(msg.Item.Text)
		}
	}
}
