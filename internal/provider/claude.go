package provider

import (
	"context"
	"encoding/json"
	"os/exec"
	"strings"

	"github.com/duetorch/duet/internal/domain"
)

func init() {
	Register(&Claude{})
}

// Claude drives the Claude Code CLI in non-interactive mode.
// Structured attempts use --output-format stream-json; resume addresses
// the session captured from a prior init event via --resume.
type Claude struct{}

func (c *Claude) Name() string { return "claude" }

func (c *Claude) Run(ctx context.Context, req Request) (*Result, error) {
	plan := planAttempts(req, false)
	build := func(ctx context.Context, spec attemptSpec) (*exec.Cmd, error) {
		args := []string{"--print"}

		if spec.JSON {
			// --verbose is required for stream-json output
			args = append(args, "--verbose", "--output-format", "stream-json")
		}

		switch req.Sandbox {
		case domain.SandboxFullAccess:
			args = append(args, "--dangerously-skip-permissions")
		case domain.SandboxReadOnly:
			args = append(args, "--permission-mode", "plan")
		default:
			args = append(args, "--permission-mode", "acceptEdits")
		}

		if req.Config.Model != "" {
			args = append(args, "--model", req.Config.Model)
		}
		if len(req.Config.AllowedTools) > 0 {
			args = append(args, "--allowed-tools", strings.Join(req.Config.AllowedTools, ","))
		}
		if len(req.Config.DisallowedTools) > 0 {
			args = append(args, "--disallowed-tools", strings.Join(req.Config.DisallowedTools, ","))
		}
		if spec.Resume {
			args = append(args, "--resume", req.ProviderSessionID)
		}
		args = append(args, req.Config.ExtraArgs...)
		args = append(args, "-p", req.Prompt)

		cmd := exec.CommandContext(ctx, "claude", args...)
		cmd.Dir = req.Dir
		return cmd, nil
	}

	return runAttempts(ctx, req, plan, build, parseClaudeLine)
}

// claudeStreamMessage covers the stream-json shapes we care about: the
// init event carrying the session id, assistant text blocks, and the
// terminal result message
type claudeStreamMessage struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Result    string `json:"result,omitempty"`
	Message   struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"message,omitempty"`
}

func parseClaudeLine(line string, st *streamState) {
	if !strings.HasPrefix(line, "{") {
		return
	}
	var msg claudeStreamMessage
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		return
	}

	switch msg.Type {
	case "system":
		if msg.Subtype == "init" {
			st.setSessionID(msg.SessionID)
		}
	case "assistant":
		for _, block := range msg.Message.Content {
			if block.Type == "text" && block.Text != "" {
				st.emitPartial(block.Text)
				st.setLastMessage(block.Text)
			}
		}
	case "result":
		st.setSessionID(msg.SessionID)
		st.setLastMessage(msg.Result)
	}
}
