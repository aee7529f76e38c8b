// Package protocol parses the structured text contract the manager and
// executor roles must emit: a <MANAGER_PACKET> block or a bare trailing
// "Done" line from the manager, and an <EXEC_LOG> block from the executor.
package protocol

import (
	"fmt"
	"strings"
)

const (
	managerOpen  = "<MANAGER_PACKET>"
	managerClose = "</MANAGER_PACKET>"
	execOpen     = "<EXEC_LOG>"
	execClose    = "</EXEC_LOG>"
)

// ManagerPacket is the manager's instruction for the next executor turn
type ManagerPacket struct {
	Raw     string
	Summary string
	Task    string
	Risk    string
}

// ExecLog is the executor's report of what it did
type ExecLog struct {
	Raw      string
	Summary  string
	Changes  string
	Commands string
	Risk     string
}

// IsDone reports whether the manager declared the run complete: the
// output is exactly "Done" or ends with a bare "Done" line.
func IsDone(output string) bool {
	trimmed := strings.TrimSpace(output)
	if trimmed == "Done" {
		return true
	}
	lines := strings.Split(trimmed, "\n")
	last := strings.TrimSpace(lines[len(lines)-1])
	return last == "Done"
}

// ParseManagerPacket extracts the delimited packet from manager output.
// Anything without a well-formed block is a protocol error.
func ParseManagerPacket(output string) (*ManagerPacket, error) {
	raw, err := extractBlock(output, managerOpen, managerClose)
	if err != nil {
		return nil, err
	}
	sections := splitSections(raw)
	return &ManagerPacket{
		Raw:     raw,
		Summary: sections["summary"],
		Task:    sections["task"],
		Risk:    sections["risk"],
	}, nil
}

// ParseExecLog extracts the delimited log from executor output
func ParseExecLog(output string) (*ExecLog, error) {
	raw, err := extractBlock(output, execOpen, execClose)
	if err != nil {
		return nil, err
	}
	sections := splitSections(raw)
	return &ExecLog{
		Raw:      raw,
		Summary:  sections["summary"],
		Changes:  sections["changes"],
		Commands: sections["commands"],
		Risk:     sections["risk"],
	}, nil
}

func extractBlock(output, open, close string) (string, error) {
	start := strings.Index(output, open)
	if start == -1 {
		return "", fmt.Errorf("missing %s block", open)
	}
	rest := output[start+len(open):]
	end := strings.Index(rest, close)
	if end == -1 {
		return "", fmt.Errorf("unterminated %s block", open)
	}
	return strings.TrimSpace(rest[:end]), nil
}

// splitSections parses "## Heading" markdown sections into a map keyed by
// the lowercased heading. Text before the first heading is ignored.
func splitSections(raw string) map[string]string {
	sections := make(map[string]string)
	var current string
	var buf []string

	flush := func() {
		if current != "" {
			sections[current] = strings.TrimSpace(strings.Join(buf, "\n"))
		}
		buf = nil
	}

	for _, line := range strings.Split(raw, "\n") {
		if strings.HasPrefix(line, "## ") {
			flush()
			current = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(line, "## ")))
			continue
		}
		buf = append(buf, line)
	}
	flush()
	return sections
}

// Signature returns the whitespace-normalized form of a packet, used by
// the no-progress guard to detect a manager repeating itself verbatim.
// This is a deliberate approximation: cosmetic rewording resets the
// counter even if the manager is still looping.
func Signature(raw string) string {
	return strings.Join(strings.Fields(raw), " ")
}

// ChangesEmpty reports whether the executor declared no changes
func ChangesEmpty(log *ExecLog) bool {
	c := strings.ToLower(strings.TrimSpace(log.Changes))
	return c == "" || c == "none" || c == "no changes" || c == "n/a"
}

// CommandLines returns the individual command lines the executor reported,
// with blank lines and code fences stripped
func CommandLines(log *ExecLog) []string {
	var out []string
	for _, line := range strings.Split(log.Commands, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "```") {
			continue
		}
		line = strings.TrimPrefix(line, "- ")
		line = strings.TrimPrefix(line, "$ ")
		out = append(out, line)
	}
	return out
}
