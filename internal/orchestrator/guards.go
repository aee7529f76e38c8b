package orchestrator

import (
	"regexp"

	"github.com/duetorch/duet/internal/protocol"
)

// dangerousPatterns match command lines an executor should never run
// unattended. Matching a reported command pauses the run for review; the
// command has already executed, this is detection, not prevention.
// Patterns match case-insensitively; agents report commands with
// arbitrary casing.
var dangerousPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\brm\s+(-[a-zA-Z]*[rf][a-zA-Z]*\s+)+(/|~|\*|\$HOME)`),
	regexp.MustCompile(`(?i)\bsudo\s+rm\b`),
	regexp.MustCompile(`(?i)\bmkfs(\.\w+)?\b`),
	regexp.MustCompile(`(?i)\bdd\b.*\bof=/dev/`),
	regexp.MustCompile(`(?i)\b(fdisk|parted|wipefs)\b`),
	regexp.MustCompile(`(?i)\bchmod\s+(-[a-zA-Z]+\s+)*777\s+/`),
	regexp.MustCompile(`(?i)\bgit\s+push\s+.*(--force|-f)\b`),
	regexp.MustCompile(`(?i)\bgit\s+(reset\s+--hard|clean\s+-[a-zA-Z]*f)`),
	regexp.MustCompile(`(?i)\b(shutdown|reboot|halt)\b`),
	regexp.MustCompile(`:\(\)\s*\{.*\|.*&.*\}`),
	regexp.MustCompile(`(?i)>\s*/dev/(sd|nvme|hd)`),
}

// dangerousCommand scans a single command line and returns the pattern
// that flagged it
func dangerousCommand(line string) (string, bool) {
	for _, pat := range dangerousPatterns {
		if pat.MatchString(line) {
			return pat.String(), true
		}
	}
	return "", false
}

// scanCommands returns the first flagged command line from an exec log
func scanCommands(log *protocol.ExecLog) (line, pattern string, flagged bool) {
	for _, cmd := range protocol.CommandLines(log) {
		if pat, ok := dangerousCommand(cmd); ok {
			return cmd, pat, true
		}
	}
	return "", "", false
}

// progressTracker detects a manager looping without effect: consecutive
// turns where the executor reports no changes and the packet signature
// repeats verbatim. The streak resets on any change or reworded packet.
type progressTracker struct {
	limit   int // 0 disables the guard
	lastSig string
	streak  int
}

// observe records one completed turn and reports whether the no-progress
// threshold has been reached
func (t *progressTracker) observe(sig string, emptyChanges bool) bool {
	repeats := emptyChanges && sig != "" && sig == t.lastSig
	t.lastSig = sig
	if repeats {
		t.streak++
	} else {
		t.streak = 0
	}
	return t.limit > 0 && t.streak >= t.limit
}
