package provider

import (
	"bufio"
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// streamState accumulates what an adapter's line parser extracts from
// structured stdout
type streamState struct {
	mu          sync.Mutex
	sessionID   string
	lastMessage string
	partial     func(text string)
}

func (st *streamState) setSessionID(id string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.sessionID == "" && id != "" {
		st.sessionID = id
	}
}

func (st *streamState) setLastMessage(text string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if text != "" {
		st.lastMessage = text
	}
}

func (st *streamState) emitPartial(text string) {
	if st.partial != nil && text != "" {
		st.partial(text)
	}
}

// parseFunc consumes one structured stdout line. Plain-text attempts do
// not use it; their full stdout becomes the final message.
type parseFunc func(line string, st *streamState)

type attemptOutcome struct {
	exitCode    int
	signal      string
	lastMessage string
	sessionID   string
	aborted     bool
	err         error
}

// runAttempt executes one subprocess attempt, streaming stdout/stderr to
// the attempt directory for forensic replay. Cancellation kills the
// whole process tree, not just the immediate child.
func runAttempt(ctx context.Context, req Request, spec attemptSpec, attemptDir string, cmd *exec.Cmd, parse parseFunc) attemptOutcome {
	var out attemptOutcome

	if err := os.MkdirAll(attemptDir, 0o755); err != nil {
		out.err = err
		out.exitCode = -1
		return out
	}
	stdoutLog, err := os.Create(filepath.Join(attemptDir, "stdout.log"))
	if err != nil {
		out.err = err
		out.exitCode = -1
		return out
	}
	defer stdoutLog.Close()
	stderrLog, err := os.Create(filepath.Join(attemptDir, "stderr.log"))
	if err != nil {
		out.err = err
		out.exitCode = -1
		return out
	}
	defer stderrLog.Close()

	setupProcessGroup(cmd)
	cmd.Cancel = func() error { return killTree(cmd) }
	cmd.WaitDelay = 5 * time.Second

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		out.err = err
		out.exitCode = -1
		return out
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		out.err = err
		out.exitCode = -1
		return out
	}

	if err := cmd.Start(); err != nil {
		out.err = err
		out.exitCode = -1
		return out
	}

	st := &streamState{partial: req.OnPartial}
	var textBuf strings.Builder

	var g errgroup.Group
	g.Go(func() error {
		scanner := newLineScanner(stdout)
		for scanner.Scan() {
			line := scanner.Text()
			stdoutLog.WriteString(line + "\n")
			if spec.JSON && parse != nil {
				parse(line, st)
			} else {
				textBuf.WriteString(line + "\n")
				st.emitPartial(line)
			}
		}
		return scanner.Err()
	})
	g.Go(func() error {
		scanner := newLineScanner(stderr)
		for scanner.Scan() {
			line := scanner.Text()
			stderrLog.WriteString(line + "\n")
			if req.OnStderrLine != nil {
				req.OnStderrLine(line)
			}
		}
		return scanner.Err()
	})

	readErr := g.Wait()
	waitErr := cmd.Wait()

	if !spec.JSON {
		st.setLastMessage(strings.TrimSpace(textBuf.String()))
	}

	st.mu.Lock()
	out.lastMessage = st.lastMessage
	out.sessionID = st.sessionID
	st.mu.Unlock()

	os.WriteFile(filepath.Join(attemptDir, "last_message.txt"), []byte(out.lastMessage), 0o644)

	if ctx.Err() != nil {
		out.aborted = true
	}

	if ps := cmd.ProcessState; ps != nil {
		out.exitCode = ps.ExitCode()
		out.signal = exitSignal(ps)
	} else {
		out.exitCode = -1
	}
	if waitErr != nil {
		out.err = waitErr
	} else if readErr != nil {
		out.err = readErr
	}
	return out
}

// newLineScanner returns a scanner sized for long JSON lines
func newLineScanner(r io.Reader) *bufio.Scanner {
	scanner := bufio.NewScanner(r)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 2*1024*1024)
	return scanner
}
