package protocol

import (
	"strings"
	"testing"
)

func TestIsDone(t *testing.T) {
	cases := []struct {
		output string
		want   bool
	}{
		{"Done", true},
		{"  Done  \n", true},
		{"All tests pass.\nDone", true},
		{"All tests pass.\nDone\n", true},
		{"Done with the refactor, moving on", false},
		{"done", false},
		{"Almost Done", false},
		{"", false},
	}
	for _, c := range cases {
		if got := IsDone(c.output); got != c.want {
			t.Errorf("IsDone(%q) = %v, want %v", c.output, got, c.want)
		}
	}
}

func TestParseManagerPacket(t *testing.T) {
	output := `Some preamble the model emitted.

<MANAGER_PACKET>
## Summary
Wire the cache layer.

## Task
Add a TTL cache in internal/cache and route lookups through it.

## Risk
low
</MANAGER_PACKET>

Trailing chatter.`

	packet, err := ParseManagerPacket(output)
	if err != nil {
		t.Fatal(err)
	}
	if packet.Summary != "Wire the cache layer." {
		t.Errorf("Summary = %q, want %q", packet.Summary, "Wire the cache layer.")
	}
	if !strings.Contains(packet.Task, "TTL cache") {
		t.Errorf("Task = %q, want TTL cache instruction", packet.Task)
	}
	if packet.Risk != "low" {
		t.Errorf("Risk = %q, want %q", packet.Risk, "low")
	}
	if strings.Contains(packet.Raw, "preamble") || strings.Contains(packet.Raw, "Trailing") {
		t.Errorf("Raw leaked text outside the block: %q", packet.Raw)
	}
}

func TestParseManagerPacketErrors(t *testing.T) {
	if _, err := ParseManagerPacket("just prose, no block"); err == nil {
		t.Error("missing block accepted")
	}
	if _, err := ParseManagerPacket("<MANAGER_PACKET>\n## Task\nnever closed"); err == nil {
		t.Error("unterminated block accepted")
	}
}

func TestParseExecLog(t *testing.T) {
	output := `<EXEC_LOG>
## Summary
Added the cache.

## Changes
internal/cache/cache.go
internal/cache/cache_test.go

## Commands
- go build ./...
$ go test ./internal/cache

## Risk
none
</EXEC_LOG>`

	log, err := ParseExecLog(output)
	if err != nil {
		t.Fatal(err)
	}
	if log.Summary != "Added the cache." {
		t.Errorf("Summary = %q, want %q", log.Summary, "Added the cache.")
	}
	if ChangesEmpty(log) {
		t.Error("ChangesEmpty = true for a log with changes")
	}

	cmds := CommandLines(log)
	want := []string{"go build ./...", "go test ./internal/cache"}
	if len(cmds) != len(want) {
		t.Fatalf("CommandLines = %v, want %v", cmds, want)
	}
	for i := range want {
		if cmds[i] != want[i] {
			t.Errorf("CommandLines[%d] = %q, want %q", i, cmds[i], want[i])
		}
	}
}

func TestChangesEmpty(t *testing.T) {
	cases := []struct {
		changes string
		want    bool
	}{
		{"", true},
		{"none", true},
		{"None", true},
		{"no changes", true},
		{"N/A", true},
		{"internal/foo.go", false},
	}
	for _, c := range cases {
		log := &ExecLog{Changes: c.changes}
		if got := ChangesEmpty(log); got != c.want {
			t.Errorf("ChangesEmpty(%q) = %v, want %v", c.changes, got, c.want)
		}
	}
}

func TestCommandLinesStripFences(t *testing.T) {
	log := &ExecLog{Commands: "```sh\nmake lint\n```\n\n"}
	cmds := CommandLines(log)
	if len(cmds) != 1 || cmds[0] != "make lint" {
		t.Errorf("CommandLines = %v, want [make lint]", cmds)
	}
}

func TestSignature(t *testing.T) {
	a := Signature("## Task\n  do   the thing\n")
	b := Signature("## Task do the\nthing")
	if a != b {
		t.Errorf("signatures differ: %q vs %q", a, b)
	}
	c := Signature("## Task do another thing")
	if a == c {
		t.Error("distinct packets share a signature")
	}
}
