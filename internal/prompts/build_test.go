package prompts

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestBuildManagerSeedPrompt(t *testing.T) {
	l := NewLoader()
	out, err := l.BuildManagerSeedPrompt(TurnData{
		TurnIndex:   1,
		Plan:        "Ship the widget service.",
		Conventions: "Table-driven tests only.",
		RepoContext: "tree: cmd/ internal/",
		Injected:    []string{"focus on the API first"},
	})
	if err != nil {
		t.Fatal(err)
	}

	for _, want := range []string{
		"ROLE: manager",
		"Ship the widget service.",
		"Table-driven tests only.",
		"tree: cmd/ internal/",
		"focus on the API first",
		"<MANAGER_PACKET>",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("seed prompt missing %q", want)
		}
	}
	if strings.Contains(out, "---\nid:") {
		t.Error("frontmatter leaked into rendered prompt")
	}
}

func TestBuildManagerSeedPrompt_RolloverReplacesPlan(t *testing.T) {
	l := NewLoader()
	out, err := l.BuildManagerSeedPrompt(TurnData{
		TurnIndex:       1,
		Plan:            "full plan text",
		RolloverSummary: "We finished phases 1-2; phase 3 remains.",
	})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "phase 3 remains") {
		t.Error("rollover summary not rendered")
	}
	if strings.Contains(out, "full plan text") {
		t.Error("plan rendered despite rollover summary")
	}
}

func TestBuildManagerDeltaPrompt_OmitsPlan(t *testing.T) {
	l := NewLoader()
	out, err := l.BuildManagerDeltaPrompt(TurnData{
		TurnIndex:   3,
		LastExecLog: "<EXEC_LOG>did things</EXEC_LOG>",
	})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "ROLE: manager") {
		t.Error("delta prompt missing role marker")
	}
	if !strings.Contains(out, "did things") {
		t.Error("delta prompt missing last exec log")
	}
	if strings.Contains(out, "## Plan") {
		t.Error("delta prompt restates the plan")
	}
}

func TestBuildExecutorPrompts(t *testing.T) {
	l := NewLoader()
	packet := "## Task\nAdd the handler."

	seed, err := l.BuildExecutorSeedPrompt(TurnData{
		TurnIndex:     1,
		Plan:          "the plan",
		ManagerPacket: packet,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(seed, "ROLE: executor") {
		t.Error("seed prompt missing role marker")
	}
	if !strings.Contains(seed, "Add the handler.") {
		t.Error("seed prompt missing manager packet")
	}
	if !strings.Contains(seed, "the plan") {
		t.Error("seed prompt missing plan")
	}

	plain, err := l.BuildExecutorPrompt(TurnData{
		TurnIndex:     2,
		ManagerPacket: packet,
		Injected:      []string{"do not touch the schema"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(plain, "Add the handler.") {
		t.Error("prompt missing manager packet")
	}
	if !strings.Contains(plain, "do not touch the schema") {
		t.Error("prompt missing injected message")
	}
}

func TestBuildAskPrompt(t *testing.T) {
	l := NewLoader()
	out, err := l.BuildAskPrompt(AskData{
		Question: "Where does auth live?",
		Plan:     "auth plan",
	})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "Where does auth live?") {
		t.Error("ask prompt missing question")
	}
}

func TestLoader_OverrideDirWins(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "turn"), 0o755); err != nil {
		t.Fatal(err)
	}
	custom := "CUSTOM TEMPLATE turn {{.TurnIndex}}"
	if err := os.WriteFile(filepath.Join(dir, "turn", "executor.md"), []byte(custom), 0o644); err != nil {
		t.Fatal(err)
	}

	l := NewLoader(dir)
	out, err := l.BuildExecutorPrompt(TurnData{TurnIndex: 7})
	if err != nil {
		t.Fatal(err)
	}
	if out != "CUSTOM TEMPLATE turn 7" {
		t.Errorf("override not applied: %q", out)
	}
}

func TestParseFrontmatter(t *testing.T) {
	meta, body, err := parseFrontmatter([]byte("---\nid: x\nname: X\n---\nbody text"))
	if err != nil {
		t.Fatal(err)
	}
	if meta == nil || meta.ID != "x" {
		t.Errorf("meta = %+v, want id x", meta)
	}
	if body != "body text" {
		t.Errorf("body = %q, want %q", body, "body text")
	}

	meta, body, err = parseFrontmatter([]byte("no frontmatter here"))
	if err != nil {
		t.Fatal(err)
	}
	if meta != nil {
		t.Errorf("meta = %+v, want nil", meta)
	}
	if body != "no frontmatter here" {
		t.Errorf("body = %q", body)
	}
}
