package store

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/duetorch/duet/internal/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func seedWorkspace(t *testing.T, store *Store) *domain.Workspace {
	t.Helper()
	ws := &domain.Workspace{
		ID:        "ws-1",
		Name:      "demo",
		RootDir:   "/tmp/demo",
		PlanPath:  "PLAN.md",
		CreatedAt: time.Now(),
	}
	if err := store.CreateWorkspace(ws); err != nil {
		t.Fatal(err)
	}
	return ws
}

func seedSession(t *testing.T, store *Store, id string, role domain.Role) *domain.Session {
	t.Helper()
	sess := &domain.Session{
		ID:          id,
		WorkspaceID: "ws-1",
		Role:        role,
		Provider:    "fake",
		Config:      domain.SessionConfig{Sandbox: domain.SandboxWorkspaceWrite},
		CreatedAt:   time.Now(),
	}
	if err := store.CreateSession(sess); err != nil {
		t.Fatal(err)
	}
	return sess
}

func seedRun(t *testing.T, store *Store, id string) *domain.Run {
	t.Helper()
	run := &domain.Run{
		ID:                id,
		WorkspaceID:       "ws-1",
		ManagerSessionID:  "sess-m",
		ExecutorSessionID: "sess-e",
		Status:            domain.RunIdle,
		Options:           domain.RunOptions{MaxTurns: 10},
		CreatedAt:         time.Now(),
	}
	if err := store.CreateRun(run); err != nil {
		t.Fatal(err)
	}
	return run
}

func seedAll(t *testing.T, store *Store) {
	t.Helper()
	seedWorkspace(t, store)
	seedSession(t, store, "sess-m", domain.RoleManager)
	seedSession(t, store, "sess-e", domain.RoleExecutor)
	seedRun(t, store, "run-1")
}

func TestStore_WorkspaceRoundtrip(t *testing.T) {
	store := newTestStore(t)
	ws := seedWorkspace(t, store)

	got, err := store.GetWorkspace(ws.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "demo" {
		t.Errorf("Name = %q, want %q", got.Name, "demo")
	}
	if got.PlanPath != "PLAN.md" {
		t.Errorf("PlanPath = %q, want %q", got.PlanPath, "PLAN.md")
	}
}

func TestStore_DeleteWorkspaceCascades(t *testing.T) {
	store := newTestStore(t)
	seedAll(t, store)

	if err := store.DeleteWorkspace("ws-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.GetSession("sess-m"); err == nil {
		t.Error("session survived workspace delete")
	}
	if _, err := store.GetRun("run-1"); err == nil {
		t.Error("run survived workspace delete")
	}
}

func TestStore_SessionProviderIDGuard(t *testing.T) {
	store := newTestStore(t)
	seedWorkspace(t, store)
	seedSession(t, store, "sess-m", domain.RoleManager)

	if err := store.SetSessionProviderID("sess-m", "handle-1"); err != nil {
		t.Fatal(err)
	}
	// Same handle again is fine (liveness touch)
	if err := store.SetSessionProviderID("sess-m", "handle-1"); err != nil {
		t.Errorf("re-setting identical handle: %v", err)
	}
	// A different handle must be refused until rollover
	if err := store.SetSessionProviderID("sess-m", "handle-2"); err == nil {
		t.Error("overwrote a different provider session id")
	}

	if err := store.RolloverSession("sess-m", "summary.md"); err != nil {
		t.Fatal(err)
	}
	got, err := store.GetSession("sess-m")
	if err != nil {
		t.Fatal(err)
	}
	if got.ProviderSessionID != "" {
		t.Errorf("ProviderSessionID after rollover = %q, want empty", got.ProviderSessionID)
	}
	if got.Config.RolloverSummaryPath != "summary.md" {
		t.Errorf("RolloverSummaryPath = %q, want %q", got.Config.RolloverSummaryPath, "summary.md")
	}
	if err := store.SetSessionProviderID("sess-m", "handle-2"); err != nil {
		t.Errorf("setting handle after rollover: %v", err)
	}
}

func TestStore_UpdateRunPartialPatch(t *testing.T) {
	store := newTestStore(t)
	seedAll(t, store)

	status := domain.RunRunning
	now := time.Now()
	if err := store.UpdateRun("run-1", RunPatch{Status: &status, StartedAt: &now}); err != nil {
		t.Fatal(err)
	}

	// Patch only the turn index; status must survive
	idx := 4
	if err := store.UpdateRun("run-1", RunPatch{TurnIndex: &idx}); err != nil {
		t.Fatal(err)
	}

	got, err := store.GetRun("run-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.RunRunning {
		t.Errorf("Status = %q, want %q", got.Status, domain.RunRunning)
	}
	if got.TurnIndex != 4 {
		t.Errorf("TurnIndex = %d, want 4", got.TurnIndex)
	}
	if got.Options.MaxTurns != 10 {
		t.Errorf("Options.MaxTurns = %d, want 10", got.Options.MaxTurns)
	}
	if got.StartedAt == nil {
		t.Error("StartedAt lost by partial patch")
	}
}

func TestStore_UpdateRunNotFound(t *testing.T) {
	store := newTestStore(t)
	seedAll(t, store)

	status := domain.RunDone
	if err := store.UpdateRun("missing", RunPatch{Status: &status}); err == nil {
		t.Error("expected error for missing run")
	}
}

func TestStore_TurnPatchAndLookup(t *testing.T) {
	store := newTestStore(t)
	seedAll(t, store)

	turn := &domain.Turn{ID: "turn-1", RunID: "run-1", Idx: 1, StartedAt: time.Now()}
	if err := store.CreateTurn(turn); err != nil {
		t.Fatal(err)
	}

	out := "<EXEC_LOG>done</EXEC_LOG>"
	meta := &domain.RoleMeta{ExitCode: 0, Strategy: "resume-json", Resumed: true}
	if err := store.UpdateTurn("turn-1", TurnPatch{ExecutorOutput: &out, ExecutorMeta: meta}); err != nil {
		t.Fatal(err)
	}

	got, err := store.GetTurnByIdx("run-1", 1)
	if err != nil {
		t.Fatal(err)
	}
	if got.ExecutorOutput != out {
		t.Errorf("ExecutorOutput = %q, want %q", got.ExecutorOutput, out)
	}
	if got.ExecutorMeta == nil || got.ExecutorMeta.Strategy != "resume-json" {
		t.Errorf("ExecutorMeta = %+v, want strategy resume-json", got.ExecutorMeta)
	}
	if got.ManagerMeta != nil {
		t.Errorf("ManagerMeta = %+v, want nil", got.ManagerMeta)
	}

	// Duplicate idx within the run must be rejected
	dup := &domain.Turn{ID: "turn-dup", RunID: "run-1", Idx: 1, StartedAt: time.Now()}
	if err := store.CreateTurn(dup); err == nil {
		t.Error("duplicate turn idx accepted")
	}
}

func TestStore_EventSequence(t *testing.T) {
	store := newTestStore(t)
	seedAll(t, store)

	for seq := int64(1); seq <= 5; seq++ {
		ev := &domain.Event{RunID: "run-1", Seq: seq, Ts: time.Now(), Kind: domain.EventStatus}
		if err := store.InsertEvent(ev); err != nil {
			t.Fatal(err)
		}
	}

	// Duplicate sequence numbers are upstream bugs and must surface
	dup := &domain.Event{RunID: "run-1", Seq: 3, Ts: time.Now(), Kind: domain.EventStatus}
	if err := store.InsertEvent(dup); err == nil {
		t.Error("duplicate (run, seq) accepted")
	}

	events, err := store.ListEventsAfter("run-1", 2, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 3 {
		t.Fatalf("events after cursor 2 = %d, want 3", len(events))
	}
	for i, ev := range events {
		if ev.Seq != int64(3+i) {
			t.Errorf("events[%d].Seq = %d, want %d", i, ev.Seq, 3+i)
		}
	}

	max, err := store.GetMaxEventSeq("run-1")
	if err != nil {
		t.Fatal(err)
	}
	if max != 5 {
		t.Errorf("GetMaxEventSeq = %d, want 5", max)
	}

	max, err = store.GetMaxEventSeq("no-such-run")
	if err != nil {
		t.Fatal(err)
	}
	if max != 0 {
		t.Errorf("GetMaxEventSeq for unknown run = %d, want 0", max)
	}
}

func TestStore_ListEventsAfterBoundsPage(t *testing.T) {
	store := newTestStore(t)
	seedAll(t, store)

	for seq := int64(1); seq <= int64(DefaultEventPageSize)+10; seq++ {
		ev := &domain.Event{RunID: "run-1", Seq: seq, Ts: time.Now(), Kind: domain.EventPartial}
		if err := store.InsertEvent(ev); err != nil {
			t.Fatal(err)
		}
	}

	events, err := store.ListEventsAfter("run-1", 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != DefaultEventPageSize {
		t.Errorf("page size = %d, want %d", len(events), DefaultEventPageSize)
	}
}

func TestStore_PruneKeepsLiveRuns(t *testing.T) {
	store := newTestStore(t)
	seedAll(t, store)
	seedRun(t, store, "run-2")

	old := time.Now().Add(-48 * time.Hour)
	for _, runID := range []string{"run-1", "run-2"} {
		ev := &domain.Event{RunID: runID, Seq: 1, Ts: old, Kind: domain.EventStatus}
		if err := store.InsertEvent(ev); err != nil {
			t.Fatal(err)
		}
	}
	status := domain.RunDone
	if err := store.UpdateRun("run-1", RunPatch{Status: &status}); err != nil {
		t.Fatal(err)
	}

	n, err := store.PruneEventsBefore(time.Now().Add(-24 * time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("pruned = %d, want 1", n)
	}

	left, _ := store.ListEventsAfter("run-2", 0, 0)
	if len(left) != 1 {
		t.Errorf("live run lost its events: %d left, want 1", len(left))
	}
}

func TestStore_AskClaimAndFlip(t *testing.T) {
	store := newTestStore(t)
	seedWorkspace(t, store)

	id1, err := store.EnqueueAsk("ws-1", "thread-a", "first")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.EnqueueAsk("ws-1", "thread-a", "second"); err != nil {
		t.Fatal(err)
	}

	msg, err := store.ClaimNextAsk("thread-a")
	if err != nil {
		t.Fatal(err)
	}
	if msg.ID != id1 {
		t.Errorf("claimed id = %d, want oldest %d", msg.ID, id1)
	}
	if msg.Status != domain.AskRunning {
		t.Errorf("Status = %q, want %q", msg.Status, domain.AskRunning)
	}

	if err := store.FinishAsk(msg.ID, domain.AskDone, "answer", ""); err != nil {
		t.Fatal(err)
	}

	// Second claim gets the second message, third finds the queue empty
	msg2, err := store.ClaimNextAsk("thread-a")
	if err != nil {
		t.Fatal(err)
	}
	if msg2.Text != "second" {
		t.Errorf("Text = %q, want %q", msg2.Text, "second")
	}
	if _, err := store.ClaimNextAsk("thread-a"); !errors.Is(err, ErrNoQueuedMessage) {
		t.Errorf("err = %v, want ErrNoQueuedMessage", err)
	}
}

func TestStore_AskClaimRace(t *testing.T) {
	store := newTestStore(t)
	seedWorkspace(t, store)

	const messages = 20
	for i := 0; i < messages; i++ {
		if _, err := store.EnqueueAsk("ws-1", "thread-r", "msg"); err != nil {
			t.Fatal(err)
		}
	}

	var mu sync.Mutex
	claimed := make(map[int64]int)
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				msg, err := store.ClaimNextAsk("thread-r")
				if errors.Is(err, ErrNoQueuedMessage) {
					return
				}
				if err != nil {
					t.Error(err)
					return
				}
				mu.Lock()
				claimed[msg.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(claimed) != messages {
		t.Errorf("claimed %d distinct messages, want %d", len(claimed), messages)
	}
	for id, n := range claimed {
		if n != 1 {
			t.Errorf("message %d claimed %d times", id, n)
		}
	}
}
