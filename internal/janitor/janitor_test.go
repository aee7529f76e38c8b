package janitor

import (
	"testing"
	"time"

	"github.com/duetorch/duet/internal/domain"
	"github.com/duetorch/duet/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.New(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	ws := &domain.Workspace{ID: "ws-1", Name: "demo", RootDir: "/tmp/demo", CreatedAt: time.Now()}
	if err := st.CreateWorkspace(ws); err != nil {
		t.Fatal(err)
	}
	for _, role := range []domain.Role{domain.RoleManager, domain.RoleExecutor} {
		sess := &domain.Session{ID: "sess-" + string(role), WorkspaceID: "ws-1", Role: role, Provider: "fake", CreatedAt: time.Now()}
		if err := st.CreateSession(sess); err != nil {
			t.Fatal(err)
		}
	}
	return st
}

func addRun(t *testing.T, st *store.Store, id string, status domain.RunStatus) {
	t.Helper()
	run := &domain.Run{
		ID:                id,
		WorkspaceID:       "ws-1",
		ManagerSessionID:  "sess-manager",
		ExecutorSessionID: "sess-executor",
		Status:            domain.RunIdle,
		CreatedAt:         time.Now(),
	}
	if err := st.CreateRun(run); err != nil {
		t.Fatal(err)
	}
	if status != domain.RunIdle {
		if err := st.UpdateRun(id, store.RunPatch{Status: &status}); err != nil {
			t.Fatal(err)
		}
	}
}

func TestSweepStale(t *testing.T) {
	st := newTestStore(t)
	addRun(t, st, "run-stale", domain.RunRunning)
	addRun(t, st, "run-paused", domain.RunPaused)
	addRun(t, st, "run-done", domain.RunDone)

	j, err := New(st, "0 3 * * *", 30)
	if err != nil {
		t.Fatal(err)
	}
	swept, err := j.SweepStale()
	if err != nil {
		t.Fatal(err)
	}
	if swept != 1 {
		t.Errorf("swept = %d, want 1", swept)
	}

	got, err := st.GetRun("run-stale")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.RunError {
		t.Errorf("Status = %q, want %q", got.Status, domain.RunError)
	}
	if got.Error == "" || got.EndedAt == nil {
		t.Errorf("orphaned run missing error/EndedAt: %+v", got)
	}

	// Untouched states survive the sweep
	if got, _ := st.GetRun("run-paused"); got.Status != domain.RunPaused {
		t.Errorf("paused run flipped to %q", got.Status)
	}
	if got, _ := st.GetRun("run-done"); got.Status != domain.RunDone {
		t.Errorf("done run flipped to %q", got.Status)
	}
}

func TestPrune(t *testing.T) {
	st := newTestStore(t)
	addRun(t, st, "run-done", domain.RunDone)

	old := &domain.Event{RunID: "run-done", Seq: 1, Ts: time.Now().Add(-60 * 24 * time.Hour), Kind: domain.EventStatus}
	fresh := &domain.Event{RunID: "run-done", Seq: 2, Ts: time.Now(), Kind: domain.EventStatus}
	for _, ev := range []*domain.Event{old, fresh} {
		if err := st.InsertEvent(ev); err != nil {
			t.Fatal(err)
		}
	}

	j, err := New(st, "0 3 * * *", 30)
	if err != nil {
		t.Fatal(err)
	}
	pruned, err := j.Prune()
	if err != nil {
		t.Fatal(err)
	}
	if pruned != 1 {
		t.Errorf("pruned = %d, want 1", pruned)
	}

	left, err := st.ListEventsAfter("run-done", 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(left) != 1 || left[0].Seq != 2 {
		t.Errorf("remaining events = %+v, want only seq 2", left)
	}
}

func TestPrune_DisabledRetention(t *testing.T) {
	st := newTestStore(t)
	j, err := New(st, "0 3 * * *", 0)
	if err != nil {
		t.Fatal(err)
	}
	pruned, err := j.Prune()
	if err != nil {
		t.Fatal(err)
	}
	if pruned != 0 {
		t.Errorf("pruned = %d, want 0", pruned)
	}
}

func TestNew_RejectsBadCron(t *testing.T) {
	st := newTestStore(t)
	if _, err := New(st, "not a cron", 30); err == nil {
		t.Error("invalid cron accepted")
	}
}
