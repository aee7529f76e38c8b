package askloop

import (
	"fmt"
	"testing"
	"time"

	"github.com/duetorch/duet/internal/domain"
	"github.com/duetorch/duet/internal/hub"
	"github.com/duetorch/duet/internal/prompts"
	"github.com/duetorch/duet/internal/provider"
	"github.com/duetorch/duet/internal/store"
)

func newService(t *testing.T) (*Service, *store.Store, *provider.Fake) {
	t.Helper()
	st, err := store.New(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	ws := &domain.Workspace{ID: "ws-1", Name: "demo", RootDir: t.TempDir(), CreatedAt: time.Now()}
	if err := st.CreateWorkspace(ws); err != nil {
		t.Fatal(err)
	}

	fake := provider.NewFake(0)
	provider.Register(fake)

	svc := New(st, hub.New(st), prompts.NewLoader(), nil, Options{
		Provider:    "fake",
		ArtifactDir: t.TempDir(),
		Timeout:     5 * time.Second,
	})
	t.Cleanup(svc.Close)
	return svc, st, fake
}

func waitSettled(t *testing.T, st *store.Store, id int64) *domain.AskMessage {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		msgs, err := st.ListAskMessages("thread-a", 0, 0)
		if err != nil {
			t.Fatal(err)
		}
		for _, msg := range msgs {
			if msg.ID == id && (msg.Status == domain.AskDone || msg.Status == domain.AskFailed) {
				return msg
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("message %d never settled", id)
	return nil
}

func TestSend_AnswersQuestion(t *testing.T) {
	svc, st, fake := newService(t)
	fake.Script("Auth lives in internal/auth.")

	id, err := svc.Send("ws-1", "thread-a", "Where does auth live?")
	if err != nil {
		t.Fatal(err)
	}
	msg := waitSettled(t, st, id)

	if msg.Status != domain.AskDone {
		t.Errorf("Status = %q (error %q), want %q", msg.Status, msg.Error, domain.AskDone)
	}
	if msg.Reply != "Auth lives in internal/auth." {
		t.Errorf("Reply = %q", msg.Reply)
	}

	// The invocation is stateless and read-only
	calls := fake.Calls()
	if len(calls) != 1 {
		t.Fatalf("provider calls = %d, want 1", len(calls))
	}
	if calls[0].Config.Resume != domain.ResumeNever {
		t.Errorf("Resume = %q, want %q", calls[0].Config.Resume, domain.ResumeNever)
	}
	if calls[0].Sandbox != domain.SandboxReadOnly {
		t.Errorf("Sandbox = %q, want %q", calls[0].Sandbox, domain.SandboxReadOnly)
	}
}

func TestSend_UnknownWorkspace(t *testing.T) {
	svc, _, _ := newService(t)
	if _, err := svc.Send("no-such-ws", "thread-a", "hi"); err == nil {
		t.Error("unknown workspace accepted")
	}
}

func TestSend_DrainsQueueInOrder(t *testing.T) {
	svc, st, fake := newService(t)

	const n = 5
	for i := 0; i < n; i++ {
		fake.Script(fmt.Sprintf("answer %d", i))
	}
	ids := make([]int64, n)
	for i := 0; i < n; i++ {
		id, err := svc.Send("ws-1", "thread-a", fmt.Sprintf("question %d", i))
		if err != nil {
			t.Fatal(err)
		}
		ids[i] = id
	}

	for i, id := range ids {
		msg := waitSettled(t, st, id)
		if msg.Status != domain.AskDone {
			t.Errorf("message %d status = %q (error %q)", i, msg.Status, msg.Error)
		}
		if want := fmt.Sprintf("answer %d", i); msg.Reply != want {
			t.Errorf("message %d reply = %q, want %q", i, msg.Reply, want)
		}
	}
}

func TestSend_FailureRecorded(t *testing.T) {
	svc, st, fake := newService(t)
	fake.FailAttempts("stateless-json", "stateless-text")

	id, err := svc.Send("ws-1", "thread-a", "doomed question")
	if err != nil {
		t.Fatal(err)
	}
	msg := waitSettled(t, st, id)

	if msg.Status != domain.AskFailed {
		t.Errorf("Status = %q, want %q", msg.Status, domain.AskFailed)
	}
	if msg.Error == "" {
		t.Error("failed message has no error")
	}
	if msg.Reply != "" {
		t.Errorf("Reply = %q, want empty", msg.Reply)
	}
}
