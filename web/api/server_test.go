package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/duetorch/duet/internal/askloop"
	"github.com/duetorch/duet/internal/config"
	"github.com/duetorch/duet/internal/domain"
	"github.com/duetorch/duet/internal/hub"
	"github.com/duetorch/duet/internal/orchestrator"
	"github.com/duetorch/duet/internal/prompts"
	"github.com/duetorch/duet/internal/provider"
	"github.com/duetorch/duet/internal/store"
)

const testToken = "test-token"

func newTestServer(t *testing.T, token string) (*Server, *store.Store) {
	t.Helper()
	st, err := store.New(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	provider.Register(provider.NewFake(0))

	h := hub.New(st)
	loader := prompts.NewLoader()
	sched := orchestrator.New(st, h, loader, nil, orchestrator.Options{ArtifactDir: t.TempDir()})
	ask := askloop.New(st, h, loader, nil, askloop.Options{Provider: "fake", ArtifactDir: t.TempDir()})
	t.Cleanup(ask.Close)

	srv := NewServer(st, sched, h, ask, config.WebConfig{AdminToken: token})
	return srv, st
}

func doRequest(t *testing.T, srv *Server, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("X-Admin-Token", token)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func seedWorkspace(t *testing.T, st *store.Store, rootDir string) {
	t.Helper()
	ws := &domain.Workspace{ID: "ws-1", Name: "demo", RootDir: rootDir, CreatedAt: time.Now()}
	if err := st.CreateWorkspace(ws); err != nil {
		t.Fatal(err)
	}
	for _, role := range []domain.Role{domain.RoleManager, domain.RoleExecutor} {
		sess := &domain.Session{
			ID:          "sess-" + string(role),
			WorkspaceID: "ws-1",
			Role:        role,
			Provider:    "fake",
			CreatedAt:   time.Now(),
		}
		if err := st.CreateSession(sess); err != nil {
			t.Fatal(err)
		}
	}
}

func TestStatusEndpoint(t *testing.T) {
	srv, st := newTestServer(t, testToken)
	seedWorkspace(t, st, t.TempDir())

	rec := doRequest(t, srv, http.MethodGet, "/api/status", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp StatusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Workspaces != 1 {
		t.Errorf("Workspaces = %d, want 1", resp.Workspaces)
	}
	if resp.ActiveRuns != 0 {
		t.Errorf("ActiveRuns = %d, want 0", resp.ActiveRuns)
	}
}

func TestAdminTokenGating(t *testing.T) {
	srv, _ := newTestServer(t, testToken)
	body := map[string]string{"name": "x", "root_dir": "/tmp/x"}

	rec := doRequest(t, srv, http.MethodPost, "/api/workspaces", "", body)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("no token: status = %d, want 401", rec.Code)
	}
	rec = doRequest(t, srv, http.MethodPost, "/api/workspaces", "wrong", body)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong token: status = %d, want 401", rec.Code)
	}
	rec = doRequest(t, srv, http.MethodPost, "/api/workspaces", testToken, body)
	if rec.Code != http.StatusOK {
		t.Errorf("valid token: status = %d, body %s", rec.Code, rec.Body.String())
	}
}

func TestEmptyTokenDisablesMutation(t *testing.T) {
	srv, _ := newTestServer(t, "")
	body := map[string]string{"name": "x", "root_dir": "/tmp/x"}

	rec := doRequest(t, srv, http.MethodPost, "/api/workspaces", "", body)
	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rec.Code)
	}
	// Reads stay open
	rec = doRequest(t, srv, http.MethodGet, "/api/workspaces", "", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("read status = %d, want 200", rec.Code)
	}
}

func TestCreateWorkspaceValidation(t *testing.T) {
	srv, _ := newTestServer(t, testToken)

	rec := doRequest(t, srv, http.MethodPost, "/api/workspaces", testToken,
		map[string]string{"name": "x", "root_dir": "relative/path"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("relative root: status = %d, want 400", rec.Code)
	}
	rec = doRequest(t, srv, http.MethodPost, "/api/workspaces", testToken,
		map[string]string{"root_dir": "/tmp/x"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing name: status = %d, want 400", rec.Code)
	}
	rec = doRequest(t, srv, http.MethodPost, "/api/workspaces", testToken,
		map[string]string{"name": "x", "root_dir": "/tmp/x", "bogus": "field"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("unknown field: status = %d, want 400", rec.Code)
	}
}

func TestRunLifecycleOverHTTP(t *testing.T) {
	srv, st := newTestServer(t, testToken)
	seedWorkspace(t, st, t.TempDir())

	rec := doRequest(t, srv, http.MethodPost, "/api/runs", testToken, map[string]any{
		"workspace_id":        "ws-1",
		"manager_session_id":  "sess-manager",
		"executor_session_id": "sess-executor",
		"options":             domain.RunOptions{MaxTurns: 1},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("create run: status = %d, body %s", rec.Code, rec.Body.String())
	}
	var run RunResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &run); err != nil {
		t.Fatal(err)
	}
	if run.Status != string(domain.RunIdle) {
		t.Errorf("Status = %q, want idle", run.Status)
	}

	rec = doRequest(t, srv, http.MethodPost, "/api/runs/"+run.ID+"/start", testToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("start run: status = %d, body %s", rec.Code, rec.Body.String())
	}

	// MaxTurns 1 drives the run to a terminal error quickly
	deadline := time.Now().Add(5 * time.Second)
	for {
		got, err := st.GetRun(run.ID)
		if err != nil {
			t.Fatal(err)
		}
		if got.Status.Terminal() {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("run stuck at %q", got.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Restarting a terminal run maps to 409
	rec = doRequest(t, srv, http.MethodPost, "/api/runs/"+run.ID+"/start", testToken, nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("restart terminal run: status = %d, want 409", rec.Code)
	}

	// Pause and stop of a terminal run are no-ops, not conflicts
	rec = doRequest(t, srv, http.MethodPost, "/api/runs/"+run.ID+"/pause", testToken, nil)
	if rec.Code != http.StatusOK {
		t.Errorf("pause terminal run: status = %d, want 200", rec.Code)
	}
	rec = doRequest(t, srv, http.MethodPost, "/api/runs/"+run.ID+"/stop", testToken, nil)
	if rec.Code != http.StatusOK {
		t.Errorf("stop terminal run: status = %d, want 200", rec.Code)
	}

	rec = doRequest(t, srv, http.MethodGet, "/api/runs/"+run.ID+"/turns", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list turns: status = %d", rec.Code)
	}
	var turns []TurnResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &turns); err != nil {
		t.Fatal(err)
	}
	if len(turns) != 1 {
		t.Errorf("turns = %d, want 1", len(turns))
	}
}

func TestBrowseWorkspaceConfinement(t *testing.T) {
	srv, st := newTestServer(t, testToken)
	root := t.TempDir()
	seedWorkspace(t, st, root)

	rec := doRequest(t, srv, http.MethodGet, "/api/workspaces/ws-1/files?path=../../etc/passwd", "", nil)
	if rec.Code != http.StatusNotFound && rec.Code != http.StatusBadRequest {
		t.Errorf("escape attempt: status = %d, want rejection", rec.Code)
	}
	if bytes.Contains(rec.Body.Bytes(), []byte("root:")) {
		t.Error("escape attempt leaked file content")
	}

	rec = doRequest(t, srv, http.MethodGet, "/api/workspaces/ws-1/files", "", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("root listing: status = %d, want 200", rec.Code)
	}
}

func TestRunNotFound(t *testing.T) {
	srv, _ := newTestServer(t, testToken)
	rec := doRequest(t, srv, http.MethodGet, "/api/runs/nope", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}
