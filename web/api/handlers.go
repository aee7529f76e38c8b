package api

import (
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/duetorch/duet/internal/domain"
	"github.com/duetorch/duet/internal/orchestrator"
)

// StatusResponse is the API response for overall daemon status
type StatusResponse struct {
	StartedAt  string `json:"started_at"`
	Uptime     string `json:"uptime"`
	Workspaces int    `json:"workspaces"`
	ActiveRuns int    `json:"active_runs"`
}

// WorkspaceResponse is the API response for a workspace
type WorkspaceResponse struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	RootDir          string `json:"root_dir"`
	PlanPath         string `json:"plan_path,omitempty"`
	ConventionPath   string `json:"convention_path,omitempty"`
	RequirementsPath string `json:"requirements_path,omitempty"`
	CreatedAt        string `json:"created_at"`
}

// SessionResponse is the API response for a session
type SessionResponse struct {
	ID                string               `json:"id"`
	WorkspaceID       string               `json:"workspace_id"`
	Role              string               `json:"role"`
	Provider          string               `json:"provider"`
	ProviderSessionID string               `json:"provider_session_id,omitempty"`
	Config            domain.SessionConfig `json:"config"`
	LastActiveAt      string               `json:"last_active_at,omitempty"`
}

// RunResponse is the API response for a run
type RunResponse struct {
	ID                string            `json:"id"`
	WorkspaceID       string            `json:"workspace_id"`
	ManagerSessionID  string            `json:"manager_session_id"`
	ExecutorSessionID string            `json:"executor_session_id"`
	Status            string            `json:"status"`
	TurnIndex         int               `json:"turn_index"`
	Options           domain.RunOptions `json:"options"`
	Error             string            `json:"error,omitempty"`
	Active            bool              `json:"active"`
	CreatedAt         string            `json:"created_at"`
	StartedAt         *string           `json:"started_at,omitempty"`
	EndedAt           *string           `json:"ended_at,omitempty"`
}

// TurnResponse is the API response for a turn
type TurnResponse struct {
	ID             string           `json:"id"`
	Idx            int              `json:"idx"`
	ManagerOutput  string           `json:"manager_output,omitempty"`
	ExecutorOutput string           `json:"executor_output,omitempty"`
	ManagerMeta    *domain.RoleMeta `json:"manager_meta,omitempty"`
	ExecutorMeta   *domain.RoleMeta `json:"executor_meta,omitempty"`
	StartedAt      string           `json:"started_at"`
	EndedAt        *string          `json:"ended_at,omitempty"`
}

// FileEntry is one row of a workspace directory listing
type FileEntry struct {
	Name  string `json:"name"`
	Size  string `json:"size,omitempty"`
	IsDir bool   `json:"is_dir"`
}

// AskMessageResponse is the API response for an ask message
type AskMessageResponse struct {
	ID        int64  `json:"id"`
	ThreadID  string `json:"thread_id"`
	Status    string `json:"status"`
	Text      string `json:"text"`
	Reply     string `json:"reply,omitempty"`
	Error     string `json:"error,omitempty"`
	CreatedAt string `json:"created_at"`
}

func workspaceToResponse(ws *domain.Workspace) WorkspaceResponse {
	return WorkspaceResponse{
		ID:               ws.ID,
		Name:             ws.Name,
		RootDir:          ws.RootDir,
		PlanPath:         ws.PlanPath,
		ConventionPath:   ws.ConventionPath,
		RequirementsPath: ws.RequirementsPath,
		CreatedAt:        ws.CreatedAt.Format(time.RFC3339),
	}
}

func sessionToResponse(sess *domain.Session) SessionResponse {
	resp := SessionResponse{
		ID:                sess.ID,
		WorkspaceID:       sess.WorkspaceID,
		Role:              string(sess.Role),
		Provider:          sess.Provider,
		ProviderSessionID: sess.ProviderSessionID,
		Config:            sess.Config,
	}
	if !sess.LastActiveAt.IsZero() {
		resp.LastActiveAt = humanize.Time(sess.LastActiveAt)
	}
	return resp
}

func (s *Server) runToResponse(run *domain.Run) RunResponse {
	resp := RunResponse{
		ID:                run.ID,
		WorkspaceID:       run.WorkspaceID,
		ManagerSessionID:  run.ManagerSessionID,
		ExecutorSessionID: run.ExecutorSessionID,
		Status:            string(run.Status),
		TurnIndex:         run.TurnIndex,
		Options:           run.Options,
		Error:             run.Error,
		Active:            s.sched.Active(run.ID),
		CreatedAt:         run.CreatedAt.Format(time.RFC3339),
	}
	if run.StartedAt != nil {
		t := run.StartedAt.Format(time.RFC3339)
		resp.StartedAt = &t
	}
	if run.EndedAt != nil {
		t := run.EndedAt.Format(time.RFC3339)
		resp.EndedAt = &t
	}
	return resp
}

func turnToResponse(turn *domain.Turn) TurnResponse {
	resp := TurnResponse{
		ID:             turn.ID,
		Idx:            turn.Idx,
		ManagerOutput:  turn.ManagerOutput,
		ExecutorOutput: turn.ExecutorOutput,
		ManagerMeta:    turn.ManagerMeta,
		ExecutorMeta:   turn.ExecutorMeta,
		StartedAt:      turn.StartedAt.Format(time.RFC3339),
	}
	if turn.EndedAt != nil {
		t := turn.EndedAt.Format(time.RFC3339)
		resp.EndedAt = &t
	}
	return resp
}

func askToResponse(msg *domain.AskMessage) AskMessageResponse {
	return AskMessageResponse{
		ID:        msg.ID,
		ThreadID:  msg.ThreadID,
		Status:    string(msg.Status),
		Text:      msg.Text,
		Reply:     msg.Reply,
		Error:     msg.Error,
		CreatedAt: msg.CreatedAt.Format(time.RFC3339),
	}
}

func (s *Server) statusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		workspaces, err := s.store.ListWorkspaces()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, StatusResponse{
			StartedAt:  s.startedAt.Format(time.RFC3339),
			Uptime:     humanize.Time(s.startedAt),
			Workspaces: len(workspaces),
			ActiveRuns: s.sched.ActiveCount(),
		})
	}
}

func (s *Server) workspacesHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			workspaces, err := s.store.ListWorkspaces()
			if err != nil {
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
			resp := make([]WorkspaceResponse, 0, len(workspaces))
			for _, ws := range workspaces {
				resp = append(resp, workspaceToResponse(ws))
			}
			writeJSON(w, resp)

		case http.MethodPost:
			if !s.requireAdmin(w, r) {
				return
			}
			var req struct {
				Name             string `json:"name"`
				RootDir          string `json:"root_dir"`
				PlanPath         string `json:"plan_path"`
				ConventionPath   string `json:"convention_path"`
				RequirementsPath string `json:"requirements_path"`
			}
			if err := decodeBody(r, &req); err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			if req.Name == "" || !filepath.IsAbs(req.RootDir) {
				writeError(w, http.StatusBadRequest, "name and an absolute root_dir are required")
				return
			}
			ws := &domain.Workspace{
				ID:               uuid.NewString(),
				Name:             req.Name,
				RootDir:          filepath.Clean(req.RootDir),
				PlanPath:         req.PlanPath,
				ConventionPath:   req.ConventionPath,
				RequirementsPath: req.RequirementsPath,
				CreatedAt:        time.Now(),
			}
			if err := s.store.CreateWorkspace(ws); err != nil {
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
			writeJSON(w, workspaceToResponse(ws))

		default:
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	}
}

func (s *Server) workspaceHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimPrefix(r.URL.Path, "/api/workspaces/")
		id, action, _ := strings.Cut(path, "/")
		if id == "" {
			writeError(w, http.StatusBadRequest, "workspace id required")
			return
		}

		ws, err := s.store.GetWorkspace(id)
		if err != nil {
			writeError(w, http.StatusNotFound, "workspace not found")
			return
		}

		switch {
		case action == "" && r.Method == http.MethodGet:
			writeJSON(w, workspaceToResponse(ws))

		case action == "" && r.Method == http.MethodDelete:
			if !s.requireAdmin(w, r) {
				return
			}
			if err := s.store.DeleteWorkspace(id); err != nil {
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
			writeJSON(w, map[string]string{"status": "deleted"})

		case action == "files" && r.Method == http.MethodGet:
			s.browseWorkspace(w, r, ws)

		case action == "sessions" && r.Method == http.MethodGet:
			sessions, err := s.store.ListSessions(id)
			if err != nil {
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
			resp := make([]SessionResponse, 0, len(sessions))
			for _, sess := range sessions {
				resp = append(resp, sessionToResponse(sess))
			}
			writeJSON(w, resp)

		case action == "runs" && r.Method == http.MethodGet:
			runs, err := s.store.ListRuns(id)
			if err != nil {
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
			resp := make([]RunResponse, 0, len(runs))
			for _, run := range runs {
				resp = append(resp, s.runToResponse(run))
			}
			writeJSON(w, resp)

		default:
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	}
}

const maxBrowseBytes = 256 * 1024

// browseWorkspace lists a directory or returns a file, confined to the
// workspace root
func (s *Server) browseWorkspace(w http.ResponseWriter, r *http.Request, ws *domain.Workspace) {
	rel := r.URL.Query().Get("path")
	full := filepath.Join(ws.RootDir, filepath.Clean("/"+rel))
	if full != ws.RootDir && !strings.HasPrefix(full, ws.RootDir+string(filepath.Separator)) {
		writeError(w, http.StatusBadRequest, "path escapes workspace root")
		return
	}

	info, err := os.Stat(full)
	if err != nil {
		writeError(w, http.StatusNotFound, "no such file")
		return
	}

	if info.IsDir() {
		entries, err := os.ReadDir(full)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		resp := make([]FileEntry, 0, len(entries))
		for _, e := range entries {
			entry := FileEntry{Name: e.Name(), IsDir: e.IsDir()}
			if fi, err := e.Info(); err == nil && !e.IsDir() {
				entry.Size = humanize.Bytes(uint64(fi.Size()))
			}
			resp = append(resp, entry)
		}
		writeJSON(w, resp)
		return
	}

	if info.Size() > maxBrowseBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "file too large to browse")
		return
	}
	data, err := os.ReadFile(full)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]string{"path": rel, "content": string(data)})
}

func (s *Server) sessionsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		if !s.requireAdmin(w, r) {
			return
		}
		var req struct {
			WorkspaceID string               `json:"workspace_id"`
			Role        string               `json:"role"`
			Provider    string               `json:"provider"`
			Config      domain.SessionConfig `json:"config"`
		}
		if err := decodeBody(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		role := domain.Role(req.Role)
		if !role.Valid() {
			writeError(w, http.StatusBadRequest, "role must be manager or executor")
			return
		}
		if _, err := s.store.GetWorkspace(req.WorkspaceID); err != nil {
			writeError(w, http.StatusNotFound, "workspace not found")
			return
		}
		sess := &domain.Session{
			ID:          uuid.NewString(),
			WorkspaceID: req.WorkspaceID,
			Role:        role,
			Provider:    req.Provider,
			Config:      req.Config,
			CreatedAt:   time.Now(),
		}
		if err := s.store.CreateSession(sess); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, sessionToResponse(sess))
	}
}

func (s *Server) sessionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimPrefix(r.URL.Path, "/api/sessions/")
		id, action, _ := strings.Cut(path, "/")
		if id == "" {
			writeError(w, http.StatusBadRequest, "session id required")
			return
		}

		switch {
		case action == "" && r.Method == http.MethodGet:
			sess, err := s.store.GetSession(id)
			if err != nil {
				writeError(w, http.StatusNotFound, "session not found")
				return
			}
			writeJSON(w, sessionToResponse(sess))

		case action == "rollover" && r.Method == http.MethodPost:
			if !s.requireAdmin(w, r) {
				return
			}
			var req struct {
				SummaryPath string `json:"summary_path"`
			}
			if err := decodeBody(r, &req); err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			if err := s.sched.Rollover(id, req.SummaryPath); err != nil {
				writeSchedulerError(w, err)
				return
			}
			writeJSON(w, map[string]string{"status": "rolled over"})

		default:
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	}
}

func (s *Server) runsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			workspaceID := r.URL.Query().Get("workspace")
			if workspaceID == "" {
				writeError(w, http.StatusBadRequest, "workspace query parameter required")
				return
			}
			runs, err := s.store.ListRuns(workspaceID)
			if err != nil {
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
			resp := make([]RunResponse, 0, len(runs))
			for _, run := range runs {
				resp = append(resp, s.runToResponse(run))
			}
			writeJSON(w, resp)

		case http.MethodPost:
			if !s.requireAdmin(w, r) {
				return
			}
			var req struct {
				WorkspaceID       string            `json:"workspace_id"`
				ManagerSessionID  string            `json:"manager_session_id"`
				ExecutorSessionID string            `json:"executor_session_id"`
				Options           domain.RunOptions `json:"options"`
			}
			if err := decodeBody(r, &req); err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			run, err := s.sched.CreateRun(req.WorkspaceID, req.ManagerSessionID, req.ExecutorSessionID, req.Options)
			if err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			writeJSON(w, s.runToResponse(run))

		default:
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	}
}

func (s *Server) runHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimPrefix(r.URL.Path, "/api/runs/")
		id, action, _ := strings.Cut(path, "/")
		if id == "" {
			writeError(w, http.StatusBadRequest, "run id required")
			return
		}

		switch {
		case action == "" && r.Method == http.MethodGet:
			run, err := s.store.GetRun(id)
			if err != nil {
				writeError(w, http.StatusNotFound, "run not found")
				return
			}
			writeJSON(w, s.runToResponse(run))

		case action == "turns" && r.Method == http.MethodGet:
			turns, err := s.store.ListTurns(id)
			if err != nil {
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
			resp := make([]TurnResponse, 0, len(turns))
			for _, turn := range turns {
				resp = append(resp, turnToResponse(turn))
			}
			writeJSON(w, resp)

		case action == "events" && r.Method == http.MethodGet:
			s.streamRunEvents(w, r, id)

		case action == "ws" && r.Method == http.MethodGet:
			s.streamRunWebsocket(w, r, id)

		case action == "start" && r.Method == http.MethodPost:
			if !s.requireAdmin(w, r) {
				return
			}
			var req struct {
				Mode string `json:"mode"`
			}
			if r.ContentLength > 0 {
				if err := decodeBody(r, &req); err != nil {
					writeError(w, http.StatusBadRequest, err.Error())
					return
				}
			}
			if err := s.sched.Start(id, domain.StartMode(req.Mode)); err != nil {
				writeSchedulerError(w, err)
				return
			}
			writeJSON(w, map[string]string{"status": "started"})

		case action == "pause" && r.Method == http.MethodPost:
			if !s.requireAdmin(w, r) {
				return
			}
			if err := s.sched.Pause(id); err != nil {
				writeSchedulerError(w, err)
				return
			}
			writeJSON(w, map[string]string{"status": "pause requested"})

		case action == "stop" && r.Method == http.MethodPost:
			if !s.requireAdmin(w, r) {
				return
			}
			if err := s.sched.Stop(id); err != nil {
				writeSchedulerError(w, err)
				return
			}
			writeJSON(w, map[string]string{"status": "stopping"})

		case action == "inject" && r.Method == http.MethodPost:
			if !s.requireAdmin(w, r) {
				return
			}
			var req struct {
				Role string `json:"role"`
				Text string `json:"text"`
			}
			if err := decodeBody(r, &req); err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			if req.Text == "" {
				writeError(w, http.StatusBadRequest, "text required")
				return
			}
			if req.Role == "" {
				req.Role = string(domain.RoleManager)
			}
			if err := s.sched.Inject(id, domain.Role(req.Role), req.Text); err != nil {
				writeSchedulerError(w, err)
				return
			}
			writeJSON(w, map[string]string{"status": "queued"})

		default:
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	}
}

func (s *Server) askSendHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		if !s.requireAdmin(w, r) {
			return
		}
		var req struct {
			WorkspaceID string `json:"workspace_id"`
			ThreadID    string `json:"thread_id"`
			Text        string `json:"text"`
		}
		if err := decodeBody(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if req.ThreadID == "" || req.Text == "" {
			writeError(w, http.StatusBadRequest, "thread_id and text required")
			return
		}
		id, err := s.ask.Send(req.WorkspaceID, req.ThreadID, req.Text)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, map[string]any{"id": id, "status": "queued"})
	}
}

func (s *Server) askThreadHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		path := strings.TrimPrefix(r.URL.Path, "/api/ask/")
		threadID, action, _ := strings.Cut(path, "/")
		if threadID == "" {
			writeError(w, http.StatusBadRequest, "thread id required")
			return
		}

		switch action {
		case "":
			since := parseCursor(r, "since")
			msgs, err := s.store.ListAskMessages(threadID, since, 0)
			if err != nil {
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
			resp := make([]AskMessageResponse, 0, len(msgs))
			for _, msg := range msgs {
				resp = append(resp, askToResponse(msg))
			}
			writeJSON(w, resp)

		case "events":
			s.streamTopicEvents(w, r, threadID)

		default:
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	}
}

func parseCursor(r *http.Request, key string) int64 {
	v, err := strconv.ParseInt(r.URL.Query().Get(key), 10, 64)
	if err != nil || v < 0 {
		return 0
	}
	return v
}

// writeSchedulerError maps scheduler sentinels to HTTP status codes so
// admission rejections are distinguishable by clients
func writeSchedulerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrRunTerminal),
		errors.Is(err, orchestrator.ErrRunActive),
		errors.Is(err, orchestrator.ErrWorkspaceBusy),
		errors.Is(err, orchestrator.ErrRunNotActive):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, orchestrator.ErrTooManyRuns):
		writeError(w, http.StatusTooManyRequests, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
