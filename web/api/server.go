// Package api exposes the orchestrator over HTTP: REST endpoints for
// workspaces, sessions and runs, an SSE/websocket event stream per run,
// and a topic stream per ask thread. Mutating routes are gated by an
// opaque admin token.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/duetorch/duet/internal/askloop"
	"github.com/duetorch/duet/internal/config"
	"github.com/duetorch/duet/internal/hub"
	"github.com/duetorch/duet/internal/orchestrator"
	"github.com/duetorch/duet/internal/store"
)

// Server is the HTTP API server
type Server struct {
	store *store.Store
	sched *orchestrator.Scheduler
	hub   *hub.Hub
	ask   *askloop.Service
	cfg   config.WebConfig

	mux       *http.ServeMux
	httpSrv   *http.Server
	startedAt time.Time
}

// NewServer creates the API server
func NewServer(st *store.Store, sched *orchestrator.Scheduler, h *hub.Hub, ask *askloop.Service, cfg config.WebConfig) *Server {
	s := &Server{
		store:     st,
		sched:     sched,
		hub:       h,
		ask:       ask,
		cfg:       cfg,
		mux:       http.NewServeMux(),
		startedAt: time.Now(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/api/status", s.statusHandler())

	s.mux.HandleFunc("/api/workspaces", s.workspacesHandler())
	s.mux.HandleFunc("/api/workspaces/", s.workspaceHandler())

	s.mux.HandleFunc("/api/sessions", s.sessionsHandler())
	s.mux.HandleFunc("/api/sessions/", s.sessionHandler())

	s.mux.HandleFunc("/api/runs", s.runsHandler())
	s.mux.HandleFunc("/api/runs/", s.runHandler())

	s.mux.HandleFunc("/api/ask", s.askSendHandler())
	s.mux.HandleFunc("/api/ask/", s.askThreadHandler())

	if s.cfg.StaticDir != "" {
		s.mux.Handle("/", http.FileServer(http.Dir(s.cfg.StaticDir)))
	}
}

// Start runs the HTTP server until ctx is cancelled
func (s *Server) Start(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler: s.mux,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpSrv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	}
}

// Handler returns the route table, mainly for httptest servers
func (s *Server) Handler() http.Handler {
	return s.mux
}

// requireAdmin gates a mutating request on the configured admin token.
// No configured token means mutation is disabled entirely.
func (s *Server) requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	if s.cfg.AdminToken == "" {
		writeError(w, http.StatusForbidden, "mutation disabled: no admin token configured")
		return false
	}
	token := r.Header.Get("X-Admin-Token")
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	if token != s.cfg.AdminToken {
		writeError(w, http.StatusUnauthorized, "invalid admin token")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func decodeBody(r *http.Request, into any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(into)
}
