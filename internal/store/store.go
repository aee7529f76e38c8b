package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/duetorch/duet/internal/domain"
	_ "modernc.org/sqlite"
)

// Store provides SQLite-backed persistence for workspaces, sessions,
// runs, turns and the per-run event log
type Store struct {
	db *sql.DB
}

// New creates a Store backed by the database at dbPath
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	// Single writer; readers may be concurrent HTTP handlers
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, err
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		return nil, err
	}

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateWorkspace inserts a workspace
func (s *Store) CreateWorkspace(ws *domain.Workspace) error {
	_, err := s.db.Exec(`
		INSERT INTO workspaces (id, name, root_dir, plan_path, convention_path, requirements_path, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, ws.ID, ws.Name, ws.RootDir, ws.PlanPath, ws.ConventionPath, ws.RequirementsPath, ws.CreatedAt)
	return err
}

// GetWorkspace retrieves a workspace by id
func (s *Store) GetWorkspace(id string) (*domain.Workspace, error) {
	row := s.db.QueryRow(`
		SELECT id, name, root_dir, plan_path, convention_path, requirements_path, created_at
		FROM workspaces WHERE id = ?
	`, id)

	var ws domain.Workspace
	var plan, conv, req sql.NullString
	if err := row.Scan(&ws.ID, &ws.Name, &ws.RootDir, &plan, &conv, &req, &ws.CreatedAt); err != nil {
		return nil, err
	}
	ws.PlanPath = plan.String
	ws.ConventionPath = conv.String
	ws.RequirementsPath = req.String
	return &ws, nil
}

// ListWorkspaces returns all workspaces ordered by name
func (s *Store) ListWorkspaces() ([]*domain.Workspace, error) {
	rows, err := s.db.Query(`
		SELECT id, name, root_dir, plan_path, convention_path, requirements_path, created_at
		FROM workspaces ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Workspace
	for rows.Next() {
		var ws domain.Workspace
		var plan, conv, req sql.NullString
		if err := rows.Scan(&ws.ID, &ws.Name, &ws.RootDir, &plan, &conv, &req, &ws.CreatedAt); err != nil {
			return nil, err
		}
		ws.PlanPath = plan.String
		ws.ConventionPath = conv.String
		ws.RequirementsPath = req.String
		out = append(out, &ws)
	}
	return out, rows.Err()
}

// UpdateWorkspacePaths updates the mutable doc path fields of a workspace
func (s *Store) UpdateWorkspacePaths(id, planPath, conventionPath, requirementsPath string) error {
	_, err := s.db.Exec(`
		UPDATE workspaces SET plan_path = ?, convention_path = ?, requirements_path = ? WHERE id = ?
	`, planPath, conventionPath, requirementsPath, id)
	return err
}

// DeleteWorkspace removes a workspace; dependent rows cascade
func (s *Store) DeleteWorkspace(id string) error {
	_, err := s.db.Exec(`DELETE FROM workspaces WHERE id = ?`, id)
	return err
}

// CreateSession inserts a session
func (s *Store) CreateSession(sess *domain.Session) error {
	cfg, err := json.Marshal(sess.Config)
	if err != nil {
		return err
	}
	var psid any
	if sess.ProviderSessionID != "" {
		psid = sess.ProviderSessionID
	}
	_, err = s.db.Exec(`
		INSERT INTO sessions (id, workspace_id, role, provider, provider_session_id, config, last_active_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, sess.ID, sess.WorkspaceID, string(sess.Role), sess.Provider, psid, string(cfg), sess.LastActiveAt, sess.CreatedAt)
	return err
}

// GetSession retrieves a session by id
func (s *Store) GetSession(id string) (*domain.Session, error) {
	row := s.db.QueryRow(`
		SELECT id, workspace_id, role, provider, provider_session_id, config, last_active_at, created_at
		FROM sessions WHERE id = ?
	`, id)
	return scanSession(row)
}

// ListSessions returns the sessions of a workspace
func (s *Store) ListSessions(workspaceID string) ([]*domain.Session, error) {
	rows, err := s.db.Query(`
		SELECT id, workspace_id, role, provider, provider_session_id, config, last_active_at, created_at
		FROM sessions WHERE workspace_id = ? ORDER BY created_at
	`, workspaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// SetSessionProviderID records the resume handle captured from the backend.
// It refuses to overwrite an existing, different handle: once set the
// handle only changes via RolloverSession.
func (s *Store) SetSessionProviderID(id, providerSessionID string) error {
	res, err := s.db.Exec(`
		UPDATE sessions SET provider_session_id = ?, last_active_at = ?
		WHERE id = ? AND (provider_session_id IS NULL OR provider_session_id = ?)
	`, providerSessionID, time.Now(), id, providerSessionID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("session %s already has a different provider session id", id)
	}
	return nil
}

// TouchSession bumps the session's liveness timestamp
func (s *Store) TouchSession(id string) error {
	_, err := s.db.Exec(`UPDATE sessions SET last_active_at = ? WHERE id = ?`, time.Now(), id)
	return err
}

// RolloverSession clears the resume handle and points the session at a
// rollover summary document for its next seed turn
func (s *Store) RolloverSession(id, summaryPath string) error {
	sess, err := s.GetSession(id)
	if err != nil {
		return err
	}
	sess.Config.RolloverSummaryPath = summaryPath
	cfg, err := json.Marshal(sess.Config)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		UPDATE sessions SET provider_session_id = NULL, config = ? WHERE id = ?
	`, string(cfg), id)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*domain.Session, error) {
	var sess domain.Session
	var role, provider string
	var psid, cfg sql.NullString
	var lastActive sql.NullTime

	err := row.Scan(&sess.ID, &sess.WorkspaceID, &role, &provider, &psid, &cfg, &lastActive, &sess.CreatedAt)
	if err != nil {
		return nil, err
	}

	sess.Role = domain.Role(role)
	sess.Provider = provider
	sess.ProviderSessionID = psid.String
	if lastActive.Valid {
		sess.LastActiveAt = lastActive.Time
	}
	if cfg.Valid && cfg.String != "" {
		if err := json.Unmarshal([]byte(cfg.String), &sess.Config); err != nil {
			return nil, fmt.Errorf("decoding session config: %w", err)
		}
	}
	return &sess, nil
}
