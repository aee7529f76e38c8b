package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/duetorch/duet/internal/domain"
)

// RunPatch is a partial update to a run; nil fields retain prior values
type RunPatch struct {
	Status    *domain.RunStatus
	TurnIndex *int
	Error     *string
	StartedAt *time.Time
	EndedAt   *time.Time
}

// CreateRun inserts a run in its initial state
func (s *Store) CreateRun(run *domain.Run) error {
	opts, err := json.Marshal(run.Options)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO runs (id, workspace_id, manager_session_id, executor_session_id, status, turn_index, options, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, run.ID, run.WorkspaceID, run.ManagerSessionID, run.ExecutorSessionID,
		string(run.Status), run.TurnIndex, string(opts), run.Error, run.CreatedAt)
	return err
}

// GetRun retrieves a run by id
func (s *Store) GetRun(id string) (*domain.Run, error) {
	row := s.db.QueryRow(`
		SELECT id, workspace_id, manager_session_id, executor_session_id, status, turn_index, options, error, created_at, started_at, ended_at
		FROM runs WHERE id = ?
	`, id)
	return scanRun(row)
}

// ListRuns returns the runs of a workspace, newest first
func (s *Store) ListRuns(workspaceID string) ([]*domain.Run, error) {
	rows, err := s.db.Query(`
		SELECT id, workspace_id, manager_session_id, executor_session_id, status, turn_index, options, error, created_at, started_at, ended_at
		FROM runs WHERE workspace_id = ? ORDER BY created_at DESC
	`, workspaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// ListRunsByStatus returns all runs currently in the given status
func (s *Store) ListRunsByStatus(status domain.RunStatus) ([]*domain.Run, error) {
	rows, err := s.db.Query(`
		SELECT id, workspace_id, manager_session_id, executor_session_id, status, turn_index, options, error, created_at, started_at, ended_at
		FROM runs WHERE status = ? ORDER BY created_at
	`, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// UpdateRun applies a partial patch; unspecified fields keep their value
func (s *Store) UpdateRun(id string, patch RunPatch) error {
	query := "UPDATE runs SET id = id"
	var args []any

	if patch.Status != nil {
		query += ", status = ?"
		args = append(args, string(*patch.Status))
	}
	if patch.TurnIndex != nil {
		query += ", turn_index = ?"
		args = append(args, *patch.TurnIndex)
	}
	if patch.Error != nil {
		query += ", error = ?"
		args = append(args, *patch.Error)
	}
	if patch.StartedAt != nil {
		query += ", started_at = ?"
		args = append(args, *patch.StartedAt)
	}
	if patch.EndedAt != nil {
		query += ", ended_at = ?"
		args = append(args, *patch.EndedAt)
	}

	query += " WHERE id = ?"
	args = append(args, id)

	res, err := s.db.Exec(query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("run %s not found", id)
	}
	return nil
}

func scanRun(row rowScanner) (*domain.Run, error) {
	var run domain.Run
	var status string
	var opts, errMsg sql.NullString
	var started, ended sql.NullTime

	err := row.Scan(&run.ID, &run.WorkspaceID, &run.ManagerSessionID, &run.ExecutorSessionID,
		&status, &run.TurnIndex, &opts, &errMsg, &run.CreatedAt, &started, &ended)
	if err != nil {
		return nil, err
	}

	run.Status = domain.RunStatus(status)
	run.Error = errMsg.String
	if started.Valid {
		t := started.Time
		run.StartedAt = &t
	}
	if ended.Valid {
		t := ended.Time
		run.EndedAt = &t
	}
	if opts.Valid && opts.String != "" {
		if err := json.Unmarshal([]byte(opts.String), &run.Options); err != nil {
			return nil, fmt.Errorf("decoding run options: %w", err)
		}
	}
	return &run, nil
}

// TurnPatch is a partial update to a turn; nil fields retain prior values
type TurnPatch struct {
	ManagerPromptPath  *string
	ExecutorPromptPath *string
	ManagerOutput      *string
	ExecutorOutput     *string
	ManagerMeta        *domain.RoleMeta
	ExecutorMeta       *domain.RoleMeta
	EndedAt            *time.Time
}

// CreateTurn inserts a turn row; idx must be unique within the run
func (s *Store) CreateTurn(turn *domain.Turn) error {
	_, err := s.db.Exec(`
		INSERT INTO turns (id, run_id, idx, started_at)
		VALUES (?, ?, ?, ?)
	`, turn.ID, turn.RunID, turn.Idx, turn.StartedAt)
	return err
}

// GetTurnByIdx retrieves a run's turn by its 1-based index
func (s *Store) GetTurnByIdx(runID string, idx int) (*domain.Turn, error) {
	row := s.db.QueryRow(`
		SELECT id, run_id, idx, manager_prompt_path, executor_prompt_path, manager_output, executor_output, manager_meta, executor_meta, started_at, ended_at
		FROM turns WHERE run_id = ? AND idx = ?
	`, runID, idx)
	return scanTurn(row)
}

// GetTurn retrieves a turn by id
func (s *Store) GetTurn(id string) (*domain.Turn, error) {
	row := s.db.QueryRow(`
		SELECT id, run_id, idx, manager_prompt_path, executor_prompt_path, manager_output, executor_output, manager_meta, executor_meta, started_at, ended_at
		FROM turns WHERE id = ?
	`, id)
	return scanTurn(row)
}

// ListTurns returns a run's turns in turn order
func (s *Store) ListTurns(runID string) ([]*domain.Turn, error) {
	rows, err := s.db.Query(`
		SELECT id, run_id, idx, manager_prompt_path, executor_prompt_path, manager_output, executor_output, manager_meta, executor_meta, started_at, ended_at
		FROM turns WHERE run_id = ? ORDER BY idx
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Turn
	for rows.Next() {
		turn, err := scanTurn(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, turn)
	}
	return out, rows.Err()
}

// UpdateTurn applies a partial patch to a turn
func (s *Store) UpdateTurn(id string, patch TurnPatch) error {
	query := "UPDATE turns SET id = id"
	var args []any

	if patch.ManagerPromptPath != nil {
		query += ", manager_prompt_path = ?"
		args = append(args, *patch.ManagerPromptPath)
	}
	if patch.ExecutorPromptPath != nil {
		query += ", executor_prompt_path = ?"
		args = append(args, *patch.ExecutorPromptPath)
	}
	if patch.ManagerOutput != nil {
		query += ", manager_output = ?"
		args = append(args, *patch.ManagerOutput)
	}
	if patch.ExecutorOutput != nil {
		query += ", executor_output = ?"
		args = append(args, *patch.ExecutorOutput)
	}
	if patch.ManagerMeta != nil {
		meta, err := json.Marshal(patch.ManagerMeta)
		if err != nil {
			return err
		}
		query += ", manager_meta = ?"
		args = append(args, string(meta))
	}
	if patch.ExecutorMeta != nil {
		meta, err := json.Marshal(patch.ExecutorMeta)
		if err != nil {
			return err
		}
		query += ", executor_meta = ?"
		args = append(args, string(meta))
	}
	if patch.EndedAt != nil {
		query += ", ended_at = ?"
		args = append(args, *patch.EndedAt)
	}

	query += " WHERE id = ?"
	args = append(args, id)

	res, err := s.db.Exec(query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("turn %s not found", id)
	}
	return nil
}

func scanTurn(row rowScanner) (*domain.Turn, error) {
	var turn domain.Turn
	var mPrompt, ePrompt, mOut, eOut, mMeta, eMeta sql.NullString
	var started, ended sql.NullTime

	err := row.Scan(&turn.ID, &turn.RunID, &turn.Idx, &mPrompt, &ePrompt, &mOut, &eOut, &mMeta, &eMeta, &started, &ended)
	if err != nil {
		return nil, err
	}

	turn.ManagerPromptPath = mPrompt.String
	turn.ExecutorPromptPath = ePrompt.String
	turn.ManagerOutput = mOut.String
	turn.ExecutorOutput = eOut.String
	if started.Valid {
		turn.StartedAt = started.Time
	}
	if ended.Valid {
		t := ended.Time
		turn.EndedAt = &t
	}
	if mMeta.Valid && mMeta.String != "" {
		var meta domain.RoleMeta
		if err := json.Unmarshal([]byte(mMeta.String), &meta); err != nil {
			return nil, err
		}
		turn.ManagerMeta = &meta
	}
	if eMeta.Valid && eMeta.String != "" {
		var meta domain.RoleMeta
		if err := json.Unmarshal([]byte(eMeta.String), &meta); err != nil {
			return nil, err
		}
		turn.ExecutorMeta = &meta
	}
	return &turn, nil
}
