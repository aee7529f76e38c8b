package store

import (
	"database/sql"
	"errors"
	"time"

	"github.com/duetorch/duet/internal/domain"
)

// ErrNoQueuedMessage is returned by ClaimNextAsk when the thread's
// queue is empty
var ErrNoQueuedMessage = errors.New("no queued message")

// EnqueueAsk appends a message to a thread's queue and returns its id
func (s *Store) EnqueueAsk(workspaceID, threadID, text string) (int64, error) {
	res, err := s.db.Exec(`
		INSERT INTO ask_messages (workspace_id, thread_id, status, text, created_at)
		VALUES (?, ?, 'queued', ?, ?)
	`, workspaceID, threadID, text, time.Now())
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ClaimNextAsk selects the oldest queued message for a thread and flips
// it to running in one transaction. The flip is guarded on the row still
// being queued, so two drain loops accidentally started for the same
// thread cannot both claim the same message.
func (s *Store) ClaimNextAsk(threadID string) (*domain.AskMessage, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	row := tx.QueryRow(`
		SELECT id, workspace_id, thread_id, status, text, created_at
		FROM ask_messages
		WHERE thread_id = ? AND status = 'queued'
		ORDER BY id LIMIT 1
	`, threadID)

	var msg domain.AskMessage
	var status string
	if err := row.Scan(&msg.ID, &msg.WorkspaceID, &msg.ThreadID, &status, &msg.Text, &msg.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoQueuedMessage
		}
		return nil, err
	}

	now := time.Now()
	res, err := tx.Exec(`
		UPDATE ask_messages SET status = 'running', claimed_at = ?
		WHERE id = ? AND status = 'queued'
	`, now, msg.ID)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		// Lost a race with another claimer
		return nil, ErrNoQueuedMessage
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	msg.Status = domain.AskRunning
	msg.ClaimedAt = &now
	return &msg, nil
}

// FinishAsk records the outcome of a claimed message
func (s *Store) FinishAsk(id int64, status domain.AskStatus, reply, errMsg string) error {
	_, err := s.db.Exec(`
		UPDATE ask_messages SET status = ?, reply = ?, error = ?, finished_at = ?
		WHERE id = ?
	`, string(status), reply, errMsg, time.Now(), id)
	return err
}

// ListAskMessages returns a thread's messages with id strictly greater
// than cursor, oldest first
func (s *Store) ListAskMessages(threadID string, cursor int64, limit int) ([]*domain.AskMessage, error) {
	if limit <= 0 {
		limit = DefaultEventPageSize
	}
	rows, err := s.db.Query(`
		SELECT id, workspace_id, thread_id, status, text, reply, error, created_at, claimed_at, finished_at
		FROM ask_messages WHERE thread_id = ? AND id > ?
		ORDER BY id LIMIT ?
	`, threadID, cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.AskMessage
	for rows.Next() {
		var msg domain.AskMessage
		var status string
		var reply, errMsg sql.NullString
		var claimed, finished sql.NullTime
		if err := rows.Scan(&msg.ID, &msg.WorkspaceID, &msg.ThreadID, &status, &msg.Text, &reply, &errMsg, &msg.CreatedAt, &claimed, &finished); err != nil {
			return nil, err
		}
		msg.Status = domain.AskStatus(status)
		msg.Reply = reply.String
		msg.Error = errMsg.String
		if claimed.Valid {
			t := claimed.Time
			msg.ClaimedAt = &t
		}
		if finished.Valid {
			t := finished.Time
			msg.FinishedAt = &t
		}
		out = append(out, &msg)
	}
	return out, rows.Err()
}
