package store

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/duetorch/duet/internal/domain"
)

// DefaultEventPageSize bounds replay reads so a reconnecting subscriber
// with an old cursor cannot flood a single query
const DefaultEventPageSize = 256

// InsertEvent appends an event. The caller supplies the sequence number;
// the store never renumbers. A duplicate (run_id, seq) is a bug upstream
// and surfaces as a constraint error.
func (s *Store) InsertEvent(ev *domain.Event) error {
	var role any
	if ev.Role != "" {
		role = string(ev.Role)
	}
	var turnID any
	if ev.TurnID != "" {
		turnID = ev.TurnID
	}
	_, err := s.db.Exec(`
		INSERT INTO events (run_id, turn_id, seq, ts, role, kind, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, ev.RunID, turnID, ev.Seq, ev.Ts, role, string(ev.Kind), string(ev.Payload))
	return err
}

// ListEventsAfter returns up to limit events with seq strictly greater
// than cursor, in sequence order. limit <= 0 uses DefaultEventPageSize.
func (s *Store) ListEventsAfter(runID string, cursor int64, limit int) ([]*domain.Event, error) {
	if limit <= 0 {
		limit = DefaultEventPageSize
	}
	rows, err := s.db.Query(`
		SELECT run_id, turn_id, seq, ts, role, kind, payload
		FROM events WHERE run_id = ? AND seq > ?
		ORDER BY seq LIMIT ?
	`, runID, cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Event
	for rows.Next() {
		var ev domain.Event
		var turnID, role, payload sql.NullString
		var kind string
		if err := rows.Scan(&ev.RunID, &turnID, &ev.Seq, &ev.Ts, &role, &kind, &payload); err != nil {
			return nil, err
		}
		ev.TurnID = turnID.String
		ev.Role = domain.Role(role.String)
		ev.Kind = domain.EventKind(kind)
		if payload.Valid {
			ev.Payload = json.RawMessage(payload.String)
		}
		out = append(out, &ev)
	}
	return out, rows.Err()
}

// GetMaxEventSeq returns the highest sequence number recorded for a run,
// or 0 if none. A fresh controller seeds its counter from this so
// sequence numbers survive process restarts without gaps.
func (s *Store) GetMaxEventSeq(runID string) (int64, error) {
	var seq sql.NullInt64
	err := s.db.QueryRow(`SELECT MAX(seq) FROM events WHERE run_id = ?`, runID).Scan(&seq)
	if err != nil {
		return 0, err
	}
	return seq.Int64, nil
}

// PruneEventsBefore deletes events older than the given timestamp for
// terminal runs only; live runs keep their full log
func (s *Store) PruneEventsBefore(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`
		DELETE FROM events WHERE ts < ? AND run_id IN (
			SELECT id FROM runs WHERE status IN ('done', 'error', 'stopped')
		)
	`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
