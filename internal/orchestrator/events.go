package orchestrator

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/duetorch/duet/internal/domain"
	"github.com/duetorch/duet/internal/hub"
	"github.com/duetorch/duet/internal/store"
)

// emitter assigns gapless per-run sequence numbers and makes events
// durable before waking subscribers. The counter is seeded from the
// store so numbering survives process restarts.
type emitter struct {
	store *store.Store
	hub   *hub.Hub
	runID string

	mu  sync.Mutex
	seq int64
}

func newEmitter(st *store.Store, h *hub.Hub, runID string) (*emitter, error) {
	seq, err := st.GetMaxEventSeq(runID)
	if err != nil {
		return nil, err
	}
	return &emitter{store: st, hub: h, runID: runID, seq: seq}, nil
}

// emit appends one event. The mutex is held across insert and publish so
// concurrent emitters (stream callbacks, injections) cannot interleave
// sequence numbers out of order.
func (e *emitter) emit(kind domain.EventKind, role domain.Role, turnID string, payload any) error {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		raw = data
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	ev := &domain.Event{
		RunID:   e.runID,
		TurnID:  turnID,
		Seq:     e.seq + 1,
		Ts:      time.Now(),
		Role:    role,
		Kind:    kind,
		Payload: raw,
	}
	if err := e.store.InsertEvent(ev); err != nil {
		return err
	}
	e.seq = ev.Seq
	e.hub.Publish(e.runID)
	return nil
}

func (e *emitter) status(status domain.RunStatus, extra map[string]any) {
	payload := map[string]any{"status": string(status)}
	for k, v := range extra {
		payload[k] = v
	}
	e.emit(domain.EventStatus, "", "", payload)
}
