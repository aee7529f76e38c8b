// Package hub fans newly durable events out to long-lived subscribers.
// Delivery is store-backed: a subscriber owns a cursor and pulls pages
// from the event log, so a reconnect with a last-seen cursor replays
// exactly the backlog after it before any live event, with no gaps and
// no duplicates, in sequence order.
package hub

import (
	"context"
	"sync"
	"time"

	"github.com/duetorch/duet/internal/domain"
	"github.com/duetorch/duet/internal/store"
)

// Hub wakes subscribers when new rows become durable
type Hub struct {
	store *store.Store

	mu        sync.Mutex
	runWakers map[string]map[chan struct{}]struct{}
	topicWake map[string]map[chan struct{}]struct{}
}

// New creates a hub reading from the given store
func New(st *store.Store) *Hub {
	return &Hub{
		store:     st,
		runWakers: make(map[string]map[chan struct{}]struct{}),
		topicWake: make(map[string]map[chan struct{}]struct{}),
	}
}

// Publish signals that a new event for runID is durable. Callers must
// insert into the store first.
func (h *Hub) Publish(runID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.runWakers[runID] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// PublishTopic signals new or updated ask messages on a thread
func (h *Hub) PublishTopic(threadID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.topicWake[threadID] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// RunSub streams one run's events in strict sequence order
type RunSub struct {
	C <-chan *domain.Event
}

// SubscribeRun streams events for runID with seq > since: first the
// durable backlog, then live events as they are published. The stream
// ends when ctx is cancelled.
func (h *Hub) SubscribeRun(ctx context.Context, runID string, since int64) *RunSub {
	wake := make(chan struct{}, 1)
	out := make(chan *domain.Event, 16)

	h.mu.Lock()
	if h.runWakers[runID] == nil {
		h.runWakers[runID] = make(map[chan struct{}]struct{})
	}
	h.runWakers[runID][wake] = struct{}{}
	h.mu.Unlock()

	go func() {
		defer func() {
			h.mu.Lock()
			delete(h.runWakers[runID], wake)
			if len(h.runWakers[runID]) == 0 {
				delete(h.runWakers, runID)
			}
			h.mu.Unlock()
			close(out)
		}()

		cursor := since
		for {
			events, err := h.store.ListEventsAfter(runID, cursor, store.DefaultEventPageSize)
			if err != nil {
				return
			}
			for _, ev := range events {
				select {
				case out <- ev:
					cursor = ev.Seq
				case <-ctx.Done():
					return
				}
			}
			if len(events) == store.DefaultEventPageSize {
				continue // more backlog waiting
			}
			select {
			case <-wake:
			case <-ctx.Done():
				return
			}
		}
	}()

	return &RunSub{C: out}
}

// TopicEvent is one delivery on a workspace ask-thread subscription
type TopicEvent struct {
	Heartbeat bool
	Message   *domain.AskMessage
}

// TopicSub streams a thread's ask messages plus idle heartbeats
type TopicSub struct {
	C <-chan TopicEvent
}

// SubscribeTopic streams ask messages for a thread with id > since,
// backlog first, then live inserts and status updates. Heartbeats are
// emitted on idle so intermediaries do not time the connection out.
func (h *Hub) SubscribeTopic(ctx context.Context, threadID string, since int64, heartbeat time.Duration) *TopicSub {
	wake := make(chan struct{}, 1)
	out := make(chan TopicEvent, 16)

	h.mu.Lock()
	if h.topicWake[threadID] == nil {
		h.topicWake[threadID] = make(map[chan struct{}]struct{})
	}
	h.topicWake[threadID][wake] = struct{}{}
	h.mu.Unlock()

	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}

	go func() {
		defer func() {
			h.mu.Lock()
			delete(h.topicWake[threadID], wake)
			if len(h.topicWake[threadID]) == 0 {
				delete(h.topicWake, threadID)
			}
			h.mu.Unlock()
			close(out)
		}()

		ticker := time.NewTicker(heartbeat)
		defer ticker.Stop()

		cursor := since
		// delivered tracks the last status sent per message so updates
		// (running, done) re-deliver without duplicating settled ones
		delivered := make(map[int64]domain.AskStatus)

		for {
			msgs, err := h.store.ListAskMessages(threadID, cursor, store.DefaultEventPageSize)
			if err != nil {
				return
			}
			for _, msg := range msgs {
				if prev, ok := delivered[msg.ID]; ok && prev == msg.Status {
					continue
				}
				select {
				case out <- TopicEvent{Message: msg}:
					delivered[msg.ID] = msg.Status
				case <-ctx.Done():
					return
				}
			}
			// advance the cursor past leading settled messages so the
			// tracking window stays bounded
			for _, msg := range msgs {
				if msg.Status != domain.AskDone && msg.Status != domain.AskFailed {
					break
				}
				if msg.ID > cursor {
					cursor = msg.ID
					delete(delivered, msg.ID)
				}
			}

			select {
			case <-wake:
			case <-ticker.C:
				select {
				case out <- TopicEvent{Heartbeat: true}:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return &TopicSub{C: out}
}
