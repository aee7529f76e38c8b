package domain

import (
	"encoding/json"
	"time"
)

// EventKind classifies entries in a run's event log
type EventKind string

const (
	EventStatus  EventKind = "status"
	EventPrompt  EventKind = "prompt"
	EventPartial EventKind = "partial"
	EventStderr  EventKind = "stderr"
	EventFinal   EventKind = "final"
	EventError   EventKind = "error"
	EventMeta    EventKind = "meta"
)

// Event is one append-only entry in a run's log. Seq is strictly
// increasing and gapless per run; it doubles as the resumption cursor
// for live subscribers.
type Event struct {
	RunID   string          `json:"runId"`
	TurnID  string          `json:"turnId,omitempty"`
	Seq     int64           `json:"seq"`
	Ts      time.Time       `json:"ts"`
	Role    Role            `json:"role,omitempty"`
	Kind    EventKind       `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// AskStatus is the lifecycle of a queued ask-thread message
type AskStatus string

const (
	AskQueued  AskStatus = "queued"
	AskRunning AskStatus = "running"
	AskDone    AskStatus = "done"
	AskFailed  AskStatus = "failed"
)

// AskMessage is one item in the per-thread ask queue. Claiming flips
// queued -> running in a single transaction.
type AskMessage struct {
	ID          int64
	WorkspaceID string
	ThreadID    string
	Status      AskStatus
	Text        string
	Reply       string
	Error       string
	CreatedAt   time.Time
	ClaimedAt   *time.Time
	FinishedAt  *time.Time
}
