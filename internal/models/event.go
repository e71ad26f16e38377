package models

import "time"

// EventKind enumerates the progress event types on a session stream.
type EventKind string

const (
	EventStageStart     EventKind = "stage_start"
	EventNodeUpdate     EventKind = "node_update"
	EventNodeCompleted  EventKind = "node_completed"
	EventNodeDegraded   EventKind = "node_degraded"
	EventStageCompleted EventKind = "stage_completed"
	EventResult         EventKind = "result"
	EventError          EventKind = "error"
	EventDropped        EventKind = "dropped"
	EventTerminal       EventKind = "terminal"
)

// Event is one record on a session's progress stream. Sequence numbers are
// per session, monotonic, and contiguous among delivered events.
type Event struct {
	SessionID  string         `json:"session_id"`
	SequenceNo uint64         `json:"sequence_no"`
	Timestamp  time.Time      `json:"timestamp"`
	Kind       EventKind      `json:"type"`
	Stage      string         `json:"stage,omitempty"`
	Node       string         `json:"node,omitempty"`
	Status     string         `json:"status,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
}
