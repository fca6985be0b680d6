package model

import "time"

// EventType identifies what an Event reports.
type EventType string

const (
	EventStepStart EventType = "step:start"
	EventStepEnd   EventType = "step:end"
	EventFile      EventType = "file"
	EventVersion   EventType = "version"
	EventSandbox   EventType = "sandbox"
	EventError     EventType = "error"
	EventComplete  EventType = "complete"
)

// Terminal reports whether the event ends a pipeline run.
func (t EventType) Terminal() bool {
	return t == EventComplete || t == EventError
}

// Event is a single progress notification pushed to a project's observers.
type Event struct {
	ProjectID string         `json:"project_id"`
	RequestID string         `json:"request_id,omitempty"`
	Type      EventType      `json:"type"`
	Step      string         `json:"step,omitempty"`
	Data      string         `json:"data,omitempty"`
	Detail    map[string]any `json:"detail,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}
