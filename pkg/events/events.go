package events

import (
	"time"

	"github.com/google/uuid"
)

type EventType string

const (
	EventTypeTurnStarted    EventType = "turn-started"
	EventTypeTurnCompleted  EventType = "turn-completed"
	EventTypeToolInvoked    EventType = "tool-invoked"
	EventTypeConfigRejected EventType = "config-rejected"
)

// Event is one observability record of the conversation lifecycle. Events
// carry analytics context (template, user cohort) so downstream sinks can
// attribute them to experiments.
type Event struct {
	Type      EventType `json:"type"`
	SessionID uuid.UUID `json:"session_id"`
	Template  string    `json:"template,omitempty"`
	UserID    string    `json:"user_id,omitempty"`
	Config    string    `json:"config,omitempty"`
	Tool      string    `json:"tool,omitempty"`
	ToolOK    *bool     `json:"tool_ok,omitempty"`
	Error     string    `json:"error,omitempty"`
	Duration  float64   `json:"duration_seconds,omitempty"`
	Time      time.Time `json:"time"`
}

// Sink receives conversation lifecycle events. Implementations must not
// block the turn; publishing failures are the sink's problem.
type Sink interface {
	PublishEvent(event Event) error
}
