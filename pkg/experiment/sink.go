package experiment

import (
	"github.com/go-go-golems/parley/pkg/events"
)

// EventSink forwards session lifecycle events to an analytics DataSink,
// attributed to the experiment flag so captured events land in the right
// cohort breakdown.
type EventSink struct {
	sink    DataSink
	flagKey string
}

func NewEventSink(sink DataSink, flagKey string) *EventSink {
	return &EventSink{
		sink:    sink,
		flagKey: flagKey,
	}
}

var _ events.Sink = (*EventSink)(nil)

func (s *EventSink) PublishEvent(event events.Event) error {
	properties := map[string]interface{}{
		"session_id": event.SessionID.String(),
		"template":   event.Template,
	}
	if event.Config != "" {
		properties["config"] = event.Config
	}
	if event.Tool != "" {
		properties["tool"] = event.Tool
	}
	if event.ToolOK != nil {
		properties["tool_ok"] = *event.ToolOK
	}
	if event.Error != "" {
		properties["error"] = event.Error
	}
	if event.Duration > 0 {
		properties["duration_seconds"] = event.Duration
	}

	return s.sink.Capture(s.flagKey, event.UserID, string(event.Type), properties)
}
