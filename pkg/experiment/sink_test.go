package experiment

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/parley/pkg/events"
)

type capturedEvent struct {
	flagKey    string
	userID     string
	eventName  string
	properties map[string]interface{}
}

type fakeDataSink struct {
	captured []capturedEvent
}

func (f *fakeDataSink) Capture(flagKey string, userID string, eventName string, properties map[string]interface{}) error {
	f.captured = append(f.captured, capturedEvent{flagKey, userID, eventName, properties})
	return nil
}

func TestEventSinkCapturesLifecycleEvents(t *testing.T) {
	dataSink := &fakeDataSink{}
	sink := NewEventSink(dataSink, "support-experiment")

	toolOK := true
	require.NoError(t, sink.PublishEvent(events.Event{
		Type:      events.EventTypeToolInvoked,
		SessionID: uuid.New(),
		Template:  "support",
		UserID:    "u1",
		Tool:      "get_weather",
		ToolOK:    &toolOK,
	}))

	require.Len(t, dataSink.captured, 1)
	captured := dataSink.captured[0]
	assert.Equal(t, "support-experiment", captured.flagKey)
	assert.Equal(t, "u1", captured.userID)
	assert.Equal(t, "tool-invoked", captured.eventName)
	assert.Equal(t, "support", captured.properties["template"])
	assert.Equal(t, "get_weather", captured.properties["tool"])
	assert.Equal(t, true, captured.properties["tool_ok"])
	assert.NotContains(t, captured.properties, "error")
}
