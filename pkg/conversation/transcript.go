package conversation

import (
	"encoding/json"
	"math"
	"math/rand"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	go_openai "github.com/sashabaranov/go-openai"
)

// InvariantViolationError signals that a transcript no longer satisfies its
// structural invariants, which indicates upstream corruption.
type InvariantViolationError struct {
	Reason string
}

func (e *InvariantViolationError) Error() string {
	return "transcript invariant violated: " + e.Reason
}

// Transcript is the append-only, ordered message log of one conversation
// session. It is owned by exactly one session and is not safe for concurrent
// use; the session serializes its turns.
type Transcript struct {
	messages []*Message
	rng      *rand.Rand
	now      func() time.Time
}

type TranscriptOption func(*Transcript)

// WithRand injects the random source used for message id assignment.
func WithRand(rng *rand.Rand) TranscriptOption {
	return func(t *Transcript) {
		t.rng = rng
	}
}

// WithClock injects the clock used for append timestamps.
func WithClock(now func() time.Time) TranscriptOption {
	return func(t *Transcript) {
		t.now = now
	}
}

func NewTranscript(options ...TranscriptOption) *Transcript {
	ret := &Transcript{
		now: time.Now,
	}
	for _, option := range options {
		option(ret)
	}
	return ret
}

func (t *Transcript) Len() int {
	return len(t.messages)
}

func (t *Transcript) IsEmpty() bool {
	return len(t.messages) == 0
}

// Messages returns the underlying message slice in insertion order. Callers
// must not mutate it.
func (t *Transcript) Messages() []*Message {
	return t.messages
}

func roundTimestamp(ts float64) float64 {
	return math.Round(ts*10) / 10
}

// Append assigns every message in the batch a shared timestamp and a unique
// random 12-digit id, appends them in order and returns the assigned ids.
func (t *Transcript) Append(messages ...*Message) ([]MessageID, error) {
	ts := roundTimestamp(float64(t.now().UnixMilli()) / 1000.0)
	return t.AppendAt(ts, messages...)
}

// AppendAt is Append with an explicit shared timestamp.
func (t *Transcript) AppendAt(timestamp float64, messages ...*Message) ([]MessageID, error) {
	ids := make([]MessageID, 0, len(messages))
	for _, msg := range messages {
		if err := msg.validate(); err != nil {
			return nil, err
		}
	}
	for _, msg := range messages {
		msg.Timestamp = timestamp
		msg.ID = t.newUniqueID()
		ids = append(ids, msg.ID)
		t.messages = append(t.messages, msg)
	}
	return ids, nil
}

func (t *Transcript) newUniqueID() MessageID {
	for {
		id := NewMessageID(t.rng)
		taken := false
		for _, msg := range t.messages {
			if msg.ID == id {
				taken = true
				break
			}
		}
		if !taken {
			return id
		}
	}
}

// ForModel returns the minimal projection submitted to the completion API,
// preserving insertion order.
func (t *Transcript) ForModel() []go_openai.ChatCompletionMessage {
	ret := make([]go_openai.ChatCompletionMessage, 0, len(t.messages))
	for _, msg := range t.messages {
		out := go_openai.ChatCompletionMessage{
			Role:    string(msg.Role),
			Content: msg.Content,
		}
		if msg.Role == RoleTool {
			out.ToolCallID = msg.ToolCallID
			out.Name = msg.Name
		}
		if len(msg.ToolCalls) > 0 {
			out.ToolCalls = msg.ToolCalls
		}
		ret = append(ret, out)
	}
	return ret
}

// ToolData describes the tool round-trip that produced a displayed reply.
type ToolData struct {
	UsedTool    string               `json:"used_tool"`
	ToolCalls   []go_openai.ToolCall `json:"tool_calls"`
	ToolContent string               `json:"tool_content"`
}

// DisplayEntry is one user-visible transcript row.
type DisplayEntry struct {
	Message  string    `json:"message"`
	Type     string    `json:"type"`
	ToolData *ToolData `json:"tool_data,omitempty"`
	ID       MessageID `json:"id"`
	Thumb    *Thumb    `json:"thumb,omitempty"`
}

var displayTypes = map[Role]string{
	RoleUser:      "user",
	RoleAssistant: "bot",
}

// ForDisplay filters the transcript down to the user-facing view: hidden and
// tool-related messages are dropped. When includeInternal is set, the reply
// that followed a tool round-trip carries the tool name, call arguments and
// packaged result.
func (t *Transcript) ForDisplay(includeInternal bool) []DisplayEntry {
	ret := []DisplayEntry{}
	for i, msg := range t.messages {
		if !msg.Visible() {
			continue
		}
		displayType, ok := displayTypes[msg.Role]
		if !ok || len(msg.ToolCalls) > 0 {
			continue
		}

		content := msg.Content
		// Structured-output replies store a JSON document; unwrap the
		// message field when present.
		var structured map[string]interface{}
		if err := json.Unmarshal([]byte(msg.Content), &structured); err == nil {
			if inner, ok := structured["message"].(string); ok {
				content = inner
			}
		}

		var toolData *ToolData
		if includeInternal && i > 1 && t.messages[i-1].Role == RoleTool {
			toolData = &ToolData{
				UsedTool:    t.messages[i-1].Name,
				ToolCalls:   t.messages[i-2].ToolCalls,
				ToolContent: t.messages[i-1].Content,
			}
		}

		ret = append(ret, DisplayEntry{
			Message:  content,
			Type:     displayType,
			ToolData: toolData,
			ID:       msg.ID,
			Thumb:    msg.Thumb,
		})
	}
	return ret
}

// UpsertSystemMessage replaces the content of the leading system message, or
// inserts one if the transcript is empty. A non-empty transcript whose first
// message is not a system message is corrupt.
func (t *Transcript) UpsertSystemMessage(content string) error {
	if len(t.messages) == 0 {
		_, err := t.Append(NewChatMessage(RoleSystem, content))
		return err
	}
	if t.messages[0].Role != RoleSystem {
		return &InvariantViolationError{Reason: "first message is not a system message"}
	}
	t.messages[0].Content = content
	return nil
}

// RateMessage sets the thumb rating on the message with the given id. It
// returns false without mutating anything when the id is unknown.
func (t *Transcript) RateMessage(id MessageID, thumb Thumb) bool {
	for _, msg := range t.messages {
		if msg.ID == id {
			th := thumb
			msg.Thumb = &th
			return true
		}
	}
	log.Debug().Int64("message_id", int64(id)).Msg("rate: message id not found in transcript")
	return false
}

// ThumbCounts is a read-only analytics projection counting thumbs up and
// down over the transcript.
func (t *Transcript) ThumbCounts() (up int, down int) {
	for _, msg := range t.messages {
		if msg.Thumb == nil {
			continue
		}
		switch *msg.Thumb {
		case ThumbUp:
			up++
		case ThumbDown:
			down++
		}
	}
	return up, down
}

// UserMessageCount counts the user role messages in the transcript.
func (t *Transcript) UserMessageCount() int {
	count := 0
	for _, msg := range t.messages {
		if msg.Role == RoleUser {
			count++
		}
	}
	return count
}

// MarshalJSON serializes the transcript as a JSON array of messages, the
// format used by the persistent store.
func (t *Transcript) MarshalJSON() ([]byte, error) {
	if t.messages == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(t.messages)
}

func (t *Transcript) UnmarshalJSON(data []byte) error {
	var messages []*Message
	if err := json.Unmarshal(data, &messages); err != nil {
		return errors.Wrap(err, "could not parse transcript")
	}
	for _, msg := range messages {
		if err := msg.validate(); err != nil {
			return err
		}
	}
	t.messages = messages
	if t.now == nil {
		t.now = time.Now
	}
	return nil
}
