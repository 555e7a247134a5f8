package conversation

import (
	"encoding/json"
	"math/rand"

	"github.com/pkg/errors"
	go_openai "github.com/sashabaranov/go-openai"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleAssistant Role = "assistant"
	RoleUser      Role = "user"
	RoleTool      Role = "tool"
)

func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleAssistant, RoleUser, RoleTool:
		return true
	}
	return false
}

// MessageID is a random 12-digit identifier assigned when a message is
// appended to a transcript. Stored transcripts carry it as a one-element
// array, which we preserve on the wire for round-trip compatibility.
type MessageID int64

const (
	minMessageID = int64(100000000000)
	maxMessageID = int64(999999999999)
)

func NewMessageID(rng *rand.Rand) MessageID {
	span := maxMessageID - minMessageID + 1
	if rng == nil {
		return MessageID(minMessageID + rand.Int63n(span))
	}
	return MessageID(minMessageID + rng.Int63n(span))
}

func (id MessageID) MarshalJSON() ([]byte, error) {
	return json.Marshal([]int64{int64(id)})
}

func (id *MessageID) UnmarshalJSON(data []byte) error {
	var tuple []int64
	if err := json.Unmarshal(data, &tuple); err == nil {
		if len(tuple) != 1 {
			return errors.Errorf("message id must be a one-element array, got %d elements", len(tuple))
		}
		*id = MessageID(tuple[0])
		return nil
	}

	// Older records stored the id as a bare integer.
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return errors.Wrap(err, "could not parse message id")
	}
	*id = MessageID(n)
	return nil
}

type Thumb int

const (
	ThumbUp   Thumb = 1
	ThumbDown Thumb = -1
)

// Message is a single transcript entry. The JSON field names match the
// persisted transcript format, so a serialized transcript can be read back
// from pre-existing records.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`

	// ID and Timestamp are zero until the message is appended to a transcript.
	ID        MessageID `json:"id,omitempty"`
	Timestamp float64   `json:"timestamp,omitempty"`

	// Tool result messages carry the call they answer.
	ToolCallID string `json:"tool_call_id,omitempty"`
	Name       string `json:"name,omitempty"`

	// Assistant messages that request a tool invocation.
	ToolCalls []go_openai.ToolCall `json:"tool_calls,omitempty"`

	// Context parameters that were injected into the tool call, kept for
	// later analysis.
	ContextParams map[string]interface{} `json:"context_params,omitempty"`

	// Context variables logged alongside a user message.
	ContextVars map[string]interface{} `json:"context_vars,omitempty"`

	Thumb *Thumb `json:"thumb,omitempty"`

	// GenerationTime is the end-to-end completion latency in seconds,
	// recorded on assistant messages.
	GenerationTime float64 `json:"message_generation_time,omitempty"`

	SystemGenerated   bool  `json:"system_generated,omitempty"`
	ShowInUserHistory *bool `json:"show_in_user_history,omitempty"`
}

// Visible reports whether the message should appear in user-facing history.
func (m *Message) Visible() bool {
	return m.ShowInUserHistory == nil || *m.ShowInUserHistory
}

func (m *Message) validate() error {
	if !m.Role.Valid() {
		return errors.Errorf("unexpected msg role: %s", m.Role)
	}
	if m.Role == RoleTool {
		if m.ToolCallID == "" {
			return errors.New("tool message without tool_call_id")
		}
		if m.Name == "" {
			return errors.New("tool message without tool name")
		}
	}
	return nil
}

// NewChatMessage builds a plain system, user or assistant message.
func NewChatMessage(role Role, content string) *Message {
	return &Message{Role: role, Content: content}
}

// NewUserMessage builds a user message carrying the context variables that
// should be logged with it.
func NewUserMessage(content string, loggedContextVars map[string]interface{}) *Message {
	return &Message{
		Role:        RoleUser,
		Content:     content,
		ContextVars: loggedContextVars,
	}
}

// NewAssistantMessage builds an assistant reply with its generation latency.
func NewAssistantMessage(content string, generationTime float64) *Message {
	return &Message{
		Role:           RoleAssistant,
		Content:        content,
		GenerationTime: generationTime,
	}
}

// NewToolCallMessage builds the assistant message that requested a tool
// invocation. contextParams records the system-injected arguments.
func NewToolCallMessage(call go_openai.ToolCall, contextParams map[string]interface{}) *Message {
	return &Message{
		Role:          RoleAssistant,
		Content:       "",
		ToolCalls:     []go_openai.ToolCall{call},
		ToolCallID:    call.ID,
		ContextParams: contextParams,
	}
}

// NewToolResultMessage builds the tool role message answering a tool call.
func NewToolResultMessage(toolCallID string, name string, content string) (*Message, error) {
	msg := &Message{
		Role:       RoleTool,
		Content:    content,
		ToolCallID: toolCallID,
		Name:       name,
	}
	if err := msg.validate(); err != nil {
		return nil, err
	}
	return msg, nil
}

// NewHiddenMessage builds a templated seed message that is kept out of the
// user-facing history.
func NewHiddenMessage(role Role, content string) *Message {
	hidden := false
	return &Message{
		Role:              role,
		Content:           content,
		SystemGenerated:   true,
		ShowInUserHistory: &hidden,
	}
}
