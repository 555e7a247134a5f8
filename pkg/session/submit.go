package session

import (
	"context"
	"encoding/json"
	"math"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	go_openai "github.com/sashabaranov/go-openai"

	"github.com/go-go-golems/parley/pkg/backend"
	"github.com/go-go-golems/parley/pkg/conversation"
	"github.com/go-go-golems/parley/pkg/events"
)

// Reply is the outcome of one submitted turn. ToolData is set when the turn
// went through a tool round-trip.
type Reply struct {
	Message  string                 `json:"message"`
	ID       conversation.MessageID `json:"id,omitempty"`
	ToolData *conversation.ToolData `json:"tool_data,omitempty"`
}

type submitOptions struct {
	failover bool
}

type SubmitOption func(*submitOptions)

// WithFailover lets a rate-limited completion reject the current config and
// retry on a freshly selected one. Without it, rate limits propagate like any
// other completion error.
func WithFailover() SubmitOption {
	return func(o *submitOptions) {
		o.failover = true
	}
}

func roundLatency(d time.Duration) float64 {
	return math.Round(d.Seconds()*10) / 10
}

// SubmitUserMessage runs one turn: it appends the user message, obtains a
// completion (dispatching at most one tool call), appends the assistant
// reply and persists the transcript. The raw user text is what gets stored;
// the model sees the template's wrapped rendering of it.
func (s *Session) SubmitUserMessage(ctx context.Context, text string, contextVars map[string]interface{}, options ...SubmitOption) (*Reply, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	opts := submitOptions{}
	for _, option := range options {
		option(&opts)
	}
	if contextVars == nil {
		contextVars = map[string]interface{}{}
	}

	if missing := s.template.MissingRequiredVars(contextVars); len(missing) > 0 {
		return nil, &MissingRequiredContextError{Missing: missing}
	}

	// Render the system prompt with this turn's context before anything is
	// appended, so a bad template leaves the transcript untouched.
	if s.transcript.IsEmpty() {
		if err := s.initialize(ctx, contextVars); err != nil {
			return nil, err
		}
	} else {
		systemPrompt, err := s.template.SystemPrompt(contextVars)
		if err != nil {
			return nil, err
		}
		if err := s.transcript.UpsertSystemMessage(systemPrompt); err != nil {
			return nil, err
		}
	}

	userPrompt, err := s.template.UserPrompt(text, contextVars)
	if err != nil {
		return nil, err
	}
	submission := append(s.transcript.ForModel(), go_openai.ChatCompletionMessage{
		Role:    string(conversation.RoleUser),
		Content: userPrompt,
	})

	if _, err := s.transcript.Append(conversation.NewUserMessage(text, s.template.FilterLoggedVars(contextVars))); err != nil {
		return nil, err
	}

	s.publish(events.Event{Type: events.EventTypeTurnStarted})
	start := time.Now()

	response, err := s.complete(ctx, submission, opts.failover)
	if err != nil {
		s.publish(events.Event{Type: events.EventTypeTurnCompleted, Error: err.Error()})
		return nil, err
	}

	if len(response.ToolCalls) > 0 {
		return s.completeToolTurn(ctx, submission, response, contextVars, start)
	}

	reply := conversation.NewAssistantMessage(response.Content, roundLatency(time.Since(start)))
	ids, err := s.transcript.Append(reply)
	if err != nil {
		return nil, err
	}
	s.state = StateActive
	if err := s.commit(ctx); err != nil {
		return nil, err
	}

	s.publish(events.Event{
		Type:     events.EventTypeTurnCompleted,
		Config:   s.currentConfigName(),
		Duration: time.Since(start).Seconds(),
	})
	return &Reply{Message: response.Content, ID: ids[0]}, nil
}

// complete calls the completion API on the currently selected config. With
// failover enabled, a rate-limited config is rejected for the rest of the
// session and a new one is selected; the loop is bounded by the candidate
// set shrinking on every rejection.
func (s *Session) complete(ctx context.Context, submission []go_openai.ChatCompletionMessage, failover bool) (*go_openai.ChatCompletionMessage, error) {
	for {
		cfg := s.selector.Current()
		if cfg == nil {
			selected, err := s.selector.Select()
			if err != nil {
				return nil, err
			}
			cfg = selected
		}

		response, err := s.client.Complete(ctx, submission, cfg, s.openaiTools)
		if err == nil {
			return response, nil
		}
		if !failover || !backend.IsRateLimitError(err) {
			return nil, err
		}

		log.Warn().Err(err).Str("config", cfg.Name).Msg("rate limited, failing over to another config")
		s.publish(events.Event{Type: events.EventTypeConfigRejected, Config: cfg.Name, Error: err.Error()})
		s.selector.Reject(cfg.Name)
		if _, err := s.selector.Select(); err != nil {
			return nil, err
		}
	}
}

// completeToolTurn dispatches the first tool call of the response, feeds the
// packaged result back to the model and appends the whole round-trip (tool
// call, tool result, final reply) as one atomic batch.
func (s *Session) completeToolTurn(
	ctx context.Context,
	submission []go_openai.ChatCompletionMessage,
	response *go_openai.ChatCompletionMessage,
	contextVars map[string]interface{},
	start time.Time,
) (*Reply, error) {
	s.state = StateAwaitingToolResult

	call := response.ToolCalls[0]
	if len(response.ToolCalls) > 1 {
		log.Warn().Str("tool", call.Function.Name).Int("call_count", len(response.ToolCalls)).
			Msg("model requested multiple tool calls, only the first is dispatched")
	}

	// Malformed argument JSON from the model is fatal to the turn; everything
	// past this point degrades into a failed-status tool result instead.
	var parsed map[string]interface{}
	if err := json.Unmarshal([]byte(call.Function.Arguments), &parsed); err != nil {
		return nil, errors.Wrapf(err, "could not parse arguments of tool call %s", call.Function.Name)
	}

	result := s.registry.Dispatch(ctx, call.Function.Name, json.RawMessage(call.Function.Arguments), contextVars)
	toolOK := result.OK
	s.publish(events.Event{Type: events.EventTypeToolInvoked, Tool: call.Function.Name, ToolOK: &toolOK})

	toolCallMsg := conversation.NewToolCallMessage(call, s.registry.ContextArgs(call.Function.Name, contextVars))
	toolResultMsg, err := conversation.NewToolResultMessage(call.ID, call.Function.Name, result.Content)
	if err != nil {
		return nil, err
	}

	augmented := append(submission,
		go_openai.ChatCompletionMessage{
			Role:      string(conversation.RoleAssistant),
			ToolCalls: []go_openai.ToolCall{call},
		},
		go_openai.ChatCompletionMessage{
			Role:       string(conversation.RoleTool),
			Content:    result.Content,
			ToolCallID: call.ID,
			Name:       call.Function.Name,
		},
	)

	// latency is recorded per completion call, not per turn
	followupStart := time.Now()
	followup, err := s.complete(ctx, augmented, false)
	if err != nil {
		s.publish(events.Event{Type: events.EventTypeTurnCompleted, Error: err.Error()})
		return nil, err
	}
	if len(followup.ToolCalls) > 0 {
		log.Warn().Str("tool", followup.ToolCalls[0].Function.Name).
			Msg("model requested a tool call after a tool result, ignoring it")
	}

	finalMsg := conversation.NewAssistantMessage(followup.Content, roundLatency(time.Since(followupStart)))
	ids, err := s.transcript.Append(toolCallMsg, toolResultMsg, finalMsg)
	if err != nil {
		return nil, err
	}
	s.state = StateActive
	if err := s.commit(ctx); err != nil {
		return nil, err
	}

	s.publish(events.Event{
		Type:     events.EventTypeTurnCompleted,
		Config:   s.currentConfigName(),
		Tool:     call.Function.Name,
		Duration: time.Since(start).Seconds(),
	})

	return &Reply{
		Message: followup.Content,
		ID:      ids[len(ids)-1],
		ToolData: &conversation.ToolData{
			UsedTool:    call.Function.Name,
			ToolCalls:   []go_openai.ToolCall{call},
			ToolContent: result.Content,
		},
	}, nil
}

func (s *Session) currentConfigName() string {
	if cfg := s.selector.Current(); cfg != nil {
		return cfg.Name
	}
	return ""
}
