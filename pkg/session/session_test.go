package session

import (
	"context"
	"math/rand"
	"net/http"
	"testing"
	"time"

	"github.com/pkg/errors"
	go_openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/parley/pkg/backend"
	"github.com/go-go-golems/parley/pkg/conversation"
	"github.com/go-go-golems/parley/pkg/events"
	"github.com/go-go-golems/parley/pkg/prompts"
	"github.com/go-go-golems/parley/pkg/store"
	"github.com/go-go-golems/parley/pkg/tools"
)

// scriptedStep is one Complete call the fake client expects to serve.
type scriptedStep struct {
	response *go_openai.ChatCompletionMessage
	err      error
	delay    time.Duration
}

type fakeClient struct {
	steps []scriptedStep

	// one entry per Complete call
	submissions [][]go_openai.ChatCompletionMessage
	configNames []string
	toolCounts  []int
}

func (f *fakeClient) Complete(
	_ context.Context,
	messages []go_openai.ChatCompletionMessage,
	cfg *backend.Config,
	tools []go_openai.Tool,
) (*go_openai.ChatCompletionMessage, error) {
	f.submissions = append(f.submissions, messages)
	f.configNames = append(f.configNames, cfg.Name)
	f.toolCounts = append(f.toolCounts, len(tools))

	if len(f.steps) == 0 {
		return nil, errors.New("fake client has no scripted steps left")
	}
	step := f.steps[0]
	f.steps = f.steps[1:]
	if step.delay > 0 {
		time.Sleep(step.delay)
	}
	return step.response, step.err
}

func assistantText(content string) scriptedStep {
	return scriptedStep{response: &go_openai.ChatCompletionMessage{
		Role:    "assistant",
		Content: content,
	}}
}

func assistantToolCall(name string, arguments string) scriptedStep {
	return scriptedStep{response: &go_openai.ChatCompletionMessage{
		Role: "assistant",
		ToolCalls: []go_openai.ToolCall{{
			ID:   "call_1",
			Type: go_openai.ToolTypeFunction,
			Function: go_openai.FunctionCall{
				Name:      name,
				Arguments: arguments,
			},
		}},
	}}
}

func rateLimited() scriptedStep {
	return scriptedStep{err: &go_openai.APIError{HTTPStatusCode: http.StatusTooManyRequests}}
}

type recordingSink struct {
	published []events.Event
}

func (r *recordingSink) PublishEvent(event events.Event) error {
	r.published = append(r.published, event)
	return nil
}

func (r *recordingSink) types() []events.EventType {
	ret := []events.EventType{}
	for _, event := range r.published {
		ret = append(ret, event.Type)
	}
	return ret
}

func testTemplate() *prompts.Template {
	return &prompts.Template{
		Name:                 "support",
		SystemPromptTemplate: "You help $company customers.",
		UserPromptTemplate:   "Customer says: $user_msg",
		RequiredContextVars:  []string{"company"},
		LoggedContextVars:    []string{"tier"},
		ConfigNames:          []string{"gpt4"},
	}
}

func testConfigs() map[string]*backend.Config {
	return map[string]*backend.Config{
		"gpt4":   {Name: "gpt4", Model: "gpt-4", ToolsEnabled: true},
		"backup": {Name: "backup", Model: "gpt-3.5", ToolsEnabled: true},
	}
}

func testVars() map[string]interface{} {
	return map[string]interface{}{"company": "Acme", "tier": "gold"}
}

type echoArgs struct {
	Text   string `json:"text"`
	UserID string `json:"__user_id__"`
}

func echoTool(args echoArgs) string {
	return args.UserID + " said " + args.Text
}

const echoDoc = `Echo the text back.

text: the text to echo
__user_id__: id of the calling user`

func toolRegistry(t *testing.T) *tools.Registry {
	t.Helper()
	registry := tools.NewRegistry()
	_, err := registry.Register(echoTool, echoDoc)
	require.NoError(t, err)
	return registry
}

func TestPlainTurn(t *testing.T) {
	client := &fakeClient{steps: []scriptedStep{assistantText("Happy to help!")}}
	sess, err := New(testTemplate(), testConfigs(), client, WithRand(rand.New(rand.NewSource(7))))
	require.NoError(t, err)
	assert.Equal(t, StateUninitialized, sess.State())

	reply, err := sess.SubmitUserMessage(context.Background(), "my order is late", testVars())
	require.NoError(t, err)
	assert.Equal(t, "Happy to help!", reply.Message)
	assert.NotZero(t, reply.ID)
	assert.Nil(t, reply.ToolData)
	assert.Equal(t, StateActive, sess.State())

	// the model sees the rendered system prompt and the wrapped user turn
	require.Len(t, client.submissions, 1)
	submitted := client.submissions[0]
	require.Len(t, submitted, 2)
	assert.Equal(t, "You help Acme customers.", submitted[0].Content)
	assert.Equal(t, "Customer says: my order is late", submitted[1].Content)

	// the transcript keeps the raw user text and the logged context vars
	messages := sess.Transcript().Messages()
	require.Len(t, messages, 3)
	assert.Equal(t, conversation.RoleSystem, messages[0].Role)
	assert.Equal(t, "my order is late", messages[1].Content)
	assert.Equal(t, map[string]interface{}{"tier": "gold"}, messages[1].ContextVars)
	assert.Equal(t, "Happy to help!", messages[2].Content)
	assert.Equal(t, reply.ID, messages[2].ID)
}

func TestMissingRequiredContext(t *testing.T) {
	client := &fakeClient{}
	sess, err := New(testTemplate(), testConfigs(), client)
	require.NoError(t, err)

	_, err = sess.SubmitUserMessage(context.Background(), "hello", map[string]interface{}{"tier": "gold"})
	require.Error(t, err)

	var missingErr *MissingRequiredContextError
	require.True(t, errors.As(err, &missingErr))
	assert.Equal(t, []string{"company"}, missingErr.Missing)

	assert.True(t, sess.Transcript().IsEmpty())
	assert.Empty(t, client.submissions)
}

func TestSeedMessagesSentButHidden(t *testing.T) {
	template := testTemplate()
	template.InitialMessages = []prompts.SeedMessage{
		{Role: conversation.RoleUser, Content: "Hi, I shop at $company"},
		{Role: conversation.RoleAssistant, Content: "Welcome!"},
	}

	client := &fakeClient{steps: []scriptedStep{assistantText("reply")}}
	sess, err := New(template, testConfigs(), client)
	require.NoError(t, err)

	_, err = sess.SubmitUserMessage(context.Background(), "question", testVars())
	require.NoError(t, err)

	submitted := client.submissions[0]
	require.Len(t, submitted, 4)
	assert.Equal(t, "Hi, I shop at Acme", submitted[1].Content)
	assert.Equal(t, "Welcome!", submitted[2].Content)

	entries := sess.DisplayTranscript(false)
	require.Len(t, entries, 2)
	assert.Equal(t, "question", entries[0].Message)
	assert.Equal(t, "reply", entries[1].Message)
}

func TestSystemPromptRefreshedEachTurn(t *testing.T) {
	client := &fakeClient{steps: []scriptedStep{assistantText("one"), assistantText("two")}}
	sess, err := New(testTemplate(), testConfigs(), client)
	require.NoError(t, err)

	_, err = sess.SubmitUserMessage(context.Background(), "first", testVars())
	require.NoError(t, err)
	_, err = sess.SubmitUserMessage(context.Background(), "second",
		map[string]interface{}{"company": "Globex"})
	require.NoError(t, err)

	messages := sess.Transcript().Messages()
	assert.Equal(t, conversation.RoleSystem, messages[0].Role)
	assert.Equal(t, "You help Globex customers.", messages[0].Content)
	assert.Equal(t, 1, countRole(messages, conversation.RoleSystem))

	assert.Equal(t, "You help Globex customers.", client.submissions[1][0].Content)
}

func countRole(messages []*conversation.Message, role conversation.Role) int {
	count := 0
	for _, msg := range messages {
		if msg.Role == role {
			count++
		}
	}
	return count
}

func TestToolTurn(t *testing.T) {
	template := testTemplate()
	template.Tools = []string{"echo_tool"}

	sink := &recordingSink{}
	client := &fakeClient{steps: []scriptedStep{
		assistantToolCall("echo_tool", `{"text": "ping"}`),
		assistantText("The tool said pong."),
	}}
	sess, err := New(template, testConfigs(), client,
		WithRegistry(toolRegistry(t)),
		WithSink(sink))
	require.NoError(t, err)

	vars := testVars()
	vars["user_id"] = "u1"
	reply, err := sess.SubmitUserMessage(context.Background(), "use the tool", vars)
	require.NoError(t, err)

	assert.Equal(t, "The tool said pong.", reply.Message)
	require.NotNil(t, reply.ToolData)
	assert.Equal(t, "echo_tool", reply.ToolData.UsedTool)
	assert.JSONEq(t, `{"status": "OK", "message": "u1 said ping"}`, reply.ToolData.ToolContent)

	// the tool spec travels with every completion call
	assert.Equal(t, []int{1, 1}, client.toolCounts)

	// second completion call carries the tool round-trip
	followup := client.submissions[1]
	require.Len(t, followup, 4)
	assert.Len(t, followup[2].ToolCalls, 1)
	assert.Equal(t, "tool", followup[3].Role)
	assert.Equal(t, "call_1", followup[3].ToolCallID)
	assert.JSONEq(t, `{"status": "OK", "message": "u1 said ping"}`, followup[3].Content)

	// the round-trip lands as one batch with a shared timestamp
	messages := sess.Transcript().Messages()
	require.Len(t, messages, 5)
	assert.Len(t, messages[2].ToolCalls, 1)
	assert.Equal(t, map[string]interface{}{"__user_id__": "u1"}, messages[2].ContextParams)
	assert.Equal(t, conversation.RoleTool, messages[3].Role)
	assert.Equal(t, "The tool said pong.", messages[4].Content)
	assert.Equal(t, messages[2].Timestamp, messages[3].Timestamp)
	assert.Equal(t, messages[3].Timestamp, messages[4].Timestamp)

	// user-facing view hides the tool machinery unless asked for
	plain := sess.DisplayTranscript(false)
	require.Len(t, plain, 2)
	assert.Nil(t, plain[1].ToolData)

	internal := sess.DisplayTranscript(true)
	require.NotNil(t, internal[1].ToolData)
	assert.Equal(t, "echo_tool", internal[1].ToolData.UsedTool)

	assert.Equal(t, []events.EventType{
		events.EventTypeTurnStarted,
		events.EventTypeToolInvoked,
		events.EventTypeTurnCompleted,
	}, sink.types())
}

func TestToolTurnRecordsPerCallLatency(t *testing.T) {
	template := testTemplate()
	template.Tools = []string{"echo_tool"}

	toolCall := assistantToolCall("echo_tool", `{"text": "ping"}`)
	toolCall.delay = 500 * time.Millisecond
	client := &fakeClient{steps: []scriptedStep{
		toolCall,
		assistantText("done"),
	}}
	sess, err := New(template, testConfigs(), client, WithRegistry(toolRegistry(t)))
	require.NoError(t, err)

	_, err = sess.SubmitUserMessage(context.Background(), "use the tool", testVars())
	require.NoError(t, err)

	// the final reply's generation time covers only the follow-up call, not
	// the first completion or the tool dispatch
	messages := sess.Transcript().Messages()
	require.Len(t, messages, 5)
	assert.Less(t, messages[4].GenerationTime, 0.3)
}

func TestToolTurnWithMalformedArguments(t *testing.T) {
	template := testTemplate()
	template.Tools = []string{"echo_tool"}

	client := &fakeClient{steps: []scriptedStep{
		assistantToolCall("echo_tool", `{"text": `),
	}}
	sess, err := New(template, testConfigs(), client, WithRegistry(toolRegistry(t)))
	require.NoError(t, err)

	_, err = sess.SubmitUserMessage(context.Background(), "use the tool", testVars())
	require.Error(t, err)

	// only one completion call went out, no tool messages were appended
	assert.Len(t, client.submissions, 1)
	assert.Equal(t, 0, countRole(sess.Transcript().Messages(), conversation.RoleTool))
}

func TestToolTurnWithUnknownTool(t *testing.T) {
	template := testTemplate()
	template.Tools = []string{"echo_tool"}

	client := &fakeClient{steps: []scriptedStep{
		assistantToolCall("made_up_tool", `{"text": "x"}`),
		assistantText("Sorry, that failed."),
	}}
	sess, err := New(template, testConfigs(), client, WithRegistry(toolRegistry(t)))
	require.NoError(t, err)

	reply, err := sess.SubmitUserMessage(context.Background(), "go", testVars())
	require.NoError(t, err)

	require.NotNil(t, reply.ToolData)
	assert.JSONEq(t, `{"status": "Failed", "message": "unknown tool: made_up_tool"}`, reply.ToolData.ToolContent)
	assert.Equal(t, "Sorry, that failed.", reply.Message)
}

func TestToolTemplateRequiresToolCapableConfig(t *testing.T) {
	template := testTemplate()
	template.Tools = []string{"echo_tool"}
	template.ConfigNames = []string{"no_tools"}

	configs := map[string]*backend.Config{
		"no_tools": {Name: "no_tools", Model: "gpt-4"},
	}
	_, err := New(template, configs, &fakeClient{}, WithRegistry(toolRegistry(t)))
	require.Error(t, err)

	var toolsErr *backend.ToolsNotSupportedError
	assert.True(t, errors.As(err, &toolsErr))
}

func TestToolTemplateRequiresRegisteredTools(t *testing.T) {
	template := testTemplate()
	template.Tools = []string{"echo_tool"}

	_, err := New(template, testConfigs(), &fakeClient{})
	require.Error(t, err)
}

func TestFailoverOnRateLimit(t *testing.T) {
	template := testTemplate()
	template.ConfigNames = []string{"gpt4", "backup"}

	sink := &recordingSink{}
	client := &fakeClient{steps: []scriptedStep{rateLimited(), assistantText("made it")}}
	sess, err := New(template, testConfigs(), client,
		WithSink(sink),
		WithRand(rand.New(rand.NewSource(3))))
	require.NoError(t, err)

	reply, err := sess.SubmitUserMessage(context.Background(), "hello", testVars(), WithFailover())
	require.NoError(t, err)
	assert.Equal(t, "made it", reply.Message)

	require.Len(t, client.configNames, 2)
	assert.NotEqual(t, client.configNames[0], client.configNames[1])

	assert.Contains(t, sink.types(), events.EventTypeConfigRejected)
}

func TestRateLimitWithoutFailoverPropagates(t *testing.T) {
	client := &fakeClient{steps: []scriptedStep{rateLimited()}}
	sess, err := New(testTemplate(), testConfigs(), client)
	require.NoError(t, err)

	_, err = sess.SubmitUserMessage(context.Background(), "hello", testVars())
	require.Error(t, err)
	assert.True(t, backend.IsRateLimitError(err))
	assert.Len(t, client.submissions, 1)
}

func TestFailoverExhaustsCandidates(t *testing.T) {
	client := &fakeClient{steps: []scriptedStep{rateLimited()}}
	sess, err := New(testTemplate(), testConfigs(), client)
	require.NoError(t, err)

	_, err = sess.SubmitUserMessage(context.Background(), "hello", testVars(), WithFailover())
	require.Error(t, err)
	assert.True(t, errors.Is(err, backend.ErrNoConfigsAvailable))
}

func TestNonRateLimitErrorNeverFailsOver(t *testing.T) {
	template := testTemplate()
	template.ConfigNames = []string{"gpt4", "backup"}

	client := &fakeClient{steps: []scriptedStep{
		{err: errors.New("backend on fire")},
	}}
	sess, err := New(template, testConfigs(), client)
	require.NoError(t, err)

	_, err = sess.SubmitUserMessage(context.Background(), "hello", testVars(), WithFailover())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backend on fire")
	assert.Len(t, client.submissions, 1)
}

func TestPersistenceAndResume(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()

	client := &fakeClient{steps: []scriptedStep{assistantText("first reply")}}
	sess, err := New(testTemplate(), testConfigs(), client, WithStore(st))
	require.NoError(t, err)
	assert.Zero(t, sess.TranscriptID())

	_, err = sess.SubmitUserMessage(ctx, "hello", testVars())
	require.NoError(t, err)
	transcriptID := sess.TranscriptID()
	require.NotZero(t, transcriptID)

	stored, err := st.GetTranscript(ctx, transcriptID)
	require.NoError(t, err)
	assert.Equal(t, 3, stored.Len())

	// resume the same conversation in a fresh session
	resumedClient := &fakeClient{steps: []scriptedStep{assistantText("second reply")}}
	resumed, err := New(testTemplate(), testConfigs(), resumedClient,
		WithStore(st),
		WithTranscript(stored),
		WithTranscriptID(transcriptID))
	require.NoError(t, err)
	assert.Equal(t, StateActive, resumed.State())

	_, err = resumed.SubmitUserMessage(ctx, "again", testVars())
	require.NoError(t, err)

	// the resumed turn submits the full prior history
	assert.Len(t, resumedClient.submissions[0], 4)

	stored, err = st.GetTranscript(ctx, transcriptID)
	require.NoError(t, err)
	assert.Equal(t, 5, stored.Len())
	assert.Equal(t, 2, stored.UserMessageCount())
}

// gatedClient blocks inside Complete until released, keeping a turn in
// flight for as long as the test needs.
type gatedClient struct {
	entered chan struct{}
	release chan struct{}
}

func (g *gatedClient) Complete(
	_ context.Context,
	_ []go_openai.ChatCompletionMessage,
	_ *backend.Config,
	_ []go_openai.Tool,
) (*go_openai.ChatCompletionMessage, error) {
	close(g.entered)
	<-g.release
	return &go_openai.ChatCompletionMessage{Role: "assistant", Content: "done"}, nil
}

func TestAccessorsSerializeWithInFlightTurn(t *testing.T) {
	st := store.NewMemoryStore()
	client := &gatedClient{entered: make(chan struct{}), release: make(chan struct{})}
	sess, err := New(testTemplate(), testConfigs(), client, WithStore(st))
	require.NoError(t, err)

	turnDone := make(chan error, 1)
	go func() {
		_, err := sess.SubmitUserMessage(context.Background(), "hello", testVars())
		turnDone <- err
	}()
	<-client.entered

	// this read blocks until the turn commits, so it sees the assigned id
	observed := make(chan int64, 1)
	go func() {
		observed <- sess.TranscriptID()
	}()

	time.Sleep(50 * time.Millisecond)
	close(client.release)
	require.NoError(t, <-turnDone)

	assert.NotZero(t, <-observed)
	assert.Equal(t, 3, sess.Transcript().Len())
}

func TestRateMessagePersists(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()

	client := &fakeClient{steps: []scriptedStep{assistantText("rate me")}}
	sess, err := New(testTemplate(), testConfigs(), client, WithStore(st))
	require.NoError(t, err)

	reply, err := sess.SubmitUserMessage(ctx, "hello", testVars())
	require.NoError(t, err)

	assert.True(t, sess.RateMessage(ctx, reply.ID, conversation.ThumbDown))
	assert.False(t, sess.RateMessage(ctx, conversation.MessageID(1), conversation.ThumbUp))

	stored, err := st.GetTranscript(ctx, sess.TranscriptID())
	require.NoError(t, err)
	_, down := stored.ThumbCounts()
	assert.Equal(t, 1, down)
}

type fakeExperimentClient struct {
	variant string
	err     error
}

func (f *fakeExperimentClient) VariantFor(string, string) (string, error) {
	return f.variant, f.err
}

func TestNewFromExperiment(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()

	defaultTemplate := testTemplate()
	require.NoError(t, st.UpsertTemplate(ctx, defaultTemplate))

	variantTemplate := testTemplate()
	variantTemplate.Name = "support-v2"
	variantTemplate.SystemPromptTemplate = "You help $company customers, v2."
	require.NoError(t, st.UpsertTemplate(ctx, variantTemplate))

	client := &fakeClient{steps: []scriptedStep{assistantText("hi")}}
	sess, err := NewFromExperiment(ctx, st, testConfigs(), client,
		&fakeExperimentClient{variant: "support-v2"},
		"support-experiment", "u1", "support")
	require.NoError(t, err)

	_, err = sess.SubmitUserMessage(ctx, "hello", testVars())
	require.NoError(t, err)
	assert.Equal(t, "You help Acme customers, v2.", client.submissions[0][0].Content)
}

func TestNewFromExperimentFallsBackToDefault(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	require.NoError(t, st.UpsertTemplate(ctx, testTemplate()))

	// variant names a template that was never stored
	sess, err := NewFromExperiment(ctx, st, testConfigs(), &fakeClient{},
		&fakeExperimentClient{variant: "deleted-template"},
		"support-experiment", "u1", "support")
	require.NoError(t, err)
	assert.NotNil(t, sess)

	// experimentation being down falls back too
	sess, err = NewFromExperiment(ctx, st, testConfigs(), &fakeClient{},
		&fakeExperimentClient{err: errors.New("posthog down")},
		"support-experiment", "u1", "support")
	require.NoError(t, err)
	assert.NotNil(t, sess)

	// ... but a missing default template is a hard error
	_, err = NewFromExperiment(ctx, st, testConfigs(), &fakeClient{},
		&fakeExperimentClient{variant: "deleted-template"},
		"support-experiment", "u1", "also-missing")
	require.Error(t, err)
}
