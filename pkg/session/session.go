package session

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	go_openai "github.com/sashabaranov/go-openai"

	"github.com/go-go-golems/parley/pkg/backend"
	"github.com/go-go-golems/parley/pkg/conversation"
	"github.com/go-go-golems/parley/pkg/events"
	"github.com/go-go-golems/parley/pkg/experiment"
	"github.com/go-go-golems/parley/pkg/prompts"
	"github.com/go-go-golems/parley/pkg/store"
	"github.com/go-go-golems/parley/pkg/tools"
)

// State is the lifecycle state of a session.
type State string

const (
	StateUninitialized      State = "uninitialized"
	StateActive             State = "active"
	StateAwaitingToolResult State = "awaiting-tool-result"
)

// MissingRequiredContextError is returned when a turn omits context
// variables the template declares as required.
type MissingRequiredContextError struct {
	Missing []string
}

func (e *MissingRequiredContextError) Error() string {
	return fmt.Sprintf("missing required context variables: %s", strings.Join(e.Missing, ", "))
}

// Session orchestrates one conversation: it owns the transcript, holds the
// resolved tool set and the backend config selector, and drives the turn
// protocol. One session maps to one conversation; its turns are serialized
// by an internal lock. Independent sessions are fully parallel and share
// only the registry's compiled specs and the store.
type Session struct {
	mu sync.Mutex

	id       uuid.UUID
	userID   string
	template *prompts.Template

	transcript   *conversation.Transcript
	transcriptID int64

	registry *tools.Registry
	selector *backend.Selector
	client   backend.ChatClient
	store    store.TranscriptStore
	sink     events.Sink

	toolSpecs   []*tools.Spec
	openaiTools []go_openai.Tool

	state State
	rng   *rand.Rand
}

type Option func(*Session)

// WithRegistry attaches the shared tool registry the template's tools are
// resolved against.
func WithRegistry(registry *tools.Registry) Option {
	return func(s *Session) {
		s.registry = registry
	}
}

// WithStore enables transcript persistence. A transcript row is created on
// the first commit unless WithTranscriptID names an existing one.
func WithStore(st store.TranscriptStore) Option {
	return func(s *Session) {
		s.store = st
	}
}

// WithTranscriptID resumes persistence onto an existing transcript row.
func WithTranscriptID(id int64) Option {
	return func(s *Session) {
		s.transcriptID = id
	}
}

// WithTranscript seeds the session with a previously loaded transcript.
func WithTranscript(transcript *conversation.Transcript) Option {
	return func(s *Session) {
		s.transcript = transcript
	}
}

// WithSink attaches an event sink for lifecycle observability.
func WithSink(sink events.Sink) Option {
	return func(s *Session) {
		s.sink = sink
	}
}

func WithSessionID(id uuid.UUID) Option {
	return func(s *Session) {
		s.id = id
	}
}

func WithUserID(userID string) Option {
	return func(s *Session) {
		s.userID = userID
	}
}

// WithRand injects the random source used for config selection and message
// id assignment.
func WithRand(rng *rand.Rand) Option {
	return func(s *Session) {
		s.rng = rng
	}
}

// New builds a session for a template. The template's tool set is compiled
// (or served from the registry cache) and a backend config is selected;
// selection failures (no candidates, tools not supported) surface here.
func New(
	template *prompts.Template,
	configs map[string]*backend.Config,
	client backend.ChatClient,
	options ...Option,
) (*Session, error) {
	if err := template.Validate(); err != nil {
		return nil, errors.Wrapf(err, "invalid template %s", template.Name)
	}

	ret := &Session{
		id:       uuid.New(),
		template: template,
		client:   client,
		registry: tools.NewRegistry(),
		sink:     events.NewNullSink(),
		state:    StateUninitialized,
	}
	for _, option := range options {
		option(ret)
	}

	if ret.transcript == nil {
		if ret.rng != nil {
			ret.transcript = conversation.NewTranscript(conversation.WithRand(ret.rng))
		} else {
			ret.transcript = conversation.NewTranscript()
		}
	}
	if !ret.transcript.IsEmpty() {
		ret.state = StateActive
	}

	toolSpecs, err := ret.registry.GetSpecs(template.Tools)
	if err != nil {
		return nil, errors.Wrapf(err, "could not resolve tools of template %s", template.Name)
	}
	ret.toolSpecs = toolSpecs
	for _, spec := range toolSpecs {
		openaiTool, err := spec.ToOpenAITool()
		if err != nil {
			return nil, err
		}
		ret.openaiTools = append(ret.openaiTools, openaiTool)
	}

	selectorOptions := []backend.SelectorOption{}
	if len(toolSpecs) > 0 {
		selectorOptions = append(selectorOptions, backend.WithRequireTools())
	}
	if ret.rng != nil {
		selectorOptions = append(selectorOptions, backend.WithSelectorRand(ret.rng))
	}
	ret.selector = backend.NewSelector(configs, template.ConfigNames, selectorOptions...)
	if _, err := ret.selector.Select(); err != nil {
		return nil, err
	}

	log.Debug().Str("session_id", ret.id.String()).Str("template", template.Name).
		Int("tool_count", len(toolSpecs)).Msg("created session")
	return ret, nil
}

// NewFromExperiment builds a session whose template is chosen by the user's
// experiment cohort. When the experimentation service yields nothing usable,
// or the variant names a template that does not exist, the default template
// is used instead.
func NewFromExperiment(
	ctx context.Context,
	templates store.TemplateStore,
	configs map[string]*backend.Config,
	client backend.ChatClient,
	expClient experiment.Client,
	flagKey string,
	userID string,
	defaultTemplate string,
	options ...Option,
) (*Session, error) {
	name := experiment.ResolveTemplateName(expClient, flagKey, userID, defaultTemplate)
	log.Info().Str("template", name).Str("flag_key", flagKey).Msg("prompt template name from experiment")

	template, err := templates.GetTemplate(ctx, name)
	if errors.Is(err, store.ErrNotFound) && name != defaultTemplate {
		log.Error().Str("template", name).
			Msg("prompt template from experimentation does not exist, falling back to default")
		template, err = templates.GetTemplate(ctx, defaultTemplate)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "could not fetch template %s", name)
	}

	return New(template, configs, client, append(options, WithUserID(userID))...)
}

func (s *Session) ID() uuid.UUID {
	return s.id
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Transcript returns the session's transcript. The session stays its sole
// owner; callers must not inspect it while a turn is in flight.
func (s *Session) Transcript() *conversation.Transcript {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transcript
}

func (s *Session) TranscriptID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transcriptID
}

// Initialize renders the system prompt and the template's seed messages into
// the transcript. It is a no-op on a non-empty transcript; submitting a turn
// initializes implicitly.
func (s *Session) Initialize(ctx context.Context, contextVars map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialize(ctx, contextVars)
}

func (s *Session) initialize(ctx context.Context, contextVars map[string]interface{}) error {
	if !s.transcript.IsEmpty() {
		log.Error().Str("session_id", s.id.String()).
			Msg("cannot initialize an already populated transcript, not initializing")
		return nil
	}

	systemPrompt, err := s.template.SystemPrompt(contextVars)
	if err != nil {
		return err
	}
	seeds, err := s.template.SeedMessages(contextVars)
	if err != nil {
		return err
	}

	messages := append([]*conversation.Message{conversation.NewChatMessage(conversation.RoleSystem, systemPrompt)}, seeds...)
	if _, err := s.transcript.Append(messages...); err != nil {
		return err
	}
	s.state = StateActive
	return s.commit(ctx)
}

// RateMessage sets the thumb rating on a transcript message and persists the
// change. It returns false when the id is unknown; nothing is mutated then.
func (s *Session) RateMessage(ctx context.Context, id conversation.MessageID, thumb conversation.Thumb) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.transcript.RateMessage(id, thumb) {
		return false
	}
	if err := s.commit(ctx); err != nil {
		log.Error().Err(err).Int64("message_id", int64(id)).Msg("could not persist message rating")
	}
	return true
}

// DisplayTranscript returns the user-facing transcript projection.
func (s *Session) DisplayTranscript(includeInternal bool) []conversation.DisplayEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transcript.ForDisplay(includeInternal)
}

func (s *Session) commit(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	if s.transcriptID == 0 {
		id, err := s.store.CreateTranscript(ctx)
		if err != nil {
			return errors.Wrap(err, "could not create transcript record")
		}
		s.transcriptID = id
	}
	return s.store.SaveTranscript(ctx, s.transcriptID, s.transcript)
}

func (s *Session) publish(event events.Event) {
	event.SessionID = s.id
	event.Template = s.template.Name
	event.UserID = s.userID
	event.Time = time.Now()
	if err := s.sink.PublishEvent(event); err != nil {
		log.Trace().Err(err).Str("event_type", string(event.Type)).Msg("could not publish session event")
	}
}
