package backend

import (
	"fmt"
	"math/rand"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// ErrNoConfigsAvailable is returned when the candidate set for a session is
// exhausted.
var ErrNoConfigsAvailable = errors.New("no LLM configs available")

// ToolsNotSupportedError is returned when a template declares tools but the
// selected config cannot accept them.
type ToolsNotSupportedError struct {
	Config string
}

func (e *ToolsNotSupportedError) Error() string {
	return fmt.Sprintf("tools not enabled in LLM config %s but used by the conversation template", e.Config)
}

// Selector holds the candidate config names of one session. Selection is
// uniform random among remaining candidates; a rejected config is removed
// for the rest of the session. The random source is constructor-injected,
// there is no process-wide selection state.
type Selector struct {
	configs      map[string]*Config
	candidates   []string
	current      *Config
	requireTools bool
	rng          *rand.Rand
}

type SelectorOption func(*Selector)

// WithRequireTools makes selection fail when the chosen config has tools
// disabled.
func WithRequireTools() SelectorOption {
	return func(s *Selector) {
		s.requireTools = true
	}
}

// WithSelectorRand injects the random source used for selection.
func WithSelectorRand(rng *rand.Rand) SelectorOption {
	return func(s *Selector) {
		s.rng = rng
	}
}

func NewSelector(configs map[string]*Config, candidates []string, options ...SelectorOption) *Selector {
	ret := &Selector{
		configs:    configs,
		candidates: append([]string{}, candidates...),
	}
	for _, option := range options {
		option(ret)
	}
	return ret
}

// Select picks uniformly at random among the remaining candidates and makes
// the pick current.
func (s *Selector) Select() (*Config, error) {
	if len(s.candidates) == 0 {
		return nil, ErrNoConfigsAvailable
	}

	var name string
	if s.rng != nil {
		name = s.candidates[s.rng.Intn(len(s.candidates))]
	} else {
		name = s.candidates[rand.Intn(len(s.candidates))]
	}

	cfg, ok := s.configs[name]
	if !ok {
		return nil, errors.Errorf("config %s is a candidate but was never loaded", name)
	}
	if s.requireTools && !cfg.ToolsEnabled {
		return nil, &ToolsNotSupportedError{Config: name}
	}

	s.current = cfg
	log.Debug().Str("config", name).Int("remaining_candidates", len(s.candidates)).Msg("selected backend config")
	return cfg, nil
}

// Current returns the currently selected config, or nil before the first
// Select.
func (s *Selector) Current() *Config {
	return s.current
}

// Reject removes a config permanently from this session's candidate set and
// forces re-selection.
func (s *Selector) Reject(name string) {
	remaining := s.candidates[:0]
	for _, candidate := range s.candidates {
		if candidate != name {
			remaining = append(remaining, candidate)
		}
	}
	s.candidates = remaining
	if s.current != nil && s.current.Name == name {
		s.current = nil
	}
	log.Warn().Str("config", name).Int("remaining_candidates", len(s.candidates)).Msg("rejected backend config")
}

// Remaining returns how many candidates are left.
func (s *Selector) Remaining() int {
	return len(s.candidates)
}
