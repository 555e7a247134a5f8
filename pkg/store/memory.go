package store

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/pkg/errors"

	"github.com/go-go-golems/parley/pkg/conversation"
	"github.com/go-go-golems/parley/pkg/prompts"
)

// MemoryStore is an in-memory Store, used in tests and for ephemeral
// sessions. It is safe for concurrent use.
type MemoryStore struct {
	mu          sync.RWMutex
	templates   map[string]*prompts.Template
	transcripts map[int64][]byte
	nextID      int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		templates:   map[string]*prompts.Template{},
		transcripts: map[int64][]byte{},
	}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) GetTemplate(_ context.Context, name string) (*prompts.Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	template, ok := s.templates[name]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "template %s", name)
	}
	return template, nil
}

func (s *MemoryStore) UpsertTemplate(_ context.Context, template *prompts.Template) error {
	if err := template.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.templates[template.Name] = template
	return nil
}

func (s *MemoryStore) ListTemplates(_ context.Context) ([]*prompts.Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ret := make([]*prompts.Template, 0, len(s.templates))
	for _, template := range s.templates {
		ret = append(ret, template)
	}
	return ret, nil
}

func (s *MemoryStore) CreateTranscript(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.transcripts[s.nextID] = []byte("[]")
	return s.nextID, nil
}

func (s *MemoryStore) GetTranscript(_ context.Context, id int64) (*conversation.Transcript, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.transcripts[id]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "transcript %d", id)
	}
	transcript := conversation.NewTranscript()
	if err := json.Unmarshal(data, transcript); err != nil {
		return nil, err
	}
	return transcript, nil
}

func (s *MemoryStore) SaveTranscript(_ context.Context, id int64, transcript *conversation.Transcript) error {
	data, err := json.Marshal(transcript)
	if err != nil {
		return errors.Wrapf(err, "could not serialize transcript %d", id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.transcripts[id]; !ok {
		return errors.Wrapf(ErrNotFound, "transcript %d", id)
	}
	s.transcripts[id] = data
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
