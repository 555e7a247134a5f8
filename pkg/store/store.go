package store

import (
	"context"

	"github.com/pkg/errors"

	"github.com/go-go-golems/parley/pkg/conversation"
	"github.com/go-go-golems/parley/pkg/prompts"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// TemplateStore persists conversation templates, addressed by name.
type TemplateStore interface {
	GetTemplate(ctx context.Context, name string) (*prompts.Template, error)
	UpsertTemplate(ctx context.Context, template *prompts.Template) error
	ListTemplates(ctx context.Context) ([]*prompts.Template, error)
}

// TranscriptStore persists transcripts as a JSON blob under a numeric id.
// The transcript JSON format is defined by conversation.Transcript and is
// round-trip compatible with pre-existing stored records.
type TranscriptStore interface {
	CreateTranscript(ctx context.Context) (int64, error)
	GetTranscript(ctx context.Context, id int64) (*conversation.Transcript, error)
	SaveTranscript(ctx context.Context, id int64, transcript *conversation.Transcript) error
}

// Store is the full relational-store boundary consumed by the orchestrator.
type Store interface {
	TemplateStore
	TranscriptStore
	Close() error
}
