package store

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/go-go-golems/parley/pkg/conversation"
	"github.com/go-go-golems/parley/pkg/prompts"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS prompt_templates (
	name TEXT PRIMARY KEY,
	spec TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS chat_histories (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	chat_history TEXT NOT NULL DEFAULT '[]',
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

// SQLiteStore persists templates and transcripts in a SQLite database.
// Transcripts are stored as the JSON array format of
// conversation.Transcript.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "could not open sqlite database %s", dsn)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "could not create schema")
	}
	log.Debug().Str("dsn", dsn).Msg("opened sqlite store")
	return &SQLiteStore{db: db}, nil
}

var _ Store = (*SQLiteStore)(nil)

func (s *SQLiteStore) GetTemplate(ctx context.Context, name string) (*prompts.Template, error) {
	var spec string
	err := s.db.QueryRowContext(ctx, "SELECT spec FROM prompt_templates WHERE name = ?", name).Scan(&spec)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(ErrNotFound, "template %s", name)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "could not fetch template %s", name)
	}

	template := &prompts.Template{}
	if err := json.Unmarshal([]byte(spec), template); err != nil {
		return nil, errors.Wrapf(err, "could not parse stored template %s", name)
	}
	return template, nil
}

func (s *SQLiteStore) UpsertTemplate(ctx context.Context, template *prompts.Template) error {
	if err := template.Validate(); err != nil {
		return err
	}
	spec, err := json.Marshal(template)
	if err != nil {
		return errors.Wrapf(err, "could not serialize template %s", template.Name)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO prompt_templates (name, spec, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(name) DO UPDATE SET spec = excluded.spec, updated_at = CURRENT_TIMESTAMP`,
		template.Name, string(spec))
	return errors.Wrapf(err, "could not store template %s", template.Name)
}

func (s *SQLiteStore) ListTemplates(ctx context.Context) ([]*prompts.Template, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT spec FROM prompt_templates ORDER BY name")
	if err != nil {
		return nil, errors.Wrap(err, "could not list templates")
	}
	defer func() {
		_ = rows.Close()
	}()

	ret := []*prompts.Template{}
	for rows.Next() {
		var spec string
		if err := rows.Scan(&spec); err != nil {
			return nil, errors.Wrap(err, "could not scan template row")
		}
		template := &prompts.Template{}
		if err := json.Unmarshal([]byte(spec), template); err != nil {
			return nil, errors.Wrap(err, "could not parse stored template")
		}
		ret = append(ret, template)
	}
	return ret, rows.Err()
}

func (s *SQLiteStore) CreateTranscript(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, "INSERT INTO chat_histories (chat_history) VALUES ('[]')")
	if err != nil {
		return 0, errors.Wrap(err, "could not create transcript")
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, errors.Wrap(err, "could not read transcript id")
	}
	return id, nil
}

func (s *SQLiteStore) GetTranscript(ctx context.Context, id int64) (*conversation.Transcript, error) {
	var data string
	err := s.db.QueryRowContext(ctx, "SELECT chat_history FROM chat_histories WHERE id = ?", id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(ErrNotFound, "transcript %d", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "could not fetch transcript %d", id)
	}

	transcript := conversation.NewTranscript()
	if err := json.Unmarshal([]byte(data), transcript); err != nil {
		return nil, errors.Wrapf(err, "could not parse stored transcript %d", id)
	}
	return transcript, nil
}

func (s *SQLiteStore) SaveTranscript(ctx context.Context, id int64, transcript *conversation.Transcript) error {
	data, err := json.Marshal(transcript)
	if err != nil {
		return errors.Wrapf(err, "could not serialize transcript %d", id)
	}
	result, err := s.db.ExecContext(ctx,
		"UPDATE chat_histories SET chat_history = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?",
		string(data), id)
	if err != nil {
		return errors.Wrapf(err, "could not store transcript %d", id)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return errors.Wrapf(err, "could not check transcript update %d", id)
	}
	if affected == 0 {
		return errors.Wrapf(ErrNotFound, "transcript %d", id)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
