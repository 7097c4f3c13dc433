// Package history keeps a local log of generation requests in SQLite, for
// diagnostics and for asserting the substitution policy from the outside.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS generations (
	id TEXT PRIMARY KEY,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	mode TEXT NOT NULL,
	voice TEXT NOT NULL,
	requested_voice TEXT NOT NULL,
	language TEXT NOT NULL,
	requested_language TEXT NOT NULL,
	speed REAL NOT NULL,
	device TEXT NOT NULL,
	text_chars INTEGER NOT NULL,
	segments INTEGER NOT NULL,
	duration_ms INTEGER NOT NULL,
	outcome TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_generations_created_at ON generations(created_at);
`

// Entry is one persisted generation.
type Entry struct {
	ID                string    `json:"id"`
	CreatedAt         time.Time `json:"created_at"`
	Mode              string    `json:"mode"`
	Voice             string    `json:"voice"`
	RequestedVoice    string    `json:"requested_voice"`
	Language          string    `json:"language"`
	RequestedLanguage string    `json:"requested_language"`
	Speed             float64   `json:"speed"`
	Device            string    `json:"device"`
	TextChars         int       `json:"text_chars"`
	Segments          int       `json:"segments"`
	DurationMS        int64     `json:"duration_ms"`
	Outcome           string    `json:"outcome"`
}

// Store wraps the SQLite connection.
type Store struct {
	db *sql.DB
}

// Open creates the database file (and parent directory) if needed and
// applies the schema.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create history directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}
	// One writer at a time keeps modernc/sqlite happy under HTTP concurrency.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply history schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Insert appends one entry.
func (s *Store) Insert(ctx context.Context, e Entry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO generations
			(id, mode, voice, requested_voice, language, requested_language,
			 speed, device, text_chars, segments, duration_ms, outcome)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Mode, e.Voice, e.RequestedVoice, e.Language, e.RequestedLanguage,
		e.Speed, e.Device, e.TextChars, e.Segments, e.DurationMS, e.Outcome)
	if err != nil {
		return fmt.Errorf("insert generation: %w", err)
	}
	return nil
}

// Recent returns the newest entries, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, created_at, mode, voice, requested_voice, language,
		       requested_language, speed, device, text_chars, segments,
		       duration_ms, outcome
		FROM generations
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query generations: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.CreatedAt, &e.Mode, &e.Voice, &e.RequestedVoice,
			&e.Language, &e.RequestedLanguage, &e.Speed, &e.Device, &e.TextChars,
			&e.Segments, &e.DurationMS, &e.Outcome); err != nil {
			return nil, fmt.Errorf("scan generation: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) Close() error {
	return s.db.Close()
}
