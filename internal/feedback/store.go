// Package feedback persists user ratings in SQLite and scores issue
// priority from cached GitHub reactions.
package feedback

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/popkit/migrations"
)

// Prompting rules.
const (
	defaultPromptGap     = 10 // min tool calls between prompts
	defaultMaxDismissals = 3  // suppress for the session beyond this
)

// Entry is one recorded rating.
type Entry struct {
	SessionID              string    `json:"session_id"`
	Timestamp              time.Time `json:"timestamp"`
	Feature                string    `json:"feature"`
	Rating                 int       `json:"rating"` // 0–3
	Reason                 string    `json:"reason,omitempty"`
	UserPromptedAfterTools int       `json:"user_prompted_after_tools"`
}

// Store wraps the feedback database.
type Store struct {
	db            *sql.DB
	promptGap     int
	maxDismissals int
}

// Open opens (creating if needed) the feedback database.
func Open(path string, promptGap, maxDismissals int) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open feedback db: %w", err)
	}
	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate feedback db: %w", err)
	}
	if promptGap <= 0 {
		promptGap = defaultPromptGap
	}
	if maxDismissals <= 0 {
		maxDismissals = defaultMaxDismissals
	}
	return &Store{db: db, promptGap: promptGap, maxDismissals: maxDismissals}, nil
}

func migrateUp(db *sql.DB) error {
	src, err := iofs.New(migrations.FS, "feedback")
	if err != nil {
		return err
	}
	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return err
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// Record stores one rating and advances the session's prompt marker.
func (s *Store) Record(ctx context.Context, e Entry) error {
	if e.Rating < 0 || e.Rating > 3 {
		return fmt.Errorf("feedback: rating %d out of range 0–3", e.Rating)
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO feedback (session_id, timestamp, feature, rating, reason, user_prompted_after_tools)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.SessionID, e.Timestamp.Format(time.RFC3339), e.Feature, e.Rating, e.Reason, e.UserPromptedAfterTools)
	if err != nil {
		return fmt.Errorf("insert feedback: %w", err)
	}
	return s.markPrompted(ctx, e.SessionID, e.UserPromptedAfterTools)
}

// ShouldPrompt applies the triggering rules for a session at the given
// tool-call count.
func (s *Store) ShouldPrompt(ctx context.Context, sessionID string, toolCallsTotal int) (bool, error) {
	var lastAt, dismissals int
	err := s.db.QueryRowContext(ctx,
		`SELECT last_prompt_at_call, dismissals FROM prompt_state WHERE session_id = ?`,
		sessionID).Scan(&lastAt, &dismissals)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("prompt state: %w", err)
	}

	if dismissals >= s.maxDismissals {
		return false, nil
	}
	return toolCallsTotal-lastAt >= s.promptGap, nil
}

// RecordDismissal notes that the user waved the prompt away.
func (s *Store) RecordDismissal(ctx context.Context, sessionID string, atToolCall int) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO prompt_state (session_id, last_prompt_at_call, dismissals) VALUES (?, ?, 1)
		 ON CONFLICT(session_id) DO UPDATE SET
		   last_prompt_at_call = excluded.last_prompt_at_call,
		   dismissals = dismissals + 1`,
		sessionID, atToolCall)
	if err != nil {
		return fmt.Errorf("record dismissal: %w", err)
	}
	return nil
}

func (s *Store) markPrompted(ctx context.Context, sessionID string, atToolCall int) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO prompt_state (session_id, last_prompt_at_call, dismissals) VALUES (?, ?, 0)
		 ON CONFLICT(session_id) DO UPDATE SET last_prompt_at_call = excluded.last_prompt_at_call`,
		sessionID, atToolCall)
	return err
}

// ForFeature returns ratings recorded for one feature, newest first.
func (s *Store) ForFeature(ctx context.Context, feature string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, timestamp, feature, rating, reason, user_prompted_after_tools
		 FROM feedback WHERE feature = ? ORDER BY timestamp DESC`, feature)
	if err != nil {
		return nil, fmt.Errorf("query feedback: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var ts string
		if err := rows.Scan(&e.SessionID, &ts, &e.Feature, &e.Rating, &e.Reason, &e.UserPromptedAfterTools); err != nil {
			return nil, err
		}
		e.Timestamp, _ = time.Parse(time.RFC3339, ts)
		out = append(out, e)
	}
	return out, rows.Err()
}
