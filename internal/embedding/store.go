// Package embedding persists dense vectors in a local SQLite index and
// answers exact cosine top-K queries over them.
//
// The index is a single database file; vectors are stored as JSON arrays
// so the format stays portable. Writes are serialised behind a process
// lock; readers may proceed concurrently. Cross-process writers are not
// supported.
package embedding

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/popkit/migrations"
)

// Source types accepted by the index.
const (
	SourceAgent     = "agent"
	SourceSkill     = "skill"
	SourceKnowledge = "knowledge"
	SourceInsight   = "insight"
	SourceDiscovery = "discovery"
	SourceDecision  = "decision"
	SourcePattern   = "pattern"
	SourceError     = "error"
	SourceToolUsage = "tool_usage"
)

var (
	// ErrNotFound is returned when a record id is not in the index.
	ErrNotFound = errors.New("embedding: record not found")
	// ErrStoreCorrupt is returned when the backing file header is unrecognised.
	ErrStoreCorrupt = errors.New("embedding: store corrupt")
	// ErrDimensionMismatch is returned for vectors whose length is not Dim.
	ErrDimensionMismatch = errors.New("embedding: dimension mismatch")
)

var sqliteHeader = []byte("SQLite format 3\x00")

// Record is one embedded piece of content. Records are never mutated;
// re-embedding produces a new id.
type Record struct {
	ID         string         `json:"id"`
	Content    string         `json:"content"`
	Vector     []float64      `json:"vector"`
	SourceType string         `json:"source_type"`
	SourceID   string         `json:"source_id"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Result pairs a record with its similarity score.
type Result struct {
	Record Record
	Score  float64
}

// SearchOptions narrow a Search call.
type SearchOptions struct {
	SourceType    string
	TopK          int
	MinSimilarity float64
}

// Store is the on-disk embedding index.
type Store struct {
	db      *sql.DB
	writeMu sync.Mutex
}

// Open opens (creating if needed) the index database and ensures its
// schema. A file with an unrecognised header fails with ErrStoreCorrupt.
func Open(path string) (*Store, error) {
	if err := checkHeader(path); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}
	if err := migrateUp(db, "index"); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate index: %w", err)
	}
	return &Store{db: db}, nil
}

// checkHeader validates the SQLite magic of an existing, non-empty file.
func checkHeader(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open index file: %w", err)
	}
	defer f.Close()

	header := make([]byte, len(sqliteHeader))
	n, _ := f.Read(header)
	if n == 0 {
		return nil // empty file, sqlite will initialise it
	}
	if n < len(sqliteHeader) || !bytes.Equal(header, sqliteHeader) {
		return fmt.Errorf("%w: bad file header in %s", ErrStoreCorrupt, path)
	}
	return nil
}

// migrateUp applies the embedded migration set named by subdir.
func migrateUp(db *sql.DB, subdir string) error {
	src, err := iofs.New(migrations.FS, subdir)
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

// Store inserts a record. Vector length must equal Dim.
func (s *Store) Store(ctx context.Context, rec Record) error {
	if len(rec.Vector) != Dim {
		return fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(rec.Vector), Dim)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	vec, err := json.Marshal(rec.Vector)
	if err != nil {
		return fmt.Errorf("encode vector: %w", err)
	}
	var meta []byte
	if rec.Metadata != nil {
		if meta, err = json.Marshal(rec.Metadata); err != nil {
			return fmt.Errorf("encode metadata: %w", err)
		}
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO embeddings (id, content, vector, source_type, source_id, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Content, string(vec), rec.SourceType, rec.SourceID, string(meta),
		rec.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert embedding: %w", err)
	}
	return nil
}

// Get returns a record by id.
func (s *Store) Get(ctx context.Context, id string) (Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, content, vector, source_type, source_id, metadata, created_at
		 FROM embeddings WHERE id = ?`, id)
	rec, err := scanRecord(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rec, err
}

// Delete removes a record by id. Unknown ids are a no-op.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM embeddings WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete embedding: %w", err)
	}
	return nil
}

// Count returns the number of records, optionally limited to a source type.
func (s *Store) Count(ctx context.Context, sourceType string) (int, error) {
	var n int
	var err error
	if sourceType == "" {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM embeddings`).Scan(&n)
	} else {
		err = s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM embeddings WHERE source_type = ?`, sourceType).Scan(&n)
	}
	if err != nil {
		return 0, fmt.Errorf("count embeddings: %w", err)
	}
	return n, nil
}

// Search scans the index and returns the top-K records by cosine
// similarity, sorted descending with ties broken by source_id then id.
// A cancelled context returns the best results so far with partial=true.
func (s *Store) Search(ctx context.Context, query []float64, opts SearchOptions) (results []Result, partial bool, err error) {
	if len(query) != Dim {
		return nil, false, fmt.Errorf("%w: query has %d dims", ErrDimensionMismatch, len(query))
	}
	topK := opts.TopK
	if topK <= 0 {
		topK = 5
	}

	var rows *sql.Rows
	if opts.SourceType == "" {
		rows, err = s.db.QueryContext(ctx,
			`SELECT id, content, vector, source_type, source_id, metadata, created_at FROM embeddings`)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT id, content, vector, source_type, source_id, metadata, created_at
			 FROM embeddings WHERE source_type = ?`, opts.SourceType)
	}
	if err != nil {
		return nil, false, fmt.Errorf("query embeddings: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		select {
		case <-ctx.Done():
			partial = true
		default:
		}
		if partial {
			break
		}
		rec, scanErr := scanRecord(rows.Scan)
		if scanErr != nil {
			return nil, false, scanErr
		}
		score := Cosine(query, rec.Vector)
		if score >= opts.MinSimilarity {
			results = append(results, Result{Record: rec, Score: score})
		}
	}
	if err := rows.Err(); err != nil {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			return nil, false, fmt.Errorf("scan embeddings: %w", err)
		}
		partial = true
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		if results[i].Record.SourceID != results[j].Record.SourceID {
			return results[i].Record.SourceID < results[j].Record.SourceID
		}
		return results[i].Record.ID < results[j].Record.ID
	})
	if len(results) > topK {
		results = results[:topK]
	}
	return results, partial, nil
}

func scanRecord(scan func(...any) error) (Record, error) {
	var rec Record
	var vec, meta, created string
	if err := scan(&rec.ID, &rec.Content, &vec, &rec.SourceType, &rec.SourceID, &meta, &created); err != nil {
		return Record{}, err
	}
	if err := json.Unmarshal([]byte(vec), &rec.Vector); err != nil {
		return Record{}, fmt.Errorf("%w: undecodable vector for %s", ErrStoreCorrupt, rec.ID)
	}
	if meta != "" {
		if err := json.Unmarshal([]byte(meta), &rec.Metadata); err != nil {
			return Record{}, fmt.Errorf("decode metadata for %s: %w", rec.ID, err)
		}
	}
	t, err := time.Parse(time.RFC3339Nano, created)
	if err != nil {
		return Record{}, fmt.Errorf("decode created_at for %s: %w", rec.ID, err)
	}
	rec.CreatedAt = t
	return rec, nil
}
