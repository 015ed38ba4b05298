// Package knowledge stores typed, append-only project learnings.
//
// Each item lives twice: as a vector record in the embedding index (for
// recall by similarity) and as one line in a per-project JSONL mirror
// (for human readability). There is no write-time deduplication; readers
// rely on the similarity threshold.
package knowledge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/popkit/internal/embedding"
)

// Kinds of knowledge.
const (
	KindDiscovery = embedding.SourceDiscovery
	KindDecision  = embedding.SourceDecision
	KindPattern   = embedding.SourcePattern
	KindError     = embedding.SourceError
	KindToolUsage = embedding.SourceToolUsage
)

// Kinds lists every accepted knowledge kind.
var Kinds = []string{KindDiscovery, KindDecision, KindPattern, KindError, KindToolUsage}

// ErrQuotaExceeded is returned when a kind is over its record cap.
// The caller may free space with PruneBelowConfidence.
var ErrQuotaExceeded = errors.New("knowledge: quota exceeded")

// Item is the JSONL mirror line.
type Item struct {
	ID        string         `json:"id"`
	Kind      string         `json:"kind"`
	Project   string         `json:"project"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Store persists and recalls knowledge items.
type Store struct {
	idx      *embedding.Store
	embedder embedding.Embedder
	brainDir string
	typeCap  int
}

// NewStore wires the knowledge layer over an open embedding index.
func NewStore(idx *embedding.Store, embedder embedding.Embedder, brainDir string, typeCap int) *Store {
	if typeCap <= 0 {
		typeCap = 1000
	}
	return &Store{idx: idx, embedder: embedder, brainDir: brainDir, typeCap: typeCap}
}

// Capture embeds and stores one item. The embedding index gets the
// vector; the mirror file gets one JSON line.
func (s *Store) Capture(ctx context.Context, kind, project, content string, meta map[string]any) (Item, error) {
	if !validKind(kind) {
		return Item{}, fmt.Errorf("knowledge: unknown kind %q", kind)
	}

	count, err := s.idx.Count(ctx, kind)
	if err != nil {
		return Item{}, err
	}
	if count >= s.typeCap {
		return Item{}, fmt.Errorf("%w: %s has %d records (cap %d)", ErrQuotaExceeded, kind, count, s.typeCap)
	}

	vecs, err := s.embedder.Embed(ctx, []string{content}, embedding.InputDocument)
	if err != nil {
		return Item{}, fmt.Errorf("embed knowledge: %w", err)
	}

	item := Item{
		ID:        "kn_" + uuid.NewString()[:8],
		Kind:      kind,
		Project:   project,
		Content:   content,
		Metadata:  meta,
		CreatedAt: time.Now().UTC(),
	}
	rec := embedding.Record{
		ID:         item.ID,
		Content:    content,
		Vector:     vecs[0],
		SourceType: kind,
		SourceID:   project,
		Metadata:   meta,
		CreatedAt:  item.CreatedAt,
	}
	if err := s.idx.Store(ctx, rec); err != nil {
		return Item{}, err
	}
	if err := s.mirror(item); err != nil {
		return Item{}, err
	}
	return item, nil
}

// mirror appends the item to <brain>/<kind>/<project>.jsonl.
func (s *Store) mirror(item Item) error {
	dir := filepath.Join(s.brainDir, item.Kind)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("mirror dir: %w", err)
	}
	path := filepath.Join(dir, item.Project+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open mirror: %w", err)
	}
	defer f.Close()

	line, err := json.Marshal(item)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append mirror: %w", err)
	}
	return nil
}

// Recall returns the most similar items, optionally scoped to a project
// and a kind subset. Defaults: limit 5, min similarity 0.7.
func (s *Store) Recall(ctx context.Context, query, project string, kinds []string, limit int, minSimilarity float64) ([]embedding.Result, error) {
	if limit <= 0 {
		limit = 5
	}
	if minSimilarity == 0 {
		minSimilarity = 0.7
	}
	if len(kinds) == 0 {
		kinds = Kinds
	}

	vecs, err := s.embedder.Embed(ctx, []string{query}, embedding.InputQuery)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	var all []embedding.Result
	for _, kind := range kinds {
		results, _, err := s.idx.Search(ctx, vecs[0], embedding.SearchOptions{
			SourceType:    kind,
			TopK:          limit,
			MinSimilarity: minSimilarity,
		})
		if err != nil {
			return nil, err
		}
		for _, r := range results {
			if project == "" || r.Record.SourceID == project {
				all = append(all, r)
			}
		}
	}

	// Merge the per-kind top-Ks with the index's own ordering rules.
	sortResults(all)
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func sortResults(rs []embedding.Result) {
	for i := 1; i < len(rs); i++ {
		for j := i; j > 0 && less(rs[j], rs[j-1]); j-- {
			rs[j], rs[j-1] = rs[j-1], rs[j]
		}
	}
}

func less(a, b embedding.Result) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if a.Record.SourceID != b.Record.SourceID {
		return a.Record.SourceID < b.Record.SourceID
	}
	return a.Record.ID < b.Record.ID
}

// PruneBelowConfidence deletes records of a kind whose metadata
// confidence falls below the threshold. Returns the number removed.
func (s *Store) PruneBelowConfidence(ctx context.Context, kind string, threshold float64) (int, error) {
	if !validKind(kind) {
		return 0, fmt.Errorf("knowledge: unknown kind %q", kind)
	}

	// A zero query with min similarity -1 scans everything of the kind.
	zero := make([]float64, embedding.Dim)
	results, _, err := s.idx.Search(ctx, zero, embedding.SearchOptions{
		SourceType:    kind,
		TopK:          s.typeCap,
		MinSimilarity: -1,
	})
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, r := range results {
		conf, ok := confidenceOf(r.Record.Metadata)
		if ok && conf < threshold {
			if err := s.idx.Delete(ctx, r.Record.ID); err != nil {
				return removed, err
			}
			removed++
		}
	}
	return removed, nil
}

func confidenceOf(meta map[string]any) (float64, bool) {
	v, ok := meta["confidence"]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}

func validKind(kind string) bool {
	for _, k := range Kinds {
		if k == kind {
			return true
		}
	}
	return false
}
