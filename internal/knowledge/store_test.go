package knowledge

import (
	"bufio"
	"context"
	"errors"
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nextlevelbuilder/popkit/internal/embedding"
)

// fakeEmbedder produces deterministic vectors: similar prefixes land on
// the same hot dimension, so recall behaves predictably.
type fakeEmbedder struct{}

func (fakeEmbedder) Available() bool { return true }

func (fakeEmbedder) Embed(_ context.Context, inputs []string, _ string) ([][]float64, error) {
	out := make([][]float64, len(inputs))
	for i, in := range inputs {
		key := in
		if idx := strings.IndexByte(in, ' '); idx > 0 {
			key = in[:idx]
		}
		h := fnv.New32a()
		h.Write([]byte(key))
		v := make([]float64, embedding.Dim)
		v[int(h.Sum32())%embedding.Dim] = 1
		out[i] = v
	}
	return out, nil
}

func newTestStore(t *testing.T, typeCap int) (*Store, string) {
	t.Helper()
	brain := t.TempDir()
	idx, err := embedding.Open(filepath.Join(brain, "index.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { idx.Close() })
	return NewStore(idx, fakeEmbedder{}, brain, typeCap), brain
}

func TestCaptureWritesMirrorLine(t *testing.T) {
	s, brain := newTestStore(t, 10)
	ctx := context.Background()

	item, err := s.Capture(ctx, KindDiscovery, "myproj", "sqlite locks on concurrent writers", nil)
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}

	path := filepath.Join(brain, KindDiscovery, "myproj.jsonl")
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("mirror missing: %v", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	lines := 0
	for scanner.Scan() {
		if !strings.Contains(scanner.Text(), item.ID) {
			t.Errorf("mirror line lacks id: %s", scanner.Text())
		}
		lines++
	}
	if lines != 1 {
		t.Errorf("mirror lines = %d, want 1", lines)
	}
}

func TestCaptureRejectsUnknownKind(t *testing.T) {
	s, _ := newTestStore(t, 10)
	if _, err := s.Capture(context.Background(), "gossip", "p", "x", nil); err == nil {
		t.Error("unknown kind accepted")
	}
}

func TestQuotaExceeded(t *testing.T) {
	s, _ := newTestStore(t, 2)
	ctx := context.Background()

	for i := range 2 {
		if _, err := s.Capture(ctx, KindError, "p", strings.Repeat("e", i+1), nil); err != nil {
			t.Fatal(err)
		}
	}
	_, err := s.Capture(ctx, KindError, "p", "one too many", nil)
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Errorf("err = %v, want ErrQuotaExceeded", err)
	}
	// Other kinds are unaffected by the error kind's quota.
	if _, err := s.Capture(ctx, KindDecision, "p", "still fine", nil); err != nil {
		t.Errorf("sibling kind blocked: %v", err)
	}
}

func TestRecallScopesByProjectAndKind(t *testing.T) {
	s, _ := newTestStore(t, 100)
	ctx := context.Background()

	s.Capture(ctx, KindDecision, "alpha", "database choice: sqlite over postgres", nil)
	s.Capture(ctx, KindDecision, "beta", "database choice: sqlite over postgres", nil)
	s.Capture(ctx, KindPattern, "alpha", "database migrations run at open", nil)

	// Same leading token → same fake vector → similarity 1.0.
	results, err := s.Recall(ctx, "database layout", "alpha", []string{KindDecision}, 5, 0.5)
	if err != nil {
		t.Fatalf("Recall: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("results = %d, want 1", len(results))
	}
	if results[0].Record.SourceID != "alpha" {
		t.Errorf("wrong project: %s", results[0].Record.SourceID)
	}

	// Unscoped recall sees every kind.
	results, err = s.Recall(ctx, "database anything", "", nil, 5, 0.5)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 3 {
		t.Errorf("unscoped results = %d, want 3", len(results))
	}
}

func TestRecallThresholdFiltersNoise(t *testing.T) {
	s, _ := newTestStore(t, 100)
	ctx := context.Background()
	s.Capture(ctx, KindDiscovery, "p", "cache invalidation is hard", nil)

	results, err := s.Recall(ctx, "unrelated query text", "", nil, 5, 0.7)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 0 {
		t.Errorf("dissimilar item recalled: %+v", results)
	}
}

func TestPruneBelowConfidence(t *testing.T) {
	s, _ := newTestStore(t, 100)
	ctx := context.Background()

	s.Capture(ctx, KindPattern, "p", "solid pattern", map[string]any{"confidence": 0.9})
	s.Capture(ctx, KindPattern, "p", "shaky pattern", map[string]any{"confidence": 0.2})
	s.Capture(ctx, KindPattern, "p", "unrated pattern", nil)

	removed, err := s.PruneBelowConfidence(ctx, KindPattern, 0.5)
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1 (unrated items are kept)", removed)
	}
}
