package router

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/nextlevelbuilder/popkit/internal/embedding"
)

// hotEmbedder maps known phrases to fixed dimensions.
type hotEmbedder struct {
	dims      map[string]int
	available bool
	fail      bool
}

func (h hotEmbedder) Available() bool { return h.available }

func (h hotEmbedder) Embed(_ context.Context, inputs []string, _ string) ([][]float64, error) {
	if h.fail {
		return nil, errors.New("network down")
	}
	out := make([][]float64, len(inputs))
	for i, in := range inputs {
		v := make([]float64, embedding.Dim)
		if d, ok := h.dims[in]; ok {
			v[d] = 1
		} else {
			v[0] = 1
		}
		out[i] = v
	}
	return out, nil
}

func openIndex(t *testing.T) *embedding.Store {
	t.Helper()
	idx, err := embedding.Open(filepath.Join(t.TempDir(), "index.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { idx.Close() })
	return idx
}

func seedAgent(t *testing.T, idx *embedding.Store, id, agentID string, dim int) {
	t.Helper()
	v := make([]float64, embedding.Dim)
	v[dim] = 1
	err := idx.Store(context.Background(), embedding.Record{
		ID: id, Content: agentID, Vector: v,
		SourceType: embedding.SourceAgent, SourceID: agentID,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestSemanticRouting(t *testing.T) {
	idx := openIndex(t)
	seedAgent(t, idx, "e1", "security-auditor", 7)
	seedAgent(t, idx, "e2", "docs-writer", 300)

	emb := hotEmbedder{available: true, dims: map[string]int{
		"I need to fix a security vulnerability": 7,
	}}
	r := New(idx, emb, DefaultMatrix(), "general-purpose", 5, 0.6)

	matches := r.Route(context.Background(), "I need to fix a security vulnerability")
	if len(matches) == 0 {
		t.Fatal("no matches")
	}
	if matches[0].AgentID != "security-auditor" || matches[0].Score < 0.6 {
		t.Errorf("top match = %+v", matches[0])
	}
	if matches[0].Reason != "semantic" {
		t.Errorf("reason = %q", matches[0].Reason)
	}
}

func TestEmptyIndexFallsBackToKeywords(t *testing.T) {
	idx := openIndex(t)
	r := New(idx, hotEmbedder{available: true}, DefaultMatrix(), "general-purpose", 5, 0.6)

	matches := r.Route(context.Background(), "I need to fix a security vulnerability")
	if len(matches) == 0 {
		t.Fatal("no matches")
	}
	if matches[0].AgentID != "security-auditor" || matches[0].Score != 0.8 {
		t.Errorf("top = %+v, want security-auditor at 0.8", matches[0])
	}
}

func TestEmbedderFailureFallsBack(t *testing.T) {
	idx := openIndex(t)
	seedAgent(t, idx, "e1", "security-auditor", 7)

	r := New(idx, hotEmbedder{available: true, fail: true}, DefaultMatrix(), "general-purpose", 5, 0.6)
	matches := r.Route(context.Background(), "security issue here")
	if matches[0].Reason == "semantic" {
		t.Errorf("should not be semantic: %+v", matches[0])
	}
	if matches[0].AgentID != "security-auditor" {
		t.Errorf("keyword fallback missed: %+v", matches[0])
	}
}

func TestKeywordDedupKeepsMaxScore(t *testing.T) {
	matrix := []MatrixEntry{
		{Kind: TriggerKeyword, Key: "security", AgentIDs: []string{"security-auditor"}},
		{Kind: TriggerKeyword, Key: "vulnerability", AgentIDs: []string{"security-auditor"}},
	}
	r := New(nil, nil, matrix, "general-purpose", 5, 0.6)

	matches := r.Route(context.Background(), "a security vulnerability")
	count := 0
	for _, m := range matches {
		if m.AgentID == "security-auditor" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("duplicate agent entries not merged: %+v", matches)
	}
}

func TestFileGlobTrigger(t *testing.T) {
	r := New(nil, nil, DefaultMatrix(), "general-purpose", 5, 0.6)
	matches := r.Route(context.Background(), "broken build in src/components/App.tsx apparently")
	if matches[0].AgentID != "typescript-pro" {
		t.Errorf("glob fallback missed: %+v", matches)
	}
}

func TestErrorNameTrigger(t *testing.T) {
	r := New(nil, nil, DefaultMatrix(), "general-purpose", 5, 0.6)
	matches := r.Route(context.Background(), "getting TypeError: x is not a function")
	if matches[0].AgentID != "debugger" {
		t.Errorf("error-name fallback missed: %+v", matches)
	}
}

func TestDefaultAgentWhenNothingMatches(t *testing.T) {
	r := New(nil, nil, DefaultMatrix(), "general-purpose", 5, 0.6)
	matches := r.Route(context.Background(), "zzz qqq completely unrelated")
	if len(matches) != 1 {
		t.Fatalf("matches = %+v", matches)
	}
	if matches[0].AgentID != "general-purpose" || matches[0].Score != 0.0 || matches[0].Reason != "fallback-default" {
		t.Errorf("default = %+v", matches[0])
	}
}

func TestParseFrontmatter(t *testing.T) {
	doc := []byte(`---
name: security-auditor
description: Audits code for vulnerabilities
tier: "1"
keywords:
  - security
  - audit
file_patterns:
  - "*.pem"
---

# Security Auditor

Body text is ignored.
`)
	spec, err := ParseFrontmatter(doc)
	if err != nil {
		t.Fatalf("ParseFrontmatter: %v", err)
	}
	if spec.Name != "security-auditor" || spec.Tier != "1" {
		t.Errorf("spec = %+v", spec)
	}
	if len(spec.Keywords) != 2 || len(spec.FilePatterns) != 1 {
		t.Errorf("routing tags = %+v", spec)
	}

	if _, err := ParseFrontmatter([]byte("# just markdown")); err == nil {
		t.Error("missing fence accepted")
	}
}

func TestMatrixFromCatalog(t *testing.T) {
	specs := []AgentSpec{{
		Name:         "db-expert",
		Keywords:     []string{"migration"},
		FilePatterns: []string{"*.sql"},
		ErrorNames:   []string{"SQLITE_BUSY"},
	}}
	entries := MatrixFromCatalog(specs)
	if len(entries) != 3 {
		t.Fatalf("entries = %+v", entries)
	}

	r := New(nil, nil, entries, "general-purpose", 5, 0.6)
	if m := r.Route(context.Background(), "run the migration"); m[0].AgentID != "db-expert" {
		t.Errorf("catalog keyword missed: %+v", m)
	}
}
