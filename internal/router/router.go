// Package router maps free-text queries to ranked agent ids, by cosine
// similarity over the embedding index when possible and by a
// deterministic keyword/file-pattern/error-name matrix otherwise.
//
// Routing decisions are computed fresh every time; nothing is cached
// across sessions.
package router

import (
	"context"
	"log/slog"
	"path"
	"sort"
	"strings"

	"github.com/nextlevelbuilder/popkit/internal/embedding"
)

// Trigger kinds in the fallback matrix.
const (
	TriggerKeyword   = "keyword"
	TriggerFileGlob  = "file_glob"
	TriggerErrorName = "error_name"
)

const keywordScore = 0.8

// Match is one routing result.
type Match struct {
	AgentID string  `json:"agent_id"`
	Score   float64 `json:"score"`
	Reason  string  `json:"reason"`
}

// MatrixEntry maps one trigger to candidate agents.
type MatrixEntry struct {
	Kind     string   `json:"kind"`
	Key      string   `json:"key"`
	AgentIDs []string `json:"agent_ids"`
}

// Router answers routing queries.
type Router struct {
	idx           *embedding.Store
	embedder      embedding.Embedder
	matrix        []MatrixEntry
	defaultAgent  string
	topK          int
	minConfidence float64
}

// New builds a router. idx may be nil when no index exists yet; the
// fallback matrix then carries all routing.
func New(idx *embedding.Store, embedder embedding.Embedder, matrix []MatrixEntry, defaultAgent string, topK int, minConfidence float64) *Router {
	if topK <= 0 {
		topK = 5
	}
	if minConfidence == 0 {
		minConfidence = 0.6
	}
	if defaultAgent == "" {
		defaultAgent = "general-purpose"
	}
	return &Router{
		idx:           idx,
		embedder:      embedder,
		matrix:        matrix,
		defaultAgent:  defaultAgent,
		topK:          topK,
		minConfidence: minConfidence,
	}
}

// Route returns matches sorted by score descending. It degrades in
// order: semantic search → keyword matrix → default agent.
func (r *Router) Route(ctx context.Context, query string) []Match {
	if matches := r.semantic(ctx, query); len(matches) > 0 {
		return matches
	}
	if matches := r.fallback(query); len(matches) > 0 {
		return matches
	}
	return []Match{{AgentID: r.defaultAgent, Score: 0.0, Reason: "fallback-default"}}
}

// semantic embeds the query and searches agent records. Any failure
// (empty index, missing credentials, network error, corrupt store)
// returns nil so the caller falls back.
func (r *Router) semantic(ctx context.Context, query string) []Match {
	if r.idx == nil || r.embedder == nil || !r.embedder.Available() {
		return nil
	}
	n, err := r.idx.Count(ctx, embedding.SourceAgent)
	if err != nil || n == 0 {
		if err != nil {
			slog.Warn("agent index unreadable, falling back to keywords", "error", err)
		}
		return nil
	}

	vecs, err := r.embedder.Embed(ctx, []string{query}, embedding.InputQuery)
	if err != nil {
		slog.Debug("query embedding failed, falling back to keywords", "error", err)
		return nil
	}

	results, partial, err := r.idx.Search(ctx, vecs[0], embedding.SearchOptions{
		SourceType:    embedding.SourceAgent,
		TopK:          r.topK,
		MinSimilarity: r.minConfidence,
	})
	if err != nil {
		slog.Warn("semantic search failed, falling back to keywords", "error", err)
		return nil
	}
	if partial {
		slog.Debug("semantic search returned partial results")
	}

	matches := make([]Match, 0, len(results))
	for _, res := range results {
		matches = append(matches, Match{
			AgentID: res.Record.SourceID,
			Score:   res.Score,
			Reason:  "semantic",
		})
	}
	return matches
}

// fallback evaluates the static matrix. Keyword and error-name triggers
// match case-insensitively on the query text; file globs match on
// whitespace-separated tokens that look like paths. Duplicate agents
// keep their best score.
func (r *Router) fallback(query string) []Match {
	lower := strings.ToLower(query)
	tokens := strings.Fields(query)

	best := map[string]Match{}
	add := func(agentID string, score float64, reason string) {
		if prev, ok := best[agentID]; !ok || score > prev.Score {
			best[agentID] = Match{AgentID: agentID, Score: score, Reason: reason}
		}
	}

	for _, entry := range r.matrix {
		switch entry.Kind {
		case TriggerKeyword:
			if strings.Contains(lower, strings.ToLower(entry.Key)) {
				for _, id := range entry.AgentIDs {
					add(id, keywordScore, "keyword:"+entry.Key)
				}
			}
		case TriggerErrorName:
			if strings.Contains(query, entry.Key) {
				for _, id := range entry.AgentIDs {
					add(id, keywordScore, "error:"+entry.Key)
				}
			}
		case TriggerFileGlob:
			for _, tok := range tokens {
				if ok, _ := path.Match(entry.Key, path.Base(tok)); ok {
					for _, id := range entry.AgentIDs {
						add(id, keywordScore, "file:"+entry.Key)
					}
					break
				}
			}
		}
	}

	matches := make([]Match, 0, len(best))
	for _, m := range best {
		matches = append(matches, m)
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].AgentID < matches[j].AgentID
	})
	if len(matches) > r.topK {
		matches = matches[:r.topK]
	}
	return matches
}

// DefaultMatrix is the built-in trigger table, extended by catalog
// entries at load time.
func DefaultMatrix() []MatrixEntry {
	return []MatrixEntry{
		{Kind: TriggerKeyword, Key: "security", AgentIDs: []string{"security-auditor"}},
		{Kind: TriggerKeyword, Key: "vulnerability", AgentIDs: []string{"security-auditor"}},
		{Kind: TriggerKeyword, Key: "test", AgentIDs: []string{"test-runner"}},
		{Kind: TriggerKeyword, Key: "performance", AgentIDs: []string{"perf-optimizer"}},
		{Kind: TriggerKeyword, Key: "refactor", AgentIDs: []string{"refactoring-specialist"}},
		{Kind: TriggerKeyword, Key: "document", AgentIDs: []string{"docs-writer"}},
		{Kind: TriggerKeyword, Key: "review", AgentIDs: []string{"code-reviewer"}},
		{Kind: TriggerFileGlob, Key: "*.ts", AgentIDs: []string{"typescript-pro"}},
		{Kind: TriggerFileGlob, Key: "*.tsx", AgentIDs: []string{"typescript-pro"}},
		{Kind: TriggerFileGlob, Key: "*.sql", AgentIDs: []string{"database-expert"}},
		{Kind: TriggerErrorName, Key: "TypeError", AgentIDs: []string{"debugger"}},
		{Kind: TriggerErrorName, Key: "ReferenceError", AgentIDs: []string{"debugger"}},
	}
}

// MatrixFromCatalog converts catalog routing tags into matrix entries.
func MatrixFromCatalog(specs []AgentSpec) []MatrixEntry {
	var out []MatrixEntry
	for _, spec := range specs {
		for _, kw := range spec.Keywords {
			out = append(out, MatrixEntry{Kind: TriggerKeyword, Key: kw, AgentIDs: []string{spec.Name}})
		}
		for _, fp := range spec.FilePatterns {
			out = append(out, MatrixEntry{Kind: TriggerFileGlob, Key: fp, AgentIDs: []string{spec.Name}})
		}
		for _, en := range spec.ErrorNames {
			out = append(out, MatrixEntry{Kind: TriggerErrorName, Key: en, AgentIDs: []string{spec.Name}})
		}
	}
	return out
}
