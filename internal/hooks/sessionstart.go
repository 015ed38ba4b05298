package hooks

import (
	"context"
	"log/slog"

	"github.com/nextlevelbuilder/popkit/internal/checkpoint"
	"github.com/nextlevelbuilder/popkit/internal/embedding"
	"github.com/nextlevelbuilder/popkit/internal/gates"
	"github.com/nextlevelbuilder/popkit/internal/hookctx"
	"github.com/nextlevelbuilder/popkit/internal/router"
)

// SessionStart primes the session: catalog load, gate detection, stale
// patch pruning, checkpoint sweep, and a best-effort index build when
// the agent index is empty.
type SessionStart struct {
	StateDir    string
	Gates       *gates.Engine
	Checkpoints *checkpoint.Manager
	Index       *embedding.Store
	Embedder    embedding.Embedder
}

func (h *SessionStart) Name() string { return "session_start" }

func (h *SessionStart) Run(ctx context.Context, hctx hookctx.Context, in Input) (hookctx.Context, Output, error) {
	specs := router.LoadCatalog(h.StateDir)
	hctx = hctx.WithHookOutput(h.Name(), map[string]any{
		"catalog_size": len(specs),
	})

	if h.Gates != nil {
		if removed, err := h.Gates.PrunePatches(); err != nil {
			slog.Debug("patch prune failed", "error", err)
		} else if removed > 0 {
			slog.Info("pruned stale rollback patches", "removed", removed)
		}
	}
	if h.Checkpoints != nil {
		if removed, err := h.Checkpoints.Sweep(); err != nil {
			slog.Debug("checkpoint sweep failed", "error", err)
		} else if removed > 0 {
			slog.Info("expired old checkpoints", "removed", removed)
		}
	}

	// An empty agent index with a reachable embedder gets rebuilt from
	// the catalog, so semantic routing works from the first query.
	if h.Index != nil && h.Embedder != nil && h.Embedder.Available() && len(specs) > 0 {
		if n, err := h.Index.Count(ctx, embedding.SourceAgent); err == nil && n == 0 {
			if indexed, err := router.Reindex(ctx, h.Index, h.Embedder, specs); err != nil {
				slog.Debug("catalog reindex failed", "error", err)
			} else {
				slog.Info("agent index built from catalog", "records", indexed)
			}
		}
	}

	return hctx, Output{Action: ActionContinue}, nil
}
