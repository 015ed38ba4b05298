package hooks

import (
	"context"
	"log/slog"

	"github.com/nextlevelbuilder/popkit/internal/bus"
	"github.com/nextlevelbuilder/popkit/internal/hookctx"
	"github.com/nextlevelbuilder/popkit/internal/retention"
)

// Stop closes out a session: retention state is released and the
// coordinator learns the agent completed.
type Stop struct {
	Tracker *retention.Tracker
	Bus     bus.Bus
}

func (h *Stop) Name() string { return "stop" }

func (h *Stop) Run(ctx context.Context, hctx hookctx.Context, in Input) (hookctx.Context, Output, error) {
	if h.Tracker != nil {
		if err := h.Tracker.Reset(); err != nil {
			slog.Debug("retention reset failed", "error", err)
		}
	}

	if h.Bus != nil {
		env, err := bus.NewEnvelope(bus.TypeState, in.SessionID, "coordinator", map[string]any{
			"agent_id": in.SessionID,
			"status":   "completed",
		})
		if err == nil {
			if err := h.Bus.Publish(ctx, bus.ChannelCoordinator, env); err != nil {
				slog.Debug("completion publish failed", "error", err)
			}
		}
	}

	return hctx, Output{Action: ActionContinue}, nil
}
