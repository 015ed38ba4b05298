package coordinator

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/nextlevelbuilder/popkit/internal/bus"
	"github.com/nextlevelbuilder/popkit/internal/gates"
)

// barrierState tracks one in-flight phase transition.
type barrierState struct {
	Phase     string          `json:"phase"`
	Next      string          `json:"next"`
	Pending   map[string]bool `json:"pending"` // agents yet to ack
	GateFail  bool            `json:"gate_fail"`
	Unblocked bool            `json:"unblocked"` // human said continue/fix-resolved
}

// handlePhaseExit opens a sync barrier: every active agent must ack
// before the next phase opens. While agents drain, the full gate suite
// runs server-side.
func (c *Coordinator) handlePhaseExit(ctx context.Context, env bus.Envelope) {
	var p PhasePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil || p.Phase == "" {
		return
	}

	c.mu.Lock()
	if c.barrier != nil && c.barrier.Phase == p.Phase {
		c.mu.Unlock()
		return // already holding this barrier
	}
	pending := map[string]bool{}
	for id, agent := range c.agents {
		if agent.Status == StatusActive || agent.Status == StatusStuck {
			pending[id] = true
		}
	}
	c.barrier = &barrierState{Phase: p.Phase, Next: p.Next, Pending: pending}
	c.mu.Unlock()

	slog.Info("sync barrier opened", "phase", p.Phase, "waiting_on", len(pending))

	// Ask everyone to acknowledge.
	if ask, err := bus.NewEnvelope(bus.TypeSyncBarrier, "coordinator", "", PhasePayload{Phase: p.Phase, Next: p.Next}); err == nil {
		c.deps.Bus.Publish(ctx, bus.ChannelBroadcast, ask)
	}

	// Server-side quality gates while the barrier drains.
	if c.deps.Gates != nil {
		result := c.deps.Gates.RunSuite(ctx)
		if !result.Passed {
			c.mu.Lock()
			c.barrier.GateFail = true
			c.mu.Unlock()

			menu := c.deps.Gates.FailureMenu(result)
			if req, err := bus.NewEnvelope(bus.TypeRequest, "coordinator", "", map[string]any{
				"kind":   "gate_failure",
				"phase":  p.Phase,
				"menu":   menu,
				"errors": gates.FormatErrors(result),
			}); err == nil {
				c.deps.Bus.Publish(ctx, bus.ChannelBroadcast, req)
			}
			slog.Warn("barrier gates failed, awaiting decision", "phase", p.Phase)
		}
	}

	c.maybeOpenNextPhase(ctx)
}

// handleSyncOK records one agent's barrier acknowledgement.
func (c *Coordinator) handleSyncOK(ctx context.Context, env bus.Envelope) {
	var p SyncOKPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil || p.AgentID == "" {
		return
	}

	c.mu.Lock()
	if c.barrier == nil || c.barrier.Phase != p.Phase {
		c.mu.Unlock()
		return
	}
	delete(c.barrier.Pending, p.AgentID)
	remaining := len(c.barrier.Pending)
	c.mu.Unlock()

	slog.Debug("barrier ack", "agent", p.AgentID, "phase", p.Phase, "remaining", remaining)
	c.maybeOpenNextPhase(ctx)
}

// handleResponse resolves a gate-failure hold. Only "continue" and
// "fix-resolved" open the next phase.
func (c *Coordinator) handleResponse(ctx context.Context, env bus.Envelope) {
	var p ResponsePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return
	}
	if p.Action != "continue" && p.Action != "fix-resolved" {
		return
	}

	c.mu.Lock()
	if c.barrier == nil || !c.barrier.GateFail {
		c.mu.Unlock()
		return
	}
	c.barrier.Unblocked = true
	c.mu.Unlock()

	c.maybeOpenNextPhase(ctx)
}

// maybeOpenNextPhase fires PHASE_ENTER once every agent has acked and
// any gate failure has been resolved.
func (c *Coordinator) maybeOpenNextPhase(ctx context.Context) {
	c.mu.Lock()
	b := c.barrier
	if b == nil || len(b.Pending) > 0 || (b.GateFail && !b.Unblocked) {
		c.mu.Unlock()
		return
	}
	c.barrier = nil
	next := b.Next
	for _, agent := range c.agents {
		agent.Phase = next
	}
	c.mu.Unlock()

	if next == "" {
		slog.Info("barrier complete, workflow finished", "phase", b.Phase)
		return
	}
	if enter, err := bus.NewEnvelope(bus.TypePhaseEnter, "coordinator", "", PhasePayload{Phase: next}); err == nil {
		c.deps.Bus.Publish(ctx, bus.ChannelBroadcast, enter)
	}
	slog.Info("phase entered", "phase", next)
	c.Snapshot()
}

// BarrierHolding reports whether a barrier is currently open.
func (c *Coordinator) BarrierHolding() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.barrier != nil
}
