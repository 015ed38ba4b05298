// Package coordinator implements Power Mode: a multi-agent state machine
// over the pub/sub bus. It owns agent states, stream sessions, and phase
// progression; everything else holds ids.
//
// All state is derivable from the channel log: restart recovery replays
// the last window of events through the same handlers.
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/popkit/internal/bus"
	"github.com/nextlevelbuilder/popkit/internal/checkpoint"
	"github.com/nextlevelbuilder/popkit/internal/config"
	"github.com/nextlevelbuilder/popkit/internal/gates"
	"github.com/nextlevelbuilder/popkit/internal/heartbeat"
	"github.com/nextlevelbuilder/popkit/internal/knowledge"
	"github.com/nextlevelbuilder/popkit/internal/telemetry"
)

// Agent statuses.
const (
	StatusActive    = "active"
	StatusIdle      = "idle"
	StatusStuck     = "stuck"
	StatusCompleted = "completed"
)

const stuckRecoveryThreshold = 0.5

// AgentState is one registered agent's bookkeeping.
type AgentState struct {
	AgentID       string         `json:"agent_id"`
	SessionID     string         `json:"session_id"`
	Role          string         `json:"role,omitempty"`
	Capabilities  []string       `json:"capabilities,omitempty"`
	Phase         string         `json:"phase,omitempty"`
	FilesTouched  []string       `json:"files_touched,omitempty"`
	ToolsUsed     map[string]int `json:"tools_used,omitempty"`
	LastHeartbeat time.Time      `json:"last_heartbeat"`
	Status        string         `json:"status"`
}

// Payloads for the coordinator protocol.
type (
	RegisterPayload struct {
		AgentID      string   `json:"agent_id"`
		SessionID    string   `json:"session_id"`
		Role         string   `json:"role,omitempty"`
		Capabilities []string `json:"capabilities,omitempty"`
	}

	CheckinPayload struct {
		AgentID      string         `json:"agent_id"`
		SessionID    string         `json:"session_id"`
		Phase        string         `json:"phase,omitempty"`
		FilesTouched []string       `json:"files_touched,omitempty"`
		ToolsUsed    map[string]int `json:"tools_used,omitempty"`
		Note         string         `json:"note,omitempty"`
	}

	PhasePayload struct {
		Phase string `json:"phase"`
		Next  string `json:"next,omitempty"`
	}

	SyncOKPayload struct {
		AgentID string `json:"agent_id"`
		Phase   string `json:"phase"`
	}

	ResponsePayload struct {
		RequestID string `json:"request_id,omitempty"`
		Action    string `json:"action"` // "continue" or "fix-resolved"
	}
)

// Deps are the collaborating components; nil members disable features.
type Deps struct {
	Bus         bus.Bus
	Knowledge   *knowledge.Store
	Gates       *gates.Engine
	Monitor     *heartbeat.Monitor
	Checkpoints *checkpoint.Manager
}

// Replayer is the optional log-replay surface of the file bus.
type Replayer interface {
	ReadRecent(channel string, n int) []bus.Envelope
}

// Coordinator is the Power Mode state machine.
type Coordinator struct {
	deps Deps
	cfg  config.CoordinatorConfig

	mu      sync.Mutex
	agents  map[string]*AgentState
	streams map[string]*StreamSession
	barrier *barrierState
	dedupe  *bus.Deduper

	snapshotPath string
	now          func() time.Time
}

// New builds a coordinator. snapshotDir is the popkit state dir.
func New(deps Deps, cfg config.CoordinatorConfig, snapshotDir string) *Coordinator {
	if cfg.CheckinInterval <= 0 {
		cfg.CheckinInterval = 5
	}
	if cfg.ReplayWindow <= 0 {
		cfg.ReplayWindow = 1000
	}
	if cfg.StreamGCSeconds <= 0 {
		cfg.StreamGCSeconds = 300
	}
	if cfg.AgentIdleGCSeconds <= 0 {
		cfg.AgentIdleGCSeconds = 1800
	}
	return &Coordinator{
		deps:         deps,
		cfg:          cfg,
		agents:       map[string]*AgentState{},
		streams:      map[string]*StreamSession{},
		dedupe:       bus.NewDeduper(4096),
		snapshotPath: filepath.Join(snapshotDir, "power-mode-state.json"),
		now:          time.Now,
	}
}

// Run consumes bus messages until ctx is cancelled. A GC pass runs every
// minute; a snapshot is written on shutdown.
func (c *Coordinator) Run(ctx context.Context) error {
	c.Recover()

	deliveries, err := c.deps.Bus.Subscribe(ctx, []string{
		bus.ChannelCoordinator, bus.ChannelHeartbeat,
	})
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case d, ok := <-deliveries:
				if !ok {
					return nil
				}
				c.Handle(gctx, d.Envelope)
			}
		}
	})

	g.Go(func() error {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				c.GC()
			}
		}
	})

	err = g.Wait()
	c.Snapshot()
	return err
}

// Handle dispatches one envelope. Duplicates (by id) are dropped, which
// keeps the at-least-once bus safe for barrier bookkeeping.
func (c *Coordinator) Handle(ctx context.Context, env bus.Envelope) {
	c.mu.Lock()
	if c.dedupe.Seen(env.ID) {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	ctx, span := telemetry.Tracer("coordinator").Start(ctx, "coordinator.handle")
	span.SetAttributes(
		attribute.String("message.type", string(env.Type)),
		attribute.String("message.from", env.FromAgent),
	)
	defer span.End()

	switch env.Type {
	case bus.TypeRegister:
		c.handleRegister(env)
	case bus.TypeCheckin:
		c.handleCheckin(ctx, env)
	case bus.TypeState:
		c.handleState(env)
	case bus.TypeStreamStart, bus.TypeStreamChunk, bus.TypeStreamEnd, bus.TypeStreamError:
		c.handleStream(ctx, env)
	case bus.TypePhaseExit:
		c.handlePhaseExit(ctx, env)
	case bus.TypeSyncOK:
		c.handleSyncOK(ctx, env)
	case bus.TypeResponse:
		c.handleResponse(ctx, env)
	default:
		slog.Debug("unhandled message", "type", env.Type, "from", env.FromAgent)
	}
}

func (c *Coordinator) handleRegister(env bus.Envelope) {
	var p RegisterPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil || p.AgentID == "" {
		slog.Debug("bad REGISTER payload", "error", err)
		return
	}

	c.mu.Lock()
	c.agents[p.AgentID] = &AgentState{
		AgentID:       p.AgentID,
		SessionID:     p.SessionID,
		Role:          p.Role,
		Capabilities:  p.Capabilities,
		ToolsUsed:     map[string]int{},
		LastHeartbeat: c.now().UTC(),
		Status:        StatusActive,
	}
	c.mu.Unlock()

	slog.Info("agent registered", "agent", p.AgentID, "role", p.Role)
	c.Snapshot()
}

// handleState applies an agent-reported status change (e.g. completed
// on session stop).
func (c *Coordinator) handleState(env bus.Envelope) {
	var p struct {
		AgentID string `json:"agent_id"`
		Status  string `json:"status"`
	}
	if err := json.Unmarshal(env.Payload, &p); err != nil || p.AgentID == "" {
		return
	}

	c.mu.Lock()
	state, ok := c.agents[p.AgentID]
	if ok {
		switch p.Status {
		case StatusActive, StatusIdle, StatusStuck, StatusCompleted:
			state.Status = p.Status
		}
	}
	c.mu.Unlock()
	if ok {
		c.Snapshot()
	}
}

func (c *Coordinator) handleCheckin(ctx context.Context, env bus.Envelope) {
	var p CheckinPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil || p.AgentID == "" {
		return
	}

	c.mu.Lock()
	state, ok := c.agents[p.AgentID]
	if !ok {
		// Check-in before REGISTER: admit it anyway, the log may have
		// rotated the registration away.
		state = &AgentState{AgentID: p.AgentID, SessionID: p.SessionID, ToolsUsed: map[string]int{}}
		c.agents[p.AgentID] = state
	}
	state.LastHeartbeat = c.now().UTC()
	state.Status = StatusActive
	if p.Phase != "" {
		state.Phase = p.Phase
	}
	for _, f := range p.FilesTouched {
		if !containsStr(state.FilesTouched, f) {
			state.FilesTouched = append(state.FilesTouched, f)
		}
	}
	for tool, n := range p.ToolsUsed {
		state.ToolsUsed[tool] += n
	}
	c.mu.Unlock()

	c.shareInsight(ctx, p)
	c.checkStuck(ctx, state.AgentID, state.SessionID)
}

// shareInsight recalls knowledge relevant to the agent's current note
// and publishes it back as an INSIGHT.
func (c *Coordinator) shareInsight(ctx context.Context, p CheckinPayload) {
	if c.deps.Knowledge == nil || p.Note == "" {
		return
	}
	results, err := c.deps.Knowledge.Recall(ctx, p.Note, "", nil, 3, 0.7)
	if err != nil || len(results) == 0 {
		return
	}

	items := make([]string, len(results))
	for i, r := range results {
		items[i] = r.Record.Content
	}
	env, err := bus.NewEnvelope(bus.TypeInsight, "coordinator", p.AgentID, map[string]any{
		"insights": items,
	})
	if err != nil {
		return
	}
	if err := c.deps.Bus.Publish(ctx, bus.ChannelInsights, env); err != nil {
		slog.Debug("insight publish failed", "error", err)
	}
}

// checkStuck consults the heartbeat monitor; a confident stuck verdict
// triggers an auto checkpoint and a recovery broadcast. The agent is
// never killed.
func (c *Coordinator) checkStuck(ctx context.Context, agentID, sessionID string) {
	if c.deps.Monitor == nil {
		return
	}
	report := c.deps.Monitor.DetectStuck(sessionID)
	if !report.IsStuck || report.Confidence < stuckRecoveryThreshold {
		return
	}

	c.mu.Lock()
	if state, ok := c.agents[agentID]; ok {
		state.Status = StatusStuck
	}
	c.mu.Unlock()

	if c.deps.Checkpoints != nil {
		if _, _, err := c.deps.Checkpoints.AutoTrigger(ctx, "phase_complete", "stuck-"+agentID,
			checkpoint.ContextSnapshot{Task: "stuck recovery for " + agentID}); err != nil {
			slog.Warn("stuck checkpoint failed", "agent", agentID, "error", err)
		}
	}

	env, err := bus.NewEnvelope(bus.TypeCourseCorrect, "coordinator", agentID, map[string]any{
		"reason":     "stuck",
		"confidence": report.Confidence,
		"indicators": report.Indicators,
		"suggestion": "Step back from the current approach. Re-read the task, list what has been tried, and pick a different angle before editing again.",
	})
	if err != nil {
		return
	}
	if err := c.deps.Bus.Publish(ctx, bus.ChannelBroadcast, env); err != nil {
		slog.Debug("recovery broadcast failed", "error", err)
	}
	slog.Info("stuck recovery suggested", "agent", agentID, "confidence", report.Confidence)
}

// GC drops completed streams past their retention and removes agents
// whose last heartbeat is older than the idle limit. Stuck agents are
// exempt from collection.
func (c *Coordinator) GC() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now().UTC()
	streamCutoff := now.Add(-time.Duration(c.cfg.StreamGCSeconds) * time.Second)
	for id, st := range c.streams {
		if st.IsComplete && st.CompletedAt.Before(streamCutoff) {
			delete(c.streams, id)
		}
	}

	idleCutoff := now.Add(-time.Duration(c.cfg.AgentIdleGCSeconds) * time.Second)
	for id, agent := range c.agents {
		if agent.Status == StatusStuck {
			continue
		}
		if agent.LastHeartbeat.Before(idleCutoff) {
			delete(c.agents, id)
			slog.Debug("agent collected", "agent", id)
		}
	}
}

// Agents returns a copy of the registry.
func (c *Coordinator) Agents() []AgentState {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]AgentState, 0, len(c.agents))
	for _, a := range c.agents {
		out = append(out, *a)
	}
	return out
}

// Recover replays the recent coordinator log through the handlers,
// rebuilding the registry after a restart.
func (c *Coordinator) Recover() {
	replayer, ok := c.deps.Bus.(Replayer)
	if !ok {
		return
	}
	events := replayer.ReadRecent(bus.ChannelCoordinator, c.cfg.ReplayWindow)
	for _, env := range events {
		c.Handle(context.Background(), env)
	}
	if len(events) > 0 {
		slog.Info("coordinator state recovered", "events", len(events), "agents", len(c.agents))
	}
}

// snapshotState is the serialised coordinator view.
type snapshotState struct {
	Agents    map[string]*AgentState    `json:"agents"`
	Streams   map[string]*StreamSession `json:"streams"`
	WrittenAt time.Time                 `json:"written_at"`
}

// Snapshot writes power-mode-state.json for external inspection.
func (c *Coordinator) Snapshot() {
	c.mu.Lock()
	snap := snapshotState{Agents: c.agents, Streams: c.streams, WrittenAt: c.now().UTC()}
	data, err := json.MarshalIndent(snap, "", "  ")
	c.mu.Unlock()
	if err != nil {
		return
	}
	if err := os.MkdirAll(filepath.Dir(c.snapshotPath), 0755); err != nil {
		return
	}
	if err := os.WriteFile(c.snapshotPath, data, 0644); err != nil {
		slog.Debug("snapshot write failed", "error", err)
	}
}

func containsStr(items []string, s string) bool {
	for _, it := range items {
		if it == s {
			return true
		}
	}
	return false
}
