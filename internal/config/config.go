package config

import (
	"path/filepath"
	"sync"
)

// Config is the root configuration for the popkit core.
// Loaded once at process start; quality-gates.json is layered on top by the
// gate engine itself (it has its own override file per the host contract).
type Config struct {
	// StateDir is the project-local state root, normally "<workdir>/.claude".
	StateDir string `json:"state_dir,omitempty"`

	CloudEnabled bool   `json:"cloud_enabled"`
	DevMode      bool   `json:"dev_mode,omitempty"`
	CloudURL     string `json:"cloud_url,omitempty"`

	Embedding   EmbeddingConfig   `json:"embedding,omitempty"`
	Router      RouterConfig      `json:"router,omitempty"`
	Retention   RetentionConfig   `json:"retention,omitempty"`
	Checkpoints CheckpointConfig  `json:"checkpoints,omitempty"`
	Knowledge   KnowledgeConfig   `json:"knowledge,omitempty"`
	Bus         BusConfig         `json:"bus,omitempty"`
	Coordinator CoordinatorConfig `json:"coordinator,omitempty"`
	Feedback    FeedbackConfig    `json:"feedback,omitempty"`
	Telemetry   TelemetryConfig   `json:"telemetry,omitempty"`

	mu sync.RWMutex
}

// EmbeddingConfig configures the remote embedding provider.
// The API key comes from the environment only (never persisted).
type EmbeddingConfig struct {
	Model          string `json:"model,omitempty"`
	BaseURL        string `json:"base_url,omitempty"`
	APIKey         string `json:"-"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}

// RouterConfig configures semantic routing.
type RouterConfig struct {
	TopK          int     `json:"top_k,omitempty"`
	MinConfidence float64 `json:"min_confidence,omitempty"`
	DefaultAgent  string  `json:"default_agent,omitempty"`
}

// RetentionConfig configures the tool-result retention tracker.
type RetentionConfig struct {
	// TierOverrides maps tool name (or "Bash:<family>") to a tier name.
	TierOverrides map[string]string `json:"tier_overrides,omitempty"`
	// SweepSchedule is a cron expression for the coordinator's retention
	// sweep. Empty disables scheduled sweeps.
	SweepSchedule string `json:"sweep_schedule,omitempty"`
}

// CheckpointConfig configures the checkpoint manager.
type CheckpointConfig struct {
	MaxEntries    int `json:"max_entries,omitempty"`
	RetentionDays int `json:"retention_days,omitempty"`
}

// KnowledgeConfig configures the knowledge store.
type KnowledgeConfig struct {
	TypeCap       int     `json:"type_cap,omitempty"`
	MinSimilarity float64 `json:"min_similarity,omitempty"`
}

// BusConfig selects and configures the pub/sub backend.
type BusConfig struct {
	// Backend is "file" (default) or "redis".
	Backend       string `json:"backend,omitempty"`
	RedisAddr     string `json:"redis_addr,omitempty"`
	RedisPassword string `json:"-"`
	RedisDB       int    `json:"redis_db,omitempty"`
}

// CoordinatorConfig configures Power Mode.
type CoordinatorConfig struct {
	CheckinInterval    int `json:"checkin_interval,omitempty"`     // tool calls between CHECKINs
	ReplayWindow       int `json:"replay_window,omitempty"`        // events replayed on restart
	StreamGCSeconds    int `json:"stream_gc_seconds,omitempty"`    // completed-stream retention
	AgentIdleGCSeconds int `json:"agent_idle_gc_seconds,omitempty"`
	BarrierGateTimeout int `json:"barrier_gate_timeout,omitempty"` // seconds for server-side gate suite
}

// FeedbackConfig configures the feedback and vote store.
type FeedbackConfig struct {
	GitHubOwner    string `json:"github_owner,omitempty"`
	GitHubRepo     string `json:"github_repo,omitempty"`
	GitHubToken    string `json:"-"`
	VoteTTLMinutes int    `json:"vote_ttl_minutes,omitempty"`
	PromptGap      int    `json:"prompt_gap,omitempty"`      // min tool calls between prompts
	MaxDismissals  int    `json:"max_dismissals,omitempty"`  // suppress after this many
}

// TelemetryConfig configures OpenTelemetry export for traces.
type TelemetryConfig struct {
	Enabled     bool   `json:"enabled,omitempty"`
	Endpoint    string `json:"endpoint,omitempty"`
	Protocol    string `json:"protocol,omitempty"` // "grpc" or "http"
	ServiceName string `json:"service_name,omitempty"`
	Insecure    bool   `json:"insecure,omitempty"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		StateDir:     ".claude",
		CloudEnabled: true,
		Embedding: EmbeddingConfig{
			Model:          "voyage-3.5",
			BaseURL:        "https://api.voyageai.com/v1",
			TimeoutSeconds: 30,
		},
		Router: RouterConfig{
			TopK:          5,
			MinConfidence: 0.6,
			DefaultAgent:  "general-purpose",
		},
		Retention: RetentionConfig{
			SweepSchedule: "0 * * * *",
		},
		Checkpoints: CheckpointConfig{
			MaxEntries:    20,
			RetentionDays: 7,
		},
		Knowledge: KnowledgeConfig{
			TypeCap:       1000,
			MinSimilarity: 0.7,
		},
		Bus: BusConfig{
			Backend: "file",
		},
		Coordinator: CoordinatorConfig{
			CheckinInterval:    5,
			ReplayWindow:       1000,
			StreamGCSeconds:    300,
			AgentIdleGCSeconds: 1800,
			BarrierGateTimeout: 600,
		},
		Feedback: FeedbackConfig{
			VoteTTLMinutes: 60,
			PromptGap:      10,
			MaxDismissals:  3,
		},
		Telemetry: TelemetryConfig{
			Protocol:    "grpc",
			ServiceName: "popkit",
		},
	}
}

// PopkitDir returns the popkit-owned subtree under the state dir.
func (c *Config) PopkitDir() string { return filepath.Join(c.StateDir, "popkit") }

// CheckpointsDir returns the gate engine's checkpoint patch directory.
func (c *Config) CheckpointsDir() string { return filepath.Join(c.StateDir, "checkpoints") }

// BrainDir returns the knowledge/embedding directory.
func (c *Config) BrainDir() string {
	return filepath.Join(c.StateDir, "popkit", "knowledge", "brain")
}

// IndexDBPath returns the embedding index database file.
func (c *Config) IndexDBPath() string { return filepath.Join(c.BrainDir(), "index.db") }

// FeedbackDBPath returns the feedback database file.
func (c *Config) FeedbackDBPath() string {
	return filepath.Join(c.StateDir, "popkit", "feedback.db")
}

// HeartbeatsDir returns the per-session heartbeat directory root.
func (c *Config) HeartbeatsDir() string {
	return filepath.Join(c.StateDir, "popkit", "heartbeats")
}
