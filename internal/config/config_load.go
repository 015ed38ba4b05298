package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/titanous/json5"
)

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file is not an error: defaults + env apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// ResolvePath returns the config file path: explicit flag value,
// $POPKIT_CONFIG, or .claude/popkit.json under the working directory,
// in that order.
func ResolvePath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if v := os.Getenv("POPKIT_CONFIG"); v != "" {
		return v
	}
	return filepath.Join(".claude", "popkit.json")
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values. Secrets are env-only.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			*dst = v == "true" || v == "1"
		}
	}

	envBool("POPKIT_CLOUD_ENABLED", &c.CloudEnabled)
	envBool("POPKIT_DEV_MODE", &c.DevMode)
	envStr("POPKIT_CLOUD_URL", &c.CloudURL)
	envStr("POPKIT_STATE_DIR", &c.StateDir)

	// Embedding provider key (never persisted).
	envStr("VOYAGE_API_KEY", &c.Embedding.APIKey)

	// Remote bus credentials.
	envStr("POPKIT_REDIS_ADDR", &c.Bus.RedisAddr)
	envStr("POPKIT_REDIS_PASSWORD", &c.Bus.RedisPassword)

	// Vote cache.
	envStr("GITHUB_TOKEN", &c.Feedback.GitHubToken)

	// Telemetry.
	envBool("POPKIT_TELEMETRY_ENABLED", &c.Telemetry.Enabled)
	envStr("POPKIT_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("POPKIT_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("POPKIT_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)

	// With cloud enabled and a cloud URL set, a redis address switches the
	// file backend (the default) to redis.
	if c.CloudEnabled && c.CloudURL != "" && c.Bus.Backend == "file" && c.Bus.RedisAddr != "" {
		c.Bus.Backend = "redis"
	}
}
