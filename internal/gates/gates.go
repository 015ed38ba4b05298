// Package gates auto-detects project quality gates, decides when edits
// warrant running them, executes them with timeouts, and performs
// git-backed rollback when the chosen remedy demands it.
package gates

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/titanous/json5"
)

// Gate is one pre-declared validation command.
type Gate struct {
	Name           string   `json:"name"`
	Command        string   `json:"command"`
	Args           []string `json:"args,omitempty"` // list form bypasses the shell
	TimeoutSeconds int      `json:"timeout,omitempty"`
	Enabled        bool     `json:"enabled"`
	Optional       bool     `json:"optional,omitempty"`
}

// Triggers configures when gates fire.
type Triggers struct {
	BatchThreshold   int      `json:"batch_threshold,omitempty"`
	HighRiskPatterns []string `json:"high_risk_patterns,omitempty"`
}

// Options are suite-wide switches.
type Options struct {
	RunTests          bool    `json:"run_tests"`
	FailFast          bool    `json:"fail_fast"`
	TimeoutMultiplier float64 `json:"timeout_multiplier,omitempty"`
	AutoRollback      bool    `json:"auto_rollback,omitempty"`
}

// Config is the merged gate configuration for a working directory.
type Config struct {
	Gates    []Gate   `json:"gates"`
	Triggers Triggers `json:"triggers"`
	Options  Options  `json:"options"`
}

// ConfigFileName is the per-project override file.
const ConfigFileName = "quality-gates.json"

// defaultHighRiskPatterns match paths whose edits always trigger gates.
var defaultHighRiskPatterns = []string{
	"tsconfig.json", "tsconfig.*.json", "package.json",
	"*.config.*", ".env", ".env.*",
}

// Detect scans a working directory for known project shapes and returns
// the implied gates in execution order.
func Detect(workdir string) []Gate {
	var gates []Gate

	if fileExists(filepath.Join(workdir, "tsconfig.json")) {
		gates = append(gates, Gate{
			Name: "typescript", Command: "tsc --noEmit", TimeoutSeconds: 60, Enabled: true,
		})
	}

	scripts := packageScripts(workdir)
	if _, ok := scripts["build"]; ok {
		gates = append(gates, Gate{Name: "build", Command: "npm run build", TimeoutSeconds: 120, Enabled: true})
	}
	if _, ok := scripts["lint"]; ok {
		gates = append(gates, Gate{Name: "lint", Command: "npm run lint", TimeoutSeconds: 60, Enabled: true})
	}
	if _, ok := scripts["test"]; ok {
		gates = append(gates, Gate{Name: "test", Command: "npm test", TimeoutSeconds: 300, Enabled: true, Optional: true})
	}
	return gates
}

func packageScripts(workdir string) map[string]string {
	data, err := os.ReadFile(filepath.Join(workdir, "package.json"))
	if err != nil {
		return nil
	}
	var pkg struct {
		Scripts map[string]string `json:"scripts"`
	}
	if err := json5.Unmarshal(data, &pkg); err != nil {
		return nil
	}
	return pkg.Scripts
}

// LoadConfig merges auto-detected gates with quality-gates.json
// overrides. Overrides match by name: they may change command/timeout,
// disable a gate, or declare new ones.
func LoadConfig(workdir string) (Config, error) {
	cfg := Config{
		Gates: Detect(workdir),
		Triggers: Triggers{
			BatchThreshold:   5,
			HighRiskPatterns: defaultHighRiskPatterns,
		},
		Options: Options{RunTests: true, FailFast: true, TimeoutMultiplier: 1.0},
	}

	data, err := os.ReadFile(filepath.Join(workdir, ConfigFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read %s: %w", ConfigFileName, err)
	}

	var override struct {
		Gates    []Gate    `json:"gates"`
		Triggers *Triggers `json:"triggers"`
		Options  *Options  `json:"options"`
	}
	if err := json5.Unmarshal(data, &override); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", ConfigFileName, err)
	}

	cfg.Gates = mergeGates(cfg.Gates, override.Gates)
	if t := override.Triggers; t != nil {
		if t.BatchThreshold > 0 {
			cfg.Triggers.BatchThreshold = t.BatchThreshold
		}
		if len(t.HighRiskPatterns) > 0 {
			cfg.Triggers.HighRiskPatterns = t.HighRiskPatterns
		}
	}
	if o := override.Options; o != nil {
		cfg.Options.RunTests = o.RunTests
		cfg.Options.FailFast = o.FailFast
		cfg.Options.AutoRollback = o.AutoRollback
		if o.TimeoutMultiplier > 0 {
			cfg.Options.TimeoutMultiplier = o.TimeoutMultiplier
		}
	}
	return cfg, nil
}

func mergeGates(detected, overrides []Gate) []Gate {
	byName := map[string]int{}
	out := make([]Gate, len(detected))
	copy(out, detected)
	for i, g := range out {
		byName[g.Name] = i
	}
	for _, ov := range overrides {
		if idx, ok := byName[ov.Name]; ok {
			if ov.Command != "" {
				out[idx].Command = ov.Command
			}
			if len(ov.Args) > 0 {
				out[idx].Args = ov.Args
			}
			if ov.TimeoutSeconds > 0 {
				out[idx].TimeoutSeconds = ov.TimeoutSeconds
			}
			out[idx].Enabled = ov.Enabled
			out[idx].Optional = ov.Optional
		} else {
			byName[ov.Name] = len(out)
			out = append(out, ov)
		}
	}
	return out
}

// Timeout returns the effective per-gate budget.
func (g Gate) Timeout(multiplier float64) time.Duration {
	secs := g.TimeoutSeconds
	if secs <= 0 {
		secs = 60
	}
	if multiplier <= 0 {
		multiplier = 1.0
	}
	return time.Duration(float64(secs)*multiplier) * time.Second
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
