package router

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/nextlevelbuilder/popkit/internal/embedding"
)

// AgentSpec is the routing-relevant slice of an agent or skill markdown
// file. Agents are pure data here; nothing is ever executed.
type AgentSpec struct {
	Name         string   `yaml:"name"`
	Description  string   `yaml:"description"`
	Tier         string   `yaml:"tier,omitempty"`   // "1", "2", "workflow"
	Effort       string   `yaml:"effort,omitempty"`
	Model        string   `yaml:"model,omitempty"`
	Keywords     []string `yaml:"keywords,omitempty"`
	FilePatterns []string `yaml:"file_patterns,omitempty"`
	ErrorNames   []string `yaml:"error_names,omitempty"`
	IsSkill      bool     `yaml:"-"`
}

var frontmatterDelim = []byte("---")

// LoadCatalog reads agent and skill definitions under the state dir:
// <stateDir>/agents/*.md and <stateDir>/skills/*/SKILL.md. Files without
// parseable frontmatter are skipped with a debug log.
func LoadCatalog(stateDir string) []AgentSpec {
	var specs []AgentSpec

	agents, _ := filepath.Glob(filepath.Join(stateDir, "agents", "*.md"))
	for _, path := range agents {
		if spec, ok := parseSpecFile(path, false); ok {
			specs = append(specs, spec)
		}
	}

	skills, _ := filepath.Glob(filepath.Join(stateDir, "skills", "*", "SKILL.md"))
	for _, path := range skills {
		if spec, ok := parseSpecFile(path, true); ok {
			specs = append(specs, spec)
		}
	}
	return specs
}

func parseSpecFile(path string, isSkill bool) (AgentSpec, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		slog.Debug("catalog file unreadable", "path", path, "error", err)
		return AgentSpec{}, false
	}
	spec, err := ParseFrontmatter(data)
	if err != nil {
		slog.Debug("catalog frontmatter invalid", "path", path, "error", err)
		return AgentSpec{}, false
	}
	if spec.Name == "" {
		spec.Name = strings.TrimSuffix(filepath.Base(path), ".md")
		if isSkill {
			spec.Name = filepath.Base(filepath.Dir(path))
		}
	}
	spec.IsSkill = isSkill
	return spec, true
}

// ParseFrontmatter extracts the YAML block between the leading "---"
// fences of a markdown document.
func ParseFrontmatter(data []byte) (AgentSpec, error) {
	var spec AgentSpec

	trimmed := bytes.TrimLeft(data, "\r\n \t")
	if !bytes.HasPrefix(trimmed, frontmatterDelim) {
		return spec, fmt.Errorf("no frontmatter fence")
	}
	rest := trimmed[len(frontmatterDelim):]
	end := bytes.Index(rest, []byte("\n---"))
	if end < 0 {
		return spec, fmt.Errorf("unterminated frontmatter")
	}
	if err := yaml.Unmarshal(rest[:end], &spec); err != nil {
		return spec, fmt.Errorf("parse frontmatter: %w", err)
	}
	return spec, nil
}

// Reindex embeds every catalog description into the index as agent/skill
// records. Each record gets a fresh id; records stored by earlier runs are
// not removed, so a second run adds another record per source id.
func Reindex(ctx context.Context, idx *embedding.Store, embedder embedding.Embedder, specs []AgentSpec) (int, error) {
	if !embedder.Available() {
		return 0, embedding.ErrNetworkUnavailable
	}

	indexed := 0
	for _, spec := range specs {
		if spec.Description == "" {
			continue
		}
		vecs, err := embedder.Embed(ctx, []string{spec.Description}, embedding.InputDocument)
		if err != nil {
			return indexed, fmt.Errorf("embed %s: %w", spec.Name, err)
		}
		sourceType := embedding.SourceAgent
		if spec.IsSkill {
			sourceType = embedding.SourceSkill
		}
		rec := embedding.Record{
			ID:         "cat_" + uuid.NewString()[:8],
			Content:    spec.Description,
			Vector:     vecs[0],
			SourceType: sourceType,
			SourceID:   spec.Name,
			Metadata: map[string]any{
				"tier":  spec.Tier,
				"model": spec.Model,
			},
		}
		if err := idx.Store(ctx, rec); err != nil {
			return indexed, err
		}
		indexed++
	}
	return indexed, nil
}
