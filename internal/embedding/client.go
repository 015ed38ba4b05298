package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/nextlevelbuilder/popkit/internal/config"
	"github.com/nextlevelbuilder/popkit/internal/telemetry"
)

// Input types for the embedding request.
const (
	InputDocument = "document"
	InputQuery    = "query"
)

// ErrNetworkUnavailable signals that the provider could not be reached or
// no credentials are configured. Callers fall back to keyword routing.
var ErrNetworkUnavailable = errors.New("embedding: provider unavailable")

// Embedder turns text into vectors. The HTTP client implements it;
// tests inject fakes conforming to the same surface.
type Embedder interface {
	Embed(ctx context.Context, inputs []string, inputType string) ([][]float64, error)
	Available() bool
}

// Client calls the remote embedding provider. No retries: any failure
// surfaces as ErrNetworkUnavailable and the caller degrades.
type Client struct {
	model   string
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewClient builds a client from config. A missing API key produces a
// client whose Available() is false.
func NewClient(cfg config.EmbeddingConfig) *Client {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		model:   cfg.Model,
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: timeout},
	}
}

// Available reports whether credentials are configured.
func (c *Client) Available() bool { return c.apiKey != "" }

type embedRequest struct {
	Model     string   `json:"model"`
	Input     []string `json:"input"`
	InputType string   `json:"input_type"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
	Model string `json:"model"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

// Embed returns one vector per input, in order.
func (c *Client) Embed(ctx context.Context, inputs []string, inputType string) (_ [][]float64, err error) {
	ctx, span := telemetry.Tracer("embedding").Start(ctx, "embedding.embed")
	span.SetAttributes(
		attribute.Int("embedding.inputs", len(inputs)),
		attribute.String("embedding.input_type", inputType),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}()

	if !c.Available() {
		return nil, fmt.Errorf("%w: no API key", ErrNetworkUnavailable)
	}

	body, err := json.Marshal(embedRequest{Model: c.model, Input: inputs, InputType: inputType})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		slog.Debug("embedding request failed", "error", err)
		return nil, fmt.Errorf("%w: %v", ErrNetworkUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		slog.Debug("embedding request rejected", "status", resp.StatusCode, "body", string(data))
		return nil, fmt.Errorf("%w: status %d", ErrNetworkUnavailable, resp.StatusCode)
	}

	var parsed embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("%w: undecodable response", ErrNetworkUnavailable)
	}
	if len(parsed.Data) != len(inputs) {
		return nil, fmt.Errorf("%w: got %d embeddings for %d inputs", ErrNetworkUnavailable, len(parsed.Data), len(inputs))
	}

	out := make([][]float64, len(parsed.Data))
	for i, d := range parsed.Data {
		if len(d.Embedding) != Dim {
			return nil, fmt.Errorf("%w: provider returned %d dims", ErrDimensionMismatch, len(d.Embedding))
		}
		out[i] = d.Embedding
	}
	return out, nil
}
