// Package ollama implements embeddings against the /api/embed endpoint of
// an Ollama server.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/MrWong99/ensemble/pkg/provider/embeddings"
)

// DefaultBaseURL targets a locally running Ollama instance.
const DefaultBaseURL = "http://localhost:11434"

var _ embeddings.Provider = (*Provider)(nil)

// Provider embeds text with a model hosted by Ollama.
type Provider struct {
	baseURL string
	model   string
	client  *http.Client
	dims    int
}

// Option configures a Provider.
type Option func(*Provider)

// WithHTTPClient replaces the default HTTP client, typically to set a
// request timeout.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.client = c }
}

// WithDimensions sets the reported vector length for models missing from
// the built-in table.
func WithDimensions(n int) Option {
	return func(p *Provider) { p.dims = n }
}

// New builds a Provider against baseURL (DefaultBaseURL when empty) using
// the given model, which must not be empty.
func New(baseURL, model string, opts ...Option) (*Provider, error) {
	if model == "" {
		return nil, fmt.Errorf("ollama embeddings: model required")
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	p := &Provider{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		model:   model,
		client:  http.DefaultClient,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.dims == 0 {
		p.dims = wellKnownDims(model)
	}
	return p, nil
}

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// Embed implements [embeddings.Provider].
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	payload, err := json.Marshal(embedRequest{Model: p.model, Input: []string{text}})
	if err != nil {
		return nil, fmt.Errorf("ollama embeddings: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/embed", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("ollama embeddings: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama embeddings: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ollama embeddings: status %s", resp.Status)
	}

	var out embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("ollama embeddings: decode: %w", err)
	}
	if len(out.Embeddings) == 0 || len(out.Embeddings[0]) == 0 {
		return nil, fmt.Errorf("ollama embeddings: no vector in response")
	}
	return out.Embeddings[0], nil
}

// Dimensions implements [embeddings.Provider].
func (p *Provider) Dimensions() int { return p.dims }

// wellKnownDims covers the embedding models Ollama ships pre-packaged.
// Unknown models report 0.
func wellKnownDims(model string) int {
	switch {
	case strings.HasPrefix(model, "nomic-embed-text"):
		return 768
	case strings.HasPrefix(model, "mxbai-embed-large"):
		return 1024
	case strings.HasPrefix(model, "all-minilm"):
		return 384
	}
	return 0
}
