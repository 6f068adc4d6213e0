// Package openai implements embeddings over the OpenAI embeddings API.
package openai

import (
	"context"
	"fmt"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"

	"github.com/MrWong99/ensemble/pkg/provider/embeddings"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "text-embedding-3-small"

var _ embeddings.Provider = (*Provider)(nil)

// Provider calls the OpenAI embeddings endpoint.
type Provider struct {
	client oai.Client
	model  string
	dims   int
}

type options struct {
	baseURL string
	dims    int
}

// Option configures a Provider.
type Option func(*options)

// WithBaseURL points the client at an OpenAI-compatible endpoint
// (Azure deployments, local proxies).
func WithBaseURL(url string) Option {
	return func(o *options) { o.baseURL = url }
}

// WithDimensions sets the reported vector length for models missing from
// the built-in table.
func WithDimensions(n int) Option {
	return func(o *options) { o.dims = n }
}

// New builds a Provider for the given model, or DefaultModel when model
// is empty.
func New(apiKey, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai embeddings: api key required")
	}
	if model == "" {
		model = DefaultModel
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if o.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(o.baseURL))
	}

	dims := o.dims
	if dims == 0 {
		dims = wellKnownDims(model)
	}
	return &Provider{client: oai.NewClient(reqOpts...), model: model, dims: dims}, nil
}

// Embed implements [embeddings.Provider].
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := p.client.Embeddings.New(ctx, oai.EmbeddingNewParams{
		Model: p.model,
		Input: oai.EmbeddingNewParamsInputUnion{OfString: param.NewOpt(text)},
	})
	if err != nil {
		return nil, fmt.Errorf("openai embeddings: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("openai embeddings: no vector in response")
	}

	src := resp.Data[0].Embedding
	vec := make([]float32, len(src))
	for i, v := range src {
		vec[i] = float32(v)
	}
	return vec, nil
}

// Dimensions implements [embeddings.Provider].
func (p *Provider) Dimensions() int { return p.dims }

// wellKnownDims maps the documented output sizes of OpenAI embedding
// models. Unknown models report 0.
func wellKnownDims(model string) int {
	switch model {
	case "text-embedding-3-large":
		return 3072
	case "text-embedding-3-small", "text-embedding-ada-002":
		return 1536
	}
	return 0
}
