// Package mock provides a canned [embeddings.Provider] for tests.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/ensemble/pkg/provider/embeddings"
)

var _ embeddings.Provider = (*Provider)(nil)

// Provider returns a fixed vector from every Embed call and records the
// texts it was asked to embed. Safe for concurrent use.
type Provider struct {
	mu sync.Mutex

	// Vector is returned from every successful Embed call.
	Vector []float32

	// Err, when set, fails every Embed call.
	Err error

	// Dims is returned by Dimensions.
	Dims int

	// Texts records the inputs passed to Embed, in call order.
	Texts []string
}

// Embed implements [embeddings.Provider].
func (p *Provider) Embed(_ context.Context, text string) ([]float32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Texts = append(p.Texts, text)
	if p.Err != nil {
		return nil, p.Err
	}
	return p.Vector, nil
}

// Dimensions implements [embeddings.Provider].
func (p *Provider) Dimensions() int { return p.Dims }

// Embedded returns a copy of the recorded texts.
func (p *Provider) Embedded() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.Texts))
	copy(out, p.Texts)
	return out
}
