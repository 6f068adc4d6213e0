// Package mock provides a test double for the llm.Provider interface.
//
// Use Provider in unit tests to verify that the pipeline sends correct
// CompletionRequests and to feed controlled responses without a live
// backend. All response fields are safe to set before calling any method;
// mutating them during a concurrent call is the caller's responsibility.
//
// Example:
//
//	p := &mock.Provider{
//	    Response: &llm.CompletionResponse{Content: "Hello!"},
//	}
//	resp, err := p.Complete(ctx, req)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/ensemble/pkg/provider/llm"
)

// Compile-time check that *Provider satisfies llm.Provider.
var _ llm.Provider = (*Provider)(nil)

// Call records a single invocation of Complete.
type Call struct {
	// Ctx is the context passed to Complete.
	Ctx context.Context
	// Req is the CompletionRequest passed to Complete.
	Req llm.CompletionRequest
}

// Provider is a mock implementation of llm.Provider.
//
// Behaviour precedence per call: CompleteFunc (when non-nil) > queued
// Responses (consumed in order) > the static Response/Err pair. A zero-value
// Provider returns an empty response and nil error.
type Provider struct {
	mu sync.Mutex

	// CompleteFunc, when non-nil, fully determines each call's outcome.
	// It is invoked with the call's sequence number (starting at 0).
	CompleteFunc func(n int, req llm.CompletionRequest) (*llm.CompletionResponse, error)

	// Responses is a queue of canned responses consumed one per call.
	// When exhausted, the static Response/Err pair applies.
	Responses []*llm.CompletionResponse

	// Response is the static response returned when no queue entry applies.
	Response *llm.CompletionResponse

	// Err, if non-nil, is returned instead of a response.
	Err error

	// Calls records every invocation in order.
	Calls []Call
}

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	n := len(p.Calls)
	p.Calls = append(p.Calls, Call{Ctx: ctx, Req: req})
	fn := p.CompleteFunc
	var queued *llm.CompletionResponse
	if n < len(p.Responses) {
		queued = p.Responses[n]
	}
	static := p.Response
	err := p.Err
	p.mu.Unlock()

	if fn != nil {
		return fn(n, req)
	}
	if err != nil {
		return nil, err
	}
	if queued != nil {
		return queued, nil
	}
	if static != nil {
		return static, nil
	}
	return &llm.CompletionResponse{}, nil
}

// CallCount returns the number of recorded Complete invocations.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}

// LastCall returns the most recent recorded call, or a zero Call when none
// have been made.
func (p *Provider) LastCall() Call {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.Calls) == 0 {
		return Call{}
	}
	return p.Calls[len(p.Calls)-1]
}
