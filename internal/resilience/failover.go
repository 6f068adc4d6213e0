package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/MrWong99/ensemble/pkg/provider/llm"
)

// ErrAllBackendsFailed is returned when every backend fails or sits behind
// an open breaker.
var ErrAllBackendsFailed = errors.New("resilience: all backends failed")

// Compile-time check that *Failover satisfies [llm.Provider].
var _ llm.Provider = (*Failover)(nil)

// backend pairs a completion provider with its dedicated breaker.
type backend struct {
	name     string
	provider llm.Provider
	breaker  *Breaker
}

// Failover implements [llm.Provider] with automatic failover across several
// completion backends, tried in registration order. Each backend has its own
// circuit breaker, so a tripped primary is skipped without waiting for
// another timeout.
//
// Register backends before first use; AddFallback is not safe to call
// concurrently with Complete.
type Failover struct {
	backends []backend
	breaker  BreakerConfig
	log      *slog.Logger
}

// FailoverOption configures a [Failover].
type FailoverOption func(*Failover)

// WithBreakerConfig sets the breaker template applied to every backend.
func WithBreakerConfig(cfg BreakerConfig) FailoverOption {
	return func(f *Failover) { f.breaker = cfg }
}

// WithFailoverLogger sets the logger for failover events.
func WithFailoverLogger(log *slog.Logger) FailoverOption {
	return func(f *Failover) {
		if log != nil {
			f.log = log
		}
	}
}

// NewFailover creates a [Failover] with primary as the preferred backend.
func NewFailover(name string, primary llm.Provider, opts ...FailoverOption) *Failover {
	f := &Failover{log: slog.Default()}
	for _, opt := range opts {
		opt(f)
	}
	f.addBackend(name, primary)
	return f
}

// AddFallback registers an additional backend, tried after all earlier ones.
func (f *Failover) AddFallback(name string, provider llm.Provider) {
	f.addBackend(name, provider)
}

func (f *Failover) addBackend(name string, provider llm.Provider) {
	cfg := f.breaker
	cfg.Name = name
	if cfg.Logger == nil {
		cfg.Logger = f.log
	}
	f.backends = append(f.backends, backend{
		name:     name,
		provider: provider,
		breaker:  NewBreaker(cfg),
	})
}

// Complete sends req to the first healthy backend and returns its response.
func (f *Failover) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	var lastErr error
	for i := range f.backends {
		be := &f.backends[i]

		var resp *llm.CompletionResponse
		err := be.breaker.Do(func() error {
			var callErr error
			resp, callErr = be.provider.Complete(ctx, req)
			return callErr
		})
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if errors.Is(err, ErrOpen) {
			f.log.Debug("skipping backend, circuit open", "backend", be.name)
			continue
		}
		// Cancellation is the caller's signal, not a backend fault worth
		// escalating to the next entry.
		if ctx.Err() != nil {
			return nil, err
		}
		f.log.Warn("backend failed, trying next", "backend", be.name, "error", err)
	}
	return nil, fmt.Errorf("%w: %v", ErrAllBackendsFailed, lastErr)
}
