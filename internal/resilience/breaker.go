// Package resilience provides a circuit breaker and automatic completion
// provider failover.
//
// [Breaker] is a classic three-state breaker (closed → open → half-open)
// protecting callers from hammering a failing backend. [Failover] composes
// several completion providers, each behind its own breaker, so a failing
// primary is bypassed in favour of a healthy fallback.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrOpen is returned by [Breaker.Do] while the breaker rejects calls.
var ErrOpen = errors.New("resilience: circuit open")

// State is the operating mode of a [Breaker].
type State int

const (
	// Closed forwards all calls.
	Closed State = iota

	// Open rejects calls with [ErrOpen] until the reset timeout elapses.
	Open

	// HalfOpen admits a limited number of probe calls. Probes decide
	// whether the breaker closes again or re-opens.
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	}
	return "unknown"
}

// BreakerConfig holds the tuning knobs for a [Breaker]. Zero fields fall
// back to defaults.
type BreakerConfig struct {
	// Name labels the breaker in log output.
	Name string

	// MaxFailures is the consecutive-failure count that trips the breaker.
	// Default 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open before probing.
	// Default 30s.
	ResetTimeout time.Duration

	// ProbeBudget is the number of half-open probe calls. Default 3.
	ProbeBudget int

	// Logger receives state transition events. Default slog.Default.
	Logger *slog.Logger
}

// Breaker implements the three-state circuit breaker pattern.
type Breaker struct {
	cfg BreakerConfig
	log *slog.Logger

	mu          sync.Mutex
	state       State
	failures    int
	lastFailure time.Time
	probes      int
	probeFails  int
}

// NewBreaker creates a [Breaker] from cfg, filling in defaults.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.ProbeBudget <= 0 {
		cfg.ProbeBudget = 3
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Breaker{cfg: cfg, log: log, state: Closed}
}

// Do runs fn if the breaker admits the call and feeds the outcome back into
// the failure accounting. In the open state fn is not called and [ErrOpen]
// is returned.
func (b *Breaker) Do(fn func() error) error {
	b.mu.Lock()
	switch b.state {
	case Open:
		if time.Since(b.lastFailure) < b.cfg.ResetTimeout {
			b.mu.Unlock()
			return ErrOpen
		}
		b.state = HalfOpen
		b.probes = 0
		b.probeFails = 0
		b.log.Info("circuit breaker half-open", "name", b.cfg.Name)

	case HalfOpen:
		if b.probes >= b.cfg.ProbeBudget {
			b.mu.Unlock()
			return ErrOpen
		}
	}
	probing := b.state == HalfOpen
	if probing {
		b.probes++
	}
	b.mu.Unlock()

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.onFailure(probing)
	} else {
		b.onSuccess(probing)
	}
	return err
}

// onFailure must be called with b.mu held.
func (b *Breaker) onFailure(probing bool) {
	b.lastFailure = time.Now()

	if probing {
		// A single failed probe re-opens immediately.
		b.probeFails++
		b.state = Open
		b.failures = b.cfg.MaxFailures
		b.log.Warn("circuit breaker re-opened", "name", b.cfg.Name)
		return
	}

	b.failures++
	if b.failures >= b.cfg.MaxFailures {
		b.state = Open
		b.log.Warn("circuit breaker opened",
			"name", b.cfg.Name, "consecutive_failures", b.failures)
	}
}

// onSuccess must be called with b.mu held.
func (b *Breaker) onSuccess(probing bool) {
	if probing {
		if b.probes-b.probeFails >= b.cfg.ProbeBudget {
			b.state = Closed
			b.failures = 0
			b.log.Info("circuit breaker closed", "name", b.cfg.Name)
		}
		return
	}
	b.failures = 0
}

// State reports the breaker's mode. An open breaker whose reset timeout has
// elapsed reports [HalfOpen]; the transition itself happens on the next
// [Breaker.Do].
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Open && time.Since(b.lastFailure) >= b.cfg.ResetTimeout {
		return HalfOpen
	}
	return b.state
}

// Reset forces the breaker back to [Closed].
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Closed
	b.failures = 0
	b.probes = 0
	b.probeFails = 0
}
