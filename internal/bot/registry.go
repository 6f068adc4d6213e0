package bot

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Registry holds the active participant set. Readers get point-in-time
// snapshots, so an in-flight pipeline run keeps its view of a bot even when
// the registry mutates underneath it.
type Registry struct {
	mu   sync.RWMutex
	bots map[string]Bot
	// order preserves registration order for deterministic fan-out.
	order []string

	// pendingRemovals tracks grace-delayed clone removals so a voice
	// re-entry can cancel them.
	pendingRemovals map[string]*time.Timer

	removalGrace time.Duration
	log          *slog.Logger
}

// RegistryOption configures a [Registry].
type RegistryOption func(*Registry)

// WithRemovalGrace sets the delay between a clone removal request and the
// clone actually leaving the registry. Default is 2s, enough for in-flight
// runs referencing the clone to observe the deactivation and discard.
func WithRemovalGrace(d time.Duration) RegistryOption {
	return func(r *Registry) {
		r.removalGrace = d
	}
}

// WithRegistryLogger sets the logger. Default is slog.Default.
func WithRegistryLogger(log *slog.Logger) RegistryOption {
	return func(r *Registry) {
		r.log = log
	}
}

// NewRegistry builds an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		bots:            make(map[string]Bot),
		pendingRemovals: make(map[string]*time.Timer),
		removalGrace:    2 * time.Second,
		log:             slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Add registers b. It fails when the id is already taken.
func (r *Registry) Add(b Bot) error {
	if b.ID == "" {
		return fmt.Errorf("registry: bot id must not be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.bots[b.ID]; ok {
		return fmt.Errorf("registry: bot %q already registered", b.ID)
	}

	// A pending removal for this id means a clone is being re-added during
	// its grace window; cancel the removal instead of racing it.
	if timer, ok := r.pendingRemovals[b.ID]; ok {
		timer.Stop()
		delete(r.pendingRemovals, b.ID)
	}

	r.bots[b.ID] = b
	r.order = append(r.order, b.ID)
	r.log.Debug("bot registered", "bot", b.ID, "voice_clone", b.IsVoiceClone())
	return nil
}

// Update replaces the stored configuration for b.ID. Point-in-time snapshots
// handed out earlier are unaffected.
func (r *Registry) Update(b Bot) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.bots[b.ID]; !ok {
		return fmt.Errorf("registry: bot %q not registered", b.ID)
	}
	r.bots[b.ID] = b
	return nil
}

// Get returns a snapshot of the bot with the given id.
func (r *Registry) Get(id string) (Bot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.bots[id]
	return b, ok
}

// All returns a snapshot of every registered bot in registration order.
func (r *Registry) All() []Bot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Bot, 0, len(r.bots))
	for _, id := range r.order {
		if b, ok := r.bots[id]; ok {
			out = append(out, b)
		}
	}
	return out
}

// Remove unregisters the bot immediately, cancelling any pending
// grace-delayed removal.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if timer, ok := r.pendingRemovals[id]; ok {
		timer.Stop()
		delete(r.pendingRemovals, id)
	}
	r.removeLocked(id)
}

// RemoveAfterGrace schedules removal of the bot after the configured grace
// delay. An Add of the same id during the window cancels the removal.
func (r *Registry) RemoveAfterGrace(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.bots[id]; !ok {
		return
	}
	if _, ok := r.pendingRemovals[id]; ok {
		return
	}

	r.pendingRemovals[id] = time.AfterFunc(r.removalGrace, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if _, ok := r.pendingRemovals[id]; !ok {
			return // cancelled by a re-add
		}
		delete(r.pendingRemovals, id)
		r.removeLocked(id)
	})
}

// VoiceClones returns a snapshot of all registered voice-derived bots.
func (r *Registry) VoiceClones() []Bot {
	var out []Bot
	for _, b := range r.All() {
		if b.IsVoiceClone() {
			out = append(out, b)
		}
	}
	return out
}

// Regular returns a snapshot of all non-clone bots.
func (r *Registry) Regular() []Bot {
	var out []Bot
	for _, b := range r.All() {
		if !b.IsVoiceClone() {
			out = append(out, b)
		}
	}
	return out
}

func (r *Registry) removeLocked(id string) {
	if _, ok := r.bots[id]; !ok {
		return
	}
	delete(r.bots, id)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.log.Debug("bot removed", "bot", id)
}
