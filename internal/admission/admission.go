// Package admission enforces exactly-once response delivery. Each
// (participant, source message) pair may hold at most one in-flight
// processing slot and at most one recorded response; a second attempt for
// the same pair is refused at the door.
package admission

import (
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/ensemble/pkg/chat"
)

type pairKey struct {
	botID         string
	userMessageID string
}

type entry struct {
	inFlight bool
	response *chat.Message
	// touched drives TTL eviction; refreshed on every state change.
	touched time.Time
}

// Table is the in-memory admission table. Entries expire after the
// configured TTL so long-running processes do not accumulate one entry per
// message forever.
type Table struct {
	mu      sync.Mutex
	entries map[pairKey]*entry

	ttl time.Duration
	now func() time.Time
	log *slog.Logger

	stopJanitor chan struct{}
	stopOnce    sync.Once
}

// Option configures a [Table].
type Option func(*Table)

// WithTTL sets the entry lifetime. Default is 1h, comfortably longer than
// any single pipeline run.
func WithTTL(ttl time.Duration) Option {
	return func(t *Table) {
		t.ttl = ttl
	}
}

// WithClock injects the time source used for TTL bookkeeping.
func WithClock(now func() time.Time) Option {
	return func(t *Table) {
		t.now = now
	}
}

// WithLogger sets the logger. Default is slog.Default.
func WithLogger(log *slog.Logger) Option {
	return func(t *Table) {
		t.log = log
	}
}

// NewTable builds an admission table and starts its eviction janitor. Call
// [Table.Close] to stop it.
func NewTable(opts ...Option) *Table {
	t := &Table{
		entries:     make(map[pairKey]*entry),
		ttl:         time.Hour,
		now:         time.Now,
		log:         slog.Default(),
		stopJanitor: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}

	go t.janitor()
	return t
}

// TryAcquire claims the processing slot for (botID, userMessageID). It
// returns false when the slot is already held or a response for the pair
// was already recorded.
func (t *Table) TryAcquire(botID, userMessageID string) bool {
	key := pairKey{botID, userMessageID}

	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[key]
	if ok && (e.inFlight || e.response != nil) {
		t.log.Debug("admission refused", "bot", botID, "user_message", userMessageID,
			"in_flight", e.inFlight, "responded", e.response != nil)
		return false
	}
	if !ok {
		e = &entry{}
		t.entries[key] = e
	}
	e.inFlight = true
	e.touched = t.now()
	return true
}

// Release frees the processing slot without recording a response, e.g.
// after a cancelled or failed run whose error was swallowed upstream.
// Releasing a slot that is not held is a no-op.
func (t *Table) Release(botID, userMessageID string) {
	key := pairKey{botID, userMessageID}

	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[key]
	if !ok {
		return
	}
	e.inFlight = false
	e.touched = t.now()
	if e.response == nil {
		// Nothing recorded; drop the entry so a retry can acquire fresh.
		delete(t.entries, key)
	}
}

// RecordResponse stores the response for the pair and frees its slot.
// Subsequent TryAcquire calls for the same pair are refused until the entry
// expires.
func (t *Table) RecordResponse(botID, userMessageID string, msg *chat.Message) {
	key := pairKey{botID, userMessageID}

	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[key]
	if !ok {
		e = &entry{}
		t.entries[key] = e
	}
	e.inFlight = false
	e.response = msg
	e.touched = t.now()
}

// ResponseFor returns the recorded response for the pair, if any.
func (t *Table) ResponseFor(botID, userMessageID string) (*chat.Message, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[pairKey{botID, userMessageID}]
	if !ok || e.response == nil {
		return nil, false
	}
	return e.response, true
}

// Len reports the current entry count. Intended for metrics.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Close stops the eviction janitor.
func (t *Table) Close() {
	t.stopOnce.Do(func() { close(t.stopJanitor) })
}

func (t *Table) janitor() {
	interval := t.ttl / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.stopJanitor:
			return
		case <-ticker.C:
			t.evictExpired()
		}
	}
}

func (t *Table) evictExpired() {
	cutoff := t.now().Add(-t.ttl)

	t.mu.Lock()
	defer t.mu.Unlock()

	for key, e := range t.entries {
		// In-flight slots are never evicted; the run holding them will
		// release or record on completion.
		if !e.inFlight && e.touched.Before(cutoff) {
			delete(t.entries, key)
		}
	}
}
