// Package orchestrator is the entry point of the message core: it accepts
// one user message, routes it to the eligible participants, fans out one
// pipeline run per participant, and emits each finished response through a
// callback as soon as it is ready. There is no barrier: responses arrive in
// completion order.
//
// The orchestrator also owns the conversation's voice-mode lifecycle
// (ephemeral voice-clone participants, in-flight run cancellation on exit,
// the pending-transcript slot) and the spacing limiter that keeps
// consecutive voice responses from overlapping.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/MrWong99/ensemble/internal/admission"
	"github.com/MrWong99/ensemble/internal/bot"
	"github.com/MrWong99/ensemble/internal/observe"
	"github.com/MrWong99/ensemble/internal/pipeline"
	"github.com/MrWong99/ensemble/pkg/chat"
	"github.com/MrWong99/ensemble/pkg/memory"
)

// defaultVoiceCooldown is the minimum spacing between consecutive
// voice-type responses.
const defaultVoiceCooldown = 800 * time.Millisecond

// Callback receives each finalised assistant message. It is invoked from
// the run's own goroutine; implementations must be safe for concurrent use
// and should return quickly.
type Callback func(conversationID string, msg chat.Message)

// Orchestrator fans user messages out to pipeline runs. Construct with
// [New].
type Orchestrator struct {
	registry  *bot.Registry
	admission *admission.Table
	pipe      *pipeline.Pipeline
	store     memory.ConversationStore
	callback  Callback

	metrics *observe.Metrics
	log     *slog.Logger

	// voiceLimiter enforces the cooldown between voice responses across
	// all participants.
	voiceLimiter *rate.Limiter

	mu         sync.Mutex
	mode       Mode
	voiceCtx   context.Context
	voiceStop  context.CancelFunc
	pending    *pendingTranscript
	baseCtx    context.Context
	baseCancel context.CancelFunc

	wg sync.WaitGroup
}

// Option is a functional option for configuring an Orchestrator.
type Option func(*Orchestrator)

// WithVoiceCooldown overrides the minimum spacing between voice responses.
func WithVoiceCooldown(d time.Duration) Option {
	return func(o *Orchestrator) {
		o.voiceLimiter = rate.NewLimiter(rate.Every(d), 1)
	}
}

// WithMetrics wires metric recording.
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithLogger sets the logger. Default is slog.Default.
func WithLogger(log *slog.Logger) Option {
	return func(o *Orchestrator) { o.log = log }
}

// New constructs an Orchestrator. The callback must be non-nil; it is the
// only way results leave the orchestrator.
func New(registry *bot.Registry, table *admission.Table, pipe *pipeline.Pipeline, store memory.ConversationStore, cb Callback, opts ...Option) *Orchestrator {
	baseCtx, baseCancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		registry:     registry,
		admission:    table,
		pipe:         pipe,
		store:        store,
		callback:     cb,
		log:          slog.Default(),
		voiceLimiter: rate.NewLimiter(rate.Every(defaultVoiceCooldown), 1),
		mode:         ModeText,
		baseCtx:      baseCtx,
		baseCancel:   baseCancel,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// HandleUserMessage creates the immutable user message, makes it visible in
// the conversation log, and starts one pipeline run per eligible
// participant. It returns the created user message; responses are delivered
// asynchronously through the callback.
func (o *Orchestrator) HandleUserMessage(ctx context.Context, conversationID, content string, typ chat.MessageType) (chat.Message, error) {
	source := chat.NewUserMessage(content, typ)
	if err := o.store.Append(ctx, conversationID, source); err != nil {
		return chat.Message{}, err
	}

	o.mu.Lock()
	mode := o.mode
	runCtx := o.baseCtx
	if typ == chat.TypeVoice && mode == ModeVoice {
		runCtx = o.voiceCtx
	}
	o.mu.Unlock()

	eligible := SelectParticipants(typ, mode, o.registry.All())
	o.log.InfoContext(ctx, "user message accepted",
		"conversation", conversationID, "message", source.ID,
		"type", string(typ), "mode", mode.String(), "eligible", len(eligible))

	for _, b := range eligible {
		o.wg.Add(1)
		go func(b bot.Bot) {
			defer o.wg.Done()
			o.runOne(runCtx, conversationID, b, source)
		}(b)
	}
	return source, nil
}

// runOne drives one (participant, source message) pipeline run end to end.
// A failure here must never affect sibling runs, so everything is handled
// locally.
func (o *Orchestrator) runOne(ctx context.Context, conversationID string, b bot.Bot, source chat.Message) {
	if !o.admit(ctx, conversationID, b, source) {
		return
	}

	// The slot is released on every exit path; only a recorded response
	// keeps the pair claimed.
	recorded := false
	defer func() {
		if !recorded {
			o.admission.Release(b.ID, source.ID)
		}
	}()

	msg, err := o.pipe.Execute(ctx, b, source, conversationID)
	switch {
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		o.log.InfoContext(ctx, "run discarded after cancellation",
			"bot", b.ID, "message", source.ID)
		return
	case err != nil:
		o.log.ErrorContext(ctx, "run failed",
			"bot", b.ID, "message", source.ID, "error", err)
		return
	case msg == nil:
		// Suppressed (near-duplicate input): no callback, not an error.
		return
	}

	if msg.Type == chat.TypeVoice {
		if !o.waitVoiceCooldown(ctx) {
			o.log.InfoContext(ctx, "voice response discarded during cooldown wait",
				"bot", b.ID, "message", source.ID)
			return
		}
	}

	o.admission.RecordResponse(b.ID, source.ID, msg)
	recorded = true
	o.callback(conversationID, *msg)
}

// admit performs duplicate suppression: the in-process admission table
// first, then the durable log (covers restarts). Refusal is silent.
func (o *Orchestrator) admit(ctx context.Context, conversationID string, b bot.Bot, source chat.Message) bool {
	if !o.admission.TryAcquire(b.ID, source.ID) {
		o.log.DebugContext(ctx, "duplicate run suppressed",
			"bot", b.ID, "message", source.ID)
		return false
	}
	exists, err := o.store.ResponseExists(ctx, conversationID, source.ID, b.ID)
	if err != nil {
		o.log.WarnContext(ctx, "response lookup failed, proceeding",
			"bot", b.ID, "message", source.ID, "error", err)
		return true
	}
	if exists {
		o.admission.Release(b.ID, source.ID)
		o.log.DebugContext(ctx, "response already stored, run suppressed",
			"bot", b.ID, "message", source.ID)
		return false
	}
	return true
}

// waitVoiceCooldown blocks until the voice spacing limiter admits the
// response. Returns false when ctx was cancelled while waiting.
func (o *Orchestrator) waitVoiceCooldown(ctx context.Context) bool {
	start := time.Now()
	if err := o.voiceLimiter.Wait(ctx); err != nil {
		return false
	}
	if o.metrics != nil {
		o.metrics.VoiceCooldownWait.Record(ctx, time.Since(start).Seconds())
	}
	return true
}

// Wait blocks until all in-flight runs have finished. Primarily for tests
// and graceful shutdown.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Close cancels all in-flight runs and waits for them to drain.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if o.voiceStop != nil {
		o.voiceStop()
	}
	o.baseCancel()
	o.mu.Unlock()
	o.wg.Wait()
}
