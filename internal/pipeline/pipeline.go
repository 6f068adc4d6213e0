// Package pipeline implements the staged message-processing core: a user
// message enters, passes through dedupe → pre-process → generate →
// resolve-tools → execute-tools → post-process, optionally loops back a
// bounded number of times, and leaves as exactly one immutable assistant
// message.
//
// Stage failures degrade rather than abort: a broken hook keeps the
// unmodified content, a broken tool follow-up falls back to raw tool
// outputs, and only an unsalvageable generation failure is converted into a
// user-visible apology. Each run is driven by a single goroutine; the
// pipeline itself is stateless between runs and safe for concurrent use.
package pipeline

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/MrWong99/ensemble/internal/bot"
	"github.com/MrWong99/ensemble/internal/observe"
	"github.com/MrWong99/ensemble/internal/tools"
	"github.com/MrWong99/ensemble/pkg/chat"
	"github.com/MrWong99/ensemble/pkg/memory"
	"github.com/MrWong99/ensemble/pkg/provider/embeddings"
	"github.com/MrWong99/ensemble/pkg/provider/llm"
)

// Settings is the global pipeline configuration shared by every run.
type Settings struct {
	// EnablePreProcessing / EnablePostProcessing gate the respective hook
	// stages for all participants.
	EnablePreProcessing  bool
	EnablePostProcessing bool

	// MaxReprocessingDepth bounds the recursion chain. One slot is always
	// reserved so the final iteration cannot itself recurse.
	MaxReprocessingDepth int

	// KeepVoicePreHooks / KeepVoicePostHooks retain the hook stages for
	// voice-derived participants, which otherwise skip them.
	KeepVoicePreHooks  bool
	KeepVoicePostHooks bool

	// ReprocessThreshold is the relative content-length change above which
	// a post-processed response is considered substantially rewritten and
	// re-enters the pipeline. A crude heuristic, kept tunable on purpose.
	ReprocessThreshold float64

	// DedupeSimilarity enables near-duplicate suppression when > 0: a
	// source message at least this similar to the previous user turn is
	// silently dropped. Zero disables the check.
	DedupeSimilarity float64

	// GenerationTimeout bounds each completion call made by the generate
	// and tool follow-up steps.
	GenerationTimeout time.Duration

	// HookTimeout bounds pre- and post-processing completion calls.
	HookTimeout time.Duration

	// ToolCallTimeout bounds each individual tool execution.
	ToolCallTimeout time.Duration

	// HistoryLimit is the number of recent messages included in the
	// completion context.
	HistoryLimit int

	// RecallTopK is the number of semantically recalled turns requested
	// from the recall layer.
	RecallTopK int
}

// DefaultSettings returns the production defaults.
func DefaultSettings() Settings {
	return Settings{
		EnablePreProcessing:  true,
		EnablePostProcessing: true,
		MaxReprocessingDepth: 3,
		ReprocessThreshold:   0.20,
		GenerationTimeout:    30 * time.Second,
		HookTimeout:          15 * time.Second,
		ToolCallTimeout:      10 * time.Second,
		HistoryLimit:         40,
		RecallTopK:           5,
	}
}

// stageEntry binds a stage to its handler after middleware wrapping.
type stageEntry struct {
	stage   Stage
	handler Handler
}

// Pipeline executes staged runs. Construct with [New]; the zero value is
// not usable.
type Pipeline struct {
	provider llm.Provider
	exec     tools.Executor
	store    memory.ConversationStore
	recall   memory.Recall
	embedder embeddings.Provider
	settings Settings
	metrics  *observe.Metrics
	log      *slog.Logger

	middleware []Middleware

	// table is built once at construction: stage order, handlers, and the
	// middleware chain are fixed for the pipeline's lifetime.
	table []stageEntry
}

// Option is a functional option for configuring a Pipeline.
type Option func(*Pipeline)

// WithToolExecutor wires a tool executor. Without one, tool calling is
// disabled for every participant.
func WithToolExecutor(exec tools.Executor) Option {
	return func(p *Pipeline) { p.exec = exec }
}

// WithRecall wires the semantic recall layer and the embedding provider it
// needs for query vectors. Both must be non-nil for recall to activate.
func WithRecall(recall memory.Recall, embedder embeddings.Provider) Option {
	return func(p *Pipeline) {
		p.recall = recall
		p.embedder = embedder
	}
}

// WithMetrics wires metric recording. Without it, no metrics are emitted.
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithLogger sets the logger. Default is slog.Default.
func WithLogger(log *slog.Logger) Option {
	return func(p *Pipeline) { p.log = log }
}

// WithMiddleware appends middlewares applied to every stage, outermost
// first.
func WithMiddleware(mws ...Middleware) Option {
	return func(p *Pipeline) { p.middleware = append(p.middleware, mws...) }
}

// New constructs a Pipeline over the given provider and conversation store.
func New(provider llm.Provider, store memory.ConversationStore, settings Settings, opts ...Option) *Pipeline {
	p := &Pipeline{
		provider: provider,
		store:    store,
		settings: settings,
		log:      slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}

	handlers := [numStages]Handler{
		StageDedupe:       p.stageDedupe,
		StagePreprocess:   p.stagePreprocess,
		StageGenerate:     p.stageGenerate,
		StageResolveTools: p.stageResolveTools,
		StageExecuteTools: p.stageExecuteTools,
		StagePostprocess:  p.stagePostprocess,
	}
	p.table = make([]stageEntry, 0, numStages)
	for s := Stage(0); s < numStages; s++ {
		p.table = append(p.table, stageEntry{
			stage:   s,
			handler: chain(s, handlers[s], p.middleware),
		})
	}
	return p
}

// Execute runs the full pipeline, recursion included, for one (participant,
// source message) pair and returns the final assistant message.
//
// A nil message with a nil error means the run was silently suppressed
// (near-duplicate input); the caller must not emit anything. The returned
// error is reserved for infrastructure failures (persisting the result);
// stage-level failures never surface here.
func (p *Pipeline) Execute(ctx context.Context, b bot.Bot, source chat.Message, conversationID string) (*chat.Message, error) {
	start := time.Now()
	if p.metrics != nil {
		p.metrics.ActiveRuns.Add(ctx, 1)
		defer p.metrics.ActiveRuns.Add(ctx, -1)
	}

	var r *Run
	for depth := 0; ; depth++ {
		r = newRun(conversationID, b, source, depth)
		p.runStages(ctx, r)

		// A cancelled run delivers nothing: the conversation has moved on
		// (voice mode exit, shutdown) and a late apology would be worse
		// than silence.
		if err := ctx.Err(); err != nil {
			if p.metrics != nil {
				p.metrics.RecordRun(ctx, b.ID, "cancelled", time.Since(start))
			}
			return nil, err
		}

		if r.Suppressed {
			if p.metrics != nil {
				p.metrics.RecordRun(ctx, b.ID, "suppressed", time.Since(start))
			}
			p.log.InfoContext(ctx, "run suppressed", "bot", b.ID, "message", source.ID)
			return nil, nil
		}

		if !p.needsReprocessing(r) {
			break
		}
		if p.metrics != nil {
			p.metrics.RecordReprocessing(ctx, b.ID)
		}
		p.log.DebugContext(ctx, "reprocessing response",
			"bot", b.ID, "message", source.ID, "next_depth", depth+1)
	}

	msg := p.finalize(r)
	outcome := "finalized"
	if r.Degraded {
		outcome = "apology"
	}
	if p.metrics != nil {
		p.metrics.RecordRun(ctx, b.ID, outcome, time.Since(start))
	}

	if err := p.store.Append(ctx, conversationID, msg); err != nil {
		return nil, err
	}
	p.indexMessage(ctx, conversationID, msg)

	return &msg, nil
}

// runStages drives one iteration through the stage table.
func (p *Pipeline) runStages(ctx context.Context, r *Run) {
	for _, entry := range p.table {
		stageStart := time.Now()
		err := entry.handler(ctx, r)
		elapsed := time.Since(stageStart)
		r.Timings[entry.stage.String()] = elapsed

		if p.metrics != nil {
			p.metrics.RecordStage(ctx, entry.stage.String(), elapsed, err != nil)
		}
		if err != nil {
			r.LastErr = newStageError(entry.stage, err)
			p.log.WarnContext(ctx, "stage degraded",
				"bot", r.Bot.ID, "stage", entry.stage.String(), "error", err)
		}
		if r.SkipRemaining {
			return
		}
	}
}

// needsReprocessing implements the recursion policy: the participant opts
// in, the depth ceiling keeps one slot in reserve, and post-processing
// changed the content length by more than the configured threshold.
func (p *Pipeline) needsReprocessing(r *Run) bool {
	if r.Degraded || !r.Bot.EnableReprocessing {
		return false
	}
	if r.Depth >= p.settings.MaxReprocessingDepth-1 {
		return false
	}
	if !r.PostChanged {
		return false
	}
	return relativeChange(r.PostInput, r.Content) > p.settings.ReprocessThreshold
}

// relativeChange returns the relative character-length difference between
// before and after.
func relativeChange(before, after string) float64 {
	if len(before) == 0 {
		return 1
	}
	return math.Abs(float64(len(after))-float64(len(before))) / float64(len(before))
}

// finalize converts the terminal run into the delivered assistant message.
// A degraded run becomes a mode-appropriate apology instead of raw error
// text.
func (p *Pipeline) finalize(r *Run) chat.Message {
	content := r.Content
	if r.Degraded || content == "" {
		r.Degraded = true
		content = apologyText(r.Source.Type)
	}
	return chat.NewBotMessage(r.Bot.ID, content, r.Source.Type, r.record())
}

// indexMessage stores the embedding for a delivered message, best effort.
func (p *Pipeline) indexMessage(ctx context.Context, conversationID string, msg chat.Message) {
	if p.recall == nil || p.embedder == nil {
		return
	}
	vec, err := p.embedder.Embed(ctx, msg.Content)
	if err == nil {
		err = p.recall.IndexMessage(ctx, conversationID, msg.ID, vec)
	}
	if err != nil {
		p.log.WarnContext(ctx, "message indexing failed", "message", msg.ID, "error", err)
	}
}

// apologyText returns the user-facing failure message. Voice wording points
// at the text-mode fallback; raw error text is never delivered.
func apologyText(typ chat.MessageType) string {
	if typ == chat.TypeVoice {
		return "Sorry, I can't respond by voice right now. Try switching to text mode."
	}
	return "Sorry, something went wrong while composing a reply. Please try again."
}
