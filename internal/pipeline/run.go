package pipeline

import (
	"time"

	"github.com/MrWong99/ensemble/internal/bot"
	"github.com/MrWong99/ensemble/pkg/chat"
	"github.com/MrWong99/ensemble/pkg/provider/llm"
)

// Run is the mutable state of a single pipeline iteration, handed from stage
// to stage. It is owned exclusively by one goroutine; stages never share a
// Run across iterations or participants.
type Run struct {
	// ConversationID identifies the conversation this run belongs to.
	ConversationID string

	// Bot is a point-in-time snapshot of the responding participant.
	Bot bot.Bot

	// Source is the immutable user message that triggered the run.
	Source chat.Message

	// Content is the working text. It starts as the source content and is
	// rewritten by pre-processing, generation, tool follow-up, and
	// post-processing in turn.
	Content string

	// Depth is the current reprocessing depth, zero on the initial pass.
	Depth int

	// History is the completion-ready conversation history assembled by the
	// generation stage; the tool-execution stage extends it with tool turns.
	History []llm.Message

	// ToolCalls holds the tool invocations requested by generation, after
	// normalisation by the resolve stage.
	ToolCalls []llm.ToolCall

	// ToolResults accumulates executed tool outcomes for the final record.
	ToolResults []chat.ToolResult

	// PreOutput is the pre-processing stage's output when it rewrote the
	// content; PostInput is the text post-processing received, kept for the
	// recursion check's before/after comparison.
	PreOutput string
	PostInput string

	// PreChanged / PostChanged report whether the respective hook rewrote
	// the content.
	PreChanged  bool
	PostChanged bool

	// SkipRemaining stops stage iteration after the current stage.
	SkipRemaining bool

	// Suppressed marks the run as silently abandoned: no message is
	// produced and no callback fires.
	Suppressed bool

	// Degraded marks a generation failure with no salvageable content; the
	// finaliser turns it into an apology message.
	Degraded bool

	// Timings records wall-clock duration per executed stage.
	Timings map[string]time.Duration

	// LastErr is the most recent stage error, kept for the record.
	LastErr error
}

// newRun builds the state for one pipeline iteration.
func newRun(conversationID string, b bot.Bot, source chat.Message, depth int) *Run {
	return &Run{
		ConversationID: conversationID,
		Bot:            b,
		Source:         source,
		Content:        source.Content,
		Depth:          depth,
		Timings:        make(map[string]time.Duration),
	}
}

// record finalises the run into an immutable processing record.
func (r *Run) record() *chat.ProcessingRecord {
	rec := &chat.ProcessingRecord{
		OriginalContent:   r.Source.Content,
		PreProcessed:      r.PreChanged,
		PostProcessed:     r.PostChanged,
		ReprocessingDepth: r.Depth,
		StageTimings:      r.Timings,
		IsVoiceClone:      r.Bot.IsVoiceClone(),
		UserMessageID:     r.Source.ID,
		ToolResults:       r.ToolResults,
	}
	if r.PreChanged {
		rec.PreprocessedContent = r.PreOutput
	}
	if r.PostChanged {
		rec.PostprocessedContent = r.Content
	}
	if r.LastErr != nil {
		rec.Error = r.LastErr.Error()
	}
	return rec
}
