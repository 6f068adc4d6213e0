package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/MrWong99/ensemble/internal/bot"
	"github.com/MrWong99/ensemble/pkg/chat"
)

// pendingTranscript is the in-progress voice transcription. It lives
// outside the conversation log: interim updates replace it in place, and
// only finalisation turns it into a real, immutable message.
type pendingTranscript struct {
	text string
}

// EnterVoiceMode switches the conversation to voice and registers one
// ephemeral voice clone per regular participant. Entering while already in
// voice mode is a no-op.
func (o *Orchestrator) EnterVoiceMode(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.mode == ModeVoice {
		return nil
	}

	regular := o.registry.Regular()
	var clones int
	for _, base := range regular {
		clone := bot.DeriveVoiceClone(base)
		if err := o.registry.Add(clone); err != nil {
			return fmt.Errorf("orchestrator: register voice clone for %q: %w", base.ID, err)
		}
		clones++
	}

	o.voiceCtx, o.voiceStop = context.WithCancel(o.baseCtx)
	o.mode = ModeVoice

	if o.metrics != nil {
		o.metrics.ActiveVoiceClones.Add(ctx, int64(clones))
	}
	o.log.InfoContext(ctx, "voice mode entered", "clones", clones)
	return nil
}

// ExitVoiceMode switches back to text. In-flight voice runs are cancelled
// immediately — their late results are discarded, never delivered into the
// text conversation — and the clones leave the registry after the grace
// delay. Any pending transcript is dropped.
func (o *Orchestrator) ExitVoiceMode(ctx context.Context) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.mode != ModeVoice {
		return
	}

	if o.voiceStop != nil {
		o.voiceStop()
		o.voiceStop = nil
	}
	o.mode = ModeText
	o.pending = nil

	clones := o.registry.VoiceClones()
	for _, c := range clones {
		o.registry.RemoveAfterGrace(c.ID)
	}

	if o.metrics != nil {
		o.metrics.ActiveVoiceClones.Add(ctx, -int64(len(clones)))
	}
	o.log.InfoContext(ctx, "voice mode exited", "clones_retiring", len(clones))
}

// Mode returns the current conversation mode.
func (o *Orchestrator) Mode() Mode {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.mode
}

// UpdateTranscript replaces the provisional transcript text. No message is
// created and no pipeline run starts; interim transcription updates are
// invisible to the conversation log.
func (o *Orchestrator) UpdateTranscript(text string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pending = &pendingTranscript{text: text}
}

// PendingTranscript returns the current provisional transcript, if any.
func (o *Orchestrator) PendingTranscript() (string, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.pending == nil {
		return "", false
	}
	return o.pending.text, true
}

// CancelTranscript discards the provisional transcript without triggering
// any pipeline run.
func (o *Orchestrator) CancelTranscript() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pending = nil
}

// FinalizeTranscript converts the provisional transcript into a real voice
// message and hands it to [Orchestrator.HandleUserMessage]. It is a no-op
// when no transcript is pending.
func (o *Orchestrator) FinalizeTranscript(ctx context.Context, conversationID string) (chat.Message, bool, error) {
	o.mu.Lock()
	pending := o.pending
	o.pending = nil
	o.mu.Unlock()

	if pending == nil {
		return chat.Message{}, false, nil
	}
	// Recognition noise can leave nothing but whitespace behind; that is
	// an empty transcript, not a message.
	text := strings.TrimSpace(pending.text)
	if text == "" {
		return chat.Message{}, false, nil
	}
	msg, err := o.HandleUserMessage(ctx, conversationID, text, chat.TypeVoice)
	if err != nil {
		return chat.Message{}, false, err
	}
	return msg, true, nil
}
