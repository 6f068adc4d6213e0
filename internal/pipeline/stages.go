package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/antzucaro/matchr"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/ensemble/pkg/chat"
	"github.com/MrWong99/ensemble/pkg/memory"
	"github.com/MrWong99/ensemble/pkg/provider/llm"
)

// ─── Stage: dedupe ────────────────────────────────────────────────────────────

// stageDedupe suppresses a run whose source content is a near-repeat of the
// previous user turn. Disabled (pure pass-through) unless a similarity
// threshold is configured.
func (p *Pipeline) stageDedupe(ctx context.Context, r *Run) error {
	if p.settings.DedupeSimilarity <= 0 {
		return nil
	}

	history, err := p.store.Recent(ctx, r.ConversationID, p.settings.HistoryLimit)
	if err != nil {
		// History being unavailable is no reason to drop a message.
		return nil
	}

	prev, ok := previousUserTurn(history, r.Source.ID)
	if !ok {
		return nil
	}

	if similarity(r.Source.Content, prev.Content) >= p.settings.DedupeSimilarity {
		r.Suppressed = true
		r.SkipRemaining = true
	}
	return nil
}

// previousUserTurn returns the most recent user message other than the one
// with the given id.
func previousUserTurn(history []chat.Message, excludeID string) (chat.Message, bool) {
	for i := len(history) - 1; i >= 0; i-- {
		m := history[i]
		if m.Role == chat.RoleUser && m.ID != excludeID {
			return m, true
		}
	}
	return chat.Message{}, false
}

// similarity returns a [0,1] score based on optimal string alignment
// distance: 1 means identical, 0 means entirely different.
func similarity(a, b string) float64 {
	a, b = strings.TrimSpace(strings.ToLower(a)), strings.TrimSpace(strings.ToLower(b))
	if a == b {
		return 1
	}
	longest := max(len(a), len(b))
	if longest == 0 {
		return 1
	}
	dist := matchr.OSA(a, b)
	return 1 - float64(dist)/float64(longest)
}

// ─── Stage: preprocess ────────────────────────────────────────────────────────

// stagePreprocess rewrites the working content through the bot's
// pre-processing instruction. Voice clones skip it unless pre-processing
// hooks are explicitly retained for voice.
func (p *Pipeline) stagePreprocess(ctx context.Context, r *Run) error {
	if !p.settings.EnablePreProcessing || r.Bot.PreProcessingPrompt == "" {
		return nil
	}
	if r.Bot.IsVoiceClone() && !p.settings.KeepVoicePreHooks {
		return nil
	}

	out, err := p.runHook(ctx, r, r.Bot.PreProcessingPrompt, r.Content)
	if err != nil {
		return err // degrade: content stays as-is
	}
	if out != "" && out != r.Content {
		r.PreChanged = true
		r.PreOutput = out
		r.Content = out
	}
	return nil
}

// ─── Stage: generate ──────────────────────────────────────────────────────────

// stageGenerate assembles the completion history and calls the provider.
// When the model answers with tool calls the stage defers content production
// to the tool-execution stage.
func (p *Pipeline) stageGenerate(ctx context.Context, r *Run) error {
	history, err := p.assembleHistory(ctx, r)
	if err != nil {
		// History assembly failing still leaves a single-turn conversation.
		p.log.WarnContext(ctx, "history assembly failed, generating without context",
			"bot", r.Bot.ID, "error", err)
		history = nil
	}
	r.History = append(history, llm.Message{Role: "user", Content: r.Content})

	req := llm.CompletionRequest{
		Messages:     r.History,
		Model:        r.Bot.Model,
		Temperature:  r.Bot.Temperature,
		MaxTokens:    r.Bot.MaxTokens,
		SystemPrompt: r.Bot.Persona,
	}
	if p.toolsEligible(r) {
		req.Tools = p.exec.Definitions(r.Bot.Tools)
	}

	genCtx, cancel := context.WithTimeout(ctx, p.settings.GenerationTimeout)
	defer cancel()

	resp, err := p.provider.Complete(genCtx, req)
	if err != nil {
		// Nothing salvageable: mark the run for an apology message.
		r.Degraded = true
		r.SkipRemaining = true
		return err
	}

	if len(resp.ToolCalls) > 0 {
		r.ToolCalls = resp.ToolCalls
		r.History = append(r.History, llm.Message{Role: "assistant", Content: resp.Content, ToolCalls: resp.ToolCalls})
		return nil
	}

	r.Content = resp.Content
	return nil
}

// assembleHistory fetches recent turns and, when a recall layer is wired,
// semantically relevant older turns, concurrently. Recalled content is
// prepended as context so the model sees it before the live exchange.
func (p *Pipeline) assembleHistory(ctx context.Context, r *Run) ([]llm.Message, error) {
	var (
		recent   []chat.Message
		recalled []memory.RecallResult
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		recent, err = p.store.Recent(gctx, r.ConversationID, p.settings.HistoryLimit)
		if err != nil {
			return fmt.Errorf("recent history: %w", err)
		}
		return nil
	})
	if p.recall != nil && p.embedder != nil {
		g.Go(func() error {
			vec, err := p.embedder.Embed(gctx, r.Source.Content)
			if err != nil {
				return fmt.Errorf("query embedding: %w", err)
			}
			recalled, err = p.recall.Search(gctx, r.ConversationID, vec, p.settings.RecallTopK)
			if err != nil {
				return fmt.Errorf("recall search: %w", err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var msgs []llm.Message
	if ctxBlock := recallBlock(recalled, recent); ctxBlock != "" {
		msgs = append(msgs, llm.Message{Role: "system", Content: ctxBlock})
	}
	for _, m := range recent {
		// The source message is appended separately with the (possibly
		// pre-processed) working content, so skip its stored copy.
		if m.ID == r.Source.ID {
			continue
		}
		role := "user"
		if m.Role == chat.RoleAssistant {
			role = "assistant"
		}
		msgs = append(msgs, llm.Message{Role: role, Content: m.Content, Name: m.Sender})
	}
	return msgs, nil
}

// recallBlock formats recalled turns that are not already part of the recent
// window into a context block for the model.
func recallBlock(recalled []memory.RecallResult, recent []chat.Message) string {
	if len(recalled) == 0 {
		return ""
	}
	inWindow := make(map[string]struct{}, len(recent))
	for _, m := range recent {
		inWindow[m.ID] = struct{}{}
	}

	var sb strings.Builder
	for _, rr := range recalled {
		if _, ok := inWindow[rr.Message.ID]; ok {
			continue
		}
		if sb.Len() == 0 {
			sb.WriteString("Relevant earlier conversation:\n")
		}
		fmt.Fprintf(&sb, "- %s: %s\n", rr.Message.Sender, rr.Message.Content)
	}
	if sb.Len() == 0 {
		return ""
	}
	return sb.String()
}

// ─── Stage: resolve tools ─────────────────────────────────────────────────────

// stageResolveTools normalises the model's tool-call requests: calls without
// a name are dropped, and argument strings that are not valid JSON are
// replaced with an empty object so a sloppy model cannot crash execution.
func (p *Pipeline) stageResolveTools(_ context.Context, r *Run) error {
	if len(r.ToolCalls) == 0 {
		return nil
	}

	resolved := make([]llm.ToolCall, 0, len(r.ToolCalls))
	var dropped int
	for _, tc := range r.ToolCalls {
		if tc.Name == "" {
			dropped++
			continue
		}
		if tc.Arguments == "" || !json.Valid([]byte(tc.Arguments)) {
			tc.Arguments = "{}"
		}
		resolved = append(resolved, tc)
	}
	r.ToolCalls = resolved

	if dropped > 0 {
		return fmt.Errorf("dropped %d malformed tool call(s)", dropped)
	}
	return nil
}

// ─── Stage: execute tools ─────────────────────────────────────────────────────

// stageExecuteTools runs each resolved tool call, feeds the results back to
// the model, and replaces the working content with the follow-up answer.
// Voice messages never execute tools.
func (p *Pipeline) stageExecuteTools(ctx context.Context, r *Run) error {
	if len(r.ToolCalls) == 0 || !p.toolsEligible(r) {
		return nil
	}

	for _, tc := range r.ToolCalls {
		result := p.executeOne(ctx, tc)
		r.ToolResults = append(r.ToolResults, result)
		r.History = append(r.History, llm.Message{
			Role:       "tool",
			Content:    result.Output,
			ToolCallID: tc.ID,
		})
	}

	req := llm.CompletionRequest{
		Messages:     r.History,
		Model:        r.Bot.Model,
		Temperature:  r.Bot.Temperature,
		MaxTokens:    r.Bot.MaxTokens,
		SystemPrompt: r.Bot.Persona,
	}

	followCtx, cancel := context.WithTimeout(ctx, p.settings.GenerationTimeout)
	defer cancel()

	resp, err := p.provider.Complete(followCtx, req)
	if err != nil {
		// Degrade to the raw tool outputs instead of losing the run.
		r.Content = rawToolOutputs(r.ToolResults)
		return fmt.Errorf("follow-up completion: %w", err)
	}
	r.Content = resp.Content
	return nil
}

// executeOne runs a single tool call with the per-call timeout. Failures are
// converted into error-shaped results so one bad tool never aborts the run.
func (p *Pipeline) executeOne(ctx context.Context, tc llm.ToolCall) chat.ToolResult {
	callCtx, cancel := context.WithTimeout(ctx, p.settings.ToolCallTimeout)
	defer cancel()

	start := time.Now()
	res, err := p.exec.Execute(callCtx, tc.Name, tc.Arguments)
	elapsed := time.Since(start)

	status := "ok"
	out := ""
	switch {
	case err != nil:
		status = "error"
		out = fmt.Sprintf("tool %s failed: %v", tc.Name, err)
	case res.IsError:
		status = "error"
		out = res.Output
		elapsed = res.ExecutionTime
	default:
		out = res.Output
		elapsed = res.ExecutionTime
	}

	if p.metrics != nil {
		p.metrics.RecordToolCall(ctx, tc.Name, status, elapsed)
	}
	return chat.ToolResult{
		ToolName:      tc.Name,
		Input:         tc.Arguments,
		Output:        out,
		ExecutionTime: elapsed,
	}
}

// rawToolOutputs concatenates tool outputs for the follow-up fallback.
func rawToolOutputs(results []chat.ToolResult) string {
	parts := make([]string, 0, len(results))
	for _, tr := range results {
		parts = append(parts, fmt.Sprintf("%s: %s", tr.ToolName, tr.Output))
	}
	return strings.Join(parts, "\n")
}

// ─── Stage: postprocess ───────────────────────────────────────────────────────

// stagePostprocess rewrites the generated response through the bot's
// post-processing instruction, under the same voice-clone opt-out rule as
// pre-processing.
func (p *Pipeline) stagePostprocess(ctx context.Context, r *Run) error {
	r.PostInput = r.Content

	if !p.settings.EnablePostProcessing || r.Bot.PostProcessingPrompt == "" {
		return nil
	}
	if r.Bot.IsVoiceClone() && !p.settings.KeepVoicePostHooks {
		return nil
	}

	out, err := p.runHook(ctx, r, r.Bot.PostProcessingPrompt, r.Content)
	if err != nil {
		return err // degrade: deliver the unprocessed response
	}
	if out != "" && out != r.Content {
		r.PostChanged = true
		r.Content = out
	}
	return nil
}

// runHook sends (instruction, content) to the provider with the hook
// timeout, returning the rewritten content.
func (p *Pipeline) runHook(ctx context.Context, r *Run, instruction, content string) (string, error) {
	hookCtx, cancel := context.WithTimeout(ctx, p.settings.HookTimeout)
	defer cancel()

	resp, err := p.provider.Complete(hookCtx, llm.CompletionRequest{
		SystemPrompt: instruction,
		Messages:     []llm.Message{{Role: "user", Content: content}},
		Model:        r.Bot.Model,
		Temperature:  r.Bot.Temperature,
		MaxTokens:    r.Bot.MaxTokens,
	})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// toolsEligible reports whether this run may offer and execute tools.
func (p *Pipeline) toolsEligible(r *Run) bool {
	return p.exec != nil && r.Bot.UseTools && r.Source.Type != chat.TypeVoice
}
