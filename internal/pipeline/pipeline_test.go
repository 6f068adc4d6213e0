package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/ensemble/internal/bot"
	"github.com/MrWong99/ensemble/internal/tools"
	toolsmock "github.com/MrWong99/ensemble/internal/tools/mock"
	"github.com/MrWong99/ensemble/pkg/chat"
	"github.com/MrWong99/ensemble/pkg/memory/memstore"
	embmock "github.com/MrWong99/ensemble/pkg/provider/embeddings/mock"
	"github.com/MrWong99/ensemble/pkg/provider/llm"
	llmmock "github.com/MrWong99/ensemble/pkg/provider/llm/mock"
)

const testConversation = "conv-1"

func testSettings() Settings {
	s := DefaultSettings()
	s.GenerationTimeout = 2 * time.Second
	s.HookTimeout = 2 * time.Second
	s.ToolCallTimeout = 2 * time.Second
	return s
}

// seedSource appends the triggering user message the way the orchestrator
// does before fanning out runs.
func seedSource(t *testing.T, store *memstore.Store, content string, typ chat.MessageType) chat.Message {
	t.Helper()
	msg := chat.NewUserMessage(content, typ)
	if err := store.Append(context.Background(), testConversation, msg); err != nil {
		t.Fatalf("seed source: %v", err)
	}
	return msg
}

func TestExecute_PlainTextRun(t *testing.T) {
	t.Parallel()

	provider := &llmmock.Provider{
		Response: &llm.CompletionResponse{Content: "4"},
	}
	store := memstore.New()
	p := New(provider, store, testSettings())

	b := bot.Bot{ID: "mathbot", Name: "Math", Persona: "You are terse.", Model: "gpt-4o"}
	source := seedSource(t, store, "What's 2+2?", chat.TypeText)

	msg, err := p.Execute(context.Background(), b, source, testConversation)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if msg == nil {
		t.Fatal("Execute returned nil message")
	}

	if msg.Role != chat.RoleAssistant {
		t.Errorf("Role = %q, want assistant", msg.Role)
	}
	if msg.Sender != "mathbot" {
		t.Errorf("Sender = %q, want mathbot", msg.Sender)
	}
	if msg.Type != chat.TypeText {
		t.Errorf("Type = %q, want text", msg.Type)
	}
	if msg.Content != "4" {
		t.Errorf("Content = %q, want %q", msg.Content, "4")
	}

	rec := msg.Record
	if rec == nil {
		t.Fatal("Record is nil")
	}
	if rec.PreProcessed || rec.PostProcessed {
		t.Errorf("PreProcessed/PostProcessed = %v/%v, want false/false",
			rec.PreProcessed, rec.PostProcessed)
	}
	if rec.UserMessageID != source.ID {
		t.Errorf("UserMessageID = %q, want %q", rec.UserMessageID, source.ID)
	}
	if rec.ReprocessingDepth != 0 {
		t.Errorf("ReprocessingDepth = %d, want 0", rec.ReprocessingDepth)
	}
	if _, ok := rec.StageTimings[StageGenerate.String()]; !ok {
		t.Error("StageTimings missing generate entry")
	}

	// The response must be appended to the conversation log.
	history, err := store.Recent(context.Background(), testConversation, 0)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("log length = %d, want 2", len(history))
	}
	if history[1].ID != msg.ID {
		t.Error("delivered message not appended to the log")
	}

	// Only the generation call hit the provider.
	if got := provider.CallCount(); got != 1 {
		t.Errorf("provider calls = %d, want 1", got)
	}
	if sys := provider.LastCall().Req.SystemPrompt; sys != "You are terse." {
		t.Errorf("system prompt = %q, want persona", sys)
	}
}

func TestExecute_PrePostHooks(t *testing.T) {
	t.Parallel()

	provider := &llmmock.Provider{
		CompleteFunc: func(_ int, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
			switch req.SystemPrompt {
			case "clean":
				return &llm.CompletionResponse{Content: "cleaned input"}, nil
			case "polish":
				return &llm.CompletionResponse{Content: "polished answer"}, nil
			default:
				return &llm.CompletionResponse{Content: "raw answer"}, nil
			}
		},
	}
	store := memstore.New()
	p := New(provider, store, testSettings())

	b := bot.Bot{
		ID:                   "poet",
		Persona:              "persona",
		PreProcessingPrompt:  "clean",
		PostProcessingPrompt: "polish",
	}
	source := seedSource(t, store, "dirty input", chat.TypeText)

	msg, err := p.Execute(context.Background(), b, source, testConversation)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if msg.Content != "polished answer" {
		t.Errorf("Content = %q, want polished answer", msg.Content)
	}
	rec := msg.Record
	if !rec.PreProcessed {
		t.Error("PreProcessed = false, want true")
	}
	if rec.PreprocessedContent != "cleaned input" {
		t.Errorf("PreprocessedContent = %q", rec.PreprocessedContent)
	}
	if !rec.PostProcessed {
		t.Error("PostProcessed = false, want true")
	}
	if rec.OriginalContent != "dirty input" {
		t.Errorf("OriginalContent = %q", rec.OriginalContent)
	}

	// The generation call must receive the pre-processed content as the
	// final user turn.
	var genReq llm.CompletionRequest
	for _, c := range provider.Calls {
		if c.Req.SystemPrompt == "persona" {
			genReq = c.Req
		}
	}
	last := genReq.Messages[len(genReq.Messages)-1]
	if last.Content != "cleaned input" {
		t.Errorf("generation input = %q, want cleaned input", last.Content)
	}
}

func TestExecute_HookFailureDegrades(t *testing.T) {
	t.Parallel()

	provider := &llmmock.Provider{
		CompleteFunc: func(_ int, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
			if req.SystemPrompt == "polish" {
				return nil, errors.New("hook backend down")
			}
			return &llm.CompletionResponse{Content: "generated"}, nil
		},
	}
	store := memstore.New()
	p := New(provider, store, testSettings())

	b := bot.Bot{ID: "a", Persona: "p", PostProcessingPrompt: "polish"}
	source := seedSource(t, store, "hi", chat.TypeText)

	msg, err := p.Execute(context.Background(), b, source, testConversation)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	// The unprocessed response is delivered, with the failure on record.
	if msg.Content != "generated" {
		t.Errorf("Content = %q, want generated", msg.Content)
	}
	if msg.Record.PostProcessed {
		t.Error("PostProcessed = true, want false")
	}
	if !strings.Contains(msg.Record.Error, "postprocess") {
		t.Errorf("Record.Error = %q, want postprocess stage error", msg.Record.Error)
	}
}

func TestExecute_GenerationFailureDeliversApology(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		name string
		typ  chat.MessageType
		want string
	}{
		{"text", chat.TypeText, "try again"},
		{"voice", chat.TypeVoice, "text mode"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			provider := &llmmock.Provider{Err: errors.New("backend down")}
			store := memstore.New()
			p := New(provider, store, testSettings())

			b := bot.Bot{ID: "a", Persona: "p"}
			source := seedSource(t, store, "hi", tc.typ)

			msg, err := p.Execute(context.Background(), b, source, testConversation)
			if err != nil {
				t.Fatalf("Execute: %v", err)
			}
			if msg == nil {
				t.Fatal("no message delivered, want apology")
			}
			if !strings.Contains(msg.Content, tc.want) {
				t.Errorf("apology = %q, want it to mention %q", msg.Content, tc.want)
			}
			if strings.Contains(msg.Content, "backend down") {
				t.Error("raw error text leaked into the delivered message")
			}
			if msg.Record.Error == "" {
				t.Error("Record.Error empty, want generation failure recorded")
			}
		})
	}
}

func TestExecute_RecursionBound(t *testing.T) {
	t.Parallel()

	// The post-processing hook always rewrites far beyond the threshold, so
	// only the depth ceiling can stop the chain.
	provider := &llmmock.Provider{
		CompleteFunc: func(_ int, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
			if req.SystemPrompt == "expand" {
				in := req.Messages[len(req.Messages)-1].Content
				return &llm.CompletionResponse{Content: in + " with a substantially longer rewritten continuation"}, nil
			}
			return &llm.CompletionResponse{Content: "base"}, nil
		},
	}
	store := memstore.New()

	settings := testSettings()
	settings.MaxReprocessingDepth = 3
	p := New(provider, store, settings)

	b := bot.Bot{
		ID:                   "a",
		Persona:              "p",
		PostProcessingPrompt: "expand",
		EnableReprocessing:   true,
	}
	source := seedSource(t, store, "hi", chat.TypeText)

	msg, err := p.Execute(context.Background(), b, source, testConversation)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	// Exactly one message is delivered, at the terminal depth.
	if got := msg.Record.ReprocessingDepth; got != 2 {
		t.Errorf("ReprocessingDepth = %d, want 2", got)
	}
	history, _ := store.Recent(context.Background(), testConversation, 0)
	if len(history) != 2 {
		t.Errorf("log length = %d, want 2 (source + one final response)", len(history))
	}

	// Three full iterations: generate + post per iteration.
	if got := provider.CallCount(); got != 6 {
		t.Errorf("provider calls = %d, want 6", got)
	}
}

func TestExecute_ReprocessingRequiresOptIn(t *testing.T) {
	t.Parallel()

	provider := &llmmock.Provider{
		CompleteFunc: func(_ int, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
			if req.SystemPrompt == "expand" {
				return &llm.CompletionResponse{Content: "a very much longer rewritten output text"}, nil
			}
			return &llm.CompletionResponse{Content: "base"}, nil
		},
	}
	store := memstore.New()
	p := New(provider, store, testSettings())

	b := bot.Bot{ID: "a", Persona: "p", PostProcessingPrompt: "expand"}
	source := seedSource(t, store, "hi", chat.TypeText)

	msg, err := p.Execute(context.Background(), b, source, testConversation)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if msg.Record.ReprocessingDepth != 0 {
		t.Errorf("ReprocessingDepth = %d, want 0 without opt-in", msg.Record.ReprocessingDepth)
	}
	if provider.CallCount() != 2 {
		t.Errorf("provider calls = %d, want 2", provider.CallCount())
	}
}

func TestExecute_ToolFlow(t *testing.T) {
	t.Parallel()

	provider := &llmmock.Provider{
		Responses: []*llm.CompletionResponse{
			{ToolCalls: []llm.ToolCall{{ID: "c1", Name: "dice", Arguments: `{"sides":6}`}}},
			{Content: "You rolled a 4."},
		},
	}
	exec := &toolsmock.Executor{
		Defs: []llm.ToolDefinition{{Name: "dice", Description: "roll dice"}},
		Results: map[string]*tools.Result{
			"dice": {Output: "4", ExecutionTime: 5 * time.Millisecond},
		},
	}
	store := memstore.New()
	p := New(provider, store, testSettings(), WithToolExecutor(exec))

	b := bot.Bot{ID: "gm", Persona: "p", UseTools: true, Tools: []string{"dice"}}
	source := seedSource(t, store, "roll a d6", chat.TypeText)

	msg, err := p.Execute(context.Background(), b, source, testConversation)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if msg.Content != "You rolled a 4." {
		t.Errorf("Content = %q", msg.Content)
	}
	if exec.CallCount() != 1 {
		t.Fatalf("tool executions = %d, want 1", exec.CallCount())
	}
	if exec.Calls[0].Name != "dice" {
		t.Errorf("executed tool = %q, want dice", exec.Calls[0].Name)
	}

	if len(msg.Record.ToolResults) != 1 {
		t.Fatalf("ToolResults = %d, want 1", len(msg.Record.ToolResults))
	}
	tr := msg.Record.ToolResults[0]
	if tr.ToolName != "dice" || tr.Output != "4" {
		t.Errorf("ToolResult = %+v", tr)
	}

	// The first call must offer the tool schema; the follow-up call must
	// include the tool turn.
	first := provider.Calls[0].Req
	if len(first.Tools) != 1 || first.Tools[0].Name != "dice" {
		t.Errorf("generation tools = %+v, want the dice schema", first.Tools)
	}
	follow := provider.Calls[1].Req
	var sawToolTurn bool
	for _, m := range follow.Messages {
		if m.Role == "tool" && m.ToolCallID == "c1" && m.Content == "4" {
			sawToolTurn = true
		}
	}
	if !sawToolTurn {
		t.Error("follow-up request missing the tool turn")
	}
}

func TestExecute_ToolFollowUpFallback(t *testing.T) {
	t.Parallel()

	provider := &llmmock.Provider{
		CompleteFunc: func(n int, _ llm.CompletionRequest) (*llm.CompletionResponse, error) {
			if n == 0 {
				return &llm.CompletionResponse{
					ToolCalls: []llm.ToolCall{{ID: "c1", Name: "weather", Arguments: "{}"}},
				}, nil
			}
			return nil, errors.New("follow-up backend down")
		},
	}
	exec := &toolsmock.Executor{
		Results: map[string]*tools.Result{
			"weather": {Output: "sunny, 22C"},
		},
	}
	store := memstore.New()
	p := New(provider, store, testSettings(), WithToolExecutor(exec))

	b := bot.Bot{ID: "a", Persona: "p", UseTools: true}
	source := seedSource(t, store, "weather?", chat.TypeText)

	msg, err := p.Execute(context.Background(), b, source, testConversation)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	// Raw tool output is delivered instead of nothing.
	if !strings.Contains(msg.Content, "sunny, 22C") {
		t.Errorf("Content = %q, want raw tool output", msg.Content)
	}
	if !strings.Contains(msg.Record.Error, "execute_tools") {
		t.Errorf("Record.Error = %q, want execute_tools stage error", msg.Record.Error)
	}
}

func TestExecute_VoiceMessageSkipsTools(t *testing.T) {
	t.Parallel()

	provider := &llmmock.Provider{
		Response: &llm.CompletionResponse{Content: "spoken reply"},
	}
	exec := &toolsmock.Executor{
		Defs: []llm.ToolDefinition{{Name: "dice"}},
	}
	store := memstore.New()
	p := New(provider, store, testSettings(), WithToolExecutor(exec))

	b := bot.Bot{ID: "a", Persona: "p", UseTools: true}
	source := seedSource(t, store, "roll something", chat.TypeVoice)

	msg, err := p.Execute(context.Background(), b, source, testConversation)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if msg.Type != chat.TypeVoice {
		t.Errorf("Type = %q, want voice", msg.Type)
	}
	if len(provider.LastCall().Req.Tools) != 0 {
		t.Error("tool schemas offered for a voice message")
	}
	if exec.CallCount() != 0 {
		t.Error("tools executed for a voice message")
	}
}

func TestExecute_VoiceCloneHookRetention(t *testing.T) {
	t.Parallel()

	base := bot.Bot{
		ID:                   "poet",
		Persona:              "p",
		PreProcessingPrompt:  "clean",
		PostProcessingPrompt: "polish",
	}
	clone := bot.DeriveVoiceClone(base)

	for _, tc := range []struct {
		name      string
		keepHooks bool
		wantCalls int
	}{
		{"hooks dropped by default", false, 1},
		{"hooks retained when configured", true, 3},
	} {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			provider := &llmmock.Provider{
				Response: &llm.CompletionResponse{Content: "reply"},
			}
			store := memstore.New()

			settings := testSettings()
			settings.KeepVoicePreHooks = tc.keepHooks
			settings.KeepVoicePostHooks = tc.keepHooks
			p := New(provider, store, settings)

			source := seedSource(t, store, "hello", chat.TypeVoice)
			if _, err := p.Execute(context.Background(), clone, source, testConversation); err != nil {
				t.Fatalf("Execute: %v", err)
			}
			if got := provider.CallCount(); got != tc.wantCalls {
				t.Errorf("provider calls = %d, want %d", got, tc.wantCalls)
			}
		})
	}
}

func TestExecute_DedupeSuppression(t *testing.T) {
	t.Parallel()

	provider := &llmmock.Provider{
		Response: &llm.CompletionResponse{Content: "reply"},
	}
	store := memstore.New()

	settings := testSettings()
	settings.DedupeSimilarity = 0.9
	p := New(provider, store, settings)

	b := bot.Bot{ID: "a", Persona: "p"}

	// First occurrence passes through.
	first := seedSource(t, store, "tell me a story", chat.TypeText)
	msg, err := p.Execute(context.Background(), b, first, testConversation)
	if err != nil || msg == nil {
		t.Fatalf("first Execute = %v, %v", msg, err)
	}

	// A near-identical repeat is silently suppressed.
	repeat := seedSource(t, store, "Tell me a story!", chat.TypeText)
	msg, err = p.Execute(context.Background(), b, repeat, testConversation)
	if err != nil {
		t.Fatalf("repeat Execute: %v", err)
	}
	if msg != nil {
		t.Errorf("repeat delivered %q, want suppression", msg.Content)
	}

	// A genuinely new message passes again.
	fresh := seedSource(t, store, "what's the weather like on Mars?", chat.TypeText)
	msg, err = p.Execute(context.Background(), b, fresh, testConversation)
	if err != nil || msg == nil {
		t.Fatalf("fresh Execute = %v, %v", msg, err)
	}
}

func TestExecute_MiddlewareRunsPerStage(t *testing.T) {
	t.Parallel()

	var seen []string
	mw := func(stage Stage, next Handler) Handler {
		return func(ctx context.Context, r *Run) error {
			seen = append(seen, stage.String())
			return next(ctx, r)
		}
	}

	provider := &llmmock.Provider{
		Response: &llm.CompletionResponse{Content: "reply"},
	}
	store := memstore.New()
	p := New(provider, store, testSettings(), WithMiddleware(mw))

	source := seedSource(t, store, "hi", chat.TypeText)
	if _, err := p.Execute(context.Background(), bot.Bot{ID: "a"}, source, testConversation); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	want := []string{"dedupe", "preprocess", "generate", "resolve_tools", "execute_tools", "postprocess"}
	if len(seen) != len(want) {
		t.Fatalf("middleware ran for %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("stage order[%d] = %q, want %q", i, seen[i], want[i])
		}
	}
}

func TestExecute_MiddlewareErrorDegrades(t *testing.T) {
	t.Parallel()

	mw := func(stage Stage, next Handler) Handler {
		return func(ctx context.Context, r *Run) error {
			if stage == StagePostprocess {
				return errors.New("middleware exploded")
			}
			return next(ctx, r)
		}
	}

	provider := &llmmock.Provider{
		Response: &llm.CompletionResponse{Content: "reply"},
	}
	store := memstore.New()
	p := New(provider, store, testSettings(), WithMiddleware(mw))

	source := seedSource(t, store, "hi", chat.TypeText)
	msg, err := p.Execute(context.Background(), bot.Bot{ID: "a"}, source, testConversation)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if msg == nil || msg.Content != "reply" {
		t.Fatalf("message = %+v, want the generated reply despite middleware failure", msg)
	}

	if !strings.Contains(msg.Record.Error, "middleware") {
		t.Errorf("Record.Error = %q, want middleware failure", msg.Record.Error)
	}
}

func TestStageErrorKinds(t *testing.T) {
	t.Parallel()

	cause := errors.New("boom")
	err := newStageError(StageGenerate, cause)

	if !errors.Is(err, ErrGeneration) {
		t.Error("generate stage error does not match ErrGeneration")
	}
	if !errors.Is(err, cause) {
		t.Error("stage error does not unwrap to its cause")
	}
	if errors.Is(err, ErrPostprocessing) {
		t.Error("generate stage error matches ErrPostprocessing")
	}
}

func TestRelativeChange(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		before, after string
		want          float64
	}{
		{"aaaa", "aaaa", 0},
		{"aaaa", "aaaaa", 0.25},
		{"aaaaaaaaaa", "aaaaa", 0.5},
		{"", "anything", 1},
	} {
		if got := relativeChange(tc.before, tc.after); got != tc.want {
			t.Errorf("relativeChange(%q, %q) = %v, want %v", tc.before, tc.after, got, tc.want)
		}
	}
}

func TestSimilarity(t *testing.T) {
	t.Parallel()

	if got := similarity("hello there", "hello there"); got != 1 {
		t.Errorf("identical similarity = %v, want 1", got)
	}
	if got := similarity("Hello There!", "  hello there!  "); got != 1 {
		t.Errorf("case/space-folded similarity = %v, want 1", got)
	}
	if got := similarity("hello there", "completely different words"); got > 0.5 {
		t.Errorf("dissimilar similarity = %v, want <= 0.5", got)
	}
}

func TestExecute_RecallEmbedsQueryAndResponse(t *testing.T) {
	t.Parallel()

	provider := &llmmock.Provider{
		Response: &llm.CompletionResponse{Content: "noted"},
	}
	store := memstore.New()
	embedder := &embmock.Provider{Vector: []float32{0.1, 0.2, 0.3}, Dims: 3}
	p := New(provider, store, testSettings(), WithRecall(store, embedder))

	b := bot.Bot{ID: "sage", Persona: "You remember things."}
	source := seedSource(t, store, "remember the cellar door", chat.TypeText)

	msg, err := p.Execute(context.Background(), b, source, testConversation)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if msg == nil {
		t.Fatal("Execute returned nil message")
	}

	// One embedding for the recall query during history assembly, one for
	// indexing the delivered response.
	embedded := embedder.Embedded()
	if len(embedded) != 2 {
		t.Fatalf("embedder saw %d texts, want 2: %v", len(embedded), embedded)
	}
	if embedded[0] != "remember the cellar door" {
		t.Errorf("recall query text = %q, want the source content", embedded[0])
	}
	if embedded[1] != "noted" {
		t.Errorf("indexed text = %q, want the response content", embedded[1])
	}
}
