// Package llm defines the completion-service contract consumed by the
// Ensemble message pipeline.
//
// A Provider wraps a remote or local model API (OpenAI, Anthropic, a local
// Ollama instance, ...) and exposes a single blocking Complete call. The
// pipeline drives every generation, pre-processing, and post-processing
// request through this interface so that it stays decoupled from any
// specific SDK.
//
// Failures come in two distinguishable flavours: transport errors (the
// request never produced a usable reply) are returned wrapped as-is, while
// replies that arrived but could not be interpreted are wrapped with
// [ErrMalformedResponse]. Callers use [errors.Is] to pick a degradation
// strategy.
//
// Implementations must be safe for concurrent use and must propagate
// context cancellation promptly.
package llm

import (
	"context"
	"errors"
)

// ErrMalformedResponse marks a provider reply that was received but could
// not be interpreted (empty choice list, missing content). Transport
// failures are returned without this sentinel.
var ErrMalformedResponse = errors.New("malformed provider response")

// Message represents a single message in a completion conversation.
type Message struct {
	// Role is one of "system", "user", "assistant", or "tool".
	Role string

	// Content is the text content of the message.
	Content string

	// Name is an optional participant name (for multi-speaker contexts).
	Name string

	// ToolCalls contains any tool invocations requested by the assistant.
	ToolCalls []ToolCall

	// ToolCallID is set when Role is "tool", identifying which tool call
	// this message responds to.
	ToolCallID string
}

// ToolCall represents a tool invocation requested by the model.
type ToolCall struct {
	// ID is the provider-assigned identifier for this call.
	ID string

	// Name is the tool name.
	Name string

	// Arguments is the JSON-encoded argument string.
	Arguments string
}

// ToolDefinition describes a tool offered to the model.
type ToolDefinition struct {
	// Name is the tool's unique identifier.
	Name string

	// Description explains what the tool does (included in prompts).
	Description string

	// Parameters is the JSON Schema describing the tool's input.
	Parameters map[string]any
}

// Usage holds token accounting returned by the backend.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionRequest carries everything a Provider needs to produce a reply.
// Messages must be non-empty; a zero-value request is invalid.
type CompletionRequest struct {
	// Messages is the ordered conversation history. The last message is
	// typically the user turn that drives the response.
	Messages []Message

	// Model overrides the provider's default model when non-empty. Each bot
	// participant carries its own model choice, so a single Provider
	// instance serves requests for multiple models.
	Model string

	// Temperature controls output randomness in [0.0, 2.0].
	Temperature float64

	// MaxTokens caps completion length. Zero means provider default.
	MaxTokens int

	// Tools is the set of tool definitions offered to the model. Empty
	// disables tool calling for this request.
	Tools []ToolDefinition

	// SystemPrompt is an optional instruction injected before the history.
	SystemPrompt string
}

// CompletionResponse is the result of a successful Complete call.
type CompletionResponse struct {
	// Content is the assistant's reply text. Empty when the model responded
	// exclusively with tool calls.
	Content string

	// ToolCalls lists tool invocations the model requested. The caller is
	// responsible for executing them and issuing a follow-up completion.
	ToolCalls []ToolCall

	// Usage contains token accounting for this request/response pair.
	Usage Usage
}

// Provider is the abstraction over any completion backend.
//
// Implementations must be safe for concurrent use from multiple goroutines
// and must return (with an error) as soon as possible when ctx is cancelled.
type Provider interface {
	// Complete sends req to the model and waits for the full response.
	//
	// A non-nil error wrapping [ErrMalformedResponse] means the reply
	// arrived but was unusable; any other error is a transport failure.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}
