// Package chat defines the core message model shared by every Ensemble
// subsystem: the conversation [Message], its role and modality enums, and
// the immutable [ProcessingRecord] attached to bot responses.
//
// Messages are immutable once created. In-progress work (a pending voice
// transcription, a pipeline run's mutable metadata) lives outside the
// message log and is converted into a Message only when finalised.
package chat

import (
	"time"

	"github.com/google/uuid"
)

// UserSender is the sender identifier used for human-authored messages.
const UserSender = "user"

// Role identifies who authored a message within the conversation.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// IsValid reports whether r is a recognised role.
func (r Role) IsValid() bool {
	return r == RoleUser || r == RoleAssistant
}

// MessageType is the modality a message arrived in or should be delivered in.
type MessageType string

const (
	TypeText  MessageType = "text"
	TypeVoice MessageType = "voice"
)

// IsValid reports whether t is a recognised message type.
func (t MessageType) IsValid() bool {
	return t == TypeText || t == TypeVoice
}

// ToolResult records a single tool invocation made on behalf of a bot
// during response generation. Attached to the final message for
// observability.
type ToolResult struct {
	// ToolName is the invoked tool's unique identifier.
	ToolName string

	// Input is the JSON-encoded argument string passed to the tool.
	Input string

	// Output is the tool's textual result.
	Output string

	// ExecutionTime is the wall-clock duration of the tool call.
	ExecutionTime time.Duration
}

// ProcessingRecord is the immutable snapshot of a completed pipeline run,
// attached to the assistant [Message] it produced. It is the finalised form
// of the run's internal accumulator; once attached it is never modified.
type ProcessingRecord struct {
	// OriginalContent is the content as it entered the pipeline, before any
	// pre-processing rewrote it.
	OriginalContent string

	// PreProcessed reports whether the pre-processing stage changed the content.
	PreProcessed bool

	// PreprocessedContent is the pre-processing output, set only when it
	// differs from OriginalContent.
	PreprocessedContent string

	// PostProcessed reports whether the post-processing stage changed the content.
	PostProcessed bool

	// PostprocessedContent is the post-processing output, set only when it
	// differs from its input.
	PostprocessedContent string

	// ReprocessingDepth counts how many times the response looped back
	// through the pipeline before this terminal result.
	ReprocessingDepth int

	// StageTimings holds the wall-clock duration of each executed stage,
	// keyed by stage name.
	StageTimings map[string]time.Duration

	// IsVoiceClone is true when the producing participant was an ephemeral
	// voice-derived clone.
	IsVoiceClone bool

	// UserMessageID correlates this response to the source user message.
	UserMessageID string

	// ToolResults lists every tool invocation made during the run.
	ToolResults []ToolResult

	// Error holds the last stage-level error encountered, if any. A non-empty
	// value does not imply the run failed: stage errors degrade gracefully.
	Error string
}

// Message is a single immutable entry in the conversation log.
type Message struct {
	// ID is the unique message identifier.
	ID string

	// Content is the message text.
	Content string

	// Role is who authored the message.
	Role Role

	// Sender is the authoring participant's id, or [UserSender].
	Sender string

	// Timestamp is when the message was created.
	Timestamp time.Time

	// Type is the message's modality.
	Type MessageType

	// Record is the processing record for assistant messages; nil for user
	// messages.
	Record *ProcessingRecord
}

// NewUserMessage creates an immutable user-authored message of the given
// modality with a fresh id.
func NewUserMessage(content string, typ MessageType) Message {
	return Message{
		ID:        uuid.NewString(),
		Content:   content,
		Role:      RoleUser,
		Sender:    UserSender,
		Timestamp: time.Now(),
		Type:      typ,
	}
}

// NewBotMessage creates an immutable assistant message produced by the bot
// identified by sender, carrying the finalised processing record.
func NewBotMessage(sender, content string, typ MessageType, rec *ProcessingRecord) Message {
	return Message{
		ID:        uuid.NewString(),
		Content:   content,
		Role:      RoleAssistant,
		Sender:    sender,
		Timestamp: time.Now(),
		Type:      typ,
		Record:    rec,
	}
}
