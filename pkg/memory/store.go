// Package memory defines the conversation-store contracts consumed by the
// Ensemble pipeline: an append-only message log and an optional semantic
// recall layer for retrieving relevant past conversation content.
//
// The pipeline does not own persistence — it reads history through
// [ConversationStore.Recent] when building completion requests and appends
// exactly one message per finalised run. Implementations must be safe for
// concurrent use.
package memory

import (
	"context"

	"github.com/MrWong99/ensemble/pkg/chat"
)

// ConversationStore is the append-only log of conversation messages.
type ConversationStore interface {
	// Append adds msg to the log of the given conversation. Messages are
	// immutable; appending a message with an already-stored ID is an error.
	Append(ctx context.Context, conversationID string, msg chat.Message) error

	// Recent returns up to limit messages of the conversation in
	// chronological order (oldest first). A limit of 0 or less returns the
	// full log.
	Recent(ctx context.Context, conversationID string, limit int) ([]chat.Message, error)

	// ResponseExists reports whether the log already contains an assistant
	// message from sender correlated to the given source user message.
	// Used to re-seed duplicate suppression across restarts.
	ResponseExists(ctx context.Context, conversationID, userMessageID, sender string) (bool, error)

	// Close releases underlying resources.
	Close() error
}

// RecallResult pairs a recalled message with its similarity distance.
type RecallResult struct {
	// Message is the recalled conversation message.
	Message chat.Message

	// Distance is the cosine distance to the query embedding; smaller is
	// more similar.
	Distance float64
}

// Recall provides semantic retrieval over past conversation content.
// Embeddings are computed by the caller so that the store stays decoupled
// from any embedding backend.
type Recall interface {
	// IndexMessage stores the embedding for an already-appended message.
	IndexMessage(ctx context.Context, conversationID, messageID string, embedding []float32) error

	// Search returns the topK most similar messages of the conversation,
	// ordered by ascending distance.
	Search(ctx context.Context, conversationID string, embedding []float32, topK int) ([]RecallResult, error)
}
