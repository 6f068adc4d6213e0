// Package memstore provides an in-memory implementation of the memory
// contracts. It backs tests and the standalone (database-less) server mode.
package memstore

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/MrWong99/ensemble/pkg/chat"
	"github.com/MrWong99/ensemble/pkg/memory"
)

// Compile-time interface checks.
var (
	_ memory.ConversationStore = (*Store)(nil)
	_ memory.Recall            = (*Store)(nil)
)

// Store is an in-memory [memory.ConversationStore] and [memory.Recall].
// The zero value is NOT usable; create instances with [New].
//
// All methods are safe for concurrent use.
type Store struct {
	mu         sync.RWMutex
	logs       map[string][]chat.Message    // conversation id → messages, append order
	embeddings map[string][]float32         // message id → embedding
	byID       map[string]map[string]string // conversation id → message id → ""
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		logs:       make(map[string][]chat.Message),
		embeddings: make(map[string][]float32),
		byID:       make(map[string]map[string]string),
	}
}

// Append implements [memory.ConversationStore].
func (s *Store) Append(_ context.Context, conversationID string, msg chat.Message) error {
	if msg.ID == "" {
		return fmt.Errorf("memstore: message must have an id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ids, ok := s.byID[conversationID]
	if !ok {
		ids = make(map[string]string)
		s.byID[conversationID] = ids
	}
	if _, dup := ids[msg.ID]; dup {
		return fmt.Errorf("memstore: message %q already stored", msg.ID)
	}
	ids[msg.ID] = ""
	s.logs[conversationID] = append(s.logs[conversationID], msg)
	return nil
}

// Recent implements [memory.ConversationStore].
func (s *Store) Recent(_ context.Context, conversationID string, limit int) ([]chat.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	log := s.logs[conversationID]
	if limit > 0 && len(log) > limit {
		log = log[len(log)-limit:]
	}
	out := make([]chat.Message, len(log))
	copy(out, log)
	return out, nil
}

// ResponseExists implements [memory.ConversationStore].
func (s *Store) ResponseExists(_ context.Context, conversationID, userMessageID, sender string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, msg := range s.logs[conversationID] {
		if msg.Role != chat.RoleAssistant || msg.Sender != sender || msg.Record == nil {
			continue
		}
		if msg.Record.UserMessageID == userMessageID {
			return true, nil
		}
	}
	return false, nil
}

// Close implements [memory.ConversationStore]. It is a no-op.
func (s *Store) Close() error { return nil }

// IndexMessage implements [memory.Recall].
func (s *Store) IndexMessage(_ context.Context, conversationID, messageID string, embedding []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ids, ok := s.byID[conversationID]; !ok {
		return fmt.Errorf("memstore: unknown conversation %q", conversationID)
	} else if _, ok := ids[messageID]; !ok {
		return fmt.Errorf("memstore: unknown message %q", messageID)
	}

	vec := make([]float32, len(embedding))
	copy(vec, embedding)
	s.embeddings[messageID] = vec
	return nil
}

// Search implements [memory.Recall] using exact cosine distance.
func (s *Store) Search(_ context.Context, conversationID string, embedding []float32, topK int) ([]memory.RecallResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []memory.RecallResult
	for _, msg := range s.logs[conversationID] {
		vec, ok := s.embeddings[msg.ID]
		if !ok {
			continue
		}
		results = append(results, memory.RecallResult{
			Message:  msg,
			Distance: cosineDistance(embedding, vec),
		})
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Distance < results[j].Distance })
	if topK > 0 && len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

// cosineDistance returns 1 - cosine similarity. Mismatched or zero-length
// vectors yield the maximum distance.
func cosineDistance(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 1
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 1
	}
	return 1 - dot/(math.Sqrt(normA)*math.Sqrt(normB))
}
