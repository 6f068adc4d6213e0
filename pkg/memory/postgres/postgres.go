// Package postgres provides a PostgreSQL-backed implementation of the
// Ensemble conversation store and semantic recall layer.
//
// Both contracts share a single [pgxpool.Pool]. The pgvector extension must
// be available in the target database; [Migrate] installs it automatically
// via CREATE EXTENSION IF NOT EXISTS.
//
// Usage:
//
//	store, err := postgres.New(ctx, dsn, 1536)
//	if err != nil { … }
//
//	_ = store.Append(ctx, convID, msg)
//	_ = store.IndexMessage(ctx, convID, msg.ID, embedding)
//	results, _ := store.Search(ctx, convID, queryVec, 5)
package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/MrWong99/ensemble/pkg/chat"
	"github.com/MrWong99/ensemble/pkg/memory"
)

// Compile-time interface checks.
var (
	_ memory.ConversationStore = (*Store)(nil)
	_ memory.Recall            = (*Store)(nil)
)

const ddlMessages = `
CREATE TABLE IF NOT EXISTS messages (
    id              TEXT         PRIMARY KEY,
    conversation_id TEXT         NOT NULL,
    content         TEXT         NOT NULL,
    role            TEXT         NOT NULL,
    sender          TEXT         NOT NULL,
    timestamp       TIMESTAMPTZ  NOT NULL DEFAULT now(),
    type            TEXT         NOT NULL,
    record          JSONB,
    user_message_id TEXT         NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_messages_conversation_timestamp
    ON messages (conversation_id, timestamp);

CREATE INDEX IF NOT EXISTS idx_messages_correlation
    ON messages (conversation_id, user_message_id, sender);
`

// ddlEmbeddings is parameterised by the embedding dimension, which must
// match the configured embeddings model.
const ddlEmbeddings = `
CREATE TABLE IF NOT EXISTS message_embeddings (
    message_id      TEXT        PRIMARY KEY REFERENCES messages (id) ON DELETE CASCADE,
    conversation_id TEXT        NOT NULL,
    embedding       vector(%d)  NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_message_embeddings_hnsw
    ON message_embeddings USING hnsw (embedding vector_cosine_ops);
`

// Store is the PostgreSQL-backed conversation store. All operations are
// safe for concurrent use. Obtain instances with [New].
type Store struct {
	pool *pgxpool.Pool
}

// New creates a Store, establishes a connection pool to the PostgreSQL
// database at dsn, registers pgvector types on every connection, and runs
// [Migrate] to ensure all required tables and extensions exist.
//
// embeddingDimensions must match the output dimension of the embedding
// model used for [Store.IndexMessage] (e.g. 1536 for OpenAI
// text-embedding-3-small). Changing it after the first migration requires
// a manual schema change.
func New(ctx context.Context, dsn string, embeddingDimensions int) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse dsn: %w", err)
	}

	// Register pgvector types on every new connection so vector columns can
	// be scanned into and inserted from pgvector.Vector values.
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	if err := Migrate(ctx, pool, embeddingDimensions); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: migrate: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Migrate creates the pgvector extension and all required tables and
// indexes. It is idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions int) error {
	if embeddingDimensions <= 0 {
		embeddingDimensions = 1536
	}

	if _, err := pool.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return fmt.Errorf("create vector extension: %w", err)
	}
	if _, err := pool.Exec(ctx, ddlMessages); err != nil {
		return fmt.Errorf("create messages table: %w", err)
	}
	if _, err := pool.Exec(ctx, fmt.Sprintf(ddlEmbeddings, embeddingDimensions)); err != nil {
		return fmt.Errorf("create message_embeddings table: %w", err)
	}
	return nil
}

// Append implements [memory.ConversationStore].
func (s *Store) Append(ctx context.Context, conversationID string, msg chat.Message) error {
	var record []byte
	var userMessageID string
	if msg.Record != nil {
		var err error
		record, err = json.Marshal(msg.Record)
		if err != nil {
			return fmt.Errorf("postgres: marshal record: %w", err)
		}
		userMessageID = msg.Record.UserMessageID
	}

	const q = `
		INSERT INTO messages
		    (id, conversation_id, content, role, sender, timestamp, type, record, user_message_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := s.pool.Exec(ctx, q,
		msg.ID,
		conversationID,
		msg.Content,
		string(msg.Role),
		msg.Sender,
		msg.Timestamp,
		string(msg.Type),
		record,
		userMessageID,
	)
	if err != nil {
		return fmt.Errorf("postgres: append message: %w", err)
	}
	return nil
}

// Recent implements [memory.ConversationStore]. It returns the newest limit
// messages in chronological order (oldest first).
func (s *Store) Recent(ctx context.Context, conversationID string, limit int) ([]chat.Message, error) {
	q := `
		SELECT id, content, role, sender, timestamp, type, record
		FROM   (
		    SELECT id, content, role, sender, timestamp, type, record
		    FROM   messages
		    WHERE  conversation_id = $1
		    ORDER  BY timestamp DESC, id DESC
		    LIMIT  $2
		) newest
		ORDER  BY timestamp, id`

	args := []any{conversationID, limit}
	if limit <= 0 {
		q = `
		SELECT id, content, role, sender, timestamp, type, record
		FROM   messages
		WHERE  conversation_id = $1
		ORDER  BY timestamp, id`
		args = args[:1]
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: recent: %w", err)
	}
	return collectMessages(rows)
}

// ResponseExists implements [memory.ConversationStore].
func (s *Store) ResponseExists(ctx context.Context, conversationID, userMessageID, sender string) (bool, error) {
	const q = `
		SELECT EXISTS (
		    SELECT 1
		    FROM   messages
		    WHERE  conversation_id = $1
		      AND  user_message_id = $2
		      AND  sender          = $3
		      AND  role            = 'assistant'
		)`

	var exists bool
	if err := s.pool.QueryRow(ctx, q, conversationID, userMessageID, sender).Scan(&exists); err != nil {
		return false, fmt.Errorf("postgres: response exists: %w", err)
	}
	return exists, nil
}

// IndexMessage implements [memory.Recall].
func (s *Store) IndexMessage(ctx context.Context, conversationID, messageID string, embedding []float32) error {
	const q = `
		INSERT INTO message_embeddings (message_id, conversation_id, embedding)
		VALUES ($1, $2, $3)
		ON CONFLICT (message_id) DO UPDATE SET embedding = EXCLUDED.embedding`

	_, err := s.pool.Exec(ctx, q, messageID, conversationID, pgvector.NewVector(embedding))
	if err != nil {
		return fmt.Errorf("postgres: index message: %w", err)
	}
	return nil
}

// Search implements [memory.Recall]. Results are ordered by ascending
// cosine distance (most similar first).
func (s *Store) Search(ctx context.Context, conversationID string, embedding []float32, topK int) ([]memory.RecallResult, error) {
	const q = `
		SELECT m.id, m.content, m.role, m.sender, m.timestamp, m.type, m.record,
		       e.embedding <=> $2 AS distance
		FROM   message_embeddings e
		JOIN   messages m ON m.id = e.message_id
		WHERE  e.conversation_id = $1
		ORDER  BY distance
		LIMIT  $3`

	rows, err := s.pool.Query(ctx, q, conversationID, pgvector.NewVector(embedding), topK)
	if err != nil {
		return nil, fmt.Errorf("postgres: search: %w", err)
	}

	results, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (memory.RecallResult, error) {
		var (
			rr     memory.RecallResult
			record []byte
		)
		if err := row.Scan(
			&rr.Message.ID,
			&rr.Message.Content,
			&rr.Message.Role,
			&rr.Message.Sender,
			&rr.Message.Timestamp,
			&rr.Message.Type,
			&record,
			&rr.Distance,
		); err != nil {
			return memory.RecallResult{}, err
		}
		if len(record) > 0 {
			rr.Message.Record = &chat.ProcessingRecord{}
			if err := json.Unmarshal(record, rr.Message.Record); err != nil {
				return memory.RecallResult{}, err
			}
		}
		return rr, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: scan rows: %w", err)
	}
	if results == nil {
		results = []memory.RecallResult{}
	}
	return results, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// collectMessages scans pgx rows into a slice of chat.Message values.
func collectMessages(rows pgx.Rows) ([]chat.Message, error) {
	msgs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (chat.Message, error) {
		var (
			m      chat.Message
			record []byte
		)
		if err := row.Scan(
			&m.ID,
			&m.Content,
			&m.Role,
			&m.Sender,
			&m.Timestamp,
			&m.Type,
			&record,
		); err != nil {
			return chat.Message{}, err
		}
		if len(record) > 0 {
			m.Record = &chat.ProcessingRecord{}
			if err := json.Unmarshal(record, m.Record); err != nil {
				return chat.Message{}, err
			}
		}
		return m, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: collect messages: %w", err)
	}
	return msgs, nil
}
