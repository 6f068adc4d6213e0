// Package gateway exposes the conversation system over HTTP: a JSON API for
// submitting messages and driving voice mode, a WebSocket feed of assistant
// responses, plus Prometheus metrics and health endpoints.
package gateway

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/ensemble/internal/health"
	"github.com/MrWong99/ensemble/internal/observe"
	"github.com/MrWong99/ensemble/internal/orchestrator"
	"github.com/MrWong99/ensemble/pkg/chat"
	"github.com/MrWong99/ensemble/pkg/memory"
)

// defaultHistoryLimit is returned by the history endpoint when the client
// does not pass ?limit=.
const defaultHistoryLimit = 50

// Server is the HTTP frontend. It implements [http.Handler].
type Server struct {
	orch    *orchestrator.Orchestrator
	store   memory.ConversationStore
	metrics *observe.Metrics
	log     *slog.Logger
	handler http.Handler

	hub *hub
}

// Option configures a [Server].
type Option func(*Server)

// WithLogger sets the request logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Server) {
		if log != nil {
			s.log = log
		}
	}
}

// WithMetrics enables HTTP request metrics and tracing middleware.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// New creates the HTTP frontend. The provided checkers are served under
// /readyz.
func New(orch *orchestrator.Orchestrator, store memory.ConversationStore, checkers []health.Checker, opts ...Option) *Server {
	s := &Server{
		orch:  orch,
		store: store,
		log:   slog.Default(),
		hub:   newHub(),
	}
	for _, opt := range opts {
		opt(s)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/conversations/{conversationID}/messages", s.handlePostMessage)
	mux.HandleFunc("GET /api/conversations/{conversationID}/messages", s.handleGetMessages)
	mux.HandleFunc("GET /api/mode", s.handleGetMode)
	mux.HandleFunc("POST /api/mode", s.handleSetMode)
	mux.HandleFunc("PUT /api/voice/transcript", s.handleUpdateTranscript)
	mux.HandleFunc("DELETE /api/voice/transcript", s.handleCancelTranscript)
	mux.HandleFunc("POST /api/conversations/{conversationID}/voice/finalize", s.handleFinalizeTranscript)
	mux.HandleFunc("GET /api/events", s.handleEvents)
	mux.Handle("GET /metrics", promhttp.Handler())
	health.New(checkers...).Register(mux)

	s.handler = http.Handler(mux)
	if s.metrics != nil {
		s.handler = observe.Middleware(s.metrics)(mux)
	}
	return s
}

// ServeHTTP implements [http.Handler].
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Broadcast publishes an assistant message to every connected WebSocket
// client. Its signature matches [orchestrator.Callback] so it can be wired
// directly as the response callback.
func (s *Server) Broadcast(conversationID string, msg chat.Message) {
	s.hub.publish(event{
		ConversationID: conversationID,
		Message:        toAPIMessage(msg),
	})
}

// Close disconnects all WebSocket clients.
func (s *Server) Close() {
	s.hub.close()
}

// ─── JSON wire types ─────────────────────────────────────────────────────────

// apiMessage is the JSON view of a conversation message.
type apiMessage struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	Role      string    `json:"role"`
	Sender    string    `json:"sender"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

// event is one WebSocket frame: an assistant response with its conversation.
type event struct {
	ConversationID string     `json:"conversation_id"`
	Message        apiMessage `json:"message"`
}

func toAPIMessage(m chat.Message) apiMessage {
	return apiMessage{
		ID:        m.ID,
		Content:   m.Content,
		Role:      string(m.Role),
		Sender:    m.Sender,
		Type:      string(m.Type),
		Timestamp: m.Timestamp,
	}
}

type postMessageRequest struct {
	Content string `json:"content"`
	Type    string `json:"type"`
}

// ─── Handlers ────────────────────────────────────────────────────────────────

func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	conversationID := r.PathValue("conversationID")

	var req postMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Content == "" {
		http.Error(w, "content is required", http.StatusBadRequest)
		return
	}
	typ := chat.MessageType(req.Type)
	if req.Type == "" {
		typ = chat.TypeText
	}
	if !typ.IsValid() {
		http.Error(w, "unknown message type", http.StatusBadRequest)
		return
	}

	msg, err := s.orch.HandleUserMessage(r.Context(), conversationID, req.Content, typ)
	if err != nil {
		s.log.ErrorContext(r.Context(), "message ingest failed",
			"conversation", conversationID, "error", err)
		http.Error(w, "failed to accept message", http.StatusInternalServerError)
		return
	}

	// Responses arrive asynchronously over /api/events.
	writeJSON(w, http.StatusAccepted, toAPIMessage(msg))
}

func (s *Server) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	conversationID := r.PathValue("conversationID")

	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	msgs, err := s.store.Recent(r.Context(), conversationID, limit)
	if err != nil {
		s.log.ErrorContext(r.Context(), "history lookup failed",
			"conversation", conversationID, "error", err)
		http.Error(w, "failed to load history", http.StatusInternalServerError)
		return
	}

	out := make([]apiMessage, len(msgs))
	for i, m := range msgs {
		out[i] = toAPIMessage(m)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetMode(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"mode": s.orch.Mode().String()})
}

func (s *Server) handleSetMode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Mode string `json:"mode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	switch req.Mode {
	case "voice":
		if err := s.orch.EnterVoiceMode(r.Context()); err != nil {
			s.log.ErrorContext(r.Context(), "enter voice mode failed", "error", err)
			http.Error(w, "failed to enter voice mode", http.StatusInternalServerError)
			return
		}
	case "text":
		s.orch.ExitVoiceMode(r.Context())
	default:
		http.Error(w, `mode must be "voice" or "text"`, http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"mode": s.orch.Mode().String()})
}

func (s *Server) handleUpdateTranscript(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	s.orch.UpdateTranscript(req.Text)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCancelTranscript(w http.ResponseWriter, r *http.Request) {
	s.orch.CancelTranscript()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleFinalizeTranscript(w http.ResponseWriter, r *http.Request) {
	conversationID := r.PathValue("conversationID")

	msg, ok, err := s.orch.FinalizeTranscript(r.Context(), conversationID)
	if err != nil {
		s.log.ErrorContext(r.Context(), "transcript finalize failed",
			"conversation", conversationID, "error", err)
		http.Error(w, "failed to finalize transcript", http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, "no pending transcript", http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusAccepted, toAPIMessage(msg))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error":"encoding failed"}`, http.StatusInternalServerError)
	}
}
