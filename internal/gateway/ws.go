package gateway

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/coder/websocket"
)

// subscriberBuffer is the per-client event queue depth. A client that falls
// this far behind starts losing events rather than stalling the publishers.
const subscriberBuffer = 64

// hub tracks WebSocket subscribers and fans events out to them.
type hub struct {
	mu     sync.Mutex
	subs   map[chan event]struct{}
	closed bool
}

func newHub() *hub {
	return &hub{subs: make(map[chan event]struct{})}
}

func (h *hub) subscribe() (ch chan event, cancel func()) {
	ch = make(chan event, subscriberBuffer)
	h.mu.Lock()
	if h.closed {
		close(ch)
	} else {
		h.subs[ch] = struct{}{}
	}
	h.mu.Unlock()

	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.subs[ch]; ok {
			delete(h.subs, ch)
			close(ch)
		}
	}
}

// publish delivers ev to every subscriber. Full queues are skipped.
func (h *hub) publish(ev event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for ch := range h.subs {
		delete(h.subs, ch)
		close(ch)
	}
}

// handleEvents upgrades the connection and streams assistant responses as
// JSON text frames until the client disconnects or the hub shuts down.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.WarnContext(r.Context(), "websocket accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	ch, cancel := s.hub.subscribe()
	defer cancel()

	// Reads are discarded; detecting client disconnect cancels this context.
	ctx := conn.CloseRead(r.Context())

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				s.log.Error("event marshal failed", "error", err)
				continue
			}
			if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
				return
			}
		}
	}
}
