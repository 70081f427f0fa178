package server

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/recaudit/recaudit/internal/ledger"
)

// feedEvent is the wire envelope pushed to live feed clients for every
// entry appended to the ledger.
type feedEvent struct {
	Type  string        `json:"type"`
	Entry *ledger.Entry `json:"entry"`
}

const (
	// feedSendBuffer is the per-subscriber backlog. A subscriber that
	// falls this far behind is dropped; the feed is best-effort and the
	// ledger itself is the record.
	feedSendBuffer = 64

	// feedWriteTimeout bounds a single frame write so a stalled TCP
	// connection cannot pin its writer goroutine.
	feedWriteTimeout = 5 * time.Second
)

// feedHub fans appended entries out to live feed subscribers.
type feedHub struct {
	mu   sync.Mutex
	subs map[chan ledger.Entry]struct{}
}

func newFeedHub() *feedHub {
	return &feedHub{subs: make(map[chan ledger.Entry]struct{})}
}

// subscribe registers a new subscriber channel. The caller owns the
// read side; the hub closes the channel when the subscriber is removed.
func (h *feedHub) subscribe() chan ledger.Entry {
	ch := make(chan ledger.Entry, feedSendBuffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

// unsubscribe removes a subscriber and closes its channel. Safe to call
// more than once for the same channel.
func (h *feedHub) unsubscribe(ch chan ledger.Entry) {
	h.mu.Lock()
	if _, ok := h.subs[ch]; ok {
		delete(h.subs, ch)
		close(ch)
	}
	h.mu.Unlock()
}

// publish delivers an entry to every subscriber. Never blocks: a
// subscriber whose backlog is full is dropped on the spot, so one slow
// client cannot stall the append path.
func (h *feedHub) publish(e ledger.Entry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- e:
		default:
			delete(h.subs, ch)
			close(ch)
		}
	}
}

// subscriberCount reports the current number of subscribers.
func (h *feedHub) subscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// upgrader handles the HTTP → WebSocket protocol upgrade. The feed is
// served on a loopback bind alongside the API, so all origins pass.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleWebSocket upgrades the connection and streams appended entries
// to it until either side disconnects.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	ch := s.hub.subscribe()
	slog.Debug("feed client connected", "total", s.hub.subscriberCount())

	// Writer: drains the subscription until the hub closes it.
	go func() {
		defer conn.Close()
		for e := range ch {
			conn.SetWriteDeadline(time.Now().Add(feedWriteTimeout))
			if err := conn.WriteJSON(feedEvent{Type: "entry", Entry: &e}); err != nil {
				s.hub.unsubscribe(ch)
				return
			}
		}
	}()

	// Reader: the feed is one-directional, so incoming frames are only
	// drained to detect disconnection.
	go func() {
		defer func() {
			s.hub.unsubscribe(ch)
			conn.Close()
			slog.Debug("feed client disconnected", "total", s.hub.subscriberCount())
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
