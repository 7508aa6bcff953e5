package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"klisk/internal/chat"
	"klisk/internal/logging"
	"klisk/internal/registry"
)

// The Studio UI connects cross-origin from its own dev port, so origin
// checks stay off for both surfaces; production gates on API keys
// instead.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// reloadHub fans snapshot updates out to /ws/reload subscribers.
type reloadHub struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]bool
}

func newReloadHub() *reloadHub {
	return &reloadHub{clients: make(map[*websocket.Conn]bool)}
}

func (h *reloadHub) add(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[conn] = true
}

func (h *reloadHub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, conn)
}

// broadcast sends payload to every subscriber. A failed write means the
// client is gone; it gets closed and dropped on the spot.
func (h *reloadHub) broadcast(payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		logging.Get(logging.CategoryServer).Error("marshaling reload payload: %v", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			conn.Close()
			delete(h.clients, conn)
		}
	}
}

func (s *Server) wsChat(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("chat upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	serveChat(s.runCtx, conn, s.snapshot, chat.Options{
		Env:          s.opts.Env,
		DefaultModel: s.opts.DefaultModel,
	})
}

func (s *Server) wsReload(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("reload upgrade failed: %v", err)
		return
	}
	s.hub.add(conn)
	defer func() {
		s.hub.remove(conn)
		conn.Close()
	}()

	// Subscribers only listen. Reading drains control frames and tells
	// us when they hang up.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// serveChat runs one websocket chat conversation. snap is consulted per
// message, so a hot reload lands mid-conversation without a reconnect.
// Returns when the peer disconnects or a write fails.
func serveChat(ctx context.Context, conn *websocket.Conn, snap func() *registry.ProjectSnapshot, opts chat.Options) {
	log := logging.Get(logging.CategoryChat)
	session := chat.NewSession(opts)
	send := func(event map[string]any) error {
		return conn.WriteJSON(event)
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var msg chat.Incoming
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Warn("bad chat message: %v", err)
			if err := send(map[string]any{"type": "error", "data": "invalid message"}); err != nil {
				return
			}
			continue
		}

		if err := session.Handle(ctx, snap(), msg, send); err != nil {
			log.Warn("chat connection lost: %v", err)
			return
		}
	}
}
