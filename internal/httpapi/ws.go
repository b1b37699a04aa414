package httpapi

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// Hub fans out run/step/story transition events to every dashboard
// websocket client. Grounded on the teacher's internal/api/ws.go Hub,
// collapsed from one hub per agent to a single process-wide hub since
// Antfarm has one run queue, not one per agent.
type Hub struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]bool
}

func newHub() *Hub {
	return &Hub{clients: make(map[*websocket.Conn]bool)}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type wsEvent struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

func (h *Hub) addClient(conn *websocket.Conn) {
	h.mu.Lock()
	h.clients[conn] = true
	h.mu.Unlock()
}

func (h *Hub) removeClient(conn *websocket.Conn) {
	h.mu.Lock()
	delete(h.clients, conn)
	h.mu.Unlock()
	conn.Close()
}

// broadcast marshals event+data and writes it to every connected client. A
// marshal failure is silently dropped: there is no requester to report it
// to by the time a transition has already committed.
func (h *Hub) broadcast(event string, data any) {
	msg, err := json.Marshal(wsEvent{Event: event, Data: data})
	if err != nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		_ = conn.WriteMessage(websocket.TextMessage, msg)
	}
}

// serveWS upgrades the connection and registers it for broadcasts. The
// dashboard is read-only over this socket; any inbound message is
// discarded, and the read loop exists only to detect client disconnects.
func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.hub.addClient(conn)
	go func() {
		defer s.hub.removeClient(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
