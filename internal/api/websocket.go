package api

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// client is one connected websocket subscriber, adapted from the teacher's
// WSClient (internal/api/websocket.go) down to a write-only push channel:
// this engine's clients only consume exit events, never publish.
type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans broadcast events (the server wires in exit events only) out to
// every connected control-surface client, grounded on the teacher's WSHub register/
// unregister/broadcast loop.
type Hub struct {
	clients    map[*client]bool
	broadcast  chan []byte
	register   chan *client
	unregister chan *client
	mu         sync.RWMutex
}

// NewHub builds an unstarted Hub; call Run in a goroutine to drive it.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan []byte, 4096),
		register:   make(chan *client),
		unregister: make(chan *client),
	}
}

// Run services the hub's register/unregister/broadcast channels until the
// process exits; it has no stop signal because its lifetime matches the
// server's.
func (h *Hub) Run() {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()

		case message := <-h.broadcast:
			h.mu.RLock()
			for c := range h.clients {
				select {
				case c.send <- message:
				default:
					close(c.send)
					delete(h.clients, c)
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Broadcast marshals and fans out an arbitrary event payload, e.g. an exit
// decision (reason, urgency) or a breaker trip.
func (h *Hub) Broadcast(event any) {
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	select {
	case h.broadcast <- data:
	default:
	}
}

func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	cl := &client{conn: conn, send: make(chan []byte, 256)}
	s.hub.register <- cl
	go s.writePump(cl)
}

func (s *Server) writePump(cl *client) {
	defer cl.conn.Close()
	for msg := range cl.send {
		if err := cl.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			s.hub.unregister <- cl
			return
		}
	}
}
