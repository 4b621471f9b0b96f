package ws

import (
	"encoding/json"
	"sync"

	"questduel/internal/logger"
)

// Message is the WebSocket envelope format
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Connection is one player's socket
type Connection struct {
	PlayerID string
	Send     chan []byte
}

// NewConnection creates a connection with a buffered send queue
func NewConnection(playerID string) *Connection {
	return &Connection{PlayerID: playerID, Send: make(chan []byte, 256)}
}

type outbound struct {
	playerID string
	data     []byte
}

type unregisterRequest struct {
	conn    *Connection
	current chan bool
}

// Hub owns the player connections of this instance. A player has at most one
// connection; a new one replaces the old.
type Hub struct {
	conns map[string]*Connection
	mu    sync.RWMutex

	register   chan *Connection
	unregister chan unregisterRequest
	broadcast  chan outbound
	done       chan struct{}
	stopOnce   sync.Once

	log *logger.Logger
}

// NewHub creates a new WebSocket hub and starts its loop
func NewHub(log *logger.Logger) *Hub {
	h := &Hub{
		conns:      make(map[string]*Connection),
		register:   make(chan *Connection),
		unregister: make(chan unregisterRequest),
		broadcast:  make(chan outbound, 256),
		done:       make(chan struct{}),
		log:        log,
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case conn := <-h.register:
			h.mu.Lock()
			if old, ok := h.conns[conn.PlayerID]; ok && old != conn {
				close(old.Send)
				h.log.WithPlayer(conn.PlayerID).Info("Replacing existing connection")
			}
			h.conns[conn.PlayerID] = conn
			h.mu.Unlock()
			h.log.WithPlayer(conn.PlayerID).Debug("Player connected")

		case req := <-h.unregister:
			h.mu.Lock()
			existing, ok := h.conns[req.conn.PlayerID]
			current := ok && existing == req.conn
			if current {
				delete(h.conns, req.conn.PlayerID)
				close(req.conn.Send)
			}
			h.mu.Unlock()
			req.current <- current
			if current {
				h.log.WithPlayer(req.conn.PlayerID).Debug("Player disconnected")
			}

		case msg := <-h.broadcast:
			h.mu.RLock()
			if conn, ok := h.conns[msg.playerID]; ok {
				select {
				case conn.Send <- msg.data:
				default:
					h.log.WithPlayer(msg.playerID).Warn("Send buffer full, dropping message")
				}
			}
			h.mu.RUnlock()

		case <-h.done:
			h.mu.Lock()
			for id, conn := range h.conns {
				close(conn.Send)
				delete(h.conns, id)
			}
			h.mu.Unlock()
			return
		}
	}
}

// Register adds a connection
func (h *Hub) Register(conn *Connection) {
	select {
	case h.register <- conn:
	case <-h.done:
	}
}

// Unregister removes a connection and reports whether it was the player's
// current one. A replaced connection returns false.
func (h *Hub) Unregister(conn *Connection) bool {
	req := unregisterRequest{conn: conn, current: make(chan bool, 1)}
	select {
	case h.unregister <- req:
	case <-h.done:
		return false
	}
	select {
	case current := <-req.current:
		return current
	case <-h.done:
		return false
	}
}

// IsConnected reports whether the player has a socket on this instance
func (h *Hub) IsConnected(playerID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.conns[playerID]
	return ok
}

// SendToPlayer sends a message to a specific player (implements service.Broadcaster)
func (h *Hub) SendToPlayer(playerID string, msgType string, payload interface{}) {
	data, err := encode(msgType, payload)
	if err != nil {
		h.log.WithPlayer(playerID).WithError(err).Error("Failed to encode message")
		return
	}
	select {
	case h.broadcast <- outbound{playerID: playerID, data: data}:
	case <-h.done:
	}
}

// Stop closes every connection and ends the hub loop
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

func encode(msgType string, payload interface{}) ([]byte, error) {
	msg := Message{Type: msgType}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		msg.Payload = data
	}
	return json.Marshal(&msg)
}
