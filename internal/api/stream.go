package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Hub manages stream subscribers and broadcasts events to them
type Hub struct {
	subscribers map[*Subscriber]bool
	register    chan *Subscriber
	unregister  chan *Subscriber
	broadcast   chan []byte
	mu          sync.RWMutex
	logger      *slog.Logger
}

// Subscriber is one connected WebSocket client
type Subscriber struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// NewHub creates a new WebSocket hub
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		subscribers: make(map[*Subscriber]bool),
		register:    make(chan *Subscriber),
		unregister:  make(chan *Subscriber),
		broadcast:   make(chan []byte, 256),
		logger:      logger.With("component", "ws-hub"),
	}
}

// Run is the hub's main loop. It returns when ctx is done, closing every
// subscriber.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for s := range h.subscribers {
				close(s.send)
				delete(h.subscribers, s)
			}
			h.mu.Unlock()
			return

		case s := <-h.register:
			h.mu.Lock()
			h.subscribers[s] = true
			n := len(h.subscribers)
			h.mu.Unlock()
			h.logger.Info("subscriber connected", "count", n)

		case s := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.subscribers[s]; ok {
				delete(h.subscribers, s)
				close(s.send)
			}
			n := len(h.subscribers)
			h.mu.Unlock()
			h.logger.Info("subscriber disconnected", "count", n)

		case message := <-h.broadcast:
			h.mu.Lock()
			for s := range h.subscribers {
				select {
				case s.send <- message:
				default:
					// Subscriber can't keep up, close it
					close(s.send)
					delete(h.subscribers, s)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Count returns the number of connected subscribers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// BroadcastEvent sends an event to all connected subscribers. It never blocks.
func (h *Hub) BroadcastEvent(evt StatusEvent) {
	data, err := json.Marshal(evt)
	if err != nil {
		h.logger.Error("failed to marshal event", "error", err)
		return
	}

	select {
	case h.broadcast <- data:
	default:
		h.logger.Warn("broadcast channel full, dropping event", "type", evt.Type)
	}
}

// BroadcastSnapshot sends a snapshot to all connected subscribers
func (h *Hub) BroadcastSnapshot(snapshot LimitsSnapshot) {
	h.BroadcastEvent(StatusEvent{
		Type:      EventSnapshot,
		Timestamp: snapshot.Timestamp,
		Data:      snapshot,
	})
}

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 * 1024
)

// writePump pumps messages from the hub to the websocket connection
func (s *Subscriber) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case message, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump drains the connection so control frames are processed, and
// unregisters on close
func (s *Subscriber) readPump(ctx context.Context) {
	defer func() {
		select {
		case s.hub.unregister <- s:
		case <-ctx.Done():
		}
		s.conn.Close()
	}()

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, _, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.hub.logger.Error("websocket error", "error", err)
			}
			break
		}
		// Stream is read-only, ignore any client messages
	}
}

// Attach registers a new subscriber for conn, queues first as its initial
// message and starts its pumps. It returns false when the hub has stopped.
func (h *Hub) Attach(ctx context.Context, conn *websocket.Conn, first []byte) bool {
	s := &Subscriber{
		hub:  h,
		conn: conn,
		send: make(chan []byte, 256),
	}
	if first != nil {
		s.send <- first
	}

	select {
	case h.register <- s:
	case <-ctx.Done():
		conn.Close()
		return false
	}

	go s.writePump()
	go s.readPump(ctx)
	return true
}
