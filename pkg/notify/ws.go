package notify

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/mfreeman451/fleetmon/pkg/logger"
)

const wsWriteWait = 5 * time.Second

// Hub broadcasts events to connected websocket subscribers. It is a
// best-effort live feed: a subscriber that cannot keep up is dropped.
type Hub struct {
	mu       sync.Mutex
	clients  map[*websocket.Conn]struct{}
	upgrader websocket.Upgrader
	log      zerolog.Logger
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{
		clients: make(map[*websocket.Conn]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(*http.Request) bool {
				return true
			},
		},
		log: logger.Component("ws"),
	}
}

// ServeHTTP upgrades the request and registers the subscriber.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug().Err(err).Msg("Websocket upgrade failed")

		return
	}

	h.mu.Lock()
	h.clients[conn] = struct{}{}
	count := len(h.clients)
	h.mu.Unlock()

	h.log.Info().Int("subscribers", count).Msg("Websocket subscriber connected")

	// Reader loop exists only to detect disconnects; subscribers do
	// not send anything meaningful.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				h.drop(conn)

				return
			}
		}
	}()
}

// Name implements Channel.
func (h *Hub) Name() string { return "websocket" }

// Send implements Channel by broadcasting to every subscriber.
func (h *Hub) Send(_ context.Context, event *Event) error {
	h.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(h.clients))

	for conn := range h.clients {
		conns = append(conns, conn)
	}
	h.mu.Unlock()

	for _, conn := range conns {
		if err := conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
			h.drop(conn)

			continue
		}

		if err := conn.WriteJSON(event); err != nil {
			h.drop(conn)
		}
	}

	return nil
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for conn := range h.clients {
		_ = conn.Close()

		delete(h.clients, conn)
	}
}

func (h *Hub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	_, ok := h.clients[conn]

	if ok {
		delete(h.clients, conn)
	}
	h.mu.Unlock()

	if ok {
		_ = conn.Close()

		h.log.Debug().Msg("Websocket subscriber dropped")
	}
}
