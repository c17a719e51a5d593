// Package realtime streams checkout events to websocket clients.
package realtime

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"storefront/internal/telemetry"
)

const writeWait = 5 * time.Second

type subscription struct {
	conn    *websocket.Conn
	orderID string
}

type message struct {
	orderID string
	data    []byte
}

// Hub manages websocket clients and fans checkout events out to them. A client follows
// one order, or every order when it subscribed without one.
type Hub struct {
	mu          sync.Mutex
	connections map[*websocket.Conn]string

	register   chan subscription
	unregister chan *websocket.Conn
	broadcast  chan message
	done       chan struct{}

	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewHub constructs a Hub. Run must be started before clients connect.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		connections: make(map[*websocket.Conn]string),
		register:    make(chan subscription),
		unregister:  make(chan *websocket.Conn),
		broadcast:   make(chan message, 256),
		done:        make(chan struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: telemetry.OrDefault(logger).With("component", "realtime_hub"),
	}
}

// Broadcast queues msg for the followers of orderID and for unfiltered clients. An empty
// orderID reaches every client. Messages are dropped when the queue is full.
func (h *Hub) Broadcast(orderID string, msg []byte) {
	select {
	case h.broadcast <- message{orderID: orderID, data: msg}:
	default:
		h.logger.Warn("broadcast queue full, dropping message", "order_id", orderID)
	}
}

// Clients reports how many clients are connected.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.connections)
}

// Run processes register, unregister and broadcast events until ctx ends, then closes
// every connection.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)
	defer h.closeAll()
	for {
		select {
		case <-ctx.Done():
			return nil
		case sub := <-h.register:
			h.mu.Lock()
			h.connections[sub.conn] = sub.orderID
			h.mu.Unlock()
		case conn := <-h.unregister:
			h.drop(conn)
		case msg := <-h.broadcast:
			h.deliver(msg)
		}
	}
}

func (h *Hub) deliver(msg message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn, filter := range h.connections {
		if filter != "" && msg.orderID != "" && filter != msg.orderID {
			continue
		}
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, msg.data); err != nil {
			h.logger.Debug("dropping client after write failure", "error", err)
			conn.Close()
			delete(h.connections, conn)
		}
	}
}

func (h *Hub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.connections[conn]; ok {
		delete(h.connections, conn)
		conn.Close()
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.connections {
		conn.Close()
		delete(h.connections, conn)
	}
}

// ServeHTTP upgrades the request and subscribes the client to the order named by the
// orderId query parameter.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WarnContext(r.Context(), "websocket upgrade failed", "error", err)
		return
	}

	select {
	case h.register <- subscription{conn: conn, orderID: r.URL.Query().Get("orderId")}:
	case <-h.done:
		conn.Close()
		return
	}

	// Clients only listen; reading drives close detection.
	go func() {
		for {
			if _, _, err := conn.NextReader(); err != nil {
				select {
				case h.unregister <- conn:
				case <-h.done:
				}
				return
			}
		}
	}()
}
