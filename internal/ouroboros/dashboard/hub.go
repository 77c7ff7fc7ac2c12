package dashboard

import (
	"log/slog"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/Mikhail2018/ouroboros-desktop/internal/ouroboros/asyncutil"
	"github.com/Mikhail2018/ouroboros-desktop/internal/ouroboros/eventbus"
)

// Hub fans drained events out to websocket subscribers. Delivery is
// best-effort: a slow subscriber's buffer overflows and its connection is
// dropped rather than ever stalling the supervisor.
type Hub struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
}

type client struct {
	conn *websocket.Conn
	send chan eventbus.Event
}

// NewHub creates a Hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger:  logger,
		clients: make(map[*client]struct{}),
		upgrader: websocket.Upgrader{
			// The dashboard is a localhost developer surface; same-origin
			// enforcement is left to the CORS layer.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Broadcast offers ev to every subscriber without blocking.
func (h *Hub) Broadcast(ev eventbus.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- ev:
		default:
			// Overflowing subscriber: drop it.
			close(c.send)
			delete(h.clients, c)
		}
	}
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
}

func (h *Hub) serve(gc *gin.Context) {
	conn, err := h.upgrader.Upgrade(gc.Writer, gc.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &client{conn: conn, send: make(chan eventbus.Event, 256)}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	asyncutil.Go(h.logger, "dashboard.ws.writer", func() {
		defer conn.Close()
		for ev := range c.send {
			if err := conn.WriteJSON(ev); err != nil {
				h.drop(c)
				return
			}
		}
	})

	// Reader goroutine: the tap is one-way, but reading keeps close frames
	// and pings processed.
	asyncutil.Go(h.logger, "dashboard.ws.reader", func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				h.drop(c)
				return
			}
		}
	})
}

func (h *Hub) drop(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		close(c.send)
		delete(h.clients, c)
	}
}
