package server

import (
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	logger "github.com/sirupsen/logrus"

	"marginengine/src/auth"
	"marginengine/src/pricing"
)

const writeWait = 5 * time.Second

type client struct {
	accountID string
	send      chan pricing.Tick
}

// Hub streams pricing ticks to websocket clients. Each client only sees ticks of its own
// account. Publish never blocks: a client whose buffer is full misses the tick.
type Hub struct {
	upgrader websocket.Upgrader
	buffer   int

	mu      sync.RWMutex
	clients map[*client]struct{}

	dropped atomic.Int64
}

func NewHub(cfg *Config) *Hub {
	buffer := cfg.ClientBuffer
	if buffer <= 0 {
		buffer = 64
	}
	origin := cfg.AllowedOrigin
	return &Hub{
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return allowOrigin(r, origin) }},
		buffer:   buffer,
		clients:  make(map[*client]struct{}),
	}
}

func (h *Hub) Publish(t pricing.Tick) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if c.accountID != t.AccountID {
			continue
		}
		select {
		case c.send <- t:
		default:
			h.dropped.Add(1)
		}
	}
}

// Clients is the number of connected streams.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	accountID, ok := auth.AccountIDFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.WithError(err).Warn("ws upgrade failed")
		return
	}
	defer conn.Close()

	c := &client{accountID: accountID, send: make(chan pricing.Tick, h.buffer)}
	h.register(c)
	defer h.unregister(c)

	// Reads only detect the peer going away.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case t := <-c.send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(t); err != nil {
				logger.WithFields(map[string]interface{}{
					"account_id": accountID,
				}).WithError(err).Debug("ws write failed")
				return
			}
		case <-done:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

func allowOrigin(r *http.Request, origin string) bool {
	if origin == "*" || r.Header.Get("Origin") == "" {
		return true
	}
	return strings.EqualFold(r.Header.Get("Origin"), origin)
}
