package ws

import (
	"context"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vedran77/portal/internal/metrics"
)

// Hub tracks the open gateway connections. Every connection carries its own
// session, so the hub never routes chat traffic itself.
type Hub struct {
	// clients maps userID → that user's connections (one per tab).
	clients map[uuid.UUID]map[*Client]struct{}
	count   atomic.Int64

	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	log        zerolog.Logger
}

func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		clients:    make(map[uuid.UUID]map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		log:        log.With().Str("component", "ws-hub").Logger(),
	}
}

// Run starts the Hub's main event loop until ctx is done, then closes every
// connection. Call this in a goroutine.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case client := <-h.register:
			set, ok := h.clients[client.userID]
			if !ok {
				set = make(map[*Client]struct{})
				h.clients[client.userID] = set
			}
			set[client] = struct{}{}
			total := h.count.Add(1)
			metrics.WebSocketConnections.Inc()
			h.log.Info().Str("user_id", client.userID.String()).Int64("total", total).Msg("client connected")

		case client := <-h.unregister:
			set := h.clients[client.userID]
			if _, ok := set[client]; !ok {
				continue
			}
			delete(set, client)
			if len(set) == 0 {
				delete(h.clients, client.userID)
			}
			total := h.count.Add(-1)
			metrics.WebSocketConnections.Dec()
			h.log.Info().Str("user_id", client.userID.String()).Int64("total", total).Msg("client disconnected")

		case <-ctx.Done():
			for _, set := range h.clients {
				for client := range set {
					client.shutdown()
				}
			}
			return
		}
	}
}

// join registers c. It reports false once the hub stopped.
func (h *Hub) join(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) leave(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// Count returns the number of open connections.
func (h *Hub) Count() int {
	return int(h.count.Load())
}
