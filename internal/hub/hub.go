package hub

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Peer is the transport side of one connected consumer
type Peer interface {
	Send(data []byte) error
	Close() error
}

// Client represents one consumer connection owned by the hub
type Client struct {
	ID          string
	Peer        Peer
	ConnectedAt time.Time
}

// Hub maintains active clients and broadcasts messages to them
type Hub struct {
	clients map[string]*Client
	closed  bool
	mu      sync.RWMutex

	logger  *slog.Logger
	metrics *Metrics
}

// Option configures a Hub
type Option func(*Hub)

// WithLogger sets the hub logger
func WithLogger(l *slog.Logger) Option {
	return func(h *Hub) { h.logger = l }
}

// WithRegisterer registers hub metrics with reg
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(h *Hub) { h.metrics = newMetrics(reg) }
}

// NewHub creates a new Hub instance
func NewHub(opts ...Option) *Hub {
	h := &Hub{
		clients: make(map[string]*Client),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.metrics == nil {
		h.metrics = newMetrics(nil)
	}
	h.logger = h.logger.With("component", "hub")
	return h
}

// Register adds a client to the hub. After CloseAll the client is refused,
// its peer closed, and Register returns false.
func (h *Hub) Register(client *Client) bool {
	if client.ConnectedAt.IsZero() {
		client.ConnectedAt = time.Now()
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = client.Peer.Close()
		h.logger.Debug("Refused client after shutdown", "client_id", client.ID)
		return false
	}
	h.clients[client.ID] = client
	total := len(h.clients)
	h.mu.Unlock()

	h.metrics.clientsConnected.Set(float64(total))
	h.logger.Info("Client connected", "client_id", client.ID, "total_clients", total)
	return true
}

// Unregister removes a client and closes its peer. It reports whether the
// client was still registered.
func (h *Hub) Unregister(id string) bool {
	h.mu.Lock()
	client, ok := h.clients[id]
	if ok {
		delete(h.clients, id)
	}
	total := len(h.clients)
	h.mu.Unlock()

	if !ok {
		return false
	}
	_ = client.Peer.Close()
	h.metrics.clientsConnected.Set(float64(total))
	h.logger.Info("Client disconnected", "client_id", id, "total_clients", total)
	return true
}

// Broadcast delivers data to every registered client, one at a time.
// A client whose send fails is evicted immediately and never retried.
// It returns the number of successful deliveries.
func (h *Hub) Broadcast(data []byte) int {
	delivered := 0
	for _, client := range h.snapshot() {
		if err := client.Peer.Send(data); err != nil {
			h.metrics.evictions.Inc()
			h.logger.Warn("Send failed, evicting client", "client_id", client.ID, "error", err)
			h.Unregister(client.ID)
			continue
		}
		delivered++
	}
	h.metrics.messagesSent.Add(float64(delivered))
	return delivered
}

// BroadcastMessage encodes msg as JSON and broadcasts it
func (h *Hub) BroadcastMessage(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal broadcast message: %w", err)
	}
	h.Broadcast(data)
	return nil
}

// CloseAll aborts every connection, empties the registry and refuses any
// later registration
func (h *Hub) CloseAll() {
	h.mu.Lock()
	h.closed = true
	clients := h.clients
	h.clients = make(map[string]*Client)
	h.mu.Unlock()

	for _, client := range clients {
		_ = client.Peer.Close()
	}
	h.metrics.clientsConnected.Set(0)
	if len(clients) > 0 {
		h.logger.Info("Aborted all clients", "count", len(clients))
	}
}

// GetClientCount returns the number of connected clients
func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) snapshot() []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		out = append(out, c)
	}
	return out
}
