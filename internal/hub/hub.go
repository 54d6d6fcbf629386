// Package hub fans bus traffic out to monitor clients without ever blocking
// the bus path.
package hub

import (
	"fmt"
	"sync"

	"github.com/kstaniek/go-can-station/internal/can"
	"github.com/kstaniek/go-can-station/internal/logging"
	"github.com/kstaniek/go-can-station/internal/metrics"
)

// BackpressurePolicy decides what happens to a client whose queue is full.
type BackpressurePolicy int

const (
	// PolicyDrop discards the frame for that client only.
	PolicyDrop BackpressurePolicy = iota
	// PolicyKick disconnects the client.
	PolicyKick
)

func (p BackpressurePolicy) String() string {
	switch p {
	case PolicyDrop:
		return "drop"
	case PolicyKick:
		return "kick"
	}
	return fmt.Sprintf("policy(%d)", int(p))
}

// ParsePolicy accepts drop|kick.
func ParsePolicy(s string) (BackpressurePolicy, error) {
	switch s {
	case "drop", "":
		return PolicyDrop, nil
	case "kick":
		return PolicyKick, nil
	}
	return PolicyDrop, fmt.Errorf("unknown monitor policy %q (use drop|kick)", s)
}

type Client struct {
	Out       chan can.Frame
	Closed    chan struct{}
	closeOnce sync.Once
}

// NewClient allocates a client with an outbound queue of size buf.
func NewClient(buf int) *Client {
	if buf < 1 {
		buf = 1
	}
	return &Client{Out: make(chan can.Frame, buf), Closed: make(chan struct{})}
}

// Close signals the client is closed (idempotent).
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.Closed)
	})
}

type Hub struct {
	mu         sync.RWMutex
	clients    map[*Client]struct{}
	OutBufSize int
	Policy     BackpressurePolicy
}

// New creates a Hub with default settings.
func New() *Hub { return &Hub{clients: make(map[*Client]struct{})} }

// Add registers a client with the hub.
func (h *Hub) Add(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	cur := len(h.clients)
	h.mu.Unlock()
	metrics.SetMonitorClients(cur)
	if cur == 1 {
		logging.L().Info("monitor_first_client")
	}
}

// Remove unregisters a client and closes it; safe to call multiple times.
func (h *Hub) Remove(c *Client) {
	h.mu.Lock()
	_, existed := h.clients[c]
	delete(h.clients, c)
	cur := len(h.clients)
	h.mu.Unlock()
	c.Close()
	metrics.SetMonitorClients(cur)
	if existed && cur == 0 {
		logging.L().Info("monitor_last_client_gone")
	}
}

// Broadcast offers fr to every client honoring the backpressure policy.
// It never blocks, so it can run on the device goroutines.
func (h *Hub) Broadcast(fr can.Frame) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.Out <- fr:
		default:
			if h.Policy == PolicyKick {
				metrics.IncMonitorKick()
				c.Close() // writer exits; server removes the client
			} else {
				metrics.IncMonitorDrop()
			}
		}
	}
}

// Count returns the number of active clients.
func (h *Hub) Count() int { h.mu.RLock(); n := len(h.clients); h.mu.RUnlock(); return n }
