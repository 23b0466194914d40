package server

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/badgerloop-software/sc2-driver-io/internal/channel"
	"github.com/badgerloop-software/sc2-driver-io/internal/metrics"
)

const clientQueue = 64

type outbound struct {
	kind int // websocket.TextMessage or websocket.BinaryMessage
	data []byte
}

type wsClient struct {
	conn *websocket.Conn
	send chan outbound
}

// Hub fans messages out to engineering dashboard websocket clients. It is
// also an outbound telemetry channel: raw frames go to every client as
// binary messages. A slow client misses messages rather than stalling
// the others.
type Hub struct {
	name string
	log  *zap.Logger
	m    *metrics.Metrics

	mu       sync.RWMutex
	clients  map[*wsClient]struct{}
	onStatus func(channel.Status)
	dropped  atomic.Uint64
}

var (
	_ channel.Channel        = (*Hub)(nil)
	_ channel.StatusNotifier = (*Hub)(nil)
)

// NewHub returns an empty hub registered under name in the channel roster.
func NewHub(name string, log *zap.Logger, m *metrics.Metrics) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	if m == nil {
		m = metrics.Discard()
	}
	return &Hub{name: name, log: log, m: m, clients: make(map[*wsClient]struct{})}
}

func (h *Hub) Name() string { return h.name }

// OnStatus reports the first client connecting and the last one leaving.
func (h *Hub) OnStatus(fn func(channel.Status)) {
	h.mu.Lock()
	h.onStatus = fn
	h.mu.Unlock()
}

// Send queues a raw frame for every client. It never blocks.
func (h *Hub) Send(_ context.Context, payload []byte, _ time.Time) error {
	h.fanout(outbound{kind: websocket.BinaryMessage, data: payload})
	return nil
}

// BroadcastJSON queues an encoded JSON message for every client.
func (h *Hub) BroadcastJSON(data []byte) {
	h.fanout(outbound{kind: websocket.TextMessage, data: data})
}

// Clients is the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dropped counts messages skipped for slow clients.
func (h *Hub) Dropped() uint64 { return h.dropped.Load() }

// Close disconnects every client; their reader loops unregister them.
func (h *Hub) Close() error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		c.conn.Close()
	}
	return nil
}

func (h *Hub) fanout(msg outbound) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			// Client too slow, skip
			h.dropped.Add(1)
		}
	}
}

func (h *Hub) add(c *wsClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	fn := h.onStatus
	h.mu.Unlock()

	h.m.DashboardClients.Set(float64(n))
	h.log.Info("client connected", zap.Int("clients", n))
	if n == 1 && fn != nil {
		fn(channel.Status{Channel: h.name, Connected: true})
	}
}

func (h *Hub) remove(c *wsClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	close(c.send)
	n := len(h.clients)
	fn := h.onStatus
	h.mu.Unlock()

	h.m.DashboardClients.Set(float64(n))
	h.log.Info("client disconnected", zap.Int("clients", n))
	if n == 0 && fn != nil {
		fn(channel.Status{Channel: h.name, Connected: false})
	}
}
