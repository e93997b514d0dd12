// Package websocket is the live dashboard feed: every audit record and
// every high-risk assessment is pushed to connected clients.
package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"licensecore/internal/license"
	"licensecore/internal/risk"
	"licensecore/pkg/contracts"
	"licensecore/pkg/contracts/events"
)

// Message types on the feed.
const (
	TypeConnection = events.TypeConnection
	TypeAudit      = events.TypeAudit
	TypeRiskAlert  = events.TypeRiskAlert
)

type envelope struct {
	msgType string
	payload []byte
}

// Hub maintains the set of active clients and broadcasts messages to them.
// Publishing never blocks: when the hub's queue is full the message is
// dropped and counted.
type Hub struct {
	clients    map[*Client]struct{}
	broadcast  chan envelope
	register   chan *Client
	unregister chan *Client

	mu      sync.RWMutex
	count   int
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once

	metrics *Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewHub creates a hub. Call Run to start delivering.
func NewHub(logger *slog.Logger, metrics *Metrics) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients:    make(map[*Client]struct{}),
		broadcast:  make(chan envelope, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		stopped:    make(chan struct{}),
		metrics:    metrics,
		logger:     logger.With(slog.String("component", "websocket.hub")),
		now:        time.Now,
	}
}

// Run is the hub's main loop. It returns when ctx is done or Stop is
// called, closing every client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.stopped)
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case <-h.done:
			h.closeAll()
			return

		case c := <-h.register:
			h.clients[c] = struct{}{}
			h.setCount(len(h.clients))
			h.metrics.connected(ctx, 1)
			h.logger.Info("client registered",
				slog.String("client_id", c.id),
				slog.String("remote_addr", c.remoteAddr),
				slog.Int("total_clients", len(h.clients)),
			)
			if data, err := h.encode(TypeConnection, map[string]string{"status": "connected", "client_id": c.id}); err == nil {
				select {
				case c.send <- data:
				default:
				}
			}

		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				h.remove(ctx, c)
				h.logger.Info("client unregistered",
					slog.String("client_id", c.id),
					slog.Duration("connection_duration", time.Since(c.connectedAt)),
				)
			}

		case env := <-h.broadcast:
			var sent int64
			for c := range h.clients {
				select {
				case c.send <- env.payload:
					sent++
				default:
					// A client that cannot keep up is disconnected rather
					// than allowed to stall the feed.
					h.remove(ctx, c)
					h.metrics.dropped(ctx, "client")
					h.logger.Warn("client send buffer full, disconnecting", slog.String("client_id", c.id))
				}
			}
			h.metrics.delivered(ctx, env.msgType, sent)
		}
	}
}

// Stop ends Run and waits for it to return.
func (h *Hub) Stop() {
	h.once.Do(func() { close(h.done) })
	<-h.stopped
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.count
}

// PublishAudit pushes a lifecycle audit record to every client.
func (h *Hub) PublishAudit(rec license.AuditRecord) {
	h.publish(TypeAudit, rec)
}

// PublishRisk pushes a high-risk assessment to every client.
func (h *Hub) PublishRisk(a risk.Assessment) {
	h.publish(TypeRiskAlert, a)
}

func (h *Hub) publish(msgType string, data interface{}) {
	payload, err := h.encode(msgType, data)
	if err != nil {
		h.logger.Error("failed to encode feed message",
			slog.String("type", msgType),
			slog.String("error", err.Error()),
		)
		return
	}
	select {
	case h.broadcast <- envelope{msgType: msgType, payload: payload}:
	default:
		h.metrics.dropped(context.Background(), "hub")
		h.logger.Warn("feed queue full, message dropped", slog.String("type", msgType))
	}
}

func (h *Hub) encode(msgType string, data interface{}) ([]byte, error) {
	return json.Marshal(events.Message{
		Type:      msgType,
		Version:   contracts.FeedProtocolVersion,
		Data:      data,
		Timestamp: h.now().UTC(),
	})
}

func (h *Hub) remove(ctx context.Context, c *Client) {
	delete(h.clients, c)
	close(c.send)
	h.setCount(len(h.clients))
	h.metrics.connected(ctx, -1)
}

func (h *Hub) closeAll() {
	for c := range h.clients {
		h.remove(context.Background(), c)
	}
	h.logger.Info("hub stopped")
}

func (h *Hub) setCount(n int) {
	h.mu.Lock()
	h.count = n
	h.mu.Unlock()
}
