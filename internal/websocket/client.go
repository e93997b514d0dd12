package websocket

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"licensecore/internal/config"
)

// The feed is one-way; inbound frames only keep the connection alive.
const maxMessageSize = 512

// Client is a middleman between one websocket connection and the hub.
type Client struct {
	id          string
	remoteAddr  string
	connectedAt time.Time

	hub  *Hub
	conn Connection
	send chan []byte

	cfg    config.WebSocketConfig
	logger *slog.Logger
}

// NewClient wraps conn for hub. Timeouts come from cfg; zero values fall
// back to the defaults.
func NewClient(hub *Hub, conn Connection, cfg config.WebSocketConfig) *Client {
	if cfg.PongWait <= 0 {
		cfg.PongWait = 60 * time.Second
	}
	if cfg.PingPeriod <= 0 || cfg.PingPeriod >= cfg.PongWait {
		cfg.PingPeriod = cfg.PongWait * 9 / 10
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = 10 * time.Second
	}
	id := uuid.NewString()
	return &Client{
		id:          id,
		remoteAddr:  conn.RemoteAddr(),
		connectedAt: time.Now(),
		hub:         hub,
		conn:        conn,
		send:        make(chan []byte, 64),
		cfg:         cfg,
		logger:      hub.logger.With(slog.String("client_id", id)),
	}
}

// ID returns the client's identifier.
func (c *Client) ID() string { return c.id }

// Serve registers the client and runs both pumps. It returns once the
// connection is closed.
func (c *Client) Serve() {
	select {
	case c.hub.register <- c:
	case <-c.hub.stopped:
		c.conn.Close()
		return
	}
	go c.writePump()
	c.readPump()
}

// readPump discards inbound frames, handling pongs, until the peer goes
// away or the pong deadline passes.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.stopped:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("websocket read error", slog.String("error", err.Error()))
			}
			return
		}
	}
}

// writePump forwards hub messages to the connection and pings the peer.
func (c *Client) writePump() {
	ticker := time.NewTicker(c.cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Debug("websocket write failed", slog.String("error", err.Error()))
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
