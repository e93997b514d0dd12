package websocket

import (
	"time"

	"github.com/gorilla/websocket"
)

// Connection is the subset of *websocket.Conn the client pumps use.
type Connection interface {
	WriteMessage(messageType int, data []byte) error
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(string) error)
	RemoteAddr() string
}

// connectionWrapper adapts *websocket.Conn, whose RemoteAddr returns a
// net.Addr, to Connection.
type connectionWrapper struct {
	*websocket.Conn
}

func (c connectionWrapper) RemoteAddr() string {
	return c.Conn.RemoteAddr().String()
}
