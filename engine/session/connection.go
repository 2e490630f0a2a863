package session

import (
	"time"

	"github.com/gorilla/websocket"
)

// WebsocketConnection is the transport surface a session drives. It exists
// so tests can script a connection without a network socket.
type WebsocketConnection interface {
	ReadJSON(v interface{}) error
	WriteJSON(v interface{}) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
	SetReadDeadline(deadline time.Time) error
	SetWriteDeadline(deadline time.Time) error
	SetPongHandler(h func(string) error)
}

var _ WebsocketConnection = (*WebsocketConnectionImpl)(nil)

// WebsocketConnectionImpl wraps a gorilla websocket connection.
type WebsocketConnectionImpl struct {
	conn *websocket.Conn
}

func NewWebsocketConnection(conn *websocket.Conn) *WebsocketConnectionImpl {
	return &WebsocketConnectionImpl{
		conn: conn,
	}
}

func (c *WebsocketConnectionImpl) ReadJSON(v interface{}) error {
	return c.conn.ReadJSON(v)
}

func (c *WebsocketConnectionImpl) WriteJSON(v interface{}) error {
	return c.conn.WriteJSON(v)
}

func (c *WebsocketConnectionImpl) WriteControl(messageType int, data []byte, deadline time.Time) error {
	return c.conn.WriteControl(messageType, data, deadline)
}

func (c *WebsocketConnectionImpl) Close() error {
	return c.conn.Close()
}

func (c *WebsocketConnectionImpl) SetReadDeadline(deadline time.Time) error {
	return c.conn.SetReadDeadline(deadline)
}

func (c *WebsocketConnectionImpl) SetWriteDeadline(deadline time.Time) error {
	return c.conn.SetWriteDeadline(deadline)
}

func (c *WebsocketConnectionImpl) SetPongHandler(h func(string) error) {
	c.conn.SetPongHandler(h)
}
