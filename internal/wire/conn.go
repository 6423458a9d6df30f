package wire

import (
	"sync"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// Conn wraps a *websocket.Conn and speaks whole Frames instead of raw
// bytes. One frame maps to exactly one WebSocket binary message, so
// the codec never has to reassemble a frame out of partial reads the
// way a raw TCP stream would require.
type Conn struct {
	ws *websocket.Conn

	writeMu sync.Mutex
}

// NewConn adopts an already-upgraded WebSocket connection.
func NewConn(ws *websocket.Conn) *Conn {
	return &Conn{ws: ws}
}

// ReadFrame blocks until the next frame arrives, or returns an error
// (including a close error) if the connection is gone.
func (c *Conn) ReadFrame() (Frame, error) {

	msgType, raw, err := c.ws.ReadMessage()
	if err != nil {
		return Frame{}, errors.Wrap(err, "reading websocket message")
	}

	if msgType != websocket.BinaryMessage {
		return Frame{}, errors.Errorf("expected binary websocket message, got type %d", msgType)
	}

	f, err := Decode(raw)
	if err != nil {
		return Frame{}, err
	}

	return f, nil
}

// WriteFrame sends f as a single binary WebSocket message. Safe for
// concurrent use: gorilla/websocket requires at most one writer at a
// time, so concurrent forwarders (one per subscribed document) must
// serialize through this lock rather than writing to the raw
// connection directly.
func (c *Conn) WriteFrame(f Frame) error {

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	return c.ws.WriteMessage(websocket.BinaryMessage, Encode(f))
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.ws.Close()
}

// RemoteAddr exposes the underlying connection's remote address for
// logging.
func (c *Conn) RemoteAddr() string {
	return c.ws.RemoteAddr().String()
}
