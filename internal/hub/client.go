// internal/hub/client.go
package hub

import (
	"sync"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

var (
	ErrSendBufferFull  = errors.New("send buffer full")
	ErrTransportClosed = errors.New("transport closed")
)

// Transport is what the hub needs from a connection. Send must not block: a
// transport that cannot take the frame right now returns an error, which the
// hub treats as a disconnect.
type Transport interface {
	Send(data []byte) error
	Close(code int, reason string) error
	RemoteAddr() string
}

// Client is the WebSocket transport for one connection. Outbound frames are
// queued on send and written by WritePump.
type Client struct {
	Conn *websocket.Conn

	mu          sync.Mutex
	id          ConnectionID
	remote      string
	send        chan []byte
	closed      bool
	closeCode   int
	closeReason string
}

func newClient(conn *websocket.Conn, remote string, buffer int) *Client {
	return &Client{
		Conn:   conn,
		remote: remote,
		send:   make(chan []byte, buffer),
	}
}

func (c *Client) ID() ConnectionID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

func (c *Client) setID(id ConnectionID) {
	c.mu.Lock()
	c.id = id
	c.mu.Unlock()
}

func (c *Client) RemoteAddr() string { return c.remote }

func (c *Client) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrTransportClosed
	}
	select {
	case c.send <- data:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Close queues a close frame behind any pending frames. Only the first call
// has an effect.
func (c *Client) Close(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.closeCode = code
	c.closeReason = reason
	close(c.send)
	return nil
}

func (c *Client) closeFrame() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closeCode == 0 {
		return websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	}
	return websocket.FormatCloseMessage(c.closeCode, c.closeReason)
}
