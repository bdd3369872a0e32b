// internal/hub/websocket.go
package hub

import (
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	webSocketReadDeadline  = 60 * time.Second
	webSocketWriteDeadline = 10 * time.Second
	webSocketPingPeriod    = (webSocketReadDeadline * 9) / 10 // Must be less than readDeadline
)

func newUpgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		// Origin filtering is left to the reverse proxy in front of the hub.
		CheckOrigin: func(r *http.Request) bool { return true },
	}
}

// ServeWs upgrades the HTTP connection and hands it to the hub. Rejected
// connections still get a proper close frame with the rejection reason.
func (h *Hub) ServeWs(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Err(err, "WebSocket upgrade error")
		return
	}

	client := newClient(conn, remoteHost(r), h.cfg.SendBufferSize)
	go h.WritePump(client)

	id, err := h.Accept(client)
	if err != nil {
		return
	}
	client.setID(id)
	go h.ReadPump(client)
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// ReadPump reads frames from the WebSocket connection and feeds them to the
// hub in order. Pongs count as liveness.
func (h *Hub) ReadPump(client *Client) {
	id := client.ID()
	defer func() {
		h.Disconnect(id)
		client.Conn.Close()
	}()

	if h.cfg.MaxMessageSize > 0 {
		client.Conn.SetReadLimit(h.cfg.MaxMessageSize)
	}
	client.Conn.SetReadDeadline(time.Now().Add(webSocketReadDeadline))
	client.Conn.SetPongHandler(func(string) error {
		client.Conn.SetReadDeadline(time.Now().Add(webSocketReadDeadline))
		h.Touch(id)
		return nil
	})

	for {
		_, data, err := client.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.log.Errorf("WebSocket error for %s: %v", id, err)
			}
			return
		}
		client.Conn.SetReadDeadline(time.Now().Add(webSocketReadDeadline))
		h.Receive(id, data)
	}
}

// WritePump writes queued frames, one envelope per text frame, and pings the
// peer. When the queue is closed it sends the close frame and closes the socket.
func (h *Hub) WritePump(client *Client) {
	ticker := time.NewTicker(webSocketPingPeriod)
	defer func() {
		ticker.Stop()
		client.Conn.Close()
	}()

	for {
		select {
		case data, ok := <-client.send:
			client.Conn.SetWriteDeadline(time.Now().Add(webSocketWriteDeadline))
			if !ok {
				client.Conn.WriteMessage(websocket.CloseMessage, client.closeFrame())
				return
			}
			if err := client.Conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			client.Conn.SetWriteDeadline(time.Now().Add(webSocketWriteDeadline))
			if err := client.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
