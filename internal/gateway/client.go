package gateway

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
	sendBufferSize = 64
)

// client is one WebSocket connection.
type client struct {
	id      string
	conn    *websocket.Conn
	send    chan []byte
	server  *Server
	limiter *rate.Limiter
	logger  *slog.Logger
}

// enqueue hands a pre-serialized frame to the write pump. A full buffer
// drops the frame; events are best-effort.
func (c *client) enqueue(data []byte) {
	select {
	case c.send <- data:
	default:
		c.logger.Warn("client send buffer full, dropping frame", "client", c.id)
	}
}

func (c *client) enqueueJSON(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		c.logger.Error("frame marshal failed", "error", err)
		return
	}
	c.enqueue(data)
}

// readPump consumes frames until the connection dies. Each frame is rate
// checked and routed.
func (c *client) readPump() {
	defer func() {
		c.server.removeClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("client read error", "client", c.id, "error", err)
			}
			return
		}
		if c.limiter != nil && !c.limiter.Allow() {
			c.server.router.rejectRateLimited(c, data)
			continue
		}
		c.server.router.handleFrame(c, data)
	}
}

// writePump serializes all writes to the connection.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
