// Package transport owns one WebSocket connection per session, with bounded
// reconnect and resume semantics.
package transport

import (
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Outbound queue depth per connection.
	sendQueueSize = 256
)

// wsConn wraps one live WebSocket connection with buffered sends and
// read/write pumps. Frames read from the socket are handed to onMessage in
// arrival order by a single goroutine.
type wsConn struct {
	conn *websocket.Conn
	send chan []byte

	onMessage func(data []byte)
	onClosed  func(err error)

	mu     sync.Mutex
	closed bool
}

func newWSConn(conn *websocket.Conn, onMessage func([]byte), onClosed func(error)) *wsConn {
	return &wsConn{
		conn:      conn,
		send:      make(chan []byte, sendQueueSize),
		onMessage: onMessage,
		onClosed:  onClosed,
	}
}

// start launches the pumps. Kept separate from construction so the manager
// can finish its open bookkeeping before the first inbound frame is
// dispatched; sends queued in between sit in the channel until now.
func (c *wsConn) start() {
	go c.writePump()
	go c.readPump()
}

// Send queues a frame for delivery. A full queue closes the connection
// rather than blocking the caller.
func (c *wsConn) Send(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}

	select {
	case c.send <- data:
	default:
		log.Printf("transport: send queue full, dropping connection")
		c.closeLocked()
	}
}

// Close closes the connection. onClosed is not invoked for a local close.
func (c *wsConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}

func (c *wsConn) closeLocked() {
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

func (c *wsConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// readPump pumps frames from the socket to onMessage, strictly in arrival
// order. Ordering-sensitive folds downstream depend on this single consumer.
func (c *wsConn) readPump() {
	defer c.conn.Close()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			wasClosed := c.isClosed()
			c.Close()
			if !wasClosed && c.onClosed != nil {
				c.onClosed(err)
			}
			return
		}
		if c.onMessage != nil {
			c.onMessage(message)
		}
	}
}

// writePump pumps queued frames to the socket and keeps the connection
// alive with periodic pings.
func (c *wsConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			// One frame per WebSocket message so the peer can parse each
			// JSON document independently.
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

			n := len(c.send)
			for i := 0; i < n; i++ {
				queued := <-c.send
				c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := c.conn.WriteMessage(websocket.TextMessage, queued); err != nil {
					return
				}
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
