package ws

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// writeWait bounds how long a single Send blocks on a slow or wedged
// dashboard client before giving up on it.
const writeWait = 10 * time.Second

// Client adapts a *websocket.Conn into a Hub Subscriber for one
// dashboard connection watching a PR's live-tail stream. gorilla's
// Conn permits at most one concurrent writer; Hub.run() only ever
// calls Send from its own goroutine, but Close can be triggered
// independently by the connection's read pump on disconnect, so both
// methods share a mutex to keep writes and teardown from racing on the
// same connection.
type Client struct {
	conn *websocket.Conn
	log  *slog.Logger

	mu     sync.Mutex
	closed bool
}

// NewClient constructs a client wrapper around an already-upgraded
// websocket connection.
func NewClient(conn *websocket.Conn, logger *slog.Logger) *Client {
	return &Client{conn: conn, log: logger}
}

// Send writes one log line to the connection. A write that blocks past
// writeWait or errors closes the connection and returns an error, which
// tells the Hub to drop this subscriber.
func (c *Client) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return websocket.ErrCloseSent
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		c.log.Warn("websocket send failed", "error", err)
		c.closeLocked()
		return err
	}
	return nil
}

// Close terminates the connection. Safe to call more than once and
// concurrently with Send.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}

func (c *Client) closeLocked() {
	if c.closed {
		return
	}
	c.closed = true
	_ = c.conn.Close()
}
