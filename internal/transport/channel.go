// Package transport owns the WebSocket connection to a clearnode. It queues
// outbound frames while disconnected and flushes them in FIFO order when the
// connection opens, before any newly submitted sends. It performs no
// reconnection of its own; that policy belongs to the caller.
package transport

import (
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"gopkg.in/op/go-logging.v1"

	"github.com/gryffindors-team/yellow-sdk/wire"
)

const dialTimeout = 15 * time.Second

// Channel is a single connection to one endpoint. Callbacks are invoked from
// the channel's own goroutines; they must not call back into the Channel
// while doing blocking work.
type Channel struct {
	endpoint string
	log      *logging.Logger

	onFrame func(*wire.Frame)
	onOpen  func()
	onDown  func(reason string)

	mu      sync.Mutex
	conn    *websocket.Conn
	dialing bool
	closed  bool
	queue   []*wire.Frame
}

// New creates a channel for the given endpoint. http(s) schemes are accepted
// and rewritten to ws(s).
func New(endpoint string, log *logging.Logger) (*Channel, error) {
	wsEndpoint, err := wsURL(endpoint)
	if err != nil {
		return nil, err
	}
	return &Channel{endpoint: wsEndpoint, log: log}, nil
}

// OnFrame registers the inbound frame handler. Frames are delivered in
// arrival order from a single reader goroutine.
func (c *Channel) OnFrame(fn func(*wire.Frame)) { c.onFrame = fn }

// OnOpen registers the connection-open handler. It fires after the queued
// frames have been flushed.
func (c *Channel) OnOpen(fn func()) { c.onOpen = fn }

// OnDown registers the handler for dial failures and unexpected closes.
// It does not fire for an explicit Close.
func (c *Channel) OnDown(fn func(reason string)) { c.onDown = fn }

// Connect starts a dial unless one is in progress or a connection is already
// established. It returns immediately; the outcome arrives via OnOpen/OnDown.
func (c *Channel) Connect() {
	c.mu.Lock()
	if c.dialing || c.conn != nil {
		c.mu.Unlock()
		return
	}
	c.dialing = true
	c.closed = false
	c.mu.Unlock()

	go c.dial()
}

// Send transmits the frame if the connection is open, otherwise appends it to
// the outbound queue. A write failure tears the connection down; the frame is
// requeued for the next connection.
func (c *Channel) Send(f *wire.Frame) error {
	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.queue = append(c.queue, f)
		n := len(c.queue)
		c.mu.Unlock()
		c.log.Debugf("queued %s frame (%d pending)", f.Method, n)
		return nil
	}
	err := conn.WriteJSON(f)
	if err != nil {
		c.conn = nil
		c.queue = append(c.queue, f)
		c.mu.Unlock()
		_ = conn.Close()
		c.reportDown(fmt.Sprintf("write failed: %v", err))
		return fmt.Errorf("write %s frame: %w", f.Method, err)
	}
	c.mu.Unlock()
	return nil
}

// Close tears the connection down. Queued frames are retained for a later
// Connect. Close does not trigger OnDown; the caller decided this.
func (c *Channel) Close() error {
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

// Connected reports whether a connection is currently established.
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

func (c *Channel) dial() {
	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	conn, resp, err := dialer.Dial(c.endpoint, nil)
	if err != nil {
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		c.mu.Lock()
		c.dialing = false
		c.mu.Unlock()
		c.reportDown(fmt.Sprintf("dial failed: %v", err))
		return
	}

	c.mu.Lock()
	if c.closed {
		c.dialing = false
		c.mu.Unlock()
		_ = conn.Close()
		return
	}
	// Flush the queue before exposing the connection so queued frames
	// precede any send that races the open.
	for i, f := range c.queue {
		if err := conn.WriteJSON(f); err != nil {
			c.queue = c.queue[i:]
			c.dialing = false
			c.mu.Unlock()
			_ = conn.Close()
			c.reportDown(fmt.Sprintf("flush failed: %v", err))
			return
		}
	}
	c.queue = nil
	c.conn = conn
	c.dialing = false
	c.mu.Unlock()

	if c.onOpen != nil {
		c.onOpen()
	}
	go c.readLoop(conn)
}

func (c *Channel) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.teardown(conn, err)
			return
		}
		frame, err := wire.Decode(data)
		if err != nil {
			// Malformed inbound frames are dropped, never fatal.
			c.log.Warningf("dropping inbound frame: %v", err)
			continue
		}
		if c.onFrame != nil {
			c.onFrame(frame)
		}
	}
}

func (c *Channel) teardown(conn *websocket.Conn, err error) {
	c.mu.Lock()
	owner := c.conn == conn
	if owner {
		c.conn = nil
	}
	closed := c.closed
	c.mu.Unlock()

	_ = conn.Close()
	if owner && !closed {
		c.reportDown(fmt.Sprintf("connection closed: %v", err))
	}
}

func (c *Channel) reportDown(reason string) {
	c.log.Warningf("%s", reason)
	if c.onDown != nil {
		c.onDown(reason)
	}
}

func wsURL(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported endpoint scheme: %q", u.Scheme)
	}
	return u.String(), nil
}
