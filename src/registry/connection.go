package registry

import (
	"errors"
	"sync"
	"time"

	"github.com/DevelopmentBelt/angcord-relay/src/types"
)

// ErrSendTimeout is returned when a connection's outbound queue could not
// accept a frame within the fanout's per-write budget.
var ErrSendTimeout = errors.New("send queue full, write timed out")

// ErrConnClosed is returned when enqueueing on a closed connection.
var ErrConnClosed = errors.New("connection closed")

// Connection wraps one WebSocket transport bound to a (channel, user) pair
// and manages its outbound message flow.
type Connection struct {
	ID     string
	UserID types.UserID

	conn        types.Conn
	send        chan types.Frame
	connectedAt time.Time

	mu           sync.RWMutex
	lastActivity time.Time
	channel      types.ChannelID
	closed       bool
	done         chan struct{}
}

// NewConnection creates a connection wrapper around an accepted transport.
// The id is server-assigned and unique for the process lifetime.
func NewConnection(id string, userID types.UserID, conn types.Conn, sendBuffer int) *Connection {
	now := time.Now()
	return &Connection{
		ID:           id,
		UserID:       userID,
		conn:         conn,
		send:         make(chan types.Frame, sendBuffer),
		connectedAt:  now,
		lastActivity: now,
		done:         make(chan struct{}),
	}
}

// Enqueue hands a frame to the connection's write pump, waiting at most
// timeout for queue space. A timed-out or closed connection reports an
// error so the caller can treat the recipient as dead.
func (c *Connection) Enqueue(frame types.Frame, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case c.send <- frame:
		return nil
	case <-c.done:
		return ErrConnClosed
	case <-timer.C:
		return ErrSendTimeout
	}
}

// WritePump drains the send queue to the transport in order. Call in its
// own goroutine; it exits when the connection closes or a write fails.
// writeTimeout bounds each individual transport write. A write failure
// closes the whole connection, so pending enqueues fail fast with
// ErrConnClosed instead of piling onto a queue nobody drains.
func (c *Connection) WritePump(writeTimeout time.Duration) {
	defer c.Close()

	for {
		select {
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteJSON(frame); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// ReadFrame blocks on the transport for the next inbound frame and bumps
// the activity timestamp on success.
func (c *Connection) ReadFrame() (types.Frame, error) {
	var frame types.Frame
	if err := c.conn.ReadJSON(&frame); err != nil {
		return types.Frame{}, err
	}
	c.Touch()
	return frame, nil
}

// Touch records inbound activity.
func (c *Connection) Touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

// Channel reports the group the connection currently belongs to, or ""
// when unregistered.
func (c *Connection) Channel() types.ChannelID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.channel
}

func (c *Connection) setChannel(ch types.ChannelID) {
	c.mu.Lock()
	c.channel = ch
	c.mu.Unlock()
}

// Info returns metadata about this connection.
func (c *Connection) Info() types.ConnInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return types.ConnInfo{
		ID:           c.ID,
		ChannelID:    c.channel,
		UserID:       c.UserID,
		ConnectedAt:  c.connectedAt,
		LastActivity: c.lastActivity,
	}
}

// Close releases the transport and stops the write pump. Safe to call
// more than once.
func (c *Connection) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.done)
	c.mu.Unlock()

	c.conn.Close()
}

// Closed reports whether Close has been called.
func (c *Connection) Closed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}
