package realtime

import (
	"sync"
	"sync/atomic"
	"time"
)

// Connection is one live transport session. A user may own several
// connections concurrently; each belongs to at most one workspace room.
// Outbound delivery goes through a bounded send queue so a slow transport
// never stalls a room broadcast.
type Connection struct {
	id     string
	userID string

	mu          sync.Mutex
	workspaceID string

	lastSeenNanos atomic.Int64
	suspectNanos  atomic.Int64

	send      chan []byte
	closeOnce sync.Once
	closed    atomic.Bool
}

func newConnection(id, userID string, buffer int, now time.Time) *Connection {
	if buffer <= 0 {
		buffer = 64
	}
	conn := &Connection{
		id:     id,
		userID: userID,
		send:   make(chan []byte, buffer),
	}
	conn.lastSeenNanos.Store(now.UnixNano())
	return conn
}

// ID returns the opaque transport session identifier.
func (c *Connection) ID() string {
	return c.id
}

// UserID returns the owning user identifier.
func (c *Connection) UserID() string {
	return c.userID
}

// WorkspaceID returns the currently bound workspace, or empty when unbound.
func (c *Connection) WorkspaceID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.workspaceID
}

// Outbound exposes the send queue for the transport write loop. The channel
// is closed when the connection closes.
func (c *Connection) Outbound() <-chan []byte {
	return c.send
}

// TrySend enqueues a frame without blocking. It returns false when the
// connection is closed or the queue is full.
func (c *Connection) TrySend(frame []byte) (sent bool) {
	// Close may race the enqueue; recovering from the send-on-closed-channel
	// panic keeps broadcast fan-out safe without a lock around every send.
	defer func() {
		if r := recover(); r != nil {
			sent = false
		}
	}()

	if c.closed.Load() {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// Close shuts the send queue exactly once. Idempotent.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.send)
	})
}

// Closed reports whether the connection has been closed.
func (c *Connection) Closed() bool {
	return c.closed.Load()
}

// LastSeen returns the liveness timestamp from the most recent heartbeat.
func (c *Connection) LastSeen() time.Time {
	return time.Unix(0, c.lastSeenNanos.Load())
}

func (c *Connection) touch(now time.Time) {
	c.lastSeenNanos.Store(now.UnixNano())
	c.suspectNanos.Store(0)
}

// markSuspect flags the connection for a liveness re-check after a failed
// delivery. A subsequent heartbeat clears the flag.
func (c *Connection) markSuspect(now time.Time) {
	c.suspectNanos.CompareAndSwap(0, now.UnixNano())
}

// deadAt reports whether the connection should be evicted: either its
// heartbeat is older than timeout, or a delivery failed and no heartbeat
// arrived afterwards.
func (c *Connection) deadAt(now time.Time, timeout time.Duration) bool {
	lastSeen := c.lastSeenNanos.Load()
	if now.Sub(time.Unix(0, lastSeen)) > timeout {
		return true
	}
	suspect := c.suspectNanos.Load()
	return suspect != 0 && lastSeen < suspect
}

func (c *Connection) setWorkspace(workspaceID string) {
	c.mu.Lock()
	c.workspaceID = workspaceID
	c.mu.Unlock()
}
