package agent

import (
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/pennomi/pastry/channel"
)

// sendBuffer sizes the per-connection outbound queue. The write pump drains
// it in batches; a client that lets it fill is too slow to keep.
const sendBuffer = 256

// Connection is the agent-side state for one client socket: the socket
// itself, the assigned client id, the set of zone subscriptions and the
// outbound queue.
//
// The id stays empty until authentication completes; no traffic besides the
// authentication exchange crosses the socket before then, and the connection
// does not enter the agent's routing set.
type Connection struct {
	conn    net.Conn
	send    chan []byte
	closing sync.Once

	limiter     *rate.Limiter
	connectedAt time.Time

	mu            sync.Mutex
	id            string
	subscriptions map[string]struct{}
	sendClosed    bool
}

func newConnection(conn net.Conn, framesPerSec, burst int) *Connection {
	return &Connection{
		conn:          conn,
		send:          make(chan []byte, sendBuffer),
		limiter:       rate.NewLimiter(rate.Limit(framesPerSec), burst),
		connectedAt:   time.Now(),
		subscriptions: make(map[string]struct{}),
	}
}

// ID returns the authenticated client id, or "" before authentication.
func (c *Connection) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

func (c *Connection) setID(id string) {
	c.mu.Lock()
	c.id = id
	c.mu.Unlock()
}

// RespondsTo reports whether a bus message on ch belongs on this socket:
// either it is a whisper to this client or the client subscribed to the
// target zone.
func (c *Connection) RespondsTo(ch channel.Channel) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.id == "" {
		return false
	}
	if ch.Target == c.id {
		return true
	}
	_, subscribed := c.subscriptions[ch.Target]
	return subscribed
}

// addSubscription records a zone join, reporting false for a duplicate.
func (c *Connection) addSubscription(target string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.subscriptions[target]; exists {
		return false
	}
	c.subscriptions[target] = struct{}{}
	return true
}

// removeSubscription records a zone leave, reporting false if the zone was
// never joined.
func (c *Connection) removeSubscription(target string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.subscriptions[target]; !exists {
		return false
	}
	delete(c.subscriptions, target)
	return true
}

// heldSubscriptions snapshots the current zone subscriptions.
func (c *Connection) heldSubscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.subscriptions))
	for target := range c.subscriptions {
		out = append(out, target)
	}
	return out
}

// enqueue hands a frame to the write pump without blocking, reporting false
// when the client's buffer is full or already torn down.
func (c *Connection) enqueue(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendClosed {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// closeSend stops the write pump. Safe against concurrent enqueue calls.
func (c *Connection) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.sendClosed {
		c.sendClosed = true
		close(c.send)
	}
}

// close terminates the socket. The read loop surfaces the closure and runs
// the single cleanup path, so close is safe to call from anywhere.
func (c *Connection) close() {
	c.closing.Do(func() {
		_ = c.conn.Close()
	})
}

func (c *Connection) remoteAddr() string {
	if addr := c.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return "unknown"
}
