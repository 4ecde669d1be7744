package pool

import (
	"sync"
	"sync/atomic"
	"time"

	"maestro/internal/message"

	"github.com/gorilla/websocket"
)

const writeTimeout = 10 * time.Second

// Metadata describes a peer at accept time.
type Metadata struct {
	IsAgent    bool
	UserAgent  string
	RemoteAddr string
}

// Conn wraps one websocket connection. A connection id is bound to
// exactly one socket for its lifetime and never reused. Writes
// serialize on a per-connection mutex; gorilla/websocket allows only
// one concurrent writer.
type Conn struct {
	id     string
	socket *websocket.Conn
	meta   Metadata

	writeMu sync.Mutex
	closed  atomic.Bool

	connectedAt   time.Time
	lastHeartbeat atomic.Int64
	messageCount  atomic.Int64
}

func newConn(socket *websocket.Conn, id string, meta Metadata) *Conn {
	conn := &Conn{
		id:          id,
		socket:      socket,
		meta:        meta,
		connectedAt: time.Now().UTC(),
	}
	conn.lastHeartbeat.Store(time.Now().UnixNano())
	return conn
}

func (c *Conn) ID() string {
	return c.id
}

func (c *Conn) IsAgent() bool {
	return c.meta.IsAgent
}

func (c *Conn) UserAgent() string {
	return c.meta.UserAgent
}

func (c *Conn) RemoteAddr() string {
	return c.meta.RemoteAddr
}

func (c *Conn) ConnectedAt() time.Time {
	return c.connectedAt
}

// Touch refreshes the liveness timestamp. Called on pong frames and
// inbound messages.
func (c *Conn) Touch() {
	if c == nil {
		return
	}
	c.lastHeartbeat.Store(time.Now().UnixNano())
}

func (c *Conn) LastHeartbeat() time.Time {
	if c == nil {
		return time.Time{}
	}
	return time.Unix(0, c.lastHeartbeat.Load())
}

// RecordMessage counts an inbound message on this connection.
func (c *Conn) RecordMessage() {
	if c == nil {
		return
	}
	c.messageCount.Add(1)
}

func (c *Conn) MessageCount() int64 {
	if c == nil {
		return 0
	}
	return c.messageCount.Load()
}

// send writes one message frame. Returns false on a closed or failing
// socket instead of an error; delivery failures are the router's
// concern.
func (c *Conn) send(outbound message.Message) bool {
	if c == nil || c.closed.Load() {
		return false
	}
	raw, err := outbound.Encode()
	if err != nil {
		return false
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed.Load() {
		return false
	}
	if err := c.socket.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return false
	}
	return c.socket.WriteMessage(websocket.TextMessage, raw) == nil
}

// ping sends a websocket control ping. A failure marks the peer as
// removal-worthy during the heartbeat sweep.
func (c *Conn) ping() bool {
	if c == nil || c.closed.Load() {
		return false
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed.Load() {
		return false
	}
	deadline := time.Now().Add(writeTimeout)
	return c.socket.WriteControl(websocket.PingMessage, nil, deadline) == nil
}

// close shuts the socket down once. Safe to call multiple times.
func (c *Conn) close() {
	if c == nil || !c.closed.CompareAndSwap(false, true) {
		return
	}
	deadline := time.Now().Add(time.Second)
	_ = c.socket.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	_ = c.socket.Close()
}
