package pool

import (
	"sync"
	"time"

	"maestro/internal/event"
	"maestro/internal/logging"
	"maestro/internal/message"
	"maestro/internal/metrics"

	"github.com/gorilla/websocket"
)

type Options struct {
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	Logger            *logging.Logger
	Registry          *metrics.Registry
	Bus               *event.Bus[event.Event]
}

// Pool tracks live connections and the logical-identity registry. It
// owns both exclusively: nothing else mutates connection or binding
// state.
type Pool struct {
	options Options

	mu        sync.Mutex
	conns     map[string]*Conn
	logical   map[string]string // logicalID -> connectionID
	sweepStop chan struct{}
	closed    bool
}

func New(options Options) *Pool {
	if options.HeartbeatInterval <= 0 {
		options.HeartbeatInterval = 10 * time.Second
	}
	if options.HeartbeatTimeout <= 0 {
		options.HeartbeatTimeout = 30 * time.Second
	}
	if options.Logger == nil {
		options.Logger = logging.Discard()
	}
	if options.Registry == nil {
		options.Registry = metrics.Default
	}
	return &Pool{
		options: options,
		conns:   make(map[string]*Conn),
		logical: make(map[string]string),
	}
}

// Add registers a new connection, sends it a welcome frame carrying
// its connection id, and starts the heartbeat sweep if this is the
// first connection. Always succeeds.
func (p *Pool) Add(socket *websocket.Conn, connectionID string, meta Metadata) *Conn {
	conn := newConn(socket, connectionID, meta)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		conn.close()
		return conn
	}
	p.conns[connectionID] = conn
	if p.sweepStop == nil {
		p.sweepStop = make(chan struct{})
		go p.sweepLoop(p.sweepStop)
	}
	p.mu.Unlock()

	conn.send(message.NewWelcome(connectionID))

	p.options.Registry.IncConnectionOpened()
	p.options.Bus.Publish(event.NewConnectionEvent(event.TypeConnectionOpened, connectionID, meta.RemoteAddr, meta.IsAgent))
	p.options.Logger.Info("connection added", map[string]string{
		"connection_id": connectionID,
		"remote_addr":   meta.RemoteAddr,
		"user_agent":    meta.UserAgent,
	})
	return conn
}

// Remove closes the connection's socket, unregisters every logical id
// bound to it (publishing an unregistration event for each), and
// stops the heartbeat sweep when the pool becomes empty. Unknown ids
// log and no-op.
func (p *Pool) Remove(connectionID string) {
	p.mu.Lock()
	conn, ok := p.conns[connectionID]
	if !ok {
		p.mu.Unlock()
		p.options.Logger.Debug("remove of unknown connection", map[string]string{
			"connection_id": connectionID,
		})
		return
	}
	delete(p.conns, connectionID)

	var released []string
	for logicalID, boundTo := range p.logical {
		if boundTo == connectionID {
			delete(p.logical, logicalID)
			released = append(released, logicalID)
		}
	}

	var stop chan struct{}
	if len(p.conns) == 0 && p.sweepStop != nil {
		stop = p.sweepStop
		p.sweepStop = nil
	}
	p.mu.Unlock()

	conn.close()
	if stop != nil {
		close(stop)
	}

	for _, logicalID := range released {
		p.options.Bus.Publish(event.NewRegistryEvent(event.TypeLogicalUnregistered, logicalID, connectionID))
	}
	p.options.Registry.IncConnectionClosed()
	p.options.Bus.Publish(event.NewConnectionEvent(event.TypeConnectionClosed, connectionID, conn.RemoteAddr(), conn.IsAgent()))
	p.options.Logger.Info("connection removed", map[string]string{
		"connection_id": connectionID,
	})
}

// RegisterLogical binds a logical id to a connection, silently
// overwriting any prior binding. Callers needing reconciliation
// semantics check ResolveLogical first; the router does.
func (p *Pool) RegisterLogical(connectionID, logicalID string) {
	if logicalID == "" || connectionID == "" {
		return
	}
	p.mu.Lock()
	p.logical[logicalID] = connectionID
	p.mu.Unlock()

	p.options.Registry.IncLogicalRegistered()
	p.options.Bus.Publish(event.NewRegistryEvent(event.TypeLogicalRegistered, logicalID, connectionID))
	p.options.Logger.Debug("logical id registered", map[string]string{
		"logical_id":    logicalID,
		"connection_id": connectionID,
	})
}

// ResolveLogical returns the connection currently bound to a logical
// id.
func (p *Pool) ResolveLogical(logicalID string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	connectionID, ok := p.logical[logicalID]
	return connectionID, ok
}

func (p *Pool) UnregisterLogical(logicalID string) {
	p.mu.Lock()
	connectionID, ok := p.logical[logicalID]
	if ok {
		delete(p.logical, logicalID)
	}
	p.mu.Unlock()

	if ok {
		p.options.Bus.Publish(event.NewRegistryEvent(event.TypeLogicalUnregistered, logicalID, connectionID))
	}
}

// SendToClient writes a message to one connection. Returns false on a
// missing or closed connection rather than an error.
func (p *Pool) SendToClient(connectionID string, outbound message.Message) bool {
	p.mu.Lock()
	conn, ok := p.conns[connectionID]
	p.mu.Unlock()
	if !ok {
		return false
	}
	return conn.send(outbound)
}

// SendToLogical resolves a logical id and delegates to SendToClient.
func (p *Pool) SendToLogical(logicalID string, outbound message.Message) bool {
	connectionID, ok := p.ResolveLogical(logicalID)
	if !ok {
		return false
	}
	return p.SendToClient(connectionID, outbound)
}

// Broadcast sends to every connection not in the exclusion set and
// returns aggregate sent/failed counts.
func (p *Pool) Broadcast(outbound message.Message, exclude map[string]struct{}) (sent, failed int) {
	for _, conn := range p.snapshot() {
		if _, skip := exclude[conn.ID()]; skip {
			continue
		}
		if conn.send(outbound) {
			sent++
		} else {
			failed++
		}
	}
	return sent, failed
}

// SendToAgents sends individually to every connection flagged as an
// agent.
func (p *Pool) SendToAgents(outbound message.Message) (sent, failed int) {
	for _, conn := range p.snapshot() {
		if !conn.IsAgent() {
			continue
		}
		if conn.send(outbound) {
			sent++
		} else {
			failed++
		}
	}
	return sent, failed
}

// Touch refreshes liveness for a connection, typically from a pong
// handler or inbound frame.
func (p *Pool) Touch(connectionID string) {
	p.mu.Lock()
	conn := p.conns[connectionID]
	p.mu.Unlock()
	conn.Touch()
}

// Connection returns the live connection for an id.
func (p *Pool) Connection(connectionID string) (*Conn, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	conn, ok := p.conns[connectionID]
	return conn, ok
}

func (p *Pool) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

func (p *Pool) AgentCount() int {
	count := 0
	for _, conn := range p.snapshot() {
		if conn.IsAgent() {
			count++
		}
	}
	return count
}

// Logicals returns a copy of the current logical-id bindings.
func (p *Pool) Logicals() map[string]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]string, len(p.logical))
	for logicalID, connectionID := range p.logical {
		out[logicalID] = connectionID
	}
	return out
}

// Close tears down every connection and the sweeper. Idempotent.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	conns := make([]*Conn, 0, len(p.conns))
	for _, conn := range p.conns {
		conns = append(conns, conn)
	}
	p.conns = make(map[string]*Conn)
	p.logical = make(map[string]string)
	stop := p.sweepStop
	p.sweepStop = nil
	p.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	for _, conn := range conns {
		conn.close()
	}
}

func (p *Pool) snapshot() []*Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Conn, 0, len(p.conns))
	for _, conn := range p.conns {
		out = append(out, conn)
	}
	return out
}
