package router

import (
	"strconv"
	"sync"
	"time"

	"maestro/internal/buffer"
	"maestro/internal/event"
	"maestro/internal/logging"
	"maestro/internal/message"
	"maestro/internal/metrics"
	"maestro/internal/persist"
	"maestro/internal/pool"
)

// Store is the durability surface the router needs. *persist.Log is
// the production implementation.
type Store interface {
	Save(message.Message) error
	History(persist.Filter) []message.Message
}

type Options struct {
	MaxRetries       int
	RetryBase        time.Duration
	RetryInterval    time.Duration
	FallbackCapacity int
	FlushInterval    time.Duration
	ReplayWindow     time.Duration
	ReplayLimit      int
	RegistrationWait time.Duration
	Logger           *logging.Logger
	Registry         *metrics.Registry
	Bus              *event.Bus[event.Event]
	Agents           AgentDirectory
	Tasks            TaskDirectory
}

// Router turns validated messages into delivery attempts with
// durability and bounded retry, and dispatches system commands to the
// injected collaborators. It exclusively owns retry and fallback
// state.
type Router struct {
	options Options
	pool    *pool.Pool
	log     Store

	mu       sync.Mutex
	retries  map[string][]*retryEntry
	fallback *buffer.Ring[message.Message]
	degraded bool

	dashboardMu sync.Mutex
	dashboard   func(message.Message)

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func New(connections *pool.Pool, log Store, options Options) *Router {
	if options.MaxRetries <= 0 {
		options.MaxRetries = 3
	}
	if options.RetryBase <= 0 {
		options.RetryBase = time.Second
	}
	if options.RetryInterval <= 0 {
		options.RetryInterval = time.Second
	}
	if options.FallbackCapacity <= 0 {
		options.FallbackCapacity = 1000
	}
	if options.FlushInterval <= 0 {
		options.FlushInterval = 30 * time.Second
	}
	if options.ReplayWindow <= 0 {
		options.ReplayWindow = 10 * time.Minute
	}
	if options.ReplayLimit <= 0 {
		options.ReplayLimit = 100
	}
	if options.RegistrationWait <= 0 {
		options.RegistrationWait = 30 * time.Second
	}
	if options.Logger == nil {
		options.Logger = logging.Discard()
	}
	if options.Registry == nil {
		options.Registry = metrics.Default
	}
	if options.Agents == nil {
		options.Agents = NoopAgentDirectory{}
	}
	if options.Tasks == nil {
		options.Tasks = NoopTaskDirectory{}
	}

	instance := &Router{
		options:  options,
		pool:     connections,
		log:      log,
		retries:  make(map[string][]*retryEntry),
		fallback: buffer.NewRing[message.Message](options.FallbackCapacity),
		done:     make(chan struct{}),
	}
	instance.wg.Add(2)
	go instance.retryLoop()
	go instance.flushLoop()
	return instance
}

// RegisterDashboard installs the single dashboard callback. Dashboard
// destinations fail while none is registered.
func (r *Router) RegisterDashboard(callback func(message.Message)) {
	r.dashboardMu.Lock()
	r.dashboard = callback
	r.dashboardMu.Unlock()
}

func (r *Router) ClearDashboard() {
	r.RegisterDashboard(nil)
}

// HandleInbound processes a frame arriving on a connection: liveness
// and counters, sender identity reconciliation, then routing.
func (r *Router) HandleInbound(connectionID string, inbound message.Message) bool {
	r.pool.Touch(connectionID)
	if conn, ok := r.pool.Connection(connectionID); ok {
		conn.RecordMessage()
	}
	r.reconcileSender(connectionID, inbound)
	return r.Route(inbound)
}

// Route persists the message, dispatches system commands, and
// delivers everything else by destination class. Persistence failure
// never blocks routing. Returns whether delivery succeeded.
func (r *Router) Route(routed message.Message) bool {
	started := time.Now()
	r.options.Registry.IncMessagesRouted()

	r.persistOrBuffer(routed)

	if routed.IsSystemCommand() {
		r.dispatchCommand(routed)
		r.options.Registry.RecordRouteDuration(time.Since(started))
		return true
	}

	destination := message.ClassifyDestination(routed.To)
	success := r.deliver(destination, routed)

	if success {
		r.options.Registry.IncMessagesDelivered()
		if routed.RequiresAck {
			r.sendAck(routed)
		}
	}

	r.options.Bus.Publish(event.NewRoutedEvent(routed.ID, string(destination), success, routed.RequiresAck))
	r.options.Registry.RecordRouteDuration(time.Since(started))
	return success
}

func (r *Router) deliver(destination message.Destination, routed message.Message) bool {
	switch destination {
	case message.DestAllAgents:
		sent, failed := r.pool.SendToAgents(routed)
		if sent == 0 {
			r.options.Logger.Warn("no agents accepted message", map[string]string{
				"message_id": routed.ID,
				"failed":     strconv.Itoa(failed),
			})
			return false
		}
		return true

	case message.DestBroadcast:
		exclude := map[string]struct{}{}
		if connectionID, ok := r.pool.ResolveLogical(routed.From); ok {
			exclude[connectionID] = struct{}{}
		}
		sent, _ := r.pool.Broadcast(routed, exclude)
		return sent > 0 || r.pool.Count() <= len(exclude)

	case message.DestDashboard:
		return r.deliverDashboard(routed)

	default:
		return r.deliverDirect(routed)
	}
}

func (r *Router) deliverDashboard(routed message.Message) bool {
	r.dashboardMu.Lock()
	callback := r.dashboard
	r.dashboardMu.Unlock()

	if callback == nil {
		r.options.Registry.IncDeliveryFailure()
		r.options.Bus.Publish(event.NewDeliveryFailure(routed.ID, routed.To, "no dashboard registered", 0, true))
		return false
	}
	callback(routed)
	return true
}

// deliverDirect resolves the destination logical id. A send failure
// with a registered id is transient and enters the retry queue; an
// unregistered id is a permanent routing failure with no retry.
func (r *Router) deliverDirect(routed message.Message) bool {
	connectionID, registered := r.pool.ResolveLogical(routed.To)
	if !registered {
		r.options.Registry.IncDeliveryFailure()
		r.options.Bus.Publish(event.NewDeliveryFailure(routed.ID, routed.To, "destination not registered", 0, true))
		r.options.Logger.Warn("unresolved destination", map[string]string{
			"message_id": routed.ID,
			"to":         routed.To,
		})
		return false
	}

	if r.pool.SendToClient(connectionID, routed) {
		return true
	}
	r.enqueueRetry(routed)
	return false
}

func (r *Router) sendAck(delivered message.Message) {
	ack := message.NewAck(delivered)
	if !r.pool.SendToLogical(delivered.From, ack) {
		r.options.Logger.Debug("ack undeliverable", map[string]string{
			"message_id": delivered.ID,
			"from":       delivered.From,
		})
	}
}

// Stop cancels the retry and flush loops and discards buffered state.
// Idempotent.
func (r *Router) Stop() {
	r.stopOnce.Do(func() {
		close(r.done)
	})
	r.wg.Wait()
}

