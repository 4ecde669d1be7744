package metrics

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Registry collects process-local counters for the message bus. All
// methods are safe for concurrent use and safe on a nil receiver so
// optional wiring never needs presence checks.
type Registry struct {
	connectionsOpened  atomic.Int64
	connectionsClosed  atomic.Int64
	heartbeatTimeouts  atomic.Int64
	logicalRegistered  atomic.Int64
	logicalReassigned  atomic.Int64
	messagesRouted     atomic.Int64
	messagesDelivered  atomic.Int64
	deliveryFailures   atomic.Int64
	retriesScheduled   atomic.Int64
	retriesExhausted   atomic.Int64
	persistenceSaves   atomic.Int64
	persistenceErrors  atomic.Int64
	fallbackBuffered   atomic.Int64
	framesReceived     atomic.Int64
	framesRejected     atomic.Int64
	bytesReceived      atomic.Int64
	routeDurationNanos atomic.Int64

	mu          sync.Mutex
	busCounters map[string]*busStats
}

type busStats struct {
	published   atomic.Int64
	dropped     atomic.Int64
	subscribers atomic.Int64
}

var Default = &Registry{}

func (r *Registry) IncConnectionOpened() {
	if r == nil {
		return
	}
	r.connectionsOpened.Add(1)
}

func (r *Registry) IncConnectionClosed() {
	if r == nil {
		return
	}
	r.connectionsClosed.Add(1)
}

func (r *Registry) IncHeartbeatTimeout() {
	if r == nil {
		return
	}
	r.heartbeatTimeouts.Add(1)
}

func (r *Registry) IncLogicalRegistered() {
	if r == nil {
		return
	}
	r.logicalRegistered.Add(1)
}

func (r *Registry) IncLogicalReassigned() {
	if r == nil {
		return
	}
	r.logicalReassigned.Add(1)
}

func (r *Registry) IncMessagesRouted() {
	if r == nil {
		return
	}
	r.messagesRouted.Add(1)
}

func (r *Registry) IncMessagesDelivered() {
	if r == nil {
		return
	}
	r.messagesDelivered.Add(1)
}

func (r *Registry) IncDeliveryFailure() {
	if r == nil {
		return
	}
	r.deliveryFailures.Add(1)
}

func (r *Registry) IncRetryScheduled() {
	if r == nil {
		return
	}
	r.retriesScheduled.Add(1)
}

func (r *Registry) IncRetryExhausted() {
	if r == nil {
		return
	}
	r.retriesExhausted.Add(1)
}

func (r *Registry) IncPersistenceSave() {
	if r == nil {
		return
	}
	r.persistenceSaves.Add(1)
}

func (r *Registry) IncPersistenceError() {
	if r == nil {
		return
	}
	r.persistenceErrors.Add(1)
}

func (r *Registry) IncFallbackBuffered() {
	if r == nil {
		return
	}
	r.fallbackBuffered.Add(1)
}

func (r *Registry) RecordFrame(bytes int, rejected bool) {
	if r == nil {
		return
	}
	r.framesReceived.Add(1)
	r.bytesReceived.Add(int64(bytes))
	if rejected {
		r.framesRejected.Add(1)
	}
}

func (r *Registry) RecordRouteDuration(duration time.Duration) {
	if r == nil {
		return
	}
	r.routeDurationNanos.Add(duration.Nanoseconds())
}

func (r *Registry) IncEventPublished(bus, eventType string) {
	stats := r.statsFor(bus)
	if stats == nil {
		return
	}
	stats.published.Add(1)
}

func (r *Registry) IncEventDropped(bus, eventType string) {
	stats := r.statsFor(bus)
	if stats == nil {
		return
	}
	stats.dropped.Add(1)
}

func (r *Registry) SetEventSubscriberCount(bus string, count int) {
	stats := r.statsFor(bus)
	if stats == nil {
		return
	}
	stats.subscribers.Store(int64(count))
}

func (r *Registry) statsFor(bus string) *busStats {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.busCounters == nil {
		r.busCounters = make(map[string]*busStats)
	}
	stats, ok := r.busCounters[bus]
	if !ok {
		stats = &busStats{}
		r.busCounters[bus] = stats
	}
	return stats
}

// Snapshot returns the current counter values keyed by metric name,
// sorted iteration order left to the caller.
func (r *Registry) Snapshot() map[string]int64 {
	if r == nil {
		return nil
	}
	snapshot := map[string]int64{
		"connections_opened":   r.connectionsOpened.Load(),
		"connections_closed":   r.connectionsClosed.Load(),
		"heartbeat_timeouts":   r.heartbeatTimeouts.Load(),
		"logical_registered":   r.logicalRegistered.Load(),
		"logical_reassigned":   r.logicalReassigned.Load(),
		"messages_routed":      r.messagesRouted.Load(),
		"messages_delivered":   r.messagesDelivered.Load(),
		"delivery_failures":    r.deliveryFailures.Load(),
		"retries_scheduled":    r.retriesScheduled.Load(),
		"retries_exhausted":    r.retriesExhausted.Load(),
		"persistence_saves":    r.persistenceSaves.Load(),
		"persistence_errors":   r.persistenceErrors.Load(),
		"fallback_buffered":    r.fallbackBuffered.Load(),
		"frames_received":      r.framesReceived.Load(),
		"frames_rejected":      r.framesRejected.Load(),
		"bytes_received":       r.bytesReceived.Load(),
		"route_duration_nanos": r.routeDurationNanos.Load(),
	}

	r.mu.Lock()
	for name, stats := range r.busCounters {
		snapshot["bus_"+name+"_published"] = stats.published.Load()
		snapshot["bus_"+name+"_dropped"] = stats.dropped.Load()
		snapshot["bus_"+name+"_subscribers"] = stats.subscribers.Load()
	}
	r.mu.Unlock()
	return snapshot
}

// SnapshotKeys returns the snapshot's metric names sorted, for stable
// logging output.
func SnapshotKeys(snapshot map[string]int64) []string {
	keys := make([]string, 0, len(snapshot))
	for key := range snapshot {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
