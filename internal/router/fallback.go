package router

import (
	"strconv"
	"time"

	"maestro/internal/event"
	"maestro/internal/message"
)

// persistOrBuffer saves the message, falling back to the bounded
// in-memory buffer when the log is failing. Availability wins over
// completeness: the buffer evicts its oldest entry at capacity.
func (r *Router) persistOrBuffer(routed message.Message) {
	err := r.log.Save(routed)
	if err != nil {
		r.mu.Lock()
		r.fallback.Add(routed)
		buffered := r.fallback.Len()
		wasDegraded := r.degraded
		r.degraded = true
		r.mu.Unlock()

		r.options.Registry.IncFallbackBuffered()
		if !wasDegraded {
			r.options.Bus.Publish(event.NewPersistenceEvent(event.TypePersistenceDegraded, err.Error(), buffered))
			r.options.Logger.Error("persistence degraded", map[string]string{
				"error": err.Error(),
			})
		}
		return
	}

	r.mu.Lock()
	degraded := r.degraded
	r.mu.Unlock()
	if degraded {
		r.flushFallback()
	}
}

// flushFallback replays buffered messages into the log. Entries that
// fail again stay buffered; the degraded flag clears only when the
// buffer fully drains.
func (r *Router) flushFallback() {
	r.mu.Lock()
	pending := r.fallback.Drain()
	r.mu.Unlock()

	if len(pending) == 0 {
		r.markRecovered(0)
		return
	}

	var failed []message.Message
	for i, buffered := range pending {
		if err := r.log.Save(buffered); err != nil {
			failed = append(failed, pending[i:]...)
			break
		}
	}

	if len(failed) == 0 {
		r.markRecovered(len(pending))
		return
	}

	r.mu.Lock()
	for _, buffered := range failed {
		r.fallback.Add(buffered)
	}
	r.mu.Unlock()
	r.options.Logger.Warn("fallback flush incomplete", map[string]string{
		"remaining": strconv.Itoa(len(failed)),
	})
}

func (r *Router) markRecovered(flushed int) {
	r.mu.Lock()
	wasDegraded := r.degraded
	r.degraded = false
	r.mu.Unlock()

	if wasDegraded {
		r.options.Bus.Publish(event.NewPersistenceEvent(event.TypePersistenceRecovery, "", flushed))
		r.options.Logger.Info("persistence recovered", map[string]string{
			"flushed": strconv.Itoa(flushed),
		})
	}
}

// flushLoop periodically retries buffered messages so recovery does
// not depend on new traffic arriving.
func (r *Router) flushLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.options.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.mu.Lock()
			degraded := r.degraded
			r.mu.Unlock()
			if degraded {
				r.flushFallback()
			}
		case <-r.done:
			return
		}
	}
}

// FallbackDepth reports the number of messages awaiting durable
// persistence.
func (r *Router) FallbackDepth() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fallback.Len()
}

// Degraded reports whether the log is currently failing saves.
func (r *Router) Degraded() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.degraded
}
