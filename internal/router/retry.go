package router

import (
	"strconv"
	"time"

	"maestro/internal/event"
	"maestro/internal/message"
)

// retryEntry wraps an undelivered message with its retry bookkeeping.
// The message itself is never mutated.
type retryEntry struct {
	message     message.Message
	attempt     int
	nextRetryAt time.Time
}

// enqueueRetry schedules the first retry for a message whose
// destination is registered but transiently unreachable.
func (r *Router) enqueueRetry(routed message.Message) {
	entry := &retryEntry{
		message:     routed,
		attempt:     1,
		nextRetryAt: time.Now().Add(r.options.RetryBase),
	}

	r.mu.Lock()
	r.retries[routed.To] = append(r.retries[routed.To], entry)
	r.mu.Unlock()

	r.options.Registry.IncRetryScheduled()
	r.options.Bus.Publish(event.NewDeliveryEvent(event.TypeDeliveryRetried, routed.ID, routed.To, entry.attempt))
	r.options.Logger.Debug("retry scheduled", map[string]string{
		"message_id": routed.ID,
		"to":         routed.To,
		"attempt":    strconv.Itoa(entry.attempt),
	})
}

func (r *Router) retryLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.options.RetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.sweepRetries(time.Now())
		case <-r.done:
			return
		}
	}
}

// sweepRetries retries every due entry. Retry order across
// destinations is independent; within one destination, entries fire
// as their individual backoff expires.
func (r *Router) sweepRetries(now time.Time) {
	r.mu.Lock()
	due := make(map[string][]*retryEntry)
	for destination, entries := range r.retries {
		for _, entry := range entries {
			if !entry.nextRetryAt.After(now) {
				due[destination] = append(due[destination], entry)
			}
		}
	}
	r.mu.Unlock()

	for destination, entries := range due {
		for _, entry := range entries {
			r.retryOne(destination, entry, now)
		}
	}

	r.mu.Lock()
	for destination, entries := range r.retries {
		if len(entries) == 0 {
			delete(r.retries, destination)
		}
	}
	r.mu.Unlock()
}

func (r *Router) retryOne(destination string, entry *retryEntry, now time.Time) {
	if r.pool.SendToLogical(destination, entry.message) {
		r.removeEntry(destination, entry)
		r.options.Registry.IncMessagesDelivered()
		r.options.Bus.Publish(event.NewDeliveryEvent(event.TypeMessageDelivered, entry.message.ID, destination, entry.attempt))
		if entry.message.RequiresAck {
			r.sendAck(entry.message)
		}
		return
	}

	entry.attempt++
	if entry.attempt <= r.options.MaxRetries {
		// Exponential backoff: base, 2*base, 4*base, ...
		backoff := r.options.RetryBase * time.Duration(1<<(entry.attempt-1))
		entry.nextRetryAt = now.Add(backoff)
		r.options.Registry.IncRetryScheduled()
		r.options.Bus.Publish(event.NewDeliveryEvent(event.TypeDeliveryRetried, entry.message.ID, destination, entry.attempt))
		return
	}

	r.removeEntry(destination, entry)
	r.options.Registry.IncRetryExhausted()
	r.options.Registry.IncDeliveryFailure()
	r.options.Bus.Publish(event.NewDeliveryFailure(entry.message.ID, destination, "retries exhausted", entry.attempt-1, true))
	r.options.Logger.Warn("delivery abandoned after retries", map[string]string{
		"message_id": entry.message.ID,
		"to":         destination,
		"attempts":   strconv.Itoa(entry.attempt - 1),
	})
}

func (r *Router) removeEntry(destination string, target *retryEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entries := r.retries[destination]
	for i, entry := range entries {
		if entry == target {
			r.retries[destination] = append(entries[:i], entries[i+1:]...)
			break
		}
	}
	if len(r.retries[destination]) == 0 {
		delete(r.retries, destination)
	}
}

// PendingRetries reports queued retry counts per destination, for the
// health endpoint.
func (r *Router) PendingRetries() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int, len(r.retries))
	for destination, entries := range r.retries {
		out[destination] = len(entries)
	}
	return out
}
