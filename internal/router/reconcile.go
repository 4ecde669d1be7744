package router

import (
	"strconv"
	"time"

	"maestro/internal/event"
	"maestro/internal/message"
	"maestro/internal/persist"
)

// reconcileSender keeps the logical-identity registry consistent with
// the connection a sender actually speaks on. A first sighting
// registers the id; a sighting on a different connection moves the
// binding and treats the sender as freshly reconnected, which triggers
// a history replay.
func (r *Router) reconcileSender(connectionID string, inbound message.Message) {
	sender := inbound.From
	if sender == "" || sender == message.SystemSender || connectionID == "" {
		return
	}

	boundTo, registered := r.pool.ResolveLogical(sender)
	if registered && boundTo == connectionID {
		return
	}

	if !registered {
		r.pool.RegisterLogical(connectionID, sender)
		r.sendReplay(sender)
		return
	}

	r.pool.UnregisterLogical(sender)
	r.pool.RegisterLogical(connectionID, sender)
	r.options.Registry.IncLogicalReassigned()
	r.options.Bus.Publish(event.NewReassignmentEvent(sender, boundTo, connectionID))
	r.options.Logger.Info("logical id reassigned", map[string]string{
		"logical_id":    sender,
		"previous_conn": boundTo,
		"connection_id": connectionID,
	})
	r.sendReplay(sender)
}

// sendReplay delivers recent history addressed to or from a logical id
// over its current connection, oldest first. Replay is best effort:
// send failures are logged, not retried.
func (r *Router) sendReplay(logicalID string) {
	recent := r.log.History(persist.Filter{
		LogicalID: logicalID,
		Since:     time.Now().Add(-r.options.ReplayWindow),
		Limit:     r.options.ReplayLimit,
	})
	if len(recent) == 0 {
		return
	}

	// History is newest-first; replay in chronological order. Entries
	// the peer itself sent are included so a reconnect restores both
	// sides of its recent conversation.
	sent := 0
	for i := len(recent) - 1; i >= 0; i-- {
		if r.pool.SendToLogical(logicalID, recent[i]) {
			sent++
		}
	}
	r.options.Logger.Debug("history replayed", map[string]string{
		"logical_id": logicalID,
		"sent":       strconv.Itoa(sent),
	})
}

// RequestReplay replays history for a logical id once it registers. If
// the id is already bound the replay happens immediately; otherwise a
// one-shot subscription waits up to the registration window and then
// gives up with a warning.
func (r *Router) RequestReplay(logicalID string) {
	if logicalID == "" {
		return
	}
	if _, registered := r.pool.ResolveLogical(logicalID); registered {
		r.sendReplay(logicalID)
		return
	}

	registrations, cancel := r.options.Bus.SubscribeTypes(event.TypeLogicalRegistered)
	go func() {
		defer cancel()
		timer := time.NewTimer(r.options.RegistrationWait)
		defer timer.Stop()
		for {
			select {
			case published, ok := <-registrations:
				if !ok {
					return
				}
				registry, ok := published.(event.RegistryEvent)
				if !ok || registry.LogicalID != logicalID {
					continue
				}
				r.sendReplay(logicalID)
				return
			case <-timer.C:
				r.options.Logger.Warn("replay abandoned, id never registered", map[string]string{
					"logical_id": logicalID,
				})
				return
			case <-r.done:
				return
			}
		}
	}()
}
