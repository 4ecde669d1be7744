package logging

import "sync"

const defaultSubscriberBuffer = 100

// LogHub fans live log entries out to subscribers. Entries are
// dropped for a subscriber whose channel is full; logging never
// blocks on a slow log consumer.
type LogHub struct {
	mu     sync.Mutex
	subs   map[chan LogEntry]struct{}
	closed bool
}

func NewLogHub() *LogHub {
	return &LogHub{
		subs: make(map[chan LogEntry]struct{}),
	}
}

// Subscribe returns a channel of future entries and a cancel func.
// Cancel is safe to call more than once; after Close the returned
// channel is already closed.
func (h *LogHub) Subscribe(buffer int) (<-chan LogEntry, func()) {
	if h == nil {
		return nil, func() {}
	}
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		ch := make(chan LogEntry)
		close(ch)
		return ch, func() {}
	}
	ch := make(chan LogEntry, buffer)
	h.subs[ch] = struct{}{}
	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, live := h.subs[ch]; live {
			delete(h.subs, ch)
			close(ch)
		}
	}
}

func (h *LogHub) Broadcast(entry LogEntry) {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	for ch := range h.subs {
		select {
		case ch <- entry:
		default:
		}
	}
}

func (h *LogHub) Close() {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for ch := range h.subs {
		delete(h.subs, ch)
		close(ch)
	}
}
