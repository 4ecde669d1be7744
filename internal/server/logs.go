package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/websocket"
)

// handleLogs serves the daemon's log tail. A plain GET returns the
// buffered entries as JSON; a websocket upgrade replays the tail and
// then streams live entries, which is how dashboards follow the bus
// without access to its stdout.
func (l *Listener) handleLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if websocket.IsWebSocketUpgrade(r) {
		l.streamLogs(w, r)
		return
	}

	entries := l.options.Logger.Buffer().List()
	if limitParam := r.URL.Query().Get("limit"); limitParam != "" {
		limit, err := strconv.Atoi(limitParam)
		if err != nil || limit < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		if limit < len(entries) {
			entries = entries[len(entries)-limit:]
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(entries)
}

func (l *Listener) streamLogs(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return isOriginAllowed(r, l.options.AllowedOrigins)
		},
	}
	socket, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer socket.Close()

	// Subscribe before replaying the tail so entries logged while the
	// tail is in flight are not lost.
	live, cancel := l.options.Logger.Subscribe()
	defer cancel()

	for _, entry := range l.options.Logger.Buffer().List() {
		if err := socket.WriteJSON(entry); err != nil {
			return
		}
	}

	// Inbound frames are discarded; a read error means the peer hung
	// up.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := socket.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case entry, ok := <-live:
			if !ok {
				return
			}
			if err := socket.WriteJSON(entry); err != nil {
				return
			}
		case <-gone:
			return
		case <-l.done:
			return
		}
	}
}
