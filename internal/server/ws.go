package server

import (
	"net/http"
	"net/url"
	"strings"

	"maestro/internal/message"
	"maestro/internal/pool"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

func (l *Listener) handleWS(w http.ResponseWriter, r *http.Request) {
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

	connectionID := uuid.NewString()
	meta := pool.Metadata{
		IsAgent:    classifyPeer(r),
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
	}
	l.pool.Add(socket, connectionID, meta)
	socket.SetPongHandler(func(string) error {
		l.pool.Touch(connectionID)
		return nil
	})

	l.readLoop(socket, connectionID)
}

// readLoop consumes frames until the socket dies, then removes the
// connection from the pool. Invalid frames earn the sender an error
// reply and are never persisted or routed.
func (l *Listener) readLoop(socket *websocket.Conn, connectionID string) {
	for {
		_, raw, err := socket.ReadMessage()
		if err != nil {
			l.pool.Remove(connectionID)
			return
		}

		inbound, err := message.Decode(raw)
		if err != nil {
			l.options.Registry.RecordFrame(len(raw), true)
			l.pool.SendToClient(connectionID, message.NewErrorReply(connectionID, err.Error(), ""))
			l.options.Logger.Debug("rejected frame", map[string]string{
				"connection_id": connectionID,
				"error":         err.Error(),
			})
			continue
		}

		l.options.Registry.RecordFrame(len(raw), false)
		l.router.HandleInbound(connectionID, inbound)
	}
}

// classifyPeer decides whether a connection belongs to a coding agent.
// Agents either say so with ?role=agent or identify through their
// user agent string; everything else is treated as an external client
// (conductor console, dashboard).
func classifyPeer(r *http.Request) bool {
	if r.URL.Query().Get("role") == "agent" {
		return true
	}
	return strings.Contains(strings.ToLower(r.UserAgent()), "agent")
}

// isOriginAllowed permits same-host and listed origins. An empty list
// allows everything; the bus trusts its network boundary by default.
func isOriginAllowed(r *http.Request, allowed []string) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(allowed) == 0 {
		return true
	}
	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if strings.EqualFold(parsed.Host, r.Host) {
		return true
	}
	for _, candidate := range allowed {
		if strings.EqualFold(strings.TrimSuffix(candidate, "/"), strings.TrimSuffix(origin, "/")) {
			return true
		}
	}
	return false
}
