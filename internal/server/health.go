package server

import (
	"encoding/json"
	"net/http"
	"time"
)

type healthReport struct {
	Status         string         `json:"status"`
	Port           int            `json:"port"`
	UptimeSeconds  int64          `json:"uptimeSeconds"`
	Connections    int            `json:"connections"`
	Agents         int            `json:"agents"`
	LogicalIDs     int            `json:"logicalIds"`
	PendingRetries map[string]int `json:"pendingRetries,omitempty"`
	FallbackDepth  int            `json:"fallbackDepth"`
	Degraded       bool           `json:"persistenceDegraded"`
}

func (l *Listener) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	report := healthReport{
		Status:         "ok",
		Port:           l.port,
		UptimeSeconds:  int64(time.Since(l.startedAt) / time.Second),
		Connections:    l.pool.Count(),
		Agents:         l.pool.AgentCount(),
		LogicalIDs:     len(l.pool.Logicals()),
		PendingRetries: l.router.PendingRetries(),
		FallbackDepth:  l.router.FallbackDepth(),
		Degraded:       l.router.Degraded(),
	}
	if report.Degraded {
		report.Status = "degraded"
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(report)
}
