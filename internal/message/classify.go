package message

import "strings"

// Destination classifies a to address. The listener and the router
// share this function so boundary pre-checks and routing never
// disagree.
type Destination string

const (
	DestAllAgents Destination = "all-agents"
	DestBroadcast Destination = "broadcast"
	DestDashboard Destination = "dashboard"
	DestDirect    Destination = "direct"
)

const (
	addressAllAgents       = "all-agents"
	addressBroadcastPrefix = "broadcast"
	addressDashboardPrefix = "dashboard"
)

// ClassifyDestination maps a destination address to its delivery
// strategy. Anything that is not all-agents, broadcast-, or
// dashboard-prefixed is a direct logical address such as "conductor"
// or "agent-7".
func ClassifyDestination(to string) Destination {
	trimmed := strings.TrimSpace(to)
	switch {
	case trimmed == addressAllAgents:
		return DestAllAgents
	case strings.HasPrefix(trimmed, addressBroadcastPrefix):
		return DestBroadcast
	case strings.HasPrefix(trimmed, addressDashboardPrefix):
		return DestDashboard
	default:
		return DestDirect
	}
}
