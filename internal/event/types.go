package event

import "time"

// Event is a typed bus event with an occurrence timestamp.
type Event interface {
	Type() string
	Timestamp() time.Time
}

// Closed set of event type names published by the core. Anything else
// on the bus is a bug.
const (
	TypeConnectionOpened    = "connection_opened"
	TypeConnectionClosed    = "connection_closed"
	TypeHeartbeatTimeout    = "heartbeat_timeout"
	TypeLogicalRegistered   = "logical_registered"
	TypeLogicalUnregistered = "logical_unregistered"
	TypeLogicalReassigned   = "logical_reassigned"
	TypeMessageRouted       = "message_routed"
	TypeMessageDelivered    = "message_delivered"
	TypeDeliveryRetried     = "delivery_retried"
	TypeDeliveryFailed      = "delivery_failed"
	TypePersistenceDegraded = "persistence_degraded"
	TypePersistenceRecovery = "persistence_recovered"
	TypeServerStarted       = "server_started"
	TypeServerStopped       = "server_stopped"
	TypeConfigReloaded      = "config_reloaded"
)

// ConnectionEvent captures transport connection lifecycle changes.
type ConnectionEvent struct {
	EventType    string
	ConnectionID string
	RemoteAddr   string
	IsAgent      bool
	OccurredAt   time.Time
}

func NewConnectionEvent(eventType, connectionID, remoteAddr string, isAgent bool) ConnectionEvent {
	return ConnectionEvent{
		EventType:    eventType,
		ConnectionID: connectionID,
		RemoteAddr:   remoteAddr,
		IsAgent:      isAgent,
		OccurredAt:   time.Now().UTC(),
	}
}

func (e ConnectionEvent) Type() string {
	return e.EventType
}

func (e ConnectionEvent) Timestamp() time.Time {
	return e.OccurredAt
}

// RegistryEvent captures logical-identity registry changes. On a
// reassignment PreviousConnectionID names the evicted binding.
type RegistryEvent struct {
	EventType            string
	LogicalID            string
	ConnectionID         string
	PreviousConnectionID string
	OccurredAt           time.Time
}

func NewRegistryEvent(eventType, logicalID, connectionID string) RegistryEvent {
	return RegistryEvent{
		EventType:    eventType,
		LogicalID:    logicalID,
		ConnectionID: connectionID,
		OccurredAt:   time.Now().UTC(),
	}
}

func NewReassignmentEvent(logicalID, previousConnectionID, connectionID string) RegistryEvent {
	return RegistryEvent{
		EventType:            TypeLogicalReassigned,
		LogicalID:            logicalID,
		ConnectionID:         connectionID,
		PreviousConnectionID: previousConnectionID,
		OccurredAt:           time.Now().UTC(),
	}
}

func (e RegistryEvent) Type() string {
	return e.EventType
}

func (e RegistryEvent) Timestamp() time.Time {
	return e.OccurredAt
}

// RoutedEvent is published once per routed message regardless of
// delivery outcome.
type RoutedEvent struct {
	EventType   string
	MessageID   string
	Destination string
	Success     bool
	AckRequired bool
	OccurredAt  time.Time
}

func NewRoutedEvent(messageID, destination string, success, ackRequired bool) RoutedEvent {
	return RoutedEvent{
		EventType:   TypeMessageRouted,
		MessageID:   messageID,
		Destination: destination,
		Success:     success,
		AckRequired: ackRequired,
		OccurredAt:  time.Now().UTC(),
	}
}

func (e RoutedEvent) Type() string {
	return e.EventType
}

func (e RoutedEvent) Timestamp() time.Time {
	return e.OccurredAt
}

// DeliveryEvent captures per-message delivery outcomes: retries,
// eventual delivery, and permanent failure.
type DeliveryEvent struct {
	EventType  string
	MessageID  string
	LogicalID  string
	Attempt    int
	Permanent  bool
	Reason     string
	OccurredAt time.Time
}

func NewDeliveryEvent(eventType, messageID, logicalID string, attempt int) DeliveryEvent {
	return DeliveryEvent{
		EventType:  eventType,
		MessageID:  messageID,
		LogicalID:  logicalID,
		Attempt:    attempt,
		OccurredAt: time.Now().UTC(),
	}
}

func NewDeliveryFailure(messageID, logicalID, reason string, attempt int, permanent bool) DeliveryEvent {
	return DeliveryEvent{
		EventType:  TypeDeliveryFailed,
		MessageID:  messageID,
		LogicalID:  logicalID,
		Attempt:    attempt,
		Permanent:  permanent,
		Reason:     reason,
		OccurredAt: time.Now().UTC(),
	}
}

func (e DeliveryEvent) Type() string {
	return e.EventType
}

func (e DeliveryEvent) Timestamp() time.Time {
	return e.OccurredAt
}

// PersistenceEvent signals durability degradation and recovery.
type PersistenceEvent struct {
	EventType  string
	Error      string
	Buffered   int
	OccurredAt time.Time
}

func NewPersistenceEvent(eventType, errorText string, buffered int) PersistenceEvent {
	return PersistenceEvent{
		EventType:  eventType,
		Error:      errorText,
		Buffered:   buffered,
		OccurredAt: time.Now().UTC(),
	}
}

func (e PersistenceEvent) Type() string {
	return e.EventType
}

func (e PersistenceEvent) Timestamp() time.Time {
	return e.OccurredAt
}

// ServerEvent captures listener lifecycle changes.
type ServerEvent struct {
	EventType  string
	Port       int
	OccurredAt time.Time
}

func NewServerEvent(eventType string, port int) ServerEvent {
	return ServerEvent{
		EventType:  eventType,
		Port:       port,
		OccurredAt: time.Now().UTC(),
	}
}

func (e ServerEvent) Type() string {
	return e.EventType
}

func (e ServerEvent) Timestamp() time.Time {
	return e.OccurredAt
}

// ConfigEvent captures settings reloads.
type ConfigEvent struct {
	EventType  string
	Path       string
	LogLevel   string
	OccurredAt time.Time
}

func NewConfigEvent(path, logLevel string) ConfigEvent {
	return ConfigEvent{
		EventType:  TypeConfigReloaded,
		Path:       path,
		LogLevel:   logLevel,
		OccurredAt: time.Now().UTC(),
	}
}

func (e ConfigEvent) Type() string {
	return e.EventType
}

func (e ConfigEvent) Timestamp() time.Time {
	return e.OccurredAt
}
