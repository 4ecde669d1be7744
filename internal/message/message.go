package message

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Type is the closed set of wire message types.
type Type string

const (
	TypeChat    Type = "chat"
	TypeStatus  Type = "status"
	TypeWelcome Type = "welcome"
	TypeAck     Type = "ack"
	TypeError   Type = "error"

	TypeSpawnAgent     Type = "spawn-agent"
	TypeAssignTask     Type = "assign-task"
	TypeQueryStatus    Type = "query-status"
	TypeTerminateAgent Type = "terminate-agent"
)

// SystemSender is the from address used on frames the bus itself
// synthesizes (welcomes, acks, error replies).
const SystemSender = "system"

var knownTypes = map[Type]struct{}{
	TypeChat:           {},
	TypeStatus:         {},
	TypeWelcome:        {},
	TypeAck:            {},
	TypeError:          {},
	TypeSpawnAgent:     {},
	TypeAssignTask:     {},
	TypeQueryStatus:    {},
	TypeTerminateAgent: {},
}

var (
	ErrMissingFrom = errors.New("message is missing from address")
	ErrMissingTo   = errors.New("message is missing to address")
	ErrMissingType = errors.New("message is missing type")
)

// Message is the wire unit of the bus. Messages are immutable once
// constructed; retry bookkeeping lives in router wrapper records, not
// here.
type Message struct {
	ID            string          `json:"id"`
	Timestamp     time.Time       `json:"timestamp"`
	From          string          `json:"from"`
	To            string          `json:"to"`
	Type          Type            `json:"type"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty"`
	RequiresAck   bool            `json:"requiresAck,omitempty"`
}

// New builds a message with a fresh id and UTC timestamp.
func New(from, to string, messageType Type, payload json.RawMessage) Message {
	return Message{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		From:      from,
		To:        to,
		Type:      messageType,
		Payload:   payload,
	}
}

// Decode parses and validates an inbound frame. Missing id and
// timestamp are filled in; anything else missing is a validation
// error.
func Decode(raw []byte) (Message, error) {
	var parsed Message
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return Message{}, fmt.Errorf("malformed frame: %w", err)
	}
	if err := parsed.Validate(); err != nil {
		return Message{}, err
	}
	if strings.TrimSpace(parsed.ID) == "" {
		parsed.ID = uuid.NewString()
	}
	if parsed.Timestamp.IsZero() {
		parsed.Timestamp = time.Now().UTC()
	}
	return parsed, nil
}

// Validate checks structural requirements. It does not resolve
// destinations; unknown logical ids are a routing concern.
func (m Message) Validate() error {
	if strings.TrimSpace(m.From) == "" {
		return ErrMissingFrom
	}
	if strings.TrimSpace(m.To) == "" {
		return ErrMissingTo
	}
	if strings.TrimSpace(string(m.Type)) == "" {
		return ErrMissingType
	}
	if _, ok := knownTypes[m.Type]; !ok {
		return fmt.Errorf("unknown message type %q", m.Type)
	}
	return nil
}

// IsSystemCommand reports whether the message dispatches to an
// external collaborator instead of destination-based delivery.
func (m Message) IsSystemCommand() bool {
	switch m.Type {
	case TypeSpawnAgent, TypeAssignTask, TypeQueryStatus, TypeTerminateAgent:
		return true
	default:
		return false
	}
}

// Encode serializes the message to its single-line wire form.
func (m Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// NewAck synthesizes the acknowledgment for a delivered message.
func NewAck(delivered Message) Message {
	ack := New(SystemSender, delivered.From, TypeAck, nil)
	ack.CorrelationID = delivered.ID
	return ack
}

// NewErrorReply synthesizes the error frame returned to a sender whose
// input was rejected.
func NewErrorReply(to, reason, correlationID string) Message {
	payload, _ := json.Marshal(map[string]string{"reason": reason})
	reply := New(SystemSender, to, TypeError, payload)
	reply.CorrelationID = correlationID
	return reply
}

// NewWelcome synthesizes the frame sent when a connection joins,
// carrying its assigned connection id.
func NewWelcome(connectionID string) Message {
	payload, _ := json.Marshal(map[string]string{"connectionId": connectionID})
	return New(SystemSender, connectionID, TypeWelcome, payload)
}
