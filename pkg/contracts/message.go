// Package contracts defines the message envelope and error taxonomy shared by
// every kernel component and every module that talks to the kernel.
package contracts

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"
)

// SchemaVersion is the envelope schema version produced by this kernel.
const SchemaVersion = 1

// supportedSchemaVersions lists the envelope versions the router accepts.
var supportedSchemaVersions = map[int]bool{1: true}

// KernelModule is the reserved source/target identity of the kernel itself.
const KernelModule ModuleID = "kernel"

// ModuleID names a module. Logical names ("accrual") address whatever version
// is currently routable; instance IDs ("accrual@1.2.0") name one loaded version.
type ModuleID string

// Name returns the logical module name, stripping an "@version" suffix.
func (m ModuleID) Name() ModuleID {
	if i := strings.IndexByte(string(m), '@'); i >= 0 {
		return m[:i]
	}
	return m
}

// LogicalTime is a point on the kernel's logical clock in milliseconds.
type LogicalTime int64

// Add returns t shifted by d, truncated to whole milliseconds.
func (t LogicalTime) Add(d time.Duration) LogicalTime {
	return t + LogicalTime(d.Milliseconds())
}

// Sub returns the duration t-u.
func (t LogicalTime) Sub(u LogicalTime) time.Duration {
	return time.Duration(t-u) * time.Millisecond
}

// MessageType classifies a message.
type MessageType string

const (
	MessageEvent    MessageType = "Event"
	MessageCommand  MessageType = "Command"
	MessageResponse MessageType = "Response"
	MessageQuery    MessageType = "Query"
	MessageSystem   MessageType = "System"
)

// Valid reports whether t is one of the five message types.
func (t MessageType) Valid() bool {
	switch t {
	case MessageEvent, MessageCommand, MessageResponse, MessageQuery, MessageSystem:
		return true
	}
	return false
}

// ExpectsResponse reports whether messages of this type open a correlation.
func (t MessageType) ExpectsResponse() bool {
	return t == MessageCommand || t == MessageQuery
}

// Metadata carries routing and scheduling attributes of a message.
type Metadata struct {
	MessageID     uuid.UUID     `json:"messageId"`
	CorrelationID uuid.UUID     `json:"correlationId"` // uuid.Nil when absent
	Timestamp     LogicalTime   `json:"timestamp"`
	Priority      Priority      `json:"priority"`
	TTL           time.Duration `json:"ttl"` // zero means no deadline
	SchemaVersion int           `json:"schemaVersion"`
}

// Message is the unit of communication between modules.
type Message struct {
	Type     MessageType     `json:"type"`
	Source   ModuleID        `json:"source"`
	Target   ModuleID        `json:"target"`
	Opcode   string          `json:"opcode"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Metadata Metadata        `json:"metadata"`
}

var opcodePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+(\.[A-Za-z0-9_-]+)*$`)

// Validate checks the structural schema of a message. It returns a
// *SchemaValidationError naming the first offending field.
func Validate(msg Message) error {
	if !msg.Type.Valid() {
		return &SchemaValidationError{Field: "type", Detail: fmt.Sprintf("unknown message type %q", msg.Type)}
	}
	if err := validateName("source", string(msg.Source)); err != nil {
		return err
	}
	if err := validateName("target", string(msg.Target)); err != nil {
		return err
	}
	if !norm.NFC.IsNormalString(msg.Opcode) || !opcodePattern.MatchString(msg.Opcode) {
		return &SchemaValidationError{Field: "opcode", Detail: fmt.Sprintf("malformed opcode %q", msg.Opcode)}
	}
	md := msg.Metadata
	if md.MessageID == uuid.Nil {
		return &SchemaValidationError{Field: "metadata.messageId", Detail: "missing"}
	}
	if !md.Priority.Valid() {
		return &SchemaValidationError{Field: "metadata.priority", Detail: fmt.Sprintf("unknown priority %d", md.Priority)}
	}
	if !supportedSchemaVersions[md.SchemaVersion] {
		return &SchemaValidationError{Field: "metadata.schemaVersion", Detail: fmt.Sprintf("unsupported version %d", md.SchemaVersion)}
	}
	if md.TTL < 0 {
		return &SchemaValidationError{Field: "metadata.ttl", Detail: "negative"}
	}
	if md.Timestamp < 0 {
		return &SchemaValidationError{Field: "metadata.timestamp", Detail: "negative"}
	}
	if msg.Type == MessageResponse && md.CorrelationID == uuid.Nil {
		return &SchemaValidationError{Field: "metadata.correlationId", Detail: "required for Response"}
	}
	if len(msg.Payload) > 0 && !json.Valid(msg.Payload) {
		return &SchemaValidationError{Field: "payload", Detail: "not valid JSON"}
	}
	return nil
}

func validateName(field, v string) error {
	if v == "" {
		return &SchemaValidationError{Field: field, Detail: "missing"}
	}
	if !norm.NFC.IsNormalString(v) {
		return &SchemaValidationError{Field: field, Detail: "not NFC normalized"}
	}
	if strings.ContainsAny(v, " \t\r\n") {
		return &SchemaValidationError{Field: field, Detail: "contains whitespace"}
	}
	return nil
}

// NewMessage builds a message with a fresh random ID at the current schema
// version. Callers that need reproducible IDs set Metadata.MessageID.
func NewMessage(typ MessageType, source, target ModuleID, opcode string, payload json.RawMessage) Message {
	return Message{
		Type:    typ,
		Source:  source,
		Target:  target,
		Opcode:  opcode,
		Payload: payload,
		Metadata: Metadata{
			MessageID:     uuid.New(),
			Priority:      PriorityNormal,
			SchemaVersion: SchemaVersion,
		},
	}
}

// ReplyTo builds the Response to req with source and target mirrored.
// The message ID is derived from the request so replays reproduce it.
func ReplyTo(req Message, payload json.RawMessage, now LogicalTime) Message {
	return Message{
		Type:    MessageResponse,
		Source:  req.Target,
		Target:  req.Source,
		Opcode:  req.Opcode,
		Payload: payload,
		Metadata: Metadata{
			MessageID:     uuid.NewSHA1(req.Metadata.MessageID, []byte("response")),
			CorrelationID: req.Metadata.MessageID,
			Timestamp:     now,
			Priority:      req.Metadata.Priority,
			SchemaVersion: SchemaVersion,
		},
	}
}
