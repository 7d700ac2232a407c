package contracts

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/envelope.schema.json
var envelopeSchemaJSON string

const envelopeSchemaURL = "https://esta-kernel.local/schemas/envelope.schema.json"

var (
	envelopeSchemaOnce sync.Once
	envelopeSchema     *jsonschema.Schema
	envelopeSchemaErr  error
)

func compiledEnvelopeSchema() (*jsonschema.Schema, error) {
	envelopeSchemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		if err := c.AddResource(envelopeSchemaURL, bytes.NewReader([]byte(envelopeSchemaJSON))); err != nil {
			envelopeSchemaErr = fmt.Errorf("envelope schema: %w", err)
			return
		}
		envelopeSchema, envelopeSchemaErr = c.Compile(envelopeSchemaURL)
	})
	return envelopeSchema, envelopeSchemaErr
}

// Envelope is the wire form of a Message exchanged with hosts and replay
// scripts. Durations are integral milliseconds.
type Envelope struct {
	Type     MessageType     `json:"type"`
	Source   string          `json:"source"`
	Target   string          `json:"target"`
	Opcode   string          `json:"opcode"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Metadata EnvelopeMeta    `json:"metadata"`
}

// EnvelopeMeta is the wire form of Metadata.
type EnvelopeMeta struct {
	MessageID     string   `json:"messageId"`
	CorrelationID string   `json:"correlationId,omitempty"`
	Timestamp     int64    `json:"timestamp"`
	Priority      Priority `json:"priority"`
	TTLMs         int64    `json:"ttlMs,omitempty"`
	SchemaVersion int      `json:"schemaVersion"`
}

// ToEnvelope converts a message to its wire form.
func ToEnvelope(msg Message) Envelope {
	env := Envelope{
		Type:    msg.Type,
		Source:  string(msg.Source),
		Target:  string(msg.Target),
		Opcode:  msg.Opcode,
		Payload: msg.Payload,
		Metadata: EnvelopeMeta{
			MessageID:     msg.Metadata.MessageID.String(),
			Timestamp:     int64(msg.Metadata.Timestamp),
			Priority:      msg.Metadata.Priority,
			TTLMs:         msg.Metadata.TTL.Milliseconds(),
			SchemaVersion: msg.Metadata.SchemaVersion,
		},
	}
	if msg.Metadata.CorrelationID != uuid.Nil {
		env.Metadata.CorrelationID = msg.Metadata.CorrelationID.String()
	}
	return env
}

// Message converts a wire envelope to a Message. The result still needs
// Validate; Message only reports identifiers that fail to parse.
func (e Envelope) Message() (Message, error) {
	id, err := uuid.Parse(e.Metadata.MessageID)
	if err != nil {
		return Message{}, &SchemaValidationError{Field: "metadata.messageId", Detail: err.Error()}
	}
	var corr uuid.UUID
	if e.Metadata.CorrelationID != "" {
		if corr, err = uuid.Parse(e.Metadata.CorrelationID); err != nil {
			return Message{}, &SchemaValidationError{Field: "metadata.correlationId", Detail: err.Error()}
		}
	}
	return Message{
		Type:    e.Type,
		Source:  ModuleID(e.Source),
		Target:  ModuleID(e.Target),
		Opcode:  e.Opcode,
		Payload: e.Payload,
		Metadata: Metadata{
			MessageID:     id,
			CorrelationID: corr,
			Timestamp:     LogicalTime(e.Metadata.Timestamp),
			Priority:      e.Metadata.Priority,
			TTL:           time.Duration(e.Metadata.TTLMs) * time.Millisecond,
			SchemaVersion: e.Metadata.SchemaVersion,
		},
	}, nil
}

// EncodeMessage serializes a message as a wire envelope.
func EncodeMessage(msg Message) ([]byte, error) {
	return json.Marshal(ToEnvelope(msg))
}

// DecodeMessage parses and schema-validates a wire envelope.
func DecodeMessage(data []byte) (Message, error) {
	schema, err := compiledEnvelopeSchema()
	if err != nil {
		return Message{}, err
	}
	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return Message{}, &SchemaValidationError{Field: "envelope", Detail: err.Error()}
	}
	if err := schema.Validate(doc); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			for len(ve.Causes) > 0 {
				ve = ve.Causes[0]
			}
			return Message{}, &SchemaValidationError{Field: "envelope" + ve.InstanceLocation, Detail: ve.Message}
		}
		return Message{}, &SchemaValidationError{Field: "envelope", Detail: err.Error()}
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Message{}, &SchemaValidationError{Field: "envelope", Detail: err.Error()}
	}
	msg, err := env.Message()
	if err != nil {
		return Message{}, err
	}
	if err := Validate(msg); err != nil {
		return Message{}, err
	}
	return msg, nil
}
