// Package schema defines the A2A message envelope and validates it against
// the engine's embedded JSON schemas. Validation runs before every publish
// and on every receive; envelopes failing intake validation are rejected to
// the dead-letter queue with the structured reason attached.
package schema

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message types registered with the validator. meta.messageType selects the
// payload schema.
const (
	TypeSpecialistInvocationRequest = "SpecialistInvocationRequest"
	TypeSpecialistResult            = "SpecialistResult"
	TypeRetryDirective              = "RetryDirective"
	TypeDecisionNotice              = "DecisionNotice"
	TypeContextRequest              = "ContextRequest"
	TypeContextResult               = "ContextResult"
	TypeRegistryHeartbeat           = "RegistryHeartbeat"
	TypeSystemEvent                 = "SystemEvent"
	TypeMemoryEvent                 = "MemoryEvent"
)

// A2AVersion is the envelope wire-format version this engine speaks.
const A2AVersion = "1.0"

// Meta is the envelope header. Timestamps are ISO-8601 UTC strings so the
// canonical serialization used for signing is byte-stable.
type Meta struct {
	A2AVersion    string   `json:"a2aVersion"`
	CorrelationID string   `json:"correlationId"`
	TraceID       string   `json:"traceId"`
	MessageType   string   `json:"messageType"`
	Timestamp     string   `json:"timestamp"`
	From          string   `json:"from"`
	To            []string `json:"to"`
	ReplyTo       string   `json:"replyTo,omitempty"`
	Priority      *int     `json:"priority,omitempty"`
	Deadline      string   `json:"deadline,omitempty"`
	Signature     string   `json:"signature,omitempty"`
}

// Envelope is the two-part wire message: a validated header and a payload
// whose schema is selected by Meta.MessageType.
type Envelope struct {
	Meta    Meta            `json:"meta"`
	Payload json.RawMessage `json:"payload"`
}

// NewEnvelope builds an envelope with the payload marshaled to JSON.
func NewEnvelope(meta Meta, payload any) (*Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	if meta.A2AVersion == "" {
		meta.A2AVersion = A2AVersion
	}
	if meta.Timestamp == "" {
		meta.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	return &Envelope{Meta: meta, Payload: data}, nil
}

// Decode unmarshals the payload into out.
func (e *Envelope) Decode(out any) error {
	return json.Unmarshal(e.Payload, out)
}

// Marshal renders the envelope as wire JSON.
func (e *Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Unmarshal parses wire JSON into an envelope.
func Unmarshal(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}
	return &env, nil
}

// SpecialistInvocationRequest asks the engine to execute a graph.
type SpecialistInvocationRequest struct {
	GraphID      string         `json:"graphId"`
	GraphVersion string         `json:"graphVersion,omitempty"`
	Input        any            `json:"input"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// SpecialistResult reports the terminal outcome of a run.
type SpecialistResult struct {
	Status     string           `json:"status"`
	TraceID    string           `json:"traceId,omitempty"`
	Result     any              `json:"result,omitempty"`
	DurationMs int64            `json:"durationMs,omitempty"`
	Error      *SpecialistError `json:"error,omitempty"`
}

// SpecialistError mirrors the structured error taxonomy on the wire.
type SpecialistError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}
