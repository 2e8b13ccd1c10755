// Package elgerr defines the engine's structured error type and the error
// code taxonomy shared by every component. All errors that cross a durable
// boundary (run records, step records, DLQ headers) carry a code, a
// message, and optional details.
package elgerr

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Code identifies an error kind in the engine taxonomy.
type Code string

// Validation errors.
const (
	CodeMetaSchemaInvalid    Code = "META_SCHEMA_INVALID"
	CodePayloadSchemaInvalid Code = "PAYLOAD_SCHEMA_INVALID"
	CodeUnknownMessageType   Code = "UNKNOWN_MESSAGE_TYPE"
)

// Policy errors.
const (
	CodePolicyDeniedPre  Code = "POLICY_DENIED_PRE"
	CodePolicyDeniedPost Code = "POLICY_DENIED_POST"
)

// Node errors.
const (
	CodeNodeFailed           Code = "NODE_FAILED"
	CodeNodeExhaustedRetries Code = "NODE_EXHAUSTED_RETRIES"
	CodeNodeTimeout          Code = "NODE_TIMEOUT"
)

// Routing errors.
const (
	CodeUnroutedNext  Code = "UNROUTED_NEXT"
	CodeAmbiguousNext Code = "AMBIGUOUS_NEXT"
)

// Checkpoint errors.
const (
	CodeCheckpointDivergence Code = "CHECKPOINT_DIVERGENCE"
	CodeStoreUnavailable     Code = "STORE_UNAVAILABLE"
)

// Replay and resume errors.
const (
	CodeReplayRecordMissing Code = "REPLAY_RECORD_MISSING"
	CodeResumeDivergence    Code = "RESUME_DIVERGENCE"
	CodeReplayDivergence    Code = "REPLAY_DIVERGENCE"
)

// Transport errors.
const (
	CodePublishFailed    Code = "PUBLISH_FAILED"
	CodeRequestTimeout   Code = "REQUEST_TIMEOUT"
	CodeDeliveryExceeded Code = "DELIVERY_EXCEEDED"
)

// Lifecycle errors.
const (
	CodeConfigInvalid Code = "CONFIG_INVALID"
	CodeInitFailed    Code = "INIT_FAILED"
	CodeShutdown      Code = "SHUTDOWN"
)

// Error is the structured error carried on durable records and surfaced to
// callers. It serializes to {code, message, details?}.
type Error struct {
	Code    Code           `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Cause   error          `json:"-"`
}

// New creates an Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates an Error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error that records cause for Unwrap and appends the
// cause's message.
func Wrap(cause error, code Code, message string) *Error {
	e := &Error{Code: code, Message: message, Cause: cause}
	if cause != nil {
		e.Message = message + ": " + cause.Error()
	}
	return e
}

// WithDetail returns the receiver with a detail key set. Details are
// created lazily; the receiver is returned for chaining.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

func (e *Error) Error() string {
	if e.Code != "" {
		return string(e.Code) + ": " + e.Message
	}
	return e.Message
}

// Unwrap supports errors.Is/As chains through the wrapped cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches two Errors by code, so callers can write
// errors.Is(err, elgerr.New(elgerr.CodeNodeFailed, "")).
func (e *Error) Is(target error) bool {
	var te *Error
	if errors.As(target, &te) {
		return te.Code == e.Code
	}
	return false
}

// CodeOf extracts the taxonomy code from err, or "" when err carries none.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// From returns err as a *Error, wrapping unclassified errors under the
// given fallback code.
func From(err error, fallback Code) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Wrap(err, fallback, "unclassified error")
}

// MarshalJSONValue renders err as the jsonb value persisted on runs.error
// and steps.error. Nil errors marshal to null.
func MarshalJSONValue(err *Error) ([]byte, error) {
	if err == nil {
		return []byte("null"), nil
	}
	return json.Marshal(err)
}
