package schema

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/verity-qa/cmo-elg/elg/elgerr"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// DefaultMaxPayloadBytes bounds envelope payload size.
const DefaultMaxPayloadBytes = 10 << 20

// payloadSchemas maps messageType to its embedded schema document.
var payloadSchemas = map[string]string{
	TypeSpecialistInvocationRequest: "schemas/specialist_invocation_request.json",
	TypeSpecialistResult:            "schemas/specialist_result.json",
	TypeRetryDirective:              "schemas/retry_directive.json",
	TypeDecisionNotice:              "schemas/decision_notice.json",
	TypeContextRequest:              "schemas/context_request.json",
	TypeContextResult:               "schemas/context_result.json",
	TypeRegistryHeartbeat:           "schemas/registry_heartbeat.json",
	TypeSystemEvent:                 "schemas/system_event.json",
	TypeMemoryEvent:                 "schemas/memory_event.json",
}

// FieldError locates one schema violation by JSON pointer.
type FieldError struct {
	Pointer string `json:"pointer"`
	Message string `json:"message"`
}

// Result is the outcome of envelope validation.
type Result struct {
	Valid     bool
	ErrorCode elgerr.Code
	Errors    []FieldError
}

// Validator validates envelopes against the registered message schemas.
// Schemas are compiled once at construction; hot-loading is unsupported.
type Validator struct {
	meta            *jsonschema.Schema
	payloads        map[string]*jsonschema.Schema
	maxPayloadBytes int
}

// NewValidator compiles the embedded schemas. maxPayloadBytes <= 0 selects
// DefaultMaxPayloadBytes.
func NewValidator(maxPayloadBytes int) (*Validator, error) {
	if maxPayloadBytes <= 0 {
		maxPayloadBytes = DefaultMaxPayloadBytes
	}

	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020

	entries, err := schemaFS.ReadDir("schemas")
	if err != nil {
		return nil, fmt.Errorf("read embedded schemas: %w", err)
	}
	for _, entry := range entries {
		data, err := schemaFS.ReadFile("schemas/" + entry.Name())
		if err != nil {
			return nil, fmt.Errorf("read schema %s: %w", entry.Name(), err)
		}
		url := "elg:///schemas/" + entry.Name()
		if err := c.AddResource(url, bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("add schema %s: %w", entry.Name(), err)
		}
	}

	meta, err := c.Compile("elg:///schemas/envelope_meta.json")
	if err != nil {
		return nil, fmt.Errorf("compile meta schema: %w", err)
	}

	payloads := make(map[string]*jsonschema.Schema, len(payloadSchemas))
	for messageType, path := range payloadSchemas {
		s, err := c.Compile("elg:///" + path)
		if err != nil {
			return nil, fmt.Errorf("compile %s schema: %w", messageType, err)
		}
		payloads[messageType] = s
	}

	return &Validator{meta: meta, payloads: payloads, maxPayloadBytes: maxPayloadBytes}, nil
}

// KnownType reports whether messageType has a registered payload schema.
func (v *Validator) KnownType(messageType string) bool {
	_, ok := v.payloads[messageType]
	return ok
}

// ValidateEnvelope validates meta first, then resolves the payload schema
// by meta.messageType and validates the payload. Pointers in the returned
// errors are rooted at the envelope ("/meta/...", "/payload/...").
func (v *Validator) ValidateEnvelope(env *Envelope) Result {
	metaValue, err := toJSONValue(env.Meta)
	if err != nil {
		return Result{ErrorCode: elgerr.CodeMetaSchemaInvalid,
			Errors: []FieldError{{Pointer: "/meta", Message: err.Error()}}}
	}
	if err := v.meta.Validate(metaValue); err != nil {
		return Result{ErrorCode: elgerr.CodeMetaSchemaInvalid, Errors: collectErrors(err, "/meta")}
	}

	payloadSchema, ok := v.payloads[env.Meta.MessageType]
	if !ok {
		return Result{ErrorCode: elgerr.CodeUnknownMessageType,
			Errors: []FieldError{{Pointer: "/meta/messageType",
				Message: fmt.Sprintf("unknown message type %q", env.Meta.MessageType)}}}
	}

	if len(env.Payload) > v.maxPayloadBytes {
		return Result{ErrorCode: elgerr.CodePayloadSchemaInvalid,
			Errors: []FieldError{{Pointer: "/payload",
				Message: fmt.Sprintf("payload size %d exceeds limit %d", len(env.Payload), v.maxPayloadBytes)}}}
	}

	var payloadValue any
	dec := json.NewDecoder(bytes.NewReader(env.Payload))
	dec.UseNumber()
	if err := dec.Decode(&payloadValue); err != nil {
		return Result{ErrorCode: elgerr.CodePayloadSchemaInvalid,
			Errors: []FieldError{{Pointer: "/payload", Message: "payload is not valid JSON: " + err.Error()}}}
	}
	if err := payloadSchema.Validate(payloadValue); err != nil {
		return Result{ErrorCode: elgerr.CodePayloadSchemaInvalid, Errors: collectErrors(err, "/payload")}
	}

	return Result{Valid: true}
}

// ValidateEnvelopeOrThrow returns nil on success, otherwise a structured
// error carrying the code and the field errors in details.
func (v *Validator) ValidateEnvelopeOrThrow(env *Envelope) error {
	res := v.ValidateEnvelope(env)
	if res.Valid {
		return nil
	}
	details := make([]map[string]any, 0, len(res.Errors))
	for _, fe := range res.Errors {
		details = append(details, map[string]any{"pointer": fe.Pointer, "message": fe.Message})
	}
	return elgerr.Newf(res.ErrorCode, "envelope validation failed: %s", summarize(res.Errors)).
		WithDetail("errors", details)
}

func summarize(errs []FieldError) string {
	if len(errs) == 0 {
		return "invalid"
	}
	parts := make([]string, 0, len(errs))
	for _, fe := range errs {
		parts = append(parts, fe.Pointer+": "+fe.Message)
	}
	return strings.Join(parts, "; ")
}

// toJSONValue round-trips a Go value into the generic form the schema
// library validates.
func toJSONValue(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

var missingPropsRe = regexp.MustCompile(`missing propert(?:y|ies): (.+)$`)

// collectErrors flattens a jsonschema validation error into leaf field
// errors. "missing properties" violations are re-pointed at the missing
// field itself so callers see e.g. /payload/status rather than /payload.
func collectErrors(err error, root string) []FieldError {
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return []FieldError{{Pointer: root, Message: err.Error()}}
	}

	var out []FieldError
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) > 0 {
			for _, cause := range e.Causes {
				walk(cause)
			}
			return
		}
		pointer := root + e.InstanceLocation
		if m := missingPropsRe.FindStringSubmatch(e.Message); m != nil {
			for _, prop := range strings.Split(m[1], ",") {
				prop = strings.Trim(strings.TrimSpace(prop), "'")
				out = append(out, FieldError{
					Pointer: pointer + "/" + prop,
					Message: "required property is missing",
				})
			}
			return
		}
		out = append(out, FieldError{Pointer: pointer, Message: e.Message})
	}
	walk(ve)
	return out
}
