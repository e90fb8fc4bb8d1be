package transport

import (
	"encoding/json"
	"fmt"

	"github.com/xeipuuv/gojsonschema"

	uperrors "github.com/videoswarm/upswarm/errors"
)

// envelopeSchema validates the outer frame before any type-specific
// unmarshaling is attempted.
var envelopeSchema = gojsonschema.NewStringLoader(`{
	"type": "object",
	"required": ["type", "payload"],
	"properties": {
		"type": {"type": "string"},
		"worker_id": {"type": "string"},
		"payload": {}
	}
}`)

var payloadSchemas = map[MessageType]gojsonschema.JSONLoader{
	TypeClientHello: gojsonschema.NewStringLoader(`{
		"type": "object",
		"required": ["worker_id", "public_key", "capabilities", "version"],
		"properties": {
			"worker_id": {"type": "string", "minLength": 1},
			"public_key": {"type": "string", "minLength": 1},
			"version": {"type": "string"}
		}
	}`),
	TypeBatchResult: gojsonschema.NewStringLoader(`{
		"type": "object",
		"required": ["batch_id", "status"],
		"properties": {
			"batch_id": {"type": "string", "minLength": 1},
			"status": {"type": "string", "enum": ["completed", "failed"]}
		}
	}`),
	TypeHeartbeat: gojsonschema.NewStringLoader(`{
		"type": "object",
		"required": ["status"]
	}`),
}

// ValidateEnvelope checks raw against the outer envelope schema, then
// against the type-specific payload schema registered for its "type"
// field, if one exists.
func ValidateEnvelope(raw []byte) (Envelope, error) {
	result, err := gojsonschema.Validate(envelopeSchema, gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return Envelope{}, fmt.Errorf("transport: validating envelope: %w", err)
	}
	if !result.Valid() {
		return Envelope{}, uperrors.New(uperrors.KindSecurityViolation, "malformed envelope: "+result.Errors()[0].String(), nil)
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("transport: unmarshaling envelope: %w", err)
	}

	schema, ok := payloadSchemas[env.Type]
	if !ok {
		return env, nil
	}
	payloadResult, err := gojsonschema.Validate(schema, gojsonschema.NewBytesLoader(env.Payload))
	if err != nil {
		return Envelope{}, fmt.Errorf("transport: validating payload: %w", err)
	}
	if !payloadResult.Valid() {
		return Envelope{}, uperrors.New(uperrors.KindSecurityViolation, "malformed "+string(env.Type)+" payload: "+payloadResult.Errors()[0].String(), nil)
	}
	return env, nil
}
