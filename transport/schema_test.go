package transport

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidateEnvelopeAcceptsWellFormedHello(t *testing.T) {
	raw := []byte(`{
		"type": "client_hello",
		"payload": {"worker_id": "w-1", "public_key": "base64key", "capabilities": {}, "version": "1.0"}
	}`)
	env, err := ValidateEnvelope(raw)
	require.NoError(t, err)
	require.Equal(t, TypeClientHello, env.Type)
}

func TestValidateEnvelopeRejectsMissingType(t *testing.T) {
	raw := []byte(`{"payload": {}}`)
	_, err := ValidateEnvelope(raw)
	require.Error(t, err)
}

func TestValidateEnvelopeRejectsBadHelloPayload(t *testing.T) {
	raw := []byte(`{"type": "client_hello", "payload": {"worker_id": ""}}`)
	_, err := ValidateEnvelope(raw)
	require.Error(t, err)
}

func TestValidateEnvelopeAllowsUnknownTypeWithoutSchema(t *testing.T) {
	raw := []byte(`{"type": "ping", "payload": {}}`)
	env, err := ValidateEnvelope(raw)
	require.NoError(t, err)
	require.Equal(t, TypePing, env.Type)
}

func TestValidateEnvelopeRejectsBadBatchResultStatus(t *testing.T) {
	raw := []byte(`{"type": "batch_result", "payload": {"batch_id": "b-1", "status": "bogus"}}`)
	_, err := ValidateEnvelope(raw)
	require.Error(t, err)
}
