package crypto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWrapUnwrapSessionKey(t *testing.T) {
	priv, err := GenerateKeyPair(2048)
	require.NoError(t, err)

	sessionKey, err := NewSessionKey()
	require.NoError(t, err)

	wrapped, err := WrapSessionKey(&priv.PublicKey, sessionKey)
	require.NoError(t, err)

	recovered, err := UnwrapSessionKey(priv, wrapped)
	require.NoError(t, err)
	require.Equal(t, sessionKey, recovered)
}

func TestSealOpenRoundTrip(t *testing.T) {
	key, err := NewSessionKey()
	require.NoError(t, err)

	plaintext := []byte(`{"nonce":"abc","timestamp":1700000000,"batch_id":"b-1"}`)
	sealed, err := Seal(key, plaintext, []byte("worker-1"))
	require.NoError(t, err)

	opened, err := Open(key, sealed, []byte("worker-1"))
	require.NoError(t, err)
	require.Equal(t, plaintext, opened)
}

func TestOpenRejectsTamperedCiphertext(t *testing.T) {
	key, err := NewSessionKey()
	require.NoError(t, err)

	sealed, err := Seal(key, []byte("payload"), nil)
	require.NoError(t, err)

	sealed[len(sealed)-1] ^= 0xFF

	_, err = Open(key, sealed, nil)
	require.Error(t, err)
}

func TestOpenRejectsWrongAdditionalData(t *testing.T) {
	key, err := NewSessionKey()
	require.NoError(t, err)

	sealed, err := Seal(key, []byte("payload"), []byte("worker-1"))
	require.NoError(t, err)

	_, err = Open(key, sealed, []byte("worker-2"))
	require.Error(t, err)
}

func TestSignVerifyRoundTrip(t *testing.T) {
	priv, err := GenerateKeyPair(2048)
	require.NoError(t, err)

	msg := []byte("batch_assignment:b-1")
	sig, err := Sign(priv, msg)
	require.NoError(t, err)
	require.NoError(t, Verify(&priv.PublicKey, msg, sig))

	require.Error(t, Verify(&priv.PublicKey, []byte("tampered"), sig))
}

func TestPublicKeyPEMRoundTrip(t *testing.T) {
	priv, err := GenerateKeyPair(2048)
	require.NoError(t, err)

	encoded := EncodePublicKeyPEM(&priv.PublicKey)
	decoded, err := DecodePublicKeyPEM(encoded)
	require.NoError(t, err)
	require.True(t, decoded.Equal(&priv.PublicKey))
}
