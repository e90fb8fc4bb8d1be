package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	upcrypto "github.com/videoswarm/upswarm/crypto"
	"github.com/videoswarm/upswarm/config"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(2048, 100, 300*time.Second, time.Hour)
	require.NoError(t, err)
	return m
}

func TestHandshakeEstablishesSession(t *testing.T) {
	m := newTestManager(t)
	workerKey, err := upcrypto.GenerateKeyPair(2048)
	require.NoError(t, err)

	resp, err := m.Handshake(HelloRequest{WorkerID: "w-1", PublicKey: &workerKey.PublicKey})
	require.NoError(t, err)
	require.True(t, resp.Accepted)
	require.NotEmpty(t, resp.WrappedSessionKey)

	_, ok := m.Lookup("w-1")
	require.True(t, ok)
}

func TestHandshakeRejectsMissingFields(t *testing.T) {
	m := newTestManager(t)
	resp, err := m.Handshake(HelloRequest{})
	require.NoError(t, err)
	require.False(t, resp.Accepted)
}

func TestSealOpenRoundTripThroughManager(t *testing.T) {
	m := newTestManager(t)
	workerKey, err := upcrypto.GenerateKeyPair(2048)
	require.NoError(t, err)
	_, err = m.Handshake(HelloRequest{WorkerID: "w-1", PublicKey: &workerKey.PublicKey})
	require.NoError(t, err)

	sealed, err := m.Seal("w-1", []byte(`{"batch_id":"b-1"}`))
	require.NoError(t, err)

	opened, err := m.Open("w-1", sealed)
	require.NoError(t, err)
	require.JSONEq(t, `{"batch_id":"b-1"}`, string(opened))
}

func TestOpenRejectsReplayedNonce(t *testing.T) {
	m := newTestManager(t)
	workerKey, err := upcrypto.GenerateKeyPair(2048)
	require.NoError(t, err)
	_, err = m.Handshake(HelloRequest{WorkerID: "w-1", PublicKey: &workerKey.PublicKey})
	require.NoError(t, err)

	sealed, err := m.Seal("w-1", []byte(`{}`))
	require.NoError(t, err)

	_, err = m.Open("w-1", sealed)
	require.NoError(t, err)

	_, err = m.Open("w-1", sealed)
	require.Error(t, err)
}

func TestOpenRejectsStaleTimestamp(t *testing.T) {
	original := config.Clock
	defer func() { config.Clock = original }()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	config.Clock = config.FixedTimestampGenerator{Timestamp: base}

	m := newTestManager(t)
	workerKey, err := upcrypto.GenerateKeyPair(2048)
	require.NoError(t, err)
	_, err = m.Handshake(HelloRequest{WorkerID: "w-1", PublicKey: &workerKey.PublicKey})
	require.NoError(t, err)

	sealed, err := m.Seal("w-1", []byte(`{}`))
	require.NoError(t, err)

	config.Clock = config.FixedTimestampGenerator{Timestamp: base.Add(400 * time.Second)}
	_, err = m.Open("w-1", sealed)
	require.Error(t, err)
}

// S6 — session expiry and reconnect: a worker that reconnects within the
// 24h window resumes under the session key issued at its original
// handshake, without needing a fresh one; only a hello arriving after
// expiry gets a new key.
func TestReconnectWithinExpiryWindowResumesSameSessionKey(t *testing.T) {
	original := config.Clock
	defer func() { config.Clock = original }()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	config.Clock = config.FixedTimestampGenerator{Timestamp: base}

	m := newTestManager(t)
	workerKey, err := upcrypto.GenerateKeyPair(2048)
	require.NoError(t, err)

	resp1, err := m.Handshake(HelloRequest{WorkerID: "w-1", PublicKey: &workerKey.PublicKey})
	require.NoError(t, err)
	require.True(t, resp1.Accepted)

	firstSession, ok := m.Lookup("w-1")
	require.True(t, ok)
	firstKey := append([]byte(nil), firstSession.Key...)

	// Worker disconnects and reconnects 1 hour later, well inside the
	// window: the coordinator issues a fresh wrapped copy of the same key
	// rather than minting a new one.
	config.Clock = config.FixedTimestampGenerator{Timestamp: base.Add(time.Hour)}
	respResumed, err := m.Handshake(HelloRequest{WorkerID: "w-1", PublicKey: &workerKey.PublicKey})
	require.NoError(t, err)
	require.True(t, respResumed.Accepted)

	resumed, ok := m.Lookup("w-1")
	require.True(t, ok)
	require.Equal(t, firstKey, resumed.Key)

	// Past the 24h window, the session is gone and a fresh handshake is
	// required, producing a new key.
	config.Clock = config.FixedTimestampGenerator{Timestamp: base.Add(25 * time.Hour)}
	_, ok = m.Lookup("w-1")
	require.False(t, ok)

	resp2, err := m.Handshake(HelloRequest{WorkerID: "w-1", PublicKey: &workerKey.PublicKey})
	require.NoError(t, err)
	require.True(t, resp2.Accepted)

	newSession, ok := m.Lookup("w-1")
	require.True(t, ok)
	require.NotEqual(t, firstKey, newSession.Key)
}

func TestLookupExpiresLazily(t *testing.T) {
	original := config.Clock
	defer func() { config.Clock = original }()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	config.Clock = config.FixedTimestampGenerator{Timestamp: base}

	m := newTestManager(t)
	workerKey, err := upcrypto.GenerateKeyPair(2048)
	require.NoError(t, err)
	_, err = m.Handshake(HelloRequest{WorkerID: "w-1", PublicKey: &workerKey.PublicKey})
	require.NoError(t, err)

	config.Clock = config.FixedTimestampGenerator{Timestamp: base.Add(25 * time.Hour)}
	_, ok := m.Lookup("w-1")
	require.False(t, ok)
}

func TestSignVerifyThroughManager(t *testing.T) {
	m := newTestManager(t)
	sig, err := m.Sign([]byte("batch_assignment:b-1"))
	require.NoError(t, err)
	require.NoError(t, upcrypto.Verify(m.PublicKey(), []byte("batch_assignment:b-1"), sig))
}

func TestReplayStoreSweepPurgesExpired(t *testing.T) {
	r := newReplayStore(300*time.Second, time.Hour)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, r.Check("n1", base, base))
	r.sweep(base.Add(400 * time.Second))

	require.NoError(t, r.Check("n1", base.Add(400*time.Second), base.Add(400*time.Second)))
}
