// Package session implements the per-worker secure channel: the three
// message handshake, nonce/timestamp anti-replay, and 24h sliding session
// expiry backed by a bounded, oldest-eviction cache.
package session

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	upcrypto "github.com/videoswarm/upswarm/crypto"

	"github.com/videoswarm/upswarm/cache"
	"github.com/videoswarm/upswarm/config"
	uperrors "github.com/videoswarm/upswarm/errors"
	"github.com/videoswarm/upswarm/log"
	"github.com/videoswarm/upswarm/metrics"
)

// Session is the coordinator's view of one worker's secure channel. It is
// independent of the worker's connection state: a worker may disconnect and
// reconnect within ExpiresAt and resume without a new handshake.
type Session struct {
	WorkerID     string
	WorkerPubKey *rsa.PublicKey
	Key          []byte
	CreatedAt    time.Time
	ExpiresAt    time.Time
}

func (s *Session) expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// Envelope is the plaintext wrapper every encrypted payload carries, used
// for the nonce/timestamp anti-replay check. It is marshaled to JSON, then
// sealed as a whole via crypto.Seal.
type Envelope struct {
	Nonce     string          `json:"nonce"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// Manager owns the coordinator's key pair, the bounded session cache, and
// the anti-replay nonce store. One Manager serves every worker.
type Manager struct {
	privateKey *rsa.PrivateKey
	sessions   *cache.Cache[*Session]
	replay     *replayStore

	mu sync.Mutex
}

// NewManager generates the coordinator's handshake key pair and prepares an
// empty bounded session table.
func NewManager(rsaBits, maxSessions int, nonceWindow, sweepPeriod time.Duration) (*Manager, error) {
	priv, err := upcrypto.GenerateKeyPair(rsaBits)
	if err != nil {
		return nil, fmt.Errorf("session: generating coordinator key pair: %w", err)
	}
	return &Manager{
		privateKey: priv,
		sessions:   cache.NewBounded[*Session](maxSessions),
		replay:     newReplayStore(nonceWindow, sweepPeriod),
	}, nil
}

// PublicKey returns the coordinator's public key, sent to workers during
// server_hello.
func (m *Manager) PublicKey() *rsa.PublicKey {
	return &m.privateKey.PublicKey
}

// HelloRequest mirrors the worker's client_hello message.
type HelloRequest struct {
	WorkerID  string
	PublicKey *rsa.PublicKey
}

// HelloResponse mirrors the coordinator's server_hello message: either the
// OAEP-wrapped session key, or a rejection reason.
type HelloResponse struct {
	Accepted           bool
	Reason             string
	CoordinatorPubKey  *rsa.PublicKey
	WrappedSessionKey  []byte
}

// Handshake processes a worker's hello and either establishes a fresh
// session or resumes an unexpired one, keeping that session's key and
// expiry. Either way the key is freshly wrapped for the hello's public key
// (the worker always re-derives its working key from the response).
func (m *Manager) Handshake(req HelloRequest) (*HelloResponse, error) {
	if req.WorkerID == "" || req.PublicKey == nil {
		return &HelloResponse{Accepted: false, Reason: "missing worker_id or public_key"}, nil
	}

	s, ok := m.Lookup(req.WorkerID)
	if ok {
		s.WorkerPubKey = req.PublicKey
	} else {
		key, err := upcrypto.NewSessionKey()
		if err != nil {
			return nil, fmt.Errorf("session: generating session key: %w", err)
		}
		now := config.Clock.GetTime()
		s = &Session{
			WorkerID:     req.WorkerID,
			WorkerPubKey: req.PublicKey,
			Key:          key,
			CreatedAt:    now,
			ExpiresAt:    now.Add(config.DefaultSessionExpiry),
		}
	}

	wrapped, err := upcrypto.WrapSessionKey(req.PublicKey, s.Key)
	if err != nil {
		return nil, fmt.Errorf("session: wrapping session key: %w", err)
	}
	m.sessions.Store(req.WorkerID, s)
	metrics.Metrics.ActiveSessions.Set(float64(m.sessions.Len()))
	log.Log(req.WorkerID, "session established", "expires_at", s.ExpiresAt)

	return &HelloResponse{
		Accepted:          true,
		CoordinatorPubKey: m.PublicKey(),
		WrappedSessionKey: wrapped,
	}, nil
}

// Lookup returns the live session for a worker, removing and reporting a
// miss for one that has lazily expired.
func (m *Manager) Lookup(workerID string) (*Session, bool) {
	s := m.sessions.Get(workerID)
	if s == nil {
		return nil, false
	}
	if s.expired(config.Clock.GetTime()) {
		m.sessions.Remove("", workerID)
		metrics.Metrics.ActiveSessions.Set(float64(m.sessions.Len()))
		return nil, false
	}
	return s, true
}

// Renew slides a session's expiry forward on successful use.
func (m *Manager) Renew(workerID string) {
	s := m.sessions.Get(workerID)
	if s == nil {
		return
	}
	now := config.Clock.GetTime()
	s.ExpiresAt = now.Add(config.DefaultSessionExpiry)
	m.sessions.Store(workerID, s)
}

// Seal encrypts payload for workerID, wrapping it in a fresh nonce+timestamp
// Envelope first so the peer's Open can enforce anti-replay.
func (m *Manager) Seal(workerID string, payload []byte) ([]byte, error) {
	s, ok := m.Lookup(workerID)
	if !ok {
		return nil, uperrors.New(uperrors.KindSecurityViolation, "no active session for worker "+workerID, nil)
	}

	nonce, err := randomNonce()
	if err != nil {
		return nil, fmt.Errorf("session: generating nonce: %w", err)
	}

	env := Envelope{Nonce: nonce, Timestamp: config.Clock.GetTime().Unix(), Payload: payload}
	plaintext, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("session: marshaling envelope: %w", err)
	}

	sealed, err := upcrypto.Seal(s.Key, plaintext, []byte(workerID))
	if err != nil {
		return nil, uperrors.New(uperrors.KindSecurityViolation, "sealing payload", err)
	}
	return sealed, nil
}

// Open decrypts and authenticates a message from workerID, enforcing the
// nonce/timestamp anti-replay window. A successful Open slides the
// session's expiry forward.
func (m *Manager) Open(workerID string, sealed []byte) ([]byte, error) {
	s, ok := m.Lookup(workerID)
	if !ok {
		return nil, uperrors.New(uperrors.KindSecurityViolation, "no active session for worker "+workerID, nil)
	}

	plaintext, err := upcrypto.Open(s.Key, sealed, []byte(workerID))
	if err != nil {
		return nil, uperrors.New(uperrors.KindSecurityViolation, "opening payload", err)
	}

	var env Envelope
	if err := json.Unmarshal(plaintext, &env); err != nil {
		return nil, uperrors.New(uperrors.KindSecurityViolation, "malformed envelope", err)
	}

	now := config.Clock.GetTime()
	if err := m.replay.Check(env.Nonce, time.Unix(env.Timestamp, 0), now); err != nil {
		metrics.Metrics.ReplayRejections.Inc()
		return nil, uperrors.New(uperrors.KindSecurityViolation, "replay check failed", err)
	}

	m.Renew(workerID)
	return env.Payload, nil
}

// Sign produces a coordinator signature over msg (used e.g. to authenticate
// batch_assignment headers independent of the AEAD seal).
func (m *Manager) Sign(msg []byte) ([]byte, error) {
	return upcrypto.Sign(m.privateKey, msg)
}

// SealWithKey wraps payload in a fresh nonce+timestamp Envelope and seals it
// with key, the same scheme Manager.Seal uses server-side. A worker that has
// completed the handshake uses this to seal batch_result payloads without
// needing a *Manager of its own.
func SealWithKey(key []byte, peerID string, payload []byte) ([]byte, error) {
	nonce, err := randomNonce()
	if err != nil {
		return nil, fmt.Errorf("session: generating nonce: %w", err)
	}
	env := Envelope{Nonce: nonce, Timestamp: config.Clock.GetTime().Unix(), Payload: payload}
	plaintext, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("session: marshaling envelope: %w", err)
	}
	return upcrypto.Seal(key, plaintext, []byte(peerID))
}

// OpenWithKey reverses SealWithKey, returning the inner payload without
// performing the coordinator's nonce/timestamp replay check (a worker
// trusts the single connection it dialed).
func OpenWithKey(key []byte, peerID string, sealed []byte) ([]byte, error) {
	plaintext, err := upcrypto.Open(key, sealed, []byte(peerID))
	if err != nil {
		return nil, uperrors.New(uperrors.KindSecurityViolation, "opening payload", err)
	}
	var env Envelope
	if err := json.Unmarshal(plaintext, &env); err != nil {
		return nil, uperrors.New(uperrors.KindSecurityViolation, "malformed envelope", err)
	}
	return env.Payload, nil
}

func randomNonce() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
