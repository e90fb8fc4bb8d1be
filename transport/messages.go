// Package transport implements the persistent full-duplex message stream
// between the coordinator and each worker: WebSocket-compatible framing,
// JSON message envelopes, and base64-encoded binary payloads.
package transport

import "encoding/json"

// MessageType enumerates every message type carried over a session.
type MessageType string

const (
	TypeClientHello      MessageType = "client_hello"
	TypeServerHello      MessageType = "server_hello"
	TypeBatchAssignment  MessageType = "batch_assignment"
	TypeBatchResult      MessageType = "batch_result"
	TypeHeartbeat        MessageType = "heartbeat"
	TypePing             MessageType = "ping"
	TypePong             MessageType = "pong"
	TypeDisconnect       MessageType = "disconnect"
	TypeError            MessageType = "error"
)

// Envelope is the outer JSON object every message is framed in. Payload
// holds the type-specific fields as raw JSON, validated against the
// matching schema before being unmarshaled into a concrete struct.
type Envelope struct {
	Type     MessageType     `json:"type"`
	WorkerID string          `json:"worker_id,omitempty"`
	Payload  json.RawMessage `json:"payload"`
}

// ClientHello is the first handshake message, worker to coordinator.
type ClientHello struct {
	WorkerID     string   `json:"worker_id"`
	PublicKey    string   `json:"public_key"`
	Capabilities Capabilities `json:"capabilities"`
	Version      string   `json:"version"`
}

// Capabilities mirrors batch.WorkerCapabilities on the wire.
type Capabilities struct {
	GPUCount             int      `json:"gpu_count"`
	GPUName              string   `json:"gpu_name"`
	MaxTileSize          int      `json:"max_tile_size"`
	MaxThreads           int      `json:"max_threads"`
	SupportedModels      []string `json:"supported_models"`
	MaxConcurrentBatches int      `json:"max_concurrent_batches"`
}

// ServerHello is the coordinator's handshake response.
type ServerHello struct {
	Status            string `json:"status"` // "accepted" or "rejected"
	Reason            string `json:"reason,omitempty"`
	ServerPublicKey   string `json:"server_public_key,omitempty"`
	SessionKeyWrapped string `json:"session_key,omitempty"` // OAEP-wrapped, base64
}

// BatchAssignment carries an encrypted batch archive to a worker.
type BatchAssignment struct {
	BatchID       string          `json:"batch_id"`
	BatchData     string          `json:"batch_data"` // sealed, base64
	BatchConfig   json.RawMessage `json:"batch_config"`
	ExpectedFiles int             `json:"expected_files"`
}

// BatchResult carries a worker's outcome back to the coordinator.
type BatchResult struct {
	BatchID      string `json:"batch_id"`
	Status       string `json:"status"` // "completed" or "failed"
	ResultData   string `json:"result_data,omitempty"`   // sealed, base64
	ErrorMessage string `json:"error_message,omitempty"`
}

// Heartbeat keeps a worker's last-seen timestamp fresh.
type Heartbeat struct {
	Status string `json:"status"`
}

// Disconnect announces a graceful shutdown in either direction.
type Disconnect struct {
	Reason string `json:"reason"`
}

// ErrorMessage reports a protocol-level failure that doesn't map to a
// specific batch (e.g. malformed envelope, schema violation).
type ErrorMessage struct {
	Message string `json:"message"`
}
