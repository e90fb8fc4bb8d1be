package config

import (
	"os"
	"time"

	kitlog "github.com/go-kit/log"
)

var Version string

// Clock lets tests substitute a FixedTimestampGenerator for deterministic
// scheduler/session behavior.
var Clock TimestampGenerator = RealTimestampGenerator{}

// Logger is the process-wide key/value logger used by packages (subprocess,
// in particular) that don't carry a request-scoped context.Context. HTTP
// handlers and the scheduler use the context-aware `log` package instead.
var Logger kitlog.Logger = kitlog.NewLogfmtLogger(os.Stderr)

// Default target size, in frames, of a batch produced during extraction.
// The final batch of a job may be smaller.
const DefaultBatchFrameSize = 50

// Default number of attempts a batch gets: the fail or timeout that brings
// its retry count to this value is terminal instead of requeued.
const DefaultMaxRetries = 3

// Below this many pending batches, idle workers are given duplicates of the
// oldest in-flight batch instead of sitting idle.
const DefaultDuplicateThreshold = 5

// Bounded sleep of the assignment loop when no wake event arrives.
const DefaultAssignmentInterval = 1 * time.Second

// Period of the timeout-reaping loop.
const DefaultTimeoutLoopInterval = 30 * time.Second

// Wall-clock ceiling a batch may spend in assigned/processing before it is
// reaped as timed out.
const DefaultBatchTimeout = 30 * time.Minute

// Workers are expected to heartbeat at least this often.
const DefaultHeartbeatInterval = 30 * time.Second

// Three missed heartbeats (~90s) disconnects a worker.
const DefaultHeartbeatTimeout = 3 * DefaultHeartbeatInterval

// A worker with three consecutive failures is banned for this long.
const DefaultWorkerBanDuration = 10 * time.Minute

// Session keys expire 24h after creation (sliding on successful use).
const DefaultSessionExpiry = 24 * time.Hour

// Decryption rejects payloads older than this.
const DefaultNonceWindow = 300 * time.Second

// How often the anti-replay nonce cache is swept of expired entries.
const DefaultNonceSweepPeriod = 5 * time.Minute

// Bounded size of the active session cache; oldest is evicted when full.
const DefaultMaxSessions = 100

// Asymmetric key size for the handshake.
const DefaultRSAKeyBits = 2048

// A successful upscaler run must produce at least this fraction of the
// expected output files to be considered successful.
const DefaultMinOutputFraction = 0.8

// Hard ceiling on a single upscaler invocation.
const DefaultChildProcessCeiling = 30 * time.Minute

// Maximum accepted WebSocket frame size (batch archives are base64 JSON
// fields, so this bounds the outer message, not the raw archive).
const MaxTransportFrameBytes = 10 * 1024 * 1024

// Expected on-disk frame filename pattern.
const FramePattern = "frame_%06d.png"
