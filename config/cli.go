package config

import "time"

// Cli holds every flag accepted by the coordinator and worker binaries. It is
// populated once at startup and never mutated afterwards; per-run overrides
// are passed down explicitly instead of read back out of globals.
type Cli struct {
	Mode string // "coordinator" or "worker"

	// Coordinator transport
	HTTPAddress   string
	AdminAddress  string
	AdminAPIToken string
	PromAddress   string
	WorkDir       string

	// Scheduler tunables
	BatchFrameSize      int
	MaxRetries          int
	DuplicateThreshold  int
	AssignmentInterval  time.Duration
	TimeoutLoopInterval time.Duration
	BatchTimeout        time.Duration
	HeartbeatInterval   time.Duration
	HeartbeatTimeout    time.Duration
	WorkerBanDuration   time.Duration

	// Session layer tunables
	SessionExpiry    time.Duration
	NonceWindow      time.Duration
	NonceSweepPeriod time.Duration
	MaxSessions      int
	RSAKeyBits       int

	// Worker executor tunables
	ScratchDir          string
	UpscalerPath        string
	MediaToolPath       string
	DefaultModel        string
	DefaultScale        int
	DefaultTileSize     int
	DefaultThreads      int
	DefaultGPU          int
	MinOutputFraction   float64
	ChildProcessCeiling time.Duration
	CoordinatorURL      string
	WorkerID            string
	WorkerAddress       string

	// Optional retention ledger (Postgres)
	RetentionDBConnectionString string
	JobRetentionTTL             time.Duration

	// Observability
	OTLPEndpoint string
}
