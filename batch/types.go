// Package batch is the Batch Store: the single source of truth for job,
// batch, and worker state. Every mutation goes through Store's methods,
// which guard the whole table with one mutex per the shared-resource
// policy -- batches and workers are small in number compared to transport
// traffic, so a single lock is simpler than fine-grained locking and never
// shows up as a bottleneck.
package batch

import "time"

type JobStatus string

const (
	JobCreated    JobStatus = "created"
	JobExtracting JobStatus = "extracting"
	JobProcessing JobStatus = "processing"
	JobAssembling JobStatus = "assembling"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobCancelled  JobStatus = "cancelled"
	JobPaused     JobStatus = "paused"
)

type BatchStatus string

const (
	BatchPending    BatchStatus = "pending"
	BatchAssigned   BatchStatus = "assigned"
	BatchProcessing BatchStatus = "processing"
	BatchCompleted  BatchStatus = "completed"
	BatchFailed     BatchStatus = "failed"
	BatchTimeout    BatchStatus = "timeout"
	BatchDuplicate  BatchStatus = "duplicate"
	BatchCancelled  BatchStatus = "cancelled"
)

type WorkerStatus string

const (
	WorkerConnecting   WorkerStatus = "connecting"
	WorkerConnected    WorkerStatus = "connected"
	WorkerProcessing   WorkerStatus = "processing"
	WorkerIdle         WorkerStatus = "idle"
	WorkerDisconnected WorkerStatus = "disconnected"
	WorkerError        WorkerStatus = "error"
	WorkerBanned       WorkerStatus = "banned"
)

// AudioTrack describes one sidecar audio stream extracted alongside frames.
type AudioTrack struct {
	Language string
	Codec    string
	Default  bool
	Forced   bool
	Path     string
}

// SubtitleTrack mirrors AudioTrack for subtitle streams.
type SubtitleTrack struct {
	Language string
	Codec    string
	Default  bool
	Forced   bool
	Path     string
}

// Job is a single video submission and everything needed to reassemble it.
type Job struct {
	ID             string
	SourcePath     string
	OutputPath     string
	CreatedAt      time.Time
	Status         JobStatus
	FrameRate      float64
	TotalFrames    int
	FramesDir      string
	AudioTracks    []AudioTrack
	SubtitleTracks []SubtitleTrack
	BatchIDs       []string
	Completed      int
	FailedCount    int
	ErrorMessage   string

	// Priority orders ListPending: higher-priority jobs' batches are listed
	// first, oldest first within a priority tier. ClaimPendingBatch, which
	// performs the actual assignment, ignores it and always claims the
	// oldest pending batch.
	Priority int
}

// RetryAttempt records one failed or timed-out attempt of a batch, kept for
// operator visibility and audit.
type RetryAttempt struct {
	WorkerID  string
	Kind      string // "failed" or "timeout"
	Reason    string
	Timestamp time.Time
}

// Batch is a contiguous, ordered slice of a job's frames.
type Batch struct {
	ID             string
	JobID          string
	Start          int
	End            int
	Frames         []string
	Dir            string
	Status         BatchStatus
	AssignedWorker string
	CreatedAt      time.Time
	AssignedAt     time.Time
	StartedAt      time.Time
	CompletedAt    time.Time
	Retries        int
	MaxRetries     int
	Progress       int
	ErrorMessage   string

	// OriginalID is empty for an original batch and set to the original
	// batch's id for a duplicate, so completion of either can cancel the
	// other.
	OriginalID string

	RetryHistory []RetryAttempt
}

// IsDuplicateOf reports whether b and other are the original/duplicate pair
// that share a backing directory and compete to complete first.
func (b *Batch) IsDuplicateOf(other *Batch) bool {
	if b.ID == other.ID {
		return false
	}
	bRoot, oRoot := b.ID, other.ID
	if b.OriginalID != "" {
		bRoot = b.OriginalID
	}
	if other.OriginalID != "" {
		oRoot = other.OriginalID
	}
	return bRoot == oRoot
}

// WorkerCapabilities is the hardware/capability descriptor a worker reports
// at handshake.
type WorkerCapabilities struct {
	GPUCount          int
	GPUName           string
	MaxTileSize       int
	MaxThreads        int
	SupportedModels   []string

	// MaxConcurrentBatches is stored and reported for operator visibility
	// and future capacity-aware scheduling, but the scheduler's assignment
	// loop always assigns at most one batch per worker regardless of this
	// value.
	MaxConcurrentBatches int
}

// Worker is a remote executor.
type Worker struct {
	ID                   string
	Address              string
	Capabilities         WorkerCapabilities
	Status               WorkerStatus
	ConnectedAt          time.Time
	LastHeartbeat        time.Time
	AssignedBatch        string
	BatchesCompleted     int
	BatchesFailed        int
	FramesProcessed      int
	TotalProcessingTime  time.Duration
	ConsecutiveFailures  int
	BanUntil             time.Time
}
