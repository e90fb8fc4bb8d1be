package batch

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/videoswarm/upswarm/config"
	uperrors "github.com/videoswarm/upswarm/errors"
	"github.com/videoswarm/upswarm/log"
)

// Store is the coordinator's single source of truth for jobs, batches, and
// workers. All methods are atomic with respect to concurrent callers.
type Store struct {
	mu sync.Mutex

	jobs    map[string]*Job
	batches map[string]*Batch
	workers map[string]*Worker

	events chan Event
}

func NewStore() *Store {
	return &Store{
		jobs:    make(map[string]*Job),
		batches: make(map[string]*Batch),
		workers: make(map[string]*Worker),
		events:  newEventChannel(),
	}
}

// Events returns the channel Store publishes transition events on. Safe to
// range over from multiple goroutines.
func (s *Store) Events() <-chan Event {
	return s.events
}

func (s *Store) publish(evt Event) {
	publish(s.events, evt)
}

// CreateJob registers a new submission in the created state.
func (s *Store) CreateJob(sourcePath, outputPath string, priority int) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.NewString()
	s.jobs[id] = &Job{
		ID:         id,
		SourcePath: sourcePath,
		OutputPath: outputPath,
		CreatedAt:  config.Clock.GetTime(),
		Status:     JobCreated,
		Priority:   priority,
	}
	log.Log(id, "job created", "source", sourcePath)
	return id
}

// SetJobFrames records extraction results: where the extracted frames live,
// total frame count, frame rate, and sidecar audio/subtitle tracks.
func (s *Store) SetJobFrames(jobID, framesDir string, frameCount int, rate float64, audio []AudioTrack, subs []SubtitleTrack) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return uperrors.New(uperrors.KindConfiguration, "unknown job "+jobID, nil)
	}
	job.FramesDir = framesDir
	job.TotalFrames = frameCount
	job.FrameRate = rate
	job.AudioTracks = audio
	job.SubtitleTracks = subs
	job.Status = JobProcessing
	return nil
}

// FinishJobAssembly records the outcome of the post-completion assembly
// step: success moves the job to completed, failure records the cause and
// moves it to failed.
func (s *Store) FinishJobAssembly(jobID string, assembleErr error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return uperrors.New(uperrors.KindConfiguration, "unknown job "+jobID, nil)
	}
	if assembleErr != nil {
		job.Status = JobFailed
		job.ErrorMessage = assembleErr.Error()
		s.publish(Event{Kind: EventJobFailed, JobID: jobID, Err: assembleErr})
		return nil
	}
	job.Status = JobCompleted
	return nil
}

// ReapStaleHeartbeats disconnects every worker whose last heartbeat is
// older than cutoff, releasing its in-flight batch back to pending so the
// assignment loop can reassign it.
func (s *Store) ReapStaleHeartbeats(cutoff time.Time) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var disconnected []string
	for _, w := range s.workers {
		if w.Status == WorkerDisconnected {
			continue
		}
		if w.LastHeartbeat.IsZero() || w.LastHeartbeat.After(cutoff) {
			continue
		}
		w.Status = WorkerDisconnected
		if w.AssignedBatch != "" {
			if b, ok := s.batches[w.AssignedBatch]; ok && (b.Status == BatchAssigned || b.Status == BatchProcessing) {
				b.Status = BatchPending
				b.AssignedWorker = ""
				s.publish(Event{Kind: EventBatchRequeued, JobID: b.JobID, BatchID: b.ID})
			}
			w.AssignedBatch = ""
		}
		disconnected = append(disconnected, w.ID)
	}
	return disconnected
}

// CreateBatch registers a new pending batch belonging to jobID.
func (s *Store) CreateBatch(jobID string, start, end int, filenames []string, dir string, maxRetries int) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return "", uperrors.New(uperrors.KindConfiguration, "unknown job "+jobID, nil)
	}

	id := uuid.NewString()
	b := &Batch{
		ID:         id,
		JobID:      jobID,
		Start:      start,
		End:        end,
		Frames:     filenames,
		Dir:        dir,
		Status:     BatchPending,
		CreatedAt:  config.Clock.GetTime(),
		MaxRetries: maxRetries,
	}
	s.batches[id] = b
	job.BatchIDs = append(job.BatchIDs, id)

	s.publish(Event{Kind: EventBatchCreated, JobID: jobID, BatchID: id})
	return id, nil
}

// RegisterWorker creates or re-registers a worker by id.
func (s *Store) RegisterWorker(id, addr string, caps WorkerCapabilities) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.workers[id]
	if !ok {
		w = &Worker{ID: id}
		s.workers[id] = w
	}
	w.Address = addr
	w.Capabilities = caps
	w.Status = WorkerConnected
	w.ConnectedAt = config.Clock.GetTime()
	w.LastHeartbeat = w.ConnectedAt
}

// SetWorkerStatus transitions a worker's connection-level status.
func (s *Store) SetWorkerStatus(id string, status WorkerStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.workers[id]
	if !ok {
		return uperrors.New(uperrors.KindConfiguration, "unknown worker "+id, nil)
	}
	w.Status = status
	return nil
}

// TouchWorker records a heartbeat timestamp.
func (s *Store) TouchWorker(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.workers[id]
	if !ok {
		return uperrors.New(uperrors.KindConfiguration, "unknown worker "+id, nil)
	}
	w.LastHeartbeat = config.Clock.GetTime()
	return nil
}

// ClaimPendingBatch atomically selects the oldest pending batch and
// transitions it to assigned for workerID. Returns ("", nil) when there is
// no pending work or the worker is unavailable.
func (s *Store) ClaimPendingBatch(workerID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.workers[workerID]
	if !ok || !workerAvailableLocked(w, config.Clock.GetTime()) {
		return "", nil
	}

	var oldest *Batch
	for _, b := range s.batches {
		if b.Status != BatchPending {
			continue
		}
		if oldest == nil || b.CreatedAt.Before(oldest.CreatedAt) {
			oldest = b
		}
	}
	if oldest == nil {
		return "", nil
	}

	now := config.Clock.GetTime()
	oldest.Status = BatchAssigned
	oldest.AssignedWorker = workerID
	oldest.AssignedAt = now
	w.AssignedBatch = oldest.ID
	w.Status = WorkerProcessing

	s.publish(Event{Kind: EventBatchAssigned, JobID: oldest.JobID, BatchID: oldest.ID, WorkerID: workerID})
	return oldest.ID, nil
}

func workerAvailableLocked(w *Worker, now time.Time) bool {
	if w.AssignedBatch != "" {
		return false
	}
	if w.Status == WorkerBanned {
		if now.Before(w.BanUntil) {
			return false
		}
	}
	return w.Status == WorkerConnected || w.Status == WorkerIdle || w.Status == WorkerBanned
}

// CreateDuplicate creates a new batch sharing original's backing directory
// and frame range but with its own id and assignment, per the straggler
// mitigation rule.
func (s *Store) CreateDuplicate(originalID, workerID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.batches[originalID]
	if !ok {
		return "", uperrors.New(uperrors.KindConfiguration, "unknown batch "+originalID, nil)
	}
	w, ok := s.workers[workerID]
	if !ok {
		return "", uperrors.New(uperrors.KindConfiguration, "unknown worker "+workerID, nil)
	}

	rootID := original.ID
	if original.OriginalID != "" {
		rootID = original.OriginalID
	}

	now := config.Clock.GetTime()
	id := uuid.NewString()
	dup := &Batch{
		ID:             id,
		JobID:          original.JobID,
		Start:          original.Start,
		End:            original.End,
		Frames:         original.Frames,
		Dir:            original.Dir,
		Status:         BatchAssigned,
		AssignedWorker: workerID,
		CreatedAt:      now,
		AssignedAt:     now,
		MaxRetries:     original.MaxRetries,
		OriginalID:     rootID,
	}
	s.batches[id] = dup

	job := s.jobs[original.JobID]
	if job != nil {
		job.BatchIDs = append(job.BatchIDs, id)
	}

	w.AssignedBatch = id
	w.Status = WorkerProcessing

	s.publish(Event{Kind: EventBatchAssigned, JobID: dup.JobID, BatchID: id, WorkerID: workerID, IsDuplicate: true})
	return id, nil
}

// StartBatch transitions an assigned batch to processing.
func (s *Store) StartBatch(batchID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.batches[batchID]
	if !ok {
		return uperrors.New(uperrors.KindConfiguration, "unknown batch "+batchID, nil)
	}
	b.Status = BatchProcessing
	b.StartedAt = config.Clock.GetTime()
	s.publish(Event{Kind: EventBatchStarted, JobID: b.JobID, BatchID: batchID})
	return nil
}

// CompleteBatch marks batchID completed for workerID, cancelling any
// sibling original/duplicate and releasing their workers to idle. A batch
// whose original or any duplicate already completed is a no-op that
// returns ErrAlreadySettled.
func (s *Store) CompleteBatch(batchID, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.batches[batchID]
	if !ok {
		return uperrors.New(uperrors.KindConfiguration, "unknown batch "+batchID, nil)
	}

	rootID := b.ID
	if b.OriginalID != "" {
		rootID = b.OriginalID
	}
	for _, sibling := range s.siblingsLocked(rootID) {
		if sibling.Status == BatchCompleted {
			return uperrors.New(uperrors.KindAlreadySettled, "batch "+batchID+" already settled", nil)
		}
	}

	now := config.Clock.GetTime()
	b.Status = BatchCompleted
	b.CompletedAt = now

	if w, ok := s.workers[workerID]; ok {
		w.BatchesCompleted++
		w.ConsecutiveFailures = 0
		w.AssignedBatch = ""
		w.Status = WorkerIdle
	}

	for _, sibling := range s.siblingsLocked(rootID) {
		if sibling.ID == b.ID {
			continue
		}
		s.cancelBatchLocked(sibling)
	}

	job := s.jobs[b.JobID]
	if job != nil {
		job.Completed++
		s.publish(Event{Kind: EventBatchCompleted, JobID: b.JobID, BatchID: batchID, WorkerID: workerID})
		if s.jobFullyCompletedLocked(job) {
			job.Status = JobAssembling
			s.publish(Event{Kind: EventJobCompleted, JobID: job.ID})
		}
	}
	return nil
}

func (s *Store) siblingsLocked(rootID string) []*Batch {
	var out []*Batch
	for _, b := range s.batches {
		if b.ID == rootID || b.OriginalID == rootID {
			out = append(out, b)
		}
	}
	return out
}

func (s *Store) cancelBatchLocked(b *Batch) {
	if b.Status == BatchCompleted || b.Status == BatchCancelled {
		return
	}
	b.Status = BatchCancelled
	if w, ok := s.workers[b.AssignedWorker]; ok && w.AssignedBatch == b.ID {
		w.AssignedBatch = ""
		w.Status = WorkerIdle
	}
}

func (s *Store) jobFullyCompletedLocked(job *Job) bool {
	for _, id := range job.BatchIDs {
		b, ok := s.batches[id]
		if !ok {
			continue
		}
		rootID := b.ID
		if b.OriginalID != "" {
			rootID = b.OriginalID
		}
		if rootID != b.ID {
			continue // only the root of a duplicate-family counts once
		}
		settled := false
		for _, sib := range s.siblingsLocked(rootID) {
			if sib.Status == BatchCompleted {
				settled = true
				break
			}
		}
		if !settled {
			return false
		}
	}
	return true
}

// FailBatch records a batch failure. If retries remain it returns to
// pending, else it terminally fails.
func (s *Store) FailBatch(batchID, workerID string, cause error) error {
	return s.settleFailure(batchID, workerID, "failed", cause)
}

// TimeoutBatch transitions a batch that exceeded its processing ceiling.
func (s *Store) TimeoutBatch(batchID string) error {
	s.mu.Lock()
	b, ok := s.batches[batchID]
	workerID := ""
	if ok {
		workerID = b.AssignedWorker
	}
	s.mu.Unlock()
	if !ok {
		return uperrors.New(uperrors.KindConfiguration, "unknown batch "+batchID, nil)
	}
	return s.settleFailure(batchID, workerID, "timeout", nil)
}

func (s *Store) settleFailure(batchID, workerID, kind string, cause error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.batches[batchID]
	if !ok {
		return uperrors.New(uperrors.KindConfiguration, "unknown batch "+batchID, nil)
	}
	if b.Status == BatchCompleted || b.Status == BatchCancelled || b.Status == BatchFailed || b.Status == BatchTimeout {
		return uperrors.New(uperrors.KindAlreadySettled, "batch "+batchID+" already settled", nil)
	}

	now := config.Clock.GetTime()
	reason := ""
	if cause != nil {
		reason = cause.Error()
	}
	b.RetryHistory = append(b.RetryHistory, RetryAttempt{WorkerID: workerID, Kind: kind, Reason: reason, Timestamp: now})
	b.Retries++
	b.AssignedWorker = ""

	banned := false
	if w, ok := s.workers[workerID]; ok {
		w.AssignedBatch = ""
		w.ConsecutiveFailures++
		w.BatchesFailed++
		if w.ConsecutiveFailures >= 3 {
			w.Status = WorkerBanned
			w.BanUntil = now.Add(config.DefaultWorkerBanDuration)
			banned = true
		} else {
			w.Status = WorkerIdle
		}
	}
	if banned {
		s.publish(Event{Kind: EventWorkerBanned, JobID: b.JobID, BatchID: batchID, WorkerID: workerID})
	}

	evtKind := EventBatchFailed
	if kind == "timeout" {
		b.Status = BatchTimeout
		evtKind = EventBatchTimedOut
	} else {
		b.Status = BatchFailed
	}

	job := s.jobs[b.JobID]
	if job != nil {
		s.publish(Event{Kind: evtKind, JobID: b.JobID, BatchID: batchID, WorkerID: workerID, Err: cause})
	}

	if b.Retries < b.MaxRetries {
		b.Status = BatchPending
		s.publish(Event{Kind: EventBatchRequeued, JobID: b.JobID, BatchID: batchID})
	} else {
		if kind == "timeout" {
			b.Status = BatchTimeout
		} else {
			b.Status = BatchFailed
		}
		if job != nil {
			job.FailedCount++
		}
	}
	return nil
}

// ListPending returns pending batches ordered by descending job priority,
// then oldest first within equal priority.
func (s *Store) ListPending() []*Batch {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Batch
	for _, b := range s.batches {
		if b.Status == BatchPending {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		pi, pj := s.jobPriorityLocked(out[i].JobID), s.jobPriorityLocked(out[j].JobID)
		if pi != pj {
			return pi > pj
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (s *Store) jobPriorityLocked(jobID string) int {
	if job, ok := s.jobs[jobID]; ok {
		return job.Priority
	}
	return 0
}

// ListAvailableWorkers returns workers with no in-flight batch, ordered by
// quality: higher success rate first, then shorter average batch time.
func (s *Store) ListAvailableWorkers() []*Worker {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := config.Clock.GetTime()
	var out []*Worker
	for _, w := range s.workers {
		if workerAvailableLocked(w, now) {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		si, sj := successRate(out[i]), successRate(out[j])
		if si != sj {
			return si > sj
		}
		return avgBatchTime(out[i]) < avgBatchTime(out[j])
	})
	return out
}

func successRate(w *Worker) float64 {
	total := w.BatchesCompleted + w.BatchesFailed
	if total == 0 {
		return 1
	}
	return float64(w.BatchesCompleted) / float64(total)
}

func avgBatchTime(w *Worker) time.Duration {
	if w.BatchesCompleted == 0 {
		return 0
	}
	return w.TotalProcessingTime / time.Duration(w.BatchesCompleted)
}

// JobProgressSnapshot reports a job's completion fraction.
type JobProgressSnapshot struct {
	JobID     string
	Status    JobStatus
	Total     int
	Completed int
	Failed    int
}

func (s *Store) JobProgress(jobID string) (JobProgressSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return JobProgressSnapshot{}, uperrors.New(uperrors.KindConfiguration, "unknown job "+jobID, nil)
	}
	return JobProgressSnapshot{
		JobID:     job.ID,
		Status:    job.Status,
		Total:     len(job.BatchIDs),
		Completed: job.Completed,
		Failed:    job.FailedCount,
	}, nil
}

func (s *Store) Job(jobID string) (*Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	return job, ok
}

// CancelJob marks a job and every one of its non-terminal batches
// cancelled. A job already completed or failed cannot be cancelled.
func (s *Store) CancelJob(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return uperrors.New(uperrors.KindConfiguration, "unknown job "+jobID, nil)
	}
	if job.Status == JobCompleted || job.Status == JobFailed || job.Status == JobCancelled {
		return uperrors.New(uperrors.KindAlreadySettled, "job "+jobID+" already settled", nil)
	}

	for _, id := range job.BatchIDs {
		b, ok := s.batches[id]
		if !ok {
			continue
		}
		s.cancelBatchLocked(b)
	}
	job.Status = JobCancelled
	return nil
}

func (s *Store) Batch(batchID string) (*Batch, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[batchID]
	return b, ok
}

func (s *Store) Worker(workerID string) (*Worker, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[workerID]
	return w, ok
}

// ListWorkers returns every known worker, for the admin API's GET /workers.
func (s *Store) ListWorkers() []*Worker {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Worker, 0, len(s.workers))
	for _, w := range s.workers {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// BatchesInFlightSince returns assigned/processing batches older than
// cutoff, for the scheduler's timeout loop.
func (s *Store) BatchesInFlightSince(cutoff time.Time) []*Batch {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Batch
	for _, b := range s.inFlightLocked() {
		reference := b.AssignedAt
		if b.Status == BatchProcessing {
			reference = b.StartedAt
		}
		if reference.Before(cutoff) {
			out = append(out, b)
		}
	}
	return out
}

// AllInFlight returns every assigned/processing batch regardless of age,
// for the scheduler's duplicate-assignment selection of the oldest
// still-running batch.
func (s *Store) AllInFlight() []*Batch {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlightLocked()
}

func (s *Store) inFlightLocked() []*Batch {
	var out []*Batch
	for _, b := range s.batches {
		if b.Status != BatchAssigned && b.Status != BatchProcessing {
			continue
		}
		out = append(out, b)
	}
	return out
}
