// Package scheduler runs the control loops that keep the worker fleet
// saturated: assignment, timeout reaping, event handling (including
// retry requeue wake-ups), and heartbeat reaping.
package scheduler

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/videoswarm/upswarm/batch"
	"github.com/videoswarm/upswarm/config"
	"github.com/videoswarm/upswarm/ledger"
	"github.com/videoswarm/upswarm/log"
	"github.com/videoswarm/upswarm/metrics"
	"github.com/videoswarm/upswarm/telemetry"
)

var tracer = telemetry.Tracer("scheduler")

// Scheduler owns the four cooperative loops. All loops read and mutate
// state exclusively through the shared batch.Store.
type Scheduler struct {
	store *batch.Store

	duplicateThreshold  int
	assignmentInterval  time.Duration
	timeoutLoopInterval time.Duration
	batchTimeout        time.Duration
	heartbeatTimeout    time.Duration
	mediaToolPath       string

	wake chan struct{}

	// WorkerDispatch is called with (workerID, batchID) whenever the
	// assignment loop hands a batch to a worker, letting the caller push
	// the encrypted batch_assignment over transport without the scheduler
	// importing the transport or session packages directly.
	WorkerDispatch func(workerID, batchID string, isDuplicate bool)

	// EventObserver, if set, is called once per store event from within
	// eventLoop -- the channel's sole reader -- so a metrics subscriber
	// doesn't need its own read of batch.Store.Events() and can't steal
	// events meant for the scheduler's own dispatch.
	EventObserver func(batch.Event)

	// ledger records finished jobs to the optional Postgres audit trail.
	// Left nil, it is a no-op; set via SetLedger before Run.
	ledger *ledger.Store

	limiter *rate.Limiter
}

// Config bundles the tunables a Scheduler needs. mediaToolPath is the path
// to the ffmpeg-compatible binary used for final assembly; leave empty to
// disable the assembly loop (e.g. in tests that drive the store directly).
type Config struct {
	DuplicateThreshold  int
	AssignmentInterval  time.Duration
	TimeoutLoopInterval time.Duration
	BatchTimeout        time.Duration
	HeartbeatTimeout    time.Duration
	AssignmentBurst     int
	MediaToolPath       string
}

// New builds a Scheduler bound to store. cfg.AssignmentBurst bounds how many
// assignments the assignment loop may push in a single wake without
// blocking on the limiter, preventing a reconnect storm from saturating
// every worker's transport write buffer at once.
func New(store *batch.Store, cfg Config) *Scheduler {
	burst := max(cfg.AssignmentBurst, 1)
	return &Scheduler{
		store:               store,
		duplicateThreshold:  cfg.DuplicateThreshold,
		assignmentInterval:  cfg.AssignmentInterval,
		timeoutLoopInterval: cfg.TimeoutLoopInterval,
		batchTimeout:        cfg.BatchTimeout,
		heartbeatTimeout:    cfg.HeartbeatTimeout,
		mediaToolPath:       cfg.MediaToolPath,
		wake:                make(chan struct{}, 1),
		limiter:             rate.NewLimiter(rate.Every(cfg.AssignmentInterval/time.Duration(burst)), burst),
	}
}

// SetLedger wires the optional Postgres job audit trail. Called before Run;
// a nil store (the default) disables ledger writes entirely.
func (s *Scheduler) SetLedger(l *ledger.Store) {
	s.ledger = l
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// Wake nudges the assignment loop to run immediately instead of waiting
// for its bounded sleep, used when a worker becomes available or a batch
// is created.
func (s *Scheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run supervises all four loops with an errgroup: if one returns (e.g. on
// ctx cancellation), the others are cancelled too.
func (s *Scheduler) Run(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error { return s.assignmentLoop(ctx) })
	group.Go(func() error { return s.timeoutLoop(ctx) })
	group.Go(func() error { return s.eventLoop(ctx) })
	group.Go(func() error { return s.heartbeatLoop(ctx) })
	return group.Wait()
}

func (s *Scheduler) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.heartbeatTimeout / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			cutoff := config.Clock.GetTime().Add(-s.heartbeatTimeout)
			for _, workerID := range s.store.ReapStaleHeartbeats(cutoff) {
				log.Log(workerID, "worker disconnected: heartbeat timeout")
				metrics.Metrics.HeartbeatTimeouts.Inc()
				s.Wake()
			}
		}
	}
}

func (s *Scheduler) assignmentLoop(ctx context.Context) error {
	for {
		s.assignOnce(ctx)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.wake:
		case <-time.After(s.assignmentInterval):
		}
	}
}

func (s *Scheduler) assignOnce(ctx context.Context) {
	pending := s.store.ListPending()
	available := s.store.ListAvailableWorkers()

	n := len(pending)
	if len(available) < n {
		n = len(available)
	}

	for i := 0; i < n; i++ {
		if err := s.limiter.Wait(ctx); err != nil {
			return
		}
		workerID := available[i].ID
		batchID := pending[i].ID
		claimed, err := s.store.ClaimPendingBatch(workerID)
		if err != nil || claimed == "" {
			continue
		}
		log.Log(batchID, "batch assigned", "worker_id", workerID)
		if s.WorkerDispatch != nil {
			s.WorkerDispatch(workerID, claimed, false)
		}
	}

	if len(available) > n && len(pending) < s.duplicateThreshold {
		s.assignDuplicates(ctx, available[n:])
	}
}

// assignDuplicates implements the straggler mitigation rule: each
// remaining idle worker gets a duplicate of the oldest still-in-flight
// batch.
func (s *Scheduler) assignDuplicates(ctx context.Context, remaining []*batch.Worker) {
	oldest := s.oldestInFlight()
	if oldest == "" {
		return
	}
	for _, w := range remaining {
		if err := s.limiter.Wait(ctx); err != nil {
			return
		}
		dupID, err := s.store.CreateDuplicate(oldest, w.ID)
		if err != nil {
			continue
		}
		log.Log(dupID, "duplicate batch assigned", "worker_id", w.ID, "original_batch_id", oldest)
		if s.WorkerDispatch != nil {
			s.WorkerDispatch(w.ID, dupID, true)
		}
	}
}

func (s *Scheduler) oldestInFlight() string {
	var oldest *batch.Batch
	for _, b := range s.store.AllInFlight() {
		if b.OriginalID != "" {
			continue // only duplicate an original, not an existing duplicate
		}
		if oldest == nil || b.AssignedAt.Before(oldest.AssignedAt) {
			oldest = b
		}
	}
	if oldest == nil {
		return ""
	}
	return oldest.ID
}

func (s *Scheduler) timeoutLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.timeoutLoopInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.reapTimeouts()
		}
	}
}

func (s *Scheduler) reapTimeouts() {
	cutoff := config.Clock.GetTime().Add(-s.batchTimeout)
	for _, b := range s.store.BatchesInFlightSince(cutoff) {
		if err := s.store.TimeoutBatch(b.ID); err != nil {
			log.LogError(b.ID, "timing out batch", err)
			continue
		}
		log.Log(b.ID, "batch timed out", "worker_id", b.AssignedWorker)
		s.Wake()
	}
}

// eventLoop is the sole consumer of the store's event channel. It folds
// together two concerns -- waking the assignment loop on a retry-eligible
// requeue, and driving final assembly once a job's batches all complete --
// because a Go channel delivers each value to exactly one reader: splitting
// these across two goroutines reading the same channel would have each
// silently steal events meant for the other.
func (s *Scheduler) eventLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-s.store.Events():
			if !ok {
				return nil
			}
			s.traceEvent(ctx, evt)
			if s.EventObserver != nil {
				s.EventObserver(evt)
			}
			switch evt.Kind {
			case batch.EventBatchRequeued:
				log.Log(evt.BatchID, "batch requeued for retry", "job_id", evt.JobID)
				s.Wake()
			case batch.EventJobCompleted:
				s.assembleJob(ctx, evt.JobID)
			}
		}
	}
}

// traceEvent records evt as its own span: batch lifecycle transitions land
// on different goroutines (and, across assignment and completion, different
// worker processes entirely), so there is no single parent span to nest
// them under. One span per transition, tagged with the ids a trace backend
// would group by, matches what the batch/job/worker trail actually supports.
func (s *Scheduler) traceEvent(ctx context.Context, evt batch.Event) {
	_, span := tracer.Start(ctx, evt.Kind.String(), trace.WithAttributes(
		attribute.String("job_id", evt.JobID),
		attribute.String("batch_id", evt.BatchID),
		attribute.String("worker_id", evt.WorkerID),
	))
	if evt.Err != nil {
		span.RecordError(evt.Err)
	}
	span.End()
}
