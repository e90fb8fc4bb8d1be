// Package ledger writes a durable audit trail of finished jobs to an
// optional Postgres database, independent of the in-memory batch.Store that
// remains the coordinator's authoritative state. It exists purely for
// operator visibility after a coordinator restart wipes the in-memory
// store; nothing in the scheduling path reads it back.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/videoswarm/upswarm/batch"
	"github.com/videoswarm/upswarm/log"
)

// Store is nil-safe: every method is a no-op when db is nil, so the
// coordinator can run with no ledger configured at all.
type Store struct {
	db *sql.DB
}

// Open connects to a Postgres ledger database at connString. An empty
// connString disables the ledger and returns a nil-db Store.
func Open(connString string) (*Store, error) {
	if connString == "" {
		return &Store{}, nil
	}
	db, err := sql.Open("postgres", connString)
	if err != nil {
		return nil, fmt.Errorf("ledger: opening postgres connection: %w", err)
	}
	// Mirrors the coordinator's own connection ceiling: this DB only ever
	// receives one row per finished job, never a hot path.
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(2)
	return &Store{db: db}, nil
}

// jobRecord is everything worth keeping once a job leaves the in-memory
// store.
type jobRecord struct {
	jobID        string
	finishedAt   time.Time
	status       string
	totalFrames  int
	batchCount   int
	failedCount  int
	errorMessage string
}

// RecordJobCompleted inserts an audit row for a successfully assembled job.
func (s *Store) RecordJobCompleted(job *batch.Job) {
	s.insert(jobRecord{
		jobID:       job.ID,
		finishedAt:  time.Now(),
		status:      string(batch.JobCompleted),
		totalFrames: job.TotalFrames,
		batchCount:  len(job.BatchIDs),
		failedCount: job.FailedCount,
	})
}

// RecordJobFailed inserts an audit row, with its error message, for a job
// that did not complete. The scheduler calls it when final assembly fails.
func (s *Store) RecordJobFailed(job *batch.Job) {
	s.insert(jobRecord{
		jobID:        job.ID,
		finishedAt:   time.Now(),
		status:       string(job.Status),
		totalFrames:  job.TotalFrames,
		batchCount:   len(job.BatchIDs),
		failedCount:  job.FailedCount,
		errorMessage: job.ErrorMessage,
	})
}

func (s *Store) insert(r jobRecord) {
	if s.db == nil {
		return
	}
	insertStmt := `insert into "jobs_completed"(
		"job_id",
		"finished_at",
		"status",
		"total_frames",
		"batch_count",
		"failed_count",
		"error_message"
		) values($1, $2, $3, $4, $5, $6, $7)`
	if _, err := s.db.Exec(insertStmt, r.jobID, r.finishedAt.Unix(), r.status, r.totalFrames, r.batchCount, r.failedCount, r.errorMessage); err != nil {
		log.LogError(r.jobID, "writing job ledger row", err)
	}
}

// Close releases the underlying connection pool, if one was opened.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// PruneLoop periodically deletes ledger rows older than ttl. When either the
// ledger is disabled or ttl is non-positive it prunes nothing and just waits
// for ctx to be done, returning ctx.Err(), so callers can wire it
// unconditionally.
func (s *Store) PruneLoop(ctx context.Context, ttl time.Duration, interval time.Duration) error {
	if s.db == nil || ttl <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.prune(ttl)
		}
	}
}

func (s *Store) prune(ttl time.Duration) {
	cutoff := time.Now().Add(-ttl).Unix()
	res, err := s.db.Exec(`delete from "jobs_completed" where "finished_at" < $1`, cutoff)
	if err != nil {
		log.LogNoRequestID("pruning job ledger", "err", err)
		return
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		log.LogNoRequestID("pruned job ledger rows", "count", n)
	}
}
