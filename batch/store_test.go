package batch

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	uperrors "github.com/videoswarm/upswarm/errors"
)

func newJobWithBatch(t *testing.T, s *Store) (string, string) {
	t.Helper()
	jobID := s.CreateJob("in.mp4", "out.mp4", 0)
	require.NoError(t, s.SetJobFrames(jobID, "/tmp/frames", 50, 24.0, nil, nil))
	batchID, err := s.CreateBatch(jobID, 0, 49, []string{"frame_000000.png"}, "/tmp/batch", 3)
	require.NoError(t, err)
	return jobID, batchID
}

func TestClaimPendingBatchAssignsOldest(t *testing.T) {
	s := NewStore()
	_, batchID := newJobWithBatch(t, s)
	s.RegisterWorker("w-1", "10.0.0.1:9000", WorkerCapabilities{})

	claimed, err := s.ClaimPendingBatch("w-1")
	require.NoError(t, err)
	require.Equal(t, batchID, claimed)

	b, ok := s.Batch(batchID)
	require.True(t, ok)
	require.Equal(t, BatchAssigned, b.Status)
	require.Equal(t, "w-1", b.AssignedWorker)
}

func TestClaimPendingBatchReturnsEmptyWhenNoneAvailable(t *testing.T) {
	s := NewStore()
	s.RegisterWorker("w-1", "10.0.0.1:9000", WorkerCapabilities{})
	claimed, err := s.ClaimPendingBatch("w-1")
	require.NoError(t, err)
	require.Empty(t, claimed)
}

func TestCompleteBatchCancelsDuplicateSiblings(t *testing.T) {
	s := NewStore()
	_, batchID := newJobWithBatch(t, s)
	s.RegisterWorker("w-1", "a", WorkerCapabilities{})
	s.RegisterWorker("w-2", "b", WorkerCapabilities{})

	_, err := s.ClaimPendingBatch("w-1")
	require.NoError(t, err)

	dupID, err := s.CreateDuplicate(batchID, "w-2")
	require.NoError(t, err)

	require.NoError(t, s.CompleteBatch(batchID, "w-1"))

	dup, ok := s.Batch(dupID)
	require.True(t, ok)
	require.Equal(t, BatchCancelled, dup.Status)

	w2, ok := s.Worker("w-2")
	require.True(t, ok)
	require.Equal(t, WorkerIdle, w2.Status)
	require.Empty(t, w2.AssignedBatch)
}

func TestCompleteBatchTwiceIsAlreadySettled(t *testing.T) {
	s := NewStore()
	_, batchID := newJobWithBatch(t, s)
	s.RegisterWorker("w-1", "a", WorkerCapabilities{})
	_, err := s.ClaimPendingBatch("w-1")
	require.NoError(t, err)

	require.NoError(t, s.CompleteBatch(batchID, "w-1"))

	err = s.CompleteBatch(batchID, "w-1")
	require.True(t, uperrors.IsKind(err, uperrors.KindAlreadySettled))
}

func TestFailBatchRequeuesUnderMaxRetries(t *testing.T) {
	s := NewStore()
	_, batchID := newJobWithBatch(t, s)
	s.RegisterWorker("w-1", "a", WorkerCapabilities{})
	_, err := s.ClaimPendingBatch("w-1")
	require.NoError(t, err)

	require.NoError(t, s.FailBatch(batchID, "w-1", fmt.Errorf("upscaler crashed")))

	b, ok := s.Batch(batchID)
	require.True(t, ok)
	require.Equal(t, BatchPending, b.Status)
	require.Equal(t, 1, b.Retries)
	require.Len(t, b.RetryHistory, 1)
}

func TestFailBatchTerminatesAfterMaxRetries(t *testing.T) {
	s := NewStore()
	jobID := s.CreateJob("in.mp4", "out.mp4", 0)
	require.NoError(t, s.SetJobFrames(jobID, "/tmp/frames", 50, 24.0, nil, nil))
	batchID, err := s.CreateBatch(jobID, 0, 49, []string{"frame_000000.png"}, "/tmp/batch", 2)
	require.NoError(t, err)
	s.RegisterWorker("w-1", "a", WorkerCapabilities{})

	_, err = s.ClaimPendingBatch("w-1")
	require.NoError(t, err)
	require.NoError(t, s.FailBatch(batchID, "w-1", fmt.Errorf("first failure")))

	_, err = s.ClaimPendingBatch("w-1")
	require.NoError(t, err)
	require.NoError(t, s.FailBatch(batchID, "w-1", fmt.Errorf("second failure")))

	b, ok := s.Batch(batchID)
	require.True(t, ok)
	require.Equal(t, BatchFailed, b.Status)

	job, ok := s.Job(jobID)
	require.True(t, ok)
	require.Equal(t, 1, job.FailedCount)
}

func TestFailBatchOnAlreadyTerminalBatchIsAlreadySettled(t *testing.T) {
	s := NewStore()
	jobID := s.CreateJob("in.mp4", "out.mp4", 0)
	require.NoError(t, s.SetJobFrames(jobID, "/tmp/frames", 50, 24.0, nil, nil))
	batchID, err := s.CreateBatch(jobID, 0, 49, []string{"frame_000000.png"}, "/tmp/batch", 1)
	require.NoError(t, err)
	s.RegisterWorker("w-1", "a", WorkerCapabilities{})

	_, err = s.ClaimPendingBatch("w-1")
	require.NoError(t, err)
	require.NoError(t, s.FailBatch(batchID, "w-1", fmt.Errorf("only failure")))

	b, ok := s.Batch(batchID)
	require.True(t, ok)
	require.Equal(t, BatchFailed, b.Status)

	// A second failure report for a batch that already terminated must not
	// double-count the job's failure total or the worker's ban counter.
	err = s.FailBatch(batchID, "w-1", fmt.Errorf("stale retry reporting in"))
	require.True(t, uperrors.IsKind(err, uperrors.KindAlreadySettled))

	job, ok := s.Job(jobID)
	require.True(t, ok)
	require.Equal(t, 1, job.FailedCount)
}

func TestWorkerAutoBannedAfterThreeConsecutiveFailures(t *testing.T) {
	s := NewStore()
	jobID := s.CreateJob("in.mp4", "out.mp4", 0)
	require.NoError(t, s.SetJobFrames(jobID, "/tmp/frames", 50, 24.0, nil, nil))
	s.RegisterWorker("w-1", "a", WorkerCapabilities{})

	for i := 0; i < 3; i++ {
		batchID, err := s.CreateBatch(jobID, 0, 49, []string{"frame_000000.png"}, "/tmp/batch", 10)
		require.NoError(t, err)
		_, err = s.ClaimPendingBatch("w-1")
		require.NoError(t, err)
		require.NoError(t, s.FailBatch(batchID, "w-1", fmt.Errorf("failure %d", i)))
	}

	w, ok := s.Worker("w-1")
	require.True(t, ok)
	require.Equal(t, WorkerBanned, w.Status)
	require.False(t, w.BanUntil.IsZero())

	var sawBan bool
	for drained := false; !drained; {
		select {
		case evt := <-s.Events():
			if evt.Kind == EventWorkerBanned && evt.WorkerID == "w-1" {
				sawBan = true
			}
		default:
			drained = true
		}
	}
	require.True(t, sawBan, "expected an EventWorkerBanned once the worker crossed the failure threshold")
}

func TestListPendingOrdersByPriorityThenAge(t *testing.T) {
	s := NewStore()
	lowJob := s.CreateJob("low.mp4", "low-out.mp4", 0)
	require.NoError(t, s.SetJobFrames(lowJob, "/tmp/a", 10, 24.0, nil, nil))
	lowBatch, err := s.CreateBatch(lowJob, 0, 9, []string{"f.png"}, "/tmp/a", 3)
	require.NoError(t, err)

	highJob := s.CreateJob("high.mp4", "high-out.mp4", 10)
	require.NoError(t, s.SetJobFrames(highJob, "/tmp/b", 10, 24.0, nil, nil))
	highBatch, err := s.CreateBatch(highJob, 0, 9, []string{"f.png"}, "/tmp/b", 3)
	require.NoError(t, err)

	pending := s.ListPending()
	require.Len(t, pending, 2)
	require.Equal(t, highBatch, pending[0].ID)
	require.Equal(t, lowBatch, pending[1].ID)
}

func TestJobProgressReportsCounts(t *testing.T) {
	s := NewStore()
	jobID, batchID := newJobWithBatch(t, s)
	s.RegisterWorker("w-1", "a", WorkerCapabilities{})
	_, err := s.ClaimPendingBatch("w-1")
	require.NoError(t, err)
	require.NoError(t, s.CompleteBatch(batchID, "w-1"))

	progress, err := s.JobProgress(jobID)
	require.NoError(t, err)
	require.Equal(t, 1, progress.Completed)
	require.Equal(t, JobAssembling, progress.Status)
}
