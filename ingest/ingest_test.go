package ingest

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/videoswarm/upswarm/batch"
	"github.com/videoswarm/upswarm/frameio"
)

type fakeScheduler struct {
	woken int
}

func (f *fakeScheduler) Wake() { f.woken++ }

func TestCreateBatchesSlicesIntoFixedSizeRuns(t *testing.T) {
	store := batch.NewStore()
	o := New(store, &fakeScheduler{}, Config{BatchFrameSize: 50, MaxRetries: 3})

	jobID := store.CreateJob("in.mp4", "out.mp4", 0)
	require.NoError(t, store.SetJobFrames(jobID, "/tmp/frames", 125, 30.0, nil, nil))

	created, err := o.createBatches(jobID, frameio.ExtractResult{FramesDir: "/tmp/frames", FrameCount: 125})
	require.NoError(t, err)
	require.Equal(t, 3, created)

	job, ok := store.Job(jobID)
	require.True(t, ok)
	require.Len(t, job.BatchIDs, 3)

	wantRanges := [][2]int{{0, 49}, {50, 99}, {100, 124}}
	wantCounts := []int{50, 50, 25}
	for i, id := range job.BatchIDs {
		b, ok := store.Batch(id)
		require.True(t, ok)
		require.Equal(t, wantRanges[i][0], b.Start)
		require.Equal(t, wantRanges[i][1], b.End)
		require.Len(t, b.Frames, wantCounts[i])
		require.Equal(t, "/tmp/frames", b.Dir)
	}
}

func TestCreateBatchesExactMultipleHasNoShortFinalBatch(t *testing.T) {
	store := batch.NewStore()
	o := New(store, &fakeScheduler{}, Config{BatchFrameSize: 50, MaxRetries: 3})

	jobID := store.CreateJob("in.mp4", "out.mp4", 0)
	require.NoError(t, store.SetJobFrames(jobID, "/tmp/frames", 100, 30.0, nil, nil))

	created, err := o.createBatches(jobID, frameio.ExtractResult{FramesDir: "/tmp/frames", FrameCount: 100})
	require.NoError(t, err)
	require.Equal(t, 2, created)

	job, _ := store.Job(jobID)
	last, ok := store.Batch(job.BatchIDs[1])
	require.True(t, ok)
	require.Len(t, last.Frames, 50)
}

func TestCreateBatchesUnknownJobReturnsError(t *testing.T) {
	store := batch.NewStore()
	o := New(store, &fakeScheduler{}, Config{BatchFrameSize: 50, MaxRetries: 3})

	_, err := o.createBatches("does-not-exist", frameio.ExtractResult{FrameCount: 10})
	require.Error(t, err)
}

func TestNewAppliesDefaultsForZeroConfig(t *testing.T) {
	store := batch.NewStore()
	o := New(store, &fakeScheduler{}, Config{})

	require.Equal(t, 50, o.batchFrameSize)
	require.Equal(t, 3, o.maxRetries)
}

