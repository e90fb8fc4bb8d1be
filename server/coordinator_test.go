package server

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/videoswarm/upswarm/batch"
	upcrypto "github.com/videoswarm/upswarm/crypto"
	"github.com/videoswarm/upswarm/scheduler"
	"github.com/videoswarm/upswarm/session"
	"github.com/videoswarm/upswarm/transport"
	"github.com/videoswarm/upswarm/workerexec"
)

func newTestCoordinator(t *testing.T) (*Coordinator, *batch.Store, *session.Manager) {
	t.Helper()
	store := batch.NewStore()
	sessionMgr, err := session.NewManager(2048, 10, time.Hour, time.Hour)
	require.NoError(t, err)
	hub := transport.NewHub()
	sched := scheduler.New(store, scheduler.Config{
		DuplicateThreshold:  2,
		AssignmentInterval:  time.Second,
		TimeoutLoopInterval: time.Second,
		BatchTimeout:        time.Minute,
		HeartbeatTimeout:    time.Minute,
		AssignmentBurst:     4,
	})
	coord := NewCoordinator(store, sessionMgr, hub, sched, workerexec.BatchConfig{Model: "realesrgan-x4plus", Scale: 4})
	return coord, store, sessionMgr
}

func TestDispatchBatchPacksSealsAndStartsBatch(t *testing.T) {
	coord, store, sessionMgr := newTestCoordinator(t)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "frame_000000.png"), []byte("fake-frame"), 0o644))

	jobID := store.CreateJob("in.mp4", "out.mp4", 0)
	require.NoError(t, store.SetJobFrames(jobID, dir, 1, 24.0, nil, nil))
	batchID, err := store.CreateBatch(jobID, 0, 0, []string{"frame_000000.png"}, dir, 10)
	require.NoError(t, err)

	priv, err := upcrypto.GenerateKeyPair(2048)
	require.NoError(t, err)
	resp, err := sessionMgr.Handshake(session.HelloRequest{WorkerID: "w-1", PublicKey: &priv.PublicKey})
	require.NoError(t, err)
	require.True(t, resp.Accepted)

	store.RegisterWorker("w-1", "", batch.WorkerCapabilities{})
	_, err = store.ClaimPendingBatch("w-1")
	require.NoError(t, err)

	// No worker connection exists, so the hub silently drops the send; the
	// batch must still move to processing and leave no panic behind.
	coord.dispatchBatch("w-1", batchID, false)

	b, ok := store.Batch(batchID)
	require.True(t, ok)
	require.Equal(t, batch.BatchProcessing, b.Status)
}

func TestStoreResultArchiveRejectsUnknownBatch(t *testing.T) {
	coord, _, _ := newTestCoordinator(t)
	err := coord.storeResultArchive(transport.BatchResult{BatchID: "does-not-exist", ResultData: ""})
	require.Error(t, err)
}
