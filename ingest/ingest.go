// Package ingest is the job submitter's entry point into the pipeline: it
// runs the Frame I/O Adapter against a newly submitted job's source file
// and slices the resulting frames into the batches the scheduler assigns.
package ingest

import (
	"context"
	"fmt"

	"github.com/videoswarm/upswarm/batch"
	"github.com/videoswarm/upswarm/config"
	"github.com/videoswarm/upswarm/frameio"
	"github.com/videoswarm/upswarm/log"
)

// Scheduler is the subset of scheduler.Scheduler the orchestrator needs,
// kept as an interface so tests can drive it without a real control loop
// running.
type Scheduler interface {
	Wake()
}

// Orchestrator turns a CreateJob call into extracted frames and pending
// batches. One Orchestrator is shared by every job submission.
type Orchestrator struct {
	store          *batch.Store
	sched          Scheduler
	mediaToolPath  string
	workDir        string
	batchFrameSize int
	maxRetries     int
}

// Config bundles the tunables an Orchestrator needs.
type Config struct {
	MediaToolPath  string
	WorkDir        string
	BatchFrameSize int
	MaxRetries     int
}

func New(store *batch.Store, sched Scheduler, cfg Config) *Orchestrator {
	frameSize := cfg.BatchFrameSize
	if frameSize <= 0 {
		frameSize = config.DefaultBatchFrameSize
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = config.DefaultMaxRetries
	}
	return &Orchestrator{
		store:          store,
		sched:          sched,
		mediaToolPath:  cfg.MediaToolPath,
		workDir:        cfg.WorkDir,
		batchFrameSize: frameSize,
		maxRetries:     maxRetries,
	}
}

// Submit runs extraction and batch creation for jobID in the background,
// returning immediately: demuxing a source file can take far longer than
// an admin API caller is willing to hold a connection open for, so
// createJob only needs the job to exist in JobCreated before this returns.
func (o *Orchestrator) Submit(jobID, sourcePath string) {
	go o.run(jobID, sourcePath)
}

func (o *Orchestrator) run(jobID, sourcePath string) {
	ctx := context.Background()

	result, err := frameio.Extract(ctx, o.mediaToolPath, sourcePath, o.workDir)
	if err != nil {
		log.LogError(jobID, "frame extraction failed", err)
		if failErr := o.store.FinishJobAssembly(jobID, fmt.Errorf("extraction: %w", err)); failErr != nil {
			log.LogError(jobID, "recording extraction failure", failErr)
		}
		return
	}

	if err := o.store.SetJobFrames(jobID, result.FramesDir, result.FrameCount, result.FrameRate,
		convertAudioTracks(result.AudioTracks), convertSubtitleTracks(result.SubtitleTracks)); err != nil {
		log.LogError(jobID, "recording extracted frames", err)
		return
	}
	log.Log(jobID, "frames extracted", "frame_count", result.FrameCount, "frames_dir", result.FramesDir)

	created, err := o.createBatches(jobID, result)
	if err != nil {
		log.LogError(jobID, "creating batches", err)
		return
	}
	log.Log(jobID, "batches created", "count", created)

	o.sched.Wake()
}

// createBatches slices result.FrameCount into contiguous runs of
// o.batchFrameSize frames, the last run taking whatever remains, and
// registers one pending batch per run. All batches of a job share
// result.FramesDir: frame numbering alone distinguishes which files belong
// to which batch, and a completed batch's upscaled frames are unpacked
// back over that same shared directory in place.
func (o *Orchestrator) createBatches(jobID string, result frameio.ExtractResult) (int, error) {
	created := 0
	for start := 0; start < result.FrameCount; start += o.batchFrameSize {
		end := start + o.batchFrameSize - 1
		if end >= result.FrameCount {
			end = result.FrameCount - 1
		}

		filenames := make([]string, 0, end-start+1)
		for n := start; n <= end; n++ {
			filenames = append(filenames, fmt.Sprintf(config.FramePattern, n))
		}

		if _, err := o.store.CreateBatch(jobID, start, end, filenames, result.FramesDir, o.maxRetries); err != nil {
			return created, err
		}
		created++
	}
	return created, nil
}

func convertAudioTracks(in []frameio.AudioTrack) []batch.AudioTrack {
	out := make([]batch.AudioTrack, len(in))
	for i, t := range in {
		out[i] = batch.AudioTrack{Language: t.Language, Codec: t.Codec, Default: t.Default, Forced: t.Forced, Path: t.Path}
	}
	return out
}

func convertSubtitleTracks(in []frameio.SubtitleTrack) []batch.SubtitleTrack {
	out := make([]batch.SubtitleTrack, len(in))
	for i, t := range in {
		out[i] = batch.SubtitleTrack{Language: t.Language, Codec: t.Codec, Default: t.Default, Forced: t.Forced, Path: t.Path}
	}
	return out
}
