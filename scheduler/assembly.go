package scheduler

import (
	"context"

	"github.com/videoswarm/upswarm/batch"
	"github.com/videoswarm/upswarm/frameio"
	"github.com/videoswarm/upswarm/log"
)

// assembleJob drives frameio.Assemble to produce a completed job's final
// output file, called from eventLoop when every root batch has completed.
// A job that reaches this stage has already moved to the assembling
// status; assembly is the last step before it is reported completed or
// failed.
func (s *Scheduler) assembleJob(ctx context.Context, jobID string) {
	if s.mediaToolPath == "" {
		return // assembly disabled, e.g. in unit tests driving the store directly
	}
	job, ok := s.store.Job(jobID)
	if !ok {
		return
	}

	in := frameio.AssembleInput{
		FramesDir:      job.FramesDir,
		ExpectedFrames: job.TotalFrames,
		FrameRate:      job.FrameRate,
		AudioTracks:    convertAudioTracks(job.AudioTracks),
		SubtitleTracks: convertSubtitleTracks(job.SubtitleTracks),
		OutputPath:     job.OutputPath,
	}

	err := frameio.Assemble(ctx, s.mediaToolPath, in)
	if err != nil {
		log.LogError(jobID, "job assembly failed", err)
	} else {
		log.Log(jobID, "job assembled", "output", job.OutputPath)
	}
	if finishErr := s.store.FinishJobAssembly(jobID, err); finishErr != nil {
		log.LogError(jobID, "recording assembly outcome", finishErr)
		return
	}
	if s.ledger == nil {
		return
	}
	if err != nil {
		s.ledger.RecordJobFailed(job)
	} else {
		s.ledger.RecordJobCompleted(job)
	}
}

func convertAudioTracks(in []batch.AudioTrack) []frameio.AudioTrack {
	out := make([]frameio.AudioTrack, len(in))
	for i, t := range in {
		out[i] = frameio.AudioTrack{Language: t.Language, Codec: t.Codec, Default: t.Default, Forced: t.Forced, Path: t.Path}
	}
	return out
}

func convertSubtitleTracks(in []batch.SubtitleTrack) []frameio.SubtitleTrack {
	out := make([]frameio.SubtitleTrack, len(in))
	for i, t := range in {
		out[i] = frameio.SubtitleTrack{Language: t.Language, Codec: t.Codec, Default: t.Default, Forced: t.Forced, Path: t.Path}
	}
	return out
}
