package frameio

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/videoswarm/upswarm/config"
	uperrors "github.com/videoswarm/upswarm/errors"
	"github.com/videoswarm/upswarm/subprocess"
)

// AssembleInput bundles everything Assemble needs to mux upscaled frames
// back into a finished video.
type AssembleInput struct {
	FramesDir      string
	ExpectedFrames int
	FrameRate      float64
	AudioTracks    []AudioTrack
	SubtitleTracks []SubtitleTrack
	OutputPath     string
	ForceAssemble  bool
}

// Assemble consumes upscaled frames in ascending index order, muxes them at
// the original frame rate, and attaches every sidecar stream in its
// original order. Missing frames fail with a KindAssemblyFailed
// "incomplete frames" error unless in.ForceAssemble is set.
func Assemble(ctx context.Context, mediaToolPath string, in AssembleInput) error {
	present, err := countFrames(in.FramesDir)
	if err != nil {
		return uperrors.New(uperrors.KindAssemblyFailed, "reading upscaled frames", err)
	}
	if present != in.ExpectedFrames && !in.ForceAssemble {
		return uperrors.New(uperrors.KindAssemblyFailed,
			fmt.Sprintf("incomplete frames: have %d, expected %d", present, in.ExpectedFrames), nil)
	}

	args := []string{
		"-framerate", fmt.Sprintf("%f", in.FrameRate),
		"-i", filepath.Join(in.FramesDir, config.FramePattern),
	}

	trackOrder := buildTrackOrder(in.AudioTracks, in.SubtitleTracks)
	for _, t := range trackOrder {
		args = append(args, "-i", t.path)
	}

	args = append(args, "-map", "0:v:0")
	for i := range trackOrder {
		args = append(args, "-map", fmt.Sprintf("%d:0", i+1))
	}
	args = append(args, "-c:v", "libx264", "-c:a", "copy", "-c:s", "copy", in.OutputPath)

	if err := os.MkdirAll(filepath.Dir(in.OutputPath), 0o755); err != nil {
		return uperrors.New(uperrors.KindAssemblyFailed, "creating output directory", err)
	}

	_, stderr, err := subprocess.RunCaptured(ctx, mediaToolPath, args...)
	if err != nil {
		return uperrors.New(uperrors.KindAssemblyFailed, "media tool assembly failed", fmt.Errorf("%s: %s", err, stderr))
	}
	return nil
}

type orderedTrack struct {
	path string
}

// buildTrackOrder preserves the original language/type ordering: audio
// tracks first (as probed), then subtitle tracks.
func buildTrackOrder(audio []AudioTrack, subs []SubtitleTrack) []orderedTrack {
	out := make([]orderedTrack, 0, len(audio)+len(subs))
	for _, a := range audio {
		out = append(out, orderedTrack{path: a.Path})
	}
	for _, s := range subs {
		out = append(out, orderedTrack{path: s.Path})
	}
	return out
}
