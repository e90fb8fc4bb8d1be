package frameio

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/videoswarm/upswarm/config"
	uperrors "github.com/videoswarm/upswarm/errors"
	"github.com/videoswarm/upswarm/log"
	"github.com/videoswarm/upswarm/subprocess"
)

// AudioTrack and SubtitleTrack mirror the sidecar descriptors recorded on
// the batch store's Job, kept distinct here so frameio has no import-time
// dependency on the batch package.
type AudioTrack struct {
	Language string
	Codec    string
	Default  bool
	Forced   bool
	Path     string
}

type SubtitleTrack struct {
	Language string
	Codec    string
	Default  bool
	Forced   bool
	Path     string
}

// ExtractResult is the outcome of Extract.
type ExtractResult struct {
	FramesDir      string
	FrameCount     int
	FrameRate      float64
	AudioTracks    []AudioTrack
	SubtitleTracks []SubtitleTrack
}

// Extract demuxes videoPath into frame_%06d.png images plus sidecar audio
// and subtitle files, all inside a fresh subdirectory of workDir.
func Extract(ctx context.Context, mediaToolPath, videoPath, workDir string) (ExtractResult, error) {
	result, err := probe(ctx, videoPath)
	if err != nil {
		return ExtractResult{}, err
	}
	if !result.hasVideoStream {
		return ExtractResult{}, uperrors.New(uperrors.KindSourceUnreadable, "no video stream in "+videoPath, nil)
	}

	jobDir, err := os.MkdirTemp(workDir, "extract-*")
	if err != nil {
		return ExtractResult{}, fmt.Errorf("frameio: creating work dir: %w", err)
	}
	framesDir := filepath.Join(jobDir, "frames")
	if err := os.MkdirAll(framesDir, 0o755); err != nil {
		return ExtractResult{}, fmt.Errorf("frameio: creating frames dir: %w", err)
	}

	pattern := filepath.Join(framesDir, config.FramePattern)
	_, stderr, err := subprocess.RunCaptured(ctx, mediaToolPath,
		"-i", videoPath,
		"-vf", fmt.Sprintf("fps=%f", result.frameRate),
		"-q:v", "1",
		pattern,
	)
	if err != nil {
		return ExtractResult{}, uperrors.New(uperrors.KindExtractionFailed, "media tool extraction failed", fmt.Errorf("%s: %s", err, stderr))
	}

	frameCount, err := countFrames(framesDir)
	if err != nil {
		return ExtractResult{}, uperrors.New(uperrors.KindExtractionFailed, "counting extracted frames", err)
	}

	audio, err := extractAudioTracks(ctx, mediaToolPath, videoPath, jobDir, result.audioStreams)
	if err != nil {
		log.LogNoRequestID("audio extraction failed, continuing video-only", "video", videoPath, "err", err)
		audio = nil
	}
	subs, err := extractSubtitleTracks(ctx, mediaToolPath, videoPath, jobDir, result.subtitleStreams)
	if err != nil {
		log.LogNoRequestID("subtitle extraction failed, continuing video-only", "video", videoPath, "err", err)
		subs = nil
	}

	return ExtractResult{
		FramesDir:      framesDir,
		FrameCount:     frameCount,
		FrameRate:      result.frameRate,
		AudioTracks:    audio,
		SubtitleTracks: subs,
	}, nil
}

func countFrames(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, e := range entries {
		if !e.IsDir() {
			count++
		}
	}
	if count == 0 {
		return 0, fmt.Errorf("no frames produced")
	}
	return count, nil
}

func extractAudioTracks(ctx context.Context, mediaToolPath, videoPath, jobDir string, streams []ffprobeStream) ([]AudioTrack, error) {
	var tracks []AudioTrack
	for i, s := range streams {
		outPath := filepath.Join(jobDir, fmt.Sprintf("audio_%d.%s", i, extensionForCodec(s.CodecName)))
		_, stderr, err := subprocess.RunCaptured(ctx, mediaToolPath,
			"-i", videoPath, "-map", fmt.Sprintf("0:a:%d", i), "-c", "copy", outPath,
		)
		if err != nil {
			return tracks, fmt.Errorf("extracting audio track %d: %s: %w", i, stderr, err)
		}
		tracks = append(tracks, AudioTrack{
			Language: s.Language,
			Codec:    s.CodecName,
			Default:  s.Default,
			Forced:   s.Forced,
			Path:     outPath,
		})
	}
	return tracks, nil
}

func extractSubtitleTracks(ctx context.Context, mediaToolPath, videoPath, jobDir string, streams []ffprobeStream) ([]SubtitleTrack, error) {
	var tracks []SubtitleTrack
	for i, s := range streams {
		outPath := filepath.Join(jobDir, fmt.Sprintf("subs_%d.srt", i))
		_, stderr, err := subprocess.RunCaptured(ctx, mediaToolPath,
			"-i", videoPath, "-map", fmt.Sprintf("0:s:%d", i), outPath,
		)
		if err != nil {
			return tracks, fmt.Errorf("extracting subtitle track %d: %s: %w", i, stderr, err)
		}
		tracks = append(tracks, SubtitleTrack{
			Language: s.Language,
			Codec:    s.CodecName,
			Default:  s.Default,
			Forced:   s.Forced,
			Path:     outPath,
		})
	}
	return tracks, nil
}

func extensionForCodec(codec string) string {
	switch codec {
	case "aac":
		return "aac"
	case "mp3":
		return "mp3"
	default:
		return "mka"
	}
}
