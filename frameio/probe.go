// Package frameio is the Frame I/O Adapter: bidirectional conversion
// between a video file and a set of per-frame PNG images plus sidecar
// audio and subtitle files, driven by an external media tool and ffprobe.
package frameio

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	ffprobe "gopkg.in/vansante/go-ffprobe.v2"

	uperrors "github.com/videoswarm/upswarm/errors"
)

// ffprobeStream is the subset of an ffprobe stream description the
// extractor needs to record a sidecar track's descriptor.
type ffprobeStream struct {
	Index     int
	CodecName string
	Language  string
	Default   bool
	Forced    bool
}

// probeResult is the subset of ffprobe output the extractor needs.
type probeResult struct {
	frameRate       float64
	hasVideoStream  bool
	audioStreams    []ffprobeStream
	subtitleStreams []ffprobeStream
}

// probe runs ffprobe against path, retrying transient failures, and falling
// back to a fatal-only loglevel re-run the way the coordinator's media
// probing does for inputs ffprobe warns about but can still parse.
func probe(ctx context.Context, path string) (probeResult, error) {
	data, err := runProbe(ctx, path, "-loglevel", "error")
	if err != nil {
		data, err = runProbe(ctx, path, "-loglevel", "fatal")
		if err != nil {
			return probeResult{}, uperrors.New(uperrors.KindSourceUnreadable, "probing "+path, err)
		}
	}
	return parseProbeData(data)
}

func runProbe(ctx context.Context, path string, opts ...string) (*ffprobe.ProbeData, error) {
	var data *ffprobe.ProbeData
	operation := func() error {
		probeCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
		defer cancel()
		out, err := ffprobe.ProbeURL(probeCtx, path, opts...)
		if err != nil {
			return err
		}
		data = out
		return nil
	}

	backOff := backoff.NewExponentialBackOff()
	backOff.InitialInterval = 500 * time.Millisecond
	backOff.MaxInterval = 2 * time.Second
	backOff.MaxElapsedTime = 0
	if err := backoff.Retry(operation, backoff.WithMaxRetries(backOff, 3)); err != nil {
		return nil, fmt.Errorf("frameio: probing %s: %w", path, err)
	}
	return data, nil
}

func parseProbeData(data *ffprobe.ProbeData) (probeResult, error) {
	videoStream := data.FirstVideoStream()
	if videoStream == nil {
		return probeResult{}, fmt.Errorf("no video stream found")
	}

	fps, err := parseFrameRate(videoStream.AvgFrameRate)
	if err != nil {
		return probeResult{}, fmt.Errorf("parsing frame rate: %w", err)
	}
	if fps == 0 {
		fps, err = parseFrameRate(videoStream.RFrameRate)
		if err != nil {
			return probeResult{}, fmt.Errorf("parsing real frame rate: %w", err)
		}
	}

	var audio, subs []ffprobeStream
	for _, s := range data.Streams {
		track := ffprobeStream{Index: s.Index, CodecName: s.CodecName}
		if s.Tags != nil {
			track.Language = s.Tags.Language
		}
		if s.Disposition != nil {
			track.Default = s.Disposition.Default == 1
			track.Forced = s.Disposition.Forced == 1
		}
		switch s.CodecType {
		case "audio":
			audio = append(audio, track)
		case "subtitle":
			subs = append(subs, track)
		}
	}

	return probeResult{
		frameRate:       roundTo3(fps),
		hasVideoStream:  true,
		audioStreams:    audio,
		subtitleStreams: subs,
	}, nil
}

// parseFrameRate parses ffprobe's rational "num/den" frame rate form.
func parseFrameRate(rate string) (float64, error) {
	if rate == "" {
		return 0, nil
	}
	parts := strings.SplitN(rate, "/", 2)
	if len(parts) < 2 {
		return strconv.ParseFloat(rate, 64)
	}
	num, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, fmt.Errorf("numerator: %w", err)
	}
	den, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, fmt.Errorf("denominator: %w", err)
	}
	if den == 0 {
		return 0, nil
	}
	return float64(num) / float64(den), nil
}

func roundTo3(v float64) float64 {
	return float64(int64(v*1000+0.5)) / 1000
}
