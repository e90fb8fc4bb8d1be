package workerexec

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeUpscaler writes a shell script that copies every file from the
// directory following -i to the directory following -o, used in place of
// the real realesrgan-ncnn-vulkan binary to exercise its -i/-o flag form.
func fakeUpscaler(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fake-upscaler.sh")
	script := `#!/bin/sh
set -e
while [ "$#" -gt 0 ]; do
	case "$1" in
	-i) in="$2"; shift 2 ;;
	-o) out="$2"; shift 2 ;;
	*) shift ;;
	esac
done
for f in "$in"/*; do cp "$f" "$out/"; done
`
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func TestProcessRoundTrip(t *testing.T) {
	upscaler := fakeUpscaler(t)
	scratchRoot := t.TempDir()

	archive := buildZip(t, map[string]string{"frame_000001.png": "source-pixels"})
	payload := BatchPayload{
		BatchID:       "b-1",
		Archive:       archive,
		ExpectedFiles: 1,
		Config:        BatchConfig{Model: "esrgan", Scale: 2, TileSize: 256, Threads: 4, GPU: 0},
	}

	result, err := Process(context.Background(), upscaler, scratchRoot, payload, 5*time.Second)
	require.NoError(t, err)
	require.Equal(t, "b-1", result.BatchID)
	require.NotEmpty(t, result.Archive)

	entries, err := os.ReadDir(scratchRoot)
	require.NoError(t, err)
	require.Empty(t, entries, "scratch directory should be cleaned up")
}

// partialUpscaler writes a shell script that only copies the first file from
// the -i directory, simulating a batch that came back short.
func partialUpscaler(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fake-upscaler-partial.sh")
	script := `#!/bin/sh
set -e
while [ "$#" -gt 0 ]; do
	case "$1" in
	-i) in="$2"; shift 2 ;;
	-o) out="$2"; shift 2 ;;
	*) shift ;;
	esac
done
f=$(ls "$in" | head -n1)
cp "$in/$f" "$out/"
`
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func TestProcessHonorsConfiguredMinOutputFraction(t *testing.T) {
	upscaler := partialUpscaler(t)
	scratchRoot := t.TempDir()

	archive := buildZip(t, map[string]string{
		"frame_000001.png": "a",
		"frame_000002.png": "b",
	})
	payload := BatchPayload{
		BatchID:       "b-1",
		Archive:       archive,
		ExpectedFiles: 2,
		Config:        BatchConfig{Model: "esrgan", Scale: 2, TileSize: 256, Threads: 4, GPU: 0, MinOutputFraction: 0.4},
	}

	// 1/2 = 0.5 clears an explicitly configured 0.4 floor even though it
	// falls below the package default of 0.8, proving the configured value
	// (not the hardcoded default) drives the accept/retry decision.
	result, err := Process(context.Background(), upscaler, scratchRoot, payload, 5*time.Second)
	require.NoError(t, err)
	require.Equal(t, "b-1", result.BatchID)
}

func TestConservativeConfigReducesResources(t *testing.T) {
	cfg := BatchConfig{Model: "esrgan", Scale: 2, TileSize: 512, Threads: 8, GPU: 1}
	fallback := cfg.conservative()

	require.Equal(t, 128, fallback.TileSize)
	require.Equal(t, 1, fallback.Threads)
	require.Equal(t, 0, fallback.GPU)
	require.Equal(t, cfg.Model, fallback.Model)
}
