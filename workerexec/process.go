package workerexec

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/videoswarm/upswarm/config"
	uperrors "github.com/videoswarm/upswarm/errors"
	"github.com/videoswarm/upswarm/log"
	"github.com/videoswarm/upswarm/subprocess"
)

// BatchConfig is the per-batch upscaler configuration read from the batch
// header. The coordinator fills it from its own configured defaults for
// every batch; the worker's capability descriptor is not consulted.
type BatchConfig struct {
	Model             string
	Scale             int
	TileSize          int
	Threads           int
	GPU               int
	MinOutputFraction float64
}

// conservative returns a reduced-resource fallback configuration: smaller
// tile size, fewer threads, GPU 0.
func (c BatchConfig) conservative() BatchConfig {
	out := c
	if out.TileSize > 128 {
		out.TileSize = 128
	}
	out.Threads = 1
	out.GPU = 0
	return out
}

// BatchPayload is the decrypted, unwrapped contents of a batch_assignment.
type BatchPayload struct {
	BatchID       string
	Archive       []byte
	ExpectedFiles int
	Config        BatchConfig
}

// Result is the processed batch ready for re-encryption and return.
type Result struct {
	BatchID string
	Archive []byte
}

// Process implements the single worker_executor operation: decrypt/verify
// happens in the caller (the session layer owns that), so Process starts
// from an already-authenticated payload.
func Process(ctx context.Context, upscalerPath, scratchRoot string, payload BatchPayload, ceiling time.Duration) (Result, error) {
	scratchDir, err := os.MkdirTemp(scratchRoot, "batch-"+payload.BatchID+"-*")
	if err != nil {
		return Result{}, fmt.Errorf("workerexec: creating scratch dir: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(scratchDir); err != nil {
			log.LogNoRequestID("scratch dir cleanup failed", "dir", scratchDir, "err", err)
		}
	}()

	inputDir := filepath.Join(scratchDir, "input")
	outputDir := filepath.Join(scratchDir, "output")
	if err := os.MkdirAll(inputDir, 0o755); err != nil {
		return Result{}, fmt.Errorf("workerexec: creating input dir: %w", err)
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return Result{}, fmt.Errorf("workerexec: creating output dir: %w", err)
	}

	if err := unpackArchive(payload.Archive, inputDir); err != nil {
		return Result{}, err
	}

	runCtx, cancel := context.WithTimeout(ctx, ceiling)
	defer cancel()

	ok, err := runUpscaler(runCtx, upscalerPath, inputDir, outputDir, payload.Config, payload.ExpectedFiles)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		log.LogNoRequestID("upscale below threshold, retrying with conservative config", "batch_id", payload.BatchID)
		fallback := payload.Config.conservative()
		ok, err = runUpscaler(runCtx, upscalerPath, inputDir, outputDir, fallback, payload.ExpectedFiles)
		if err != nil {
			return Result{}, err
		}
		if !ok {
			return Result{}, uperrors.New(uperrors.KindBatchProcessing, "upscale output below minimum fraction after fallback", nil)
		}
	}

	archive, err := packArchive(outputDir)
	if err != nil {
		return Result{}, err
	}

	return Result{BatchID: payload.BatchID, Archive: archive}, nil
}

// realesrganJobs renders threads as the load:proc:save triplet
// realesrgan-ncnn-vulkan's -j flag expects; one load/save thread bracketing
// the configured processing thread count matches the binary's own default
// shape ("1:2:1" for two processing threads).
func realesrganJobs(threads int) string {
	return fmt.Sprintf("1:%d:1", threads)
}

func runUpscaler(ctx context.Context, upscalerPath, inputDir, outputDir string, cfg BatchConfig, expected int) (bool, error) {
	args := []string{
		"-i", inputDir,
		"-o", outputDir,
		"-n", cfg.Model,
		"-s", fmt.Sprint(cfg.Scale),
		"-t", fmt.Sprint(cfg.TileSize),
		"-f", "png",
		"-g", fmt.Sprint(cfg.GPU),
		"-j", realesrganJobs(cfg.Threads),
	}

	_, stderr, err := subprocess.RunCaptured(ctx, upscalerPath, args...)
	if err != nil {
		if ctx.Err() != nil {
			return false, uperrors.New(uperrors.KindTimeout, "upscaler exceeded processing ceiling", ctx.Err())
		}
		return false, uperrors.New(uperrors.KindBatchProcessing, "upscaler exited nonzero", fmt.Errorf("%s: %s", err, stderr))
	}

	produced, err := countFiles(outputDir)
	if err != nil {
		return false, fmt.Errorf("workerexec: counting output files: %w", err)
	}
	if expected == 0 {
		return true, nil
	}
	threshold := cfg.MinOutputFraction
	if threshold == 0 {
		threshold = config.DefaultMinOutputFraction
	}
	return float64(produced)/float64(expected) >= threshold, nil
}

func countFiles(dir string) (int, error) {
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
	return count, nil
}
