package subprocess

import (
	"bytes"
	"context"
	"os/exec"
)

// RunCaptured runs name with args under ctx, returning its captured stdout
// and stderr separately along with the underlying error (an *exec.ExitError
// on nonzero exit). Callers that
// need the tool's stderr for a typed error message -- extraction,
// assembly, upscaling -- use this instead of LogOutputs, which only
// streams to the process's own stdout/stderr.
func RunCaptured(ctx context.Context, name string, args ...string) (stdout, stderr []byte, err error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf
	err = cmd.Run()
	return outBuf.Bytes(), errBuf.Bytes(), err
}
