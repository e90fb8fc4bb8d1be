package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTypedErrorFormatting(t *testing.T) {
	err := New(KindBatchProcessing, "upscaler exited nonzero", fmt.Errorf("exit status 1"))
	require.Equal(t, "BatchProcessingError: upscaler exited nonzero: exit status 1", err.Error())

	bare := New(KindTimeout, "ceiling exceeded", nil)
	require.Equal(t, "Timeout: ceiling exceeded", bare.Error())
}

func TestIsKindMatchesWrapped(t *testing.T) {
	inner := New(KindTimeout, "ceiling exceeded", nil)
	wrapped := fmt.Errorf("worker executor: %w", inner)

	require.True(t, IsKind(wrapped, KindTimeout))
	require.False(t, IsKind(wrapped, KindBatchProcessing))
	require.False(t, IsKind(stderrors.New("plain error"), KindTimeout))
}

func TestErrorsIsMatchesSentinelByKind(t *testing.T) {
	err := New(KindAlreadySettled, "batch 42 already completed", nil)
	require.True(t, stderrors.Is(err, ErrAlreadySettled))
	require.False(t, stderrors.Is(err, ErrTimeout))
}

func TestUnwrapExposesCause(t *testing.T) {
	cause := fmt.Errorf("archive read failed")
	err := New(KindSourceUnreadable, "could not open input", cause)
	require.Equal(t, cause, stderrors.Unwrap(err))
}

func TestKindString(t *testing.T) {
	require.Equal(t, "SecurityViolation", KindSecurityViolation.String())
	require.Equal(t, "UnknownError", Kind(999).String())
}
