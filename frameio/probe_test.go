package frameio

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseFrameRateRational(t *testing.T) {
	fps, err := parseFrameRate("30000/1001")
	require.NoError(t, err)
	require.InDelta(t, 29.97, fps, 0.001)
}

func TestParseFrameRateWholeNumber(t *testing.T) {
	fps, err := parseFrameRate("25")
	require.NoError(t, err)
	require.Equal(t, 25.0, fps)
}

func TestParseFrameRateZeroDenominator(t *testing.T) {
	fps, err := parseFrameRate("0/0")
	require.NoError(t, err)
	require.Equal(t, 0.0, fps)
}

func TestParseFrameRateEmpty(t *testing.T) {
	fps, err := parseFrameRate("")
	require.NoError(t, err)
	require.Equal(t, 0.0, fps)
}

func TestRoundTo3(t *testing.T) {
	require.Equal(t, 29.97, roundTo3(29.9700299700299))
	require.Equal(t, 24.0, roundTo3(24.0))
}
