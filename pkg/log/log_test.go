package log

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	Setup(Options{Level: "warn", JSON: true, Output: &buf})

	logger := Component("router")
	logger.Info().Msg("filtered out")
	logger.Warn().Msg("kept")

	out := buf.String()
	assert.NotContains(t, out, "filtered out")
	assert.Contains(t, out, "kept")
}

func TestSetupBadLevelFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	Setup(Options{Level: "nonsense", JSON: true, Output: &buf})

	boot := Component("boot")
	boot.Info().Msg("visible")
	boot.Debug().Msg("hidden")

	out := buf.String()
	assert.Contains(t, out, "visible")
	assert.NotContains(t, out, "hidden")
}

func TestDerivedLoggerTags(t *testing.T) {
	var buf bytes.Buffer
	Setup(Options{Level: "debug", JSON: true, Output: &buf})

	overlay := Component("overlay")
	overlay.Info().Msg("a")
	connLocal := Module("connector-local")
	connLocal.Info().Msg("b")
	rank := Rank(3)
	rank.Info().Msg("c")

	out := buf.String()
	require.NotEmpty(t, out)
	assert.Contains(t, out, `"component":"overlay"`)
	assert.Contains(t, out, `"module":"connector-local"`)
	assert.Contains(t, out, `"rank":3`)
}
