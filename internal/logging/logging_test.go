package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_WritesConsoleAndFile(t *testing.T) {
	var console bytes.Buffer
	path := filepath.Join(t.TempDir(), "logs", "quorum.log")

	logger, closer, err := New(Config{Level: "debug", File: path, Console: &console})
	require.NoError(t, err)

	logger.Info().Str(SubtaskField, "A").Msg("subtask done")
	require.NoError(t, closer.Close())

	assert.Contains(t, console.String(), `"subtask":"A"`)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "subtask done")
}

func TestNew_LevelFilters(t *testing.T) {
	var console bytes.Buffer
	logger, _, err := New(Config{Level: "warn", Console: &console})
	require.NoError(t, err)

	logger.Info().Msg("hidden")
	logger.Warn().Msg("shown")

	assert.NotContains(t, console.String(), "hidden")
	assert.Contains(t, console.String(), "shown")
}

func TestNew_BadLevel(t *testing.T) {
	_, _, err := New(Config{Level: "loud"})
	assert.Error(t, err)
}

func TestRunLogPath(t *testing.T) {
	assert.Equal(t, filepath.Join("/repo", ".quorum", "logs", "run-01H.log"), RunLogPath("/repo", "01H"))
}
