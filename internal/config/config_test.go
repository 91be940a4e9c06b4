package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/quorum/pkg/models"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "smart", cfg.Orchestrator.Policy)
	assert.Equal(t, 3, cfg.Orchestrator.MaxParallel)
	assert.Equal(t, 2*time.Second, cfg.Orchestrator.PollInterval)
	assert.Equal(t, 0.7, cfg.Orchestrator.QualityThreshold)
	assert.Equal(t, 2, cfg.Orchestrator.QualityRetries)
	assert.Equal(t, 1, cfg.Orchestrator.SubtaskRetries)
	assert.Equal(t, 2*time.Minute, cfg.LLM.CallTimeout)
	assert.Equal(t, 3, cfg.LLM.MaxRetries)
	assert.Equal(t, 5, cfg.Reasoning.NumSamples)
	assert.Equal(t, 10, cfg.Reasoning.MaxSteps)
	assert.Equal(t, 0.8, cfg.Reasoning.ConsensusTemperature)
	assert.Equal(t, filepath.Join(".quorum", "state.db"), cfg.Store.Path)
	assert.False(t, cfg.Store.InMemoryStore())
	require.NoError(t, cfg.Validate())
}

func TestLoadFromPath(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	content := `
anthropic:
  api_key: test-key
defaults:
  model: claude-haiku-4-5-20251001
  auto_select_model: false
  model_mapping:
    EXPERT: claude-opus-4-5-20251101
    simple: claude-haiku-4-5-20251001
orchestrator:
  policy: sequential
  max_parallel: 1
  poll_interval: 250ms
reasoning:
  breadth: 6
store:
  path: ":memory:"
`
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0644))

	cfg, err := LoadFromPath(configPath)
	require.NoError(t, err)

	assert.Equal(t, "test-key", cfg.Anthropic.APIKey)
	assert.Equal(t, "sequential", cfg.Orchestrator.Policy)
	assert.Equal(t, 250*time.Millisecond, cfg.Orchestrator.PollInterval)
	assert.Equal(t, 6, cfg.Reasoning.Breadth)
	assert.Equal(t, 2, cfg.Reasoning.Depth, "unset keys keep defaults")
	assert.False(t, cfg.Defaults.AutoSelectModel)
	assert.True(t, cfg.Store.InMemoryStore())

	mapping, err := cfg.Defaults.ComplexityMapping()
	require.NoError(t, err)
	assert.Equal(t, "claude-opus-4-5-20251101", mapping[models.ComplexityExpert])
	assert.Equal(t, "claude-haiku-4-5-20251001", mapping[models.ComplexitySimple])
}

func TestLoadFromPath_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"unknown policy", "orchestrator:\n  policy: random\n"},
		{"zero max_parallel", "orchestrator:\n  max_parallel: 0\n"},
		{"threshold above one", "orchestrator:\n  quality_threshold: 1.5\n"},
		{"negative quality_retries", "orchestrator:\n  quality_retries: -1\n"},
		{"negative subtask_retries", "orchestrator:\n  subtask_retries: -2\n"},
		{"bad mapping key", "defaults:\n  model_mapping:\n    impossible: x\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0644))
			_, err := LoadFromPath(path)
			assert.Error(t, err)
		})
	}
}

func TestLoadFromPath_MissingFile(t *testing.T) {
	_, err := LoadFromPath(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoad_ProjectOverridesUser(t *testing.T) {
	xdg := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", xdg)
	require.NoError(t, os.MkdirAll(filepath.Join(xdg, "quorum"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(xdg, "quorum", "config.yaml"),
		[]byte("orchestrator:\n  max_parallel: 5\n  policy: parallel\n"), 0644))

	project := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(project, ProjectConfigName),
		[]byte("orchestrator:\n  policy: sequential\n"), 0644))

	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(project))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "sequential", cfg.Orchestrator.Policy)
	assert.Equal(t, 5, cfg.Orchestrator.MaxParallel)
}
