package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/quorum/internal/config"
	"github.com/ShayCichocki/quorum/internal/coord"
	"github.com/ShayCichocki/quorum/internal/orchestrator"
	"github.com/ShayCichocki/quorum/internal/planner"
	"github.com/ShayCichocki/quorum/internal/registry"
	"github.com/ShayCichocki/quorum/internal/version"
	"github.com/ShayCichocki/quorum/internal/workspace"
	"github.com/ShayCichocki/quorum/pkg/models"
)

func init() {
	color.NoColor = true
}

func testApp(t *testing.T) *app {
	t.Helper()
	cfg := config.Default()
	cfg.Logging.File = ""
	cfg.Logging.Pretty = false
	cfg.Logging.Level = "error"
	a, err := newApp(context.Background(), cfg, t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func testPlan(t *testing.T) *models.Plan {
	t.Helper()
	plan, err := planner.Assemble("ship the feature", []*models.SubTask{
		{ID: "schema", Role: "backend", Description: "design the schema", Complexity: models.ComplexitySimple, Outputs: []string{"db"}},
		{ID: "page", Role: "frontend", Description: "build the page", Complexity: models.ComplexityComplex, Dependencies: []string{"db"}},
	}, planner.AgentDefaults{DefaultModel: registry.ModelSonnet})
	require.NoError(t, err)
	return plan
}

func TestOrchestratorOptions(t *testing.T) {
	tests := []struct {
		name    string
		flags   runFlags
		wantErr bool
	}{
		{"config defaults", runFlags{}, false},
		{"policy override", runFlags{policy: "sequential"}, false},
		{"parallel override", runFlags{maxParallel: 8}, false},
		{"unknown policy", runFlags{policy: "random"}, true},
		{"negative parallel", runFlags{maxParallel: -1}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := testApp(t)
			opts, err := a.orchestratorOptions(tt.flags)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotEmpty(t, opts)
		})
	}
}

func TestReasoningParamsFollowConfig(t *testing.T) {
	a := testApp(t)
	a.cfg.Reasoning.Breadth = 7
	a.cfg.LLM.MaxTokens = 1234
	a.cfg.LLM.Temperature = 0.1

	p := a.reasoningParams()
	assert.Equal(t, 7, p.Breadth)
	assert.Equal(t, 1234, p.MaxTokens)
	assert.Equal(t, 0.1, p.Temperature)
	assert.Equal(t, a.cfg.Reasoning.ConsensusTemperature, p.ConsensusTemperature)
}

func TestStoreFile(t *testing.T) {
	a := testApp(t)

	a.cfg.Store.Path = ":memory:"
	assert.Equal(t, "", a.storeFile())

	a.cfg.Store.Path = filepath.Join(".quorum", "state.db")
	assert.Equal(t, filepath.Join(a.root, ".quorum", "state.db"), a.storeFile())

	abs := filepath.Join(t.TempDir(), "x.db")
	a.cfg.Store.Path = abs
	assert.Equal(t, abs, a.storeFile())

	store, err := a.openStore()
	require.NoError(t, err)
	defer store.Close()
	_, ok := store.(*coord.SQLiteStore)
	assert.True(t, ok)
}

func TestWorkspacesOutsideGit(t *testing.T) {
	a := testApp(t)
	ws, err := a.workspaces(context.Background(), "run-1")
	require.NoError(t, err)
	_, ok := ws.(*workspace.DirProvider)
	assert.True(t, ok, "expected directory workspaces, got %T", ws)
}

func TestLoadPlanRoundTrip(t *testing.T) {
	a := testApp(t)
	path := filepath.Join(t.TempDir(), "plan.yaml")
	require.NoError(t, planner.SaveDefinition(path, testPlan(t)))

	plan, err := a.loadPlan(path)
	require.NoError(t, err)
	assert.Equal(t, "ship the feature", plan.GlobalTask)
	require.NotNil(t, plan.Subtask("page"))
	assert.Equal(t, []string{"db"}, plan.Subtask("page").Dependencies)
	assert.Len(t, plan.Agents, 2)
}

func TestRenderPlan(t *testing.T) {
	a := testApp(t)
	var buf bytes.Buffer
	renderPlan(&buf, testPlan(t), a.selector)

	out := buf.String()
	assert.Contains(t, out, "ship the feature")
	assert.Contains(t, out, "schema")
	assert.Contains(t, out, "needs: db")
	assert.Contains(t, out, "agent=agent-frontend")
	assert.Contains(t, out, "Estimated cost")
}

func TestShowStatus(t *testing.T) {
	ctx := context.Background()
	store := coord.NewMemoryStore()
	defer store.Close()

	var buf bytes.Buffer
	require.NoError(t, showStatus(ctx, &buf, store, 0))
	assert.Contains(t, buf.String(), "No run recorded")

	plan := testPlan(t)
	snap, err := json.Marshal(orchestrator.Snapshot{RunID: plan.ID, Task: plan.GlobalTask, Phase: orchestrator.PhaseScheduling, Policy: orchestrator.PolicySmart, Progress: 50})
	require.NoError(t, err)
	require.NoError(t, store.SetGlobal(ctx, orchestrator.GlobalRun, snap))
	planJSON, err := json.Marshal(plan)
	require.NoError(t, err)
	require.NoError(t, store.SetGlobal(ctx, orchestrator.GlobalPlan, planJSON))
	_, err = store.UpdateAgentStatus(ctx, models.AgentStatus{AgentID: "agent-frontend", Role: "frontend", Status: models.AgentBlocked, Blockers: []string{"db"}, Timestamp: 1})
	require.NoError(t, err)

	buf.Reset()
	require.NoError(t, showStatus(ctx, &buf, store, 5))
	out := buf.String()
	assert.Contains(t, out, plan.ID)
	assert.Contains(t, out, "scheduling")
	assert.Contains(t, out, "Subtasks: 2 in 2 agents")
	assert.Contains(t, out, "agent-frontend")
	assert.Contains(t, out, "waiting for db")
	assert.Contains(t, out, "Events")
}

func TestVersionCommand(t *testing.T) {
	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetArgs([]string{"version"})
	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, buf.String(), "quorum version "+version.Get())

	buf.Reset()
	rootCmd.SetArgs([]string{"version", "--short"})
	require.NoError(t, rootCmd.Execute())
	assert.Equal(t, version.Get()+"\n", buf.String())
	versionShort = false
}
