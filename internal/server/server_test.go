package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/quorum/internal/coord"
	"github.com/ShayCichocki/quorum/internal/llm"
	"github.com/ShayCichocki/quorum/internal/orchestrator"
	"github.com/ShayCichocki/quorum/internal/planner"
	"github.com/ShayCichocki/quorum/internal/reasoning"
	"github.com/ShayCichocki/quorum/internal/registry"
	"github.com/ShayCichocki/quorum/internal/selector"
	"github.com/ShayCichocki/quorum/internal/workspace"
	"github.com/ShayCichocki/quorum/pkg/models"
)

func answer(context.Context, string, llm.Params) (llm.Response, error) {
	return llm.Response{Text: `{"understanding":"u","analysis":"a","plan":["p"],"execution":"e","verification":"ok","verified":true,"final_answer":"done","confidence":0.9}`}, nil
}

func subtasks() []*models.SubTask {
	return []*models.SubTask{
		{ID: "api", Role: "backend", Description: "api", Complexity: models.ComplexitySimple, Outputs: []string{"schema"}},
		{ID: "ui", Role: "frontend", Description: "ui", Complexity: models.ComplexitySimple, Dependencies: []string{"schema"}},
	}
}

func newTestServer(t *testing.T, plan orchestrator.PlannerFunc, opts ...orchestrator.Option) (*httptest.Server, *orchestrator.Orchestrator) {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "README.md"), []byte("base\n"), 0o644))
	dir, err := workspace.NewDirProvider(root, t.TempDir())
	require.NoError(t, err)
	store := coord.NewMemoryStore()
	t.Cleanup(func() { _ = store.Close() })

	if plan == nil {
		plan = func(_ context.Context, task string) (*models.Plan, error) {
			return planner.Assemble(task, subtasks(), planner.AgentDefaults{DefaultModel: registry.ModelSonnet})
		}
	}
	base := []orchestrator.Option{orchestrator.WithPollInterval(20 * time.Millisecond)}
	o, err := orchestrator.New(orchestrator.RequiredConfig{
		Planner:    plan,
		Engine:     reasoning.NewEngine(llm.GeneratorFunc(answer)),
		Selector:   selector.New(registry.New()),
		Store:      store,
		Workspaces: dir,
	}, append(base, opts...)...)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	srv := httptest.NewServer(New("", o, WithBaseContext(ctx)).Handler())
	t.Cleanup(srv.Close)
	return srv, o
}

func do(t *testing.T, method, url, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func waitPhase(t *testing.T, o *orchestrator.Orchestrator, want orchestrator.Phase) {
	t.Helper()
	require.Eventually(t, func() bool { return o.Phase() == want }, 5*time.Second, 10*time.Millisecond,
		"phase stayed %s", o.Phase())
}

func TestSubmitValidation(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	tests := []struct {
		name string
		body string
		want int
	}{
		{"malformed", `{`, http.StatusBadRequest},
		{"empty task", `{"task":""}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, out := do(t, http.MethodPost, srv.URL+"/tasks", tt.body)
			assert.Equal(t, tt.want, resp.StatusCode)
			assert.NotEmpty(t, out["error"])
		})
	}
}

func TestNoPlanYet(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	resp, _ := do(t, http.MethodGet, srv.URL+"/plan", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = do(t, http.MethodPost, srv.URL+"/run/start", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSubmitIdempotentAndConflicting(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	resp, plan := do(t, http.MethodPost, srv.URL+"/tasks", `{"task":"ship it"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "ship it", plan["global_task"])

	resp, again := do(t, http.MethodPost, srv.URL+"/tasks", `{"task":"ship it"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, plan["id"], again["id"])

	resp, _ = do(t, http.MethodPost, srv.URL+"/tasks", `{"task":"something else"}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, got := do(t, http.MethodGet, srv.URL+"/plan", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, plan["id"], got["id"])
}

func TestPlanningErrorIsUnprocessable(t *testing.T) {
	srv, _ := newTestServer(t, func(context.Context, string) (*models.Plan, error) {
		return nil, &planner.PlanningError{Reason: "dependency cycle a -> b -> a", Err: planner.ErrCycle}
	})

	resp, out := do(t, http.MethodPost, srv.URL+"/tasks", `{"task":"loop"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Contains(t, out["error"], "cycle")
}

func TestRunToCompletion(t *testing.T) {
	srv, o := newTestServer(t, nil)

	resp, _ := do(t, http.MethodPost, srv.URL+"/tasks", `{"task":"ship it","start":true}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	waitPhase(t, o, orchestrator.PhaseComplete)

	resp, sum := do(t, http.MethodGet, srv.URL+"/summary", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	run := sum["run"].(map[string]any)
	assert.Equal(t, "complete", run["phase"])
	assert.Equal(t, float64(100), run["progress"])
	store := sum["store"].(map[string]any)
	assert.Equal(t, float64(2), store["agents"].(map[string]any)["done"])

	req, err := http.Get(srv.URL + "/agents")
	require.NoError(t, err)
	var agents []models.AgentStatus
	require.NoError(t, json.NewDecoder(req.Body).Decode(&agents))
	req.Body.Close()
	assert.Len(t, agents, 2)

	req, err = http.Get(srv.URL + "/interfaces")
	require.NoError(t, err)
	var ifaces []models.SharedInterface
	require.NoError(t, json.NewDecoder(req.Body).Decode(&ifaces))
	req.Body.Close()
	require.Len(t, ifaces, 1)
	assert.Equal(t, "schema", ifaces[0].Name)
	assert.Equal(t, models.InterfaceReady, ifaces[0].Status)

	req, err = http.Get(srv.URL + "/events?since=0")
	require.NoError(t, err)
	var events []coord.Event
	require.NoError(t, json.NewDecoder(req.Body).Decode(&events))
	req.Body.Close()
	require.NotEmpty(t, events)
	last := events[len(events)-1].Seq

	req, err = http.Get(srv.URL + fmt.Sprintf("/events?since=%d", last))
	require.NoError(t, err)
	events = nil
	require.NoError(t, json.NewDecoder(req.Body).Decode(&events))
	req.Body.Close()
	assert.Empty(t, events)

	for _, path := range []string{"/merge", "/run/start", "/run/stop", "/subtasks/api/retry"} {
		resp, _ := do(t, http.MethodPost, srv.URL+path, "")
		assert.Equal(t, http.StatusConflict, resp.StatusCode, path)
	}
}

func TestManualMerge(t *testing.T) {
	srv, o := newTestServer(t, nil, orchestrator.WithAutoMerge(false))

	resp, _ := do(t, http.MethodPost, srv.URL+"/tasks", `{"task":"ship it"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, _ = do(t, http.MethodPost, srv.URL+"/merge", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = do(t, http.MethodPost, srv.URL+"/run/start", "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	waitPhase(t, o, orchestrator.PhaseMerging)

	resp, report := do(t, http.MethodPost, srv.URL+"/merge", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []any{"agent-backend", "agent-frontend"}, report["merged"])
	assert.Equal(t, orchestrator.PhaseComplete, o.Phase())
}

func TestSubtaskControl(t *testing.T) {
	srv, o := newTestServer(t, nil)

	resp, _ := do(t, http.MethodPost, srv.URL+"/tasks", `{"task":"ship it"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, _ = do(t, http.MethodPost, srv.URL+"/subtasks/nope/cancel", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = do(t, http.MethodPost, srv.URL+"/subtasks/ui/cancel", "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, models.SubTaskFailed, o.Plan().Subtask("ui").Status)

	resp, _ = do(t, http.MethodPost, srv.URL+"/subtasks/ui/cancel", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = do(t, http.MethodPost, srv.URL+"/subtasks/ui/retry", "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, models.SubTaskPending, o.Plan().Subtask("ui").Status)

	resp, _ = do(t, http.MethodPost, srv.URL+"/run/start", "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	waitPhase(t, o, orchestrator.PhaseComplete)
}

func TestStopRun(t *testing.T) {
	srv, o := newTestServer(t, nil)

	resp, _ := do(t, http.MethodPost, srv.URL+"/tasks", `{"task":"ship it"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, snap := do(t, http.MethodPost, srv.URL+"/run/stop", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "stopped", snap["phase"])
	assert.Equal(t, orchestrator.PhaseStopped, o.Phase())
}

func TestEventsRejectsBadCursor(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	resp, _ := do(t, http.MethodGet, srv.URL+"/events?since=abc", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{orchestrator.ErrRunTerminal, http.StatusConflict},
		{fmt.Errorf("wrapped: %w", orchestrator.ErrSubtaskState), http.StatusConflict},
		{orchestrator.ErrNoPlan, http.StatusBadRequest},
		{coord.ErrNotFound, http.StatusNotFound},
		{&planner.PlanningError{Reason: "bad json", Err: planner.ErrMalformed}, http.StatusUnprocessableEntity},
		{fmt.Errorf("disk full"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(tt.err))
		})
	}
}
