package merge

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/quorum/internal/workspace"
	"github.com/ShayCichocki/quorum/pkg/models"
)

type fakeProvider struct {
	outcomes map[string]workspace.MergeOutcome
	errs     map[string]error
	merged   []string
}

func (f *fakeProvider) Create(context.Context, string, string) (workspace.Handle, error) {
	return workspace.Handle{}, nil
}
func (f *fakeProvider) Commit(context.Context, workspace.Handle, string) error  { return nil }
func (f *fakeProvider) Release(context.Context, workspace.Handle) error         { return nil }
func (f *fakeProvider) Merge(_ context.Context, h workspace.Handle, _ string) (workspace.MergeOutcome, error) {
	f.merged = append(f.merged, h.AgentID)
	if err := f.errs[h.AgentID]; err != nil {
		return workspace.MergeOutcome{}, err
	}
	if out, ok := f.outcomes[h.AgentID]; ok {
		return out, nil
	}
	return workspace.MergeOutcome{Applied: true}, nil
}

func subtask(id string, prio int, status models.SubTaskStatus, deps, outs []string) *models.SubTask {
	return &models.SubTask{ID: id, Priority: prio, Status: status, Dependencies: deps, Outputs: outs}
}

// plan: backend(a:0 -> x, b:2), frontend(c:1 needs x), docs(d:3)
func testPlan(statuses map[string]models.SubTaskStatus) *models.Plan {
	st := func(id string) models.SubTaskStatus {
		if s, ok := statuses[id]; ok {
			return s
		}
		return models.SubTaskDone
	}
	return &models.Plan{Agents: []*models.AgentPlan{
		{AgentID: "agent-docs", Subtasks: []*models.SubTask{subtask("d", 3, st("d"), nil, nil)}},
		{AgentID: "agent-frontend", Subtasks: []*models.SubTask{subtask("c", 1, st("c"), []string{"x"}, nil)}},
		{AgentID: "agent-backend", Subtasks: []*models.SubTask{
			subtask("a", 0, st("a"), nil, []string{"x"}),
			subtask("b", 2, st("b"), nil, nil),
		}},
	}}
}

func handles(ids ...string) map[string]workspace.Handle {
	out := make(map[string]workspace.Handle)
	for _, id := range ids {
		out[id] = workspace.Handle{ID: id, AgentID: id}
	}
	return out
}

func TestReady(t *testing.T) {
	tests := []struct {
		name     string
		statuses map[string]models.SubTaskStatus
		want     bool
	}{
		{"all done", nil, true},
		{"still running", map[string]models.SubTaskStatus{"b": models.SubTaskInProgress}, false},
		{"failed leaf", map[string]models.SubTaskStatus{"d": models.SubTaskFailed}, true},
		{"failed producer", map[string]models.SubTaskStatus{"a": models.SubTaskFailed, "c": models.SubTaskFailed}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, reason := Ready(testPlan(tt.statuses))
			assert.Equal(t, tt.want, ok, reason)
			if !ok {
				assert.NotEmpty(t, reason)
			}
		})
	}
}

func TestMerge_DependencyOrder(t *testing.T) {
	f := &fakeProvider{}
	report, err := New(f).Merge(context.Background(), testPlan(nil), handles("agent-backend", "agent-frontend", "agent-docs"))
	require.NoError(t, err)
	assert.Equal(t, []string{"agent-backend", "agent-frontend", "agent-docs"}, report.Order)
	assert.Equal(t, report.Order, f.merged)
	assert.Equal(t, report.Order, report.Merged)
	assert.True(t, report.Clean())
}

func TestMerge_ConflictIsPerAgent(t *testing.T) {
	boom := errors.New("disk full")
	f := &fakeProvider{
		outcomes: map[string]workspace.MergeOutcome{"agent-frontend": {Conflict: []string{"ui.go"}}},
		errs:     map[string]error{"agent-docs": boom},
	}
	report, err := New(f).Merge(context.Background(), testPlan(nil), handles("agent-backend", "agent-frontend", "agent-docs"))
	require.NoError(t, err)

	assert.Equal(t, []string{"agent-backend"}, report.Merged)
	require.Len(t, report.Conflicts, 2)
	assert.Equal(t, "agent-frontend", report.Conflicts[0].AgentID)
	assert.Equal(t, []string{"ui.go"}, report.Conflicts[0].Files)
	assert.ErrorIs(t, report.Conflicts[1], boom)
	assert.False(t, report.Clean())
}

func TestMerge_SkipsFailedAndMissing(t *testing.T) {
	f := &fakeProvider{}
	plan := testPlan(map[string]models.SubTaskStatus{"d": models.SubTaskFailed})
	report, err := New(f).Merge(context.Background(), plan, handles("agent-backend", "agent-docs"))
	require.NoError(t, err)

	assert.Equal(t, []string{"agent-backend"}, report.Merged)
	require.Len(t, report.Skipped, 2)
	assert.Equal(t, "agent-frontend", report.Skipped[0].AgentID)
	assert.Equal(t, "no workspace", report.Skipped[0].Reason)
	assert.Equal(t, "agent-docs", report.Skipped[1].AgentID)
	assert.Contains(t, report.Skipped[1].Reason, "d")
	assert.Equal(t, []string{"agent-backend"}, f.merged)
}

func TestMerge_NotReady(t *testing.T) {
	f := &fakeProvider{}
	_, err := New(f).Merge(context.Background(), testPlan(map[string]models.SubTaskStatus{"a": models.SubTaskPending}), handles("agent-backend"))
	assert.ErrorIs(t, err, ErrNotReady)
	assert.Empty(t, f.merged)
}
