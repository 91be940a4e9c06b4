package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubTaskStatus_Valid(t *testing.T) {
	tests := []struct {
		name   string
		status SubTaskStatus
		want   bool
	}{
		{"pending is valid", SubTaskPending, true},
		{"in_progress is valid", SubTaskInProgress, true},
		{"done is valid", SubTaskDone, true},
		{"failed is valid", SubTaskFailed, true},
		{"blocked is not a subtask status", SubTaskStatus("blocked"), false},
		{"empty string is invalid", SubTaskStatus(""), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.status.Valid())
		})
	}
}

func TestSubTask_TransitionIsMonotonic(t *testing.T) {
	tests := []struct {
		name    string
		from    SubTaskStatus
		to      SubTaskStatus
		wantErr bool
	}{
		{"pending to in_progress", SubTaskPending, SubTaskInProgress, false},
		{"pending to failed", SubTaskPending, SubTaskFailed, false},
		{"pending to done", SubTaskPending, SubTaskDone, true},
		{"in_progress to done", SubTaskInProgress, SubTaskDone, false},
		{"in_progress to failed", SubTaskInProgress, SubTaskFailed, false},
		{"in_progress to pending", SubTaskInProgress, SubTaskPending, true},
		{"failed to done", SubTaskFailed, SubTaskDone, true},
		{"failed to in_progress", SubTaskFailed, SubTaskInProgress, true},
		{"done to failed", SubTaskDone, SubTaskFailed, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := &SubTask{ID: "s1", Status: tt.from}
			err := st.Transition(tt.to)
			if tt.wantErr {
				var illegal *ErrIllegalTransition
				require.ErrorAs(t, err, &illegal)
				assert.Equal(t, tt.from, st.Status)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.to, st.Status)
		})
	}
}

func TestSubTask_ResetOnlyFromFailed(t *testing.T) {
	st := &SubTask{ID: "s1"}
	require.Error(t, st.Reset())

	require.NoError(t, st.Transition(SubTaskInProgress))
	require.NoError(t, st.Fail(FailReasonError, assert.AnError))
	assert.Equal(t, FailReasonError, st.FailReason)
	assert.Equal(t, 1, st.Attempts)

	require.NoError(t, st.Reset())
	assert.Equal(t, SubTaskPending, st.Status)
	assert.Nil(t, st.CompletedAt)

	require.NoError(t, st.Transition(SubTaskInProgress))
	assert.Equal(t, 2, st.Attempts)
	assert.Empty(t, st.FailReason)
	require.NoError(t, st.Transition(SubTaskDone))
}

func TestPlan_SubtasksOrderedByPriority(t *testing.T) {
	plan := &Plan{Agents: []*AgentPlan{
		{AgentID: "agent-b", Subtasks: []*SubTask{{ID: "b1", Priority: 2}, {ID: "b2", Priority: 1}}},
		{AgentID: "agent-a", Subtasks: []*SubTask{{ID: "a1", Priority: 0}, {ID: "a2", Priority: 1}}},
	}}

	var ids []string
	for _, st := range plan.Subtasks() {
		ids = append(ids, st.ID)
	}
	assert.Equal(t, []string{"a1", "b2", "a2", "b1"}, ids)
	assert.Equal(t, "agent-b", plan.AgentFor("b1").AgentID)
	assert.Nil(t, plan.Subtask("missing"))
}

func TestPlan_ProgressAndTerminal(t *testing.T) {
	plan := &Plan{Agents: []*AgentPlan{{Subtasks: []*SubTask{
		{ID: "a", Status: SubTaskDone},
		{ID: "b", Status: SubTaskFailed},
		{ID: "c", Status: SubTaskDone},
		{ID: "d", Status: SubTaskPending},
	}}}}
	assert.InDelta(t, 50.0, plan.Progress(), 0.001)
	assert.False(t, plan.Terminal())

	plan.Subtask("d").Status = SubTaskDone
	assert.True(t, plan.Terminal())
}

func TestPlan_CloneIsDeep(t *testing.T) {
	plan := &Plan{Agents: []*AgentPlan{{
		AgentID:      "agent-x",
		ModelMapping: map[Complexity]string{ComplexityTrivial: "m"},
		Subtasks:     []*SubTask{{ID: "x", Dependencies: []string{"d"}}},
	}}}
	c := plan.Clone()
	c.Agents[0].Subtasks[0].Dependencies[0] = "changed"
	c.Agents[0].ModelMapping[ComplexityTrivial] = "other"

	assert.Equal(t, "d", plan.Agents[0].Subtasks[0].Dependencies[0])
	assert.Equal(t, "m", plan.Agents[0].ModelMapping[ComplexityTrivial])
}

func TestAgentIDForRole(t *testing.T) {
	assert.Equal(t, "agent-backend", AgentIDForRole("backend"))
	assert.Equal(t, "agent-general", AgentIDForRole(""))
}
