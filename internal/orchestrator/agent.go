package orchestrator

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/ShayCichocki/quorum/internal/coord"
	"github.com/ShayCichocki/quorum/internal/tools"
	"github.com/ShayCichocki/quorum/internal/workspace"
	"github.com/ShayCichocki/quorum/pkg/models"
)

// agent is the runtime side of one AgentPlan. It is the only writer of its
// AgentStatus record.
type agent struct {
	plan *models.AgentPlan

	// busy, handle and tools are guarded by Orchestrator.mu.
	busy   bool
	handle *workspace.Handle
	last   workspace.Handle
	tools  *tools.Registry
	// prior holds tools used through workspaces already released.
	prior []string

	mu       sync.Mutex
	clock    uint64
	reported models.AgentStatus
}

func newAgent(plan *models.AgentPlan) *agent {
	return &agent{plan: plan}
}

func (a *agent) id() string { return a.plan.AgentID }

// progress is the percentage of the agent's subtasks that are done. Callers
// hold Orchestrator.mu.
func (a *agent) progress() float64 {
	if len(a.plan.Subtasks) == 0 {
		return 0
	}
	done := 0
	for _, st := range a.plan.Subtasks {
		if st.Status == models.SubTaskDone {
			done++
		}
	}
	return float64(done) / float64(len(a.plan.Subtasks)) * 100
}

// state derives the agent state from its subtasks. Callers hold
// Orchestrator.mu.
func (a *agent) state() models.AgentState {
	if a.busy {
		return models.AgentInProgress
	}
	allDone := true
	for _, st := range a.plan.Subtasks {
		switch st.Status {
		case models.SubTaskFailed:
			return models.AgentFailed
		case models.SubTaskDone:
		default:
			allDone = false
		}
	}
	if allDone {
		return models.AgentDone
	}
	return models.AgentPending
}

// seedClock continues the logical clock from a status already stored for
// this agent, so a resumed run's writes are not ordered behind its own
// earlier ones.
func (a *agent) seedClock(ctx context.Context, store coord.Store) error {
	st, err := store.AgentStatus(ctx, a.plan.AgentID)
	if errors.Is(err, coord.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	a.mu.Lock()
	if st.Timestamp > a.clock {
		a.clock = st.Timestamp
	}
	a.mu.Unlock()
	return nil
}

// report publishes the agent's status. The logical clock advances under the
// agent lock so store order matches timestamp order. Unchanged statuses are
// not written again unless force is set.
func (a *agent) report(ctx context.Context, store coord.Store, st models.AgentStatus, force bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	st.AgentID = a.plan.AgentID
	st.Role = a.plan.Role
	if !force && sameStatus(a.reported, st) {
		return nil
	}
	a.clock++
	st.Timestamp = a.clock
	st.UpdatedAt = time.Now()
	if _, err := store.UpdateAgentStatus(ctx, st); err != nil {
		return err
	}
	a.reported = st.Clone()
	return nil
}

func sameStatus(a, b models.AgentStatus) bool {
	return a.Status == b.Status && a.Progress == b.Progress && a.CurrentTask == b.CurrentTask &&
		slices.Equal(a.Blockers, b.Blockers) && slices.Equal(a.ToolsUsed, b.ToolsUsed)
}

// toolsUsed lists tools the agent has invoked. Callers hold Orchestrator.mu.
func (a *agent) toolsUsed() []string {
	used := append([]string(nil), a.prior...)
	if a.tools != nil {
		used = append(used, a.tools.Used()...)
	}
	slices.Sort(used)
	return slices.Compact(used)
}

// dropWorkspace forgets the released workspace. Callers hold
// Orchestrator.mu.
func (a *agent) dropWorkspace() {
	a.prior = a.toolsUsed()
	a.handle = nil
	a.tools = nil
}
