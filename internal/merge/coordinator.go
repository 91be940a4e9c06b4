// Package merge integrates finished agent workspaces into the mainline in
// dependency order. A conflict skips only the agent that caused it.
package merge

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/ShayCichocki/quorum/internal/workspace"
	"github.com/ShayCichocki/quorum/pkg/models"
)

// ErrNotReady is returned when Merge is called before the plan can merge.
var ErrNotReady = errors.New("plan is not ready to merge")

// MergeConflict reports one agent whose work could not be applied.
type MergeConflict struct {
	AgentID string   `json:"agent_id"`
	Files   []string `json:"files,omitempty"`
	Err     error    `json:"-"`
}

func (e *MergeConflict) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("merge %s: %v", e.AgentID, e.Err)
	}
	return fmt.Sprintf("merge %s: conflict in %s", e.AgentID, strings.Join(e.Files, ", "))
}

func (e *MergeConflict) Unwrap() error { return e.Err }

// Skipped is an agent left out of the merge.
type Skipped struct {
	AgentID string `json:"agent_id"`
	Reason  string `json:"reason"`
}

// Report is the outcome of one merge pass.
type Report struct {
	// Order is the sequence agents were considered in.
	Order     []string         `json:"order"`
	Merged    []string         `json:"merged"`
	Skipped   []Skipped        `json:"skipped,omitempty"`
	Conflicts []*MergeConflict `json:"conflicts,omitempty"`
}

// Clean returns true when every agent merged.
func (r *Report) Clean() bool {
	return len(r.Skipped) == 0 && len(r.Conflicts) == 0
}

// Ready reports whether plan may merge: every subtask is terminal and no
// failed subtask has a dependent.
func Ready(plan *models.Plan) (bool, string) {
	if plan == nil {
		return false, "no plan"
	}
	all := plan.Subtasks()
	for _, st := range all {
		if !st.Status.Terminal() {
			return false, fmt.Sprintf("subtask %s is %s", st.ID, st.Status)
		}
	}
	producers := plan.Producers()
	for _, st := range all {
		for _, dep := range st.Dependencies {
			if p, ok := producers[dep]; ok && p.Status == models.SubTaskFailed {
				return false, fmt.Sprintf("subtask %s failed and %s depends on it", p.ID, st.ID)
			}
		}
	}
	return true, ""
}

// Coordinator merges workspaces through a workspace.Provider.
type Coordinator struct {
	ws     workspace.Provider
	target string
	logger zerolog.Logger
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithTarget sets the branch or directory merged into.
func WithTarget(target string) Option {
	return func(c *Coordinator) { c.target = target }
}

// WithLogger sets the coordinator logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// New creates a coordinator.
func New(ws workspace.Provider, opts ...Option) *Coordinator {
	c := &Coordinator{ws: ws, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Order returns agents sorted by the earliest priority among their subtasks.
func Order(plan *models.Plan) []*models.AgentPlan {
	agents := append([]*models.AgentPlan(nil), plan.Agents...)
	first := func(a *models.AgentPlan) int {
		min := -1
		for _, st := range a.Subtasks {
			if min < 0 || st.Priority < min {
				min = st.Priority
			}
		}
		return min
	}
	sort.SliceStable(agents, func(i, j int) bool { return first(agents[i]) < first(agents[j]) })
	return agents
}

// Merge integrates each agent's workspace. handles maps agent id to its
// workspace. It returns ErrNotReady without touching anything when Ready is
// false.
func (c *Coordinator) Merge(ctx context.Context, plan *models.Plan, handles map[string]workspace.Handle) (*Report, error) {
	if ok, reason := Ready(plan); !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotReady, reason)
	}

	report := &Report{}
	for _, a := range Order(plan) {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Order = append(report.Order, a.AgentID)
		log := c.logger.With().Str("agent", a.AgentID).Logger()

		if failed := failedSubtasks(a); len(failed) > 0 {
			report.Skipped = append(report.Skipped, Skipped{AgentID: a.AgentID, Reason: "failed subtasks: " + strings.Join(failed, ", ")})
			log.Info().Strs("failed", failed).Msg("merge skipped")
			continue
		}
		h, ok := handles[a.AgentID]
		if !ok {
			report.Skipped = append(report.Skipped, Skipped{AgentID: a.AgentID, Reason: "no workspace"})
			continue
		}

		out, err := c.ws.Merge(ctx, h, c.target)
		switch {
		case err != nil:
			report.Conflicts = append(report.Conflicts, &MergeConflict{AgentID: a.AgentID, Err: err})
			log.Warn().Err(err).Msg("merge failed")
		case !out.Applied:
			report.Conflicts = append(report.Conflicts, &MergeConflict{AgentID: a.AgentID, Files: out.Conflict})
			log.Warn().Strs("files", out.Conflict).Msg("merge conflict")
		default:
			report.Merged = append(report.Merged, a.AgentID)
			log.Info().Msg("merged")
		}
	}
	return report, nil
}

func failedSubtasks(a *models.AgentPlan) []string {
	var out []string
	for _, st := range a.Subtasks {
		if st.Status == models.SubTaskFailed {
			out = append(out, st.ID)
		}
	}
	return out
}
