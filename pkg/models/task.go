package models

import (
	"cmp"
	"fmt"
	"slices"
	"time"
)

// SubTaskStatus represents the lifecycle state of a subtask.
type SubTaskStatus string

const (
	// SubTaskPending indicates the subtask has not started.
	SubTaskPending SubTaskStatus = "pending"
	// SubTaskInProgress indicates an agent is working on the subtask.
	SubTaskInProgress SubTaskStatus = "in_progress"
	// SubTaskDone indicates the subtask completed successfully.
	SubTaskDone SubTaskStatus = "done"
	// SubTaskFailed indicates the subtask failed.
	SubTaskFailed SubTaskStatus = "failed"
)

// Valid returns true if the status is a known value.
func (s SubTaskStatus) Valid() bool {
	switch s {
	case SubTaskPending, SubTaskInProgress, SubTaskDone, SubTaskFailed:
		return true
	default:
		return false
	}
}

// Terminal returns true for done and failed.
func (s SubTaskStatus) Terminal() bool {
	return s == SubTaskDone || s == SubTaskFailed
}

// Failure reasons recorded on a failed subtask.
const (
	FailReasonError      = "failed"
	FailReasonCancelled  = "cancelled"
	FailReasonQuality    = "quality_gate"
	FailReasonDependency = "dependency_failed"
	FailReasonPanic      = "panic"
)

// SubTask is a single unit of work inside a plan.
type SubTask struct {
	// ID is unique within the plan.
	ID string `json:"id" yaml:"id"`
	// Role names the agent that owns this subtask.
	Role string `json:"role" yaml:"role"`
	// Description is the work to perform.
	Description string `json:"description" yaml:"description"`
	// Complexity is the ordinal difficulty rating.
	Complexity Complexity `json:"complexity" yaml:"complexity"`
	// EstimatedTime is the estimated effort in minutes.
	EstimatedTime int `json:"estimated_time" yaml:"estimated_time"`
	// Dependencies are interface names this subtask waits on.
	Dependencies []string `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	// Outputs are interface names this subtask publishes when done.
	Outputs []string `json:"outputs,omitempty" yaml:"outputs,omitempty"`
	// Scope lists glob patterns of files the subtask expects to touch.
	Scope []string `json:"scope,omitempty" yaml:"scope,omitempty"`
	// Strategy optionally forces a reasoning pattern.
	Strategy Pattern `json:"strategy,omitempty" yaml:"strategy,omitempty"`
	// Priority is the topological index; lower runs first.
	Priority int `json:"priority" yaml:"-"`

	// Status is the current lifecycle state.
	Status SubTaskStatus `json:"status" yaml:"-"`
	// Trace is the last reasoning trace produced for this subtask.
	Trace *ReasoningTrace `json:"trace,omitempty" yaml:"-"`
	// Result is the final answer text.
	Result string `json:"result,omitempty" yaml:"-"`
	// ModelUsed is the model that produced Result.
	ModelUsed string `json:"model_used,omitempty" yaml:"-"`
	// Attempts counts executions started.
	Attempts int `json:"attempts,omitempty" yaml:"-"`
	// FailReason is one of the FailReason constants when failed.
	FailReason string `json:"fail_reason,omitempty" yaml:"-"`
	// Error holds the error detail when failed.
	Error string `json:"error,omitempty" yaml:"-"`
	// StartedAt is when the current attempt began.
	StartedAt *time.Time `json:"started_at,omitempty" yaml:"-"`
	// CompletedAt is when the subtask reached a terminal state.
	CompletedAt *time.Time `json:"completed_at,omitempty" yaml:"-"`
}

// ErrIllegalTransition is returned for a non-monotonic status change.
type ErrIllegalTransition struct {
	ID   string
	From SubTaskStatus
	To   SubTaskStatus
}

func (e *ErrIllegalTransition) Error() string {
	return fmt.Sprintf("subtask %s: illegal transition %s -> %s", e.ID, e.From, e.To)
}

// Transition moves the subtask forward. Only pending -> in_progress and
// in_progress -> done|failed are allowed, plus pending -> failed for
// subtasks that can never start.
func (s *SubTask) Transition(to SubTaskStatus) error {
	from := s.Status
	if from == "" {
		from = SubTaskPending
	}
	ok := false
	switch from {
	case SubTaskPending:
		ok = to == SubTaskInProgress || to == SubTaskFailed
	case SubTaskInProgress:
		ok = to == SubTaskDone || to == SubTaskFailed
	}
	if !ok {
		return &ErrIllegalTransition{ID: s.ID, From: from, To: to}
	}

	now := time.Now()
	s.Status = to
	switch to {
	case SubTaskInProgress:
		s.Attempts++
		s.StartedAt = &now
		s.FailReason = ""
		s.Error = ""
	case SubTaskDone, SubTaskFailed:
		s.CompletedAt = &now
	}
	return nil
}

// Fail marks the subtask failed with a reason and detail.
func (s *SubTask) Fail(reason string, err error) error {
	if terr := s.Transition(SubTaskFailed); terr != nil {
		return terr
	}
	s.FailReason = reason
	if err != nil {
		s.Error = err.Error()
	}
	return nil
}

// Reset is the explicit retry: it moves a failed subtask back to pending.
// The attempt count, last trace and error detail are kept for diagnosis.
func (s *SubTask) Reset() error {
	if s.Status != SubTaskFailed {
		return &ErrIllegalTransition{ID: s.ID, From: s.Status, To: SubTaskPending}
	}
	s.Status = SubTaskPending
	s.CompletedAt = nil
	return nil
}

// Clone returns a deep copy safe to hand to readers.
func (s *SubTask) Clone() *SubTask {
	c := *s
	c.Dependencies = append([]string(nil), s.Dependencies...)
	c.Outputs = append([]string(nil), s.Outputs...)
	c.Scope = append([]string(nil), s.Scope...)
	if s.Trace != nil {
		c.Trace = s.Trace.Clone()
	}
	return &c
}

// AgentPlan is the ordered work of one agent.
type AgentPlan struct {
	// AgentID identifies the agent; derived from the role.
	AgentID string `json:"agent_id"`
	// Role is the agent's specialty.
	Role string `json:"role"`
	// GlobalTask is the task the whole plan serves.
	GlobalTask string `json:"global_task"`
	// Subtasks are owned by this agent, in priority order.
	Subtasks []*SubTask `json:"subtasks"`
	// AutoSelectModel enables registry-driven model selection.
	AutoSelectModel bool `json:"auto_select_model"`
	// DefaultModel is used when no mapping or auto-selection applies.
	DefaultModel string `json:"default_model"`
	// ModelMapping overrides the model per complexity.
	ModelMapping map[Complexity]string `json:"model_mapping,omitempty"`
}

// AgentIDForRole returns the agent id that owns subtasks of a role.
func AgentIDForRole(role string) string {
	if role == "" {
		role = "general"
	}
	return "agent-" + role
}

// Plan is the output of the planner: every agent's work for one run.
type Plan struct {
	// ID is the run identifier.
	ID string `json:"id"`
	// GlobalTask is the submitted task description.
	GlobalTask string `json:"global_task"`
	// Agents holds one plan per role.
	Agents []*AgentPlan `json:"agents"`
	// CreatedAt is when planning finished.
	CreatedAt time.Time `json:"created_at"`
}

// Subtasks returns all subtasks ordered by priority. Equal priorities keep
// agent order.
func (p *Plan) Subtasks() []*SubTask {
	var out []*SubTask
	for _, a := range p.Agents {
		out = append(out, a.Subtasks...)
	}
	slices.SortStableFunc(out, func(a, b *SubTask) int { return cmp.Compare(a.Priority, b.Priority) })
	return out
}

// Subtask finds a subtask by id.
func (p *Plan) Subtask(id string) *SubTask {
	for _, a := range p.Agents {
		for _, st := range a.Subtasks {
			if st.ID == id {
				return st
			}
		}
	}
	return nil
}

// AgentFor returns the agent plan owning a subtask.
func (p *Plan) AgentFor(subtaskID string) *AgentPlan {
	for _, a := range p.Agents {
		for _, st := range a.Subtasks {
			if st.ID == subtaskID {
				return a
			}
		}
	}
	return nil
}

// Producers maps every output name to the subtask that publishes it.
func (p *Plan) Producers() map[string]*SubTask {
	out := make(map[string]*SubTask)
	for _, st := range p.Subtasks() {
		for _, name := range st.Outputs {
			out[name] = st
		}
	}
	return out
}

// Progress returns the percentage of subtasks that are done.
func (p *Plan) Progress() float64 {
	all := p.Subtasks()
	if len(all) == 0 {
		return 0
	}
	done := 0
	for _, st := range all {
		if st.Status == SubTaskDone {
			done++
		}
	}
	return float64(done) / float64(len(all)) * 100
}

// Terminal returns true once every subtask is done or failed.
func (p *Plan) Terminal() bool {
	for _, st := range p.Subtasks() {
		if !st.Status.Terminal() {
			return false
		}
	}
	return true
}

// Clone returns a deep copy of the plan.
func (p *Plan) Clone() *Plan {
	c := *p
	c.Agents = make([]*AgentPlan, len(p.Agents))
	for i, a := range p.Agents {
		ac := *a
		ac.Subtasks = make([]*SubTask, len(a.Subtasks))
		for j, st := range a.Subtasks {
			ac.Subtasks[j] = st.Clone()
		}
		if a.ModelMapping != nil {
			ac.ModelMapping = make(map[Complexity]string, len(a.ModelMapping))
			for k, v := range a.ModelMapping {
				ac.ModelMapping[k] = v
			}
		}
		c.Agents[i] = &ac
	}
	return &c
}

