package models

import "time"

// AgentState represents the current state of an agent.
type AgentState string

const (
	// AgentPending indicates the agent has not started.
	AgentPending AgentState = "pending"
	// AgentInProgress indicates the agent is actively working.
	AgentInProgress AgentState = "in_progress"
	// AgentBlocked indicates the agent waits on interfaces that are not ready.
	AgentBlocked AgentState = "blocked"
	// AgentDone indicates the agent completed all its subtasks.
	AgentDone AgentState = "done"
	// AgentFailed indicates a subtask of the agent failed for good.
	AgentFailed AgentState = "failed"
)

// Valid returns true if the state is a known value.
func (s AgentState) Valid() bool {
	switch s {
	case AgentPending, AgentInProgress, AgentBlocked, AgentDone, AgentFailed:
		return true
	default:
		return false
	}
}

// AgentStatus is the record an agent publishes about itself. Only the agent
// writes it; everyone else reads it through the coordination store.
type AgentStatus struct {
	// AgentID identifies the reporting agent.
	AgentID string `json:"agent_id"`
	// Role is the agent's specialty.
	Role string `json:"role"`
	// Status is the agent state.
	Status AgentState `json:"status"`
	// Progress is the percentage of the agent's subtasks done (0-100).
	Progress float64 `json:"progress"`
	// Blockers are dependency names the agent waits on.
	Blockers []string `json:"blockers,omitempty"`
	// CurrentTask is the subtask id being worked on.
	CurrentTask string `json:"current_task,omitempty"`
	// ToolsUsed lists tool names invoked so far.
	ToolsUsed []string `json:"tools_used,omitempty"`
	// Timestamp is the logical clock value of this update.
	Timestamp uint64 `json:"timestamp"`
	// UpdatedAt is the wall-clock time of the update.
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy.
func (a AgentStatus) Clone() AgentStatus {
	a.Blockers = append([]string(nil), a.Blockers...)
	a.ToolsUsed = append([]string(nil), a.ToolsUsed...)
	return a
}
