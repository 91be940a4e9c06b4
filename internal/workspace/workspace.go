// Package workspace provides isolated per-agent working copies. Agents write
// only to their own workspace; work reaches the mainline through Merge.
package workspace

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrUnknownHandle is returned for a handle the provider did not create.
var ErrUnknownHandle = errors.New("unknown workspace handle")

// Handle identifies one isolated workspace.
type Handle struct {
	// ID is unique per Create call.
	ID string `json:"id"`
	// AgentID is the owning agent.
	AgentID string `json:"agent_id"`
	// Path is the directory the agent works in.
	Path string `json:"path"`
	// Branch names the line of history the workspace commits to, if any.
	Branch string `json:"branch,omitempty"`
}

// MergeOutcome is the result of merging a workspace.
type MergeOutcome struct {
	// Applied is true when the workspace landed on the target.
	Applied bool `json:"applied"`
	// Conflict lists conflicting paths when the merge was not applied.
	Conflict []string `json:"conflict,omitempty"`
}

// Provider is the versioned-workspace capability.
type Provider interface {
	// Create makes a workspace for agentID based on base. Creating again for
	// the same agent after Release continues from its committed state.
	Create(ctx context.Context, base, agentID string) (Handle, error)
	// Commit records the current contents of the workspace.
	Commit(ctx context.Context, h Handle, message string) error
	// Merge applies committed work onto into. A conflict leaves into
	// unchanged and is reported in the outcome, not as an error.
	Merge(ctx context.Context, h Handle, into string) (MergeOutcome, error)
	// Release removes the working directory. Committed work is kept.
	Release(ctx context.Context, h Handle) error
}

// DirName is the workspace directory name for an agent.
func DirName(agentID string) string {
	return agentID + "-" + uuid.NewString()[:8]
}
