package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ShayCichocki/quorum/internal/coord"
	"github.com/ShayCichocki/quorum/internal/merge"
	"github.com/ShayCichocki/quorum/internal/reasoning"
	"github.com/ShayCichocki/quorum/internal/selector"
	"github.com/ShayCichocki/quorum/internal/tools"
	"github.com/ShayCichocki/quorum/internal/workspace"
	"github.com/ShayCichocki/quorum/pkg/models"
)

// Policy selects how ready subtasks are launched.
type Policy string

const (
	// PolicySequential runs one subtask at a time in priority order.
	PolicySequential Policy = "sequential"
	// PolicyParallel launches every ready subtask up to max_parallel.
	PolicyParallel Policy = "parallel"
	// PolicySmart is parallel plus recomputation on every store change.
	PolicySmart Policy = "smart"
)

// Valid returns true if the policy is known.
func (p Policy) Valid() bool {
	switch p {
	case PolicySequential, PolicyParallel, PolicySmart:
		return true
	default:
		return false
	}
}

// ParsePolicy parses a policy name case-insensitively.
func ParsePolicy(s string) (Policy, error) {
	p := Policy(strings.ToLower(strings.TrimSpace(s)))
	if !p.Valid() {
		return "", fmt.Errorf("unknown scheduling policy %q", s)
	}
	return p, nil
}

// Planner turns a task description into a plan.
type Planner interface {
	Plan(ctx context.Context, task string) (*models.Plan, error)
}

// PlannerFunc adapts a function to Planner.
type PlannerFunc func(ctx context.Context, task string) (*models.Plan, error)

// Plan calls f.
func (f PlannerFunc) Plan(ctx context.Context, task string) (*models.Plan, error) { return f(ctx, task) }

// Merger integrates agent workspaces once the plan is terminal.
type Merger interface {
	Merge(ctx context.Context, plan *models.Plan, handles map[string]workspace.Handle) (*merge.Report, error)
}

var _ Merger = (*merge.Coordinator)(nil)

// ToolFactory builds the tool set of an agent bound to its workspace path.
type ToolFactory func(workspacePath string) (*tools.Registry, error)

// RequiredConfig contains the collaborators every run needs.
type RequiredConfig struct {
	Planner    Planner
	Engine     reasoning.Reasoner
	Selector   *selector.Selector
	Store      coord.Store
	Workspaces workspace.Provider
}

// Option configures an Orchestrator.
type Option func(*options)

type options struct {
	policy           Policy
	maxParallel      int
	pollInterval     time.Duration
	subtaskRetries   int
	qualityThreshold float64
	qualityRetries   int
	params           reasoning.Params
	tools            ToolFactory
	logger           zerolog.Logger
	baseBranch       string
	subtaskTimeout   time.Duration
	merger           Merger
	autoMerge        bool
}

func defaultOptions() options {
	return options{
		policy:           PolicySmart,
		maxParallel:      3,
		pollInterval:     2 * time.Second,
		subtaskRetries:   1,
		qualityThreshold: reasoning.DefaultThreshold,
		qualityRetries:   2,
		params:           reasoning.DefaultParams(),
		tools:            tools.NewWorkspaceRegistry,
		logger:           zerolog.Nop(),
		subtaskTimeout:   15 * time.Minute,
		autoMerge:        true,
	}
}

// WithPolicy sets the scheduling policy.
func WithPolicy(p Policy) Option {
	return func(o *options) { o.policy = p }
}

// WithMaxParallel caps concurrent subtask executions.
func WithMaxParallel(n int) Option {
	return func(o *options) { o.maxParallel = n }
}

// WithPollInterval sets how often the loop re-reads the coordination store.
// It is the upper bound on readiness latency.
func WithPollInterval(d time.Duration) Option {
	return func(o *options) { o.pollInterval = d }
}

// WithSubtaskRetries sets how many times a failed subtask is re-queued.
func WithSubtaskRetries(n int) Option {
	return func(o *options) { o.subtaskRetries = n }
}

// WithQualityGate sets the confidence threshold and escalation retries.
func WithQualityGate(threshold float64, retries int) Option {
	return func(o *options) {
		o.qualityThreshold = threshold
		o.qualityRetries = retries
	}
}

// WithReasoningParams sets the strategy parameters. Model and Tools are
// filled per subtask.
func WithReasoningParams(p reasoning.Params) Option {
	return func(o *options) { o.params = p }
}

// WithTools sets the factory of per-agent tool sets.
func WithTools(f ToolFactory) Option {
	return func(o *options) { o.tools = f }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithBaseBranch sets the base workspaces are created from and merged into.
// Empty means the current branch.
func WithBaseBranch(b string) Option {
	return func(o *options) { o.baseBranch = b }
}

// WithSubtaskTimeout bounds one subtask execution. Zero disables it.
func WithSubtaskTimeout(d time.Duration) Option {
	return func(o *options) { o.subtaskTimeout = d }
}

// WithMerger replaces the merge coordinator.
func WithMerger(m Merger) Option {
	return func(o *options) { o.merger = m }
}

// WithAutoMerge controls whether a merge-ready run merges on its own.
func WithAutoMerge(b bool) Option {
	return func(o *options) { o.autoMerge = b }
}
