// Package planner decomposes a global task into a validated subtask DAG and
// groups the subtasks into per-role agent plans.
package planner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/ShayCichocki/quorum/internal/graph"
	"github.com/ShayCichocki/quorum/internal/llm"
	"github.com/ShayCichocki/quorum/pkg/models"
)

var (
	// ErrCycle means the subtask dependencies form a cycle.
	ErrCycle = errors.New("cyclic decomposition")
	// ErrUnresolved means a dependency is published by no subtask.
	ErrUnresolved = errors.New("unresolvable dependency")
	// ErrMalformed means the decomposition could not be read or is invalid.
	ErrMalformed = errors.New("malformed decomposition")
)

// PlanningError is fatal to a run. No partial plan accompanies it.
type PlanningError struct {
	Reason string
	// Cycle is the offending path when Err is ErrCycle.
	Cycle []string
	Err   error
}

func (e *PlanningError) Error() string {
	return fmt.Sprintf("planning failed: %s", e.Reason)
}

func (e *PlanningError) Unwrap() error { return e.Err }

func malformed(format string, args ...any) *PlanningError {
	return &PlanningError{Reason: fmt.Sprintf(format, args...), Err: ErrMalformed}
}

// AgentDefaults are the model settings copied into every agent plan.
type AgentDefaults struct {
	AutoSelectModel bool
	DefaultModel    string
	ModelMapping    map[models.Complexity]string
}

// Planner asks a model for a decomposition and validates it.
type Planner struct {
	gen      llm.Generator
	model    string
	attempts int
	defaults AgentDefaults
	logger   zerolog.Logger
}

// Option configures a Planner.
type Option func(*Planner)

// WithLogger sets the planner logger.
func WithLogger(l zerolog.Logger) Option {
	return func(p *Planner) { p.logger = l }
}

// WithModel sets the model used for decomposition.
func WithModel(model string) Option {
	return func(p *Planner) { p.model = model }
}

// WithAttempts bounds decomposition calls when replies are malformed.
func WithAttempts(n int) Option {
	return func(p *Planner) {
		if n > 0 {
			p.attempts = n
		}
	}
}

// WithDefaults sets the agent model defaults.
func WithDefaults(d AgentDefaults) Option {
	return func(p *Planner) { p.defaults = d }
}

// New creates a planner.
func New(gen llm.Generator, opts ...Option) *Planner {
	p := &Planner{gen: gen, attempts: 2, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Plan decomposes task. A malformed reply is retried with the error fed
// back; cycles and unresolved dependencies fail at once.
func (p *Planner) Plan(ctx context.Context, task string) (*models.Plan, error) {
	if strings.TrimSpace(task) == "" {
		return nil, malformed("empty task")
	}

	var lastErr error
	feedback := ""
	for attempt := 1; attempt <= p.attempts; attempt++ {
		resp, err := p.gen.Generate(ctx, buildPrompt(task, feedback), llm.Params{
			Model:       p.model,
			Temperature: 0.2,
			MaxTokens:   llm.DefaultMaxTokens,
		})
		if err != nil {
			return nil, fmt.Errorf("decompose: %w", err)
		}

		subtasks, err := ParseResponse(resp.Text)
		if err == nil {
			var plan *models.Plan
			plan, err = Assemble(task, subtasks, p.defaults)
			if err == nil {
				p.logger.Info().Str("run", plan.ID).Int("subtasks", len(subtasks)).Int("agents", len(plan.Agents)).Msg("plan ready")
				return plan, nil
			}
		}

		lastErr = err
		if !errors.Is(err, ErrMalformed) {
			return nil, err
		}
		p.logger.Warn().Err(err).Int("attempt", attempt).Msg("decomposition rejected")
		feedback = err.Error()
	}
	return nil, lastErr
}

// ParseResponse reads subtasks from a model reply. The JSON object is taken
// from the first '{' to the last '}'.
func ParseResponse(text string) ([]*models.SubTask, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, malformed("no JSON object in response")
	}
	js := text[start : end+1]
	if !gjson.Valid(js) {
		return nil, malformed("invalid JSON in response")
	}

	list := gjson.Get(js, "subtasks")
	if !list.IsArray() {
		return nil, malformed("response has no subtasks array")
	}

	var out []*models.SubTask
	var parseErr error
	list.ForEach(func(_, v gjson.Result) bool {
		st := &models.SubTask{
			ID:            strings.TrimSpace(v.Get("id").String()),
			Role:          strings.TrimSpace(v.Get("role").String()),
			Description:   strings.TrimSpace(v.Get("description").String()),
			EstimatedTime: int(v.Get("estimated_time").Int()),
			Dependencies:  stringList(v.Get("dependencies")),
			Outputs:       stringList(v.Get("outputs")),
			Scope:         stringList(v.Get("scope")),
			Strategy:      models.Pattern(strings.TrimSpace(v.Get("strategy").String())),
		}
		c, err := models.ParseComplexity(v.Get("complexity").String())
		if err != nil {
			parseErr = malformed("subtask %q: %v", st.ID, err)
			return false
		}
		st.Complexity = c
		out = append(out, st)
		return true
	})
	if parseErr != nil {
		return nil, parseErr
	}
	return out, nil
}

func stringList(v gjson.Result) []string {
	if !v.IsArray() {
		if s := strings.TrimSpace(v.String()); s != "" {
			return []string{s}
		}
		return nil
	}
	var out []string
	for _, item := range v.Array() {
		if s := strings.TrimSpace(item.String()); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Assemble validates subtasks, assigns priorities from a stable topological
// order and groups them into agent plans by role.
func Assemble(task string, subtasks []*models.SubTask, defaults AgentDefaults) (*models.Plan, error) {
	if len(subtasks) == 0 {
		return nil, malformed("no subtasks")
	}
	for _, st := range subtasks {
		if st.Description == "" {
			return nil, malformed("subtask %q has no description", st.ID)
		}
		if !st.Complexity.Valid() {
			return nil, malformed("subtask %q has invalid complexity %d", st.ID, int(st.Complexity))
		}
		if st.Strategy != "" && !st.Strategy.Valid() {
			return nil, malformed("subtask %q has unknown strategy %q", st.ID, st.Strategy)
		}
		if st.EstimatedTime < 0 {
			return nil, malformed("subtask %q has negative estimated_time", st.ID)
		}
	}

	g := graph.New()
	if err := g.Build(subtasks); err != nil {
		return nil, classify(err)
	}
	order, err := g.TopologicalSort()
	if err != nil {
		return nil, classify(err)
	}

	plan := &models.Plan{
		ID:         ulid.Make().String(),
		GlobalTask: task,
		CreatedAt:  time.Now(),
	}
	byAgent := make(map[string]*models.AgentPlan)
	for priority, id := range order {
		st := g.Get(id).Clone()
		st.Priority = priority
		st.Status = models.SubTaskPending
		if st.Role == "" {
			st.Role = "general"
		}
		agentID := models.AgentIDForRole(st.Role)
		ap, ok := byAgent[agentID]
		if !ok {
			ap = &models.AgentPlan{
				AgentID:         agentID,
				Role:            st.Role,
				GlobalTask:      task,
				AutoSelectModel: defaults.AutoSelectModel,
				DefaultModel:    defaults.DefaultModel,
				ModelMapping:    copyMapping(defaults.ModelMapping),
			}
			byAgent[agentID] = ap
			plan.Agents = append(plan.Agents, ap)
		}
		ap.Subtasks = append(ap.Subtasks, st)
	}
	return plan, nil
}

// Validate checks a ready-made plan against the dependency graph the way
// Assemble checks a decomposition. It returns a *PlanningError.
func Validate(plan *models.Plan) error {
	if plan == nil || len(plan.Agents) == 0 {
		return malformed("plan has no agents")
	}
	if plan.ID == "" {
		return malformed("plan has no id")
	}
	subtasks := plan.Subtasks()
	if len(subtasks) == 0 {
		return malformed("plan has no subtasks")
	}
	for _, ap := range plan.Agents {
		if ap.AgentID == "" {
			return malformed("agent plan with empty id")
		}
	}
	if err := graph.New().Build(subtasks); err != nil {
		return classify(err)
	}
	return nil
}

func classify(err error) error {
	var cycle *graph.CycleError
	switch {
	case errors.As(err, &cycle):
		return &PlanningError{Reason: err.Error(), Cycle: cycle.Path, Err: ErrCycle}
	case errors.Is(err, graph.ErrUnresolved):
		return &PlanningError{Reason: err.Error(), Err: ErrUnresolved}
	default:
		return &PlanningError{Reason: err.Error(), Err: ErrMalformed}
	}
}

func copyMapping(m map[models.Complexity]string) map[models.Complexity]string {
	if m == nil {
		return nil
	}
	out := make(map[models.Complexity]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
