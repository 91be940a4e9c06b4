// Package orchestrator drives one run: it plans a task, launches ready
// subtasks on their agents' isolated workspaces, relays agent state through
// the coordination store and hands the finished plan to the merge
// coordinator.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/ShayCichocki/quorum/internal/coord"
	"github.com/ShayCichocki/quorum/internal/merge"
	"github.com/ShayCichocki/quorum/internal/planner"
	"github.com/ShayCichocki/quorum/internal/reasoning"
	"github.com/ShayCichocki/quorum/internal/selector"
	"github.com/ShayCichocki/quorum/internal/workspace"
	"github.com/ShayCichocki/quorum/pkg/models"
)

// Phase is the run state.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhasePlanning   Phase = "planning"
	PhaseScheduling Phase = "scheduling"
	PhaseMerging    Phase = "merging"
	PhaseComplete   Phase = "complete"
	PhaseFailed     Phase = "failed"
	PhaseStopped    Phase = "stopped"
)

// Terminal returns true for complete, failed and stopped.
func (p Phase) Terminal() bool {
	return p == PhaseComplete || p == PhaseFailed || p == PhaseStopped
}

// Store keys the orchestrator publishes run state under.
const (
	GlobalRun  = "run"
	GlobalPlan = "plan"
)

// Snapshot is a point-in-time view of the run.
type Snapshot struct {
	RunID    string        `json:"run_id,omitempty"`
	Task     string        `json:"task,omitempty"`
	Phase    Phase         `json:"phase"`
	Policy   Policy        `json:"policy"`
	Progress float64       `json:"progress"`
	Running  []string      `json:"running,omitempty"`
	Error    string        `json:"error,omitempty"`
	Merge    *merge.Report `json:"merge,omitempty"`
}

// Result is what Wait returns once the loop has exited.
type Result struct {
	Phase    Phase
	Plan     *models.Plan
	Merge    *merge.Report
	Failures []*SubtaskExecutionError
}

type inflight struct {
	st        *models.SubTask
	agent     *agent
	cancel    context.CancelFunc
	cancelled bool
}

// Orchestrator runs one plan. All methods are safe for concurrent use.
type Orchestrator struct {
	planner  Planner
	selector *selector.Selector
	store    coord.Store
	ws       workspace.Provider
	gate     *reasoning.Gate
	merger   Merger
	opts     options
	logger   zerolog.Logger
	sem      *semaphore.Weighted

	submitMu  sync.Mutex
	mergeMu   sync.Mutex
	publishMu sync.Mutex

	mu        sync.RWMutex
	phase     Phase
	task      string
	plan      *models.Plan
	agents    map[string]*agent
	running   map[string]*inflight
	failures  map[string]*SubtaskExecutionError
	report    *merge.Report
	runErr    error
	fatal     error
	cancelRun context.CancelFunc
	done      chan struct{}

	wake chan struct{}
	wg   sync.WaitGroup
}

// New creates an orchestrator.
func New(cfg RequiredConfig, opts ...Option) (*Orchestrator, error) {
	switch {
	case cfg.Engine == nil:
		return nil, errors.New("orchestrator: engine is required")
	case cfg.Selector == nil:
		return nil, errors.New("orchestrator: selector is required")
	case cfg.Store == nil:
		return nil, errors.New("orchestrator: store is required")
	case cfg.Workspaces == nil:
		return nil, errors.New("orchestrator: workspace provider is required")
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if !o.policy.Valid() {
		return nil, fmt.Errorf("orchestrator: unknown policy %q", o.policy)
	}
	if o.maxParallel < 1 {
		o.maxParallel = 1
	}
	if o.pollInterval <= 0 {
		o.pollInterval = defaultOptions().pollInterval
	}
	if o.subtaskRetries < 0 {
		o.subtaskRetries = 0
	}
	if o.qualityRetries < 0 {
		o.qualityRetries = 0
	}

	gate := reasoning.NewGate(cfg.Engine, o.qualityRetries)
	gate.Threshold = o.qualityThreshold
	gate.Stronger = cfg.Selector.Stronger
	gate.Logger = o.logger

	merger := o.merger
	if merger == nil {
		merger = merge.New(cfg.Workspaces, merge.WithTarget(o.baseBranch), merge.WithLogger(o.logger))
	}

	return &Orchestrator{
		planner:  cfg.Planner,
		selector: cfg.Selector,
		store:    cfg.Store,
		ws:       cfg.Workspaces,
		gate:     gate,
		merger:   merger,
		opts:     o,
		logger:   o.logger,
		sem:      semaphore.NewWeighted(int64(o.maxParallel)),
		phase:    PhaseIdle,
		running:  make(map[string]*inflight),
		failures: make(map[string]*SubtaskExecutionError),
		wake:     make(chan struct{}, 1),
	}, nil
}

// Submit plans task. Submitting the same task again returns the existing
// plan; a different task is rejected once a plan exists. A PlanningError
// fails the run.
func (o *Orchestrator) Submit(ctx context.Context, task string) (*models.Plan, error) {
	task = strings.TrimSpace(task)
	if task == "" {
		return nil, errors.New("task is empty")
	}
	if o.planner == nil {
		return nil, errors.New("orchestrator has no planner")
	}

	o.submitMu.Lock()
	defer o.submitMu.Unlock()

	o.mu.Lock()
	if o.phase.Terminal() {
		o.mu.Unlock()
		return nil, ErrRunTerminal
	}
	if o.plan != nil {
		same, plan := o.task == task, o.plan.Clone()
		o.mu.Unlock()
		if same {
			return plan, nil
		}
		return nil, ErrPlanExists
	}
	o.phase = PhasePlanning
	o.task = task
	o.mu.Unlock()

	o.logger.Info().Str("task", task).Msg("planning")
	plan, err := o.planner.Plan(ctx, task)
	if err != nil {
		o.mu.Lock()
		var pe *planner.PlanningError
		if errors.As(err, &pe) {
			o.phase = PhaseFailed
			o.runErr = err
		} else {
			o.phase = PhaseIdle
			o.task = ""
		}
		o.mu.Unlock()
		o.publishBestEffort(ctx)
		return nil, err
	}
	if err := o.install(ctx, plan); err != nil {
		return nil, err
	}
	return plan.Clone(), nil
}

// SubmitPlan installs a ready-made plan. Submitting the same plan id again
// is a no-op. A plan whose dependencies do not form a valid graph is a
// PlanningError and fails the run like a bad decomposition does.
func (o *Orchestrator) SubmitPlan(ctx context.Context, plan *models.Plan) error {
	if plan == nil || len(plan.Agents) == 0 {
		return errors.New("plan is empty")
	}
	o.submitMu.Lock()
	defer o.submitMu.Unlock()

	o.mu.Lock()
	if o.phase.Terminal() {
		o.mu.Unlock()
		return ErrRunTerminal
	}
	if o.plan != nil {
		same := o.plan.ID == plan.ID
		o.mu.Unlock()
		if same {
			return nil
		}
		return ErrPlanExists
	}
	o.task = plan.GlobalTask
	if err := planner.Validate(plan); err != nil {
		o.phase = PhaseFailed
		o.runErr = err
		o.mu.Unlock()
		o.logger.Error().Err(err).Str("run", plan.ID).Msg("plan rejected")
		o.publishBestEffort(ctx)
		return err
	}
	o.mu.Unlock()
	return o.install(ctx, plan.Clone())
}

// install adopts plan and publishes the initial state.
func (o *Orchestrator) install(ctx context.Context, plan *models.Plan) error {
	o.mu.Lock()
	o.plan = plan
	o.phase = PhaseIdle
	o.agents = make(map[string]*agent, len(plan.Agents))
	for _, ap := range plan.Agents {
		for _, st := range ap.Subtasks {
			if st.Status == "" {
				st.Status = models.SubTaskPending
			}
		}
		o.agents[ap.AgentID] = newAgent(ap)
	}
	reset, err := o.store.BeginRun(ctx, plan.ID)
	for _, ap := range plan.Agents {
		if err != nil {
			break
		}
		a := o.agents[ap.AgentID]
		if err = a.seedClock(ctx, o.store); err != nil {
			break
		}
		err = a.report(ctx, o.store, models.AgentStatus{Status: a.state(), Progress: a.progress()}, true)
	}
	if err != nil {
		o.phase = PhaseFailed
		o.runErr = err
	}
	o.mu.Unlock()
	if err != nil {
		return err
	}

	if reset {
		o.logger.Debug().Str("run", plan.ID).Msg("coordination store reset for new run")
	}
	o.logger.Info().Str("run", plan.ID).Int("agents", len(plan.Agents)).Int("subtasks", len(plan.Subtasks())).Msg("plan installed")
	return o.publish(ctx)
}

// Start launches the control loop. Starting a running run is a no-op.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	switch {
	case o.phase.Terminal():
		return ErrRunTerminal
	case o.plan == nil:
		return ErrNoPlan
	case o.done != nil:
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	o.cancelRun = cancel
	o.done = make(chan struct{})
	o.phase = PhaseScheduling
	go o.loop(runCtx, o.done)
	return nil
}

// Stop cancels in-flight subtasks and ends the run in the stopped phase. It
// waits for the loop to exit or ctx to end.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	if o.phase.Terminal() {
		o.mu.Unlock()
		return ErrRunTerminal
	}
	cancel, done := o.cancelRun, o.done
	if done == nil || o.phase == PhaseMerging {
		o.phase = PhaseStopped
		o.mu.Unlock()
		o.publishBestEffort(ctx)
		return nil
	}
	o.mu.Unlock()

	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel stops one subtask. A running subtask keeps its committed work and
// fails with reason cancelled; a pending one fails at once.
func (o *Orchestrator) Cancel(subtaskID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.phase.Terminal() {
		return ErrRunTerminal
	}
	st := o.subtask(subtaskID)
	if st == nil {
		return fmt.Errorf("%w: %s", ErrUnknownSubtask, subtaskID)
	}
	if inf, ok := o.running[subtaskID]; ok {
		inf.cancelled = true
		inf.cancel()
		o.logger.Info().Str("subtask", subtaskID).Msg("cancelling")
		return nil
	}
	if st.Status != models.SubTaskPending {
		return fmt.Errorf("%w: %s is %s", ErrSubtaskState, subtaskID, st.Status)
	}
	se := execErr(st.ID, models.FailReasonCancelled, st.Trace, nil)
	if err := st.Fail(se.Reason, nil); err != nil {
		return err
	}
	o.failures[st.ID] = se
	o.signal()
	return nil
}

// Retry resets a failed subtask to pending while the run is scheduling.
func (o *Orchestrator) Retry(subtaskID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.phase.Terminal() {
		return ErrRunTerminal
	}
	st := o.subtask(subtaskID)
	if st == nil {
		return fmt.Errorf("%w: %s", ErrUnknownSubtask, subtaskID)
	}
	if o.phase != PhaseScheduling && o.phase != PhaseIdle {
		return fmt.Errorf("%w: run is %s", ErrSubtaskState, o.phase)
	}
	if err := st.Reset(); err != nil {
		return fmt.Errorf("%w: %v", ErrSubtaskState, err)
	}
	delete(o.failures, subtaskID)
	o.logger.Info().Str("subtask", subtaskID).Int("attempts", st.Attempts).Msg("retry requested")
	o.signal()
	return nil
}

// Merge integrates the agents' workspaces. It is only accepted while the run
// waits in the merging phase.
func (o *Orchestrator) Merge(ctx context.Context) (*merge.Report, error) {
	o.mu.RLock()
	phase, plan := o.phase, o.plan
	o.mu.RUnlock()
	switch {
	case phase.Terminal():
		return nil, ErrRunTerminal
	case plan == nil:
		return nil, ErrNoPlan
	case phase != PhaseMerging:
		return nil, fmt.Errorf("%w: run is %s", merge.ErrNotReady, phase)
	}
	return o.doMerge(ctx)
}

func (o *Orchestrator) doMerge(ctx context.Context) (*merge.Report, error) {
	o.mergeMu.Lock()
	defer o.mergeMu.Unlock()

	o.mu.RLock()
	if o.phase != PhaseMerging {
		phase := o.phase
		o.mu.RUnlock()
		if phase.Terminal() {
			return nil, ErrRunTerminal
		}
		return nil, fmt.Errorf("%w: run is %s", merge.ErrNotReady, phase)
	}
	plan := o.plan.Clone()
	handles := make(map[string]workspace.Handle)
	var live []workspace.Handle
	for id, a := range o.agents {
		if a.last.ID != "" {
			handles[id] = a.last
		}
		if a.handle != nil {
			live = append(live, *a.handle)
		}
	}
	o.mu.RUnlock()

	o.logger.Info().Str("run", plan.ID).Int("workspaces", len(handles)).Msg("merging")
	report, err := o.merger.Merge(ctx, plan, handles)
	if err != nil {
		return nil, err
	}
	for _, h := range live {
		if rerr := o.ws.Release(ctx, h); rerr != nil {
			o.logger.Warn().Err(rerr).Str("agent", h.AgentID).Msg("release workspace")
		}
	}

	o.mu.Lock()
	o.report = report
	o.phase = PhaseComplete
	for _, a := range o.agents {
		a.dropWorkspace()
	}
	o.mu.Unlock()

	o.logger.Info().Strs("merged", report.Merged).Int("conflicts", len(report.Conflicts)).Msg("merge finished")
	o.publishBestEffort(ctx)
	return report, nil
}

// Wait blocks until the loop exits and returns the run result. The error is
// the run-level failure, if any.
func (o *Orchestrator) Wait(ctx context.Context) (*Result, error) {
	o.mu.RLock()
	done := o.done
	o.mu.RUnlock()
	if done == nil {
		return nil, ErrNotStarted
	}
	select {
	case <-done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.resultLocked(), o.runErr
}

// Run submits task, starts the loop and waits for it.
func (o *Orchestrator) Run(ctx context.Context, task string) (*Result, error) {
	if _, err := o.Submit(ctx, task); err != nil {
		return nil, err
	}
	if err := o.Start(ctx); err != nil {
		return nil, err
	}
	return o.Wait(ctx)
}

// Plan returns a copy of the current plan, or nil.
func (o *Orchestrator) Plan() *models.Plan {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.plan == nil {
		return nil
	}
	return o.plan.Clone()
}

// Phase returns the run phase.
func (o *Orchestrator) Phase() Phase {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.phase
}

// Store returns the coordination store the run writes to.
func (o *Orchestrator) Store() coord.Store { return o.store }

// Snapshot returns the run state.
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.snapshotLocked()
}

func (o *Orchestrator) snapshotLocked() Snapshot {
	s := Snapshot{Task: o.task, Phase: o.phase, Policy: o.opts.policy, Merge: o.report}
	if o.plan != nil {
		s.RunID = o.plan.ID
		s.Progress = o.plan.Progress()
	}
	for id := range o.running {
		s.Running = append(s.Running, id)
	}
	sort.Strings(s.Running)
	if o.runErr != nil {
		s.Error = o.runErr.Error()
	}
	return s
}

func (o *Orchestrator) resultLocked() *Result {
	r := &Result{Phase: o.phase, Merge: o.report}
	if o.plan == nil {
		return r
	}
	r.Plan = o.plan.Clone()
	for _, st := range o.plan.Subtasks() {
		if se, ok := o.failures[st.ID]; ok {
			r.Failures = append(r.Failures, se)
		}
	}
	return r
}

func (o *Orchestrator) subtask(id string) *models.SubTask {
	if o.plan == nil {
		return nil
	}
	return o.plan.Subtask(id)
}

// signal wakes the control loop without blocking.
func (o *Orchestrator) signal() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// publish writes the run snapshot and the plan to the store.
func (o *Orchestrator) publish(ctx context.Context) error {
	o.publishMu.Lock()
	defer o.publishMu.Unlock()

	o.mu.RLock()
	snap := o.snapshotLocked()
	var plan *models.Plan
	if o.plan != nil {
		plan = o.plan.Clone()
	}
	o.mu.RUnlock()

	run, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode run: %w", err)
	}
	if err := o.store.SetGlobal(ctx, GlobalRun, run); err != nil {
		return err
	}
	if plan == nil {
		return nil
	}
	data, err := json.Marshal(plan)
	if err != nil {
		return fmt.Errorf("encode plan: %w", err)
	}
	return o.store.SetGlobal(ctx, GlobalPlan, data)
}

func (o *Orchestrator) publishBestEffort(ctx context.Context) {
	if err := o.publish(context.WithoutCancel(ctx)); err != nil {
		o.logger.Warn().Err(err).Msg("publish run state")
	}
}
