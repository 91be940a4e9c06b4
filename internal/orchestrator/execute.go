package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/sourcegraph/conc/panics"

	"github.com/ShayCichocki/quorum/internal/coord"
	"github.com/ShayCichocki/quorum/internal/reasoning"
	"github.com/ShayCichocki/quorum/internal/tools"
	"github.com/ShayCichocki/quorum/internal/workspace"
	"github.com/ShayCichocki/quorum/pkg/models"
)

// InterfaceType is the type recorded for interfaces published by subtasks.
const InterfaceType = "output"

// outputSpec is the payload of a published interface.
type outputSpec struct {
	Subtask     string  `json:"subtask"`
	Role        string  `json:"role"`
	Description string  `json:"description"`
	Summary     string  `json:"summary,omitempty"`
	Result      string  `json:"result,omitempty"`
	Model       string  `json:"model,omitempty"`
	Confidence  float64 `json:"confidence,omitempty"`
}

// work runs one subtask on its agent and records the outcome.
func (o *Orchestrator) work(runCtx, execCtx context.Context, inf *inflight, st *models.SubTask) {
	defer o.wg.Done()
	defer o.sem.Release(1)
	defer inf.cancel()
	ctx := context.WithoutCancel(runCtx)

	var (
		trace *models.ReasoningTrace
		err   error
	)
	var pc panics.Catcher
	pc.Try(func() { trace, err = o.execute(execCtx, inf.agent, st) })
	if r := pc.Recovered(); r != nil {
		o.logger.Error().Str("subtask", st.ID).Str("stack", string(r.Stack)).Msg("subtask panicked")
		trace, err = nil, execErr(st.ID, models.FailReasonPanic, nil, r.AsError())
	}

	o.mu.RLock()
	cancelled := inf.cancelled
	o.mu.RUnlock()
	if cancelled && err != nil {
		o.preserve(ctx, inf.agent, st)
	}
	o.complete(ctx, inf, trace, err, cancelled)
	o.signal()
}

// execute is the launch sequence of one subtask attempt.
func (o *Orchestrator) execute(ctx context.Context, a *agent, st *models.SubTask) (*models.ReasoningTrace, error) {
	h, reg, err := o.ensureWorkspace(ctx, a)
	if err != nil {
		return nil, execErr(st.ID, models.FailReasonError, nil, fmt.Errorf("workspace: %w", err))
	}

	draft := outputSpec{Subtask: st.ID, Role: a.plan.Role, Description: st.Description}
	if err := o.publishOutputs(ctx, a, st, draft, models.InterfaceDraft); err != nil {
		return nil, err
	}
	for _, dep := range st.Dependencies {
		if err := o.store.AddConsumer(ctx, dep, a.id()); err != nil && !errors.Is(err, coord.ErrNotFound) {
			return nil, err
		}
	}

	o.mu.RLock()
	status := models.AgentStatus{Status: models.AgentInProgress, Progress: a.progress(), CurrentTask: st.ID, ToolsUsed: a.toolsUsed()}
	o.mu.RUnlock()
	if err := a.report(ctx, o.store, status, false); err != nil {
		return nil, err
	}

	model := o.selector.ForSubtask(a.plan, st)
	pattern := st.Strategy
	if pattern == "" {
		pattern = reasoning.DefaultPattern(st.Complexity)
	}
	background, err := o.dependencyContext(ctx, st)
	if err != nil {
		return nil, err
	}

	params := o.opts.params
	params.Model = model
	if reg != nil {
		params.Tools = reg
	}
	runCtx := ctx
	if o.opts.subtaskTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, o.opts.subtaskTimeout)
		defer cancel()
	}

	log := o.logger.With().Str("subtask", st.ID).Str("agent", a.id()).Logger()
	log.Info().Str("model", model).Str("pattern", string(pattern)).Msg("reasoning")
	task := reasoning.Task{ID: st.ID, Description: st.Description, Context: background}
	trace, err := o.gate.Run(runCtx, task, pattern, params)
	if err != nil {
		var qg *reasoning.QualityGateFailure
		if errors.As(err, &qg) {
			return nil, execErr(st.ID, models.FailReasonQuality, qg.Trace, err)
		}
		return nil, execErr(st.ID, models.FailReasonError, nil, err)
	}

	path, err := writeResult(h.Path, st, trace)
	if err != nil {
		return nil, execErr(st.ID, models.FailReasonError, trace, err)
	}
	if err := o.ws.Commit(ctx, h, commitMessage(a, st)); err != nil {
		return nil, execErr(st.ID, models.FailReasonError, trace, fmt.Errorf("commit: %w", err))
	}

	ready := draft
	ready.Summary = summarize(trace.FinalAnswer)
	ready.Result = path
	ready.Model = trace.Model
	ready.Confidence = trace.Confidence
	if err := o.publishOutputs(ctx, a, st, ready, models.InterfaceReady); err != nil {
		return nil, err
	}
	log.Info().Float64("confidence", trace.Confidence).Msg("subtask done")
	return trace, nil
}

// ensureWorkspace returns the agent's workspace, creating it on first use
// and after a cancellation released it.
func (o *Orchestrator) ensureWorkspace(ctx context.Context, a *agent) (workspace.Handle, *tools.Registry, error) {
	o.mu.RLock()
	h, reg := a.handle, a.tools
	o.mu.RUnlock()
	if h != nil {
		return *h, reg, nil
	}

	nh, err := o.ws.Create(ctx, o.opts.baseBranch, a.id())
	if err != nil {
		return workspace.Handle{}, nil, err
	}
	if o.opts.tools != nil {
		if reg, err = o.opts.tools(nh.Path); err != nil {
			_ = o.ws.Release(ctx, nh)
			return workspace.Handle{}, nil, fmt.Errorf("tools: %w", err)
		}
	}
	o.mu.Lock()
	a.handle = &nh
	a.last = nh
	a.tools = reg
	o.mu.Unlock()
	o.logger.Debug().Str("agent", a.id()).Str("path", nh.Path).Str("branch", nh.Branch).Msg("workspace ready")
	return nh, reg, nil
}

// publishOutputs registers every output of st with the given status.
func (o *Orchestrator) publishOutputs(ctx context.Context, a *agent, st *models.SubTask, spec outputSpec, status models.InterfaceStatus) error {
	if len(st.Outputs) == 0 {
		return nil
	}
	data, err := json.Marshal(spec)
	if err != nil {
		return execErr(st.ID, models.FailReasonError, nil, err)
	}
	for _, name := range st.Outputs {
		iface := models.SharedInterface{Name: name, Type: InterfaceType, Owner: a.id(), Spec: data, Status: status}
		if err := o.store.RegisterInterface(ctx, iface); err != nil {
			var se *coord.CoordinationStoreError
			if errors.As(err, &se) {
				return err
			}
			return execErr(st.ID, models.FailReasonError, nil, err)
		}
	}
	return nil
}

// dependencyContext renders the interfaces st depends on for the prompt.
func (o *Orchestrator) dependencyContext(ctx context.Context, st *models.SubTask) (string, error) {
	var b strings.Builder
	for _, name := range st.Dependencies {
		iface, err := o.store.Interface(ctx, name)
		if errors.Is(err, coord.ErrNotFound) {
			continue
		}
		if err != nil {
			return "", err
		}
		if b.Len() == 0 {
			b.WriteString("Outputs available from other agents:\n")
		}
		fmt.Fprintf(&b, "- %s (%s, from %s): %s\n", iface.Name, iface.Type, iface.Owner, string(iface.Spec))
	}
	return b.String(), nil
}

// preserve commits partial work of a cancelled subtask and releases the
// workspace. The committed work stays on the agent's branch.
func (o *Orchestrator) preserve(ctx context.Context, a *agent, st *models.SubTask) {
	o.mu.RLock()
	h := a.handle
	o.mu.RUnlock()
	if h == nil {
		return
	}
	log := o.logger.With().Str("subtask", st.ID).Str("agent", a.id()).Logger()
	if err := o.ws.Commit(ctx, *h, fmt.Sprintf("quorum: partial work on %s (cancelled)", st.ID)); err != nil {
		log.Warn().Err(err).Msg("commit partial work")
	}
	if err := o.ws.Release(ctx, *h); err != nil {
		log.Warn().Err(err).Msg("release workspace")
	}
	o.mu.Lock()
	a.dropWorkspace()
	o.mu.Unlock()
}

// complete records the outcome of one attempt and decides on a retry.
func (o *Orchestrator) complete(ctx context.Context, inf *inflight, trace *models.ReasoningTrace, err error, cancelled bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	a, st := inf.agent, inf.st
	delete(o.running, st.ID)
	a.busy = false
	log := o.logger.With().Str("subtask", st.ID).Str("agent", a.id()).Logger()

	var storeErr *coord.CoordinationStoreError
	switch {
	case err == nil:
		st.Trace = trace
		st.Result = trace.FinalAnswer
		st.ModelUsed = trace.Model
		if terr := st.Transition(models.SubTaskDone); terr != nil {
			log.Error().Err(terr).Msg("complete")
		}
	case errors.As(err, &storeErr) && !cancelled:
		o.fatal = err
		o.failures[st.ID] = execErr(st.ID, models.FailReasonError, st.Trace, err)
		_ = st.Fail(models.FailReasonError, err)
	default:
		var se *SubtaskExecutionError
		if !errors.As(err, &se) {
			se = execErr(st.ID, models.FailReasonError, nil, err)
		}
		if cancelled {
			se = execErr(st.ID, models.FailReasonCancelled, se.Trace, se.Err)
		}
		if se.Trace != nil {
			st.Trace = se.Trace
		}
		_ = st.Fail(se.Reason, se.Err)
		if se.Reason != models.FailReasonCancelled && st.Attempts <= o.opts.subtaskRetries && o.fatal == nil {
			_ = st.Reset()
			log.Warn().Err(se.Err).Str("reason", se.Reason).Int("attempt", st.Attempts).Msg("subtask failed, retrying")
		} else {
			o.failures[st.ID] = se
			log.Warn().Err(se.Err).Str("reason", se.Reason).Int("attempts", st.Attempts).Msg("subtask failed")
		}
	}

	status := models.AgentStatus{Status: a.state(), Progress: a.progress(), ToolsUsed: a.toolsUsed()}
	if rerr := a.report(ctx, o.store, status, false); rerr != nil && o.fatal == nil {
		o.fatal = rerr
	}
	go o.publishBestEffort(ctx)
}

func commitMessage(a *agent, st *models.SubTask) string {
	return fmt.Sprintf("quorum: %s (%s)\n\n%s", st.ID, a.plan.Role, st.Description)
}

func summarize(answer string) string {
	line := strings.TrimSpace(answer)
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = strings.TrimSpace(line[:i])
	}
	const max = 200
	if len(line) > max {
		line = line[:max] + "..."
	}
	return line
}
