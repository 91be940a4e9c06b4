package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ShayCichocki/quorum/internal/merge"
	"github.com/ShayCichocki/quorum/pkg/models"
)

// loop is the single coordinating control loop. It recomputes the ready set
// on every poll tick, on completions and, under the smart policy, on every
// store change.
func (o *Orchestrator) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	o.mu.RLock()
	runID := o.plan.ID
	o.mu.RUnlock()
	log := o.logger.With().Str("run", runID).Logger()
	log.Info().Str("policy", string(o.opts.policy)).Int("max_parallel", o.opts.maxParallel).
		Dur("poll_interval", o.opts.pollInterval).Msg("run started")
	o.publishBestEffort(ctx)

	ticker := time.NewTicker(o.opts.pollInterval)
	defer ticker.Stop()

	var changes <-chan struct{}
	if o.opts.policy == PolicySmart {
		ch, unsubscribe := o.store.Subscribe()
		defer unsubscribe()
		changes = ch
	}

	for {
		if ctx.Err() != nil {
			o.shutdown(ctx)
			log.Info().Msg("run stopped")
			return
		}
		finished, err := o.schedule(ctx)
		if err != nil {
			log.Error().Err(err).Msg("run failed")
			o.abort(ctx, err)
			return
		}
		if finished {
			o.finish(ctx)
			return
		}
		select {
		case <-ctx.Done():
		case <-ticker.C:
		case <-o.wake:
		case <-changes:
		}
	}
}

type blockedOn struct {
	subtask string
	names   []string
}

// schedule launches what can run now. It reports finished once every
// subtask is terminal and nothing is in flight.
func (o *Orchestrator) schedule(ctx context.Context) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.fatal != nil {
		return false, o.fatal
	}

	var pending []*models.SubTask
	for _, st := range o.plan.Subtasks() {
		if st.Status == models.SubTaskPending {
			pending = append(pending, st)
		}
	}
	if len(pending) == 0 && len(o.running) == 0 {
		return true, nil
	}

	candidates := pending
	if o.opts.policy == PolicySequential {
		candidates = nil
		if len(o.running) == 0 && len(pending) > 0 {
			candidates = pending[:1]
		}
	}

	blocked := make(map[string]blockedOn)
	launched := 0
	for _, st := range candidates {
		a := o.ownerOf(st)
		if a.busy {
			continue
		}
		missing, err := o.missingDependencies(ctx, a, st)
		if err != nil {
			return false, err
		}
		if len(missing) > 0 {
			if _, seen := blocked[a.id()]; !seen {
				blocked[a.id()] = blockedOn{subtask: st.ID, names: missing}
			}
			continue
		}
		if other := collides(st, o.runningSubtasks()); other != nil {
			o.logger.Debug().Str("subtask", st.ID).Str("overlaps", other.ID).Msg("scope overlap, deferring")
			continue
		}
		if !o.sem.TryAcquire(1) {
			break
		}
		o.launch(ctx, a, st)
		launched++
	}

	if launched == 0 && len(o.running) == 0 && o.failUnreachable() > 0 {
		o.signal()
	}
	return false, o.reportIdle(ctx, blocked)
}

func (o *Orchestrator) ownerOf(st *models.SubTask) *agent {
	return o.agents[o.plan.AgentFor(st.ID).AgentID]
}

// missingDependencies returns the declared dependencies that the store does
// not report ready, in declaration order.
func (o *Orchestrator) missingDependencies(ctx context.Context, a *agent, st *models.SubTask) ([]string, error) {
	if len(st.Dependencies) == 0 {
		return nil, nil
	}
	ready, err := o.store.CheckDependencies(ctx, a.id(), st.Dependencies)
	if err != nil {
		return nil, err
	}
	var missing []string
	for _, name := range st.Dependencies {
		if !ready[name] {
			missing = append(missing, name)
		}
	}
	return missing, nil
}

func (o *Orchestrator) runningSubtasks() []*models.SubTask {
	out := make([]*models.SubTask, 0, len(o.running))
	for _, inf := range o.running {
		out = append(out, inf.st)
	}
	return out
}

// launch starts st on a. Callers hold o.mu and a semaphore slot.
func (o *Orchestrator) launch(ctx context.Context, a *agent, st *models.SubTask) {
	if err := st.Transition(models.SubTaskInProgress); err != nil {
		o.sem.Release(1)
		o.logger.Error().Err(err).Str("subtask", st.ID).Msg("launch")
		return
	}
	a.busy = true
	execCtx, cancel := context.WithCancel(ctx)
	inf := &inflight{st: st, agent: a, cancel: cancel}
	o.running[st.ID] = inf

	o.logger.Info().Str("subtask", st.ID).Str("agent", a.id()).Int("attempt", st.Attempts).Msg("launching subtask")
	o.wg.Add(1)
	go o.work(ctx, execCtx, inf, st.Clone())
}

// failUnreachable fails pending subtasks whose producer failed, repeating
// until no more change. Callers hold o.mu.
func (o *Orchestrator) failUnreachable() int {
	producers := o.plan.Producers()
	failed := 0
	for changed := true; changed; {
		changed = false
		for _, st := range o.plan.Subtasks() {
			if st.Status != models.SubTaskPending {
				continue
			}
			for _, dep := range st.Dependencies {
				p, ok := producers[dep]
				if !ok || p.Status != models.SubTaskFailed {
					continue
				}
				err := fmt.Errorf("dependency %q from subtask %s failed", dep, p.ID)
				if ferr := st.Fail(models.FailReasonDependency, err); ferr != nil {
					break
				}
				o.failures[st.ID] = execErr(st.ID, models.FailReasonDependency, st.Trace, err)
				o.logger.Warn().Str("subtask", st.ID).Str("dependency", dep).Msg("dependency failed")
				failed++
				changed = true
				break
			}
		}
	}
	return failed
}

// reportIdle publishes the derived status of every agent that is not
// running a subtask. Callers hold o.mu.
func (o *Orchestrator) reportIdle(ctx context.Context, blocked map[string]blockedOn) error {
	for _, ap := range o.plan.Agents {
		a := o.agents[ap.AgentID]
		if a.busy {
			continue
		}
		st := models.AgentStatus{Status: a.state(), Progress: a.progress(), ToolsUsed: a.toolsUsed()}
		if b, ok := blocked[a.id()]; ok && st.Status == models.AgentPending {
			st.Status = models.AgentBlocked
			st.Blockers = b.names
			st.CurrentTask = b.subtask
		}
		if err := a.report(ctx, o.store, st, false); err != nil {
			return err
		}
	}
	return nil
}

// finish runs once every subtask is terminal.
func (o *Orchestrator) finish(ctx context.Context) {
	o.mu.Lock()
	ready, reason := merge.Ready(o.plan)
	if !ready {
		errs := []error{fmt.Errorf("%w: %s", merge.ErrNotReady, reason)}
		for _, st := range o.plan.Subtasks() {
			if se, ok := o.failures[st.ID]; ok {
				errs = append(errs, se)
			}
		}
		o.runErr = errors.Join(errs...)
		o.phase = PhaseFailed
		o.mu.Unlock()
		o.logger.Warn().Str("reason", reason).Msg("run finished without merge")
		o.publishBestEffort(ctx)
		return
	}
	o.phase = PhaseMerging
	o.mu.Unlock()
	o.publishBestEffort(ctx)

	if !o.opts.autoMerge {
		o.logger.Info().Msg("run finished, waiting for merge")
		return
	}
	if _, err := o.doMerge(ctx); err != nil {
		o.mu.Lock()
		if !o.phase.Terminal() {
			o.phase = PhaseFailed
			o.runErr = fmt.Errorf("merge: %w", err)
		}
		o.mu.Unlock()
		o.logger.Error().Err(err).Msg("merge failed")
		o.publishBestEffort(ctx)
	}
}

// cancelAll cancels every in-flight subtask and waits for the workers.
func (o *Orchestrator) cancelAll() {
	o.mu.Lock()
	for _, inf := range o.running {
		inf.cancelled = true
		inf.cancel()
	}
	o.mu.Unlock()
	o.wg.Wait()
}

// abort ends the run after a run-wide failure.
func (o *Orchestrator) abort(ctx context.Context, err error) {
	o.cancelAll()
	o.mu.Lock()
	o.phase = PhaseFailed
	o.runErr = err
	o.mu.Unlock()
	o.publishBestEffort(ctx)
}

// shutdown ends the run after Stop or parent cancellation.
func (o *Orchestrator) shutdown(ctx context.Context) {
	o.cancelAll()
	o.mu.Lock()
	if !o.phase.Terminal() {
		o.phase = PhaseStopped
	}
	o.mu.Unlock()
	o.publishBestEffort(ctx)
}
