package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/quorum/internal/orchestrator"
	"github.com/ShayCichocki/quorum/internal/planner"
	"github.com/ShayCichocki/quorum/pkg/models"
)

var (
	runPlanFile string
	runOpts     runFlags
)

var runCmd = &cobra.Command{
	Use:   "run [task]",
	Short: "Plan a task, run every subtask and merge the results",
	Long: `Run a task end to end. The task is decomposed by the planner, or read
from a saved plan with --plan. Subtasks run under the selected policy:

  sequential  one subtask at a time, in priority order
  parallel    up to --max-parallel subtasks whose dependencies are ready
  smart       like parallel, also woken by coordination store changes

When every subtask has finished the agents' workspaces are merged back in
dependency order. Interrupt with Ctrl-C to stop; partial work is committed.`,
	Args: func(cmd *cobra.Command, args []string) error {
		if runPlanFile == "" && len(args) != 1 {
			return errors.New("requires a task argument or --plan")
		}
		if runPlanFile != "" && len(args) > 0 {
			return errors.New("a task argument and --plan are mutually exclusive")
		}
		return nil
	},
	RunE: runTask,
}

func init() {
	runCmd.Flags().StringVar(&runPlanFile, "plan", "", "Run a plan definition saved by 'quorum plan --out'")
	runCmd.Flags().StringVar(&runOpts.policy, "policy", "", "Scheduling policy: sequential, parallel or smart")
	runCmd.Flags().IntVar(&runOpts.maxParallel, "max-parallel", 0, "Maximum subtasks running at once")
	runCmd.Flags().BoolVar(&runOpts.noMerge, "no-merge", false, "Leave workspaces unmerged when the run finishes")
}

func runTask(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := loadApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	gen, err := a.generator(ctx)
	if err != nil {
		return err
	}

	var plan *models.Plan
	if runPlanFile != "" {
		plan, err = a.loadPlan(runPlanFile)
	} else {
		var p *planner.Planner
		if p, err = a.planner(gen); err == nil {
			plan, err = p.Plan(ctx, args[0])
		}
	}
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	renderPlan(out, plan, a.selector)

	store, err := a.openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	ws, err := a.workspaces(ctx, plan.ID)
	if err != nil {
		return err
	}
	o, err := a.orchestrator(nil, gen, store, ws, runOpts)
	if err != nil {
		return err
	}
	if err := o.SubmitPlan(ctx, plan); err != nil {
		return err
	}
	if err := o.Start(ctx); err != nil {
		return err
	}
	go watchProgress(ctx, o, out)

	res, runErr := o.Wait(context.Background())
	fmt.Fprintln(out)
	if res != nil {
		renderResult(out, res)
	}
	renderUsage(out, a.tracker, a.registry)
	if runErr != nil {
		return runErr
	}
	if res.Phase != orchestrator.PhaseComplete {
		return fmt.Errorf("run ended %s", res.Phase)
	}
	if res.Merge != nil && !res.Merge.Clean() {
		return fmt.Errorf("merge left %d conflicts and %d skipped agents", len(res.Merge.Conflicts), len(res.Merge.Skipped))
	}
	return nil
}

func (a *app) loadPlan(path string) (*models.Plan, error) {
	def, err := planner.LoadDefinition(path)
	if err != nil {
		return nil, err
	}
	defaults, err := a.agentDefaults()
	if err != nil {
		return nil, err
	}
	return planner.FromDefinition(def, defaults)
}

// watchProgress prints a line whenever run progress or the running set
// changes.
func watchProgress(ctx context.Context, o *orchestrator.Orchestrator, w io.Writer) {
	updates, cancel := o.Store().Subscribe()
	defer cancel()

	var last string
	for {
		snap := o.Snapshot()
		line := fmt.Sprintf("%s %5.1f%% running=%v", snap.Phase, snap.Progress, snap.Running)
		if line != last {
			fmt.Fprintf(w, "  %s\n", line)
			last = line
		}
		if snap.Phase.Terminal() {
			return
		}
		select {
		case <-ctx.Done():
			return
		case _, ok := <-updates:
			if !ok {
				return
			}
		}
	}
}
