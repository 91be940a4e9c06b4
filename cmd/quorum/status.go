package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/quorum/internal/coord"
	"github.com/ShayCichocki/quorum/internal/orchestrator"
	"github.com/ShayCichocki/quorum/pkg/models"
)

var statusEvents int

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the state of the last run",
	Long: `Display the run recorded in the project's coordination store:

  - run phase, policy and progress
  - every agent with its status, current subtask and blockers
  - shared interfaces and their consumers
  - with --events N, the last N store writes`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().IntVar(&statusEvents, "events", 0, "Also show the last N store events")
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := loadApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	path := a.storeFile()
	if path == "" {
		return errors.New("status needs a file-backed store; set store.path")
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		fmt.Fprintln(cmd.OutOrStdout(), "No run recorded. Run 'quorum run <task>' to start.")
		return nil
	}
	store, err := coord.OpenSQLite(path)
	if err != nil {
		return err
	}
	defer store.Close()

	return showStatus(ctx, cmd.OutOrStdout(), store, statusEvents)
}

func showStatus(ctx context.Context, w io.Writer, store coord.Store, events int) error {
	snap, plan, err := statusGlobals(ctx, store)
	if errors.Is(err, coord.ErrNotFound) {
		fmt.Fprintln(w, "No run recorded. Run 'quorum run <task>' to start.")
		return nil
	}
	if err != nil {
		return err
	}
	renderSnapshot(w, *snap)
	if plan != nil {
		fmt.Fprintf(w, "  Subtasks: %d in %d agents\n", len(plan.Subtasks()), len(plan.Agents))
	}

	agents, err := store.AgentStatuses(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintln(w, "\nAgents")
	renderAgents(w, agents)

	ifaces, err := store.Interfaces(ctx)
	if err != nil {
		return err
	}
	if len(ifaces) > 0 {
		fmt.Fprintln(w, "\nInterfaces")
		renderInterfaces(w, ifaces)
	}

	if events > 0 {
		all, err := store.Events(ctx, 0)
		if err != nil {
			return err
		}
		if len(all) > events {
			all = all[len(all)-events:]
		}
		fmt.Fprintln(w, "\nEvents")
		renderEvents(w, all)
	}
	return nil
}

// statusGlobals reads the run and plan records a run publishes.
func statusGlobals(ctx context.Context, store coord.Store) (*orchestrator.Snapshot, *models.Plan, error) {
	var snap orchestrator.Snapshot
	if err := readGlobal(ctx, store, orchestrator.GlobalRun, &snap); err != nil {
		return nil, nil, err
	}
	var plan models.Plan
	if err := readGlobal(ctx, store, orchestrator.GlobalPlan, &plan); err != nil {
		if errors.Is(err, coord.ErrNotFound) {
			return &snap, nil, nil
		}
		return nil, nil, err
	}
	return &snap, &plan, nil
}

func readGlobal(ctx context.Context, store coord.Store, key string, v any) error {
	raw, err := store.Global(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}
