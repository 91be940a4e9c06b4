package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/quorum/internal/planner"
)

var planOut string

var planCmd = &cobra.Command{
	Use:   "plan <task>",
	Short: "Decompose a task and show the plan without running it",
	Long: `Ask the planner to decompose a task into subtasks, then print each
subtask with its owning agent, the model it would run on and a cost
estimate. Use --out to save the plan as YAML for 'quorum run --plan'.`,
	Args: cobra.ExactArgs(1),
	RunE: runPlan,
}

func init() {
	planCmd.Flags().StringVarP(&planOut, "out", "o", "", "Write the plan definition to this YAML file")
}

func runPlan(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := loadApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	gen, err := a.generator(ctx)
	if err != nil {
		return err
	}
	p, err := a.planner(gen)
	if err != nil {
		return err
	}
	plan, err := p.Plan(ctx, args[0])
	if err != nil {
		return err
	}

	renderPlan(cmd.OutOrStdout(), plan, a.selector)
	if planOut != "" {
		if err := planner.SaveDefinition(planOut, plan); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "\nSaved plan to %s\n", planOut)
	}
	return nil
}
