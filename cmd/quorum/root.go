package main

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	logLevel  string
	storePath string
)

var rootCmd = &cobra.Command{
	Use:   "quorum",
	Short: "Multi-agent task orchestrator",
	Long: `Quorum plans a task into subtasks owned by role-specialised agents,
runs each subtask through a reasoning strategy on a model chosen for its
complexity, and coordinates agents through shared interfaces.

Agents work in isolated workspaces (git worktrees when the project is a
git repository) that are merged back in dependency order once every
subtask has finished.

Configuration is read from ~/.config/quorum/config.yaml, then a project
.quorum.yaml, then QUORUM_* environment variables.`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override logging.level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&storePath, "store", "", "Override store.path (\":memory:\" for an in-memory store)")

	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(modelsCmd)
	rootCmd.AddCommand(versionCmd)
}
