package main

import (
	"github.com/spf13/cobra"
)

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List the model catalog",
	Long: `List the models the selector can choose from, cheapest capability
first. The catalog starts from the built-in Claude models and is extended
by registry.path.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()
		renderModels(cmd.OutOrStdout(), a.registry.List())
		return nil
	},
}
