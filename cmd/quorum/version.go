package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/quorum/internal/version"
)

var versionShort bool

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show the quorum release and build",
	Long: `Show the embedded release, the VCS revision the binary was built from
and the Go platform. With --short only the release is printed, for scripts.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		line := version.Get()
		if !versionShort {
			line = "quorum version " + version.Long()
		}
		_, err := fmt.Fprintln(cmd.OutOrStdout(), line)
		return err
	},
}

func init() {
	versionCmd.Flags().BoolVar(&versionShort, "short", false, "Print only the release number")
}
