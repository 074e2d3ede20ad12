package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/talligan/concord/concord"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version of the application",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf(
			"version=%s commit=%s built: %s",
			concord.Version,
			concord.CommitSHA,
			concord.BuildTime,
		)
	},
}

//nolint:gochecknoinits // cobra wiring
func init() {
	rootCmd.AddCommand(versionCmd)
}
