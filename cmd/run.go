package cmd

import (
	"log"

	"github.com/spf13/cobra"
	"github.com/talligan/concord/concord"
)

var runCmd = &cobra.Command{
	Use:   "run [flags]",
	Short: "Starts the Concord bot, scheduler and (optionally) admin API",
	Run: func(cmd *cobra.Command, _ []string) {
		ctx := cmd.Context()
		co, err := concord.New(cfg)
		if err != nil {
			log.Fatalf("error creating concord: %s", err.Error())
		}

		if err = co.Run(ctx); err != nil {
			log.Fatalf("error running concord: %s", err.Error())
		}
	},
}

//nolint:gochecknoinits // cobra wiring
func init() {
	rootCmd.AddCommand(runCmd)
}
