package cmd

import (
	"log"

	"github.com/spf13/cobra"
	"github.com/talligan/concord/concord"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the database (create the file and run migrations)",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()

		if cfg.Database == "" {
			log.Fatal(
				"Environment variable CONCORD_DATABASE not set " +
					"(must be a valid sqlite file path)",
			)
		}
		if _, err := concord.CreateDB(ctx, cfg.Database); err != nil {
			log.Fatalf("Error creating database: %v", err)
		}
		log.Printf("Database ready at %s", cfg.Database)
	},
}

//nolint:gochecknoinits // cobra wiring
func init() {
	rootCmd.AddCommand(initCmd)
}
