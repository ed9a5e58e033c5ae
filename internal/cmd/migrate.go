package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the tables this service owns",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDatabase(appConfig, true)
		if err != nil {
			return err
		}
		defer db.Close()

		_, err = fmt.Fprintf(cmd.OutOrStdout(), "Migrated %s database\n", db.Driver())
		return err
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
