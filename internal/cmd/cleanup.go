package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"github.com/stream254/throttle/internal/cleanup"
	"github.com/stream254/throttle/internal/ratelimit"
	"github.com/stream254/throttle/internal/repository"
)

var (
	cleanupRetention time.Duration
	cleanupOutput    string
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete expired throttle windows and one-time codes",
	RunE: func(cmd *cobra.Command, args []string) error {
		if cleanupOutput != outputTable && cleanupOutput != outputJSON {
			return fmt.Errorf("unsupported output format: %s", cleanupOutput)
		}

		cfg := appConfig
		retention := cfg.RateLimit.Retention
		if cleanupRetention > 0 {
			retention = cleanupRetention
		}

		db, err := openDatabase(cfg, cfg.Database.AutoMigrate)
		if err != nil {
			return err
		}
		defer db.Close()

		durable := ratelimit.NewDatabaseBackend(db, cfg.Algorithm())
		sweeper := cleanup.NewSweeper(durable, repository.NewOTPRepository(db), appLogger, cleanup.Config{
			Retention: retention,
		})

		report, err := sweeper.RunOnce(cmd.Context())
		if err != nil {
			return err
		}

		return writeCleanupReport(cmd.OutOrStdout(), cleanupOutput, report)
	},
}

func writeCleanupReport(w io.Writer, format string, report cleanup.Report) error {
	if format == outputJSON {
		payload, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, string(payload))
		return err
	}

	_, err := fmt.Fprintf(w, "Deleted %d window(s) and %d one-time code(s)\n", report.Windows, report.OTPCodes)
	return err
}

func init() {
	cleanupCmd.Flags().DurationVar(&cleanupRetention, "retention", 0, "Keep windows that ended within this period (default rate_limit.retention)")
	cleanupCmd.Flags().StringVar(&cleanupOutput, "output-format", outputTable, "Output format: table|json")
	rootCmd.AddCommand(cleanupCmd)
}
