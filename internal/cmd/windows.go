package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/stream254/throttle/internal/models"
	"github.com/stream254/throttle/internal/repository"
	"go.uber.org/zap"
)

const (
	outputTable = "table"
	outputJSON  = "json"
)

var (
	windowsListAll    bool
	windowsListKey    string
	windowsListPrefix string
	windowsListActive bool
	windowsListLimit  int
	windowsListOutput string

	windowsResetKey    string
	windowsResetPrefix string
	windowsResetYes    bool
	windowsResetDryRun bool
)

var windowsCmd = &cobra.Command{
	Use:   "windows",
	Short: "Inspect and reset persisted throttle windows",
}

var windowsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List throttle windows stored in the database",
	RunE: func(cmd *cobra.Command, args []string) error {
		if windowsListOutput != outputTable && windowsListOutput != outputJSON {
			return fmt.Errorf("unsupported output format: %s", windowsListOutput)
		}

		query := repository.WindowQuery{
			All:        windowsListAll,
			Key:        strings.TrimSpace(windowsListKey),
			Prefix:     strings.TrimSpace(windowsListPrefix),
			ActiveOnly: windowsListActive,
			Limit:      windowsListLimit,
		}
		if query.Key == "" && query.Prefix == "" {
			query.All = true
		}

		db, err := openDatabase(appConfig, appConfig.Database.AutoMigrate)
		if err != nil {
			return err
		}
		defer db.Close()

		now := time.Now()
		windows, err := repository.NewWindowRepository(db).List(cmd.Context(), query, now)
		if err != nil {
			return err
		}

		return renderWindows(cmd.OutOrStdout(), windowsListOutput, windows, now)
	},
}

var windowsResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Forget recorded attempts for a key or key prefix",
	RunE: func(cmd *cobra.Command, args []string) error {
		key := strings.TrimSpace(windowsResetKey)
		prefix := strings.TrimSpace(windowsResetPrefix)

		if (key == "") == (prefix == "") {
			return errors.New("exactly one of --key or --prefix is required")
		}
		if prefix != "" && !windowsResetYes && !windowsResetDryRun {
			return errors.New("--prefix requires --yes")
		}

		durable, throttle, closeFn, err := openThrottle(appConfig, appLogger)
		if err != nil {
			return err
		}
		defer closeFn()

		keys := []string{key}
		if prefix != "" {
			windows, err := durable.List(cmd.Context(), repository.WindowQuery{Prefix: prefix}, throttle.Now())
			if err != nil {
				return err
			}
			keys = keys[:0]
			for _, w := range windows {
				keys = append(keys, w.Key)
			}
		}

		if windowsResetDryRun {
			for _, k := range keys {
				fmt.Fprintln(cmd.OutOrStdout(), k)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "Would reset %d key(s)\n", len(keys))
			return err
		}

		for _, k := range keys {
			if err := throttle.Reset(cmd.Context(), k); err != nil {
				return fmt.Errorf("reset %s: %w", k, err)
			}
			appLogger.Debug("reset throttle key", zap.String("key", k))
		}

		_, err = fmt.Fprintf(cmd.OutOrStdout(), "Reset %d key(s)\n", len(keys))
		return err
	},
}

func renderWindows(w io.Writer, format string, windows []models.RateLimitWindow, now time.Time) error {
	if format == outputJSON {
		type item struct {
			Key         string    `json:"key"`
			Count       int64     `json:"count"`
			WindowStart time.Time `json:"window_start"`
			WindowEnd   time.Time `json:"window_end"`
			Active      bool      `json:"active"`
		}

		items := make([]item, 0, len(windows))
		for _, win := range windows {
			items = append(items, item{
				Key:         win.Key,
				Count:       win.Count,
				WindowStart: win.StartTime(),
				WindowEnd:   win.EndTime(),
				Active:      win.Active(now),
			})
		}

		payload, err := json.MarshalIndent(items, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, string(payload))
		return err
	}

	if len(windows) == 0 {
		_, err := fmt.Fprintln(w, "(no stored throttle windows)")
		return err
	}

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Key", "Count", "Window Start", "Window End", "Active"})

	active := 0
	for _, win := range windows {
		state := "no"
		if win.Active(now) {
			state = "yes"
			active++
		}
		t.AppendRow(table.Row{
			win.Key,
			win.Count,
			win.StartTime().Format(time.RFC3339),
			win.EndTime().Format(time.RFC3339),
			state,
		})
	}

	t.AppendFooter(table.Row{"Total", len(windows), "", "Active", active})
	t.Render()
	return nil
}

func init() {
	windowsListCmd.Flags().BoolVar(&windowsListAll, "all", false, "List every key")
	windowsListCmd.Flags().StringVar(&windowsListKey, "key", "", "List a single key (exact match)")
	windowsListCmd.Flags().StringVar(&windowsListPrefix, "prefix", "", "List keys with matching prefix")
	windowsListCmd.Flags().BoolVar(&windowsListActive, "active", false, "Only windows that are still counting")
	windowsListCmd.Flags().IntVar(&windowsListLimit, "limit", 0, "Maximum number of rows (0 for no limit)")
	windowsListCmd.Flags().StringVar(&windowsListOutput, "output-format", outputTable, "Output format: table|json")

	windowsResetCmd.Flags().StringVar(&windowsResetKey, "key", "", "Reset a single key (exact match)")
	windowsResetCmd.Flags().StringVar(&windowsResetPrefix, "prefix", "", "Reset every key with matching prefix")
	windowsResetCmd.Flags().BoolVar(&windowsResetYes, "yes", false, "Confirm a prefix reset")
	windowsResetCmd.Flags().BoolVar(&windowsResetDryRun, "dry-run", false, "Print the keys that would be reset")

	windowsCmd.AddCommand(windowsListCmd)
	windowsCmd.AddCommand(windowsResetCmd)
	rootCmd.AddCommand(windowsCmd)
}
