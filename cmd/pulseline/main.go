package main

import (
	"fmt"
	"os"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/pulseline/cmd/pulseline/commands"
	"github.com/teranos/pulseline/errors"
	"github.com/teranos/pulseline/logger"
)

var rootCmd = &cobra.Command{
	Use:   "pulseline",
	Short: "pulseline - execution and scheduling reliability engine",
	Long: `pulseline runs handlers and workflows reliably: idempotent submission,
concurrency locks, retries with backoff, a dead-letter queue, cron and
interval schedules, and alerting, all recorded in an append-only event log.

Available commands:
  pulse    - Run the daemon (workers, scheduler, API)
  exec     - Submit and inspect executions
  run      - Start and inspect workflow runs
  schedule - Manage schedules
  dlq      - Replay or resolve dead letters
  alert    - Raise alerts and manage channels
  am       - Show and check configuration ("I am")

Examples:
  pulseline pulse start
  pulseline exec submit noop --params '{"hello":"world"}'
  pulseline schedule apply -f schedules.toml
  pulseline dlq ls`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		verbosity, _ := cmd.Flags().GetCount("verbose")
		jsonLogs, _ := cmd.Flags().GetBool("log-json")
		if err := logger.Initialize(jsonLogs, verbosity); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Cleanup()
	},
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (repeat for more detail: -v, -vv, -vvv)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Emit logs as JSON")
	rootCmd.PersistentFlags().StringVar(&commands.ConfigPath, "config", "", "Config file (default: layered am.toml search)")
	rootCmd.PersistentFlags().StringVar(&commands.DBPath, "db", "", "Database path (overrides database.path)")

	rootCmd.AddCommand(commands.PulseCmd)
	rootCmd.AddCommand(commands.ExecCmd)
	rootCmd.AddCommand(commands.RunCmd)
	rootCmd.AddCommand(commands.ScheduleCmd)
	rootCmd.AddCommand(commands.DLQCmd)
	rootCmd.AddCommand(commands.AlertCmd)
	rootCmd.AddCommand(commands.AmCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		pterm.Error.Println(err.Error())
		for _, hint := range errors.GetAllHints(err) {
			pterm.Info.Println(hint)
		}
		os.Exit(1)
	}
}
