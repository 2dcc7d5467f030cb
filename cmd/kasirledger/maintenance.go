package main

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"kasirledger/internal/config"
	"kasirledger/internal/maintenance"
)

var maintenanceCmd = &cobra.Command{
	Use:   "maintenance",
	Short: "Run ledger maintenance tasks",
	Long: `Run ledger maintenance tasks against the configured repository.

Examples:
  kasirledger maintenance list
  kasirledger maintenance run purge-idempotency
  kasirledger maintenance run reconcile-stock --timeout 5m`,
}

var maintenanceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List maintenance tasks",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRunner(cmd, time.Minute, func(_ context.Context, runner *maintenance.Runner) error {
			for _, task := range runner.Tasks() {
				fmt.Fprintf(cmd.OutOrStdout(), "%-20s %s\n", task.Name, task.Summary)
			}
			return nil
		})
	},
}

var maintenanceRunCmd = &cobra.Command{
	Use:   "run [task]",
	Short: "Run one maintenance task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		timeout, _ := cmd.Flags().GetDuration("timeout")
		return withRunner(cmd, timeout, func(ctx context.Context, runner *maintenance.Runner) error {
			result, err := runner.Run(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), formatResult(result))
			return nil
		})
	},
}

func init() {
	maintenanceRunCmd.Flags().DurationP("timeout", "t", 2*time.Minute, "Abort the task after this long")
	maintenanceCmd.AddCommand(maintenanceListCmd, maintenanceRunCmd)
	rootCmd.AddCommand(maintenanceCmd)
}

func withRunner(cmd *cobra.Command, timeout time.Duration, fn func(ctx context.Context, runner *maintenance.Runner) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	rt, err := buildRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.close()
	return fn(ctx, rt.service.Maintenance())
}

func formatResult(result maintenance.Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: removed=%d", result.Task, result.Removed)
	keys := make([]string, 0, len(result.Details))
	for key := range result.Details {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	for _, key := range keys {
		fmt.Fprintf(&b, " %s=%d", key, result.Details[key])
	}
	fmt.Fprintf(&b, " took=%s", result.Took.Round(time.Millisecond))
	return b.String()
}
