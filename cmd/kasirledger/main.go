package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "kasirledger",
	Short: "POS sale processing and ledger engine",
	Long: `kasirledger serves the cashier API and runs ledger maintenance.

Configuration is read from the file named by KASIRLEDGER_CONFIG (TOML)
and then from the environment.`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
