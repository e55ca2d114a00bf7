/*
main.go - Application entry point

PURPOSE:
  Command-line entry for the Debt Ledger Engine. One binary, three commands:

    serve      Run the HTTP API, the mirror and the reminder dispatcher
    migrate    Apply SQLite migrations and exit
    balance    Print the running balance of one debtor from the store

CONFIGURATION:
  Every command reads the same configuration (see config/config.go):
  defaults, then --config FILE (TOML), then .env, then DEBTLEDGER_* variables.

EXAMPLES:
  # In-memory store, defaults
  ./server serve

  # SQLite with a config file
  ./server serve -c debt-ledger.toml

  # Migrate a database before the first deploy
  DEBTLEDGER_STORE_PATH=./data/ledger.db ./server migrate

  # Inspect one debtor
  ./server balance 6b0d7c1e-... -c debt-ledger.toml

SEE ALSO:
  - serve.go: Component wiring and graceful shutdown
  - config/config.go: Settings and precedence
*/
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/warp/debt-ledger/config"
	"github.com/warp/debt-ledger/logging"
)

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to a TOML config file")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(balanceCmd)
}

var rootCmd = &cobra.Command{
	Use:   "server",
	Short: "Debt ledger engine",
	Long: `Debt ledger engine: per-debtor ledgers with breach detection and
payment reminders. Balances are always recomputed from the transaction set.`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads the configuration named by --config and builds the logger.
func loadConfig(cmd *cobra.Command) (config.Config, *logrus.Logger, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, logging.Setup(cfg.Log), nil
}
