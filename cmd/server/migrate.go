package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/warp/debt-ledger/store/sqlite"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending SQLite migrations and exit",
	Args:  cobra.NoArgs,
	RunE:  runMigrate,
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfg, log, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.Store.Driver != "sqlite" {
		return errors.New("migrate needs store.driver = \"sqlite\"")
	}

	version, err := sqlite.Migrate(cfg.Store.Path, log)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s migrated to version %d\n", cfg.Store.Path, version)
	return nil
}
