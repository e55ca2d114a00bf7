package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/warp/debt-ledger/ledger"
)

// ─── balance ────────────────────────────────────────────────────────────────

var balanceCmd = &cobra.Command{
	Use:   "balance DEBTOR_ID",
	Short: "Print a debtor's running balance from the store",
	Long: `Read one debtor document from the configured store and fold its
transactions in ledger order. Prints the balance after every transaction,
any skipped transactions, and whether the debtor is over their credit limit.`,
	Args: cobra.ExactArgs(1),
	RunE: runBalance,
}

func runBalance(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	st, err := openStore(cfg.Store, log)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	if c, ok := st.(interface{ Close() error }); ok {
		defer c.Close()
	}

	rec, err := st.Get(cmd.Context(), ledger.DebtorID(args[0]))
	if err != nil {
		return err
	}
	return printBalance(cmd.OutOrStdout(), rec, ledger.Rounding(cfg.Ledger.Rounding))
}

// printBalance writes the running-balance trace of rec to w.
func printBalance(w io.Writer, rec ledger.DebtorRecord, rounding ledger.Rounding) error {
	result := ledger.Fold(rec.Transactions, rounding)

	fmt.Fprintf(w, "%s (%s)\n\n", rec.Name, rec.ID)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIMESTAMP\tKIND\tAMOUNT\tBALANCE")
	for _, step := range result.Steps {
		tx := step.Transaction
		fmt.Fprintf(tw, "%s\t%s\t%g\t%s\n",
			tx.Timestamp.UTC().Format("2006-01-02 15:04:05"), tx.Kind, tx.Amount, step.Balance.StringFixed(ledger.MoneyPlaces))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	for _, warn := range result.Warnings {
		fmt.Fprintf(w, "warning: %s\n", warn.Error())
	}

	status := "within limit"
	if ledger.IsOverLimit(result.Balance, rec.CreditLimit) {
		status = "OVER LIMIT"
	}
	_, err := fmt.Fprintf(w, "\nbalance %s / limit %s: %s\n",
		result.Balance.StringFixed(ledger.MoneyPlaces), rec.CreditLimit.StringFixed(ledger.MoneyPlaces), status)
	return err
}
