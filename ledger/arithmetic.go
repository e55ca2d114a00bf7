/*
arithmetic.go - Balance fold

PURPOSE:
  Maps a transaction set to a balance. The set is ordered (order.go) and
  folded left to right starting at zero.

ROUNDING:
  RoundPerStep (default) rounds the running balance to 2 places after EVERY
  step, half away from zero. Running-balance displays depend on matching these
  intermediate values, so this is the legacy behavior and must not change
  for historical data.

  RoundFinal rounds once at the end. Only for deployments that do not need
  bit-for-bit compatibility with historical traces.

MALFORMED DATA:
  A transaction with a NaN, infinite or negative amount, or an unknown kind,
  is skipped and reported as a DataQualityWarning. The fold never aborts.

EXAMPLE:
  [NewCredit 500 @t1, Payment 200 @t2, AdjustmentIncrease 50 @t3]
  → 500.00 → 300.00 → 350.00

SEE ALSO:
  - order.go: Ordering applied before the fold
  - debtor.go: The aggregate re-folds on every read
*/
package ledger

import "github.com/shopspring/decimal"

// MoneyPlaces is the number of decimal places balances are rounded to.
const MoneyPlaces = 2

// Rounding selects when the running balance is rounded.
type Rounding string

const (
	RoundPerStep Rounding = "per_step"
	RoundFinal   Rounding = "final"
)

// IsValid reports whether r is a known rounding mode.
func (r Rounding) IsValid() bool {
	return r == RoundPerStep || r == RoundFinal
}

// Step is one entry of a running-balance trace.
type Step struct {
	Transaction Transaction
	Balance     decimal.Decimal // balance after this transaction
}

// FoldResult is the outcome of folding a transaction set.
type FoldResult struct {
	Balance  decimal.Decimal
	Steps    []Step
	Warnings []*DataQualityWarning
}

// ComputeBalance folds txs with per-step rounding and returns the balance.
// Empty input yields zero. Duplicate ids are not removed; callers guarantee uniqueness.
func ComputeBalance(txs []Transaction) decimal.Decimal {
	return Fold(txs, RoundPerStep).Balance
}

// Fold orders txs and folds them, returning the balance, the running trace
// over the valid transactions, and a warning for each skipped transaction.
func Fold(txs []Transaction, rounding Rounding) FoldResult {
	result := FoldResult{Balance: decimal.Zero}
	if len(txs) == 0 {
		return result
	}

	running := decimal.Zero
	result.Steps = make([]Step, 0, len(txs))

	for _, tx := range Order(txs) {
		if w := validate(tx); w != nil {
			result.Warnings = append(result.Warnings, w)
			continue
		}

		running = running.Add(tx.Signed())
		if rounding != RoundFinal {
			running = running.Round(MoneyPlaces)
		}
		result.Steps = append(result.Steps, Step{Transaction: tx, Balance: running})
	}

	if rounding == RoundFinal {
		running = running.Round(MoneyPlaces)
	}
	result.Balance = running
	return result
}

func validate(tx Transaction) *DataQualityWarning {
	if !tx.Kind.IsValid() {
		return &DataQualityWarning{TransactionID: tx.ID, Reason: "unknown kind " + string(tx.Kind)}
	}
	if !tx.amountValid() {
		return &DataQualityWarning{TransactionID: tx.ID, Reason: "amount is not a finite non-negative number"}
	}
	return nil
}

// RecentIncreases returns the last n valid debt-increasing transactions in
// ledger order, oldest of the window first.
func RecentIncreases(txs []Transaction, n int) []Transaction {
	if n <= 0 {
		return nil
	}
	var increases []Transaction
	for _, tx := range Order(txs) {
		if tx.Kind.IsIncrease() && tx.amountValid() {
			increases = append(increases, tx)
		}
	}
	if len(increases) > n {
		increases = increases[len(increases)-n:]
	}
	return increases
}
