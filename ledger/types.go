/*
Package ledger provides the debt ledger engine.

PURPOSE:
  Tracks, for each debtor of a small business, a running balance derived
  from an append-only set of transactions, and detects the moment that
  balance crosses the debtor's credit limit.

KEY CONCEPTS IN THIS FILE (types.go):
  - Kind: What a transaction does to the balance (increase or decrease)
  - Transaction: A single ledger entry as delivered by the document store
  - DebtorRecord: The persisted debtor document (profile + embedded transactions)
  - Snapshot: A full-record change notification (never a diff)

DESIGN PRINCIPLES:
  1. Balance is never stored: it is always folded from the transaction set
  2. Precision: money is decimal.Decimal, rounded to 2 places per fold step
  3. Raw amounts stay float64 until the fold, so malformed store data (NaN,
     Inf, negative) can be detected and skipped instead of crashing

SEE ALSO:
  - order.go: Deterministic transaction ordering
  - arithmetic.go: Balance fold
  - breach.go: Limit-crossing classification
  - debtor.go: The Debtor aggregate
*/
package ledger

import (
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type DebtorID string
type TransactionID string

// =============================================================================
// KIND - What a transaction does to the balance
// =============================================================================

type Kind string

const (
	KindNewCredit          Kind = "new_credit"
	KindPayment            Kind = "payment"
	KindAdjustmentIncrease Kind = "adjustment_increase"
	KindAdjustmentDecrease Kind = "adjustment_decrease"
	KindFullSettlement     Kind = "full_settlement"

	// KindInitialBalance is legacy. It increases the balance and is kept only
	// so historical records still fold; new transactions of this kind are rejected.
	KindInitialBalance Kind = "initial_balance"
)

// IsValid reports whether k is a known kind.
func (k Kind) IsValid() bool {
	return k.IsIncrease() || k.IsDecrease()
}

// IsIncrease reports whether the kind adds its amount to the balance.
func (k Kind) IsIncrease() bool {
	switch k {
	case KindNewCredit, KindAdjustmentIncrease, KindInitialBalance:
		return true
	}
	return false
}

// IsDecrease reports whether the kind subtracts its amount from the balance.
func (k Kind) IsDecrease() bool {
	switch k {
	case KindPayment, KindAdjustmentDecrease, KindFullSettlement:
		return true
	}
	return false
}

// Creatable reports whether new transactions of this kind may be written.
func (k Kind) Creatable() bool {
	return k.IsValid() && k != KindInitialBalance
}

// =============================================================================
// TRANSACTION - One ledger entry
// =============================================================================

// Transaction is a single entry in a debtor's ledger.
//
// Amount is non-negative; its sign comes from Kind. It is kept as the raw
// float the store delivered so that malformed values survive decoding and
// can be reported as data-quality warnings during the fold.
type Transaction struct {
	ID        TransactionID
	Timestamp time.Time
	Kind      Kind
	Amount    float64
	Note      string
}

// amountValid reports whether the amount is finite and non-negative.
func (t Transaction) amountValid() bool {
	return !math.IsNaN(t.Amount) && !math.IsInf(t.Amount, 0) && t.Amount >= 0
}

// Signed returns the amount as a signed decimal (negative for decreasing kinds).
// Callers must have checked validity first.
func (t Transaction) Signed() decimal.Decimal {
	d := decimal.NewFromFloat(t.Amount)
	if t.Kind.IsDecrease() {
		return d.Neg()
	}
	return d
}

// =============================================================================
// DEBTOR RECORD - The persisted document
// =============================================================================

// DebtorRecord is the debtor document as held by the document store.
// Transactions are embedded; writes replace the whole array.
type DebtorRecord struct {
	ID           DebtorID
	Name         string
	PhoneNumber  string // optional; empty = no contact channel
	CreditLimit  decimal.Decimal
	Transactions []Transaction

	// Revision is stamped by the store on every successful write and only
	// ever grows. Zero means the store does not version records.
	Revision  int64
	UpdatedAt time.Time
}

// Clone returns a deep copy, so callers can mutate the transaction slice.
func (r DebtorRecord) Clone() DebtorRecord {
	out := r
	out.Transactions = append([]Transaction(nil), r.Transactions...)
	return out
}

// HasTransaction reports whether a transaction with the given id is embedded.
func (r DebtorRecord) HasTransaction(id TransactionID) bool {
	for _, tx := range r.Transactions {
		if tx.ID == id {
			return true
		}
	}
	return false
}

// Profile is the non-ledger part of a debtor.
type Profile struct {
	Name        string
	PhoneNumber string
	CreditLimit decimal.Decimal
}

// Profile extracts the profile fields of the record.
func (r DebtorRecord) Profile() Profile {
	return Profile{Name: r.Name, PhoneNumber: r.PhoneNumber, CreditLimit: r.CreditLimit}
}

// HasContact reports whether the debtor can be reached.
func (p Profile) HasContact() bool {
	return p.PhoneNumber != ""
}

// =============================================================================
// SNAPSHOT - Change notification
// =============================================================================

// Snapshot is a complete, point-in-time representation of a debtor record
// delivered by the store's change stream. Deleted snapshots are tombstones:
// only Record.ID (and Record.Revision, if versioned) are meaningful.
type Snapshot struct {
	Record  DebtorRecord
	Deleted bool
}
