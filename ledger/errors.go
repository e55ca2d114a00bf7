/*
errors.go - Centralized error types for the ledger engine

ERROR CATEGORIES:
  1. DataQualityWarning   - Malformed transaction; skipped and logged, never fatal
  2. NotFound             - Operation on a debtor that does not exist (not retried)
  3. StoreWriteFailure    - Transient store error; surfaced, retried only by the user
  4. InvariantViolation   - Impossible derived state; clamped, logged, continue
  5. Validation           - Bad input on the write path

Generator failures live in the reminder package.

USAGE:
  if ledger.IsNotFound(err) { ... 404 ... }
  if errors.Is(err, ledger.ErrStoreWrite) { ... ask the user to retry ... }
*/
package ledger

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrDebtorNotFound is returned when an operation targets a debtor that
	// no longer exists (or never did).
	ErrDebtorNotFound = errors.New("debtor not found")

	// ErrStoreWrite marks a failed store mutation. The write is NOT retried
	// automatically, since a blind retry can duplicate a transaction.
	ErrStoreWrite = errors.New("store write failed")

	// ErrInvalidTransaction is returned when a new transaction is rejected
	// on the write path (bad amount, unknown or legacy kind).
	ErrInvalidTransaction = errors.New("invalid transaction")

	// ErrInvalidProfile is returned for a bad name, phone number or limit.
	ErrInvalidProfile = errors.New("invalid debtor profile")

	// ErrInvariantViolation marks derived state that should be impossible.
	ErrInvariantViolation = errors.New("ledger invariant violated")

	// ErrLockNotObtained is returned when the per-debtor write lock is held elsewhere.
	ErrLockNotObtained = errors.New("debtor lock not obtained")

	// ErrDataQuality is the sentinel every DataQualityWarning unwraps to.
	ErrDataQuality = errors.New("data quality warning")
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

// DataQualityWarning reports a transaction excluded from the fold.
type DataQualityWarning struct {
	TransactionID TransactionID
	Reason        string
}

func (w *DataQualityWarning) Error() string {
	return fmt.Sprintf("transaction %s skipped: %s", w.TransactionID, w.Reason)
}

func (w *DataQualityWarning) Unwrap() error { return ErrDataQuality }

// StoreWriteError wraps a failed store mutation. It matches both
// ErrStoreWrite and the underlying cause.
type StoreWriteError struct {
	Op       string
	DebtorID DebtorID
	Err      error
}

func (e *StoreWriteError) Error() string {
	return fmt.Sprintf("%s debtor %s: %v", e.Op, e.DebtorID, e.Err)
}

func (e *StoreWriteError) Unwrap() []error { return []error{ErrStoreWrite, e.Err} }

// ValidationError describes rejected input on the write path.
type ValidationError struct {
	Field  string
	Reason string
	kind   error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%v: %s %s", e.kind, e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return e.kind }

func invalidTransaction(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason, kind: ErrInvalidTransaction}
}

func invalidProfile(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason, kind: ErrInvalidProfile}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsNotFound reports whether err means the debtor does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrDebtorNotFound)
}

// IsClientError reports whether err is caused by invalid caller input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidTransaction) ||
		errors.Is(err, ErrInvalidProfile)
}

// IsStoreWriteFailure reports whether err is a transient store failure the
// user may retry manually.
func IsStoreWriteFailure(err error) bool {
	return errors.Is(err, ErrStoreWrite) || errors.Is(err, ErrLockNotObtained)
}
