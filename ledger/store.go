/*
store.go - Document store contract

PURPOSE:
  Defines the boundary between the engine and whatever persists debtor
  documents. The store is NOT trusted for ordering or exactly-once delivery:
  change notifications may arrive late, twice, or out of order.

KEY INTERFACES:
  DocumentStore: Debtor documents keyed by id, whole-record writes, change stream
  ReminderLog:   Append-only log of reminder dispatch outcomes
  Locker:        Per-debtor mutual exclusion for read-modify-write

WRITE MODEL:
  Adding a transaction is read-modify-write of the whole embedded array.
  Two concurrent writers may race; the last write wins at the store and the
  next snapshot reconciles every client.

IMPLEMENTATIONS:
  - ledger/store/memory.go: In-memory (dev/test)
  - store/sqlite/sqlite.go: SQLite
  - store/pubsub: Cross-instance change-stream transport

SEE ALSO:
  - writer.go: The write path built on DocumentStore
  - feed.go: Fan-out helper stores use for Changes()
*/
package ledger

import (
	"context"
	"time"
)

// =============================================================================
// DOCUMENT STORE
// =============================================================================

// DocumentStore persists debtor documents and streams full-record snapshots.
type DocumentStore interface {
	// Get returns the debtor document or ErrDebtorNotFound.
	Get(ctx context.Context, id DebtorID) (DebtorRecord, error)

	// List returns every debtor document of the business.
	List(ctx context.Context) ([]DebtorRecord, error)

	// Put replaces the whole document (creating it if absent) and returns it
	// as stored, with a new Revision.
	Put(ctx context.Context, rec DebtorRecord) (DebtorRecord, error)

	// Delete removes the debtor and all of its transactions. No soft delete.
	// Returns ErrDebtorNotFound if absent.
	Delete(ctx context.Context, id DebtorID) error

	// Changes streams a snapshot after every successful Put or Delete until
	// ctx is done, then closes the channel.
	Changes(ctx context.Context) (<-chan Snapshot, error)
}

// =============================================================================
// REMINDER LOG
// =============================================================================

// ReminderEntry records the outcome of one dispatch attempt.
type ReminderEntry struct {
	DebtorID   DebtorID
	Transition Transition
	Outcome    string
	Message    string
	Error      string
	CreatedAt  time.Time
}

// ReminderLog stores dispatch outcomes. Append returns ErrDebtorNotFound if
// the debtor has been deleted; callers treat that as a no-op.
type ReminderLog interface {
	AppendReminder(ctx context.Context, entry ReminderEntry) error
	Reminders(ctx context.Context, id DebtorID) ([]ReminderEntry, error)
}

// =============================================================================
// LOCKER
// =============================================================================

// Locker serializes writers of one debtor. Lock blocks until the key is held
// or ctx is done and returns the release function.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}
