/*
Package sqlite provides a SQLite-backed DocumentStore and ReminderLog.

PURPOSE:
  Persists debtor documents (profile + embedded transaction array) and the
  reminder log in SQLite, and streams a full-record snapshot after every
  successful write.

INTERFACES IMPLEMENTED:
  ledger.DocumentStore: Debtor documents, whole-record Put, change stream
  ledger.ReminderLog:   Reminder dispatch outcomes

WHOLE-RECORD WRITES:
  Put replaces the debtor row and rewrites its transaction rows inside one
  SQL transaction, mirroring a document store that has no partial update.
  The array order is kept in the position column; ordering for the fold is
  the engine's job, not the store's.

REVISIONS:
  A single-row counter (revision_seq) is bumped inside every Put and Delete,
  so revisions grow monotonically across all debtors.

AMOUNTS:
  Transaction amounts are stored as TEXT (strconv 'g' format). NaN and Inf
  round-trip unchanged so the fold can report them as data-quality warnings.

KEY TABLES:
  debtors:       One row per debtor document
  transactions:  Embedded array rows (ON DELETE CASCADE)
  reminders:     Append-only dispatch log (ON DELETE CASCADE)
  revision_seq:  Store-wide revision counter

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better concurrency:
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

MIGRATION:
  Versioned migrations are embedded (migrations/*.sql) and applied with
  golang-migrate on New(). Migrate() runs them standalone for the CLI.

USAGE:
  store, err := sqlite.New("./data/debtledger.db", log)
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - ledger/store.go: Interface definitions
  - ledger/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/warp/debt-ledger/ledger"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store implements ledger.DocumentStore and ledger.ReminderLog using SQLite.
type Store struct {
	db   *sql.DB
	mu   sync.RWMutex
	feed *ledger.Feed
	log  logrus.FieldLogger
}

var (
	_ ledger.DocumentStore = (*Store)(nil)
	_ ledger.ReminderLog   = (*Store)(nil)
)

// New opens the database at dbPath and applies pending migrations.
func New(dbPath string, log logrus.FieldLogger) (*Store, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	db, err := open(dbPath)
	if err != nil {
		return nil, err
	}

	store := &Store{
		db:   db,
		feed: ledger.NewFeed(256),
		log:  log.WithField("component", "sqlite"),
	}
	if _, err := migrateUp(db, store.log); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Migrate applies pending migrations to the database at dbPath and returns
// the resulting schema version.
func Migrate(dbPath string, log logrus.FieldLogger) (uint, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	db, err := open(dbPath)
	if err != nil {
		return 0, err
	}
	defer db.Close()
	return migrateUp(db, log.WithField("component", "sqlite"))
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func open(dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return db, nil
}

// migrateUp runs the embedded migrations. The migrate instance is not
// closed: its database driver would close the shared *sql.DB.
func migrateUp(db *sql.DB, log logrus.FieldLogger) (uint, error) {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return 0, fmt.Errorf("failed to load migrations: %w", err)
	}
	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return 0, fmt.Errorf("failed to create sqlite3 driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return 0, fmt.Errorf("failed to create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return 0, fmt.Errorf("migration up failed: %w", err)
	}
	version, dirty, err := m.Version()
	if err != nil {
		return 0, fmt.Errorf("failed to get migration version: %w", err)
	}
	if dirty {
		return version, fmt.Errorf("database schema is dirty at version %d", version)
	}
	log.WithField("version", version).Debug("schema up to date")
	return version, nil
}

// =============================================================================
// DOCUMENT STORE (ledger.DocumentStore interface)
// =============================================================================

// Get returns one debtor document.
func (s *Store) Get(ctx context.Context, id ledger.DebtorID) (ledger.DebtorRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, phone_number, credit_limit, revision, updated_at
		FROM debtors WHERE id = ?
	`, id)
	rec, err := s.scanDebtor(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.DebtorRecord{}, ledger.ErrDebtorNotFound
	}
	if err != nil {
		return ledger.DebtorRecord{}, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT debtor_id, id, timestamp, kind, amount, note
		FROM transactions WHERE debtor_id = ? ORDER BY position
	`, id)
	if err != nil {
		return ledger.DebtorRecord{}, err
	}
	defer rows.Close()

	for rows.Next() {
		_, tx, err := s.scanTransaction(rows)
		if err != nil {
			return ledger.DebtorRecord{}, err
		}
		rec.Transactions = append(rec.Transactions, tx)
	}
	return rec, rows.Err()
}

// List returns every debtor document ordered by id.
func (s *Store) List(ctx context.Context) ([]ledger.DebtorRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, phone_number, credit_limit, revision, updated_at
		FROM debtors ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	var records []ledger.DebtorRecord
	index := make(map[ledger.DebtorID]int)
	for rows.Next() {
		rec, err := s.scanDebtor(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		index[rec.ID] = len(records)
		records = append(records, rec)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	txRows, err := s.db.QueryContext(ctx, `
		SELECT debtor_id, id, timestamp, kind, amount, note
		FROM transactions ORDER BY debtor_id, position
	`)
	if err != nil {
		return nil, err
	}
	defer txRows.Close()

	for txRows.Next() {
		debtorID, tx, err := s.scanTransaction(txRows)
		if err != nil {
			return nil, err
		}
		if i, ok := index[debtorID]; ok {
			records[i].Transactions = append(records[i].Transactions, tx)
		}
	}
	return records, txRows.Err()
}

// Put replaces the debtor document atomically and publishes the result.
func (s *Store) Put(ctx context.Context, rec ledger.DebtorRecord) (ledger.DebtorRecord, error) {
	stored := rec.Clone()
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rev, err := nextRevision(ctx, tx)
		if err != nil {
			return err
		}
		stored.Revision = rev

		_, err = tx.ExecContext(ctx, `
			INSERT INTO debtors (id, name, phone_number, credit_limit, revision, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				name = excluded.name,
				phone_number = excluded.phone_number,
				credit_limit = excluded.credit_limit,
				revision = excluded.revision,
				updated_at = excluded.updated_at
		`,
			stored.ID,
			stored.Name,
			stored.PhoneNumber,
			stored.CreditLimit.String(),
			stored.Revision,
			stored.UpdatedAt.Format(time.RFC3339Nano),
		)
		if err != nil {
			return fmt.Errorf("failed to upsert debtor: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM transactions WHERE debtor_id = ?`, stored.ID); err != nil {
			return fmt.Errorf("failed to clear transactions: %w", err)
		}
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO transactions (debtor_id, position, id, timestamp, kind, amount, note)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for i, t := range stored.Transactions {
			_, err := stmt.ExecContext(ctx,
				stored.ID,
				i,
				t.ID,
				t.Timestamp.UTC().Format(time.RFC3339Nano),
				t.Kind,
				formatAmount(t.Amount),
				t.Note,
			)
			if err != nil {
				return fmt.Errorf("failed to insert transaction %s: %w", t.ID, err)
			}
		}
		return nil
	})
	s.mu.Unlock()
	if err != nil {
		return ledger.DebtorRecord{}, err
	}

	s.feed.Publish(ledger.Snapshot{Record: stored.Clone()})
	return stored, nil
}

// Delete removes the debtor; transactions and reminders cascade.
func (s *Store) Delete(ctx context.Context, id ledger.DebtorID) error {
	var rev int64

	s.mu.Lock()
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `DELETE FROM debtors WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("failed to delete debtor: %w", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ledger.ErrDebtorNotFound
		}
		rev, err = nextRevision(ctx, tx)
		return err
	})
	s.mu.Unlock()
	if err != nil {
		return err
	}

	s.feed.Publish(ledger.Snapshot{Record: ledger.DebtorRecord{ID: id, Revision: rev}, Deleted: true})
	return nil
}

// Changes streams snapshots of writes made through this Store.
func (s *Store) Changes(ctx context.Context) (<-chan ledger.Snapshot, error) {
	return s.feed.Subscribe(ctx), nil
}

// =============================================================================
// REMINDER LOG (ledger.ReminderLog interface)
// =============================================================================

// AppendReminder logs a dispatch outcome. ErrDebtorNotFound if the debtor
// has been deleted.
func (s *Store) AppendReminder(ctx context.Context, entry ledger.ReminderEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO reminders (debtor_id, transition, outcome, message, error, created_at)
		SELECT ?, ?, ?, ?, ?, ?
		WHERE EXISTS (SELECT 1 FROM debtors WHERE id = ?)
	`,
		entry.DebtorID,
		entry.Transition,
		entry.Outcome,
		entry.Message,
		entry.Error,
		entry.CreatedAt.Format(time.RFC3339Nano),
		entry.DebtorID,
	)
	if err != nil {
		return fmt.Errorf("failed to append reminder: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ledger.ErrDebtorNotFound
	}
	return nil
}

// Reminders returns the debtor's reminder log, oldest first.
func (s *Store) Reminders(ctx context.Context, id ledger.DebtorID) ([]ledger.ReminderEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM debtors WHERE id = ?`, id).Scan(&exists)
	if err != nil {
		return nil, err
	}
	if exists == 0 {
		return nil, ledger.ErrDebtorNotFound
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT transition, outcome, message, error, created_at
		FROM reminders WHERE debtor_id = ? ORDER BY id
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []ledger.ReminderEntry{}
	for rows.Next() {
		e := ledger.ReminderEntry{DebtorID: id}
		var transition, createdAt string
		if err := rows.Scan(&transition, &e.Outcome, &e.Message, &e.Error, &createdAt); err != nil {
			return nil, err
		}
		e.Transition = ledger.Transition(transition)
		e.CreatedAt = s.parseTime(createdAt, logrus.Fields{"debtor_id": id, "column": "created_at"})
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// =============================================================================
// HELPERS
// =============================================================================

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(sqlTx); err != nil {
		sqlTx.Rollback()
		return err
	}
	return sqlTx.Commit()
}

func nextRevision(ctx context.Context, tx *sql.Tx) (int64, error) {
	if _, err := tx.ExecContext(ctx, `UPDATE revision_seq SET value = value + 1 WHERE id = 1`); err != nil {
		return 0, fmt.Errorf("failed to bump revision: %w", err)
	}
	var rev int64
	if err := tx.QueryRowContext(ctx, `SELECT value FROM revision_seq WHERE id = 1`).Scan(&rev); err != nil {
		return 0, fmt.Errorf("failed to read revision: %w", err)
	}
	return rev, nil
}

type scanner interface {
	Scan(dest ...any) error
}

// scanDebtor never fails on malformed columns: an unparseable credit_limit
// becomes zero (repairable through a profile update) rather than hiding the
// debtor from List.
func (s *Store) scanDebtor(row scanner) (ledger.DebtorRecord, error) {
	var (
		rec       ledger.DebtorRecord
		limit     string
		updatedAt string
	)
	if err := row.Scan(&rec.ID, &rec.Name, &rec.PhoneNumber, &limit, &rec.Revision, &updatedAt); err != nil {
		return ledger.DebtorRecord{}, err
	}
	l, err := decimal.NewFromString(limit)
	if err != nil {
		s.log.WithError(ledger.ErrInvariantViolation).WithFields(logrus.Fields{
			"debtor_id":    rec.ID,
			"credit_limit": limit,
		}).Error("unparseable credit limit, clamping to 0")
		l = decimal.Zero
	}
	rec.CreditLimit = l
	rec.UpdatedAt = s.parseTime(updatedAt, logrus.Fields{"debtor_id": rec.ID, "column": "updated_at"})
	return rec, nil
}

// scanTransaction never fails on a bad amount: unparseable text becomes NaN
// and is skipped by the fold.
func (s *Store) scanTransaction(rows *sql.Rows) (ledger.DebtorID, ledger.Transaction, error) {
	var (
		debtorID  ledger.DebtorID
		tx        ledger.Transaction
		timestamp string
		amount    string
	)
	if err := rows.Scan(&debtorID, &tx.ID, &timestamp, &tx.Kind, &amount, &tx.Note); err != nil {
		return "", ledger.Transaction{}, err
	}
	tx.Timestamp = s.parseTime(timestamp, logrus.Fields{
		"debtor_id":      debtorID,
		"transaction_id": tx.ID,
		"column":         "timestamp",
	})
	tx.Amount = parseAmount(amount)
	return debtorID, tx, nil
}

// parseTime reads a stored RFC 3339 timestamp. Empty means unset; anything
// else that fails to parse is logged and read as the zero time.
func (s *Store) parseTime(value string, fields logrus.Fields) time.Time {
	if value == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		s.log.WithError(err).WithFields(fields).WithField("value", value).Warn("data quality: unparseable timestamp")
		return time.Time{}
	}
	return t
}

func formatAmount(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func parseAmount(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		// ParseFloat returns ±Inf with a range error; keep that, it is
		// already reported by the fold.
		var numErr *strconv.NumError
		if errors.As(err, &numErr) && errors.Is(numErr.Err, strconv.ErrRange) {
			return v
		}
		return math.NaN()
	}
	return v
}
