/*
writer.go - Store mutations

PURPOSE:
  The only code that writes debtor documents. Each mutation is a
  read-modify-write of the whole document under a per-debtor lock.

FAILURE POLICY:
  - Missing debtor:   ErrDebtorNotFound, not retried
  - Store failure:    *StoreWriteError (ErrStoreWrite), surfaced to the caller,
                      NEVER retried automatically (a retry could duplicate a
                      transaction the store did persist)
  - Bad input:        *ValidationError (ErrInvalidTransaction / ErrInvalidProfile)

IDEMPOTENCY:
  AddTransaction with an id already embedded in the document is accepted
  without a write. Clients can safely resend after a timeout.

SEE ALSO:
  - store.go: DocumentStore, Locker
  - store/redis: Distributed Locker for multi-instance deployments
*/
package ledger

import (
	"context"
	"errors"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/ttacon/libphonenumber"
)

// DefaultRegion is the phone-number region used when none is configured.
const DefaultRegion = "US"

// Writer performs validated, serialized mutations against a DocumentStore.
type Writer struct {
	Store  DocumentStore
	Locker Locker
	Region string
	Now    func() time.Time
	NewID  func() string

	log logrus.FieldLogger
}

// NewWriter creates a writer with an in-process lock.
func NewWriter(store DocumentStore, log logrus.FieldLogger) *Writer {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Writer{
		Store:  store,
		Locker: NewKeyedMutex(),
		Region: DefaultRegion,
		Now:    func() time.Time { return time.Now().UTC() },
		NewID:  uuid.NewString,
		log:    log.WithField("component", "writer"),
	}
}

// =============================================================================
// DEBTORS
// =============================================================================

// CreateDebtorInput describes a new debtor. ID is generated when empty.
type CreateDebtorInput struct {
	ID          DebtorID
	Name        string
	PhoneNumber string
	CreditLimit decimal.Decimal
}

// CreateDebtor persists a new debtor with no transactions. The aggregate
// comes into existence when the resulting snapshot is observed.
func (w *Writer) CreateDebtor(ctx context.Context, in CreateDebtorInput) (DebtorRecord, error) {
	if strings.TrimSpace(in.Name) == "" {
		return DebtorRecord{}, invalidProfile("name", "must not be empty")
	}
	if in.CreditLimit.IsNegative() {
		return DebtorRecord{}, invalidProfile("credit_limit", "must be >= 0")
	}
	phone, err := NormalizePhone(in.PhoneNumber, w.Region)
	if err != nil {
		return DebtorRecord{}, err
	}
	if in.ID == "" {
		in.ID = DebtorID(w.NewID())
	}

	unlock, err := w.lock(ctx, in.ID)
	if err != nil {
		return DebtorRecord{}, err
	}
	defer unlock()

	stored, err := w.Store.Put(ctx, DebtorRecord{
		ID:          in.ID,
		Name:        strings.TrimSpace(in.Name),
		PhoneNumber: phone,
		CreditLimit: in.CreditLimit,
		UpdatedAt:   w.Now(),
	})
	if err != nil {
		return DebtorRecord{}, &StoreWriteError{Op: "create", DebtorID: in.ID, Err: err}
	}
	w.log.WithField("debtor_id", in.ID).Info("debtor created")
	return stored, nil
}

// UpdateProfile changes name, phone or limit. Transactions are untouched.
func (w *Writer) UpdateProfile(ctx context.Context, id DebtorID, u ProfileUpdate) (DebtorRecord, error) {
	if u.Name != nil {
		trimmed := strings.TrimSpace(*u.Name)
		if trimmed == "" {
			return DebtorRecord{}, invalidProfile("name", "must not be empty")
		}
		u.Name = &trimmed
	}
	if u.CreditLimit != nil && u.CreditLimit.IsNegative() {
		return DebtorRecord{}, invalidProfile("credit_limit", "must be >= 0")
	}
	if u.PhoneNumber != nil {
		phone, err := NormalizePhone(*u.PhoneNumber, w.Region)
		if err != nil {
			return DebtorRecord{}, err
		}
		u.PhoneNumber = &phone
	}

	return w.modify(ctx, id, "update_profile", func(rec *DebtorRecord) (bool, error) {
		if u.Name != nil {
			rec.Name = *u.Name
		}
		if u.PhoneNumber != nil {
			rec.PhoneNumber = *u.PhoneNumber
		}
		if u.CreditLimit != nil {
			rec.CreditLimit = *u.CreditLimit
		}
		return true, nil
	})
}

// DeleteDebtor removes the debtor and its whole ledger.
func (w *Writer) DeleteDebtor(ctx context.Context, id DebtorID) error {
	unlock, err := w.lock(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	if err := w.Store.Delete(ctx, id); err != nil {
		if IsNotFound(err) {
			return err
		}
		return &StoreWriteError{Op: "delete", DebtorID: id, Err: err}
	}
	w.log.WithField("debtor_id", id).Info("debtor deleted")
	return nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// AddTransaction appends tx to the debtor's embedded array. It returns the
// transaction as persisted (id and timestamp filled in) and whether a write
// happened; false means the id was already present.
func (w *Writer) AddTransaction(ctx context.Context, id DebtorID, tx Transaction) (Transaction, bool, error) {
	if err := ValidateNewTransaction(tx); err != nil {
		return Transaction{}, false, err
	}
	if tx.ID == "" {
		tx.ID = TransactionID(w.NewID())
	}
	if tx.Timestamp.IsZero() {
		tx.Timestamp = w.Now()
	}

	written := false
	_, err := w.modify(ctx, id, "add_transaction", func(rec *DebtorRecord) (bool, error) {
		if rec.HasTransaction(tx.ID) {
			return false, nil
		}
		rec.Transactions = append(rec.Transactions, tx)
		written = true
		return true, nil
	})
	if err != nil {
		return Transaction{}, false, err
	}

	w.log.WithFields(logrus.Fields{
		"debtor_id":      id,
		"transaction_id": tx.ID,
		"kind":           tx.Kind,
		"written":        written,
	}).Info("transaction added")
	return tx, written, nil
}

// ValidateNewTransaction checks a transaction about to be written. Reads are
// lenient (the fold skips bad data); writes are strict.
func ValidateNewTransaction(tx Transaction) error {
	if !tx.Kind.IsValid() {
		return invalidTransaction("kind", "unknown kind "+string(tx.Kind))
	}
	if !tx.Kind.Creatable() {
		return invalidTransaction("kind", string(tx.Kind)+" is legacy and cannot be created")
	}
	if math.IsNaN(tx.Amount) || math.IsInf(tx.Amount, 0) {
		return invalidTransaction("amount", "must be finite")
	}
	if tx.Amount < 0 {
		return invalidTransaction("amount", "must be >= 0")
	}
	return nil
}

// =============================================================================
// CONTACT
// =============================================================================

// NormalizePhone validates a phone number and formats it as E.164. Empty input
// means "no contact channel" and is returned unchanged.
func NormalizePhone(raw, region string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", nil
	}
	if region == "" {
		region = DefaultRegion
	}
	num, err := libphonenumber.Parse(raw, region)
	if err != nil {
		return "", invalidProfile("phone_number", err.Error())
	}
	if !libphonenumber.IsValidNumber(num) {
		return "", invalidProfile("phone_number", "is not a valid number")
	}
	return libphonenumber.Format(num, libphonenumber.E164), nil
}

// =============================================================================
// INTERNALS
// =============================================================================

func (w *Writer) lock(ctx context.Context, id DebtorID) (func(), error) {
	unlock, err := w.Locker.Lock(ctx, "debtor:"+string(id))
	if err != nil {
		if errors.Is(err, ErrLockNotObtained) {
			return nil, err
		}
		return nil, &StoreWriteError{Op: "lock", DebtorID: id, Err: err}
	}
	return unlock, nil
}

// modify runs read-modify-write under the debtor lock. fn reports whether
// the document changed; unchanged documents are not written.
func (w *Writer) modify(ctx context.Context, id DebtorID, op string, fn func(*DebtorRecord) (bool, error)) (DebtorRecord, error) {
	unlock, err := w.lock(ctx, id)
	if err != nil {
		return DebtorRecord{}, err
	}
	defer unlock()

	current, err := w.Store.Get(ctx, id)
	if err != nil {
		if IsNotFound(err) {
			return DebtorRecord{}, err
		}
		return DebtorRecord{}, &StoreWriteError{Op: op, DebtorID: id, Err: err}
	}

	rec := current.Clone()
	changed, err := fn(&rec)
	if err != nil {
		return DebtorRecord{}, err
	}
	if !changed {
		return current, nil
	}

	rec.UpdatedAt = w.Now()
	stored, err := w.Store.Put(ctx, rec)
	if err != nil {
		return DebtorRecord{}, &StoreWriteError{Op: op, DebtorID: id, Err: err}
	}
	return stored, nil
}
