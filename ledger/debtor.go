/*
debtor.go - The Debtor aggregate

PURPOSE:
  The consistency boundary for one debtor: its profile, its transaction set,
  and the breach flag of its last accepted state. Every mutation recomputes
  the balance from the full set and classifies the limit transition.

CRITICAL INVARIANTS:
  1. NO CACHED BALANCE: Balance() re-folds the transaction set on every call.
  2. IDEMPOTENT: Applying a transaction whose id is already present is a no-op.
  3. REBUILD EQUIVALENCE: Incremental ApplyTransaction calls and a single
     RecomputeFromTransactionSet over the same final set give identical results.
  4. STATEFUL FLAG, PURE DETECTOR: the aggregate remembers whether it was over
     its limit; Classify itself holds no state.

CONCURRENCY:
  A Debtor is NOT safe for concurrent use. Its owner (the mirror) serializes
  all mutations for one debtor.

SEE ALSO:
  - breach.go: Classify
  - arithmetic.go: Fold
  - mirror/mirror.go: Owner of all aggregates
*/
package ledger

import (
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Debtor is the aggregate for a single debtor.
type Debtor struct {
	id       DebtorID
	profile  Profile
	txs      map[TransactionID]Transaction
	rounding Rounding
	log      logrus.FieldLogger

	// overLimit is the breach flag as of the last accepted mutation.
	// nil until the first classification, unless a persisted prior was supplied.
	overLimit *bool
}

// DebtorOption configures a Debtor.
type DebtorOption func(*Debtor)

// WithPriorFlag seeds the breach flag from a previously accepted state (for
// example one persisted across restarts), so the first classification is not
// UnknownPrior.
func WithPriorFlag(overLimit bool) DebtorOption {
	return func(d *Debtor) { d.overLimit = &overLimit }
}

// WithRounding selects the fold rounding mode (default RoundPerStep).
func WithRounding(r Rounding) DebtorOption {
	return func(d *Debtor) {
		if r.IsValid() {
			d.rounding = r
		}
	}
}

// WithLogger sets the logger used for data-quality warnings.
func WithLogger(l logrus.FieldLogger) DebtorOption {
	return func(d *Debtor) {
		if l != nil {
			d.log = l
		}
	}
}

// NewDebtor creates an empty aggregate with the given profile.
func NewDebtor(id DebtorID, profile Profile, opts ...DebtorOption) *Debtor {
	d := &Debtor{
		id:       id,
		txs:      make(map[TransactionID]Transaction),
		rounding: RoundPerStep,
		log:      logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.profile = d.sanitizeProfile(profile)
	return d
}

// =============================================================================
// READS
// =============================================================================

func (d *Debtor) ID() DebtorID       { return d.id }
func (d *Debtor) Profile() Profile   { return d.profile }
func (d *Debtor) Len() int           { return len(d.txs) }
func (d *Debtor) Rounding() Rounding { return d.rounding }

// Has reports whether a transaction with the given id is in the set.
func (d *Debtor) Has(id TransactionID) bool {
	_, ok := d.txs[id]
	return ok
}

// Transactions returns the set in ledger order.
func (d *Debtor) Transactions() []Transaction {
	return Order(d.list())
}

// Fold folds the current set. Warnings are returned, not logged.
func (d *Debtor) Fold() FoldResult {
	return Fold(d.list(), d.rounding)
}

// Balance re-folds the transaction set.
func (d *Debtor) Balance() decimal.Decimal {
	return d.Fold().Balance
}

// OverLimit returns the breach flag of the last accepted state and whether
// such a state exists.
func (d *Debtor) OverLimit() (overLimit bool, known bool) {
	if d.overLimit == nil {
		return false, false
	}
	return *d.overLimit, true
}

// =============================================================================
// MUTATIONS
// =============================================================================

// ApplyTransaction adds tx to the set, recomputes the balance and classifies
// the transition against the last accepted breach flag.
//
// Re-applying an id already present changes nothing and returns the steady
// transition for the current state.
func (d *Debtor) ApplyTransaction(tx Transaction) (decimal.Decimal, Transition) {
	if d.Has(tx.ID) {
		balance := d.Balance()
		if over, known := d.OverLimit(); known {
			return balance, Steady(over)
		}
		return balance, Steady(IsOverLimit(balance, d.profile.CreditLimit))
	}

	d.txs[tx.ID] = tx
	return d.reclassify()
}

// ProfileUpdate carries optional profile changes. Nil fields are untouched.
type ProfileUpdate struct {
	Name        *string
	PhoneNumber *string
	CreditLimit *decimal.Decimal
}

// UpdateProfile mutates the profile without touching transactions. A limit
// change re-runs classification against the unchanged balance, so a limit
// decrease alone can produce EnteredBreach.
func (d *Debtor) UpdateProfile(u ProfileUpdate) (Transition, error) {
	if u.Name != nil && *u.Name == "" {
		return "", invalidProfile("name", "must not be empty")
	}
	if u.CreditLimit != nil && u.CreditLimit.IsNegative() {
		return "", invalidProfile("credit_limit", "must be >= 0")
	}

	if u.Name != nil {
		d.profile.Name = *u.Name
	}
	if u.PhoneNumber != nil {
		d.profile.PhoneNumber = *u.PhoneNumber
	}
	if u.CreditLimit == nil || u.CreditLimit.Equal(d.profile.CreditLimit) {
		over, known := d.OverLimit()
		if !known {
			over = IsOverLimit(d.Balance(), d.profile.CreditLimit)
		}
		return Steady(over), nil
	}

	d.profile.CreditLimit = *u.CreditLimit
	_, transition := d.reclassify()
	return transition, nil
}

// RecomputeFromTransactionSet replaces the whole set and reclassifies. Used
// when the store delivers a complete snapshot. Duplicate ids in txs keep the
// first entry in ledger order.
func (d *Debtor) RecomputeFromTransactionSet(txs []Transaction) (decimal.Decimal, Transition) {
	d.replace(txs)
	return d.reclassify()
}

// Rebuild replaces both profile and transaction set from a snapshot and
// classifies once, against the flag held before the snapshot.
func (d *Debtor) Rebuild(profile Profile, txs []Transaction) (decimal.Decimal, Transition) {
	d.profile = d.sanitizeProfile(profile)
	d.replace(txs)
	return d.reclassify()
}

// =============================================================================
// INTERNALS
// =============================================================================

func (d *Debtor) list() []Transaction {
	out := make([]Transaction, 0, len(d.txs))
	for _, tx := range d.txs {
		out = append(out, tx)
	}
	return out
}

func (d *Debtor) replace(txs []Transaction) {
	d.txs = make(map[TransactionID]Transaction, len(txs))
	for _, tx := range Order(txs) {
		if _, dup := d.txs[tx.ID]; dup {
			d.log.WithFields(logrus.Fields{
				"debtor_id":      d.id,
				"transaction_id": tx.ID,
			}).Warn("duplicate transaction id in snapshot, keeping first")
			continue
		}
		d.txs[tx.ID] = tx
	}
}

// reclassify folds, logs warnings, classifies against the stored flag and
// records the new flag.
func (d *Debtor) reclassify() (decimal.Decimal, Transition) {
	result := d.Fold()
	for _, w := range result.Warnings {
		d.log.WithFields(logrus.Fields{
			"debtor_id":      d.id,
			"transaction_id": w.TransactionID,
		}).WithError(w).Warn("data quality warning")
	}

	isOver := IsOverLimit(result.Balance, d.profile.CreditLimit)
	transition := UnknownPrior
	if d.overLimit != nil {
		transition = ClassifyFlags(*d.overLimit, isOver)
	}
	d.overLimit = &isOver
	return result.Balance, transition
}

// sanitizeProfile clamps a negative limit to zero. Limits are validated on
// the write path, so a negative one here means the store holds bad data.
func (d *Debtor) sanitizeProfile(p Profile) Profile {
	if p.CreditLimit.IsNegative() {
		d.log.WithFields(logrus.Fields{
			"debtor_id":    d.id,
			"credit_limit": p.CreditLimit.String(),
		}).WithError(ErrInvariantViolation).Error("negative credit limit, clamping to 0")
		p.CreditLimit = decimal.Zero
	}
	return p
}
