package mirror

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/debt-ledger/ledger"
)

// =============================================================================
// VIEW - Immutable read model handed to observers
// =============================================================================

// TransitionRecord is one entry of a debtor's transition history.
type TransitionRecord struct {
	Transition ledger.Transition
	Balance    decimal.Decimal
	Limit      decimal.Decimal
	Revision   int64
	At         time.Time
}

// DebtorView is the read model of one debtor. Values in a published View
// are never modified; a change produces a new DebtorView.
type DebtorView struct {
	ID          ledger.DebtorID
	Name        string
	PhoneNumber string
	CreditLimit decimal.Decimal

	// Balance is the fold of the last accepted snapshot.
	Balance   decimal.Decimal
	OverLimit bool
	Steps     []ledger.Step
	Warnings  int

	// ProjectedBalance includes optimistic local writes not yet confirmed by
	// a snapshot. Equal to Balance when Pending is 0.
	ProjectedBalance decimal.Decimal
	Pending          int

	Transitions []TransitionRecord
	Revision    int64
	UpdatedAt   time.Time
}

// Profile returns the debtor's profile fields.
func (v DebtorView) Profile() ledger.Profile {
	return ledger.Profile{Name: v.Name, PhoneNumber: v.PhoneNumber, CreditLimit: v.CreditLimit}
}

// View is a point-in-time copy of every mirrored debtor.
type View struct {
	Version uint64
	debtors map[ledger.DebtorID]*DebtorView
}

func emptyView() *View {
	return &View{debtors: map[ledger.DebtorID]*DebtorView{}}
}

// Get returns one debtor.
func (v *View) Get(id ledger.DebtorID) (DebtorView, bool) {
	dv, ok := v.debtors[id]
	if !ok {
		return DebtorView{}, false
	}
	return *dv, true
}

// List returns all debtors ordered by id.
func (v *View) List() []DebtorView {
	out := make([]DebtorView, 0, len(v.debtors))
	for _, dv := range v.debtors {
		out = append(out, *dv)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (v *View) Len() int { return len(v.debtors) }

// OverLimitCount returns how many debtors are currently in breach.
func (v *View) OverLimitCount() int {
	n := 0
	for _, dv := range v.debtors {
		if dv.OverLimit {
			n++
		}
	}
	return n
}

// with returns a copy of v with id replaced (dv != nil) or removed (dv == nil).
func (v *View) with(id ledger.DebtorID, dv *DebtorView) *View {
	next := &View{
		Version: v.Version + 1,
		debtors: make(map[ledger.DebtorID]*DebtorView, len(v.debtors)+1),
	}
	for k, d := range v.debtors {
		next.debtors[k] = d
	}
	if dv == nil {
		delete(next.debtors, id)
	} else {
		next.debtors[id] = dv
	}
	return next
}
