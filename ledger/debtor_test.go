package ledger_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/debt-ledger/ledger"
)

func newDebtor(limit string, opts ...ledger.DebtorOption) *ledger.Debtor {
	return ledger.NewDebtor("debtor-1", ledger.Profile{
		Name:        "Ana",
		PhoneNumber: "+14155550100",
		CreditLimit: dec(limit),
	}, opts...)
}

// =============================================================================
// BREACH DETECTOR
// =============================================================================

func TestIsOverLimit_Strict(t *testing.T) {
	assert.False(t, ledger.IsOverLimit(dec("300"), dec("300")), "equal to limit is not a breach")
	assert.True(t, ledger.IsOverLimit(dec("300.01"), dec("300")), "one cent over is a breach")
	assert.False(t, ledger.IsOverLimit(dec("299.99"), dec("300")))
}

func TestClassify_Taxonomy(t *testing.T) {
	limit := dec("100")
	clear := ledger.Observation{Balance: dec("50"), Limit: limit}
	over := ledger.Observation{Balance: dec("150"), Limit: limit}

	assert.Equal(t, ledger.UnknownPrior, ledger.Classify(nil, over))
	assert.Equal(t, ledger.UnknownPrior, ledger.Classify(nil, clear))
	assert.Equal(t, ledger.EnteredBreach, ledger.Classify(&clear, over))
	assert.Equal(t, ledger.RemainedBreached, ledger.Classify(&over, over))
	assert.Equal(t, ledger.Cleared, ledger.Classify(&over, clear))
	assert.Equal(t, ledger.RemainedClear, ledger.Classify(&clear, clear))
}

// =============================================================================
// AGGREGATE
// =============================================================================

func TestDebtor_ApplyTransaction_EntersBreach(t *testing.T) {
	// GIVEN: Limit 300, known to be clear
	d := newDebtor("300", ledger.WithPriorFlag(false))

	// WHEN: Applying 500 credit, 200 payment, 50 adjustment
	_, tr := d.ApplyTransaction(tx("a", ledger.KindNewCredit, 500, at(1)))
	assert.Equal(t, ledger.EnteredBreach, tr)
	_, tr = d.ApplyTransaction(tx("b", ledger.KindPayment, 200, at(2)))
	assert.Equal(t, ledger.Cleared, tr, "300 is exactly the limit")
	balance, tr := d.ApplyTransaction(tx("c", ledger.KindAdjustmentIncrease, 50, at(3)))

	// THEN: Balance 350 and the debtor re-entered breach
	assertDecimal(t, "350", balance)
	assert.Equal(t, ledger.EnteredBreach, tr)
	over, known := d.OverLimit()
	assert.True(t, known)
	assert.True(t, over)
}

func TestDebtor_FirstObservationIsUnknownPrior(t *testing.T) {
	d := newDebtor("100")

	_, tr := d.ApplyTransaction(tx("a", ledger.KindNewCredit, 500, at(1)))
	assert.Equal(t, ledger.UnknownPrior, tr)

	_, tr = d.ApplyTransaction(tx("b", ledger.KindNewCredit, 5, at(2)))
	assert.Equal(t, ledger.RemainedBreached, tr)
}

func TestDebtor_ApplyTransaction_Idempotent(t *testing.T) {
	// GIVEN: A debtor with one credit
	d := newDebtor("1000", ledger.WithPriorFlag(false))
	first := tx("a", ledger.KindNewCredit, 250, at(1))
	once, _ := d.ApplyTransaction(first)

	// WHEN: Applying the same id again (even with a different amount)
	dup := first
	dup.Amount = 9999
	twice, tr := d.ApplyTransaction(dup)

	// THEN: No double count, no transition
	assert.True(t, once.Equal(twice))
	assert.Equal(t, ledger.RemainedClear, tr)
	assert.Equal(t, 1, d.Len())
}

func TestDebtor_UpdateProfile_LimitChangeReclassifies(t *testing.T) {
	// GIVEN: Balance 350 against limit 300 (breached)
	d := newDebtor("300", ledger.WithPriorFlag(false))
	d.ApplyTransaction(tx("a", ledger.KindNewCredit, 500, at(1)))
	d.ApplyTransaction(tx("b", ledger.KindPayment, 200, at(2)))
	_, tr := d.ApplyTransaction(tx("c", ledger.KindAdjustmentIncrease, 50, at(3)))
	require.Equal(t, ledger.EnteredBreach, tr)

	// WHEN: Raising the limit to 400
	raised := dec("400")
	tr, err := d.UpdateProfile(ledger.ProfileUpdate{CreditLimit: &raised})

	// THEN: Balance unchanged, transition Cleared
	require.NoError(t, err)
	assert.Equal(t, ledger.Cleared, tr)
	assertDecimal(t, "350", d.Balance())

	// AND: Lowering it back re-enters breach with no new transactions
	lowered := dec("349.99")
	tr, err = d.UpdateProfile(ledger.ProfileUpdate{CreditLimit: &lowered})
	require.NoError(t, err)
	assert.Equal(t, ledger.EnteredBreach, tr)
}

func TestDebtor_UpdateProfile_NoLimitChange(t *testing.T) {
	d := newDebtor("100", ledger.WithPriorFlag(true))
	d.ApplyTransaction(tx("a", ledger.KindNewCredit, 500, at(1)))

	name := "Ana Maria"
	tr, err := d.UpdateProfile(ledger.ProfileUpdate{Name: &name})
	require.NoError(t, err)
	assert.Equal(t, ledger.RemainedBreached, tr)
	assert.Equal(t, "Ana Maria", d.Profile().Name)

	negative := dec("-1")
	_, err = d.UpdateProfile(ledger.ProfileUpdate{CreditLimit: &negative})
	assert.ErrorIs(t, err, ledger.ErrInvalidProfile)
}

func TestDebtor_RebuildEquivalence(t *testing.T) {
	// GIVEN: A transaction set with a malformed entry and ties
	set := []ledger.Transaction{
		tx("x2", ledger.KindNewCredit, 120.125, at(1)),
		tx("x1", ledger.KindNewCredit, 80.335, at(1)),
		tx("x3", ledger.KindPayment, 33.3, at(2)),
		tx("bad", ledger.KindPayment, math.NaN(), at(2)),
		tx("x4", ledger.KindAdjustmentDecrease, 0.005, at(3)),
	}

	// WHEN: Applying one at a time vs rebuilding from the full set
	incremental := newDebtor("150", ledger.WithPriorFlag(false))
	for _, t := range set {
		incremental.ApplyTransaction(t)
	}
	rebuilt := newDebtor("150", ledger.WithPriorFlag(false))
	balance, _ := rebuilt.RecomputeFromTransactionSet(set)

	// THEN: Identical balance, trace and flag
	assert.True(t, incremental.Balance().Equal(balance))
	a, b := incremental.Fold(), rebuilt.Fold()
	require.Len(t, b.Steps, len(a.Steps))
	for i := range a.Steps {
		assert.Equal(t, a.Steps[i].Transaction.ID, b.Steps[i].Transaction.ID)
		assert.Equal(t, a.Steps[i].Balance.String(), b.Steps[i].Balance.String())
	}
	fa, _ := incremental.OverLimit()
	fb, _ := rebuilt.OverLimit()
	assert.Equal(t, fa, fb)
}

func TestDebtor_RecomputeDropsMissingTransactions(t *testing.T) {
	// GIVEN: Two credits put the debtor over its limit
	d := newDebtor("100", ledger.WithPriorFlag(false))
	d.RecomputeFromTransactionSet([]ledger.Transaction{
		tx("a", ledger.KindNewCredit, 80, at(1)),
		tx("b", ledger.KindNewCredit, 80, at(2)),
	})

	// WHEN: A later snapshot no longer contains "b"
	balance, tr := d.RecomputeFromTransactionSet([]ledger.Transaction{
		tx("a", ledger.KindNewCredit, 80, at(1)),
	})

	// THEN: The later snapshot is authoritative
	assertDecimal(t, "80", balance)
	assert.Equal(t, ledger.Cleared, tr)
	assert.False(t, d.Has("b"))
}

func TestDebtor_NegativeLimitClampedToZero(t *testing.T) {
	d := newDebtor("-50")
	assert.True(t, d.Profile().CreditLimit.IsZero())
}
