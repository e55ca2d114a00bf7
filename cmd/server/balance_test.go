package main

import (
	"bytes"
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/debt-ledger/ledger"
)

func TestPrintBalance(t *testing.T) {
	// GIVEN: a debtor over their limit with one unreadable transaction
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	rec := ledger.DebtorRecord{
		ID:          "d-1",
		Name:        "Amara",
		CreditLimit: decimal.NewFromInt(50),
		Transactions: []ledger.Transaction{
			{ID: "t2", Timestamp: base.Add(time.Hour), Kind: ledger.KindPayment, Amount: 30.5},
			{ID: "t1", Timestamp: base, Kind: ledger.KindNewCredit, Amount: 100},
			{ID: "t3", Timestamp: base.Add(2 * time.Hour), Kind: ledger.KindNewCredit, Amount: math.NaN()},
		},
	}

	// WHEN: printing the trace
	var buf bytes.Buffer
	require.NoError(t, printBalance(&buf, rec, ledger.RoundPerStep))
	out := buf.String()

	// THEN: steps are in ledger order with running balances
	assert.Contains(t, out, "Amara (d-1)")
	first := bytes.Index(buf.Bytes(), []byte("100.00"))
	second := bytes.Index(buf.Bytes(), []byte("69.50"))
	require.NotEqual(t, -1, first)
	require.NotEqual(t, -1, second)
	assert.Less(t, first, second)

	assert.Contains(t, out, "warning: transaction t3 skipped")
	assert.Contains(t, out, "balance 69.50 / limit 50.00: OVER LIMIT")
}

func TestPrintBalance_AtLimitIsWithin(t *testing.T) {
	rec := ledger.DebtorRecord{
		ID:          "d-2",
		Name:        "Kofi",
		CreditLimit: decimal.NewFromInt(100),
		Transactions: []ledger.Transaction{
			{ID: "t1", Timestamp: time.Now(), Kind: ledger.KindNewCredit, Amount: 100},
		},
	}

	var buf bytes.Buffer
	require.NoError(t, printBalance(&buf, rec, ledger.RoundFinal))

	assert.Contains(t, buf.String(), "balance 100.00 / limit 100.00: within limit")
	assert.NotContains(t, buf.String(), "warning:")
}
