package ledger

import "sort"

// =============================================================================
// ORDERING - Deterministic total order over transactions
// =============================================================================

// Order returns a sorted copy of txs: Timestamp ascending, ties broken by ID
// under plain string comparison. The input is not modified.
//
// The same set always yields the same sequence regardless of the order the
// store delivered it in; identifiers are opaque strings, not sequence numbers,
// so discovery order is never used as a tie-break.
func Order(txs []Transaction) []Transaction {
	out := make([]Transaction, len(txs))
	copy(out, txs)
	sort.SliceStable(out, func(i, j int) bool {
		return Less(out[i], out[j])
	})
	return out
}

// Less is the ordering predicate used by Order.
func Less(a, b Transaction) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.Before(b.Timestamp)
	}
	return a.ID < b.ID
}
