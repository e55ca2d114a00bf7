package ledger

import "github.com/shopspring/decimal"

// =============================================================================
// BREACH DETECTOR - Pure classification of limit crossings
// =============================================================================

// Transition classifies how the breach condition changed between two
// observations of the same debtor.
type Transition string

const (
	EnteredBreach    Transition = "entered_breach"    // false → true
	RemainedBreached Transition = "remained_breached" // true → true
	Cleared          Transition = "cleared"           // true → false
	RemainedClear    Transition = "remained_clear"    // false → false
	UnknownPrior     Transition = "unknown_prior"     // no reliable prior state
)

// Changed reports whether the transition flipped the breach flag.
func (t Transition) Changed() bool {
	return t == EnteredBreach || t == Cleared
}

// Observation is the state the detector compares: a balance against a limit.
type Observation struct {
	Balance decimal.Decimal
	Limit   decimal.Decimal
}

// OverLimit reports whether the observation is a breach.
func (o Observation) OverLimit() bool {
	return IsOverLimit(o.Balance, o.Limit)
}

// IsOverLimit is the breach predicate. Strict: a balance exactly at the
// limit is not a breach.
func IsOverLimit(balance, limit decimal.Decimal) bool {
	return balance.GreaterThan(limit)
}

// Classify compares the prior observation (nil = never observed) with the next.
func Classify(prior *Observation, next Observation) Transition {
	if prior == nil {
		return UnknownPrior
	}
	return ClassifyFlags(prior.OverLimit(), next.OverLimit())
}

// ClassifyFlags classifies from breach flags directly. The aggregate keeps
// only the flag of its last accepted state, which is all the detector needs.
func ClassifyFlags(wasOver, isOver bool) Transition {
	switch {
	case !wasOver && isOver:
		return EnteredBreach
	case wasOver && isOver:
		return RemainedBreached
	case wasOver && !isOver:
		return Cleared
	default:
		return RemainedClear
	}
}

// Steady returns the no-change transition for the given current flag.
func Steady(isOver bool) Transition {
	if isOver {
		return RemainedBreached
	}
	return RemainedClear
}
