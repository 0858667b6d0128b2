// Package lifecycle keeps enrolled positions in sync with the chain. The
// state manager is the single authority for the isActive/rewardEligible
// flags; the reconciler feeds it fresh chain observations and persists
// whatever it decides.
package lifecycle

import "math/big"

// State classifies an enrolled position.
type State string

const (
	// StateActive marks positions that still participate in the pool.
	StateActive State = "active"
	// StateInactive marks positions with nothing left in the pool.
	StateInactive State = "inactive"
	// StateNeedsCloseout marks emptied positions that still owe the
	// holder uncollected tokens. They stay reward-eligible until
	// collected.
	StateNeedsCloseout State = "needs-closeout"
	// StateUnknown is reserved for positions the reconciler could not
	// observe. It is never persisted.
	StateUnknown State = "unknown"
)

// PositionStateContext carries the chain facts one classification needs.
type PositionStateContext struct {
	Liquidity          *big.Int
	HasUnclaimedTokens bool
	ValueUSD           *big.Rat
	ThresholdUSD       *big.Rat
}

// Decide classifies a position from chain facts alone. A position with
// live liquidity, or whose valuation clears the significance threshold,
// is active and earns rewards. An emptied position that still owes the
// holder tokens needs closeout and keeps earning until collected.
// Everything else is inactive and earns nothing.
func Decide(pctx PositionStateContext) (State, bool) {
	hasLiquidity := pctx.Liquidity != nil && pctx.Liquidity.Sign() > 0
	significant := pctx.ValueUSD != nil && pctx.ThresholdUSD != nil &&
		pctx.ValueUSD.Cmp(pctx.ThresholdUSD) >= 0
	switch {
	case hasLiquidity || significant:
		return StateActive, true
	case pctx.HasUnclaimedTokens:
		return StateNeedsCloseout, true
	default:
		return StateInactive, false
	}
}

// StateFor maps the persisted flag pair back onto its label.
func StateFor(isActive, rewardEligible bool) State {
	switch {
	case isActive:
		return StateActive
	case rewardEligible:
		return StateNeedsCloseout
	default:
		return StateInactive
	}
}
