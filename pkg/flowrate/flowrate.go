// Package flowrate computes a participant's share of a pool's per-second
// distribution rate using integer arithmetic only.
package flowrate

import (
	"math/big"
)

// Precision is the fixed-point scale applied to the share before it is
// multiplied by the program rate.
var Precision = big.NewInt(1_000_000_000)

// Compute returns the flow rate attributable to points out of a pool whose
// on-chain total is totalUnits. pendingClaim is added to the denominator since
// unclaimed points are not yet reflected in totalUnits.
//
// claimedUnits does not enter the formula directly; it is taken so callers pass
// the full reconciled record and so PendingClaim can be derived consistently.
//
// The share is clamped to 1 so the result never exceeds flowRate, even when the
// totals were sampled at a different moment than the points.
func Compute(points, claimedUnits, totalUnits, pendingClaim, flowRate *big.Int) *big.Int {
	_ = claimedUnits
	if isZero(totalUnits) || isZero(points) || isZero(flowRate) {
		return new(big.Int)
	}
	if flowRate.Sign() < 0 || points.Sign() < 0 {
		return new(big.Int)
	}

	denominator := new(big.Int).Set(totalUnits)
	if pendingClaim != nil && pendingClaim.Sign() > 0 {
		denominator.Add(denominator, pendingClaim)
	}
	if denominator.Sign() <= 0 {
		return new(big.Int)
	}

	share := new(big.Int).Mul(points, Precision)
	share.Quo(share, denominator)
	if share.Cmp(Precision) > 0 {
		share.Set(Precision)
	}

	rate := share.Mul(share, flowRate)
	return rate.Quo(rate, Precision)
}

// Unclaimed returns the part of the flow rate that the participant only
// receives after claiming: the same share arithmetic applied to the pending
// points alone.
func Unclaimed(points, claimedUnits, totalUnits, flowRate *big.Int) *big.Int {
	pending := PendingClaim(points, claimedUnits)
	if pending.Sign() == 0 {
		return new(big.Int)
	}
	return Compute(pending, claimedUnits, totalUnits, pending, flowRate)
}

// PendingClaim is max(points - claimedUnits, 0).
func PendingClaim(points, claimedUnits *big.Int) *big.Int {
	if points == nil {
		return new(big.Int)
	}
	if claimedUnits == nil {
		return new(big.Int).Set(points)
	}
	diff := new(big.Int).Sub(points, claimedUnits)
	if diff.Sign() < 0 {
		return new(big.Int)
	}
	return diff
}

// NeedToClaim reports whether the ledger holds more points than are claimed on-chain.
func NeedToClaim(points, claimedUnits *big.Int) bool {
	return PendingClaim(points, claimedUnits).Sign() > 0
}

// Sum adds rates, treating nil as zero.
func Sum(rates ...*big.Int) *big.Int {
	total := new(big.Int)
	for _, r := range rates {
		if r != nil {
			total.Add(total, r)
		}
	}
	return total
}

func isZero(v *big.Int) bool {
	return v == nil || v.Sign() == 0
}
