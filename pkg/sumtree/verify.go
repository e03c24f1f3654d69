package sumtree

import (
	"errors"

	"github.com/Klingon-tech/klingnet-driver/pkg/types"
	"github.com/holiman/uint256"
)

// Verification errors. Each one marks a proof that a challenger can use to
// reject a proposal.
var (
	ErrBadInclusion  = errors.New("leaf is not included under root")
	ErrBadRunningSum = errors.New("cumulative sum does not continue from previous leaf")
	ErrBadOrdering   = errors.New("addresses are not strictly increasing")
	ErrBadTotal      = errors.New("last leaf does not end at the proposed total")
	ErrZeroBalance   = errors.New("leaf balance is zero")
	ErrNotInGap      = errors.New("account does not fall between neighbouring leaves")
)

// VerifyInclusion checks that proof hashes up to root for a tree of count
// leaves. The sibling path must have exactly Depth(count) entries.
func VerifyInclusion(root types.Hash, count uint64, proof *LeafProof) error {
	if proof == nil || proof.Index >= count {
		return ErrIndexOutOfRange
	}
	if len(proof.Siblings) != Depth(count) {
		return ErrBadInclusion
	}
	if proof.ImpliedRoot() != root {
		return ErrBadInclusion
	}
	return nil
}

// CheckFirst verifies the first leaf starts the running sum at zero.
func CheckFirst(l *Leaf) error {
	if !l.CumulativeSum.IsZero() {
		return ErrBadRunningSum
	}
	return nil
}

// CheckBalance rejects leaves carrying no balance.
func CheckBalance(l *Leaf) error {
	if l.Balance.IsZero() {
		return ErrZeroBalance
	}
	return nil
}

// CheckAdjacent verifies that right directly follows left: its address
// sorts strictly after left's and its cumulative sum is left's end.
func CheckAdjacent(left, right *Leaf) error {
	if !left.Address.Less(right.Address) {
		return ErrBadOrdering
	}
	end, ok := left.End()
	if !ok || !end.Eq(&right.CumulativeSum) {
		return ErrBadRunningSum
	}
	return nil
}

// CheckLast verifies that the last leaf ends at the proposed total.
func CheckLast(l *Leaf, total *uint256.Int) error {
	end, ok := l.End()
	if !ok || !end.Eq(total) {
		return ErrBadTotal
	}
	return nil
}

// CheckMissing verifies that account falls strictly between two adjacent
// leaves. A nil left means the gap is before the first leaf; a nil right
// means it is after the last.
func CheckMissing(left, right *Leaf, account types.Address) error {
	if left != nil && !left.Address.Less(account) {
		return ErrNotInGap
	}
	if right != nil && !account.Less(right.Address) {
		return ErrNotInGap
	}
	return nil
}
