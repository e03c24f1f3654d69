package vdf

import (
	"fmt"
	"math/big"
)

// Verifier checks a proof one sequence entry at a time, the way the ledger
// does across several transactions. A Verifier is not safe for concurrent use.
type Verifier struct {
	x, y  *big.Int
	t     uint64
	round int // next expected entry, 1-based
	done  bool
}

// Start begins verification of y as the output for seed at difficulty.
func Start(seed *big.Int, difficulty int, y *big.Int) (*Verifier, error) {
	if err := checkDifficulty(difficulty); err != nil {
		return nil, err
	}
	if !checkElement(seed) {
		return nil, ErrInvalidSeed
	}
	if !checkElement(y) {
		return nil, fmt.Errorf("%w: output out of range", ErrInvalidProof)
	}
	v := &Verifier{
		x:     new(big.Int).Set(seed),
		y:     new(big.Int).Set(y),
		t:     uint64(1) << uint(difficulty),
		round: 1,
	}
	v.finish()
	return v, nil
}

// Next returns the 1-based index of the entry Update expects next.
func (v *Verifier) Next() int {
	return v.round
}

// Remaining returns how many sequence entries are still expected.
func (v *Verifier) Remaining() int {
	n := 0
	for t := v.t; t > 2; t /= 2 {
		n++
	}
	return n
}

// Update folds entry i of the sequence. Entries must arrive in order.
func (v *Verifier) Update(i int, mu *big.Int) error {
	if v.t <= 2 {
		return fmt.Errorf("%w: unexpected entry %d, sequence complete", ErrInvalidProof, i)
	}
	if i != v.round {
		return fmt.Errorf("%w: entry %d out of order, want %d", ErrInvalidProof, i, v.round)
	}
	if !checkElement(mu) {
		return fmt.Errorf("%w: entry %d out of range", ErrInvalidProof, i)
	}
	v.x, v.y = halve(v.x, v.y, mu, i)
	v.t /= 2
	v.round++
	v.finish()
	return nil
}

func (v *Verifier) finish() {
	if v.t != 2 {
		return
	}
	want := new(big.Int).Exp(v.x, big.NewInt(4), modulus)
	v.done = want.Cmp(v.y) == 0
}

// Verified reports whether the full sequence has been replayed and the
// final relation y == x^4 holds.
func (v *Verifier) Verified() bool {
	return v.done
}
