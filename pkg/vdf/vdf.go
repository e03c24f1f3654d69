// Package vdf implements the delay function behind the randomness beacon:
// repeated modular squaring in an RSA group of unknown order, with a
// Pietrzak halving proof that the ledger replays one entry at a time.
//
// Difficulty d means T = 2^d squarings: y = x^(2^T) mod N. The proof is the
// sequence of midpoints μ_1..μ_{d-1}; each one halves T until T = 2, where
// the verifier checks y == x^4 directly.
package vdf

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"

	"github.com/Klingon-tech/klingnet-driver/pkg/crypto"
	"github.com/Klingon-tech/klingnet-driver/pkg/types"
)

// Difficulty bounds.
const (
	MinDifficulty = 1
	MaxDifficulty = 48
)

// rsa2048 is the RSA Factoring Challenge modulus; nobody knows its factors.
const rsa2048 = "25195908475657893494027183240048398571429282126204032027777137836043662020707595556264018525880784406918290641249515082189298559149176184502808489120072844992687392807287776735971418347270261896375014971824691165077613379859095700097330459748808428401797429100642458691817195118746121515172654632282216869987549182422433637259085141865462043576798423387184774447920739934236584823824281198163815010674810451660377306056201619676256133844143603833904414952634432190114657544454178424020924616515723350778707749817125772467962926386356373289912154831438167899885040445364023527381951378636564391212010397122822120720357"

var (
	ErrDifficulty   = errors.New("difficulty out of range")
	ErrInvalidSeed  = errors.New("seed out of range")
	ErrInvalidProof = errors.New("invalid vdf proof")
	ErrNoPrimal     = errors.New("no prime found in window")
)

var modulus = mustModulus()

func mustModulus() *big.Int {
	n, ok := new(big.Int).SetString(rsa2048, 10)
	if !ok {
		panic("vdf: bad modulus literal")
	}
	return n
}

// Modulus returns a copy of the group modulus N.
func Modulus() *big.Int {
	return new(big.Int).Set(modulus)
}

// checkEvery is how many squarings run between context checks.
const checkEvery = 4096

// Proof is a VDF evaluation and its halving proof.
type Proof struct {
	Difficulty int
	Y          *big.Int
	Sequence   []*big.Int
}

func checkDifficulty(d int) error {
	if d < MinDifficulty || d > MaxDifficulty {
		return fmt.Errorf("%w: %d not in [%d, %d]", ErrDifficulty, d, MinDifficulty, MaxDifficulty)
	}
	return nil
}

func checkElement(x *big.Int) bool {
	return x != nil && x.Sign() > 0 && x.Cmp(modulus) < 0
}

// square raises x to 2^steps mod N.
func square(ctx context.Context, x *big.Int, steps uint64) (*big.Int, error) {
	y := new(big.Int).Set(x)
	for i := uint64(0); i < steps; i++ {
		if i%checkEvery == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		y.Mul(y, y)
		y.Mod(y, modulus)
	}
	return y, nil
}

// Eval computes y = seed^(2^(2^d)) mod N without a proof.
func Eval(ctx context.Context, seed *big.Int, difficulty int) (*big.Int, error) {
	if err := checkDifficulty(difficulty); err != nil {
		return nil, err
	}
	if !checkElement(seed) {
		return nil, ErrInvalidSeed
	}
	return square(ctx, seed, uint64(1)<<uint(difficulty))
}

// Prove evaluates the delay function and builds the halving proof. It is
// CPU-bound; callers run it off the event path and cancel through ctx.
func Prove(ctx context.Context, seed *big.Int, difficulty int) (*Proof, error) {
	y, err := Eval(ctx, seed, difficulty)
	if err != nil {
		return nil, err
	}
	proof := &Proof{
		Difficulty: difficulty,
		Y:          y,
		Sequence:   make([]*big.Int, 0, difficulty-1),
	}

	x := new(big.Int).Set(seed)
	yi := new(big.Int).Set(y)
	t := uint64(1) << uint(difficulty)
	for i := 1; t > 2; i++ {
		mu, err := square(ctx, x, t/2)
		if err != nil {
			return nil, err
		}
		proof.Sequence = append(proof.Sequence, mu)
		x, yi = halve(x, yi, mu, i)
		t /= 2
	}
	return proof, nil
}

// Verify replays the whole proof against seed and difficulty.
func Verify(seed *big.Int, difficulty int, proof *Proof) error {
	if proof == nil || proof.Difficulty != difficulty {
		return ErrInvalidProof
	}
	v, err := Start(seed, difficulty, proof.Y)
	if err != nil {
		return err
	}
	for i, mu := range proof.Sequence {
		if err := v.Update(i+1, mu); err != nil {
			return err
		}
	}
	if !v.Verified() {
		return ErrInvalidProof
	}
	return nil
}

// halve folds one proof round: x' = x^r·μ, y' = μ^r·y.
func halve(x, y, mu *big.Int, round int) (*big.Int, *big.Int) {
	r := challenge(x, y, mu, round)
	nx := new(big.Int).Exp(x, r, modulus)
	nx.Mul(nx, mu).Mod(nx, modulus)
	ny := new(big.Int).Exp(mu, r, modulus)
	ny.Mul(ny, y).Mod(ny, modulus)
	return nx, ny
}

// challenge derives the 128-bit Fiat-Shamir exponent for a round.
func challenge(x, y, mu *big.Int, round int) *big.Int {
	size := (modulus.BitLen() + 7) / 8
	var idx [8]byte
	binary.BigEndian.PutUint64(idx[:], uint64(round))
	h := crypto.Tagged(crypto.TagVDF,
		x.FillBytes(make([]byte, size)),
		y.FillBytes(make([]byte, size)),
		mu.FillBytes(make([]byte, size)),
		idx[:],
	)
	return new(big.Int).SetBytes(h[:16])
}

// Output maps a verified y to the randomness value submitted to the ledger.
func Output(y *big.Int) types.Hash {
	size := (modulus.BitLen() + 7) / 8
	return crypto.Tagged(crypto.TagVDF, y.FillBytes(make([]byte, size)))
}
