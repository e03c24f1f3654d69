package vdf

import (
	"math/big"

	"github.com/Klingon-tech/klingnet-driver/pkg/crypto"
	"github.com/Klingon-tech/klingnet-driver/pkg/types"
)

// PrimalWindow bounds the prime search above a block hash.
const PrimalWindow = 1000

// primeRounds is the Miller-Rabin round count for ProbablyPrime.
const primeRounds = 20

// Primal returns the smallest probable prime strictly greater than the block
// hash read as a big-endian unsigned integer. The search covers
// PrimalWindow candidates; prime gaps near 2^256 make failure unlikely but
// possible, and then ErrNoPrimal is returned.
func Primal(blockHash types.Hash) (*big.Int, error) {
	p := new(big.Int).SetBytes(blockHash[:])
	for i := 0; i < PrimalWindow; i++ {
		p.Add(p, big.NewInt(1))
		if p.ProbablyPrime(primeRounds) {
			return p, nil
		}
	}
	return nil, ErrNoPrimal
}

// IsPrimal reports whether p is the primal of blockHash.
func IsPrimal(blockHash types.Hash, p *big.Int) bool {
	want, err := Primal(blockHash)
	return err == nil && p != nil && want.Cmp(p) == 0
}

// Seed derives the VDF input from a primal: H(primal) mod N, never zero.
func Seed(primal *big.Int) *big.Int {
	h := crypto.Tagged(crypto.TagSeed, primal.Bytes())
	s := new(big.Int).SetBytes(h[:])
	s.Mod(s, modulus)
	if s.Sign() == 0 {
		s.SetInt64(2)
	}
	return s
}
