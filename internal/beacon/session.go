// Package beacon runs the randomness beacon of one generation: commit a
// primal and its seed, evaluate the delay function off the event path,
// replay the proof into the ledger's verifier and submit the output.
package beacon

import (
	"math/big"

	"github.com/Klingon-tech/klingnet-driver/pkg/types"
)

// Status is the stage of a beacon session.
type Status uint8

const (
	StatusPrimalPending Status = iota
	StatusSeedCommitted
	StatusProving
	StatusVerifying
	StatusComplete
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPrimalPending:
		return "primal-pending"
	case StatusSeedCommitted:
		return "seed-committed"
	case StatusProving:
		return "proving"
	case StatusVerifying:
		return "verifying"
	case StatusComplete:
		return "complete"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the session needs no further work.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusFailed
}

// Session is one attempt at producing the generation's randomness.
type Session struct {
	Attempt     int
	Difficulty  int
	PrimalBlock uint64
	Primal      *big.Int
	Seed        *big.Int
	Y           *big.Int
	Sequence    []*big.Int
	Output      types.Hash
	Status      Status
}

func copyInt(x *big.Int) *big.Int {
	if x == nil {
		return nil
	}
	return new(big.Int).Set(x)
}

func (s *Session) clone() Session {
	c := *s
	c.Primal = copyInt(s.Primal)
	c.Seed = copyInt(s.Seed)
	c.Y = copyInt(s.Y)
	c.Sequence = make([]*big.Int, len(s.Sequence))
	for i, u := range s.Sequence {
		c.Sequence[i] = copyInt(u)
	}
	return c
}
