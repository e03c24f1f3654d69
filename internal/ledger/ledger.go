// Package ledger is the driver's boundary to the remote ledger: typed state
// reads, signed transaction submission, and the block/event feed.
//
// The ledger is authoritative. The driver never infers the outcome of a
// write from its error; it re-reads state (see package driver).
package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/Klingon-tech/klingnet-driver/pkg/types"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrReverted is wrapped by every RevertError.
	ErrReverted = errors.New("transaction reverted")
)

// RevertError is a transaction the ledger executed and rolled back.
type RevertError struct {
	Method Method
	Reason string
}

func (e *RevertError) Error() string {
	return fmt.Sprintf("%s reverted: %s", e.Method, e.Reason)
}

func (e *RevertError) Unwrap() error { return ErrReverted }

// Revert reasons the contracts use.
const (
	ReasonClosed          = "proposal closed"
	ReasonDuplicate       = "already done"
	ReasonTooEarly        = "too early"
	ReasonTooLate         = "too late"
	ReasonUnauthorized    = "unauthorized"
	ReasonInsufficientFee = "insufficient balance for fee"
	ReasonBadNonce        = "bad nonce"
	ReasonBadSignature    = "bad signature"
	ReasonBadParams       = "bad params"
	ReasonNotInGap        = "account not between answered leaves"
	ReasonAccountEmpty    = "account has no balance"
	ReasonNoChallenge     = "no open challenge"
	ReasonChallengeLimit  = "challenge limit reached"
	ReasonBadPrimal       = "primal does not match block"
	ReasonBadSeed         = "seed does not match primal"
	ReasonBadProof        = "vdf entry rejected"
	ReasonNotVerified     = "vdf not verified"
	ReasonUnknownContract = "unknown contract"
	ReasonUnknownMethod   = "unknown method"
	ReasonWrongStage      = "wrong stage"
	ReasonNeedsAnswers    = "neighbouring leaves not answered"
	ReasonNoProposal      = "no such proposal"
)

// Reader queries ledger state.
type Reader interface {
	Head(ctx context.Context) (Block, error)
	BlockByNumber(ctx context.Context, number uint64) (Block, error)
	Balance(ctx context.Context, addr types.Address) (types.Amount, error)
	Nonce(ctx context.Context, addr types.Address) (uint64, error)

	Governance(ctx context.Context, root types.Address) (Governance, error)
	Currency(ctx context.Context, contract types.Address) (CurrencyState, error)
	Community(ctx context.Context, contract types.Address) (CommunityState, error)
	Inflation(ctx context.Context, contract types.Address) (InflationState, error)
	Proposal(ctx context.Context, contract, proposer types.Address) (Proposal, error)
	Proposals(ctx context.Context, contract types.Address) ([]Proposal, error)
	Beacon(ctx context.Context, contract, prover types.Address) (BeaconState, error)
}

// Writer submits signed transactions. A reverted transaction returns an
// error wrapping ErrReverted; the nonce is consumed either way.
type Writer interface {
	Submit(ctx context.Context, tx *Tx) (*Receipt, error)
}

// Subscription is an owned handle on the head feed. The owner must call
// Unsubscribe; Heads is closed afterwards, or when the feed fails, in which
// case Err returns the cause.
type Subscription interface {
	Heads() <-chan Head
	Err() error
	Unsubscribe()
}

// Feed delivers one Head per new block.
type Feed interface {
	Subscribe(ctx context.Context) (Subscription, error)
}

// ReadWriter is what a transaction submitter needs.
type ReadWriter interface {
	Reader
	Writer
}

// Ledger is everything the driver needs from the remote ledger.
type Ledger interface {
	Reader
	Writer
	Feed
}
