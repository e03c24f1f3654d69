// Package dispute runs both sides of the snapshot root dispute: defending
// the driver's own proposal and challenging proposals that disagree with
// the driver's snapshot.
package dispute

import (
	"context"
	"errors"
	"fmt"

	"github.com/hashicorp/go-multierror"

	"github.com/Klingon-tech/klingnet-driver/internal/fault"
	"github.com/Klingon-tech/klingnet-driver/internal/ledger"
	"github.com/Klingon-tech/klingnet-driver/pkg/types"
)

var (
	// ErrProposalClosed is returned for any call against an accepted or
	// rejected proposal.
	ErrProposalClosed = errors.New("proposal closed")
	// ErrMirrorDiverged means the ledger record no longer matches the
	// proposal the driver was tracking.
	ErrMirrorDiverged = errors.New("ledger proposal diverged from local mirror")
	// ErrSelfCheck means the driver's own proof failed its own validation.
	ErrSelfCheck = errors.New("own proof fails validation")
)

// Caller submits signed contract calls for the driver's account.
// *ledger.Submitter implements it.
type Caller interface {
	Address() types.Address
	Call(ctx context.Context, contract types.Address, method ledger.Method, params any) (*ledger.Receipt, error)
}

func closedErr(op string) error {
	return fault.Wrap(fault.ProtocolViolation, op, ErrProposalClosed)
}

// revertReason returns the ledger's revert reason, or "" for other errors.
func revertReason(err error) string {
	var r *ledger.RevertError
	if errors.As(err, &r) {
		return r.Reason
	}
	return ""
}

// classify maps revert reasons that need no reconciliation to fault kinds.
func classify(op string, err error) error {
	switch revertReason(err) {
	case ledger.ReasonClosed:
		return closedErr(op)
	case ledger.ReasonInsufficientFee:
		return fault.Wrap(fault.Resource, op, err)
	}
	return err
}

// finalize settles proposer's proposal. A proposal that another party
// settled first counts as done.
func finalize(ctx context.Context, caller Caller, reader ledger.Reader, contract, proposer types.Address) error {
	const op = "finalize"
	_, err := caller.Call(ctx, contract, ledger.MethodFinalize, ledger.FinalizeParams{Proposer: proposer})
	if err == nil {
		return nil
	}
	cur, rerr := reader.Proposal(ctx, contract, proposer)
	if rerr == nil && cur.Status.Terminal() {
		return nil
	}
	return classify(op, err)
}

// FinalizeReady finalizes every other party's open proposal that the
// ledger would settle at time now, so a round keeps moving after its
// proposer stops.
func FinalizeReady(ctx context.Context, caller Caller, reader ledger.Reader, contract types.Address, now uint64) error {
	props, err := reader.Proposals(ctx, contract)
	if err != nil {
		return err
	}
	var errs *multierror.Error
	for i := range props {
		p := &props[i]
		if p.Proposer == caller.Address() || !p.Finalizable(now) {
			continue
		}
		if err := finalize(ctx, caller, reader, contract, p.Proposer); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("proposal by %s: %w", p.Proposer, err))
		}
	}
	return errs.ErrorOrNil()
}
