package dispute

import (
	"context"
	"errors"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"github.com/Klingon-tech/klingnet-driver/internal/fault"
	"github.com/Klingon-tech/klingnet-driver/internal/ledger"
	klog "github.com/Klingon-tech/klingnet-driver/internal/log"
	"github.com/Klingon-tech/klingnet-driver/internal/store"
	"github.com/Klingon-tech/klingnet-driver/pkg/sumtree"
	"github.com/Klingon-tech/klingnet-driver/pkg/types"
)

// Proposer proposes the driver's snapshot root for one generation and
// defends it until it is accepted or rejected.
type Proposer struct {
	caller     Caller
	reader     ledger.Reader
	store      *store.Store // nil disables persistence
	sink       klog.Sink
	contract   types.Address
	generation uint64
	log        zerolog.Logger

	tree      *sumtree.Tree
	mirror    *Mirror
	abandoned bool
	lostRace  bool
}

// NewProposer creates a proposer against an inflation contract.
func NewProposer(caller Caller, reader ledger.Reader, st *store.Store, sink klog.Sink,
	contract types.Address, generation uint64) *Proposer {
	return &Proposer{
		caller:     caller,
		reader:     reader,
		store:      st,
		sink:       sink,
		contract:   contract,
		generation: generation,
		log:        klog.WithGeneration(klog.Dispute, generation),
	}
}

// Tree returns the proposed tree, or nil.
func (p *Proposer) Tree() *sumtree.Tree { return p.tree }

// Mirror returns the tracked proposal, or nil before proposing.
func (p *Proposer) Mirror() *Mirror { return p.mirror }

// Idle reports whether the proposer has nothing left to do this
// generation.
func (p *Proposer) Idle() bool {
	return p.abandoned || p.lostRace || (p.mirror != nil && p.mirror.Terminal())
}

// Restore picks up a proposal made before a restart. It reports whether
// one was found and its tree could be reloaded.
func (p *Proposer) Restore(ctx context.Context) (bool, error) {
	if p.mirror != nil {
		return true, nil
	}
	cur, err := p.reader.Proposal(ctx, p.contract, p.caller.Address())
	if errors.Is(err, ledger.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if p.store == nil {
		return false, nil
	}
	tree, err := p.store.Tree(p.generation, cur.Root)
	if err != nil {
		p.abandoned = true
		return false, fault.Wrap(fault.ProtocolViolation, "restore proposal",
			fmt.Errorf("tree for root %s: %w", cur.Root.Short(), err))
	}
	p.tree = tree
	p.mirror = NewMirror(&cur)
	p.log.Info().Str("root", cur.Root.Short()).Str("status", cur.Status.String()).Msg("Restored proposal")
	return true, nil
}

// Funded checks the driver can pay the proposer fee. A balance under twice
// the fee is reported as a standing resource alert; under the fee itself
// proposing is skipped.
func (p *Proposer) Funded(ctx context.Context, fee *uint256.Int) (bool, error) {
	bal, err := p.reader.Balance(ctx, p.caller.Address())
	if err != nil {
		return false, fmt.Errorf("read balance: %w", err)
	}
	var margin uint256.Int
	if _, overflow := margin.AddOverflow(fee, fee); overflow {
		margin.SetAllOne()
	}
	if bal.Lt(&margin) {
		p.sink.Report(fault.NewReport(
			fault.New(fault.Resource, "propose", "balance below twice the proposer fee"),
			map[string]string{
				"balance":    bal.String(),
				"fee":        types.FormatAmount(fee),
				"generation": fmt.Sprint(p.generation),
			}))
	}
	return !bal.Lt(fee), nil
}

// Propose submits tree's root. Calling it again after success is a no-op;
// calling it after the proposal closed fails with ErrProposalClosed.
func (p *Proposer) Propose(ctx context.Context, tree *sumtree.Tree) error {
	const op = "propose"
	if p.mirror != nil {
		if p.mirror.Terminal() {
			return closedErr(op)
		}
		return nil
	}
	if p.store != nil {
		if err := p.store.PutTree(p.generation, tree); err != nil {
			return fault.Wrap(fault.Fatal, op, err)
		}
	}

	_, err := p.caller.Call(ctx, p.contract, ledger.MethodProposeRoot, ledger.ProposeParams{
		Root:  tree.Root(),
		Total: types.Amount{Int: tree.Total()},
		Count: tree.Count(),
	})
	if aerr := p.adopt(ctx, tree); aerr != nil {
		return aerr
	}
	if p.mirror != nil {
		p.log.Info().
			Str("root", tree.Root().Short()).
			Uint64("accounts", tree.Count()).
			Str("total", types.FormatAmount(&p.mirror.Total.Int)).
			Msg("Proposed snapshot root")
		return nil
	}
	if err == nil {
		return fmt.Errorf("%s: proposal missing after successful submit", op)
	}

	// Someone else may hold the same root.
	props, rerr := p.reader.Proposals(ctx, p.contract)
	if rerr != nil {
		return rerr
	}
	for i := range props {
		if props[i].Root == tree.Root() {
			p.lostRace = true
			return fault.Wrap(fault.RaceLoss, op,
				fmt.Errorf("root %s already proposed by %s", tree.Root().Short(), props[i].Proposer))
		}
	}
	return classify(op, err)
}

// adopt loads the driver's own proposal from the ledger if it exists.
func (p *Proposer) adopt(ctx context.Context, tree *sumtree.Tree) error {
	cur, err := p.reader.Proposal(ctx, p.contract, p.caller.Address())
	if errors.Is(err, ledger.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if cur.Root != tree.Root() {
		p.abandoned = true
		return fault.Wrap(fault.ProtocolViolation, "propose",
			fmt.Errorf("ledger holds our proposal for root %s, not %s", cur.Root.Short(), tree.Root().Short()))
	}
	p.tree = tree
	p.mirror = NewMirror(&cur)
	return nil
}

// Step syncs the proposal, answers open challenges and finalizes once the
// windows close. now is the current ledger time.
func (p *Proposer) Step(ctx context.Context, now uint64) error {
	if p.mirror == nil || p.Idle() {
		return nil
	}
	cur, err := p.reader.Proposal(ctx, p.contract, p.caller.Address())
	if err != nil {
		return err
	}
	changed, err := p.mirror.Sync(&cur)
	if err != nil {
		p.abandoned = true
		return fault.Wrap(fault.ProtocolViolation, "sync proposal", err)
	}
	if p.mirror.Terminal() {
		if changed {
			p.logOutcome()
		}
		return nil
	}

	var errs *multierror.Error
	for _, c := range cur.Challenges {
		if c.Answered || now > c.Deadline {
			continue
		}
		if err := p.answer(ctx, c); err != nil {
			errs = multierror.Append(errs, err)
			if p.abandoned {
				break
			}
		}
	}
	if errs == nil && cur.Finalizable(now) {
		if err := p.Finalize(ctx); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

func (p *Proposer) logOutcome() {
	ev := p.log.Info()
	if p.mirror.Status == ledger.StatusRejected {
		ev = p.log.Warn()
	}
	ev.Str("root", p.mirror.Root.Short()).Str("status", p.mirror.Status.String()).Msg("Proposal closed")
}

func (p *Proposer) answer(ctx context.Context, c ledger.Challenge) error {
	const op = "respond"
	proof, err := p.tree.ProveLeaf(c.Index)
	if err != nil {
		p.abandoned = true
		return fault.Wrap(fault.ProtocolViolation, op, err)
	}
	if err := SelfCheck(p.tree, proof); err != nil {
		p.abandoned = true
		return fault.Wrap(fault.ProtocolViolation, op, fmt.Errorf("%w: leaf %d: %v", ErrSelfCheck, c.Index, err))
	}

	_, err = p.caller.Call(ctx, p.contract, ledger.MethodRespond, ledger.RespondParams{
		Challenger: c.Challenger,
		Proof:      *proof,
	})
	if err == nil {
		p.log.Debug().Uint64("index", c.Index).Str("challenger", c.Challenger.String()).Msg("Answered challenge")
		return nil
	}
	cur, rerr := p.reader.Proposal(ctx, p.contract, p.caller.Address())
	if rerr != nil {
		return err
	}
	if cur.Status.Terminal() {
		return closedErr(op)
	}
	if _, ok := cur.Answer(c.Index); ok {
		return nil
	}
	return classify(op, err)
}

// Finalize settles the driver's proposal. It fails with ErrProposalClosed
// when the proposal is already accepted or rejected.
func (p *Proposer) Finalize(ctx context.Context) error {
	const op = "finalize"
	if p.mirror == nil {
		return fmt.Errorf("%s: nothing proposed", op)
	}
	if p.mirror.Terminal() {
		return closedErr(op)
	}
	_, err := p.caller.Call(ctx, p.contract, ledger.MethodFinalize, ledger.FinalizeParams{Proposer: p.caller.Address()})

	cur, rerr := p.reader.Proposal(ctx, p.contract, p.caller.Address())
	if rerr != nil {
		if err != nil {
			return err
		}
		return rerr
	}
	changed, serr := p.mirror.Sync(&cur)
	if serr != nil {
		return fault.Wrap(fault.ProtocolViolation, op, serr)
	}
	if changed && p.mirror.Terminal() {
		p.logOutcome()
		return nil
	}
	return classify(op, err)
}
