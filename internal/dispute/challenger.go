package dispute

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"github.com/Klingon-tech/klingnet-driver/internal/fault"
	"github.com/Klingon-tech/klingnet-driver/internal/ledger"
	klog "github.com/Klingon-tech/klingnet-driver/internal/log"
	"github.com/Klingon-tech/klingnet-driver/pkg/sumtree"
	"github.com/Klingon-tech/klingnet-driver/pkg/types"
)

// target is one opponent proposal under dispute.
type target struct {
	mirror *Mirror
	search *Search
	closed bool
	idle   bool // evidence exhausted without a rejection
}

// Challenger disputes every proposal that disagrees with the reference
// tree, one search per opponent.
type Challenger struct {
	caller   Caller
	reader   ledger.Reader
	sink     klog.Sink
	contract types.Address
	fee      uint256.Int
	ref      *sumtree.Tree
	log      zerolog.Logger

	targets map[types.Address]*target
}

// NewChallenger creates a challenger for one generation's inflation
// contract. fee is the per-challenge fee.
func NewChallenger(caller Caller, reader ledger.Reader, sink klog.Sink,
	contract types.Address, generation uint64, ref *sumtree.Tree, fee uint256.Int) *Challenger {
	return &Challenger{
		caller:   caller,
		reader:   reader,
		sink:     sink,
		contract: contract,
		fee:      fee,
		ref:      ref,
		log:      klog.WithGeneration(klog.Dispute, generation),
		targets:  make(map[types.Address]*target),
	}
}

// Disputes reports whether p disagrees with the reference tree.
func (c *Challenger) Disputes(p *ledger.Proposal) bool {
	total := c.ref.Total()
	return p.Root != c.ref.Root() || p.Count != c.ref.Count() || !p.Total.Eq(&total)
}

// Target returns the search running against proposer, if any.
func (c *Challenger) Target(proposer types.Address) (*Search, *Mirror, bool) {
	t, ok := c.targets[proposer]
	if !ok {
		return nil, nil, false
	}
	return t.search, t.mirror, true
}

// Step advances every dispute by at most one action each. now is the
// current ledger time.
func (c *Challenger) Step(ctx context.Context, now uint64) error {
	props, err := c.reader.Proposals(ctx, c.contract)
	if err != nil {
		return err
	}
	var errs *multierror.Error
	for i := range props {
		p := &props[i]
		if p.Proposer == c.caller.Address() {
			continue
		}
		t, ok := c.targets[p.Proposer]
		if !ok {
			if p.Status.Terminal() {
				continue
			}
			if !c.Disputes(p) {
				// Anyone may settle a proposal whose windows have closed.
				if p.Finalizable(now) {
					if err := c.finalize(ctx, p, "Finalized agreeing proposal"); err != nil {
						errs = multierror.Append(errs, fmt.Errorf("proposal by %s: %w", p.Proposer, err))
					}
				}
				continue
			}
			t = &target{mirror: NewMirror(p), search: NewSearch(c.ref, p.Root, p.Count)}
			c.targets[p.Proposer] = t
			c.log.Info().
				Str("proposer", p.Proposer.String()).
				Str("root", p.Root.Short()).
				Uint64("accounts", p.Count).
				Msg("Disputing proposal")
		}
		if err := c.step(ctx, t, p, now); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("proposal by %s: %w", p.Proposer, err))
		}
	}
	return errs.ErrorOrNil()
}

func (c *Challenger) step(ctx context.Context, t *target, p *ledger.Proposal, now uint64) error {
	if t.closed {
		return nil
	}
	if _, err := t.mirror.Sync(p); err != nil {
		t.closed = true
		return fault.Wrap(fault.ProtocolViolation, "sync proposal", err)
	}
	if t.mirror.Terminal() {
		t.closed = true
		c.log.Info().
			Str("proposer", p.Proposer.String()).
			Str("status", p.Status.String()).
			Int("rounds", t.search.Rounds()).
			Msg("Dispute closed")
		return nil
	}
	if p.Missed(now) {
		return c.finalize(ctx, p, "Finalized proposal after missed deadline")
	}
	if p.ChallengesBy(c.caller.Address()) == 0 && now >= p.NewChallengerSubmissionEnds {
		t.closed = true
		c.log.Warn().Str("proposer", p.Proposer.String()).Msg("Challenge window closed before disputing")
		return fault.New(fault.RaceLoss, "challenge", "challenge window closed")
	}

	if !t.search.Done() {
		index, need := t.search.Step(p)
		if need {
			return c.challenge(ctx, p, index, now)
		}
		c.log.Info().
			Str("proposer", p.Proposer.String()).
			Uint64("leaf", t.search.Divergence()).
			Int("rounds", t.search.Rounds()).
			Msg("Located divergent leaf")
	}

	plan := PlanEvidence(c.ref, p, t.search.Divergence())
	if len(plan) == 0 {
		if p.Pending == 0 && !t.idle {
			t.idle = true
			c.log.Warn().Str("proposer", p.Proposer.String()).Msg("Evidence exhausted without rejection")
		}
		return nil
	}
	for _, ev := range plan {
		var err error
		switch ev.Kind {
		case EvidenceChallenge:
			err = c.challenge(ctx, p, ev.Index, now)
		case EvidenceMissing:
			err = c.claimMissing(ctx, p, ev.Index, ev.Account)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (c *Challenger) challenge(ctx context.Context, p *ledger.Proposal, index uint64, now uint64) error {
	const op = "challenge"
	if _, open := p.OpenChallenge(index); open {
		return nil
	}
	if _, answered := p.Answer(index); answered {
		return nil
	}
	bal, err := c.reader.Balance(ctx, c.caller.Address())
	if err != nil {
		return err
	}
	if bal.Lt(&c.fee) {
		err := fault.New(fault.Resource, op, "balance below challenge fee")
		c.sink.Report(fault.NewReport(err, map[string]string{
			"balance":  bal.String(),
			"fee":      types.FormatAmount(&c.fee),
			"proposer": p.Proposer.String(),
		}))
		return nil
	}

	_, err = c.caller.Call(ctx, c.contract, ledger.MethodChallenge, ledger.ChallengeParams{
		Proposer: p.Proposer,
		Index:    index,
	})
	if err == nil {
		c.log.Debug().Str("proposer", p.Proposer.String()).Uint64("index", index).Msg("Challenged leaf")
		return nil
	}
	cur, rerr := c.reader.Proposal(ctx, c.contract, p.Proposer)
	if rerr != nil {
		return err
	}
	if cur.Status.Terminal() {
		return nil
	}
	if _, open := cur.OpenChallenge(index); open {
		return nil
	}
	if _, answered := cur.Answer(index); answered {
		return nil
	}
	return classify(op, err)
}

func (c *Challenger) claimMissing(ctx context.Context, p *ledger.Proposal, index uint64, account types.Address) error {
	const op = "claim missing account"
	_, err := c.caller.Call(ctx, c.contract, ledger.MethodClaimMissing, ledger.ClaimMissingParams{
		Proposer: p.Proposer,
		Index:    index,
		Account:  account,
	})
	if err == nil {
		c.log.Info().
			Str("proposer", p.Proposer.String()).
			Uint64("index", index).
			Str("account", account.String()).
			Msg("Claimed missing account")
		return nil
	}
	cur, rerr := c.reader.Proposal(ctx, c.contract, p.Proposer)
	if rerr == nil && cur.Status.Terminal() {
		return nil
	}
	return classify(op, err)
}

// finalize settles an opponent's proposal and logs msg on success.
func (c *Challenger) finalize(ctx context.Context, p *ledger.Proposal, msg string) error {
	if err := finalize(ctx, c.caller, c.reader, c.contract, p.Proposer); err != nil {
		return err
	}
	c.log.Info().Str("proposer", p.Proposer.String()).Msg(msg)
	return nil
}
