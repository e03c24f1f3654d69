package driver

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"github.com/Klingon-tech/klingnet-driver/internal/beacon"
	"github.com/Klingon-tech/klingnet-driver/internal/dispute"
	"github.com/Klingon-tech/klingnet-driver/internal/fault"
	"github.com/Klingon-tech/klingnet-driver/internal/ledger"
	klog "github.com/Klingon-tech/klingnet-driver/internal/log"
	"github.com/Klingon-tech/klingnet-driver/pkg/sumtree"
	"github.com/Klingon-tech/klingnet-driver/pkg/types"
)

// fundCheckInterval is the number of blocks between balance checks while
// the driver cannot pay the proposer fee.
const fundCheckInterval = 32

// inflationPhase runs the distribution round: build the snapshot, propose
// or challenge roots, then produce the beacon once a root is accepted.
type inflationPhase struct {
	d        *Driver
	gen      uint64
	contract types.Address
	state    ledger.InflationState
	log      zerolog.Logger

	tree       *sumtree.Tree
	badData    bool
	proposer   *dispute.Proposer
	restored   bool
	fundCheck  uint64
	challenger *dispute.Challenger
	beacon     *beacon.Coordinator
}

func (p *inflationPhase) Name() string { return "inflation" }

func (p *inflationPhase) Init(ctx context.Context, gov ledger.Governance) error {
	p.Close()
	*p = inflationPhase{
		d:        p.d,
		gen:      gov.Generation,
		contract: gov.Inflation,
		log:      klog.WithGeneration(klog.Driver, gov.Generation).With().Str("phase", "inflation").Logger(),
	}
	if p.contract.IsZero() {
		return nil
	}
	st, err := p.d.reader.Inflation(ctx, p.contract)
	if err != nil {
		return err
	}
	p.state = st

	if s := p.d.store; s != nil {
		if err := s.SetGeneration(p.gen); err != nil {
			p.log.Warn().Err(err).Msg("Failed to record generation")
		}
		if n, err := s.PruneTrees(p.gen); err != nil {
			p.log.Warn().Err(err).Msg("Failed to prune old snapshots")
		} else if n > 0 {
			p.log.Debug().Int("trees", n).Msg("Pruned old snapshots")
		}
	}
	if p.d.cfg.Propose {
		p.proposer = dispute.NewProposer(p.d.caller, p.d.reader, p.d.store, p.d.sink, p.contract, p.gen)
	}
	p.log.Info().
		Uint64("snapshot_block", st.SnapshotBlock).
		Str("proposer_fee", st.ProposerFee.String()).
		Str("challenge_fee", st.ChallengeFee.String()).
		Bool("accepted", st.Accepted).
		Msg("Inflation round opened")
	return nil
}

func (p *inflationPhase) OnBlock(ctx context.Context, head *ledger.Head) error {
	if p.contract.IsZero() || (p.beacon != nil && p.beacon.Done()) {
		return nil
	}
	st, err := p.d.reader.Inflation(ctx, p.contract)
	if err != nil {
		return err
	}
	p.state = st

	var errs *multierror.Error
	if p.proposer != nil && (p.proposer.Mirror() != nil || !st.Accepted) {
		if err := p.stepProposer(ctx, head); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	if st.Accepted {
		if err := p.stepBeacon(ctx, head); err != nil {
			errs = multierror.Append(errs, err)
		}
		return errs.ErrorOrNil()
	}
	if p.d.cfg.Challenge {
		if err := p.stepChallenger(ctx, head); err != nil {
			errs = multierror.Append(errs, err)
		}
	} else if err := dispute.FinalizeReady(ctx, p.d.caller, p.d.reader, p.contract, head.Block.Time); err != nil {
		errs = multierror.Append(errs, err)
	}
	return errs.ErrorOrNil()
}

// snapshot builds the reference tree once the snapshot block exists.
func (p *inflationPhase) snapshot(ctx context.Context, head *ledger.Head) (*sumtree.Tree, error) {
	if p.tree != nil || p.badData || head.Block.Number < p.state.SnapshotBlock {
		return p.tree, nil
	}
	log := klog.WithGeneration(klog.Snapshot, p.gen)
	done := klog.Timer(log, "build snapshot")
	defer done()

	accounts, err := p.d.balances.BalancesAt(ctx, p.state.SnapshotBlock)
	if err != nil {
		return nil, fmt.Errorf("balances at %d: %w", p.state.SnapshotBlock, err)
	}
	tree, err := sumtree.NewBuilder(p.d.cfg.Exclude).Build(accounts)
	if err != nil {
		// The source returns the same data for this height every time.
		p.badData = true
		return nil, fault.Wrap(fault.ProtocolViolation, "build snapshot", err)
	}
	total := tree.Total()
	log.Info().
		Uint64("block", p.state.SnapshotBlock).
		Uint64("accounts", tree.Count()).
		Str("total", types.FormatAmount(&total)).
		Str("root", tree.Root().Short()).
		Msg("Snapshot built")
	p.tree = tree
	return tree, nil
}

func (p *inflationPhase) stepProposer(ctx context.Context, head *ledger.Head) error {
	pr := p.proposer
	if pr.Idle() {
		return nil
	}
	if pr.Mirror() == nil && !p.restored {
		p.restored = true
		if _, err := pr.Restore(ctx); err != nil {
			return err
		}
	}
	if pr.Mirror() == nil {
		if p.state.Accepted || head.Block.Number < p.fundCheck {
			return nil
		}
		tree, err := p.snapshot(ctx, head)
		if err != nil || tree == nil {
			return err
		}
		ok, err := pr.Funded(ctx, &p.state.ProposerFee.Int)
		if err != nil {
			return err
		}
		if !ok {
			p.fundCheck = head.Block.Number + fundCheckInterval
			p.log.Warn().Str("fee", p.state.ProposerFee.String()).Msg("Cannot pay proposer fee, skipping proposal")
			return nil
		}
		if err := pr.Propose(ctx, tree); err != nil {
			return err
		}
	}
	return pr.Step(ctx, head.Block.Time)
}

func (p *inflationPhase) stepChallenger(ctx context.Context, head *ledger.Head) error {
	if p.challenger == nil {
		tree, err := p.snapshot(ctx, head)
		if err != nil || tree == nil {
			return err
		}
		p.challenger = dispute.NewChallenger(p.d.caller, p.d.reader, p.d.sink,
			p.contract, p.gen, tree, p.state.ChallengeFee.Int)
	}
	return p.challenger.Step(ctx, head.Block.Time)
}

func (p *inflationPhase) stepBeacon(ctx context.Context, head *ledger.Head) error {
	if p.beacon == nil {
		p.log.Info().Str("root", p.state.AcceptedRoot.Short()).Msg("Snapshot root accepted, starting beacon")
		p.challenger = nil
		p.beacon = beacon.NewCoordinator(p.d.caller, p.d.reader, p.d.store, p.d.sink,
			p.contract, p.gen, p.d.cfg.MaxAttempts)
	}
	return p.beacon.Step(ctx, head.Block)
}

func (p *inflationPhase) Close() {
	if p.beacon != nil {
		p.beacon.Close()
		p.beacon = nil
	}
	p.proposer = nil
	p.challenger = nil
	p.tree = nil
}
