package driver

import (
	"context"

	"github.com/Klingon-tech/klingnet-driver/internal/ledger"
	"github.com/Klingon-tech/klingnet-driver/pkg/types"
)

// noParams is the argument of parameterless contract methods.
var noParams = struct{}{}

// timePhase rolls the generation over once its end time passes.
type timePhase struct {
	d         *Driver
	gov       ledger.Governance
	increment attempt
}

func (p *timePhase) Name() string { return "time" }

func (p *timePhase) Init(_ context.Context, gov ledger.Governance) error {
	p.gov = gov
	p.increment = attempt{name: "increment generation"}
	return nil
}

func (p *timePhase) OnBlock(ctx context.Context, head *ledger.Head) error {
	if head.Block.Time < p.gov.NextGenerationStart || p.gov.Time.IsZero() {
		return nil
	}
	return p.d.try(ctx, &p.increment,
		p.d.submit(p.gov.Time, ledger.MethodIncrementGeneration, noParams),
		func(ctx context.Context) (bool, error) {
			gov, err := p.d.reader.Governance(ctx, p.d.cfg.Root)
			return gov.Generation > p.gov.Generation, err
		})
}

func (p *timePhase) Close() {}

// currencyPhase steps the monetary policy vote through its stages and
// computes the result.
type currencyPhase struct {
	d        *Driver
	contract types.Address
	state    ledger.CurrencyState
	advance  attempt
	compute  attempt
}

func (p *currencyPhase) Name() string { return "currency" }

func (p *currencyPhase) Init(ctx context.Context, gov ledger.Governance) error {
	*p = currencyPhase{
		d:        p.d,
		contract: gov.Currency,
		advance:  attempt{name: "update currency stage"},
		compute:  attempt{name: "compute currency vote"},
	}
	if p.contract.IsZero() {
		return nil
	}
	st, err := p.d.reader.Currency(ctx, p.contract)
	p.state = st
	return err
}

func (p *currencyPhase) OnBlock(ctx context.Context, head *ledger.Head) error {
	if p.contract.IsZero() || p.state.Computed {
		return nil
	}
	if p.state.Stage != ledger.StageDone && head.Block.Time < p.state.StageEnds {
		return nil
	}
	st, err := p.d.reader.Currency(ctx, p.contract)
	if err != nil {
		return err
	}
	p.state = st

	switch {
	case st.Stage != ledger.StageDone && head.Block.Time >= st.StageEnds:
		return p.d.try(ctx, &p.advance,
			p.d.submit(p.contract, ledger.MethodUpdateStage, noParams),
			func(ctx context.Context) (bool, error) {
				cur, err := p.d.reader.Currency(ctx, p.contract)
				if err == nil {
					p.state = cur
				}
				return cur.Stage > st.Stage, err
			})
	case st.Stage == ledger.StageDone && !st.Computed:
		return p.d.try(ctx, &p.compute,
			p.d.submit(p.contract, ledger.MethodCompute, noParams),
			func(ctx context.Context) (bool, error) {
				cur, err := p.d.reader.Currency(ctx, p.contract)
				if err == nil {
					p.state = cur
				}
				return cur.Computed, err
			})
	}
	return nil
}

func (p *currencyPhase) Close() {}

// communityPhase deploys the community fund vote, closes it and executes
// the outcome.
type communityPhase struct {
	d        *Driver
	contract types.Address
	state    ledger.CommunityState
	deploy   attempt
	advance  attempt
	execute  attempt
}

func (p *communityPhase) Name() string { return "community" }

func (p *communityPhase) Init(ctx context.Context, gov ledger.Governance) error {
	*p = communityPhase{
		d:        p.d,
		contract: gov.Community,
		deploy:   attempt{name: "deploy community voting"},
		advance:  attempt{name: "update community stage"},
		execute:  attempt{name: "execute community vote"},
	}
	if p.contract.IsZero() {
		return nil
	}
	st, err := p.d.reader.Community(ctx, p.contract)
	p.state = st
	return err
}

func (p *communityPhase) OnBlock(ctx context.Context, head *ledger.Head) error {
	if p.contract.IsZero() || p.state.Executed {
		return nil
	}
	if p.state.Stage != ledger.StageDone && head.Block.Time < p.state.StageEnds {
		return nil
	}
	st, err := p.d.reader.Community(ctx, p.contract)
	if err != nil {
		return err
	}
	p.state = st

	reread := func(check func(ledger.CommunityState) bool) func(context.Context) (bool, error) {
		return func(ctx context.Context) (bool, error) {
			cur, err := p.d.reader.Community(ctx, p.contract)
			if err != nil {
				return false, err
			}
			p.state = cur
			return check(cur), nil
		}
	}

	now := head.Block.Time
	switch {
	case !st.VotingDeployed && now >= st.StageEnds:
		return p.d.try(ctx, &p.deploy,
			p.d.submit(p.contract, ledger.MethodDeployVoting, noParams),
			reread(func(c ledger.CommunityState) bool { return c.VotingDeployed }))
	case st.VotingDeployed && st.Stage != ledger.StageDone && now >= st.StageEnds:
		return p.d.try(ctx, &p.advance,
			p.d.submit(p.contract, ledger.MethodUpdateStage, noParams),
			reread(func(c ledger.CommunityState) bool { return c.Stage == ledger.StageDone }))
	case st.Stage == ledger.StageDone && !st.Executed:
		return p.d.try(ctx, &p.execute,
			p.d.submit(p.contract, ledger.MethodExecuteVote, noParams),
			reread(func(c ledger.CommunityState) bool { return c.Executed }))
	}
	return nil
}

func (p *communityPhase) Close() {}
