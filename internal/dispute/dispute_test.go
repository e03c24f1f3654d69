package dispute_test

import (
	"context"
	"errors"
	"testing"

	"github.com/Klingon-tech/klingnet-driver/internal/dispute"
	"github.com/Klingon-tech/klingnet-driver/internal/fault"
	"github.com/Klingon-tech/klingnet-driver/internal/ledger"
	"github.com/Klingon-tech/klingnet-driver/internal/ledger/ledgertest"
	klog "github.com/Klingon-tech/klingnet-driver/internal/log"
	"github.com/Klingon-tech/klingnet-driver/internal/storage"
	"github.com/Klingon-tech/klingnet-driver/internal/store"
	"github.com/Klingon-tech/klingnet-driver/pkg/crypto"
	"github.com/Klingon-tech/klingnet-driver/pkg/sumtree"
	"github.com/Klingon-tech/klingnet-driver/pkg/types"
)

var (
	addrA = types.Address{0x10}
	addrB = types.Address{0x20}
	addrC = types.Address{0x30}
)

type env struct {
	t    *testing.T
	ctx  context.Context
	sim  *ledgertest.Sim
	gov  ledger.Governance
	infl ledger.InflationState
	keys []*crypto.PrivateKey
}

// newEnv funds accounts A, B and C with 50, 100 and 150, plus n driver
// keys with enough balance for fees.
func newEnv(t *testing.T, n int) *env {
	t.Helper()
	alloc := []sumtree.AccountBalance{
		{Address: addrA, Balance: types.U256(50)},
		{Address: addrB, Balance: types.U256(100)},
		{Address: addrC, Balance: types.U256(150)},
	}
	e := &env{t: t, ctx: context.Background()}
	for i := 0; i < n; i++ {
		key, err := crypto.GenerateKey()
		if err != nil {
			t.Fatalf("GenerateKey: %v", err)
		}
		e.keys = append(e.keys, key)
		alloc = append(alloc, sumtree.AccountBalance{Address: key.Address(), Balance: types.U256(1000)})
	}
	e.sim = ledgertest.New(ledgertest.DefaultConfig(), alloc)
	e.gov, _ = e.sim.Governance(e.ctx, ledgertest.Root)
	e.infl, _ = e.sim.Inflation(e.ctx, e.gov.Inflation)
	return e
}

func (e *env) snapshot() []sumtree.AccountBalance {
	e.t.Helper()
	accts, err := e.sim.BalancesAt(e.ctx, e.infl.SnapshotBlock)
	if err != nil {
		e.t.Fatalf("BalancesAt: %v", err)
	}
	return accts
}

func (e *env) tree(accts []sumtree.AccountBalance) *sumtree.Tree {
	e.t.Helper()
	tree, err := sumtree.Build(accts)
	if err != nil {
		e.t.Fatalf("Build: %v", err)
	}
	return tree
}

func (e *env) proposer(key *crypto.PrivateKey, st *store.Store) *dispute.Proposer {
	return dispute.NewProposer(ledger.NewSubmitter(e.sim, key), e.sim, st, klog.NopSink,
		e.gov.Inflation, e.gov.Generation)
}

func (e *env) challenger(key *crypto.PrivateKey, ref *sumtree.Tree) *dispute.Challenger {
	return dispute.NewChallenger(ledger.NewSubmitter(e.sim, key), e.sim, klog.NopSink,
		e.gov.Inflation, e.gov.Generation, ref, e.infl.ChallengeFee.Int)
}

type stepper interface {
	Step(ctx context.Context, now uint64) error
}

// drive steps every actor once per block until done reports true.
func (e *env) drive(rounds int, done func() bool, actors ...stepper) {
	e.t.Helper()
	for i := 0; i < rounds; i++ {
		now := e.sim.Now()
		for _, a := range actors {
			if err := a.Step(e.ctx, now); err != nil {
				e.t.Errorf("step at %d: %v", now, err)
			}
		}
		if done() {
			return
		}
		e.sim.Advance(1)
	}
	e.t.Fatalf("not done after %d blocks", rounds)
}

func (e *env) status(proposer types.Address) ledger.ProposalStatus {
	e.t.Helper()
	p, err := e.sim.Proposal(e.ctx, e.gov.Inflation, proposer)
	if err != nil {
		e.t.Fatalf("Proposal: %v", err)
	}
	return p.Status
}

func TestHonestProposalAccepted(t *testing.T) {
	e := newEnv(t, 3)
	tree := e.tree(e.snapshot())
	if tree.Count() != 6 {
		t.Fatalf("snapshot has %d accounts", tree.Count())
	}

	prop := e.proposer(e.keys[0], store.New(storage.NewMemory()))
	if ok, err := prop.Funded(e.ctx, &e.infl.ProposerFee.Int); err != nil || !ok {
		t.Fatalf("Funded = %v, %v", ok, err)
	}
	if err := prop.Propose(e.ctx, tree); err != nil {
		t.Fatalf("Propose: %v", err)
	}
	// Proposing twice is a no-op.
	if err := prop.Propose(e.ctx, tree); err != nil {
		t.Fatalf("second Propose: %v", err)
	}

	// An agreeing challenger leaves the proposal alone; a third party
	// challenges one leaf, which the proposer answers.
	agree := e.challenger(e.keys[1], e.tree(e.snapshot()))
	third := ledger.NewSubmitter(e.sim, e.keys[2])
	if _, err := third.Call(e.ctx, e.gov.Inflation, ledger.MethodChallenge,
		ledger.ChallengeParams{Proposer: e.keys[0].Address(), Index: 1}); err != nil {
		t.Fatalf("challenge: %v", err)
	}

	e.drive(120, prop.Idle, prop, agree)

	if s := e.status(e.keys[0].Address()); s != ledger.StatusAccepted {
		t.Fatalf("status = %s, want accepted", s)
	}
	if n := e.sim.Calls(ledger.MethodChallenge); n != 1 {
		t.Errorf("%d challenges, want only the third party's", n)
	}
	if n := e.sim.Calls(ledger.MethodRespond); n != 1 {
		t.Errorf("%d responses, want 1", n)
	}
	infl, _ := e.sim.Inflation(e.ctx, e.gov.Inflation)
	if !infl.Accepted || infl.AcceptedRoot != tree.Root() {
		t.Errorf("inflation state = %+v", infl)
	}

	err := prop.Finalize(e.ctx)
	if !errors.Is(err, dispute.ErrProposalClosed) || !fault.Is(err, fault.ProtocolViolation) {
		t.Errorf("finalize after acceptance: %v", err)
	}
	if err := prop.Propose(e.ctx, tree); !errors.Is(err, dispute.ErrProposalClosed) {
		t.Errorf("propose after acceptance: %v", err)
	}
}

func TestForgedEntryRejected(t *testing.T) {
	e := newEnv(t, 2)
	honest := e.snapshot()
	forged := append([]sumtree.AccountBalance{{Address: types.Address{0x15}, Balance: types.U256(75)}}, honest...)
	forgedTree := e.tree(forged)

	forger := e.proposer(e.keys[0], nil)
	if err := forger.Propose(e.ctx, forgedTree); err != nil {
		t.Fatalf("Propose: %v", err)
	}
	ch := e.challenger(e.keys[1], e.tree(honest))

	e.drive(200, forger.Idle, ch, forger)

	if s := e.status(e.keys[0].Address()); s != ledger.StatusRejected {
		t.Fatalf("status = %s, want rejected", s)
	}
	search, _, ok := ch.Target(e.keys[0].Address())
	if !ok {
		t.Fatal("challenger never disputed the forged proposal")
	}
	if limit := sumtree.Depth(forgedTree.Count()); search.Rounds() > limit {
		t.Errorf("search took %d rounds, want <= %d", search.Rounds(), limit)
	}
	if n := e.sim.Calls(ledger.MethodClaimMissing); n != 0 {
		t.Errorf("%d missing-account claims for a forged balance", n)
	}
}

func TestOmittedAccountRejected(t *testing.T) {
	e := newEnv(t, 2)
	honest := e.snapshot()
	var omitted []sumtree.AccountBalance
	for _, a := range honest {
		if a.Address != addrB {
			omitted = append(omitted, a)
		}
	}

	forger := e.proposer(e.keys[0], nil)
	if err := forger.Propose(e.ctx, e.tree(omitted)); err != nil {
		t.Fatalf("Propose: %v", err)
	}
	ch := e.challenger(e.keys[1], e.tree(honest))

	e.drive(200, forger.Idle, ch, forger)

	if s := e.status(e.keys[0].Address()); s != ledger.StatusRejected {
		t.Fatalf("status = %s, want rejected", s)
	}
	if n := e.sim.Calls(ledger.MethodClaimMissing); n != 1 {
		t.Errorf("%d missing-account claims, want 1", n)
	}
}

type silent struct{}

func (silent) Step(context.Context, uint64) error { return nil }

func TestUnansweredChallengeRejects(t *testing.T) {
	e := newEnv(t, 2)
	honest := e.snapshot()
	wrong := append([]sumtree.AccountBalance(nil), honest...)
	wrong[0].Balance = types.U256(1)

	forger := e.proposer(e.keys[0], nil)
	if err := forger.Propose(e.ctx, e.tree(wrong)); err != nil {
		t.Fatalf("Propose: %v", err)
	}
	ch := e.challenger(e.keys[1], e.tree(honest))
	done := func() bool { return e.status(e.keys[0].Address()) == ledger.StatusRejected }

	e.drive(100, done, ch, silent{})

	if n := e.sim.Calls(ledger.MethodFinalize); n != 1 {
		t.Errorf("%d finalize calls, want the challenger's 1", n)
	}
}

func TestSilentProposerFinalizedByChallenger(t *testing.T) {
	e := newEnv(t, 2)
	tree := e.tree(e.snapshot())

	prop := e.proposer(e.keys[0], nil)
	if err := prop.Propose(e.ctx, tree); err != nil {
		t.Fatalf("Propose: %v", err)
	}
	ch := e.challenger(e.keys[1], e.tree(e.snapshot()))
	done := func() bool { return e.status(e.keys[0].Address()) == ledger.StatusAccepted }

	e.drive(200, done, ch, silent{})

	if n := e.sim.Calls(ledger.MethodChallenge); n != 0 {
		t.Errorf("%d challenges against an agreeing proposal", n)
	}
	if n := e.sim.Calls(ledger.MethodFinalize); n != 1 {
		t.Errorf("%d finalize calls, want 1", n)
	}
}

type stepFunc func(ctx context.Context, now uint64) error

func (f stepFunc) Step(ctx context.Context, now uint64) error { return f(ctx, now) }

func TestFinalizeReady(t *testing.T) {
	e := newEnv(t, 2)
	prop := e.proposer(e.keys[0], nil)
	if err := prop.Propose(e.ctx, e.tree(e.snapshot())); err != nil {
		t.Fatalf("Propose: %v", err)
	}
	caller := ledger.NewSubmitter(e.sim, e.keys[1])

	if err := dispute.FinalizeReady(e.ctx, caller, e.sim, e.gov.Inflation, e.sim.Now()); err != nil {
		t.Fatalf("FinalizeReady: %v", err)
	}
	if n := e.sim.Calls(ledger.MethodFinalize); n != 0 {
		t.Fatalf("finalized %d proposals inside the challenge window", n)
	}

	settle := stepFunc(func(ctx context.Context, now uint64) error {
		return dispute.FinalizeReady(ctx, caller, e.sim, e.gov.Inflation, now)
	})
	done := func() bool { return e.status(e.keys[0].Address()) == ledger.StatusAccepted }
	e.drive(200, done, settle)

	if n := e.sim.Calls(ledger.MethodFinalize); n != 1 {
		t.Errorf("%d finalize calls, want 1", n)
	}
}

func TestDuplicateRootIsRaceLoss(t *testing.T) {
	e := newEnv(t, 2)
	tree := e.tree(e.snapshot())

	first := e.proposer(e.keys[0], nil)
	if err := first.Propose(e.ctx, tree); err != nil {
		t.Fatalf("Propose: %v", err)
	}
	second := e.proposer(e.keys[1], nil)
	err := second.Propose(e.ctx, tree)
	if !fault.Is(err, fault.RaceLoss) {
		t.Fatalf("expected race loss, got %v", err)
	}
	if !second.Idle() {
		t.Error("losing proposer should go idle")
	}
}

func TestLostResponseReconciled(t *testing.T) {
	e := newEnv(t, 2)
	tree := e.tree(e.snapshot())
	prop := e.proposer(e.keys[0], nil)
	if err := prop.Propose(e.ctx, tree); err != nil {
		t.Fatalf("Propose: %v", err)
	}
	third := ledger.NewSubmitter(e.sim, e.keys[1])
	if _, err := third.Call(e.ctx, e.gov.Inflation, ledger.MethodChallenge,
		ledger.ChallengeParams{Proposer: e.keys[0].Address(), Index: 0}); err != nil {
		t.Fatalf("challenge: %v", err)
	}

	// The response executes but its receipt is lost.
	e.sim.LoseNext(ledger.MethodRespond, 1)
	if err := prop.Step(e.ctx, e.sim.Now()); err != nil {
		t.Fatalf("Step: %v", err)
	}
	p, _ := e.sim.Proposal(e.ctx, e.gov.Inflation, e.keys[0].Address())
	if _, ok := p.Answer(0); !ok || p.Pending != 0 {
		t.Fatalf("answer not recorded: %+v", p)
	}

	e.drive(120, prop.Idle, prop)
	if n := e.sim.Calls(ledger.MethodRespond); n != 1 {
		t.Errorf("%d responses, want 1", n)
	}
}

func TestProposerRestore(t *testing.T) {
	e := newEnv(t, 1)
	st := store.New(storage.NewMemory())
	tree := e.tree(e.snapshot())

	if err := e.proposer(e.keys[0], st).Propose(e.ctx, tree); err != nil {
		t.Fatalf("Propose: %v", err)
	}

	restarted := e.proposer(e.keys[0], st)
	ok, err := restarted.Restore(e.ctx)
	if err != nil || !ok {
		t.Fatalf("Restore = %v, %v", ok, err)
	}
	if restarted.Tree().Root() != tree.Root() {
		t.Error("restored a different tree")
	}
	e.drive(120, restarted.Idle, restarted)
	if s := e.status(e.keys[0].Address()); s != ledger.StatusAccepted {
		t.Errorf("status = %s, want accepted", s)
	}

	// Without its tree the proposal cannot be defended.
	lost := e.proposer(e.keys[0], store.New(storage.NewMemory()))
	if _, err := lost.Restore(e.ctx); !fault.Is(err, fault.ProtocolViolation) {
		t.Errorf("restore without tree: %v", err)
	}
}

func TestSelfCheckCatchesCorruptProof(t *testing.T) {
	e := newEnv(t, 0)
	tree := e.tree(e.snapshot())
	proof, err := tree.ProveLeaf(1)
	if err != nil {
		t.Fatalf("ProveLeaf: %v", err)
	}
	if err := dispute.SelfCheck(tree, proof); err != nil {
		t.Fatalf("valid proof: %v", err)
	}
	proof.Leaf.Balance = types.U256(99)
	if err := dispute.SelfCheck(tree, proof); err == nil {
		t.Error("corrupt proof passed self-check")
	}
}
