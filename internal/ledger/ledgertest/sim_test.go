package ledgertest

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/Klingon-tech/klingnet-driver/internal/ledger"
	"github.com/Klingon-tech/klingnet-driver/pkg/crypto"
	"github.com/Klingon-tech/klingnet-driver/pkg/sumtree"
	"github.com/Klingon-tech/klingnet-driver/pkg/types"
	"github.com/Klingon-tech/klingnet-driver/pkg/vdf"
)

type actor struct {
	key   *crypto.PrivateKey
	nonce uint64
}

func newActor(t *testing.T) *actor {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	return &actor{key: key}
}

func (a *actor) call(s *Sim, contract types.Address, m ledger.Method, params any) error {
	tx, err := ledger.NewTx(contract, m, params)
	if err != nil {
		return err
	}
	tx.Nonce = a.nonce
	if err := tx.Sign(a.key); err != nil {
		return err
	}
	_, err = s.Submit(context.Background(), tx)
	if err == nil || errors.Is(err, ledger.ErrReverted) {
		a.nonce++
	}
	return err
}

func reason(err error) string {
	var r *ledger.RevertError
	if errors.As(err, &r) {
		return r.Reason
	}
	return ""
}

func TestGenerationRotation(t *testing.T) {
	ctx := context.Background()
	a := newActor(t)
	s := New(DefaultConfig(), nil)
	sub, _ := s.Subscribe(ctx)
	defer sub.Unsubscribe()

	if err := a.call(s, TimeContract, ledger.MethodIncrementGeneration, struct{}{}); reason(err) != ledger.ReasonTooEarly {
		t.Fatalf("early increment: %v", err)
	}
	old, _ := s.Governance(ctx, Root)
	s.Advance(s.Config().GenerationLength)
	if err := a.call(s, TimeContract, ledger.MethodIncrementGeneration, struct{}{}); err != nil {
		t.Fatalf("increment: %v", err)
	}
	s.Advance(1)

	var head ledger.Head
	for head = range sub.Heads() {
		if len(head.Events) > 0 {
			break
		}
	}
	if !head.Has(ledger.EventPhaseChanged) || head.Events[0].Generation != 2 {
		t.Errorf("head events = %+v", head.Events)
	}
	if _, err := s.Currency(ctx, old.Currency); !errors.Is(err, ledger.ErrNotFound) {
		t.Error("previous generation contract should be gone")
	}
	err := a.call(s, old.Currency, ledger.MethodCompute, struct{}{})
	if reason(err) != ledger.ReasonUnknownContract {
		t.Errorf("stale contract call: %v", err)
	}
}

func TestBadNonceRejected(t *testing.T) {
	a := newActor(t)
	s := New(DefaultConfig(), nil)
	a.nonce = 5
	err := a.call(s, TimeContract, ledger.MethodIncrementGeneration, struct{}{})
	if reason(err) != ledger.ReasonBadNonce {
		t.Errorf("expected bad nonce, got %v", err)
	}
}

func TestBeaconLifecycle(t *testing.T) {
	ctx := context.Background()
	a, b := newActor(t), newActor(t)
	cfg := DefaultConfig()
	s := New(cfg, nil)
	gov, _ := s.Governance(ctx, Root)

	blk := s.Advance(1)
	primal, err := vdf.Primal(blk.Hash)
	if err != nil {
		t.Fatalf("Primal: %v", err)
	}
	wrong := new(big.Int).Add(primal, big.NewInt(2))
	if err := a.call(s, gov.Inflation, ledger.MethodSetPrimal, ledger.SetPrimalParams{Block: blk.Number, Primal: wrong}); reason(err) != ledger.ReasonBadPrimal {
		t.Fatalf("wrong primal: %v", err)
	}
	if err := a.call(s, gov.Inflation, ledger.MethodSetPrimal, ledger.SetPrimalParams{Block: blk.Number, Primal: primal}); err != nil {
		t.Fatalf("SetPrimal: %v", err)
	}
	if err := b.call(s, gov.Inflation, ledger.MethodSetPrimal, ledger.SetPrimalParams{Block: blk.Number, Primal: primal}); reason(err) != ledger.ReasonDuplicate {
		t.Fatalf("second SetPrimal: %v", err)
	}

	seed := vdf.Seed(primal)
	if err := a.call(s, gov.Inflation, ledger.MethodCommitSeed, ledger.CommitSeedParams{Seed: seed}); err != nil {
		t.Fatalf("CommitSeed: %v", err)
	}

	proof, err := vdf.Prove(ctx, seed, cfg.Difficulty)
	if err != nil {
		t.Fatalf("Prove: %v", err)
	}
	if err := a.call(s, gov.Inflation, ledger.MethodSubmitVDF, ledger.SubmitVDFParams{Output: vdf.Output(proof.Y)}); reason(err) != ledger.ReasonNotVerified {
		t.Fatalf("submit before verification: %v", err)
	}
	if err := a.call(s, gov.Inflation, ledger.MethodStartVDF, ledger.StartVDFParams{Y: proof.Y}); err != nil {
		t.Fatalf("StartVDF: %v", err)
	}
	for i, u := range proof.Sequence {
		if err := a.call(s, gov.Inflation, ledger.MethodUpdateVDF, ledger.UpdateVDFParams{Index: i + 1, U: u}); err != nil {
			t.Fatalf("UpdateVDF %d: %v", i+1, err)
		}
	}
	st, _ := s.Beacon(ctx, gov.Inflation, a.key.Address())
	if !st.Prover.Verified {
		t.Fatal("prover should be verified")
	}
	if err := a.call(s, gov.Inflation, ledger.MethodSubmitVDF, ledger.SubmitVDFParams{Output: vdf.Output(proof.Y)}); err != nil {
		t.Fatalf("SubmitVDF: %v", err)
	}
	st, _ = s.Beacon(ctx, gov.Inflation, b.key.Address())
	if !st.Done || st.Submitter != a.key.Address() {
		t.Errorf("beacon = %+v", st)
	}
	if err := b.call(s, gov.Inflation, ledger.MethodStartVDF, ledger.StartVDFParams{Y: proof.Y}); reason(err) != ledger.ReasonDuplicate {
		t.Errorf("late prover: %v", err)
	}
}

func TestBeaconPrimalReplaceable(t *testing.T) {
	ctx := context.Background()
	a := newActor(t)
	cfg := DefaultConfig()
	s := New(cfg, nil)
	gov, _ := s.Governance(ctx, Root)

	blk := s.Advance(1)
	primal, _ := vdf.Primal(blk.Hash)
	if err := a.call(s, gov.Inflation, ledger.MethodSetPrimal, ledger.SetPrimalParams{Block: blk.Number, Primal: primal}); err != nil {
		t.Fatalf("SetPrimal: %v", err)
	}
	// Nobody commits the seed in time; the primal can be replaced.
	blk = s.Advance(cfg.SeedWindow)
	primal, _ = vdf.Primal(blk.Hash)
	if err := a.call(s, gov.Inflation, ledger.MethodSetPrimal, ledger.SetPrimalParams{Block: blk.Number, Primal: primal}); err != nil {
		t.Fatalf("replacing stale primal: %v", err)
	}
	st, _ := s.Beacon(ctx, gov.Inflation, a.key.Address())
	if st.PrimalBlock != blk.Number || st.HasSeed() {
		t.Errorf("beacon = %+v", st)
	}
}

func TestDisputeRules(t *testing.T) {
	ctx := context.Background()
	prop, chal := newActor(t), newActor(t)
	alloc := []sumtree.AccountBalance{
		{Address: prop.key.Address(), Balance: types.U256(100)},
		{Address: chal.key.Address(), Balance: types.U256(100)},
	}
	s := New(DefaultConfig(), alloc)
	gov, _ := s.Governance(ctx, Root)
	tree, err := sumtree.Build(alloc)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	total := types.Amount{Int: tree.Total()}
	propose := ledger.ProposeParams{Root: tree.Root(), Total: total, Count: tree.Count()}

	if err := prop.call(s, gov.Inflation, ledger.MethodProposeRoot, propose); err != nil {
		t.Fatalf("propose: %v", err)
	}
	if err := chal.call(s, gov.Inflation, ledger.MethodProposeRoot, propose); reason(err) != ledger.ReasonDuplicate {
		t.Errorf("same root twice: %v", err)
	}
	if bal, _ := s.Balance(ctx, prop.key.Address()); bal.Uint64() != 90 {
		t.Errorf("proposer balance %s, want 90", bal)
	}

	if err := prop.call(s, gov.Inflation, ledger.MethodChallenge, ledger.ChallengeParams{Proposer: prop.key.Address(), Index: 0}); reason(err) != ledger.ReasonUnauthorized {
		t.Errorf("self challenge: %v", err)
	}
	ch := ledger.ChallengeParams{Proposer: prop.key.Address(), Index: 1}
	if err := chal.call(s, gov.Inflation, ledger.MethodChallenge, ch); err != nil {
		t.Fatalf("challenge: %v", err)
	}
	if err := chal.call(s, gov.Inflation, ledger.MethodChallenge, ch); reason(err) != ledger.ReasonDuplicate {
		t.Errorf("duplicate challenge: %v", err)
	}

	proof, _ := tree.ProveLeaf(1)
	if err := prop.call(s, gov.Inflation, ledger.MethodRespond, ledger.RespondParams{Challenger: chal.key.Address(), Proof: *proof}); err != nil {
		t.Fatalf("respond: %v", err)
	}
	p, _ := s.Proposal(ctx, gov.Inflation, prop.key.Address())
	if p.Pending != 0 || p.Status != ledger.StatusChallenged {
		t.Fatalf("proposal = %+v", p)
	}

	fin := ledger.FinalizeParams{Proposer: prop.key.Address()}
	if err := chal.call(s, gov.Inflation, ledger.MethodFinalize, fin); reason(err) != ledger.ReasonTooEarly {
		t.Errorf("early finalize: %v", err)
	}
	s.Advance(s.Config().ChallengeWindow)
	if err := chal.call(s, gov.Inflation, ledger.MethodFinalize, fin); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if err := chal.call(s, gov.Inflation, ledger.MethodFinalize, fin); reason(err) != ledger.ReasonClosed {
		t.Errorf("finalize twice: %v", err)
	}
	st, _ := s.Inflation(ctx, gov.Inflation)
	if !st.Accepted || st.AcceptedRoot != tree.Root() {
		t.Errorf("inflation state = %+v", st)
	}
}

func TestMissedDeadlineRejects(t *testing.T) {
	ctx := context.Background()
	prop, chal := newActor(t), newActor(t)
	alloc := []sumtree.AccountBalance{
		{Address: prop.key.Address(), Balance: types.U256(100)},
		{Address: chal.key.Address(), Balance: types.U256(100)},
	}
	s := New(DefaultConfig(), alloc)
	gov, _ := s.Governance(ctx, Root)
	tree, _ := sumtree.Build(alloc)

	prop.call(s, gov.Inflation, ledger.MethodProposeRoot, ledger.ProposeParams{
		Root: tree.Root(), Total: types.Amount{Int: tree.Total()}, Count: tree.Count(),
	})
	if err := chal.call(s, gov.Inflation, ledger.MethodChallenge, ledger.ChallengeParams{Proposer: prop.key.Address(), Index: 0}); err != nil {
		t.Fatalf("challenge: %v", err)
	}
	s.Advance(s.Config().ResponseWindow + 1)

	proof, _ := tree.ProveLeaf(0)
	if err := prop.call(s, gov.Inflation, ledger.MethodRespond, ledger.RespondParams{Challenger: chal.key.Address(), Proof: *proof}); reason(err) != ledger.ReasonTooLate {
		t.Errorf("late respond: %v", err)
	}
	if err := chal.call(s, gov.Inflation, ledger.MethodFinalize, ledger.FinalizeParams{Proposer: prop.key.Address()}); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	p, _ := s.Proposal(ctx, gov.Inflation, prop.key.Address())
	if p.Status != ledger.StatusRejected {
		t.Errorf("status = %s, want rejected", p.Status)
	}
}
