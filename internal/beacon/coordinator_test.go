package beacon

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/Klingon-tech/klingnet-driver/internal/fault"
	"github.com/Klingon-tech/klingnet-driver/internal/ledger"
	"github.com/Klingon-tech/klingnet-driver/internal/ledger/ledgertest"
	"github.com/Klingon-tech/klingnet-driver/internal/storage"
	"github.com/Klingon-tech/klingnet-driver/internal/store"
	"github.com/Klingon-tech/klingnet-driver/pkg/crypto"
	"github.com/Klingon-tech/klingnet-driver/pkg/sumtree"
	"github.com/Klingon-tech/klingnet-driver/pkg/types"
	"github.com/Klingon-tech/klingnet-driver/pkg/vdf"
)

type recordSink struct {
	mu      sync.Mutex
	reports []fault.Report
}

func (s *recordSink) Report(r fault.Report) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = append(s.reports, r)
}

func (s *recordSink) count(kind fault.Kind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.reports {
		if r.Kind == kind {
			n++
		}
	}
	return n
}

type harness struct {
	t     *testing.T
	ctx   context.Context
	sim   *ledgertest.Sim
	gov   ledger.Governance
	keys  []*crypto.PrivateKey
	store *store.Store
	sink  *recordSink
}

func newHarness(t *testing.T, n int) *harness {
	t.Helper()
	h := &harness{
		t:     t,
		ctx:   context.Background(),
		store: store.New(storage.NewMemory()),
		sink:  &recordSink{},
	}
	var alloc []sumtree.AccountBalance
	for i := 0; i < n; i++ {
		key, err := crypto.GenerateKey()
		if err != nil {
			t.Fatalf("GenerateKey: %v", err)
		}
		h.keys = append(h.keys, key)
		alloc = append(alloc, sumtree.AccountBalance{Address: key.Address(), Balance: types.U256(1000)})
	}
	h.sim = ledgertest.New(ledgertest.DefaultConfig(), alloc)
	h.gov, _ = h.sim.Governance(h.ctx, ledgertest.Root)
	return h
}

func (h *harness) coordinator(key *crypto.PrivateKey, maxAttempts int) *Coordinator {
	c := NewCoordinator(ledger.NewSubmitter(h.sim, key), h.sim, h.store, h.sink,
		h.gov.Inflation, h.gov.Generation, maxAttempts)
	h.t.Cleanup(c.Close)
	return c
}

func (h *harness) head() ledger.Block {
	h.t.Helper()
	head, err := h.sim.Head(h.ctx)
	if err != nil {
		h.t.Fatalf("Head: %v", err)
	}
	return head
}

// waitProof blocks until a running proof has a result to collect.
func (h *harness) waitProof(c *Coordinator) {
	h.t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for c.session != nil && c.session.Status == StatusProving && len(c.pending) == 0 {
		if time.Now().After(deadline) {
			h.t.Fatal("proof did not finish")
		}
		time.Sleep(time.Millisecond)
	}
}

// run steps every coordinator once per block until all are done and
// returns the errors they reported.
func (h *harness) run(blocks int, cs ...*Coordinator) []error {
	h.t.Helper()
	var errs []error
	for i := 0; i < blocks; i++ {
		done := true
		for _, c := range cs {
			if err := c.Step(h.ctx, h.head()); err != nil {
				errs = append(errs, err)
			}
			done = done && c.Done()
		}
		if done {
			return errs
		}
		for _, c := range cs {
			h.waitProof(c)
		}
		h.sim.Advance(1)
	}
	h.t.Fatalf("beacon not done after %d blocks", blocks)
	return nil
}

func TestSessionCompletes(t *testing.T) {
	h := newHarness(t, 1)
	c := h.coordinator(h.keys[0], 0)

	if errs := h.run(50, c); len(errs) > 0 {
		t.Fatalf("errors: %v", errs)
	}
	s, _ := c.Session()
	if s.Status != StatusComplete {
		t.Fatalf("status = %s", s.Status)
	}
	d := h.sim.Config().Difficulty
	if len(s.Sequence) != d-1 {
		t.Errorf("sequence has %d entries, want %d", len(s.Sequence), d-1)
	}
	st, _ := h.sim.Beacon(h.ctx, h.gov.Inflation, h.keys[0].Address())
	if !st.Done || st.Output != vdf.Output(s.Y) || st.Submitter != h.keys[0].Address() {
		t.Errorf("beacon state = %+v", st)
	}
	if s.Output != st.Output {
		t.Error("session output differs from the ledger's")
	}

	want := map[ledger.Method]int{
		ledger.MethodSetPrimal:  1,
		ledger.MethodCommitSeed: 1,
		ledger.MethodStartVDF:   1,
		ledger.MethodUpdateVDF:  d - 1,
		ledger.MethodSubmitVDF:  1,
	}
	for m, n := range want {
		if got := h.sim.Calls(m); got != n {
			t.Errorf("%s called %d times, want %d", m, got, n)
		}
	}
	if _, err := h.store.Proof(s.Seed, d); err != nil {
		t.Errorf("proof not cached: %v", err)
	}
}

func TestAdoptsCommittedSeed(t *testing.T) {
	h := newHarness(t, 2)
	other := ledger.NewSubmitter(h.sim, h.keys[1])
	head := h.head()
	primal, err := vdf.Primal(head.Hash)
	if err != nil {
		t.Fatalf("Primal: %v", err)
	}
	if _, err := other.Call(h.ctx, h.gov.Inflation, ledger.MethodSetPrimal,
		ledger.SetPrimalParams{Block: head.Number, Primal: primal}); err != nil {
		t.Fatalf("set primal: %v", err)
	}
	if _, err := other.Call(h.ctx, h.gov.Inflation, ledger.MethodCommitSeed,
		ledger.CommitSeedParams{Seed: vdf.Seed(primal)}); err != nil {
		t.Fatalf("commit seed: %v", err)
	}

	c := h.coordinator(h.keys[0], 0)
	if errs := h.run(50, c); len(errs) > 0 {
		t.Fatalf("errors: %v", errs)
	}
	s, _ := c.Session()
	if s.PrimalBlock != head.Number || s.Primal.Cmp(primal) != 0 {
		t.Errorf("session primal = %d@%d", s.Primal, s.PrimalBlock)
	}
	if n := h.sim.Calls(ledger.MethodSetPrimal); n != 1 {
		t.Errorf("set primal called %d times, want 1", n)
	}
}

func TestOtherProverFinishesFirst(t *testing.T) {
	h := newHarness(t, 2)
	a := h.coordinator(h.keys[0], 0)
	b := h.coordinator(h.keys[1], 0)

	if errs := h.run(50, a, b); len(errs) > 0 {
		t.Fatalf("errors: %v", errs)
	}
	sa, _ := a.Session()
	sb, _ := b.Session()
	if sb.Status != StatusComplete || sb.Output != sa.Output {
		t.Errorf("second prover: status %s output %s, want %s", sb.Status, sb.Output.Short(), sa.Output.Short())
	}
	if n := h.sim.Calls(ledger.MethodSubmitVDF); n != 1 {
		t.Errorf("submit called %d times, want 1", n)
	}
}

func TestCachedProofNotRecomputed(t *testing.T) {
	h := newHarness(t, 1)
	d := h.sim.Config().Difficulty
	primal, _ := vdf.Primal(h.head().Hash)
	seed := vdf.Seed(primal)
	proof, err := vdf.Prove(h.ctx, seed, d)
	if err != nil {
		t.Fatalf("Prove: %v", err)
	}
	h.store.PutProof(seed, proof)

	c := h.coordinator(h.keys[0], 0)
	c.prove = func(context.Context, *big.Int, int) (*vdf.Proof, error) {
		t.Error("cached proof recomputed")
		return nil, errors.New("unexpected")
	}
	if errs := h.run(50, c); len(errs) > 0 {
		t.Fatalf("errors: %v", errs)
	}
	if s, _ := c.Session(); s.Y.Cmp(proof.Y) != 0 {
		t.Error("session did not use the cached proof")
	}
}

func TestBadProofAbandonsSession(t *testing.T) {
	h := newHarness(t, 1)
	c := h.coordinator(h.keys[0], 0)
	c.prove = func(ctx context.Context, seed *big.Int, d int) (*vdf.Proof, error) {
		p, err := vdf.Prove(ctx, seed, d)
		if err != nil {
			return nil, err
		}
		p.Y.Add(p.Y, big.NewInt(1))
		return p, nil
	}

	errs := h.run(50, c)
	if len(errs) != 1 || !errors.Is(errs[0], ErrBadProof) || !fault.Is(errs[0], fault.ProtocolViolation) {
		t.Fatalf("errors = %v", errs)
	}
	if s, _ := c.Session(); s.Status != StatusFailed {
		t.Errorf("status = %s, want failed", s.Status)
	}
	if n := h.sim.Calls(ledger.MethodStartVDF); n != 0 {
		t.Errorf("start called %d times for a bad proof", n)
	}
}

func TestUpdateFailureRestartsInFull(t *testing.T) {
	h := newHarness(t, 1)
	c := h.coordinator(h.keys[0], 0)
	h.sim.FailNext(ledger.MethodUpdateVDF, 1)

	errs := h.run(50, c)
	if len(errs) != 1 || fault.Classify(errs[0]) != fault.Transient {
		t.Fatalf("errors = %v", errs)
	}
	if n := h.sim.Calls(ledger.MethodStartVDF); n != 2 {
		t.Errorf("start called %d times, want 2", n)
	}
	// The restart replays the proof for the same seed.
	if p, s := h.sim.Calls(ledger.MethodSetPrimal), h.sim.Calls(ledger.MethodCommitSeed); p != 1 || s != 1 {
		t.Errorf("primal committed %d times, seed %d; want 1 each", p, s)
	}
	if s, _ := c.Session(); s.Status != StatusComplete || s.Attempt != 2 {
		t.Errorf("session = %s attempt %d", s.Status, s.Attempt)
	}
}

// stalled returns a prove function that waits for release.
func stalled(release <-chan struct{}) proveFunc {
	return func(ctx context.Context, seed *big.Int, d int) (*vdf.Proof, error) {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return vdf.Prove(ctx, seed, d)
	}
}

func TestSeedDeadlineResets(t *testing.T) {
	h := newHarness(t, 1)
	c := h.coordinator(h.keys[0], 0)
	release := make(chan struct{})
	c.prove = stalled(release)

	if err := c.Step(h.ctx, h.head()); err != nil {
		t.Fatalf("Step: %v", err)
	}
	if s, _ := c.Session(); s.Status != StatusProving {
		t.Fatalf("status = %s, want proving", s.Status)
	}
	h.sim.Advance(h.sim.Config().SeedWindow + 1)
	close(release)

	if errs := h.run(50, c); len(errs) > 0 {
		t.Fatalf("errors: %v", errs)
	}
	s, _ := c.Session()
	if s.Status != StatusComplete || s.Attempt != 2 {
		t.Errorf("session = %s attempt %d", s.Status, s.Attempt)
	}
	if n := h.sim.Calls(ledger.MethodSetPrimal); n != 2 {
		t.Errorf("set primal called %d times, want 2", n)
	}
	if h.sink.count(fault.Transient) != 1 {
		t.Error("deadline reset not reported")
	}
}

func TestAttemptsExhausted(t *testing.T) {
	h := newHarness(t, 1)
	c := h.coordinator(h.keys[0], 1)
	c.prove = stalled(make(chan struct{}))

	if err := c.Step(h.ctx, h.head()); err != nil {
		t.Fatalf("Step: %v", err)
	}
	h.sim.Advance(h.sim.Config().SeedWindow + 1)

	err := c.Step(h.ctx, h.head())
	if !errors.Is(err, ErrAttemptsExhausted) {
		t.Fatalf("expected ErrAttemptsExhausted, got %v", err)
	}
	if !c.Done() {
		t.Error("coordinator should stop after exhausting attempts")
	}
	if err := c.Step(h.ctx, h.head()); err != nil {
		t.Errorf("step after failure: %v", err)
	}
}
