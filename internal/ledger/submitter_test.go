package ledger_test

import (
	"context"
	"errors"
	"testing"

	"github.com/Klingon-tech/klingnet-driver/internal/fault"
	"github.com/Klingon-tech/klingnet-driver/internal/ledger"
	"github.com/Klingon-tech/klingnet-driver/internal/ledger/ledgertest"
	"github.com/Klingon-tech/klingnet-driver/pkg/crypto"
	"github.com/Klingon-tech/klingnet-driver/pkg/sumtree"
)

func newSim(t *testing.T) (*ledgertest.Sim, *crypto.PrivateKey) {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	alloc := []sumtree.AccountBalance{{Address: key.Address()}}
	alloc[0].Balance.SetUint64(1000)
	return ledgertest.New(ledgertest.DefaultConfig(), alloc), key
}

func TestSubmitter_NonceTracking(t *testing.T) {
	ctx := context.Background()
	sim, key := newSim(t)
	sub := ledger.NewSubmitter(sim, key)
	gov, _ := sim.Governance(ctx, ledgertest.Root)

	sim.Advance(sim.Config().StageLength)
	if _, err := sub.Call(ctx, gov.Currency, ledger.MethodUpdateStage, struct{}{}); err != nil {
		t.Fatalf("first call: %v", err)
	}

	// Reverts still consume the nonce.
	_, err := sub.Call(ctx, gov.Currency, ledger.MethodUpdateStage, struct{}{})
	var revert *ledger.RevertError
	if !errors.As(err, &revert) || revert.Reason != ledger.ReasonTooEarly {
		t.Fatalf("expected too-early revert, got %v", err)
	}
	if n, _ := sim.Nonce(ctx, key.Address()); n != 2 {
		t.Errorf("ledger nonce = %d, want 2", n)
	}

	sim.Advance(sim.Config().StageLength)
	if _, err := sub.Call(ctx, gov.Currency, ledger.MethodUpdateStage, struct{}{}); err != nil {
		t.Fatalf("third call: %v", err)
	}
	if got := sim.Calls(ledger.MethodUpdateStage); got != 2 {
		t.Errorf("successful calls = %d, want 2", got)
	}
}

func TestSubmitter_TransportResetsNonce(t *testing.T) {
	ctx := context.Background()
	sim, key := newSim(t)
	sub := ledger.NewSubmitter(sim, key)
	gov, _ := sim.Governance(ctx, ledgertest.Root)
	sim.Advance(sim.Config().StageLength)

	// The call executes but the response is lost.
	sim.LoseNext(ledger.MethodUpdateStage, 1)
	_, err := sub.Call(ctx, gov.Currency, ledger.MethodUpdateStage, struct{}{})
	if !fault.Is(err, fault.Transient) {
		t.Fatalf("expected transient failure, got %v", err)
	}

	// The next call re-reads the nonce instead of reusing the stale one.
	sim.Advance(sim.Config().StageLength)
	if _, err := sub.Call(ctx, gov.Currency, ledger.MethodUpdateStage, struct{}{}); err != nil {
		t.Fatalf("call after lost response: %v", err)
	}
	st, _ := sim.Currency(ctx, gov.Currency)
	if st.Stage != ledger.StageRevealing {
		t.Errorf("stage = %s, want revealing", st.Stage)
	}
}

func TestSubmitter_Concurrent(t *testing.T) {
	ctx := context.Background()
	sim, key := newSim(t)
	sub := ledger.NewSubmitter(sim, key)
	gov, _ := sim.Governance(ctx, ledgertest.Root)

	const n = 16
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			_, err := sub.Call(ctx, gov.Currency, ledger.MethodCompute, struct{}{})
			errs <- err
		}()
	}
	for i := 0; i < n; i++ {
		err := <-errs
		var revert *ledger.RevertError
		if !errors.As(err, &revert) || revert.Reason != ledger.ReasonWrongStage {
			t.Errorf("expected wrong-stage revert, got %v", err)
		}
	}
	if got, _ := sim.Nonce(ctx, key.Address()); got != n {
		t.Errorf("nonce = %d, want %d (a bad-nonce revert means calls raced)", got, n)
	}
}
