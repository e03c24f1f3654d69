package vdf

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"testing"

	"github.com/Klingon-tech/klingnet-driver/pkg/crypto"
)

func testSeed() *big.Int {
	return Seed(big.NewInt(1000003))
}

func TestProve_SequenceLength(t *testing.T) {
	for d := MinDifficulty; d <= 8; d++ {
		proof, err := Prove(context.Background(), testSeed(), d)
		if err != nil {
			t.Fatalf("Prove(d=%d): %v", d, err)
		}
		if len(proof.Sequence) != d-1 {
			t.Errorf("d=%d: sequence length = %d, want %d", d, len(proof.Sequence), d-1)
		}
	}
}

func TestProve_MatchesEval(t *testing.T) {
	ctx := context.Background()
	proof, err := Prove(ctx, testSeed(), 6)
	if err != nil {
		t.Fatalf("Prove: %v", err)
	}
	y, err := Eval(ctx, testSeed(), 6)
	if err != nil {
		t.Fatalf("Eval: %v", err)
	}
	if y.Cmp(proof.Y) != 0 {
		t.Error("proof output differs from direct evaluation")
	}

	// 2^6 = 64 squarings is seed^(2^64).
	exp := new(big.Int).Lsh(big.NewInt(1), 64)
	want := new(big.Int).Exp(testSeed(), exp, Modulus())
	if want.Cmp(y) != 0 {
		t.Error("Eval does not compute seed^(2^(2^d))")
	}
}

func TestVerify_Valid(t *testing.T) {
	for _, d := range []int{1, 2, 3, 7} {
		proof, err := Prove(context.Background(), testSeed(), d)
		if err != nil {
			t.Fatalf("Prove: %v", err)
		}
		if err := Verify(testSeed(), d, proof); err != nil {
			t.Errorf("d=%d: Verify: %v", d, err)
		}
	}
}

func TestVerify_Incremental(t *testing.T) {
	const d = 6
	proof, _ := Prove(context.Background(), testSeed(), d)

	v, err := Start(testSeed(), d, proof.Y)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if v.Remaining() != d-1 {
		t.Fatalf("remaining = %d, want %d", v.Remaining(), d-1)
	}
	for i, mu := range proof.Sequence {
		if v.Verified() {
			t.Fatalf("verified after only %d entries", i)
		}
		if err := v.Update(i+1, mu); err != nil {
			t.Fatalf("Update(%d): %v", i+1, err)
		}
	}
	if !v.Verified() {
		t.Error("full replay should verify")
	}
	if err := v.Update(d, proof.Sequence[0]); err == nil {
		t.Error("update past the end should fail")
	}
}

func TestVerify_OmittedEntry(t *testing.T) {
	const d = 5
	proof, _ := Prove(context.Background(), testSeed(), d)

	for skip := range proof.Sequence {
		v, _ := Start(testSeed(), d, proof.Y)
		next := 1
		for i, mu := range proof.Sequence {
			if i == skip {
				continue
			}
			// Feeding the remaining entries in order either errors or
			// folds into a state that never verifies.
			if err := v.Update(next, mu); err != nil {
				break
			}
			next++
		}
		if v.Verified() {
			t.Errorf("omitting entry %d still verified", skip+1)
		}
	}
}

func TestVerify_Tampered(t *testing.T) {
	const d = 4
	proof, _ := Prove(context.Background(), testSeed(), d)

	t.Run("wrong output", func(t *testing.T) {
		bad := *proof
		bad.Y = new(big.Int).Add(proof.Y, big.NewInt(1))
		if err := Verify(testSeed(), d, &bad); !errors.Is(err, ErrInvalidProof) {
			t.Errorf("expected ErrInvalidProof, got %v", err)
		}
	})
	t.Run("wrong entry", func(t *testing.T) {
		bad := *proof
		bad.Sequence = append([]*big.Int(nil), proof.Sequence...)
		bad.Sequence[1] = new(big.Int).Add(proof.Sequence[1], big.NewInt(1))
		if err := Verify(testSeed(), d, &bad); !errors.Is(err, ErrInvalidProof) {
			t.Errorf("expected ErrInvalidProof, got %v", err)
		}
	})
	t.Run("reordered", func(t *testing.T) {
		bad := *proof
		bad.Sequence = []*big.Int{proof.Sequence[1], proof.Sequence[0], proof.Sequence[2]}
		if err := Verify(testSeed(), d, &bad); !errors.Is(err, ErrInvalidProof) {
			t.Errorf("expected ErrInvalidProof, got %v", err)
		}
	})
	t.Run("wrong seed", func(t *testing.T) {
		if err := Verify(Seed(big.NewInt(7)), d, proof); !errors.Is(err, ErrInvalidProof) {
			t.Errorf("expected ErrInvalidProof, got %v", err)
		}
	})
	t.Run("wrong difficulty", func(t *testing.T) {
		if err := Verify(testSeed(), d+1, proof); !errors.Is(err, ErrInvalidProof) {
			t.Errorf("expected ErrInvalidProof, got %v", err)
		}
	})
}

func TestUpdate_OutOfOrder(t *testing.T) {
	proof, _ := Prove(context.Background(), testSeed(), 4)
	v, _ := Start(testSeed(), 4, proof.Y)
	if err := v.Update(2, proof.Sequence[1]); !errors.Is(err, ErrInvalidProof) {
		t.Errorf("expected ErrInvalidProof, got %v", err)
	}
	if v.Next() != 1 {
		t.Errorf("next = %d, want 1", v.Next())
	}
}

func TestProve_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Prove(ctx, testSeed(), 20); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestDifficultyBounds(t *testing.T) {
	ctx := context.Background()
	if _, err := Prove(ctx, testSeed(), 0); !errors.Is(err, ErrDifficulty) {
		t.Errorf("d=0: expected ErrDifficulty, got %v", err)
	}
	if _, err := Prove(ctx, testSeed(), MaxDifficulty+1); !errors.Is(err, ErrDifficulty) {
		t.Errorf("d=max+1: expected ErrDifficulty, got %v", err)
	}
	if _, err := Prove(ctx, big.NewInt(0), 2); !errors.Is(err, ErrInvalidSeed) {
		t.Errorf("zero seed: expected ErrInvalidSeed, got %v", err)
	}
	if _, err := Prove(ctx, Modulus(), 2); !errors.Is(err, ErrInvalidSeed) {
		t.Errorf("seed = N: expected ErrInvalidSeed, got %v", err)
	}
}

func TestPrimal(t *testing.T) {
	h := crypto.Hash([]byte("block"))
	p, err := Primal(h)
	if err != nil {
		t.Fatalf("Primal: %v", err)
	}
	base := new(big.Int).SetBytes(h[:])
	if p.Cmp(base) <= 0 {
		t.Error("primal must be strictly greater than the hash")
	}
	if !p.ProbablyPrime(20) {
		t.Error("primal is not prime")
	}
	for c := new(big.Int).Add(base, big.NewInt(1)); c.Cmp(p) < 0; c.Add(c, big.NewInt(1)) {
		if c.ProbablyPrime(20) {
			t.Fatalf("smaller prime %s exists", c)
		}
	}
	if !IsPrimal(h, p) {
		t.Error("IsPrimal rejects its own primal")
	}
	if IsPrimal(h, new(big.Int).Add(p, big.NewInt(2))) {
		t.Error("IsPrimal accepts another value")
	}
}

func TestSeed_Deterministic(t *testing.T) {
	a := Seed(big.NewInt(101))
	b := Seed(big.NewInt(101))
	if a.Cmp(b) != 0 {
		t.Error("seed not deterministic")
	}
	if a.Cmp(Seed(big.NewInt(103))) == 0 {
		t.Error("different primals gave the same seed")
	}
	if !checkElement(a) {
		t.Error("seed outside the group")
	}
}

func TestProof_JSON(t *testing.T) {
	proof, _ := Prove(context.Background(), testSeed(), 3)
	data, err := json.Marshal(proof)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var got Proof
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if err := Verify(testSeed(), 3, &got); err != nil {
		t.Errorf("decoded proof does not verify: %v", err)
	}
}
