package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"

	klog "github.com/Klingon-tech/klingnet-driver/internal/log"
	"github.com/Klingon-tech/klingnet-driver/pkg/crypto"
	"github.com/Klingon-tech/klingnet-driver/pkg/types"
)

// Submitter signs and submits transactions for the driver's single
// credential. Calls are serialized so concurrent phase loops never race
// on the account nonce.
type Submitter struct {
	rw     ReadWriter
	signer crypto.Signer

	mu    sync.Mutex
	nonce uint64
	known bool
}

// NewSubmitter returns a submitter for signer's account.
func NewSubmitter(rw ReadWriter, signer crypto.Signer) *Submitter {
	return &Submitter{rw: rw, signer: signer}
}

// Address returns the submitting account.
func (s *Submitter) Address() types.Address {
	return s.signer.Address()
}

// Call builds, signs and submits one contract call. A revert consumes the
// nonce; any other failure forgets it so the next call re-reads it from
// the ledger.
func (s *Submitter) Call(ctx context.Context, contract types.Address, method Method, params any) (*Receipt, error) {
	tx, err := NewTx(contract, method, params)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.known {
		n, err := s.rw.Nonce(ctx, s.signer.Address())
		if err != nil {
			return nil, fmt.Errorf("read nonce: %w", err)
		}
		s.nonce, s.known = n, true
	}
	tx.Nonce = s.nonce
	if err := tx.Sign(s.signer); err != nil {
		return nil, err
	}

	rcpt, err := s.rw.Submit(ctx, tx)
	var revert *RevertError
	switch {
	case err == nil:
		s.nonce++
	case errors.As(err, &revert) && revert.Reason != ReasonBadNonce:
		s.nonce++
	default:
		s.known = false
	}

	ev := klog.Ledger.Debug().
		Str("method", string(method)).
		Str("contract", contract.String()).
		Uint64("nonce", tx.Nonce)
	if err != nil {
		ev = ev.Err(err)
	}
	ev.Msg("Submitted transaction")
	return rcpt, err
}
