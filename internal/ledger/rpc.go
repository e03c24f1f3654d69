package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/Klingon-tech/klingnet-driver/internal/fault"
	klog "github.com/Klingon-tech/klingnet-driver/internal/log"
	"github.com/Klingon-tech/klingnet-driver/internal/rpcclient"
	"github.com/Klingon-tech/klingnet-driver/pkg/types"
)

// JSON-RPC error codes the ledger node uses.
const (
	CodeReverted = -32000
	CodeNotFound = -32001
)

// RetryPolicy bounds retries of idempotent reads.
type RetryPolicy struct {
	Attempts uint64
	Base     time.Duration
	Max      time.Duration
}

// DefaultRetry is used when a zero policy is given.
var DefaultRetry = RetryPolicy{Attempts: 4, Base: 200 * time.Millisecond, Max: 5 * time.Second}

func (p RetryPolicy) backoff() retry.Backoff {
	b := retry.NewExponential(p.Base)
	b = retry.WithCappedDuration(p.Max, b)
	b = retry.WithJitterPercent(10, b)
	return retry.WithMaxRetries(p.Attempts, b)
}

// RPC is a Ledger backed by the node's JSON-RPC HTTP endpoint and its
// websocket head feed.
type RPC struct {
	client *rpcclient.Client
	wsURL  string
	retry  RetryPolicy
}

// NewRPC returns a ledger client. wsURL may be empty if Subscribe is not used.
func NewRPC(client *rpcclient.Client, wsURL string, policy RetryPolicy) *RPC {
	if policy.Attempts == 0 || policy.Base <= 0 {
		policy = DefaultRetry
	}
	if policy.Max < policy.Base {
		policy.Max = policy.Base
	}
	return &RPC{client: client, wsURL: wsURL, retry: policy}
}

// read calls a read-only method, retrying transport failures.
func (r *RPC) read(ctx context.Context, method string, params []any, out any) error {
	err := retry.Do(ctx, r.retry.backoff(), func(ctx context.Context) error {
		err := r.client.Call(ctx, method, params, out)
		if err != nil && fault.KindOf(err) == fault.Transient {
			klog.Ledger.Debug().Err(err).Str("method", method).Msg("Retrying read")
			return retry.RetryableError(err)
		}
		return err
	})
	return mapError(method, err)
}

func mapError(method string, err error) error {
	if err == nil {
		return nil
	}
	var rpcErr *rpcclient.RPCError
	if errors.As(err, &rpcErr) {
		switch rpcErr.Code {
		case CodeNotFound:
			return fmt.Errorf("%s: %w", method, ErrNotFound)
		case CodeReverted:
			return &RevertError{Method: Method(method), Reason: rpcErr.Message}
		}
	}
	return fmt.Errorf("%s: %w", method, err)
}

func (r *RPC) Head(ctx context.Context) (Block, error) {
	var b Block
	err := r.read(ctx, "ledger_head", nil, &b)
	return b, err
}

func (r *RPC) BlockByNumber(ctx context.Context, number uint64) (Block, error) {
	var b Block
	err := r.read(ctx, "ledger_blockByNumber", []any{number}, &b)
	return b, err
}

func (r *RPC) Balance(ctx context.Context, addr types.Address) (types.Amount, error) {
	var a types.Amount
	err := r.read(ctx, "ledger_balance", []any{addr}, &a)
	return a, err
}

func (r *RPC) Nonce(ctx context.Context, addr types.Address) (uint64, error) {
	var n uint64
	err := r.read(ctx, "ledger_nonce", []any{addr}, &n)
	return n, err
}

func (r *RPC) Governance(ctx context.Context, root types.Address) (Governance, error) {
	var g Governance
	err := r.read(ctx, "ledger_governance", []any{root}, &g)
	return g, err
}

func (r *RPC) Currency(ctx context.Context, contract types.Address) (CurrencyState, error) {
	var s CurrencyState
	err := r.read(ctx, "ledger_currency", []any{contract}, &s)
	return s, err
}

func (r *RPC) Community(ctx context.Context, contract types.Address) (CommunityState, error) {
	var s CommunityState
	err := r.read(ctx, "ledger_community", []any{contract}, &s)
	return s, err
}

func (r *RPC) Inflation(ctx context.Context, contract types.Address) (InflationState, error) {
	var s InflationState
	err := r.read(ctx, "ledger_inflation", []any{contract}, &s)
	return s, err
}

func (r *RPC) Proposal(ctx context.Context, contract, proposer types.Address) (Proposal, error) {
	var p Proposal
	err := r.read(ctx, "ledger_proposal", []any{contract, proposer}, &p)
	return p, err
}

func (r *RPC) Proposals(ctx context.Context, contract types.Address) ([]Proposal, error) {
	var ps []Proposal
	err := r.read(ctx, "ledger_proposals", []any{contract}, &ps)
	return ps, err
}

func (r *RPC) Beacon(ctx context.Context, contract, prover types.Address) (BeaconState, error) {
	var s BeaconState
	err := r.read(ctx, "ledger_beacon", []any{contract, prover}, &s)
	return s, err
}

// Submit sends a signed transaction. It is never retried: a lost response
// may still have been executed, and the caller reconciles by reading state.
func (r *RPC) Submit(ctx context.Context, tx *Tx) (*Receipt, error) {
	var rcpt Receipt
	if err := r.client.Call(ctx, "ledger_sendTransaction", []any{tx}, &rcpt); err != nil {
		var rpcErr *rpcclient.RPCError
		if errors.As(err, &rpcErr) && rpcErr.Code == CodeReverted {
			return nil, &RevertError{Method: tx.Method, Reason: rpcErr.Message}
		}
		return nil, fmt.Errorf("send %s: %w", tx.Method, err)
	}
	return &rcpt, nil
}

// Subscribe opens a websocket head subscription.
func (r *RPC) Subscribe(ctx context.Context) (Subscription, error) {
	if r.wsURL == "" {
		return nil, errors.New("no websocket endpoint configured")
	}
	ws, err := rpcclient.Subscribe(ctx, r.wsURL, "ledger_subscribe", []string{"heads"})
	if err != nil {
		return nil, fmt.Errorf("subscribe heads: %w", err)
	}
	s := &rpcSubscription{ws: ws, heads: make(chan Head, cap(ws.C)), done: make(chan struct{})}
	go s.decode()
	return s, nil
}

type rpcSubscription struct {
	ws    *rpcclient.Subscription
	heads chan Head

	once sync.Once
	done chan struct{}

	mu  sync.Mutex
	err error
}

func (s *rpcSubscription) decode() {
	defer close(s.heads)
	for raw := range s.ws.C {
		var h Head
		if err := json.Unmarshal(raw, &h); err != nil {
			s.setErr(fmt.Errorf("decode head: %w", err))
			s.ws.Close()
			for range s.ws.C {
			}
			return
		}
		select {
		case s.heads <- h:
		case <-s.done:
			return
		}
	}
	s.setErr(s.ws.Err())
}

func (s *rpcSubscription) setErr(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}

func (s *rpcSubscription) Heads() <-chan Head { return s.heads }

func (s *rpcSubscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *rpcSubscription) Unsubscribe() {
	s.once.Do(func() {
		close(s.done)
		s.ws.Close()
	})
}
