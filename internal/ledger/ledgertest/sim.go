// Package ledgertest provides an in-process ledger that implements
// ledger.Ledger and enforces the governance, snapshot dispute and beacon
// contract rules. Blocks are produced only by explicit Mine calls, so tests
// control ledger time exactly.
package ledgertest

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/big"
	"sort"
	"sync"

	"github.com/holiman/uint256"

	"github.com/Klingon-tech/klingnet-driver/internal/ledger"
	"github.com/Klingon-tech/klingnet-driver/pkg/crypto"
	"github.com/Klingon-tech/klingnet-driver/pkg/sumtree"
	"github.com/Klingon-tech/klingnet-driver/pkg/types"
)

// Config parameterizes the simulated contracts. Durations are in ledger
// seconds.
type Config struct {
	Start            uint64
	GenerationLength uint64
	StageLength      uint64
	ProposerFee      uint64
	ChallengeFee     uint64
	ChallengeWindow  uint64
	ResponseWindow   uint64
	Difficulty       int
	SeedWindow       uint64
}

// DefaultConfig is small enough for fast tests.
func DefaultConfig() Config {
	return Config{
		Start:            1_000_000,
		GenerationLength: 10_000,
		StageLength:      100,
		ProposerFee:      10,
		ChallengeFee:     1,
		ChallengeWindow:  50,
		ResponseWindow:   20,
		Difficulty:       4,
		SeedWindow:       200,
	}
}

// Well-known addresses.
var (
	Root         = contractAddr(0xa0, 0)
	TimeContract = contractAddr(0xa1, 0)
)

func contractAddr(tag byte, generation uint64) types.Address {
	var a types.Address
	a[0] = tag
	binary.BigEndian.PutUint64(a[types.AddressSize-8:], generation)
	return a
}

// TransportError is returned for injected network failures.
type TransportError struct {
	Method ledger.Method
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("simulated transport failure on %s", e.Method)
}

// Transient marks injected failures as retryable.
func (e *TransportError) Transient() bool { return true }

// Sim is the simulated ledger. It is safe for concurrent use.
type Sim struct {
	cfg Config

	mu       sync.Mutex
	blocks   []ledger.Block
	balances map[types.Address]uint256.Int
	history  []map[types.Address]uint256.Int
	nonces   map[types.Address]uint64
	excluded map[types.Address]bool
	pending  []ledger.Event
	calls    map[ledger.Method]int

	gov       ledger.Governance
	currency  ledger.CurrencyState
	community ledger.CommunityState
	infl      *inflation

	subs     map[*simSub]struct{}
	failSub  int
	failNext map[ledger.Method]int
	loseNext map[ledger.Method]int
}

// New creates a ledger whose genesis block holds alloc and starts
// generation 1 with its snapshot taken at genesis.
func New(cfg Config, alloc []sumtree.AccountBalance) *Sim {
	s := &Sim{
		cfg:      cfg,
		balances: make(map[types.Address]uint256.Int),
		nonces:   make(map[types.Address]uint64),
		excluded: make(map[types.Address]bool),
		calls:    make(map[ledger.Method]int),
		subs:     make(map[*simSub]struct{}),
		failNext: make(map[ledger.Method]int),
		loseNext: make(map[ledger.Method]int),
	}
	for _, a := range alloc {
		s.balances[a.Address] = a.Balance
	}
	genesis := ledger.Block{Number: 0, Time: cfg.Start}
	genesis.Hash = blockHash(genesis.Number, genesis.Time)
	s.blocks = append(s.blocks, genesis)
	s.history = append(s.history, copyBalances(s.balances))
	s.startGeneration(1)
	return s
}

func blockHash(number, time uint64) types.Hash {
	var b [16]byte
	binary.BigEndian.PutUint64(b[:8], number)
	binary.BigEndian.PutUint64(b[8:], time)
	return crypto.Hash(b[:])
}

func copyBalances(m map[types.Address]uint256.Int) map[types.Address]uint256.Int {
	c := make(map[types.Address]uint256.Int, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}

func (s *Sim) head() ledger.Block {
	return s.blocks[len(s.blocks)-1]
}

func (s *Sim) now() uint64 {
	return s.head().Time
}

// startGeneration rotates every phase contract. The snapshot is taken at
// the current head.
func (s *Sim) startGeneration(gen uint64) {
	now := s.now()
	s.gov = ledger.Governance{
		Generation:          gen,
		GenerationStart:     now,
		NextGenerationStart: now + s.cfg.GenerationLength,
		Time:                TimeContract,
		Currency:            contractAddr(0xc1, gen),
		Community:           contractAddr(0xc2, gen),
		Inflation:           contractAddr(0xc3, gen),
	}
	s.currency = ledger.CurrencyState{Stage: ledger.StageProposing, StageEnds: now + s.cfg.StageLength}
	s.community = ledger.CommunityState{Stage: ledger.StageProposing, StageEnds: now + s.cfg.StageLength}
	s.infl = &inflation{
		state: ledger.InflationState{
			SnapshotBlock:   s.head().Number,
			ProposerFee:     types.NewAmount(s.cfg.ProposerFee),
			ChallengeFee:    types.NewAmount(s.cfg.ChallengeFee),
			ChallengeWindow: s.cfg.ChallengeWindow,
			ResponseWindow:  s.cfg.ResponseWindow,
		},
		proposals: make(map[types.Address]*ledger.Proposal),
		beacon:    beacon{provers: make(map[types.Address]*prover)},
	}
}

// Mine appends a block at time t (at least one second after the head)
// carrying the events emitted since the previous block, and publishes it.
func (s *Sim) Mine(t uint64) ledger.Block {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t <= s.now() {
		t = s.now() + 1
	}
	b := ledger.Block{Number: s.head().Number + 1, Time: t}
	b.Hash = blockHash(b.Number, b.Time)
	s.blocks = append(s.blocks, b)
	s.history = append(s.history, copyBalances(s.balances))

	head := ledger.Head{Block: b, Events: s.pending}
	s.pending = nil
	for sub := range s.subs {
		select {
		case sub.heads <- head:
		default:
		}
	}
	return b
}

// Advance mines a block dt seconds after the head.
func (s *Sim) Advance(dt uint64) ledger.Block {
	return s.Mine(s.Now() + dt)
}

// Now returns the head block time.
func (s *Sim) Now() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now()
}

// Config returns the contract parameters.
func (s *Sim) Config() Config {
	return s.cfg
}

// SetBalance overwrites an account balance from the next block on.
func (s *Sim) SetBalance(addr types.Address, amount uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[addr] = types.U256(amount)
}

// Exclude marks accounts the contracts treat as outside every snapshot.
func (s *Sim) Exclude(addrs ...types.Address) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range addrs {
		s.excluded[a] = true
	}
}

// FailNext makes the next n submissions of method fail in transport,
// before they reach the contracts.
func (s *Sim) FailNext(method ledger.Method, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext[method] += n
}

// LoseNext makes the next n submissions of method execute but report a
// transport failure, as when a response is lost.
func (s *Sim) LoseNext(method ledger.Method, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loseNext[method] += n
}

// FailSubscribe makes the next n Subscribe calls fail.
func (s *Sim) FailSubscribe(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failSub += n
}

// Calls returns how many successful transactions invoked method.
func (s *Sim) Calls(method ledger.Method) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method]
}

// BalancesAt lists every non-zero account balance as of block height,
// excluded accounts included.
func (s *Sim) BalancesAt(_ context.Context, height uint64) ([]sumtree.AccountBalance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if height >= uint64(len(s.history)) {
		return nil, fmt.Errorf("block %d: %w", height, ledger.ErrNotFound)
	}
	out := make([]sumtree.AccountBalance, 0, len(s.history[height]))
	for addr, bal := range s.history[height] {
		if !bal.IsZero() {
			out = append(out, sumtree.AccountBalance{Address: addr, Balance: bal})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address.Less(out[j].Address) })
	return out, nil
}

func (s *Sim) balanceAt(height uint64, addr types.Address) uint256.Int {
	return s.history[height][addr]
}

// Reader.

func (s *Sim) Head(context.Context) (ledger.Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.head(), nil
}

func (s *Sim) BlockByNumber(_ context.Context, number uint64) (ledger.Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if number >= uint64(len(s.blocks)) {
		return ledger.Block{}, fmt.Errorf("block %d: %w", number, ledger.ErrNotFound)
	}
	return s.blocks[number], nil
}

func (s *Sim) Balance(_ context.Context, addr types.Address) (types.Amount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return types.Amount{Int: s.balances[addr]}, nil
}

func (s *Sim) Nonce(_ context.Context, addr types.Address) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nonces[addr], nil
}

func (s *Sim) Governance(_ context.Context, root types.Address) (ledger.Governance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if root != Root {
		return ledger.Governance{}, fmt.Errorf("governance %s: %w", root, ledger.ErrNotFound)
	}
	return s.gov, nil
}

func (s *Sim) Currency(_ context.Context, contract types.Address) (ledger.CurrencyState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if contract != s.gov.Currency {
		return ledger.CurrencyState{}, fmt.Errorf("currency %s: %w", contract, ledger.ErrNotFound)
	}
	return s.currency, nil
}

func (s *Sim) Community(_ context.Context, contract types.Address) (ledger.CommunityState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if contract != s.gov.Community {
		return ledger.CommunityState{}, fmt.Errorf("community %s: %w", contract, ledger.ErrNotFound)
	}
	return s.community, nil
}

func (s *Sim) Inflation(_ context.Context, contract types.Address) (ledger.InflationState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if contract != s.gov.Inflation {
		return ledger.InflationState{}, fmt.Errorf("inflation %s: %w", contract, ledger.ErrNotFound)
	}
	return s.infl.state, nil
}

func (s *Sim) Proposal(_ context.Context, contract, proposer types.Address) (ledger.Proposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if contract != s.gov.Inflation {
		return ledger.Proposal{}, fmt.Errorf("inflation %s: %w", contract, ledger.ErrNotFound)
	}
	p, ok := s.infl.proposals[proposer]
	if !ok {
		return ledger.Proposal{}, fmt.Errorf("proposal by %s: %w", proposer, ledger.ErrNotFound)
	}
	return copyProposal(p), nil
}

func (s *Sim) Proposals(_ context.Context, contract types.Address) ([]ledger.Proposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if contract != s.gov.Inflation {
		return nil, fmt.Errorf("inflation %s: %w", contract, ledger.ErrNotFound)
	}
	out := make([]ledger.Proposal, 0, len(s.infl.order))
	for _, addr := range s.infl.order {
		out = append(out, copyProposal(s.infl.proposals[addr]))
	}
	return out, nil
}

func copyProposal(p *ledger.Proposal) ledger.Proposal {
	c := *p
	c.Challenges = append([]ledger.Challenge(nil), p.Challenges...)
	c.Answers = make([]ledger.Answer, len(p.Answers))
	for i, a := range p.Answers {
		a.Siblings = append([]types.Hash(nil), a.Siblings...)
		c.Answers[i] = a
	}
	return c
}

func (s *Sim) Beacon(_ context.Context, contract, prover types.Address) (ledger.BeaconState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if contract != s.gov.Inflation {
		return ledger.BeaconState{}, fmt.Errorf("inflation %s: %w", contract, ledger.ErrNotFound)
	}
	return s.infl.beacon.state(s.cfg.Difficulty, prover), nil
}

// Writer.

// Submit verifies and executes tx against the current head. Events are
// published with the next mined block.
func (s *Sim) Submit(_ context.Context, tx *ledger.Tx) (*ledger.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failNext[tx.Method] > 0 {
		s.failNext[tx.Method]--
		return nil, &TransportError{Method: tx.Method}
	}
	if !tx.VerifySignature() {
		return nil, revert(tx.Method, ledger.ReasonBadSignature)
	}
	if tx.Nonce != s.nonces[tx.From] {
		return nil, revert(tx.Method, ledger.ReasonBadNonce)
	}
	s.nonces[tx.From]++

	events, err := s.execute(tx)
	if err != nil {
		return nil, err
	}
	s.calls[tx.Method]++
	s.pending = append(s.pending, events...)

	if s.loseNext[tx.Method] > 0 {
		s.loseNext[tx.Method]--
		return nil, &TransportError{Method: tx.Method}
	}
	return &ledger.Receipt{TxHash: tx.Hash(), Block: s.head().Number + 1, Events: events}, nil
}

func revert(m ledger.Method, reason string) error {
	return &ledger.RevertError{Method: m, Reason: reason}
}

func (s *Sim) execute(tx *ledger.Tx) ([]ledger.Event, error) {
	switch tx.Contract {
	case s.gov.Time:
		return s.execTime(tx)
	case s.gov.Currency:
		return s.execCurrency(tx)
	case s.gov.Community:
		return s.execCommunity(tx)
	case s.gov.Inflation:
		return s.execInflation(tx)
	default:
		return nil, revert(tx.Method, ledger.ReasonUnknownContract)
	}
}

// charge deducts fee from addr, or reports that the balance is too low.
func (s *Sim) charge(addr types.Address, fee *uint256.Int) bool {
	bal := s.balances[addr]
	if bal.Lt(fee) {
		return false
	}
	bal.Sub(&bal, fee)
	s.balances[addr] = bal
	return true
}

// Feed.

// Subscribe returns a head subscription fed by Mine.
func (s *Sim) Subscribe(ctx context.Context) (ledger.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSub > 0 {
		s.failSub--
		return nil, &TransportError{Method: "subscribe"}
	}
	sub := &simSub{sim: s, heads: make(chan ledger.Head, 256)}
	s.subs[sub] = struct{}{}
	return sub, nil
}

// Subscribers returns the number of open subscriptions.
func (s *Sim) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// Disconnect ends every open subscription with a transport error.
func (s *Sim) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sub := range s.subs {
		sub.err = &TransportError{Method: "subscribe"}
		close(sub.heads)
		delete(s.subs, sub)
	}
}

type simSub struct {
	sim   *Sim
	heads chan ledger.Head
	err   error // guarded by sim.mu
}

func (u *simSub) Heads() <-chan ledger.Head { return u.heads }

func (u *simSub) Err() error {
	u.sim.mu.Lock()
	defer u.sim.mu.Unlock()
	return u.err
}

func (u *simSub) Unsubscribe() {
	u.sim.mu.Lock()
	defer u.sim.mu.Unlock()
	if _, ok := u.sim.subs[u]; ok {
		delete(u.sim.subs, u)
		close(u.heads)
	}
}

var _ ledger.Ledger = (*Sim)(nil)

// bigCopy returns a copy of x, or nil.
func bigCopy(x *big.Int) *big.Int {
	if x == nil {
		return nil
	}
	return new(big.Int).Set(x)
}
