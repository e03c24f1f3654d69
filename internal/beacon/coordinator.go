package beacon

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Klingon-tech/klingnet-driver/internal/fault"
	"github.com/Klingon-tech/klingnet-driver/internal/ledger"
	klog "github.com/Klingon-tech/klingnet-driver/internal/log"
	"github.com/Klingon-tech/klingnet-driver/internal/store"
	"github.com/Klingon-tech/klingnet-driver/pkg/types"
	"github.com/Klingon-tech/klingnet-driver/pkg/vdf"
)

// DefaultMaxAttempts bounds the sessions started in one generation.
const DefaultMaxAttempts = 3

var (
	// ErrAttemptsExhausted means every allowed session expired or was
	// replaced before completing.
	ErrAttemptsExhausted = errors.New("beacon attempts exhausted")
	// ErrBadProof means the locally computed proof failed its own check.
	ErrBadProof = errors.New("computed proof does not verify")
)

// Caller submits signed contract calls for the driver's account.
type Caller interface {
	Address() types.Address
	Call(ctx context.Context, contract types.Address, method ledger.Method, params any) (*ledger.Receipt, error)
}

type proveFunc func(ctx context.Context, seed *big.Int, difficulty int) (*vdf.Proof, error)

type result struct {
	proof   *vdf.Proof
	elapsed time.Duration
	err     error
}

// Coordinator drives the beacon sessions of one generation. Step is called
// once per block from a single goroutine; proofs are computed on a worker
// goroutine that Close stops.
type Coordinator struct {
	caller      Caller
	reader      ledger.Reader
	store       *store.Store // nil disables the proof cache
	sink        klog.Sink
	contract    types.Address
	maxAttempts int
	log         zerolog.Logger
	prove       proveFunc

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	session  *Session
	attempts int
	started  bool // verification started for the current proof
	pending  chan result
	stop     context.CancelFunc
}

// NewCoordinator creates the beacon coordinator for a generation's
// inflation contract. maxAttempts <= 0 selects DefaultMaxAttempts.
func NewCoordinator(caller Caller, reader ledger.Reader, st *store.Store, sink klog.Sink,
	contract types.Address, generation uint64, maxAttempts int) *Coordinator {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		caller:      caller,
		reader:      reader,
		store:       st,
		sink:        sink,
		contract:    contract,
		maxAttempts: maxAttempts,
		log:         klog.WithGeneration(klog.Beacon, generation),
		prove:       vdf.Prove,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Session returns a copy of the current session.
func (c *Coordinator) Session() (Session, bool) {
	if c.session == nil {
		return Session{}, false
	}
	return c.session.clone(), true
}

// Done reports whether the generation's beacon needs no further work.
func (c *Coordinator) Done() bool {
	return c.session != nil && c.session.Status.Terminal()
}

// Close stops a running proof and waits for the worker to exit.
func (c *Coordinator) Close() {
	c.cancel()
	c.wg.Wait()
}

// Step advances the session as far as the ledger allows at head.
func (c *Coordinator) Step(ctx context.Context, head ledger.Block) error {
	if c.Done() {
		return nil
	}
	st, err := c.reader.Beacon(ctx, c.contract, c.caller.Address())
	if err != nil {
		return err
	}
	if st.Done {
		c.complete(&st)
		return nil
	}

	if s := c.session; s != nil && s.Primal != nil {
		if st.Primal == nil || st.Primal.Cmp(s.Primal) != 0 {
			c.reset(fault.RaceLoss, "primal replaced by another prover")
		} else if st.Replaceable(head.Time) {
			c.reset(fault.Transient, "beacon deadline passed")
		}
	}
	if c.session == nil {
		if err := c.begin(); err != nil {
			return err
		}
	}

	s := c.session
	if s.Status == StatusPrimalPending {
		if err := c.commit(ctx, &st, head); err != nil {
			return err
		}
	}
	if s.Status == StatusSeedCommitted {
		c.startProof(s)
	}
	if s.Status == StatusProving {
		if err := c.collect(s); err != nil {
			return err
		}
	}
	if s.Status == StatusVerifying {
		return c.verify(ctx, s)
	}
	return nil
}

func (c *Coordinator) begin() error {
	c.attempts++
	c.session = &Session{Attempt: c.attempts, Status: StatusPrimalPending}
	if c.attempts > c.maxAttempts {
		c.session.Status = StatusFailed
		c.log.Error().Int("attempts", c.maxAttempts).Msg("Beacon abandoned")
		return fault.Wrap(fault.ProtocolViolation, "beacon", ErrAttemptsExhausted)
	}
	return nil
}

// reset drops the current session; the next Step starts over from the
// primal commitment.
func (c *Coordinator) reset(kind fault.Kind, reason string) {
	s := c.session
	c.sink.Report(fault.NewReport(fault.New(kind, "beacon", reason), map[string]string{
		"attempt": fmt.Sprint(s.Attempt),
		"status":  s.Status.String(),
	}))
	c.log.Warn().Int("attempt", s.Attempt).Str("status", s.Status.String()).Msg("Beacon session reset: " + reason)
	if c.stop != nil {
		c.stop()
		c.stop = nil
	}
	c.pending = nil
	c.started = false
	c.session = nil
}

func (c *Coordinator) complete(st *ledger.BeaconState) {
	if c.session == nil {
		c.session = &Session{Attempt: c.attempts}
	}
	s := c.session
	s.Output = st.Output
	s.Status = StatusComplete
	if c.stop != nil {
		c.stop()
		c.stop = nil
	}
	ev := c.log.Info().Str("output", st.Output.Short())
	if st.Submitter != c.caller.Address() {
		ev = ev.Str("submitter", st.Submitter.String())
	}
	ev.Msg("Randomness submitted")
}

// commit sets the primal from head unless a live one is already committed,
// then commits its seed.
func (c *Coordinator) commit(ctx context.Context, st *ledger.BeaconState, head ledger.Block) error {
	s := c.session
	if !st.HasPrimal() || st.Replaceable(head.Time) {
		primal, err := vdf.Primal(head.Hash)
		if err != nil {
			// The next block brings a new hash.
			return fault.Wrap(fault.Transient, "set primal", err)
		}
		_, err = c.caller.Call(ctx, c.contract, ledger.MethodSetPrimal, ledger.SetPrimalParams{
			Block:  head.Number,
			Primal: primal,
		})
		cur, rerr := c.reader.Beacon(ctx, c.contract, c.caller.Address())
		if rerr != nil {
			if err != nil {
				return err
			}
			return rerr
		}
		if !cur.HasPrimal() || cur.Replaceable(head.Time) {
			if err == nil {
				return fmt.Errorf("set primal: no live primal after successful submit")
			}
			return err
		}
		if err != nil {
			c.log.Debug().Uint64("block", cur.PrimalBlock).Msg("Primal already committed by another prover")
		}
		*st = cur
	}
	s.Primal = copyInt(st.Primal)
	s.PrimalBlock = st.PrimalBlock
	s.Seed = vdf.Seed(s.Primal)
	s.Difficulty = st.Difficulty

	if !st.HasSeed() {
		_, err := c.caller.Call(ctx, c.contract, ledger.MethodCommitSeed, ledger.CommitSeedParams{Seed: s.Seed})
		if err != nil {
			cur, rerr := c.reader.Beacon(ctx, c.contract, c.caller.Address())
			if rerr != nil || !cur.HasSeed() || cur.Seed.Cmp(s.Seed) != 0 {
				return err
			}
		}
	} else if st.Seed.Cmp(s.Seed) != 0 {
		return fault.Wrap(fault.ProtocolViolation, "commit seed",
			fmt.Errorf("ledger seed does not derive from primal at block %d", s.PrimalBlock))
	}
	s.Status = StatusSeedCommitted
	c.log.Info().
		Int("attempt", s.Attempt).
		Uint64("primal_block", s.PrimalBlock).
		Int("difficulty", s.Difficulty).
		Msg("Seed committed")
	return nil
}

// startProof serves the proof from the store or starts the worker.
func (c *Coordinator) startProof(s *Session) {
	s.Status = StatusProving
	ch := make(chan result, 1)
	c.pending = ch
	if c.store != nil {
		if proof, err := c.store.Proof(s.Seed, s.Difficulty); err == nil {
			ch <- result{proof: proof}
			return
		}
	}

	ctx, cancel := context.WithCancel(c.ctx)
	c.stop = cancel
	seed, difficulty := s.Seed, s.Difficulty
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer cancel()
		start := time.Now()
		proof, err := c.prove(ctx, seed, difficulty)
		ch <- result{proof: proof, elapsed: time.Since(start), err: err}
	}()
	c.log.Debug().Int("difficulty", difficulty).Msg("Proving started")
}

// collect picks up a finished proof without blocking.
func (c *Coordinator) collect(s *Session) error {
	var r result
	select {
	case r = <-c.pending:
	default:
		return nil
	}
	c.pending = nil
	c.stop = nil

	if r.err != nil {
		if c.ctx.Err() != nil {
			return r.err
		}
		s.Status = StatusFailed
		return fault.Wrap(fault.ProtocolViolation, "prove", r.err)
	}
	if err := vdf.Verify(s.Seed, s.Difficulty, r.proof); err != nil {
		s.Status = StatusFailed
		return fault.Wrap(fault.ProtocolViolation, "prove", fmt.Errorf("%w: %v", ErrBadProof, err))
	}
	if c.store != nil {
		if err := c.store.PutProof(s.Seed, r.proof); err != nil {
			c.log.Warn().Err(err).Msg("Failed to cache proof")
		}
	}
	s.Y = r.proof.Y
	s.Sequence = r.proof.Sequence
	s.Output = vdf.Output(s.Y)
	s.Status = StatusVerifying
	c.log.Info().
		Int("difficulty", s.Difficulty).
		Dur("elapsed", r.elapsed).
		Str("output", s.Output.Short()).
		Msg("Proof computed")
	return nil
}

// verify replays the whole proof into the ledger's verifier and submits
// the output. A failed update restarts verification from the first entry
// on the next block.
func (c *Coordinator) verify(ctx context.Context, s *Session) error {
	st, err := c.reader.Beacon(ctx, c.contract, c.caller.Address())
	if err != nil {
		return err
	}

	if !st.Done && (!c.started || st.Prover.Y == nil || st.Prover.Y.Cmp(s.Y) != 0) {
		_, werr := c.caller.Call(ctx, c.contract, ledger.MethodStartVDF, ledger.StartVDFParams{Y: s.Y})
		if st, err = c.reread(ctx, werr); err != nil {
			return err
		}
		if !st.Done {
			if st.Prover.Y == nil || st.Prover.Y.Cmp(s.Y) != 0 {
				if werr != nil {
					return werr
				}
				return fmt.Errorf("start vdf: ledger holds no verifier for our output")
			}
			c.started = true
		}
	}

	for !st.Done && !st.Prover.Verified {
		i := st.Prover.Next
		if i < 1 || i > len(s.Sequence) {
			c.started = false
			return c.restart(fmt.Errorf("ledger verifier expects entry %d of %d", i, len(s.Sequence)))
		}
		_, werr := c.caller.Call(ctx, c.contract, ledger.MethodUpdateVDF, ledger.UpdateVDFParams{
			Index: i,
			U:     s.Sequence[i-1],
		})
		if st, err = c.reread(ctx, werr); err != nil {
			return err
		}
		if !st.Done && !st.Prover.Verified && st.Prover.Next == i {
			if werr == nil {
				werr = fmt.Errorf("update vdf: entry %d not applied", i)
			}
			c.started = false
			return c.restart(werr)
		}
	}

	if !st.Done {
		_, werr := c.caller.Call(ctx, c.contract, ledger.MethodSubmitVDF, ledger.SubmitVDFParams{Output: s.Output})
		if st, err = c.reread(ctx, werr); err != nil {
			return err
		}
		if !st.Done {
			if werr != nil {
				return werr
			}
			return fmt.Errorf("submit vdf: output not recorded")
		}
	}
	c.complete(&st)
	return nil
}

// reread fetches the beacon after a write. If the read fails the write
// error, when there is one, takes precedence.
func (c *Coordinator) reread(ctx context.Context, werr error) (ledger.BeaconState, error) {
	st, err := c.reader.Beacon(ctx, c.contract, c.caller.Address())
	if err != nil && werr != nil {
		return st, werr
	}
	return st, err
}

// restart counts a failed verification against the attempt budget.
func (c *Coordinator) restart(err error) error {
	c.attempts++
	c.session.Attempt = c.attempts
	if c.attempts > c.maxAttempts {
		c.session.Status = StatusFailed
		c.log.Error().Err(err).Int("attempts", c.maxAttempts).Msg("Beacon abandoned")
		return fault.Wrap(fault.ProtocolViolation, "beacon", ErrAttemptsExhausted)
	}
	c.log.Warn().Err(err).Int("attempt", c.attempts).Msg("Verification failed, restarting from the first entry")
	return err
}
