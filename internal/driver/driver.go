// Package driver runs one reactive loop per governance phase against the
// ledger. The loops share a single head feed and a single signing account
// and never take each other down.
package driver

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Klingon-tech/klingnet-driver/internal/balances"
	"github.com/Klingon-tech/klingnet-driver/internal/fault"
	"github.com/Klingon-tech/klingnet-driver/internal/ledger"
	klog "github.com/Klingon-tech/klingnet-driver/internal/log"
	"github.com/Klingon-tech/klingnet-driver/internal/store"
	"github.com/Klingon-tech/klingnet-driver/pkg/crypto"
	"github.com/Klingon-tech/klingnet-driver/pkg/types"
)

// errGenerationChanged ends a loop's subscription so it can resubscribe
// against the new generation's contracts.
var errGenerationChanged = errors.New("generation changed")

// Config selects what the driver does.
type Config struct {
	// Root is the governance root contract.
	Root types.Address
	// Propose enables the proposer role of the snapshot dispute.
	Propose bool
	// Challenge enables the challenger role of the snapshot dispute.
	Challenge bool
	// Exclude lists accounts left out of every snapshot.
	Exclude []types.Address
	// MaxAttempts bounds beacon sessions per generation.
	MaxAttempts int
	// Reconnect governs the head feed's reconnect backoff.
	Reconnect ledger.RetryPolicy
}

// Driver owns the phase loops.
type Driver struct {
	cfg      Config
	reader   ledger.Reader
	hub      *ledger.Hub
	caller   *ledger.Submitter
	balances balances.Source
	store    *store.Store
	sink     klog.Sink
	log      zerolog.Logger

	phases []phase
}

// New wires a driver over l, signing with signer. src supplies snapshot
// balances; st may be nil to run without persistence.
func New(cfg Config, l ledger.Ledger, signer crypto.Signer, src balances.Source, st *store.Store, sink klog.Sink) *Driver {
	if sink == nil {
		sink = klog.NopSink
	}
	d := &Driver{
		cfg:      cfg,
		reader:   l,
		hub:      ledger.NewHub(l, cfg.Reconnect),
		caller:   ledger.NewSubmitter(l, signer),
		balances: src,
		store:    st,
		sink:     sink,
		log:      klog.Driver,
	}
	d.phases = []phase{
		&timePhase{d: d},
		&currencyPhase{d: d},
		&communityPhase{d: d},
		&inflationPhase{d: d},
	}
	return d
}

// Address returns the driver's signing account.
func (d *Driver) Address() types.Address {
	return d.caller.Address()
}

// Run starts the head feed and every phase loop, and blocks until ctx is
// cancelled. Loop failures are reported to the sink, never returned.
func (d *Driver) Run(ctx context.Context) error {
	d.log.Info().
		Str("account", d.caller.Address().String()).
		Str("root", d.cfg.Root.String()).
		Bool("propose", d.cfg.Propose).
		Bool("challenge", d.cfg.Challenge).
		Msg("Driver starting")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return d.hub.Run(ctx)
	})
	for _, p := range d.phases {
		p := p
		g.Go(func() error {
			d.runPhase(ctx, p)
			return nil
		})
	}
	err := g.Wait()
	d.log.Info().Msg("Driver stopped")
	return err
}

// runPhase keeps one loop subscribed for as long as ctx lives. Each
// generation gets a fresh subscription and fresh phase state.
func (d *Driver) runPhase(ctx context.Context, p phase) {
	log := d.log.With().Str("phase", p.Name()).Logger()
	defer p.Close()
	for {
		sub, err := d.hub.Subscribe(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.Error().Err(err).Msg("Subscribe failed")
			}
			return
		}
		err = d.follow(ctx, p, sub)
		sub.Unsubscribe()
		if !errors.Is(err, errGenerationChanged) {
			return
		}
		p.Close()
		log.Info().Msg("Generation changed, resubscribing")
	}
}

// loopState is what a loop knows about the generation it serves.
type loopState struct {
	ready bool
	gov   ledger.Governance
}

func (d *Driver) follow(ctx context.Context, p phase, sub ledger.Subscription) error {
	var st loopState
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case head, ok := <-sub.Heads():
			if !ok {
				return sub.Err()
			}
			err := d.handle(ctx, p, &st, &head)
			if errors.Is(err, errGenerationChanged) {
				return err
			}
			if err != nil {
				d.report(p, &st, &head, err)
			}
		}
	}
}

// handle runs the per-block procedure of one loop. A panic is contained
// to the loop: its state is dropped and rebuilt on the next block.
func (d *Driver) handle(ctx context.Context, p phase, st *loopState, head *ledger.Head) (err error) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error().Str("phase", p.Name()).Bytes("stack", debug.Stack()).Msg("Phase loop panicked")
			p.Close()
			st.ready = false
			err = fault.New(fault.Fatal, p.Name(), fmt.Sprintf("panic: %v", r))
		}
	}()

	if !st.ready || head.Has(ledger.EventPhaseChanged) || head.Block.Time >= st.gov.NextGenerationStart {
		gov, err := d.reader.Governance(ctx, d.cfg.Root)
		if err != nil {
			return fmt.Errorf("read governance: %w", err)
		}
		if st.ready && gov.Generation != st.gov.Generation {
			return errGenerationChanged
		}
		if !st.ready {
			if err := p.Init(ctx, gov); err != nil {
				return fmt.Errorf("init generation %d: %w", gov.Generation, err)
			}
			st.ready = true
			d.log.Debug().Str("phase", p.Name()).Uint64("generation", gov.Generation).Msg("Phase initialized")
		}
		st.gov = gov
	}
	return p.OnBlock(ctx, head)
}

// report sends every error in err to the sink.
func (d *Driver) report(p phase, st *loopState, head *ledger.Head, err error) {
	errs := []error{err}
	var merr *multierror.Error
	if errors.As(err, &merr) {
		errs = merr.Errors
	}
	for _, e := range errs {
		d.sink.Report(fault.NewReport(e, map[string]string{
			"phase":      p.Name(),
			"generation": fmt.Sprint(st.gov.Generation),
			"block":      fmt.Sprint(head.Block.Number),
		}))
	}
}
