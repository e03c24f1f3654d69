// Package node assembles a driver from configuration so that it can be
// embedded in any binary.
package node

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"github.com/Klingon-tech/klingnet-driver/config"
	"github.com/Klingon-tech/klingnet-driver/internal/balances"
	"github.com/Klingon-tech/klingnet-driver/internal/credential"
	"github.com/Klingon-tech/klingnet-driver/internal/driver"
	"github.com/Klingon-tech/klingnet-driver/internal/fault"
	"github.com/Klingon-tech/klingnet-driver/internal/ledger"
	klog "github.com/Klingon-tech/klingnet-driver/internal/log"
	"github.com/Klingon-tech/klingnet-driver/internal/rpcclient"
	"github.com/Klingon-tech/klingnet-driver/internal/storage"
	"github.com/Klingon-tech/klingnet-driver/internal/store"
	"github.com/Klingon-tech/klingnet-driver/pkg/types"
)

// Node is a fully-initialized driver process.
type Node struct {
	cfg    *config.Config
	logger zerolog.Logger

	db     storage.DB
	cred   *credential.Credential
	ledger *ledger.RPC
	driver *driver.Driver

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	runErr error
}

// New creates and initializes a Node. It performs every setup step
// (logger, storage, credential, ledger, balances) but does not start the
// phase loops. Call Start for that. Every failure here is fatal.
func New(cfg *config.Config, password []byte) (*Node, error) {
	n, err := build(cfg, password)
	if err != nil {
		return nil, fault.Wrap(fault.Fatal, "node setup", err)
	}
	return n, nil
}

func build(cfg *config.Config, password []byte) (*Node, error) {
	// ── 1. Init logger ──────────────────────────────────────────────
	logFile := expandHome(cfg.Log.File)
	if logFile == "" {
		logsDir := cfg.LogsDir()
		if err := os.MkdirAll(logsDir, 0700); err != nil {
			return nil, fmt.Errorf("creating logs dir: %w", err)
		}
		logFile = filepath.Join(logsDir, "driver.log")
	}
	if err := klog.Init(cfg.Log.Level, cfg.Log.JSON, logFile); err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}
	logger := klog.WithComponent("node")

	logger.Info().
		Str("network", string(cfg.Network)).
		Str("root", cfg.Root.String()).
		Str("ledger", cfg.Ledger.RPC).
		Int("blacklist", len(cfg.Exclude)).
		Msg("Starting Klingnet inflation driver")

	// ── 2. Credential ───────────────────────────────────────────────
	cred, err := credential.Load(cfg.KeystoreDir(), cfg.Signer.Wallet, password)
	if err != nil {
		return nil, fmt.Errorf("load credential %q: %w", cfg.Signer.Wallet, err)
	}
	logger.Info().Str("account", cred.Address().String()).Msg("Credential unlocked")

	// ── 3. Open storage ─────────────────────────────────────────────
	db, err := storage.NewBadger(cfg.StateDir())
	if err != nil {
		cred.Zero()
		return nil, fmt.Errorf("open database at %s: %w", cfg.StateDir(), err)
	}
	st := store.New(db)
	if g, err := st.Generation(); err == nil {
		logger.Info().Uint64("generation", g).Msg("Resuming after generation")
	}
	logger.Info().Str("path", cfg.StateDir()).Msg("Database opened")

	// ── 4. Ledger and balances ──────────────────────────────────────
	policy := ledger.RetryPolicy{Attempts: cfg.Retry.Attempts, Base: cfg.Retry.Base, Max: cfg.Retry.Max}
	client := rpcclient.NewWithTimeout(cfg.Ledger.RPC, cfg.Ledger.Timeout)
	l := ledger.NewRPC(client, cfg.Ledger.WS, policy)

	src, err := balanceSource(cfg, client)
	if err != nil {
		db.Close()
		cred.Zero()
		return nil, err
	}

	// ── 5. Driver ───────────────────────────────────────────────────
	d := driver.New(driver.Config{
		Root:        cfg.Root,
		Propose:     cfg.Inflation.Propose,
		Challenge:   cfg.Inflation.Challenge,
		Exclude:     cfg.Exclude,
		MaxAttempts: cfg.VDF.MaxAttempts,
		Reconnect:   policy,
	}, l, cred, src, st, klog.NewSink(klog.WithComponent("faults")))

	ctx, cancel := context.WithCancel(context.Background())
	return &Node{
		cfg:    cfg,
		logger: logger,
		db:     db,
		cred:   cred,
		ledger: l,
		driver: d,
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// balanceSource reads balances from the indexer, or from the ledger node
// when no indexer is configured. The blacklist is applied when the
// snapshot is built.
func balanceSource(cfg *config.Config, ledgerClient *rpcclient.Client) (balances.Source, error) {
	client := ledgerClient
	if cfg.Balances.RPC != "" {
		client = rpcclient.NewWithTimeout(cfg.Balances.RPC, cfg.Ledger.Timeout)
	}
	src := balances.NewRPCSource(client, cfg.Retry.Attempts, cfg.Retry.Base)
	cached, err := balances.NewCached(src, cfg.Balances.Cache)
	if err != nil {
		return nil, fmt.Errorf("balance cache: %w", err)
	}
	return cached, nil
}

// Start launches the phase loops.
func (n *Node) Start() error {
	head, err := n.ledger.Head(n.ctx)
	if err != nil {
		return fault.Wrap(fault.Fatal, "node start", fmt.Errorf("reach ledger: %w", err))
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.runErr = n.driver.Run(n.ctx)
	}()

	n.logger.Info().
		Uint64("height", head.Number).
		Str("head", head.Hash.Short()).
		Bool("propose", n.cfg.Inflation.Propose).
		Bool("challenge", n.cfg.Inflation.Challenge).
		Msg("Driver started successfully")
	return nil
}

// Stop performs graceful shutdown in reverse order and returns every
// error met on the way.
func (n *Node) Stop() error {
	n.cancel()
	n.wg.Wait()

	var errs *multierror.Error
	if n.runErr != nil {
		errs = multierror.Append(errs, fmt.Errorf("driver: %w", n.runErr))
	}
	if n.db != nil {
		if err := n.db.Close(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("close database: %w", err))
		}
	}
	if n.cred != nil {
		n.cred.Zero()
	}

	n.logger.Info().Msg("Goodbye!")
	return errs.ErrorOrNil()
}

// Address returns the driver's signing account.
func (n *Node) Address() types.Address {
	return n.cred.Address()
}
