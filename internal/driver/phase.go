package driver

import (
	"context"
	"fmt"

	"github.com/Klingon-tech/klingnet-driver/internal/fault"
	"github.com/Klingon-tech/klingnet-driver/internal/ledger"
	"github.com/Klingon-tech/klingnet-driver/pkg/types"
)

// phase is the state machine of one governance phase. Init and Close
// bracket a generation; OnBlock runs once per head in between.
type phase interface {
	Name() string
	Init(ctx context.Context, gov ledger.Governance) error
	OnBlock(ctx context.Context, head *ledger.Head) error
	Close()
}

// attempt names one contract action. A loop handles one block at a time,
// so an action is never in flight twice.
type attempt struct {
	name string
}

// try submits the action, then re-reads ledger state with done. A failed
// submit whose effect is visible anyway is a race loss, reported and
// treated as success; otherwise the error is returned and the action is
// retried on a later block.
func (d *Driver) try(ctx context.Context, a *attempt, submit func(context.Context) error,
	done func(context.Context) (bool, error)) error {
	err := submit(ctx)
	ok, rerr := done(ctx)
	if rerr != nil {
		if err != nil {
			return err
		}
		return fmt.Errorf("%s: re-read state: %w", a.name, rerr)
	}
	if ok {
		if err != nil {
			d.sink.Report(fault.NewReport(fault.Wrap(fault.RaceLoss, a.name, err), nil))
		} else {
			d.log.Info().Str("action", a.name).Msg("Action confirmed")
		}
		return nil
	}
	if err == nil {
		return fmt.Errorf("%s: state unchanged after submit", a.name)
	}
	return err
}

// submit returns a submit func for one contract call.
func (d *Driver) submit(contract types.Address, method ledger.Method, params any) func(context.Context) error {
	return func(ctx context.Context) error {
		_, err := d.caller.Call(ctx, contract, method, params)
		return err
	}
}
