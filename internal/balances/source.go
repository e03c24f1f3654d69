// Package balances supplies the account balances a snapshot is built from.
package balances

import (
	"context"

	"github.com/Klingon-tech/klingnet-driver/pkg/sumtree"
)

// Source lists account balances as of a ledger height.
type Source interface {
	BalancesAt(ctx context.Context, height uint64) ([]sumtree.AccountBalance, error)
}
