package balances

import (
	"context"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/Klingon-tech/klingnet-driver/internal/fault"
	klog "github.com/Klingon-tech/klingnet-driver/internal/log"
	"github.com/Klingon-tech/klingnet-driver/internal/rpcclient"
	"github.com/Klingon-tech/klingnet-driver/pkg/sumtree"
)

// DefaultPageSize is the number of accounts requested per page.
const DefaultPageSize = 1000

// page is one balances_at result.
type page struct {
	Accounts []sumtree.AccountBalance `json:"accounts"`
	Next     string                   `json:"next"`
}

// RPCSource reads balances from an indexer over JSON-RPC:
// balances_at(height, cursor, limit) → {accounts, next}. An empty next
// cursor ends the listing.
type RPCSource struct {
	client   *rpcclient.Client
	pageSize int
	attempts uint64
	base     time.Duration
}

// NewRPCSource returns a source using client. Each page is retried up to
// attempts times on transport failures.
func NewRPCSource(client *rpcclient.Client, attempts uint64, base time.Duration) *RPCSource {
	if base <= 0 {
		base = 200 * time.Millisecond
	}
	return &RPCSource{client: client, pageSize: DefaultPageSize, attempts: attempts, base: base}
}

func (s *RPCSource) BalancesAt(ctx context.Context, height uint64) ([]sumtree.AccountBalance, error) {
	var (
		out    []sumtree.AccountBalance
		cursor string
	)
	for {
		p, err := s.page(ctx, height, cursor)
		if err != nil {
			return nil, fmt.Errorf("balances at %d: %w", height, err)
		}
		out = append(out, p.Accounts...)
		if p.Next == "" {
			break
		}
		if p.Next == cursor {
			return nil, fmt.Errorf("balances at %d: cursor %q did not advance", height, cursor)
		}
		cursor = p.Next
	}
	klog.Snapshot.Debug().Uint64("height", height).Int("accounts", len(out)).Msg("Fetched balances")
	return out, nil
}

func (s *RPCSource) page(ctx context.Context, height uint64, cursor string) (*page, error) {
	b := retry.NewExponential(s.base)
	b = retry.WithJitterPercent(10, b)
	b = retry.WithMaxRetries(s.attempts, b)

	var p page
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		p = page{}
		err := s.client.Call(ctx, "balances_at", []any{height, cursor, s.pageSize}, &p)
		if err != nil && fault.KindOf(err) == fault.Transient {
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}
