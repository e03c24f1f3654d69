package balances

import (
	"context"
	"strconv"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/Klingon-tech/klingnet-driver/pkg/sumtree"
)

// Cached memoizes a source per height. Balances at a past height never
// change, so entries are only evicted for space. Concurrent loads of the
// same height share one upstream request.
type Cached struct {
	src   Source
	cache *lru.Cache[uint64, []sumtree.AccountBalance]
	group singleflight.Group
}

// NewCached wraps src with an LRU of the given number of heights.
func NewCached(src Source, heights int) (*Cached, error) {
	cache, err := lru.New[uint64, []sumtree.AccountBalance](heights)
	if err != nil {
		return nil, err
	}
	return &Cached{src: src, cache: cache}, nil
}

func (c *Cached) BalancesAt(ctx context.Context, height uint64) ([]sumtree.AccountBalance, error) {
	if v, ok := c.cache.Get(height); ok {
		return clone(v), nil
	}
	v, err, _ := c.group.Do(strconv.FormatUint(height, 10), func() (any, error) {
		accounts, err := c.src.BalancesAt(ctx, height)
		if err != nil {
			return nil, err
		}
		c.cache.Add(height, accounts)
		return accounts, nil
	})
	if err != nil {
		return nil, err
	}
	return clone(v.([]sumtree.AccountBalance)), nil
}

func clone(a []sumtree.AccountBalance) []sumtree.AccountBalance {
	return append([]sumtree.AccountBalance(nil), a...)
}
