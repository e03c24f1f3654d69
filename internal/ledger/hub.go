package ledger

import (
	"context"
	"errors"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sethvargo/go-retry"

	klog "github.com/Klingon-tech/klingnet-driver/internal/log"
	"github.com/Klingon-tech/klingnet-driver/pkg/types"
)

// ErrHubClosed is reported by subscriptions that outlive the hub.
var ErrHubClosed = errors.New("head hub closed")

const (
	// childBuffer is the per-subscriber head backlog. Loops re-read state on
	// every head, so a dropped head only delays them by one block.
	childBuffer = 32
	seenBlocks  = 1024
)

// Hub fans one upstream head feed out to any number of owned
// subscriptions. It reconnects the upstream on failure and drops heads
// it has already delivered, so a reconnect never replays a block.
type Hub struct {
	upstream  Feed
	reconnect RetryPolicy
	seen      *lru.Cache[types.Hash, struct{}]

	mu     sync.Mutex
	subs   map[*hubSub]struct{}
	latest *Head
	closed bool
}

// NewHub creates a hub over upstream. Run must be called to start it.
func NewHub(upstream Feed, reconnect RetryPolicy) *Hub {
	if reconnect.Base <= 0 {
		reconnect = DefaultRetry
	}
	seen, _ := lru.New[types.Hash, struct{}](seenBlocks)
	return &Hub{
		upstream:  upstream,
		reconnect: reconnect,
		seen:      seen,
		subs:      make(map[*hubSub]struct{}),
	}
}

// Run pumps the upstream feed until ctx is cancelled, then closes every
// subscription.
func (h *Hub) Run(ctx context.Context) error {
	defer h.close()
	for {
		up, err := h.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		h.pump(ctx, up)
		up.Unsubscribe()
		if ctx.Err() != nil {
			return nil
		}
		klog.Ledger.Warn().Err(up.Err()).Msg("Head feed lost, reconnecting")
	}
}

func (h *Hub) connect(ctx context.Context) (Subscription, error) {
	b := retry.NewExponential(h.reconnect.Base)
	b = retry.WithCappedDuration(h.reconnect.Max, b)
	b = retry.WithJitterPercent(10, b)

	var up Subscription
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		s, err := h.upstream.Subscribe(ctx)
		if err != nil {
			klog.Ledger.Warn().Err(err).Msg("Head subscription failed")
			return retry.RetryableError(err)
		}
		up = s
		return nil
	})
	return up, err
}

func (h *Hub) pump(ctx context.Context, up Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case head, ok := <-up.Heads():
			if !ok {
				return
			}
			h.publish(head)
		}
	}
}

func (h *Hub) publish(head Head) {
	if found, _ := h.seen.ContainsOrAdd(head.Block.Hash, struct{}{}); found {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.latest = &head
	for s := range h.subs {
		select {
		case s.heads <- head:
		default:
			klog.Ledger.Warn().
				Uint64("block", head.Block.Number).
				Msg("Subscriber backlog full, dropping head")
		}
	}
}

// Latest returns the most recent head delivered, if any.
func (h *Hub) Latest() (Head, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.latest == nil {
		return Head{}, false
	}
	return *h.latest, true
}

// Subscribe registers a new subscriber. The caller owns the returned
// subscription and must Unsubscribe it.
func (h *Hub) Subscribe(ctx context.Context) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrHubClosed
	}
	s := &hubSub{hub: h, heads: make(chan Head, childBuffer)}
	h.subs[s] = struct{}{}
	return s, nil
}

// Subscribers returns the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *Hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for s := range h.subs {
		s.err = ErrHubClosed
		close(s.heads)
		delete(h.subs, s)
	}
}

func (h *Hub) remove(s *hubSub) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[s]; !ok {
		return
	}
	delete(h.subs, s)
	close(s.heads)
}

type hubSub struct {
	hub   *Hub
	heads chan Head
	err   error // guarded by hub.mu
}

func (s *hubSub) Heads() <-chan Head { return s.heads }

func (s *hubSub) Err() error {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	return s.err
}

func (s *hubSub) Unsubscribe() { s.hub.remove(s) }

var _ Feed = (*Hub)(nil)
