// Package reservation implements the mtask slot reservation protocol of
// spec.md §4.9: per-origin counters bounding how many remote mtasks one
// node may have outstanding on another, refilled by a request/reply
// exchange mediated by a per-destination lock so at most one reservation
// request is ever in flight for a given remote node at a time.
package reservation

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/pnnl-gmt/gmt-go/internal/xlog"
	"github.com/pnnl-gmt/gmt-go/metrics"
)

var log = xlog.With("reservation")

// Sender issues the reservation-request/-reply commands over whatever
// transport the caller is wired to (comm.Server's outboxes in production,
// a fake in tests) — an injected interface so this package never imports
// comm directly, keeping the dependency graph acyclic.
type Sender interface {
	// RequestBlock asks remote node r for a reservation block and returns
	// the granted size (possibly 0, possibly less than requested).
	RequestBlock(ctx context.Context, r int, requested int) (granted int, err error)
}

// Pool tracks per-origin reservation counters for one node's remote mtask
// slots: num_mtasks_res_array[r] of §4.9.
type Pool struct {
	sender   Sender
	blockRem int // mtasks_res_block_rem: cap on a single granted block

	mu      sync.Mutex
	locked  map[int]bool // per-destination lock: at most one in-flight request
	counter map[int]*atomic.Int64
}

// New builds a reservation pool. blockRem bounds how large a single grant
// from a remote node may be (mtasks_res_block_rem from config).
func New(sender Sender, blockRem int) *Pool {
	return &Pool{
		sender:   sender,
		blockRem: blockRem,
		locked:   make(map[int]bool),
		counter:  make(map[int]*atomic.Int64),
	}
}

func (p *Pool) counterFor(r int) *atomic.Int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.counter[r]
	if !ok {
		c = &atomic.Int64{}
		p.counter[r] = c
	}
	return c
}

// Bootstrap pre-reserves one block per remote node at startup, so the
// first mtask sent to any node never needs a synchronous round trip
// (§4.9: "Bootstrap: at startup each node pre-reserves one block per
// remote node").
func (p *Pool) Bootstrap(ctx context.Context, nodes []int) error {
	for _, r := range nodes {
		if _, err := p.refill(ctx, r); err != nil {
			return err
		}
	}
	return nil
}

// Acquire attempts to claim one reservation slot on remote node r,
// implementing "atomically decrement the counter; if the result is
// negative, restore and refuse." On failure it drives (at most one
// concurrent) refill and retries once.
func (p *Pool) Acquire(ctx context.Context, r int) bool {
	if p.tryDecrement(r) {
		return true
	}
	if _, err := p.refill(ctx, r); err != nil {
		log.Warnf("reservation refill for node %d failed: %v", r, err)
		return false
	}
	return p.tryDecrement(r)
}

func (p *Pool) tryDecrement(r int) bool {
	c := p.counterFor(r)
	for {
		cur := c.Load()
		next := cur - 1
		if next < 0 {
			return false
		}
		if c.CompareAndSwap(cur, next) {
			return true
		}
	}
}

// refill sends a reservation request to node r, serialized by a
// per-destination lock so "at most one worker at a time sends a
// reservation-request command" (§4.9). Callers that lose the race to
// acquire the lock return 0 at once, without waiting for the in-flight
// requester's grant.
func (p *Pool) refill(ctx context.Context, r int) (int, error) {
	p.mu.Lock()
	if p.locked[r] {
		p.mu.Unlock()
		return 0, nil
	}
	p.locked[r] = true
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.locked[r] = false
		p.mu.Unlock()
	}()

	metrics.ReservationRefills.WithLabelValues(strconv.Itoa(r)).Inc()
	granted, err := p.sender.RequestBlock(ctx, r, p.blockRem)
	if err != nil {
		return 0, err
	}
	if granted > 0 {
		p.counterFor(r).Add(int64(granted))
	}
	return granted, nil
}

// Release hands back n unused reservations on node r (used when a caller
// that reserved iterations ultimately does not spend them all).
func (p *Pool) Release(r int, n int) {
	if n <= 0 {
		return
	}
	p.counterFor(r).Add(int64(n))
}

// LocalPool amortises MPMC pops against the local mtask allocator pool the
// same way Pool amortises remote reservations, per §4.9's "Locally,
// workers reserve blocks of mtasks from the pool in a similar way
// (num_mtasks_avail)."
type LocalPool struct {
	avail    atomic.Int64
	capacity int64
	refill   func(want int) int
}

// NewLocalPool wraps a refill function (typically backed by the node's
// mtask allocator) with the same decrement/refill discipline as Pool.
func NewLocalPool(capacity int, refill func(want int) int) *LocalPool {
	return &LocalPool{capacity: int64(capacity), refill: refill}
}

// Acquire claims one local mtask slot, refilling from the backing
// allocator on exhaustion.
func (lp *LocalPool) Acquire() bool {
	if lp.tryDecrement() {
		return true
	}
	got := lp.refill(int(lp.capacity))
	if got <= 0 {
		return false
	}
	lp.avail.Add(int64(got))
	return lp.tryDecrement()
}

func (lp *LocalPool) tryDecrement() bool {
	for {
		cur := lp.avail.Load()
		if cur <= 0 {
			return false
		}
		if lp.avail.CompareAndSwap(cur, cur-1) {
			return true
		}
	}
}

// Release returns n slots to the local pool.
func (lp *LocalPool) Release(n int) {
	if n > 0 {
		lp.avail.Add(int64(n))
	}
}
