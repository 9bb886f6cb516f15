// Package handle implements the spawn-handle lifecycle and two-phase ring
// termination protocol of spec.md §3 ("Handle") and §4.10 ("Handle
// termination protocol").
package handle

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pnnl-gmt/gmt-go/internal/xerrors"
	"github.com/pnnl-gmt/gmt-go/internal/xlog"
	"github.com/pnnl-gmt/gmt-go/metrics"
)

var log = xlog.With("handle")

// Status mirrors the handle status machine of §3/§4.10.
type Status int32

const (
	Unused Status = iota
	Used
	CheckPending
	Reset
	Completed
)

func (s Status) String() string {
	switch s {
	case Unused:
		return "unused"
	case Used:
		return "used"
	case CheckPending:
		return "check-pending"
	case Reset:
		return "reset"
	case Completed:
		return "completed"
	default:
		return "invalid"
	}
}

// ID is a globally unique handle id: a per-node pool of ids 0..maxHandles-1
// offset by node, per §3.
type ID uint64

// Handle tracks one spawn-handle's lifecycle on its owning node.
type Handle struct {
	ID     ID
	Owner  uint32 // owning task id
	status atomic.Int32

	// left is set the first time a handle-tagged task is sent to another
	// node; before that, a local counter compare fully answers wait(handle)
	// (§4.10: "if the handle has never left the node a simple local counter
	// compare suffices"). The counters themselves live in Pool.local,
	// alongside the ring protocol's cluster-wide sums, so a local-only
	// share and a share that later leaves the node are counted in exactly
	// the same place.
	left atomic.Bool
}

func newHandle(id ID, owner uint32) *Handle {
	h := &Handle{ID: id, Owner: owner}
	h.status.Store(int32(Used))
	return h
}

func (h *Handle) Status() Status { return Status(h.status.Load()) }

// MarkLeftNode records that a task tagged with this handle has been sent
// to a remote node, after which wait(handle) must use the ring protocol
// instead of the fast local-counter path.
func (h *Handle) MarkLeftNode() { h.left.Store(true) }

func (h *Handle) hasLeftNode() bool { return h.left.Load() }

// Pool allocates handle ids from a finite per-node pool and drives the
// ring termination protocol for each live handle.
type Pool struct {
	node  int
	maxID ID
	ring  Ring

	mu     sync.Mutex
	free   []ID
	active map[ID]*Handle

	// local tracks, for every handle id this node has ever seen regardless
	// of which node owns it, how many tagged tasks this node created and
	// how many it terminated. The ring protocol's two sums (§4.10) are
	// each node's local counter added in as the circulation passes
	// through, so every node needs this bookkeeping even for handles it
	// does not own.
	localMu sync.Mutex
	local   map[ID]*localCount
}

type localCount struct {
	created    uint64
	terminated uint64
}

// Ring is the cluster-wide transport a Pool uses to circulate phase-1/
// phase-2/reset commands, injected so this package does not import comm
// directly.
type Ring interface {
	// Circulate sends a ring command carrying the handle id and an
	// accumulator seed to the next hop node, returning once the full
	// circuit has returned the final accumulated value to this node.
	Circulate(ctx context.Context, id ID, kind RingPhase, seed uint64) (result uint64, err error)
}

// RingPhase distinguishes the three circulations of §4.10.
type RingPhase int

const (
	PhaseTerminated RingPhase = iota
	PhaseCreated
	PhaseReset
)

// NewPool builds a handle pool of maxHandles ids for this node, offset so
// ids are globally unique across the cluster (§3: "per-node pool of ids,
// 0 ... maxHandles-1, offset by node").
func NewPool(node int, maxHandles int, ring Ring) *Pool {
	p := &Pool{node: node, maxID: ID(maxHandles), ring: ring, active: make(map[ID]*Handle), local: make(map[ID]*localCount)}
	base := ID(node) * ID(maxHandles)
	p.free = make([]ID, maxHandles)
	for i := range p.free {
		p.free[i] = base + ID(i)
	}
	return p
}

// Alloc draws one handle id from the pool for the given owning task.
func (p *Pool) Alloc(owner uint32) (*Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) == 0 {
		return nil, xerrors.E(xerrors.Fatal, "handle: id pool exhausted")
	}
	id := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	h := newHandle(id, owner)
	p.active[id] = h
	metrics.HandlesActive.Inc()
	return h, nil
}

// Get returns the live handle for id, or nil if it is not (or no longer)
// allocated.
func (p *Pool) Get(id ID) *Handle {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active[id]
}

// release returns h's id to the pool and forgets the handle, called once the ring
// protocol has reset and completed it.
func (p *Pool) release(h *Handle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.active, h.ID)
	p.free = append(p.free, h.ID)
	metrics.HandlesActive.Dec()
}

// Wait implements wait(handle) of §4.10: a fast local-counter path while
// the handle has never left this node, otherwise the two-phase ring
// protocol, retried until the handle reaches Completed.
func (p *Pool) Wait(ctx context.Context, id ID) error {
	h := p.Get(id)
	if h == nil {
		return xerrors.E(xerrors.Invalid, fmt.Sprintf("handle: unknown id %d", id))
	}
	for {
		if !h.hasLeftNode() {
			created, terminated := p.PeekLocal(id)
			if terminated >= created {
				return nil
			}
		} else if h.Status() == Completed {
			return nil
		} else if h.Status() == Used {
			if err := p.tick(ctx, h); err != nil {
				return err
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

func (p *Pool) localFor(id ID) *localCount {
	p.localMu.Lock()
	defer p.localMu.Unlock()
	c, ok := p.local[id]
	if !ok {
		c = &localCount{}
		p.local[id] = c
	}
	return c
}

// RecordCreated registers n tasks tagged with id as spawned by this node
// (whether they go on to run locally or are sent to a remote node),
// counted into the ring protocol's "created" sum (§4.10).
func (p *Pool) RecordCreated(id ID, n uint64) { p.localFor(id).created += n }

// RecordTerminated registers n tasks tagged with id as having finished
// executing on this node, counted into the ring protocol's "terminated"
// sum.
func (p *Pool) RecordTerminated(id ID, n uint64) { p.localFor(id).terminated += n }

// PeekLocal returns this node's current created/terminated counts for id
// without resetting them, used by a ring hop that is not the owner.
func (p *Pool) PeekLocal(id ID) (created, terminated uint64) {
	c := p.localFor(id)
	return c.created, c.terminated
}

// ResetLocal zeroes this node's counters for id, driven by the reset
// circulation once the owner observes matching sums.
func (p *Pool) ResetLocal(id ID) {
	p.localMu.Lock()
	defer p.localMu.Unlock()
	delete(p.local, id)
}

// tick drives one attempt at the two-phase ring protocol for h, guarded by
// a single compare-and-swap on status so only one circulation is ever in
// flight per handle (§4.10's closing sentence).
func (p *Pool) tick(ctx context.Context, h *Handle) error {
	if !h.status.CompareAndSwap(int32(Used), int32(CheckPending)) {
		return nil // another goroutine already owns this handle's circulation
	}

	termSum, err := p.ring.Circulate(ctx, h.ID, PhaseTerminated, 0)
	if err != nil {
		h.status.Store(int32(Used))
		return err
	}
	createdSum, err := p.ring.Circulate(ctx, h.ID, PhaseCreated, 0)
	if err != nil {
		h.status.Store(int32(Used))
		return err
	}

	if termSum == createdSum {
		if _, err := p.ring.Circulate(ctx, h.ID, PhaseReset, 0); err != nil {
			h.status.Store(int32(Used))
			return err
		}
		h.status.Store(int32(Reset))
		h.status.Store(int32(Completed))
		p.release(h)
		return nil
	}

	h.status.Store(int32(Used))
	log.Debugf("handle %d: ring mismatch (terminated=%d created=%d), will retry", h.ID, termSum, createdSum)
	return nil
}
