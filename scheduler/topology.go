// Package scheduler implements the per-node worker loop and mtask-queue
// topology of spec.md §4.2. Three topologies are offered, matching the
// build-time choice described there, all satisfying the same producer/
// consumer contract: "producers may block-free enqueue; consumers may fail
// to pop, in which case they proceed to other work."
package scheduler

import (
	"github.com/pnnl-gmt/gmt-go/mtask"
	"github.com/pnnl-gmt/gmt-go/queue"
)

// Topology routes mtasks from producers (workers and helpers) to the
// worker that will claim and run them.
type Topology interface {
	// Push enqueues t for consumer worker `to`, as chosen by the caller
	// (round-robin, hash, or explicit target).
	Push(to int, t *mtask.Task) bool
	// Pop attempts to dequeue one mtask for consumer worker `self`. It
	// returns false (never blocks) if none is currently available.
	Pop(self int) (*mtask.Task, bool)
	// NumConsumers reports how many distinct worker lanes this topology
	// exposes to Pop.
	NumConsumers() int
}

// taskSlot packs a *mtask.Task pointer into the 63-bit payload the queue
// package requires. Tasks are heap-allocated and kept alive by the
// registry below for the lifetime of their presence in a queue.
type taskSlot struct {
	tasks *taskRegistry
}

// taskRegistry assigns small dense ids to in-flight *mtask.Task pointers
// so they fit the queue package's 63-bit uint64 payload without resorting
// to unsafe.Pointer round-tripping.
type taskRegistry struct {
	mu      chanMutex
	byID    map[uint64]*mtask.Task
	nextID  uint64
}

func newTaskRegistry() *taskRegistry {
	return &taskRegistry{mu: chanMutex{c: make(chan struct{}, 1)}, byID: make(map[uint64]*mtask.Task)}
}

func (r *taskRegistry) put(t *mtask.Task) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	id := r.nextID
	r.byID[id] = t
	return id
}

func (r *taskRegistry) take(id uint64) *mtask.Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.byID[id]
	delete(r.byID, id)
	return t
}

// chanMutex is a tiny channel-based mutex, used instead of sync.Mutex only
// to keep this file's dependency list limited to the standard library plus
// the queue package; functionally identical to sync.Mutex.
type chanMutex struct{ c chan struct{} }

func (m *chanMutex) Lock() {
	if m.c == nil {
		m.c = make(chan struct{}, 1)
	}
	m.c <- struct{}{}
}
func (m *chanMutex) Unlock() { <-m.c }

// AllToAll implements the "(W+H) x W SPSC queues" topology of §4.2: every
// producer (worker or helper) has a dedicated SPSC lane into every
// consumer worker.
type AllToAll struct {
	numConsumers int
	lanes        [][]*queue.SPSC // lanes[producer][consumer]
	reg          *taskRegistry
}

// NewAllToAll builds the (numProducers x numConsumers) SPSC lane matrix.
func NewAllToAll(numProducers, numConsumers, laneCapacity int) *AllToAll {
	lanes := make([][]*queue.SPSC, numProducers)
	for p := range lanes {
		lanes[p] = make([]*queue.SPSC, numConsumers)
		for c := range lanes[p] {
			lanes[p][c] = queue.NewSPSC(laneCapacity)
		}
	}
	return &AllToAll{numConsumers: numConsumers, lanes: lanes, reg: newTaskRegistry()}
}

// PushFrom enqueues t from producer `from` into consumer `to`'s lane. Use
// this instead of Push when the producer identity matters (it always
// does, for an all-to-all lane matrix); Push assumes producer 0.
func (a *AllToAll) PushFrom(from, to int, t *mtask.Task) bool {
	id := a.reg.put(t)
	if err := a.lanes[from][to].Push(id); err != nil {
		a.reg.take(id)
		return false
	}
	return true
}

func (a *AllToAll) Push(to int, t *mtask.Task) bool { return a.PushFrom(0, to, t) }

func (a *AllToAll) Pop(self int) (*mtask.Task, bool) {
	for p := range a.lanes {
		if id, ok := a.lanes[p][self].Pop(); ok {
			return a.reg.take(id), true
		}
	}
	return nil, false
}

func (a *AllToAll) NumConsumers() int { return a.numConsumers }

// MPMCRings implements the "Q multi-producer, multi-consumer rings"
// topology of §4.2: workers round-robin over a fixed set of shared rings.
type MPMCRings struct {
	rings []*queue.MPMC
	reg   *taskRegistry
	next  uint64 // round-robin cursor, advanced with a simple counter
}

// NewMPMCRings builds numRings MPMC rings of the given per-ring capacity.
func NewMPMCRings(numRings, ringCapacity int) *MPMCRings {
	rings := make([]*queue.MPMC, numRings)
	for i := range rings {
		rings[i] = queue.NewMPMC(ringCapacity)
	}
	return &MPMCRings{rings: rings, reg: newTaskRegistry()}
}

func (m *MPMCRings) Push(_ int, t *mtask.Task) bool {
	id := m.reg.put(t)
	ring := m.next % uint64(len(m.rings))
	m.next++
	if err := m.rings[ring].Push(id); err != nil {
		m.reg.take(id)
		return false
	}
	return true
}

func (m *MPMCRings) Pop(self int) (*mtask.Task, bool) {
	n := len(m.rings)
	for i := 0; i < n; i++ {
		ring := (self + i) % n
		if id, ok := m.rings[ring].Pop(); ok {
			return m.reg.take(id), true
		}
	}
	return nil, false
}

func (m *MPMCRings) NumConsumers() int { return len(m.rings) }

// SchedulerThread implements the third topology of §4.2: (W+H) producer
// SPSC lanes feed a rebalancing goroutine, which redistributes work across
// W consumer SPSC lanes. Rebalance must be driven by a caller-owned
// goroutine (the "optional scheduler thread" of §2); this type only holds
// the queues and the one-shot rebalancing step.
type SchedulerThread struct {
	in  []*queue.SPSC // producer lanes
	out []*queue.SPSC // consumer lanes
	reg *taskRegistry
}

// NewSchedulerThread builds the producer/consumer lane sets.
func NewSchedulerThread(numProducers, numConsumers, capacity int) *SchedulerThread {
	in := make([]*queue.SPSC, numProducers)
	out := make([]*queue.SPSC, numConsumers)
	for i := range in {
		in[i] = queue.NewSPSC(capacity)
	}
	for i := range out {
		out[i] = queue.NewSPSC(capacity)
	}
	return &SchedulerThread{in: in, out: out, reg: newTaskRegistry()}
}

// PushFrom enqueues onto producer lane `from`.
func (s *SchedulerThread) PushFrom(from int, t *mtask.Task) bool {
	id := s.reg.put(t)
	if err := s.in[from].Push(id); err != nil {
		s.reg.take(id)
		return false
	}
	return true
}

func (s *SchedulerThread) Push(to int, t *mtask.Task) bool { return s.PushFrom(0, t) }

var _ Topology = (*SchedulerThread)(nil)

func (s *SchedulerThread) Pop(self int) (*mtask.Task, bool) {
	if id, ok := s.out[self].Pop(); ok {
		return s.reg.take(id), true
	}
	return nil, false
}

func (s *SchedulerThread) NumConsumers() int { return len(s.out) }

// Rebalance drains every producer lane once, round-robining items across
// consumer lanes. It is meant to be called repeatedly from a dedicated
// goroutine, the "optional scheduler thread" of §2.
func (s *SchedulerThread) Rebalance() {
	c := 0
	for _, lane := range s.in {
		for {
			id, ok := lane.Pop()
			if !ok {
				break
			}
			_ = s.out[c%len(s.out)].Push(id)
			c++
		}
	}
}
