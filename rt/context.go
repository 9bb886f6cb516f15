// Package rt is the public runtime facade of spec.md §6: it wires every
// already-built subsystem (memory, handle, helper, scheduler, mtask,
// reservation, comm, config) into one running cluster and exposes the
// operation table user task functions call (alloc/put/get/for_loop/
// execute_on_node/wait_handle/node_id/...).
package rt

import (
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pnnl-gmt/gmt-go/mtask"
	"github.com/pnnl-gmt/gmt-go/uthread"
)

// TaskFunc is the rt-level task body signature: the same (iter, args, ret)
// shape mtask.Func fixes by design (mtask.go's own doc comment, grounded
// on spec.md §9's "fixed function-pointer signature"), plus a leading
// *TaskContext so a running task can call node_id()/worker_id()/task_id()/
// rand() (§6's introspection operations) without any goroutine-local
// state. mtask.Func itself never gains this parameter: a node's run loop
// builds the context per claimed iteration and threads it through an
// invisible token prefixed onto the args buffer it hands to the
// registered mtask.Func adapter (see wrapFunc), so the wire-visible
// function-pointer id and its fixed signature are untouched.
type TaskFunc func(ctx *TaskContext, iter uint64, args, ret []byte) (retLen int, err error)

// TaskContext is the explicit per-call substitute for the original C
// runtime's thread-local node/worker/task state: one is constructed fresh
// for every claimed iteration (ForLoop/ForEach) or execute() invocation,
// never shared across concurrent calls.
type TaskContext struct {
	node   *Node
	worker int
	task   *mtask.Task
	uth    *uthread.Uthread
	tid    uint32
	rng    *rand.Rand
}

// NodeID returns this process's node index in the cluster.
func (c *TaskContext) NodeID() int { return c.node.id }

// NumNodes returns the cluster size.
func (c *TaskContext) NumNodes() int { return c.node.numNodes }

// WorkerID returns the id of the worker currently running this call.
func (c *TaskContext) WorkerID() int { return c.worker }

// NumWorkers returns the number of workers configured on this node.
func (c *TaskContext) NumWorkers() int { return len(c.node.workers) }

// TaskID returns the id of the currently executing task, for use as the
// parent_tid of any further spawn this call makes.
func (c *TaskContext) TaskID() uint32 { return c.tid }

// Rand returns the per-call deterministic random source seeded by
// Srand (or, absent a seed, by this call's context token).
func (c *TaskContext) Rand() uint64 { return c.rng.Uint64() }

// Srand reseeds this call's random source, per §6's srand(seed).
func (c *TaskContext) Srand(seed uint64) { c.rng = rand.New(rand.NewSource(int64(seed))) }

// Timer returns a monotonic nanosecond counter, the Go analogue of
// gmt_timer()'s wall-clock read.
func (c *TaskContext) Timer() int64 { return time.Now().UnixNano() }

// Uthread exposes the underlying uthread slot for the sync primitives in
// sync.go (wait_data/wait_handle suspend on it directly).
func (c *TaskContext) uthread() *uthread.Uthread { return c.uth }

// contextTokens hands out the tokens used to smuggle a *TaskContext
// through the fixed-signature mtask.Func call: run constructs one ctx per
// claimed iteration, stores it under a fresh token, prefixes the token
// onto the args it passes to task.Fn, and the registered adapter (see
// wrapFunc) strips the prefix and looks the ctx back up before invoking
// the user's TaskFunc. This is strictly process-local bookkeeping, never
// serialized onto the wire.
type contextTokens struct {
	next    atomic.Uint64
	pending sync.Map // uint64 -> *TaskContext
}

func (t *contextTokens) store(ctx *TaskContext) uint64 {
	tok := t.next.Add(1)
	t.pending.Store(tok, ctx)
	return tok
}

func (t *contextTokens) take(tok uint64) *TaskContext {
	v, ok := t.pending.Load(tok)
	if !ok {
		return nil
	}
	t.pending.Delete(tok)
	ctx, _ := v.(*TaskContext)
	return ctx
}
