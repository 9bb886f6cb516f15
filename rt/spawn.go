package rt

import (
	"context"

	"github.com/pnnl-gmt/gmt-go/handle"
	"github.com/pnnl-gmt/gmt-go/mtask"
	"github.com/pnnl-gmt/gmt-go/uthread"
)

// ForLoop spawns [start, end) with the given step across nodes per
// policy, blocking until every iteration (local and remote) has completed
// (§6's for_loop). It has no handle: completion is tracked through the
// calling uthread's nesting-level mtask counters, the same bookkeeping
// wait_mtasks already uses.
func (c *TaskContext) ForLoop(ctx context.Context, start, end uint64, step uint32, policy SpawnPolicy, name string, fn TaskFunc, args []byte) error {
	c.forLoopNb(start, end, step, policy, mtask.NoHandle, name, fn, args)
	return c.WaitForNb(ctx)
}

// ForLoopNb is ForLoop's non-blocking form (§6's for_loop_nb): it returns
// as soon as every share has been dispatched, and the caller must later
// call WaitForNb to know the range has fully executed.
func (c *TaskContext) ForLoopNb(start, end uint64, step uint32, policy SpawnPolicy, name string, fn TaskFunc, args []byte) {
	c.forLoopNb(start, end, step, policy, mtask.NoHandle, name, fn, args)
}

// ForLoopWithHandle dispatches [start, end) the same way ForLoopNb does,
// but tags every share with hid instead of the calling uthread's own
// mtask counters, so an unrelated uthread (or a later, even recursive,
// call on this one) can WaitHandle on it independently (§6's
// for_loop_with_handle / get_handle-wait_handle pairing). The caller
// obtains hid via GetHandle once and may reuse it across many calls, the
// same way gmt_for_loop_with_handle takes an already-requested
// gmt_handle_t rather than minting its own.
func (c *TaskContext) ForLoopWithHandle(hid handle.ID, start, end uint64, step uint32, policy SpawnPolicy, name string, fn TaskFunc, args []byte) {
	c.forLoopNb(start, end, step, policy, mtask.HandleID(hid), name, fn, args)
}

func (c *TaskContext) forLoopNb(start, end uint64, step uint32, policy SpawnPolicy, hid mtask.HandleID, name string, fn TaskFunc, args []byte) {
	shares := plan(policy, c.node.id, c.node.numNodes, start, end, c.rng)
	if len(shares) == 0 {
		return
	}
	for _, s := range shares {
		n := (s.end - s.start + uint64(step) - 1) / uint64(step)
		local := s.node == c.node.id
		if hid != mtask.NoHandle && local {
			// Routed through the handle pool's own local counters (not the
			// Handle struct) so the ring protocol's sums (§4.10) see every
			// locally-spawned share. A remote share's creation is instead
			// recorded once by helper/router.go's SendFor when it hands the
			// command off; recording it here too would double-count it.
			c.node.handles.RecordCreated(handle.ID(hid), n)
		} else if hid == mtask.NoHandle {
			for i := uint64(0); i < n; i++ {
				c.uth.CreateMtask()
			}
		}
		if local {
			c.spawnLocalFor(s.start, s.end, step, hid, fn, args)
		} else {
			c.spawnRemoteFor(s.node, s.start, s.end, step, hid, name, fn, args)
		}
	}
}

// spawnLocalFor enqueues a for-range mtask onto this node's own scheduler
// topology, reserving a local mtask slot first and, when none is
// available, self-executing a pending mtask inline and retrying (§4.7's
// "if no reservation is available, self-execute one step and try again").
func (c *TaskContext) spawnLocalFor(start, end uint64, step uint32, hid mtask.HandleID, fn TaskFunc, args []byte) {
	for !c.node.localRes.Acquire() {
		c.node.selfExecuteOne(c.worker, c.uth)
	}
	t, err := mtask.New(start, end, step, c.node.wrapFunc(fn), args)
	if err != nil {
		log.Errorf("node %d: rejecting malformed local for_loop: %v", c.node.id, err)
		c.node.localRes.Release(1)
		return
	}
	t.ParentNode = c.node.id
	t.ParentTID = c.tid
	t.NestLev = uint8(c.uth.Nesting())
	t.Handle = hid
	t.OnRetire = func(_ []byte) {
		c.node.localRes.Release(1)
		if hid != mtask.NoHandle {
			c.node.handles.RecordTerminated(handle.ID(hid), t.TotalIterations())
		} else {
			for i := uint64(0); i < t.TotalIterations(); i++ {
				c.uth.TerminateMtask(c.uth.Nesting())
			}
		}
	}
	c.node.pushLocal(t)
}

// spawnRemoteFor sends a for-range mtask to node over the wire, reserving
// a remote mtask slot first via the reservation protocol and marking the
// handle (if any) as having left this node so WaitHandle switches to the
// ring protocol.
func (c *TaskContext) spawnRemoteFor(node int, start, end uint64, step uint32, hid mtask.HandleID, name string, fn TaskFunc, args []byte) {
	for !c.node.reservations.Acquire(context.Background(), node) {
		c.node.selfExecuteOne(c.worker, c.uth)
	}
	if hid != mtask.NoHandle {
		if h := c.node.handles.Get(handle.ID(hid)); h != nil {
			h.MarkLeftNode()
		}
	}
	c.node.router.SendFor(node, name, c.node.wrapFunc(fn), start, end, step, args, 0, c.tid, uint8(c.uth.Nesting()), handle.ID(hid))
}

// ExecuteOn runs fn once on node, blocking until it returns, and yields
// the callee's return bytes (§6's execute). A local call runs fn directly
// on the calling context rather than round-tripping through the
// scheduler, since there is nothing to wait on: the call is already
// synchronous.
func (c *TaskContext) ExecuteOn(ctx context.Context, node int, name string, fn TaskFunc, args []byte) ([]byte, error) {
	if node == c.node.id {
		ret := make([]byte, uthread.MaxReturnSize)
		n, err := fn(c, 0, args, ret)
		if err != nil {
			return nil, err
		}
		return ret[:n], nil
	}
	return c.node.router.SendExecNonPreempt(ctx, node, name, c.node.wrapFunc(fn), args)
}

// ExecuteOnNb fires a preemptable execute() at node without waiting for
// it to finish; the caller must later call WaitExecuteNb (§6's
// execute_nb).
func (c *TaskContext) ExecuteOnNb(node int, name string, fn TaskFunc, args []byte) {
	c.execOnNb(node, mtask.NoHandle, name, fn, args)
}

// ExecuteOnWithHandle is ExecuteOnNb tagged with hid instead of the
// calling uthread's own counters (§6's execute_on_node_with_handle),
// so the caller can reuse the same handle across several with_handle
// calls rather than one being minted per call.
func (c *TaskContext) ExecuteOnWithHandle(hid handle.ID, node int, name string, fn TaskFunc, args []byte) {
	c.execOnNb(node, mtask.HandleID(hid), name, fn, args)
}

func (c *TaskContext) execOnNb(node int, hid mtask.HandleID, name string, fn TaskFunc, args []byte) {
	local := node == c.node.id
	if hid != mtask.NoHandle && local {
		// As in forLoopNb: a remote call's creation is recorded once by
		// helper/router.go's SendExecPreempt, not here too.
		c.node.handles.RecordCreated(handle.ID(hid), 1)
	} else if hid == mtask.NoHandle {
		c.uth.CreateMtask()
	}
	wrapped := c.node.wrapFunc(fn)
	if local {
		for !c.node.localRes.Acquire() {
			c.node.selfExecuteOne(c.worker, c.uth)
		}
		t := mtask.NewExecute(wrapped, args, make([]byte, uthread.MaxReturnSize))
		t.ParentNode = c.node.id
		t.ParentTID = c.tid
		t.NestLev = uint8(c.uth.Nesting())
		t.Handle = hid
		t.OnRetire = func(_ []byte) {
			c.node.localRes.Release(1)
			if hid != mtask.NoHandle {
				c.node.handles.RecordTerminated(handle.ID(hid), 1)
			} else {
				c.uth.TerminateMtask(c.uth.Nesting())
			}
		}
		c.node.pushLocal(t)
		return
	}
	if hid != mtask.NoHandle {
		if h := c.node.handles.Get(handle.ID(hid)); h != nil {
			h.MarkLeftNode()
		}
	}
	for !c.node.reservations.Acquire(context.Background(), node) {
		c.node.selfExecuteOne(c.worker, c.uth)
	}
	c.node.router.SendExecPreempt(node, name, wrapped, args, c.tid, uint8(c.uth.Nesting()), handle.ID(hid))
}

// ExecuteOnAll runs fn once on every node (including this one), blocking
// until all replies are in (§6's execute_on_all).
func (c *TaskContext) ExecuteOnAll(ctx context.Context, name string, fn TaskFunc, args []byte) error {
	for node := 0; node < c.node.numNodes; node++ {
		if _, err := c.ExecuteOn(ctx, node, name, fn, args); err != nil {
			return err
		}
	}
	return nil
}
