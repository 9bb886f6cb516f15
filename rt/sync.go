package rt

import (
	"context"
	"sync"
	"time"

	"github.com/pnnl-gmt/gmt-go/handle"
	"github.com/pnnl-gmt/gmt-go/mtask"
	"github.com/pnnl-gmt/gmt-go/uthread"
)

// pollInterval bounds how often a Wait* op rechecks its condition once it
// has run out of other pending work to help with. The original runtime
// parks the calling uthread's ucontext and is woken by the worker loop
// directly; here task.Fn runs synchronously inside scheduler.Worker.Step's
// call to run (node.go's makeRun), so there is no decoupled goroutine for
// uthread.Suspend to park and for Step to later resume via Parked() — the
// whole worker is this call for as long as it runs. A genuine suspend/resume
// wiring would mean giving every task its own goroutine independent of
// driveWorker's loop, which is a scheduler restructuring, not a local fix.
// Wait* instead calls node.selfExecuteOne between polls, the same
// reservation-wait escape valve spawn.go's Acquire loops use, so the
// blocked worker still drains its own pending mtask queue rather than
// sleeping uselessly; uthread.Suspend/Resume/Parked/Runnable's WaitingData/
// WaitingMtasks/WaitingHandle transitions remain exercised only directly by
// uthread_test.go, not by this path.
const pollInterval = 200 * time.Microsecond

// waitTracker maps a running task's own tid to its uthread so that
// OnForCompletion/OnExecCompletion callbacks (fired by a remote node's
// helper.Dispatcher reporting a spawned child's completion) can advance
// that uthread's per-nesting-level terminated-mtasks counter, the same
// bookkeeping CreateMtask/TerminateMtask already implement for §4.1's
// wait_mtasks predicate.
type waitTracker struct {
	mu    sync.RWMutex
	byTID map[uint32]*uthread.Uthread
}

func (w *waitTracker) register(tid uint32, u *uthread.Uthread) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.byTID == nil {
		w.byTID = make(map[uint32]*uthread.Uthread)
	}
	w.byTID[tid] = u
}

func (w *waitTracker) unregister(tid uint32) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.byTID, tid)
}

func (w *waitTracker) lookup(tid uint32) *uthread.Uthread {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.byTID[tid]
}

func (w *waitTracker) resolveFor(tid uint32, _ mtask.HandleID, n uint64) {
	if u := w.lookup(tid); u != nil {
		for i := uint64(0); i < n; i++ {
			u.TerminateMtask(u.Nesting())
		}
	}
}

func (w *waitTracker) resolveExec(tid uint32, _ mtask.HandleID, _ []byte) {
	if u := w.lookup(tid); u != nil {
		u.TerminateMtask(u.Nesting())
	}
}

// WaitData blocks until every byte requested via a non-blocking put/get
// issued by this call has arrived (§6's wait_data()).
func (c *TaskContext) WaitData(ctx context.Context) error {
	for !c.uth.DataSatisfied() {
		if c.node.selfExecuteOne(c.worker, c.uth) {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
	return nil
}

// WaitForNb blocks until every outstanding non-blocking for_loop this
// call spawned has retired (§6's wait_for_nb()).
func (c *TaskContext) WaitForNb(ctx context.Context) error {
	for !c.uth.MtasksSatisfied() {
		if c.node.selfExecuteOne(c.worker, c.uth) {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
	return nil
}

// WaitExecuteNb blocks until every outstanding non-blocking execute() this
// call spawned has retired (§6's wait_execute_nb()). Both for_loop and
// execute() children are tracked through the same created/terminated
// nesting-level counters, so this shares WaitForNb's predicate.
func (c *TaskContext) WaitExecuteNb(ctx context.Context) error { return c.WaitForNb(ctx) }

// GetHandle allocates a fresh spawn handle owned by the current task,
// tagging every _with_handle spawn that follows until WaitHandle is
// called (§6's get_handle()).
func (c *TaskContext) GetHandle() (handle.ID, error) {
	h, err := c.node.handles.Alloc(c.tid)
	if err != nil {
		return 0, err
	}
	return h.ID, nil
}

// WaitHandle blocks until every task tagged with id (locally or on any
// other node) has completed, then releases id back to the pool (§6's
// wait_handle(h), "get_handle/wait_handle pairs implicitly free the
// handle on completion").
func (c *TaskContext) WaitHandle(ctx context.Context, id handle.ID) error {
	return c.node.handles.Wait(ctx, id)
}
