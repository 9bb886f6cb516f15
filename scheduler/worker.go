package scheduler

import (
	"context"
	"strconv"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/pnnl-gmt/gmt-go/internal/xlog"
	"github.com/pnnl-gmt/gmt-go/metrics"
	"github.com/pnnl-gmt/gmt-go/mtask"
	"github.com/pnnl-gmt/gmt-go/uthread"
)

var log = xlog.With("scheduler")

// Hooks are the background duties a worker drives on every loop
// iteration besides uthread scheduling: timeout-flushing half-full
// command blocks (§4.2 point 3) and, if enabled, a periodic scheduler
// state dump (§4.2 point 4, "Scheduler state dump" in SPEC_FULL.md §3).
type Hooks struct {
	FlushIdle func()
	DumpState func()
	DumpEvery time.Duration
}

// Worker is one node-local worker kernel thread: it owns U uthreads and
// drives them to completion, claims mtasks from the assigned Topology,
// and fans each claimed mtask's iterations into its free uthreads. The
// original C worker pins itself to an OS thread; this Go worker does not
// pin or lock its driving goroutine, and ThreadPinning has no effect
// (SPEC_FULL.md §3 — pinning is named in the config surface but out of
// scope).
type Worker struct {
	ID   int
	pool []*uthread.Uthread

	topo Topology

	// assigned maps a busy uthread's index to the mtask and iteration it
	// is currently executing.
	assigned map[int]*running

	// limit bounds concurrently running uthreads when LimitParallelism
	// is configured, per the config surface's limit_parallelism field.
	limit *semaphore.Weighted

	hooks Hooks

	maxNesting uint32

	// workerLabel caches ID as a string for the per-worker metrics
	// vectors, so Step does not format it on every claimed iteration.
	workerLabel string

	lastDump time.Time
}

// State is a point-in-time snapshot of one worker, returned by Snapshot
// for the EnableUsrSignal-triggered dump named in SPEC_FULL.md §3.
type State struct {
	ID         int
	Busy       int
	Free       int
	MaxNesting uint32
}

type running struct {
	task *mtask.Task
	iter uint64
}

// NewWorker allocates a worker with numUthreads uthreads, bound to topo
// for mtask consumption.
func NewWorker(id int, numUthreads int, maxNesting uint32, topo Topology, hooks Hooks, limitParallelism bool) *Worker {
	w := &Worker{
		ID:         id,
		pool:       make([]*uthread.Uthread, numUthreads),
		topo:       topo,
		assigned:    make(map[int]*running),
		hooks:       hooks,
		maxNesting:  maxNesting,
		workerLabel: strconv.Itoa(id),
	}
	for i := range w.pool {
		w.pool[i] = uthread.New(uint32(i), uint32(id), maxNesting, uthread.DefaultStackPolicy)
	}
	if limitParallelism {
		w.limit = semaphore.NewWeighted(int64(numUthreads))
	}
	return w
}

// freeSlot returns the index of an idle uthread, or -1 if none is free.
func (w *Worker) freeSlot() int {
	for i, u := range w.pool {
		if _, busy := w.assigned[i]; !busy {
			if u.Status() == uthread.NotStarted {
				return i
			}
		}
	}
	return -1
}

// fairnessQuota implements §4.2's "ceil(total_iters / W)" bound: the
// maximum number of iterations this worker will start from one mtask pop,
// so that one large mtask does not starve the other W-1 workers that may
// also be racing to claim iterations from the same mtask (mtasks are
// shared across a node's workers via the Topology).
func fairnessQuota(totalIters uint64, numWorkers int) int {
	if numWorkers <= 0 {
		numWorkers = 1
	}
	q := (totalIters + uint64(numWorkers) - 1) / uint64(numWorkers)
	if q == 0 {
		q = 1
	}
	if q > uint64(^uint(0)>>1) {
		q = uint64(^uint(0) >> 1)
	}
	return int(q)
}

// Step runs one iteration of the worker loop described in §4.2:
//  1. context-switch to a ready uthread if one exists;
//  2. otherwise poll the assigned mtask queue(s) and start new iterations,
//     bounded by free uthreads and the fairness quota;
//  3. drive the timeout-flush hook;
//  4. drive the state-dump hook, if its interval has elapsed.
// Step returns true if it did any useful work, so a caller's outer loop
// can back off (sleep briefly) when the worker is idle.
func (w *Worker) Step(ctx context.Context, run func(*mtask.Task, uint64, *uthread.Uthread)) bool {
	did := false

	for i, u := range w.pool {
		if _, busy := w.assigned[i]; busy && u.Runnable() {
			select {
			case <-u.Parked():
				delete(w.assigned, i)
				u.Reset(true)
				if w.limit != nil {
					w.limit.Release(1)
				}
				metrics.UthreadsRunning.WithLabelValues(w.workerLabel).Set(float64(len(w.assigned)))
				did = true
			default:
			}
		}
	}

	if w.hooks.FlushIdle != nil {
		w.hooks.FlushIdle()
	}

	if w.hooks.DumpState != nil && w.hooks.DumpEvery > 0 && time.Since(w.lastDump) >= w.hooks.DumpEvery {
		w.hooks.DumpState()
		w.lastDump = time.Now()
	}

	slot := w.freeSlot()
	if slot < 0 {
		return did
	}
	task, ok := w.topo.Pop(w.ID)
	if !ok {
		return did
	}
	did = true

	quota := fairnessQuota(task.TotalIterations(), w.topo.NumConsumers())
	freeCount := w.countFree()
	if quota > freeCount {
		quota = freeCount
	}
	if quota < 1 {
		quota = 1
	}
	from, to, n := task.ClaimIterations(quota)
	if n == 0 {
		return did
	}
	if task.Remaining() {
		// Not all iterations started yet: return the mtask so another
		// worker (or this one, later) can continue it, per §4.2.
		w.topo.Push(w.ID, task)
	}

	it := from
	started := 0
	for it < to && started < n {
		if w.limit != nil && !w.limit.TryAcquire(1) {
			break
		}
		s := w.freeSlot()
		if s < 0 {
			if w.limit != nil {
				w.limit.Release(1)
			}
			break
		}
		u := w.pool[s]
		w.assigned[s] = &running{task: task, iter: it}
		u.Reset(false)
		go run(task, it, u)
		metrics.MtasksClaimed.WithLabelValues(w.workerLabel).Inc()
		metrics.UthreadsRunning.WithLabelValues(w.workerLabel).Set(float64(len(w.assigned)))
		it += uint64(task.StepIt)
		started++
	}
	return did
}

// Snapshot reports this worker's current busy/free uthread counts, the
// data a state dump logs per worker.
func (w *Worker) Snapshot() State {
	busy := len(w.assigned)
	return State{ID: w.ID, Busy: busy, Free: len(w.pool) - busy, MaxNesting: w.maxNesting}
}

func (w *Worker) countFree() int {
	n := 0
	for i := range w.pool {
		if _, busy := w.assigned[i]; !busy {
			n++
		}
	}
	return n
}

// SelfExecute claims one iteration of task for inline execution within the
// current goroutine, without allocating a uthread slot, per §4.1's
// "Self-execution": used when a worker has no free uthread but there is
// pending work, provided nesting < MAX_NESTING. It returns the claimed
// [from, to) range and does not call task.Fn itself; running the claimed
// iteration is left to the caller.
func SelfExecute(task *mtask.Task, nest *uthread.Uthread) (from uint64, to uint64, ok bool) {
	if !nest.IncrNesting() {
		return 0, 0, false
	}
	defer nest.DecrNesting()
	from, to, n := task.ClaimIterations(1)
	if n == 0 {
		return 0, 0, false
	}
	return from, to, true
}
