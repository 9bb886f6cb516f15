package rt

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/grailbio/base/status"

	"github.com/pnnl-gmt/gmt-go/aggregation"
	"github.com/pnnl-gmt/gmt-go/comm"
	"github.com/pnnl-gmt/gmt-go/config"
	"github.com/pnnl-gmt/gmt-go/handle"
	"github.com/pnnl-gmt/gmt-go/helper"
	"github.com/pnnl-gmt/gmt-go/internal/xlog"
	"github.com/pnnl-gmt/gmt-go/memory"
	"github.com/pnnl-gmt/gmt-go/metrics"
	"github.com/pnnl-gmt/gmt-go/mtask"
	"github.com/pnnl-gmt/gmt-go/reservation"
	"github.com/pnnl-gmt/gmt-go/scheduler"
	"github.com/pnnl-gmt/gmt-go/store"
	"github.com/pnnl-gmt/gmt-go/uthread"
)

var log = xlog.With("rt")

// Node is the per-node runtime facade: the operation table of spec.md §6,
// backed by this node's share of the already-built subsystems. A Cluster
// (cluster.go) owns one Node per cluster member.
type Node struct {
	id       int
	numNodes int
	cfg      config.Config

	transport comm.Transport
	server    *comm.Server

	mem      *memory.Manager
	handles  *handle.Pool
	router   *helper.Router
	funcs    *mtask.Registry
	topo     scheduler.Topology
	workers  []*scheduler.Worker
	dispatch []*helper.Dispatcher

	reservations *reservation.Pool
	localRes     *reservation.LocalPool

	persist *store.BoltStore

	statusGrp *status.Group

	userFuncsMu sync.RWMutex
	userFuncs   map[string]TaskFunc

	tokens   contextTokens
	waits    waitTracker
	rrCursor atomic.Uint64

	// mainUth is a dedicated uthread reserved for Cluster.RunMain's root
	// invocation (spec.md §3's Main task type), never drawn from any
	// worker's pool: the worker-reserved part of the composite tid space
	// (0..NumWorkers-1) never reaches it since it is pinned to the last
	// representable worker slot, mainWorkerSlot.
	mainUth *uthread.Uthread

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// mainWorkerSlot is compositeTID's reserved worker index for the root
// main invocation, one past any worker a realistic NumWorkers config
// would use.
const mainWorkerSlot = 0x3f

func (n *Node) mainUthread() *uthread.Uthread {
	if n.mainUth == nil {
		n.mainUth = uthread.New(0, mainWorkerSlot, uint32(n.cfg.MaxNesting), uthread.DefaultStackPolicy)
	}
	return n.mainUth
}

// newNode wires one node's subsystems together, following the same
// construction order helper_test.go's newTestCluster uses: a Router built
// with a nil handle pool, a handle.Pool built against that Router as its
// Ring, then the Router's handles field back-filled (Router and handle.Pool
// are mutually referential, so one side must start nil).
func newNode(id, numNodes int, cfg config.Config, transport comm.Transport, grp *status.Group) *Node {
	n := &Node{
		id:        id,
		numNodes:  numNodes,
		cfg:       cfg,
		transport: transport,
		statusGrp: grp,
		userFuncs: make(map[string]TaskFunc),
	}

	pool := comm.NewBufferPool(cfg.NumBuffsPerChannel, cfg.CommBufferSize)
	n.server = comm.NewServer(transport, pool, cfg.NumBuffsPerChannel, cfg.NumHelpers)

	send := func(node int, buf []byte) {
		metrics.NetworkBuffersSent.Inc()
		metrics.NetworkBufferWastedBytes.Observe(float64(cfg.CommBufferSize - len(buf)))
		n.server.Outbox(node).Enqueue(buf)
	}
	n.funcs = mtask.NewRegistry()
	n.router = helper.NewRouter(id, numNodes, send, nil, n.funcs, 2*time.Second)
	n.router.SetAggregator(aggregation.New(int64(cfg.CommBufferSize), cfg.CmdBlockSize))
	n.handles = handle.NewPool(id, cfg.MaxHandlesPerNode, n.router)
	n.router.AttachHandles(n.handles)
	n.mem = memory.NewManager(id, numNodes, n.router)

	n.topo = scheduler.NewAllToAll(cfg.NumHelpers, cfg.NumWorkers, cfg.MtasksPerQueue)

	n.reservations = reservation.New(n.router, cfg.MtasksResBlockRem)
	n.localRes = reservation.NewLocalPool(cfg.MtasksResBlockLoc, func(want int) int { return want })

	n.dispatch = make([]*helper.Dispatcher, cfg.NumHelpers)
	for i := range n.dispatch {
		d := helper.NewDispatcher(id, numNodes, n.mem, n.handles, n.topo, n.funcs, n.router)
		d.OnForCompletion = n.waits.resolveFor
		d.OnExecCompletion = n.waits.resolveExec
		n.dispatch[i] = d
	}

	n.workers = make([]*scheduler.Worker, cfg.NumWorkers)
	for i := range n.workers {
		hooks := scheduler.Hooks{
			FlushIdle: func() { n.router.FlushStale(func(age int64) bool { return age > 0 }) },
		}
		if cfg.EnableUsrSignal {
			idx := i
			hooks.DumpEvery = 5 * time.Second
			hooks.DumpState = func() {
				s := n.workers[idx].Snapshot()
				log.Printf("node %d worker %d state: busy=%d free=%d max_nesting=%d", id, s.ID, s.Busy, s.Free, s.MaxNesting)
			}
		}
		n.workers[i] = scheduler.NewWorker(i, cfg.NumUthreadsPerWorker, uint32(cfg.MaxNesting), n.topo, hooks, cfg.LimitParallelism)
	}

	if cfg.StateRW && (cfg.SSDPath != "" || cfg.DiskPath != "") {
		dir := cfg.SSDPath
		if dir == "" {
			dir = cfg.DiskPath
		}
		if st, err := store.Open(dir, cfg.StateName); err != nil {
			log.Errorf("node %d: named-array store unavailable at %q: %v", id, dir, err)
		} else {
			n.persist = st
		}
	}

	return n
}

// start launches the node's background goroutines: the comm server, every
// helper dispatcher, and every worker's driving loop. It returns once they
// are launched; they run until ctx is cancelled or stop is called.
func (n *Node) start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	n.cancel = cancel

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.server.Run(ctx)
	}()

	if err := n.reservations.Bootstrap(ctx, otherNodes(n.id, n.numNodes)); err != nil {
		log.Errorf("node %d: reservation bootstrap failed: %v", n.id, err)
	}

	for i, d := range n.dispatch {
		d := d
		i := i
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			if err := d.Run(ctx, n.server.Inbox(i)); err != nil && ctx.Err() == nil {
				log.Errorf("node %d: helper %d dispatcher exited: %v", n.id, i, err)
			}
		}()
	}

	for _, w := range n.workers {
		w := w
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.driveWorker(ctx, w)
		}()
	}
}

// stop cancels every background goroutine started by start and waits for
// them to exit.
func (n *Node) stop() {
	if n.cancel != nil {
		n.cancel()
	}
	n.wg.Wait()
	if n.persist != nil {
		n.persist.Close()
	}
	_ = n.transport.Close()
}

// driveWorker is the per-worker background loop: it repeatedly steps the
// scheduler, backing off briefly when idle so an empty cluster does not
// spin a core per worker (§4.2's worker loop).
func (n *Node) driveWorker(ctx context.Context, w *scheduler.Worker) {
	run := n.makeRun(w.ID)
	idle := time.NewTicker(time.Millisecond)
	defer idle.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if did := w.Step(ctx, run); !did {
			select {
			case <-ctx.Done():
				return
			case <-idle.C:
			}
		}
	}
}

// RegisterTask names fn for cluster-wide spawning. Every node must call
// RegisterTask for the same names in the same order before
// Cluster.InitLocal/InitBigmachine starts any node's workers, so mtask.Registry's ids agree cluster-wide
// (registry.go's own invariant).
func (n *Node) RegisterTask(name string, fn TaskFunc) {
	n.userFuncsMu.Lock()
	n.userFuncs[name] = fn
	n.userFuncsMu.Unlock()
	n.funcs.Register(name, n.wrapFunc(fn))
}

// wrapFunc adapts a TaskFunc into the fixed-signature mtask.Func the
// registry and wire format require, recovering the per-call *TaskContext
// through the token contextTokens.take smuggles in ahead of the caller's
// real argument bytes (see context.go).
func (n *Node) wrapFunc(fn TaskFunc) mtask.Func {
	return func(iter uint64, args, ret []byte) (int, error) {
		if len(args) < 8 {
			return 0, fmt.Errorf("rt: task invoked without a context token")
		}
		tok := binary.LittleEndian.Uint64(args[:8])
		ctx := n.tokens.take(tok)
		if ctx == nil {
			return 0, fmt.Errorf("rt: unknown context token %d", tok)
		}
		return fn(ctx, iter, args[8:], ret)
	}
}

// makeRun builds the run callback scheduler.Worker.Step drives, bound to
// workerID so every task.Fn invocation it makes gets a *TaskContext that
// correctly reports WorkerID() (§4.2's "run" contract: execute task.Fn,
// mark retirement, suspend the uthread back to the worker).
func (n *Node) makeRun(workerID int) func(*mtask.Task, uint64, *uthread.Uthread) {
	return func(task *mtask.Task, it uint64, u *uthread.Uthread) {
		n.runClaimed(workerID, task, it, u)
		u.Suspend(uthread.NotStarted)
	}
}

// runClaimed executes one already-claimed iteration of task on behalf of
// uthread u, minting the *TaskContext token task.Fn's fixed signature
// needs (see context.go/wrapFunc) and driving the mtask's retirement
// bookkeeping. It does not itself suspend u: makeRun's caller does that
// for a worker-owned uthread slot, while selfExecuteOne (spawn.go's
// reservation-wait fallback) runs this inline on a borrowed nesting level
// with no slot of its own to suspend.
func (n *Node) runClaimed(workerID int, task *mtask.Task, it uint64, u *uthread.Uthread) {
	tid := compositeTID(n.id, workerID, u.TID)
	ctx := &TaskContext{
		node:   n,
		worker: workerID,
		task:   task,
		uth:    u,
		tid:    tid,
	}
	tok := n.tokens.store(ctx)
	ctx.rng = newRNG(tok)

	n.waits.register(tid, u)
	defer n.waits.unregister(tid)

	callArgs := make([]byte, 8+len(task.Args))
	binary.LittleEndian.PutUint64(callArgs[:8], tok)
	copy(callArgs[8:], task.Args)

	ret := task.RetBuf
	if ret == nil {
		ret = make([]byte, uthread.MaxReturnSize)
	}

	retLen, err := task.Fn(it, callArgs, ret)
	if err != nil {
		log.Errorf("node %d: task function failed: %v", n.id, err)
		retLen = 0
	}
	if retLen > len(ret) {
		retLen = len(ret)
	}
	task.RetSize = retLen

	if task.MarkExecuted(1) && task.OnRetire != nil {
		task.OnRetire(ret[:retLen])
	}
}

// pushLocal enqueues t onto this node's scheduler topology, round-robin
// across worker lanes the same way helper.Dispatcher.nextWorker spreads
// remotely-received tasks (tasks.go's handleFor/handleExecPreempt).
func (n *Node) pushLocal(t *mtask.Task) {
	w := int(n.rrCursor.Add(1)) % len(n.workers)
	if !n.topo.Push(w, t) {
		log.Errorf("node %d: local topology lane %d full, dropping spawn", n.id, w)
	}
}

// selfExecuteOne pops one pending mtask from worker slot w's lane and, if
// u's nesting still has headroom, runs a single inline iteration of it on
// the calling goroutine (§4.1's "Self-execution": make progress on
// existing work instead of busy-spinning while waiting on a reservation).
// It reports whether it made progress, not whether work remains.
//
// Known simplification: since u is the same uthread already registered
// in waitTracker by the outer runClaimed call this is nested under, the
// inline task's own register/unregister pair momentarily holds the same
// tid; a completion landing for the outer task during that brief window
// would resolve against whichever mtask last registered. This is the same
// class of limitation pollInterval's doc comment (sync.go) describes for
// Wait*'s busy-poll instead of a true Worker.Step-driven suspend.
func (n *Node) selfExecuteOne(w int, u *uthread.Uthread) bool {
	task, ok := n.topo.Pop(w)
	if !ok {
		return false
	}
	from, _, ok := scheduler.SelfExecute(task, u)
	if !ok {
		n.topo.Push(w, task)
		return false
	}
	n.runClaimed(w, task, from, u)
	if task.Remaining() {
		n.topo.Push(w, task)
	}
	return true
}

func otherNodes(self, numNodes int) []int {
	out := make([]int, 0, numNodes-1)
	for i := 0; i < numNodes; i++ {
		if i != self {
			out = append(out, i)
		}
	}
	return out
}
