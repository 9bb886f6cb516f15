package rt

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/grailbio/base/backgroundcontext"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigmachine"
	"golang.org/x/sync/errgroup"

	"github.com/pnnl-gmt/gmt-go/comm"
	"github.com/pnnl-gmt/gmt-go/config"
)

// ClusterStatusGroup names this runtime's status.Group, mirroring
// exec/bigmachine.go's BigmachineStatusGroup constant.
const ClusterStatusGroup = "gmt"

// Cluster owns every node of one running GMT cluster and the comm
// transports wiring them together (spec.md §2's "collection of N nodes").
// A Cluster is built in two phases: RegisterTask calls to install the
// function table every node must agree on, then InitLocal or InitBigmachine to dial transports
// and start every node's background goroutines.
type Cluster struct {
	id    string
	cfg   config.Config
	nodes []*Node

	taskNames []registration
	shutdown  func()

	statusGrp *status.Group
}

type registration struct {
	name string
	fn   TaskFunc
}

// NewCluster builds an unstarted Cluster against cfg. Call RegisterTask
// for every user function before Init, since mtask.Registry ids are
// assigned in registration order and every node must agree on them.
func NewCluster(cfg config.Config) *Cluster {
	return &Cluster{id: uuid.NewString(), cfg: cfg}
}

// RegisterTask names fn for cluster-wide spawning on every node this
// Cluster will start (§6's function-registration requirement: "every
// node registers the same set of task functions under the same names at
// startup").
func (cl *Cluster) RegisterTask(name string, fn TaskFunc) {
	cl.taskNames = append(cl.taskNames, registration{name: name, fn: fn})
}

// InitLocal starts an n-node cluster in this process over Go channels
// (comm.NewLocalCluster), for tests and single-machine runs.
func (cl *Cluster) InitLocal(ctx context.Context, n int, grp *status.Group) error {
	transports := comm.NewLocalCluster(n)
	ts := make([]comm.Transport, n)
	for i, t := range transports {
		ts[i] = t
	}
	cl.statusGrp = grp
	return cl.init(ctx, ts)
}

// InitBigmachine starts one node per dialed bigmachine machine
// (comm.DialBigmachine), for a real multi-process/multi-host cluster, the
// Go analogue of exec/bigmachine.go's Start/bigmachine.Start pairing.
func (cl *Cluster) InitBigmachine(ctx context.Context, b *bigmachine.B, n int, grp *status.Group, params ...bigmachine.Param) error {
	transports, shutdown, err := comm.DialBigmachine(ctx, b, n, params...)
	if err != nil {
		return err
	}
	cl.shutdown = shutdown
	ts := make([]comm.Transport, n)
	for i, t := range transports {
		ts[i] = t
	}
	cl.statusGrp = grp
	return cl.init(ctx, ts)
}

func (cl *Cluster) init(ctx context.Context, transports []comm.Transport) error {
	n := len(transports)
	cl.nodes = make([]*Node, n)
	for i := 0; i < n; i++ {
		nd := newNode(i, n, cl.cfg, transports[i], cl.statusGrp)
		for _, reg := range cl.taskNames {
			nd.RegisterTask(reg.name, reg.fn)
		}
		cl.nodes[i] = nd
	}

	var g errgroup.Group
	for _, nd := range cl.nodes {
		nd := nd
		g.Go(func() error {
			var task *status.Task
			if cl.statusGrp != nil {
				task = cl.statusGrp.Startf("node %d", nd.id)
				defer task.Done()
			}
			nd.start(ctx)
			return nil
		})
	}
	return g.Wait()
}

// Node returns the local facade for cluster member id, for a caller
// driving RunMain on a specific node (or test code inspecting node
// internals directly).
func (cl *Cluster) Node(id int) *Node {
	if id < 0 || id >= len(cl.nodes) {
		return nil
	}
	return cl.nodes[id]
}

// NumNodes reports how many nodes this cluster was started with.
func (cl *Cluster) NumNodes() int { return len(cl.nodes) }

// RunMain executes name as node 0's root mtask (§6's gmt_main/the
// original runtime's single root invocation of main, spec.md §3's Main
// task type), blocking until it returns, and yields its return bytes.
func (cl *Cluster) RunMain(ctx context.Context, name string, args []byte) ([]byte, error) {
	if len(cl.nodes) == 0 {
		return nil, fmt.Errorf("rt: cluster has no nodes")
	}
	root := cl.nodes[0]
	root.userFuncsMu.RLock()
	fn, ok := root.userFuncs[name]
	root.userFuncsMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("rt: no task registered under name %q", name)
	}
	u := root.mainUthread()
	tid := compositeTID(root.id, mainWorkerSlot, u.TID)
	ctx2 := &TaskContext{node: root, worker: mainWorkerSlot, uth: u, tid: tid}
	tok := root.tokens.store(ctx2)
	ctx2.rng = newRNG(tok)
	root.waits.register(tid, u)
	defer root.waits.unregister(tid)

	ret := make([]byte, 0, 4096)
	buf := make([]byte, 65536)
	n, err := fn(ctx2, 0, args, buf)
	if err != nil {
		return nil, err
	}
	ret = append(ret, buf[:n]...)
	return ret, nil
}

// Destroy stops every node's background goroutines and tears down the
// underlying transports/machines (§6's termination: "every node's
// gmt_main returns, then gmt_fini tears the runtime down").
func (cl *Cluster) Destroy() {
	for _, nd := range cl.nodes {
		nd.stop()
	}
	if cl.shutdown != nil {
		cl.shutdown()
	}
}

// RootContext returns the background context bring-up code should use as
// the parent of every node's lifetime context, the same
// backgroundcontext.Get() root exec/bigmachine.go uses for its top-level
// session context.
func RootContext() context.Context { return backgroundcontext.Get() }
