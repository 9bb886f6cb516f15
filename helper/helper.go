// Package helper implements the receive-side command dispatch of
// spec.md §4.5: a Dispatcher drains one receive channel, walks each
// buffer's segments (block_info + command region + data region),
// and runs each command's handler against this node's memory, handle,
// and scheduler state. Handlers that need to talk back across the wire
// (replies, ring hops, reservation grants) go through Router, the
// dispatch-side companion defined in router.go.
package helper

import (
	"context"
	"fmt"
	"sync"

	"github.com/pnnl-gmt/gmt-go/comm"
	"github.com/pnnl-gmt/gmt-go/handle"
	"github.com/pnnl-gmt/gmt-go/internal/xlog"
	"github.com/pnnl-gmt/gmt-go/memory"
	"github.com/pnnl-gmt/gmt-go/mtask"
	"github.com/pnnl-gmt/gmt-go/scheduler"
	"github.com/pnnl-gmt/gmt-go/wire"
)

var log = xlog.With("helper")

// Receiver is the narrow slice of comm.InChannel a Dispatcher drains,
// injected so this package never imports comm's Server/transport wiring
// directly.
type Receiver interface {
	Recv(ctx context.Context) (comm.Envelope, error)
}

// Dispatcher is one helper's command-dispatch state: the node's local
// collaborators (memory, handles, scheduler topology, function registry)
// plus the Router used to talk back to other nodes.
type Dispatcher struct {
	node     int
	numNodes int

	mem     *memory.Manager
	handles *handle.Pool
	topo    scheduler.Topology
	funcs   *mtask.Registry
	router  *Router

	// OnForCompletion/OnExecCompletion are set by the caller (the rt
	// facade) to learn when a remotely-spawned task this node is waiting
	// on has reported n completed iterations or an execute() return
	// value; nil is a legal no-op default for callers that do not yet
	// track per-task completion.
	OnForCompletion  func(tid uint32, handle mtask.HandleID, n uint64)
	OnExecCompletion func(tid uint32, handle mtask.HandleID, retBytes []byte)

	rrMu sync.Mutex
	rr   int
}

// NewDispatcher builds a Dispatcher for this node.
func NewDispatcher(node, numNodes int, mem *memory.Manager, handles *handle.Pool, topo scheduler.Topology, funcs *mtask.Registry, router *Router) *Dispatcher {
	return &Dispatcher{node: node, numNodes: numNodes, mem: mem, handles: handles, topo: topo, funcs: funcs, router: router}
}

// Run drains in until ctx is cancelled or the channel errors, dispatching
// every decoded command.
func (d *Dispatcher) Run(ctx context.Context, in Receiver) error {
	for {
		env, err := in.Recv(ctx)
		if err != nil {
			return err
		}
		recs, err := walkBuffer(env.Data)
		if err != nil {
			log.Errorf("malformed buffer from node %d: %v", env.Source, err)
			continue
		}
		for _, rec := range recs {
			d.dispatch(ctx, env.Source, rec)
		}
	}
}

// dataLen reports how many trailing bytes of a segment's data region
// belong to rec, per command type (§6's per-type record layout).
func dataLen(rec wire.Record) int {
	switch rec.Type {
	case wire.CmdPut, wire.CmdReplyGet:
		return int(rec.Bytes)
	case wire.CmdExecPreempt, wire.CmdExecNonPreempt, wire.CmdFor:
		return int(rec.ArgsSize)
	case wire.CmdExecCompletion:
		return int(rec.Bytes)
	case wire.CmdAlloc, wire.CmdAllocReplicate:
		return int(rec.ArgsSize)
	default:
		return 0
	}
}

// walkBuffer decodes every segment (block_info + cmds region + data
// region) in a packed network buffer into its constituent records, per
// §6's wire format and §4.5's "walks segments ... dispatches each command
// according to its type tag, and advances pointers."
func walkBuffer(buf []byte) ([]wire.Record, error) {
	var out []wire.Record
	for len(buf) > 0 {
		bi, rest, err := wire.DecodeBlockInfo(buf)
		if err != nil {
			return nil, err
		}
		if int(bi.CmdsBytes)+int(bi.DataBytes) > len(rest) {
			return nil, fmt.Errorf("helper: segment claims %d+%d bytes, only %d remain", bi.CmdsBytes, bi.DataBytes, len(rest))
		}
		cmds := rest[:bi.CmdsBytes]
		data := rest[bi.CmdsBytes : bi.CmdsBytes+bi.DataBytes]
		buf = rest[bi.CmdsBytes+bi.DataBytes:]

		for len(cmds) > 0 {
			rec, remainder, err := wire.Decode(cmds)
			if err != nil {
				return nil, err
			}
			cmds = remainder
			n := dataLen(rec)
			if n > len(data) {
				return nil, fmt.Errorf("helper: record %s claims %d data bytes, only %d remain", rec.Type, n, len(data))
			}
			rec.Data = data[:n]
			data = data[n:]
			out = append(out, rec)
		}
	}
	return out, nil
}

// nextWorker round-robins mtasks decoded off the wire across this node's
// scheduler topology, since a received command does not name a specific
// worker lane.
func (d *Dispatcher) nextWorker() int {
	d.rrMu.Lock()
	defer d.rrMu.Unlock()
	n := d.topo.NumConsumers()
	if n <= 0 {
		return 0
	}
	w := d.rr % n
	d.rr++
	return w
}

func (d *Dispatcher) dispatch(ctx context.Context, from int, rec wire.Record) {
	switch rec.Type {
	case wire.CmdAlloc:
		// Alloc and Free replicate to every peer and wait for acks that
		// arrive through this same dispatch loop, so they run beside it.
		go d.handleAlloc(ctx, from, rec)
	case wire.CmdAllocReplicate:
		d.handleAllocReplicate(ctx, from, rec)
	case wire.CmdFree:
		go d.handleFree(ctx, from, rec)
	case wire.CmdFreeReplicate:
		d.handleFreeReplicate(ctx, from, rec)
	case wire.CmdPut:
		d.handlePut(ctx, from, rec)
	case wire.CmdGet:
		d.handleGet(ctx, from, rec)
	case wire.CmdPutValue:
		d.handlePutValue(ctx, from, rec)
	case wire.CmdAtomicAdd:
		d.handleAtomicAdd(ctx, from, rec)
	case wire.CmdAtomicCAS:
		d.handleAtomicCAS(ctx, from, rec)
	case wire.CmdFor:
		d.handleFor(ctx, from, rec)
	case wire.CmdExecPreempt:
		d.handleExecPreempt(ctx, from, rec)
	case wire.CmdExecNonPreempt:
		d.handleExecNonPreempt(ctx, from, rec)
	case wire.CmdForCompletion:
		d.handleForCompletion(rec)
	case wire.CmdExecCompletion:
		d.handleExecCompletion(rec)
	case wire.CmdHandleCheckTerminated, wire.CmdHandleCheckCreated, wire.CmdHandleReset:
		d.handleRingHop(ctx, rec)
	case wire.CmdReservationRequest:
		d.handleReservationRequest(ctx, from, rec)
	case wire.CmdReservationReply:
		d.router.resolve(rec.RetPtr, replyMsg{value: rec.Value})
	case wire.CmdReplyAck:
		d.router.resolve(rec.RetPtr, replyMsg{value: rec.Value})
	case wire.CmdReplyValue:
		d.router.resolve(rec.RetPtr, replyMsg{value: rec.Value})
	case wire.CmdReplyGet:
		d.router.resolve(rec.RetPtr, replyMsg{data: rec.Data})
	case wire.CmdFinalize:
		log.Debugf("node %d: finalize received from node %d", d.node, from)
	default:
		log.Warnf("node %d: no handler registered for command %s", d.node, rec.Type)
	}
}
