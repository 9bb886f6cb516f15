package helper

import (
	"context"
	"encoding/binary"

	"github.com/pnnl-gmt/gmt-go/handle"
	"github.com/pnnl-gmt/gmt-go/memory"
	"github.com/pnnl-gmt/gmt-go/mtask"
	"github.com/pnnl-gmt/gmt-go/wire"
)

// memcpyRelayFuncID is a reserved FuncPtr id (no user function ever
// registers at id 0, since Registry.Register starts counting at 1) that
// marks an execute-non-preemptable command as the memcpy-fallback relay
// memory.Memcpy's Executor dispatches when neither array end is local to
// either side of a copy (§4.6's cross-node memcpy path).
const memcpyRelayFuncID = 0

// handleFor decodes a for/for_each spawn command and enqueues the
// resulting mtask on this node's scheduler topology (§4.5: "for-loop
// (enqueue an iteration-range mtask)"). Retirement and the matching
// for-completion notification are driven by OnRetire, invoked by whatever
// runs the task to completion.
func (d *Dispatcher) handleFor(ctx context.Context, from int, rec wire.Record) {
	fn, ok := d.funcs.Lookup(rec.FuncPtr)
	if !ok {
		log.Errorf("node %d: for command from node %d names unknown func id %d", d.node, from, rec.FuncPtr)
		return
	}
	t, err := mtask.New(rec.ItStart, rec.ItEnd, rec.ItPerTask, fn, rec.Data)
	if err != nil {
		log.Errorf("node %d: rejecting malformed for command from node %d: %v", d.node, from, err)
		return
	}
	t.ParentNode = from
	t.ParentTID = rec.TID
	t.NestLev = rec.NestLev
	t.Array = rec.GmtArray
	t.Handle = mtask.HandleID(rec.Handle)
	t.OnRetire = func(_ []byte) {
		d.handles.RecordTerminated(handle.ID(t.Handle), t.TotalIterations())
		d.router.sendOne(ctx, from, wire.Record{
			Type:    wire.CmdForCompletion,
			TID:     t.ParentTID,
			Handle:  rec.Handle,
			ItStart: t.TotalIterations(),
		}, nil)
	}
	d.topo.Push(d.nextWorker(), t)
}

// handleExecPreempt decodes an execute(preemptable) command into a
// single-iteration mtask, enqueued the same way handleFor does.
func (d *Dispatcher) handleExecPreempt(ctx context.Context, from int, rec wire.Record) {
	fn, ok := d.funcs.Lookup(rec.FuncPtr)
	if !ok {
		log.Errorf("node %d: execute command from node %d names unknown func id %d", d.node, from, rec.FuncPtr)
		return
	}
	ret := make([]byte, uthreadMaxReturn)
	t := mtask.NewExecute(fn, rec.Data, ret)
	t.ParentNode = from
	t.ParentTID = rec.TID
	t.NestLev = rec.NestLev
	t.Handle = mtask.HandleID(rec.Handle)
	t.OnRetire = func(_ []byte) {
		d.handles.RecordTerminated(handle.ID(t.Handle), 1)
		d.router.sendOne(ctx, from, wire.Record{
			Type:  wire.CmdExecCompletion,
			TID:   t.ParentTID,
			Handle: rec.Handle,
			Bytes: uint64(t.RetSize),
		}, t.RetBuf[:t.RetSize])
	}
	d.topo.Push(d.nextWorker(), t)
}

// uthreadMaxReturn mirrors uthread.MaxReturnSize without importing
// uthread here (that package depends on nothing helper needs besides this
// one constant's value, so the duplication avoids a dependency edge this
// package does not otherwise need).
const uthreadMaxReturn = 2048

// handleExecNonPreempt runs a non-preemptable execute() inline on this
// goroutine and replies synchronously, per §4.5: "run inline on the
// helper stack; no global ops permitted inside." The reserved
// memcpyRelayFuncID case instead implements the cross-node leg of
// memory.Memcpy (§4.6), reading the source range locally and routing the
// result into the destination via this node's own Manager/Router, which
// may hop again if the destination is not local to this node either.
func (d *Dispatcher) handleExecNonPreempt(ctx context.Context, from int, rec wire.Record) {
	if rec.FuncPtr == memcpyRelayFuncID {
		d.handleMemcpyRelay(ctx, from, rec)
		return
	}
	fn, ok := d.funcs.Lookup(rec.FuncPtr)
	if !ok {
		log.Errorf("node %d: execute_non_preempt from node %d names unknown func id %d", d.node, from, rec.FuncPtr)
		d.router.sendOne(ctx, from, wire.Record{Type: wire.CmdReplyAck, RetPtr: rec.RetPtr, Value: 1}, nil)
		return
	}
	ret := make([]byte, uthreadMaxReturn)
	n, err := fn(0, rec.Data, ret)
	if err != nil {
		log.Errorf("node %d: execute_non_preempt from node %d returned error: %v", d.node, from, err)
		d.router.sendOne(ctx, from, wire.Record{Type: wire.CmdReplyAck, RetPtr: rec.RetPtr, Value: 1}, nil)
		return
	}
	d.router.sendOne(ctx, from, wire.Record{Type: wire.CmdReplyGet, RetPtr: rec.RetPtr, Bytes: uint64(n)}, ret[:n])
}

func (d *Dispatcher) handleMemcpyRelay(ctx context.Context, from int, rec wire.Record) {
	dst := memory.Handle(binary.LittleEndian.Uint64(rec.Data[0:8]))
	dstOff := binary.LittleEndian.Uint64(rec.Data[8:16])
	n := binary.LittleEndian.Uint64(rec.Data[16:24])

	e, err := d.mem.EntryFor(memory.Handle(rec.GmtArray))
	if err != nil {
		d.router.sendOne(ctx, from, wire.Record{Type: wire.CmdReplyAck, RetPtr: rec.RetPtr, Value: 1}, nil)
		return
	}
	buf := make([]byte, n*uint64(e.ElemBytes))
	if err := d.mem.Get(memory.Handle(rec.GmtArray), rec.Offset, buf); err != nil {
		d.router.sendOne(ctx, from, wire.Record{Type: wire.CmdReplyAck, RetPtr: rec.RetPtr, Value: 1}, nil)
		return
	}
	if err := d.mem.Put(dst, dstOff, buf); err != nil {
		d.router.sendOne(ctx, from, wire.Record{Type: wire.CmdReplyAck, RetPtr: rec.RetPtr, Value: 1}, nil)
		return
	}
	d.router.sendOne(ctx, from, wire.Record{Type: wire.CmdReplyAck, RetPtr: rec.RetPtr, Value: 0}, nil)
}

func (d *Dispatcher) handleForCompletion(rec wire.Record) {
	if d.OnForCompletion != nil {
		d.OnForCompletion(rec.TID, mtask.HandleID(rec.Handle), rec.ItStart)
	}
}

func (d *Dispatcher) handleExecCompletion(rec wire.Record) {
	if d.OnExecCompletion != nil {
		d.OnExecCompletion(rec.TID, mtask.HandleID(rec.Handle), rec.Data)
	}
}

