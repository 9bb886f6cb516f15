package helper

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/pnnl-gmt/gmt-go/aggregation"
	"github.com/pnnl-gmt/gmt-go/handle"
	"github.com/pnnl-gmt/gmt-go/internal/xerrors"
	"github.com/pnnl-gmt/gmt-go/memory"
	"github.com/pnnl-gmt/gmt-go/metrics"
	"github.com/pnnl-gmt/gmt-go/mtask"
	"github.com/pnnl-gmt/gmt-go/wire"
)

// replyMsg is whatever a reply command carried back: a scalar (ack code
// or atomic previous-value) or a data payload (a get's copied bytes).
type replyMsg struct {
	value uint64
	data  []byte
}

// Sender is the one primitive a Router needs from the communication
// layer: hand a packed single-segment buffer to node's outbox. Control
// traffic (replies, ring hops, reservation grants) is low-volume enough
// that it bypasses aggregation.Aggregator entirely and ships as its own
// one-record buffer, rather than waiting to be batched with bulk command
// traffic (§4.3's aggregation exists to amortise the common put/get/
// atomic case; round-tripping a reply through it would only add latency).
type Sender func(node int, buf []byte)

// Router is the send-side collaborator that implements every interface
// memory, reservation, and handle inject (memory.Router, memory.Executor,
// reservation.Sender, handle.Ring): it turns a local call into a wire
// command, ships it via Sender, and resolves the eventual reply against a
// table of in-flight requests keyed by a correlation id carried in
// RetPtr.
type Router struct {
	node     int
	numNodes int
	send     Sender
	handles  *handle.Pool
	timeout  time.Duration
	funcs    *mtask.Registry

	mu      sync.Mutex
	next    uint64
	pending map[uint64]chan replyMsg

	// agg batches fire-and-forget spawn traffic (SendFor/SendExecPreempt)
	// per §4.3, set via SetAggregator once the owning node's config is
	// known. Request/reply traffic (put/get/atomics, alloc/free, ring
	// hops, reservations) always ships as its own single-record buffer —
	// batching would add unbounded latency to a call() that is already
	// blocked waiting on the matching reply.
	agg *aggregation.Aggregator
}

// SetAggregator installs the per-destination command-block aggregator
// SendFor/SendExecPreempt batch their spawn commands through. Nil (the
// zero value) falls back to one buffer per command.
func (r *Router) SetAggregator(agg *aggregation.Aggregator) { r.agg = agg }

// AttachHandles installs the node's handle.Pool after construction, for
// callers (rt's node wiring) that must build the Router first since
// handle.NewPool takes the Router itself as its Ring.
func (r *Router) AttachHandles(h *handle.Pool) { r.handles = h }

// NewRouter builds a Router for this node.
func NewRouter(node, numNodes int, send Sender, handles *handle.Pool, funcs *mtask.Registry, timeout time.Duration) *Router {
	return &Router{
		node:     node,
		numNodes: numNodes,
		send:     send,
		handles:  handles,
		funcs:    funcs,
		timeout:  timeout,
		pending:  make(map[uint64]chan replyMsg),
	}
}

func (r *Router) newCorrelation() (uint64, chan replyMsg) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	id := r.next
	ch := make(chan replyMsg, 1)
	r.pending[id] = ch
	return id, ch
}

func (r *Router) cancel(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pending, id)
}

// resolve delivers a reply command's payload to whichever in-flight
// request it answers, identified by the RetPtr correlation id it echoes.
func (r *Router) resolve(id uint64, msg replyMsg) {
	r.mu.Lock()
	ch, ok := r.pending[id]
	if ok {
		delete(r.pending, id)
	}
	r.mu.Unlock()
	if ok {
		ch <- msg
	}
}

// sendOne packs rec plus data as a single network-buffer segment
// (block_info + one command record + its data fragment) and ships it.
func (r *Router) sendOne(ctx context.Context, node int, rec wire.Record, data []byte) {
	buf := make([]byte, 0, wire.BlockInfoSize+rec.RecordSize()+len(data))
	bi := wire.BlockInfo{CmdsBytes: uint32(rec.RecordSize()), DataBytes: uint32(len(data))}
	buf = bi.Encode(buf)
	buf = rec.Encode(buf)
	buf = append(buf, data...)
	r.send(node, buf)
}

// sendAggregated routes a fire-and-forget command (no reply awaited)
// through the per-destination command-block aggregator when one is
// installed, falling back to sendOne's direct single-record framing
// otherwise. Implements §4.3's "batch outbound records, push the block
// when full, pack and send when the per-destination estimate crosses
// CommBufferSize."
func (r *Router) sendAggregated(node int, rec wire.Record, data []byte) {
	if r.agg == nil {
		r.sendOne(context.Background(), node, rec, data)
		return
	}
	block, granted, report, _ := r.agg.GetCmd(node, rec, len(data))
	if granted < len(data) {
		// The command plus its data fragment does not fit any block
		// (CmdBlockSize misconfigured below a single spawn command's
		// worst case); fall back rather than silently truncate args.
		r.sendOne(context.Background(), node, rec, data)
		return
	}
	if err := block.SetData(data); err != nil {
		r.sendOne(context.Background(), node, rec, data)
		return
	}
	if packed, _, ok := r.agg.AggregateAndSend(node, report); ok {
		r.send(node, packed)
	}
}

// FlushStale force-pushes and packs any destination whose open command
// block is older than a caller-supplied staleness predicate, the
// timeout-flush half of §4.3 a worker's Hooks.FlushIdle drives each loop
// iteration so a half-full block never sits unsent indefinitely.
func (r *Router) FlushStale(stale func(age int64) bool) {
	if r.agg == nil {
		return
	}
	for _, node := range r.agg.StaleDestinations(stale) {
		if packed, _, ok := r.agg.TimeoutFlush(node, true); ok {
			r.send(node, packed)
		}
	}
}

// call sends rec (tagging it with a fresh correlation id) and blocks for
// the matching reply or ctx's deadline.
func (r *Router) call(ctx context.Context, node int, rec wire.Record, data []byte) (replyMsg, error) {
	id, ch := r.newCorrelation()
	rec.RetPtr = id
	r.sendOne(ctx, node, rec, data)
	select {
	case msg := <-ch:
		return msg, nil
	case <-ctx.Done():
		r.cancel(id)
		return replyMsg{}, ctx.Err()
	}
}

func (r *Router) withTimeout() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), r.timeout)
}

// --- memory.Router ---

func (r *Router) RemotePut(node int, h memory.Handle, elemOff uint64, src []byte) error {
	ctx, cancel := r.withTimeout()
	defer cancel()
	msg, err := r.call(ctx, node, wire.Record{Type: wire.CmdPut, Handle: uint64(h), Offset: elemOff, Bytes: uint64(len(src))}, src)
	if err != nil {
		return err
	}
	if msg.value != 0 {
		return xerrors.E(xerrors.Net, "helper: remote put failed")
	}
	return nil
}

func (r *Router) RemoteGet(node int, h memory.Handle, elemOff uint64, dst []byte) error {
	ctx, cancel := r.withTimeout()
	defer cancel()
	msg, err := r.call(ctx, node, wire.Record{Type: wire.CmdGet, Handle: uint64(h), Offset: elemOff, Bytes: uint64(len(dst))}, nil)
	if err != nil {
		return err
	}
	if len(msg.data) != len(dst) {
		return xerrors.E(xerrors.Net, fmt.Sprintf("helper: remote get returned %d bytes, wanted %d", len(msg.data), len(dst)))
	}
	copy(dst, msg.data)
	return nil
}

func (r *Router) RemoteAtomicAdd(node int, h memory.Handle, elemOff uint64, val uint64, size int) (uint64, error) {
	ctx, cancel := r.withTimeout()
	defer cancel()
	msg, err := r.call(ctx, node, wire.Record{Type: wire.CmdAtomicAdd, Handle: uint64(h), Offset: elemOff, Value: val, Bytes: uint64(size)}, nil)
	return msg.value, err
}

func (r *Router) RemoteAtomicCAS(node int, h memory.Handle, elemOff uint64, old, new uint64, size int) (uint64, error) {
	ctx, cancel := r.withTimeout()
	defer cancel()
	msg, err := r.call(ctx, node, wire.Record{Type: wire.CmdAtomicCAS, Handle: uint64(h), Offset: elemOff, Value: new, ItStart: old, Bytes: uint64(size)}, nil)
	return msg.value, err
}

// --- memory.Executor (memcpy's cross-node fallback leg) ---

func (r *Router) ExecuteMemcpyChunk(srcNode int, src memory.Handle, srcOff uint64, dst memory.Handle, dstOff uint64, n uint64) error {
	ctx, cancel := r.withTimeout()
	defer cancel()
	data := make([]byte, 24)
	binary.LittleEndian.PutUint64(data[0:8], uint64(dst))
	binary.LittleEndian.PutUint64(data[8:16], dstOff)
	binary.LittleEndian.PutUint64(data[16:24], n)
	msg, err := r.call(ctx, srcNode, wire.Record{
		Type:     wire.CmdExecNonPreempt,
		FuncPtr:  memcpyRelayFuncID,
		GmtArray: uint64(src),
		Offset:   srcOff,
		ArgsSize: uint32(len(data)),
	}, data)
	if err != nil {
		return err
	}
	if msg.value != 0 {
		return xerrors.E(xerrors.Net, "helper: remote memcpy relay failed")
	}
	return nil
}

// --- reservation.Sender ---

func (r *Router) RequestBlock(ctx context.Context, node int, requested int) (int, error) {
	msg, err := r.call(ctx, node, wire.Record{Type: wire.CmdReservationRequest, Value: uint64(requested)}, nil)
	if err != nil {
		return 0, err
	}
	return int(msg.value), nil
}

// --- handle.Ring ---

func ringCmdType(kind handle.RingPhase) wire.Type {
	switch kind {
	case handle.PhaseTerminated:
		return wire.CmdHandleCheckTerminated
	case handle.PhaseCreated:
		return wire.CmdHandleCheckCreated
	default:
		return wire.CmdHandleReset
	}
}

func ringPhaseLabel(kind handle.RingPhase) string {
	switch kind {
	case handle.PhaseTerminated:
		return "terminated"
	case handle.PhaseCreated:
		return "created"
	default:
		return "reset"
	}
}

func replyTypeFor(cmd wire.Type) wire.Type {
	if cmd == wire.CmdHandleReset {
		return wire.CmdReplyAck
	}
	return wire.CmdReplyValue
}

func (r *Router) localContribution(id handle.ID, kind handle.RingPhase) uint64 {
	created, terminated := r.handles.PeekLocal(id)
	switch kind {
	case handle.PhaseTerminated:
		return terminated
	case handle.PhaseCreated:
		return created
	default:
		r.handles.ResetLocal(id)
		return 0
	}
}

// Circulate implements handle.Ring for the owning node: it folds in its
// own local contribution, then — if there is more than one node — sends
// the running sum around the rest of the cluster and waits for the final
// hop to reply straight back (§4.10's two-phase ring).
func (r *Router) Circulate(ctx context.Context, id handle.ID, kind handle.RingPhase, seed uint64) (uint64, error) {
	metrics.HandleRingCirculations.WithLabelValues(ringPhaseLabel(kind)).Inc()
	own := r.localContribution(id, kind)
	total := seed + own
	if r.numNodes <= 1 {
		return total, nil
	}
	msg, err := r.call(ctx, (r.node+1)%r.numNodes, wire.Record{
		Type:   ringCmdType(kind),
		Handle: uint64(id),
		Value:  total,
		PID:    uint32(r.node),
		Offset: uint64(r.numNodes - 2),
	}, nil)
	if err != nil {
		return 0, err
	}
	return msg.value, nil
}

// ReplicateEntry implements memory.Router's entry-broadcast primitive: it
// ships an already-built handle plus its sizing parameters to node so that
// node's own Manager materialises a matching local entry and slab under
// the same id (§3: "held on every node").
func (r *Router) ReplicateEntry(node int, h memory.Handle, numElems uint64, elemBytes uint32, name string) error {
	ctx, cancel := r.withTimeout()
	defer cancel()
	rec := wire.Record{
		Type:      wire.CmdAllocReplicate,
		Handle:    uint64(h),
		Bytes:     numElems,
		ItPerTask: elemBytes,
		ArgsSize:  uint32(len(name)),
	}
	msg, err := r.call(ctx, node, rec, []byte(name))
	if err != nil {
		return err
	}
	if msg.value != 0 {
		return xerrors.E(xerrors.Net, "helper: remote entry replication failed")
	}
	return nil
}

// ReplicateFree implements memory.Router's free-side mirror of
// ReplicateEntry: it tells node to drop its own replicated copy of h's
// entry without that node cascading a further broadcast of its own.
func (r *Router) ReplicateFree(node int, h memory.Handle) error {
	ctx, cancel := r.withTimeout()
	defer cancel()
	msg, err := r.call(ctx, node, wire.Record{Type: wire.CmdFreeReplicate, Handle: uint64(h)}, nil)
	if err != nil {
		return err
	}
	if msg.value != 0 {
		return xerrors.E(xerrors.Net, "helper: remote free replication failed")
	}
	return nil
}

// --- remote allocation (single-node scratch alloc, not broadcast to the
// rest of the cluster; memory.Manager.Alloc's own ReplicateEntry calls
// above are the collective path every node-visible array goes through) ---

func (r *Router) RemoteAlloc(ctx context.Context, node int, numElems uint64, elemBytes uint32, policy memory.Policy, media memory.Media, zeroInit bool, name string) (memory.Handle, error) {
	rec := encodeAlloc(numElems, elemBytes, policy, media, zeroInit, name, 0)
	msg, err := r.call(ctx, node, rec, rec.Data)
	if err != nil {
		return 0, err
	}
	return memory.Handle(msg.value), nil
}

func (r *Router) RemoteFree(ctx context.Context, node int, h memory.Handle) error {
	msg, err := r.call(ctx, node, wire.Record{Type: wire.CmdFree, Handle: uint64(h)}, nil)
	if err != nil {
		return err
	}
	if msg.value != 0 {
		return xerrors.E(xerrors.Net, "helper: remote free failed")
	}
	return nil
}

// --- spawn-side for_loop / execute (used by rt to hand off mtasks) ---

// SendFor spawns an iteration range on node, tagging it with handleID for
// the ring protocol and recording this node as having created it (§4.10:
// "created" is tallied at the spawning node, regardless of where the
// mtask ultimately executes).
func (r *Router) SendFor(node int, funcName string, fn mtask.Func, start, end uint64, step uint32, args []byte, arrayHandle uint64, parentTID uint32, nestLev uint8, handleID handle.ID) {
	id := r.funcs.Register(funcName, fn)
	r.handles.RecordCreated(handleID, (end-start+uint64(step)-1)/uint64(step))
	r.sendAggregated(node, wire.Record{
		Type:      wire.CmdFor,
		FuncPtr:   id,
		ItStart:   start,
		ItEnd:     end,
		ItPerTask: step,
		GmtArray:  arrayHandle,
		TID:       parentTID,
		NestLev:   nestLev,
		Handle:    uint64(handleID),
		ArgsSize:  uint32(len(args)),
	}, args)
}

// SendExecPreempt spawns a single preemptable execute() on node.
func (r *Router) SendExecPreempt(node int, funcName string, fn mtask.Func, args []byte, parentTID uint32, nestLev uint8, handleID handle.ID) {
	id := r.funcs.Register(funcName, fn)
	r.handles.RecordCreated(handleID, 1)
	r.sendAggregated(node, wire.Record{
		Type:     wire.CmdExecPreempt,
		FuncPtr:  id,
		ArgsSize: uint32(len(args)),
		TID:      parentTID,
		NestLev:  nestLev,
		Handle:   uint64(handleID),
	}, args)
}

// SendExecNonPreempt runs fn on node inline (no uthread, no global ops
// permitted inside) and returns its return buffer synchronously.
func (r *Router) SendExecNonPreempt(ctx context.Context, node int, funcName string, fn mtask.Func, args []byte) ([]byte, error) {
	id := r.funcs.Register(funcName, fn)
	msg, err := r.call(ctx, node, wire.Record{Type: wire.CmdExecNonPreempt, FuncPtr: id, ArgsSize: uint32(len(args))}, args)
	if err != nil {
		return nil, err
	}
	return msg.data, nil
}
