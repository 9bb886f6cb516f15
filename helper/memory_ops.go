package helper

import (
	"context"
	"encoding/binary"

	"github.com/pnnl-gmt/gmt-go/memory"
	"github.com/pnnl-gmt/gmt-go/wire"
)

// encodeAlloc packs an allocation request into a record plus its name
// fragment, reusing generic record fields rather than inventing new wire
// slots for the occasional alloc command (§6: "alloc(...)" is not a
// hot-path op, unlike put/get/atomics).
func encodeAlloc(numElems uint64, elemBytes uint32, policy memory.Policy, media memory.Media, zeroInit bool, name string, retPtr uint64) wire.Record {
	v := uint64(media) << 1
	if zeroInit {
		v |= 1
	}
	return wire.Record{
		Type:      wire.CmdAlloc,
		Bytes:     numElems,
		ItPerTask: elemBytes,
		ItStart:   uint64(policy),
		Value:     v,
		ArgsSize:  uint32(len(name)),
		RetPtr:    retPtr,
		Data:      []byte(name),
	}
}

func decodeAlloc(rec wire.Record) (numElems uint64, elemBytes uint32, policy memory.Policy, media memory.Media, zeroInit bool, name string) {
	numElems = rec.Bytes
	elemBytes = rec.ItPerTask
	policy = memory.Policy(rec.ItStart)
	media = memory.Media(rec.Value >> 1)
	zeroInit = rec.Value&1 == 1
	name = string(rec.Data)
	return
}

func (d *Dispatcher) handleAlloc(ctx context.Context, from int, rec wire.Record) {
	numElems, elemBytes, policy, _, zeroInit, name := decodeAlloc(rec)
	h, err := d.mem.Alloc(numElems, elemBytes, policy, name, zeroInit)
	if err != nil {
		log.Errorf("node %d: remote alloc from node %d failed: %v", d.node, from, err)
		d.router.sendOne(ctx, from, wire.Record{Type: wire.CmdReplyAck, RetPtr: rec.RetPtr, Value: 1}, nil)
		return
	}
	d.router.sendOne(ctx, from, wire.Record{Type: wire.CmdReplyValue, RetPtr: rec.RetPtr, Value: uint64(h)}, nil)
}

// handleAllocReplicate adopts a peer-allocated array's entry into this
// node's own table (§3's every-node metadata invariant), the receiving
// side of Router.ReplicateEntry.
func (d *Dispatcher) handleAllocReplicate(ctx context.Context, from int, rec wire.Record) {
	name := string(rec.Data)
	err := d.mem.AdoptEntry(memory.Handle(rec.Handle), rec.Bytes, rec.ItPerTask, name)
	ack := uint64(0)
	if err != nil {
		ack = 1
		log.Errorf("node %d: entry replication from node %d failed: %v", d.node, from, err)
	}
	d.router.sendOne(ctx, from, wire.Record{Type: wire.CmdReplyAck, RetPtr: rec.RetPtr, Value: ack}, nil)
}

// handleFreeReplicate releases this node's own replicated copy of a peer's
// freed array without cascading a further broadcast (§3's every-node
// metadata invariant, free-side mirror of handleAllocReplicate).
func (d *Dispatcher) handleFreeReplicate(ctx context.Context, from int, rec wire.Record) {
	err := d.mem.FreeLocal(memory.Handle(rec.Handle))
	ack := uint64(0)
	if err != nil {
		ack = 1
		log.Errorf("node %d: free replication from node %d failed: %v", d.node, from, err)
	}
	d.router.sendOne(ctx, from, wire.Record{Type: wire.CmdReplyAck, RetPtr: rec.RetPtr, Value: ack}, nil)
}

func (d *Dispatcher) handleFree(ctx context.Context, from int, rec wire.Record) {
	err := d.mem.Free(memory.Handle(rec.Handle))
	ack := uint64(0)
	if err != nil {
		ack = 1
		log.Errorf("node %d: remote free from node %d failed: %v", d.node, from, err)
	}
	d.router.sendOne(ctx, from, wire.Record{Type: wire.CmdReplyAck, RetPtr: rec.RetPtr, Value: ack}, nil)
}

func (d *Dispatcher) handlePut(ctx context.Context, from int, rec wire.Record) {
	err := d.mem.Put(memory.Handle(rec.Handle), rec.Offset, rec.Data)
	ack := uint64(0)
	if err != nil {
		ack = 1
		log.Errorf("node %d: remote put from node %d failed: %v", d.node, from, err)
	}
	d.router.sendOne(ctx, from, wire.Record{Type: wire.CmdReplyAck, RetPtr: rec.RetPtr, Value: ack}, nil)
}

func (d *Dispatcher) handlePutValue(ctx context.Context, from int, rec wire.Record) {
	size := int(rec.Bytes)
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, rec.Value)
	err := d.mem.Put(memory.Handle(rec.Handle), rec.Offset, buf[:size])
	ack := uint64(0)
	if err != nil {
		ack = 1
		log.Errorf("node %d: remote put_value from node %d failed: %v", d.node, from, err)
	}
	d.router.sendOne(ctx, from, wire.Record{Type: wire.CmdReplyAck, RetPtr: rec.RetPtr, Value: ack}, nil)
}

func (d *Dispatcher) handleGet(ctx context.Context, from int, rec wire.Record) {
	buf := make([]byte, rec.Bytes)
	if err := d.mem.Get(memory.Handle(rec.Handle), rec.Offset, buf); err != nil {
		log.Errorf("node %d: remote get from node %d failed: %v", d.node, from, err)
		d.router.sendOne(ctx, from, wire.Record{Type: wire.CmdReplyAck, RetPtr: rec.RetPtr, Value: 1}, nil)
		return
	}
	d.router.sendOne(ctx, from, wire.Record{Type: wire.CmdReplyGet, RetPtr: rec.RetPtr, Bytes: uint64(len(buf))}, buf)
}

func (d *Dispatcher) handleAtomicAdd(ctx context.Context, from int, rec wire.Record) {
	prev, err := d.mem.AtomicAdd(memory.Handle(rec.Handle), rec.Offset, rec.Value, int(rec.Bytes))
	if err != nil {
		log.Errorf("node %d: remote atomic_add from node %d failed: %v", d.node, from, err)
		d.router.sendOne(ctx, from, wire.Record{Type: wire.CmdReplyAck, RetPtr: rec.RetPtr, Value: 1}, nil)
		return
	}
	d.router.sendOne(ctx, from, wire.Record{Type: wire.CmdReplyValue, RetPtr: rec.RetPtr, Value: prev}, nil)
}

func (d *Dispatcher) handleAtomicCAS(ctx context.Context, from int, rec wire.Record) {
	prev, err := d.mem.AtomicCAS(memory.Handle(rec.Handle), rec.Offset, rec.ItStart, rec.Value, int(rec.Bytes))
	if err != nil {
		log.Errorf("node %d: remote atomic_cas from node %d failed: %v", d.node, from, err)
		d.router.sendOne(ctx, from, wire.Record{Type: wire.CmdReplyAck, RetPtr: rec.RetPtr, Value: 1}, nil)
		return
	}
	d.router.sendOne(ctx, from, wire.Record{Type: wire.CmdReplyValue, RetPtr: rec.RetPtr, Value: prev}, nil)
}
