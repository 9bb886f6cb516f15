package helper

import (
	"context"

	"github.com/pnnl-gmt/gmt-go/handle"
	"github.com/pnnl-gmt/gmt-go/wire"
)

// handleRingHop implements the receiving side of §4.10's two-phase ring:
// fold this node's own local created/terminated/reset contribution into
// the running sum carried in rec.Value, then either forward to the next
// node (Offset > 0 more nodes left to visit) or reply straight back to
// the node that started this circulation (Offset == 0, the last hop).
func (d *Dispatcher) handleRingHop(ctx context.Context, rec wire.Record) {
	id := handle.ID(rec.Handle)
	var contribution uint64
	switch rec.Type {
	case wire.CmdHandleCheckTerminated:
		_, terminated := d.handles.PeekLocal(id)
		contribution = terminated
	case wire.CmdHandleCheckCreated:
		created, _ := d.handles.PeekLocal(id)
		contribution = created
	case wire.CmdHandleReset:
		d.handles.ResetLocal(id)
	}
	sum := rec.Value + contribution
	origin := int(rec.PID)

	if rec.Offset == 0 {
		d.router.sendOne(ctx, origin, wire.Record{
			Type:   replyTypeFor(rec.Type),
			RetPtr: rec.RetPtr,
			Value:  sum,
		}, nil)
		return
	}

	next := (d.node + 1) % d.numNodes
	d.router.sendOne(ctx, next, wire.Record{
		Type:   rec.Type,
		Handle: rec.Handle,
		Value:  sum,
		PID:    rec.PID,
		Offset: rec.Offset - 1,
		RetPtr: rec.RetPtr,
	}, nil)
}
