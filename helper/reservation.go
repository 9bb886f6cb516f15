package helper

import (
	"context"

	"github.com/pnnl-gmt/gmt-go/wire"
)

// handleReservationRequest grants mtask-table headroom to a remote node
// (§4.9's reservation protocol). The original C runtime's mtask table is a
// fixed-size ring, so a node could legitimately run short and grant a
// request only partially; Go's garbage-collected heap has no equivalent
// fixed table, so this adaptation always grants the full amount asked for
// (documented in the design ledger).
func (d *Dispatcher) handleReservationRequest(ctx context.Context, from int, rec wire.Record) {
	d.router.sendOne(ctx, from, wire.Record{
		Type:   wire.CmdReservationReply,
		RetPtr: rec.RetPtr,
		Value:  rec.Value,
	}, nil)
}
