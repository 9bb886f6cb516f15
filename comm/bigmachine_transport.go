package comm

import (
	"context"
	"encoding/gob"
	"fmt"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/retry"
	"github.com/grailbio/bigmachine"

	"github.com/pnnl-gmt/gmt-go/internal/xlog"
)

func init() {
	gob.Register(DeliverRequest{})
}

// retryPolicy mirrors the teacher's bigmachine call retry policy (exec/
// bigmachine.go's retryPolicy): transient RPC failures between nodes are
// retried with backoff rather than surfaced to the caller.
var retryPolicy = retry.Backoff(250*time.Millisecond, 5*time.Second, 1.5)

// DeliverRequest is the RPC payload for one packed network buffer,
// delivered node to node over bigmachine.
type DeliverRequest struct {
	Source int
	Data   []byte
}

// deliverable is the RPC service bigmachine dispatches Deliver calls to; it
// simply appends incoming buffers to the local BigmachineTransport's inbox,
// mirroring exec/bigmachine.go's worker RPC service shape (exported
// methods with a context.Context, a request, and a reply pointer).
type deliverable struct {
	inbox chan Envelope
}

func (d *deliverable) Deliver(ctx context.Context, req DeliverRequest, _ *struct{}) error {
	select {
	case d.inbox <- Envelope{Source: req.Source, Data: req.Data}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// BigmachineTransport is a Transport backed by a github.com/grailbio/
// bigmachine cluster: each node is a bigmachine.Machine running the
// deliverable RPC service, and Send issues a Machine.Call to the
// destination's Deliver method.
type BigmachineTransport struct {
	node     int
	machines []*bigmachine.Machine
	inbox    chan Envelope

	log xlog.Logger
}

// DialBigmachine starts a bigmachine.B cluster of the given machine count
// and wires one BigmachineTransport per machine, mirroring
// newBigmachineExecutor's bring-up in exec/bigmachine.go.
func DialBigmachine(ctx context.Context, b *bigmachine.B, n int, params ...bigmachine.Param) ([]*BigmachineTransport, func(), error) {
	machines, err := b.Start(ctx, n, params...)
	if err != nil {
		return nil, nil, errors.E(errors.Fatal, "comm: starting bigmachine cluster", err)
	}
	transports := make([]*BigmachineTransport, n)
	for i, m := range machines {
		transports[i] = &BigmachineTransport{
			node:     i,
			machines: machines,
			inbox:    make(chan Envelope, 256),
			log:      xlog.With(fmt.Sprintf("comm[%d]", i)),
		}
		if err := m.Wait(ctx, bigmachine.Running); err != nil {
			return nil, nil, errors.E(errors.Unavailable, fmt.Sprintf("comm: machine %d never became ready", i), err)
		}
	}
	shutdown := func() {
		for _, m := range machines {
			m.Cancel()
		}
	}
	return transports, shutdown, nil
}

func (t *BigmachineTransport) Send(ctx context.Context, dest int, buf []byte) error {
	if dest == t.node {
		cp := append([]byte(nil), buf...)
		t.inbox <- Envelope{Source: t.node, Data: cp}
		return nil
	}
	req := DeliverRequest{Source: t.node, Data: buf}
	err := retry.Do(ctx, retryPolicy, func() error {
		return t.machines[dest].Call(ctx, "Comm.Deliver", req, nil)
	})
	if err != nil {
		t.log.Errorf("send to node %d failed: %v", dest, err)
	}
	return err
}

func (t *BigmachineTransport) Recv(ctx context.Context) (Envelope, error) {
	select {
	case e := <-t.inbox:
		return e, nil
	case <-ctx.Done():
		return Envelope{}, ctx.Err()
	}
}

func (t *BigmachineTransport) NodeID() int   { return t.node }
func (t *BigmachineTransport) NumNodes() int { return len(t.machines) }
func (t *BigmachineTransport) Close() error  { return nil }

var _ Transport = (*BigmachineTransport)(nil)
