package comm

import (
	"context"
	"sync"
)

// LocalTransport is an in-process Transport backed by Go channels, one
// inbox per node shared by every sender. It is the comm-layer analogue of
// bigmachine/testsystem's in-process System, used so scheduler/helper/
// aggregation tests can exercise the full send/dispatch path without a
// real cluster.
type LocalTransport struct {
	node  int
	peers []chan Envelope

	closeOnce sync.Once
	closed    chan struct{}
}

// NewLocalCluster builds n LocalTransports wired to each other, indices
// 0..n-1 corresponding to node ids.
func NewLocalCluster(n int) []*LocalTransport {
	inboxes := make([]chan Envelope, n)
	for i := range inboxes {
		inboxes[i] = make(chan Envelope, 256)
	}
	ts := make([]*LocalTransport, n)
	for i := range ts {
		ts[i] = &LocalTransport{node: i, peers: inboxes, closed: make(chan struct{})}
	}
	return ts
}

func (t *LocalTransport) Send(ctx context.Context, dest int, buf []byte) error {
	cp := append([]byte(nil), buf...)
	select {
	case t.peers[dest] <- Envelope{Source: t.node, Data: cp}:
		return nil
	case <-t.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *LocalTransport) Recv(ctx context.Context) (Envelope, error) {
	select {
	case e := <-t.peers[t.node]:
		return e, nil
	case <-t.closed:
		return Envelope{}, ErrClosed
	case <-ctx.Done():
		return Envelope{}, ctx.Err()
	}
}

func (t *LocalTransport) NodeID() int   { return t.node }
func (t *LocalTransport) NumNodes() int { return len(t.peers) }

func (t *LocalTransport) Close() error {
	t.closeOnce.Do(func() { close(t.closed) })
	return nil
}

var _ Transport = (*LocalTransport)(nil)
