// Package comm implements the communication server of spec.md §4.4: the
// transport-agnostic send/receive loop that moves packed network buffers
// between nodes, plus the network-buffer pool and per-channel queues that
// feed it. The transport itself is pluggable (Transport); LocalTransport
// backs in-process tests and BigmachineTransport, grounded on
// github.com/grailbio/bigmachine (the teacher's own RPC substrate), backs a
// real cluster.
package comm

import (
	"context"
	"fmt"
)

// Envelope is one received network buffer, tagged with its source node —
// the "fill in source node and byte count" step of §4.4's receive-poll.
type Envelope struct {
	Source int
	Data   []byte
}

// Transport is the narrow interface the communication server drives. A
// non-blocking send/receive model (§4.4: "post non-blocking send", "poll
// in-flight sends") is expressed here as Send/Recv returning once their
// I/O has actually completed; the server achieves the non-blocking
// *posting* behavior spec.md describes by running one long-lived send
// goroutine per outbox and one receive goroutine, each blocking in its own
// Transport call, rather than by
// hand-rolling a poll-based state machine — goroutines are themselves the
// idiomatic Go analogue of posted asynchronous I/O.
type Transport interface {
	// Send delivers buf to node dest. Send and receive posts on one
	// channel may not reorder (§4.4); callers serialize per-destination
	// sends to preserve this.
	Send(ctx context.Context, dest int, buf []byte) error
	// Recv blocks until one buffer has arrived from any peer.
	Recv(ctx context.Context) (Envelope, error)
	// NodeID reports this process's node id.
	NodeID() int
	// NumNodes reports the cluster size.
	NumNodes() int
	// Close releases transport resources.
	Close() error
}

// ErrClosed is returned by Recv once the transport has been closed and no
// more buffers will arrive.
var ErrClosed = fmt.Errorf("comm: transport closed")
