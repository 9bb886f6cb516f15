package comm

import (
	"context"
	"sync"

	"github.com/pnnl-gmt/gmt-go/internal/xlog"
)

var log = xlog.With("comm")

// BufferPool is a fixed-size pool of reusable network-buffer byte slices,
// the Go analogue of the buffer pool the communication server hands to
// helpers and workers (§4.4: "on completion return buffer to pool").
type BufferPool struct {
	size int
	free chan []byte
}

// NewBufferPool preallocates n buffers of the given size.
func NewBufferPool(n, size int) *BufferPool {
	p := &BufferPool{size: size, free: make(chan []byte, n)}
	for i := 0; i < n; i++ {
		p.free <- make([]byte, 0, size)
	}
	return p
}

// Get blocks until a free buffer is available, matching the server's "poll
// in-flight sends, on completion return buffer to pool" hand-back (in Go
// this is simply a channel receive instead of a completion-poll).
func (p *BufferPool) Get(ctx context.Context) ([]byte, error) {
	select {
	case b := <-p.free:
		return b[:0], nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Put returns a buffer to the pool.
func (p *BufferPool) Put(b []byte) {
	select {
	case p.free <- b[:0]:
	default:
		// Pool already full (buffer was allocated outside Get); drop it.
	}
}

// OutChannel is one node's outbox: a queue of buffers ready to send,
// matching §4.4's "each send channel is one thread's outbox."
type OutChannel struct {
	Dest  int
	queue chan []byte
}

// NewOutChannel builds an outbox of the given queue depth.
func NewOutChannel(dest, depth int) *OutChannel {
	return &OutChannel{Dest: dest, queue: make(chan []byte, depth)}
}

// Enqueue queues buf for sending; it never blocks past the channel's
// configured depth (a full outbox backpressures its caller, mirroring the
// original's fixed buffer-pool ceiling).
func (o *OutChannel) Enqueue(buf []byte) { o.queue <- buf }

// InChannel feeds one helper with received buffers, matching §4.4's "each
// receive channel feeds one helper."
type InChannel struct {
	Helper int
	queue  chan Envelope
}

// NewInChannel builds an inbox of the given queue depth.
func NewInChannel(helper, depth int) *InChannel {
	return &InChannel{Helper: helper, queue: make(chan Envelope, depth)}
}

// Recv returns this helper's next received buffer.
func (i *InChannel) Recv(ctx context.Context) (Envelope, error) {
	select {
	case e := <-i.queue:
		return e, nil
	case <-ctx.Done():
		return Envelope{}, ctx.Err()
	}
}

// Server owns the transport and runs the communication-server loop of
// §4.4: posting sends from each node's outbox, posting receives into each
// helper's inbox, and routing completions between the two. The "poll
// in-flight" steps of the original design become goroutines parked on
// blocking Transport calls plus a WaitGroup, since Go's scheduler already
// multiplexes blocked goroutines the way the original polled in-flight
// operation tables.
type Server struct {
	transport Transport
	pool      *BufferPool
	outboxes  map[int]*OutChannel
	inboxes   []*InChannel

	wg sync.WaitGroup
}

// NewServer builds a communication server over transport, with one outbox
// per remote node and the given set of helper inboxes to round-robin
// received buffers across.
func NewServer(transport Transport, pool *BufferPool, outboxDepth int, numHelpers int) *Server {
	s := &Server{transport: transport, pool: pool}
	s.outboxes = make(map[int]*OutChannel, transport.NumNodes())
	for node := 0; node < transport.NumNodes(); node++ {
		if node == transport.NodeID() {
			continue
		}
		s.outboxes[node] = NewOutChannel(node, outboxDepth)
	}
	s.inboxes = make([]*InChannel, numHelpers)
	for i := range s.inboxes {
		s.inboxes[i] = NewInChannel(i, outboxDepth)
	}
	return s
}

// Outbox returns the per-destination outbox a worker/helper enqueues
// packed buffers onto.
func (s *Server) Outbox(dest int) *OutChannel { return s.outboxes[dest] }

// Inbox returns the helper-th receive channel.
func (s *Server) Inbox(helper int) *InChannel { return s.inboxes[helper%len(s.inboxes)] }

// Run drives the send and receive loops until ctx is cancelled, implementing
// §4.4's four numbered steps: (1)/(2) send-and-recycle per outbox,
// (3)/(4) receive-and-route per inbox slot.
func (s *Server) Run(ctx context.Context) {
	for _, out := range s.outboxes {
		s.wg.Add(1)
		go s.runSends(ctx, out)
	}
	s.wg.Add(1)
	go s.runReceives(ctx)
	s.wg.Wait()
}

func (s *Server) runSends(ctx context.Context, out *OutChannel) {
	defer s.wg.Done()
	for {
		select {
		case buf := <-out.queue:
			if err := s.transport.Send(ctx, out.Dest, buf); err != nil {
				log.Errorf("send to node %d failed: %v", out.Dest, err)
			}
			s.pool.Put(buf)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) runReceives(ctx context.Context) {
	defer s.wg.Done()
	next := 0
	for {
		env, err := s.transport.Recv(ctx)
		if err != nil {
			return
		}
		in := s.inboxes[next%len(s.inboxes)]
		next++
		select {
		case in.queue <- env:
		case <-ctx.Done():
			return
		}
	}
}
