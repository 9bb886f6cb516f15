package helper

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pnnl-gmt/gmt-go/aggregation"
	"github.com/pnnl-gmt/gmt-go/comm"
	"github.com/pnnl-gmt/gmt-go/handle"
	"github.com/pnnl-gmt/gmt-go/memory"
	"github.com/pnnl-gmt/gmt-go/mtask"
	"github.com/pnnl-gmt/gmt-go/scheduler"
)

// testCluster wires n in-process nodes end to end: a LocalTransport per
// node, a Router whose Sender posts onto that transport, a memory.Manager
// and handle.Pool that delegate to the Router, and a Dispatcher draining
// the transport and running each decoded command.
type testCluster struct {
	transports []*comm.LocalTransport
	routers    []*Router
	mems       []*memory.Manager
	handles    []*handle.Pool
	dispatch   []*Dispatcher
	cancel     context.CancelFunc
}

func newTestCluster(t *testing.T, n int) *testCluster {
	t.Helper()
	ts := comm.NewLocalCluster(n)
	cl := &testCluster{transports: ts}
	ctx, cancel := context.WithCancel(context.Background())
	cl.cancel = cancel

	for i := 0; i < n; i++ {
		i := i
		send := func(node int, buf []byte) {
			_ = ts[i].Send(context.Background(), node, buf)
		}
		funcs := mtask.NewRegistry()
		r := NewRouter(i, n, send, nil, funcs, 2*time.Second)
		hp := handle.NewPool(i, 64, r)
		r.handles = hp
		mm := memory.NewManager(i, n, r)

		topo := scheduler.NewAllToAll(1, 1, 16)
		d := NewDispatcher(i, n, mm, hp, topo, funcs, r)

		cl.routers = append(cl.routers, r)
		cl.mems = append(cl.mems, mm)
		cl.handles = append(cl.handles, hp)
		cl.dispatch = append(cl.dispatch, d)

		go d.Run(ctx, ts[i])
	}
	return cl
}

func (cl *testCluster) close() { cl.cancel() }

func TestRemotePutGetRoundTrip(t *testing.T) {
	cl := newTestCluster(t, 2)
	defer cl.close()

	h, err := cl.mems[0].Alloc(4, 8, memory.Remote, "", false)
	require.NoError(t, err)

	payload := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	require.NoError(t, cl.mems[0].Put(h, 0, payload))

	got := make([]byte, 8)
	require.NoError(t, cl.mems[0].Get(h, 0, got))
	require.Equal(t, payload, got)
}

func TestRemoteAtomicAddSerializesAcrossNodes(t *testing.T) {
	cl := newTestCluster(t, 3)
	defer cl.close()

	h, err := cl.mems[0].Alloc(1, 8, memory.Local, "", false)
	require.NoError(t, err)

	const perNode = 100
	errs := make(chan error, len(cl.mems))
	for _, m := range cl.mems {
		m := m
		go func() {
			for i := 0; i < perNode; i++ {
				if _, err := m.AtomicAdd(h, 0, 1, 8); err != nil {
					errs <- err
					return
				}
			}
			errs <- nil
		}()
	}
	for range cl.mems {
		require.NoError(t, <-errs)
	}

	final := make([]byte, 8)
	require.NoError(t, cl.mems[0].Get(h, 0, final))
	var total uint64
	for i, b := range final {
		total |= uint64(b) << (8 * i)
	}
	require.Equal(t, uint64(perNode*len(cl.mems)), total)
}

func TestRemoteAllocAndFree(t *testing.T) {
	cl := newTestCluster(t, 2)
	defer cl.close()

	ctx := context.Background()
	h, err := cl.routers[0].RemoteAlloc(ctx, 1, 10, 4, memory.PartitionFromZero, memory.MediaRAM, false, "remote-array")
	require.NoError(t, err)
	require.NotEqual(t, memory.NullHandle, h)

	require.NoError(t, cl.routers[0].RemoteFree(ctx, 1, h))
	require.Error(t, cl.routers[0].RemoteFree(ctx, 1, h))
}

func TestAllocAndFreeReplicateAcrossCluster(t *testing.T) {
	cl := newTestCluster(t, 3)
	defer cl.close()

	h, err := cl.mems[1].Alloc(8, 4, memory.PartitionFromZero, "shared", false)
	require.NoError(t, err)

	for i, m := range cl.mems {
		_, err := m.EntryFor(h)
		require.NoError(t, err, "node %d should have adopted the replicated entry", i)
	}

	require.NoError(t, cl.mems[1].Free(h))

	for i, m := range cl.mems {
		_, err := m.EntryFor(h)
		require.Error(t, err, "node %d should have dropped its replicated entry after free", i)
	}
}

func TestSendForBatchesThroughAggregatorAndFlushesOnTimeout(t *testing.T) {
	cl := newTestCluster(t, 2)
	defer cl.close()

	cl.routers[0].SetAggregator(aggregation.New(4096, 512))

	noop := func(iter uint64, args, ret []byte) (int, error) { return 0, nil }
	cl.routers[0].SendFor(1, "noop", noop, 0, 10, 1, []byte("hi"), 0, 0, 0, handle.ID(5))

	deadline := time.Now().Add(2 * time.Second)
	var task *mtask.Task
	for time.Now().Before(deadline) {
		cl.routers[0].FlushStale(func(age int64) bool { return true })
		if tk, ok := cl.dispatch[1].topo.Pop(0); ok {
			task = tk
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.NotNil(t, task, "for command should have been delivered via the aggregated path")
	require.Equal(t, uint64(10), task.EndIt)
	require.Equal(t, []byte("hi"), task.Args)
	require.Equal(t, uint64(5), uint64(task.Handle))
}

func TestReservationRequestGrantsInFull(t *testing.T) {
	cl := newTestCluster(t, 2)
	defer cl.close()

	ctx := context.Background()
	granted, err := cl.routers[0].RequestBlock(ctx, 1, 37)
	require.NoError(t, err)
	require.Equal(t, 37, granted)
}

func TestHandleRingAccumulatesAcrossNodes(t *testing.T) {
	cl := newTestCluster(t, 3)
	defer cl.close()

	id := handle.ID(0)
	cl.handles[0].RecordCreated(id, 5)
	cl.handles[1].RecordCreated(id, 3)
	cl.handles[2].RecordTerminated(id, 8)

	ctx, done := context.WithTimeout(context.Background(), 2*time.Second)
	defer done()

	created, err := cl.routers[0].Circulate(ctx, id, handle.PhaseCreated, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(8), created)

	terminated, err := cl.routers[0].Circulate(ctx, id, handle.PhaseTerminated, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(8), terminated)

	_, err = cl.routers[0].Circulate(ctx, id, handle.PhaseReset, 0)
	require.NoError(t, err)

	createdAfter, terminatedAfter := cl.handles[2].PeekLocal(id)
	require.Zero(t, createdAfter)
	require.Zero(t, terminatedAfter)
}
