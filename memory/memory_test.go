package memory

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeRouter wires N in-process Managers together so remote put/get/atomic
// calls resolve against real peer Managers instead of a network.
type fakeRouter struct {
	mgrs []*Manager
}

func (f *fakeRouter) RemotePut(node int, h Handle, elemOff uint64, src []byte) error {
	return f.mgrs[node].Put(h, elemOff, src)
}
func (f *fakeRouter) RemoteGet(node int, h Handle, elemOff uint64, dst []byte) error {
	return f.mgrs[node].Get(h, elemOff, dst)
}
func (f *fakeRouter) RemoteAtomicAdd(node int, h Handle, elemOff uint64, val uint64, size int) (uint64, error) {
	return f.mgrs[node].AtomicAdd(h, elemOff, val, size)
}
func (f *fakeRouter) RemoteAtomicCAS(node int, h Handle, elemOff uint64, old, new uint64, size int) (uint64, error) {
	return f.mgrs[node].AtomicCAS(h, elemOff, old, new, size)
}
func (f *fakeRouter) ReplicateEntry(node int, h Handle, numElems uint64, elemBytes uint32, name string) error {
	return f.mgrs[node].AdoptEntry(h, numElems, elemBytes, name)
}
func (f *fakeRouter) ReplicateFree(node int, h Handle) error {
	return f.mgrs[node].FreeLocal(h)
}

func newCluster(n int) []*Manager {
	router := &fakeRouter{}
	mgrs := make([]*Manager, n)
	for i := range mgrs {
		mgrs[i] = NewManager(i, n, router)
	}
	router.mgrs = mgrs
	return mgrs
}

func TestElementAtomicityNeverSplitsAcrossNodes(t *testing.T) {
	mgrs := newCluster(4)
	h, err := mgrs[0].Alloc(100, 8, PartitionFromZero, "", false)
	require.NoError(t, err)

	for node, m := range mgrs {
		e, err := m.entry(h)
		require.NoError(t, err)
		require.Equal(t, uint64(0), e.LocalBytes%uint64(e.ElemBytes), "node %d local slab must hold whole elements", node)
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	mgrs := newCluster(4)
	h, err := mgrs[0].Alloc(1000, 8, PartitionFromZero, "", false)
	require.NoError(t, err)

	payload := make([]byte, 8*50)
	for i := range payload {
		payload[i] = byte(i)
	}
	require.NoError(t, mgrs[0].Put(h, 10, payload))

	out := make([]byte, len(payload))
	require.NoError(t, mgrs[0].Get(h, 10, out))
	require.Equal(t, payload, out)
}

func TestReplicateCoherenceAfterPut(t *testing.T) {
	mgrs := newCluster(3)
	h, err := mgrs[0].Alloc(10, 8, Replicate, "", false)
	require.NoError(t, err)

	val := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	require.NoError(t, mgrs[1].Put(h, 2, val))

	for i, m := range mgrs {
		out := make([]byte, 8)
		require.NoError(t, m.Get(h, 2, out), "node %d", i)
		require.Equal(t, val, out, "node %d must observe the replicated write", i)
	}
}

func TestAtomicLinearisabilityUnderConcurrency(t *testing.T) {
	mgrs := newCluster(4)
	h, err := mgrs[0].Alloc(1, 8, Local, "", false)
	require.NoError(t, err)

	const perNode = 200
	var wg sync.WaitGroup
	for _, m := range mgrs {
		m := m
		for i := 0; i < perNode; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := m.AtomicAdd(h, 0, 1, 8)
				require.NoError(t, err)
			}()
		}
	}
	wg.Wait()

	out := make([]byte, 8)
	require.NoError(t, mgrs[0].Get(h, 0, out))
	got := uint64(0)
	for i := 7; i >= 0; i-- {
		got = got<<8 | uint64(out[i])
	}
	require.Equal(t, uint64(len(mgrs)*perNode), got)
}

func TestFreeThenAccessErrors(t *testing.T) {
	mgrs := newCluster(1)
	h, err := mgrs[0].Alloc(10, 8, Local, "", false)
	require.NoError(t, err)
	require.NoError(t, mgrs[0].Free(h))
	require.Error(t, mgrs[0].Free(h), "double free must error")
	_, err = mgrs[0].LocalPtr(h, 0)
	require.Error(t, err)
}

func TestOutOfBoundsAccessErrors(t *testing.T) {
	mgrs := newCluster(1)
	h, err := mgrs[0].Alloc(4, 8, Local, "", false)
	require.NoError(t, err)
	require.Error(t, mgrs[0].Get(h, 10, make([]byte, 8)))
}

func TestAttachResolvesNamedArray(t *testing.T) {
	mgrs := newCluster(1)
	_, err := mgrs[0].Alloc(4, 8, Local, "weights", false)
	require.NoError(t, err)
	require.NotEqual(t, NullHandle, mgrs[0].Attach("weights"))
	require.Equal(t, NullHandle, mgrs[0].Attach("does-not-exist"))
}

type fakeExecutor struct {
	calls int
}

func (f *fakeExecutor) ExecuteMemcpyChunk(srcNode int, src Handle, srcOff uint64, dst Handle, dstOff uint64, n uint64) error {
	f.calls++
	return nil
}

func TestMemcpyLocalFastPath(t *testing.T) {
	mgrs := newCluster(2)
	a, err := mgrs[0].Alloc(10, 8, Local, "", false)
	require.NoError(t, err)
	b, err := mgrs[0].Alloc(10, 8, Local, "", false)
	require.NoError(t, err)

	val := []byte{9, 9, 9, 9, 9, 9, 9, 9}
	require.NoError(t, mgrs[0].Put(a, 0, val))

	exec := &fakeExecutor{}
	require.NoError(t, mgrs[0].Memcpy(a, 0, b, 0, 1, exec))
	require.Equal(t, 0, exec.calls, "both arrays local to this node must not dispatch a remote execute")

	out := make([]byte, 8)
	require.NoError(t, mgrs[0].Get(b, 0, out))
	require.Equal(t, val, out)
}

func TestHandleEncodingRoundTrip(t *testing.T) {
	h, err := NewHandle(42, 2, 1, PartitionFromHere, MediaSSD, true)
	require.NoError(t, err)
	require.EqualValues(t, 42, h.AllocID())
	require.Equal(t, 2, h.Owner())
	require.Equal(t, 1, h.StartNode())
	require.Equal(t, PartitionFromHere, h.Policy())
	require.Equal(t, MediaSSD, h.Media())
	require.True(t, h.ZeroInit())
}
