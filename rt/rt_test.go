package rt

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pnnl-gmt/gmt-go/config"
	"github.com/pnnl-gmt/gmt-go/handle"
	"github.com/pnnl-gmt/gmt-go/memory"
)

// testConfig trims config.Default()'s worker/helper counts so a test
// cluster starts in milliseconds instead of spinning up the defaults'
// fifteen-workers-per-node goroutine pool.
func testConfig() config.Config {
	cfg := config.Default()
	cfg.NumWorkers = 2
	cfg.NumHelpers = 2
	cfg.NumUthreadsPerWorker = 64
	cfg.CommBufferSize = 64 * 1024
	cfg.NumBuffsPerChannel = 8
	cfg.MaxHandlesPerNode = 256
	return cfg
}

func startCluster(t *testing.T, n int) (*Cluster, context.Context) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	cl := NewCluster(testConfig())
	t.Cleanup(func() {
		cl.Destroy()
		cancel()
	})
	return cl, ctx
}

// TestSumArrayEndToEnd exercises spec.md §8 scenario 1: allocate a global
// array spread across the cluster, fill it with a blocking for_loop, then
// read every element back on the calling node and sum it, the way
// cmd/gmtd's own sum-array demo task does. fillFn is registered once and
// takes the array handle through args rather than a captured Go variable,
// since a remote share runs against the receiving node's own function
// registry (helper/tasks.go's handleFor), which only agrees with the
// sender on names every node registered identically at startup
// (rt.Cluster.RegisterTask) — a closure capturing per-call state would
// never reach that registry.
func TestSumArrayEndToEnd(t *testing.T) {
	const numElems = 64
	const elemBytes = 8

	cl, ctx := startCluster(t, 3)

	fillFn := func(tc *TaskContext, iter uint64, args, _ []byte) (int, error) {
		h := memory.Handle(binary.LittleEndian.Uint64(args[0:8]))
		return 0, tc.PutValue(h, iter, iter+1, elemBytes)
	}
	cl.RegisterTask("fill", fillFn)

	cl.RegisterTask("sum-array", func(tc *TaskContext, _ uint64, _, ret []byte) (int, error) {
		h, err := tc.Alloc(numElems, elemBytes, memory.PartitionFromZero, "", true)
		if err != nil {
			return 0, err
		}
		defer tc.Free(h)

		fillArgs := make([]byte, 8)
		binary.LittleEndian.PutUint64(fillArgs, uint64(h))
		if err := tc.ForLoop(context.Background(), 0, numElems, 1, Spread, "fill", fillFn, fillArgs); err != nil {
			return 0, err
		}

		var sum uint64
		for i := uint64(0); i < numElems; i++ {
			v, err := tc.GetValue(h, i, elemBytes)
			if err != nil {
				return 0, err
			}
			sum += v
		}
		n := binary.PutUvarint(ret, sum)
		return n, nil
	})

	require.NoError(t, cl.InitLocal(ctx, 3, nil))

	ret, err := cl.RunMain(ctx, "sum-array", nil)
	require.NoError(t, err)

	got, n := binary.Uvarint(ret)
	require.Positive(t, n)
	var want uint64
	for i := uint64(1); i <= numElems; i++ {
		want += i
	}
	require.Equal(t, want, got)
}

// TestHandleFanOutAcrossRecursiveForLoops exercises spec.md §8 scenario 4:
// a single handle obtained once via GetHandle is threaded through a
// for_loop_with_handle whose own task body issues a nested
// for_loop_with_handle reusing that same handle, spreading shares across
// every node in the cluster. A single WaitHandle at the root must observe
// every share from every recursion level and every node before returning
// (the invariant handle/handle.go:183's local/ring routing fix makes
// correct once a share crosses a node boundary).
func TestHandleFanOutAcrossRecursiveForLoops(t *testing.T) {
	const outerN = 6
	const innerN = 4
	const total = outerN * innerN

	cl, ctx := startCluster(t, 3)

	// incrementFn and spawnChildFn are named so the exact same closure
	// value reaches both RegisterTask (every node's startup registration)
	// and ForLoopWithHandle's local-share path, which invokes its fn
	// argument directly rather than resolving it through the registry by
	// name the way a remote share does (rt/spawn.go's spawnLocalFor).
	incrementFn := func(tc *TaskContext, _ uint64, args, _ []byte) (int, error) {
		counter := memory.Handle(binary.LittleEndian.Uint64(args[0:8]))
		_, err := tc.AtomicAdd(counter, 0, 1, 8)
		return 0, err
	}

	spawnChildFn := func(tc *TaskContext, _ uint64, args, _ []byte) (int, error) {
		hid := handle.ID(binary.LittleEndian.Uint64(args[0:8]))
		innerArgs := make([]byte, 8)
		copy(innerArgs, args[8:16])
		tc.ForLoopWithHandle(hid, 0, innerN, 1, Spread, "increment", incrementFn, innerArgs)
		return 0, nil
	}

	cl.RegisterTask("increment", incrementFn)
	cl.RegisterTask("spawn-child", spawnChildFn)

	cl.RegisterTask("fan-out", func(tc *TaskContext, _ uint64, _, ret []byte) (int, error) {
		hid, err := tc.GetHandle()
		if err != nil {
			return 0, err
		}
		counter, err := tc.Alloc(1, 8, memory.Local, "", true)
		if err != nil {
			return 0, err
		}
		defer tc.Free(counter)

		outerArgs := make([]byte, 16)
		binary.LittleEndian.PutUint64(outerArgs[0:8], uint64(hid))
		binary.LittleEndian.PutUint64(outerArgs[8:16], uint64(counter))

		tc.ForLoopWithHandle(hid, 0, outerN, 1, Spread, "spawn-child", spawnChildFn, outerArgs)

		waitCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tc.WaitHandle(waitCtx, hid); err != nil {
			return 0, err
		}

		got, err := tc.GetValue(counter, 0, 8)
		if err != nil {
			return 0, err
		}
		n := binary.PutUvarint(ret, got)
		return n, nil
	})

	require.NoError(t, cl.InitLocal(ctx, 3, nil))

	ret, err := cl.RunMain(ctx, "fan-out", nil)
	require.NoError(t, err)

	got, n := binary.Uvarint(ret)
	require.Positive(t, n)
	require.EqualValues(t, total, got)
}
