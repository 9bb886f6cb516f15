package main

import (
	"context"
	"encoding/binary"

	"github.com/pnnl-gmt/gmt-go/memory"
	"github.com/pnnl-gmt/gmt-go/rt"
)

// registerDemoTasks installs a small set of sample task functions so gmtd
// has something runnable out of the box. A real deployment instead imports
// its own task package and calls Cluster.RegisterTask from its own main,
// the same way bigslice callers register their own bigslice.Funcs.
func registerDemoTasks(cl *rt.Cluster) {
	cl.RegisterTask("hello", helloTask)
	cl.RegisterTask("sum-array", sumArrayTask)
}

// helloTask is the smallest possible root invocation: it reports the
// cluster size it sees from node 0.
func helloTask(ctx *rt.TaskContext, _ uint64, _, ret []byte) (int, error) {
	n := binary.PutVarint(ret, int64(ctx.NumNodes()))
	log.Printf("hello: running on node %d of %d", ctx.NodeID(), ctx.NumNodes())
	return n, nil
}

// sumArrayTask allocates a distributed array spread across every node,
// fills it via a spread for_loop, and sums it back on node 0, exercising
// Alloc/ForLoop/Put/Get together.
func sumArrayTask(ctx *rt.TaskContext, _ uint64, args, ret []byte) (int, error) {
	const numElems = 1024
	const elemBytes = 8

	h, err := ctx.Alloc(numElems, elemBytes, memory.PartitionFromZero, "sum-array-demo", true)
	if err != nil {
		return 0, err
	}
	defer ctx.Free(h)

	fill := func(fctx *rt.TaskContext, iter uint64, _, _ []byte) (int, error) {
		return 0, fctx.PutValue(h, iter, iter+1, elemBytes)
	}
	if err := ctx.ForLoop(context.Background(), 0, numElems, 1, rt.Spread, "fill", fill, nil); err != nil {
		return 0, err
	}

	var sum uint64
	for i := uint64(0); i < numElems; i++ {
		v, err := ctx.GetValue(h, i, elemBytes)
		if err != nil {
			return 0, err
		}
		sum += v
	}

	n := binary.PutUvarint(ret, sum)
	log.Printf("sum-array: total=%d", sum)
	return n, nil
}
