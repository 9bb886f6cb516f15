package scheduler

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pnnl-gmt/gmt-go/mtask"
	"github.com/pnnl-gmt/gmt-go/uthread"
)

func TestFairnessQuota(t *testing.T) {
	require.Equal(t, 34, fairnessQuota(100, 3))
	require.Equal(t, 1, fairnessQuota(0, 4))
	require.Equal(t, 100, fairnessQuota(100, 1))
}

func TestWorkerStepStartsIterationsUpToFreeSlots(t *testing.T) {
	topo := NewMPMCRings(1, 64)
	task, err := mtask.New(0, 10, 1, func(it uint64, args, ret []byte) (int, error) { return 0, nil }, nil)
	require.NoError(t, err)
	require.True(t, topo.Push(0, task))

	w := NewWorker(0, 4, 8, topo, Hooks{}, false)

	started := make(chan uint64, 16)
	run := func(task *mtask.Task, it uint64, u *uthread.Uthread) {
		started <- it
		u.Suspend(uthread.NotStarted)
	}
	w.Step(nil, run)

	require.LessOrEqual(t, len(started), 4)
}

func TestSelfExecuteRespectsNestingBound(t *testing.T) {
	task, err := mtask.New(0, 5, 1, func(it uint64, args, ret []byte) (int, error) { return 0, nil }, nil)
	require.NoError(t, err)

	u := uthread.New(0, 0, 2, uthread.DefaultStackPolicy)
	u.IncrNesting() // consume the only nesting slot below the bound

	_, _, ok := SelfExecute(task, u)
	require.False(t, ok, "self-execution must refuse once nesting is exhausted")
}

func TestSelfExecuteClaimsOneIteration(t *testing.T) {
	task, err := mtask.New(0, 5, 1, func(it uint64, args, ret []byte) (int, error) { return 0, nil }, nil)
	require.NoError(t, err)

	u := uthread.New(0, 0, 8, uthread.DefaultStackPolicy)
	from, to, ok := SelfExecute(task, u)
	require.True(t, ok)
	require.EqualValues(t, 0, from)
	require.EqualValues(t, 1, to)
	require.EqualValues(t, 0, u.Nesting(), "nesting must be released after self-execution")
}
