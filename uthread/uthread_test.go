package uthread

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRunnablePredicate(t *testing.T) {
	u := New(0, 0, 4, DefaultStackPolicy)
	require.True(t, u.Runnable()) // NotStarted

	u.RequestData(10)
	require.False(t, u.Runnable())
	u.DeliverData(10)
	require.True(t, u.Runnable())
}

func TestDepthExemptionPreventsDeadlock(t *testing.T) {
	// max_nesting=2: a uthread at the top nesting level must be runnable
	// regardless of its wait condition, matching scenario 6 of spec.md §8.
	u := New(0, 0, 2, DefaultStackPolicy)
	u.nestLev.Store(1) // at max_nesting-1
	u.RequestData(100) // never delivered
	require.True(t, u.Runnable(), "depth exemption must make the task runnable")
}

func TestMtasksSatisfied(t *testing.T) {
	u := New(0, 0, 8, DefaultStackPolicy)
	u.CreateMtask()
	u.CreateMtask()
	require.False(t, u.MtasksSatisfied())
	u.TerminateMtask(u.Nesting())
	require.False(t, u.MtasksSatisfied())
	u.TerminateMtask(u.Nesting())
	require.True(t, u.MtasksSatisfied())
}

func TestIncrNestingBound(t *testing.T) {
	u := New(0, 0, 2, DefaultStackPolicy)
	require.True(t, u.IncrNesting()) // 0 -> 1, still < maxNesting-1+1... bound check below
	require.False(t, u.IncrNesting(), "must refuse to exceed max nesting")
}

func TestSuspendResume(t *testing.T) {
	u := New(0, 0, 8, DefaultStackPolicy)
	done := make(chan struct{})
	go func() {
		u.Suspend(WaitingHandle)
		close(done)
	}()

	select {
	case <-u.Parked():
	case <-time.After(time.Second):
		t.Fatal("uthread never parked")
	}
	require.Equal(t, WaitingHandle, u.Status())

	u.Resume()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("uthread never resumed")
	}
	require.Equal(t, Running, u.Status())
}

func TestResetShrinksStackToFloor(t *testing.T) {
	u := New(0, 0, 8, DefaultStackPolicy)
	u.NoteStackGrowth(1 << 19)
	require.Greater(t, u.stackSize, DefaultStackPolicy.Floor)
	u.Reset(true)
	require.Equal(t, DefaultStackPolicy.Floor, u.stackSize)
	require.Equal(t, NotStarted, u.Status())
}

func TestNoteStackGrowthReportsBreak(t *testing.T) {
	u := New(0, 0, 8, StackPolicy{Floor: 10, Ceiling: 20})
	require.True(t, u.NoteStackGrowth(5))
	require.False(t, u.NoteStackGrowth(100))
	require.EqualValues(t, 1, u.NumBreaks())
}
