package mtask

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func noop(iter uint64, args, ret []byte) (int, error) { return 0, nil }

func TestClaimIterationsExhaustive(t *testing.T) {
	task, err := New(0, 100, 1, noop, nil)
	require.NoError(t, err)

	from, to, n := task.ClaimIterations(30)
	require.EqualValues(t, 0, from)
	require.EqualValues(t, 30, to)
	require.Equal(t, 30, n)
	require.True(t, task.Remaining())

	_, _, n2 := task.ClaimIterations(1000)
	require.Equal(t, 70, n2)
	require.False(t, task.Remaining())
}

func TestClaimIterationsConcurrentDisjoint(t *testing.T) {
	task, err := New(0, 1000, 1, noop, nil)
	require.NoError(t, err)

	var (
		mu     sync.Mutex
		claimed = make(map[uint64]bool)
		wg      sync.WaitGroup
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				from, to, n := task.ClaimIterations(7)
				if n == 0 {
					return
				}
				mu.Lock()
				for it := from; it < to; it++ {
					require.False(t, claimed[it], "double claim of iteration %d", it)
					claimed[it] = true
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Len(t, claimed, 1000)
}

func TestMarkExecutedRetires(t *testing.T) {
	task, err := New(0, 10, 1, noop, nil)
	require.NoError(t, err)
	require.False(t, task.MarkExecuted(9))
	require.True(t, task.MarkExecuted(1))
}

func TestNewRejectsIterationOverflow(t *testing.T) {
	_, err := New(0, (uint64(1)<<48)+1, 1, noop, nil)
	require.Error(t, err)
}
