package queue

import (
	"sync"
	"testing"

	fuzz "github.com/google/gofuzz"
	"github.com/stretchr/testify/require"
)

func TestSPSCRoundTrip(t *testing.T) {
	q := NewSPSC(4)
	require.NoError(t, q.Push(1))
	require.NoError(t, q.Push(2))
	v, ok := q.Pop()
	require.True(t, ok)
	require.EqualValues(t, 1, v)
	v, ok = q.Pop()
	require.True(t, ok)
	require.EqualValues(t, 2, v)
	_, ok = q.Pop()
	require.False(t, ok)
}

func TestSPSCOverflowRejected(t *testing.T) {
	q := NewSPSC(2)
	require.ErrorIs(t, q.Push(1<<63), ErrOverflow)
}

func TestMPSCConcurrentProducers(t *testing.T) {
	const n = 1000
	q := NewMPSC(2048)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(v uint64) {
			defer wg.Done()
			require.NoError(t, q.Push(v))
		}(uint64(i))
	}
	wg.Wait()

	seen := make(map[uint64]bool, n)
	for len(seen) < n {
		v, ok := q.Pop()
		if !ok {
			continue
		}
		seen[v] = true
	}
	require.Len(t, seen, n)
}

func TestMPMCConcurrentProducersConsumers(t *testing.T) {
	const n = 2000
	q := NewMPMC(4096)
	var producers sync.WaitGroup
	for i := 0; i < n; i++ {
		producers.Add(1)
		go func(v uint64) {
			defer producers.Done()
			for q.Push(v) != nil {
			}
		}(uint64(i + 1)) // +1 so zero is never a valid payload in this test
	}

	var (
		mu   sync.Mutex
		seen = make(map[uint64]bool, n)
		wg   sync.WaitGroup
	)
	consumer := func() {
		defer wg.Done()
		for {
			mu.Lock()
			done := len(seen) >= n
			mu.Unlock()
			if done {
				return
			}
			v, ok := q.Pop()
			if !ok {
				continue
			}
			mu.Lock()
			seen[v] = true
			mu.Unlock()
		}
	}
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go consumer()
	}
	producers.Wait()
	wg.Wait()
	require.Len(t, seen, n)
}

// TestSPSCRoundTripFuzz pushes a large batch of randomized 63-bit payloads
// through an SPSC queue one at a time and checks each pops back out in FIFO
// order, exercising the occupied-bit packing against more than the couple of
// fixed values the table-driven tests above use.
func TestSPSCRoundTripFuzz(t *testing.T) {
	f := fuzz.New().NilChance(0)
	q := NewSPSC(2)
	for i := 0; i < 1000; i++ {
		var want uint64
		f.Fuzz(&want)
		want &= maxPayload
		require.NoError(t, q.Push(want))
		got, ok := q.Pop()
		require.True(t, ok)
		require.Equal(t, want, got)
	}
}

// TestMPMCRoundTripFuzz pushes randomized payloads from several concurrent
// producers and checks the consumer sees exactly that multiset back,
// regardless of arrival order.
func TestMPMCRoundTripFuzz(t *testing.T) {
	f := fuzz.New().NilChance(0)
	const n = 500
	want := make([]uint64, n)
	for i := range want {
		var v uint64
		f.Fuzz(&v)
		want[i] = (v & maxPayload) | 1 // keep payloads nonzero so collisions are visible
	}

	q := NewMPMC(1024)
	var producers sync.WaitGroup
	for _, v := range want {
		producers.Add(1)
		go func(v uint64) {
			defer producers.Done()
			for q.Push(v) != nil {
			}
		}(v)
	}

	seen := make(map[uint64]int, n)
	total := 0
	for total < n {
		v, ok := q.Pop()
		if !ok {
			continue
		}
		seen[v]++
		total++
	}
	producers.Wait()

	wantCounts := make(map[uint64]int, n)
	for _, v := range want {
		wantCounts[v]++
	}
	require.Equal(t, wantCounts, seen)
}

func TestMPMCGuessSize(t *testing.T) {
	q := NewMPMC(8)
	require.EqualValues(t, 0, q.GuessSize())
	require.NoError(t, q.Push(10))
	require.NoError(t, q.Push(11))
	require.EqualValues(t, 2, q.GuessSize())
	_, ok := q.Pop()
	require.True(t, ok)
	require.EqualValues(t, 1, q.GuessSize())
}
