package reservation

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	mu       sync.Mutex
	calls    int
	grantSeq []int
}

func (f *fakeSender) RequestBlock(ctx context.Context, r int, requested int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	g := requested
	if f.calls < len(f.grantSeq) {
		g = f.grantSeq[f.calls]
	}
	f.calls++
	return g, nil
}

func TestBootstrapPreReservesOneBlockPerNode(t *testing.T) {
	sender := &fakeSender{}
	p := New(sender, 8)
	require.NoError(t, p.Bootstrap(context.Background(), []int{1, 2, 3}))
	require.True(t, p.Acquire(context.Background(), 1))
	require.True(t, p.Acquire(context.Background(), 2))
	require.True(t, p.Acquire(context.Background(), 3))
}

func TestAcquireRefillsOnExhaustion(t *testing.T) {
	sender := &fakeSender{grantSeq: []int{2, 0}}
	p := New(sender, 8)
	require.True(t, p.Acquire(context.Background(), 5))
	require.True(t, p.Acquire(context.Background(), 5))
	require.False(t, p.Acquire(context.Background(), 5), "third acquire must exhaust the granted block")
}

func TestRefillSerializesConcurrentRequesters(t *testing.T) {
	sender := &fakeSender{}
	p := New(sender, 8)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.refill(context.Background(), 9)
		}()
	}
	wg.Wait()
	// Only concurrent callers that find the lock free issue a request; with
	// the per-destination lock, far fewer than 10 calls should have landed.
	require.Less(t, sender.calls, 10)
}

func TestLocalPoolRefillsFromBackingAllocator(t *testing.T) {
	refills := 0
	lp := NewLocalPool(4, func(want int) int {
		refills++
		if refills > 1 {
			return 0
		}
		return want
	})
	require.True(t, lp.Acquire())
	require.Equal(t, 1, refills)
	for i := 0; i < 3; i++ {
		require.True(t, lp.Acquire())
	}
	require.False(t, lp.Acquire())
}

func TestLocalPoolReleaseReturnsSlots(t *testing.T) {
	lp := NewLocalPool(1, func(want int) int { return 0 })
	require.False(t, lp.Acquire())
	lp.Release(2)
	require.True(t, lp.Acquire())
	require.True(t, lp.Acquire())
	require.False(t, lp.Acquire())
}
