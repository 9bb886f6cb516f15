package handle

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeRing struct {
	terminated, created uint64
	resets              int
}

func (r *fakeRing) Circulate(ctx context.Context, id ID, kind RingPhase, seed uint64) (uint64, error) {
	switch kind {
	case PhaseTerminated:
		return r.terminated, nil
	case PhaseCreated:
		return r.created, nil
	case PhaseReset:
		r.resets++
		return 0, nil
	}
	return 0, nil
}

func TestLocalFastPathSkipsRing(t *testing.T) {
	ring := &fakeRing{}
	p := NewPool(0, 16, ring)
	h, err := p.Alloc(1)
	require.NoError(t, err)
	p.RecordCreated(h.ID, 3)
	p.RecordTerminated(h.ID, 3)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, p.Wait(ctx, h.ID))
	require.Equal(t, 0, ring.resets, "a handle that never left the node must not use the ring")
}

func TestLocalFastPathWaitsForLocalTerminations(t *testing.T) {
	ring := &fakeRing{}
	p := NewPool(0, 16, ring)
	h, err := p.Alloc(1)
	require.NoError(t, err)
	p.RecordCreated(h.ID, 2)
	p.RecordTerminated(h.ID, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.Equal(t, context.DeadlineExceeded, p.Wait(ctx, h.ID), "must not report completion while a local share is still outstanding")
}

func TestRingProtocolCompletesOnMatchingSums(t *testing.T) {
	ring := &fakeRing{terminated: 5, created: 5}
	p := NewPool(0, 16, ring)
	h, err := p.Alloc(1)
	require.NoError(t, err)
	h.MarkLeftNode()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, p.Wait(ctx, h.ID))
	require.Equal(t, 1, ring.resets)
	require.Nil(t, p.Get(h.ID), "a completed handle must be returned to the free pool")
}

func TestRingProtocolRetriesOnMismatch(t *testing.T) {
	ring := &fakeRing{terminated: 5, created: 7}
	p := NewPool(0, 16, ring)
	h, err := p.Alloc(1)
	require.NoError(t, err)
	h.MarkLeftNode()

	require.NoError(t, p.tick(context.Background(), h))
	require.Equal(t, Used, h.Status())
	require.Equal(t, 0, ring.resets)
}

func TestAllocIDsAreOffsetByNode(t *testing.T) {
	p := NewPool(3, 16, &fakeRing{})
	h, err := p.Alloc(1)
	require.NoError(t, err)
	require.GreaterOrEqual(t, uint64(h.ID), uint64(3*16))
}

func TestAllocExhaustsPool(t *testing.T) {
	p := NewPool(0, 1, &fakeRing{})
	_, err := p.Alloc(1)
	require.NoError(t, err)
	_, err = p.Alloc(1)
	require.Error(t, err)
}
