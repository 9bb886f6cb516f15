package comm

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLocalTransportRoundTrip(t *testing.T) {
	ts := NewLocalCluster(3)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, ts[0].Send(ctx, 2, []byte("hello")))
	env, err := ts[2].Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, env.Source)
	require.Equal(t, []byte("hello"), env.Data)
}

func TestLocalTransportRecvAfterCloseReturnsErr(t *testing.T) {
	ts := NewLocalCluster(2)
	require.NoError(t, ts[1].Close())
	ctx := context.Background()
	_, err := ts[1].Recv(ctx)
	require.ErrorIs(t, err, ErrClosed)
}

func TestServerRoutesSendsAndReceives(t *testing.T) {
	ts := NewLocalCluster(2)
	pool := NewBufferPool(8, 1024)

	serverA := NewServer(ts[0], pool, 8, 2)
	serverB := NewServer(ts[1], pool, 8, 2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go serverA.Run(ctx)
	go serverB.Run(ctx)

	buf, err := pool.Get(ctx)
	require.NoError(t, err)
	buf = append(buf, []byte("payload")...)
	serverA.Outbox(1).Enqueue(buf)

	recvCtx, recvCancel := context.WithTimeout(context.Background(), time.Second)
	defer recvCancel()
	env, err := serverB.Inbox(0).Recv(recvCtx)
	require.NoError(t, err)
	require.Equal(t, []byte("payload"), env.Data)
}

func TestBufferPoolReuse(t *testing.T) {
	pool := NewBufferPool(1, 16)
	ctx := context.Background()
	b, err := pool.Get(ctx)
	require.NoError(t, err)
	pool.Put(b)
	b2, err := pool.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, len(b2))
}
