package aggregation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pnnl-gmt/gmt-go/wire"
)

func putRecord() wire.Record {
	return wire.Record{Type: wire.CmdPut, TID: 1, GmtArray: 7, Offset: 0, Bytes: 8}
}

func TestAppendRecordRejectsOverflow(t *testing.T) {
	rec := putRecord()
	b := NewBlock(rec.RecordSize() + 4)
	_, ok := b.AppendRecord(rec, 0)
	require.True(t, ok)
	_, ok = b.AppendRecord(rec, 0)
	require.False(t, ok, "second record must not fit in a near-empty budget")
}

func TestSetDataRespectsGrant(t *testing.T) {
	b := NewBlock(256)
	rec := putRecord()
	granted, ok := b.AppendRecord(rec, 32)
	require.True(t, ok)
	require.Equal(t, 32, granted)
	require.NoError(t, b.SetData(make([]byte, 32)))
	require.Error(t, b.SetData([]byte{1}))
}

func TestAnySingleBlockFitsEmptyBuffer(t *testing.T) {
	// Invariant (a) of §4.3.
	const blockCap = 512
	d := NewDestination(0, blockCap)
	rec := putRecord()
	_, ok := d.Open().AppendRecord(rec, 16)
	require.True(t, ok)
	d.Push(1 << 20)
	packed, used, consumed := d.DrainForPack(blockCap + wire.BlockInfoSize)
	require.Equal(t, 1, consumed)
	require.LessOrEqual(t, used, blockCap+wire.BlockInfoSize)
	require.NotEmpty(t, packed)
}

func TestPushedBlockAlwaysHasCmdsBytes(t *testing.T) {
	// Invariant (b): cmds_bytes > 0 in any pushed block.
	d := NewDestination(0, 256)
	_, pushed := d.FlushOpen(1 << 20)
	require.False(t, pushed, "an empty open block must never be pushed by a flush")
}

func TestAggregateAndSendDrainsUpToCommBufferSize(t *testing.T) {
	const blockCap = 128
	a := New(blockCap*2, blockCap)
	rec := putRecord()

	var lastReport PushReport
	for i := 0; i < 3; i++ {
		_, _, report, didPush := a.GetCmd(1, rec, 0)
		if didPush {
			lastReport = report
		}
	}
	packed, used, ok := a.AggregateAndSend(1, lastReport)
	if ok {
		require.NotEmpty(t, packed)
		require.LessOrEqual(t, used, int(blockCap*2))
	}
}

func TestEstimateRestoredOnUnderflow(t *testing.T) {
	d := NewDestination(0, 64)
	require.False(t, d.TryClaimPack(100), "claiming more than the zero estimate must fail and not go negative")
	require.Equal(t, int64(0), d.estimate.Load())
}

func TestTimeoutFlushRespectsStalenessPredicate(t *testing.T) {
	a := New(1<<20, 128)
	rec := putRecord()
	a.GetCmd(5, rec, 0)
	_, _, flushed := a.TimeoutFlush(5, false)
	require.False(t, flushed)
	_, _, flushed = a.TimeoutFlush(5, true)
	require.True(t, flushed)
}

func TestStaleDestinationsReportsAge(t *testing.T) {
	a := New(1<<20, 64)
	a.GetCmd(9, putRecord(), 0)
	stale := a.StaleDestinations(func(age int64) bool { return age >= int64(0) })
	require.Contains(t, stale, 9)
	_ = time.Millisecond
}
