package wire

import (
	"testing"

	fuzz "github.com/google/gofuzz"
	"github.com/stretchr/testify/require"
)

func TestRecordRoundTrip(t *testing.T) {
	r := Record{
		Type:     CmdPut,
		TID:      42,
		NestLev:  3,
		GmtArray: 0xdeadbeef,
		Offset:   128,
		Bytes:    64,
		FuncPtr:  7,
		Handle:   99,
	}
	require.NoError(t, r.Validate())

	buf := r.Encode(nil)
	require.Len(t, buf, r.RecordSize())

	got, rest, err := Decode(buf)
	require.NoError(t, err)
	require.Empty(t, rest)
	require.Equal(t, r.Type, got.Type)
	require.Equal(t, r.TID, got.TID)
	require.Equal(t, r.NestLev, got.NestLev)
	require.Equal(t, r.GmtArray, got.GmtArray)
	require.Equal(t, r.Offset, got.Offset)
	require.Equal(t, r.Bytes, got.Bytes)
	require.Equal(t, r.FuncPtr, got.FuncPtr)
	require.Equal(t, r.Handle, got.Handle)
}

func TestRecordValidateBudgets(t *testing.T) {
	r := Record{Type: CmdFor, TID: MaxTID + 1}
	require.Error(t, r.Validate())

	r = Record{Type: CmdFor, NestLev: MaxNesting + 1}
	require.Error(t, r.Validate())

	r = Record{Type: CmdFor, ItStart: MaxIter + 1}
	require.Error(t, r.Validate())
}

func TestDecodeUnknownType(t *testing.T) {
	buf := make([]byte, headerFixedSize)
	buf[0] = byte(maxType) + 1
	_, _, err := Decode(buf)
	require.Error(t, err)
}

func TestBlockInfoRoundTrip(t *testing.T) {
	bi := BlockInfo{CmdsBytes: 100, DataBytes: 200}
	buf := bi.Encode(nil)
	got, rest, err := DecodeBlockInfo(buf)
	require.NoError(t, err)
	require.Empty(t, rest)
	require.Equal(t, bi, got)
}

// TestRecordRoundTripFuzz round-trips a large number of randomized
// records through Encode/Decode, clamping the bit-budgeted fields the way
// a real caller must, to exercise the wire format against more than the
// handful of values the table-driven tests above cover.
func TestRecordRoundTripFuzz(t *testing.T) {
	f := fuzz.New().NilChance(0).NumElements(0, 0)
	for i := 0; i < 1000; i++ {
		var r Record
		f.Fuzz(&r)
		r.Type = Type(uint8(r.Type) % (uint8(maxType) + 1))
		r.TID %= MaxTID + 1
		r.NestLev %= MaxNesting + 1
		r.ItStart %= MaxIter + 1
		r.ItEnd %= MaxIter + 1
		r.ArgsSize %= MaxArgsSize + 1
		r.Data = nil
		require.NoError(t, r.Validate())

		buf := r.Encode(nil)
		require.Len(t, buf, r.RecordSize())

		got, rest, err := Decode(buf)
		require.NoError(t, err)
		require.Empty(t, rest)
		require.Equal(t, r.Type, got.Type)
		require.Equal(t, r.TID, got.TID)
		require.Equal(t, r.NestLev, got.NestLev)
		require.Equal(t, r.GmtArray, got.GmtArray)
		require.Equal(t, r.Offset, got.Offset)
		require.Equal(t, r.Value, got.Value)
		require.Equal(t, r.RetPtr, got.RetPtr)
		require.Equal(t, r.Bytes, got.Bytes)
		require.Equal(t, r.ItStart, got.ItStart)
		require.Equal(t, r.ItEnd, got.ItEnd)
		require.Equal(t, r.ItPerTask, got.ItPerTask)
		require.Equal(t, r.ArgsSize, got.ArgsSize)
		require.Equal(t, r.PID, got.PID)
		require.Equal(t, r.FuncPtr, got.FuncPtr)
		require.Equal(t, r.Handle, got.Handle)
	}
}

func TestMultipleRecordsInOneSegment(t *testing.T) {
	recs := []Record{
		{Type: CmdAlloc, TID: 1},
		{Type: CmdPut, TID: 2, Offset: 8},
		{Type: CmdFree, TID: 3},
	}
	var buf []byte
	for _, r := range recs {
		buf = r.Encode(buf)
	}
	for _, want := range recs {
		got, rest, err := Decode(buf)
		require.NoError(t, err)
		require.Equal(t, want.Type, got.Type)
		require.Equal(t, want.TID, got.TID)
		buf = rest
	}
	require.Empty(t, buf)
}
