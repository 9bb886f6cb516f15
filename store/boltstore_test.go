package store

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPutGetListDeleteArray(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, "test-state")
	require.NoError(t, err)
	defer s.Close()

	rec := ArrayRecord{Name: "a", TotalBytes: 64, ElemBytes: 8, Policy: 1, Data: []byte("12345678")}
	require.NoError(t, s.PutArray(rec))

	got, err := s.GetArray("a")
	require.NoError(t, err)
	require.Equal(t, rec, got)

	names, err := s.ListArrays()
	require.NoError(t, err)
	require.Contains(t, names, "a")

	require.NoError(t, s.DeleteArray("a"))
	_, err = s.GetArray("a")
	require.Error(t, err)
}
