package physlog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEntryRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "log")

	writer, err := newEntryWriter(path)
	require.NoError(t, err)
	entries := []Entry{
		{Op: OpOpen, FileID: 1, Path: "t.ibd"},
		{Op: OpWriteBytesData, FileID: 1, Offset: 0, Data: []byte("hello")},
		{Op: OpWriteBytesIndex, FileID: 1, Offset: 42, Data: []byte("world")},
		{Op: OpChsizeIndex, FileID: 1, Size: 8192},
		{Op: OpClose, FileID: 1},
	}
	for _, e := range entries {
		require.NoError(t, writer.Append(e))
	}
	require.NoError(t, writer.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	r := newEntryReader(raw)
	var got []Entry
	for {
		e, ok, err := r.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		got = append(got, e)
	}
	require.Len(t, got, len(entries))
	require.Equal(t, "t.ibd", got[0].Path)
	require.Equal(t, []byte("hello"), got[1].Data)
	require.Equal(t, uint64(42), got[2].Offset)
	require.Equal(t, uint64(8192), got[3].Size)
	require.Equal(t, OpClose, got[4].Op)
}

func TestEntryRoundTripBigNumbers(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "log")
	writer, err := newEntryWriter(path)
	require.NoError(t, err)

	e := Entry{Op: OpWriteBytesData, FileID: 1 << 20, Offset: 1 << 40, Data: []byte("x")}
	require.True(t, e.bigNumbers())
	require.NoError(t, writer.Append(e))
	require.NoError(t, writer.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	r := newEntryReader(raw)
	got, ok, err := r.Next()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, e.FileID, got.FileID)
	require.Equal(t, e.Offset, got.Offset)
}
