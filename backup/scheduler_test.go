package backup

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/polarsignals/imgbackup/driver"
	"github.com/polarsignals/imgbackup/image"
	"github.com/polarsignals/imgbackup/streamfile"
)

// fakeDriver produces a fixed set of rows for one table, then reports done.
type fakeDriver struct {
	name     string
	rows     [][]byte
	next     int
	began    bool
	locked   bool
	unlocked bool
	ended    bool
}

func (f *fakeDriver) Name() string { return f.name }

func (f *fakeDriver) InitSize() (uint64, bool) { return uint64(len(f.rows)) * 10, true }

func (f *fakeDriver) Begin(ctx context.Context, blockSize int) error {
	f.began = true
	return nil
}

func (f *fakeDriver) Prelock(ctx context.Context) (driver.Status, error) {
	return driver.StatusReady, nil
}

func (f *fakeDriver) GetData(ctx context.Context, buf *driver.Buffer) (driver.Status, error) {
	if f.next >= len(f.rows) {
		return driver.StatusDone, nil
	}
	row := f.rows[f.next]
	n := copy(buf.Bytes, row)
	buf.Filled = n
	buf.TableNo = 0
	f.next++
	buf.Last = f.next >= len(f.rows)
	return driver.StatusOK, nil
}

func (f *fakeDriver) Lock(ctx context.Context) error   { f.locked = true; return nil }
func (f *fakeDriver) Unlock(ctx context.Context) error { f.unlocked = true; return nil }
func (f *fakeDriver) End(ctx context.Context) error    { f.ended = true; return nil }
func (f *fakeDriver) Cancel(ctx context.Context) error { return nil }

func TestSchedulerRunWritesAllChunks(t *testing.T) {
	fd := &fakeDriver{name: "fake", rows: [][]byte{[]byte("aaaaaaaaaa"), []byte("bbbbbbbbbb"), []byte("cccccccccc")}}

	dir := t.TempDir()
	sf, err := streamfile.OpenWrite(filepath.Join(dir, "img.bin"), streamfile.Options{})
	require.NoError(t, err)
	w := image.NewWriter(sf)
	require.NoError(t, w.WritePreamble())

	sched := NewScheduler(nil, nil, w, 64, nil, map[uint16]driver.BackupDriver{1: fd})
	require.NoError(t, sched.Run(context.Background()))
	require.NoError(t, sf.Close(false))

	require.True(t, fd.began)
	require.True(t, fd.locked)
	require.True(t, fd.unlocked)
	require.True(t, fd.ended)

	sr, err := streamfile.OpenRead(filepath.Join(dir, "img.bin"))
	require.NoError(t, err)
	defer sr.Close()
	rd := image.NewReader(sr)
	require.NoError(t, rd.ReadPreamble())

	var chunks []image.DataChunk
	for {
		dc, ok, err := rd.ReadDataChunk()
		require.NoError(t, err)
		if !ok {
			break
		}
		chunks = append(chunks, dc)
	}
	require.Len(t, chunks, 3)
	require.True(t, chunks[2].Flags&image.FlagLastChunk != 0)

	summary := sched.Summary()
	require.Equal(t, uint64(30), summary[1].BytesOut)
}

func TestSchedulerCancelIsIdempotent(t *testing.T) {
	fd := &fakeDriver{name: "fake"}
	dir := t.TempDir()
	sf, err := streamfile.OpenWrite(filepath.Join(dir, "img.bin"), streamfile.Options{})
	require.NoError(t, err)
	w := image.NewWriter(sf)

	sched := NewScheduler(nil, nil, w, 64, nil, map[uint16]driver.BackupDriver{1: fd})
	sched.CancelBackup(context.Background())
	sched.CancelBackup(context.Background())
	require.NoError(t, sf.Close(true))
}
