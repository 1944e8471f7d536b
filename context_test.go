package imgbackup

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/polarsignals/imgbackup/catalog"
	"github.com/polarsignals/imgbackup/driver"
)

func TestBackupEmptyCatalogueIsNoop(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "empty.img")

	c := NewContext(nil, nil)
	err := c.Backup(context.Background(), path, nil, nil)
	require.NoError(t, err)

	var restored []catalog.Item
	err = c.Restore(context.Background(), path, nil, func(it catalog.Item) error {
		restored = append(restored, it)
		return nil
	})
	require.NoError(t, err)
	require.Empty(t, restored)
}

type rowsDriver struct {
	name string
	rows [][]byte
	next int
}

func (d *rowsDriver) Name() string              { return d.name }
func (d *rowsDriver) InitSize() (uint64, bool) { return uint64(len(d.rows) * 10), true }
func (d *rowsDriver) Begin(ctx context.Context, blockSize int) error { return nil }
func (d *rowsDriver) Prelock(ctx context.Context) (driver.Status, error) {
	return driver.StatusReady, nil
}
func (d *rowsDriver) GetData(ctx context.Context, buf *driver.Buffer) (driver.Status, error) {
	if d.next >= len(d.rows) {
		return driver.StatusDone, nil
	}
	n := copy(buf.Bytes, d.rows[d.next])
	buf.Filled = n
	d.next++
	buf.Last = d.next >= len(d.rows)
	return driver.StatusOK, nil
}
func (d *rowsDriver) Lock(ctx context.Context) error   { return nil }
func (d *rowsDriver) Unlock(ctx context.Context) error { return nil }
func (d *rowsDriver) End(ctx context.Context) error    { return nil }
func (d *rowsDriver) Cancel(ctx context.Context) error { return nil }

type collectingRestoreDriver struct {
	name string
	rows [][]byte
}

func (d *collectingRestoreDriver) Name() string                     { return d.name }
func (d *collectingRestoreDriver) Begin(ctx context.Context) error  { return nil }
func (d *collectingRestoreDriver) SendData(ctx context.Context, buf *driver.Buffer) (driver.Status, error) {
	if buf.Filled > 0 {
		d.rows = append(d.rows, append([]byte(nil), buf.Payload()...))
	}
	return driver.StatusOK, nil
}
func (d *collectingRestoreDriver) End(ctx context.Context) error    { return nil }
func (d *collectingRestoreDriver) Cancel(ctx context.Context) error { return nil }

func TestBackupThenRestoreSingleTable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "single.img")

	var handle int
	populate := func(c *catalog.Catalog) error {
		db, err := c.AddDatabase("d", 0)
		if err != nil {
			return err
		}
		h, err := c.AddSnapshot(catalog.SnapshotDescriptor{Kind: catalog.SnapshotDefaultBlocking})
		if err != nil {
			return err
		}
		handle = h
		_, err = c.AddTable(db.Pos, "t", handle, 0)
		return err
	}

	rows := [][]byte{
		[]byte("0123456789"),
		[]byte("abcdefghij"),
	}
	bd := &rowsDriver{name: "t", rows: rows}

	c := NewContext(nil, nil)
	require.NoError(t, c.Backup(context.Background(), path, populate, map[uint16]driver.BackupDriver{1: bd}))

	rd := &collectingRestoreDriver{name: "t"}
	var recreated []string
	err := c.Restore(context.Background(), path, map[uint16]driver.RestoreDriver{1: rd}, func(it catalog.Item) error {
		recreated = append(recreated, it.ItemName())
		return nil
	})
	require.NoError(t, err)
	require.Contains(t, recreated, "d")
	require.Contains(t, recreated, "t")
	require.Equal(t, rows, rd.rows)
}

func TestSecondBackupWhileRunningIsRejected(t *testing.T) {
	release, err := globalRunRegistry.acquire()
	require.NoError(t, err)
	defer release()

	c := NewContext(nil, nil)
	err = c.Backup(context.Background(), filepath.Join(t.TempDir(), "x.img"), nil, nil)
	require.Error(t, err)
}
