package restore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/polarsignals/imgbackup/driver"
	"github.com/polarsignals/imgbackup/image"
)

type fakeRestoreDriver struct {
	name      string
	began     bool
	ended     bool
	received  [][]byte
	lastCalls int
	busyFor   int // number of SendData calls to answer busy before ok
}

func (f *fakeRestoreDriver) Name() string { return f.name }

func (f *fakeRestoreDriver) Begin(ctx context.Context) error { f.began = true; return nil }

func (f *fakeRestoreDriver) SendData(ctx context.Context, buf *driver.Buffer) (driver.Status, error) {
	if f.busyFor > 0 {
		f.busyFor--
		return driver.StatusBusy, nil
	}
	f.received = append(f.received, append([]byte(nil), buf.Payload()...))
	if buf.Last {
		f.lastCalls++
	}
	return driver.StatusOK, nil
}

func (f *fakeRestoreDriver) End(ctx context.Context) error    { f.ended = true; return nil }
func (f *fakeRestoreDriver) Cancel(ctx context.Context) error { return nil }

func TestDemuxRoutesBySnapshot(t *testing.T) {
	d1 := &fakeRestoreDriver{name: "d1"}
	d2 := &fakeRestoreDriver{name: "d2"}

	dm := NewDemux(nil, map[uint16]driver.RestoreDriver{1: d1, 2: d2}, map[uint16]bool{1: true, 2: true})

	require.NoError(t, dm.route(context.Background(), image.DataChunk{SnapshotNo: 1, Payload: []byte("a")}))
	require.NoError(t, dm.route(context.Background(), image.DataChunk{SnapshotNo: 2, Payload: []byte("b")}))
	require.NoError(t, dm.route(context.Background(), image.DataChunk{SnapshotNo: 1, Payload: nil, Flags: image.FlagLastChunk}))

	require.Equal(t, [][]byte{[]byte("a"), nil}, d1.received)
	require.Equal(t, 1, d1.lastCalls)
	require.Equal(t, [][]byte{[]byte("b")}, d2.received)
}

func TestDemuxSkipsUnknownSnapshot(t *testing.T) {
	d1 := &fakeRestoreDriver{name: "d1"}
	dm := NewDemux(nil, map[uint16]driver.RestoreDriver{1: d1}, map[uint16]bool{1: true})

	require.NoError(t, dm.route(context.Background(), image.DataChunk{SnapshotNo: 9, Payload: []byte("x")}))
	require.Empty(t, d1.received)
}

func TestDemuxBusyThresholdIsFatal(t *testing.T) {
	d1 := &fakeRestoreDriver{name: "d1", busyFor: maxConsecutiveBusy + 1}
	dm := NewDemux(nil, map[uint16]driver.RestoreDriver{1: d1}, map[uint16]bool{1: true})

	err := dm.route(context.Background(), image.DataChunk{SnapshotNo: 1, Payload: []byte("x")})
	require.Error(t, err)
}

func TestDemuxRunEndsAllDrivers(t *testing.T) {
	d1 := &fakeRestoreDriver{name: "d1"}
	dm := NewDemux(nil, map[uint16]driver.RestoreDriver{1: d1}, map[uint16]bool{1: true})
	require.NoError(t, dm.endAll(context.Background()))
	require.True(t, d1.ended)
}
