package image

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/polarsignals/imgbackup/catalog"
	"github.com/polarsignals/imgbackup/streamfile"
)

func buildSampleCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	c := catalog.New()

	_, err := c.AddTablespace("ts0", 0)
	require.NoError(t, err)

	db, err := c.AddDatabase("d", 0)
	require.NoError(t, err)

	h1, err := c.AddSnapshot(catalog.SnapshotDescriptor{
		Kind: catalog.SnapshotNative, DriverVersion: 3, EngineName: "innodb", EngineMajor: 8, EngineMinor: 0,
	})
	require.NoError(t, err)
	h2, err := c.AddSnapshot(catalog.SnapshotDescriptor{Kind: catalog.SnapshotDefaultBlocking, DriverVersion: 1})
	require.NoError(t, err)

	_, err = c.AddTable(db.Pos, "t1", h1, 0)
	require.NoError(t, err)
	_, err = c.AddTable(db.Pos, "t2", h2, 1)
	require.NoError(t, err)

	_, err = c.AddView(db.Pos, "v1", 0)
	require.NoError(t, err)
	_, err = c.AddTrigger(db.Pos, 0, "trg1", 1)
	require.NoError(t, err)
	_, err = c.AddPrivilege(db.Pos, "SELECT", 7, 2)
	require.NoError(t, err)

	return c
}

func TestWriteThenReadImage(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "image.bin")

	c := buildSampleCatalog(t)

	sf, err := streamfile.OpenWrite(path, streamfile.Options{})
	require.NoError(t, err)
	w := NewWriter(sf)

	require.NoError(t, w.WritePreamble())

	hdr := catalog.Header{
		FormatVersion:      1,
		ServerVersionMajor: 8, ServerVersionMinor: 0, ServerVersionPatch: 34,
		ServerVersionExtra: "-log",
		Flags:              catalog.FlagBinlogPositionPresent,
		ValidityPoint:      time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC),
		StartTime:          time.Date(2026, 7, 31, 11, 59, 0, 0, time.UTC),
		EndTime:            time.Date(2026, 7, 31, 12, 1, 0, 0, time.UTC),
		BinlogFile:         "binlog.000123",
		BinlogPos:          4096,
	}
	require.NoError(t, w.WriteHeader(hdr, c.Snapshots()))
	require.NoError(t, w.WriteCatalogue(c))
	require.NoError(t, w.WriteMetadata([]MetaEntry{
		{Tag: catalog.TagTable, SnapshotNo: 1, Pos: 0, CreateStatement: []byte("CREATE TABLE t1 (...)")},
	}))

	require.NoError(t, w.WriteDataChunk(DataChunk{SnapshotNo: 1, TableNo: 0, Flags: 0, Payload: []byte("row-bytes-1")}))
	require.NoError(t, w.WriteDataChunk(DataChunk{SnapshotNo: 1, TableNo: 0, Flags: FlagLastChunk, Payload: nil}))
	require.NoError(t, w.WriteDataChunk(DataChunk{SnapshotNo: 2, TableNo: 1, Flags: FlagLastChunk, Payload: []byte("x")}))
	require.NoError(t, w.WriteEndOfData())

	require.NoError(t, w.WriteSummary(Summary{
		StartTime: hdr.StartTime,
		EndTime:   hdr.EndTime,
		Counters:  map[uint16]DriverCounters{1: {BytesOut: 11, Rows: 1}, 2: {BytesOut: 1, Rows: 1}},
	}))
	require.NoError(t, sf.Close(false))

	sr, err := streamfile.OpenRead(path)
	require.NoError(t, err)
	defer sr.Close()
	rd := NewReader(sr)

	require.NoError(t, rd.ReadPreamble())

	gotHdr, snapshots, err := rd.ReadHeader()
	require.NoError(t, err)
	require.Equal(t, hdr.ServerVersionExtra, gotHdr.ServerVersionExtra)
	require.True(t, gotHdr.ValidityPoint.Equal(hdr.ValidityPoint))
	require.Equal(t, hdr.BinlogFile, gotHdr.BinlogFile)
	require.Len(t, snapshots, 2)

	gotCat, err := rd.ReadCatalogue(snapshots)
	require.NoError(t, err)

	db, err := gotCat.GetDB(0)
	require.NoError(t, err)
	require.Equal(t, "d", db.Name)
	require.Len(t, db.Tables(), 2)
	require.Len(t, db.DBObjects(), 3)

	t1, err := gotCat.GetTable(1, 0)
	require.NoError(t, err)
	require.Equal(t, "t1", t1.Name)
	t2, err := gotCat.GetTable(2, 0)
	require.NoError(t, err)
	require.Equal(t, "t2", t2.Name)

	meta, err := rd.ReadMetaData()
	require.NoError(t, err)
	require.Len(t, meta, 1)
	require.Equal(t, []byte("CREATE TABLE t1 (...)"), meta[0].CreateStatement)

	var chunks []DataChunk
	for {
		dc, ok, err := rd.ReadDataChunk()
		require.NoError(t, err)
		if !ok {
			break
		}
		chunks = append(chunks, dc)
	}
	require.Len(t, chunks, 3)
	require.Equal(t, []byte("row-bytes-1"), chunks[0].Payload)

	summary, err := rd.ReadSummary()
	require.NoError(t, err)
	require.Equal(t, uint64(11), summary.Counters[1].BytesOut)
}

func TestEmptyCatalogRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "empty.bin")

	c := catalog.New()
	sf, err := streamfile.OpenWrite(path, streamfile.Options{})
	require.NoError(t, err)
	w := NewWriter(sf)
	require.NoError(t, w.WritePreamble())
	now := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)
	require.NoError(t, w.WriteHeader(catalog.Header{FormatVersion: 1, StartTime: now, EndTime: now}, nil))
	require.NoError(t, w.WriteCatalogue(c))
	require.NoError(t, w.WriteMetadata(nil))
	require.NoError(t, w.WriteEndOfData())
	require.NoError(t, w.WriteSummary(Summary{StartTime: now, EndTime: now}))
	require.NoError(t, sf.Close(false))

	sr, err := streamfile.OpenRead(path)
	require.NoError(t, err)
	defer sr.Close()
	rd := NewReader(sr)
	require.NoError(t, rd.ReadPreamble())
	_, snapshots, err := rd.ReadHeader()
	require.NoError(t, err)
	require.Empty(t, snapshots)
	gotCat, err := rd.ReadCatalogue(snapshots)
	require.NoError(t, err)
	require.Empty(t, gotCat.DBs())
	require.Empty(t, gotCat.Tablespaces())
}
