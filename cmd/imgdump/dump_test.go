package main

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/polarsignals/imgbackup/catalog"
	"github.com/polarsignals/imgbackup/image"
	"github.com/polarsignals/imgbackup/streamfile"
)

func writeSampleImage(t *testing.T, path string) {
	t.Helper()

	c := catalog.New()
	db, err := c.AddDatabase("shop", 0)
	require.NoError(t, err)
	h, err := c.AddSnapshot(catalog.SnapshotDescriptor{Kind: catalog.SnapshotDefaultBlocking, DriverVersion: 1})
	require.NoError(t, err)
	_, err = c.AddTable(db.Pos, "orders", h, 0)
	require.NoError(t, err)

	sf, err := streamfile.OpenWrite(path, streamfile.Options{})
	require.NoError(t, err)
	w := image.NewWriter(sf)
	require.NoError(t, w.WritePreamble())

	now := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)
	require.NoError(t, w.WriteHeader(catalog.Header{FormatVersion: 1, StartTime: now, EndTime: now, ValidityPoint: now}, c.Snapshots()))
	require.NoError(t, w.WriteCatalogue(c))
	require.NoError(t, w.WriteMetadata([]image.MetaEntry{
		{Tag: catalog.TagTable, SnapshotNo: 1, Pos: 0, CreateStatement: []byte("CREATE TABLE orders (...)")},
	}))
	require.NoError(t, w.WriteDataChunk(image.DataChunk{SnapshotNo: 1, TableNo: 0, Payload: []byte("0123456789")}))
	require.NoError(t, w.WriteDataChunk(image.DataChunk{SnapshotNo: 1, TableNo: 0, Flags: image.FlagLastChunk}))
	require.NoError(t, w.WriteEndOfData())
	require.NoError(t, w.WriteSummary(image.Summary{
		StartTime: now, EndTime: now,
		Counters: map[uint16]image.DriverCounters{1: {BytesOut: 10, Rows: 1}},
	}))
	require.NoError(t, sf.Close(false))
}

func TestRunDumpCatalogSummary(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sample.img")
	writeSampleImage(t, path)

	var out bytes.Buffer
	err := runDump(&out, path, dumpOptions{catalogSummary: true})
	require.NoError(t, err)
	require.Contains(t, out.String(), "database")
	require.Contains(t, out.String(), "table")
}

func TestRunDumpSearchFindsTable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sample.img")
	writeSampleImage(t, path)

	var out bytes.Buffer
	err := runDump(&out, path, dumpOptions{search: "'ord%'"})
	require.NoError(t, err)
	require.Contains(t, out.String(), "orders")
}

func TestRunDumpAllCoversSections(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sample.img")
	writeSampleImage(t, path)

	var out bytes.Buffer
	err := runDump(&out, path, dumpOptions{all: true, exact: true})
	require.NoError(t, err)
	s := out.String()
	require.Contains(t, s, "orders")
	require.Contains(t, s, "CREATE TABLE orders")
	require.Contains(t, s, "summary:")
}
