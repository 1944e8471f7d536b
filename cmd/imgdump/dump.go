package main

import (
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"

	"github.com/polarsignals/imgbackup/catalog"
	"github.com/polarsignals/imgbackup/image"
	"github.com/polarsignals/imgbackup/streamfile"
)

// runDump opens the image at path and prints whichever sections opts asks
// for, in the sections' own on-disk order. Every section is read off the
// stream regardless of whether it is printed, since the sections are
// chunked sequentially and there is no seeking back.
func runDump(out io.Writer, path string, opts dumpOptions) error {
	if opts.all {
		opts.catalogSummary = true
		opts.catalogDetails = true
		opts.metadataStatements = true
		opts.metadataExtra = true
		opts.dataTotals = true
		opts.summary = true
		opts.imageOrder = true
	}

	sf, err := streamfile.OpenRead(path)
	if err != nil {
		return err
	}
	defer sf.Close()

	r := image.NewReader(sf)
	if err := r.ReadPreamble(); err != nil {
		return err
	}
	header, snapshots, err := r.ReadHeader()
	if err != nil {
		return err
	}
	cat, err := r.ReadCatalogue(snapshots)
	if err != nil {
		return err
	}
	metaEntries, err := r.ReadMetaData()
	if err != nil {
		return err
	}

	totals := map[tableKey]*tableTotal{}
	var chunkCount int
	var chunkLines []string
	for {
		dc, ok, err := r.ReadDataChunk()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		chunkCount++
		if opts.dataChunks {
			chunkLines = append(chunkLines, fmt.Sprintf("chunk snapshot=%d table=%d bytes=%s last=%v\n",
				dc.SnapshotNo, dc.TableNo, sizeStr(uint64(len(dc.Payload)), opts.exact), dc.Flags&image.FlagLastChunk != 0))
		}
		k := tableKey{dc.SnapshotNo, dc.TableNo}
		tt := totals[k]
		if tt == nil {
			tt = &tableTotal{snapshotNo: dc.SnapshotNo, tableNo: dc.TableNo}
			totals[k] = tt
		}
		tt.bytes += uint64(len(dc.Payload))
		tt.chunks++
	}

	summary, err := r.ReadSummary()
	if err != nil {
		return err
	}

	if opts.snapshots {
		printSnapshots(out, snapshots)
	}
	if opts.catalogSummary {
		printCatalogSummary(out, cat)
	}
	if opts.catalogDetails {
		printCatalogDetails(out, cat)
	}
	if opts.imageOrder {
		printImageOrder(out, cat)
	}
	if opts.metadataStatements {
		printMetadataStatements(out, metaEntries)
	}
	if opts.metadataExtra {
		printMetadataExtra(out, metaEntries, opts.exact)
	}
	for _, line := range chunkLines {
		fmt.Fprint(out, line)
	}
	if opts.dataTotals {
		printDataTotals(out, totals, opts.exact)
	}
	if opts.summary {
		printSummary(out, header, summary, opts.exact)
	}
	if opts.search != "" {
		runSearch(out, cat, opts.search)
	}

	return nil
}

type tableKey struct {
	snapshotNo uint16
	tableNo    uint32
}

type tableTotal struct {
	snapshotNo uint16
	tableNo    uint32
	bytes      uint64
	chunks     uint64
}

func sizeStr(n uint64, exact bool) string {
	if exact {
		return strconv.FormatUint(n, 10)
	}
	return humanize.Bytes(n)
}

func printSnapshots(out io.Writer, snapshots []catalog.SnapshotDescriptor) {
	fmt.Fprintln(out, "snapshots:")
	for i, s := range snapshots {
		fmt.Fprintf(out, "  #%d kind=%s driver_version=%d tables=%d", i+1, s.Kind, s.DriverVersion, s.TableCount)
		if s.Kind == catalog.SnapshotNative {
			fmt.Fprintf(out, " engine=%s/%d.%d", s.EngineName, s.EngineMajor, s.EngineMinor)
		}
		fmt.Fprintln(out)
	}
}

func printCatalogSummary(out io.Writer, cat *catalog.Catalog) {
	counts := map[catalog.Tag]int{}
	for _, ts := range cat.Tablespaces() {
		counts[ts.Tag()]++
	}
	for _, db := range cat.DBs() {
		counts[db.Tag()]++
		for _, t := range db.Tables() {
			counts[t.Tag()]++
		}
		for _, o := range db.DBObjects() {
			counts[o.Tag()]++
		}
	}
	fmt.Fprintln(out, "catalog summary:")
	for _, tag := range []catalog.Tag{
		catalog.TagTablespace, catalog.TagDatabase, catalog.TagTable, catalog.TagView,
		catalog.TagStoredProcedure, catalog.TagStoredFunction, catalog.TagEvent,
		catalog.TagTrigger, catalog.TagPrivilege,
	} {
		fmt.Fprintf(out, "  %-17s %d\n", tag.String(), counts[tag])
	}
}

func printCatalogDetails(out io.Writer, cat *catalog.Catalog) {
	tw := tablewriter.NewWriter(out)
	tw.SetHeader([]string{"Tag", "Name", "DB", "Coord"})
	for _, it := range cat.ImageOrder() {
		owner, coord := itemOwnerAndCoord(cat, it)
		tw.Append([]string{it.Tag().String(), it.ItemName(), owner, coord})
	}
	tw.Render()
}

func printImageOrder(out io.Writer, cat *catalog.Catalog) {
	fmt.Fprintln(out, "image order:")
	for i, it := range cat.ImageOrder() {
		fmt.Fprintf(out, "  %d: %s %s\n", i, it.Tag(), it.ItemName())
	}
}

func printMetadataStatements(out io.Writer, entries []image.MetaEntry) {
	fmt.Fprintln(out, "metadata statements:")
	for _, e := range entries {
		if len(e.CreateStatement) == 0 {
			continue
		}
		fmt.Fprintf(out, "  [%s %s]\n%s\n", e.Tag, metaCoord(e), string(e.CreateStatement))
	}
}

func printMetadataExtra(out io.Writer, entries []image.MetaEntry, exact bool) {
	fmt.Fprintln(out, "metadata extra blobs:")
	for _, e := range entries {
		if len(e.ExtraData) == 0 {
			continue
		}
		fmt.Fprintf(out, "  [%s %s] %s\n", e.Tag, metaCoord(e), sizeStr(uint64(len(e.ExtraData)), exact))
	}
}

func metaCoord(e image.MetaEntry) string {
	switch e.Tag {
	case catalog.TagTablespace, catalog.TagDatabase:
		return fmt.Sprintf("pos=%d", e.Pos)
	case catalog.TagTable:
		return fmt.Sprintf("snapshot=%d pos=%d", e.SnapshotNo, e.Pos)
	default:
		if e.ParentPos < 0 {
			return fmt.Sprintf("db=%d pos=%d", e.DBNo, e.Pos)
		}
		return fmt.Sprintf("db=%d table_pos=%d pos=%d", e.DBNo, e.ParentPos, e.Pos)
	}
}

func printDataTotals(out io.Writer, totals map[tableKey]*tableTotal, exact bool) {
	tw := tablewriter.NewWriter(out)
	tw.SetHeader([]string{"Snapshot", "Table", "Chunks", "Bytes"})
	for _, tt := range totals {
		tw.Append([]string{
			strconv.FormatUint(uint64(tt.snapshotNo), 10),
			strconv.FormatUint(uint64(tt.tableNo), 10),
			strconv.FormatUint(tt.chunks, 10),
			sizeStr(tt.bytes, exact),
		})
	}
	tw.Render()
}

func printSummary(out io.Writer, header catalog.Header, s image.Summary, exact bool) {
	fmt.Fprintln(out, "summary:")
	fmt.Fprintf(out, "  validity point: %s\n", header.ValidityPoint)
	fmt.Fprintf(out, "  start:          %s\n", s.StartTime)
	fmt.Fprintf(out, "  end:            %s\n", s.EndTime)
	for sn, c := range s.Counters {
		fmt.Fprintf(out, "  snapshot %d: rows=%d bytes=%s\n", sn, c.Rows, sizeStr(c.BytesOut, exact))
	}
}

// itemOwnerAndCoord returns the owning database's name (or "-" for
// database-less items) and a human coordinate string for catalog-details
// and search output.
func itemOwnerAndCoord(cat *catalog.Catalog, it catalog.Item) (owner, coord string) {
	switch v := it.(type) {
	case *catalog.Tablespace:
		return "-", fmt.Sprintf("pos=%d", v.Pos)
	case *catalog.Database:
		return "-", fmt.Sprintf("pos=%d", v.Pos)
	case *catalog.Table:
		return dbName(cat, v.DBNo), fmt.Sprintf("snapshot=%d snapshot_pos=%d db_pos=%d", v.SnapshotNo, v.Pos, v.DBPos)
	case *catalog.View:
		return dbName(cat, v.DBNo), fmt.Sprintf("pos=%d", v.Pos)
	case *catalog.StoredProcedure:
		return dbName(cat, v.DBNo), fmt.Sprintf("pos=%d", v.Pos)
	case *catalog.StoredFunction:
		return dbName(cat, v.DBNo), fmt.Sprintf("pos=%d", v.Pos)
	case *catalog.Event:
		return dbName(cat, v.DBNo), fmt.Sprintf("pos=%d", v.Pos)
	case *catalog.Trigger:
		scope := "database"
		if v.TablePos >= 0 {
			scope = fmt.Sprintf("table_pos=%d", v.TablePos)
		}
		return dbName(cat, v.DBNo), fmt.Sprintf("pos=%d scope=%s", v.Pos, scope)
	case *catalog.Privilege:
		return dbName(cat, v.DBNo), fmt.Sprintf("pos=%d unique_id=%d", v.Pos, v.UniqueID)
	default:
		return "-", ""
	}
}

func dbName(cat *catalog.Catalog, dbNo int) string {
	db, err := cat.GetDB(dbNo)
	if err != nil {
		return "-"
	}
	return db.Name
}

// runSearch matches --search against both an item's bare name and its
// db-qualified name, allowing SQL-style % and _ wildcards and stripping a
// single layer of surrounding quote characters.
func runSearch(out io.Writer, cat *catalog.Catalog, pattern string) {
	pattern = stripQuotes(pattern)
	re := sqlLikeToRegexp(pattern)

	fmt.Fprintf(out, "search %q:\n", pattern)
	for _, it := range cat.ImageOrder() {
		owner, coord := itemOwnerAndCoord(cat, it)
		name := it.ItemName()
		qualified := name
		if owner != "-" {
			qualified = owner + "." + name
		}
		if re.MatchString(name) || re.MatchString(qualified) {
			fmt.Fprintf(out, "  %s %s (db=%s) %s\n", it.Tag(), name, owner, coord)
		}
	}
}

func stripQuotes(s string) string {
	if len(s) >= 2 {
		c := s[0]
		if (c == '\'' || c == '"' || c == '`') && s[len(s)-1] == c {
			return s[1 : len(s)-1]
		}
	}
	return s
}

func sqlLikeToRegexp(pattern string) *regexp.Regexp {
	var sb strings.Builder
	sb.WriteString("^")
	for _, r := range pattern {
		switch r {
		case '%':
			sb.WriteString(".*")
		case '_':
			sb.WriteString(".")
		default:
			sb.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	sb.WriteString("$")
	return regexp.MustCompile(sb.String())
}
