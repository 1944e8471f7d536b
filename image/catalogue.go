package image

import (
	"sort"

	"github.com/polarsignals/imgbackup/catalog"
)

// noTablePos marks a database-scoped trigger (no owning table) on the
// wire, since -1 cannot be written as a u32.
const noTablePos uint32 = 0xFFFFFFFF

// encodeCatalogue serializes the catalogue section: charsets (reserved,
// always empty — Open Question 1 in spec.md §9), tablespaces, users
// (reserved, always empty), databases, and for each database its tables
// followed by its non-table objects.
func encodeCatalogue(c *catalog.Catalog) []byte {
	w := &byteWriter{}

	w.u32(0) // charsets: reserved, emitted empty per spec.md §9 Open Question 1

	tablespaces := c.Tablespaces()
	w.u32(uint32(len(tablespaces)))
	for _, ts := range tablespaces {
		w.u32(uint32(ts.Pos))
		w.str(ts.Name)
	}

	w.u32(0) // users: reserved, emitted empty per spec.md §9 Open Question 1

	dbs := c.DBs()
	w.u32(uint32(len(dbs)))
	for _, db := range dbs {
		w.u32(uint32(db.Pos))
		w.str(db.Name)

		tables := db.Tables()
		w.u32(uint32(len(tables)))
		for _, t := range tables {
			w.u16(t.SnapshotNo)
			w.u32(uint32(t.Pos))
			w.str(t.Name)
		}

		objects := db.DBObjects()
		w.u32(uint32(len(objects)))
		for _, it := range objects {
			encodeDBObject(w, it)
		}
	}

	return w.Bytes()
}

func encodeDBObject(w *byteWriter, it catalog.Item) {
	w.u8(uint8(it.Tag()))
	switch v := it.(type) {
	case *catalog.View:
		w.u32(uint32(v.Pos))
		w.str(v.Name)
	case *catalog.StoredProcedure:
		w.u32(uint32(v.Pos))
		w.str(v.Name)
	case *catalog.StoredFunction:
		w.u32(uint32(v.Pos))
		w.str(v.Name)
	case *catalog.Event:
		w.u32(uint32(v.Pos))
		w.str(v.Name)
	case *catalog.Trigger:
		if v.TablePos < 0 {
			w.u32(noTablePos)
		} else {
			w.u32(uint32(v.TablePos))
		}
		w.u32(uint32(v.Pos))
		w.str(v.Name)
	case *catalog.Privilege:
		w.u32(uint32(v.Pos))
		w.u32(v.UniqueID)
		w.str(v.Name)
	}
}

type pendingTable struct {
	dbPos      int
	dbTablePos int
	name       string
	snapshotNo uint16
	snapshotPos int
}

// decodeCatalogue reconstructs a *catalog.Catalog from a catalogue-section
// payload. snapshots must already be known (decoded from the header).
func decodeCatalogue(b []byte, snapshots []catalog.SnapshotDescriptor) (*catalog.Catalog, error) {
	r := newByteReader(b)
	c := catalog.New()

	charsetCount, err := r.u32()
	if err != nil {
		return nil, err
	}
	for i := uint32(0); i < charsetCount; i++ {
		// Reserved container; not modeled and always written with a count
		// of 0. Any entry in it is rejected as a format error.
		return nil, formatErrorf("unexpected charset entries in reserved container")
	}

	tsCount, err := r.u32()
	if err != nil {
		return nil, err
	}
	for i := uint32(0); i < tsCount; i++ {
		pos, err := r.u32()
		if err != nil {
			return nil, err
		}
		name, err := r.str()
		if err != nil {
			return nil, err
		}
		if _, err := c.AddTablespace(name, int(pos)); err != nil {
			return nil, err
		}
	}

	userCount, err := r.u32()
	if err != nil {
		return nil, err
	}
	if userCount != 0 {
		return nil, formatErrorf("unexpected user entries in reserved container")
	}

	// Pre-register every snapshot descriptor from the header, in order, so
	// assigned numbers 1..N match exactly (every one is known to have had
	// at least one table when the image was written).
	for _, d := range snapshots {
		d.TableCount = 0 // RestoreTable below re-accumulates the true count
		if _, err := c.RestoreSnapshot(d); err != nil {
			return nil, err
		}
	}

	dbCount, err := r.u32()
	if err != nil {
		return nil, err
	}

	var pendingTables []pendingTable

	for i := uint32(0); i < dbCount; i++ {
		pos, err := r.u32()
		if err != nil {
			return nil, err
		}
		name, err := r.str()
		if err != nil {
			return nil, err
		}
		if _, err := c.AddDatabase(name, int(pos)); err != nil {
			return nil, err
		}

		tableCount, err := r.u32()
		if err != nil {
			return nil, err
		}
		for j := uint32(0); j < tableCount; j++ {
			snapshotNo, err := r.u16()
			if err != nil {
				return nil, err
			}
			snapshotPos, err := r.u32()
			if err != nil {
				return nil, err
			}
			name, err := r.str()
			if err != nil {
				return nil, err
			}
			pendingTables = append(pendingTables, pendingTable{
				dbPos:       int(pos),
				dbTablePos:  int(j),
				name:        name,
				snapshotNo:  snapshotNo,
				snapshotPos: int(snapshotPos),
			})
		}

		objCount, err := r.u32()
		if err != nil {
			return nil, err
		}
		if err := decodeDBObjectsInto(c, int(pos), r, objCount); err != nil {
			return nil, err
		}
	}

	// Reproduce the original (snapshot_no, snapshot_pos) ordering exactly,
	// independent of database iteration order, per spec.md §8 invariant 1.
	sort.SliceStable(pendingTables, func(i, j int) bool {
		if pendingTables[i].snapshotNo != pendingTables[j].snapshotNo {
			return pendingTables[i].snapshotNo < pendingTables[j].snapshotNo
		}
		return pendingTables[i].snapshotPos < pendingTables[j].snapshotPos
	})
	for _, pt := range pendingTables {
		if _, err := c.RestoreTable(pt.dbPos, pt.name, pt.snapshotNo, pt.dbTablePos); err != nil {
			return nil, err
		}
	}

	return c, nil
}

func decodeDBObjectsInto(c *catalog.Catalog, dbPos int, r *byteReader, count uint32) error {
	for i := uint32(0); i < count; i++ {
		tagByte, err := r.u8()
		if err != nil {
			return err
		}
		tag := catalog.Tag(tagByte)
		switch tag {
		case catalog.TagView:
			pos, err := r.u32()
			if err != nil {
				return err
			}
			name, err := r.str()
			if err != nil {
				return err
			}
			if _, err := c.AddView(dbPos, name, int(pos)); err != nil {
				return err
			}
		case catalog.TagStoredProcedure:
			pos, err := r.u32()
			if err != nil {
				return err
			}
			name, err := r.str()
			if err != nil {
				return err
			}
			if _, err := c.AddStoredProcedure(dbPos, name, int(pos)); err != nil {
				return err
			}
		case catalog.TagStoredFunction:
			pos, err := r.u32()
			if err != nil {
				return err
			}
			name, err := r.str()
			if err != nil {
				return err
			}
			if _, err := c.AddStoredFunction(dbPos, name, int(pos)); err != nil {
				return err
			}
		case catalog.TagEvent:
			pos, err := r.u32()
			if err != nil {
				return err
			}
			name, err := r.str()
			if err != nil {
				return err
			}
			if _, err := c.AddEvent(dbPos, name, int(pos)); err != nil {
				return err
			}
		case catalog.TagTrigger:
			tablePos, err := r.u32()
			if err != nil {
				return err
			}
			pos, err := r.u32()
			if err != nil {
				return err
			}
			name, err := r.str()
			if err != nil {
				return err
			}
			tp := int(tablePos)
			if tablePos == noTablePos {
				tp = -1
			}
			if _, err := c.AddTrigger(dbPos, tp, name, int(pos)); err != nil {
				return err
			}
		case catalog.TagPrivilege:
			pos, err := r.u32()
			if err != nil {
				return err
			}
			uniqueID, err := r.u32()
			if err != nil {
				return err
			}
			name, err := r.str()
			if err != nil {
				return err
			}
			if _, err := c.AddPrivilege(dbPos, name, uniqueID, int(pos)); err != nil {
				return err
			}
		default:
			// Unknown item type. The format has no per-item length prefix,
			// so the reader cannot step over such an entry: it is rejected
			// as a format error and the catalogue is not decoded. Unknown
			// items are not skipped.
			return formatErrorf("unsupported-item-type: %d", tagByte)
		}
	}
	return nil
}
