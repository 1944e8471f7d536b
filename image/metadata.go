package image

import "github.com/polarsignals/imgbackup/catalog"

// MetaEntry is one item's metadata blobs plus the coordinate needed to
// re-associate it with a catalogue item on restore. Items with no recorded
// metadata simply have no MetaEntry (spec.md §4.3: "absence of an entry
// means no metadata recorded").
type MetaEntry struct {
	Tag        catalog.Tag
	DBNo       int // not on the wire for tablespaces, databases and tables; decoded as -1 for them
	SnapshotNo uint16
	ParentPos  int // table position within its database, for table-scoped items; -1 otherwise
	Pos        int

	CreateStatement []byte
	ExtraData       []byte
}

func encodeMetadata(entries []MetaEntry) []byte {
	w := &byteWriter{}
	w.u32(uint32(len(entries)))
	for _, e := range entries {
		w.u8(uint8(e.Tag))
		switch e.Tag {
		case catalog.TagTablespace:
			w.u32(uint32(e.Pos))
		case catalog.TagDatabase:
			w.u32(uint32(e.Pos))
		case catalog.TagTable:
			w.u16(e.SnapshotNo)
			w.u32(uint32(e.Pos))
		default:
			w.u32(uint32(e.DBNo))
			if e.ParentPos < 0 {
				w.u32(noTablePos)
			} else {
				w.u32(uint32(e.ParentPos))
			}
			w.u32(uint32(e.Pos))
		}
		w.bytesField(e.CreateStatement)
		w.bytesField(e.ExtraData)
	}
	return w.Bytes()
}

func decodeMetadata(b []byte) ([]MetaEntry, error) {
	r := newByteReader(b)
	count, err := r.u32()
	if err != nil {
		return nil, err
	}
	entries := make([]MetaEntry, 0, count)
	for i := uint32(0); i < count; i++ {
		tagByte, err := r.u8()
		if err != nil {
			return nil, err
		}
		e := MetaEntry{Tag: catalog.Tag(tagByte), DBNo: -1, ParentPos: -1}
		switch e.Tag {
		case catalog.TagTablespace, catalog.TagDatabase:
			pos, err := r.u32()
			if err != nil {
				return nil, err
			}
			e.Pos = int(pos)
		case catalog.TagTable:
			sn, err := r.u16()
			if err != nil {
				return nil, err
			}
			pos, err := r.u32()
			if err != nil {
				return nil, err
			}
			e.SnapshotNo = sn
			e.Pos = int(pos)
		default:
			dbNo, err := r.u32()
			if err != nil {
				return nil, err
			}
			parentPos, err := r.u32()
			if err != nil {
				return nil, err
			}
			pos, err := r.u32()
			if err != nil {
				return nil, err
			}
			e.DBNo = int(dbNo)
			if parentPos == noTablePos {
				e.ParentPos = -1
			} else {
				e.ParentPos = int(parentPos)
			}
			e.Pos = int(pos)
		}
		if e.CreateStatement, err = r.bytesField(); err != nil {
			return nil, err
		}
		if e.ExtraData, err = r.bytesField(); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}
