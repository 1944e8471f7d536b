package image

// DataChunkFlags is the bitmap carried alongside each data chunk.
type DataChunkFlags uint8

const (
	// FlagLastChunk marks the final chunk a driver will emit for a given
	// (snapshot, table) pair.
	FlagLastChunk DataChunkFlags = 1 << iota
)

// DataChunk is one frame of table payload data, possibly interleaved on the
// wire with chunks from other tables and snapshots.
type DataChunk struct {
	SnapshotNo uint16
	TableNo    uint32
	Flags      DataChunkFlags
	Payload    []byte
}

// endOfDataSnapshotNo is written once, after the last real data chunk, to
// signal the end of the data-chunks section. SnapshotNo 0 is never used by
// a real table (assigned snapshot numbers start at 1), so it is safe as a
// section-end sentinel without stealing a byte from the common case.
const endOfDataSnapshotNo uint16 = 0

func encodeDataChunk(c DataChunk) []byte {
	w := &byteWriter{}
	w.u16(c.SnapshotNo)
	w.u32(c.TableNo)
	w.u8(uint8(c.Flags))
	w.bytesField(c.Payload)
	return w.Bytes()
}

func encodeEndOfData() []byte {
	w := &byteWriter{}
	w.u16(endOfDataSnapshotNo)
	w.u32(0)
	w.u8(0)
	w.bytesField(nil)
	return w.Bytes()
}

func decodeDataChunk(b []byte) (DataChunk, bool, error) {
	r := newByteReader(b)
	sn, err := r.u16()
	if err != nil {
		return DataChunk{}, false, err
	}
	tableNo, err := r.u32()
	if err != nil {
		return DataChunk{}, false, err
	}
	flags, err := r.u8()
	if err != nil {
		return DataChunk{}, false, err
	}
	payload, err := r.bytesField()
	if err != nil {
		return DataChunk{}, false, err
	}
	if sn == endOfDataSnapshotNo {
		return DataChunk{}, true, nil // end of data-chunks section
	}
	if len(payload) == 0 && flags&uint8(FlagLastChunk) == 0 {
		return DataChunk{}, false, formatErrorf("zero-length chunk payload is only legal as a LAST marker")
	}
	return DataChunk{
		SnapshotNo: sn,
		TableNo:    tableNo,
		Flags:      DataChunkFlags(flags),
		Payload:    payload,
	}, false, nil
}
