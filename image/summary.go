package image

import "time"

// Summary is the end-of-image section: end timestamps plus driver-reported
// counters, keyed by the same snapshot number used on data chunks.
type Summary struct {
	StartTime time.Time
	EndTime   time.Time
	// Counters maps snapshot number to bytes and rows reported by that
	// snapshot's driver(s).
	Counters map[uint16]DriverCounters
}

// DriverCounters is what a single driver reports at the end of a backup.
type DriverCounters struct {
	BytesOut uint64
	Rows     uint64
}

func encodeSummary(s Summary) []byte {
	w := &byteWriter{}
	encodeTime(w, s.StartTime)
	encodeTime(w, s.EndTime)
	w.u32(uint32(len(s.Counters)))
	for sn, c := range s.Counters {
		w.u16(sn)
		w.u64(c.BytesOut)
		w.u64(c.Rows)
	}
	return w.Bytes()
}

func decodeSummary(b []byte) (Summary, error) {
	r := newByteReader(b)
	var s Summary
	var err error
	if s.StartTime, err = decodeTime(r); err != nil {
		return s, err
	}
	if s.EndTime, err = decodeTime(r); err != nil {
		return s, err
	}
	count, err := r.u32()
	if err != nil {
		return s, err
	}
	s.Counters = make(map[uint16]DriverCounters, count)
	for i := uint32(0); i < count; i++ {
		sn, err := r.u16()
		if err != nil {
			return s, err
		}
		bytesOut, err := r.u64()
		if err != nil {
			return s, err
		}
		rows, err := r.u64()
		if err != nil {
			return s, err
		}
		s.Counters[sn] = DriverCounters{BytesOut: bytesOut, Rows: rows}
	}
	return s, nil
}
