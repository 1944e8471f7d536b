package image

import "github.com/polarsignals/imgbackup/catalog"

func encodeSnapshotDescriptor(w *byteWriter, d catalog.SnapshotDescriptor) {
	w.u8(uint8(d.Kind))
	w.u32(d.DriverVersion)
	w.u32(d.TableCount)
	if d.Kind == catalog.SnapshotNative {
		w.str(d.EngineName)
		w.u16(d.EngineMajor)
		w.u16(d.EngineMinor)
	}
}

func decodeSnapshotDescriptor(r *byteReader) (catalog.SnapshotDescriptor, error) {
	var d catalog.SnapshotDescriptor
	kind, err := r.u8()
	if err != nil {
		return d, err
	}
	d.Kind = catalog.SnapshotKind(kind)
	if d.DriverVersion, err = r.u32(); err != nil {
		return d, err
	}
	if d.TableCount, err = r.u32(); err != nil {
		return d, err
	}
	if d.Kind == catalog.SnapshotNative {
		if d.EngineName, err = r.str(); err != nil {
			return d, err
		}
		if d.EngineMajor, err = r.u16(); err != nil {
			return d, err
		}
		if d.EngineMinor, err = r.u16(); err != nil {
			return d, err
		}
	}
	return d, nil
}

func encodeHeader(h catalog.Header, snapshots []catalog.SnapshotDescriptor) []byte {
	w := &byteWriter{}
	w.u16(h.FormatVersion)
	w.u32(uint32(h.ServerVersionMajor))
	w.u32(uint32(h.ServerVersionMinor))
	w.u32(uint32(h.ServerVersionPatch))
	w.str(h.ServerVersionExtra)
	w.u32(uint32(h.Flags))
	encodeTime(w, h.ValidityPoint)
	encodeTime(w, h.StartTime)
	encodeTime(w, h.EndTime)
	if h.Flags.Has(catalog.FlagBinlogPositionPresent) {
		w.str(h.BinlogFile)
		w.u32(h.BinlogPos)
	}
	w.u16(uint16(len(snapshots)))
	for _, d := range snapshots {
		encodeSnapshotDescriptor(w, d)
	}
	return w.Bytes()
}

func decodeHeader(b []byte) (catalog.Header, []catalog.SnapshotDescriptor, error) {
	r := newByteReader(b)
	var h catalog.Header
	var err error

	if h.FormatVersion, err = r.u16(); err != nil {
		return h, nil, err
	}
	var major, minor, patch uint32
	if major, err = r.u32(); err != nil {
		return h, nil, err
	}
	if minor, err = r.u32(); err != nil {
		return h, nil, err
	}
	if patch, err = r.u32(); err != nil {
		return h, nil, err
	}
	h.ServerVersionMajor, h.ServerVersionMinor, h.ServerVersionPatch = int(major), int(minor), int(patch)
	if h.ServerVersionExtra, err = r.str(); err != nil {
		return h, nil, err
	}
	var flags uint32
	if flags, err = r.u32(); err != nil {
		return h, nil, err
	}
	h.Flags = catalog.HeaderFlags(flags)
	if h.ValidityPoint, err = decodeTime(r); err != nil {
		return h, nil, err
	}
	if h.StartTime, err = decodeTime(r); err != nil {
		return h, nil, err
	}
	if h.EndTime, err = decodeTime(r); err != nil {
		return h, nil, err
	}
	if h.Flags.Has(catalog.FlagBinlogPositionPresent) {
		if h.BinlogFile, err = r.str(); err != nil {
			return h, nil, err
		}
		if h.BinlogPos, err = r.u32(); err != nil {
			return h, nil, err
		}
	}
	count, err := r.u16()
	if err != nil {
		return h, nil, err
	}
	snapshots := make([]catalog.SnapshotDescriptor, count)
	for i := range snapshots {
		d, err := decodeSnapshotDescriptor(r)
		if err != nil {
			return h, nil, err
		}
		snapshots[i] = d
	}
	return h, snapshots, nil
}
