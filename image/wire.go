// Package image implements the stream-level serializer: the six logical
// sections (preamble, header, catalogue, metadata, data-chunks, summary)
// layered on top of the streamfile chunk codec.
package image

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/polarsignals/imgbackup/ierrors"
)

const component = "image"

// byteWriter is a tiny hand-rolled binary encoder; the wire format here is
// spec-mandated fixed framing, not a structure a general serialization
// library like protobuf would help encode (see DESIGN.md).
type byteWriter struct {
	buf bytes.Buffer
}

func (w *byteWriter) u8(v uint8)   { w.buf.WriteByte(v) }
func (w *byteWriter) u16(v uint16) { var b [2]byte; binary.LittleEndian.PutUint16(b[:], v); w.buf.Write(b[:]) }
func (w *byteWriter) u32(v uint32) { var b [4]byte; binary.LittleEndian.PutUint32(b[:], v); w.buf.Write(b[:]) }
func (w *byteWriter) u64(v uint64) { var b [8]byte; binary.LittleEndian.PutUint64(b[:], v); w.buf.Write(b[:]) }

func (w *byteWriter) bytesField(b []byte) {
	w.u32(uint32(len(b)))
	w.buf.Write(b)
}

func (w *byteWriter) str(s string) { w.bytesField([]byte(s)) }

func (w *byteWriter) bool(b bool) {
	if b {
		w.u8(1)
	} else {
		w.u8(0)
	}
}

func (w *byteWriter) Bytes() []byte { return w.buf.Bytes() }

type byteReader struct {
	b   []byte
	pos int
}

func newByteReader(b []byte) *byteReader { return &byteReader{b: b} }

func (r *byteReader) need(n int) error {
	if r.pos+n > len(r.b) {
		return ierrors.New(ierrors.FormatError, component, "unexpected-end-of-stream")
	}
	return nil
}

func (r *byteReader) u8() (uint8, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	v := r.b[r.pos]
	r.pos++
	return v, nil
}

func (r *byteReader) u16() (uint16, error) {
	if err := r.need(2); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint16(r.b[r.pos:])
	r.pos += 2
	return v, nil
}

func (r *byteReader) u32() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint32(r.b[r.pos:])
	r.pos += 4
	return v, nil
}

func (r *byteReader) u64() (uint64, error) {
	if err := r.need(8); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint64(r.b[r.pos:])
	r.pos += 8
	return v, nil
}

func (r *byteReader) bytesField() ([]byte, error) {
	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	if err := r.need(int(n)); err != nil {
		return nil, err
	}
	out := r.b[r.pos : r.pos+int(n)]
	r.pos += int(n)
	return out, nil
}

func (r *byteReader) str() (string, error) {
	b, err := r.bytesField()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (r *byteReader) boolean() (bool, error) {
	v, err := r.u8()
	if err != nil {
		return false, err
	}
	return v != 0, nil
}

func (r *byteReader) remaining() int { return len(r.b) - r.pos }

func encodeTime(w *byteWriter, t time.Time) {
	u := t.UTC()
	w.u16(uint16(u.Year()))
	w.u8(uint8(u.Month()))
	w.u8(uint8(u.Day()))
	w.u8(uint8(u.Hour()))
	w.u8(uint8(u.Minute()))
	w.u8(uint8(u.Second()))
}

func decodeTime(r *byteReader) (time.Time, error) {
	year, err := r.u16()
	if err != nil {
		return time.Time{}, err
	}
	month, err := r.u8()
	if err != nil {
		return time.Time{}, err
	}
	day, err := r.u8()
	if err != nil {
		return time.Time{}, err
	}
	hour, err := r.u8()
	if err != nil {
		return time.Time{}, err
	}
	minute, err := r.u8()
	if err != nil {
		return time.Time{}, err
	}
	second, err := r.u8()
	if err != nil {
		return time.Time{}, err
	}
	return time.Date(int(year), time.Month(month), int(day), int(hour), int(minute), int(second), 0, time.UTC), nil
}

func formatErrorf(format string, args ...any) error {
	return ierrors.New(ierrors.FormatError, component, fmt.Sprintf(format, args...))
}
