package physlog

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	"github.com/polarsignals/imgbackup/ierrors"
)

const component = "physlog"

// entryWriter appends entries to a physical log file under a fine-grained
// mutex — spec.md §5 "Shared resources": "the physical log file is written
// concurrently by engine worker threads (they take a fine-grained log-write
// mutex)".
type entryWriter struct {
	mu sync.Mutex
	f  *os.File
}

func newEntryWriter(path string) (*entryWriter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, ierrors.Wrap(ierrors.IOError, component, err)
	}
	return &entryWriter{f: f}, nil
}

// Append writes e to the log. The entry is written *after* the caller's
// underlying file write has completed — the ordering proof in spec.md §9
// relies on this call happening strictly after the write it records.
func (w *entryWriter) Append(e Entry) error {
	buf := encodeEntry(e)
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.f.Write(buf); err != nil {
		return ierrors.Wrap(ierrors.IOError, component, err)
	}
	return nil
}

// Flush fsyncs the log file; called when the validity point closes the log.
func (w *entryWriter) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.f.Sync(); err != nil {
		return ierrors.Wrap(ierrors.IOError, component, err)
	}
	return nil
}

func (w *entryWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.f.Close()
}

func encodeEntry(e Entry) []byte {
	var buf bytes.Buffer
	op := uint8(e.Op)
	big := e.bigNumbers()
	if big {
		op |= bigNumbersBit
	}
	buf.WriteByte(op)

	if big {
		var fidBuf [4]byte
		binary.LittleEndian.PutUint32(fidBuf[:], e.FileID)
		buf.Write(fidBuf[:3])
	} else {
		var fidBuf [2]byte
		binary.LittleEndian.PutUint16(fidBuf[:], uint16(e.FileID))
		buf.Write(fidBuf[:])
	}

	switch e.Op {
	case OpOpen:
		writeLenPrefixed(&buf, []byte(e.Path))
	case OpWriteBytesData, OpWriteBytesIndex:
		writeOffset(&buf, e.Offset, big)
		writeLenPrefixed(&buf, e.Data)
	case OpChsizeIndex:
		writeOffset(&buf, e.Size, big)
	case OpClose:
		// file-id only
	}
	return buf.Bytes()
}

func writeOffset(buf *bytes.Buffer, v uint64, big bool) {
	if big {
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], v)
		buf.Write(b[:])
	} else {
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], uint32(v))
		buf.Write(b[:])
	}
}

func writeLenPrefixed(buf *bytes.Buffer, b []byte) {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(b)))
	buf.Write(lenBuf[:])
	buf.Write(b)
}

// entryReader decodes a sequence of entries previously written by
// entryWriter, from a fully-read-in-memory buffer (the whole log of one
// table is held in memory).
type entryReader struct {
	b   []byte
	pos int
}

func newEntryReader(b []byte) *entryReader { return &entryReader{b: b} }

// Next decodes the next entry, returning (Entry{}, false, nil) at end of
// buffer.
func (r *entryReader) Next() (Entry, bool, error) {
	if r.pos >= len(r.b) {
		return Entry{}, false, nil
	}
	opByte := r.b[r.pos]
	r.pos++
	big := opByte&bigNumbersBit != 0
	op := Opcode(opByte &^ bigNumbersBit)

	fid, err := r.readFileID(big)
	if err != nil {
		return Entry{}, false, err
	}
	e := Entry{Op: op, FileID: fid}

	switch op {
	case OpOpen:
		path, err := r.readLenPrefixedString()
		if err != nil {
			return Entry{}, false, err
		}
		e.Path = path
	case OpWriteBytesData, OpWriteBytesIndex:
		off, err := r.readOffset(big)
		if err != nil {
			return Entry{}, false, err
		}
		data, err := r.readLenPrefixed()
		if err != nil {
			return Entry{}, false, err
		}
		e.Offset, e.Data = off, data
	case OpChsizeIndex:
		size, err := r.readOffset(big)
		if err != nil {
			return Entry{}, false, err
		}
		e.Size = size
	case OpClose:
		// nothing further
	default:
		return Entry{}, false, ierrors.New(ierrors.FormatError, component, fmt.Sprintf("unknown physical-log opcode %d", op))
	}
	return e, true, nil
}

func (r *entryReader) need(n int) error {
	if r.pos+n > len(r.b) {
		return ierrors.New(ierrors.FormatError, component, "truncated physical log entry")
	}
	return nil
}

func (r *entryReader) readFileID(big bool) (uint32, error) {
	if big {
		if err := r.need(3); err != nil {
			return 0, err
		}
		var b [4]byte
		copy(b[:3], r.b[r.pos:r.pos+3])
		r.pos += 3
		return binary.LittleEndian.Uint32(b[:]), nil
	}
	if err := r.need(2); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint16(r.b[r.pos:])
	r.pos += 2
	return uint32(v), nil
}

func (r *entryReader) readOffset(big bool) (uint64, error) {
	if big {
		if err := r.need(8); err != nil {
			return 0, err
		}
		v := binary.LittleEndian.Uint64(r.b[r.pos:])
		r.pos += 8
		return v, nil
	}
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint32(r.b[r.pos:])
	r.pos += 4
	return uint64(v), nil
}

func (r *entryReader) readLenPrefixed() ([]byte, error) {
	if err := r.need(4); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(r.b[r.pos:])
	r.pos += 4
	if err := r.need(int(n)); err != nil {
		return nil, err
	}
	out := r.b[r.pos : r.pos+int(n)]
	r.pos += int(n)
	return out, nil
}

func (r *entryReader) readLenPrefixedString() (string, error) {
	b, err := r.readLenPrefixed()
	if err != nil {
		return "", err
	}
	return string(b), nil
}
