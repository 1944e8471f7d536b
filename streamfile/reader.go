package streamfile

import (
	"bufio"
	"compress/gzip"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"io"
	"os"

	"github.com/polarsignals/imgbackup/ierrors"
)

// ChunkStatus is the outcome of advancing to the next chunk.
type ChunkStatus int

const (
	// ChunkOK means a chunk was read and its payload returned.
	ChunkOK ChunkStatus = iota
	// ChunkEndOfList means the current section's chunk list is exhausted;
	// the reader is now positioned at the next section boundary.
	ChunkEndOfList
	// ChunkEndOfStream means there is nothing left to read at all.
	ChunkEndOfStream
)

// Reader is the positioned read side of a framed stream.
type Reader struct {
	r      *bufio.Reader
	closer io.Closer
	header Header
}

// Header reports what OpenRead decoded from the ten-byte prefix.
type Header struct {
	Version     uint16
	WasGzipped  bool
}

// OpenRead opens path, verifies the magic prefix and version, and returns
// a Reader positioned just after the prefix, ready for the stream-level
// serializer to read sections. If the raw file starts with the gzip magic
// bytes, decompression is applied transparently.
func OpenRead(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, ierrors.Wrap(ierrors.IOError, component, err)
	}

	raw := bufio.NewReaderSize(f, compressionStagingSize)
	peek, err := raw.Peek(3)
	wasGzipped := err == nil && peek[0] == gzipMagic[0] && peek[1] == gzipMagic[1] && peek[2] == gzipMagic[2]

	var src io.Reader = raw
	var closer io.Closer = f
	if wasGzipped {
		gz, err := gzip.NewReader(raw)
		if err != nil {
			f.Close()
			return nil, ierrors.Wrap(ierrors.CompressionError, component, err)
		}
		src = gz
		closer = multiCloser{gz, f}
	}

	br := bufio.NewReaderSize(src, compressionStagingSize)

	var magicBuf [8]byte
	if _, err := io.ReadFull(br, magicBuf[:]); err != nil {
		closer.Close()
		return nil, wrapShortRead(err)
	}
	if magicBuf != Magic {
		closer.Close()
		return nil, ierrors.New(ierrors.BadMagic, component, "uncompressed prefix does not match the fixed magic bytes")
	}

	var verBuf [2]byte
	if _, err := io.ReadFull(br, verBuf[:]); err != nil {
		closer.Close()
		return nil, wrapShortRead(err)
	}
	version := binary.LittleEndian.Uint16(verBuf[:])
	if version > CurrentVersion {
		closer.Close()
		return nil, ierrors.New(ierrors.UnsupportedVersion, component, "image version is newer than this implementation supports")
	}

	return &Reader{
		r:      br,
		closer: closer,
		header: Header{Version: version, WasGzipped: wasGzipped},
	}, nil
}

// HeaderInfo returns the decoded prefix.
func (r *Reader) HeaderInfo() Header { return r.header }

// NextChunk reads one length-prefixed, checksummed chunk into a freshly
// allocated slice. Section boundaries are a concept the image package
// layers on top (by counting chunks per section); at the streamfile level
// every read is just "next chunk or end of stream".
func (r *Reader) NextChunk() ([]byte, ChunkStatus, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r.r, lenBuf[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ChunkEndOfStream, nil
		}
		return nil, ChunkEndOfStream, wrapShortRead(err)
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	payload := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r.r, payload); err != nil {
			return nil, ChunkEndOfStream, wrapShortRead(err)
		}
	}

	var sumBuf [4]byte
	if _, err := io.ReadFull(r.r, sumBuf[:]); err != nil {
		return nil, ChunkEndOfStream, wrapShortRead(err)
	}
	want := binary.LittleEndian.Uint32(sumBuf[:])
	got := crc32.Checksum(payload, checksumTable())
	if want != got {
		return nil, ChunkEndOfStream, ierrors.New(ierrors.FormatError, component, "chunk checksum mismatch")
	}

	return payload, ChunkOK, nil
}

// Close releases the underlying file (and gzip reader, if any).
func (r *Reader) Close() error {
	return r.closer.Close()
}

func wrapShortRead(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ierrors.Wrap(ierrors.FormatError, component, errors.New("unexpected-end-of-stream"))
	}
	return ierrors.Wrap(ierrors.IOError, component, err)
}

type multiCloser struct {
	gz *gzip.Reader
	f  *os.File
}

func (m multiCloser) Close() error {
	err1 := m.gz.Close()
	err2 := m.f.Close()
	if err1 != nil {
		return err1
	}
	return err2
}
