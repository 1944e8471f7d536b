// Package streamfile implements the backup image's file-level container:
// a fixed magic prefix, a version byte pair, transparent gzip framing, and
// a sequence of length-prefixed chunks whose boundaries the caller can
// observe. It knows nothing about what a chunk contains — that is the job
// of the image package one layer up.
package streamfile

import (
	"bufio"
	"encoding/binary"
	"hash"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"strings"

	kcompress "github.com/klauspost/compress/gzip"

	"github.com/polarsignals/imgbackup/ierrors"
)

const component = "streamfile"

// Magic is the eight fixed bytes that open every uncompressed image, bit
// for bit as specified: E0 F8 7F 7E 7E 5F 0F 03.
var Magic = [8]byte{0xE0, 0xF8, 0x7F, 0x7E, 0x7E, 0x5F, 0x0F, 0x03}

// gzipMagic is the three-byte prefix that marks a raw file as gzip-wrapped.
var gzipMagic = [3]byte{0x1F, 0x8B, 0x08}

// CurrentVersion is the only version this implementation writes.
const CurrentVersion uint16 = 1

const (
	defaultWriteBufferSize = 1 << 20 // 1 MiB
	compressionStagingSize = 1 << 16 // 64 KiB
)

func checksumTable() *crc32.Table { return crc32.MakeTable(crc32.Castagnoli) }

// Options configure OpenWrite (OpenRead takes none).
type Options struct {
	// SecurePathPrefix, if set, rejects OpenWrite calls for paths not
	// rooted under it with a policy-error.
	SecurePathPrefix string
	// EstimatedBlockSize sizes the write buffer; 0 means
	// defaultWriteBufferSize.
	EstimatedBlockSize int
	// Compress requests a gzip-wrapped write stream.
	Compress bool
}

// File is the append-only write side.
type File struct {
	f          *os.File
	w          io.Writer
	gz         *kcompress.Writer
	buffered   *bufio.Writer
	checksum   hash.Hash32
	path       string
	wroteAny   bool
	chunkStart bool
}

// OpenWrite creates path (truncating any existing file), writes the
// ten-byte prefix, and returns a File ready to accept chunks.
func OpenWrite(path string, opts Options) (*File, error) {
	if opts.SecurePathPrefix != "" {
		abs, err := filepath.Abs(path)
		if err != nil {
			return nil, ierrors.Wrap(ierrors.IOError, component, err)
		}
		prefix, err := filepath.Abs(opts.SecurePathPrefix)
		if err != nil {
			return nil, ierrors.Wrap(ierrors.IOError, component, err)
		}
		if !strings.HasPrefix(abs, prefix) {
			return nil, ierrors.New(ierrors.PolicyError, component,
				"path "+path+" is not under the configured secure path "+prefix)
		}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o640)
	if err != nil {
		return nil, ierrors.Wrap(ierrors.IOError, component, err)
	}

	bufSize := opts.EstimatedBlockSize
	if bufSize <= 0 {
		bufSize = defaultWriteBufferSize
	}
	buffered := bufio.NewWriterSize(f, bufSize)

	sf := &File{
		f:        f,
		path:     path,
		checksum: crc32.New(checksumTable()),
	}

	var dst io.Writer = buffered
	if opts.Compress {
		gz, err := kcompress.NewWriterLevel(buffered, kcompress.DefaultCompression)
		if err != nil {
			f.Close()
			return nil, ierrors.Wrap(ierrors.CompressionError, component, err)
		}
		sf.gz = gz
		dst = gz
	}
	sf.buffered = buffered
	sf.w = dst

	if _, err := sf.w.Write(Magic[:]); err != nil {
		sf.abort()
		return nil, ierrors.Wrap(ierrors.IOError, component, err)
	}
	var verBuf [2]byte
	binary.LittleEndian.PutUint16(verBuf[:], CurrentVersion)
	if _, err := sf.w.Write(verBuf[:]); err != nil {
		sf.abort()
		return nil, ierrors.Wrap(ierrors.IOError, component, err)
	}
	return sf, nil
}

// WriteChunk writes one length-prefixed, checksummed chunk.
func (f *File) WriteChunk(payload []byte) error {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := f.w.Write(lenBuf[:]); err != nil {
		return ierrors.Wrap(ierrors.IOError, component, err)
	}
	if len(payload) > 0 {
		if _, err := f.w.Write(payload); err != nil {
			return ierrors.Wrap(ierrors.IOError, component, err)
		}
	}
	f.checksum.Reset()
	f.checksum.Write(payload)
	var sumBuf [4]byte
	binary.LittleEndian.PutUint32(sumBuf[:], f.checksum.Sum32())
	if _, err := f.w.Write(sumBuf[:]); err != nil {
		return ierrors.Wrap(ierrors.IOError, component, err)
	}
	f.wroteAny = true
	return nil
}

// Close finalizes compression (if any) and flushes to disk. If abort is
// true, the file is truncated and removed instead (spec.md §4.1 "truncates
// if write failed").
func (f *File) Close(abort bool) error {
	if abort {
		f.abort()
		return nil
	}
	if f.gz != nil {
		if err := f.gz.Close(); err != nil {
			return ierrors.Wrap(ierrors.CompressionError, component, err)
		}
	}
	if err := f.buffered.Flush(); err != nil {
		return ierrors.Wrap(ierrors.IOError, component, err)
	}
	if err := f.f.Sync(); err != nil {
		return ierrors.Wrap(ierrors.IOError, component, err)
	}
	return f.f.Close()
}

func (f *File) abort() {
	if f.gz != nil {
		f.gz.Close()
	}
	f.f.Truncate(0)
	f.f.Close()
	os.Remove(f.path)
}

// Path returns the file's path on disk.
func (f *File) Path() string { return f.path }
