package image

import (
	"github.com/polarsignals/imgbackup/catalog"
	"github.com/polarsignals/imgbackup/streamfile"
)

// Reader reads the six logical sections back off a streamfile.Reader, in
// the same fixed order a Writer produced them.
type Reader struct {
	sf *streamfile.Reader
}

// NewReader wraps an already-opened streamfile.Reader (the prefix was
// already validated by streamfile.OpenRead).
func NewReader(sf *streamfile.Reader) *Reader {
	return &Reader{sf: sf}
}

// ReadPreamble consumes the (empty) preamble chunk.
func (r *Reader) ReadPreamble() error {
	_, status, err := r.sf.NextChunk()
	if err != nil {
		return err
	}
	if status != streamfile.ChunkOK {
		return formatErrorf("missing preamble section")
	}
	return nil
}

// ReadHeader reads the header section.
func (r *Reader) ReadHeader() (catalog.Header, []catalog.SnapshotDescriptor, error) {
	chunk, status, err := r.sf.NextChunk()
	if err != nil {
		return catalog.Header{}, nil, err
	}
	if status != streamfile.ChunkOK {
		return catalog.Header{}, nil, formatErrorf("missing header section")
	}
	return decodeHeader(chunk)
}

// ReadCatalogue reads the catalogue section and reconstructs a *catalog.Catalog.
func (r *Reader) ReadCatalogue(snapshots []catalog.SnapshotDescriptor) (*catalog.Catalog, error) {
	chunk, status, err := r.sf.NextChunk()
	if err != nil {
		return nil, err
	}
	if status != streamfile.ChunkOK {
		return nil, formatErrorf("missing catalogue section")
	}
	return decodeCatalogue(chunk, snapshots)
}

// ReadMetaData reads the metadata section.
func (r *Reader) ReadMetaData() ([]MetaEntry, error) {
	chunk, status, err := r.sf.NextChunk()
	if err != nil {
		return nil, err
	}
	if status != streamfile.ChunkOK {
		return nil, formatErrorf("missing metadata section")
	}
	return decodeMetadata(chunk)
}

// ReadDataChunk reads one data chunk. ok is false once the data-chunks
// section's end marker has been consumed; the reader is then positioned at
// the summary section.
func (r *Reader) ReadDataChunk() (chunk DataChunk, ok bool, err error) {
	raw, status, err := r.sf.NextChunk()
	if err != nil {
		return DataChunk{}, false, err
	}
	if status != streamfile.ChunkOK {
		return DataChunk{}, false, formatErrorf("unexpected end of data-chunks section")
	}
	dc, end, err := decodeDataChunk(raw)
	if err != nil {
		return DataChunk{}, false, err
	}
	if end {
		return DataChunk{}, false, nil
	}
	return dc, true, nil
}

// ReadSummary reads the summary section.
func (r *Reader) ReadSummary() (Summary, error) {
	chunk, status, err := r.sf.NextChunk()
	if err != nil {
		return Summary{}, err
	}
	if status != streamfile.ChunkOK {
		return Summary{}, formatErrorf("missing summary section")
	}
	return decodeSummary(chunk)
}
