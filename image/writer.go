package image

import (
	"github.com/polarsignals/imgbackup/catalog"
	"github.com/polarsignals/imgbackup/streamfile"
)

// Writer emits the six logical sections onto a streamfile.File, in
// order: preamble, header, catalogue, metadata, data-chunks, summary.
type Writer struct {
	sf *streamfile.File
}

// NewWriter wraps an already-opened streamfile.File (the ten-byte file
// prefix is written by streamfile.OpenWrite itself; the preamble section
// still has to be written with WritePreamble).
func NewWriter(sf *streamfile.File) *Writer {
	return &Writer{sf: sf}
}

// WritePreamble writes the preamble section's single chunk. The preamble
// carries nothing beyond what the streamfile prefix already established;
// it exists as its own chunk so the section boundary is observable by a
// reader that wants to skip straight to the header.
func (w *Writer) WritePreamble() error {
	return w.sf.WriteChunk(nil)
}

// WriteHeader writes the header section as a single chunk.
func (w *Writer) WriteHeader(h catalog.Header, snapshots []catalog.SnapshotDescriptor) error {
	return w.sf.WriteChunk(encodeHeader(h, snapshots))
}

// WriteCatalogue writes the catalogue section as a single chunk.
func (w *Writer) WriteCatalogue(c *catalog.Catalog) error {
	return w.sf.WriteChunk(encodeCatalogue(c))
}

// WriteMetadata writes the metadata section as a single chunk.
func (w *Writer) WriteMetadata(entries []MetaEntry) error {
	return w.sf.WriteChunk(encodeMetadata(entries))
}

// WriteDataChunk appends one frame to the data-chunks section. Chunks from
// different tables and snapshots may be interleaved freely; call
// WriteEndOfData once every driver has produced its final chunk.
func (w *Writer) WriteDataChunk(c DataChunk) error {
	return w.sf.WriteChunk(encodeDataChunk(c))
}

// WriteEndOfData closes the data-chunks section.
func (w *Writer) WriteEndOfData() error {
	return w.sf.WriteChunk(encodeEndOfData())
}

// WriteSummary writes the summary section as a single chunk.
func (w *Writer) WriteSummary(s Summary) error {
	return w.sf.WriteChunk(encodeSummary(s))
}
