package trace

import (
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// DefaultBatchRows is the default number of rows per frame.
const DefaultBatchRows = 4096

// Frames are flushed early once their payload reaches this size.
const flushFrameSize = 16 * 1024 * 1024

type batch struct {
	rows    uint32
	firstID uint64
	lastID  uint64
	data    []byte
}

// Writer writes rows to a trace.
//
// Rows are buffered per kind and written in frames of up to BatchRows rows.
// The rows of each kind must be appended in non-decreasing unique id order;
// rows of different kinds may be interleaved arbitrarily.
type Writer struct {
	output      io.Writer
	header      Header
	batchRows   int
	wroteHeader bool
	batches     map[Kind]*batch
	lastIDs     map[Kind]uint64
	frame       []byte
	compressed  []byte
	rows        int64
	err         error
}

// NewWriter returns a writer producing a trace on output, compressing frames
// with the given algorithm.
func NewWriter(output io.Writer, compression Compression, batchRows int) *Writer {
	if batchRows <= 0 {
		batchRows = DefaultBatchRows
	}
	return &Writer{
		output: output,
		header: Header{
			Major:       MajorVersion,
			Minor:       MinorVersion,
			Created:     time.Now(),
			Compression: compression,
		},
		batchRows: batchRows,
		batches:   make(map[Kind]*batch),
		lastIDs:   make(map[Kind]uint64),
	}
}

// Rows returns the number of rows appended so far.
func (w *Writer) Rows() int64 { return w.rows }

// Append adds a row of the given kind to the trace.
func (w *Writer) Append(kind Kind, row *Row) error {
	if w.err != nil {
		return w.err
	}
	if kind == Invalid {
		return errors.New("cannot append rows of the invalid kind")
	}
	if last, ok := w.lastIDs[kind]; ok && row.UniqueID < last {
		return fmt.Errorf("%w: %s row %d follows row %d", ErrOutOfOrder, kind, row.UniqueID, last)
	}

	b := w.batches[kind]
	if b == nil {
		b = new(batch)
		w.batches[kind] = b
	}
	data, err := appendRow(b.data, row)
	if err != nil {
		return err
	}
	if len(data) > maxFrameSize-frameHeaderSize {
		return fmt.Errorf("%s row %d is too large to fit in a frame", kind, row.UniqueID)
	}
	if b.rows == 0 {
		b.firstID = row.UniqueID
	}
	b.data = data
	b.lastID = row.UniqueID
	b.rows++
	w.lastIDs[kind] = row.UniqueID
	w.rows++

	if int(b.rows) >= w.batchRows || len(b.data) >= flushFrameSize {
		return w.writeFrame(kind, b)
	}
	return nil
}

// Flush writes all buffered rows, in kind order.
func (w *Writer) Flush() error {
	if err := w.writeHeader(); err != nil {
		return err
	}
	kinds := maps.Keys(w.batches)
	slices.Sort(kinds)
	for _, kind := range kinds {
		if b := w.batches[kind]; b.rows > 0 {
			if err := w.writeFrame(kind, b); err != nil {
				return err
			}
		}
	}
	return nil
}

// Close flushes the writer. It does not close the underlying output.
func (w *Writer) Close() error {
	return w.Flush()
}

func (w *Writer) writeHeader() error {
	if w.err != nil || w.wroteHeader {
		return w.err
	}
	w.wroteHeader = true
	_, w.err = w.output.Write(appendHeader(w.frame[:0], &w.header))
	return w.err
}

func (w *Writer) writeFrame(kind Kind, b *batch) error {
	if err := w.writeHeader(); err != nil {
		return err
	}

	compression := w.header.Compression
	payload := b.data
	if compression != Uncompressed {
		w.compressed = compress(w.compressed, b.data, compression)
		if len(w.compressed) < len(b.data) {
			payload = w.compressed
		} else {
			compression = Uncompressed
		}
	}

	h := frameHeader{
		kind:             kind,
		compression:      compression,
		rows:             b.rows,
		firstID:          b.firstID,
		lastID:           b.lastID,
		compressedSize:   uint32(len(payload)),
		uncompressedSize: uint32(len(b.data)),
		checksum:         checksum(payload),
	}
	w.frame = appendFrameHeader(w.frame[:0], &h)
	w.frame = append(w.frame, payload...)

	if _, err := w.output.Write(w.frame); err != nil {
		w.err = fmt.Errorf("writing %s frame: %w", kind, err)
		return w.err
	}
	b.rows, b.data = 0, b.data[:0]
	return nil
}
