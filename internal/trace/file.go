package trace

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/stealthrocket/sysreplay/internal/print/human"
)

type frame struct {
	offset int64 // offset of the payload
	frameHeader
}

// File is an opened trace, indexed by syscall kind.
//
// Because reads are done with io.ReaderAt, sources of different kinds may be
// consumed concurrently.
type File struct {
	Header Header

	input  io.ReaderAt
	closer io.Closer
	frames map[Kind][]frame
}

// NewFile reads the header of the trace in input and indexes its frames.
//
// The function fails with ErrIncompatibleVersion if the trace was written
// with a different major version of the format.
func NewFile(input io.ReaderAt) (*File, error) {
	header, offset, err := readHeader(input)
	if err != nil {
		return nil, err
	}

	f := &File{
		Header: *header,
		input:  input,
		frames: make(map[Kind][]frame),
	}

	var b [4 + frameHeaderSize]byte
	for {
		n, err := input.ReadAt(b[:], offset)
		if n < len(b) {
			if err == io.EOF && n == 0 {
				break
			}
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return nil, fmt.Errorf("reading trace frame at offset %d: %w", offset, err)
		}

		h, size := parseFrameHeader(b[:])
		if size > maxFrameSize {
			return nil, fmt.Errorf("trace frame at offset %d is too large (%d>%d)", offset, size, maxFrameSize)
		}
		if size != frameHeaderSize+h.compressedSize {
			return nil, fmt.Errorf("trace frame at offset %d is corrupted: size %d does not match payload size %d", offset, size, h.compressedSize)
		}

		end := offset + 4 + int64(size)
		if n, _ := input.ReadAt(b[:1], end-1); n != 1 {
			return nil, fmt.Errorf("trace frame at offset %d is truncated: %w", offset, io.ErrUnexpectedEOF)
		}

		f.frames[h.kind] = append(f.frames[h.kind], frame{
			offset:      offset + int64(len(b)),
			frameHeader: h,
		})
		offset = end
	}
	return f, nil
}

// OpenFile opens the trace file at path.
func OpenFile(path string) (*File, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	f, err := NewFile(file)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	f.closer = file
	return f, nil
}

// Close releases the underlying file, if the trace was opened by OpenFile.
func (f *File) Close() error {
	if f.closer != nil {
		return f.closer.Close()
	}
	return nil
}

// Kinds returns the list of kinds which have at least one frame in the
// trace, in numeric order.
func (f *File) Kinds() []Kind {
	kinds := maps.Keys(f.frames)
	slices.Sort(kinds)
	return kinds
}

// Rows returns the number of rows of the given kind.
func (f *File) Rows(kind Kind) (rows int64) {
	for _, fr := range f.frames[kind] {
		rows += int64(fr.rows)
	}
	return rows
}

// Source returns a stream of the rows of the given kind, in file order.
func (f *File) Source(kind Kind) *Source {
	return &Source{
		input:  f.input,
		kind:   kind,
		frames: f.frames[kind],
	}
}

// KindStats summarizes the frames of one kind in a trace.
type KindStats struct {
	Kind     Kind        `json:"kind"              yaml:"kind"              text:"KIND"`
	Frames   int         `json:"frames"            yaml:"frames"            text:"FRAMES"`
	Rows     int64       `json:"rows"              yaml:"rows"              text:"ROWS"`
	FirstID  uint64      `json:"first_id"          yaml:"first_id"          text:"FIRST ID"`
	LastID   uint64      `json:"last_id"           yaml:"last_id"           text:"LAST ID"`
	Size     human.Bytes `json:"size"              yaml:"size"              text:"SIZE"`
	Expanded human.Bytes `json:"uncompressed_size" yaml:"uncompressed_size" text:"UNCOMPRESSED"`
}

// Stats returns one summary per kind present in the trace.
func (f *File) Stats() []KindStats {
	stats := make([]KindStats, 0, len(f.frames))
	for _, kind := range f.Kinds() {
		frames := f.frames[kind]
		s := KindStats{
			Kind:    kind,
			Frames:  len(frames),
			FirstID: frames[0].firstID,
			LastID:  frames[len(frames)-1].lastID,
		}
		for _, fr := range frames {
			s.Rows += int64(fr.rows)
			s.Size += human.Bytes(fr.compressedSize)
			s.Expanded += human.Bytes(fr.uncompressedSize)
		}
		stats = append(stats, s)
	}
	return stats
}
