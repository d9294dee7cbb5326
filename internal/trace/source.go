package trace

import (
	"fmt"
	"io"

	"github.com/stealthrocket/sysreplay/internal/buffer"
	"github.com/stealthrocket/sysreplay/internal/stream"
)

var (
	compressedBufferPool   buffer.Pool
	uncompressedBufferPool buffer.Pool
)

// Source is a stream of the rows of one syscall kind.
//
// The rows returned by Read alias buffers owned by the source, which are
// reused by the next call to Read. Programs that need to retain rows must
// copy them, for example with Row.Clone.
type Source struct {
	input  io.ReaderAt
	kind   Kind
	frames []frame
	next   int

	compressed   *buffer.Buffer
	uncompressed *buffer.Buffer
	data         []byte
	remain       uint32

	ints  []int64
	blobs [][]byte
}

// Kind returns the syscall kind of the rows produced by the source.
func (s *Source) Kind() Kind { return s.kind }

func (s *Source) Read(rows []Row) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	s.ints, s.blobs = s.ints[:0], s.blobs[:0]

	n := 0
	for n < len(rows) {
		if s.remain == 0 {
			if len(s.data) != 0 {
				return n, s.corrupted(fmt.Errorf("%d trailing bytes after the last row", len(s.data)))
			}
			// Loading the next frame overwrites the memory aliased by
			// the rows decoded so far.
			if n > 0 {
				break
			}
			if s.next == len(s.frames) {
				return n, io.EOF
			}
			if err := s.loadFrame(); err != nil {
				return n, err
			}
			continue
		}

		var err error
		s.data, s.ints, s.blobs, err = readRow(s.data, &rows[n], s.ints, s.blobs)
		if err != nil {
			return n, s.corrupted(err)
		}
		s.remain--
		n++
	}
	return n, nil
}

func (s *Source) loadFrame() error {
	f := &s.frames[s.next]
	s.next++

	buffer.Release(&s.compressed, &compressedBufferPool)
	s.compressed = compressedBufferPool.Get(int64(f.compressedSize))

	if _, err := s.input.ReadAt(s.compressed.Data, f.offset); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return fmt.Errorf("reading %s frame at offset %d: %w", s.kind, f.offset, err)
	}
	if sum := checksum(s.compressed.Data); sum != f.checksum {
		return fmt.Errorf("%w: %s frame at offset %d has checksum %08x, expected %08x", ErrChecksum, s.kind, f.offset, sum, f.checksum)
	}

	if f.compression == Uncompressed {
		s.data = s.compressed.Data
	} else {
		if s.uncompressed == nil {
			s.uncompressed = uncompressedBufferPool.Get(int64(f.uncompressedSize))
		}
		data, err := decompress(s.uncompressed.Data[:0:cap(s.uncompressed.Data)], s.compressed.Data, f.compression)
		if err != nil {
			return fmt.Errorf("decompressing %s frame at offset %d: %w", s.kind, f.offset, err)
		}
		s.uncompressed.Data = data
		s.data = data
	}

	if uint32(len(s.data)) != f.uncompressedSize {
		return fmt.Errorf("%s frame at offset %d has %d bytes, expected %d", s.kind, f.offset, len(s.data), f.uncompressedSize)
	}
	s.remain = f.rows
	return nil
}

func (s *Source) corrupted(err error) error {
	return fmt.Errorf("decoding %s rows of frame %d: %w", s.kind, s.next-1, err)
}

// Close releases the buffers held by the source.
func (s *Source) Close() error {
	buffer.Release(&s.compressed, &compressedBufferPool)
	buffer.Release(&s.uncompressed, &uncompressedBufferPool)
	s.data, s.remain, s.next = nil, 0, len(s.frames)
	return nil
}

var _ stream.ReadCloser[Row] = (*Source)(nil)
