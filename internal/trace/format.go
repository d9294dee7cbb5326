// Package trace implements the container format of syscall traces.
//
// A trace file starts with a header carrying the format version, followed by
// a sequence of frames. Each frame holds a compressed batch of rows of a
// single syscall kind, so the rows of each kind can be consumed as an
// independent stream ordered by unique id:
//
//	file   := magic("SYSTRACE") header frame*
//	header := u32 size, u16 major, u16 minor, i64 created, u8 compression
//	frame  := u32 size, u16 kind, u8 compression, u32 rows, u64 first id,
//	          u64 last id, u32 compressed size, u32 uncompressed size,
//	          u32 crc32c, payload
//
// All integers are little-endian. Readers accept any minor version of the
// major version they were built for.
package trace

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"
)

const (
	MajorVersion = 1
	MinorVersion = 0

	magic           = "SYSTRACE"
	headerSize      = 2 + 2 + 8 + 1
	frameHeaderSize = 2 + 1 + 4 + 8 + 8 + 4 + 4 + 4
	maxFrameSize    = 64 * 1024 * 1024
)

var (
	ErrBadMagic            = errors.New("not a syscall trace")
	ErrIncompatibleVersion = errors.New("incompatible trace format version")
	ErrChecksum            = errors.New("trace frame checksum mismatch")
	ErrOutOfOrder          = errors.New("rows of a syscall kind must have non-decreasing unique ids")
)

// Header is the file header of a trace.
type Header struct {
	Major       uint16      `json:"major"       yaml:"major"`
	Minor       uint16      `json:"minor"       yaml:"minor"`
	Created     time.Time   `json:"created"     yaml:"created"`
	Compression Compression `json:"compression" yaml:"compression"`
}

// Version returns the "major.minor" version string of the header.
func (h *Header) Version() string {
	return fmt.Sprintf("%d.%d", h.Major, h.Minor)
}

func appendHeader(b []byte, h *Header) []byte {
	b = append(b, magic...)
	b = appendU32(b, headerSize)
	b = appendU16(b, h.Major)
	b = appendU16(b, h.Minor)
	b = appendU64(b, uint64(h.Created.UnixNano()))
	b = append(b, byte(h.Compression))
	return b
}

// readHeader reads the header at the start of input and returns the byte
// offset of the first frame.
func readHeader(input io.ReaderAt) (*Header, int64, error) {
	var prefix [len(magic) + 4]byte
	if n, err := input.ReadAt(prefix[:], 0); n < len(prefix) {
		if err == io.EOF {
			return nil, 0, ErrBadMagic
		}
		return nil, 0, fmt.Errorf("reading trace header: %w", err)
	}
	if string(prefix[:len(magic)]) != magic {
		return nil, 0, ErrBadMagic
	}
	size := binary.LittleEndian.Uint32(prefix[len(magic):])
	if size < headerSize || size > maxFrameSize {
		return nil, 0, fmt.Errorf("reading trace header: invalid header size %d", size)
	}

	b := make([]byte, size)
	if _, err := input.ReadAt(b, int64(len(prefix))); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, 0, fmt.Errorf("reading trace header: %w", err)
	}

	h := &Header{
		Major:       binary.LittleEndian.Uint16(b[0:]),
		Minor:       binary.LittleEndian.Uint16(b[2:]),
		Created:     time.Unix(0, int64(binary.LittleEndian.Uint64(b[4:]))),
		Compression: Compression(b[12]),
	}
	if h.Major != MajorVersion {
		return h, 0, fmt.Errorf("%w: file is version %s but this program reads version %d.x", ErrIncompatibleVersion, h.Version(), MajorVersion)
	}
	return h, int64(len(prefix)) + int64(size), nil
}

type frameHeader struct {
	kind             Kind
	compression      Compression
	rows             uint32
	firstID          uint64
	lastID           uint64
	compressedSize   uint32
	uncompressedSize uint32
	checksum         uint32
}

func appendFrameHeader(b []byte, f *frameHeader) []byte {
	b = appendU32(b, frameHeaderSize+f.compressedSize)
	b = appendU16(b, uint16(f.kind))
	b = append(b, byte(f.compression))
	b = appendU32(b, f.rows)
	b = appendU64(b, f.firstID)
	b = appendU64(b, f.lastID)
	b = appendU32(b, f.compressedSize)
	b = appendU32(b, f.uncompressedSize)
	b = appendU32(b, f.checksum)
	return b
}

func parseFrameHeader(b []byte) (f frameHeader, size uint32) {
	size = binary.LittleEndian.Uint32(b[0:])
	f.kind = Kind(binary.LittleEndian.Uint16(b[4:]))
	f.compression = Compression(b[6])
	f.rows = binary.LittleEndian.Uint32(b[7:])
	f.firstID = binary.LittleEndian.Uint64(b[11:])
	f.lastID = binary.LittleEndian.Uint64(b[19:])
	f.compressedSize = binary.LittleEndian.Uint32(b[27:])
	f.uncompressedSize = binary.LittleEndian.Uint32(b[31:])
	f.checksum = binary.LittleEndian.Uint32(b[35:])
	return f, size
}
