package trace

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// Sizes of the fixed parts of the row encoding.
const (
	rowFixedSize = 8 + 8 + 8 + 8 + 4 + 8 + 4
	maxColumns   = math.MaxUint16
)

func appendU16(b []byte, v uint16) []byte {
	return binary.LittleEndian.AppendUint16(b, v)
}

func readU16(b []byte) (uint16, []byte, error) {
	if len(b) < 2 {
		return 0, nil, io.ErrShortBuffer
	}
	return binary.LittleEndian.Uint16(b), b[2:], nil
}

func appendU32(b []byte, v uint32) []byte {
	return binary.LittleEndian.AppendUint32(b, v)
}

func readU32(b []byte) (uint32, []byte, error) {
	if len(b) < 4 {
		return 0, nil, io.ErrShortBuffer
	}
	return binary.LittleEndian.Uint32(b), b[4:], nil
}

func appendU64(b []byte, v uint64) []byte {
	return binary.LittleEndian.AppendUint64(b, v)
}

func readU64(b []byte) (uint64, []byte, error) {
	if len(b) < 8 {
		return 0, nil, io.ErrShortBuffer
	}
	return binary.LittleEndian.Uint64(b), b[8:], nil
}

func appendBytes(buffer []byte, b []byte) []byte {
	buffer = appendU32(buffer, uint32(len(b)))
	return append(buffer, b...)
}

func readBytes(buffer []byte) ([]byte, []byte, error) {
	length, buffer, err := readU32(buffer)
	if err != nil {
		return nil, buffer, err
	}
	if uint32(len(buffer)) < length {
		return nil, buffer, io.ErrShortBuffer
	}
	return buffer[:length:length], buffer[length:], nil
}

func appendRow(b []byte, r *Row) ([]byte, error) {
	if len(r.Ints) > maxColumns || len(r.Blobs) > maxColumns {
		return b, fmt.Errorf("too many columns in row %d: %d integers, %d byte strings", r.UniqueID, len(r.Ints), len(r.Blobs))
	}
	b = appendU64(b, r.UniqueID)
	b = appendU64(b, uint64(r.TimeCalled))
	b = appendU64(b, uint64(r.TimeReturned))
	b = appendU64(b, uint64(r.TimeRecorded))
	b = appendU32(b, uint32(r.PID))
	b = appendU64(b, uint64(r.ReturnValue))
	b = appendU32(b, uint32(r.Errno))
	b = appendU16(b, uint16(len(r.Ints)))
	for _, v := range r.Ints {
		b = appendU64(b, uint64(v))
	}
	b = appendU16(b, uint16(len(r.Blobs)))
	for _, v := range r.Blobs {
		b = appendBytes(b, v)
	}
	return b, nil
}

// readRow decodes the row at the head of b into r. The integer and byte
// columns are appended to ints and blobs, which the caller recycles between
// calls; r aliases both slices as well as b.
func readRow(b []byte, r *Row, ints []int64, blobs [][]byte) (_ []byte, _ []int64, _ [][]byte, err error) {
	if len(b) < rowFixedSize {
		return b, ints, blobs, io.ErrShortBuffer
	}
	r.UniqueID = binary.LittleEndian.Uint64(b[0:])
	r.TimeCalled = Tfrac(binary.LittleEndian.Uint64(b[8:]))
	r.TimeReturned = Tfrac(binary.LittleEndian.Uint64(b[16:]))
	r.TimeRecorded = Tfrac(binary.LittleEndian.Uint64(b[24:]))
	r.PID = int32(binary.LittleEndian.Uint32(b[32:]))
	r.ReturnValue = int64(binary.LittleEndian.Uint64(b[36:]))
	r.Errno = int32(binary.LittleEndian.Uint32(b[44:]))
	b = b[rowFixedSize:]

	var n uint16
	if n, b, err = readU16(b); err != nil {
		return b, ints, blobs, err
	}
	start := len(ints)
	for i := 0; i < int(n); i++ {
		var v uint64
		if v, b, err = readU64(b); err != nil {
			return b, ints, blobs, err
		}
		ints = append(ints, int64(v))
	}
	r.Ints = ints[start:len(ints):len(ints)]

	if n, b, err = readU16(b); err != nil {
		return b, ints, blobs, err
	}
	start = len(blobs)
	for i := 0; i < int(n); i++ {
		var v []byte
		if v, b, err = readBytes(b); err != nil {
			return b, ints, blobs, err
		}
		blobs = append(blobs, v)
	}
	r.Blobs = blobs[start:len(blobs):len(blobs)]
	return b, ints, blobs, nil
}
