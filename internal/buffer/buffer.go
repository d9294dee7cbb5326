// Package buffer provides pooled byte buffers for the frames of trace files
// and the payloads of replayed transfers.
//
// Buffers are grouped in size classes, powers of two from MinSize to
// MaxPooled, so a pool serving transfers of very different sizes does not
// keep handing out undersized buffers. Larger buffers are allocated on demand
// and dropped when put back.
package buffer

import (
	"math/bits"
	"sync"
)

const (
	MinSize   = 4096
	MaxPooled = 16 << 20

	minShift   = 12
	numClasses = 13
)

type Buffer struct{ Data []byte }

func (buf *Buffer) Size() int64 {
	return int64(len(buf.Data))
}

// Pool is a pool of buffers. Buffers obtained from Get have the requested
// length, their content is undefined. The zero value is ready to use.
type Pool struct {
	classes [numClasses]sync.Pool
}

func (p *Pool) Get(size int64) *Buffer {
	size = max(size, 0)
	if c := sizeClass(size); c < numClasses {
		if b, _ := p.classes[c].Get().(*Buffer); b != nil {
			b.Data = b.Data[:size]
			return b
		}
	}
	return New(size)
}

func (p *Pool) Put(b *Buffer) {
	if b == nil {
		return
	}
	if c := capacityClass(int64(cap(b.Data))); c >= 0 && c < numClasses {
		p.classes[c].Put(b)
	}
}

// New allocates a buffer of the given length. The capacity is rounded up to
// the size class of the buffer, or to a multiple of MinSize above MaxPooled.
func New(size int64) *Buffer {
	size = max(size, 0)
	capacity := Align(size, MinSize)
	if c := sizeClass(size); c < numClasses {
		capacity = MinSize << c
	}
	return &Buffer{Data: make([]byte, size, capacity)}
}

// Release returns the buffer pointed to by buf to the pool and clears the
// pointer, so the memory cannot be used after it was recycled.
func Release(buf **Buffer, pool *Pool) {
	if b := *buf; b != nil {
		*buf = nil
		pool.Put(b)
	}
}

func Align(size, to int64) int64 {
	return ((size + (to - 1)) / to) * to
}

// sizeClass returns the smallest class holding size bytes.
func sizeClass(size int64) int {
	if size <= MinSize {
		return 0
	}
	return bits.Len64(uint64(size-1)) - minShift
}

// capacityClass returns the largest class fitting in capacity bytes, or -1
// when the capacity is below MinSize.
func capacityClass(capacity int64) int {
	if capacity < MinSize {
		return -1
	}
	return bits.Len64(uint64(capacity)) - minShift - 1
}
