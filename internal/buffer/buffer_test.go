package buffer_test

import (
	"testing"

	"github.com/stealthrocket/sysreplay/internal/assert"
	"github.com/stealthrocket/sysreplay/internal/buffer"
)

func TestAlign(t *testing.T) {
	assert.Equal(t, buffer.Align(0, 4096), 0)
	assert.Equal(t, buffer.Align(1, 4096), 4096)
	assert.Equal(t, buffer.Align(4096, 4096), 4096)
	assert.Equal(t, buffer.Align(4097, 4096), 8192)
}

func TestNewSizeClasses(t *testing.T) {
	tests := []struct {
		size     int64
		capacity int
	}{
		{-1, buffer.MinSize},
		{0, buffer.MinSize},
		{100, buffer.MinSize},
		{buffer.MinSize, buffer.MinSize},
		{buffer.MinSize + 1, 2 * buffer.MinSize},
		{3 * buffer.MinSize, 4 * buffer.MinSize},
		{buffer.MaxPooled, buffer.MaxPooled},
		{buffer.MaxPooled + 1, buffer.MaxPooled + buffer.MinSize},
	}
	for _, test := range tests {
		b := buffer.New(test.size)
		assert.Equal(t, len(b.Data), max(int(test.size), 0))
		assert.Equal(t, cap(b.Data), test.capacity)
	}
}

func TestPoolRelease(t *testing.T) {
	var pool buffer.Pool

	b := pool.Get(100)
	assert.Equal(t, len(b.Data), 100)
	assert.Equal(t, cap(b.Data), buffer.MinSize)

	buffer.Release(&b, &pool)
	assert.True(t, b == nil)

	b = pool.Get(2 * buffer.MinSize)
	assert.Equal(t, len(b.Data), 2*buffer.MinSize)
	assert.True(t, cap(b.Data) >= 2*buffer.MinSize)
	pool.Put(b)

	// Buffers grown past their class are put back in the class they fit.
	grown := &buffer.Buffer{Data: make([]byte, 0, 3*buffer.MinSize)}
	pool.Put(grown)
	b = pool.Get(buffer.MinSize + 1)
	assert.True(t, cap(b.Data) >= buffer.MinSize+1)

	pool.Put(&buffer.Buffer{Data: make([]byte, 10)})
	pool.Put(nil)
}
