package stream_test

import (
	"io"
	"testing"

	"github.com/stealthrocket/sysreplay/internal/assert"
	"github.com/stealthrocket/sysreplay/internal/stream"
)

func TestValues(t *testing.T) {
	values := []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}
	reader := stream.NewReader(values...)

	read, err := stream.Values(stream.Iter(reader))
	assert.OK(t, err)
	assert.EqualAll(t, read, values)
}

func TestEOF(t *testing.T) {
	values := []int{0, 1, 2, 3}
	reader := chunks([][]int{{}, {0}, {}, {1, 2, 3}, {}})

	read, err := stream.Values(stream.Iter(reader))
	assert.OK(t, err)
	assert.EqualAll(t, read, values)
}

func TestIteratorError(t *testing.T) {
	reader := &failingReader{err: io.ErrUnexpectedEOF}

	read, err := stream.Values(stream.Iter[int](reader))
	assert.Error(t, err, io.ErrUnexpectedEOF)
	assert.Equal(t, len(read), 0)
}

func chunks[T any](chunks [][]T) stream.Reader[T] {
	return &chunkedReader[T]{chunks: chunks}
}

type chunkedReader[T any] struct {
	chunks [][]T
}

func (r *chunkedReader[T]) Read(values []T) (int, error) {
	if len(r.chunks) == 0 {
		return 0, io.EOF
	}
	n := copy(values, r.chunks[0])
	r.chunks = r.chunks[1:]
	return n, nil
}

type failingReader struct{ err error }

func (r *failingReader) Read([]int) (int, error) { return 0, r.err }
