package stream

import "io"

// Iterator is a helper to consume the values of a Reader one at a time.
type Iterator[T any] struct {
	base Reader[T]
	err  error
	off  int
	len  int
	buf  [100]T
}

// Values drains the iterator into a slice.
func Values[T any](it *Iterator[T]) ([]T, error) {
	var values []T
	for it.Next() {
		values = append(values, it.Value())
	}
	return values, it.Err()
}

// Iter constructs an Iterator over the values of r.
func Iter[T any](r Reader[T]) *Iterator[T] {
	return &Iterator[T]{base: r, off: -1}
}

// Next advances the iterator, it returns false when the underlying reader is
// exhausted or returned an error.
func (it *Iterator[T]) Next() bool {
	if it.off++; it.off < it.len {
		return true
	}
	return it.next()
}

// This is split out of Next so the hot code path incrementing the iterator
// offset and checking if we exhausted all the buffered values can be inlined.
func (it *Iterator[T]) next() bool {
	if it.base == nil || it.err != nil {
		return false
	}
	for {
		n, err := it.base.Read(it.buf[:])
		it.err = err
		it.off = 0
		it.len = n
		if n > 0 {
			return true
		}
		if err != nil {
			return false
		}
	}
}

// Value returns the current value. It is only valid after Next returned true.
func (it *Iterator[T]) Value() T {
	return it.buf[it.off]
}

// Err returns the error that stopped the iteration, or nil at end of stream.
func (it *Iterator[T]) Err() error {
	err := it.err
	if err == io.EOF {
		err = nil
	}
	return err
}
