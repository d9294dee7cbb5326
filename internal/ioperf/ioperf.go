// Package ioperf contains I/O helpers used on the hot paths of trace
// conversion.
package ioperf

import (
	"io"
)

// DefaultPrefetchSize is the size of the buffer shared by the two halves of
// a prefetch reader.
const DefaultPrefetchSize = 256 * 1024

// NewPrefetchReader returns a reader which reads from r in a background
// goroutine, filling one half of a buffer while the caller consumes the
// other half.
//
// The returned reader must be closed to release the goroutine. Close does
// not close r.
func NewPrefetchReader(r io.Reader, size int) io.ReadCloser {
	if size < 2 {
		size = DefaultPrefetchSize
	}
	buf := make([]byte, size)
	split := size / 2

	bufs := make(chan []byte)
	errs := make(chan error, 1)
	free := make(chan []byte, 2)
	free <- buf[:split:split]
	free <- buf[split:]

	go prefetch(r, bufs, errs, free)

	return &prefetchReader{bufs: bufs, errs: errs, free: free}
}

type prefetchReader struct {
	buffer []byte
	offset int

	bufs <-chan []byte
	errs <-chan error
	free chan<- []byte
	err  error
}

func (r *prefetchReader) Read(b []byte) (int, error) {
	if r.offset == len(r.buffer) {
		if r.err != nil {
			return 0, r.err
		}
		if r.free == nil {
			return 0, io.ErrClosedPipe
		}
		if r.buffer != nil {
			r.free <- r.buffer
			r.buffer, r.offset = nil, 0
		}

		select {
		case buf, ok := <-r.bufs:
			if !ok {
				// The error, if any, was queued before bufs was closed.
				return 0, r.fail(<-r.errs)
			}
			r.buffer = buf
		case err := <-r.errs:
			return 0, r.fail(err)
		}
	}

	n := copy(b, r.buffer[r.offset:])
	r.offset += n
	return n, nil
}

func (r *prefetchReader) fail(err error) error {
	if err == nil {
		err = io.EOF
	}
	r.err = err
	return err
}

func (r *prefetchReader) Close() error {
	if r.free == nil {
		return nil
	}
	close(r.free)
	r.free = nil
	for range r.bufs {
	}
	for range r.errs {
	}
	return nil
}

func prefetch(r io.Reader, bufs chan<- []byte, errs chan<- error, free <-chan []byte) {
	defer close(errs)
	defer close(bufs)

	for b := range free {
		n, err := r.Read(b[:cap(b)])
		if n > 0 {
			bufs <- b[:n]
		}
		if err != nil {
			errs <- err
			return
		}
	}
}
