package textprint

import (
	"bufio"
	"fmt"
	"io"

	"github.com/stealthrocket/sysreplay/internal/stream"
)

const (
	defaultFormat    = "%v\n"
	defaultSeparator = ""
)

type WriterOption[T any] func(*writer[T])

// Format sets the fmt verb string used to print each value.
func Format[T any](s string) WriterOption[T] {
	return func(w *writer[T]) { w.format = s }
}

// Separator sets a string written between consecutive values.
func Separator[T any](s string) WriterOption[T] {
	return func(w *writer[T]) { w.separator = s }
}

// NewWriter returns a writer printing each value with fmt, one after the other.
func NewWriter[T any](w io.Writer, opts ...WriterOption[T]) stream.WriteCloser[T] {
	nw := &writer[T]{
		output:    bufio.NewWriter(w),
		format:    defaultFormat,
		separator: defaultSeparator,
	}
	for _, opt := range opts {
		opt(nw)
	}
	return nw
}

type writer[T any] struct {
	output    *bufio.Writer
	count     int
	format    string
	separator string
}

func (w *writer[T]) Write(values []T) (int, error) {
	for n, v := range values {
		if w.count++; w.count > 1 && w.separator != "" {
			if _, err := io.WriteString(w.output, w.separator); err != nil {
				return n, err
			}
		}
		if _, err := fmt.Fprintf(w.output, w.format, v); err != nil {
			return n, err
		}
	}
	return len(values), nil
}

func (w *writer[T]) Close() error {
	return w.output.Flush()
}
