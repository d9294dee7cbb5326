// Package yamlprint writes streams of values as a sequence of YAML documents.
package yamlprint

import (
	"io"

	"gopkg.in/yaml.v3"

	"github.com/stealthrocket/sysreplay/internal/stream"
)

// NewWriter returns a writer encoding each value as a YAML document.
func NewWriter[T any](w io.Writer) stream.WriteCloser[T] {
	e := yaml.NewEncoder(w)
	e.SetIndent(2)
	return &writer[T]{enc: e}
}

type writer[T any] struct {
	enc   *yaml.Encoder
	count int
}

func (w *writer[T]) Write(values []T) (int, error) {
	for i := range values {
		if err := w.enc.Encode(values[i]); err != nil {
			return i, err
		}
		w.count++
	}
	return len(values), nil
}

func (w *writer[T]) Close() error {
	if w.count == 0 {
		return nil
	}
	return w.enc.Close()
}
