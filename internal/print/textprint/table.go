package textprint

import (
	"io"
	"reflect"
	"strings"
	"text/tabwriter"

	"golang.org/x/exp/slices"

	"github.com/stealthrocket/sysreplay/internal/stream"
)

type TableOption[T any] func(*tableWriter[T])

// OrderBy sorts the rows with the less function before rendering the table.
func OrderBy[T any](less func(T, T) bool) TableOption[T] {
	return func(t *tableWriter[T]) { t.orderBy = less }
}

// Footer appends a last row rendered after the sorted rows, typically a
// total line.
func Footer[T any](value T) TableOption[T] {
	return func(t *tableWriter[T]) { t.footer = append(t.footer, value) }
}

// NewTableWriter returns a writer which buffers values of type T and renders
// them as a table on Close. Columns are the visible fields of T, named after
// their "text" struct tag. Fields tagged "-" are omitted.
func NewTableWriter[T any](w io.Writer, opts ...TableOption[T]) stream.WriteCloser[T] {
	t := &tableWriter[T]{output: w}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

type tableWriter[T any] struct {
	output  io.Writer
	values  []T
	footer  []T
	orderBy func(T, T) bool
}

func (t *tableWriter[T]) Write(values []T) (int, error) {
	t.values = append(t.values, values...)
	return len(values), nil
}

func (t *tableWriter[T]) Close() error {
	if t.orderBy != nil {
		slices.SortFunc(t.values, t.orderBy)
	}

	valueType := reflect.TypeOf((*T)(nil)).Elem()
	deref := valueType.Kind() == reflect.Pointer
	if deref {
		valueType = valueType.Elem()
	}

	var columns []string
	var encoders []encodeFunc
	for _, f := range reflect.VisibleFields(valueType) {
		if !f.IsExported() || f.Anonymous {
			continue
		}
		name := f.Name
		if tag, ok := f.Tag.Lookup("text"); ok {
			name, _, _ = strings.Cut(tag, ",")
		}
		if name == "-" {
			continue
		}
		columns = append(columns, name)
		encoders = append(encoders, encodeFuncOfStructField(f.Type, f.Index))
	}

	tw := tabwriter.NewWriter(t.output, 0, 4, 2, ' ', 0)

	if _, err := io.WriteString(tw, strings.Join(columns, "\t")+"\n"); err != nil {
		return err
	}

	rows := append(t.values, t.footer...)
	for i := range rows {
		v := reflect.ValueOf(&rows[i]).Elem()
		if deref {
			if v.IsNil() {
				continue
			}
			v = v.Elem()
		}
		for j, enc := range encoders {
			if j > 0 {
				if _, err := io.WriteString(tw, "\t"); err != nil {
					return err
				}
			}
			if err := enc(tw, v); err != nil {
				return err
			}
		}
		if _, err := io.WriteString(tw, "\n"); err != nil {
			return err
		}
	}

	return tw.Flush()
}
