package record

import (
	"fmt"
	"io"
	"reflect"
	"unicode/utf8"

	"github.com/stealthrocket/sysreplay/internal/trace"
)

type columns struct {
	ints  map[string]int
	bytes map[string]int
}

var schemas = func() map[trace.Kind]columns {
	m := make(map[trace.Kind]columns)
	for _, k := range trace.Kinds() {
		s := k.Schema()
		c := columns{
			ints:  make(map[string]int, len(s.Ints)),
			bytes: make(map[string]int, len(s.Bytes)),
		}
		for i, name := range s.Ints {
			c.ints[name] = i
		}
		for i, name := range s.Bytes {
			c.bytes[name] = i
		}
		m[k] = c
	}
	return m
}()

// decoder reads the columns of a row by name, so kinds of the same family
// with different layouts (open and openat) decode with the same code.
// Columns missing from the schema of the kind read as the default value.
type decoder struct {
	row  *trace.Row
	cols columns
}

func decoderOf(kind trace.Kind, row *trace.Row) decoder {
	return decoder{row: row, cols: schemas[kind]}
}

func (d decoder) int64(name string, def int64) int64 {
	if i, ok := d.cols.ints[name]; ok && i < len(d.row.Ints) {
		return d.row.Ints[i]
	}
	return def
}

func (d decoder) int(name string, def int) int {
	return int(d.int64(name, int64(def)))
}

func (d decoder) bytes(name string) []byte {
	if i, ok := d.cols.bytes[name]; ok {
		if b := d.row.Blob(i); len(b) > 0 {
			return append([]byte(nil), b...)
		}
	}
	return nil
}

func (d decoder) string(name string) string {
	if i, ok := d.cols.bytes[name]; ok {
		return d.row.String(i)
	}
	return ""
}

// next decodes the common attributes of the row at the cursor position into
// m, and returns the row.
func next(c *trace.Cursor, m *Meta) (*trace.Row, error) {
	row, ok := c.Peek(0)
	if !ok {
		if err := c.Err(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}
	m.decode(row)
	return row, nil
}

// prepare decodes a single-row record with the decode function, and moves
// the cursor past the row.
func prepare(c *trace.Cursor, m *Meta, kind trace.Kind, decode func(decoder)) error {
	row, err := next(c, m)
	if err != nil {
		return err
	}
	decode(decoderOf(kind, row))
	c.Advance(1)
	return nil
}

const maxDescribedBytes = 32

// describe writes the header of r followed by its exported fields.
func describe(w io.Writer, r Record) {
	r.Header().describe(w, r.Kind())

	v := reflect.ValueOf(r).Elem()
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if f.Anonymous || !f.IsExported() {
			continue
		}
		fmt.Fprintf(w, " %s=", f.Name)
		switch x := v.Field(i).Interface().(type) {
		case []byte:
			describeBytes(w, x)
		case [][]byte:
			fmt.Fprintf(w, "[%d]", len(x))
			for _, b := range x {
				io.WriteString(w, " ")
				describeBytes(w, b)
			}
		case string:
			fmt.Fprintf(w, "%q", x)
		default:
			fmt.Fprintf(w, "%v", x)
		}
	}
}

func describeBytes(w io.Writer, b []byte) {
	if len(b) > maxDescribedBytes {
		fmt.Fprintf(w, "(%d bytes)", len(b))
	} else if utf8.Valid(b) {
		fmt.Fprintf(w, "%q", b)
	} else {
		fmt.Fprintf(w, "%x", b)
	}
}
