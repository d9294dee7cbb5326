// Package csvconv converts traces from CSV files to the binary trace format.
//
// Each CSV row holds one trace row:
//
//	kind, unique_id, time_called, time_returned, time_recorded, pid,
//	return_value, errno, <integer columns...>, <byte columns...>
//
// where the integer and byte columns are those of the schema of the kind.
// Times are integers in units of 1/2^32 seconds, or decimal seconds. Byte
// columns are taken verbatim, unless they start with "hex:" in which case
// the rest of the field is hex-decoded.
package csvconv

import (
	"encoding/csv"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/stealthrocket/sysreplay/internal/trace"
)

const (
	hexPrefix    = "hex:"
	commonFields = 8
)

// Stats counts the rows processed by a converter.
type Stats struct {
	Rows      int64 `json:"rows"      yaml:"rows"`
	Malformed int64 `json:"malformed" yaml:"malformed"`
}

// Converter appends the rows of CSV inputs to a trace writer.
type Converter struct {
	output *trace.Writer
	log    logrus.FieldLogger
	stats  Stats
}

func New(output *trace.Writer, log logrus.FieldLogger) *Converter {
	return &Converter{output: output, log: log}
}

// Stats returns the number of rows converted and skipped so far.
func (c *Converter) Stats() Stats { return c.stats }

// Convert reads the CSV rows of input and appends them to the trace. Malformed
// rows are logged and skipped; the returned error is only set when input or
// the trace writer fail.
func (c *Converter) Convert(input io.Reader, name string) error {
	r := csv.NewReader(input)
	r.FieldsPerRecord = -1
	r.ReuseRecord = true

	var row trace.Row
	for first := true; ; first = false {
		fields, err := r.Read()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				c.malformed(name, perr.Line, err)
				continue
			}
			return fmt.Errorf("reading %s: %w", name, err)
		}
		line, _ := r.FieldPos(0)

		if first && len(fields) > 0 && fields[0] == "kind" {
			continue
		}

		kind, err := parseRow(&row, fields)
		if err != nil {
			c.malformed(name, line, err)
			continue
		}
		if err := c.output.Append(kind, &row); err != nil {
			if errors.Is(err, trace.ErrOutOfOrder) {
				c.malformed(name, line, err)
				continue
			}
			return fmt.Errorf("%s:%d: %w", name, line, err)
		}
		c.stats.Rows++
	}
}

func (c *Converter) malformed(name string, line int, err error) {
	c.stats.Malformed++
	c.log.WithFields(logrus.Fields{
		"file": name,
		"line": line,
	}).Warnf("skipping malformed row: %s", err)
}

// parseRow decodes fields into row, reusing its slices.
func parseRow(row *trace.Row, fields []string) (trace.Kind, error) {
	if len(fields) == 0 {
		return 0, errors.New("empty row")
	}
	kind, err := trace.ParseKind(strings.TrimSpace(fields[0]))
	if err != nil {
		return 0, err
	}
	schema := kind.Schema()
	if want := commonFields + len(schema.Ints) + len(schema.Bytes); len(fields) != want {
		return 0, fmt.Errorf("%s rows have %d fields, got %d", kind, want, len(fields))
	}

	p := parser{fields: fields}
	row.UniqueID = p.uint64("unique_id", 1)
	row.TimeCalled = p.tfrac("time_called", 2)
	row.TimeReturned = p.tfrac("time_returned", 3)
	row.TimeRecorded = p.tfrac("time_recorded", 4)
	row.PID = int32(p.int("pid", 5, 32))
	row.ReturnValue = p.int("return_value", 6, 64)
	row.Errno = int32(p.int("errno", 7, 32))

	row.Ints = row.Ints[:0]
	for i, name := range schema.Ints {
		row.Ints = append(row.Ints, p.int(name, commonFields+i, 64))
	}
	row.Blobs = row.Blobs[:0]
	for i, name := range schema.Bytes {
		row.Blobs = append(row.Blobs, p.bytes(name, commonFields+len(schema.Ints)+i))
	}
	return kind, p.err
}

// parser records the first error encountered while decoding fields.
type parser struct {
	fields []string
	err    error
}

func (p *parser) fail(name string, err error) {
	if p.err == nil {
		p.err = fmt.Errorf("column %s: %w", name, err)
	}
}

func (p *parser) uint64(name string, i int) uint64 {
	v, err := strconv.ParseUint(strings.TrimSpace(p.fields[i]), 10, 64)
	if err != nil {
		p.fail(name, err)
	}
	return v
}

func (p *parser) int(name string, i, bits int) int64 {
	v, err := strconv.ParseInt(strings.TrimSpace(p.fields[i]), 0, bits)
	if err != nil {
		p.fail(name, err)
	}
	return v
}

func (p *parser) tfrac(name string, i int) trace.Tfrac {
	t, err := trace.ParseTfrac(strings.TrimSpace(p.fields[i]))
	if err != nil {
		p.fail(name, err)
	}
	return t
}

func (p *parser) bytes(name string, i int) []byte {
	s := p.fields[i]
	if !strings.HasPrefix(s, hexPrefix) {
		return []byte(s)
	}
	b, err := hex.DecodeString(s[len(hexPrefix):])
	if err != nil {
		p.fail(name, err)
	}
	return b
}
