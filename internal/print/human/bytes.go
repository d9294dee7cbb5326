package human

import (
	"encoding"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math"
	"strconv"

	yaml "gopkg.in/yaml.v3"
)

// Bytes represents a number of bytes.
//
// Values are parsed from representations like "42 KB", "8Gi" or "1.5KiB",
// with factors of 1000 (KB, MB, ...) or 1024 (KiB, MiB, ...). Formatting
// always uses factors of 1024.
type Bytes uint64

const (
	B Bytes = 1

	KB Bytes = 1000 * B
	MB Bytes = 1000 * KB
	GB Bytes = 1000 * MB
	TB Bytes = 1000 * GB

	KiB Bytes = 1024 * B
	MiB Bytes = 1024 * KiB
	GiB Bytes = 1024 * MiB
	TiB Bytes = 1024 * GiB
)

type byteUnit struct {
	scale Bytes
	unit  string
}

var bytes1000 = [...]byteUnit{
	{B, "B"},
	{KB, "KB"},
	{MB, "MB"},
	{GB, "GB"},
	{TB, "TB"},
}

var bytes1024 = [...]byteUnit{
	{B, "B"},
	{KiB, "KiB"},
	{MiB, "MiB"},
	{GiB, "GiB"},
	{TiB, "TiB"},
}

func ParseBytes(s string) (Bytes, error) {
	value, unit := parseUnit(s)

	scale := Bytes(0)
	switch {
	case unit == "", match(unit, "B"):
		scale = B
	default:
		for _, units := range [][]byteUnit{bytes1000[1:], bytes1024[1:]} {
			for _, u := range units {
				if match(unit, u.unit) {
					scale = u.scale
					break
				}
			}
			if scale != 0 {
				break
			}
		}
	}
	if scale == 0 {
		return 0, fmt.Errorf("malformed bytes representation: %q", s)
	}

	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed bytes representation: %q: %w", s, err)
	}
	if f < 0 {
		return 0, fmt.Errorf("invalid negative byte count: %q", s)
	}
	return Bytes(math.Floor(f * float64(scale))), nil
}

func (b Bytes) String() string {
	return b.formatWith(bytes1024[:])
}

// Format satisfies the fmt.Formatter interface.
//
// The method supports the following formatting verbs:
//
//	d	base 10, unit-less
//	b	base 10, with unit using 1000 factors
//	s	base 10, with unit using 1024 factors (same as calling String)
//	v	same as the 's' format
func (b Bytes) Format(w fmt.State, v rune) {
	var s string
	switch v {
	case 'd':
		s = strconv.FormatUint(uint64(b), 10)
	case 'b':
		s = b.formatWith(bytes1000[:])
	case 's', 'v':
		s = b.String()
	default:
		s = printError(v, b, uint64(b))
	}
	_, _ = io.WriteString(w, s)
}

func (b Bytes) formatWith(units []byteUnit) string {
	scale, unit := B, "B"
	for i := len(units) - 1; i >= 0; i-- {
		if b >= units[i].scale {
			scale, unit = units[i].scale, units[i].unit
			break
		}
	}
	return ftoa(float64(b), float64(scale)) + " " + unit
}

func (b *Bytes) Set(s string) error {
	p, err := ParseBytes(s)
	if err != nil {
		return err
	}
	*b = p
	return nil
}

func (b Bytes) MarshalJSON() ([]byte, error) {
	return json.Marshal(uint64(b))
}

func (b *Bytes) UnmarshalJSON(j []byte) error {
	return json.Unmarshal(j, (*uint64)(b))
}

func (b Bytes) MarshalYAML() (any, error) {
	return uint64(b), nil
}

func (b *Bytes) UnmarshalYAML(y *yaml.Node) error {
	var s string
	if err := y.Decode(&s); err != nil {
		return err
	}
	return b.Set(s)
}

func (b Bytes) MarshalText() ([]byte, error) {
	return []byte(b.String()), nil
}

func (b *Bytes) UnmarshalText(t []byte) error {
	return b.Set(string(t))
}

var (
	_ fmt.Formatter = Bytes(0)
	_ fmt.Stringer  = Bytes(0)

	_ json.Marshaler   = Bytes(0)
	_ json.Unmarshaler = (*Bytes)(nil)

	_ yaml.Marshaler   = Bytes(0)
	_ yaml.Unmarshaler = (*Bytes)(nil)

	_ encoding.TextMarshaler   = Bytes(0)
	_ encoding.TextUnmarshaler = (*Bytes)(nil)

	_ flag.Value = (*Bytes)(nil)
)
