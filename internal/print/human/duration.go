package human

import (
	"encoding"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"
)

const (
	Nanosecond  Duration = 1
	Microsecond Duration = 1000 * Nanosecond
	Millisecond Duration = 1000 * Microsecond
	Second      Duration = 1000 * Millisecond
	Minute      Duration = 60 * Second
	Hour        Duration = 60 * Minute
	Day         Duration = 24 * Hour
)

// Duration is based on time.Duration, but formats values with a single
// decimal unit, which reads better in tables of syscall latencies:
//
//	850ns
//	12.4µs
//	1.5s
//
// Parsing accepts everything time.ParseDuration does, plus a "d" unit for
// days.
type Duration time.Duration

func ParseDuration(s string) (Duration, error) {
	s = strings.TrimSpace(s)
	if s == "0" {
		return 0, nil
	}
	if head, unit := parseUnit(s); unit == "d" || match(unit, "days") && len(unit) > 1 {
		f, err := strconv.ParseFloat(head, 64)
		if err != nil {
			return 0, fmt.Errorf("malformed duration: %q: %w", s, err)
		}
		return Duration(f * float64(Day)), nil
	}
	d, err := time.ParseDuration(strings.ReplaceAll(s, " ", ""))
	if err != nil {
		return 0, fmt.Errorf("malformed duration: %q: %w", s, err)
	}
	return Duration(d), nil
}

type durationUnit struct {
	scale Duration
	unit  string
}

var durations = [...]durationUnit{
	{Nanosecond, "ns"},
	{Microsecond, "µs"},
	{Millisecond, "ms"},
	{Second, "s"},
	{Minute, "m"},
	{Hour, "h"},
	{Day, "d"},
}

func (d Duration) String() string {
	if d < 0 {
		return "-" + (-d).String()
	}
	scale, unit := Nanosecond, "ns"
	for i := len(durations) - 1; i >= 0; i-- {
		if d >= durations[i].scale {
			scale, unit = durations[i].scale, durations[i].unit
			break
		}
	}
	return ftoa(float64(d), float64(scale)) + unit
}

// Format satisfies the fmt.Formatter interface.
//
// The method supports the following formatting verbs:
//
//	d	integer number of nanoseconds
//	f	decimal number of seconds
//	s	same as calling String
//	v	same as the 's' format
func (d Duration) Format(w fmt.State, v rune) {
	var s string
	switch v {
	case 'd':
		s = strconv.FormatInt(int64(d), 10)
	case 'f':
		s = strconv.FormatFloat(time.Duration(d).Seconds(), 'f', -1, 64)
	case 's', 'v':
		s = d.String()
	default:
		s = printError(v, d, int64(d))
	}
	_, _ = io.WriteString(w, s)
}

func (d *Duration) Set(s string) error {
	p, err := ParseDuration(s)
	if err != nil {
		return err
	}
	*d = p
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d))
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	return json.Unmarshal(b, (*time.Duration)(d))
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

func (d *Duration) UnmarshalYAML(y *yaml.Node) error {
	var s string
	if err := y.Decode(&s); err != nil {
		return err
	}
	return d.Set(s)
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	return d.Set(string(b))
}

var (
	_ fmt.Formatter = Duration(0)
	_ fmt.Stringer  = Duration(0)

	_ json.Marshaler   = Duration(0)
	_ json.Unmarshaler = (*Duration)(nil)

	_ yaml.Marshaler   = Duration(0)
	_ yaml.Unmarshaler = (*Duration)(nil)

	_ encoding.TextMarshaler   = Duration(0)
	_ encoding.TextUnmarshaler = (*Duration)(nil)

	_ flag.Value = (*Duration)(nil)
)
