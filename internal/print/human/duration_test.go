package human

import (
	"fmt"
	"testing"
)

func TestDurationParse(t *testing.T) {
	for _, test := range []struct {
		in  string
		out Duration
	}{
		{in: "0", out: 0},
		{in: "1ns", out: Nanosecond},
		{in: "250ms", out: 250 * Millisecond},
		{in: "1m30s", out: Minute + 30*Second},
		{in: "2d", out: 2 * Day},
		{in: "1.5 days", out: Day + 12*Hour},
	} {
		t.Run(test.in, func(t *testing.T) {
			d, err := ParseDuration(test.in)
			if err != nil {
				t.Fatal(err)
			}
			if d != test.out {
				t.Error("parsed duration mismatch:", d, "!=", test.out)
			}
		})
	}
}

func TestDurationFormat(t *testing.T) {
	for _, test := range []struct {
		in  Duration
		fmt string
		out string
	}{
		{in: 0, fmt: "%v", out: "0ns"},
		{in: 850, fmt: "%v", out: "850ns"},
		{in: 12400, fmt: "%s", out: "12.4µs"},
		{in: 1500 * Millisecond, fmt: "%v", out: "1.5s"},
		{in: -2 * Millisecond, fmt: "%v", out: "-2ms"},
		{in: 1500 * Millisecond, fmt: "%f", out: "1.5"},
		{in: 42, fmt: "%d", out: "42"},
	} {
		t.Run(test.out, func(t *testing.T) {
			if s := fmt.Sprintf(test.fmt, test.in); s != test.out {
				t.Error("formatted duration mismatch:", s, "!=", test.out)
			}
		})
	}
}
