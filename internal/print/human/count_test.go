package human

import (
	"fmt"
	"testing"
)

func TestCountParse(t *testing.T) {
	for _, test := range []struct {
		in  string
		out Count
	}{
		{in: "0", out: 0},
		{in: "1234", out: 1234},
		{in: "10K", out: 10 * K},
		{in: "1.5 M", out: 1500 * K},
	} {
		t.Run(test.in, func(t *testing.T) {
			c, err := ParseCount(test.in)
			if err != nil {
				t.Fatal(err)
			}
			if c != test.out {
				t.Error("parsed count mismatch:", c, "!=", test.out)
			}
		})
	}
}

func TestCountFormat(t *testing.T) {
	for _, test := range []struct {
		in  Count
		out string
	}{
		{in: 0, out: "0"},
		{in: 1234, out: "1234"},
		{in: 12500, out: "12.5K"},
		{in: 3 * M, out: "3M"},
	} {
		t.Run(test.out, func(t *testing.T) {
			if s := fmt.Sprint(test.in); s != test.out {
				t.Error("formatted count mismatch:", s, "!=", test.out)
			}
		})
	}
}
