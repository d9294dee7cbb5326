package trace

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Tfrac is a fixed-point timestamp expressed in units of 1/2^32 of a second.
//
// Traces store the call, return and record times of each syscall in this
// format; the upper 32 bits hold the seconds and the lower 32 bits the
// fraction of a second.
type Tfrac int64

const tfracOne = 1 << 32

// TfracOf converts a duration to a fixed-point timestamp.
func TfracOf(d time.Duration) Tfrac {
	sec := int64(d / time.Second)
	rem := int64(d % time.Second)
	if rem < 0 {
		sec--
		rem += int64(time.Second)
	}
	return Tfrac(sec<<32 | (rem<<32)/int64(time.Second))
}

// TfracOfSeconds converts a number of seconds to a fixed-point timestamp.
func TfracOfSeconds(s float64) Tfrac {
	return Tfrac(math.Round(s * tfracOne))
}

// ParseTfrac parses either an integer number of 1/2^32 seconds, or a decimal
// number of seconds when s contains a dot.
func ParseTfrac(s string) (Tfrac, error) {
	if strings.ContainsAny(s, ".eE") {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, fmt.Errorf("malformed timestamp: %q: %w", s, err)
		}
		return TfracOfSeconds(f), nil
	}
	i, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed timestamp: %q: %w", s, err)
	}
	return Tfrac(i), nil
}

// Duration converts t to a duration, truncating to the nanosecond.
func (t Tfrac) Duration() time.Duration {
	sec := int64(t) >> 32
	frac := int64(t) & (tfracOne - 1)
	return time.Duration(sec)*time.Second + time.Duration((frac*int64(time.Second))>>32)
}

// Seconds returns t as a floating point number of seconds.
func (t Tfrac) Seconds() float64 {
	return float64(t) / tfracOne
}

// Time interprets t as a time relative to the unix epoch.
func (t Tfrac) Time() time.Time {
	return time.Unix(0, 0).Add(t.Duration())
}

func (t Tfrac) String() string {
	d := t.Duration()
	sign := ""
	if d < 0 {
		sign, d = "-", -d
	}
	return fmt.Sprintf("%s%d.%09d", sign, d/time.Second, d%time.Second)
}
