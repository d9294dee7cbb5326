package scheduler

import (
	"fmt"

	"github.com/stealthrocket/sysreplay/internal/record"
)

// OrderingPolicy decides whether a record may start while other records are
// in flight, based on the timestamps captured in the trace.
type OrderingPolicy int

const (
	// Overlap lets a record run if it overlaps at least one record in
	// flight, or if no record in flight returned before it was called.
	Overlap OrderingPolicy = iota
	// Strict lets a record run only if no record in flight returned before
	// it was called.
	Strict
	// None disables the check.
	None
)

func (p OrderingPolicy) String() string {
	switch p {
	case Overlap:
		return "overlap"
	case Strict:
		return "strict"
	case None:
		return "none"
	default:
		return fmt.Sprintf("OrderingPolicy(%d)", int(p))
	}
}

func (p *OrderingPolicy) Set(s string) error {
	switch s {
	case "overlap":
		*p = Overlap
	case "strict":
		*p = Strict
	case "none":
		*p = None
	default:
		return fmt.Errorf("unsupported ordering policy: %q (expected overlap, strict, or none)", s)
	}
	return nil
}

func (p OrderingPolicy) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *OrderingPolicy) UnmarshalText(b []byte) error {
	return p.Set(string(b))
}

// allows reports whether r may start given the records in flight, which are
// the records running on other workers and the lower ready records of other
// workers.
func (p OrderingPolicy) allows(r *record.Meta, inflight []*record.Meta) bool {
	if p == None || len(inflight) == 0 {
		return true
	}
	returnedBefore, overlaps := false, false
	for _, o := range inflight {
		if o.TimeReturned < r.TimeCalled {
			returnedBefore = true
		}
		if o.TimeCalled <= r.TimeReturned && r.TimeCalled <= o.TimeReturned {
			overlaps = true
		}
	}
	if p == Strict {
		return !returnedBefore
	}
	return overlaps || !returnedBefore
}

// MismatchPolicy is the reaction to records whose replayed result differs
// from the result captured in the trace.
type MismatchPolicy int

const (
	// Count only counts the mismatches.
	Count MismatchPolicy = iota
	// Warn counts and logs the mismatches.
	Warn
	// Abort stops the replay at the first mismatch.
	Abort
)

func (p MismatchPolicy) String() string {
	switch p {
	case Count:
		return "default"
	case Warn:
		return "warn"
	case Abort:
		return "abort"
	default:
		return fmt.Sprintf("MismatchPolicy(%d)", int(p))
	}
}

func (p *MismatchPolicy) Set(s string) error {
	switch s {
	case "default":
		*p = Count
	case "warn":
		*p = Warn
	case "abort":
		*p = Abort
	default:
		return fmt.Errorf("unsupported mismatch policy: %q (expected default, warn, or abort)", s)
	}
	return nil
}

func (p MismatchPolicy) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *MismatchPolicy) UnmarshalText(b []byte) error {
	return p.Set(string(b))
}
