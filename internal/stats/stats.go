// Package stats aggregates the records observed during a replay or an
// analysis of a trace.
package stats

import (
	"math"
	"sync"
	"time"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/stealthrocket/sysreplay/internal/print/human"
	"github.com/stealthrocket/sysreplay/internal/record"
	"github.com/stealthrocket/sysreplay/internal/trace"
)

// Welford computes the running mean and variance of a series of values.
type Welford struct {
	count int64
	mean  float64
	m2    float64
	min   float64
	max   float64
}

func (w *Welford) Add(x float64) {
	w.count++
	if w.count == 1 {
		w.min, w.max = x, x
	} else {
		w.min = math.Min(w.min, x)
		w.max = math.Max(w.max, x)
	}
	delta := x - w.mean
	w.mean += delta / float64(w.count)
	w.m2 += delta * (x - w.mean)
}

func (w *Welford) Count() int64 { return w.count }

func (w *Welford) Mean() float64 { return w.mean }

func (w *Welford) Min() float64 { return w.min }

func (w *Welford) Max() float64 { return w.max }

// Variance returns the sample variance of the values.
func (w *Welford) Variance() float64 {
	if w.count < 2 {
		return 0
	}
	return w.m2 / float64(w.count-1)
}

func (w *Welford) Stddev() float64 { return math.Sqrt(w.Variance()) }

type syscallCounters struct {
	elapsed    Welford
	errors     int64
	mismatches int64
	forged     int64
}

// Syscalls counts the records per kind, and measures the time they took.
// The elapsed time is the replay time of records which were replayed, the
// captured duration of the others.
type Syscalls struct {
	mutex sync.Mutex
	kinds map[trace.Kind]*syscallCounters
}

func NewSyscalls() *Syscalls {
	return &Syscalls{kinds: make(map[trace.Kind]*syscallCounters)}
}

func (s *Syscalls) Observe(r record.Record) {
	h := r.Header()
	elapsed := h.Duration()
	if h.Replayed {
		elapsed = h.Elapsed
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	c := s.kinds[r.Kind()]
	if c == nil {
		c = new(syscallCounters)
		s.kinds[r.Kind()] = c
	}
	c.elapsed.Add(float64(elapsed))
	if h.Failed() {
		c.errors++
	}
	if !h.Consistent() {
		c.mismatches++
	}
	if h.Forged {
		c.forged++
	}
}

// SyscallStats is the summary of the records of one kind.
type SyscallStats struct {
	Kind       trace.Kind     `json:"kind"       yaml:"kind"       text:"SYSCALL"`
	Calls      int64          `json:"calls"      yaml:"calls"      text:"CALLS"`
	Errors     int64          `json:"errors"     yaml:"errors"     text:"ERRORS"`
	Mismatches int64          `json:"mismatches" yaml:"mismatches" text:"MISMATCHES"`
	Forged     int64          `json:"forged"     yaml:"forged"     text:"FORGED"`
	Min        human.Duration `json:"min"        yaml:"min"        text:"MIN"`
	Mean       human.Duration `json:"mean"       yaml:"mean"       text:"MEAN"`
	Max        human.Duration `json:"max"        yaml:"max"        text:"MAX"`
	Stddev     human.Duration `json:"stddev"     yaml:"stddev"     text:"STDDEV"`
}

// Stats returns the summaries of all kinds observed, in kind order.
func (s *Syscalls) Stats() []SyscallStats {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	kinds := maps.Keys(s.kinds)
	slices.Sort(kinds)

	stats := make([]SyscallStats, len(kinds))
	for i, k := range kinds {
		c := s.kinds[k]
		stats[i] = SyscallStats{
			Kind:       k,
			Calls:      c.elapsed.Count(),
			Errors:     c.errors,
			Mismatches: c.mismatches,
			Forged:     c.forged,
			Min:        human.Duration(time.Duration(c.elapsed.Min())),
			Mean:       human.Duration(time.Duration(c.elapsed.Mean())),
			Max:        human.Duration(time.Duration(c.elapsed.Max())),
			Stddev:     human.Duration(time.Duration(c.elapsed.Stddev())),
		}
	}
	return stats
}

// Mismatches returns the total number of records whose replayed result did
// not match the trace.
func (s *Syscalls) Mismatches() (n int64) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	for _, c := range s.kinds {
		n += c.mismatches
	}
	return n
}

type ioCounters struct {
	calls       int64
	requested   int64
	transferred int64
}

// IO accumulates the bytes requested and transferred by the records which
// carry data.
type IO struct {
	mutex sync.Mutex
	kinds map[trace.Kind]*ioCounters
}

func NewIO() *IO {
	return &IO{kinds: make(map[trace.Kind]*ioCounters)}
}

func (s *IO) Observe(r record.Record) {
	rec, ok := r.(record.IO)
	if !ok {
		return
	}
	requested, transferred := rec.Bytes()

	s.mutex.Lock()
	defer s.mutex.Unlock()

	c := s.kinds[r.Kind()]
	if c == nil {
		c = new(ioCounters)
		s.kinds[r.Kind()] = c
	}
	c.calls++
	c.requested += requested
	c.transferred += transferred
}

// IOStats is the summary of the data transferred by the records of one kind.
type IOStats struct {
	Kind        trace.Kind  `json:"kind"        yaml:"kind"        text:"SYSCALL"`
	Calls       int64       `json:"calls"       yaml:"calls"       text:"CALLS"`
	Requested   human.Bytes `json:"requested"   yaml:"requested"   text:"REQUESTED"`
	Transferred human.Bytes `json:"transferred" yaml:"transferred" text:"TRANSFERRED"`
}

func (s *IO) Stats() []IOStats {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	kinds := maps.Keys(s.kinds)
	slices.Sort(kinds)

	stats := make([]IOStats, len(kinds))
	for i, k := range kinds {
		c := s.kinds[k]
		stats[i] = IOStats{
			Kind:        k,
			Calls:       c.calls,
			Requested:   human.Bytes(c.requested),
			Transferred: human.Bytes(c.transferred),
		}
	}
	return stats
}
