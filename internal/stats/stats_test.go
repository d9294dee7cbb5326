package stats_test

import (
	"bytes"
	"encoding/json"
	"math"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/stealthrocket/sysreplay/internal/assert"
	"github.com/stealthrocket/sysreplay/internal/print/human"
	"github.com/stealthrocket/sysreplay/internal/record"
	"github.com/stealthrocket/sysreplay/internal/stats"
	"github.com/stealthrocket/sysreplay/internal/trace"
)

func TestWelford(t *testing.T) {
	var w stats.Welford
	for _, x := range []float64{2, 4, 4, 4, 5, 5, 7, 9} {
		w.Add(x)
	}
	assert.Equal(t, w.Count(), int64(8))
	assert.Equal(t, w.Mean(), 5.0)
	assert.Equal(t, w.Min(), 2.0)
	assert.Equal(t, w.Max(), 9.0)
	assert.True(t, math.Abs(w.Variance()-32.0/7) < 1e-9)

	var one stats.Welford
	one.Add(3)
	assert.Equal(t, one.Stddev(), 0.0)
}

func write(uid uint64, count, ret int64, replayed bool) record.Record {
	r := record.New(trace.Write)
	r.(*record.Write).Count = count
	*r.Header() = record.Meta{
		UniqueID:     uid,
		PID:          1,
		TimeCalled:   trace.Tfrac(uid) << 32,
		TimeReturned: trace.Tfrac(uid)<<32 + 1<<31, // 500ms
		ReturnValue:  ret,
	}
	if replayed {
		h := r.Header()
		h.Replayed = true
		h.ReplayedValue = count
		h.Elapsed = 2 * time.Millisecond
	}
	return r
}

func TestSyscalls(t *testing.T) {
	s := stats.NewSyscalls()
	s.Observe(write(1, 10, 10, false))
	s.Observe(write(2, 10, 10, true))
	s.Observe(write(3, 10, 4, true))
	s.Observe(record.New(trace.Fsync))

	list := s.Stats()
	assert.Equal(t, len(list), 2)
	assert.Equal(t, list[0].Kind, trace.Write)
	assert.Equal(t, list[0].Calls, int64(3))
	assert.Equal(t, list[0].Mismatches, int64(1))
	assert.Equal(t, list[0].Min, human.Duration(2*time.Millisecond))
	assert.Equal(t, list[0].Max, human.Duration(500*time.Millisecond))
	assert.Equal(t, list[1].Kind, trace.Fsync)
	assert.Equal(t, s.Mismatches(), int64(1))
}

func TestIO(t *testing.T) {
	s := stats.NewIO()
	s.Observe(write(1, 10, 10, false))
	s.Observe(write(2, 20, 5, false))
	s.Observe(record.New(trace.Fsync))

	list := s.Stats()
	assert.Equal(t, len(list), 1)
	assert.Equal(t, list[0], stats.IOStats{
		Kind:        trace.Write,
		Calls:       2,
		Requested:   30,
		Transferred: 15,
	})
}

func report() *stats.Report {
	s, io := stats.NewSyscalls(), stats.NewIO()
	for i := uint64(1); i <= 3; i++ {
		r := write(i, 1024, 1024, true)
		s.Observe(r)
		io.Observe(r)
	}
	return &stats.Report{
		Session:  "9f1c",
		Mode:     "replay",
		Duration: human.Duration(time.Second),
		Records:  3,
		Syscalls: s.Stats(),
		IO:       io.Stats(),
	}
}

func TestWriteReportText(t *testing.T) {
	b := new(bytes.Buffer)
	assert.OK(t, stats.WriteReport(b, stats.Text, report()))
	out := b.String()

	assert.HasPrefix(t, out, "session:    9f1c\nmode:       replay\n")
	assert.True(t, strings.Contains(out, "  SYSCALL  CALLS  ERRORS  MISMATCHES"))
	assert.True(t, strings.Contains(out, "  write    3"))
	assert.True(t, strings.Contains(out, "  total    3      3 KiB"))
	assert.False(t, strings.Contains(out, "orphans"))
}

func TestWriteReportJSON(t *testing.T) {
	b := new(bytes.Buffer)
	assert.OK(t, stats.WriteReport(b, stats.JSON, report()))

	var r struct {
		Session  string `json:"session"`
		Syscalls []struct {
			Kind  string `json:"kind"`
			Calls int64  `json:"calls"`
		} `json:"syscalls"`
	}
	assert.OK(t, json.Unmarshal(b.Bytes(), &r))
	assert.Equal(t, r.Session, "9f1c")
	assert.Equal(t, len(r.Syscalls), 1)
	assert.Equal(t, r.Syscalls[0].Kind, "write")
	assert.Equal(t, r.Syscalls[0].Calls, int64(3))
}

func TestWriteReportYAML(t *testing.T) {
	b := new(bytes.Buffer)
	assert.OK(t, stats.WriteReport(b, stats.YAML, report()))

	var r struct {
		Mode string `yaml:"mode"`
		IO   []struct {
			Kind        string `yaml:"kind"`
			Transferred uint64 `yaml:"transferred"`
		} `yaml:"io"`
	}
	assert.OK(t, yaml.Unmarshal(b.Bytes(), &r))
	assert.Equal(t, r.Mode, "replay")
	assert.Equal(t, len(r.IO), 1)
	assert.Equal(t, r.IO[0].Kind, "write")
	assert.Equal(t, r.IO[0].Transferred, uint64(3072))
}

func TestFormatSet(t *testing.T) {
	var f stats.Format
	assert.OK(t, f.Set("yaml"))
	assert.Equal(t, f, stats.YAML)
	assert.NotEqual(t, f.Set("xml"), nil)
}
