// Package record decodes the rows of a trace into records, and replays
// records against the live kernel.
//
// There is one record type per family of syscalls (open, openat and creat
// share the Open type, for example); the kind of a record is fixed when it
// is constructed with New. Records own their memory: Prepare copies every
// buffer out of the trace rows, and a record is never modified after it was
// prepared except to store the result of its replay, so Clone only needs a
// shallow copy.
package record

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/stealthrocket/sysreplay/internal/resource"
	"github.com/stealthrocket/sysreplay/internal/trace"
)

// ErrMalformed is returned by Prepare when the rows of a multi-row record are
// missing or inconsistent.
var ErrMalformed = errors.New("malformed record")

// Record is the decoded form of one traced syscall.
type Record interface {
	// Header returns the attributes common to all records.
	Header() *Meta
	// Kind returns the syscall kind of the record.
	Kind() trace.Kind
	// Prepare decodes the record from the rows at the cursor position and
	// moves the cursor past them.
	Prepare(c *trace.Cursor) error
	// Replay issues the syscall and stores the result in the record header.
	Replay(env *Env)
	// Describe writes the fields of the record to w.
	Describe(w io.Writer)
	// Clone returns a copy of the record which shares no mutable state with
	// the original.
	Clone() Record
}

// IO is implemented by records which transfer data.
type IO interface {
	Record
	// Bytes returns the number of bytes requested by the call, and the
	// number of bytes transferred (replayed when the record was replayed,
	// captured otherwise).
	Bytes() (requested, transferred int64)
}

// Spawner starts the replay of a traced process created by clone or vfork.
type Spawner interface {
	Spawn(pid int)
}

// SpawnerFunc adapts a function to the Spawner interface.
type SpawnerFunc func(pid int)

func (f SpawnerFunc) Spawn(pid int) { f(pid) }

// Env is the environment records are replayed in.
type Env struct {
	Resources *resource.Manager
	Log       logrus.FieldLogger
	Pattern   Pattern
	// When Verify is true, the data read by the replay is compared to the
	// data captured in the trace.
	Verify  bool
	Spawner Spawner
}

func (env *Env) spawn(pid int) {
	if env.Spawner != nil {
		env.Spawner.Spawn(pid)
	}
}

// Meta holds the attributes common to all records: the identity of the call
// and its captured result, and once replayed, its replayed result.
type Meta struct {
	UniqueID     uint64
	PID          int
	TimeCalled   trace.Tfrac
	TimeReturned trace.Tfrac
	TimeRecorded trace.Tfrac
	ReturnValue  int64
	Errno        int

	// Replayed is true once the record went through Replay.
	Replayed bool
	// Forged is true when the replayed result was copied from the trace
	// instead of being produced by a live syscall.
	Forged bool
	// DataMismatch is set in verify mode when the data read differs from
	// the data captured.
	DataMismatch bool

	ReplayedValue int64
	ReplayedErrno int
	Elapsed       time.Duration

	// The call returns a new descriptor; only success or failure has to
	// match the captured result.
	producesFD bool
}

func (m *Meta) Header() *Meta { return m }

// Duration returns the captured duration of the call.
func (m *Meta) Duration() time.Duration {
	return (m.TimeReturned - m.TimeCalled).Duration()
}

// Failed reports whether the captured call failed.
func (m *Meta) Failed() bool { return m.ReturnValue < 0 }

// Result returns the replayed result of the call when it was replayed, the
// captured one otherwise.
func (m *Meta) Result() (value int64, errno int) {
	if m.Replayed {
		return m.ReplayedValue, m.ReplayedErrno
	}
	return m.ReturnValue, m.Errno
}

// Consistent reports whether the replayed result matches the captured one.
// Records which were not replayed are always consistent.
func (m *Meta) Consistent() bool {
	switch {
	case !m.Replayed:
		return true
	case m.DataMismatch:
		return false
	case m.producesFD:
		return (m.ReturnValue < 0) == (m.ReplayedValue < 0)
	case m.ReturnValue < 0:
		return m.ReplayedValue < 0 && m.Errno == m.ReplayedErrno
	default:
		return m.ReplayedValue == m.ReturnValue
	}
}

func (m *Meta) decode(row *trace.Row) {
	*m = Meta{
		UniqueID:     row.UniqueID,
		PID:          int(row.PID),
		TimeCalled:   row.TimeCalled,
		TimeReturned: row.TimeReturned,
		TimeRecorded: row.TimeRecorded,
		ReturnValue:  row.ReturnValue,
		Errno:        int(row.Errno),
	}
}

// forge adopts the captured result as the replayed result.
func (m *Meta) forge() {
	m.Replayed, m.Forged = true, true
	m.ReplayedValue, m.ReplayedErrno = m.ReturnValue, m.Errno
}

// set stores the result of a live syscall.
func (m *Meta) set(value int64, err error) {
	m.Replayed = true
	if err != nil {
		m.ReplayedValue, m.ReplayedErrno = -1, errnoOf(err)
	} else {
		m.ReplayedValue, m.ReplayedErrno = value, 0
	}
}

func (m *Meta) describe(w io.Writer, kind trace.Kind) {
	fmt.Fprintf(w, "%s uid=%d pid=%d ret=%d errno=%d", kind, m.UniqueID, m.PID, m.ReturnValue, m.Errno)
	if m.Replayed {
		fmt.Fprintf(w, " replayed=%d replayed_errno=%d", m.ReplayedValue, m.ReplayedErrno)
		if m.Forged {
			io.WriteString(w, " forged")
		}
	}
}

// New returns an empty record of the given kind. Kinds which have no replay
// implementation are represented by *Unknown.
func New(kind trace.Kind) Record {
	if kind.Known() {
		if f := constructors[kind]; f != nil {
			return f(kind)
		}
	}
	return &Unknown{kind: kind}
}

var constructors = map[trace.Kind]func(trace.Kind) Record{}

func register(f func(trace.Kind) Record, kinds ...trace.Kind) {
	for _, k := range kinds {
		if _, exists := constructors[k]; exists {
			panic("record kind registered twice: " + k.String())
		}
		constructors[k] = f
	}
}

// Unknown is the record of kinds the replayer does not implement. Unknown
// records are decoded so the rows are consumed, but never replayed.
type Unknown struct {
	Meta
	kind trace.Kind
	Ints []int64
}

func (r *Unknown) Kind() trace.Kind { return r.kind }

func (r *Unknown) Prepare(c *trace.Cursor) error {
	row, err := next(c, &r.Meta)
	if err != nil {
		return err
	}
	r.Ints = append([]int64(nil), row.Ints...)
	c.Advance(1)
	return nil
}

func (r *Unknown) Replay(env *Env) { r.forge() }

func (r *Unknown) Describe(w io.Writer) { describe(w, r) }

func (r *Unknown) Clone() Record { c := *r; return &c }
