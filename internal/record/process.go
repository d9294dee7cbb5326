package record

import (
	"fmt"
	"io"

	"golang.org/x/sys/unix"

	"github.com/stealthrocket/sysreplay/internal/trace"
)

func init() {
	register(func(k trace.Kind) Record { return &Umask{} }, trace.Umask)
	register(func(k trace.Kind) Record { return &Clone{kind: k} }, trace.Clone, trace.Vfork)
	register(func(k trace.Kind) Record { return &Exit{} }, trace.Exit)
	register(func(k trace.Kind) Record { return &Execve{} }, trace.Execve)
}

type Umask struct {
	Meta
	Mask int
}

func (r *Umask) Kind() trace.Kind { return trace.Umask }

func (r *Umask) Prepare(c *trace.Cursor) error {
	return prepare(c, &r.Meta, trace.Umask, func(d decoder) {
		r.Mask = d.int("mask", 0)
	})
}

func (r *Umask) Replay(env *Env) {
	r.set(int64(env.Resources.SetUmask(r.PID, r.Mask)), nil)
}

func (r *Umask) Describe(w io.Writer) { describe(w, r) }

func (r *Umask) Clone() Record { c := *r; return &c }

// Clone is the record of clone and vfork. The kernel is never called: the
// child inherits the resources of the parent and its records are replayed
// by a new worker.
type Clone struct {
	Meta
	kind  trace.Kind
	Flags int
}

func (r *Clone) Kind() trace.Kind { return r.kind }

func (r *Clone) Prepare(c *trace.Cursor) error {
	return prepare(c, &r.Meta, r.kind, func(d decoder) {
		r.Flags = d.int("flags", unix.CLONE_VM|unix.CLONE_VFORK)
	})
}

// Child returns the pid of the process created by the call.
func (r *Clone) Child() (int, bool) {
	if r.Failed() {
		return 0, false
	}
	return int(r.ReturnValue), true
}

func (r *Clone) Replay(env *Env) {
	r.forge()
	child, ok := r.Child()
	if !ok {
		return
	}
	if err := env.Resources.CloneFDTable(r.PID, child, r.Flags&unix.CLONE_FILES != 0); err != nil {
		return
	}
	if err := env.Resources.CloneUmask(r.PID, child, r.Flags&unix.CLONE_FS != 0); err != nil {
		return
	}
	env.spawn(child)
}

func (r *Clone) Describe(w io.Writer) { describe(w, r) }

func (r *Clone) Clone() Record { c := *r; return &c }

// Exit terminates the replay of a process. The fd table and umask of the
// process are released; descriptors are only closed when no other process
// shares the table.
type Exit struct {
	Meta
	Status int
}

func (r *Exit) Kind() trace.Kind { return trace.Exit }

func (r *Exit) Prepare(c *trace.Cursor) error {
	return prepare(c, &r.Meta, trace.Exit, func(d decoder) {
		r.Status = d.int("status", 0)
	})
}

func (r *Exit) Replay(env *Env) {
	for _, fd := range env.Resources.RemoveFDTable(r.PID) {
		closeFD(fd)
	}
	env.Resources.RemoveUmask(r.PID)
	r.forge()
}

func (r *Exit) Describe(w io.Writer) { describe(w, r) }

func (r *Exit) Clone() Record { c := *r; return &c }

const (
	execCall = -1
	execArgv = 1
	execEnvp = 2
)

// Execve never executes a program; the fd table of the process is unshared
// and its close-on-exec descriptors are closed.
//
// The record spans a call row (continuation -1) carrying the file name,
// followed by one row per argument and environment variable.
type Execve struct {
	Meta
	Filename string
	Argv     []string
	Envp     []string
}

func (r *Execve) Kind() trace.Kind { return trace.Execve }

func (r *Execve) Prepare(c *trace.Cursor) error {
	row, err := next(c, &r.Meta)
	if err != nil {
		return err
	}
	d := decoderOf(trace.Execve, row)
	if d.int("continuation", execCall) != execCall {
		return fmt.Errorf("%w: execve %d: expected a call row", ErrMalformed, r.UniqueID)
	}
	r.Filename = d.string("value")
	r.Argv, r.Envp = nil, nil

	n := 1
	for {
		arg, ok := c.Peek(n)
		if !ok {
			if err := c.Err(); err != nil {
				return err
			}
			break
		}
		d := decoderOf(trace.Execve, arg)
		if arg.UniqueID != r.UniqueID || d.int("continuation", execCall) == execCall {
			break
		}
		switch d.int("arg_kind", -1) {
		case execArgv:
			r.Argv = append(r.Argv, d.string("value"))
		case execEnvp:
			r.Envp = append(r.Envp, d.string("value"))
		default:
			return fmt.Errorf("%w: execve %d: invalid argument row", ErrMalformed, r.UniqueID)
		}
		n++
	}
	c.Advance(n)
	return nil
}

func (r *Execve) Replay(env *Env) {
	if !r.Failed() {
		for _, fd := range env.Resources.Exec(r.PID) {
			closeFD(fd)
		}
	}
	r.forge()
}

func (r *Execve) Describe(w io.Writer) { describe(w, r) }

func (r *Execve) Clone() Record { c := *r; return &c }
