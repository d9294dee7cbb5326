package record

import (
	"io"

	"golang.org/x/sys/unix"

	"github.com/stealthrocket/sysreplay/internal/resource"
	"github.com/stealthrocket/sysreplay/internal/trace"
)

func init() {
	register(func(k trace.Kind) Record { return &Open{kind: k} }, trace.Open, trace.Openat, trace.Creat)
	register(func(k trace.Kind) Record { return &Close{} }, trace.Close)
	register(func(k trace.Kind) Record { return &Dup{kind: k} }, trace.Dup, trace.Dup2, trace.Dup3)
	register(func(k trace.Kind) Record { return &Fcntl{} }, trace.Fcntl)
	register(func(k trace.Kind) Record { return &Pipe{} }, trace.Pipe)
	register(func(k trace.Kind) Record { return &Socket{kind: k} }, trace.Socket, trace.Socketpair)
	register(func(k trace.Kind) Record { return &Accept{} }, trace.Accept)
	register(func(k trace.Kind) Record { return &Ioctl{} }, trace.Ioctl)
}

// Open is the record of open, openat and creat.
type Open struct {
	Meta
	kind  trace.Kind
	DirFD int
	Path  string
	Flags int
	Mode  int
}

func (r *Open) Kind() trace.Kind { return r.kind }

func (r *Open) Prepare(c *trace.Cursor) error {
	return prepare(c, &r.Meta, r.kind, func(d decoder) {
		r.DirFD = d.int("dirfd", resource.AtFDCWD)
		r.Path = d.string("path")
		// creat has no flags column.
		r.Flags = d.int("flags", unix.O_CREAT|unix.O_WRONLY|unix.O_TRUNC)
		r.Mode = d.int("mode", 0)
		r.producesFD = true
	})
}

func (r *Open) Replay(env *Env) {
	dir, ok := env.dir(&r.Meta, r.DirFD, r.Path)
	if !ok {
		if r.Forged && !r.Failed() {
			env.Resources.AddFD(r.PID, int(r.ReturnValue), resource.Simulated, fdFlags(r.Flags))
		}
		return
	}
	mode := uint32(env.Resources.Mode(r.PID, r.Mode))
	fd, err := ignoreEINTR2(func() (int, error) {
		return unix.Openat(dir, r.Path, r.Flags|unix.O_CLOEXEC, mode)
	})
	r.set(int64(fd), err)
	env.addFD(&r.Meta, fd, fdFlags(r.Flags))
}

func (r *Open) Describe(w io.Writer) { describe(w, r) }

func (r *Open) Clone() Record { c := *r; return &c }

type Close struct {
	Meta
	FD int
}

func (r *Close) Kind() trace.Kind { return trace.Close }

func (r *Close) Prepare(c *trace.Cursor) error {
	return prepare(c, &r.Meta, trace.Close, func(d decoder) {
		r.FD = d.int("fd", -1)
	})
}

func (r *Close) Replay(env *Env) {
	fd, ok := env.Resources.RemoveFD(r.PID, r.FD)
	switch {
	case !ok:
		r.set(-1, unix.EBADF)
	case fd == resource.Simulated:
		r.forge()
	case fd == resource.Retained:
		r.set(0, nil)
	case fd < 0:
		r.set(-1, unix.EBADF)
	default:
		r.set(0, closeFD(fd))
	}
}

func (r *Close) Describe(w io.Writer) { describe(w, r) }

func (r *Close) Clone() Record { c := *r; return &c }

// Dup is the record of dup, dup2 and dup3.
type Dup struct {
	Meta
	kind  trace.Kind
	OldFD int
	NewFD int
	Flags int
}

func (r *Dup) Kind() trace.Kind { return r.kind }

func (r *Dup) Prepare(c *trace.Cursor) error {
	return prepare(c, &r.Meta, r.kind, func(d decoder) {
		r.OldFD = d.int("old_fd", d.int("fd", -1))
		r.NewFD = d.int("new_fd", -1)
		r.Flags = d.int("flags", 0)
		r.producesFD = true
	})
}

func (r *Dup) Replay(env *Env) {
	flags := fdFlags(r.Flags)
	old, ok := env.fd(&r.Meta, r.OldFD)
	if !ok {
		if r.Forged && !r.Failed() {
			env.Resources.ReplaceFD(r.PID, int(r.ReturnValue), resource.Simulated, flags)
		}
		return
	}

	if r.kind == trace.Dup {
		fd, err := dupFD(old, 0)
		r.set(int64(fd), err)
		env.addFD(&r.Meta, fd, flags)
		return
	}

	if r.OldFD == r.NewFD {
		if r.kind == trace.Dup3 {
			r.set(-1, unix.EINVAL)
		} else {
			r.set(int64(r.NewFD), nil)
		}
		return
	}

	// The traced descriptor number may be a live descriptor of another
	// process or of the replayer, so the copy goes to a number which is
	// unused everywhere instead.
	fd, err := dupFD(old, env.Resources.GenerateUnusedFD(r.PID))
	r.set(int64(fd), err)
	switch {
	case err != nil:
	case r.Failed():
		closeFD(fd)
	default:
		env.Resources.ReplaceFD(r.PID, r.NewFD, fd, flags)
	}
}

func (r *Dup) Describe(w io.Writer) { describe(w, r) }

func (r *Dup) Clone() Record { c := *r; return &c }

type Fcntl struct {
	Meta
	FD  int
	Cmd int
	Arg int
}

func (r *Fcntl) Kind() trace.Kind { return trace.Fcntl }

func (r *Fcntl) Prepare(c *trace.Cursor) error {
	return prepare(c, &r.Meta, trace.Fcntl, func(d decoder) {
		r.FD = d.int("fd", -1)
		r.Cmd = d.int("cmd", 0)
		r.Arg = d.int("arg", 0)
		r.producesFD = r.Cmd == unix.F_DUPFD || r.Cmd == unix.F_DUPFD_CLOEXEC
	})
}

func (r *Fcntl) flags() int {
	if r.Cmd == unix.F_DUPFD_CLOEXEC {
		return unix.FD_CLOEXEC
	}
	return 0
}

func (r *Fcntl) Replay(env *Env) {
	fd, ok := env.fd(&r.Meta, r.FD)
	if !ok {
		if r.Forged && r.producesFD && !r.Failed() {
			env.Resources.AddFD(r.PID, int(r.ReturnValue), resource.Simulated, r.flags())
		}
		return
	}

	switch r.Cmd {
	case unix.F_DUPFD, unix.F_DUPFD_CLOEXEC:
		newfd, err := dupFD(fd, 0)
		r.set(int64(newfd), err)
		env.addFD(&r.Meta, newfd, r.flags())
	case unix.F_GETFD:
		flags, _ := env.Resources.Flags(r.PID, r.FD)
		r.set(int64(flags), nil)
	case unix.F_SETFD:
		env.Resources.SetFlags(r.PID, r.FD, r.Arg&unix.FD_CLOEXEC)
		r.set(0, nil)
	case unix.F_GETFL, unix.F_SETFL:
		n, err := ignoreEINTR2(func() (int, error) {
			return unix.FcntlInt(uintptr(fd), r.Cmd, r.Arg)
		})
		r.set(int64(n), err)
	default:
		// Locks, leases and the other commands are not replayed.
		r.forge()
	}
}

func (r *Fcntl) Describe(w io.Writer) { describe(w, r) }

func (r *Fcntl) Clone() Record { c := *r; return &c }

type Pipe struct {
	Meta
	ReadFD  int
	WriteFD int
	Flags   int
}

func (r *Pipe) Kind() trace.Kind { return trace.Pipe }

func (r *Pipe) Prepare(c *trace.Cursor) error {
	return prepare(c, &r.Meta, trace.Pipe, func(d decoder) {
		r.ReadFD = d.int("read_fd", -1)
		r.WriteFD = d.int("write_fd", -1)
		r.Flags = d.int("flags", 0)
		r.producesFD = true
	})
}

func (r *Pipe) Replay(env *Env) {
	env.simulate(&r.Meta, fdFlags(r.Flags), r.ReadFD, r.WriteFD)
}

func (r *Pipe) Describe(w io.Writer) { describe(w, r) }

func (r *Pipe) Clone() Record { c := *r; return &c }

// Socket is the record of socket and socketpair.
type Socket struct {
	Meta
	kind     trace.Kind
	Domain   int
	Type     int
	Protocol int
	FD0      int
	FD1      int
}

func (r *Socket) Kind() trace.Kind { return r.kind }

func (r *Socket) Prepare(c *trace.Cursor) error {
	return prepare(c, &r.Meta, r.kind, func(d decoder) {
		r.Domain = d.int("domain", 0)
		r.Type = d.int("type", 0)
		r.Protocol = d.int("protocol", 0)
		r.FD0 = d.int("fd0", -1)
		r.FD1 = d.int("fd1", -1)
		r.producesFD = true
	})
}

func (r *Socket) Replay(env *Env) {
	flags := 0
	if r.Type&unix.SOCK_CLOEXEC != 0 {
		flags = unix.FD_CLOEXEC
	}
	if r.kind == trace.Socketpair {
		env.simulate(&r.Meta, flags, r.FD0, r.FD1)
	} else {
		env.simulate(&r.Meta, flags, int(r.ReturnValue))
	}
}

func (r *Socket) Describe(w io.Writer) { describe(w, r) }

func (r *Socket) Clone() Record { c := *r; return &c }

type Accept struct {
	Meta
	FD    int
	Flags int
}

func (r *Accept) Kind() trace.Kind { return trace.Accept }

func (r *Accept) Prepare(c *trace.Cursor) error {
	return prepare(c, &r.Meta, trace.Accept, func(d decoder) {
		r.FD = d.int("fd", -1)
		r.Flags = d.int("flags", 0)
		r.producesFD = true
	})
}

func (r *Accept) Replay(env *Env) {
	flags := 0
	if r.Flags&unix.SOCK_CLOEXEC != 0 {
		flags = unix.FD_CLOEXEC
	}
	env.simulate(&r.Meta, flags, int(r.ReturnValue))
}

func (r *Accept) Describe(w io.Writer) { describe(w, r) }

func (r *Accept) Clone() Record { c := *r; return &c }

// Ioctl records are never replayed; the captured result is adopted.
type Ioctl struct {
	Meta
	FD      int
	Request uint64
	Data    []byte
}

func (r *Ioctl) Kind() trace.Kind { return trace.Ioctl }

func (r *Ioctl) Prepare(c *trace.Cursor) error {
	return prepare(c, &r.Meta, trace.Ioctl, func(d decoder) {
		r.FD = d.int("fd", -1)
		r.Request = uint64(d.int64("request", 0))
		r.Data = d.bytes("data")
	})
}

func (r *Ioctl) Replay(env *Env) { r.forge() }

func (r *Ioctl) Describe(w io.Writer) { describe(w, r) }

func (r *Ioctl) Clone() Record { c := *r; return &c }
