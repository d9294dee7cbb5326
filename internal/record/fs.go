package record

import (
	"io"

	"golang.org/x/sys/unix"

	"github.com/stealthrocket/sysreplay/internal/resource"
	"github.com/stealthrocket/sysreplay/internal/trace"
)

func init() {
	register(func(k trace.Kind) Record { return &Unlink{kind: k} }, trace.Unlink, trace.Unlinkat, trace.Rmdir)
	register(func(k trace.Kind) Record { return &Rename{kind: k} }, trace.Rename, trace.Renameat)
	register(func(k trace.Kind) Record { return &Mkdir{kind: k} }, trace.Mkdir, trace.Mkdirat)
	register(func(k trace.Kind) Record { return &Mknod{kind: k} }, trace.Mknod, trace.Mknodat)
	register(func(k trace.Kind) Record { return &Link{kind: k} }, trace.Link, trace.Linkat)
	register(func(k trace.Kind) Record { return &Symlink{kind: k} }, trace.Symlink, trace.Symlinkat)
	register(func(k trace.Kind) Record { return &Readlink{kind: k} }, trace.Readlink, trace.Readlinkat)
	register(func(k trace.Kind) Record { return &Stat{kind: k} }, trace.Stat, trace.Lstat, trace.Fstat, trace.Fstatat)
	register(func(k trace.Kind) Record { return &Statfs{kind: k} }, trace.Statfs, trace.Fstatfs)
	register(func(k trace.Kind) Record { return &Access{kind: k} }, trace.Access, trace.Faccessat)
	register(func(k trace.Kind) Record { return &Chmod{kind: k} }, trace.Chmod, trace.Fchmod, trace.Fchmodat)
	register(func(k trace.Kind) Record { return &Chown{kind: k} }, trace.Chown, trace.Lchown, trace.Fchown, trace.Fchownat)
	register(func(k trace.Kind) Record { return &Utimensat{} }, trace.Utimensat)
	register(func(k trace.Kind) Record { return &Chdir{kind: k} }, trace.Chdir, trace.Fchdir)
	register(func(k trace.Kind) Record { return &Xattr{kind: k} }, trace.Getxattr, trace.Setxattr, trace.Listxattr, trace.Removexattr)
}

// Unlink is the record of unlink, unlinkat and rmdir.
type Unlink struct {
	Meta
	kind  trace.Kind
	DirFD int
	Path  string
	Flags int
}

func (r *Unlink) Kind() trace.Kind { return r.kind }

func (r *Unlink) Prepare(c *trace.Cursor) error {
	return prepare(c, &r.Meta, r.kind, func(d decoder) {
		r.DirFD = d.int("dirfd", resource.AtFDCWD)
		r.Path = d.string("path")
		r.Flags = d.int("flags", 0)
		if r.kind == trace.Rmdir {
			r.Flags = unix.AT_REMOVEDIR
		}
	})
}

func (r *Unlink) Replay(env *Env) {
	dir, ok := env.dir(&r.Meta, r.DirFD, r.Path)
	if !ok {
		return
	}
	r.set(0, ignoreEINTR(func() error { return unix.Unlinkat(dir, r.Path, r.Flags) }))
}

func (r *Unlink) Describe(w io.Writer) { describe(w, r) }

func (r *Unlink) Clone() Record { c := *r; return &c }

// Rename is the record of rename and renameat.
type Rename struct {
	Meta
	kind     trace.Kind
	OldDirFD int
	OldPath  string
	NewDirFD int
	NewPath  string
	Flags    uint
}

func (r *Rename) Kind() trace.Kind { return r.kind }

func (r *Rename) Prepare(c *trace.Cursor) error {
	return prepare(c, &r.Meta, r.kind, func(d decoder) {
		r.OldDirFD = d.int("old_dirfd", resource.AtFDCWD)
		r.OldPath = d.string("old_path")
		r.NewDirFD = d.int("new_dirfd", resource.AtFDCWD)
		r.NewPath = d.string("new_path")
		r.Flags = uint(d.int64("flags", 0))
	})
}

func (r *Rename) Replay(env *Env) {
	oldDir, ok := env.dir(&r.Meta, r.OldDirFD, r.OldPath)
	if !ok {
		return
	}
	newDir, ok := env.dir(&r.Meta, r.NewDirFD, r.NewPath)
	if !ok {
		return
	}
	r.set(0, ignoreEINTR(func() error {
		if r.Flags != 0 {
			return unix.Renameat2(oldDir, r.OldPath, newDir, r.NewPath, r.Flags)
		}
		return unix.Renameat(oldDir, r.OldPath, newDir, r.NewPath)
	}))
}

func (r *Rename) Describe(w io.Writer) { describe(w, r) }

func (r *Rename) Clone() Record { c := *r; return &c }

// Mkdir is the record of mkdir and mkdirat.
type Mkdir struct {
	Meta
	kind  trace.Kind
	DirFD int
	Path  string
	Mode  int
}

func (r *Mkdir) Kind() trace.Kind { return r.kind }

func (r *Mkdir) Prepare(c *trace.Cursor) error {
	return prepare(c, &r.Meta, r.kind, func(d decoder) {
		r.DirFD = d.int("dirfd", resource.AtFDCWD)
		r.Path = d.string("path")
		r.Mode = d.int("mode", 0)
	})
}

func (r *Mkdir) Replay(env *Env) {
	dir, ok := env.dir(&r.Meta, r.DirFD, r.Path)
	if !ok {
		return
	}
	mode := uint32(env.Resources.Mode(r.PID, r.Mode))
	r.set(0, ignoreEINTR(func() error { return unix.Mkdirat(dir, r.Path, mode) }))
}

func (r *Mkdir) Describe(w io.Writer) { describe(w, r) }

func (r *Mkdir) Clone() Record { c := *r; return &c }

// Mknod is the record of mknod and mknodat.
type Mknod struct {
	Meta
	kind  trace.Kind
	DirFD int
	Path  string
	Mode  int
	Dev   int
}

func (r *Mknod) Kind() trace.Kind { return r.kind }

func (r *Mknod) Prepare(c *trace.Cursor) error {
	return prepare(c, &r.Meta, r.kind, func(d decoder) {
		r.DirFD = d.int("dirfd", resource.AtFDCWD)
		r.Path = d.string("path")
		r.Mode = d.int("mode", 0)
		r.Dev = d.int("dev", 0)
	})
}

func (r *Mknod) Replay(env *Env) {
	dir, ok := env.dir(&r.Meta, r.DirFD, r.Path)
	if !ok {
		return
	}
	// The umask applies to the permission bits only, not the file type.
	mode := uint32(r.Mode&unix.S_IFMT | env.Resources.Mode(r.PID, r.Mode&^unix.S_IFMT))
	r.set(0, ignoreEINTR(func() error { return unix.Mknodat(dir, r.Path, mode, r.Dev) }))
}

func (r *Mknod) Describe(w io.Writer) { describe(w, r) }

func (r *Mknod) Clone() Record { c := *r; return &c }

// Link is the record of link and linkat.
type Link struct {
	Meta
	kind     trace.Kind
	OldDirFD int
	OldPath  string
	NewDirFD int
	NewPath  string
	Flags    int
}

func (r *Link) Kind() trace.Kind { return r.kind }

func (r *Link) Prepare(c *trace.Cursor) error {
	return prepare(c, &r.Meta, r.kind, func(d decoder) {
		r.OldDirFD = d.int("old_dirfd", resource.AtFDCWD)
		r.OldPath = d.string("old_path")
		r.NewDirFD = d.int("new_dirfd", resource.AtFDCWD)
		r.NewPath = d.string("new_path")
		r.Flags = d.int("flags", 0)
	})
}

func (r *Link) Replay(env *Env) {
	oldDir, ok := env.dir(&r.Meta, r.OldDirFD, r.OldPath)
	if !ok {
		return
	}
	newDir, ok := env.dir(&r.Meta, r.NewDirFD, r.NewPath)
	if !ok {
		return
	}
	r.set(0, ignoreEINTR(func() error {
		return unix.Linkat(oldDir, r.OldPath, newDir, r.NewPath, r.Flags)
	}))
}

func (r *Link) Describe(w io.Writer) { describe(w, r) }

func (r *Link) Clone() Record { c := *r; return &c }

// Symlink is the record of symlink and symlinkat. The target is stored as is
// in the link and is never resolved.
type Symlink struct {
	Meta
	kind     trace.Kind
	Target   string
	NewDirFD int
	LinkPath string
}

func (r *Symlink) Kind() trace.Kind { return r.kind }

func (r *Symlink) Prepare(c *trace.Cursor) error {
	return prepare(c, &r.Meta, r.kind, func(d decoder) {
		r.Target = d.string("target")
		r.NewDirFD = d.int("new_dirfd", resource.AtFDCWD)
		r.LinkPath = d.string("link_path")
	})
}

func (r *Symlink) Replay(env *Env) {
	dir, ok := env.dir(&r.Meta, r.NewDirFD, r.LinkPath)
	if !ok {
		return
	}
	r.set(0, ignoreEINTR(func() error { return unix.Symlinkat(r.Target, dir, r.LinkPath) }))
}

func (r *Symlink) Describe(w io.Writer) { describe(w, r) }

func (r *Symlink) Clone() Record { c := *r; return &c }

// Readlink is the record of readlink and readlinkat.
type Readlink struct {
	Meta
	kind  trace.Kind
	DirFD int
	Path  string
	Size  int
	Data  []byte
}

func (r *Readlink) Kind() trace.Kind { return r.kind }

func (r *Readlink) Prepare(c *trace.Cursor) error {
	return prepare(c, &r.Meta, r.kind, func(d decoder) {
		r.DirFD = d.int("dirfd", resource.AtFDCWD)
		r.Path = d.string("path")
		r.Size = d.int("size", unix.PathMax)
		r.Data = d.bytes("data")
	})
}

func (r *Readlink) Replay(env *Env) {
	dir, ok := env.dir(&r.Meta, r.DirFD, r.Path)
	if !ok {
		return
	}
	buf := buffers.Get(transferSize(int64(r.Size), r.ReturnValue))
	defer buffers.Put(buf)
	n, err := ignoreEINTR2(func() (int, error) { return unix.Readlinkat(dir, r.Path, buf.Data) })
	r.set(int64(n), err)
	if err == nil {
		r.verify(env, buf.Data[:n], r.Data)
	}
}

func (r *Readlink) Describe(w io.Writer) { describe(w, r) }

func (r *Readlink) Clone() Record { c := *r; return &c }

// Stat is the record of stat, lstat, fstat and fstatat.
type Stat struct {
	Meta
	kind  trace.Kind
	FD    int
	DirFD int
	Path  string
	Flags int
}

func (r *Stat) Kind() trace.Kind { return r.kind }

func (r *Stat) Prepare(c *trace.Cursor) error {
	return prepare(c, &r.Meta, r.kind, func(d decoder) {
		r.FD = d.int("fd", -1)
		r.DirFD = d.int("dirfd", resource.AtFDCWD)
		r.Path = d.string("path")
		r.Flags = d.int("flags", 0)
		if r.kind == trace.Lstat {
			r.Flags = unix.AT_SYMLINK_NOFOLLOW
		}
	})
}

func (r *Stat) Replay(env *Env) {
	var st unix.Stat_t
	if r.kind == trace.Fstat {
		if fd, ok := env.fd(&r.Meta, r.FD); ok {
			r.set(0, ignoreEINTR(func() error { return unix.Fstat(fd, &st) }))
		}
		return
	}
	dir, ok := env.dir(&r.Meta, r.DirFD, r.Path)
	if !ok {
		return
	}
	r.set(0, ignoreEINTR(func() error { return unix.Fstatat(dir, r.Path, &st, r.Flags) }))
}

func (r *Stat) Describe(w io.Writer) { describe(w, r) }

func (r *Stat) Clone() Record { c := *r; return &c }

// Statfs is the record of statfs and fstatfs.
type Statfs struct {
	Meta
	kind trace.Kind
	FD   int
	Path string
}

func (r *Statfs) Kind() trace.Kind { return r.kind }

func (r *Statfs) Prepare(c *trace.Cursor) error {
	return prepare(c, &r.Meta, r.kind, func(d decoder) {
		r.FD = d.int("fd", -1)
		r.Path = d.string("path")
	})
}

func (r *Statfs) Replay(env *Env) {
	var st unix.Statfs_t
	if r.kind == trace.Fstatfs {
		if fd, ok := env.fd(&r.Meta, r.FD); ok {
			r.set(0, ignoreEINTR(func() error { return unix.Fstatfs(fd, &st) }))
		}
		return
	}
	if path, ok := env.path(&r.Meta, r.Path); ok {
		r.set(0, ignoreEINTR(func() error { return unix.Statfs(path, &st) }))
	}
}

func (r *Statfs) Describe(w io.Writer) { describe(w, r) }

func (r *Statfs) Clone() Record { c := *r; return &c }

// Access is the record of access and faccessat.
type Access struct {
	Meta
	kind  trace.Kind
	DirFD int
	Path  string
	Mode  uint32
	Flags int
}

func (r *Access) Kind() trace.Kind { return r.kind }

func (r *Access) Prepare(c *trace.Cursor) error {
	return prepare(c, &r.Meta, r.kind, func(d decoder) {
		r.DirFD = d.int("dirfd", resource.AtFDCWD)
		r.Path = d.string("path")
		r.Mode = uint32(d.int("mode", 0))
		r.Flags = d.int("flags", 0)
	})
}

func (r *Access) Replay(env *Env) {
	dir, ok := env.dir(&r.Meta, r.DirFD, r.Path)
	if !ok {
		return
	}
	r.set(0, ignoreEINTR(func() error { return unix.Faccessat(dir, r.Path, r.Mode, r.Flags) }))
}

func (r *Access) Describe(w io.Writer) { describe(w, r) }

func (r *Access) Clone() Record { c := *r; return &c }

// Chmod is the record of chmod, fchmod and fchmodat. Modes given to chmod
// are not subject to the umask.
type Chmod struct {
	Meta
	kind  trace.Kind
	FD    int
	DirFD int
	Path  string
	Mode  uint32
	Flags int
}

func (r *Chmod) Kind() trace.Kind { return r.kind }

func (r *Chmod) Prepare(c *trace.Cursor) error {
	return prepare(c, &r.Meta, r.kind, func(d decoder) {
		r.FD = d.int("fd", -1)
		r.DirFD = d.int("dirfd", resource.AtFDCWD)
		r.Path = d.string("path")
		r.Mode = uint32(d.int("mode", 0))
		r.Flags = d.int("flags", 0)
	})
}

func (r *Chmod) Replay(env *Env) {
	if r.kind == trace.Fchmod {
		if fd, ok := env.fd(&r.Meta, r.FD); ok {
			r.set(0, ignoreEINTR(func() error { return unix.Fchmod(fd, r.Mode) }))
		}
		return
	}
	dir, ok := env.dir(&r.Meta, r.DirFD, r.Path)
	if !ok {
		return
	}
	r.set(0, ignoreEINTR(func() error { return unix.Fchmodat(dir, r.Path, r.Mode, r.Flags) }))
}

func (r *Chmod) Describe(w io.Writer) { describe(w, r) }

func (r *Chmod) Clone() Record { c := *r; return &c }

// Chown is the record of chown, lchown, fchown and fchownat.
type Chown struct {
	Meta
	kind  trace.Kind
	FD    int
	DirFD int
	Path  string
	UID   int
	GID   int
	Flags int
}

func (r *Chown) Kind() trace.Kind { return r.kind }

func (r *Chown) Prepare(c *trace.Cursor) error {
	return prepare(c, &r.Meta, r.kind, func(d decoder) {
		r.FD = d.int("fd", -1)
		r.DirFD = d.int("dirfd", resource.AtFDCWD)
		r.Path = d.string("path")
		r.UID = d.int("uid", -1)
		r.GID = d.int("gid", -1)
		r.Flags = d.int("flags", 0)
		if r.kind == trace.Lchown {
			r.Flags = unix.AT_SYMLINK_NOFOLLOW
		}
	})
}

func (r *Chown) Replay(env *Env) {
	if r.kind == trace.Fchown {
		if fd, ok := env.fd(&r.Meta, r.FD); ok {
			r.set(0, ignoreEINTR(func() error { return unix.Fchown(fd, r.UID, r.GID) }))
		}
		return
	}
	dir, ok := env.dir(&r.Meta, r.DirFD, r.Path)
	if !ok {
		return
	}
	r.set(0, ignoreEINTR(func() error { return unix.Fchownat(dir, r.Path, r.UID, r.GID, r.Flags) }))
}

func (r *Chown) Describe(w io.Writer) { describe(w, r) }

func (r *Chown) Clone() Record { c := *r; return &c }

type Utimensat struct {
	Meta
	DirFD int
	Path  string
	Atime unix.Timespec
	Mtime unix.Timespec
	Flags int
}

func (r *Utimensat) Kind() trace.Kind { return trace.Utimensat }

func (r *Utimensat) Prepare(c *trace.Cursor) error {
	return prepare(c, &r.Meta, trace.Utimensat, func(d decoder) {
		r.DirFD = d.int("dirfd", resource.AtFDCWD)
		r.Path = d.string("path")
		r.Atime = unix.Timespec{Sec: d.int64("atime_sec", 0), Nsec: d.int64("atime_nsec", unix.UTIME_NOW)}
		r.Mtime = unix.Timespec{Sec: d.int64("mtime_sec", 0), Nsec: d.int64("mtime_nsec", unix.UTIME_NOW)}
		r.Flags = d.int("flags", 0)
	})
}

func (r *Utimensat) Replay(env *Env) {
	ts := []unix.Timespec{r.Atime, r.Mtime}
	if r.Path == "" {
		// futimens: the times of the descriptor itself are changed.
		fd, ok := env.fd(&r.Meta, r.DirFD)
		if ok {
			r.set(0, ignoreEINTR(func() error { return unix.UtimesNanoAt(unix.AT_FDCWD, procPath(fd, ""), ts, 0) }))
		}
		return
	}
	dir, ok := env.dir(&r.Meta, r.DirFD, r.Path)
	if !ok {
		return
	}
	r.set(0, ignoreEINTR(func() error { return unix.UtimesNanoAt(dir, r.Path, ts, r.Flags) }))
}

func (r *Utimensat) Describe(w io.Writer) { describe(w, r) }

func (r *Utimensat) Clone() Record { c := *r; return &c }

// Chdir is the record of chdir and fchdir. The working directory of the
// replayer never changes: the directory is opened with O_PATH and becomes
// the AT_FDCWD entry of the fd table of the process.
type Chdir struct {
	Meta
	kind trace.Kind
	FD   int
	Path string
}

func (r *Chdir) Kind() trace.Kind { return r.kind }

func (r *Chdir) Prepare(c *trace.Cursor) error {
	return prepare(c, &r.Meta, r.kind, func(d decoder) {
		r.FD = d.int("fd", -1)
		r.Path = d.string("path")
	})
}

func (r *Chdir) Replay(env *Env) {
	var fd int
	var err error

	if r.kind == trace.Fchdir {
		src, ok := env.fd(&r.Meta, r.FD)
		if !ok {
			if r.Forged && !r.Failed() {
				env.Resources.ReplaceFD(r.PID, resource.AtFDCWD, resource.Simulated, 0)
			}
			return
		}
		var st unix.Stat_t
		if err = unix.Fstat(src, &st); err == nil && st.Mode&unix.S_IFMT != unix.S_IFDIR {
			err = unix.ENOTDIR
		}
		if err == nil {
			fd, err = dupFD(src, 0)
		}
	} else {
		dir, ok := env.dir(&r.Meta, resource.AtFDCWD, r.Path)
		if !ok {
			return
		}
		fd, err = ignoreEINTR2(func() (int, error) {
			return unix.Openat(dir, r.Path, unix.O_PATH|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
		})
	}

	r.set(0, err)
	switch {
	case err != nil:
	case r.Failed():
		closeFD(fd)
	default:
		env.Resources.ReplaceFD(r.PID, resource.AtFDCWD, fd, 0)
	}
}

func (r *Chdir) Describe(w io.Writer) { describe(w, r) }

func (r *Chdir) Clone() Record { c := *r; return &c }

// Xattr is the record of getxattr, setxattr, listxattr and removexattr.
type Xattr struct {
	Meta
	kind  trace.Kind
	Path  string
	Name  string
	Value []byte
	Size  int
	Flags int
}

func (r *Xattr) Kind() trace.Kind { return r.kind }

func (r *Xattr) Prepare(c *trace.Cursor) error {
	return prepare(c, &r.Meta, r.kind, func(d decoder) {
		r.Path = d.string("path")
		r.Name = d.string("name")
		r.Value = d.bytes("value")
		if r.kind == trace.Listxattr {
			r.Value = d.bytes("list")
		}
		r.Size = d.int("size", 0)
		r.Flags = d.int("flags", 0)
	})
}

func (r *Xattr) Replay(env *Env) {
	path, ok := env.path(&r.Meta, r.Path)
	if !ok {
		return
	}

	switch r.kind {
	case trace.Setxattr:
		r.set(0, ignoreEINTR(func() error { return unix.Setxattr(path, r.Name, r.Value, r.Flags) }))
	case trace.Removexattr:
		r.set(0, ignoreEINTR(func() error { return unix.Removexattr(path, r.Name) }))
	default:
		buf := buffers.Get(transferSize(int64(r.Size), r.ReturnValue))
		defer buffers.Put(buf)
		n, err := ignoreEINTR2(func() (int, error) {
			if r.kind == trace.Listxattr {
				return unix.Listxattr(path, buf.Data)
			}
			return unix.Getxattr(path, r.Name, buf.Data)
		})
		r.set(int64(n), err)
		if err == nil && r.Size > 0 {
			r.verify(env, buf.Data[:n], r.Value)
		}
	}
}

func (r *Xattr) Describe(w io.Writer) { describe(w, r) }

func (r *Xattr) Clone() Record { c := *r; return &c }
