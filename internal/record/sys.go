package record

import (
	"errors"
	"path"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/stealthrocket/sysreplay/internal/resource"
)

// This function is used to automatically retry syscalls when they return EINTR
// due to having handled a signal instead of executing.
func ignoreEINTR(f func() error) error {
	for {
		if err := f(); err != unix.EINTR {
			return err
		}
	}
}

func ignoreEINTR2[F func() (R, error), R any](f F) (R, error) {
	for {
		v, err := f()
		if err != unix.EINTR {
			return v, err
		}
	}
}

func errnoOf(err error) int {
	var errno unix.Errno
	if errors.As(err, &errno) {
		return int(errno)
	}
	return int(unix.EIO)
}

func closeFD(fd int) error {
	// close must not be retried on Linux, the descriptor is released even
	// when the call is interrupted.
	err := unix.Close(fd)
	if err == unix.EINTR {
		err = nil
	}
	return err
}

func dupFD(fd, min int) (int, error) {
	return ignoreEINTR2(func() (int, error) {
		return unix.FcntlInt(uintptr(fd), unix.F_DUPFD_CLOEXEC, min)
	})
}

// fdFlags converts the O_CLOEXEC open flag to the FD_CLOEXEC descriptor flag.
func fdFlags(openFlags int) int {
	if openFlags&unix.O_CLOEXEC != 0 {
		return unix.FD_CLOEXEC
	}
	return 0
}

// fd resolves the traced descriptor of the record to a real descriptor.
// When the descriptor is simulated the captured result is adopted, when it
// is unknown the call fails with EBADF; in both cases ok is false and the
// record has its result.
func (env *Env) fd(m *Meta, traced int) (fd int, ok bool) {
	switch fd = env.Resources.GetFD(m.PID, traced); fd {
	case resource.Simulated:
		m.forge()
		return fd, false
	case resource.Failed:
		m.set(-1, unix.EBADF)
		return fd, false
	default:
		return fd, true
	}
}

// dir resolves the directory that the path of a traced *at call is relative
// to. The traced process's working directory is the AT_FDCWD entry of its
// descriptor table. Absolute paths ignore the directory.
func (env *Env) dir(m *Meta, dirfd int, p string) (int, bool) {
	if path.IsAbs(p) {
		return unix.AT_FDCWD, true
	}
	if dirfd == resource.AtFDCWD {
		switch fd := env.Resources.GetFD(m.PID, dirfd); fd {
		case resource.Simulated:
			m.forge()
			return fd, false
		case resource.Failed:
			// The working directory is unknown; fall back to the one of
			// the replayer.
			return unix.AT_FDCWD, true
		default:
			return fd, true
		}
	}
	return env.fd(m, dirfd)
}

// path returns the path that a traced call without an *at form must use to
// resolve p relative to the working directory of the traced process.
func (env *Env) path(m *Meta, p string) (string, bool) {
	dir, ok := env.dir(m, resource.AtFDCWD, p)
	if !ok {
		return "", false
	}
	return procPath(dir, p), true
}

func procPath(dir int, p string) string {
	if dir == unix.AT_FDCWD {
		return p
	}
	if p == "" {
		return "/proc/self/fd/" + strconv.Itoa(dir)
	}
	return "/proc/self/fd/" + strconv.Itoa(dir) + "/" + p
}

// addFD maps the descriptor returned by a traced call to the descriptor
// returned by its replay. A descriptor opened by the replay of a call which
// failed in the trace is closed right away.
func (env *Env) addFD(m *Meta, fd, flags int) {
	switch {
	case m.ReturnValue >= 0 && m.ReplayedValue >= 0:
		env.Resources.AddFD(m.PID, int(m.ReturnValue), fd, flags)
	case m.ReplayedValue >= 0:
		closeFD(fd)
	}
}

// simulate maps the descriptors returned by a call which is not replayed.
func (env *Env) simulate(m *Meta, flags int, traced ...int) {
	m.forge()
	if m.Failed() {
		return
	}
	for _, fd := range traced {
		env.Resources.AddFD(m.PID, fd, resource.Simulated, flags)
	}
}
