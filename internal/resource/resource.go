// Package resource translates the descriptors and umasks of traced processes
// into live resources of the replaying process.
//
// Each traced process owns an fd table mapping its traced descriptors to the
// descriptors opened during replay, and a umask entry. Tables and umasks are
// reference counted: threads created with CLONE_FILES (resp. CLONE_FS) share
// the table (resp. umask) of their parent, other children receive a copy.
//
// The table is the unit of locking. Operations on independent processes do
// not contend with each other.
package resource

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"
	"golang.org/x/sys/unix"

	"github.com/stealthrocket/sysreplay/internal/xsync"
)

const (
	// Failed is returned when looking up a descriptor which is not mapped.
	Failed = -1
	// Simulated is the replayed value of descriptors created by operations
	// which are not replayed (sockets, pipes...). Operations on simulated
	// descriptors adopt the result captured in the trace.
	Simulated = -2
	// Retained is returned by RemoveFD when the descriptor was unmapped for
	// the calling process but remains open for the processes sharing its
	// table.
	Retained = -3
	// AtFDCWD is the traced (and default replayed) descriptor of the
	// current working directory.
	AtFDCWD = unix.AT_FDCWD
)

// maxScanFDs caps the number of descriptors scanned when the limit on open
// files is very large.
const maxScanFDs = 1 << 16

// FD is the replayed side of a traced descriptor.
type FD struct {
	Replayed int
	Flags    int
}

// CloseOnExec reports whether the descriptor is closed by execve.
func (fd FD) CloseOnExec() bool { return fd.Flags&unix.FD_CLOEXEC != 0 }

type fdTable struct {
	mutex sync.Mutex
	refs  int
	fds   map[int]FD
	// closed lists, per traced descriptor, the processes sharing the table
	// which closed it while others still hold it open.
	closed map[int][]int
}

// get returns the descriptor mapped to traced in the view of pid. Must be
// called with the mutex held.
func (t *fdTable) get(pid, traced int) (FD, bool) {
	fd, ok := t.fds[traced]
	if ok && slices.Contains(t.closed[traced], pid) {
		return FD{}, false
	}
	return fd, ok
}

// set maps traced for every process sharing the table. Must be called with
// the mutex held.
func (t *fdTable) set(traced int, fd FD) {
	t.fds[traced] = fd
	delete(t.closed, traced)
}

// view returns the descriptors visible to pid. Must be called with the mutex
// held.
func (t *fdTable) view(pid int) map[int]FD {
	if len(t.closed) == 0 {
		return t.fds
	}
	fds := make(map[int]FD, len(t.fds))
	for traced := range t.fds {
		if fd, ok := t.get(pid, traced); ok {
			fds[traced] = fd
		}
	}
	return fds
}

type umaskEntry struct {
	mutex sync.Mutex
	refs  int
	mask  int
}

// Manager holds the fd tables and umasks of all the traced processes.
type Manager struct {
	log      logrus.FieldLogger
	tables   xsync.RWMutex[map[int]*fdTable]
	umasks   xsync.RWMutex[map[int]*umaskEntry]
	owned    xsync.RWMutex[map[int]struct{}]
	warnings atomic.Int64
}

// New constructs an empty manager. Initialize must be called before the
// manager is used.
func New(log logrus.FieldLogger) *Manager {
	return &Manager{
		log:    log,
		tables: xsync.NewRWMutex(make(map[int]*fdTable)),
		umasks: xsync.NewRWMutex(make(map[int]*umaskEntry)),
		owned:  xsync.NewRWMutex(make(map[int]struct{})),
	}
}

// DefaultBootstrap returns the initial fd mapping of the first traced
// process: its standard descriptors are simulated, its working directory is
// the working directory of the replayer.
func DefaultBootstrap() map[int]int {
	return map[int]int{
		0:       Simulated,
		1:       Simulated,
		2:       Simulated,
		AtFDCWD: AtFDCWD,
	}
}

// Initialize creates the fd table and umask of the bootstrap process pid.
//
// The live umask of the replayer is forced to zero, modes are masked with
// the traced umask by Mode instead. The descriptors already open in the
// replayer are recorded as owned, so they are never handed out to traced
// processes.
func (m *Manager) Initialize(pid int, bootstrap map[int]int) error {
	if bootstrap == nil {
		bootstrap = DefaultBootstrap()
	}

	unix.Umask(0)

	// Start the poller of the runtime so its descriptors are recorded as
	// owned, instead of showing up as leaked after the first pollable file.
	if r, w, err := os.Pipe(); err == nil {
		r.Close()
		w.Close()
	}

	if err := m.scanOwnedFDs(); err != nil {
		return err
	}

	t := &fdTable{refs: 1, fds: make(map[int]FD, len(bootstrap))}
	for traced, replayed := range bootstrap {
		t.fds[traced] = FD{Replayed: replayed}
	}

	tables := m.tables.WLock()
	defer m.tables.WUnlock(&tables)
	if _, exists := (*tables)[pid]; exists {
		return fmt.Errorf("process %d is already initialized", pid)
	}
	(*tables)[pid] = t

	umasks := m.umasks.WLock()
	defer m.umasks.WUnlock(&umasks)
	(*umasks)[pid] = &umaskEntry{refs: 1}
	return nil
}

func (m *Manager) scanOwnedFDs() error {
	fds, err := liveFDs()
	if err != nil {
		return err
	}
	owned := m.owned.WLock()
	defer m.owned.WUnlock(&owned)
	for _, fd := range fds {
		(*owned)[fd] = struct{}{}
	}
	return nil
}

// liveFDs returns the descriptors open in the replayer, up to the limit on
// open files.
func liveFDs() ([]int, error) {
	var rlim unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rlim); err != nil {
		return nil, fmt.Errorf("reading the open files limit: %w", err)
	}
	limit := int(min(rlim.Cur, maxScanFDs))

	var fds []int
	for fd := 0; fd < limit; fd++ {
		if isOpen(fd) {
			fds = append(fds, fd)
		}
	}
	return fds, nil
}

// Reserve records fd as owned by the replayer. Programs call it for files
// they open after Initialize, like the log file.
func (m *Manager) Reserve(fd int) {
	owned := m.owned.WLock()
	defer m.owned.WUnlock(&owned)
	(*owned)[fd] = struct{}{}
}

// Owned reports whether fd belongs to the replayer.
func (m *Manager) Owned(fd int) bool {
	owned := m.owned.RLock()
	defer m.owned.RUnlock(&owned)
	_, ok := (*owned)[fd]
	return ok
}

// Warnings returns the number of inconsistencies reported so far.
func (m *Manager) Warnings() int64 { return m.warnings.Load() }

func (m *Manager) warn(pid int, msg string, fields logrus.Fields) {
	m.warnings.Add(1)
	m.log.WithField("pid", pid).WithFields(fields).Warn(msg)
}

func isOpen(fd int) bool {
	_, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0)
	return err == nil
}

// dup duplicates fd to a close-on-exec descriptor.
func dup(fd int) (int, error) {
	for {
		newfd, err := unix.FcntlInt(uintptr(fd), unix.F_DUPFD_CLOEXEC, 0)
		if err != unix.EINTR {
			return newfd, err
		}
	}
}
