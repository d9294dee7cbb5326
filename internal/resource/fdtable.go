package resource

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
	"golang.org/x/sys/unix"
)

func (m *Manager) table(pid int) *fdTable {
	tables := m.tables.RLock()
	defer m.tables.RUnlock(&tables)
	return (*tables)[pid]
}

// lookup returns the table of pid, reporting a warning when the process is
// unknown.
func (m *Manager) lookup(pid int, op string) *fdTable {
	t := m.table(pid)
	if t == nil {
		m.warn(pid, "unknown process", logrus.Fields{"op": op})
	}
	return t
}

// AddFD maps the traced descriptor of pid to a replayed descriptor. A real
// descriptor previously mapped to the same traced descriptor is closed.
func (m *Manager) AddFD(pid, traced, replayed, flags int) {
	t := m.lookup(pid, "add")
	if t == nil {
		if replayed >= 0 {
			unix.Close(replayed)
		}
		return
	}

	t.mutex.Lock()
	prev, exists := t.fds[traced]
	_, visible := t.get(pid, traced)
	t.set(traced, FD{Replayed: replayed, Flags: flags})
	t.mutex.Unlock()

	if visible {
		m.warn(pid, "traced descriptor is already open", logrus.Fields{
			"fd":       traced,
			"replayed": prev.Replayed,
		})
	}
	if exists && prev.Replayed >= 0 && prev.Replayed != replayed {
		unix.Close(prev.Replayed)
	}
}

// ReplaceFD maps the traced descriptor of pid to a replayed descriptor like
// AddFD, but replacing an existing mapping is expected (dup2, chdir). The
// real descriptor previously mapped is closed.
func (m *Manager) ReplaceFD(pid, traced, replayed, flags int) {
	t := m.lookup(pid, "replace")
	if t == nil {
		if replayed >= 0 {
			unix.Close(replayed)
		}
		return
	}

	t.mutex.Lock()
	prev, exists := t.fds[traced]
	t.set(traced, FD{Replayed: replayed, Flags: flags})
	t.mutex.Unlock()

	if exists && prev.Replayed >= 0 && prev.Replayed != replayed {
		unix.Close(prev.Replayed)
	}
}

// GetFD returns the replayed descriptor mapped to the traced descriptor of
// pid, or Failed if there are none.
func (m *Manager) GetFD(pid, traced int) int {
	t := m.lookup(pid, "get")
	if t == nil {
		return Failed
	}
	t.mutex.Lock()
	fd, ok := t.get(pid, traced)
	t.mutex.Unlock()
	if !ok {
		m.warn(pid, "unknown traced descriptor", logrus.Fields{"fd": traced})
		return Failed
	}
	return fd.Replayed
}

// HasFD reports whether the traced descriptor of pid is mapped.
func (m *Manager) HasFD(pid, traced int) bool {
	t := m.table(pid)
	if t == nil {
		return false
	}
	t.mutex.Lock()
	defer t.mutex.Unlock()
	_, ok := t.get(pid, traced)
	return ok
}

// Flags returns the descriptor flags of the traced descriptor of pid.
func (m *Manager) Flags(pid, traced int) (int, bool) {
	t := m.table(pid)
	if t == nil {
		return 0, false
	}
	t.mutex.Lock()
	defer t.mutex.Unlock()
	fd, ok := t.get(pid, traced)
	return fd.Flags, ok
}

// SetFlags updates the descriptor flags of the traced descriptor of pid.
func (m *Manager) SetFlags(pid, traced, flags int) bool {
	t := m.lookup(pid, "setflags")
	if t == nil {
		return false
	}
	t.mutex.Lock()
	fd, ok := t.get(pid, traced)
	if ok {
		fd.Flags = flags
		t.fds[traced] = fd
	}
	t.mutex.Unlock()
	if !ok {
		m.warn(pid, "unknown traced descriptor", logrus.Fields{"fd": traced})
	}
	return ok
}

// RemoveFD unmaps the traced descriptor of pid and returns the replayed
// descriptor, which the caller is responsible for closing.
//
// When the table is shared and another process still holds the descriptor,
// it is only unmapped from the view of pid and Retained is returned. The
// real descriptor is handed out by the call removing the last holder.
func (m *Manager) RemoveFD(pid, traced int) (int, bool) {
	t := m.lookup(pid, "remove")
	if t == nil {
		return Failed, false
	}
	t.mutex.Lock()
	fd, ok := t.get(pid, traced)
	switch {
	case !ok:
	case len(t.closed[traced])+1 < t.refs:
		if t.closed == nil {
			t.closed = make(map[int][]int)
		}
		t.closed[traced] = append(t.closed[traced], pid)
		fd.Replayed = Retained
	default:
		delete(t.fds, traced)
		delete(t.closed, traced)
	}
	t.mutex.Unlock()
	if !ok {
		m.warn(pid, "removing unknown traced descriptor", logrus.Fields{"fd": traced})
		return Failed, false
	}
	return fd.Replayed, true
}

// GenerateUnusedFD returns the smallest descriptor number which is neither a
// traced nor a replayed descriptor of pid, nor a replayed descriptor of any
// other process, nor owned by the replayer, nor currently open.
func (m *Manager) GenerateUnusedFD(pid int) int {
	used := make(map[int]struct{})

	own := m.table(pid)
	for _, t := range m.snapshotTables() {
		t.mutex.Lock()
		for traced, fd := range t.fds {
			if t == own {
				used[traced] = struct{}{}
			}
			if fd.Replayed >= 0 {
				used[fd.Replayed] = struct{}{}
			}
		}
		t.mutex.Unlock()
	}

	owned := m.owned.RLock()
	for fd := range *owned {
		used[fd] = struct{}{}
	}
	m.owned.RUnlock(&owned)

	for fd := 0; ; fd++ {
		if _, ok := used[fd]; !ok && !isOpen(fd) {
			return fd
		}
	}
}

// snapshotTables returns the distinct tables of all processes.
func (m *Manager) snapshotTables() []*fdTable {
	tables := m.tables.RLock()
	defer m.tables.RUnlock(&tables)
	seen := make(map[*fdTable]struct{}, len(*tables))
	list := make([]*fdTable, 0, len(*tables))
	for _, t := range *tables {
		if _, ok := seen[t]; !ok {
			seen[t] = struct{}{}
			list = append(list, t)
		}
	}
	return list
}

// CloneFDTable gives the child process pid the fd table of ppid. When shared
// is true both processes use the same table, otherwise every real descriptor
// of the parent is duplicated into a table of the child.
func (m *Manager) CloneFDTable(ppid, pid int, shared bool) error {
	parent := m.table(ppid)
	if parent == nil {
		m.warn(ppid, "cloning the fd table of an unknown process", logrus.Fields{"child": pid})
		return fmt.Errorf("cloning fd table of process %d: unknown process", ppid)
	}

	child := parent
	if shared {
		parent.mutex.Lock()
		parent.refs++
		parent.mutex.Unlock()
	} else {
		child = &fdTable{refs: 1}
		parent.mutex.Lock()
		child.fds = m.copyFDs(ppid, parent.view(ppid), false)
		parent.mutex.Unlock()
	}

	tables := m.tables.WLock()
	prev := (*tables)[pid]
	(*tables)[pid] = child
	m.tables.WUnlock(&tables)

	if prev != nil {
		m.warn(pid, "process already has an fd table", logrus.Fields{"parent": ppid})
		m.closeAll(m.release(prev, pid))
	}
	return nil
}

// copyFDs duplicates the real descriptors of fds. Descriptors which cannot be
// duplicated are mapped to Failed.
func (m *Manager) copyFDs(pid int, fds map[int]FD, skipCloseOnExec bool) map[int]FD {
	copied := make(map[int]FD, len(fds))
	for traced, fd := range fds {
		if skipCloseOnExec && fd.CloseOnExec() {
			continue
		}
		if fd.Replayed >= 0 {
			newfd, err := dup(fd.Replayed)
			if err != nil {
				m.warn(pid, "duplicating descriptor", logrus.Fields{
					"fd":       traced,
					"replayed": fd.Replayed,
					"error":    err,
				})
				newfd = Failed
			}
			fd.Replayed = newfd
		}
		copied[traced] = fd
	}
	return copied
}

// release drops the reference of pid to t, returning the real descriptors to
// close: all of them when it was the last reference, otherwise those which
// every remaining holder already closed.
func (m *Manager) release(t *fdTable, pid int) []int {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if t.refs--; t.refs > 0 {
		return t.detach(pid)
	}
	var fds []int
	for _, fd := range t.fds {
		if fd.Replayed >= 0 {
			fds = append(fds, fd.Replayed)
		}
	}
	t.fds, t.closed = nil, nil
	slices.Sort(fds)
	return fds
}

// detach forgets the descriptors closed by pid after it stopped sharing t,
// and returns the real descriptors that every remaining holder closed. Must
// be called with the mutex held, after the reference count was decremented.
func (t *fdTable) detach(pid int) []int {
	var fds []int
	for traced, pids := range t.closed {
		if i := slices.Index(pids, pid); i >= 0 {
			pids = slices.Delete(pids, i, i+1)
			t.closed[traced] = pids
		}
		if len(pids) < t.refs {
			continue
		}
		if fd := t.fds[traced]; fd.Replayed >= 0 {
			fds = append(fds, fd.Replayed)
		}
		delete(t.fds, traced)
		delete(t.closed, traced)
	}
	slices.Sort(fds)
	return fds
}

func (m *Manager) closeAll(fds []int) {
	for _, fd := range fds {
		unix.Close(fd)
	}
}

// RemoveFDTable detaches pid from its fd table. The real descriptors to
// close are returned when pid held the last reference to the table.
func (m *Manager) RemoveFDTable(pid int) []int {
	tables := m.tables.WLock()
	t := (*tables)[pid]
	delete(*tables, pid)
	m.tables.WUnlock(&tables)

	if t == nil {
		m.warn(pid, "removing the fd table of an unknown process", nil)
		return nil
	}
	return m.release(t, pid)
}

// Exec applies the effects of execve on the fd table of pid: the table is
// unshared, and the close-on-exec descriptors are dropped. The function
// returns the real descriptors to close.
func (m *Manager) Exec(pid int) []int {
	tables := m.tables.WLock()
	defer m.tables.WUnlock(&tables)

	t := (*tables)[pid]
	if t == nil {
		m.warn(pid, "exec in an unknown process", nil)
		return nil
	}

	t.mutex.Lock()
	defer t.mutex.Unlock()

	if t.refs == 1 {
		var fds []int
		for traced, fd := range t.fds {
			if fd.CloseOnExec() {
				delete(t.fds, traced)
				if fd.Replayed >= 0 {
					fds = append(fds, fd.Replayed)
				}
			}
		}
		slices.Sort(fds)
		return fds
	}

	(*tables)[pid] = &fdTable{refs: 1, fds: m.copyFDs(pid, t.view(pid), true)}
	t.refs--
	return t.detach(pid)
}

// Pids returns the list of processes which have an fd table.
func (m *Manager) Pids() []int {
	tables := m.tables.RLock()
	defer m.tables.RUnlock(&tables)
	pids := maps.Keys(*tables)
	slices.Sort(pids)
	return pids
}

// Close releases the tables of all remaining processes and closes their real
// descriptors.
func (m *Manager) Close() error {
	tables := m.tables.WLock()
	list := make(map[*fdTable]struct{}, len(*tables))
	for pid, t := range *tables {
		list[t] = struct{}{}
		delete(*tables, pid)
	}
	m.tables.WUnlock(&tables)

	for t := range list {
		t.mutex.Lock()
		for _, fd := range t.fds {
			if fd.Replayed >= 0 {
				unix.Close(fd.Replayed)
			}
		}
		t.fds = nil
		t.mutex.Unlock()
	}

	umasks := m.umasks.WLock()
	maps.Clear(*umasks)
	m.umasks.WUnlock(&umasks)
	return nil
}
