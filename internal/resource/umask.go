package resource

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

func (m *Manager) umask(pid int) *umaskEntry {
	umasks := m.umasks.RLock()
	defer m.umasks.RUnlock(&umasks)
	return (*umasks)[pid]
}

// Umask returns the traced umask of pid.
func (m *Manager) Umask(pid int) int {
	u := m.umask(pid)
	if u == nil {
		m.warn(pid, "umask of an unknown process", nil)
		return 0
	}
	u.mutex.Lock()
	defer u.mutex.Unlock()
	return u.mask
}

// SetUmask changes the traced umask of pid and returns the previous value.
func (m *Manager) SetUmask(pid, mask int) int {
	u := m.umask(pid)
	if u == nil {
		m.warn(pid, "umask of an unknown process", nil)
		return 0
	}
	u.mutex.Lock()
	defer u.mutex.Unlock()
	old := u.mask
	u.mask = mask & 0777
	return old
}

// Mode applies the traced umask of pid to mode. The live umask of the
// replayer is zero, so modes passed to the kernel must be masked explicitly.
func (m *Manager) Mode(pid, mode int) int {
	return mode &^ m.Umask(pid)
}

// CloneUmask gives the child process pid the umask of ppid, shared when the
// child was created with CLONE_FS.
func (m *Manager) CloneUmask(ppid, pid int, shared bool) error {
	parent := m.umask(ppid)
	if parent == nil {
		m.warn(ppid, "cloning the umask of an unknown process", logrus.Fields{"child": pid})
		return fmt.Errorf("cloning umask of process %d: unknown process", ppid)
	}

	parent.mutex.Lock()
	child := parent
	if shared {
		parent.refs++
	} else {
		child = &umaskEntry{refs: 1, mask: parent.mask}
	}
	parent.mutex.Unlock()

	umasks := m.umasks.WLock()
	defer m.umasks.WUnlock(&umasks)
	if _, exists := (*umasks)[pid]; exists {
		m.warn(pid, "process already has a umask", logrus.Fields{"parent": ppid})
	}
	(*umasks)[pid] = child
	return nil
}

// RemoveUmask detaches pid from its umask entry.
func (m *Manager) RemoveUmask(pid int) {
	umasks := m.umasks.WLock()
	u := (*umasks)[pid]
	delete(*umasks, pid)
	m.umasks.WUnlock(&umasks)

	if u == nil {
		m.warn(pid, "removing the umask of an unknown process", nil)
		return
	}
	u.mutex.Lock()
	u.refs--
	u.mutex.Unlock()
}
