// Package xsync contains synchronization primitives which tie a lock to the
// data it protects.
package xsync

import "sync"

// RWMutex is a thin wrapper around sync.RWMutex that hides away the data it
// protects, so the data cannot be reached without holding the lock.
//
//	type Registry struct {
//		tables xsync.RWMutex[map[int]*table]
//	}
//
//	func (r *Registry) lookup(pid int) *table {
//		tables := r.tables.RLock()
//		defer r.tables.RUnlock(&tables)
//		return (*tables)[pid]
//	}
type RWMutex[T any] struct {
	guarded T
	mutex   sync.RWMutex
}

// NewRWMutex creates a new read-write mutex guarding the given value.
func NewRWMutex[T any](guarded T) RWMutex[T] {
	return RWMutex[T]{guarded: guarded}
}

// RLock locks the mutex for reading, returning a pointer to the protected data.
//
// The caller must not write through the returned pointer, nor let it escape
// the function which acquired the lock.
func (mtx *RWMutex[T]) RLock() *T {
	mtx.mutex.RLock()
	return &mtx.guarded
}

// RUnlock unlocks the mutex after previously being locked by RLock.
//
// Pass a reference to the pointer returned from RLock here to ensure it is invalidated.
func (mtx *RWMutex[T]) RUnlock(ref **T) {
	*ref = nil
	mtx.mutex.RUnlock()
}

// WLock locks the mutex for writing, returning a pointer to the protected data.
func (mtx *RWMutex[T]) WLock() *T {
	mtx.mutex.Lock()
	return &mtx.guarded
}

// WUnlock unlocks the mutex after previously being locked by WLock.
//
// Pass a reference to the pointer returned from WLock here to ensure it is invalidated.
func (mtx *RWMutex[T]) WUnlock(ref **T) {
	*ref = nil
	mtx.mutex.Unlock()
}
