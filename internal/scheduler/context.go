package scheduler

import (
	"context"
	"math"
	"sync"
	"sync/atomic"

	"github.com/stealthrocket/sysreplay/internal/record"
)

// Context is the shared state of a replay: the execution heaps of the traced
// threads, the records in flight, and the progress of the batch reader.
//
// All fields except the counters are guarded by mutex. Workers wait on cond,
// which is broadcast when records are pushed or completed; the batch reader
// waits on reader, which is signaled when records are popped or when a worker
// starves.
type Context struct {
	mutex  sync.Mutex
	cond   sync.Cond
	reader sync.Cond

	heaps    map[int]*Heap
	running  map[uint64]*record.Meta
	workers  map[int]bool
	inflight []*record.Meta
	frontier []uint64
	finished []bool
	pending  int
	active   int
	starving int

	lowWater atomic.Uint64
	executed atomic.Int64
}

func newContext(sources int) *Context {
	c := &Context{
		heaps:    make(map[int]*Heap),
		running:  make(map[uint64]*record.Meta),
		workers:  make(map[int]bool),
		frontier: make([]uint64, sources),
		finished: make([]bool, sources),
	}
	c.cond.L = &c.mutex
	c.reader.L = &c.mutex
	return c
}

// Executed returns the number of records consumed by workers so far.
func (c *Context) Executed() int64 { return c.executed.Load() }

// LowWater returns the least unique id which was not executed yet, as of the
// last completed record.
func (c *Context) LowWater() uint64 { return c.lowWater.Load() }

// Pending returns the number of records waiting in heaps.
func (c *Context) Pending() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.pending
}

// wakeOnDone broadcasts on the condition variable when ctx is done, so
// waiters get a chance to observe the cancellation.
func (c *Context) wakeOnDone(ctx context.Context) (stop func() bool) {
	return context.AfterFunc(ctx, func() {
		c.mutex.Lock()
		c.cond.Broadcast()
		c.reader.Broadcast()
		c.mutex.Unlock()
	})
}

// watermark returns the highest unique id known to be safe to execute: every
// unfinished source was read at least up to it. Must be called with the
// mutex held.
func (c *Context) watermark() uint64 {
	w := uint64(math.MaxUint64)
	for i, uid := range c.frontier {
		if !c.finished[i] {
			w = min(w, uid)
		}
	}
	return w
}

func (c *Context) allFinished() bool {
	for _, done := range c.finished {
		if !done {
			return false
		}
	}
	return true
}

func (c *Context) heap(pid int) *Heap {
	h := c.heaps[pid]
	if h == nil {
		h = new(Heap)
		c.heaps[pid] = h
	}
	return h
}

// ordering returns the records a record of pid must be ordered against: the
// records running on other workers, and the ready records with a lower unique
// id at the top of the heaps of the other active workers. The returned slice
// is reused by the next call. Must be called with the mutex held.
func (c *Context) ordering(pid int, uid uint64) []*record.Meta {
	records := c.inflight[:0]
	for _, m := range c.running {
		records = append(records, m)
	}
	for p := range c.workers {
		if p == pid {
			continue
		}
		if h := c.heaps[p]; h != nil {
			if r := h.Peek(); r != nil && r.Header().UniqueID < uid {
				records = append(records, r.Header())
			}
		}
	}
	c.inflight = records
	return records
}

// throttled reports whether fewer records are buffered than there are active
// workers while the batch reader still has records to decode. Must be called
// with the mutex held.
func (c *Context) throttled() bool {
	return c.pending < c.active && !c.allFinished()
}

// push adds a batch of records read from source i. Must be called with the
// mutex held.
func (c *Context) push(i int, batch []record.Record, finished bool) {
	for _, r := range batch {
		c.heap(r.Header().PID).Push(r)
	}
	c.pending += len(batch)
	if n := len(batch); n > 0 {
		c.frontier[i] = batch[n-1].Header().UniqueID
	}
	c.finished[i] = finished
	c.cond.Broadcast()
}

// complete removes a record from the running registry and updates the low
// water mark. Must be called with the mutex held.
func (c *Context) complete(m *record.Meta) {
	delete(c.running, m.UniqueID)
	c.executed.Add(1)

	low := c.watermark()
	for uid := range c.running {
		low = min(low, uid)
	}
	for _, h := range c.heaps {
		if r := h.Peek(); r != nil {
			low = min(low, r.Header().UniqueID)
		}
	}
	c.lowWater.Store(low)
	c.cond.Broadcast()
}

// orphans returns the number of records left in heaps, per pid.
func (c *Context) orphans() map[int]int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	orphans := make(map[int]int)
	for pid, h := range c.heaps {
		if n := h.Len(); n > 0 {
			orphans[pid] = n
		}
	}
	return orphans
}
