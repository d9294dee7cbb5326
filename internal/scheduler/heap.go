package scheduler

import (
	"container/heap"

	"github.com/stealthrocket/sysreplay/internal/record"
)

// Heap is the execution heap of a traced thread: its pending records ordered
// by unique id.
type Heap struct{ records records }

func (h *Heap) Len() int { return len(h.records) }

func (h *Heap) Push(r record.Record) { heap.Push(&h.records, r) }

// Pop removes and returns the record with the lowest unique id.
func (h *Heap) Pop() record.Record { return heap.Pop(&h.records).(record.Record) }

// Peek returns the record with the lowest unique id without removing it.
func (h *Heap) Peek() record.Record {
	if len(h.records) == 0 {
		return nil
	}
	return h.records[0]
}

type records []record.Record

func (r records) Len() int { return len(r) }

func (r records) Less(i, j int) bool {
	return r[i].Header().UniqueID < r[j].Header().UniqueID
}

func (r records) Swap(i, j int) { r[i], r[j] = r[j], r[i] }

func (r *records) Push(x any) { *r = append(*r, x.(record.Record)) }

func (r *records) Pop() any {
	old := *r
	n := len(old) - 1
	x := old[n]
	old[n] = nil
	*r = old[:n]
	return x
}
