package trace

// Row is one row of a trace: the common columns of a traced syscall plus the
// integer and byte columns described by the schema of its kind.
//
// Rows produced by a Source alias memory owned by the source; the slices are
// only valid until the next call to Read. Use Clone to retain a row.
type Row struct {
	UniqueID     uint64
	TimeCalled   Tfrac
	TimeReturned Tfrac
	TimeRecorded Tfrac
	PID          int32
	ReturnValue  int64
	Errno        int32
	Ints         []int64
	Blobs        [][]byte
}

// Int returns the integer column at index i, or zero if the row has fewer
// columns.
func (r *Row) Int(i int) int64 {
	if i < len(r.Ints) {
		return r.Ints[i]
	}
	return 0
}

// Blob returns the byte column at index i, or nil if the row has fewer
// columns.
func (r *Row) Blob(i int) []byte {
	if i < len(r.Blobs) {
		return r.Blobs[i]
	}
	return nil
}

// String returns the byte column at index i as a string. The returned value
// does not alias the row memory.
func (r *Row) String(i int) string {
	return string(r.Blob(i))
}

// Clone returns a deep copy of the row which does not share memory with r.
func (r *Row) Clone() Row {
	c := *r
	c.Ints = append([]int64(nil), r.Ints...)
	if r.Blobs != nil {
		size := 0
		for _, b := range r.Blobs {
			size += len(b)
		}
		data := make([]byte, 0, size)
		c.Blobs = make([][]byte, len(r.Blobs))
		for i, b := range r.Blobs {
			if b == nil {
				continue
			}
			data = append(data, b...)
			c.Blobs[i] = data[len(data)-len(b) : len(data) : len(data)]
		}
	}
	return c
}
