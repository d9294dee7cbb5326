package record

import (
	"bytes"
	"fmt"
	"io"

	"golang.org/x/sys/unix"

	"github.com/stealthrocket/sysreplay/internal/buffer"
	"github.com/stealthrocket/sysreplay/internal/trace"
)

func init() {
	register(func(k trace.Kind) Record { return &Read{kind: k} }, trace.Read, trace.Pread)
	register(func(k trace.Kind) Record { return &Write{kind: k} }, trace.Write, trace.Pwrite)
	register(func(k trace.Kind) Record { return &Readv{kind: k} }, trace.Readv, trace.Preadv)
	register(func(k trace.Kind) Record { return &Writev{kind: k} }, trace.Writev, trace.Pwritev)
	register(func(k trace.Kind) Record { return &Lseek{} }, trace.Lseek)
	register(func(k trace.Kind) Record { return &Truncate{kind: k} }, trace.Truncate, trace.Ftruncate)
	register(func(k trace.Kind) Record { return &Sync{kind: k} }, trace.Fsync, trace.Fdatasync)
	register(func(k trace.Kind) Record { return &Fallocate{} }, trace.Fallocate)
	register(func(k trace.Kind) Record { return &Fadvise{} }, trace.Fadvise)
	register(func(k trace.Kind) Record { return &Getdents{} }, trace.Getdents)
}

// maxIOVecs is IOV_MAX on Linux.
const maxIOVecs = 1024

// maxTransfer bounds the buffers of replayed transfers beyond what the trace
// shows was actually transferred.
const maxTransfer = 16 << 20

var buffers buffer.Pool

// transferSize returns the size of the buffer replaying a transfer of count
// bytes which returned ret in the trace. The count comes from the trace and
// may be arbitrarily large; past maxTransfer, it is bounded by the number of
// bytes the traced call moved.
func transferSize(count, ret int64) int64 {
	count = max(count, 0)
	if count <= maxTransfer {
		return count
	}
	return min(count, max(ret, maxTransfer))
}

func transferredBytes(m *Meta) int64 {
	if n, _ := m.Result(); n > 0 {
		return n
	}
	return 0
}

// verify compares the data read by the replay with the data captured, which
// may be a prefix of the data returned by the traced call.
func (m *Meta) verify(env *Env, got, captured []byte) {
	if !env.Verify || len(captured) == 0 {
		return
	}
	if len(captured) > len(got) || !bytes.Equal(got[:len(captured)], captured) {
		m.DataMismatch = true
	}
}

// payload returns a buffer of size bytes starting with the captured data,
// completed with the fill pattern.
func payload(p Pattern, captured []byte, size int64) ([]byte, *buffer.Buffer) {
	if size < 0 {
		size = 0
	}
	if int64(len(captured)) >= size {
		return captured[:size], nil
	}
	buf := buffers.Get(size)
	n := copy(buf.Data, captured)
	p.Fill(buf.Data[n:])
	return buf.Data, buf
}

// Read is the record of read and pread.
type Read struct {
	Meta
	kind   trace.Kind
	FD     int
	Count  int64
	Offset int64
	Data   []byte
}

func (r *Read) Kind() trace.Kind { return r.kind }

func (r *Read) Prepare(c *trace.Cursor) error {
	return prepare(c, &r.Meta, r.kind, func(d decoder) {
		r.FD = d.int("fd", -1)
		r.Count = d.int64("count", 0)
		r.Offset = d.int64("offset", 0)
		r.Data = d.bytes("data")
	})
}

func (r *Read) Replay(env *Env) {
	fd, ok := env.fd(&r.Meta, r.FD)
	if !ok {
		return
	}
	buf := buffers.Get(transferSize(r.Count, r.ReturnValue))
	defer buffers.Put(buf)

	n, err := ignoreEINTR2(func() (int, error) {
		if r.kind == trace.Pread {
			return unix.Pread(fd, buf.Data, r.Offset)
		}
		return unix.Read(fd, buf.Data)
	})
	r.set(int64(n), err)
	if err == nil {
		r.verify(env, buf.Data[:n], r.Data)
	}
}

func (r *Read) Bytes() (int64, int64) {
	return r.Count, transferredBytes(&r.Meta)
}

func (r *Read) Describe(w io.Writer) { describe(w, r) }

func (r *Read) Clone() Record { c := *r; return &c }

// Write is the record of write and pwrite.
type Write struct {
	Meta
	kind   trace.Kind
	FD     int
	Count  int64
	Offset int64
	Data   []byte
}

func (r *Write) Kind() trace.Kind { return r.kind }

func (r *Write) Prepare(c *trace.Cursor) error {
	return prepare(c, &r.Meta, r.kind, func(d decoder) {
		r.FD = d.int("fd", -1)
		r.Count = d.int64("count", 0)
		r.Offset = d.int64("offset", 0)
		r.Data = d.bytes("data")
	})
}

func (r *Write) Replay(env *Env) {
	fd, ok := env.fd(&r.Meta, r.FD)
	if !ok {
		return
	}
	data, buf := payload(env.Pattern, r.Data, transferSize(r.Count, r.ReturnValue))
	defer buffers.Put(buf)

	n, err := ignoreEINTR2(func() (int, error) {
		if r.kind == trace.Pwrite {
			return unix.Pwrite(fd, data, r.Offset)
		}
		return unix.Write(fd, data)
	})
	r.set(int64(n), err)
}

func (r *Write) Bytes() (int64, int64) {
	return r.Count, transferredBytes(&r.Meta)
}

func (r *Write) Describe(w io.Writer) { describe(w, r) }

func (r *Write) Clone() Record { c := *r; return &c }

// iovecs is the decoded form of the rows of a vector call: a call row with
// iov_number -1 and the vector length in the length column, followed by one
// row per buffer.
type iovecs struct {
	fd      int
	offset  int64
	lengths []int64
	data    [][]byte
}

func prepareVector(c *trace.Cursor, m *Meta, kind trace.Kind) (v iovecs, err error) {
	row, err := next(c, m)
	if err != nil {
		return v, err
	}
	d := decoderOf(kind, row)
	v.fd = d.int("fd", -1)
	v.offset = d.int64("offset", 0)

	if d.int("iov_number", 0) != -1 {
		return v, fmt.Errorf("%w: %s %d: expected a call row", ErrMalformed, kind, m.UniqueID)
	}
	n := d.int("length", 0)
	if n < 0 || n > maxIOVecs {
		return v, fmt.Errorf("%w: %s %d: invalid vector length %d", ErrMalformed, kind, m.UniqueID, n)
	}

	v.lengths = make([]int64, n)
	v.data = make([][]byte, n)
	for i := 0; i < n; i++ {
		iov, ok := c.Peek(1 + i)
		if !ok {
			if err := c.Err(); err != nil {
				return v, err
			}
			return v, fmt.Errorf("%w: %s %d: missing buffer %d of %d", ErrMalformed, kind, m.UniqueID, i, n)
		}
		d := decoderOf(kind, iov)
		if iov.UniqueID != m.UniqueID || d.int("iov_number", -1) != i {
			return v, fmt.Errorf("%w: %s %d: missing buffer %d of %d", ErrMalformed, kind, m.UniqueID, i, n)
		}
		v.lengths[i] = d.int64("length", 0)
		v.data[i] = d.bytes("data")
	}
	c.Advance(1 + n)
	return v, nil
}

func sum(values []int64) (total int64) {
	for _, v := range values {
		total += max(v, 0)
	}
	return total
}

// Readv is the record of readv and preadv.
type Readv struct {
	Meta
	kind    trace.Kind
	FD      int
	Offset  int64
	Lengths []int64
	Data    [][]byte
}

func (r *Readv) Kind() trace.Kind { return r.kind }

func (r *Readv) Prepare(c *trace.Cursor) error {
	v, err := prepareVector(c, &r.Meta, r.kind)
	r.FD, r.Offset, r.Lengths, r.Data = v.fd, v.offset, v.lengths, v.data
	return err
}

func (r *Readv) Replay(env *Env) {
	fd, ok := env.fd(&r.Meta, r.FD)
	if !ok {
		return
	}
	buf := buffers.Get(transferSize(sum(r.Lengths), r.ReturnValue))
	defer buffers.Put(buf)

	iovs := make([][]byte, len(r.Lengths))
	b := buf.Data
	for i, size := range r.Lengths {
		size = min(max(size, 0), int64(len(b)))
		iovs[i], b = b[:size:size], b[size:]
	}

	n, err := ignoreEINTR2(func() (int, error) {
		if r.kind == trace.Preadv {
			return unix.Preadv(fd, iovs, r.Offset)
		}
		return unix.Readv(fd, iovs)
	})
	r.set(int64(n), err)
	if err != nil {
		return
	}
	for i, iov := range iovs {
		size := min(n, len(iov))
		r.verify(env, iov[:size], r.Data[i])
		n -= size
	}
}

func (r *Readv) Bytes() (int64, int64) {
	return sum(r.Lengths), transferredBytes(&r.Meta)
}

func (r *Readv) Describe(w io.Writer) { describe(w, r) }

func (r *Readv) Clone() Record { c := *r; return &c }

// Writev is the record of writev and pwritev.
type Writev struct {
	Meta
	kind    trace.Kind
	FD      int
	Offset  int64
	Lengths []int64
	Data    [][]byte
}

func (r *Writev) Kind() trace.Kind { return r.kind }

func (r *Writev) Prepare(c *trace.Cursor) error {
	v, err := prepareVector(c, &r.Meta, r.kind)
	r.FD, r.Offset, r.Lengths, r.Data = v.fd, v.offset, v.lengths, v.data
	return err
}

func (r *Writev) Replay(env *Env) {
	fd, ok := env.fd(&r.Meta, r.FD)
	if !ok {
		return
	}
	iovs := make([][]byte, len(r.Lengths))
	budget := transferSize(sum(r.Lengths), r.ReturnValue)
	for i, size := range r.Lengths {
		size = min(max(size, 0), budget)
		budget -= size
		var buf *buffer.Buffer
		iovs[i], buf = payload(env.Pattern, r.Data[i], size)
		defer buffers.Put(buf)
	}

	n, err := ignoreEINTR2(func() (int, error) {
		if r.kind == trace.Pwritev {
			return unix.Pwritev(fd, iovs, r.Offset)
		}
		return unix.Writev(fd, iovs)
	})
	r.set(int64(n), err)
}

func (r *Writev) Bytes() (int64, int64) {
	return sum(r.Lengths), transferredBytes(&r.Meta)
}

func (r *Writev) Describe(w io.Writer) { describe(w, r) }

func (r *Writev) Clone() Record { c := *r; return &c }

type Lseek struct {
	Meta
	FD     int
	Offset int64
	Whence int
}

func (r *Lseek) Kind() trace.Kind { return trace.Lseek }

func (r *Lseek) Prepare(c *trace.Cursor) error {
	return prepare(c, &r.Meta, trace.Lseek, func(d decoder) {
		r.FD = d.int("fd", -1)
		r.Offset = d.int64("offset", 0)
		r.Whence = d.int("whence", unix.SEEK_SET)
	})
}

func (r *Lseek) Replay(env *Env) {
	fd, ok := env.fd(&r.Meta, r.FD)
	if !ok {
		return
	}
	r.set(unix.Seek(fd, r.Offset, r.Whence))
}

func (r *Lseek) Describe(w io.Writer) { describe(w, r) }

func (r *Lseek) Clone() Record { c := *r; return &c }

// Truncate is the record of truncate and ftruncate.
type Truncate struct {
	Meta
	kind   trace.Kind
	FD     int
	Path   string
	Length int64
}

func (r *Truncate) Kind() trace.Kind { return r.kind }

func (r *Truncate) Prepare(c *trace.Cursor) error {
	return prepare(c, &r.Meta, r.kind, func(d decoder) {
		r.FD = d.int("fd", -1)
		r.Path = d.string("path")
		r.Length = d.int64("length", 0)
	})
}

func (r *Truncate) Replay(env *Env) {
	if r.kind == trace.Ftruncate {
		fd, ok := env.fd(&r.Meta, r.FD)
		if ok {
			r.set(0, ignoreEINTR(func() error { return unix.Ftruncate(fd, r.Length) }))
		}
		return
	}
	if path, ok := env.path(&r.Meta, r.Path); ok {
		r.set(0, ignoreEINTR(func() error { return unix.Truncate(path, r.Length) }))
	}
}

func (r *Truncate) Describe(w io.Writer) { describe(w, r) }

func (r *Truncate) Clone() Record { c := *r; return &c }

// Sync is the record of fsync and fdatasync.
type Sync struct {
	Meta
	kind trace.Kind
	FD   int
}

func (r *Sync) Kind() trace.Kind { return r.kind }

func (r *Sync) Prepare(c *trace.Cursor) error {
	return prepare(c, &r.Meta, r.kind, func(d decoder) {
		r.FD = d.int("fd", -1)
	})
}

func (r *Sync) Replay(env *Env) {
	fd, ok := env.fd(&r.Meta, r.FD)
	if !ok {
		return
	}
	r.set(0, ignoreEINTR(func() error {
		if r.kind == trace.Fdatasync {
			return unix.Fdatasync(fd)
		}
		return unix.Fsync(fd)
	}))
}

func (r *Sync) Describe(w io.Writer) { describe(w, r) }

func (r *Sync) Clone() Record { c := *r; return &c }

type Fallocate struct {
	Meta
	FD     int
	Mode   uint32
	Offset int64
	Length int64
}

func (r *Fallocate) Kind() trace.Kind { return trace.Fallocate }

func (r *Fallocate) Prepare(c *trace.Cursor) error {
	return prepare(c, &r.Meta, trace.Fallocate, func(d decoder) {
		r.FD = d.int("fd", -1)
		r.Mode = uint32(d.int("mode", 0))
		r.Offset = d.int64("offset", 0)
		r.Length = d.int64("length", 0)
	})
}

func (r *Fallocate) Replay(env *Env) {
	fd, ok := env.fd(&r.Meta, r.FD)
	if !ok {
		return
	}
	r.set(0, ignoreEINTR(func() error { return unix.Fallocate(fd, r.Mode, r.Offset, r.Length) }))
}

func (r *Fallocate) Describe(w io.Writer) { describe(w, r) }

func (r *Fallocate) Clone() Record { c := *r; return &c }

type Fadvise struct {
	Meta
	FD     int
	Offset int64
	Length int64
	Advice int
}

func (r *Fadvise) Kind() trace.Kind { return trace.Fadvise }

func (r *Fadvise) Prepare(c *trace.Cursor) error {
	return prepare(c, &r.Meta, trace.Fadvise, func(d decoder) {
		r.FD = d.int("fd", -1)
		r.Offset = d.int64("offset", 0)
		r.Length = d.int64("length", 0)
		r.Advice = d.int("advice", unix.FADV_NORMAL)
	})
}

func (r *Fadvise) Replay(env *Env) {
	fd, ok := env.fd(&r.Meta, r.FD)
	if !ok {
		return
	}
	r.set(0, unix.Fadvise(fd, r.Offset, r.Length, r.Advice))
}

func (r *Fadvise) Describe(w io.Writer) { describe(w, r) }

func (r *Fadvise) Clone() Record { c := *r; return &c }

type Getdents struct {
	Meta
	FD    int
	Count int
}

func (r *Getdents) Kind() trace.Kind { return trace.Getdents }

func (r *Getdents) Prepare(c *trace.Cursor) error {
	return prepare(c, &r.Meta, trace.Getdents, func(d decoder) {
		r.FD = d.int("fd", -1)
		r.Count = d.int("count", 0)
	})
}

func (r *Getdents) Replay(env *Env) {
	fd, ok := env.fd(&r.Meta, r.FD)
	if !ok {
		return
	}
	buf := buffers.Get(transferSize(int64(r.Count), r.ReturnValue))
	defer buffers.Put(buf)
	n, err := ignoreEINTR2(func() (int, error) { return unix.Getdents(fd, buf.Data) })
	r.set(int64(n), err)
}

func (r *Getdents) Describe(w io.Writer) { describe(w, r) }

func (r *Getdents) Clone() Record { c := *r; return &c }
