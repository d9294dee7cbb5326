package record_test

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/davecgh/go-spew/spew"
	"golang.org/x/sys/unix"

	"github.com/stealthrocket/sysreplay/internal/assert"
	"github.com/stealthrocket/sysreplay/internal/log"
	"github.com/stealthrocket/sysreplay/internal/record"
	"github.com/stealthrocket/sysreplay/internal/resource"
	"github.com/stealthrocket/sysreplay/internal/stream"
	"github.com/stealthrocket/sysreplay/internal/trace"
)

const pid = 100

func ints(values ...int64) []int64 { return values }

func row(uid uint64, ret int64, ints []int64, blobs ...string) trace.Row {
	r := trace.Row{
		UniqueID:     uid,
		TimeCalled:   trace.Tfrac(uid) << 32,
		TimeReturned: trace.Tfrac(uid)<<32 + 100,
		PID:          pid,
		ReturnValue:  ret,
		Ints:         ints,
	}
	for _, b := range blobs {
		r.Blobs = append(r.Blobs, []byte(b))
	}
	return r
}

func failed(uid uint64, errno unix.Errno, ints []int64, blobs ...string) trace.Row {
	r := row(uid, -1, ints, blobs...)
	r.Errno = int32(errno)
	return r
}

func newEnv(t *testing.T) *record.Env {
	t.Helper()
	m := resource.New(log.Discard())
	assert.OK(t, m.Initialize(pid, nil))
	t.Cleanup(func() { m.Close() })
	return &record.Env{
		Resources: m,
		Log:       log.Discard(),
		Pattern:   record.Zero,
	}
}

func prepare(t *testing.T, kind trace.Kind, rows ...trace.Row) (record.Record, *trace.Cursor) {
	t.Helper()
	r := record.New(kind)
	c := trace.NewCursor(stream.NewReader(rows...), 0)
	assert.OK(t, r.Prepare(c))
	return r, c
}

func replay(t *testing.T, env *record.Env, kind trace.Kind, rows ...trace.Row) record.Record {
	t.Helper()
	r, _ := prepare(t, kind, rows...)
	r.Replay(env)
	if !r.Header().Consistent() {
		t.Fatalf("replayed result does not match the trace:\n%s", spew.Sdump(r))
	}
	return r
}

func TestNewCoversCatalog(t *testing.T) {
	for _, kind := range trace.Kinds() {
		r := record.New(kind)
		if _, ok := r.(*record.Unknown); ok {
			t.Errorf("%s: no record implementation", kind)
		}
		if r.Kind() != kind {
			t.Errorf("%s: record has kind %s", kind, r.Kind())
		}
	}

	r, c := prepare(t, trace.Kind(1000), row(1, 0, ints(1, 2, 3)), row(2, 0, nil))
	_, ok := r.(*record.Unknown)
	assert.True(t, ok)
	assert.Equal(t, c.Consumed(), int64(1))

	r.Replay(nil)
	assert.True(t, r.Header().Forged)
}

func TestPrepareCopiesRowMemory(t *testing.T) {
	rows := []trace.Row{row(1, 3, ints(3, 3), "abc")}
	r, _ := prepare(t, trace.Write, rows...)
	rows[0].Blobs[0][0] = 'X'
	assert.Equal(t, string(r.(*record.Write).Data), "abc")
}

func TestPrepareVector(t *testing.T) {
	r, c := prepare(t, trace.Pwritev,
		row(10, 5, ints(3, -1, 2, 64)),
		row(10, 5, ints(3, 0, 3, 64), "abc"),
		row(10, 5, ints(3, 1, 2, 64), "de"),
		row(11, 0, ints(3)),
	)
	assert.Equal(t, c.Consumed(), int64(3))

	w := r.(*record.Writev)
	assert.Equal(t, w.FD, 3)
	assert.Equal(t, w.Offset, int64(64))
	assert.EqualAll(t, w.Lengths, []int64{3, 2})
	assert.Equal(t, string(w.Data[0]), "abc")
	assert.Equal(t, string(w.Data[1]), "de")

	next, ok := c.Peek(0)
	assert.True(t, ok)
	assert.Equal(t, next.UniqueID, uint64(11))

	requested, _ := w.Bytes()
	assert.Equal(t, requested, int64(5))
}

func TestPrepareVectorMissingBuffer(t *testing.T) {
	r := record.New(trace.Readv)
	c := trace.NewCursor(stream.NewReader(
		row(10, 5, ints(3, -1, 2)),
		row(10, 5, ints(3, 0, 3), "abc"),
		row(11, 0, ints(3, -1, 0)),
	), 0)
	assert.Error(t, r.Prepare(c), record.ErrMalformed)
}

func TestPrepareExecve(t *testing.T) {
	r, c := prepare(t, trace.Execve,
		row(7, 0, ints(-1, 0), "/bin/sh"),
		row(7, 0, ints(0, 1), "sh"),
		row(7, 0, ints(1, 1), "-c"),
		row(7, 0, ints(2, 2), "HOME=/root"),
		row(9, 0, ints(-1, 0), "/bin/true"),
	)
	assert.Equal(t, c.Consumed(), int64(4))

	e := r.(*record.Execve)
	assert.Equal(t, e.Filename, "/bin/sh")
	assert.EqualAll(t, e.Argv, []string{"sh", "-c"})
	assert.EqualAll(t, e.Envp, []string{"HOME=/root"})
}

func TestSimulatedDescriptors(t *testing.T) {
	env := newEnv(t)
	m := env.Resources

	replay(t, env, trace.Socket, row(1, 5, ints(unix.AF_INET, unix.SOCK_STREAM, 0)))
	assert.Equal(t, m.GetFD(pid, 5), resource.Simulated)

	// Operations on simulated descriptors adopt the captured result.
	w := replay(t, env, trace.Write, row(2, 42, ints(5, 100)))
	assert.True(t, w.Header().Forged)
	assert.Equal(t, w.Header().ReplayedValue, int64(42))

	replay(t, env, trace.Dup, row(3, 6, ints(5)))
	assert.Equal(t, m.GetFD(pid, 6), resource.Simulated)

	// A path relative to a simulated directory cannot be resolved.
	o := replay(t, env, trace.Openat, row(4, 7, ints(5, unix.O_RDONLY, 0), "file"))
	assert.True(t, o.Header().Forged)
	assert.Equal(t, m.GetFD(pid, 7), resource.Simulated)

	// Absolute paths ignore the directory descriptor.
	missing := filepath.Join(t.TempDir(), "missing")
	o = replay(t, env, trace.Openat, failed(5, unix.ENOENT, ints(5, unix.O_RDONLY, 0), missing))
	assert.False(t, o.Header().Forged)

	replay(t, env, trace.Pipe, row(6, 0, ints(8, 9, unix.O_CLOEXEC)))
	flags, ok := m.Flags(pid, 9)
	assert.True(t, ok)
	assert.Equal(t, flags, unix.FD_CLOEXEC)

	replay(t, env, trace.Close, row(7, 0, ints(5)))
	assert.False(t, m.HasFD(pid, 5))
	assert.Equal(t, m.Warnings(), int64(0))
}

func TestUnknownDescriptor(t *testing.T) {
	env := newEnv(t)

	r := replay(t, env, trace.Fsync, failed(1, unix.EBADF, ints(42)))
	assert.Equal(t, r.Header().ReplayedErrno, int(unix.EBADF))

	r, _ = prepare(t, trace.Fsync, row(2, 0, ints(42)))
	r.Replay(env)
	assert.False(t, r.Header().Consistent())
	assert.Equal(t, env.Resources.Warnings(), int64(2))
}

func TestReplayFiles(t *testing.T) {
	env := newEnv(t)
	env.Pattern = record.Byte('x')
	env.Verify = true
	dir := t.TempDir()

	cwd, err := os.Getwd()
	assert.OK(t, err)

	replay(t, env, trace.Umask, row(1, 0, ints(022)))
	replay(t, env, trace.Chdir, row(2, 0, nil, dir))
	replay(t, env, trace.Open, row(3, 3, ints(unix.O_CREAT|unix.O_WRONLY|unix.O_TRUNC, 0666), "data.txt"))
	replay(t, env, trace.Write, row(4, 5, ints(3, 5), "hello"))
	replay(t, env, trace.Write, row(5, 4, ints(3, 4)))
	replay(t, env, trace.Fstat, row(6, 0, ints(3)))
	replay(t, env, trace.Close, row(7, 0, ints(3)))
	replay(t, env, trace.Stat, row(8, 0, nil, "data.txt"))
	replay(t, env, trace.Mkdir, row(9, 0, ints(0777), "sub"))
	replay(t, env, trace.Rename, row(10, 0, nil, "data.txt", "sub/moved.txt"))
	replay(t, env, trace.Unlink, failed(11, unix.ENOENT, nil, "data.txt"))

	replay(t, env, trace.Openat, row(12, 4, ints(resource.AtFDCWD, unix.O_RDONLY, 0), "sub/moved.txt"))
	replay(t, env, trace.Read, row(13, 9, ints(4, 16), "helloxxxx"))
	r := replay(t, env, trace.Pread, row(14, 5, ints(4, 5, 0), "hello"))
	assert.False(t, r.Header().DataMismatch)

	r, _ = prepare(t, trace.Pread, row(15, 5, ints(4, 5, 0), "HELLO"))
	r.Replay(env)
	assert.True(t, r.Header().DataMismatch)
	assert.False(t, r.Header().Consistent())

	data, err := os.ReadFile(filepath.Join(dir, "sub", "moved.txt"))
	assert.OK(t, err)
	assert.Equal(t, string(data), "helloxxxx")

	info, err := os.Stat(filepath.Join(dir, "sub", "moved.txt"))
	assert.OK(t, err)
	assert.Equal(t, info.Mode().Perm(), os.FileMode(0644))

	info, err = os.Stat(filepath.Join(dir, "sub"))
	assert.OK(t, err)
	assert.Equal(t, info.Mode().Perm(), os.FileMode(0755))

	wd, err := os.Getwd()
	assert.OK(t, err)
	assert.Equal(t, wd, cwd)

	assert.Equal(t, len(env.Resources.Validate()), 0)
	assert.Equal(t, env.Resources.Warnings(), int64(0))
}

func TestReplayVector(t *testing.T) {
	env := newEnv(t)
	path := filepath.Join(t.TempDir(), "vector")

	replay(t, env, trace.Open, row(1, 3, ints(unix.O_CREAT|unix.O_RDWR, 0600), path))
	replay(t, env, trace.Writev,
		row(2, 6, ints(3, -1, 2)),
		row(2, 6, ints(3, 0, 3), "abc"),
		row(2, 6, ints(3, 1, 3)),
	)
	env.Verify = true
	replay(t, env, trace.Preadv,
		row(3, 6, ints(3, -1, 2, 0)),
		row(3, 6, ints(3, 0, 2, 0), "ab"),
		row(3, 6, ints(3, 1, 4, 0), "c\x00\x00\x00"),
	)

	data, err := os.ReadFile(path)
	assert.OK(t, err)
	assert.True(t, bytes.Equal(data, []byte("abc\x00\x00\x00")))
}

func TestReplayLargeCount(t *testing.T) {
	env := newEnv(t)
	env.Pattern = record.Byte('x')
	env.Verify = true
	path := filepath.Join(t.TempDir(), "large")
	assert.OK(t, os.WriteFile(path, []byte("hello"), 0600))

	const count = 1 << 40
	replay(t, env, trace.Open, row(1, 3, ints(unix.O_RDONLY, 0), path))
	replay(t, env, trace.Read, row(2, 5, ints(3, count), "hello"))
	replay(t, env, trace.Readv,
		row(3, 0, ints(3, -1, 2)),
		row(3, 0, ints(3, 0, count)),
		row(3, 0, ints(3, 1, count)),
	)
	replay(t, env, trace.Open, row(4, 4, ints(unix.O_RDONLY, 0), path))
	replay(t, env, trace.Write, failed(5, unix.EBADF, ints(4, count)))
	assert.Equal(t, env.Resources.Warnings(), int64(0))
}

func TestDup2(t *testing.T) {
	env := newEnv(t)
	m := env.Resources
	path := filepath.Join(t.TempDir(), "dup")

	replay(t, env, trace.Open, row(1, 3, ints(unix.O_CREAT|unix.O_WRONLY, 0600), path))
	replay(t, env, trace.Dup2, row(2, 1, ints(3, 1)))

	fd := m.GetFD(pid, 1)
	assert.True(t, fd >= 0)
	assert.NotEqual(t, fd, 1)
	assert.NotEqual(t, fd, m.GetFD(pid, 3))

	replay(t, env, trace.Write, row(3, 2, ints(1, 2), "ok"))
	data, err := os.ReadFile(path)
	assert.OK(t, err)
	assert.Equal(t, string(data), "ok")
}

func TestExecveClosesCloseOnExec(t *testing.T) {
	env := newEnv(t)
	m := env.Resources
	dir := t.TempDir()

	replay(t, env, trace.Open, row(1, 3, ints(unix.O_CREAT|unix.O_WRONLY|unix.O_CLOEXEC, 0600), filepath.Join(dir, "a")))
	replay(t, env, trace.Open, row(2, 4, ints(unix.O_CREAT|unix.O_WRONLY, 0600), filepath.Join(dir, "b")))
	replay(t, env, trace.Execve,
		row(3, 0, ints(-1, 0), "/bin/true"),
		row(3, 0, ints(0, 1), "true"),
	)
	assert.False(t, m.HasFD(pid, 3))
	assert.True(t, m.HasFD(pid, 4))
}

func TestCloneAndExit(t *testing.T) {
	env := newEnv(t)
	m := env.Resources

	var spawned []int
	env.Spawner = record.SpawnerFunc(func(pid int) { spawned = append(spawned, pid) })

	path := filepath.Join(t.TempDir(), "shared")
	replay(t, env, trace.Open, row(1, 3, ints(unix.O_CREAT|unix.O_WRONLY, 0600), path))
	fd := m.GetFD(pid, 3)

	c := replay(t, env, trace.Clone, row(2, 101, ints(unix.CLONE_FILES|unix.CLONE_FS|unix.CLONE_VM)))
	assert.EqualAll(t, spawned, []int{101})
	child, ok := c.(*record.Clone).Child()
	assert.True(t, ok)
	assert.Equal(t, child, 101)
	assert.Equal(t, m.GetFD(101, 3), fd)

	exit := row(3, 0, ints(0))
	exit.PID = 101
	replay(t, env, trace.Exit, exit)
	assert.False(t, m.HasFD(101, 3))
	assert.Equal(t, m.GetFD(pid, 3), fd)

	// The descriptor of the parent is still open.
	replay(t, env, trace.Write, row(4, 2, ints(3, 2), "ok"))

	replay(t, env, trace.Vfork, row(5, 102, nil))
	assert.EqualAll(t, spawned, []int{101, 102})
	assert.NotEqual(t, m.GetFD(102, 3), fd)
}

func TestCloseInSharedTable(t *testing.T) {
	env := newEnv(t)
	m := env.Resources
	env.Spawner = record.SpawnerFunc(func(int) {})

	path := filepath.Join(t.TempDir(), "shared")
	replay(t, env, trace.Open, row(1, 3, ints(unix.O_CREAT|unix.O_WRONLY|unix.O_APPEND, 0600), path))
	fd := m.GetFD(pid, 3)
	replay(t, env, trace.Clone, row(2, 101, ints(unix.CLONE_FILES|unix.CLONE_FS|unix.CLONE_VM)))

	closed := row(3, 0, ints(3))
	closed.PID = 101
	replay(t, env, trace.Close, closed)
	assert.False(t, m.HasFD(101, 3))
	assert.True(t, m.HasFD(pid, 3))
	assert.Equal(t, m.GetFD(pid, 3), fd)

	replay(t, env, trace.Write, row(4, 2, ints(3, 2), "ok"))
	data, err := os.ReadFile(path)
	assert.OK(t, err)
	assert.Equal(t, string(data), "ok")

	exit := row(5, 0, ints(0))
	exit.PID = 101
	replay(t, env, trace.Exit, exit)
	assert.Equal(t, m.GetFD(pid, 3), fd)
	assert.Equal(t, len(m.Validate()), 0)

	replay(t, env, trace.Close, row(6, 0, ints(3)))
	assert.False(t, m.HasFD(pid, 3))
	assert.Equal(t, m.Warnings(), int64(0))
}

func TestConsistent(t *testing.T) {
	tests := []struct {
		scenario string
		meta     record.Meta
		want     bool
	}{
		{"not replayed", record.Meta{ReturnValue: 3}, true},
		{"same value", record.Meta{ReturnValue: 3, Replayed: true, ReplayedValue: 3}, true},
		{"different value", record.Meta{ReturnValue: 3, Replayed: true, ReplayedValue: 2}, false},
		{"same errno", record.Meta{ReturnValue: -1, Errno: 2, Replayed: true, ReplayedValue: -1, ReplayedErrno: 2}, true},
		{"different errno", record.Meta{ReturnValue: -1, Errno: 2, Replayed: true, ReplayedValue: -1, ReplayedErrno: 13}, false},
		{"unexpected success", record.Meta{ReturnValue: -1, Errno: 2, Replayed: true}, false},
		{"data mismatch", record.Meta{ReturnValue: 3, Replayed: true, ReplayedValue: 3, DataMismatch: true}, false},
	}

	for _, test := range tests {
		t.Run(test.scenario, func(t *testing.T) {
			assert.Equal(t, test.meta.Consistent(), test.want)
		})
	}
}

func TestParsePattern(t *testing.T) {
	tests := []struct {
		in   string
		want record.Pattern
	}{
		{"zero", record.Zero},
		{"random", record.Random},
		{"urandom", record.URandom},
		{"0x41", record.Byte('A')},
		{"255", record.Byte(255)},
		{"x", record.Byte('x')},
	}

	for _, test := range tests {
		t.Run(test.in, func(t *testing.T) {
			p, err := record.ParsePattern(test.in)
			assert.OK(t, err)
			assert.Equal(t, p, test.want)
		})
	}

	_, err := record.ParsePattern("256")
	assert.NotEqual(t, err, nil)

	b := make([]byte, 13)
	record.Byte('z').Fill(b)
	assert.Equal(t, string(b), strings.Repeat("z", 13))
	record.Random.Fill(b)
	record.URandom.Fill(b)
	record.Zero.Fill(b)
	assert.Equal(t, string(b), string(make([]byte, 13)))
}

func TestDescribe(t *testing.T) {
	r, _ := prepare(t, trace.Write, row(1, 3, ints(3, 3), "abc"))
	b := new(strings.Builder)
	r.Describe(b)
	assert.HasPrefix(t, b.String(), "write uid=1 pid=100 ret=3 errno=0")
	assert.True(t, strings.Contains(b.String(), ` FD=3 Count=3 Offset=0 Data="abc"`))
}
