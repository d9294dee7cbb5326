package scheduler_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
	"golang.org/x/sys/unix"

	"github.com/stealthrocket/sysreplay/internal/log"
	"github.com/stealthrocket/sysreplay/internal/record"
	"github.com/stealthrocket/sysreplay/internal/resource"
	"github.com/stealthrocket/sysreplay/internal/scheduler"
	"github.com/stealthrocket/sysreplay/internal/stream"
	"github.com/stealthrocket/sysreplay/internal/trace"
)

// tracer builds traces one record at a time, assigning increasing unique ids
// and timestamps.
type tracer struct {
	uid  uint64
	rows map[trace.Kind][]trace.Row
}

func newTracer() *tracer {
	return &tracer{rows: make(map[trace.Kind][]trace.Row)}
}

func (tr *tracer) add(kind trace.Kind, pid int32, ret int64, ints []int64, blobs ...string) {
	tr.uid++
	r := trace.Row{
		UniqueID:     tr.uid,
		TimeCalled:   trace.Tfrac(tr.uid) << 32,
		TimeReturned: trace.Tfrac(tr.uid)<<32 + 100,
		PID:          pid,
		ReturnValue:  ret,
		Ints:         ints,
	}
	for _, b := range blobs {
		r.Blobs = append(r.Blobs, []byte(b))
	}
	tr.rows[kind] = append(tr.rows[kind], r)
}

func (tr *tracer) sources() []scheduler.Source {
	kinds := maps.Keys(tr.rows)
	slices.Sort(kinds)
	sources := make([]scheduler.Source, len(kinds))
	for i, k := range kinds {
		sources[i] = scheduler.Source{Kind: k, Rows: stream.NewReader(tr.rows[k]...)}
	}
	return sources
}

func (tr *tracer) file(t *testing.T) *trace.File {
	t.Helper()
	b := new(bytes.Buffer)
	w := trace.NewWriter(b, trace.Zstd, 2)
	for kind, rows := range tr.rows {
		for i := range rows {
			require.NoError(t, w.Append(kind, &rows[i]))
		}
	}
	require.NoError(t, w.Close())
	f, err := trace.NewFile(bytes.NewReader(b.Bytes()))
	require.NoError(t, err)
	return f
}

func ints(values ...int64) []int64 { return values }

func newManager(t *testing.T) *resource.Manager {
	t.Helper()
	m := resource.New(log.Discard())
	t.Cleanup(func() { m.Close() })
	return m
}

type collector struct {
	mutex   sync.Mutex
	records []record.Record
}

func (c *collector) Observe(r record.Record) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.records = append(c.records, r)
}

func (c *collector) pids() map[int][]uint64 {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	pids := make(map[int][]uint64)
	for _, r := range c.records {
		h := r.Header()
		pids[h.PID] = append(pids[h.PID], h.UniqueID)
	}
	return pids
}

func TestHeapOrder(t *testing.T) {
	h := new(scheduler.Heap)
	for _, uid := range []uint64{42, 7, 19, 3, 101, 8} {
		r := record.New(trace.Close)
		r.Header().UniqueID = uid
		h.Push(r)
	}
	require.Equal(t, uint64(3), h.Peek().Header().UniqueID)

	var order []uint64
	for h.Len() > 0 {
		order = append(order, h.Pop().Header().UniqueID)
	}
	require.Equal(t, []uint64{3, 7, 8, 19, 42, 101}, order)
	require.Nil(t, h.Peek())
}

func TestReplayFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data")

	tr := newTracer()
	tr.add(trace.Umask, 100, 0, ints(022))
	tr.add(trace.Openat, 100, 3, ints(unix.AT_FDCWD, unix.O_CREAT|unix.O_WRONLY, 0666), path)
	tr.add(trace.Write, 100, 5, ints(3, 5), "hello")
	tr.add(trace.Write, 100, 6, ints(3, 6), " world")
	tr.add(trace.Fsync, 100, 0, ints(3))
	tr.add(trace.Close, 100, 0, ints(3))
	tr.add(trace.Exit, 100, 0, ints(0))

	m := newManager(t)
	c := new(collector)
	s := scheduler.New(scheduler.Config{BatchSize: 1}, m, log.Discard(), c)
	summary, err := s.Run(context.Background(), tr.sources()...)
	require.NoError(t, err)
	require.Equal(t, 100, summary.BootstrapPID)
	require.Equal(t, int64(7), summary.Records)
	require.Zero(t, summary.Mismatches)
	require.Zero(t, summary.Orphans)
	require.Zero(t, m.Warnings())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "hello world", string(data))

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0644), info.Mode().Perm())

	require.Equal(t, []uint64{1, 2, 3, 4, 5, 6, 7}, c.pids()[100])
}

func TestReplayTraceFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dir")

	tr := newTracer()
	tr.add(trace.Umask, 7, 0, ints(0))
	tr.add(trace.Mkdir, 7, 0, ints(0750), path)
	tr.add(trace.Stat, 7, 0, nil, path)
	tr.add(trace.Rmdir, 7, 0, nil, path)
	tr.add(trace.Stat, 7, -1, nil, path)
	tr.rows[trace.Stat][1].Errno = int32(unix.ENOENT)
	tr.add(trace.Exit, 7, 0, ints(0))

	f := tr.file(t)
	m := newManager(t)
	summary, err := scheduler.New(scheduler.Config{}, m, log.Discard()).Run(context.Background(), scheduler.FileSources(f)...)
	require.NoError(t, err)
	require.Equal(t, int64(6), summary.Records)
	require.Zero(t, summary.Mismatches)
	require.NoDirExists(t, path)
}

func TestReplaySharedFiles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shared")
	flags := int64(unix.CLONE_VM | unix.CLONE_FS | unix.CLONE_FILES | unix.CLONE_SIGHAND | unix.CLONE_THREAD)

	tr := newTracer()
	tr.add(trace.Umask, 100, 0, ints(0))
	tr.add(trace.Open, 100, 3, ints(unix.O_CREAT|unix.O_WRONLY|unix.O_APPEND, 0600), path)
	tr.add(trace.Clone, 100, 101, ints(flags))
	tr.add(trace.Write, 101, 5, ints(3, 5), "child")
	tr.add(trace.Exit, 101, 0, ints(0))
	tr.add(trace.Write, 100, 6, ints(3, 6), "parent")
	tr.add(trace.Close, 100, 0, ints(3))
	tr.add(trace.Exit, 100, 0, ints(0))

	m := newManager(t)
	c := new(collector)
	summary, err := scheduler.New(scheduler.Config{}, m, log.Discard(), c).Run(context.Background(), tr.sources()...)
	require.NoError(t, err)
	require.Equal(t, int64(8), summary.Records)
	require.Zero(t, summary.Mismatches)
	require.Zero(t, m.Warnings())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "childparent", string(data))

	pids := c.pids()
	require.Equal(t, []uint64{1, 2, 3, 6, 7, 8}, pids[100])
	require.Equal(t, []uint64{4, 5}, pids[101])
}

func TestReplayWaitsForReadyRecordsOfOtherThreads(t *testing.T) {
	flags := int64(unix.CLONE_VM | unix.CLONE_FS | unix.CLONE_FILES | unix.CLONE_SIGHAND | unix.CLONE_THREAD)

	for _, policy := range []scheduler.OrderingPolicy{scheduler.Overlap, scheduler.Strict} {
		t.Run(policy.String(), func(t *testing.T) {
			for i := 0; i < 50; i++ {
				path := filepath.Join(t.TempDir(), "shared")

				tr := newTracer()
				tr.add(trace.Umask, 100, 0, ints(0))
				tr.add(trace.Open, 100, 3, ints(unix.O_CREAT|unix.O_WRONLY|unix.O_APPEND, 0600), path)
				tr.add(trace.Clone, 100, 101, ints(flags))
				tr.add(trace.Write, 101, 1, ints(3, 1), "a")
				tr.add(trace.Write, 101, 1, ints(3, 1), "b")
				tr.add(trace.Exit, 101, 0, ints(0))
				tr.add(trace.Write, 100, 1, ints(3, 1), "c")
				tr.add(trace.Close, 100, 0, ints(3))
				tr.add(trace.Exit, 100, 0, ints(0))

				m := newManager(t)
				config := scheduler.Config{Ordering: policy, BatchSize: 1}
				summary, err := scheduler.New(config, m, log.Discard()).Run(context.Background(), tr.sources()...)
				require.NoError(t, err)
				require.Zero(t, summary.Mismatches)
				require.Zero(t, m.Warnings())

				data, err := os.ReadFile(path)
				require.NoError(t, err)
				require.Equal(t, "abc", string(data))
			}
		})
	}
}

func TestReplayCopiedFiles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "copied")

	tr := newTracer()
	tr.add(trace.Umask, 100, 0, ints(0))
	tr.add(trace.Open, 100, 3, ints(unix.O_CREAT|unix.O_WRONLY|unix.O_APPEND, 0600), path)
	tr.add(trace.Clone, 100, 101, ints(0))
	tr.add(trace.Close, 101, 0, ints(3))
	tr.add(trace.Write, 101, -1, ints(3, 5), "child")
	tr.rows[trace.Write][0].Errno = int32(unix.EBADF)
	tr.add(trace.Exit, 101, 0, ints(0))
	tr.add(trace.Write, 100, 6, ints(3, 6), "parent")
	tr.add(trace.Exit, 100, 0, ints(0))

	m := newManager(t)
	summary, err := scheduler.New(scheduler.Config{}, m, log.Discard()).Run(context.Background(), tr.sources()...)
	require.NoError(t, err)
	require.Equal(t, int64(8), summary.Records)
	require.Zero(t, summary.Mismatches)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "parent", string(data))
}

func TestNoBootstrap(t *testing.T) {
	tr := newTracer()
	tr.add(trace.Close, 100, 0, ints(3))
	tr.add(trace.Umask, 100, 0, ints(0))

	_, err := scheduler.New(scheduler.Config{}, newManager(t), log.Discard()).Run(context.Background(), tr.sources()...)
	require.ErrorIs(t, err, scheduler.ErrNoBootstrap)

	_, err = scheduler.New(scheduler.Config{}, newManager(t), log.Discard()).Run(context.Background())
	require.ErrorIs(t, err, scheduler.ErrNoBootstrap)
}

func TestMismatchPolicies(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing")

	build := func() []scheduler.Source {
		tr := newTracer()
		tr.add(trace.Umask, 100, 0, ints(0))
		tr.add(trace.Unlink, 100, 0, nil, path)
		tr.add(trace.Exit, 100, 0, ints(0))
		return tr.sources()
	}

	summary, err := scheduler.New(scheduler.Config{}, newManager(t), log.Discard()).Run(context.Background(), build()...)
	require.NoError(t, err)
	require.Equal(t, int64(1), summary.Mismatches)

	buf := new(bytes.Buffer)
	logger := log.New(buf, log.WarnLevel)
	summary, err = scheduler.New(scheduler.Config{Mismatch: scheduler.Warn}, newManager(t), logger).Run(context.Background(), build()...)
	require.NoError(t, err)
	require.Equal(t, int64(1), summary.Mismatches)
	require.Contains(t, buf.String(), "replayed result does not match the trace")

	_, err = scheduler.New(scheduler.Config{Mismatch: scheduler.Abort}, newManager(t), log.Discard()).Run(context.Background(), build()...)
	require.ErrorIs(t, err, scheduler.ErrMismatch)
	require.True(t, strings.Contains(err.Error(), "unlink record 2 of pid 100"))
}

func TestAnalysis(t *testing.T) {
	tr := newTracer()
	tr.add(trace.Umask, 1, 0, ints(022))
	tr.add(trace.Open, 1, 3, ints(unix.O_RDONLY, 0), "/this/path/does/not/exist")
	tr.add(trace.Vfork, 1, 2, nil)
	tr.add(trace.Execve, 2, 0, ints(-1, 0), "/bin/true")
	tr.add(trace.Exit, 2, 0, ints(0))
	tr.add(trace.Exit, 1, 0, ints(0))

	c := new(collector)
	s := scheduler.New(scheduler.Config{Analysis: true}, nil, log.Discard(), c)
	summary, err := s.Run(context.Background(), tr.sources()...)
	require.NoError(t, err)
	require.Equal(t, int64(6), summary.Records)
	require.Zero(t, summary.Mismatches)
	require.Len(t, c.records, 6)
	for _, r := range c.records {
		require.False(t, r.Header().Replayed)
	}
}

func TestOrphans(t *testing.T) {
	tr := newTracer()
	tr.add(trace.Umask, 1, 0, ints(0))
	tr.add(trace.Umask, 99, 0, ints(0))
	tr.add(trace.Umask, 99, 0, ints(0))
	tr.add(trace.Exit, 1, 0, ints(0))

	buf := new(bytes.Buffer)
	s := scheduler.New(scheduler.Config{}, newManager(t), log.New(buf, log.WarnLevel))
	summary, err := s.Run(context.Background(), tr.sources()...)
	require.NoError(t, err)
	require.Equal(t, int64(2), summary.Records)
	require.Equal(t, int64(2), summary.Orphans)
	require.Contains(t, buf.String(), "records left with no worker")
}

func TestManyRecordsSmallBatches(t *testing.T) {
	path := filepath.Join(t.TempDir(), "many")

	tr := newTracer()
	tr.add(trace.Umask, 100, 0, ints(0))
	tr.add(trace.Open, 100, 3, ints(unix.O_CREAT|unix.O_WRONLY, 0600), path)
	for i := 0; i < 500; i++ {
		tr.add(trace.Write, 100, 1, ints(3, 1), "x")
		tr.add(trace.Lseek, 100, int64(i+1), ints(3, 0, unix.SEEK_CUR))
	}
	tr.add(trace.Close, 100, 0, ints(3))
	tr.add(trace.Exit, 100, 0, ints(0))

	config := scheduler.Config{BatchSize: 3, MaxPending: 8, CursorSize: 5, ValidateEvery: 100}
	m := newManager(t)
	summary, err := scheduler.New(config, m, log.Discard()).Run(context.Background(), tr.sources()...)
	require.NoError(t, err)
	require.Equal(t, int64(1004), summary.Records)
	require.Zero(t, summary.Mismatches)
	require.Zero(t, m.Warnings())

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, int64(500), info.Size())
}

func TestCancel(t *testing.T) {
	tr := newTracer()
	tr.add(trace.Umask, 1, 0, ints(0))
	tr.add(trace.Exit, 1, 0, ints(0))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := scheduler.New(scheduler.Config{}, newManager(t), log.Discard()).Run(ctx, tr.sources()...)
	require.ErrorIs(t, err, context.Canceled)
}

func TestPolicySet(t *testing.T) {
	var o scheduler.OrderingPolicy
	require.NoError(t, o.Set("strict"))
	require.Equal(t, scheduler.Strict, o)
	require.Error(t, o.Set("random"))

	var m scheduler.MismatchPolicy
	require.NoError(t, m.UnmarshalText([]byte("abort")))
	require.Equal(t, scheduler.Abort, m)
	require.Equal(t, "default", scheduler.Count.String())
}
