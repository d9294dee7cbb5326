// Package scheduler replays the records of a trace with one worker goroutine
// per traced thread, preserving the order of the records of each thread and
// approximating the interleaving of threads from the captured timestamps.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/stealthrocket/sysreplay/internal/record"
	"github.com/stealthrocket/sysreplay/internal/resource"
	"github.com/stealthrocket/sysreplay/internal/stream"
	"github.com/stealthrocket/sysreplay/internal/trace"
)

var (
	// ErrMismatch is returned by Run in abort mode when a replayed result
	// differs from the captured one.
	ErrMismatch = errors.New("replayed result does not match the trace")
	// ErrNoBootstrap is returned by Run when the first record of the trace is
	// not a umask record.
	ErrNoBootstrap = errors.New("trace does not start with a umask record")
)

const (
	DefaultBatchSize  = 256
	DefaultMaxPending = 1 << 16
)

// Config carries the knobs of the scheduler.
type Config struct {
	// Number of records read from each source per round and per active
	// worker.
	BatchSize int
	// Soft cap on the number of records waiting in heaps.
	MaxPending int
	// Number of replayed records between two consistency scans of the
	// resource manager. Zero disables the scans.
	ValidateEvery int
	// Number of rows buffered by the cursor of each source.
	CursorSize int

	Ordering OrderingPolicy
	Mismatch MismatchPolicy
	// In analysis mode records are decoded and observed but not replayed.
	Analysis bool
	// Verbose logs the fields of every record at debug level.
	Verbose bool
	Verify  bool
	Pattern record.Pattern
	// Initial fd mapping of the bootstrap process, see
	// resource.DefaultBootstrap.
	Bootstrap map[int]int
}

// Source is a stream of rows of a single kind, in unique id order.
type Source struct {
	Kind trace.Kind
	Rows stream.Reader[trace.Row]
}

// FileSources returns one source per kind present in f.
func FileSources(f *trace.File) []Source {
	kinds := f.Kinds()
	sources := make([]Source, len(kinds))
	for i, k := range kinds {
		sources[i] = Source{Kind: k, Rows: f.Source(k)}
	}
	return sources
}

// Observer receives every record once it was executed.
type Observer interface {
	Observe(r record.Record)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(record.Record)

func (f ObserverFunc) Observe(r record.Record) { f(r) }

// Summary is the outcome of a run.
type Summary struct {
	BootstrapPID int
	Records      int64
	Mismatches   int64
	Orphans      int64
	Duration     time.Duration
}

// Scheduler replays traces against a resource manager.
type Scheduler struct {
	config    Config
	log       logrus.FieldLogger
	resources *resource.Manager
	observers []Observer
}

// New constructs a scheduler. The resource manager may be nil in analysis
// mode.
func New(config Config, resources *resource.Manager, log logrus.FieldLogger, observers ...Observer) *Scheduler {
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	if config.MaxPending <= 0 {
		config.MaxPending = DefaultMaxPending
	}
	return &Scheduler{
		config:    config,
		log:       log,
		resources: resources,
		observers: observers,
	}
}

// Run replays the records of the sources until all of them were consumed, or
// until an error occurs.
func (s *Scheduler) Run(ctx context.Context, sources ...Source) (*Summary, error) {
	start := time.Now()

	cursors := make([]*trace.Cursor, len(sources))
	for i, src := range sources {
		cursors[i] = trace.NewCursor(src.Rows, s.config.CursorSize)
	}

	pid, err := bootstrap(sources, cursors)
	if err != nil {
		return nil, err
	}
	if !s.config.Analysis {
		if err := s.resources.Initialize(pid, s.config.Bootstrap); err != nil {
			return nil, fmt.Errorf("initializing bootstrap process %d: %w", pid, err)
		}
	}

	group, ctx := errgroup.WithContext(ctx)
	r := &run{
		Scheduler: s,
		ctx:       ctx,
		group:     group,
		state:     newContext(len(sources)),
		sources:   sources,
		cursors:   cursors,
		validate:  rate.Sometimes{Every: s.config.ValidateEvery},
	}
	r.env = &record.Env{
		Resources: s.resources,
		Log:       s.log,
		Pattern:   s.config.Pattern,
		Verify:    s.config.Verify,
		Spawner:   r,
	}
	stop := r.state.wakeOnDone(ctx)
	defer stop()

	s.log.WithFields(logrus.Fields{
		"pid":     pid,
		"sources": len(sources),
	}).Info("starting replay")

	r.Spawn(pid)
	group.Go(func() error { return r.read(ctx) })
	err = group.Wait()

	summary := &Summary{
		BootstrapPID: pid,
		Records:      r.state.Executed(),
		Mismatches:   r.mismatches.Load(),
		Duration:     time.Since(start),
	}
	if err != nil {
		return summary, err
	}
	orphans := r.state.orphans()
	pids := maps.Keys(orphans)
	slices.Sort(pids)
	for _, pid := range pids {
		summary.Orphans += int64(orphans[pid])
		s.log.WithFields(logrus.Fields{
			"pid":     pid,
			"records": orphans[pid],
		}).Warn("records left with no worker to replay them")
	}
	return summary, nil
}

// bootstrap returns the pid of the first record of the trace, which must be
// a umask record.
func bootstrap(sources []Source, cursors []*trace.Cursor) (int, error) {
	first, pid, uid := -1, 0, uint64(0)
	for i, c := range cursors {
		row, ok := c.Peek(0)
		if !ok {
			if err := c.Err(); err != nil {
				return 0, fmt.Errorf("reading %s records: %w", sources[i].Kind, err)
			}
			continue
		}
		if first < 0 || row.UniqueID < uid {
			first, pid, uid = i, int(row.PID), row.UniqueID
		}
	}
	switch {
	case first < 0:
		return 0, fmt.Errorf("%w: the trace is empty", ErrNoBootstrap)
	case sources[first].Kind != trace.Umask:
		return 0, fmt.Errorf("%w: first record %d is a %s record", ErrNoBootstrap, uid, sources[first].Kind)
	}
	return pid, nil
}

type run struct {
	*Scheduler
	ctx        context.Context
	group      *errgroup.Group
	state      *Context
	env        *record.Env
	sources    []Source
	cursors    []*trace.Cursor
	validate   rate.Sometimes
	mismatches atomic.Int64
}

// Spawn starts the worker of a traced thread.
func (r *run) Spawn(pid int) {
	c := r.state
	c.mutex.Lock()
	if c.workers[pid] {
		c.mutex.Unlock()
		r.log.WithField("pid", pid).Warn("worker of traced thread is already running")
		return
	}
	c.workers[pid] = true
	c.active++
	c.mutex.Unlock()

	r.group.Go(func() error { return r.work(r.ctx, pid) })
}

// read is the batch reader: it decodes the sources in rounds and pushes the
// records to the heaps of their thread.
func (r *run) read(ctx context.Context) error {
	c := r.state
	protos := make([]record.Record, len(r.sources))
	finished := make([]bool, len(r.sources))
	for i, src := range r.sources {
		protos[i] = record.New(src.Kind)
	}

	for {
		c.mutex.Lock()
		for c.pending >= r.config.MaxPending && c.starving == 0 && c.active > 0 && ctx.Err() == nil {
			c.reader.Wait()
		}
		budget := r.config.BatchSize * max(1, c.active)
		c.mutex.Unlock()
		if err := ctx.Err(); err != nil {
			return err
		}

		done := true
		for i, cur := range r.cursors {
			if finished[i] {
				continue
			}
			kind := r.sources[i].Kind
			batch := make([]record.Record, 0, budget)
			for len(batch) < budget && cur.More() {
				if err := protos[i].Prepare(cur); err != nil {
					return fmt.Errorf("decoding %s record after row %d: %w", kind, cur.Consumed(), err)
				}
				batch = append(batch, protos[i].Clone())
			}
			if err := cur.Err(); err != nil {
				return fmt.Errorf("reading %s records: %w", kind, err)
			}
			finished[i] = !cur.More()
			done = done && finished[i]

			c.mutex.Lock()
			c.push(i, batch, finished[i])
			c.mutex.Unlock()
		}
		if done {
			return nil
		}
	}
}

// work is the loop of the worker of a traced thread.
func (r *run) work(ctx context.Context, pid int) error {
	log := r.log.WithField("pid", pid)
	log.Debug("worker started")
	defer r.exit(pid)

	for {
		rec, err := r.next(ctx, pid)
		if err != nil || rec == nil {
			return err
		}
		exit, err := r.execute(log, rec)
		if err != nil || exit {
			return err
		}
	}
}

// next pops the next record of the thread once it is safe to execute. It
// returns a nil record when the thread has no more records.
func (r *run) next(ctx context.Context, pid int) (record.Record, error) {
	c := r.state
	c.mutex.Lock()
	defer c.mutex.Unlock()

	h := c.heap(pid)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		top := h.Peek()
		switch {
		case top == nil && c.allFinished():
			return nil, nil
		case top == nil || top.Header().UniqueID > c.watermark() || c.throttled():
			c.starving++
			c.reader.Signal()
			c.cond.Wait()
			c.starving--
		case c.active > 1 && !r.config.Ordering.allows(top.Header(), c.ordering(pid, top.Header().UniqueID)):
			c.cond.Wait()
		default:
			h.Pop()
			c.pending--
			c.running[top.Header().UniqueID] = top.Header()
			c.reader.Signal()
			return top, nil
		}
	}
}

func (r *run) execute(log logrus.FieldLogger, rec record.Record) (exit bool, err error) {
	h := rec.Header()

	switch x := rec.(type) {
	case *record.Unknown:
		log.WithField("kind", x.Kind()).Debug("skipping unsupported record")
		r.complete(h)
		return false, nil
	case *record.Clone:
		if r.config.Analysis {
			if child, ok := x.Child(); ok {
				r.Spawn(child)
			}
		}
	case *record.Exit:
		exit = true
	}

	if !r.config.Analysis {
		start := time.Now()
		rec.Replay(r.env)
		h.Elapsed = time.Since(start)
	}
	if r.config.Verbose {
		b := new(strings.Builder)
		rec.Describe(b)
		log.Debug(b.String())
	}
	r.complete(h)

	for _, o := range r.observers {
		o.Observe(rec)
	}

	if h.Replayed && r.config.ValidateEvery > 0 {
		r.validate.Do(func() { r.resources.Validate() })
	}

	if !h.Consistent() {
		r.mismatches.Add(1)
		switch r.config.Mismatch {
		case Warn:
			log.WithFields(logrus.Fields{
				"uid":            h.UniqueID,
				"kind":           rec.Kind(),
				"ret":            h.ReturnValue,
				"errno":          h.Errno,
				"replayed":       h.ReplayedValue,
				"replayed_errno": h.ReplayedErrno,
			}).Warn("replayed result does not match the trace")
		case Abort:
			return exit, fmt.Errorf("%w: %s record %d of pid %d returned %d (errno %d), expected %d (errno %d)",
				ErrMismatch, rec.Kind(), h.UniqueID, h.PID, h.ReplayedValue, h.ReplayedErrno, h.ReturnValue, h.Errno)
		}
	}
	return exit, nil
}

func (r *run) complete(h *record.Meta) {
	c := r.state
	c.mutex.Lock()
	c.complete(h)
	c.mutex.Unlock()
}

func (r *run) exit(pid int) {
	c := r.state
	c.mutex.Lock()
	delete(c.workers, pid)
	c.active--
	c.cond.Broadcast()
	c.reader.Signal()
	c.mutex.Unlock()
	r.log.WithField("pid", pid).Debug("worker terminated")
}
