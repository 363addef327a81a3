package scan

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	apierrors "github.com/cubefs/kvbackup/errors"
)

// Worker is one independent unit of a run, typically a node-group scan or a
// backup file restore.
type Worker interface {
	Run(ctx context.Context, task *Task) error
}

// WorkerFunc adapts a function to Worker.
type WorkerFunc func(ctx context.Context, task *Task) error

func (f WorkerFunc) Run(ctx context.Context, task *Task) error { return f(ctx, task) }

// Task is what the coordinator hands to a worker: its identity, its own
// counter partition and the run-wide cancellation flag.
type Task struct {
	ID        int
	Partition *Partition

	cancelled *atomic.Bool
}

// Cancelled reports whether the run was cancelled. Workers check it between
// records and stop after the record in flight.
func (t *Task) Cancelled() bool { return t.cancelled.Load() }

type Config struct {
	Reporter ReporterConfig
}

// Coordinator drives the workers of one run. A Coordinator runs once.
type Coordinator struct {
	counters  *Counters
	reporter  *Reporter
	cancelled atomic.Bool
}

func NewCoordinator(cfg Config) *Coordinator {
	counters := NewCounters()
	return &Coordinator{
		counters: counters,
		reporter: NewReporter(cfg.Reporter, counters),
	}
}

func (c *Coordinator) Counters() *Counters { return c.counters }

// Cancel requests cooperative cancellation of a running run.
func (c *Coordinator) Cancel() { c.cancelled.Store(true) }

func (c *Coordinator) Cancelled() bool { return c.cancelled.Load() }

// Run starts every worker concurrently and waits for all of them. The first
// failing worker cancels its siblings; output they already flushed stays
// valid. The final summary line is written in every case. The returned
// error is nil, ErrCancelled, or a WorkerFailures listing every failure.
func (c *Coordinator) Run(ctx context.Context, workers []Worker) (Snapshot, error) {
	if len(workers) == 0 {
		return Snapshot{}, apierrors.ErrNoWorkers
	}
	span, ctx := trace.StartSpanFromContext(ctx, "scan.coordinator")
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		mu       sync.Mutex
		failures apierrors.WorkerFailures
		g        errgroup.Group
	)
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			c.cancelled.Store(true)
		case <-stop:
		}
	}()

	c.reporter.Start(ctx)
	for i, w := range workers {
		task := &Task{ID: i, Partition: c.counters.NewPartition(), cancelled: &c.cancelled}
		w := w
		g.Go(func() error {
			err := runWorker(ctx, w, task)
			if err == nil || ((c.cancelled.Load() || ctx.Err() != nil) && isCancellation(err)) {
				return nil
			}

			task.Partition.AddError()
			f := &apierrors.WorkerFailure{Worker: task.ID, Nodes: nodesOf(w), Err: err}
			span.Errorf("worker %d failed: %s", task.ID, err)
			mu.Lock()
			failures = append(failures, f)
			mu.Unlock()

			c.cancelled.Store(true)
			cancel()
			return f
		})
	}
	g.Wait()

	if ctx.Err() != nil {
		c.cancelled.Store(true)
	}
	ok := len(failures) == 0 && !c.cancelled.Load()
	snap := c.reporter.Stop(ctx, ok)
	span.Infof("run finished: records_read=%d records_written=%d errors=%d ok=%v",
		snap.RecordsRead, snap.RecordsWritten, snap.Errors, ok)

	if len(failures) > 0 {
		sort.Slice(failures, func(i, j int) bool { return failures[i].Worker < failures[j].Worker })
		return snap, failures
	}
	if c.cancelled.Load() {
		return snap, apierrors.ErrCancelled
	}
	return snap, nil
}

func runWorker(ctx context.Context, w Worker, task *Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker panic: %v", r)
		}
	}()
	return w.Run(ctx, task)
}

func isCancellation(err error) bool {
	return errors.Is(err, apierrors.ErrCancelled) || errors.Is(err, context.Canceled)
}

func nodesOf(w Worker) []string {
	if n, ok := w.(interface{ NodeNames() []string }); ok {
		return n.NodeNames()
	}
	return nil
}
