// Copyright 2023 The CubeFS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

// Package restore writes the records of a backup back into a cluster. UDF
// modules are registered before any record is written and secondary
// indexes are created once all records are in.
package restore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	blobErrors "github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/cubefs/cubefs/blobstore/util/taskpool"
	"github.com/golang/snappy"
	"go.uber.org/atomic"

	"github.com/cubefs/kvbackup/backupfile"
	"github.com/cubefs/kvbackup/codec"
	apierrors "github.com/cubefs/kvbackup/errors"
	"github.com/cubefs/kvbackup/metrics"
	"github.com/cubefs/kvbackup/pathexpr"
	"github.com/cubefs/kvbackup/proto"
	"github.com/cubefs/kvbackup/scan"
	"github.com/cubefs/kvbackup/util"
	"github.com/cubefs/kvbackup/util/limiter"
)

// Stdin as InputFile reads the backup from standard input.
const Stdin = "-"

const (
	globalPoolSize   = 4
	recordBufferSize = 4 << 10
)

// Cluster is what a restore needs from the cluster client.
type Cluster interface {
	Put(ctx context.Context, r *proto.Record, policy proto.WritePolicy) error
	CreateIndex(ctx context.Context, idx proto.SecondaryIndex) error
	PutUDF(ctx context.Context, udf proto.UDF) error
}

type Config struct {
	Directory string `json:"directory"`
	InputFile string `json:"input_file"`
	// Namespace restores into another namespace than the backup's.
	Namespace string `json:"namespace"`
	Parallel  int    `json:"parallel"`

	Policy proto.WritePolicy `json:"policy"`
	// IgnoreRecordError skips records the cluster rejects instead of failing.
	IgnoreRecordError bool `json:"ignore_record_error"`
	// ValidateIndexes rejects records whose indexed bins do not have the
	// type their secondary index declares.
	ValidateIndexes bool `json:"validate_indexes"`
	// ValidateOnly reads and checks the backup without writing anything.
	ValidateOnly bool `json:"validate_only"`

	NoRecords bool `json:"no_records"`
	NoIndexes bool `json:"no_indexes"`
	NoUDFs    bool `json:"no_udfs"`

	RecordsPerSecond int   `json:"records_per_second"`
	Bandwidth        int64 `json:"bandwidth"`

	ProgressInterval time.Duration `json:"progress_interval"`
	Limits           codec.Limits  `json:"limits"`

	Machine io.Writer `json:"-"`
	// Stdin is used when InputFile is Stdin, os.Stdin when nil.
	Stdin io.Reader `json:"-"`
}

type Result struct {
	scan.Snapshot
	Namespace string
	Files     []string
	Indexes   int
	UDFs      int
	// Skipped counts records rejected and ignored under IgnoreRecordError.
	Skipped uint64
	// Mismatches counts records whose bins do not fit a secondary index.
	Mismatches uint64
}

func (cfg *Config) check() error {
	if (cfg.Directory == "") == (cfg.InputFile == "") {
		return fmt.Errorf("%w: exactly one of directory and input file is required", apierrors.ErrInvalidConfig)
	}
	if cfg.Parallel < 0 {
		return fmt.Errorf("%w: negative parallel", apierrors.ErrInvalidConfig)
	}
	if cfg.Policy.CreateOnly && cfg.Policy.Replace {
		return fmt.Errorf("%w: unique and replace exclude each other", apierrors.ErrInvalidConfig)
	}
	return nil
}

type restorer struct {
	cfg     Config
	cluster Cluster
	lim     limiter.Limiter
	enc     *codec.Encoder
	ns      string

	mu      sync.RWMutex
	indexes []proto.SecondaryIndex
	udfs    []proto.UDF

	skipped    atomic.Uint64
	mismatches atomic.Uint64
}

// Run restores the backup described by cfg into cluster.
func Run(ctx context.Context, cluster Cluster, cfg Config) (*Result, error) {
	if err := cfg.check(); err != nil {
		return nil, err
	}
	span, ctx := trace.StartSpanFromContext(ctx, "restore")

	r := &restorer{
		cfg:     cfg,
		cluster: cluster,
		lim:     limiter.NewLimiter(limiter.LimitConfig{RecordsPerSecond: cfg.RecordsPerSecond, Bandwidth: cfg.Bandwidth}),
		enc:     codec.NewEncoder(cfg.Limits),
	}
	files, err := r.files()
	if err != nil {
		return nil, err
	}

	// the first file carries the globals ahead of its records
	first, err := r.open(ctx, files[0])
	if err != nil {
		return nil, err
	}
	r.ns = first.Header().Namespace
	if cfg.Namespace != "" {
		r.ns = cfg.Namespace
	}
	pending, err := r.readGlobals(first)
	if err != nil {
		first.Close()
		return nil, err
	}
	if err := r.checkIndexes(); err != nil {
		first.Close()
		return nil, err
	}
	if err := r.applyUDFs(ctx); err != nil {
		first.Close()
		return nil, err
	}
	span.Infof("restore namespace %s from %d files, %d indexes, %d udfs",
		r.ns, len(files), len(r.indexes), len(r.udfs))

	res := &Result{Namespace: r.ns, Files: files}
	workers := r.workers(first, pending, files[1:])
	coordinator := scan.NewCoordinator(scan.Config{Reporter: scan.ReporterConfig{
		Interval: cfg.ProgressInterval,
		Output:   cfg.Machine,
		Observer: metrics.NewRunObserver("restore"),
	}})
	snap, runErr := coordinator.Run(ctx, workers)
	res.Snapshot = snap
	res.Skipped = r.skipped.Load()
	res.Mismatches = r.mismatches.Load()
	if runErr != nil {
		span.Errorf("restore of %s failed: %s", r.ns, blobErrors.Detail(runErr))
		return res, runErr
	}

	if err := r.applyIndexes(ctx); err != nil {
		return res, err
	}
	res.Indexes, res.UDFs = len(r.indexes), len(r.udfs)
	span.Infof("restore of %s done: %d records, %d skipped", r.ns, snap.RecordsWritten, res.Skipped)
	return res, nil
}

func (r *restorer) files() ([]string, error) {
	if r.cfg.InputFile != "" {
		return []string{r.cfg.InputFile}, nil
	}
	files, _, err := backupfile.Locate(r.cfg.Directory, r.cfg.Limits)
	return files, err
}

func (r *restorer) open(ctx context.Context, path string) (*backupfile.Reader, error) {
	if path == Stdin {
		in := r.cfg.Stdin
		if in == nil {
			in = os.Stdin
		}
		return backupfile.NewReader(r.lim.Reader(ctx, in), Stdin, r.cfg.Limits)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, &apierrors.IOError{Op: "open", Path: path, Err: err}
	}
	var in io.Reader = r.lim.Reader(ctx, f)
	if backupfile.IsCompressed(path) {
		in = snappy.NewReader(in)
	}
	rd, err := backupfile.NewReader(struct {
		io.Reader
		io.Closer
	}{in, f}, path, r.cfg.Limits)
	if err != nil {
		f.Close()
		return nil, err
	}
	return rd, nil
}

// readGlobals consumes the leading global lines of rd and returns the
// record that follows them, if any.
func (r *restorer) readGlobals(rd *backupfile.Reader) (*proto.Record, error) {
	for {
		e, err := rd.Next()
		if err == io.EOF {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		if e.Record != nil {
			return e.Record, nil
		}
		r.addGlobal(e)
	}
}

func (r *restorer) addGlobal(e backupfile.Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e.Index != nil && !r.cfg.NoIndexes {
		idx := *e.Index
		idx.Namespace = r.ns
		r.indexes = append(r.indexes, idx)
	}
	if e.UDF != nil && !r.cfg.NoUDFs {
		r.udfs = append(r.udfs, *e.UDF)
	}
}

func (r *restorer) checkIndexes() error {
	for _, idx := range r.indexes {
		if !pathexpr.Compile(idx.Path.Path).Valid() || idx.Path.Type == proto.PathTypeInvalid {
			return fmt.Errorf("%w: index %s has path %q of type %s", apierrors.ErrInvalidConfig,
				idx.Name, idx.Path.Path, idx.Path.Type)
		}
	}
	return nil
}

func (r *restorer) applyUDFs(ctx context.Context) error {
	return r.applyGlobals(ctx, len(r.udfs), func(i int) error {
		return r.cluster.PutUDF(ctx, r.udfs[i])
	})
}

func (r *restorer) applyIndexes(ctx context.Context) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.applyGlobals(ctx, len(r.indexes), func(i int) error {
		return r.cluster.CreateIndex(ctx, r.indexes[i])
	})
}

func (r *restorer) applyGlobals(ctx context.Context, n int, apply func(i int) error) error {
	if n == 0 || r.cfg.ValidateOnly {
		return nil
	}
	pool := taskpool.New(globalPoolSize, globalPoolSize)
	defer pool.Close()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	wg.Add(n)
	for i := 0; i < n; i++ {
		i := i
		pool.Run(func() {
			defer wg.Done()
			if err := apply(i); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		})
	}
	wg.Wait()
	return firstErr
}

func (r *restorer) workers(first *backupfile.Reader, pending *proto.Record, rest []string) []scan.Worker {
	if r.cfg.NoRecords {
		return []scan.Worker{scan.WorkerFunc(func(context.Context, *scan.Task) error {
			return first.Close()
		})}
	}
	n := r.cfg.Parallel
	if n <= 0 || n > len(rest)+1 {
		n = len(rest) + 1
	}
	var (
		next    atomic.Int64
		workers = make([]scan.Worker, 0, n)
	)
	workers = append(workers, scan.WorkerFunc(func(ctx context.Context, task *scan.Task) error {
		if err := r.restoreFile(ctx, task, first, pending); err != nil {
			return err
		}
		return r.restoreRest(ctx, task, rest, &next)
	}))
	for i := 1; i < n; i++ {
		workers = append(workers, scan.WorkerFunc(func(ctx context.Context, task *scan.Task) error {
			return r.restoreRest(ctx, task, rest, &next)
		}))
	}
	return workers
}

func (r *restorer) restoreRest(ctx context.Context, task *scan.Task, rest []string, next *atomic.Int64) error {
	for {
		i := int(next.Inc() - 1)
		if i >= len(rest) {
			return nil
		}
		if task.Cancelled() {
			return apierrors.ErrCancelled
		}
		rd, err := r.open(ctx, rest[i])
		if err != nil {
			return err
		}
		if err := r.restoreFile(ctx, task, rd, nil); err != nil {
			return err
		}
	}
}

func (r *restorer) restoreFile(ctx context.Context, task *scan.Task, rd *backupfile.Reader, pending *proto.Record) error {
	defer rd.Close()
	span := trace.SpanFromContextSafe(ctx)
	if pending != nil {
		if err := r.restoreRecord(ctx, task, pending); err != nil {
			return err
		}
	}
	for {
		if task.Cancelled() {
			return apierrors.ErrCancelled
		}
		e, err := rd.Next()
		if err == io.EOF {
			span.Debugf("restored %d records from %s", rd.Records(), rd.Name())
			return nil
		}
		if err != nil {
			return err
		}
		if e.Record == nil {
			// globals are only honoured ahead of the first record
			span.Warnf("ignore global line after records in %s", rd.Name())
			continue
		}
		if err := r.restoreRecord(ctx, task, e.Record); err != nil {
			return err
		}
	}
}

func (r *restorer) restoreRecord(ctx context.Context, task *scan.Task, rec *proto.Record) error {
	task.Partition.AddRead(1)
	rec.Namespace = r.ns

	if r.mismatch(rec) && r.cfg.ValidateIndexes {
		return r.recordError(ctx, rec, fmt.Errorf("%w: record %s does not fit its secondary indexes",
			apierrors.ErrMalformedLine, rec.Digest))
	}
	if r.cfg.ValidateOnly {
		return nil
	}

	if err := r.lim.WaitRecords(ctx, 1); err != nil {
		return err
	}
	if err := r.cluster.Put(ctx, rec, r.cfg.Policy); err != nil {
		return r.recordError(ctx, rec, err)
	}
	task.Partition.AddWritten(1, r.recordSize(rec))
	return nil
}

func (r *restorer) mismatch(rec *proto.Record) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	bad := false
	for i := range r.indexes {
		idx := &r.indexes[i]
		if idx.Set != "" && idx.Set != rec.Set {
			continue
		}
		if pathexpr.Check(idx, rec) == pathexpr.Mismatch {
			bad = true
		}
	}
	if bad {
		r.mismatches.Inc()
	}
	return bad
}

// recordError decides whether a rejected record fails the worker. Records
// refused by the write policy are skipped, any other rejection only under
// IgnoreRecordError.
func (r *restorer) recordError(ctx context.Context, rec *proto.Record, err error) error {
	if isCancellation(err) {
		return err
	}
	rejected := errors.Is(err, apierrors.ErrRecordExists) || errors.Is(err, apierrors.ErrGenerationTooOld)
	if !rejected && !r.cfg.IgnoreRecordError {
		return err
	}
	span := trace.SpanFromContextSafe(ctx)
	span.Debugf("skip record %s: %s", rec.Digest, err)
	r.skipped.Inc()
	return nil
}

func isCancellation(err error) bool {
	return errors.Is(err, apierrors.ErrCancelled) || errors.Is(err, context.Canceled)
}

// recordSize is the encoded size of the record, the unit bytes are counted
// in on both sides of a run.
func (r *restorer) recordSize(rec *proto.Record) uint64 {
	buf := util.GetBuffer(recordBufferSize)
	defer util.PutBuffer(buf)
	line, err := r.enc.AppendRecord(buf[:0], rec)
	if err != nil {
		return 0
	}
	return uint64(len(line))
}
