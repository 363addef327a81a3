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

// Package backup runs a backup of one namespace: it assigns the cluster
// nodes to workers, writes secondary indexes and UDF modules first, then
// streams every record into a single file or a directory of rotating files.
package backup

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/shirou/gopsutil/v3/disk"

	"github.com/cubefs/kvbackup/backupfile"
	"github.com/cubefs/kvbackup/codec"
	apierrors "github.com/cubefs/kvbackup/errors"
	"github.com/cubefs/kvbackup/metrics"
	"github.com/cubefs/kvbackup/proto"
	"github.com/cubefs/kvbackup/scan"
	"github.com/cubefs/kvbackup/util/limiter"
)

// Stdout as OutputFile writes the backup to standard output.
const Stdout = "-"

// Cluster is what a backup needs from the cluster client.
type Cluster interface {
	NodeNames(ctx context.Context) ([]string, error)
	Info(ctx context.Context, node string) (*proto.NodeInfo, error)
	Scanner(req proto.ScanRequest) scan.Scanner
}

type Config struct {
	Namespace string   `json:"namespace"`
	Sets      []string `json:"sets"`
	BinList   []string `json:"bin_list"`
	// NodeList restricts the backup to these nodes, all nodes when empty.
	NodeList []string `json:"node_list"`
	Parallel int      `json:"parallel"`

	Directory  string `json:"directory"`
	OutputFile string `json:"output_file"`
	FileLimit  int64  `json:"file_limit"`
	Compress   bool   `json:"compress"`
	// MinFreeSpace fails the backup when the destination has less free space.
	MinFreeSpace int64 `json:"min_free_space"`

	RecordsPerSecond int    `json:"records_per_second"`
	Bandwidth        int64  `json:"bandwidth"`
	MaxRecords       uint64 `json:"max_records"`

	NoRecords bool `json:"no_records"`
	NoIndexes bool `json:"no_indexes"`
	NoUDFs    bool `json:"no_udfs"`
	NoBins    bool `json:"no_bins"`

	ProgressInterval time.Duration `json:"progress_interval"`
	Limits           codec.Limits  `json:"limits"`

	// Machine receives the machine readable status lines, nil disables them.
	Machine io.Writer `json:"-"`
	// Stdout is used when OutputFile is Stdout, os.Stdout when nil.
	Stdout io.Writer `json:"-"`
}

type Result struct {
	scan.Snapshot
	Nodes   []string
	Files   []string
	Indexes int
	UDFs    int
}

func (cfg *Config) check() error {
	if cfg.Namespace == "" {
		return fmt.Errorf("%w: namespace is required", apierrors.ErrInvalidConfig)
	}
	if (cfg.Directory == "") == (cfg.OutputFile == "") {
		return fmt.Errorf("%w: exactly one of directory and output file is required", apierrors.ErrInvalidConfig)
	}
	if cfg.OutputFile != "" && cfg.FileLimit > 0 {
		return fmt.Errorf("%w: file limit needs a directory backup", apierrors.ErrInvalidConfig)
	}
	if cfg.Parallel < 0 || cfg.FileLimit < 0 || cfg.MinFreeSpace < 0 {
		return fmt.Errorf("%w: negative parallel, file limit or free space", apierrors.ErrInvalidConfig)
	}
	return nil
}

// Run backs up cfg.Namespace. A cancelled ctx stops the workers after the
// record in flight; files written up to then stay readable.
func Run(ctx context.Context, cluster Cluster, cfg Config) (*Result, error) {
	if err := cfg.check(); err != nil {
		return nil, err
	}
	span, ctx := trace.StartSpanFromContext(ctx, "backup")

	assignment, err := selectNodes(ctx, cluster, cfg.NodeList)
	if err != nil {
		return nil, err
	}
	if err := checkSpace(ctx, cfg); err != nil {
		return nil, err
	}
	indexes, udfs, err := fetchGlobals(ctx, cluster, assignment.Nodes()[0], cfg)
	if err != nil {
		return nil, err
	}

	groups := assignment.Groups(cfg.Parallel)
	out, err := newOutput(ctx, cfg, len(groups))
	if err != nil {
		return nil, err
	}
	res := &Result{Nodes: assignment.Nodes(), Indexes: len(indexes), UDFs: len(udfs)}
	if err := out.writeGlobals(indexes, udfs); err != nil {
		out.close()
		return nil, err
	}
	span.Infof("backup namespace %s from %d nodes with %d workers, %d indexes, %d udfs",
		cfg.Namespace, assignment.Len(), len(groups), len(indexes), len(udfs))

	var workers []scan.Worker
	if cfg.NoRecords {
		workers = append(workers, scan.WorkerFunc(func(context.Context, *scan.Task) error { return nil }))
	} else {
		req := proto.ScanRequest{Namespace: cfg.Namespace, Sets: cfg.Sets, BinList: cfg.BinList, NoBins: cfg.NoBins}
		scanner := cluster.Scanner(req)
		lim := limiter.NewLimiter(limiter.LimitConfig{RecordsPerSecond: cfg.RecordsPerSecond, Bandwidth: cfg.Bandwidth})
		budget := scan.NewBudget(cfg.MaxRecords)
		for i, group := range groups {
			workers = append(workers, &scan.NodeWorker{
				Nodes:   group,
				Scanner: scanner,
				Sink:    out.sinks[i],
				Limiter: lim,
				Budget:  budget,
			})
		}
	}

	coordinator := scan.NewCoordinator(scan.Config{Reporter: scan.ReporterConfig{
		Interval: cfg.ProgressInterval,
		Output:   cfg.Machine,
		Observer: metrics.NewRunObserver("backup"),
	}})
	snap, runErr := coordinator.Run(ctx, workers)
	res.Snapshot = snap

	closeErr := out.close()
	res.Files = out.files()
	if runErr != nil {
		span.Errorf("backup of %s failed: %s", cfg.Namespace, errors.Detail(runErr))
		return res, runErr
	}
	if closeErr != nil {
		return res, closeErr
	}
	span.Infof("backup of %s done: %d records, %s in %d files", cfg.Namespace,
		snap.RecordsWritten, datasize.ByteSize(snap.BytesWritten).HR(), len(res.Files))
	return res, nil
}

func selectNodes(ctx context.Context, cluster Cluster, only []string) (*scan.Assignment, error) {
	names, err := cluster.NodeNames(ctx)
	if err != nil {
		return nil, errors.Info(err, "list cluster nodes")
	}
	if len(only) == 0 {
		return scan.NewAssignment(names)
	}
	known := make(map[string]bool, len(names))
	for _, n := range names {
		known[n] = true
	}
	for _, n := range only {
		if !known[n] {
			return nil, fmt.Errorf("%w: %s", apierrors.ErrNodeNotFound, n)
		}
	}
	return scan.NewAssignment(only)
}

func checkSpace(ctx context.Context, cfg Config) error {
	dir := cfg.Directory
	if dir == "" {
		if cfg.OutputFile == Stdout {
			return nil
		}
		dir = filepath.Dir(cfg.OutputFile)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &apierrors.IOError{Op: "mkdir", Path: dir, Err: err}
	}
	usage, err := disk.UsageWithContext(ctx, dir)
	if err != nil {
		return &apierrors.IOError{Op: "statfs", Path: dir, Err: err}
	}
	span := trace.SpanFromContextSafe(ctx)
	span.Infof("%s has %s free", dir, datasize.ByteSize(usage.Free).HR())
	if cfg.MinFreeSpace > 0 && usage.Free < uint64(cfg.MinFreeSpace) {
		return fmt.Errorf("%w: %s free in %s, need %s", apierrors.ErrInsufficientSpace,
			datasize.ByteSize(usage.Free).HR(), dir, datasize.ByteSize(cfg.MinFreeSpace).HR())
	}
	return nil
}

func fetchGlobals(ctx context.Context, cluster Cluster, node string, cfg Config) (
	indexes []proto.SecondaryIndex, udfs []proto.UDF, err error,
) {
	info, err := cluster.Info(ctx, node)
	if err != nil {
		return nil, nil, errors.Info(err, "fetch info of node", node)
	}
	found := false
	for _, ns := range info.Namespaces {
		if ns == cfg.Namespace {
			found = true
		}
	}
	if !found {
		return nil, nil, fmt.Errorf("%w: %s", apierrors.ErrNamespaceNotFound, cfg.Namespace)
	}
	if !cfg.NoIndexes {
		for _, idx := range info.Indexes {
			if idx.Namespace == cfg.Namespace {
				indexes = append(indexes, idx)
			}
		}
	}
	if !cfg.NoUDFs {
		udfs = info.UDFs
	}
	return indexes, udfs, nil
}

// output is either one shared writer or one file set sink per worker.
type output struct {
	shared *backupfile.Writer
	set    *backupfile.FileSet
	sinks  []scan.RecordSink
	owned  []*backupfile.Sink
}

func newOutput(ctx context.Context, cfg Config, workers int) (*output, error) {
	out := &output{}
	if cfg.OutputFile != "" {
		opts := backupfile.WriterOptions{
			Namespace: cfg.Namespace,
			First:     true,
			Compress:  cfg.Compress,
			Limits:    cfg.Limits,
		}
		var (
			w   *backupfile.Writer
			err error
		)
		if cfg.OutputFile == Stdout {
			stdout := cfg.Stdout
			if stdout == nil {
				stdout = os.Stdout
			}
			// standard output stays open after the backup
			w, err = backupfile.NewWriter(struct{ io.Writer }{stdout}, Stdout, opts)
		} else {
			w, err = backupfile.Create(cfg.OutputFile, opts)
		}
		if err != nil {
			return nil, err
		}
		out.shared = w
		for i := 0; i < workers; i++ {
			out.sinks = append(out.sinks, w)
		}
		return out, nil
	}

	set, err := backupfile.NewFileSet(backupfile.FileSetConfig{
		Dir:       cfg.Directory,
		Namespace: cfg.Namespace,
		FileLimit: cfg.FileLimit,
		Compress:  cfg.Compress,
		Limits:    cfg.Limits,
	})
	if err != nil {
		return nil, err
	}
	out.set = set
	for i := 0; i < workers; i++ {
		sink := set.NewSink(ctx)
		out.owned = append(out.owned, sink)
		out.sinks = append(out.sinks, sink)
	}
	// the first file exists even for an empty backup
	if err := out.owned[0].Open(); err != nil {
		return nil, err
	}
	return out, nil
}

func (o *output) writeGlobals(indexes []proto.SecondaryIndex, udfs []proto.UDF) error {
	type globalWriter interface {
		WriteIndex(idx *proto.SecondaryIndex) error
		WriteUDF(udf *proto.UDF) error
	}
	var w globalWriter = o.shared
	if o.shared == nil {
		w = o.owned[0]
	}
	for i := range indexes {
		if err := w.WriteIndex(&indexes[i]); err != nil {
			return err
		}
	}
	for i := range udfs {
		if err := w.WriteUDF(&udfs[i]); err != nil {
			return err
		}
	}
	return nil
}

func (o *output) close() error {
	if o.shared != nil {
		return o.shared.Close()
	}
	var firstErr error
	for _, sink := range o.owned {
		if err := sink.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (o *output) files() []string {
	if o.shared != nil {
		return []string{o.shared.Name()}
	}
	return o.set.Files()
}
