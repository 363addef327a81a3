package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/c2h5oh/datasize"
	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/cubefs/kvbackup/backup"
	"github.com/cubefs/kvbackup/client"
)

// runContext is cancelled on SIGINT and SIGTERM and carries a span with a
// fresh run id.
func runContext(op string) (context.Context, context.CancelFunc) {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	_, ctx = trace.StartSpanFromContextWithTraceID(ctx, op, uuid.NewString())
	return ctx, cancel
}

// openMachine opens the destination of the machine readable status lines,
// "-" being stderr so that stdout stays free for backup data.
func openMachine(path string, stderr io.Writer) (io.Writer, func(), error) {
	switch path {
	case "":
		return nil, func() {}, nil
	case "-":
		return stderr, func() {}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, err
	}
	return f, func() { f.Close() }, nil
}

func newBackupCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	var (
		cf        clusterFlags
		cfg       backup.Config
		fileLimit string
		minFree   string
		nice      int
		machine   string
	)
	ccmd := &cobra.Command{
		Use:   "backup",
		Short: "Back up a namespace of the cluster",
		Long: `
Backs up one namespace to a single file (--output-file, "-" for stdout) or
to a directory of files rotated at --file-limit. Secondary indexes and UDF
modules are written ahead of the records.
`,
		Args: cobra.NoArgs,
		RunE: func(c *cobra.Command, args []string) (err error) {
			if cfg.FileLimit, err = parseSize("file-limit", fileLimit); err != nil {
				return err
			}
			if cfg.MinFreeSpace, err = parseSize("min-free-space", minFree); err != nil {
				return err
			}
			cfg.Bandwidth = int64(nice) * int64(datasize.MB)
			cfg.Stdout = stdout

			out, closeOut, err := openMachine(machine, stderr)
			if err != nil {
				return err
			}
			defer closeOut()
			cfg.Machine = out

			ctx, cancel := runContext("backup")
			defer cancel()
			cli, err := client.NewClient(ctx, cf.config())
			if err != nil {
				return err
			}
			defer cli.Close()

			res, err := backup.Run(ctx, cli, cfg)
			if err != nil {
				return err
			}
			if cfg.OutputFile != backup.Stdout {
				fmt.Fprintf(stdout, "backed up %d records (%s) of %s from %d nodes into %d files in %s\n",
					res.RecordsWritten, datasize.ByteSize(res.BytesWritten).HR(), cfg.Namespace,
					len(res.Nodes), len(res.Files), res.Elapsed)
			}
			return nil
		},
	}

	flags := ccmd.Flags()
	cf.register(flags)
	flags.StringVarP(&cfg.Namespace, "namespace", "n", "", "Namespace to back up.")
	flags.StringSliceVarP(&cfg.Sets, "set", "s", nil, "Only back up these sets.")
	flags.StringSliceVarP(&cfg.BinList, "bin-list", "B", nil, "Only back up these bins.")
	flags.StringSliceVarP(&cfg.NodeList, "node-list", "l", nil, "Only back up these nodes.")
	flags.IntVarP(&cfg.Parallel, "parallel", "w", 0, "Number of workers, one per node when 0.")
	flags.StringVarP(&cfg.Directory, "directory", "d", "", "Directory to back up into.")
	flags.StringVarP(&cfg.OutputFile, "output-file", "o", "", `File to back up into, "-" for stdout.`)
	flags.StringVarP(&fileLimit, "file-limit", "F", "", "Rotate directory backup files at this size, e.g. 250MB.")
	flags.StringVar(&minFree, "min-free-space", "", "Refuse to start with less free disk space than this.")
	flags.BoolVarP(&cfg.Compress, "compress", "z", false, "Compress backup files with snappy.")
	flags.IntVarP(&cfg.RecordsPerSecond, "records-per-second", "L", 0, "Limit the records read per second.")
	flags.IntVarP(&nice, "nice", "N", 0, "Limit the bandwidth in MiB/s.")
	flags.Uint64VarP(&cfg.MaxRecords, "max-records", "M", 0, "Stop after this many records.")
	flags.BoolVarP(&cfg.NoRecords, "no-records", "R", false, "Do not back up records.")
	flags.BoolVarP(&cfg.NoIndexes, "no-indexes", "I", false, "Do not back up secondary indexes.")
	flags.BoolVarP(&cfg.NoUDFs, "no-udfs", "u", false, "Do not back up UDF modules.")
	flags.BoolVarP(&cfg.NoBins, "no-bins", "x", false, "Back up record metadata only.")
	flags.StringVarP(&machine, "machine", "m", "", `Write machine readable status lines to this file, "-" for stderr.`)
	flags.DurationVar(&cfg.ProgressInterval, "progress-interval", 0, "Interval of the status lines.")
	return ccmd
}
