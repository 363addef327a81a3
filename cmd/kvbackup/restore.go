package main

import (
	"fmt"
	"io"

	"github.com/c2h5oh/datasize"
	"github.com/spf13/cobra"

	"github.com/cubefs/kvbackup/client"
	"github.com/cubefs/kvbackup/restore"
)

func newRestoreCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	var (
		cf      clusterFlags
		cfg     restore.Config
		nice    int
		machine string
	)
	ccmd := &cobra.Command{
		Use:   "restore",
		Short: "Restore a backup into the cluster",
		Long: `
Restores a backup file (--input-file, "-" for stdin) or a backup directory
into the cluster. UDF modules are registered first, secondary indexes are
created after the records.
`,
		Args: cobra.NoArgs,
		RunE: func(c *cobra.Command, args []string) error {
			cfg.Bandwidth = int64(nice) * int64(datasize.MB)
			cfg.Stdin = stdin

			out, closeOut, err := openMachine(machine, stderr)
			if err != nil {
				return err
			}
			defer closeOut()
			cfg.Machine = out

			ctx, cancel := runContext("restore")
			defer cancel()
			cli, err := client.NewClient(ctx, cf.config())
			if err != nil {
				return err
			}
			defer cli.Close()

			res, err := restore.Run(ctx, cli, cfg)
			if err != nil {
				return err
			}
			fmt.Fprintf(stdout, "restored %d of %d records (%s) into %s from %d files, %d skipped, %d indexes, %d udfs in %s\n",
				res.RecordsWritten, res.RecordsRead, datasize.ByteSize(res.BytesWritten).HR(), res.Namespace,
				len(res.Files), res.Skipped, res.Indexes, res.UDFs, res.Elapsed)
			return nil
		},
	}

	flags := ccmd.Flags()
	cf.register(flags)
	flags.StringVarP(&cfg.Directory, "directory", "d", "", "Backup directory to restore from.")
	flags.StringVarP(&cfg.InputFile, "input-file", "i", "", `Backup file to restore from, "-" for stdin.`)
	flags.StringVarP(&cfg.Namespace, "namespace", "n", "", "Restore into this namespace instead of the backup's.")
	flags.IntVarP(&cfg.Parallel, "parallel", "w", 0, "Number of workers, one per file when 0.")
	flags.BoolVarP(&cfg.Policy.CreateOnly, "unique", "u", false, "Skip records that already exist.")
	flags.BoolVarP(&cfg.Policy.Replace, "replace", "r", false, "Replace the bins of existing records instead of merging.")
	flags.BoolVarP(&cfg.Policy.IgnoreGeneration, "no-generation", "g", false, "Overwrite records of a newer generation.")
	flags.BoolVar(&cfg.IgnoreRecordError, "ignore-record-error", false, "Skip records the cluster rejects.")
	flags.BoolVar(&cfg.ValidateIndexes, "validate-indexes", false, "Reject records whose bins do not fit a secondary index.")
	flags.BoolVar(&cfg.ValidateOnly, "validate", false, "Read and check the backup without writing.")
	flags.BoolVarP(&cfg.NoRecords, "no-records", "R", false, "Do not restore records.")
	flags.BoolVarP(&cfg.NoIndexes, "no-indexes", "I", false, "Do not restore secondary indexes.")
	flags.BoolVarP(&cfg.NoUDFs, "no-udfs", "F", false, "Do not restore UDF modules.")
	flags.IntVarP(&cfg.RecordsPerSecond, "records-per-second", "L", 0, "Limit the records written per second.")
	flags.IntVarP(&nice, "nice", "N", 0, "Limit the read bandwidth in MiB/s.")
	flags.StringVarP(&machine, "machine", "m", "", `Write machine readable status lines to this file, "-" for stderr.`)
	flags.DurationVar(&cfg.ProgressInterval, "progress-interval", 0, "Interval of the status lines.")
	return ccmd
}
