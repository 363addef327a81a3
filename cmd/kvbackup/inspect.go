package main

import (
	"fmt"
	"io"
	"os"

	"github.com/c2h5oh/datasize"
	"github.com/jedib0t/go-pretty/table"
	"github.com/spf13/cobra"

	"github.com/cubefs/kvbackup/backupfile"
	"github.com/cubefs/kvbackup/codec"
	"github.com/cubefs/kvbackup/proto"
)

type fileStats struct {
	Path    string
	Header  backupfile.Header
	Size    int64
	Records int64
	Bins    int64
	Indexes []proto.SecondaryIndex
	UDFs    []proto.UDF
}

func newInspectCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	var limits codec.Limits
	ccmd := &cobra.Command{
		Use:   "inspect <path>",
		Short: "Describe a backup file or directory",
		Long: `
Reads a backup file or every file of a backup directory and prints their
headers, record counts, secondary indexes and UDF modules.
`,
		Args: cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			return inspect(stdout, args[0], limits)
		},
	}
	flags := ccmd.Flags()
	flags.IntVar(&limits.MaxMetaLine, "max-meta-line", codec.DefaultMaxMetaLine, "Longest accepted meta line.")
	flags.IntVar(&limits.MaxToken, "max-token", codec.DefaultMaxToken, "Longest accepted token.")
	return ccmd
}

func inspect(w io.Writer, path string, limits codec.Limits) error {
	st, err := os.Stat(path)
	if err != nil {
		return err
	}
	paths := []string{path}
	if st.IsDir() {
		if paths, _, err = backupfile.Locate(path, limits); err != nil {
			return err
		}
	}

	all := make([]*fileStats, 0, len(paths))
	for _, p := range paths {
		fs, err := readStats(p, limits)
		if err != nil {
			return err
		}
		all = append(all, fs)
	}

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.AppendHeader(table.Row{"File", "Version", "Namespace", "First", "Size", "Records", "Bins", "Indexes", "UDFs"})
	var records, bins int64
	for _, fs := range all {
		t.AppendRow(table.Row{
			fs.Path, fs.Header.Version, fs.Header.Namespace, fs.Header.First,
			datasize.ByteSize(fs.Size).HR(), fs.Records, fs.Bins, len(fs.Indexes), len(fs.UDFs),
		})
		records += fs.Records
		bins += fs.Bins
	}
	t.AppendFooter(table.Row{"Total", "", "", "", "", records, bins, "", ""})
	t.Render()

	for _, fs := range all {
		if len(fs.Indexes) > 0 {
			fmt.Fprintln(w)
			it := table.NewWriter()
			it.SetOutputMirror(w)
			it.AppendHeader(table.Row{"Index", "Namespace", "Set", "Type", "Path", "Path Type"})
			for _, idx := range fs.Indexes {
				it.AppendRow(table.Row{idx.Name, idx.Namespace, idx.Set, idx.Type, idx.Path.Path, idx.Path.Type})
			}
			it.Render()
		}
		if len(fs.UDFs) > 0 {
			fmt.Fprintln(w)
			ut := table.NewWriter()
			ut.SetOutputMirror(w)
			ut.AppendHeader(table.Row{"UDF", "Type", "Size"})
			for _, udf := range fs.UDFs {
				ut.AppendRow(table.Row{udf.Name, udf.Type, datasize.ByteSize(len(udf.Content)).HR()})
			}
			ut.Render()
		}
	}
	return nil
}

func readStats(path string, limits codec.Limits) (*fileStats, error) {
	st, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	rd, err := backupfile.Open(path, limits)
	if err != nil {
		return nil, err
	}
	defer rd.Close()

	fs := &fileStats{Path: path, Header: rd.Header(), Size: st.Size()}
	for {
		e, err := rd.Next()
		if err == io.EOF {
			return fs, nil
		}
		if err != nil {
			return nil, err
		}
		switch {
		case e.Record != nil:
			fs.Records++
			fs.Bins += int64(len(e.Record.Bins))
		case e.Index != nil:
			fs.Indexes = append(fs.Indexes, *e.Index)
		case e.UDF != nil:
			fs.UDFs = append(fs.UDFs, *e.UDF)
		}
	}
}
