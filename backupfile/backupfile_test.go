package backupfile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cubefs/kvbackup/codec"
	apierrors "github.com/cubefs/kvbackup/errors"
	"github.com/cubefs/kvbackup/proto"
	"github.com/cubefs/kvbackup/util"
)

func tmpDir(t *testing.T) string {
	dir, err := util.GenTmpPath()
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

func newRecord(i int) *proto.Record {
	return &proto.Record{
		Namespace:  "test",
		Set:        "users",
		Digest:     proto.Digest{byte(i >> 8), byte(i)},
		Generation: uint32(i + 1),
		Bins: []proto.Bin{
			{Name: "id", Value: proto.IntValue(int64(i))},
			{Name: "name", Value: proto.StringValue(fmt.Sprintf("user %d", i))},
			{Name: "raw", Value: proto.BlobValue([]byte{0, '\n', byte(i)})},
		},
	}
}

func readAll(t *testing.T, r *Reader) []Entry {
	var entries []Entry
	for {
		e, err := r.Next()
		if err == io.EOF {
			return entries
		}
		require.NoError(t, err)
		entries = append(entries, e)
	}
}

func TestReadExample(t *testing.T) {
	text := "VERSION 1.1\n" +
		"# namespace test\n" +
		"# first-file\n" +
		"+ digest ab12 generation 1 expiration 0\n" +
		"- name string \"Alice\"\n" +
		"- age numeric 30\n"
	r, err := NewReader(strings.NewReader(text), "example.asb", codec.DefaultLimits())
	require.NoError(t, err)
	require.Equal(t, Header{Version: "1.1", Namespace: "test", First: true, Meta: map[string]string{}}, r.Header())

	entries := readAll(t, r)
	require.Len(t, entries, 1)
	rec := entries[0].Record
	require.NotNil(t, rec)
	require.Equal(t, "ab12", rec.Digest.String())
	require.Equal(t, uint32(1), rec.Generation)
	require.Len(t, rec.Bins, 2)
	require.Equal(t, proto.ValueString, rec.Bins[0].Value.Type)
	require.Equal(t, "Alice", rec.Bins[0].Value.Str())
	require.Equal(t, proto.ValueInteger, rec.Bins[1].Value.Type)
	require.Equal(t, int64(30), rec.Bins[1].Value.Int)
	require.Equal(t, int64(1), r.Records())
	require.NoError(t, r.Close())
}

func TestReadSequencingError(t *testing.T) {
	text := "VERSION 1.1\n" +
		"# namespace test\n" +
		"- age numeric 30\n"
	r, err := NewReader(strings.NewReader(text), "bad.asb", codec.DefaultLimits())
	require.NoError(t, err)

	_, err = r.Next()
	require.ErrorIs(t, err, apierrors.ErrSequencing)
	var fe *apierrors.FormatError
	require.True(t, errors.As(err, &fe))
	require.Equal(t, "bad.asb", fe.File)
	require.Equal(t, 3, fe.Line)
	require.Equal(t, codec.RecordBinPrefix, fe.Prefix)
	require.Equal(t, int64(0), r.Records())

	_, err = r.Next()
	require.ErrorIs(t, err, apierrors.ErrReaderFailed)
}

func TestReadErrorKeepsDelivered(t *testing.T) {
	text := "VERSION 1.1\n" +
		"# namespace test\n" +
		"+ digest 01 generation 1 expiration 0\n" +
		"- a numeric 1\n" +
		"+ digest 02 generation 1 expiration 0\n" +
		"- b numeric x\n" +
		"+ digest 03 generation 1 expiration 0\n"
	r, err := NewReader(strings.NewReader(text), "bad.asb", codec.DefaultLimits())
	require.NoError(t, err)

	e, err := r.Next()
	require.NoError(t, err)
	first := e.Record
	require.Equal(t, "01", first.Digest.String())

	_, err = r.Next()
	require.ErrorIs(t, err, apierrors.ErrMalformedLine)
	require.Equal(t, int64(1), r.Records())
	require.Equal(t, int64(1), first.Bins[0].Value.Int)

	_, err = r.Next()
	require.ErrorIs(t, err, apierrors.ErrReaderFailed)

	text = "VERSION 1.1\n# namespace test\n+ digest 01 generation 1 expiration 0\n# late meta\n"
	r, err = NewReader(strings.NewReader(text), "late.asb", codec.DefaultLimits())
	require.NoError(t, err)
	_, err = r.Next()
	require.NoError(t, err)
	_, err = r.Next()
	require.ErrorIs(t, err, apierrors.ErrSequencing)
}

func TestReadVersion(t *testing.T) {
	cases := []struct {
		text string
		err  error
	}{
		{"", apierrors.ErrMissingHeader},
		{"# namespace test\n", apierrors.ErrMissingHeader},
		{"VERSION 3.0\n# namespace test\n", apierrors.ErrUnsupported},
	}
	for _, c := range cases {
		_, err := NewReader(strings.NewReader(c.text), "v.asb", codec.DefaultLimits())
		require.ErrorIs(t, err, c.err)
		var ve *apierrors.VersionError
		require.True(t, errors.As(err, &ve))
		require.Equal(t, "v.asb", ve.File)
	}

	_, err := NewReader(strings.NewReader("VERSION 1.1\n# first-file\n"), "v.asb", codec.DefaultLimits())
	require.ErrorIs(t, err, apierrors.ErrMalformedLine)

	r, err := NewReader(strings.NewReader("VERSION 1.1\n# namespace test"), "v.asb", codec.DefaultLimits())
	require.NoError(t, err)
	require.Empty(t, readAll(t, r))
}

func TestWriteRead(t *testing.T) {
	for _, compress := range []bool{false, true} {
		dir := tmpDir(t)
		path := filepath.Join(dir, FileName("test", 0, compress))

		w, err := Create(path, WriterOptions{Namespace: "test", First: true})
		require.NoError(t, err)
		require.NoError(t, w.WriteMeta("source", "127.0.0.1:3000"))
		idx := &proto.SecondaryIndex{
			Namespace: "test", Name: "idx_id", Type: proto.IndexTypeBin,
			Path: proto.PathExpression{Path: "id", Type: proto.PathTypeNumeric},
		}
		require.NoError(t, w.WriteIndex(idx))
		udf := &proto.UDF{Type: proto.UDFTypeLua, Name: "f.lua", Content: []byte("return 1\n")}
		require.NoError(t, w.WriteUDF(udf))
		for i := 0; i < 100; i++ {
			n, err := w.WriteRecord(newRecord(i))
			require.NoError(t, err)
			require.Greater(t, n, 0)
		}
		require.Equal(t, int64(100), w.Records())
		require.NoError(t, w.Close())
		require.NoError(t, w.Close())

		r, err := Open(path, codec.DefaultLimits())
		require.NoError(t, err)
		h := r.Header()
		require.True(t, h.First)
		require.Equal(t, "test", h.Namespace)
		require.Equal(t, "127.0.0.1:3000", h.Meta["source"])

		entries := readAll(t, r)
		require.Len(t, entries, 102)
		require.Equal(t, idx, entries[0].Index)
		require.Equal(t, udf, entries[1].UDF)
		for i, e := range entries[2:] {
			require.True(t, newRecord(i).Equal(e.Record), "record %d", i)
		}
		require.NoError(t, r.Close())
	}
}

func TestWriterStates(t *testing.T) {
	var sb strings.Builder
	w, err := NewWriter(&sb, "mem", WriterOptions{Namespace: "test"})
	require.NoError(t, err)

	_, err = w.WriteRecord(&proto.Record{Namespace: "other", Digest: proto.Digest{1}})
	require.ErrorIs(t, err, apierrors.ErrNamespaceMismatch)
	_, err = w.WriteRecord(&proto.Record{})
	require.ErrorIs(t, err, apierrors.ErrMalformedLine)

	_, err = w.WriteRecord(&proto.Record{Digest: proto.Digest{1}})
	require.NoError(t, err)
	require.ErrorIs(t, w.WriteMeta("late", ""), apierrors.ErrSequencing)

	require.NoError(t, w.Close())
	_, err = w.WriteRecord(&proto.Record{Digest: proto.Digest{2}})
	require.ErrorIs(t, err, apierrors.ErrWriterClosed)
	require.Equal(t, "VERSION 1.1\n# namespace test\n+ digest 01 generation 0 expiration 0\n", sb.String())
	require.Equal(t, int64(len(sb.String())), w.Bytes())

	_, err = NewWriter(&sb, "mem", WriterOptions{})
	require.ErrorIs(t, err, apierrors.ErrInvalidConfig)
}

type failWriter struct {
	closed bool
}

func (f *failWriter) Write(p []byte) (int, error) { return 0, errors.New("disk full") }

func (f *failWriter) Close() error {
	f.closed = true
	return nil
}

func TestWriterErrorState(t *testing.T) {
	fw := &failWriter{}
	w, err := NewWriter(fw, "fail", WriterOptions{Namespace: "test"})
	require.NoError(t, err)
	_, err = w.WriteRecord(newRecord(1))
	require.NoError(t, err)

	err = w.Flush()
	var ioe *apierrors.IOError
	require.True(t, errors.As(err, &ioe))
	require.Equal(t, "fail", ioe.Path)

	_, err = w.WriteRecord(newRecord(2))
	require.ErrorIs(t, err, apierrors.ErrWriterFailed)
	require.Error(t, w.Close())
	require.True(t, fw.closed)
}

func TestSharedWriter(t *testing.T) {
	var sb strings.Builder
	w, err := NewWriter(&sb, "shared", WriterOptions{Namespace: "test"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				if _, err := w.WriteRecord(newRecord(g*50 + i)); err != nil {
					t.Error(err)
					return
				}
			}
		}(g)
	}
	wg.Wait()
	require.NoError(t, w.Close())

	r, err := NewReader(strings.NewReader(sb.String()), "shared", codec.DefaultLimits())
	require.NoError(t, err)
	seen := make(map[string]bool)
	for _, e := range readAll(t, r) {
		id, ok := e.Record.Bin("id")
		require.True(t, ok)
		require.True(t, newRecord(int(id.Int)).Equal(e.Record))
		seen[e.Record.Digest.String()] = true
	}
	require.Len(t, seen, 400)
}

func TestFileSetRotateAndLocate(t *testing.T) {
	dir := tmpDir(t)
	set, err := NewFileSet(FileSetConfig{Dir: dir, Namespace: "test", FileLimit: 1 << 10})
	require.NoError(t, err)

	ctx := context.Background()
	sinks := []*Sink{set.NewSink(ctx), set.NewSink(ctx)}
	require.NoError(t, sinks[0].WriteIndex(&proto.SecondaryIndex{
		Namespace: "test", Name: "idx_id", Type: proto.IndexTypeBin,
		Path: proto.PathExpression{Path: "id", Type: proto.PathTypeNumeric},
	}))
	for i := 0; i < 200; i++ {
		_, err := sinks[i%2].WriteRecord(newRecord(i))
		require.NoError(t, err)
	}
	for _, s := range sinks {
		require.NoError(t, s.Close())
	}
	require.Greater(t, sinks[0].Files()+sinks[1].Files(), 2)
	require.Equal(t, filepath.Join(dir, "test_00000.asb"), set.Files()[0])

	paths, header, err := Locate(dir, codec.DefaultLimits())
	require.NoError(t, err)
	require.Len(t, paths, len(set.Files()))
	require.Equal(t, filepath.Join(dir, "test_00000.asb"), paths[0])
	require.True(t, header.First)
	require.Equal(t, "test", header.Namespace)

	var records, indexes int
	for _, p := range paths {
		r, err := Open(p, codec.DefaultLimits())
		require.NoError(t, err)
		for _, e := range readAll(t, r) {
			if e.Record != nil {
				records++
			} else {
				indexes++
			}
		}
		require.NoError(t, r.Close())
	}
	require.Equal(t, 200, records)
	require.Equal(t, 1, indexes)

	_, err = NewFileSet(FileSetConfig{Dir: dir, Namespace: "test"})
	require.ErrorIs(t, err, apierrors.ErrInvalidConfig)
}

func TestLocateErrors(t *testing.T) {
	dir := tmpDir(t)
	_, _, err := Locate(dir, codec.DefaultLimits())
	require.ErrorIs(t, err, apierrors.ErrNoBackupFiles)

	create := func(name, namespace string, first bool) {
		w, err := Create(filepath.Join(dir, name), WriterOptions{Namespace: namespace, First: first})
		require.NoError(t, err)
		require.NoError(t, w.Close())
	}
	create("a.asb", "test", false)
	create("b.asb", "test", false)
	_, _, err = Locate(dir, codec.DefaultLimits())
	require.ErrorIs(t, err, apierrors.ErrFirstFileNotFound)

	create("c.asb", "test", true)
	paths, _, err := Locate(dir, codec.DefaultLimits())
	require.NoError(t, err)
	require.Equal(t, []string{filepath.Join(dir, "c.asb"), filepath.Join(dir, "a.asb"), filepath.Join(dir, "b.asb")}, paths)

	create("d.asb", "test", true)
	_, _, err = Locate(dir, codec.DefaultLimits())
	require.ErrorIs(t, err, apierrors.ErrDuplicateFirstFile)
	var fe *apierrors.FormatError
	require.True(t, errors.As(err, &fe))

	other := tmpDir(t)
	w, err := Create(filepath.Join(other, "a.asb"), WriterOptions{Namespace: "test", First: true})
	require.NoError(t, err)
	require.NoError(t, w.Close())
	w, err = Create(filepath.Join(other, "b.asb"), WriterOptions{Namespace: "prod"})
	require.NoError(t, err)
	require.NoError(t, w.Close())
	_, _, err = Locate(other, codec.DefaultLimits())
	require.ErrorIs(t, err, apierrors.ErrNamespaceMismatch)
}
