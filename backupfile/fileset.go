package backupfile

import (
	"context"
	"fmt"
	"sync"

	"github.com/c2h5oh/datasize"
	"github.com/cubefs/cubefs/blobstore/common/trace"
	"go.uber.org/atomic"

	"github.com/cubefs/kvbackup/codec"
	apierrors "github.com/cubefs/kvbackup/errors"
	"github.com/cubefs/kvbackup/proto"
)

type FileSetConfig struct {
	Dir       string `json:"dir"`
	Namespace string `json:"namespace"`
	// FileLimit rotates to a new file once a file holds this many bytes,
	// 0 disables rotation.
	FileLimit int64        `json:"file_limit"`
	Compress  bool         `json:"compress"`
	Limits    codec.Limits `json:"limits"`
}

// FileSet is a directory backup: files named <namespace>_<NNNNN>.asb, where
// the file with index 0 carries the first-file marker.
type FileSet struct {
	cfg  FileSetConfig
	fs   FS
	next atomic.Uint32

	mu    sync.Mutex
	files []string
}

// NewFileSet prepares cfg.Dir for a new backup. A directory that already
// holds backup files is refused.
func NewFileSet(cfg FileSetConfig) (*FileSet, error) {
	if cfg.Namespace == "" {
		return nil, fmt.Errorf("%w: file set without namespace", apierrors.ErrInvalidConfig)
	}
	fs, err := NewFS(cfg.Dir)
	if err != nil {
		return nil, &apierrors.IOError{Op: "mkdir", Path: cfg.Dir, Err: err}
	}
	existing, err := fs.ReadDir()
	if err != nil {
		return nil, &apierrors.IOError{Op: "readdir", Path: cfg.Dir, Err: err}
	}
	if len(existing) > 0 {
		return nil, fmt.Errorf("%w: directory %s already holds %d backup files", apierrors.ErrInvalidConfig, cfg.Dir, len(existing))
	}
	return &FileSet{cfg: cfg, fs: fs}, nil
}

func FileName(namespace string, index uint32, compress bool) string {
	ext := Ext
	if compress {
		ext = CompressedExt
	}
	return fmt.Sprintf("%s_%05d%s", namespace, index, ext)
}

// Create opens the next file of the set.
func (s *FileSet) Create() (*Writer, error) {
	index := s.next.Inc() - 1
	name := FileName(s.cfg.Namespace, index, s.cfg.Compress)
	f, err := s.fs.CreateFile(name)
	if err != nil {
		return nil, &apierrors.IOError{Op: "create", Path: s.fs.Path(name), Err: err}
	}
	w, err := NewWriter(f, s.fs.Path(name), WriterOptions{
		Namespace: s.cfg.Namespace,
		First:     index == 0,
		Compress:  s.cfg.Compress,
		Limits:    s.cfg.Limits,
	})
	if err != nil {
		f.Close()
		return nil, err
	}

	s.mu.Lock()
	s.files = append(s.files, w.Name())
	s.mu.Unlock()
	return w, nil
}

// Files returns the paths created so far, in creation order.
func (s *FileSet) Files() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.files...)
}

// NewSink returns a writer over the set that opens files lazily and rotates
// at the configured file limit. A sink is owned by one worker.
func (s *FileSet) NewSink(ctx context.Context) *Sink {
	return &Sink{ctx: ctx, set: s}
}

type Sink struct {
	ctx   context.Context
	set   *FileSet
	cur   *Writer
	files int
}

func (k *Sink) writer() (*Writer, error) {
	if k.cur != nil {
		return k.cur, nil
	}
	w, err := k.set.Create()
	if err != nil {
		return nil, err
	}
	k.cur = w
	k.files++
	return w, nil
}

// Open makes sure the sink has a file open, so that an empty sink still
// leaves a file behind.
func (k *Sink) Open() error {
	_, err := k.writer()
	return err
}

func (k *Sink) WriteIndex(idx *proto.SecondaryIndex) error {
	w, err := k.writer()
	if err != nil {
		return err
	}
	return w.WriteIndex(idx)
}

func (k *Sink) WriteUDF(udf *proto.UDF) error {
	w, err := k.writer()
	if err != nil {
		return err
	}
	return w.WriteUDF(udf)
}

func (k *Sink) WriteRecord(r *proto.Record) (int, error) {
	w, err := k.writer()
	if err != nil {
		return 0, err
	}
	n, err := w.WriteRecord(r)
	if err != nil {
		return n, err
	}
	if limit := k.set.cfg.FileLimit; limit > 0 && w.Bytes() >= limit {
		span := trace.SpanFromContextSafe(k.ctx)
		span.Infof("rotate backup file %s at %s", w.Name(), datasize.ByteSize(w.Bytes()).HR())
		k.cur = nil
		if err := w.Close(); err != nil {
			return n, err
		}
	}
	return n, nil
}

// Files returns the number of files this sink opened.
func (k *Sink) Files() int { return k.files }

func (k *Sink) Close() error {
	if k.cur == nil {
		return nil
	}
	w := k.cur
	k.cur = nil
	return w.Close()
}

// Locate lists the backup files of dir with the first-file first, followed
// by the rest in name order. Exactly one file must carry the marker and all
// files must share one namespace.
func Locate(dir string, limits codec.Limits) ([]string, Header, error) {
	fs := &posixFS{path: dir}
	names, err := fs.ReadDir()
	if err != nil {
		return nil, Header{}, &apierrors.IOError{Op: "readdir", Path: dir, Err: err}
	}
	if len(names) == 0 {
		return nil, Header{}, fmt.Errorf("%w: %s", apierrors.ErrNoBackupFiles, dir)
	}

	var (
		first  = -1
		header Header
		paths  = make([]string, 0, len(names))
	)
	for i, name := range names {
		path := fs.Path(name)
		r, err := Open(path, limits)
		if err != nil {
			return nil, Header{}, err
		}
		h := r.Header()
		r.Close()

		if i == 0 {
			header.Namespace = h.Namespace
		} else if h.Namespace != header.Namespace {
			return nil, Header{}, fmt.Errorf("%w: %s has namespace %q, expected %q",
				apierrors.ErrNamespaceMismatch, path, h.Namespace, header.Namespace)
		}
		if h.First {
			if first >= 0 {
				return nil, Header{}, apierrors.NewFormatError(apierrors.ErrDuplicateFirstFile, codec.MetaPrefix,
					"%s and %s", paths[first], path).At(dir, 0)
			}
			first = i
			header = h
		}
		paths = append(paths, path)
	}
	if first < 0 {
		return nil, Header{}, apierrors.NewFormatError(apierrors.ErrFirstFileNotFound, codec.MetaPrefix,
			"%d files", len(paths)).At(dir, 0)
	}

	ordered := make([]string, 0, len(paths))
	ordered = append(ordered, paths[first])
	ordered = append(ordered, paths[:first]...)
	ordered = append(ordered, paths[first+1:]...)
	return ordered, header, nil
}
