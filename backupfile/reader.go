package backupfile

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/golang/snappy"

	"github.com/cubefs/kvbackup/codec"
	apierrors "github.com/cubefs/kvbackup/errors"
	"github.com/cubefs/kvbackup/proto"
)

type readerState uint8

const (
	readerOpen readerState = iota
	readerEOF
	readerError
	readerClosed
)

// Entry is one item of a backup file body: a record, a secondary index or a
// UDF module.
type Entry struct {
	Record *proto.Record
	Index  *proto.SecondaryIndex
	UDF    *proto.UDF
}

// Header is what a backup file declares before its body.
type Header struct {
	Version   string
	Namespace string
	First     bool
	Meta      map[string]string
}

// Reader reads one backup file. It is not safe for concurrent use.
type Reader struct {
	name   string
	header Header
	br     *bufio.Reader
	closer io.Closer
	dec    *codec.Decoder

	st      codec.State
	state   readerState
	err     error
	line    int
	buf     []byte
	raw     []byte
	pending codec.Line
	records int64
}

// Open opens the backup file at path, decompressing files ending in
// CompressedExt.
func Open(path string, limits codec.Limits) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &apierrors.IOError{Op: "open", Path: path, Err: err}
	}
	var rd io.Reader = f
	if IsCompressed(path) {
		rd = snappy.NewReader(f)
	}
	r, err := newReader(rd, f, path, limits)
	if err != nil {
		f.Close()
		return nil, err
	}
	return r, nil
}

// NewReader validates the version line and reads the header of the backup
// file in rd.
func NewReader(rd io.Reader, name string, limits codec.Limits) (*Reader, error) {
	var closer io.Closer
	if c, ok := rd.(io.Closer); ok {
		closer = c
	}
	return newReader(rd, closer, name, limits)
}

func newReader(rd io.Reader, closer io.Closer, name string, limits codec.Limits) (*Reader, error) {
	r := &Reader{
		name:   name,
		br:     bufio.NewReaderSize(rd, defaultBufferSize),
		closer: closer,
		dec:    codec.NewDecoder(limits),
		header: Header{Meta: make(map[string]string)},
	}

	line, err := r.readLine()
	if err != nil {
		if err == io.EOF {
			return nil, &apierrors.VersionError{File: name, Err: apierrors.ErrMissingHeader}
		}
		return nil, err
	}
	version, err := r.dec.DecodeVersion(line)
	if err != nil {
		var ve *apierrors.VersionError
		if errors.As(err, &ve) {
			ve.File = name
		}
		return nil, err
	}
	r.header.Version = version

	for {
		line, err := r.readLine()
		if err == io.EOF {
			r.state = readerEOF
			break
		}
		if err != nil {
			return nil, err
		}
		if !bytes.HasPrefix(line, []byte(codec.MetaPrefix)) {
			// body lines are decoded, and rejected, by Next
			r.raw = append([]byte(nil), line...)
			break
		}
		l, err := r.decode(line)
		if err != nil {
			return nil, err
		}
		m := l.(*codec.MetaLine)
		switch m.Key {
		case codec.MetaNamespace:
			r.header.Namespace = m.Value
		case codec.MetaFirstFile:
			r.header.First = true
		default:
			r.header.Meta[m.Key] = m.Value
		}
	}
	if r.header.Namespace == "" {
		return nil, apierrors.NewFormatError(apierrors.ErrMalformedLine, codec.MetaPrefix, "missing namespace").At(name, r.line)
	}
	return r, nil
}

func (r *Reader) Name() string { return r.name }

func (r *Reader) Header() Header { return r.header }

// Records returns the number of records delivered so far.
func (r *Reader) Records() int64 { return r.records }

// Next returns the next entry of the body, or io.EOF after the last one. A
// format error moves the reader into an absorbing error state; entries
// returned before it stay valid.
func (r *Reader) Next() (Entry, error) {
	switch r.state {
	case readerError:
		return Entry{}, fmt.Errorf("%w: %s", apierrors.ErrReaderFailed, r.err)
	case readerClosed:
		return Entry{}, apierrors.ErrReaderFailed
	}

	l := r.pending
	r.pending = nil
	if l == nil {
		if r.state == readerEOF && r.raw == nil {
			return Entry{}, io.EOF
		}
		var err error
		if l, err = r.next(); err != nil {
			return Entry{}, err
		}
	}

	switch l := l.(type) {
	case *codec.GlobalLine:
		return Entry{Index: l.Index, UDF: l.UDF}, nil
	case *codec.RecordMetaLine:
		rec := l.NewRecord(r.header.Namespace)
		for r.state != readerEOF {
			next, err := r.next()
			if err == io.EOF {
				break
			}
			if err != nil {
				return Entry{}, err
			}
			bin, ok := next.(*codec.RecordBinLine)
			if !ok {
				r.pending = next
				break
			}
			rec.Bins = append(rec.Bins, bin.Bin)
		}
		r.records++
		return Entry{Record: rec}, nil
	default:
		return Entry{}, r.fail(apierrors.NewFormatError(apierrors.ErrSequencing, l.Kind().Prefix(),
			"%s line inside body", l.Kind()).At(r.name, r.line))
	}
}

// next reads and decodes one body line.
func (r *Reader) next() (codec.Line, error) {
	if r.raw != nil {
		l, err := r.decode(r.raw)
		r.raw = nil
		if err != nil {
			return nil, r.fail(err)
		}
		return l, nil
	}
	line, err := r.readLine()
	if err == io.EOF {
		r.state = readerEOF
		return nil, io.EOF
	}
	if err != nil {
		return nil, r.fail(err)
	}
	l, err := r.decode(line)
	if err != nil {
		return nil, r.fail(err)
	}
	return l, nil
}

func (r *Reader) decode(line []byte) (codec.Line, error) {
	l, err := r.dec.Decode(&r.st, line)
	if err != nil {
		var fe *apierrors.FormatError
		if errors.As(err, &fe) {
			return nil, fe.At(r.name, r.line)
		}
		return nil, err
	}
	return l, nil
}

func (r *Reader) fail(err error) error {
	r.err = err
	r.state = readerError
	return err
}

// readLine returns the next line without its newline. The slice is only
// valid until the next call.
func (r *Reader) readLine() ([]byte, error) {
	r.buf = r.buf[:0]
	for {
		frag, err := r.br.ReadSlice('\n')
		r.buf = append(r.buf, frag...)
		if err == bufio.ErrBufferFull {
			continue
		}
		if err == io.EOF && len(r.buf) > 0 {
			r.line++
			return r.buf, nil
		}
		if err != nil {
			if err != io.EOF {
				err = &apierrors.IOError{Op: "read", Path: r.name, Err: err}
			}
			return nil, err
		}
		r.line++
		return r.buf[:len(r.buf)-1], nil
	}
}

func (r *Reader) Close() error {
	if r.state == readerClosed {
		return nil
	}
	r.state = readerClosed
	if r.closer != nil {
		return r.closer.Close()
	}
	return nil
}
