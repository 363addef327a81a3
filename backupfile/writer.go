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

package backupfile

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/golang/snappy"

	"github.com/cubefs/kvbackup/codec"
	apierrors "github.com/cubefs/kvbackup/errors"
	"github.com/cubefs/kvbackup/proto"
	"github.com/cubefs/kvbackup/util"
)

const (
	defaultBufferSize = 64 << 10
	defaultGroupSize  = 4 << 10
)

type writerState uint8

const (
	stateHeader writerState = iota
	stateBody
	stateClosed
	stateError
)

func (s writerState) String() string {
	switch s {
	case stateHeader:
		return "header"
	case stateBody:
		return "body"
	case stateClosed:
		return "closed"
	default:
		return "error"
	}
}

type WriterOptions struct {
	Namespace string       `json:"namespace"`
	First     bool         `json:"first"`
	Compress  bool         `json:"compress"`
	Limits    codec.Limits `json:"limits"`
}

// Writer writes one backup file. Writes of a record group are serialized,
// so a Writer may be shared by several workers. An I/O failure moves the
// writer into an absorbing error state.
type Writer struct {
	name      string
	namespace string
	enc       *codec.Encoder

	mu      sync.Mutex
	state   writerState
	bw      *bufio.Writer
	sw      *snappy.Writer
	closer  io.Closer
	bytes   int64
	records int64
	err     error
}

// Create creates the backup file at path. A path ending in CompressedExt
// enables compression.
func Create(path string, opts WriterOptions) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, &apierrors.IOError{Op: "create", Path: path, Err: err}
	}
	opts.Compress = opts.Compress || IsCompressed(path)
	w, err := NewWriter(f, path, opts)
	if err != nil {
		f.Close()
		return nil, err
	}
	return w, nil
}

// NewWriter writes the file header to wr. wr is closed by Close when it is
// an io.Closer.
func NewWriter(wr io.Writer, name string, opts WriterOptions) (*Writer, error) {
	if opts.Namespace == "" {
		return nil, fmt.Errorf("%w: backup file without namespace", apierrors.ErrInvalidConfig)
	}
	w := &Writer{
		name:      name,
		namespace: opts.Namespace,
		enc:       codec.NewEncoder(opts.Limits),
		state:     stateHeader,
	}
	if c, ok := wr.(io.Closer); ok {
		w.closer = c
	}
	if opts.Compress {
		w.sw = snappy.NewBufferedWriter(wr)
		wr = w.sw
	}
	w.bw = bufio.NewWriterSize(wr, defaultBufferSize)

	buf := w.enc.AppendVersion(nil, proto.BackupVersion)
	buf, err := w.enc.AppendMeta(buf, &codec.MetaLine{Key: codec.MetaNamespace, Value: opts.Namespace})
	if err != nil {
		return nil, err
	}
	if opts.First {
		if buf, err = w.enc.AppendMeta(buf, &codec.MetaLine{Key: codec.MetaFirstFile}); err != nil {
			return nil, err
		}
	}
	if err = w.write(buf); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *Writer) Name() string { return w.name }

func (w *Writer) Namespace() string { return w.namespace }

// Bytes returns the number of bytes written so far, before compression.
func (w *Writer) Bytes() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.bytes
}

func (w *Writer) Records() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.records
}

// WriteMeta adds a meta line. Meta lines are only valid before the first
// global or record line.
func (w *Writer) WriteMeta(key, value string) error {
	buf, err := w.enc.AppendMeta(nil, &codec.MetaLine{Key: key, Value: value})
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.check(); err != nil {
		return err
	}
	if w.state != stateHeader {
		return apierrors.NewFormatError(apierrors.ErrSequencing, codec.MetaPrefix, "meta line after body").At(w.name, 0)
	}
	return w.writeLocked(buf)
}

func (w *Writer) WriteIndex(idx *proto.SecondaryIndex) error {
	return w.writeGlobal(&codec.GlobalLine{Index: idx})
}

func (w *Writer) WriteUDF(udf *proto.UDF) error {
	return w.writeGlobal(&codec.GlobalLine{UDF: udf})
}

func (w *Writer) writeGlobal(g *codec.GlobalLine) error {
	buf := util.GetBuffer(defaultGroupSize)[:0]
	defer func() { util.PutBuffer(buf) }()

	buf, err := w.enc.AppendGlobal(buf, g)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.check(); err != nil {
		return err
	}
	w.state = stateBody
	return w.writeLocked(buf)
}

// WriteRecord writes the record meta line and all bin lines of r as one
// unit and returns the number of bytes written.
func (w *Writer) WriteRecord(r *proto.Record) (int, error) {
	if r.Namespace != "" && r.Namespace != w.namespace {
		return 0, fmt.Errorf("%w: record of %q in file of %q", apierrors.ErrNamespaceMismatch, r.Namespace, w.namespace)
	}

	buf := util.GetBuffer(defaultGroupSize)[:0]
	defer func() { util.PutBuffer(buf) }()

	buf, err := w.enc.AppendRecord(buf, r)
	if err != nil {
		return 0, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.check(); err != nil {
		return 0, err
	}
	w.state = stateBody
	if err := w.writeLocked(buf); err != nil {
		return 0, err
	}
	w.records++
	return len(buf), nil
}

// Flush pushes buffered lines to the underlying writer.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.check(); err != nil {
		return err
	}
	if err := w.bw.Flush(); err != nil {
		return w.fail("flush", err)
	}
	if w.sw != nil {
		if err := w.sw.Flush(); err != nil {
			return w.fail("flush", err)
		}
	}
	return nil
}

// Close flushes and releases the underlying file in every state. Closing a
// writer in the error state returns the error that caused it.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state == stateClosed {
		return nil
	}

	var err error
	if w.state != stateError {
		if e := w.bw.Flush(); e != nil {
			err = &apierrors.IOError{Op: "flush", Path: w.name, Err: e}
		}
		if w.sw != nil {
			if e := w.sw.Close(); e != nil && err == nil {
				err = &apierrors.IOError{Op: "flush", Path: w.name, Err: e}
			}
		}
	} else {
		err = w.err
	}
	if w.closer != nil {
		if e := w.closer.Close(); e != nil && err == nil {
			err = &apierrors.IOError{Op: "close", Path: w.name, Err: e}
		}
	}
	w.state = stateClosed
	return err
}

func (w *Writer) check() error {
	switch w.state {
	case stateClosed:
		return apierrors.ErrWriterClosed
	case stateError:
		return fmt.Errorf("%w: %s", apierrors.ErrWriterFailed, w.err)
	}
	return nil
}

func (w *Writer) write(buf []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writeLocked(buf)
}

func (w *Writer) writeLocked(buf []byte) error {
	if _, err := w.bw.Write(buf); err != nil {
		return w.fail("write", err)
	}
	w.bytes += int64(len(buf))
	return nil
}

func (w *Writer) fail(op string, err error) error {
	w.err = &apierrors.IOError{Op: op, Path: w.name, Err: err}
	w.state = stateError
	return w.err
}
