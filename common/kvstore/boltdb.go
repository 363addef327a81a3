// Copyright 2023 The Cuber Authors.
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

package kvstore

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	bolt "go.etcd.io/bbolt"
)

const (
	dbFileName       = "kv.boltdb"
	defaultListBatch = 256
)

type boltdb struct {
	db        *bolt.DB
	path      string
	listBatch int
	handleErr HandleError

	mu   sync.RWMutex
	cols map[CF]struct{}
}

func newBoltdb(ctx context.Context, path string, option *Option) (Store, error) {
	span := trace.SpanFromContextSafe(ctx)
	if option == nil {
		option = &Option{CreateIfMissing: true}
	}
	if option.CreateIfMissing {
		if err := os.MkdirAll(path, 0o755); err != nil {
			return nil, err
		}
	}
	db, err := bolt.Open(filepath.Join(path, dbFileName), 0o644, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	db.NoSync = !option.Sync

	s := &boltdb{
		db:        db,
		path:      path,
		listBatch: option.ListBatch,
		handleErr: option.HandleError,
		cols:      make(map[CF]struct{}),
	}
	if s.listBatch <= 0 {
		s.listBatch = defaultListBatch
	}

	cols := append([]CF{defaultCF}, option.ColumnFamily...)
	err = db.Update(func(tx *bolt.Tx) error {
		// pick up columns created by an earlier run
		if err := tx.ForEach(func(name []byte, _ *bolt.Bucket) error {
			s.cols[CF(name)] = struct{}{}
			return nil
		}); err != nil {
			return err
		}
		for _, col := range cols {
			if _, err := tx.CreateBucketIfNotExists([]byte(col)); err != nil {
				return err
			}
			s.cols[col] = struct{}{}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	span.Debugf("open boltdb at %s with columns %v", path, cols)
	return s, nil
}

func (s *boltdb) onError(err error) error {
	if err != nil && s.handleErr != nil {
		s.handleErr(err)
	}
	return err
}

func (s *boltdb) CreateColumn(col CF) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(col))
		return err
	})
	if err != nil {
		return s.onError(err)
	}
	s.mu.Lock()
	s.cols[col] = struct{}{}
	s.mu.Unlock()
	return nil
}

func (s *boltdb) GetAllColumns() (ret []CF) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for col := range s.cols {
		ret = append(ret, col)
	}
	return
}

func (s *boltdb) CheckColumns(col CF) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.cols[col]
	return ok
}

func bucket(tx *bolt.Tx, col CF) (*bolt.Bucket, error) {
	b := tx.Bucket([]byte(col))
	if b == nil {
		return nil, ErrColumnNotFound
	}
	return b, nil
}

func (s *boltdb) GetRaw(ctx context.Context, col CF, key []byte) (value []byte, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		b, err := bucket(tx, col)
		if err != nil {
			return err
		}
		v := b.Get(key)
		if v == nil {
			return ErrNotFound
		}
		value = append([]byte(nil), v...)
		return nil
	})
	return
}

func (s *boltdb) SetRaw(ctx context.Context, col CF, key []byte, value []byte) error {
	return s.onError(s.db.Update(func(tx *bolt.Tx) error {
		b, err := bucket(tx, col)
		if err != nil {
			return err
		}
		return b.Put(key, value)
	}))
}

func (s *boltdb) Delete(ctx context.Context, col CF, key []byte) error {
	return s.onError(s.db.Update(func(tx *bolt.Tx) error {
		b, err := bucket(tx, col)
		if err != nil {
			return err
		}
		return b.Delete(key)
	}))
}

func (s *boltdb) Update(ctx context.Context, col CF, key []byte, fn func(old []byte) ([]byte, error)) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b, err := bucket(tx, col)
		if err != nil {
			return err
		}
		var old []byte
		if v := b.Get(key); v != nil {
			old = append([]byte(nil), v...)
		}
		value, err := fn(old)
		if err != nil {
			return err
		}
		if value == nil {
			return b.Delete(key)
		}
		return b.Put(key, value)
	})
	return err
}

func (s *boltdb) List(ctx context.Context, col CF, prefix []byte, marker []byte) ListReader {
	start := marker
	if len(start) == 0 {
		start = prefix
	}
	return &listReader{
		s:      s,
		col:    col,
		prefix: prefix,
		next:   append([]byte(nil), start...),
	}
}

func (s *boltdb) NewWriteBatch() WriteBatch {
	return &writeBatch{}
}

func (s *boltdb) Write(ctx context.Context, batch WriteBatch) error {
	ops := batch.(*writeBatch).ops
	return s.onError(s.db.Update(func(tx *bolt.Tx) error {
		for _, op := range ops {
			b, err := bucket(tx, op.col)
			if err != nil {
				return err
			}
			if op.delete {
				err = b.Delete(op.key)
			} else {
				err = b.Put(op.key, op.value)
			}
			if err != nil {
				return err
			}
		}
		return nil
	}))
}

func (s *boltdb) Stats(ctx context.Context) (stats Stats, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		stats.Used = uint64(tx.Size())
		return tx.ForEach(func(_ []byte, b *bolt.Bucket) error {
			stats.Keys += uint64(b.Stats().KeyN)
			return nil
		})
	})
	stats.Reads = uint64(s.db.Stats().TxN)
	return
}

func (s *boltdb) Close() {
	s.db.Close()
}

// listReader pages through a column, one short read transaction per page,
// so a long scan never pins the database file.
type listReader struct {
	s      *boltdb
	col    CF
	prefix []byte
	next   []byte
	done   bool

	keys, values [][]byte
	pos          int
}

func (lr *listReader) fill() error {
	lr.keys, lr.values, lr.pos = lr.keys[:0], lr.values[:0], 0
	return lr.s.db.View(func(tx *bolt.Tx) error {
		b, err := bucket(tx, lr.col)
		if err != nil {
			return err
		}
		c := b.Cursor()
		var k, v []byte
		if len(lr.next) == 0 {
			k, v = c.First()
		} else {
			k, v = c.Seek(lr.next)
		}
		for ; k != nil && len(lr.keys) < lr.s.listBatch; k, v = c.Next() {
			if lr.prefix != nil && !bytes.HasPrefix(k, lr.prefix) {
				lr.done = true
				return nil
			}
			lr.keys = append(lr.keys, append([]byte(nil), k...))
			lr.values = append(lr.values, append([]byte(nil), v...))
		}
		if k == nil {
			lr.done = true
			return nil
		}
		// resume at the first key not taken
		lr.next = append(lr.next[:0], k...)
		return nil
	})
}

func (lr *listReader) ReadNextCopy() (key []byte, value []byte, err error) {
	if lr.pos >= len(lr.keys) {
		if lr.done {
			return nil, nil, nil
		}
		if err = lr.fill(); err != nil {
			return nil, nil, err
		}
		if len(lr.keys) == 0 {
			return nil, nil, nil
		}
	}
	key, value = lr.keys[lr.pos], lr.values[lr.pos]
	lr.pos++
	return
}

func (lr *listReader) Close() {
	lr.done = true
	lr.keys, lr.values = nil, nil
}

type batchOp struct {
	col    CF
	key    []byte
	value  []byte
	delete bool
}

type writeBatch struct {
	ops []batchOp
}

func (w *writeBatch) Put(col CF, key, value []byte) {
	w.ops = append(w.ops, batchOp{col: col, key: key, value: value})
}

func (w *writeBatch) Delete(col CF, key []byte) {
	w.ops = append(w.ops, batchOp{col: col, key: key, delete: true})
}

func (w *writeBatch) Count() int {
	return len(w.ops)
}
