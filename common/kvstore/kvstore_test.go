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
	"context"
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cubefs/kvbackup/util"
)

type testEg struct {
	engine Store
	path   string
}

func newEngine(ctx context.Context, opt *Option) (*testEg, error) {
	path, err := util.GenTmpPath()
	if err != nil {
		return nil, err
	}
	if opt == nil {
		opt = new(Option)
	}
	opt.CreateIfMissing = true
	engine, err := NewKVStore(ctx, path, BoltKVType, opt)
	if err != nil {
		return nil, err
	}
	return &testEg{engine: engine, path: path}, nil
}

func (eg *testEg) close() {
	eg.engine.Close()
	os.RemoveAll(eg.path)
}

func TestColumns(t *testing.T) {
	ctx := context.TODO()
	eg, err := newEngine(ctx, &Option{ColumnFamily: []CF{"a"}})
	require.NoError(t, err)
	defer eg.close()

	require.True(t, eg.engine.CheckColumns(defaultCF))
	require.True(t, eg.engine.CheckColumns("a"))
	require.False(t, eg.engine.CheckColumns("b"))
	require.NoError(t, eg.engine.CreateColumn("b"))
	require.True(t, eg.engine.CheckColumns("b"))
	require.Len(t, eg.engine.GetAllColumns(), 3)

	_, err = eg.engine.GetRaw(ctx, "missing", []byte("k"))
	require.ErrorIs(t, err, ErrColumnNotFound)

	_, err = NewKVStore(ctx, eg.path, KVType("rocksdb"), nil)
	require.ErrorIs(t, err, ErrKVTypeNotFound)
}

func TestGetSetDelete(t *testing.T) {
	ctx := context.TODO()
	eg, err := newEngine(ctx, nil)
	require.NoError(t, err)
	defer eg.close()

	col := CF(defaultCF)
	_, err = eg.engine.GetRaw(ctx, col, []byte("k1"))
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, eg.engine.SetRaw(ctx, col, []byte("k1"), []byte("v1")))
	v, err := eg.engine.GetRaw(ctx, col, []byte("k1"))
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), v)

	require.NoError(t, eg.engine.Delete(ctx, col, []byte("k1")))
	_, err = eg.engine.GetRaw(ctx, col, []byte("k1"))
	require.ErrorIs(t, err, ErrNotFound)

	batch := eg.engine.NewWriteBatch()
	batch.Put(col, []byte("k2"), []byte("v2"))
	batch.Put(col, []byte("k3"), []byte("v3"))
	batch.Delete(col, []byte("k2"))
	require.Equal(t, 3, batch.Count())
	require.NoError(t, eg.engine.Write(ctx, batch))
	_, err = eg.engine.GetRaw(ctx, col, []byte("k2"))
	require.ErrorIs(t, err, ErrNotFound)

	stats, err := eg.engine.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(1), stats.Keys)
	require.Greater(t, stats.Used, uint64(0))
}

func TestUpdate(t *testing.T) {
	ctx := context.TODO()
	eg, err := newEngine(ctx, nil)
	require.NoError(t, err)
	defer eg.close()

	col := CF(defaultCF)
	key := []byte("counter")
	for i := 0; i < 3; i++ {
		require.NoError(t, eg.engine.Update(ctx, col, key, func(old []byte) ([]byte, error) {
			return append(old, 'x'), nil
		}))
	}
	v, err := eg.engine.GetRaw(ctx, col, key)
	require.NoError(t, err)
	require.Equal(t, []byte("xxx"), v)

	errStop := errors.New("stop")
	err = eg.engine.Update(ctx, col, key, func(old []byte) ([]byte, error) { return nil, errStop })
	require.ErrorIs(t, err, errStop)

	require.NoError(t, eg.engine.Update(ctx, col, key, func(old []byte) ([]byte, error) { return nil, nil }))
	_, err = eg.engine.GetRaw(ctx, col, key)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestList(t *testing.T) {
	ctx := context.TODO()
	eg, err := newEngine(ctx, &Option{ListBatch: 7})
	require.NoError(t, err)
	defer eg.close()

	col := CF(defaultCF)
	for _, p := range []string{"a", "b", "c"} {
		for i := 0; i < 20; i++ {
			key := fmt.Sprintf("%s/%03d", p, i)
			require.NoError(t, eg.engine.SetRaw(ctx, col, []byte(key), []byte(key)))
		}
	}

	readAll := func(lr ListReader) (keys []string) {
		defer lr.Close()
		for {
			k, v, err := lr.ReadNextCopy()
			require.NoError(t, err)
			if k == nil {
				return
			}
			require.Equal(t, k, v)
			keys = append(keys, string(k))
		}
	}

	require.Len(t, readAll(eg.engine.List(ctx, col, nil, nil)), 60)

	keys := readAll(eg.engine.List(ctx, col, []byte("b/"), nil))
	require.Len(t, keys, 20)
	require.Equal(t, "b/000", keys[0])
	require.Equal(t, "b/019", keys[19])

	keys = readAll(eg.engine.List(ctx, col, []byte("b/"), []byte("b/015")))
	require.Equal(t, []string{"b/015", "b/016", "b/017", "b/018", "b/019"}, keys)

	require.Empty(t, readAll(eg.engine.List(ctx, col, []byte("z/"), nil)))
}
