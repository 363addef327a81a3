package store

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	apierrors "github.com/cubefs/kvbackup/errors"
	"github.com/cubefs/kvbackup/proto"
	"github.com/cubefs/kvbackup/util"
)

func newTestStore(t *testing.T) *Store {
	path, err := util.GenTmpPath()
	require.NoError(t, err)
	s, err := NewStore(context.Background(), &Config{Path: path, Namespaces: []string{"test", "other"}})
	require.NoError(t, err)
	t.Cleanup(func() {
		s.Close()
		os.RemoveAll(path)
	})
	return s
}

func record(ns, set string, i int, gen uint32, bins ...proto.Bin) *proto.Record {
	return &proto.Record{
		Namespace:  ns,
		Set:        set,
		Digest:     proto.Digest(fmt.Sprintf("d%04d", i)),
		Generation: gen,
		Bins:       bins,
	}
}

func bin(name string, v int64) proto.Bin {
	return proto.Bin{Name: name, Value: proto.IntValue(v)}
}

func TestNewStoreConfig(t *testing.T) {
	_, err := NewStore(context.Background(), &Config{Path: "", Namespaces: []string{"a"}})
	require.ErrorIs(t, err, apierrors.ErrInvalidConfig)
	_, err = NewStore(context.Background(), &Config{Path: "/tmp/x"})
	require.ErrorIs(t, err, apierrors.ErrInvalidConfig)
}

func TestPutPolicies(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	err := s.Put(ctx, record("nope", "", 1, 1), proto.WritePolicy{})
	require.ErrorIs(t, err, apierrors.ErrNamespaceNotFound)

	require.NoError(t, s.Put(ctx, record("test", "s", 1, 5, bin("a", 1), bin("b", 2)), proto.WritePolicy{}))

	err = s.Put(ctx, record("test", "s", 1, 6, bin("a", 3)), proto.WritePolicy{CreateOnly: true})
	require.ErrorIs(t, err, apierrors.ErrRecordExists)

	err = s.Put(ctx, record("test", "s", 1, 4, bin("a", 3)), proto.WritePolicy{})
	require.ErrorIs(t, err, apierrors.ErrGenerationTooOld)

	// merge keeps bins the update does not carry
	require.NoError(t, s.Put(ctx, record("test", "s", 1, 4, bin("a", 3), bin("c", 4)), proto.WritePolicy{IgnoreGeneration: true}))
	r, err := s.Get(ctx, "test", proto.Digest("d0001"))
	require.NoError(t, err)
	require.Equal(t, []proto.Bin{bin("b", 2), bin("a", 3), bin("c", 4)}, r.Bins)
	require.Equal(t, uint32(4), r.Generation)

	require.NoError(t, s.Put(ctx, record("test", "s", 1, 7, bin("z", 9)), proto.WritePolicy{Replace: true}))
	r, err = s.Get(ctx, "test", proto.Digest("d0001"))
	require.NoError(t, err)
	require.Equal(t, []proto.Bin{bin("z", 9)}, r.Bins)

	_, err = s.Get(ctx, "test", proto.Digest("missing"))
	require.True(t, IsNotFound(err))
}

func TestScanFilters(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	for i := 0; i < 300; i++ {
		set := "even"
		if i%2 == 1 {
			set = "odd"
		}
		require.NoError(t, s.Put(ctx, record("test", set, i, 1, bin("a", int64(i)), bin("b", 0)), proto.WritePolicy{}))
	}
	require.NoError(t, s.Put(ctx, record("other", "", 1, 1, bin("a", 1)), proto.WritePolicy{}))

	collect := func(req *proto.ScanRequest) []*proto.Record {
		var ret []*proto.Record
		require.NoError(t, s.Scan(ctx, req, func(r *proto.Record) error {
			ret = append(ret, r)
			return nil
		}))
		return ret
	}

	all := collect(&proto.ScanRequest{Namespace: "test"})
	require.Len(t, all, 300)
	require.Equal(t, proto.Digest("d0000"), all[0].Digest)

	odd := collect(&proto.ScanRequest{Namespace: "test", Sets: []string{"odd"}, BinList: []string{"a"}})
	require.Len(t, odd, 150)
	for _, r := range odd {
		require.Equal(t, "odd", r.Set)
		require.Len(t, r.Bins, 1)
		require.Equal(t, "a", r.Bins[0].Name)
	}

	noBins := collect(&proto.ScanRequest{Namespace: "test", Sets: []string{"even"}, NoBins: true})
	require.Len(t, noBins, 150)
	require.Empty(t, noBins[0].Bins)

	n, err := s.Count(ctx, "other")
	require.NoError(t, err)
	require.Equal(t, uint64(1), n)

	err = s.Scan(ctx, &proto.ScanRequest{Namespace: "missing"}, func(*proto.Record) error { return nil })
	require.ErrorIs(t, err, apierrors.ErrNamespaceNotFound)

	stop := fmt.Errorf("stop")
	calls := 0
	err = s.Scan(ctx, &proto.ScanRequest{Namespace: "test"}, func(*proto.Record) error {
		calls++
		return stop
	})
	require.ErrorIs(t, err, stop)
	require.Equal(t, 1, calls)
}

func TestIndexesAndUDFs(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	idx := proto.SecondaryIndex{
		Namespace: "test", Set: "s", Name: "by_age", Type: proto.IndexTypeBin,
		Path: proto.PathExpression{Path: "age", Type: proto.PathTypeNumeric},
	}
	require.NoError(t, s.CreateIndex(ctx, &idx))
	require.NoError(t, s.CreateIndex(ctx, &proto.SecondaryIndex{Namespace: "other", Name: "x"}))
	err := s.CreateIndex(ctx, &proto.SecondaryIndex{Namespace: "missing", Name: "x"})
	require.ErrorIs(t, err, apierrors.ErrNamespaceNotFound)

	idxs, err := s.Indexes(ctx, "test")
	require.NoError(t, err)
	require.Equal(t, []proto.SecondaryIndex{idx}, idxs)
	idxs, err = s.Indexes(ctx, "")
	require.NoError(t, err)
	require.Len(t, idxs, 2)

	udf := proto.UDF{Type: proto.UDFTypeLua, Name: "f.lua", Content: []byte("return 1")}
	require.NoError(t, s.PutUDF(ctx, &udf))
	require.ErrorIs(t, s.PutUDF(ctx, &proto.UDF{}), apierrors.ErrInvalidConfig)
	udfs, err := s.UDFs(ctx)
	require.NoError(t, err)
	require.Equal(t, []proto.UDF{udf}, udfs)

	require.Equal(t, []string{"other", "test"}, s.Namespaces())
}
