// Package store keeps the records, secondary index definitions and UDF
// modules of one node on top of a kvstore.
package store

import (
	"context"
	"errors"
	"sort"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	jsoniter "github.com/json-iterator/go"

	"github.com/cubefs/kvbackup/common/kvstore"
	apierrors "github.com/cubefs/kvbackup/errors"
	"github.com/cubefs/kvbackup/proto"
	"github.com/cubefs/kvbackup/util"
)

const (
	recordCF = kvstore.CF("records")
	indexCF  = kvstore.CF("indexes")
	udfCF    = kvstore.CF("udfs")

	keySep = 0
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type Config struct {
	Path       string   `json:"path"`
	Namespaces []string `json:"namespaces"`
	Sync       bool     `json:"sync"`
}

type Store struct {
	kvStore    kvstore.Store
	namespaces map[string]struct{}
}

func NewStore(ctx context.Context, cfg *Config) (*Store, error) {
	if cfg.Path == "" || len(cfg.Namespaces) == 0 {
		return nil, apierrors.ErrInvalidConfig
	}
	span := trace.SpanFromContextSafe(ctx)
	kvStore, err := kvstore.NewKVStore(ctx, cfg.Path, kvstore.BoltKVType, &kvstore.Option{
		CreateIfMissing: true,
		Sync:            cfg.Sync,
		ColumnFamily:    []kvstore.CF{recordCF, indexCF, udfCF},
		HandleError: func(err error) {
			span.Errorf("kv store write failed: %s", err)
		},
	})
	if err != nil {
		return nil, &apierrors.IOError{Op: "open store", Path: cfg.Path, Err: err}
	}
	s := &Store{kvStore: kvStore, namespaces: make(map[string]struct{})}
	for _, ns := range cfg.Namespaces {
		s.namespaces[ns] = struct{}{}
	}
	return s, nil
}

func (s *Store) KVStore() kvstore.Store {
	return s.kvStore
}

// Namespaces returns the served namespaces in name order.
func (s *Store) Namespaces() []string {
	ret := make([]string, 0, len(s.namespaces))
	for ns := range s.namespaces {
		ret = append(ret, ns)
	}
	sort.Strings(ret)
	return ret
}

func (s *Store) checkNamespace(ns string) error {
	if _, ok := s.namespaces[ns]; !ok {
		return apierrors.ErrNamespaceNotFound
	}
	return nil
}

func recordKey(ns string, d proto.Digest) []byte {
	key := make([]byte, 0, len(ns)+1+len(d))
	key = append(key, ns...)
	key = append(key, keySep)
	return append(key, d...)
}

func namespacePrefix(ns string) []byte {
	return append([]byte(ns), keySep)
}

// Put applies a record under policy. Without Replace the stored bins the
// record does not carry are kept.
func (s *Store) Put(ctx context.Context, r *proto.Record, policy proto.WritePolicy) error {
	if err := s.checkNamespace(r.Namespace); err != nil {
		return err
	}
	return s.kvStore.Update(ctx, recordCF, recordKey(r.Namespace, r.Digest), func(old []byte) ([]byte, error) {
		next := *r
		if old != nil {
			if policy.CreateOnly {
				return nil, apierrors.ErrRecordExists
			}
			stored := &proto.Record{}
			if err := json.Unmarshal(old, stored); err != nil {
				return nil, err
			}
			if !policy.IgnoreGeneration && stored.Generation > r.Generation {
				return nil, apierrors.ErrGenerationTooOld
			}
			if !policy.Replace {
				next.Bins = mergeBins(stored.Bins, r.Bins)
			}
		}
		return json.Marshal(&next)
	})
}

func mergeBins(stored, bins []proto.Bin) []proto.Bin {
	merged := make([]proto.Bin, 0, len(stored)+len(bins))
	for _, b := range stored {
		if !hasBin(bins, b.Name) {
			merged = append(merged, b)
		}
	}
	return append(merged, bins...)
}

func hasBin(bins []proto.Bin, name string) bool {
	for i := range bins {
		if bins[i].Name == name {
			return true
		}
	}
	return false
}

func (s *Store) Get(ctx context.Context, ns string, d proto.Digest) (*proto.Record, error) {
	if err := s.checkNamespace(ns); err != nil {
		return nil, err
	}
	raw, err := s.kvStore.GetRaw(ctx, recordCF, recordKey(ns, d))
	if err != nil {
		return nil, err
	}
	r := &proto.Record{}
	if err := json.Unmarshal(raw, r); err != nil {
		return nil, err
	}
	return r, nil
}

// Scan calls fn for every record of req.Namespace in digest order, applying
// the set filter and bin projection of req. An error from fn stops the scan
// and is returned as is.
func (s *Store) Scan(ctx context.Context, req *proto.ScanRequest, fn func(r *proto.Record) error) error {
	if err := s.checkNamespace(req.Namespace); err != nil {
		return err
	}
	lr := s.kvStore.List(ctx, recordCF, namespacePrefix(req.Namespace), nil)
	defer lr.Close()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		key, raw, err := lr.ReadNextCopy()
		if err != nil {
			return err
		}
		if key == nil {
			return nil
		}
		r := &proto.Record{}
		if err := json.Unmarshal(raw, r); err != nil {
			return err
		}
		if !matchSet(req.Sets, r.Set) {
			continue
		}
		project(r, req)
		if err := fn(r); err != nil {
			return err
		}
	}
}

func matchSet(sets []string, set string) bool {
	if len(sets) == 0 {
		return true
	}
	for _, s := range sets {
		if s == set {
			return true
		}
	}
	return false
}

func project(r *proto.Record, req *proto.ScanRequest) {
	if req.NoBins {
		r.Bins = nil
		return
	}
	if len(req.BinList) == 0 {
		return
	}
	bins := r.Bins[:0]
	for _, b := range r.Bins {
		for _, name := range req.BinList {
			if b.Name == name {
				bins = append(bins, b)
				break
			}
		}
	}
	r.Bins = bins
}

func indexKey(ns, name string) []byte {
	return append(namespacePrefix(ns), name...)
}

func (s *Store) CreateIndex(ctx context.Context, idx *proto.SecondaryIndex) error {
	if err := s.checkNamespace(idx.Namespace); err != nil {
		return err
	}
	if idx.Name == "" {
		return apierrors.ErrInvalidConfig
	}
	raw, err := json.Marshal(idx)
	if err != nil {
		return err
	}
	return s.kvStore.SetRaw(ctx, indexCF, indexKey(idx.Namespace, idx.Name), raw)
}

// Indexes lists the index definitions of ns, every namespace when ns is empty.
func (s *Store) Indexes(ctx context.Context, ns string) ([]proto.SecondaryIndex, error) {
	var prefix []byte
	if ns != "" {
		prefix = namespacePrefix(ns)
	}
	var ret []proto.SecondaryIndex
	err := s.list(ctx, indexCF, prefix, func(raw []byte) error {
		var idx proto.SecondaryIndex
		if err := json.Unmarshal(raw, &idx); err != nil {
			return err
		}
		ret = append(ret, idx)
		return nil
	})
	return ret, err
}

func (s *Store) PutUDF(ctx context.Context, udf *proto.UDF) error {
	if udf.Name == "" {
		return apierrors.ErrInvalidConfig
	}
	raw, err := json.Marshal(udf)
	if err != nil {
		return err
	}
	return s.kvStore.SetRaw(ctx, udfCF, util.StringsToBytes(udf.Name), raw)
}

func (s *Store) UDFs(ctx context.Context) ([]proto.UDF, error) {
	var ret []proto.UDF
	err := s.list(ctx, udfCF, nil, func(raw []byte) error {
		var udf proto.UDF
		if err := json.Unmarshal(raw, &udf); err != nil {
			return err
		}
		ret = append(ret, udf)
		return nil
	})
	return ret, err
}

func (s *Store) list(ctx context.Context, col kvstore.CF, prefix []byte, fn func(raw []byte) error) error {
	lr := s.kvStore.List(ctx, col, prefix, nil)
	defer lr.Close()
	for {
		key, raw, err := lr.ReadNextCopy()
		if err != nil {
			return err
		}
		if key == nil {
			return nil
		}
		if err := fn(raw); err != nil {
			return err
		}
	}
}

// Count returns the number of records stored in ns.
func (s *Store) Count(ctx context.Context, ns string) (n uint64, err error) {
	prefix := namespacePrefix(ns)
	err = s.list(ctx, recordCF, prefix, func([]byte) error {
		n++
		return nil
	})
	return
}

func (s *Store) Close() {
	s.kvStore.Close()
}

// IsNotFound reports whether err means a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, kvstore.ErrNotFound)
}
