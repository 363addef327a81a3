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
)

const (
	defaultCF = "default"

	BoltKVType = KVType("bolt")
)

var (
	ErrNotFound       = errors.New("key not found")
	ErrKVTypeNotFound = errors.New("kv type not found")
	ErrColumnNotFound = errors.New("column not found")
)

type (
	CF     string
	KVType string

	Store interface {
		CreateColumn(col CF) error
		GetAllColumns() []CF
		CheckColumns(col CF) bool
		GetRaw(ctx context.Context, col CF, key []byte) (value []byte, err error)
		SetRaw(ctx context.Context, col CF, key []byte, value []byte) error
		Delete(ctx context.Context, col CF, key []byte) error
		// Update runs a read-modify-write of one key atomically. fn gets nil
		// for a missing key; returning a nil value deletes the key.
		Update(ctx context.Context, col CF, key []byte, fn func(old []byte) ([]byte, error)) error
		// List iterates keys with prefix starting at marker, or at prefix when
		// marker is empty.
		List(ctx context.Context, col CF, prefix []byte, marker []byte) ListReader
		Write(ctx context.Context, batch WriteBatch) error
		NewWriteBatch() WriteBatch
		Stats(ctx context.Context) (Stats, error)
		Close()
	}
	ListReader interface {
		// ReadNextCopy returns a nil key once the list is exhausted.
		ReadNextCopy() (key []byte, value []byte, err error)
		Close()
	}
	WriteBatch interface {
		Put(col CF, key, value []byte)
		Delete(col CF, key []byte)
		Count() int
	}

	Stats struct {
		Used  uint64 `json:"used"`
		Keys  uint64 `json:"keys"`
		Reads uint64 `json:"reads"`
	}
	Option struct {
		Sync            bool
		ColumnFamily    []CF `json:"column_family"`
		CreateIfMissing bool
		// ListBatch is how many keys a list reader fetches per read transaction.
		ListBatch int
		HandleError HandleError
	}
	HandleError func(err error)
)

func NewKVStore(ctx context.Context, path string, kvType KVType, option *Option) (Store, error) {
	switch kvType {
	case BoltKVType:
		return newBoltdb(ctx, path, option)
	default:
		return nil, ErrKVTypeNotFound
	}
}

func (cf CF) String() string {
	return string(cf)
}
