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

/*
Package codec encodes and decodes the lines of a backup file.

A backup file starts with a version line and continues with prefixed lines:

	VERSION 1.1
	# namespace test
	# first-file
	* i test users idx_age bin age numeric
	* u lua filter.lua LS0gbHVh
	+ digest ab12 generation 1 expiration 0 set users
	- name string "Alice"
	- age numeric 30
	- tags list [ string "a" numeric 7 ]

Meta lines (# ) carry file-scoped metadata, global lines (* ) carry secondary
indexes and UDF modules, a record meta line (+ ) opens a record and the
record bin lines (- ) that follow it belong to that record.

String and geojson payloads are Go-quoted, blobs are base64, so arbitrary
bytes round-trip and no payload contains a raw newline. Names escape space,
backslash and control bytes.
*/
package codec

import (
	apierrors "github.com/cubefs/kvbackup/errors"
	"github.com/cubefs/kvbackup/proto"
)

const (
	VersionKeyword = "VERSION"

	MetaPrefix       = "# "
	GlobalPrefix     = "* "
	RecordMetaPrefix = "+ "
	RecordBinPrefix  = "- "

	MetaNamespace = "namespace"
	// MetaFirstFile marks the file of a multi-file backup that was written first.
	MetaFirstFile = "first-file"

	globalIndex = "i"
	globalUDF   = "u"

	keyDigest     = "digest"
	keyGeneration = "generation"
	keyExpiration = "expiration"
	keySet        = "set"
	keyKey        = "key"

	DefaultMaxMetaLine = 1000
	DefaultMaxToken    = 1000

	// MinMaxToken is the longest keyword of the grammar. Smaller token
	// limits are raised to it so that every line stays decodable.
	MinMaxToken = len(keyGeneration)
)

// Limits are the size ceilings of the line grammar.
type Limits struct {
	// MaxMetaLine bounds the total length of a meta line, prefix included.
	MaxMetaLine int `json:"max_meta_line"`
	// MaxToken bounds any structural token: keywords, names, type tags,
	// digests and numbers. Quoted and base64 payloads are not tokens.
	MaxToken int `json:"max_token"`
}

func DefaultLimits() Limits {
	return Limits{MaxMetaLine: DefaultMaxMetaLine, MaxToken: DefaultMaxToken}
}

func (l Limits) withDefaults() Limits {
	if l.MaxMetaLine <= 0 {
		l.MaxMetaLine = DefaultMaxMetaLine
	}
	if l.MaxToken <= 0 {
		l.MaxToken = DefaultMaxToken
	}
	if l.MaxToken > l.MaxMetaLine {
		l.MaxToken = l.MaxMetaLine
	}
	if l.MaxToken < MinMaxToken {
		l.MaxToken = MinMaxToken
	}
	return l
}

type Kind uint8

const (
	KindMeta Kind = iota + 1
	KindGlobal
	KindRecordMeta
	KindRecordBin
)

func (k Kind) String() string {
	switch k {
	case KindMeta:
		return "meta"
	case KindGlobal:
		return "global"
	case KindRecordMeta:
		return "record-meta"
	case KindRecordBin:
		return "record-bin"
	default:
		return "unknown"
	}
}

// Prefix returns the two-character prefix of lines of kind k.
func (k Kind) Prefix() string {
	switch k {
	case KindMeta:
		return MetaPrefix
	case KindGlobal:
		return GlobalPrefix
	case KindRecordMeta:
		return RecordMetaPrefix
	case KindRecordBin:
		return RecordBinPrefix
	default:
		return ""
	}
}

type (
	// Line is one decoded backup line.
	Line interface {
		Kind() Kind
	}

	MetaLine struct {
		Key   string
		Value string
	}

	// GlobalLine carries exactly one of Index or UDF.
	GlobalLine struct {
		Index *proto.SecondaryIndex
		UDF   *proto.UDF
	}

	RecordMetaLine struct {
		Digest     proto.Digest
		Generation uint32
		Expiration uint32
		Set        string
		Key        *proto.Value
	}

	RecordBinLine struct {
		proto.Bin
	}
)

func (*MetaLine) Kind() Kind       { return KindMeta }
func (*GlobalLine) Kind() Kind     { return KindGlobal }
func (*RecordMetaLine) Kind() Kind { return KindRecordMeta }
func (*RecordBinLine) Kind() Kind  { return KindRecordBin }

// RecordMeta extracts the record meta line of r.
func RecordMeta(r *proto.Record) *RecordMetaLine {
	return &RecordMetaLine{
		Digest:     r.Digest,
		Generation: r.Generation,
		Expiration: r.Expiration,
		Set:        r.Set,
		Key:        r.Key,
	}
}

// NewRecord starts a record from its meta line.
func (m *RecordMetaLine) NewRecord(namespace string) *proto.Record {
	return &proto.Record{
		Namespace:  namespace,
		Set:        m.Set,
		Digest:     m.Digest,
		Generation: m.Generation,
		Expiration: m.Expiration,
		Key:        m.Key,
	}
}

func formatErr(err error, prefix string, format string, a ...interface{}) error {
	return apierrors.NewFormatError(err, prefix, format, a...)
}
