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

package proto

import (
	"bytes"
	"encoding/hex"
	"errors"
	"math"
)

// ValueType is the wire type tag of a bin value.
type ValueType uint8

const (
	ValueNil ValueType = iota
	ValueBool
	ValueInteger
	ValueFloat
	ValueString
	ValueBlob
	ValueGeoJSON
	ValueList
	ValueMap
)

var valueTypeNames = [...]string{
	ValueNil:     "nil",
	ValueBool:    "bool",
	ValueInteger: "numeric",
	ValueFloat:   "float",
	ValueString:  "string",
	ValueBlob:    "blob",
	ValueGeoJSON: "geojson",
	ValueList:    "list",
	ValueMap:     "map",
}

func (t ValueType) String() string {
	if int(t) < len(valueTypeNames) {
		return valueTypeNames[t]
	}
	return "unknown"
}

// ParseValueType maps a type tag back to its ValueType.
func ParseValueType(s string) (ValueType, bool) {
	for i, name := range valueTypeNames {
		if name == s {
			return ValueType(i), true
		}
	}
	return 0, false
}

type (
	// Value is a closed variant over the value types a bin can hold.
	// Only the field matching Type is meaningful.
	Value struct {
		Type  ValueType  `json:"t"`
		Bool  bool       `json:"b,omitempty"`
		Int   int64      `json:"i,omitempty"`
		Bits  uint64     `json:"f,omitempty"`
		Bytes []byte     `json:"s,omitempty"`
		List  []Value    `json:"l,omitempty"`
		Map   []MapEntry `json:"m,omitempty"`
	}

	MapEntry struct {
		Key   Value `json:"k"`
		Value Value `json:"v"`
	}

	Bin struct {
		Name  string `json:"name"`
		Value Value  `json:"value"`
	}

	// Digest uniquely addresses one record in the cluster.
	Digest []byte

	Record struct {
		Namespace  string `json:"namespace"`
		Set        string `json:"set,omitempty"`
		Digest     Digest `json:"digest"`
		Generation uint32 `json:"generation"`
		Expiration uint32 `json:"expiration"`
		Key        *Value `json:"key,omitempty"`
		Bins       []Bin  `json:"bins,omitempty"`
	}
)

func NilValue() Value { return Value{Type: ValueNil} }

func BoolValue(b bool) Value { return Value{Type: ValueBool, Bool: b} }

func IntValue(i int64) Value { return Value{Type: ValueInteger, Int: i} }

func FloatValue(f float64) Value { return Value{Type: ValueFloat, Bits: math.Float64bits(f)} }

func StringValue(s string) Value { return Value{Type: ValueString, Bytes: []byte(s)} }

func GeoJSONValue(s string) Value { return Value{Type: ValueGeoJSON, Bytes: []byte(s)} }

func BlobValue(b []byte) Value {
	cp := make([]byte, len(b))
	copy(cp, b)
	return Value{Type: ValueBlob, Bytes: cp}
}

func ListValue(items ...Value) Value {
	list := make([]Value, len(items))
	copy(list, items)
	return Value{Type: ValueList, List: list}
}

func MapValue(entries ...MapEntry) Value {
	m := make([]MapEntry, len(entries))
	copy(m, entries)
	return Value{Type: ValueMap, Map: m}
}

func (v Value) Float() float64 { return math.Float64frombits(v.Bits) }

func (v Value) Str() string { return string(v.Bytes) }

// Lookup returns the entry of a map value whose key equals key.
func (v Value) Lookup(key Value) (Value, bool) {
	if v.Type != ValueMap {
		return Value{}, false
	}
	for i := range v.Map {
		if v.Map[i].Key.Equal(key) {
			return v.Map[i].Value, true
		}
	}
	return Value{}, false
}

// Equal compares two values semantically, treating nil and empty payloads alike.
func (v Value) Equal(o Value) bool {
	if v.Type != o.Type {
		return false
	}
	switch v.Type {
	case ValueNil:
		return true
	case ValueBool:
		return v.Bool == o.Bool
	case ValueInteger:
		return v.Int == o.Int
	case ValueFloat:
		return v.Bits == o.Bits
	case ValueString, ValueBlob, ValueGeoJSON:
		return bytes.Equal(v.Bytes, o.Bytes)
	case ValueList:
		if len(v.List) != len(o.List) {
			return false
		}
		for i := range v.List {
			if !v.List[i].Equal(o.List[i]) {
				return false
			}
		}
		return true
	case ValueMap:
		if len(v.Map) != len(o.Map) {
			return false
		}
		for i := range v.Map {
			if !v.Map[i].Key.Equal(o.Map[i].Key) || !v.Map[i].Value.Equal(o.Map[i].Value) {
				return false
			}
		}
		return true
	}
	return false
}

func (d Digest) String() string {
	return hex.EncodeToString(d)
}

func ParseDigest(s string) (Digest, error) {
	if s == "" {
		return nil, errors.New("empty digest")
	}
	d, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	return Digest(d), nil
}

// Bin returns the named bin of the record.
func (r *Record) Bin(name string) (Value, bool) {
	for i := range r.Bins {
		if r.Bins[i].Name == name {
			return r.Bins[i].Value, true
		}
	}
	return Value{}, false
}

// Equal compares identity, metadata and bins of two records.
func (r *Record) Equal(o *Record) bool {
	if r.Namespace != o.Namespace || r.Set != o.Set || !bytes.Equal(r.Digest, o.Digest) ||
		r.Generation != o.Generation || r.Expiration != o.Expiration || len(r.Bins) != len(o.Bins) {
		return false
	}
	if (r.Key == nil) != (o.Key == nil) || (r.Key != nil && !r.Key.Equal(*o.Key)) {
		return false
	}
	for i := range r.Bins {
		if r.Bins[i].Name != o.Bins[i].Name || !r.Bins[i].Value.Equal(o.Bins[i].Value) {
			return false
		}
	}
	return true
}
