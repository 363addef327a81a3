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

// Package pathexpr resolves path expressions against record bins and
// classifies the selected value as string, numeric or geojson.
//
// A path is a bin name followed by any number of steps:
//
//	bin.key        map entry with string key "key"
//	bin."a.b"      map entry with a quoted string key
//	bin[2]         list element 2, or map entry with integer key 2
//	bin[-1]        last list element
//
// Resolution never fails: malformed paths and paths without a match yield
// proto.PathTypeInvalid. Compiled expressions are immutable and may be shared
// between goroutines.
package pathexpr

import (
	"strconv"
	"strings"

	"github.com/cubefs/kvbackup/proto"
)

type step struct {
	key     string
	index   int
	isIndex bool
}

// Expr is a compiled path expression.
type Expr struct {
	path  string
	bin   string
	steps []step
	valid bool
}

// Compile parses path. A malformed path compiles to an expression that
// resolves to invalid for every record.
func Compile(path string) Expr {
	e := Expr{path: path}
	bin, rest := splitBin(path)
	if bin == "" {
		return e
	}
	steps, ok := parseSteps(rest)
	if !ok {
		return e
	}
	e.bin, e.steps, e.valid = bin, steps, true
	return e
}

func (e Expr) String() string { return e.path }

// Valid reports whether the path was well-formed.
func (e Expr) Valid() bool { return e.valid }

// Bin returns the bin the expression starts at.
func (e Expr) Bin() string { return e.bin }

// Lookup returns the value the expression selects.
func (e Expr) Lookup(bins []proto.Bin) (proto.Value, bool) {
	if !e.valid {
		return proto.Value{}, false
	}
	for i := range bins {
		if bins[i].Name == e.bin {
			return e.walk(bins[i].Value)
		}
	}
	return proto.Value{}, false
}

// Resolve classifies the value the expression selects.
func (e Expr) Resolve(bins []proto.Bin) proto.PathType {
	v, ok := e.Lookup(bins)
	if !ok {
		return proto.PathTypeInvalid
	}
	return Classify(v)
}

// ResolveValue applies the steps of the expression to v, ignoring the bin name.
func (e Expr) ResolveValue(v proto.Value) proto.PathType {
	if !e.valid {
		return proto.PathTypeInvalid
	}
	sel, ok := e.walk(v)
	if !ok {
		return proto.PathTypeInvalid
	}
	return Classify(sel)
}

func (e Expr) walk(v proto.Value) (proto.Value, bool) {
	for _, s := range e.steps {
		var ok bool
		if v, ok = apply(v, s); !ok {
			return proto.Value{}, false
		}
	}
	return v, true
}

func apply(v proto.Value, s step) (proto.Value, bool) {
	switch v.Type {
	case proto.ValueMap:
		if s.isIndex {
			return v.Lookup(proto.IntValue(int64(s.index)))
		}
		return v.Lookup(proto.StringValue(s.key))
	case proto.ValueList:
		if !s.isIndex {
			return proto.Value{}, false
		}
		i := s.index
		if i < 0 {
			i += len(v.List)
		}
		if i < 0 || i >= len(v.List) {
			return proto.Value{}, false
		}
		return v.List[i], true
	default:
		return proto.Value{}, false
	}
}

// Classify maps a value to its path type. GeoJSON is recognized only by the
// value's wire type tag, never by the content of a string.
func Classify(v proto.Value) proto.PathType {
	switch v.Type {
	case proto.ValueString:
		return proto.PathTypeString
	case proto.ValueInteger:
		return proto.PathTypeNumeric
	case proto.ValueGeoJSON:
		return proto.PathTypeGeoJSON
	default:
		return proto.PathTypeInvalid
	}
}

// Resolve compiles path and classifies it against bins.
func Resolve(path string, bins []proto.Bin) proto.PathType {
	return Compile(path).Resolve(bins)
}

// ResolveRecord is Resolve against the bins of r. A nil record resolves to invalid.
func ResolveRecord(path string, r *proto.Record) proto.PathType {
	if r == nil {
		return proto.PathTypeInvalid
	}
	return Resolve(path, r.Bins)
}

func splitBin(path string) (string, string) {
	i := strings.IndexAny(path, ".[")
	if i < 0 {
		return path, ""
	}
	return path[:i], path[i:]
}

func parseSteps(s string) ([]step, bool) {
	var steps []step
	for len(s) > 0 {
		switch s[0] {
		case '.':
			s = s[1:]
			if len(s) > 0 && s[0] == '"' {
				quoted, err := strconv.QuotedPrefix(s)
				if err != nil {
					return nil, false
				}
				key, err := strconv.Unquote(quoted)
				if err != nil {
					return nil, false
				}
				steps = append(steps, step{key: key})
				s = s[len(quoted):]
				continue
			}
			i := strings.IndexAny(s, ".[")
			if i < 0 {
				i = len(s)
			}
			if i == 0 {
				return nil, false
			}
			steps = append(steps, step{key: s[:i]})
			s = s[i:]
		case '[':
			end := strings.IndexByte(s, ']')
			if end < 0 {
				return nil, false
			}
			n, err := strconv.Atoi(strings.TrimSpace(s[1:end]))
			if err != nil {
				return nil, false
			}
			steps = append(steps, step{index: n, isIndex: true})
			s = s[end+1:]
		default:
			return nil, false
		}
	}
	return steps, true
}
