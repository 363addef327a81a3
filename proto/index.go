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

import "strings"

// PathType is the data type a path expression resolves to.
type PathType uint8

const (
	PathTypeInvalid PathType = iota
	PathTypeString
	PathTypeNumeric
	PathTypeGeoJSON
)

func (t PathType) String() string {
	switch t {
	case PathTypeString:
		return "string"
	case PathTypeNumeric:
		return "numeric"
	case PathTypeGeoJSON:
		return "geojson"
	default:
		return "invalid"
	}
}

// ParsePathType accepts both the lower case names and the cluster's index
// type names (STRING, NUMERIC, GEO2DSPHERE). Anything else is invalid.
func ParsePathType(s string) PathType {
	switch strings.ToLower(s) {
	case "string":
		return PathTypeString
	case "numeric":
		return PathTypeNumeric
	case "geojson", "geo2dsphere":
		return PathTypeGeoJSON
	default:
		return PathTypeInvalid
	}
}

// IndexType selects what part of a bin a secondary index covers.
type IndexType uint8

const (
	IndexTypeBin IndexType = iota
	IndexTypeList
	IndexTypeMapKeys
	IndexTypeMapValues
)

var indexTypeNames = [...]string{
	IndexTypeBin:       "bin",
	IndexTypeList:      "list",
	IndexTypeMapKeys:   "mapkeys",
	IndexTypeMapValues: "mapvalues",
}

func (t IndexType) String() string {
	if int(t) < len(indexTypeNames) {
		return indexTypeNames[t]
	}
	return "unknown"
}

func ParseIndexType(s string) (IndexType, bool) {
	for i, name := range indexTypeNames {
		if name == s {
			return IndexType(i), true
		}
	}
	return 0, false
}

type (
	PathExpression struct {
		Path string   `json:"path"`
		Type PathType `json:"type"`
	}

	SecondaryIndex struct {
		Namespace string         `json:"namespace"`
		Set       string         `json:"set,omitempty"`
		Name      string         `json:"name"`
		Type      IndexType      `json:"type"`
		Path      PathExpression `json:"path"`
	}

	// UDF is a user-defined-function module stored in the cluster.
	UDF struct {
		Type    string `json:"type"`
		Name    string `json:"name"`
		Content []byte `json:"content"`
	}
)

const UDFTypeLua = "lua"
