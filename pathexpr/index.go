package pathexpr

import (
	"github.com/cubefs/kvbackup/proto"
)

// Outcome is the result of checking a record against a secondary index.
type Outcome uint8

const (
	// Absent means the record has no value at the index path and is not indexed.
	Absent Outcome = iota
	Match
	Mismatch
)

func (o Outcome) String() string {
	switch o {
	case Match:
		return "match"
	case Mismatch:
		return "mismatch"
	default:
		return "absent"
	}
}

// Check reports whether the value at the index path of r has the type the
// index declares. List and map indexes check every element, key or value.
func Check(idx *proto.SecondaryIndex, r *proto.Record) Outcome {
	if r == nil {
		return Absent
	}
	expr := Compile(idx.Path.Path)
	v, ok := expr.Lookup(r.Bins)
	if !ok {
		return Absent
	}

	want := idx.Path.Type
	match := func(v proto.Value) bool { return Classify(v) == want }
	switch idx.Type {
	case proto.IndexTypeBin:
		if !match(v) {
			return Mismatch
		}
	case proto.IndexTypeList:
		if v.Type != proto.ValueList {
			return Mismatch
		}
		for i := range v.List {
			if !match(v.List[i]) {
				return Mismatch
			}
		}
	case proto.IndexTypeMapKeys, proto.IndexTypeMapValues:
		if v.Type != proto.ValueMap {
			return Mismatch
		}
		for i := range v.Map {
			e := v.Map[i].Value
			if idx.Type == proto.IndexTypeMapKeys {
				e = v.Map[i].Key
			}
			if !match(e) {
				return Mismatch
			}
		}
	default:
		return Mismatch
	}
	return Match
}
