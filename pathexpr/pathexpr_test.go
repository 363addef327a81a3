package pathexpr

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cubefs/kvbackup/proto"
)

func testBins() []proto.Bin {
	return []proto.Bin{
		{Name: "name", Value: proto.StringValue("Alice")},
		{Name: "age", Value: proto.IntValue(30)},
		{Name: "score", Value: proto.FloatValue(1.5)},
		{Name: "loc", Value: proto.GeoJSONValue(`{"type":"Point","coordinates":[1,2]}`)},
		{Name: "fake", Value: proto.StringValue(`{"type":"Point","coordinates":[1,2]}`)},
		{Name: "tags", Value: proto.ListValue(proto.StringValue("a"), proto.IntValue(7), proto.ListValue(proto.GeoJSONValue("{}")))},
		{Name: "attrs", Value: proto.MapValue(
			proto.MapEntry{Key: proto.StringValue("city"), Value: proto.StringValue("Paris")},
			proto.MapEntry{Key: proto.StringValue("a.b"), Value: proto.IntValue(1)},
			proto.MapEntry{Key: proto.IntValue(5), Value: proto.MapValue(
				proto.MapEntry{Key: proto.StringValue("zip"), Value: proto.IntValue(75001)},
			)},
		)},
	}
}

func TestResolve(t *testing.T) {
	bins := testBins()
	cases := []struct {
		path string
		want proto.PathType
	}{
		{"name", proto.PathTypeString},
		{"age", proto.PathTypeNumeric},
		{"score", proto.PathTypeInvalid},
		{"loc", proto.PathTypeGeoJSON},
		{"fake", proto.PathTypeString},
		{"tags", proto.PathTypeInvalid},
		{"tags[0]", proto.PathTypeString},
		{"tags[1]", proto.PathTypeNumeric},
		{"tags[-1][0]", proto.PathTypeGeoJSON},
		{"tags[3]", proto.PathTypeInvalid},
		{"tags[-4]", proto.PathTypeInvalid},
		{"tags.x", proto.PathTypeInvalid},
		{"attrs.city", proto.PathTypeString},
		{`attrs."a.b"`, proto.PathTypeNumeric},
		{"attrs[5].zip", proto.PathTypeNumeric},
		{"attrs.missing", proto.PathTypeInvalid},
		{"missing", proto.PathTypeInvalid},
		{"missing.deep[3]", proto.PathTypeInvalid},
		{"name.x", proto.PathTypeInvalid},
		{"", proto.PathTypeInvalid},
		{".name", proto.PathTypeInvalid},
		{"tags[", proto.PathTypeInvalid},
		{"tags[x]", proto.PathTypeInvalid},
		{"attrs.", proto.PathTypeInvalid},
		{`attrs."open`, proto.PathTypeInvalid},
	}
	for _, c := range cases {
		require.Equal(t, c.want, Resolve(c.path, bins), c.path)
	}
}

func TestResolveMissingField(t *testing.T) {
	r := &proto.Record{Bins: []proto.Bin{{Name: "a", Value: proto.IntValue(1)}}}
	require.Equal(t, proto.PathTypeInvalid, ResolveRecord("b", r))
	require.Equal(t, proto.PathTypeInvalid, ResolveRecord("a.b.c", r))
	require.Equal(t, proto.PathTypeInvalid, ResolveRecord("a", nil))
	require.Equal(t, proto.PathTypeInvalid, Resolve("a", nil))
}

func TestCompile(t *testing.T) {
	e := Compile(`attrs[5]."zip"`)
	require.True(t, e.Valid())
	require.Equal(t, "attrs", e.Bin())
	require.Equal(t, `attrs[5]."zip"`, e.String())

	v, ok := e.Lookup(testBins())
	require.True(t, ok)
	require.Equal(t, int64(75001), v.Int)

	require.False(t, Compile("[1]").Valid())
	require.Equal(t, proto.PathTypeNumeric, Compile("x[1]").ResolveValue(proto.ListValue(proto.NilValue(), proto.IntValue(2))))
	require.Equal(t, proto.PathTypeInvalid, Compile("x[").ResolveValue(proto.ListValue()))
}

func TestResolveConcurrent(t *testing.T) {
	bins := testBins()
	expr := Compile("attrs[5].zip")
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				if expr.Resolve(bins) != proto.PathTypeNumeric {
					t.Error("unexpected path type")
					return
				}
			}
		}()
	}
	wg.Wait()
}

func TestCheck(t *testing.T) {
	r := &proto.Record{Bins: testBins()}
	cases := []struct {
		idx  proto.SecondaryIndex
		want Outcome
	}{
		{proto.SecondaryIndex{Type: proto.IndexTypeBin, Path: proto.PathExpression{Path: "name", Type: proto.PathTypeString}}, Match},
		{proto.SecondaryIndex{Type: proto.IndexTypeBin, Path: proto.PathExpression{Path: "name", Type: proto.PathTypeNumeric}}, Mismatch},
		{proto.SecondaryIndex{Type: proto.IndexTypeBin, Path: proto.PathExpression{Path: "nope", Type: proto.PathTypeNumeric}}, Absent},
		{proto.SecondaryIndex{Type: proto.IndexTypeList, Path: proto.PathExpression{Path: "tags", Type: proto.PathTypeString}}, Mismatch},
		{proto.SecondaryIndex{Type: proto.IndexTypeList, Path: proto.PathExpression{Path: "name", Type: proto.PathTypeString}}, Mismatch},
		{proto.SecondaryIndex{Type: proto.IndexTypeMapKeys, Path: proto.PathExpression{Path: "attrs[5]", Type: proto.PathTypeString}}, Match},
		{proto.SecondaryIndex{Type: proto.IndexTypeMapValues, Path: proto.PathExpression{Path: "attrs[5]", Type: proto.PathTypeNumeric}}, Match},
		{proto.SecondaryIndex{Type: proto.IndexTypeMapKeys, Path: proto.PathExpression{Path: "attrs", Type: proto.PathTypeString}}, Mismatch},
	}
	for i, c := range cases {
		require.Equal(t, c.want, Check(&c.idx, r), "case %d", i)
	}
	require.Equal(t, Absent, Check(&cases[0].idx, nil))
}

func TestPathTypeNames(t *testing.T) {
	for _, pt := range []proto.PathType{proto.PathTypeString, proto.PathTypeNumeric, proto.PathTypeGeoJSON} {
		require.Equal(t, pt, proto.ParsePathType(pt.String()))
	}
	require.Equal(t, proto.PathTypeGeoJSON, proto.ParsePathType("GEO2DSPHERE"))
	require.Equal(t, proto.PathTypeNumeric, proto.ParsePathType("NUMERIC"))
	require.Equal(t, proto.PathTypeInvalid, proto.ParsePathType("BLOB"))
	require.Equal(t, "invalid", proto.PathTypeInvalid.String())
}
