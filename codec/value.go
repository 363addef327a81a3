package codec

import (
	"encoding/base64"
	"math"
	"strconv"

	apierrors "github.com/cubefs/kvbackup/errors"
	"github.com/cubefs/kvbackup/proto"
)

const (
	nilToken   = "-"
	emptyBlob  = "="
	listOpen   = "["
	listClose  = "]"
	mapOpen    = "{"
	mapClose   = "}"
	maxNesting = 64
)

// appendValue appends "<type> <value>". Bare value tokens longer than limit
// fail like they would on decode.
func appendValue(buf []byte, v proto.Value, depth, limit int) ([]byte, error) {
	if depth > maxNesting {
		return buf, formatErr(apierrors.ErrMalformedLine, RecordBinPrefix, "value nested deeper than %d", maxNesting)
	}
	buf = append(buf, v.Type.String()...)
	buf = append(buf, ' ')
	tok := len(buf)
	switch v.Type {
	case proto.ValueNil:
		buf = append(buf, nilToken...)
	case proto.ValueBool:
		buf = strconv.AppendBool(buf, v.Bool)
	case proto.ValueInteger:
		buf = strconv.AppendInt(buf, v.Int, 10)
		return checkToken(buf, tok, limit)
	case proto.ValueFloat:
		buf = strconv.AppendFloat(buf, v.Float(), 'g', -1, 64)
		return checkToken(buf, tok, limit)
	case proto.ValueString, proto.ValueGeoJSON:
		buf = strconv.AppendQuote(buf, string(v.Bytes))
	case proto.ValueBlob:
		if len(v.Bytes) == 0 {
			buf = append(buf, emptyBlob...)
			break
		}
		n := len(buf)
		buf = append(buf, make([]byte, base64.StdEncoding.EncodedLen(len(v.Bytes)))...)
		base64.StdEncoding.Encode(buf[n:], v.Bytes)
	case proto.ValueList:
		buf = append(buf, listOpen...)
		for i := range v.List {
			var err error
			buf = append(buf, ' ')
			if buf, err = appendValue(buf, v.List[i], depth+1, limit); err != nil {
				return buf, err
			}
		}
		buf = append(buf, ' ')
		buf = append(buf, listClose...)
	case proto.ValueMap:
		buf = append(buf, mapOpen...)
		for i := range v.Map {
			var err error
			buf = append(buf, ' ')
			if buf, err = appendValue(buf, v.Map[i].Key, depth+1, limit); err != nil {
				return buf, err
			}
			buf = append(buf, ' ')
			if buf, err = appendValue(buf, v.Map[i].Value, depth+1, limit); err != nil {
				return buf, err
			}
		}
		buf = append(buf, ' ')
		buf = append(buf, mapClose...)
	default:
		return buf, formatErr(apierrors.ErrUnknownType, RecordBinPrefix, "value type %d", v.Type)
	}
	return buf, nil
}

func checkToken(buf []byte, start, limit int) ([]byte, error) {
	if n := len(buf) - start; n > limit {
		return buf, formatErr(apierrors.ErrTokenTooLong, RecordBinPrefix, "value token of %d bytes exceeds %d", n, limit)
	}
	return buf, nil
}

func (sc *scanner) typedValue(depth int) (proto.Value, error) {
	tag, err := sc.raw(true)
	if err != nil {
		return proto.Value{}, err
	}
	return sc.value(tag, depth)
}

func (sc *scanner) value(tag string, depth int) (proto.Value, error) {
	if depth > maxNesting {
		return proto.Value{}, formatErr(apierrors.ErrMalformedLine, sc.prefix, "value nested deeper than %d", maxNesting)
	}
	typ, ok := proto.ParseValueType(tag)
	if !ok {
		return proto.Value{}, formatErr(apierrors.ErrUnknownType, sc.prefix, "type %q", tag)
	}

	switch typ {
	case proto.ValueNil:
		if err := sc.keyword(nilToken); err != nil {
			return proto.Value{}, err
		}
		return proto.NilValue(), nil

	case proto.ValueBool:
		tok, err := sc.raw(true)
		if err != nil {
			return proto.Value{}, err
		}
		b, err := strconv.ParseBool(tok)
		if err != nil || (tok != "true" && tok != "false") {
			return proto.Value{}, formatErr(apierrors.ErrMalformedLine, sc.prefix, "bad bool %q", tok)
		}
		return proto.BoolValue(b), nil

	case proto.ValueInteger:
		tok, err := sc.raw(true)
		if err != nil {
			return proto.Value{}, err
		}
		n, err := strconv.ParseInt(tok, 10, 64)
		if err != nil {
			return proto.Value{}, formatErr(apierrors.ErrMalformedLine, sc.prefix, "bad integer %q", tok)
		}
		return proto.IntValue(n), nil

	case proto.ValueFloat:
		tok, err := sc.raw(true)
		if err != nil {
			return proto.Value{}, err
		}
		f, err := strconv.ParseFloat(tok, 64)
		if err != nil && !math.IsInf(f, 0) {
			return proto.Value{}, formatErr(apierrors.ErrMalformedLine, sc.prefix, "bad float %q", tok)
		}
		return proto.FloatValue(f), nil

	case proto.ValueString, proto.ValueGeoJSON:
		s, err := sc.quoted()
		if err != nil {
			return proto.Value{}, err
		}
		return proto.Value{Type: typ, Bytes: []byte(s)}, nil

	case proto.ValueBlob:
		tok, err := sc.raw(false)
		if err != nil {
			return proto.Value{}, err
		}
		if tok == emptyBlob {
			return proto.Value{Type: proto.ValueBlob, Bytes: []byte{}}, nil
		}
		b, err := base64.StdEncoding.DecodeString(tok)
		if err != nil {
			return proto.Value{}, formatErr(apierrors.ErrMalformedLine, sc.prefix, "bad base64 payload")
		}
		return proto.Value{Type: proto.ValueBlob, Bytes: b}, nil

	case proto.ValueList:
		if err := sc.keyword(listOpen); err != nil {
			return proto.Value{}, err
		}
		list := []proto.Value{}
		for {
			tok, err := sc.raw(true)
			if err != nil {
				return proto.Value{}, err
			}
			if tok == listClose {
				return proto.Value{Type: proto.ValueList, List: list}, nil
			}
			item, err := sc.value(tok, depth+1)
			if err != nil {
				return proto.Value{}, err
			}
			list = append(list, item)
		}

	case proto.ValueMap:
		if err := sc.keyword(mapOpen); err != nil {
			return proto.Value{}, err
		}
		entries := []proto.MapEntry{}
		for {
			tok, err := sc.raw(true)
			if err != nil {
				return proto.Value{}, err
			}
			if tok == mapClose {
				return proto.Value{Type: proto.ValueMap, Map: entries}, nil
			}
			key, err := sc.value(tok, depth+1)
			if err != nil {
				return proto.Value{}, err
			}
			val, err := sc.typedValue(depth + 1)
			if err != nil {
				return proto.Value{}, err
			}
			entries = append(entries, proto.MapEntry{Key: key, Value: val})
		}
	}
	return proto.Value{}, formatErr(apierrors.ErrUnknownType, sc.prefix, "type %q", tag)
}
