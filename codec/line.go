package codec

import (
	"bytes"
	"encoding/base64"
	"strconv"

	apierrors "github.com/cubefs/kvbackup/errors"
	"github.com/cubefs/kvbackup/proto"
)

// Encoder appends backup lines to byte slices. Every line ends with '\n'.
// A failed append returns buf unchanged.
type Encoder struct {
	limits Limits
}

func NewEncoder(limits Limits) *Encoder {
	return &Encoder{limits: limits.withDefaults()}
}

func (e *Encoder) Limits() Limits { return e.limits }

func (e *Encoder) AppendVersion(buf []byte, version string) []byte {
	buf = append(buf, VersionKeyword...)
	buf = append(buf, ' ')
	buf = append(buf, version...)
	return append(buf, '\n')
}

func (e *Encoder) checkName(prefix, what, name string) error {
	if n := encodedNameLen(name); n > e.limits.MaxToken {
		return formatErr(apierrors.ErrTokenTooLong, prefix, "%s of %d bytes exceeds %d", what, n, e.limits.MaxToken)
	}
	return nil
}

func (e *Encoder) AppendMeta(buf []byte, m *MetaLine) ([]byte, error) {
	if m.Key == "" {
		return buf, formatErr(apierrors.ErrMalformedLine, MetaPrefix, "empty meta key")
	}
	if err := e.checkName(MetaPrefix, "meta key", m.Key); err != nil {
		return buf, err
	}
	if m.Value != "" {
		if err := e.checkName(MetaPrefix, "meta value", m.Value); err != nil {
			return buf, err
		}
	}
	start := len(buf)
	buf = append(buf, MetaPrefix...)
	buf = appendName(buf, m.Key)
	if m.Value != "" {
		buf = append(buf, ' ')
		buf = appendName(buf, m.Value)
	}
	if n := len(buf) - start; n > e.limits.MaxMetaLine {
		return buf[:start], formatErr(apierrors.ErrMetaLineTooLong, MetaPrefix, "meta line of %d bytes exceeds %d", n, e.limits.MaxMetaLine)
	}
	return append(buf, '\n'), nil
}

func (e *Encoder) AppendGlobal(buf []byte, g *GlobalLine) ([]byte, error) {
	start := len(buf)
	switch {
	case g.Index != nil:
		idx := g.Index
		if idx.Namespace == "" || idx.Name == "" || idx.Path.Path == "" {
			return buf, formatErr(apierrors.ErrMalformedLine, GlobalPrefix, "incomplete secondary index %q", idx.Name)
		}
		if idx.Path.Type == proto.PathTypeInvalid {
			return buf, formatErr(apierrors.ErrUnknownType, GlobalPrefix, "secondary index %q has no path type", idx.Name)
		}
		for _, f := range [...]struct{ what, name string }{
			{"namespace", idx.Namespace}, {"set", idx.Set}, {"index name", idx.Name}, {"path", idx.Path.Path},
		} {
			if err := e.checkName(GlobalPrefix, f.what, f.name); err != nil {
				return buf, err
			}
		}
		buf = append(buf, GlobalPrefix...)
		buf = append(buf, globalIndex...)
		for _, name := range [...]string{idx.Namespace, idx.Set, idx.Name} {
			buf = append(buf, ' ')
			buf = appendName(buf, name)
		}
		buf = append(buf, ' ')
		buf = append(buf, idx.Type.String()...)
		buf = append(buf, ' ')
		buf = appendName(buf, idx.Path.Path)
		buf = append(buf, ' ')
		buf = append(buf, idx.Path.Type.String()...)

	case g.UDF != nil:
		udf := g.UDF
		if udf.Name == "" || udf.Type == "" {
			return buf, formatErr(apierrors.ErrMalformedLine, GlobalPrefix, "incomplete udf %q", udf.Name)
		}
		if err := e.checkName(GlobalPrefix, "udf type", udf.Type); err != nil {
			return buf, err
		}
		if err := e.checkName(GlobalPrefix, "udf name", udf.Name); err != nil {
			return buf, err
		}
		buf = append(buf, GlobalPrefix...)
		buf = append(buf, globalUDF...)
		buf = append(buf, ' ')
		buf = appendName(buf, udf.Type)
		buf = append(buf, ' ')
		buf = appendName(buf, udf.Name)
		buf = append(buf, ' ')
		if len(udf.Content) == 0 {
			buf = append(buf, emptyBlob...)
		} else {
			n := len(buf)
			buf = append(buf, make([]byte, base64.StdEncoding.EncodedLen(len(udf.Content)))...)
			base64.StdEncoding.Encode(buf[n:], udf.Content)
		}

	default:
		return buf[:start], formatErr(apierrors.ErrMalformedLine, GlobalPrefix, "empty global line")
	}
	return append(buf, '\n'), nil
}

func (e *Encoder) AppendRecordMeta(buf []byte, m *RecordMetaLine) ([]byte, error) {
	if len(m.Digest) == 0 {
		return buf, formatErr(apierrors.ErrMalformedLine, RecordMetaPrefix, "record without digest")
	}
	if n := hexLen(m.Digest); n > e.limits.MaxToken {
		return buf, formatErr(apierrors.ErrTokenTooLong, RecordMetaPrefix, "digest of %d bytes exceeds %d", n, e.limits.MaxToken)
	}
	if m.Set != "" {
		if err := e.checkName(RecordMetaPrefix, "set", m.Set); err != nil {
			return buf, err
		}
	}
	start := len(buf)
	buf = append(buf, RecordMetaPrefix...)
	buf = append(buf, keyDigest...)
	buf = append(buf, ' ')
	buf = append(buf, m.Digest.String()...)
	buf = append(buf, ' ')
	buf = append(buf, keyGeneration...)
	buf = append(buf, ' ')
	buf = strconv.AppendUint(buf, uint64(m.Generation), 10)
	buf = append(buf, ' ')
	buf = append(buf, keyExpiration...)
	buf = append(buf, ' ')
	buf = strconv.AppendUint(buf, uint64(m.Expiration), 10)
	if m.Set != "" {
		buf = append(buf, ' ')
		buf = append(buf, keySet...)
		buf = append(buf, ' ')
		buf = appendName(buf, m.Set)
	}
	if m.Key != nil {
		var err error
		buf = append(buf, ' ')
		buf = append(buf, keyKey...)
		buf = append(buf, ' ')
		if buf, err = appendValue(buf, *m.Key, 0, e.limits.MaxToken); err != nil {
			return buf[:start], err
		}
	}
	return append(buf, '\n'), nil
}

func (e *Encoder) AppendBin(buf []byte, b *proto.Bin) ([]byte, error) {
	if b.Name == "" {
		return buf, formatErr(apierrors.ErrMalformedLine, RecordBinPrefix, "bin without name")
	}
	if err := e.checkName(RecordBinPrefix, "bin name", b.Name); err != nil {
		return buf, err
	}
	start := len(buf)
	buf = append(buf, RecordBinPrefix...)
	buf = appendName(buf, b.Name)
	buf = append(buf, ' ')
	buf, err := appendValue(buf, b.Value, 0, e.limits.MaxToken)
	if err != nil {
		return buf[:start], err
	}
	return append(buf, '\n'), nil
}

// AppendRecord appends the meta line of r followed by one line per bin.
func (e *Encoder) AppendRecord(buf []byte, r *proto.Record) ([]byte, error) {
	start := len(buf)
	buf, err := e.AppendRecordMeta(buf, RecordMeta(r))
	if err != nil {
		return buf[:start], err
	}
	for i := range r.Bins {
		if buf, err = e.AppendBin(buf, &r.Bins[i]); err != nil {
			return buf[:start], err
		}
	}
	return buf, nil
}

func hexLen(d proto.Digest) int { return len(d) * 2 }

// State tracks what a decoder has seen so far. A record meta line opens a
// record, meta and global lines close it. Bin lines are only valid while a
// record is open.
type State struct {
	open    bool
	Records int
	Bins    int
}

func (st *State) RecordOpen() bool { return st.open }

func (st *State) Reset() { *st = State{} }

// Decoder decodes single backup lines. It is stateless itself and may be
// shared; the per-stream state lives in the State passed to Decode.
type Decoder struct {
	limits Limits
}

func NewDecoder(limits Limits) *Decoder {
	return &Decoder{limits: limits.withDefaults()}
}

func (d *Decoder) Limits() Limits { return d.limits }

// DecodeVersion parses the version line that starts every backup file.
func (d *Decoder) DecodeVersion(line []byte) (string, error) {
	line = trimEOL(line)
	kw := []byte(VersionKeyword + " ")
	if !bytes.HasPrefix(line, kw) {
		return "", &apierrors.VersionError{Err: apierrors.ErrMissingHeader}
	}
	version := string(line[len(kw):])
	if !SupportedVersion(version) {
		return version, &apierrors.VersionError{Version: version, Err: apierrors.ErrUnsupported}
	}
	return version, nil
}

// SupportedVersion reports whether files of the given version can be read.
func SupportedVersion(version string) bool {
	return version == proto.BackupVersion
}

// Decode decodes one line, with or without its trailing newline.
func (d *Decoder) Decode(st *State, line []byte) (Line, error) {
	line = trimEOL(line)
	if len(line) < 2 {
		return nil, formatErr(apierrors.ErrUnknownPrefix, string(line), "line too short")
	}
	prefix := string(line[:2])
	body := line[2:]
	sc := newScanner(body, d.limits.MaxToken, prefix)

	switch prefix {
	case MetaPrefix:
		if len(line) > d.limits.MaxMetaLine {
			return nil, formatErr(apierrors.ErrMetaLineTooLong, prefix, "meta line of %d bytes exceeds %d", len(line), d.limits.MaxMetaLine)
		}
		m, err := d.decodeMeta(sc)
		if err != nil {
			return nil, err
		}
		st.open = false
		return m, nil

	case GlobalPrefix:
		g, err := d.decodeGlobal(sc)
		if err != nil {
			return nil, err
		}
		st.open = false
		return g, nil

	case RecordMetaPrefix:
		// a broken record meta line leaves no record to attach bins to
		st.open = false
		m, err := d.decodeRecordMeta(sc)
		if err != nil {
			return nil, err
		}
		st.open = true
		st.Records++
		return m, nil

	case RecordBinPrefix:
		if !st.open {
			return nil, formatErr(apierrors.ErrSequencing, prefix, "bin line outside of a record")
		}
		name, err := sc.name()
		if err != nil {
			return nil, err
		}
		if name == "" {
			return nil, formatErr(apierrors.ErrMalformedLine, prefix, "bin without name")
		}
		v, err := sc.typedValue(0)
		if err != nil {
			return nil, err
		}
		if err = d.end(sc); err != nil {
			return nil, err
		}
		st.Bins++
		return &RecordBinLine{Bin: proto.Bin{Name: name, Value: v}}, nil

	default:
		return nil, formatErr(apierrors.ErrUnknownPrefix, prefix, "unknown line prefix %q", prefix)
	}
}

func (d *Decoder) end(sc *scanner) error {
	if !sc.done() {
		return formatErr(apierrors.ErrMalformedLine, sc.prefix, "trailing data at offset %d", sc.pos)
	}
	return nil
}

func (d *Decoder) decodeMeta(sc *scanner) (*MetaLine, error) {
	key, err := sc.name()
	if err != nil {
		return nil, err
	}
	m := &MetaLine{Key: key}
	if !sc.done() {
		if m.Value, err = sc.name(); err != nil {
			return nil, err
		}
	}
	return m, d.end(sc)
}

func (d *Decoder) decodeGlobal(sc *scanner) (*GlobalLine, error) {
	kind, err := sc.raw(true)
	if err != nil {
		return nil, err
	}
	switch kind {
	case globalIndex:
		idx := &proto.SecondaryIndex{}
		for _, p := range []*string{&idx.Namespace, &idx.Set, &idx.Name} {
			if *p, err = sc.name(); err != nil {
				return nil, err
			}
		}
		tok, err := sc.raw(true)
		if err != nil {
			return nil, err
		}
		var ok bool
		if idx.Type, ok = proto.ParseIndexType(tok); !ok {
			return nil, formatErr(apierrors.ErrUnknownType, sc.prefix, "index type %q", tok)
		}
		if idx.Path.Path, err = sc.name(); err != nil {
			return nil, err
		}
		if tok, err = sc.raw(true); err != nil {
			return nil, err
		}
		if idx.Path.Type = proto.ParsePathType(tok); idx.Path.Type == proto.PathTypeInvalid {
			return nil, formatErr(apierrors.ErrUnknownType, sc.prefix, "path type %q", tok)
		}
		return &GlobalLine{Index: idx}, d.end(sc)

	case globalUDF:
		udf := &proto.UDF{}
		if udf.Type, err = sc.name(); err != nil {
			return nil, err
		}
		if udf.Name, err = sc.name(); err != nil {
			return nil, err
		}
		content, err := sc.raw(false)
		if err != nil {
			return nil, err
		}
		if content == emptyBlob {
			udf.Content = []byte{}
		} else if udf.Content, err = base64.StdEncoding.DecodeString(content); err != nil {
			return nil, formatErr(apierrors.ErrMalformedLine, sc.prefix, "bad udf content")
		}
		return &GlobalLine{UDF: udf}, d.end(sc)

	default:
		return nil, formatErr(apierrors.ErrUnknownType, sc.prefix, "global line type %q", kind)
	}
}

func (d *Decoder) decodeRecordMeta(sc *scanner) (*RecordMetaLine, error) {
	m := &RecordMetaLine{}
	if err := sc.keyword(keyDigest); err != nil {
		return nil, err
	}
	tok, err := sc.raw(true)
	if err != nil {
		return nil, err
	}
	if m.Digest, err = proto.ParseDigest(tok); err != nil {
		return nil, formatErr(apierrors.ErrMalformedLine, sc.prefix, "bad digest %q", tok)
	}
	if err = sc.keyword(keyGeneration); err != nil {
		return nil, err
	}
	if m.Generation, err = sc.number(); err != nil {
		return nil, err
	}
	if err = sc.keyword(keyExpiration); err != nil {
		return nil, err
	}
	if m.Expiration, err = sc.number(); err != nil {
		return nil, err
	}

	for !sc.done() {
		kw, err := sc.raw(true)
		if err != nil {
			return nil, err
		}
		switch {
		case kw == keySet && m.Set == "" && m.Key == nil:
			if m.Set, err = sc.name(); err != nil {
				return nil, err
			}
		case kw == keyKey && m.Key == nil:
			key, err := sc.typedValue(0)
			if err != nil {
				return nil, err
			}
			m.Key = &key
		default:
			return nil, formatErr(apierrors.ErrMalformedLine, sc.prefix, "unexpected field %q", kw)
		}
	}
	return m, nil
}

func trimEOL(line []byte) []byte {
	if n := len(line); n > 0 && line[n-1] == '\n' {
		line = line[:n-1]
		if n := len(line); n > 0 && line[n-1] == '\r' {
			line = line[:n-1]
		}
	}
	return line
}
