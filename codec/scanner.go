package codec

import (
	"strconv"

	apierrors "github.com/cubefs/kvbackup/errors"
	"github.com/cubefs/kvbackup/util"
)

// scanner splits the body of a line into single-space separated tokens.
type scanner struct {
	s      []byte
	pos    int
	limit  int
	prefix string
}

func newScanner(body []byte, limit int, prefix string) *scanner {
	return &scanner{s: body, limit: limit, prefix: prefix}
}

func (sc *scanner) done() bool {
	return sc.pos >= len(sc.s)
}

// sep consumes the single space after a token.
func (sc *scanner) sep() error {
	if sc.pos == len(sc.s) {
		return nil
	}
	if sc.s[sc.pos] != ' ' || sc.pos+1 == len(sc.s) {
		return formatErr(apierrors.ErrMalformedLine, sc.prefix, "unexpected character at offset %d", sc.pos)
	}
	sc.pos++
	return nil
}

func (sc *scanner) raw(limited bool) (string, error) {
	if sc.done() {
		return "", formatErr(apierrors.ErrMalformedLine, sc.prefix, "missing token")
	}
	start := sc.pos
	for sc.pos < len(sc.s) && sc.s[sc.pos] != ' ' {
		sc.pos++
		if limited && sc.pos-start > sc.limit {
			return "", formatErr(apierrors.ErrTokenTooLong, sc.prefix, "token at offset %d longer than %d", start, sc.limit)
		}
	}
	if sc.pos == start {
		return "", formatErr(apierrors.ErrMalformedLine, sc.prefix, "empty token at offset %d", start)
	}
	tok := util.BytesToString(sc.s[start:sc.pos])
	if err := sc.sep(); err != nil {
		return "", err
	}
	return tok, nil
}

// keyword reads a bare token and checks that it equals want.
func (sc *scanner) keyword(want string) error {
	tok, err := sc.raw(true)
	if err != nil {
		return err
	}
	if tok != want {
		return formatErr(apierrors.ErrMalformedLine, sc.prefix, "expected %q, got %q", want, tok)
	}
	return nil
}

func (sc *scanner) name() (string, error) {
	tok, err := sc.raw(true)
	if err != nil {
		return "", err
	}
	name, err := decodeName(tok)
	if err != nil {
		return "", formatErr(apierrors.ErrMalformedLine, sc.prefix, "%s", err)
	}
	return name, nil
}

func (sc *scanner) quoted() (string, error) {
	if sc.done() || sc.s[sc.pos] != '"' {
		return "", formatErr(apierrors.ErrMalformedLine, sc.prefix, "expected quoted string at offset %d", sc.pos)
	}
	rest := util.BytesToString(sc.s[sc.pos:])
	q, err := strconv.QuotedPrefix(rest)
	if err != nil {
		return "", formatErr(apierrors.ErrMalformedLine, sc.prefix, "bad quoted string at offset %d", sc.pos)
	}
	s, err := strconv.Unquote(q)
	if err != nil {
		return "", formatErr(apierrors.ErrMalformedLine, sc.prefix, "bad quoted string at offset %d", sc.pos)
	}
	sc.pos += len(q)
	if err := sc.sep(); err != nil {
		return "", err
	}
	// unescaped strings alias the line buffer
	return string([]byte(s)), nil
}

func (sc *scanner) number() (uint32, error) {
	tok, err := sc.raw(true)
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseUint(tok, 10, 32)
	if err != nil {
		return 0, formatErr(apierrors.ErrMalformedLine, sc.prefix, "bad number %q", tok)
	}
	return uint32(n), nil
}
