package codec

import (
	"errors"
	"strings"
)

const hexDigits = "0123456789abcdef"

// emptyName stands in for the empty string, which has no bare token form.
const emptyName = `\e`

// appendName appends the bare token form of name: space, backslash and
// control bytes are backslash escaped.
func appendName(buf []byte, name string) []byte {
	if name == "" {
		return append(buf, emptyName...)
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c == '\\':
			buf = append(buf, '\\', '\\')
		case c == ' ':
			buf = append(buf, '\\', 's')
		case c == '\n':
			buf = append(buf, '\\', 'n')
		case c == '\r':
			buf = append(buf, '\\', 'r')
		case c == '\t':
			buf = append(buf, '\\', 't')
		case c < 0x20 || c == 0x7f:
			buf = append(buf, '\\', 'x', hexDigits[c>>4], hexDigits[c&0xf])
		default:
			buf = append(buf, c)
		}
	}
	return buf
}

func encodedNameLen(name string) int {
	if name == "" {
		return len(emptyName)
	}
	n := 0
	for i := 0; i < len(name); i++ {
		switch c := name[i]; {
		case c == '\\' || c == ' ' || c == '\n' || c == '\r' || c == '\t':
			n += 2
		case c < 0x20 || c == 0x7f:
			n += 4
		default:
			n++
		}
	}
	return n
}

var errBadEscape = errors.New("bad escape sequence in name")

// decodeName reverses appendName. The result never aliases tok.
func decodeName(tok string) (string, error) {
	if tok == emptyName {
		return "", nil
	}
	if strings.IndexByte(tok, '\\') < 0 {
		return string([]byte(tok)), nil
	}
	var sb strings.Builder
	sb.Grow(len(tok))
	for i := 0; i < len(tok); i++ {
		c := tok[i]
		if c != '\\' {
			sb.WriteByte(c)
			continue
		}
		if i+1 >= len(tok) {
			return "", errBadEscape
		}
		i++
		switch tok[i] {
		case '\\':
			sb.WriteByte('\\')
		case 's':
			sb.WriteByte(' ')
		case 'n':
			sb.WriteByte('\n')
		case 'r':
			sb.WriteByte('\r')
		case 't':
			sb.WriteByte('\t')
		case 'x':
			if i+2 >= len(tok) {
				return "", errBadEscape
			}
			hi, lo := unhex(tok[i+1]), unhex(tok[i+2])
			if hi < 0 || lo < 0 {
				return "", errBadEscape
			}
			sb.WriteByte(byte(hi<<4 | lo))
			i += 2
		default:
			return "", errBadEscape
		}
	}
	return sb.String(), nil
}

func unhex(c byte) int {
	switch {
	case '0' <= c && c <= '9':
		return int(c - '0')
	case 'a' <= c && c <= 'f':
		return int(c-'a') + 10
	case 'A' <= c && c <= 'F':
		return int(c-'A') + 10
	}
	return -1
}
