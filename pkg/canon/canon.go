// Deterministic byte encoding of semi-structured span values
// Structurally equal values always produce identical bytes; unknown types are rejected
package canon

import (
	"cmp"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/big"
	"reflect"
	"slices"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/andrewh/traceanchor/pkg/anchorerr"
)

const hexDigits = "0123456789abcdef"

// Encode returns the canonical bytes of v.
//
// Supported values: nil, bool, every Go integer width, float32, float64,
// json.Number, string, []byte, []any, []string, map[string]any,
// map[string]string and map[any]any, nested arbitrarily. Anything else fails
// with an anchorerr.KindUnsupportedValueType error naming the offending path.
func Encode(v any) ([]byte, error) {
	return Append(nil, v)
}

// Append appends the canonical bytes of v to dst.
func Append(dst []byte, v any) ([]byte, error) {
	return appendValue(dst, v, "$")
}

// MustEncode is Encode for values known to be well-typed. It panics on error.
func MustEncode(v any) []byte {
	b, err := Encode(v)
	if err != nil {
		panic(err)
	}
	return b
}

func appendValue(dst []byte, v any, path string) ([]byte, error) {
	switch x := v.(type) {
	case nil:
		return append(dst, "null"...), nil
	case bool:
		if x {
			return append(dst, "true"...), nil
		}
		return append(dst, "false"...), nil
	case int:
		return strconv.AppendInt(dst, int64(x), 10), nil
	case int8:
		return strconv.AppendInt(dst, int64(x), 10), nil
	case int16:
		return strconv.AppendInt(dst, int64(x), 10), nil
	case int32:
		return strconv.AppendInt(dst, int64(x), 10), nil
	case int64:
		return strconv.AppendInt(dst, x, 10), nil
	case uint:
		return strconv.AppendUint(dst, uint64(x), 10), nil
	case uint8:
		return strconv.AppendUint(dst, uint64(x), 10), nil
	case uint16:
		return strconv.AppendUint(dst, uint64(x), 10), nil
	case uint32:
		return strconv.AppendUint(dst, uint64(x), 10), nil
	case uint64:
		return strconv.AppendUint(dst, x, 10), nil
	case float32:
		return appendFloat(dst, float64(x), 32), nil
	case float64:
		return appendFloat(dst, x, 64), nil
	case json.Number:
		return appendNumber(dst, x, path)
	case string:
		return appendString(dst, x), nil
	case []byte:
		return appendBlob(dst, x), nil
	case []any:
		return appendList(dst, len(x), func(dst []byte, i int, p string) ([]byte, error) {
			return appendValue(dst, x[i], p)
		}, path)
	case []string:
		return appendList(dst, len(x), func(dst []byte, i int, _ string) ([]byte, error) {
			return appendString(dst, x[i]), nil
		}, path)
	case map[string]any:
		keys := make([]mapKey, 0, len(x))
		for k := range x {
			keys = append(keys, mapKey{str: k, rank: rankString, raw: k})
		}
		return appendMap(dst, keys, func(k any) any { return x[k.(string)] }, path)
	case map[string]string:
		keys := make([]mapKey, 0, len(x))
		for k := range x {
			keys = append(keys, mapKey{str: k, rank: rankString, raw: k})
		}
		return appendMap(dst, keys, func(k any) any { return x[k.(string)] }, path)
	case map[any]any:
		keys := make([]mapKey, 0, len(x))
		for k := range x {
			mk, err := newMapKey(k, path)
			if err != nil {
				return nil, err
			}
			keys = append(keys, mk)
		}
		return appendMap(dst, keys, func(k any) any { return x[k] }, path)
	default:
		return nil, unsupported(v, path)
	}
}

func unsupported(v any, path string) error {
	return anchorerr.New(anchorerr.KindUnsupportedValueType, "canon",
		fmt.Sprintf("unsupported value type %T at %s", v, path))
}

// appendFloat writes the shortest round-trip digits of f, laid out with
// positional notation for decimal exponents in [-4, 16) and scientific
// notation otherwise. Integral values keep a trailing ".0".
func appendFloat(dst []byte, f float64, bitSize int) []byte {
	switch {
	case math.IsNaN(f):
		return append(dst, "nan"...)
	case math.IsInf(f, 1):
		return append(dst, "inf"...)
	case math.IsInf(f, -1):
		return append(dst, "-inf"...)
	case f == 0:
		if math.Signbit(f) {
			return append(dst, "-0.0"...)
		}
		return append(dst, "0.0"...)
	}

	s := strconv.FormatFloat(f, 'e', -1, bitSize)
	if s[0] == '-' {
		dst = append(dst, '-')
		s = s[1:]
	}
	mant, expStr, _ := strings.Cut(s, "e")
	exp, _ := strconv.Atoi(expStr)
	digits := strings.Replace(mant, ".", "", 1)

	if exp < -4 || exp >= 16 {
		dst = append(dst, digits[0])
		if len(digits) > 1 {
			dst = append(dst, '.')
			dst = append(dst, digits[1:]...)
		}
		dst = append(dst, 'e')
		if exp < 0 {
			dst = append(dst, '-')
			exp = -exp
		} else {
			dst = append(dst, '+')
		}
		if exp < 10 {
			dst = append(dst, '0')
		}
		return strconv.AppendInt(dst, int64(exp), 10)
	}

	point := exp + 1
	switch {
	case point <= 0:
		dst = append(dst, "0."...)
		for range -point {
			dst = append(dst, '0')
		}
		return append(dst, digits...)
	case point >= len(digits):
		dst = append(dst, digits...)
		for range point - len(digits) {
			dst = append(dst, '0')
		}
		return append(dst, ".0"...)
	default:
		dst = append(dst, digits[:point]...)
		dst = append(dst, '.')
		return append(dst, digits[point:]...)
	}
}

// appendNumber keeps integers exact at any width and falls back to float
// formatting for everything else.
func appendNumber(dst []byte, n json.Number, path string) ([]byte, error) {
	s := string(n)
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return strconv.AppendInt(dst, i, 10), nil
	}
	if u, err := strconv.ParseUint(s, 10, 64); err == nil {
		return strconv.AppendUint(dst, u, 10), nil
	}
	if !strings.ContainsAny(s, ".eE") {
		if bi, ok := new(big.Int).SetString(s, 10); ok {
			return bi.Append(dst, 10), nil
		}
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil && !errors.Is(err, strconv.ErrRange) {
		return nil, anchorerr.Wrap(anchorerr.KindUnsupportedValueType, "canon",
			fmt.Sprintf("malformed number %q at %s", s, path), err)
	}
	return appendFloat(dst, f, 64), nil
}

// appendString writes s quoted. Escapes: \" \\ \b \f \n \r \t, \u00xx for the
// remaining C0 controls and DEL, \xNN for each byte of invalid UTF-8. Valid
// non-ASCII text is copied verbatim.
func appendString(dst []byte, s string) []byte {
	dst = append(dst, '"')
	for i := 0; i < len(s); {
		c := s[i]
		if c < utf8.RuneSelf {
			switch c {
			case '"':
				dst = append(dst, '\\', '"')
			case '\\':
				dst = append(dst, '\\', '\\')
			case '\b':
				dst = append(dst, '\\', 'b')
			case '\f':
				dst = append(dst, '\\', 'f')
			case '\n':
				dst = append(dst, '\\', 'n')
			case '\r':
				dst = append(dst, '\\', 'r')
			case '\t':
				dst = append(dst, '\\', 't')
			default:
				if c < 0x20 || c == 0x7f {
					dst = append(dst, '\\', 'u', '0', '0', hexDigits[c>>4], hexDigits[c&0xf])
				} else {
					dst = append(dst, c)
				}
			}
			i++
			continue
		}
		r, size := utf8.DecodeRuneInString(s[i:])
		if r == utf8.RuneError && size == 1 {
			dst = append(dst, '\\', 'x', hexDigits[c>>4], hexDigits[c&0xf])
			i++
			continue
		}
		dst = append(dst, s[i:i+size]...)
		i += size
	}
	return append(dst, '"')
}

func appendBlob(dst []byte, b []byte) []byte {
	dst = append(dst, '"')
	for _, c := range b {
		dst = append(dst, hexDigits[c>>4], hexDigits[c&0xf])
	}
	return append(dst, '"')
}

func appendList(dst []byte, n int, elem func([]byte, int, string) ([]byte, error), path string) ([]byte, error) {
	dst = append(dst, '[')
	for i := range n {
		if i > 0 {
			dst = append(dst, ',')
		}
		var err error
		dst, err = elem(dst, i, path+"["+strconv.Itoa(i)+"]")
		if err != nil {
			return nil, err
		}
	}
	return append(dst, ']'), nil
}

// Key type ranks break ties between keys whose string forms collide.
const (
	rankNull = iota
	rankBool
	rankInteger
	rankFloat
	rankString
)

type mapKey struct {
	str  string
	rank int
	typ  string
	lit  string // literal text of json.Number keys
	raw  any
}

func newMapKey(k any, path string) (mapKey, error) {
	if f, ok := k.(float64); ok && math.IsNaN(f) {
		return mapKey{}, anchorerr.New(anchorerr.KindUnsupportedValueType, "canon",
			fmt.Sprintf("NaN map key at %s", path))
	}
	if f, ok := k.(float32); ok && math.IsNaN(float64(f)) {
		return mapKey{}, anchorerr.New(anchorerr.KindUnsupportedValueType, "canon",
			fmt.Sprintf("NaN map key at %s", path))
	}
	s, rank, err := keyString(k, path)
	if err != nil {
		return mapKey{}, err
	}
	mk := mapKey{str: s, rank: rank, typ: reflect.TypeOf(k).String(), raw: k}
	if n, ok := k.(json.Number); ok {
		mk.lit = string(n)
	}
	return mk, nil
}

// compareKeys orders by string form bytes, then type rank, then Go type name,
// then json.Number literal. Distinct keys of one map never compare equal.
func compareKeys(a, b mapKey) int {
	return cmp.Or(
		strings.Compare(a.str, b.str),
		cmp.Compare(a.rank, b.rank),
		strings.Compare(a.typ, b.typ),
		strings.Compare(a.lit, b.lit),
	)
}

func appendMap(dst []byte, keys []mapKey, value func(any) any, path string) ([]byte, error) {
	slices.SortFunc(keys, compareKeys)
	dst = append(dst, '{')
	for i, k := range keys {
		if i > 0 {
			dst = append(dst, ',')
		}
		dst = appendString(dst, k.str)
		dst = append(dst, ':')
		var err error
		dst, err = appendValue(dst, value(k.raw), path+"."+k.str)
		if err != nil {
			return nil, err
		}
	}
	return append(dst, '}'), nil
}

// KeyString returns the string form a map key is coerced to before sorting:
// strings as-is, numbers as their canonical text, booleans as true/false and
// nil as null.
func KeyString(k any) (string, error) {
	s, _, err := keyString(k, "$")
	return s, err
}

func keyString(k any, path string) (string, int, error) {
	switch x := k.(type) {
	case nil:
		return "null", rankNull, nil
	case bool:
		return strconv.FormatBool(x), rankBool, nil
	case string:
		return x, rankString, nil
	case float32, float64, json.Number:
		b, err := appendValue(nil, x, path)
		if err != nil {
			return "", 0, err
		}
		rank := rankFloat
		if n, ok := x.(json.Number); ok && !strings.ContainsAny(string(n), ".eE") {
			rank = rankInteger
		}
		return string(b), rank, nil
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		b, err := appendValue(nil, x, path)
		if err != nil {
			return "", 0, err
		}
		return string(b), rankInteger, nil
	default:
		return "", 0, anchorerr.New(anchorerr.KindUnsupportedValueType, "canon",
			fmt.Sprintf("unsupported map key type %T at %s", k, path))
	}
}
