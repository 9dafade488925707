// Package safeconv provides safe type normalization for values crossing the
// store boundary, plus integer conversions that panic on overflow.
//
// Values read back from the embedded database may arrive as []byte where the
// caller expects text or numbers. The Safe* helpers decode byte buffers and
// coerce nils to typed defaults so decode problems never surface as errors in
// user-facing code paths.
package safeconv

import (
	"math"
	"strconv"
	"unicode/utf8"
)

// MaxInt is the maximum value for int type (platform-dependent).
const MaxInt = int(^uint(0) >> 1)

// MaxUint32 is the maximum value for uint32 type.
const MaxUint32 = uint32(math.MaxUint32)

// SafeStr normalizes v to a string. Byte slices are decoded (invalid UTF-8 is
// replaced rune-by-rune), nil and unsupported types yield def.
func SafeStr(v any, def string) string {
	switch val := v.(type) {
	case nil:
		return def
	case string:
		return val
	case []byte:
		if utf8.Valid(val) {
			return string(val)
		}

		return decodeLossy(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	default:
		return def
	}
}

// SafeInt normalizes v to an int. Byte slices and strings are parsed as
// base-10 integers, floats are truncated, nil and unparseable values yield def.
func SafeInt(v any, def int) int {
	i64 := SafeInt64(v, int64(def))
	if i64 > int64(MaxInt) || i64 < int64(-MaxInt-1) {
		return def
	}

	return int(i64)
}

// SafeInt64 normalizes v to an int64. Same coercion rules as SafeInt.
func SafeInt64(v any, def int64) int64 {
	switch val := v.(type) {
	case nil:
		return def
	case int64:
		return val
	case int:
		return int64(val)
	case float64:
		return int64(val)
	case []byte:
		return parseInt64(string(val), def)
	case string:
		return parseInt64(val, def)
	default:
		return def
	}
}

// SafeFloat normalizes v to a float64. Nil and unparseable values yield def.
func SafeFloat(v any, def float64) float64 {
	switch val := v.(type) {
	case nil:
		return def
	case float64:
		return val
	case int64:
		return float64(val)
	case int:
		return float64(val)
	case []byte:
		return parseFloat(string(val), def)
	case string:
		return parseFloat(val, def)
	default:
		return def
	}
}

func parseInt64(s string, def int64) int64 {
	parsed, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return def
	}

	return parsed
}

func parseFloat(s string, def float64) float64 {
	parsed, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return def
	}

	return parsed
}

// decodeLossy converts bytes to a string, treating invalid UTF-8 sequences
// as Latin-1 single bytes.
func decodeLossy(b []byte) string {
	runes := make([]rune, 0, len(b))

	for len(b) > 0 {
		r, size := utf8.DecodeRune(b)
		if r == utf8.RuneError && size == 1 {
			runes = append(runes, rune(b[0]))
		} else {
			runes = append(runes, r)
		}

		b = b[size:]
	}

	return string(runes)
}

// MustUintToInt converts uint to int, panics on overflow.
// Use only when overflow is logically impossible.
func MustUintToInt(v uint) int {
	if v > uint(MaxInt) {
		panic("safeconv: uint to int overflow")
	}

	return int(v)
}

// MustIntToUint converts int to uint, panics if negative.
// Use only when negative values are logically impossible.
func MustIntToUint(v int) uint {
	if v < 0 {
		panic("safeconv: negative int to uint conversion")
	}

	return uint(v)
}
