// Package canonicalize provides RFC 8785 (JSON Canonicalization Scheme) compliant
// serialization for deterministic hashing of logged LLM interactions.
package canonicalize

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"unicode/utf16"
	"unicode/utf8"
)

// ErrNonFinite is returned for NaN or Infinity, which have no JSON representation.
var ErrNonFinite = errors.New("canonicalize: non-finite number")

// ErrInvalidUTF8 is returned for ill-formed string input, including lone surrogates.
var ErrInvalidUTF8 = errors.New("canonicalize: invalid UTF-8 string")

// Canonicalize returns the RFC 8785 canonical JSON representation of v.
//
// Key features:
//  1. Map keys are sorted by their UTF-16 code unit sequence.
//  2. Numbers use the shortest round-trippable ES6 representation (no "-0",
//     no trailing zeros, exponent only outside the plain range).
//  3. Strings use minimal JSON escaping with no HTML escaping.
//
// NaN, Infinity and ill-formed UTF-8 are fatal input errors, never approximated.
func Canonicalize(v interface{}) ([]byte, error) {
	// encoding/json replaces ill-formed bytes with U+FFFD during Marshal, so
	// the input must be checked for well-formed UTF-8 before the pre-pass or
	// the corruption is silent.
	if v != nil {
		if err := validateUTF8(reflect.ValueOf(v)); err != nil {
			return nil, err
		}
	}

	// Marshal to intermediate JSON (standard), then decode to interface{} with
	// UseNumber, then recursive canonical marshal. This respects json struct tags
	// while overriding formatting and key order.
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: pre-marshal failed: %w", err)
	}

	var generic interface{}
	decoder := json.NewDecoder(bytes.NewReader(intermediate))
	decoder.UseNumber()
	if err := decoder.Decode(&generic); err != nil {
		return nil, fmt.Errorf("canonicalize: intermediate decode failed: %w", err)
	}

	var buf bytes.Buffer
	if err := marshalRecursive(&buf, generic); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// CanonicalHash returns the SHA-256 hex digest of the canonical JSON representation of v.
func CanonicalHash(v interface{}) (string, error) {
	b, err := Canonicalize(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes computes the SHA-256 hash of raw bytes and returns it as lowercase hex.
func HashBytes(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// CanonicalString returns the canonical form as a string.
func CanonicalString(v interface{}) (string, error) {
	data, err := Canonicalize(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func marshalRecursive(buf *bytes.Buffer, v interface{}) error {
	switch t := v.(type) {
	case nil:
		buf.WriteString("null")
		return nil
	case bool:
		if t {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
		return nil
	case json.Number:
		s, err := formatJSONNumber(t)
		if err != nil {
			return err
		}
		buf.WriteString(s)
		return nil
	case float64:
		s, err := FormatNumber(t)
		if err != nil {
			return err
		}
		buf.WriteString(s)
		return nil
	case string:
		return encodeString(buf, t)
	case []interface{}:
		buf.WriteByte('[')
		for i, elem := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := marshalRecursive(buf, elem); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sortKeysUTF16(keys)

		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeString(buf, k); err != nil {
				return err
			}
			buf.WriteByte(':')
			if err := marshalRecursive(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil
	default:
		return fmt.Errorf("canonicalize: unsupported value of type %T", v)
	}
}

// validateUTF8 walks v and fails on any string (value, map key, or exported
// struct field) that is not well-formed UTF-8. Lone surrogates cannot be
// encoded as valid UTF-8, so they are rejected here too. []byte is skipped
// because encoding/json serializes it as base64.
func validateUTF8(v reflect.Value) error {
	switch v.Kind() {
	case reflect.String:
		if !utf8.ValidString(v.String()) {
			return fmt.Errorf("%w: %q", ErrInvalidUTF8, v.String())
		}
	case reflect.Interface, reflect.Pointer:
		if !v.IsNil() {
			return validateUTF8(v.Elem())
		}
	case reflect.Map:
		iter := v.MapRange()
		for iter.Next() {
			if err := validateUTF8(iter.Key()); err != nil {
				return err
			}
			if err := validateUTF8(iter.Value()); err != nil {
				return err
			}
		}
	case reflect.Slice, reflect.Array:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			return nil
		}
		for i := 0; i < v.Len(); i++ {
			if err := validateUTF8(v.Index(i)); err != nil {
				return err
			}
		}
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			if v.Type().Field(i).IsExported() {
				if err := validateUTF8(v.Field(i)); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// sortKeysUTF16 orders keys by their UTF-16 code unit sequence as RFC 8785
// section 3.2.3 requires. This differs from byte order for code points outside
// the BMP, which sort below U+E000..U+FFFF in UTF-16.
func sortKeysUTF16(keys []string) {
	encoded := make(map[string][]uint16, len(keys))
	for _, k := range keys {
		encoded[k] = utf16.Encode([]rune(k))
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := encoded[keys[i]], encoded[keys[j]]
		for n := 0; n < len(a) && n < len(b); n++ {
			if a[n] != b[n] {
				return a[n] < b[n]
			}
		}
		return len(a) < len(b)
	})
}

// encodeString writes s as a JSON string with the minimal escaping RFC 8785
// requires: short forms for the popular control characters, \u00xx for the
// rest, and every other code point emitted literally.
func encodeString(buf *bytes.Buffer, s string) error {
	if !utf8.ValidString(s) {
		return fmt.Errorf("%w: %q", ErrInvalidUTF8, s)
	}
	buf.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			buf.WriteString(`\"`)
		case '\\':
			buf.WriteString(`\\`)
		case '\b':
			buf.WriteString(`\b`)
		case '\f':
			buf.WriteString(`\f`)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		default:
			if r < 0x20 {
				fmt.Fprintf(buf, `\u%04x`, r)
			} else {
				buf.WriteRune(r)
			}
		}
	}
	buf.WriteByte('"')
	return nil
}

// formatJSONNumber normalizes a json.Number token. Integers within the IEEE 754
// exactly-representable range keep plain integer formatting; everything else
// goes through the ES6 double formatter.
func formatJSONNumber(n json.Number) (string, error) {
	s := n.String()
	if !strings.ContainsAny(s, ".eE") {
		if i, err := strconv.ParseInt(s, 10, 64); err == nil && i >= -(1<<53) && i <= 1<<53 {
			return strconv.FormatInt(i, 10), nil
		}
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return "", fmt.Errorf("canonicalize: bad number %q: %w", s, err)
	}
	return FormatNumber(f)
}

// FormatNumber serializes an IEEE 754 double per ECMAScript Number::toString
// (the format RFC 8785 mandates): shortest round-trippable digits, plain
// notation for decimal exponents in (-7, 21), otherwise "d.ddde±X" with an
// unpadded exponent. Negative zero serializes as "0".
func FormatNumber(f float64) (string, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return "", ErrNonFinite
	}
	if f == 0 {
		return "0", nil
	}

	sign := ""
	if f < 0 {
		sign = "-"
		f = -f
	}

	// Shortest digits and decimal exponent from Go's 'e' formatting.
	mant := strconv.FormatFloat(f, 'e', -1, 64) // "d[.ddd]e±XX"
	eIdx := strings.IndexByte(mant, 'e')
	digits := strings.Replace(mant[:eIdx], ".", "", 1)
	exp, err := strconv.Atoi(mant[eIdx+1:])
	if err != nil {
		return "", fmt.Errorf("canonicalize: exponent parse: %w", err)
	}

	// n is the position of the decimal point relative to the digit string,
	// per the ECMAScript algorithm: value = digits * 10^(n-len(digits)).
	n := exp + 1
	k := len(digits)

	var out strings.Builder
	out.WriteString(sign)
	switch {
	case k <= n && n <= 21:
		out.WriteString(digits)
		out.WriteString(strings.Repeat("0", n-k))
	case 0 < n && n <= 21:
		out.WriteString(digits[:n])
		out.WriteByte('.')
		out.WriteString(digits[n:])
	case -6 < n && n <= 0:
		out.WriteString("0.")
		out.WriteString(strings.Repeat("0", -n))
		out.WriteString(digits)
	default:
		out.WriteString(digits[:1])
		if k > 1 {
			out.WriteByte('.')
			out.WriteString(digits[1:])
		}
		out.WriteByte('e')
		if n-1 >= 0 {
			out.WriteByte('+')
		}
		out.WriteString(strconv.Itoa(n - 1))
	}
	return out.String(), nil
}
