package canonicalize

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"

	"github.com/gowebpki/jcs"
)

// ErrDuplicateKey is returned when a JSON object repeats a member name.
// Canonicalizing such input would silently discard data, so it is fatal.
var ErrDuplicateKey = errors.New("canonicalize: duplicate object key")

// Transform canonicalizes raw JSON text per RFC 8785.
//
// Unlike Canonicalize, the input here is an untrusted byte stream, so duplicate
// object keys are detectable and rejected before canonicalization.
func Transform(raw []byte) ([]byte, error) {
	// json.Decoder substitutes U+FFFD for ill-formed bytes instead of failing,
	// so the text has to be checked up front.
	if !utf8.Valid(raw) {
		return nil, fmt.Errorf("%w: input text", ErrInvalidUTF8)
	}
	if err := checkDuplicateKeys(raw); err != nil {
		return nil, err
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: transform failed: %w", err)
	}
	return out, nil
}

// TransformHash canonicalizes raw JSON text and returns its SHA-256 hex digest.
func TransformHash(raw []byte) (string, error) {
	b, err := Transform(raw)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// checkDuplicateKeys walks the token stream and fails on any object that
// repeats a member name at the same nesting level.
func checkDuplicateKeys(raw []byte) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := walkValue(dec); err != nil {
		return err
	}
	// Trailing garbage after the top-level value is malformed input.
	if _, err := dec.Token(); err != io.EOF {
		return fmt.Errorf("canonicalize: trailing data after JSON value")
	}
	return nil
}

func walkValue(dec *json.Decoder) error {
	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("canonicalize: malformed JSON: %w", err)
	}
	delim, ok := tok.(json.Delim)
	if !ok {
		return nil // scalar
	}
	switch delim {
	case '{':
		seen := make(map[string]struct{})
		for dec.More() {
			keyTok, err := dec.Token()
			if err != nil {
				return fmt.Errorf("canonicalize: malformed JSON: %w", err)
			}
			key := keyTok.(string)
			if _, dup := seen[key]; dup {
				return fmt.Errorf("%w: %q", ErrDuplicateKey, key)
			}
			seen[key] = struct{}{}
			if err := walkValue(dec); err != nil {
				return err
			}
		}
		_, err = dec.Token() // consume '}'
		return err
	case '[':
		for dec.More() {
			if err := walkValue(dec); err != nil {
				return err
			}
		}
		_, err = dec.Token() // consume ']'
		return err
	}
	return nil
}
