// Package canonical produces deterministic JSON encodings and SHA-256 digests.
//
// Object keys are sorted recursively, array order is preserved and numbers keep
// their original textual form. Two structurally equal values always produce the
// same canonical string, whatever the key order of the input.
package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// Canonicalize returns the canonical JSON encoding of v.
func Canonicalize(v interface{}) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("canonical: marshal failed: %w", err)
	}
	return CanonicalizeJSON(raw)
}

// CanonicalizeJSON re-encodes an existing JSON document canonically.
func CanonicalizeJSON(raw []byte) (string, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var generic interface{}
	if err := dec.Decode(&generic); err != nil {
		return "", fmt.Errorf("canonical: decode failed: %w", err)
	}
	if dec.More() {
		return "", fmt.Errorf("canonical: trailing data after JSON value")
	}

	var buf bytes.Buffer
	if err := encode(&buf, generic); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// Hash returns the lowercase hex SHA-256 digest of s.
func Hash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// HashValue canonicalizes v and hashes the result.
func HashValue(v interface{}) (string, error) {
	c, err := Canonicalize(v)
	if err != nil {
		return "", err
	}
	return Hash(c), nil
}

// HashJSON canonicalizes a raw JSON document and hashes the result.
func HashJSON(raw []byte) (string, error) {
	c, err := CanonicalizeJSON(raw)
	if err != nil {
		return "", err
	}
	return Hash(c), nil
}

func encode(buf *bytes.Buffer, v interface{}) error {
	switch t := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeScalar(buf, k); err != nil {
				return err
			}
			buf.WriteByte(':')
			if err := encode(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil

	case []interface{}:
		buf.WriteByte('[')
		for i, elem := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encode(buf, elem); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil

	default:
		return encodeScalar(buf, t)
	}
}

// encodeScalar writes strings, numbers, booleans and null without HTML escaping.
func encodeScalar(buf *bytes.Buffer, v interface{}) error {
	var tmp bytes.Buffer
	enc := json.NewEncoder(&tmp)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("canonical: encode scalar failed: %w", err)
	}
	// Encoder appends a newline.
	buf.Write(bytes.TrimRight(tmp.Bytes(), "\n"))
	return nil
}
