// Package canon produces the canonical JSON encoding kiln hashes: object keys are
// sorted, no insignificant whitespace is emitted, HTML characters are not escaped and
// numbers keep their literal representation. The encoding is stable across platforms
// and process runs.
package canon

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"golang.org/x/xerrors"
)

// Marshal returns the canonical JSON encoding of v
func Marshal(v interface{}) ([]byte, error) {
	raw, err := encode(v)
	if err != nil {
		return nil, err
	}

	// Round-trip through the generic representation so that struct field order
	// does not matter: maps are always encoded with sorted keys.
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic interface{}
	if err := dec.Decode(&generic); err != nil {
		return nil, xerrors.Errorf("cannot canonicalize: %w", err)
	}
	return encode(generic)
}

// SHA256 returns the hex-encoded SHA-256 of the canonical JSON encoding of v
func SHA256(v interface{}) (string, error) {
	fc, err := Marshal(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(fc)
	return hex.EncodeToString(sum[:]), nil
}

// Equal reports whether a and b have the same canonical encoding
func Equal(a, b interface{}) (bool, error) {
	ca, err := Marshal(a)
	if err != nil {
		return false, err
	}
	cb, err := Marshal(b)
	if err != nil {
		return false, err
	}
	return bytes.Equal(ca, cb), nil
}

func encode(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, xerrors.Errorf("cannot encode canonical JSON: %w", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}
