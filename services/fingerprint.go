package services

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// Canonicalize re-encodes a JSON document with sorted object keys and no insignificant
// whitespace. Numbers keep their original literal. Trailing data after the document is rejected.
func Canonicalize(raw []byte) ([]byte, error) {
	v, err := decode(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	// encoding/json sorts map keys, which is all the canonical form needs
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Fingerprint returns the 16 hex character content digest of canonical bytes.
func Fingerprint(canonical []byte) string {
	return fmt.Sprintf("%016x", xxhash.Sum64(canonical))
}
