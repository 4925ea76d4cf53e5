// Package canonicalize provides RFC 8785 (JSON Canonicalization Scheme)
// serialization and content digests. The event journal stores request and
// response digests computed here so that identical payloads always hash
// identically regardless of map iteration order.
package canonicalize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// Canonical returns the RFC 8785 canonical JSON encoding of v.
func Canonical(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: pre-marshal failed: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: transform failed: %w", err)
	}
	return out, nil
}

// Digest returns "sha256:<hex>" over the canonical encoding of v. A value
// that cannot be marshaled digests as the canonical null, so journaling
// never fails on exotic payloads.
func Digest(v any) string {
	data, err := Canonical(v)
	if err != nil {
		data = []byte("null")
	}
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}
