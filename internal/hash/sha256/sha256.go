// Package sha256 digests JSON documents in their RFC 8785 canonical form so
// equal content hashes equally regardless of key order or whitespace.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// Hasher produces hex SHA-256 digests.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash hashes raw bytes.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// HashJSON canonicalizes a JSON document before hashing it.
func (h *Hasher) HashJSON(data []byte) (string, error) {
	canonical, err := jcs.Transform(data)
	if err != nil {
		return "", fmt.Errorf("canonicalize json: %w", err)
	}
	return h.Hash(canonical)
}

// HashValue marshals v and hashes its canonical form.
func (h *Hasher) HashValue(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal value: %w", err)
	}
	return h.HashJSON(data)
}
