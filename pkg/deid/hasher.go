// Package deid implements the de-identification core: a secret-keyed one-way
// hasher for identifying values and a recipe-driven tag transformation
// engine. Transformation is a pure function of recipe and input tags, so it
// is safe to share a Deider across workers.
package deid

import (
	"crypto/sha512"
	"encoding/hex"
)

// HashLength is the length of every non-empty pseudonymous identifier:
// SHA-512/256 rendered as lowercase hex. The fixed length and character set
// make the output safe both as a path component and as a queryable key.
const HashLength = 64

// Hasher derives pseudonymous identifiers from identifying values. The same
// secret and value always produce the same output, and the output cannot be
// inverted without the secret.
type Hasher struct {
	secret string
}

// NewHasher creates a Hasher keyed with the given secret. The secret is held
// in memory only; it must never be logged or persisted by callers.
func NewHasher(secret string) *Hasher {
	return &Hasher{secret: secret}
}

// Hash maps value to its pseudonymous form. Empty input maps to empty
// output: not every record carries every identifying field, and a missing
// value must not fail the whole record.
func (h *Hasher) Hash(value string) string {
	if value == "" {
		return ""
	}
	sum := sha512.Sum512_256([]byte(h.secret + value))
	return hex.EncodeToString(sum[:])
}
