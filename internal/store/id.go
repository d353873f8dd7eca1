package store

import (
	"crypto/rand"
	"encoding/hex"
)

// newID returns a random 12-hex-char identity. Collisions are
// astronomically unlikely (48 bits of entropy) but callers retry on a
// uniqueness-constraint violation rather than trust the first draw
// (spec §9).
func newID() (string, error) {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
