// Package sha256 provides the content digest used for recrawl dedup.
package sha256

import (
	"crypto/sha256"
	"encoding/base32"
)

// Prefix labels digests produced by this hasher.
const Prefix = "sha256:"

// Hasher implements crawler.Hasher using SHA-256. Digests are rendered as
// "sha256:" followed by unpadded base32, the form written to the history log.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash hashes the input and returns a labeled base32 digest.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return Prefix + base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(sum[:]), nil
}
