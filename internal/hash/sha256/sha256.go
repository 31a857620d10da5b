// Package sha256 computes the content hashes that key the blob store.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
)

// DigestPrefix labels payload digests written to archival records.
const DigestPrefix = "sha256:"

// Hasher implements crawler.Hasher using SHA-256.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash returns the lowercase hex digest of data.
func (h *Hasher) Hash(data []byte) (string, error) {
	return Sum(data), nil
}

// Sum returns the lowercase hex digest of data.
func Sum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// SumReader streams r through SHA-256 and reports the bytes read.
func SumReader(r io.Reader) (string, int64, error) {
	h := sha256.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return "", n, fmt.Errorf("hash stream: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// Digest labels a hex content hash as a payload digest.
func Digest(hexHash string) string {
	return DigestPrefix + hexHash
}

// FromDigest strips the label from a payload digest.
func FromDigest(digest string) (string, bool) {
	return strings.CutPrefix(digest, DigestPrefix)
}
