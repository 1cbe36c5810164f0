// Package md5 provides the content digest used for change detection.
package md5

import (
	"crypto/md5" //nolint:gosec
	"encoding/hex"
)

// Hasher implements monitor.Hasher using MD5.
type Hasher struct{}

// New returns an MD5 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash returns the hex digest of data.
func (h *Hasher) Hash(data []byte) (string, error) {
	return Sum(string(data)), nil
}

// Sum returns the hex MD5 digest of s.
func Sum(s string) string {
	sum := md5.Sum([]byte(s)) //nolint:gosec
	return hex.EncodeToString(sum[:])
}
