// Package audit provides the domain-separated chained digest primitive and
// the canonical metadata representation used as its input. Chained hashes
// let an audit trail prove that no entry was inserted, removed, or altered.
package audit

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/veggieshop/platform/pkg/hashing"
)

// DomainSeparator namespaces audit digests so they can never be confused
// with hashes computed for any other purpose.
const DomainSeparator = "veggieshop.audit.v1"

// Domain-separation markers distinguishing chained from standalone digests.
const (
	markerUnchained = 0x00
	markerChained   = 0x01
)

// Hash is an algorithm-tagged digest. The default algorithm is SHA-256.
type Hash struct {
	Algorithm string
	Bytes     []byte
}

const defaultAlgorithm = "sha256"

// Compute returns the unchained digest H(SEP || 0x00 || payload).
func Compute(payload []byte) Hash {
	h := sha256.New()
	h.Write([]byte(DomainSeparator))
	h.Write([]byte{markerUnchained})
	h.Write(payload)
	return Hash{Algorithm: defaultAlgorithm, Bytes: h.Sum(nil)}
}

// ComputeChained returns H(SEP || 0x01 || prev.Bytes || payload). A nil prev
// starts a new chain.
func ComputeChained(prev *Hash, payload []byte) Hash {
	h := sha256.New()
	h.Write([]byte(DomainSeparator))
	h.Write([]byte{markerChained})
	if prev != nil {
		h.Write(prev.Bytes)
	}
	h.Write(payload)
	return Hash{Algorithm: defaultAlgorithm, Bytes: h.Sum(nil)}
}

// Verify recomputes the unchained digest and compares in constant time.
func Verify(payload []byte, expected Hash) bool {
	got := Compute(payload)
	return got.Algorithm == expected.Algorithm &&
		hashing.ConstantTimeEqual(got.Bytes, expected.Bytes)
}

// VerifyChain recomputes the chained digest and compares in constant time.
func VerifyChain(prev *Hash, payload []byte, expected Hash) bool {
	got := ComputeChained(prev, payload)
	return got.Algorithm == expected.Algorithm &&
		hashing.ConstantTimeEqual(got.Bytes, expected.Bytes)
}

// String serializes as "<algo>:<base64url-nopad>".
func (h Hash) String() string {
	return h.Algorithm + ":" + base64.RawURLEncoding.EncodeToString(h.Bytes)
}

// Parse accepts "<algo>:<encoded>" where encoded is base64url (no padding)
// or hex; emission is always base64url.
func Parse(s string) (Hash, error) {
	algo, encoded, ok := strings.Cut(s, ":")
	if !ok {
		return Hash{}, fmt.Errorf("audit: hash %q missing algorithm separator", s)
	}
	algo = strings.ToLower(algo)
	if algo != defaultAlgorithm {
		return Hash{}, fmt.Errorf("audit: unsupported hash algorithm %q", algo)
	}
	if raw, err := base64.RawURLEncoding.DecodeString(encoded); err == nil {
		if len(raw) != sha256.Size {
			return Hash{}, fmt.Errorf("audit: sha256 digest must be %d bytes, got %d", sha256.Size, len(raw))
		}
		return Hash{Algorithm: algo, Bytes: raw}, nil
	}
	raw, err := hex.DecodeString(encoded)
	if err != nil {
		return Hash{}, fmt.Errorf("audit: digest is neither base64url nor hex: %w", err)
	}
	if len(raw) != sha256.Size {
		return Hash{}, fmt.Errorf("audit: sha256 digest must be %d bytes, got %d", sha256.Size, len(raw))
	}
	return Hash{Algorithm: algo, Bytes: raw}, nil
}
