// Package hashing provides the deterministic digest primitives shared by the
// platform core: SHA-2 digests over bytes, NFKC-normalized strings and
// streams, HMAC computation, canonical-JSON digests, length-prefixed framing
// for request hashes, and constant-time comparison.
package hashing

import (
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"hash"
	"io"

	"golang.org/x/text/unicode/norm"
)

// Algorithm identifies a supported digest algorithm.
type Algorithm string

const (
	SHA256 Algorithm = "sha256"
	SHA512 Algorithm = "sha512"
)

// newHash returns a fresh hash.Hash for the algorithm.
func newHash(alg Algorithm) (hash.Hash, error) {
	switch alg {
	case SHA256:
		return sha256.New(), nil
	case SHA512:
		return sha512.New(), nil
	default:
		return nil, fmt.Errorf("hashing: unsupported algorithm %q", alg)
	}
}

// DigestBytes computes the digest of raw bytes.
func DigestBytes(alg Algorithm, data []byte) ([]byte, error) {
	h, err := newHash(alg)
	if err != nil {
		return nil, err
	}
	h.Write(data)
	return h.Sum(nil), nil
}

// DigestString computes the digest of a string after NFKC normalization.
// Normalizing first keeps visually-identical inputs from producing distinct
// request hashes.
func DigestString(alg Algorithm, s string) ([]byte, error) {
	return DigestBytes(alg, []byte(norm.NFKC.String(s)))
}

// DigestStream computes the digest of everything readable from r.
func DigestStream(alg Algorithm, r io.Reader) ([]byte, error) {
	h, err := newHash(alg)
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(h, r); err != nil {
		return nil, fmt.Errorf("hashing: stream digest failed: %w", err)
	}
	return h.Sum(nil), nil
}

// Sha256Hex is a convenience wrapper returning the hex form.
func Sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ConstantTimeEqual reports whether a and b are equal without leaking the
// position of the first differing byte.
func ConstantTimeEqual(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}
