package hashing

import (
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// CanonicalJSON returns the RFC 8785 canonical form of v.
//
// v is first serialized with encoding/json so struct tags are respected, then
// transformed by the JCS canonicalizer (sorted keys, no HTML escaping,
// shortest-form numbers).
func CanonicalJSON(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("hashing: pre-marshal failed: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("hashing: canonicalization failed: %w", err)
	}
	return canonical, nil
}

// CanonicalJSONDigest returns the digest of the canonical JSON form of v.
func CanonicalJSONDigest(alg Algorithm, v interface{}) ([]byte, error) {
	canonical, err := CanonicalJSON(v)
	if err != nil {
		return nil, err
	}
	return DigestBytes(alg, canonical)
}
