package hashing

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// Fingerprint is a parsed "scheme:hex" digest reference, e.g. a schema
// fingerprint carried in message headers.
type Fingerprint struct {
	Scheme string
	Bytes  []byte
}

// expected digest lengths per scheme, in bytes
var fingerprintSizes = map[string]int{
	"sha256": 32,
	"sha512": 64,
}

// ParseFingerprint parses and validates a "scheme:hex" string.
func ParseFingerprint(s string) (*Fingerprint, error) {
	scheme, hexPart, ok := strings.Cut(s, ":")
	if !ok {
		return nil, fmt.Errorf("hashing: fingerprint %q missing scheme separator", s)
	}
	scheme = strings.ToLower(scheme)
	want, known := fingerprintSizes[scheme]
	if !known {
		return nil, fmt.Errorf("hashing: unknown fingerprint scheme %q", scheme)
	}
	raw, err := hex.DecodeString(hexPart)
	if err != nil {
		return nil, fmt.Errorf("hashing: fingerprint hex invalid: %w", err)
	}
	if len(raw) != want {
		return nil, fmt.Errorf("hashing: fingerprint for %s must be %d bytes, got %d", scheme, want, len(raw))
	}
	return &Fingerprint{Scheme: scheme, Bytes: raw}, nil
}

// String renders the canonical "scheme:hex" form.
func (f *Fingerprint) String() string {
	return f.Scheme + ":" + hex.EncodeToString(f.Bytes)
}
