package hashing

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
)

// Frame encodes parts with a length prefix per part: [len(x)][x]... where
// len is a 4-byte big-endian uint32. Framing removes the concatenation
// ambiguity that would let ("ab","c") collide with ("a","bc").
func Frame(parts ...[]byte) []byte {
	size := 0
	for _, p := range parts {
		size += 4 + len(p)
	}
	out := make([]byte, 0, size)
	var lenBuf [4]byte
	for _, p := range parts {
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(p))) //nolint:gosec // header parts are size-bounded
		out = append(out, lenBuf[:]...)
		out = append(out, p...)
	}
	return out
}

// RequestHash computes the canonical hash of an HTTP request for idempotency
// comparison. Headers are reduced to a sorted JSON object so ordering and
// casing differences do not change the hash.
func RequestHash(method, path string, headers map[string]string, body []byte) (string, error) {
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	ordered := make(map[string]string, len(headers))
	for _, k := range keys {
		ordered[k] = headers[k]
	}
	headerJSON, err := json.Marshal(ordered)
	if err != nil {
		return "", fmt.Errorf("hashing: header serialization failed: %w", err)
	}

	framed := Frame([]byte(method), []byte(path), headerJSON, body)
	return Sha256Hex(framed), nil
}
