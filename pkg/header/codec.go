// Package header implements the typed, binary-safe message-header codec
// shared by the producer, outbox, and consumer: canonical lower-kebab
// naming, bounded values, and fixed-width encodings for UUIDs, integers,
// and timestamps.
package header

import (
	"encoding/binary"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
)

// Headers is an ordered-insensitive set of raw header values keyed by
// canonical name.
type Headers map[string][]byte

// MaxValueBytes bounds individual header values.
const MaxValueBytes = 8 * 1024

var namePattern = regexp.MustCompile(`^[a-z0-9.\-]+$`)

// ValidName reports whether k is a canonical header name.
func ValidName(k string) bool {
	return k != "" && namePattern.MatchString(k)
}

// Set stores a raw value after validating the name and size bound.
func (h Headers) Set(k string, v []byte) error {
	if !ValidName(k) {
		return fmt.Errorf("header: invalid name %q", k)
	}
	if len(v) > MaxValueBytes {
		return fmt.Errorf("header: value for %q exceeds %d bytes", k, MaxValueBytes)
	}
	h[k] = v
	return nil
}

// SetIfAbsent stores v only when k is not already present.
func (h Headers) SetIfAbsent(k string, v []byte) error {
	if _, ok := h[k]; ok {
		return nil
	}
	return h.Set(k, v)
}

// Get returns the raw value for k.
func (h Headers) Get(k string) ([]byte, bool) {
	v, ok := h[k]
	return v, ok
}

// Clone deep-copies the header set.
func (h Headers) Clone() Headers {
	out := make(Headers, len(h))
	for k, v := range h {
		c := make([]byte, len(v))
		copy(c, v)
		out[k] = c
	}
	return out
}

// Typed codecs. All integers are big-endian; UUIDs are the 16 raw bytes;
// timestamps are int64 epoch milliseconds.

// SetString stores a UTF-8 string value.
func (h Headers) SetString(k, v string) error { return h.Set(k, []byte(v)) }

// GetString reads a UTF-8 string value.
func (h Headers) GetString(k string) (string, bool) {
	v, ok := h[k]
	if !ok {
		return "", false
	}
	return string(v), true
}

// SetUUID stores a UUID as 16 big-endian bytes.
func (h Headers) SetUUID(k string, id uuid.UUID) error {
	raw := make([]byte, 16)
	copy(raw, id[:])
	return h.Set(k, raw)
}

// GetUUID reads a 16-byte UUID value.
func (h Headers) GetUUID(k string) (uuid.UUID, error) {
	v, ok := h[k]
	if !ok {
		return uuid.Nil, fmt.Errorf("header: %q absent", k)
	}
	if len(v) != 16 {
		return uuid.Nil, fmt.Errorf("header: %q is %d bytes, want 16", k, len(v))
	}
	var id uuid.UUID
	copy(id[:], v)
	return id, nil
}

// SetInt32 stores a big-endian int32.
func (h Headers) SetInt32(k string, v int32) error {
	raw := make([]byte, 4)
	binary.BigEndian.PutUint32(raw, uint32(v)) //nolint:gosec // fixed-width two's complement encoding
	return h.Set(k, raw)
}

// GetInt32 reads a big-endian int32.
func (h Headers) GetInt32(k string) (int32, error) {
	v, ok := h[k]
	if !ok {
		return 0, fmt.Errorf("header: %q absent", k)
	}
	if len(v) != 4 {
		return 0, fmt.Errorf("header: %q is %d bytes, want 4", k, len(v))
	}
	return int32(binary.BigEndian.Uint32(v)), nil //nolint:gosec // fixed-width two's complement decoding
}

// SetInt64 stores a big-endian int64.
func (h Headers) SetInt64(k string, v int64) error {
	raw := make([]byte, 8)
	binary.BigEndian.PutUint64(raw, uint64(v)) //nolint:gosec // fixed-width two's complement encoding
	return h.Set(k, raw)
}

// GetInt64 reads a big-endian int64.
func (h Headers) GetInt64(k string) (int64, error) {
	v, ok := h[k]
	if !ok {
		return 0, fmt.Errorf("header: %q absent", k)
	}
	if len(v) != 8 {
		return 0, fmt.Errorf("header: %q is %d bytes, want 8", k, len(v))
	}
	return int64(binary.BigEndian.Uint64(v)), nil //nolint:gosec // fixed-width two's complement decoding
}

// SetTimestamp stores a timestamp as epoch milliseconds.
func (h Headers) SetTimestamp(k string, t time.Time) error {
	return h.SetInt64(k, t.UnixMilli())
}

// GetTimestamp reads an epoch-milliseconds timestamp.
func (h Headers) GetTimestamp(k string) (time.Time, error) {
	ms, err := h.GetInt64(k)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms).UTC(), nil
}
