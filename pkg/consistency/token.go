package consistency

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/hkdf"

	"github.com/veggieshop/platform/pkg/hashing"
	"github.com/veggieshop/platform/pkg/tenant"
)

// Token binds a tenant to an observed watermark. Serialized compactly and
// signed; opaque to clients.
type Token struct {
	Tenant        tenant.ID
	IssuedAtMs    int64
	WatermarkMs   int64
	EntityVersion int64 // 0 means absent
}

// wireToken is the versioned container on the wire.
type wireToken struct {
	V     int    `json:"v"`
	Ten   string `json:"tenant"`
	IatMs int64  `json:"iat_ms"`
	WmMs  int64  `json:"wm_ms"`
	Ev    int64  `json:"ev,omitempty"`
	Kid   string `json:"kid"`
	Sig   string `json:"sig"`
}

const tokenVersion = 1

// Signer produces and verifies token signatures. Key management is the
// caller's concern; the engine only needs the active key id.
type Signer interface {
	KeyID() string
	Sign(data []byte) ([]byte, error)
	// Verify checks sig over data under the named key; unknown kids fail.
	Verify(kid string, data, sig []byte) (bool, error)
}

// HkdfSigner derives per-key-id HMAC subkeys from a master secret, so key
// rotation is a matter of changing the active kid.
type HkdfSigner struct {
	master []byte
	kid    string
}

// NewHkdfSigner creates a signer with the given master secret and active kid.
func NewHkdfSigner(master []byte, kid string) (*HkdfSigner, error) {
	if len(master) < 16 {
		return nil, fmt.Errorf("consistency: master secret must be at least 16 bytes")
	}
	if kid == "" {
		return nil, fmt.Errorf("consistency: key id is required")
	}
	return &HkdfSigner{master: master, kid: kid}, nil
}

// KeyID returns the active key id.
func (s *HkdfSigner) KeyID() string { return s.kid }

func (s *HkdfSigner) subkey(kid string) ([]byte, error) {
	r := hkdf.New(sha256.New, s.master, nil, []byte("veggieshop.consistency.v1:"+kid))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("consistency: subkey derivation failed: %w", err)
	}
	return key, nil
}

// Sign signs under the active key.
func (s *HkdfSigner) Sign(data []byte) ([]byte, error) {
	key, err := s.subkey(s.kid)
	if err != nil {
		return nil, err
	}
	return hashing.Hmac(hashing.HmacSHA256, key, data)
}

// Verify verifies under the named key.
func (s *HkdfSigner) Verify(kid string, data, sig []byte) (bool, error) {
	key, err := s.subkey(kid)
	if err != nil {
		return false, err
	}
	return hashing.VerifyHmac(hashing.HmacSHA256, key, data, sig)
}

// signingInput is the byte string covered by the signature: framed so no two
// field combinations collide.
func signingInput(w wireToken) []byte {
	return hashing.Frame(
		[]byte{byte(w.V)},
		[]byte(w.Ten),
		[]byte(fmt.Sprintf("%d", w.IatMs)),
		[]byte(fmt.Sprintf("%d", w.WmMs)),
		[]byte(fmt.Sprintf("%d", w.Ev)),
		[]byte(w.Kid),
	)
}

// Encode signs and serializes the token as base64url-nopad.
func Encode(t Token, signer Signer) (string, error) {
	w := wireToken{
		V:     tokenVersion,
		Ten:   t.Tenant.String(),
		IatMs: t.IssuedAtMs,
		WmMs:  t.WatermarkMs,
		Ev:    t.EntityVersion,
		Kid:   signer.KeyID(),
	}
	sig, err := signer.Sign(signingInput(w))
	if err != nil {
		return "", fmt.Errorf("consistency: token signing failed: %w", err)
	}
	w.Sig = base64.RawURLEncoding.EncodeToString(sig)
	raw, err := json.Marshal(w)
	if err != nil {
		return "", fmt.Errorf("consistency: token serialization failed: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// Decode parses and signature-checks an encoded token. Callers still apply
// tenant and TTL validation via VerifyFor.
func Decode(encoded string, signer Signer) (Token, error) {
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return Token{}, fmt.Errorf("consistency: token is not base64url: %w", err)
	}
	var w wireToken
	if err := json.Unmarshal(raw, &w); err != nil {
		return Token{}, fmt.Errorf("consistency: token container invalid: %w", err)
	}
	if w.V != tokenVersion {
		return Token{}, fmt.Errorf("consistency: unsupported token version %d", w.V)
	}
	sig, err := base64.RawURLEncoding.DecodeString(w.Sig)
	if err != nil {
		return Token{}, fmt.Errorf("consistency: signature is not base64url: %w", err)
	}
	ok, err := signer.Verify(w.Kid, signingInput(w), sig)
	if err != nil {
		return Token{}, err
	}
	if !ok {
		return Token{}, fmt.Errorf("consistency: token signature mismatch")
	}
	id, err := tenant.Parse(w.Ten)
	if err != nil {
		return Token{}, fmt.Errorf("consistency: token tenant invalid: %w", err)
	}
	return Token{
		Tenant:        id,
		IssuedAtMs:    w.IatMs,
		WatermarkMs:   w.WmMs,
		EntityVersion: w.Ev,
	}, nil
}

// VerifyFor checks that the token belongs to id and is fresh within
// ttl + clockSkew at now.
func (t Token) VerifyFor(id tenant.ID, now time.Time, ttl, clockSkew time.Duration) bool {
	if t.Tenant != id {
		return false
	}
	age := now.Sub(time.UnixMilli(t.IssuedAtMs))
	return age <= ttl+clockSkew
}
