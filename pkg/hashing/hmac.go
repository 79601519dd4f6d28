package hashing

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"hash"
)

// HmacAlgorithm identifies a supported MAC algorithm.
type HmacAlgorithm string

const (
	HmacSHA256 HmacAlgorithm = "HMAC-SHA256"
	HmacSHA512 HmacAlgorithm = "HMAC-SHA512"
)

func hmacHash(alg HmacAlgorithm) (func() hash.Hash, error) {
	switch alg {
	case HmacSHA256:
		return sha256.New, nil
	case HmacSHA512:
		return sha512.New, nil
	default:
		return nil, fmt.Errorf("hashing: unsupported hmac algorithm %q", alg)
	}
}

// Hmac computes the MAC of message under secret.
func Hmac(alg HmacAlgorithm, secret, message []byte) ([]byte, error) {
	fn, err := hmacHash(alg)
	if err != nil {
		return nil, err
	}
	mac := hmac.New(fn, secret)
	mac.Write(message)
	return mac.Sum(nil), nil
}

// VerifyHmac recomputes the MAC and compares in constant time.
func VerifyHmac(alg HmacAlgorithm, secret, message, expected []byte) (bool, error) {
	mac, err := Hmac(alg, secret, message)
	if err != nil {
		return false, err
	}
	return hmac.Equal(mac, expected), nil
}
