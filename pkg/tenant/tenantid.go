// Package tenant provides the single source of truth for the active tenant:
// identifier validation, request-scoped propagation, and extraction from
// HTTP, JWT, and message carriers with precedence rules.
package tenant

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// ID is a validated, normalized tenant identifier. Lowercase ASCII letters,
// digits and single hyphens; length 3..63; no leading/trailing hyphen;
// no "--". Immutable once constructed.
type ID struct {
	value string
}

const (
	minLen = 3
	maxLen = 63
)

var idPattern = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)

// Parse trims, lowercases, and validates s.
func Parse(s string) (ID, error) {
	normalized := strings.ToLower(strings.TrimSpace(s))
	if len(normalized) < minLen || len(normalized) > maxLen {
		return ID{}, fmt.Errorf("tenant: id length must be %d..%d, got %d", minLen, maxLen, len(normalized))
	}
	if !idPattern.MatchString(normalized) {
		return ID{}, fmt.Errorf("tenant: id %q has invalid characters or hyphen placement", obfuscateRaw(normalized))
	}
	return ID{value: normalized}, nil
}

// MustParse panics on invalid input; for literals in tests and wiring.
func MustParse(s string) ID {
	id, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return id
}

// IsValid reports whether s parses to itself after trim+lowercase.
func IsValid(s string) bool {
	id, err := Parse(s)
	if err != nil {
		return false
	}
	return id.value == strings.ToLower(strings.TrimSpace(s))
}

// String returns the normalized identifier.
func (id ID) String() string { return id.value }

// IsZero reports whether the ID is the zero value.
func (id ID) IsZero() bool { return id.value == "" }

// Obfuscated returns a log-safe form retaining the first 3 and last 2 chars.
func (id ID) Obfuscated() string { return obfuscateRaw(id.value) }

func obfuscateRaw(s string) string {
	if len(s) <= 5 {
		return s
	}
	return s[:3] + "***" + s[len(s)-2:]
}

// Downstream naming conventions for per-tenant collaborator resources.

var resourcePattern = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)

// ResourceAlias returns the "tenant-{id}-{domain}" alias used by downstream
// stores and indices.
func ResourceAlias(id ID, domain string) (string, error) {
	if !resourcePattern.MatchString(domain) {
		return "", fmt.Errorf("tenant: invalid resource domain %q", domain)
	}
	return fmt.Sprintf("tenant-%s-%s", id.value, domain), nil
}

// FirstIndexName returns the initial physical index behind an alias.
func FirstIndexName(id ID, domain string) (string, error) {
	alias, err := ResourceAlias(id, domain)
	if err != nil {
		return "", err
	}
	return alias + "-000001", nil
}

// DatedIndexName returns the dated physical index behind an alias.
func DatedIndexName(id ID, domain string, day time.Time) (string, error) {
	alias, err := ResourceAlias(id, domain)
	if err != nil {
		return "", err
	}
	return alias + "-" + day.UTC().Format("2006.01.02"), nil
}
