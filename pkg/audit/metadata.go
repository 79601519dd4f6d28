package audit

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/veggieshop/platform/pkg/tenant"
)

// Metadata is the canonical, line-oriented description of an audited action.
// Its ASCII rendering is the payload fed to the chained digest, so field
// order and formatting are fixed forever.
type Metadata struct {
	Schema        string
	Tenant        tenant.ID
	Action        string
	ResourceType  string
	ResourceID    string
	Actor         string
	OccurredAt    time.Time
	EntityVersion int64 // 0 means absent
	Roles         []string
	Risk          string
	TraceID       string
	CorrelationID string
	Client        string
	Reason        string
	Attributes    map[string]string
}

var (
	codePattern    = regexp.MustCompile(`^[A-Za-z0-9._:-]{2,80}$`)
	attrKeyPattern = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)
)

const (
	maxAttrKeyLen   = 40
	maxAttrValueLen = 120
	absent          = "-"
)

// Validate performs the single normalize-and-check pass done at boundary
// ingress; canonical rendering assumes it has passed.
func (m *Metadata) Validate() error {
	for name, v := range map[string]string{
		"schema":       m.Schema,
		"action":       m.Action,
		"resourceType": m.ResourceType,
		"resourceId":   m.ResourceID,
		"actor":        m.Actor,
		"risk":         m.Risk,
	} {
		if !codePattern.MatchString(v) {
			return fmt.Errorf("audit: field %s value %q is not a valid code", name, v)
		}
	}
	if m.Tenant.IsZero() {
		return fmt.Errorf("audit: tenant is required")
	}
	if m.OccurredAt.IsZero() {
		return fmt.Errorf("audit: occurredAt is required")
	}
	for _, r := range m.Roles {
		if !codePattern.MatchString(r) {
			return fmt.Errorf("audit: role %q is not a valid code", r)
		}
	}
	for k, v := range m.Attributes {
		if !attrKeyPattern.MatchString(k) || len(k) > maxAttrKeyLen {
			return fmt.Errorf("audit: attribute key %q must be lower-kebab-case (max %d)", k, maxAttrKeyLen)
		}
		if len(v) > maxAttrValueLen || !isASCII(v) || strings.ContainsAny(v, ";\n") {
			return fmt.Errorf("audit: attribute %q value must be ASCII (max %d, no ';')", k, maxAttrValueLen)
		}
	}
	return nil
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] > 0x7F {
			return false
		}
	}
	return true
}

// CanonicalLine renders the fixed-order ASCII representation used as the
// hash input. Optional fields render as "-".
func (m *Metadata) CanonicalLine() (string, error) {
	if err := m.Validate(); err != nil {
		return "", err
	}

	entityVersion := absent
	if m.EntityVersion > 0 {
		entityVersion = strconv.FormatInt(m.EntityVersion, 10)
	}

	roles := absent
	if len(m.Roles) > 0 {
		sorted := append([]string(nil), m.Roles...)
		sort.Strings(sorted)
		roles = strings.Join(sorted, ",")
	}

	attrs := absent
	if len(m.Attributes) > 0 {
		keys := make([]string, 0, len(m.Attributes))
		for k := range m.Attributes {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+"="+m.Attributes[k])
		}
		attrs = strings.Join(pairs, ";")
	}

	fields := []string{
		m.Schema,
		m.Tenant.String(),
		m.Action,
		m.ResourceType,
		m.ResourceID,
		m.Actor,
		strconv.FormatInt(m.OccurredAt.UnixMilli(), 10),
		entityVersion,
		roles,
		m.Risk,
		orAbsent(m.TraceID),
		orAbsent(m.CorrelationID),
		orAbsent(m.Client),
		orAbsent(m.Reason),
		attrs,
	}
	return strings.Join(fields, "\n"), nil
}

func orAbsent(s string) string {
	if s == "" {
		return absent
	}
	return s
}

// Digest hashes the canonical line, chained onto prev when non-nil.
func (m *Metadata) Digest(prev *Hash) (Hash, error) {
	line, err := m.CanonicalLine()
	if err != nil {
		return Hash{}, err
	}
	return ComputeChained(prev, []byte(line)), nil
}
