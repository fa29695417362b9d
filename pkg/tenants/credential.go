// Package tenants defines the tenant isolation boundary.
//
// Every event, receipt and blob carries exactly one tenant id; a credential is
// scoped to a set of tenants and nothing outside that set is reachable
// through it.
package tenants

import (
	"errors"
	"strings"
)

// Key prefixes distinguish live credentials from test credentials.
// Test-mode writes go through the full pipeline but are segregated
// server-side and carry no notarization guarantee.
const (
	LiveKeyPrefix = "sk_asn_live_"
	TestKeyPrefix = "sk_asn_test_"
)

// ErrEmptyAPIKey is returned when constructing a credential without a key.
var ErrEmptyAPIKey = errors.New("tenants: api key must be non-empty")

// Credential is an API key scoped to one or more tenants.
type Credential struct {
	APIKey  string
	tenants map[string]bool
}

// NewCredential builds a credential scoped to the given tenant ids.
func NewCredential(apiKey string, tenantIDs ...string) (Credential, error) {
	if apiKey == "" {
		return Credential{}, ErrEmptyAPIKey
	}
	scope := make(map[string]bool, len(tenantIDs))
	for _, id := range tenantIDs {
		scope[id] = true
	}
	return Credential{APIKey: apiKey, tenants: scope}, nil
}

// Authorizes reports whether the credential is scoped to tenantID.
func (c Credential) Authorizes(tenantID string) bool {
	return tenantID != "" && c.tenants[tenantID]
}

// TenantIDs returns the scoped tenant set (unordered).
func (c Credential) TenantIDs() []string {
	ids := make([]string, 0, len(c.tenants))
	for id := range c.tenants {
		ids = append(ids, id)
	}
	return ids
}

// IsTestMode reports whether the key is a test credential.
func (c Credential) IsTestMode() bool {
	return strings.HasPrefix(c.APIKey, TestKeyPrefix)
}
