// Package identitycache provides the shared types for the multi-identity
// wallet cache: identity identifiers and categories, the wallet data model,
// and the cache key layout used by the registry and cache packages.
package identitycache

import (
	"fmt"
	"strings"
)

// IdentityID uniquely identifies one cryptographic identity.
type IdentityID string

// String returns the identity id as a plain string.
func (id IdentityID) String() string {
	return string(id)
}

// IsZero returns true if the identity id is empty.
func (id IdentityID) IsZero() bool {
	return id == ""
}

// Category classifies an identity for benchmark and policy purposes.
type Category string

const (
	// CategoryStandard is a regular user-controlled identity.
	CategoryStandard Category = "standard"

	// CategoryGoverned is an identity subject to governance rules; operations
	// on it are expected to be slower (extra permission checks).
	CategoryGoverned Category = "governed"

	// CategoryRestricted is a limited-capability identity.
	CategoryRestricted Category = "restricted"

	// CategoryEphemeral is a short-lived throwaway identity.
	CategoryEphemeral Category = "ephemeral"
)

// Valid returns true if the category is one of the known values.
func (c Category) Valid() bool {
	switch c {
	case CategoryStandard, CategoryGoverned, CategoryRestricted, CategoryEphemeral:
		return true
	}
	return false
}

// ParseCategory parses a category string, case-insensitively.
func ParseCategory(s string) (Category, error) {
	c := Category(strings.ToLower(s))
	if !c.Valid() {
		return "", fmt.Errorf("unknown identity category %q", s)
	}
	return c, nil
}
