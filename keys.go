package identitycache

// Cache key layout.
//
// Every cached wallet sub-field lives under a key scoped to its identity, and
// every entry for an identity carries the identity tag so a single tag
// invalidation expires all of that identity's data.

const (
	balancesKeyPrefix    = "balances"
	permissionsKeyPrefix = "permissions"
	riskKeyPrefix        = "risk"
	externalKeyPrefix    = "external"
	identityTagPrefix    = "identity"
)

// BalancesKey returns the cache key for an identity's balances.
// Format: balances/{id}
func BalancesKey(id IdentityID) string {
	return balancesKeyPrefix + "/" + string(id)
}

// PermissionsKey returns the cache key for an identity's permissions.
// Format: permissions/{id}
func PermissionsKey(id IdentityID) string {
	return permissionsKeyPrefix + "/" + string(id)
}

// RiskKey returns the cache key for an identity's risk assessment.
// Format: risk/{id}
func RiskKey(id IdentityID) string {
	return riskKeyPrefix + "/" + string(id)
}

// ExternalWalletKey returns the cache key for an identity's external wallet
// link status. Format: external/{id}
func ExternalWalletKey(id IdentityID) string {
	return externalKeyPrefix + "/" + string(id)
}

// IdentityTag returns the cache tag grouping all entries for one identity.
// Format: identity:{id}
func IdentityTag(id IdentityID) string {
	return identityTagPrefix + ":" + string(id)
}
