package bench

import (
	"time"

	identitycache "github.com/walletkit/identity-cache"
)

// Well-known operation names measured by the core.
const (
	OpIdentitySwitch   = "identity_switch"
	OpPreload          = "preload"
	OpCacheGet         = "cache_get"
	OpCacheSet         = "cache_set"
	OpFetchBalances    = "fetch_balances"
	OpFetchPermissions = "fetch_permissions"
	OpFetchRisk        = "fetch_risk"
	OpSnapshotUpdate   = "snapshot_update"
	OpHistoryAppend    = "history_append"
)

func defaultBenchmarks() []Benchmark {
	return []Benchmark{
		{Name: OpIdentitySwitch, Category: "identity", Expected: 200 * time.Millisecond, Warning: 500 * time.Millisecond, Critical: time.Second},
		{Name: OpPreload, Category: "identity", Expected: 400 * time.Millisecond, Warning: 1500 * time.Millisecond, Critical: 4 * time.Second},
		{Name: OpCacheGet, Category: "cache", Expected: time.Millisecond, Warning: 5 * time.Millisecond, Critical: 20 * time.Millisecond},
		{Name: OpCacheSet, Category: "cache", Expected: 2 * time.Millisecond, Warning: 10 * time.Millisecond, Critical: 50 * time.Millisecond},
		{Name: OpFetchBalances, Category: "fetch", Expected: 300 * time.Millisecond, Warning: time.Second, Critical: 3 * time.Second},
		{Name: OpFetchPermissions, Category: "fetch", Expected: 250 * time.Millisecond, Warning: time.Second, Critical: 3 * time.Second},
		{Name: OpFetchRisk, Category: "fetch", Expected: 500 * time.Millisecond, Warning: 1500 * time.Millisecond, Critical: 5 * time.Second},
		{Name: OpSnapshotUpdate, Category: "registry", Expected: time.Millisecond, Warning: 10 * time.Millisecond, Critical: 50 * time.Millisecond},
		{Name: OpHistoryAppend, Category: "history", Expected: 5 * time.Millisecond, Warning: 25 * time.Millisecond, Critical: 100 * time.Millisecond},
	}
}

// Governed identities carry extra permission checks, ephemeral and restricted
// identities have less data to move.
func defaultModifiers() map[identitycache.Category]float64 {
	return map[identitycache.Category]float64{
		identitycache.CategoryStandard:   1.0,
		identitycache.CategoryGoverned:   1.2,
		identitycache.CategoryRestricted: 0.9,
		identitycache.CategoryEphemeral:  0.9,
	}
}
