package registry

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	identitycache "github.com/walletkit/identity-cache"
	"github.com/walletkit/identity-cache/bench"
	"github.com/walletkit/identity-cache/cache"
	"github.com/walletkit/identity-cache/history"
	"github.com/walletkit/identity-cache/perf"
)

const (
	idA = identitycache.IdentityID("identity-a")
	idB = identitycache.IdentityID("identity-b")
)

func balancesOf(amount int64) identitycache.Balances {
	return identitycache.Balances{
		Assets: []identitycache.AssetBalance{{
			Symbol: "ETH",
			Amount: decimal.NewFromInt(amount),
		}},
	}
}

func okFetchers(amount int64) Fetchers {
	return Fetchers{
		Balances: func(ctx context.Context, id identitycache.IdentityID) (identitycache.Balances, error) {
			return balancesOf(amount), nil
		},
		Permissions: func(ctx context.Context, id identitycache.IdentityID) (identitycache.Permissions, error) {
			return identitycache.Permissions{CanSend: true, CanReceive: true}, nil
		},
		Risk: func(ctx context.Context, id identitycache.IdentityID) (identitycache.RiskAssessment, error) {
			return identitycache.RiskAssessment{Score: 0.1, Level: identitycache.RiskLow}, nil
		},
	}
}

func newTestRegistry(t *testing.T, fetchers Fetchers, opts ...RegistryOption) (*Registry, *cache.Cache[any]) {
	t.Helper()

	c := cache.New[any](cache.Config{})
	recorder := perf.New(bench.Default())
	return New(fetchers, c, recorder, opts...), c
}

func TestSetActiveSwapsImmediately(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	fetchers := okFetchers(100)
	fetchers.Balances = func(ctx context.Context, id identitycache.IdentityID) (identitycache.Balances, error) {
		close(started)
		<-release
		return balancesOf(100), nil
	}

	reg, _ := newTestRegistry(t, fetchers)

	require.NoError(t, reg.SetActive(context.Background(), idA, identitycache.CategoryStandard))

	// Active swapped before the preload finished.
	active, ok := reg.Active()
	require.True(t, ok)
	require.Equal(t, idA, active)

	<-started
	snap, ok := reg.GetSnapshot(idA)
	require.True(t, ok)
	require.Equal(t, StateLoading, snap.State)
	require.True(t, snap.Loading)

	close(release)
	reg.Wait()
}

func TestPreloadPopulatesSnapshotAndCache(t *testing.T) {
	reg, c := newTestRegistry(t, okFetchers(42))
	ctx := context.Background()

	require.NoError(t, reg.SetActive(ctx, idA, identitycache.CategoryStandard))
	reg.Wait()

	snap, ok := reg.GetSnapshot(idA)
	require.True(t, ok)
	require.Equal(t, StateReady, snap.State)
	require.False(t, snap.Loading)
	require.Empty(t, snap.Error)
	require.False(t, snap.LastUpdated.IsZero())
	require.NotNil(t, snap.Balances)
	require.True(t, decimal.NewFromInt(42).Equal(snap.Balances.Assets[0].Amount))
	require.NotNil(t, snap.Permissions)
	require.NotNil(t, snap.Risk)

	_, ok = c.Get(ctx, identitycache.BalancesKey(idA))
	require.True(t, ok)
	_, ok = c.Get(ctx, identitycache.PermissionsKey(idA))
	require.True(t, ok)
	_, ok = c.Get(ctx, identitycache.RiskKey(idA))
	require.True(t, ok)
}

func TestSetActiveZeroClearsActive(t *testing.T) {
	reg, _ := newTestRegistry(t, okFetchers(1))
	ctx := context.Background()

	require.NoError(t, reg.SetActive(ctx, idA, identitycache.CategoryStandard))
	require.NoError(t, reg.SetActive(ctx, "", identitycache.CategoryStandard))

	_, ok := reg.Active()
	require.False(t, ok)

	// The cleared identity's snapshot survives.
	reg.Wait()
	_, ok = reg.GetSnapshot(idA)
	require.True(t, ok)
}

func TestFreshSnapshotSkipsPreload(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	fetchers := okFetchers(1)
	base := fetchers.Balances
	fetchers.Balances = func(ctx context.Context, id identitycache.IdentityID) (identitycache.Balances, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		return base(ctx, id)
	}

	reg, _ := newTestRegistry(t, fetchers)
	ctx := context.Background()

	require.NoError(t, reg.SetActive(ctx, idA, identitycache.CategoryStandard))
	reg.Wait()

	require.NoError(t, reg.SetActive(ctx, idB, identitycache.CategoryStandard))
	reg.Wait()
	require.NoError(t, reg.SetActive(ctx, idA, identitycache.CategoryStandard))
	reg.Wait()

	mu.Lock()
	defer mu.Unlock()
	// One fetch per identity; the switch back to the fresh A did not refetch.
	require.Equal(t, 2, calls)
}

func TestPreloadFailureDoesNotFailSwitch(t *testing.T) {
	fetchers := okFetchers(1)
	fetchers.Risk = func(ctx context.Context, id identitycache.IdentityID) (identitycache.RiskAssessment, error) {
		return identitycache.RiskAssessment{}, errors.New("risk service down")
	}

	reg, _ := newTestRegistry(t, fetchers)
	ctx := context.Background()

	require.NoError(t, reg.SetActive(ctx, idA, identitycache.CategoryStandard))
	reg.Wait()

	snap, ok := reg.GetSnapshot(idA)
	require.True(t, ok)
	require.Equal(t, StateError, snap.State)
	require.False(t, snap.Loading)
	require.Contains(t, snap.Error, "risk service down")
	// The fields that did fetch still landed.
	require.NotNil(t, snap.Balances)
	require.NotNil(t, snap.Permissions)
	require.Nil(t, snap.Risk)
}

func TestErrorStateRetriesOnNextSwitch(t *testing.T) {
	var mu sync.Mutex
	fail := true
	fetchers := okFetchers(7)
	fetchers.Risk = func(ctx context.Context, id identitycache.IdentityID) (identitycache.RiskAssessment, error) {
		mu.Lock()
		defer mu.Unlock()
		if fail {
			return identitycache.RiskAssessment{}, errors.New("transient")
		}
		return identitycache.RiskAssessment{Score: 0.5, Level: identitycache.RiskMedium}, nil
	}

	reg, _ := newTestRegistry(t, fetchers)
	ctx := context.Background()

	require.NoError(t, reg.SetActive(ctx, idA, identitycache.CategoryStandard))
	reg.Wait()

	snap, _ := reg.GetSnapshot(idA)
	require.Equal(t, StateError, snap.State)

	mu.Lock()
	fail = false
	mu.Unlock()

	require.NoError(t, reg.SetActive(ctx, idA, identitycache.CategoryStandard))
	reg.Wait()

	snap, _ = reg.GetSnapshot(idA)
	require.Equal(t, StateReady, snap.State)
	require.Empty(t, snap.Error)
	require.NotNil(t, snap.Risk)
}

// Switching A -> B -> A before A's first preload completes must not let the
// stale first result overwrite the data fetched by the relaunched preload.
func TestStalePreloadDiscarded(t *testing.T) {
	var mu sync.Mutex
	aCalls := 0
	firstStarted := make(chan struct{})
	releaseFirst := make(chan struct{})

	fetchers := okFetchers(0)
	fetchers.Balances = func(ctx context.Context, id identitycache.IdentityID) (identitycache.Balances, error) {
		if id != idA {
			return balancesOf(500), nil
		}
		mu.Lock()
		aCalls++
		first := aCalls == 1
		mu.Unlock()
		if first {
			close(firstStarted)
			<-releaseFirst
			return balancesOf(111), nil // stale by the time it returns
		}
		return balancesOf(222), nil
	}

	reg, _ := newTestRegistry(t, fetchers)
	ctx := context.Background()

	require.NoError(t, reg.SetActive(ctx, idA, identitycache.CategoryStandard))
	<-firstStarted

	require.NoError(t, reg.SetActive(ctx, idB, identitycache.CategoryStandard))
	require.NoError(t, reg.SetActive(ctx, idA, identitycache.CategoryStandard))

	// Wait for the relaunched preload to land while the first is still gated.
	require.Eventually(t, func() bool {
		snap, ok := reg.GetSnapshot(idA)
		return ok && snap.State == StateReady
	}, 2*time.Second, 5*time.Millisecond)

	snap, _ := reg.GetSnapshot(idA)
	require.True(t, decimal.NewFromInt(222).Equal(snap.Balances.Assets[0].Amount))
	lastUpdated := snap.LastUpdated

	close(releaseFirst)
	reg.Wait()

	snap, _ = reg.GetSnapshot(idA)
	require.True(t, decimal.NewFromInt(222).Equal(snap.Balances.Assets[0].Amount),
		"stale preload result overwrote newer data")
	require.Equal(t, lastUpdated, snap.LastUpdated,
		"LastUpdated advanced from a discarded preload")
}

func TestUpdateSnapshotMergesFields(t *testing.T) {
	reg, _ := newTestRegistry(t, okFetchers(10))
	ctx := context.Background()

	require.NoError(t, reg.SetActive(ctx, idA, identitycache.CategoryStandard))
	reg.Wait()

	before, _ := reg.GetSnapshot(idA)

	newBalances := balancesOf(999)
	require.NoError(t, reg.UpdateSnapshot(ctx, idA, Partial{Balances: &newBalances}))

	snap, _ := reg.GetSnapshot(idA)
	require.True(t, decimal.NewFromInt(999).Equal(snap.Balances.Assets[0].Amount))
	// Unset fields keep their prior values.
	require.Equal(t, before.Permissions, snap.Permissions)
	require.Equal(t, before.Risk, snap.Risk)
	require.False(t, snap.LastUpdated.Before(before.LastUpdated))
}

func TestUpdateSnapshotUnknownIdentity(t *testing.T) {
	reg, _ := newTestRegistry(t, okFetchers(1))

	err := reg.UpdateSnapshot(context.Background(), idA, Partial{})
	require.ErrorIs(t, err, ErrUnknownIdentity)
}

func TestUpdateSnapshotSupersedesInFlightPreload(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	fetchers := okFetchers(0)
	fetchers.Balances = func(ctx context.Context, id identitycache.IdentityID) (identitycache.Balances, error) {
		close(started)
		<-release
		return balancesOf(111), nil
	}

	reg, _ := newTestRegistry(t, fetchers)
	ctx := context.Background()

	require.NoError(t, reg.SetActive(ctx, idA, identitycache.CategoryStandard))
	<-started

	manual := balancesOf(777)
	require.NoError(t, reg.UpdateSnapshot(ctx, idA, Partial{Balances: &manual}))

	close(release)
	reg.Wait()

	snap, _ := reg.GetSnapshot(idA)
	require.True(t, decimal.NewFromInt(777).Equal(snap.Balances.Assets[0].Amount),
		"in-flight preload overwrote an independent refresh")
}

func TestInvalidateDropsCacheEntriesAndMarksStale(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	fetchers := okFetchers(1)
	base := fetchers.Balances
	fetchers.Balances = func(ctx context.Context, id identitycache.IdentityID) (identitycache.Balances, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		return base(ctx, id)
	}

	reg, c := newTestRegistry(t, fetchers)
	ctx := context.Background()

	require.NoError(t, reg.SetActive(ctx, idA, identitycache.CategoryStandard))
	reg.Wait()

	removed := reg.Invalidate(ctx, idA)
	require.Equal(t, 3, removed)

	_, ok := c.Get(ctx, identitycache.BalancesKey(idA))
	require.False(t, ok)

	// The invalidated identity preloads again on its next activation.
	require.NoError(t, reg.SetActive(ctx, idA, identitycache.CategoryStandard))
	reg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 2, calls)
}

func TestGetSnapshotReturnsCopy(t *testing.T) {
	reg, _ := newTestRegistry(t, okFetchers(5))
	ctx := context.Background()

	require.NoError(t, reg.SetActive(ctx, idA, identitycache.CategoryStandard))
	reg.Wait()

	snap, _ := reg.GetSnapshot(idA)
	snap.Balances.Assets[0].Symbol = "MUTATED"
	snap.Error = "mutated"

	fresh, _ := reg.GetSnapshot(idA)
	require.Equal(t, "ETH", fresh.Balances.Assets[0].Symbol)
	require.Empty(t, fresh.Error)
}

func TestRecordTransaction(t *testing.T) {
	store, err := history.Open(filepath.Join(t.TempDir(), "history.db"), history.WithNoSync(true))
	require.NoError(t, err)
	defer store.Close()

	reg, _ := newTestRegistry(t, okFetchers(1), WithHistory(store))
	ctx := context.Background()

	require.NoError(t, reg.SetActive(ctx, idA, identitycache.CategoryStandard))
	reg.Wait()

	tx1 := identitycache.Transaction{ID: "tx-1", Kind: "send", Asset: "ETH", Amount: decimal.NewFromInt(10), Timestamp: time.Now().UTC()}
	tx2 := identitycache.Transaction{ID: "tx-2", Kind: "receive", Asset: "ETH", Amount: decimal.NewFromInt(20), Timestamp: time.Now().UTC()}

	require.NoError(t, reg.RecordTransaction(ctx, idA, tx1))
	require.NoError(t, reg.RecordTransaction(ctx, idA, tx2))

	snap, _ := reg.GetSnapshot(idA)
	require.Len(t, snap.Transactions, 2)
	require.Equal(t, "tx-2", snap.Transactions[0].ID) // newest first

	count, err := store.Count(idA)
	require.NoError(t, err)
	require.Equal(t, 2, count)

	// Duplicates are rejected and leave the snapshot unchanged.
	require.ErrorIs(t, reg.RecordTransaction(ctx, idA, tx1), history.ErrDuplicate)
	snap, _ = reg.GetSnapshot(idA)
	require.Len(t, snap.Transactions, 2)

	require.ErrorIs(t, reg.RecordTransaction(ctx, idB, tx1), ErrUnknownIdentity)
}

func TestPreloadSeedsTransactionsFromHistory(t *testing.T) {
	store, err := history.Open(filepath.Join(t.TempDir(), "history.db"), history.WithNoSync(true))
	require.NoError(t, err)
	defer store.Close()

	seeded := identitycache.Transaction{ID: "old-tx", Kind: "send", Asset: "BTC", Amount: decimal.NewFromInt(3), Timestamp: time.Now().UTC()}
	require.NoError(t, store.Append(idA, seeded))

	reg, _ := newTestRegistry(t, okFetchers(1), WithHistory(store))
	ctx := context.Background()

	require.NoError(t, reg.SetActive(ctx, idA, identitycache.CategoryStandard))
	reg.Wait()

	snap, _ := reg.GetSnapshot(idA)
	require.Len(t, snap.Transactions, 1)
	require.Equal(t, "old-tx", snap.Transactions[0].ID)
}

func TestMeasuredCacheCountsPreloadAndReads(t *testing.T) {
	recorder := perf.New(bench.Default())
	measured := cache.NewMeasured(cache.New[any](cache.Config{}), recorder)
	reg := New(okFetchers(7), measured, recorder)
	ctx := context.Background()

	_, ok := reg.CachedBalances(ctx, idA)
	require.False(t, ok)

	require.NoError(t, reg.SetActive(ctx, idA, identitycache.CategoryStandard))
	reg.Wait()

	balances, ok := reg.CachedBalances(ctx, idA)
	require.True(t, ok)
	require.Equal(t, balancesOf(7), balances)
	perms, ok := reg.CachedPermissions(ctx, idA)
	require.True(t, ok)
	require.True(t, perms.CanSend)
	risk, ok := reg.CachedRisk(ctx, idA)
	require.True(t, ok)
	require.Equal(t, identitycache.RiskLow, risk.Level)

	report := recorder.Report(time.Time{}, time.Time{})
	stats, ok := report.Categories["cache"]
	require.True(t, ok)
	// Three preload writes plus the four reads above.
	require.Equal(t, 3+4, stats.Count)
}
