package history

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	identitycache "github.com/walletkit/identity-cache"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	store, err := Open(filepath.Join(t.TempDir(), "history.db"), WithNoSync(true))
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, store.Close())
	})
	return store
}

func testTxn(id string, amount int64) identitycache.Transaction {
	return identitycache.Transaction{
		ID:        id,
		Kind:      "send",
		Asset:     "ETH",
		Amount:    decimal.NewFromInt(amount),
		Timestamp: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestStoreAppendAndRecent(t *testing.T) {
	store := newTestStore(t)
	id := identitycache.IdentityID("user-1")

	for i := 1; i <= 5; i++ {
		require.NoError(t, store.Append(id, testTxn(fmt.Sprintf("tx-%d", i), int64(i))))
	}

	recent, err := store.Recent(id, 3)
	require.NoError(t, err)
	require.Len(t, recent, 3)

	// Newest first.
	require.Equal(t, "tx-5", recent[0].ID)
	require.Equal(t, "tx-4", recent[1].ID)
	require.Equal(t, "tx-3", recent[2].ID)

	count, err := store.Count(id)
	require.NoError(t, err)
	require.Equal(t, 5, count)
}

func TestStoreRecentEmptyIdentity(t *testing.T) {
	store := newTestStore(t)

	recent, err := store.Recent(identitycache.IdentityID("nobody"), 10)
	require.NoError(t, err)
	require.Empty(t, recent)

	count, err := store.Count(identitycache.IdentityID("nobody"))
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestStoreDuplicateRejected(t *testing.T) {
	store := newTestStore(t)
	id := identitycache.IdentityID("user-1")

	txn := testTxn("tx-1", 100)
	require.NoError(t, store.Append(id, txn))
	require.ErrorIs(t, store.Append(id, txn), ErrDuplicate)

	count, err := store.Count(id)
	require.NoError(t, err)
	require.Equal(t, 1, count)

	// Same content under a different identity is not a duplicate.
	require.NoError(t, store.Append(identitycache.IdentityID("user-2"), txn))
}

func TestStoreIdentitiesIsolated(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.Append(identitycache.IdentityID("a"), testTxn("tx-a", 1)))
	require.NoError(t, store.Append(identitycache.IdentityID("b"), testTxn("tx-b", 2)))

	recent, err := store.Recent(identitycache.IdentityID("a"), 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	require.Equal(t, "tx-a", recent[0].ID)
}

func TestStorePrune(t *testing.T) {
	store := newTestStore(t)
	id := identitycache.IdentityID("user-1")

	for i := 1; i <= 10; i++ {
		require.NoError(t, store.Append(id, testTxn(fmt.Sprintf("tx-%d", i), int64(i))))
	}

	pruned, err := store.Prune(id, 3)
	require.NoError(t, err)
	require.Equal(t, 7, pruned)

	count, err := store.Count(id)
	require.NoError(t, err)
	require.Equal(t, 3, count)

	recent, err := store.Recent(id, 10)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	require.Equal(t, "tx-10", recent[0].ID)
	require.Equal(t, "tx-8", recent[2].ID)

	// Pruned content may be appended again.
	require.NoError(t, store.Append(id, testTxn("tx-1", 1)))
}

func TestStorePruneNoExcess(t *testing.T) {
	store := newTestStore(t)
	id := identitycache.IdentityID("user-1")

	require.NoError(t, store.Append(id, testTxn("tx-1", 1)))

	pruned, err := store.Prune(id, 5)
	require.NoError(t, err)
	require.Zero(t, pruned)
}

func TestStoreReopenPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	id := identitycache.IdentityID("user-1")

	store, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, store.Append(id, testTxn("tx-1", 1)))
	require.NoError(t, store.Close())

	store, err = Open(path)
	require.NoError(t, err)
	defer store.Close()

	recent, err := store.Recent(id, 1)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	require.Equal(t, "tx-1", recent[0].ID)
	require.True(t, decimal.NewFromInt(1).Equal(recent[0].Amount))
}
