// Package registry coordinates per-identity wallet state. It owns one
// snapshot per identity and the single active identity, and on an identity
// switch fires a best-effort parallel preload of the new identity's data into
// the cache. Fetchers are injected; their transport is not this package's
// concern.
package registry

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	identitycache "github.com/walletkit/identity-cache"
	"github.com/walletkit/identity-cache/bench"
	"github.com/walletkit/identity-cache/history"
	"github.com/walletkit/identity-cache/perf"
	"github.com/walletkit/identity-cache/telemetry"
)

// DefaultStaleAfter is how long a READY snapshot is trusted before a switch
// back to its identity triggers a fresh preload.
const DefaultStaleAfter = 5 * time.Minute

// seedTransactions caps how many historical transactions a preload loads into
// a fresh snapshot.
const seedTransactions = 50

// ErrUnknownIdentity is returned for operations on an identity the registry
// has never observed.
var ErrUnknownIdentity = errors.New("registry: unknown identity")

// Cache is the surface the registry needs from the entry cache. Satisfied by
// both *cache.Cache[any] and *cache.Measured[any]; the server injects the
// measured wrapper so cache reads and writes count against their benchmarks.
type Cache interface {
	Get(ctx context.Context, key string) (any, bool)
	SetTTL(ctx context.Context, key string, value any, ttl time.Duration, tags ...string)
	InvalidateByTag(ctx context.Context, tag string) int
}

// Fetchers are the injected collaborators that load wallet data for an
// identity. All three are required.
type Fetchers struct {
	Balances    func(ctx context.Context, id identitycache.IdentityID) (identitycache.Balances, error)
	Permissions func(ctx context.Context, id identitycache.IdentityID) (identitycache.Permissions, error)
	Risk        func(ctx context.Context, id identitycache.IdentityID) (identitycache.RiskAssessment, error)
}

// identityState is the registry's internal record for one identity. version
// increments whenever a preload launches or the snapshot is independently
// refreshed; a completing preload applies its result only if the version it
// captured at launch is still current.
type identityState struct {
	snap    Snapshot
	version uint64
}

// Registry holds one snapshot per identity and the active identity pointer.
type Registry struct {
	mu        sync.Mutex
	states    map[identitycache.IdentityID]*identityState
	active    identitycache.IdentityID
	hasActive bool

	fetchers   Fetchers
	cache      Cache
	recorder   *perf.Recorder
	histStore  *history.Store
	staleAfter time.Duration
	now        func() time.Time
	logger     *slog.Logger
	tel        *telemetry.Telemetry

	preloads sync.WaitGroup
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithLogger sets the registry's logger.
func WithLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithClock overrides the time source. Used in tests.
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) {
		r.now = now
	}
}

// WithStaleAfter sets how long a READY snapshot stays fresh.
func WithStaleAfter(d time.Duration) RegistryOption {
	return func(r *Registry) {
		r.staleAfter = d
	}
}

// WithHistory attaches a persistent transaction history store. Preloads seed
// new snapshots from it and RecordTransaction appends to it.
func WithHistory(store *history.Store) RegistryOption {
	return func(r *Registry) {
		r.histStore = store
	}
}

// WithTelemetry attaches metrics instruments.
func WithTelemetry(tel *telemetry.Telemetry) RegistryOption {
	return func(r *Registry) {
		r.tel = tel
	}
}

// New builds a Registry around the injected fetchers, cache, and recorder.
func New(fetchers Fetchers, c Cache, recorder *perf.Recorder, opts ...RegistryOption) *Registry {
	r := &Registry{
		states:     make(map[identitycache.IdentityID]*identityState),
		fetchers:   fetchers,
		cache:      c,
		recorder:   recorder,
		staleAfter: DefaultStaleAfter,
		now:        time.Now,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetActive switches the active identity. A zero id clears the active
// identity. The switch itself is measured, the active pointer swaps before
// SetActive returns, and any preload for the new identity runs in the
// background. Preload failures never fail the switch.
func (r *Registry) SetActive(ctx context.Context, id identitycache.IdentityID, category identitycache.Category) error {
	return r.recorder.Track(ctx, bench.OpIdentitySwitch, "identity", func(ctx context.Context) error {
		r.mu.Lock()

		prev := r.active
		prevSet := r.hasActive
		if id.IsZero() {
			r.active = ""
			r.hasActive = false
			r.mu.Unlock()
			r.logger.Debug("cleared active identity", "previous", prev)
			return nil
		}

		r.active = id
		r.hasActive = true
		st := r.ensureLocked(id, category)

		launch := r.needsPreloadLocked(st)
		var version uint64
		if launch {
			st.version++
			version = st.version
			st.snap.State = StateLoading
			st.snap.Loading = true
		}
		r.mu.Unlock()

		if prevSet && prev != id {
			r.logger.Debug("switched active identity", "from", prev, "to", id)
		}

		if launch {
			r.preloads.Add(1)
			go r.preload(id, version)
		}
		return nil
	})
}

// Active returns the active identity id, if one is set.
func (r *Registry) Active() (identitycache.IdentityID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active, r.hasActive
}

// GetSnapshot returns a copy of the identity's snapshot.
func (r *Registry) GetSnapshot(id identitycache.IdentityID) (Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.states[id]
	if !ok {
		return Snapshot{}, false
	}
	return st.snap.clone(), true
}

// CachedBalances returns the identity's balances straight from the cache, if
// present and unexpired.
func (r *Registry) CachedBalances(ctx context.Context, id identitycache.IdentityID) (identitycache.Balances, bool) {
	return cachedAs[identitycache.Balances](ctx, r.cache, identitycache.BalancesKey(id))
}

// CachedPermissions returns the identity's permissions from the cache.
func (r *Registry) CachedPermissions(ctx context.Context, id identitycache.IdentityID) (identitycache.Permissions, bool) {
	return cachedAs[identitycache.Permissions](ctx, r.cache, identitycache.PermissionsKey(id))
}

// CachedRisk returns the identity's risk assessment from the cache.
func (r *Registry) CachedRisk(ctx context.Context, id identitycache.IdentityID) (identitycache.RiskAssessment, bool) {
	return cachedAs[identitycache.RiskAssessment](ctx, r.cache, identitycache.RiskKey(id))
}

func cachedAs[T any](ctx context.Context, c Cache, key string) (T, bool) {
	var zero T
	v, ok := c.Get(ctx, key)
	if !ok {
		return zero, false
	}
	t, ok := v.(T)
	if !ok {
		return zero, false
	}
	return t, true
}

// UpdateSnapshot merges the provided fields into the identity's snapshot.
// Unset fields keep their prior values; LastUpdated always refreshes. The
// update counts as an independent refresh, so any in-flight preload for the
// identity is discarded when it completes.
func (r *Registry) UpdateSnapshot(ctx context.Context, id identitycache.IdentityID, p Partial) error {
	return r.recorder.Track(ctx, bench.OpSnapshotUpdate, "registry", func(ctx context.Context) error {
		r.mu.Lock()
		defer r.mu.Unlock()

		st, ok := r.states[id]
		if !ok {
			return ErrUnknownIdentity
		}

		st.version++
		if p.Balances != nil {
			st.snap.Balances = p.Balances
		}
		if p.Permissions != nil {
			st.snap.Permissions = p.Permissions
		}
		if p.Risk != nil {
			st.snap.Risk = p.Risk
		}
		if p.External != nil {
			st.snap.External = p.External
		}
		if p.Error != nil {
			st.snap.Error = *p.Error
		}
		if st.snap.State == StateUnknown {
			st.snap.State = StateReady
		}
		st.snap.LastUpdated = r.now()
		return nil
	})
}

// Invalidate drops every cache entry tagged with the identity and marks its
// snapshot stale so the next switch to it preloads fresh data. Returns the
// number of cache entries removed.
func (r *Registry) Invalidate(ctx context.Context, id identitycache.IdentityID) int {
	removed := r.cache.InvalidateByTag(ctx, identitycache.IdentityTag(id))

	r.mu.Lock()
	if st, ok := r.states[id]; ok {
		st.version++
		st.snap.LastUpdated = time.Time{}
	}
	r.mu.Unlock()

	r.logger.Debug("invalidated identity", "identity", id, "entries", removed)
	return removed
}

// RecordTransaction appends a transaction to the identity's history and
// prepends it to the live snapshot. Duplicate transactions (same content
// already in the history store) return history.ErrDuplicate and leave the
// snapshot unchanged.
func (r *Registry) RecordTransaction(ctx context.Context, id identitycache.IdentityID, txn identitycache.Transaction) error {
	return r.recorder.Track(ctx, bench.OpHistoryAppend, "history", func(ctx context.Context) error {
		r.mu.Lock()
		_, known := r.states[id]
		r.mu.Unlock()
		if !known {
			return ErrUnknownIdentity
		}

		if r.histStore != nil {
			if err := r.histStore.Append(id, txn); err != nil {
				return err
			}
		}

		r.mu.Lock()
		defer r.mu.Unlock()

		st, ok := r.states[id]
		if !ok {
			return ErrUnknownIdentity
		}
		st.snap.Transactions = append([]identitycache.Transaction{txn}, st.snap.Transactions...)
		st.snap.LastUpdated = r.now()
		return nil
	})
}

// Wait blocks until all in-flight preloads have completed. Intended for
// tests and orderly shutdown.
func (r *Registry) Wait() {
	r.preloads.Wait()
}

// ensureLocked returns the identity's state, creating an UNKNOWN snapshot on
// first observation. Snapshots are never deleted once created.
func (r *Registry) ensureLocked(id identitycache.IdentityID, category identitycache.Category) *identityState {
	st, ok := r.states[id]
	if !ok {
		st = &identityState{
			snap: Snapshot{
				Identity: id,
				Category: category,
				State:    StateUnknown,
			},
		}
		r.states[id] = st
	}
	return st
}

func (r *Registry) needsPreloadLocked(st *identityState) bool {
	if st.snap.State != StateReady {
		return true
	}
	return r.now().Sub(st.snap.LastUpdated) > r.staleAfter
}

// preload fetches the identity's wallet data in parallel and applies it to
// the snapshot, unless a newer launch or refresh superseded this one while it
// was in flight. Runs detached from the request that triggered it.
func (r *Registry) preload(id identitycache.IdentityID, version uint64) {
	defer r.preloads.Done()

	ctx := context.Background()
	err := r.recorder.Track(ctx, bench.OpPreload, "identity", func(ctx context.Context) error {
		var (
			balances    *identitycache.Balances
			permissions *identitycache.Permissions
			risk        *identitycache.RiskAssessment
		)

		// errgroup.Group without a derived context: a failed fetch must not
		// cancel its siblings, the preload is best-effort per field.
		g := new(errgroup.Group)
		g.Go(func() error {
			return r.recorder.Track(ctx, bench.OpFetchBalances, "fetch", func(ctx context.Context) error {
				b, err := r.fetchers.Balances(ctx, id)
				if err != nil {
					return err
				}
				balances = &b
				r.cache.SetTTL(ctx, identitycache.BalancesKey(id), b, 0, identitycache.IdentityTag(id))
				return nil
			})
		})
		g.Go(func() error {
			return r.recorder.Track(ctx, bench.OpFetchPermissions, "fetch", func(ctx context.Context) error {
				p, err := r.fetchers.Permissions(ctx, id)
				if err != nil {
					return err
				}
				permissions = &p
				r.cache.SetTTL(ctx, identitycache.PermissionsKey(id), p, 0, identitycache.IdentityTag(id))
				return nil
			})
		})
		g.Go(func() error {
			return r.recorder.Track(ctx, bench.OpFetchRisk, "fetch", func(ctx context.Context) error {
				a, err := r.fetchers.Risk(ctx, id)
				if err != nil {
					return err
				}
				risk = &a
				r.cache.SetTTL(ctx, identitycache.RiskKey(id), a, 0, identitycache.IdentityTag(id))
				return nil
			})
		})
		fetchErr := g.Wait()

		var seeded []identitycache.Transaction
		if r.histStore != nil {
			var err error
			if seeded, err = r.histStore.Recent(id, seedTransactions); err != nil {
				r.logger.Warn("loading transaction history failed", "identity", id, "error", err)
			}
		}

		r.mu.Lock()
		defer r.mu.Unlock()

		st, ok := r.states[id]
		if !ok || st.version != version {
			// Superseded while in flight. A newer preload or refresh owns the
			// snapshot now, this result would overwrite fresher data.
			r.tel.RecordSnapshotResolution(ctx, false)
			r.logger.Debug("discarded stale preload", "identity", id, "version", version)
			return fetchErr
		}

		if balances != nil {
			st.snap.Balances = balances
		}
		if permissions != nil {
			st.snap.Permissions = permissions
		}
		if risk != nil {
			st.snap.Risk = risk
		}
		if len(st.snap.Transactions) == 0 && len(seeded) > 0 {
			st.snap.Transactions = seeded
		}
		st.snap.Loading = false
		if fetchErr != nil {
			st.snap.State = StateError
			st.snap.Error = fetchErr.Error()
		} else {
			st.snap.State = StateReady
			st.snap.Error = ""
			st.snap.LastUpdated = r.now()
		}
		r.tel.RecordSnapshotResolution(ctx, true)
		return fetchErr
	})
	if err != nil {
		// Best effort: the switch already succeeded, the snapshot carries the
		// error for callers that care.
		r.tel.RecordPreload(context.Background(), "error")
		r.logger.Warn("identity preload failed", "identity", id, "error", err)
		return
	}
	r.tel.RecordPreload(context.Background(), "ok")
}
