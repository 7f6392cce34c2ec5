package locator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/najoast/orb/core"
)

// Stats counts resolver activity.
type Stats struct {
	Hits          uint64 `json:"hits"`
	Misses        uint64 `json:"misses"`
	Lookups       uint64 `json:"lookups"`
	Invalidations uint64 `json:"invalidations"`
	Entries       int    `json:"entries"`
}

// cacheEntry holds the endpoint sets of an adapter (exactly one set) or a
// replica group (one set per member).
type cacheEntry struct {
	sets [][]core.Endpoint
	at   time.Time
}

type objectEntry struct {
	ref core.Reference
	at  time.Time
}

// Resolver turns indirect references into direct ones. Results are cached
// per adapter id, replica group id and well-known identity; concurrent
// misses for the same key share one directory query.
type Resolver struct {
	dir      Directory
	logger   zerolog.Logger
	selector *Selector
	flight   singleflight.Group

	// cacheTimeout and lookupTimeout are time.Durations
	cacheTimeout  atomic.Int64
	lookupTimeout atomic.Int64

	mu       sync.RWMutex
	adapters map[string]cacheEntry
	objects  map[core.Identity]objectEntry

	hits          atomic.Uint64
	misses        atomic.Uint64
	lookups       atomic.Uint64
	invalidations atomic.Uint64

	now func() time.Time
}

// NewResolver creates a Resolver querying dir. cacheTimeout follows the
// reference convention: negative never expires, zero disables caching.
func NewResolver(dir Directory, cacheTimeout time.Duration, logger zerolog.Logger) *Resolver {
	r := &Resolver{
		dir:      dir,
		logger:   logger.With().Str("component", "locator").Logger(),
		selector: NewSelector(),
		adapters: make(map[string]cacheEntry),
		objects:  make(map[core.Identity]objectEntry),
		now:      time.Now,
	}
	r.SetCacheTimeout(cacheTimeout)
	return r
}

// CacheTimeout returns the default cache timeout.
func (r *Resolver) CacheTimeout() time.Duration {
	return time.Duration(r.cacheTimeout.Load())
}

// SetCacheTimeout replaces the default cache timeout.
func (r *Resolver) SetCacheTimeout(d time.Duration) {
	if d == core.CacheTimeoutDefault {
		d = core.CacheTimeoutNever
	}
	r.cacheTimeout.Store(int64(d))
}

// SetLookupTimeout bounds a shared directory query. A query runs detached
// from the callers waiting on it, so one caller leaving does not end it
// for the others; zero leaves it unbounded.
func (r *Resolver) SetLookupTimeout(d time.Duration) {
	r.lookupTimeout.Store(int64(d))
}

// Resolve returns a direct reference for ref. Direct references are
// returned unchanged. For a replica group the selection policy of ref
// picks one member per call.
func (r *Resolver) Resolve(ctx context.Context, ref core.Reference) (core.Reference, error) {
	all, err := r.ResolveAll(ctx, ref)
	if err != nil {
		return core.Reference{}, err
	}
	return all[0], nil
}

// ResolveAll returns one direct reference per candidate endpoint set,
// ordered by the selection policy of ref.
func (r *Resolver) ResolveAll(ctx context.Context, ref core.Reference) ([]core.Reference, error) {
	switch ref.Kind() {
	case core.RefDirect:
		return []core.Reference{ref}, nil

	case core.RefWellKnown:
		target, err := r.lookupObject(ctx, ref)
		if err != nil {
			return nil, err
		}
		if target.IsDirect() {
			direct, err := ref.WithEndpoints(target.Endpoints())
			if err != nil {
				return nil, err
			}
			return []core.Reference{direct}, nil
		}
		// Resolve the adapter or group the object lives in, keeping the
		// caller's identity, facet and policies.
		sets, err := r.lookupEndpoints(ctx, ref, keyOf(target))
		if err != nil {
			return nil, err
		}
		return r.order(ref, keyOf(target), sets)

	default:
		key := keyOf(ref)
		sets, err := r.lookupEndpoints(ctx, ref, key)
		if err != nil {
			return nil, err
		}
		return r.order(ref, key, sets)
	}
}

// Invalidate evicts what ref resolved through, so that the next
// resolution queries the directory again.
func (r *Resolver) Invalidate(ref core.Reference) {
	if ref.IsDirect() {
		return
	}
	r.invalidations.Add(1)

	r.mu.Lock()
	defer r.mu.Unlock()

	if ref.IsWellKnown() {
		if entry, ok := r.objects[ref.Identity()]; ok {
			delete(r.objects, ref.Identity())
			if entry.ref.IsIndirect() {
				delete(r.adapters, keyOf(entry.ref))
			}
		}
		return
	}
	delete(r.adapters, keyOf(ref))
}

// Clear empties the cache.
func (r *Resolver) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters = make(map[string]cacheEntry)
	r.objects = make(map[core.Identity]objectEntry)
}

// Stats returns a snapshot of the resolver counters.
func (r *Resolver) Stats() Stats {
	r.mu.RLock()
	entries := len(r.adapters) + len(r.objects)
	r.mu.RUnlock()

	return Stats{
		Hits:          r.hits.Load(),
		Misses:        r.misses.Load(),
		Lookups:       r.lookups.Load(),
		Invalidations: r.invalidations.Load(),
		Entries:       entries,
	}
}

func (r *Resolver) order(ref core.Reference, key string, sets [][]core.Endpoint) ([]core.Reference, error) {
	if len(sets) == 1 {
		// One adapter: the policy orders its endpoints.
		endpoints := make([]core.Endpoint, 0, len(sets[0]))
		for _, i := range r.selector.Order(ref.Selection(), key, len(sets[0])) {
			endpoints = append(endpoints, sets[0][i])
		}
		direct, err := ref.WithEndpoints(endpoints)
		if err != nil {
			return nil, err
		}
		return []core.Reference{direct}, nil
	}

	out := make([]core.Reference, 0, len(sets))
	for _, i := range r.selector.Order(ref.Selection(), key, len(sets)) {
		direct, err := ref.WithEndpoints(sets[i])
		if err != nil {
			return nil, err
		}
		out = append(out, direct)
	}
	return out, nil
}

func (r *Resolver) timeoutFor(ref core.Reference) time.Duration {
	if d := ref.LocatorCacheTimeout(); d != core.CacheTimeoutDefault {
		return d
	}
	return r.CacheTimeout()
}

func (r *Resolver) fresh(at time.Time, ttl time.Duration) bool {
	switch {
	case ttl == 0:
		return false
	case ttl < 0:
		return true
	default:
		return r.now().Sub(at) < ttl
	}
}

func (r *Resolver) lookupEndpoints(ctx context.Context, ref core.Reference, key string) ([][]core.Endpoint, error) {
	ttl := r.timeoutFor(ref)

	r.mu.RLock()
	entry, ok := r.adapters[key]
	r.mu.RUnlock()
	if ok && r.fresh(entry.at, ttl) {
		r.hits.Add(1)
		return entry.sets, nil
	}
	r.misses.Add(1)

	v, err := r.share(ctx, key, func(ctx context.Context) (any, error) {
		r.lookups.Add(1)
		sets, err := r.queryEndpoints(ctx, key)
		if err != nil {
			r.mu.Lock()
			delete(r.adapters, key)
			r.mu.Unlock()
			return nil, err
		}

		r.mu.Lock()
		r.adapters[key] = cacheEntry{sets: sets, at: r.now()}
		r.mu.Unlock()
		return sets, nil
	})
	if err != nil {
		return nil, r.mapError(ref, key, err)
	}
	return v.([][]core.Endpoint), nil
}

func (r *Resolver) queryEndpoints(ctx context.Context, key string) ([][]core.Endpoint, error) {
	kind, id := splitKey(key)
	if kind == core.RefIndirectGroup {
		sets, err := r.dir.FindReplicaGroupByID(ctx, id)
		if err != nil {
			return nil, err
		}
		var nonEmpty [][]core.Endpoint
		for _, set := range sets {
			if len(set) > 0 {
				nonEmpty = append(nonEmpty, set)
			}
		}
		if len(nonEmpty) == 0 {
			return nil, fmt.Errorf("%w: %s has no registered members", ErrReplicaGroupNotFound, id)
		}
		return nonEmpty, nil
	}

	endpoints, err := r.dir.FindAdapterByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("%w: %s has no endpoints", ErrAdapterNotFound, id)
	}
	return [][]core.Endpoint{endpoints}, nil
}

func (r *Resolver) lookupObject(ctx context.Context, ref core.Reference) (core.Reference, error) {
	id := ref.Identity()
	ttl := r.timeoutFor(ref)

	r.mu.RLock()
	entry, ok := r.objects[id]
	r.mu.RUnlock()
	if ok && r.fresh(entry.at, ttl) {
		r.hits.Add(1)
		return entry.ref, nil
	}
	r.misses.Add(1)

	key := "o:" + id.String()
	v, err := r.share(ctx, key, func(ctx context.Context) (any, error) {
		r.lookups.Add(1)
		target, err := r.dir.FindObjectByID(ctx, id)
		if err != nil {
			r.mu.Lock()
			delete(r.objects, id)
			r.mu.Unlock()
			return nil, err
		}
		if target.IsWellKnown() {
			return nil, fmt.Errorf("%w: directory returned well-known reference for %s", ErrObjectNotFound, id)
		}

		r.mu.Lock()
		r.objects[id] = objectEntry{ref: target, at: r.now()}
		r.mu.Unlock()
		return target, nil
	})
	if err != nil {
		return core.Reference{}, r.mapError(ref, key, err)
	}
	return v.(core.Reference), nil
}

// share runs query once for all concurrent callers of key. Each caller
// waits until the query ends or its own ctx is done.
func (r *Resolver) share(ctx context.Context, key string, query func(context.Context) (any, error)) (any, error) {
	detached := context.WithoutCancel(ctx)
	ch := r.flight.DoChan(key, func() (any, error) {
		qctx := detached
		if d := time.Duration(r.lookupTimeout.Load()); d > 0 {
			var cancel context.CancelFunc
			qctx, cancel = context.WithTimeout(detached, d)
			defer cancel()
		}
		return query(qctx)
	})

	select {
	case res := <-ch:
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// mapError turns directory not-found results into ObjectNotExist and
// leaves core errors from the directory transport untouched.
func (r *Resolver) mapError(ref core.Reference, key string, err error) error {
	if IsNotFound(err) {
		r.logger.Debug().Str("key", key).Str("proxy", ref.String()).Err(err).Msg("directory lookup found nothing")
		return &core.Error{Kind: core.KindObjectNotExist, ID: ref.Identity().String(), Facet: ref.Facet(), Err: err}
	}
	var coreErr *core.Error
	if errors.As(err, &coreErr) {
		return err
	}
	if kind := core.KindOf(err); kind == core.KindInvocationCanceled || kind == core.KindInvocationTimeout {
		return core.WrapError(kind, err)
	}
	r.logger.Warn().Str("key", key).Err(err).Msg("directory lookup failed")
	return &core.Error{Kind: core.KindUnknown, ID: key, Err: fmt.Errorf("locator: %w", err)}
}

func keyOf(ref core.Reference) string {
	if ref.Kind() == core.RefIndirectGroup {
		return "g:" + ref.ReplicaGroupID()
	}
	return "a:" + ref.AdapterID()
}

func splitKey(key string) (core.ReferenceKind, string) {
	if key[0] == 'g' {
		return core.RefIndirectGroup, key[2:]
	}
	return core.RefIndirectAdapter, key[2:]
}
