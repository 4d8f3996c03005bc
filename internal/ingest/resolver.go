package ingest

import (
	"context"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// resolverCacheSize bounds the memoization cache; one entry per
// (thing, hour) pair seen during a cycle.
const resolverCacheSize = 10_000

// LocationLookup answers "where was this Thing at time t" from the stored
// interval chain.
type LocationLookup interface {
	ResolveLocation(ctx context.Context, thingID int64, at time.Time) (int64, bool, error)
}

type resolverKey struct {
	thingID int64
	hour    int64
}

type resolverHit struct {
	locationID int64
	found      bool
}

// Resolver memoizes interval lookups per (thing, hour). Resolution is strict:
// a time with no containing interval yields no location, and the miss is
// counted per Thing so callers can report skips in aggregate instead of per
// point.
type Resolver struct {
	lookup  LocationLookup
	cache   *ttlcache.Cache[resolverKey, resolverHit]
	skipped map[int64]int64
}

// NewResolver wraps a lookup with a capacity-bounded cache.
func NewResolver(lookup LocationLookup) *Resolver {
	return &Resolver{
		lookup: lookup,
		cache: ttlcache.New[resolverKey, resolverHit](
			ttlcache.WithCapacity[resolverKey, resolverHit](resolverCacheSize),
		),
		skipped: make(map[int64]int64),
	}
}

// Resolve returns the location of thingID at the given time, or found=false
// when no interval contains it. Misses are cached like hits.
func (r *Resolver) Resolve(ctx context.Context, thingID int64, at time.Time) (int64, bool, error) {
	key := resolverKey{thingID: thingID, hour: FloorHour(at).Unix()}
	if item := r.cache.Get(key); item != nil {
		hit := item.Value()
		return hit.locationID, hit.found, nil
	}

	locID, found, err := r.lookup.ResolveLocation(ctx, thingID, at)
	if err != nil {
		return 0, false, err
	}
	r.cache.Set(key, resolverHit{locationID: locID, found: found}, ttlcache.NoTTL)
	return locID, found, nil
}

// CountSkip records n unattributable points for a Thing.
func (r *Resolver) CountSkip(thingID int64, n int64) {
	r.skipped[thingID] += n
}

// Skipped returns the per-thing counts of points dropped for lack of a
// resolvable location.
func (r *Resolver) Skipped() map[int64]int64 {
	return r.skipped
}
