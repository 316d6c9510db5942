package routing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mmcloughlin/geohash"
	"github.com/rs/zerolog"
)

const (
	// DefaultCacheTTL is how long a provider route is served from the cache.
	DefaultCacheTTL = 10 * time.Minute

	cacheQueryTimeout = 5 * time.Second

	// geohashPrecision 7 is a cell of roughly 150 m, finer than the spacing
	// between consecutive route points.
	geohashPrecision = 7
)

// Route cache lookup outcomes reported to a CacheRecorder.
const (
	CacheHit    = "hit"
	CacheMiss   = "miss"
	CacheShared = "shared"
	CacheError  = "error"
)

// RouteKey identifies a cached route by the geohash cells of its endpoints.
type RouteKey struct {
	Origin string
	Dest   string
}

func (k RouteKey) String() string { return k.Origin + ">" + k.Dest }

func keyFor(req RoutingRequest) RouteKey {
	return RouteKey{
		Origin: geohash.EncodeWithPrecision(req.OriginLat, req.OriginLon, geohashPrecision),
		Dest:   geohash.EncodeWithPrecision(req.DestinationLat, req.DestinationLon, geohashPrecision),
	}
}

// CacheStore persists provider routes.
type CacheStore interface {
	// Lookup returns the unexpired route for key, or (nil, nil).
	Lookup(ctx context.Context, key RouteKey) (*RoutingResponse, error)
	// Store upserts the route for key.
	Store(ctx context.Context, key RouteKey, resp *RoutingResponse, expiresAt time.Time) error
}

// CacheRecorder receives one outcome per CachedRouter lookup.
type CacheRecorder interface {
	RouteCacheLookup(result string)
}

type nopCacheRecorder struct{}

func (nopCacheRecorder) RouteCacheLookup(string) {}

// inflight is a provider call that concurrent misses on the same key wait for.
type inflight struct {
	done chan struct{}
	resp *RoutingResponse
	err  error
}

// CachedRouter is a cache-aside Router. Concurrent misses on one key share a
// single provider call, results are written back asynchronously, and
// straight-line fallbacks are never cached.
type CachedRouter struct {
	inner    Router
	store    CacheStore
	ttl      time.Duration
	logger   zerolog.Logger
	recorder CacheRecorder
	now      func() time.Time

	mu      sync.Mutex
	pending map[RouteKey]*inflight

	afterStore func() // test hook, runs after every async write attempt
}

// CachedRouterOption configures a CachedRouter.
type CachedRouterOption func(*CachedRouter)

// WithLogger sets the logger for cache failures. Defaults to zerolog.Nop().
func WithLogger(l zerolog.Logger) CachedRouterOption {
	return func(r *CachedRouter) { r.logger = l }
}

// WithCacheTTL overrides DefaultCacheTTL.
func WithCacheTTL(ttl time.Duration) CachedRouterOption {
	return func(r *CachedRouter) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

// WithCacheRecorder reports lookup outcomes, typically to Prometheus.
func WithCacheRecorder(rec CacheRecorder) CachedRouterOption {
	return func(r *CachedRouter) { r.recorder = rec }
}

func withAfterStore(fn func()) CachedRouterOption {
	return func(r *CachedRouter) { r.afterStore = fn }
}

// NewCachedRouter wraps inner with a cache backed by store.
func NewCachedRouter(inner Router, store CacheStore, opts ...CachedRouterOption) *CachedRouter {
	r := &CachedRouter{
		inner:    inner,
		store:    store,
		ttl:      DefaultCacheTTL,
		logger:   zerolog.Nop(),
		recorder: nopCacheRecorder{},
		now:      time.Now,
		pending:  make(map[RouteKey]*inflight),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Route serves req from the cache or the wrapped Router. Cache read failures
// fall through to the provider.
func (r *CachedRouter) Route(ctx context.Context, req RoutingRequest) (*RoutingResponse, error) {
	key := keyFor(req)

	cached, err := r.store.Lookup(ctx, key)
	switch {
	case err != nil:
		r.recorder.RouteCacheLookup(CacheError)
		r.logger.Warn().Err(err).Stringer("key", key).Msg("routing: cache: lookup failed")
	case cached != nil:
		r.recorder.RouteCacheLookup(CacheHit)
		return cached, nil
	}

	r.mu.Lock()
	if call, ok := r.pending[key]; ok {
		r.mu.Unlock()
		r.recorder.RouteCacheLookup(CacheShared)
		select {
		case <-call.done:
			return call.resp, call.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	call := &inflight{done: make(chan struct{})}
	r.pending[key] = call
	r.mu.Unlock()

	if err == nil {
		r.recorder.RouteCacheLookup(CacheMiss)
	}
	call.resp, call.err = r.inner.Route(ctx, req)

	r.mu.Lock()
	delete(r.pending, key)
	r.mu.Unlock()
	close(call.done)

	if call.err != nil {
		return nil, call.err
	}
	if !call.resp.IsFallback {
		go r.writeBack(key, call.resp)
	}
	return call.resp, nil
}

// writeBack stores resp on a background context so the write outlives the
// request that triggered it.
func (r *CachedRouter) writeBack(key RouteKey, resp *RoutingResponse) {
	ctx, cancel := context.WithTimeout(context.Background(), cacheQueryTimeout)
	defer cancel()

	if err := r.store.Store(ctx, key, resp, r.now().Add(r.ttl)); err != nil {
		r.logger.Error().Err(err).Stringer("key", key).Msg("routing: cache: write-back failed")
	}
	if r.afterStore != nil {
		r.afterStore()
	}
}

// PgCacheStore keeps routes in the route_preview_cache table.
type PgCacheStore struct {
	pool *pgxpool.Pool
}

// NewPgCacheStore creates a PgCacheStore.
func NewPgCacheStore(pool *pgxpool.Pool) *PgCacheStore {
	return &PgCacheStore{pool: pool}
}

func (s *PgCacheStore) Lookup(ctx context.Context, key RouteKey) (*RoutingResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, cacheQueryTimeout)
	defer cancel()

	var (
		resp               RoutingResponse
		distance, duration int32
	)
	err := s.pool.QueryRow(ctx, `
		SELECT polyline, distance_m, duration_s
		FROM route_preview_cache
		WHERE origin_hash = $1 AND dest_hash = $2 AND expires_at > NOW()`,
		key.Origin, key.Dest,
	).Scan(&resp.Polyline, &distance, &duration)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("routing: cache: Lookup: %w", err)
	}
	resp.DistanceM = int(distance)
	resp.DurationS = int(duration)
	return &resp, nil
}

func (s *PgCacheStore) Store(ctx context.Context, key RouteKey, resp *RoutingResponse, expiresAt time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, cacheQueryTimeout)
	defer cancel()

	_, err := s.pool.Exec(ctx, `
		INSERT INTO route_preview_cache
			(origin_hash, dest_hash, polyline, distance_m, duration_s, calc_ts, expires_at)
		VALUES ($1, $2, $3, $4, $5, NOW(), $6)
		ON CONFLICT (origin_hash, dest_hash) DO UPDATE
		SET polyline = EXCLUDED.polyline,
		    distance_m = EXCLUDED.distance_m,
		    duration_s = EXCLUDED.duration_s,
		    calc_ts = EXCLUDED.calc_ts,
		    expires_at = EXCLUDED.expires_at`,
		key.Origin, key.Dest, resp.Polyline, int32(resp.DistanceM), int32(resp.DurationS), expiresAt)
	if err != nil {
		return fmt.Errorf("routing: cache: Store: %w", err)
	}
	return nil
}

// PurgeExpired deletes expired rows and returns how many were removed.
func (s *PgCacheStore) PurgeExpired(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, cacheQueryTimeout)
	defer cancel()

	tag, err := s.pool.Exec(ctx, `DELETE FROM route_preview_cache WHERE expires_at <= NOW()`)
	if err != nil {
		return 0, fmt.Errorf("routing: cache: PurgeExpired: %w", err)
	}
	return tag.RowsAffected(), nil
}
