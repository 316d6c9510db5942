// Package cache keeps the most recent location sample of each trip in Redis
// so that trip status reads do not have to scan the location stream.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/eko/gocache/lib/v4/cache"
	"github.com/eko/gocache/lib/v4/store"
	redisstore "github.com/eko/gocache/store/redis/v4"
	"github.com/redis/go-redis/v9"

	"github.com/shuttleops/fleet-api/internal/storage"
)

// DefaultTTL is how long a latest sample stays cached without being refreshed.
const DefaultTTL = 30 * time.Minute

const keyPrefix = "trip_latest_location:"

// LatestLocations is a Redis-backed cache of the newest sample per trip.
type LatestLocations struct {
	cache *cache.Cache[string]
	ttl   time.Duration
}

// Option configures a LatestLocations cache.
type Option func(*LatestLocations)

// WithTTL overrides DefaultTTL. Non-positive values are ignored.
func WithTTL(ttl time.Duration) Option {
	return func(l *LatestLocations) {
		if ttl > 0 {
			l.ttl = ttl
		}
	}
}

// NewLatestLocations wraps client in a gocache Redis store.
func NewLatestLocations(client *redis.Client, opts ...Option) *LatestLocations {
	l := &LatestLocations{ttl: DefaultTTL}
	for _, opt := range opts {
		opt(l)
	}
	redisStore := redisstore.NewRedis(client, store.WithExpiration(l.ttl))
	l.cache = cache.New[string](redisStore)
	return l
}

// Get returns the cached sample for tripID, or (nil, nil) on a miss.
func (l *LatestLocations) Get(ctx context.Context, tripID string) (*storage.LocationSample, error) {
	raw, err := l.cache.Get(ctx, keyPrefix+tripID)
	if isMiss(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cache: Get %s: %w", tripID, err)
	}
	if raw == "" {
		return nil, nil
	}

	var s storage.LocationSample
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil, fmt.Errorf("cache: Get %s: decode: %w", tripID, err)
	}
	return &s, nil
}

// Set stores sample unless the cached sample was recorded later.
// Concurrent writers for the same trip may still race between the read and
// the write; the location stream in Postgres remains authoritative.
func (l *LatestLocations) Set(ctx context.Context, sample *storage.LocationSample) error {
	if sample == nil {
		return nil
	}
	current, err := l.Get(ctx, sample.TripID)
	if err != nil {
		return err
	}
	if current != nil && current.RecordedAt.After(sample.RecordedAt) {
		return nil
	}

	b, err := json.Marshal(sample)
	if err != nil {
		return fmt.Errorf("cache: Set %s: encode: %w", sample.TripID, err)
	}
	if err := l.cache.Set(ctx, keyPrefix+sample.TripID, string(b), store.WithExpiration(l.ttl)); err != nil {
		return fmt.Errorf("cache: Set %s: %w", sample.TripID, err)
	}
	return nil
}

func isMiss(err error) bool {
	if err == nil {
		return false
	}
	var nf *store.NotFound
	return errors.As(err, &nf) || errors.Is(err, redis.Nil)
}
