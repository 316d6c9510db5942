package routing

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type memCacheStore struct {
	mu        sync.Mutex
	data      map[RouteKey]*RoutingResponse
	expiries  map[RouteKey]time.Time
	lookupErr error
	storeErr  error
	stores    int
}

func newMemCacheStore() *memCacheStore {
	return &memCacheStore{
		data:     make(map[RouteKey]*RoutingResponse),
		expiries: make(map[RouteKey]time.Time),
	}
}

func (m *memCacheStore) Lookup(_ context.Context, key RouteKey) (*RoutingResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lookupErr != nil {
		return nil, m.lookupErr
	}
	return m.data[key], nil
}

func (m *memCacheStore) Store(_ context.Context, key RouteKey, resp *RoutingResponse, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stores++
	if m.storeErr != nil {
		return m.storeErr
	}
	m.data[key] = resp
	m.expiries[key] = expiresAt
	return nil
}

func (m *memCacheStore) storeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stores
}

type mockRouter struct {
	resp  *RoutingResponse
	err   error
	calls atomic.Int32
	// block, when set, holds every call until closed.
	block chan struct{}
}

func (m *mockRouter) Route(context.Context, RoutingRequest) (*RoutingResponse, error) {
	m.calls.Add(1)
	if m.block != nil {
		<-m.block
	}
	return m.resp, m.err
}

type countingCacheRecorder struct {
	mu     sync.Mutex
	counts map[string]int
}

func (r *countingCacheRecorder) RouteCacheLookup(result string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.counts == nil {
		r.counts = map[string]int{}
	}
	r.counts[result]++
}

func (r *countingCacheRecorder) count(result string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[result]
}

var testReq = RoutingRequest{OriginLat: 37.7793, OriginLon: -122.4193, DestinationLat: 37.7955, DestinationLon: -122.3937}

func waitFor(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for async cache write")
	}
}

func TestCachedRouter_MissWritesBackWithTTL(t *testing.T) {
	store := newMemCacheStore()
	inner := &mockRouter{resp: &RoutingResponse{Polyline: "abc", DistanceM: 500, DurationS: 120}}
	rec := &countingCacheRecorder{}
	done := make(chan struct{})

	cr := NewCachedRouter(inner, store,
		WithCacheTTL(5*time.Minute),
		WithCacheRecorder(rec),
		withAfterStore(func() { close(done) }))
	now := time.Date(2026, 3, 2, 7, 0, 0, 0, time.UTC)
	cr.now = func() time.Time { return now }

	got, err := cr.Route(context.Background(), testReq)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Polyline != "abc" || inner.calls.Load() != 1 {
		t.Errorf("polyline %q after %d calls, want abc after 1", got.Polyline, inner.calls.Load())
	}
	waitFor(t, done)

	key := keyFor(testReq)
	if store.data[key] == nil {
		t.Fatalf("nothing stored under %s", key)
	}
	if want := now.Add(5 * time.Minute); !store.expiries[key].Equal(want) {
		t.Errorf("expiresAt = %v, want %v", store.expiries[key], want)
	}
	if rec.count(CacheMiss) != 1 {
		t.Errorf("miss count = %d, want 1", rec.count(CacheMiss))
	}
}

func TestCachedRouter_Hit(t *testing.T) {
	store := newMemCacheStore()
	store.data[keyFor(testReq)] = &RoutingResponse{Polyline: "cached"}
	inner := &mockRouter{resp: &RoutingResponse{Polyline: "fresh"}}
	rec := &countingCacheRecorder{}

	got, err := NewCachedRouter(inner, store, WithCacheRecorder(rec)).Route(context.Background(), testReq)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Polyline != "cached" || inner.calls.Load() != 0 {
		t.Errorf("polyline %q after %d provider calls, want cached after 0", got.Polyline, inner.calls.Load())
	}
	if rec.count(CacheHit) != 1 {
		t.Errorf("hit count = %d, want 1", rec.count(CacheHit))
	}
}

func TestCachedRouter_NearbyPointsShareKey(t *testing.T) {
	// A few metres apart: same geohash-7 cell.
	nudged := testReq
	nudged.OriginLat += 0.00001
	nudged.DestinationLon += 0.00001
	if keyFor(nudged) != keyFor(testReq) {
		t.Errorf("keyFor(%v) = %s, want %s", nudged, keyFor(nudged), keyFor(testReq))
	}

	other := testReq
	other.DestinationLat, other.DestinationLon = 37.7000, -122.4500
	if keyFor(other) == keyFor(testReq) {
		t.Error("a different destination produced the same key")
	}
	if k := keyFor(testReq); len(k.Origin) != geohashPrecision || len(k.Dest) != geohashPrecision {
		t.Errorf("key %s does not use precision %d", k, geohashPrecision)
	}
}

func TestCachedRouter_LookupErrorFallsThrough(t *testing.T) {
	store := newMemCacheStore()
	store.lookupErr = errors.New("db down")
	inner := &mockRouter{resp: &RoutingResponse{Polyline: "ok"}}
	rec := &countingCacheRecorder{}

	got, err := NewCachedRouter(inner, store, WithCacheRecorder(rec)).Route(context.Background(), testReq)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Polyline != "ok" || inner.calls.Load() != 1 {
		t.Errorf("polyline %q after %d calls, want ok after 1", got.Polyline, inner.calls.Load())
	}
	if rec.count(CacheError) != 1 || rec.count(CacheMiss) != 0 {
		t.Errorf("error/miss counts = %d/%d, want 1/0", rec.count(CacheError), rec.count(CacheMiss))
	}
}

func TestCachedRouter_ProviderErrorNotStored(t *testing.T) {
	store := newMemCacheStore()
	inner := &mockRouter{err: errors.New("provider down")}

	if _, err := NewCachedRouter(inner, store).Route(context.Background(), testReq); err == nil {
		t.Fatal("expected error, got nil")
	}
	time.Sleep(20 * time.Millisecond)
	if store.storeCount() != 0 {
		t.Errorf("Store called %d times, want 0", store.storeCount())
	}
}

func TestCachedRouter_FallbackNotStored(t *testing.T) {
	store := newMemCacheStore()
	inner := &mockRouter{resp: straightLineFallback(testReq)}
	cr := NewCachedRouter(inner, store, withAfterStore(func() {
		t.Error("fallback response must not be written to the cache")
	}))

	got, err := cr.Route(context.Background(), testReq)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.IsFallback {
		t.Error("IsFallback = false, want true")
	}
	time.Sleep(20 * time.Millisecond)
	if store.storeCount() != 0 {
		t.Errorf("Store called %d times, want 0", store.storeCount())
	}
}

func TestCachedRouter_WriteBackErrorLogged(t *testing.T) {
	store := newMemCacheStore()
	store.storeErr = errors.New("disk full")
	inner := &mockRouter{resp: &RoutingResponse{Polyline: "abc"}}

	var buf bytes.Buffer
	done := make(chan struct{})
	cr := NewCachedRouter(inner, store,
		WithLogger(zerolog.New(&buf)),
		withAfterStore(func() { close(done) }))

	if _, err := cr.Route(context.Background(), testReq); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	waitFor(t, done)

	logged := buf.String()
	if !strings.Contains(logged, "write-back failed") || !strings.Contains(logged, "disk full") {
		t.Errorf("log %q does not mention the failed write", logged)
	}
}

func TestCachedRouter_ConcurrentMissesShareProviderCall(t *testing.T) {
	const callers = 5
	store := newMemCacheStore()
	inner := &mockRouter{resp: &RoutingResponse{Polyline: "shared"}, block: make(chan struct{})}
	rec := &countingCacheRecorder{}
	cr := NewCachedRouter(inner, store, WithCacheRecorder(rec))

	var wg sync.WaitGroup
	results := make([]string, callers)
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := cr.Route(context.Background(), testReq)
			if err != nil {
				t.Errorf("caller %d: %v", i, err)
				return
			}
			results[i] = resp.Polyline
		}()
	}

	deadline := time.Now().Add(2 * time.Second)
	for rec.count(CacheMiss)+rec.count(CacheShared) < callers {
		if time.Now().After(deadline) {
			t.Fatalf("callers never all reached the router: miss=%d shared=%d", rec.count(CacheMiss), rec.count(CacheShared))
		}
		time.Sleep(time.Millisecond)
	}
	close(inner.block)
	wg.Wait()

	if n := inner.calls.Load(); n != 1 {
		t.Errorf("provider called %d times, want 1", n)
	}
	for i, p := range results {
		if p != "shared" {
			t.Errorf("caller %d got %q", i, p)
		}
	}
}

func TestCachedRouter_WaiterHonoursContext(t *testing.T) {
	store := newMemCacheStore()
	inner := &mockRouter{resp: &RoutingResponse{Polyline: "slow"}, block: make(chan struct{})}
	rec := &countingCacheRecorder{}
	cr := NewCachedRouter(inner, store, WithCacheRecorder(rec))

	first := make(chan struct{})
	go func() {
		defer close(first)
		_, _ = cr.Route(context.Background(), testReq)
	}()
	for inner.calls.Load() == 0 {
		time.Sleep(time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := cr.Route(ctx, testReq); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want context.DeadlineExceeded", err)
	}

	close(inner.block)
	<-first
}
