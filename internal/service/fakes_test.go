package service

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/shuttleops/fleet-api/internal/storage"
)

// ---------------------------------------------------------------------------
// memTrips: in-memory TripsRepository with per-trip locks and staged writes
// ---------------------------------------------------------------------------

type memTrips struct {
	mu      sync.Mutex
	trips   map[string]storage.Trip
	stops   map[string]map[string]storage.TripStop
	events  map[string][]storage.TripEvent
	locks   map[string]*sync.Mutex
	eventID int64

	// appendErr, when set, fails every AppendEvent inside a transaction.
	appendErr error
}

func newMemTrips() *memTrips {
	return &memTrips{
		trips:  make(map[string]storage.Trip),
		stops:  make(map[string]map[string]storage.TripStop),
		events: make(map[string][]storage.TripEvent),
		locks:  make(map[string]*sync.Mutex),
	}
}

func (m *memTrips) CreateTrip(_ context.Context, t *storage.Trip) (*storage.Trip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.trips[t.ID]; ok {
		return nil, errors.New("duplicate trip id")
	}
	t.CreatedAt, t.UpdatedAt = *t.ActualStart, *t.ActualStart
	m.trips[t.ID] = *t
	m.eventID++
	m.events[t.ID] = append(m.events[t.ID], storage.TripEvent{
		ID: m.eventID, TripID: t.ID, Kind: storage.EventStarted, OccurredAt: *t.ActualStart,
	})
	return t, nil
}

func (m *memTrips) InTripTx(ctx context.Context, fn func(ctx context.Context, tx storage.TripTx) error) error {
	tx := &memTx{repo: m, trips: make(map[string]storage.Trip), stops: make(map[[2]string]storage.TripStop)}
	defer tx.release()
	if err := fn(ctx, tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

func (m *memTrips) GetTrip(_ context.Context, tenantID, tripID string) (*storage.Trip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[tripID]
	if !ok || t.TenantID != tenantID {
		return nil, nil
	}
	return &t, nil
}

func (m *memTrips) ListStops(_ context.Context, tripID string) ([]storage.TripStop, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stops := make([]storage.TripStop, 0, len(m.stops[tripID]))
	for _, s := range m.stops[tripID] {
		stops = append(stops, s)
	}
	sort.Slice(stops, func(i, j int) bool { return stops[i].ArrivedAt.Before(*stops[j].ArrivedAt) })
	return stops, nil
}

func (m *memTrips) ListEvents(_ context.Context, tripID string) ([]storage.TripEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]storage.TripEvent(nil), m.events[tripID]...), nil
}

func (m *memTrips) ListActiveTrips(_ context.Context, tenantID string) ([]storage.Trip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	trips := make([]storage.Trip, 0)
	for _, t := range m.trips {
		if t.TenantID == tenantID && !t.Status.Terminal() {
			trips = append(trips, t)
		}
	}
	sort.Slice(trips, func(i, j int) bool { return trips[i].ScheduledStart.Before(trips[j].ScheduledStart) })
	return trips, nil
}

// put stores a trip directly, bypassing the service.
func (m *memTrips) put(t storage.Trip) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trips[t.ID] = t
}

func (m *memTrips) trip(id string) storage.Trip {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.trips[id]
}

func (m *memTrips) stop(tripID, routePointID string) (storage.TripStop, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.stops[tripID][routePointID]
	return s, ok
}

func (m *memTrips) lockFor(tripID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[tripID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[tripID] = l
	}
	return l
}

type memTx struct {
	repo   *memTrips
	held   []*sync.Mutex
	trips  map[string]storage.Trip
	stops  map[[2]string]storage.TripStop
	events []storage.TripEvent
}

func (tx *memTx) LockTrip(_ context.Context, tenantID, tripID string) (*storage.Trip, error) {
	l := tx.repo.lockFor(tripID)
	l.Lock()
	tx.held = append(tx.held, l)

	tx.repo.mu.Lock()
	defer tx.repo.mu.Unlock()
	t, ok := tx.repo.trips[tripID]
	if !ok || t.TenantID != tenantID {
		return nil, nil
	}
	return &t, nil
}

func (tx *memTx) UpdateTrip(_ context.Context, t *storage.Trip) error {
	tx.trips[t.ID] = *t
	return nil
}

func (tx *memTx) GetStop(_ context.Context, tripID, routePointID string) (*storage.TripStop, error) {
	if s, ok := tx.stops[[2]string{tripID, routePointID}]; ok {
		return &s, nil
	}
	s, ok := tx.repo.stop(tripID, routePointID)
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (tx *memTx) SaveStop(_ context.Context, s *storage.TripStop) error {
	tx.stops[[2]string{s.TripID, s.RoutePointID}] = *s
	return nil
}

func (tx *memTx) AppendEvent(_ context.Context, e *storage.TripEvent) error {
	if tx.repo.appendErr != nil {
		return tx.repo.appendErr
	}
	tx.events = append(tx.events, *e)
	return nil
}

func (tx *memTx) commit() {
	m := tx.repo
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, t := range tx.trips {
		m.trips[id] = t
	}
	for key, s := range tx.stops {
		if m.stops[key[0]] == nil {
			m.stops[key[0]] = make(map[string]storage.TripStop)
		}
		m.stops[key[0]][key[1]] = s
	}
	for _, e := range tx.events {
		m.eventID++
		e.ID = m.eventID
		m.events[e.TripID] = append(m.events[e.TripID], e)
	}
}

func (tx *memTx) release() {
	for i := len(tx.held) - 1; i >= 0; i-- {
		tx.held[i].Unlock()
	}
}

// ---------------------------------------------------------------------------
// Reference data fakes
// ---------------------------------------------------------------------------

type memRoutes struct {
	routes map[string]storage.Route
	err    error
}

func (m *memRoutes) CreateRoute(_ context.Context, rt *storage.Route) (*storage.Route, error) {
	m.routes[rt.ID] = *rt
	return rt, nil
}

func (m *memRoutes) GetRoute(_ context.Context, tenantID, id string) (*storage.Route, error) {
	if m.err != nil {
		return nil, m.err
	}
	rt, ok := m.routes[id]
	if !ok || rt.TenantID != tenantID {
		return nil, nil
	}
	return &rt, nil
}

func (m *memRoutes) ListRoutes(_ context.Context, tenantID string) ([]storage.Route, error) {
	var out []storage.Route
	for _, rt := range m.routes {
		if rt.TenantID == tenantID {
			out = append(out, rt)
		}
	}
	return out, nil
}

func (m *memRoutes) RouteExists(_ context.Context, tenantID, id string) (bool, error) {
	if m.err != nil {
		return false, m.err
	}
	rt, ok := m.routes[id]
	return ok && rt.TenantID == tenantID && rt.Active, nil
}

func (m *memRoutes) RoutePointOnRoute(_ context.Context, routeID, routePointID string) (bool, error) {
	for _, p := range m.routes[routeID].Points {
		if p.ID == routePointID {
			return true, nil
		}
	}
	return false, nil
}

type memVehicles struct {
	vehicles map[string]storage.Vehicle
}

func (m *memVehicles) CreateVehicle(_ context.Context, v *storage.Vehicle) (*storage.Vehicle, error) {
	m.vehicles[v.ID] = *v
	return v, nil
}

func (m *memVehicles) GetVehicleByID(_ context.Context, tenantID, id string) (*storage.Vehicle, error) {
	v, ok := m.vehicles[id]
	if !ok || v.TenantID != tenantID {
		return nil, nil
	}
	return &v, nil
}

func (m *memVehicles) ListVehicles(_ context.Context, tenantID, status string) ([]storage.Vehicle, error) {
	var out []storage.Vehicle
	for _, v := range m.vehicles {
		if v.TenantID == tenantID && (status == "" || v.Status == status) {
			out = append(out, v)
		}
	}
	return out, nil
}

func (m *memVehicles) UpdateVehicle(_ context.Context, v *storage.Vehicle) error {
	m.vehicles[v.ID] = *v
	return nil
}

type memUsers struct {
	users map[string]storage.User
}

func (m *memUsers) CreateUser(_ context.Context, u *storage.User) (*storage.User, error) {
	m.users[u.ID] = *u
	return u, nil
}

func (m *memUsers) GetUserByUsername(_ context.Context, username string) (*storage.User, error) {
	for _, u := range m.users {
		if u.Username == username {
			return &u, nil
		}
	}
	return nil, nil
}

func (m *memUsers) GetUserByID(_ context.Context, tenantID, id string) (*storage.User, error) {
	u, ok := m.users[id]
	if !ok || u.TenantID != tenantID {
		return nil, nil
	}
	return &u, nil
}

func (m *memUsers) ListUsers(_ context.Context, tenantID, role string, activeOnly bool) ([]storage.User, error) {
	var out []storage.User
	for _, u := range m.users {
		if u.TenantID == tenantID && (role == "" || u.Role == role) && (!activeOnly || u.Active) {
			out = append(out, u)
		}
	}
	return out, nil
}

func (m *memUsers) UpdateUser(_ context.Context, u *storage.User) error {
	m.users[u.ID] = *u
	return nil
}

func (m *memUsers) DeactivateUser(_ context.Context, _, id string) error {
	u := m.users[id]
	u.Active = false
	m.users[id] = u
	return nil
}

func (m *memUsers) DriverExists(_ context.Context, tenantID, id string) (bool, error) {
	u, ok := m.users[id]
	return ok && u.TenantID == tenantID && u.Role == storage.RoleDriver && u.Active, nil
}

// ---------------------------------------------------------------------------
// Location fakes
// ---------------------------------------------------------------------------

type memLocations struct {
	mu      sync.Mutex
	samples []storage.LocationSample
	err     error
}

func (m *memLocations) AppendSample(_ context.Context, s *storage.LocationSample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	if s.ID == "" {
		s.ID = "sample-" + s.RecordedAt.Format(time.RFC3339Nano)
	}
	m.samples = append(m.samples, *s)
	return nil
}

func (m *memLocations) LatestSample(_ context.Context, tripID string) (*storage.LocationSample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *storage.LocationSample
	for i := range m.samples {
		s := m.samples[i]
		if s.TripID == tripID && (latest == nil || s.RecordedAt.After(latest.RecordedAt)) {
			latest = &s
		}
	}
	return latest, nil
}

func (m *memLocations) ListSamples(_ context.Context, tripID string, since time.Time) ([]storage.LocationSample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []storage.LocationSample
	for _, s := range m.samples {
		if s.TripID == tripID && !s.RecordedAt.Before(since) {
			out = append(out, s)
		}
	}
	return out, nil
}

type memLocationCache struct {
	mu      sync.Mutex
	samples map[string]storage.LocationSample
	getErr  error
	setErr  error
	gets    int
}

func newMemLocationCache() *memLocationCache {
	return &memLocationCache{samples: make(map[string]storage.LocationSample)}
}

func (c *memLocationCache) Get(_ context.Context, tripID string) (*storage.LocationSample, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gets++
	if c.getErr != nil {
		return nil, c.getErr
	}
	s, ok := c.samples[tripID]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (c *memLocationCache) Set(_ context.Context, s *storage.LocationSample) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.setErr != nil {
		return c.setErr
	}
	if cur, ok := c.samples[s.TripID]; ok && cur.RecordedAt.After(s.RecordedAt) {
		return nil
	}
	c.samples[s.TripID] = *s
	return nil
}

// ---------------------------------------------------------------------------
// Publisher, recorder and clock
// ---------------------------------------------------------------------------

type recordingPublisher struct {
	mu        sync.Mutex
	events    []storage.TripEvent
	locations []storage.LocationSample
	err       error
}

func (p *recordingPublisher) PublishTripEvent(_ context.Context, _ *storage.Trip, e *storage.TripEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, *e)
	return p.err
}

func (p *recordingPublisher) PublishLocation(_ context.Context, _ string, s *storage.LocationSample) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.locations = append(p.locations, *s)
	return p.err
}

func (p *recordingPublisher) kinds() []storage.TripEventKind {
	p.mu.Lock()
	defer p.mu.Unlock()
	kinds := make([]storage.TripEventKind, len(p.events))
	for i, e := range p.events {
		kinds[i] = e.Kind
	}
	return kinds
}

type countingRecorder struct {
	mu          sync.Mutex
	transitions map[string]int
	locations   map[string]int
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{transitions: make(map[string]int), locations: make(map[string]int)}
}

func (r *countingRecorder) TripTransition(op, outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions[op+"/"+outcome]++
}

func (r *countingRecorder) LocationIngested(outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.locations[outcome]++
}

// testClock advances by one second on every reading.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 2, 7, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// frozenClock always returns the same instant.
func frozenClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}
