package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shuttleops/fleet-api/internal/storage"
)

type published struct {
	subject string
	data    []byte
}

type fakeConn struct {
	msgs []published
	err  error
}

func (f *fakeConn) Publish(subject string, data []byte) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, published{subject: subject, data: data})
	return nil
}

type fakeMetrics struct {
	ok, failed map[string]int
}

func newFakeMetrics() *fakeMetrics {
	return &fakeMetrics{ok: map[string]int{}, failed: map[string]int{}}
}

func (m *fakeMetrics) EventPublished(kind string, err error) {
	if err != nil {
		m.failed[kind]++
		return
	}
	m.ok[kind]++
}

func (m *fakeMetrics) NATSSetConnected(bool) {}

func TestSubjectToken(t *testing.T) {
	cases := map[string]string{
		"trip-1":       "trip-1",
		"  tenant a ":  "tenant_a",
		"a.b":          "a_b",
		"fleet.>":      "fleet__",
		"*":            "_",
		"":             "_",
		"x/y\tz":       "x_y_z",
	}
	for in, want := range cases {
		if got := subjectToken(in); got != want {
			t.Errorf("subjectToken(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestTripSubject(t *testing.T) {
	assert.Equal(t, "fleet.tenant-1.trips.trip-9.arrived", TripSubject("tenant-1", "trip-9", "arrived"))
	assert.Equal(t, "fleet.acme_corp.trips.t_1.location", TripSubject("acme.corp", "t*1", "location"))
}

func TestPublishTripEvent(t *testing.T) {
	c := &fakeConn{}
	m := newFakeMetrics()
	p := newPublisher(c, m)
	at := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	trip := &storage.Trip{
		ID: "trip-1", TenantID: "tenant-1", RouteID: "R1", VehicleID: "V1",
		Status: storage.TripInProgress, CurrentPassengers: 7,
	}
	event := &storage.TripEvent{TripID: "trip-1", Kind: storage.EventDeparted, Detail: "P1 boarded=7 alighted=0", OccurredAt: at}

	require.NoError(t, p.PublishTripEvent(context.Background(), trip, event))
	require.Len(t, c.msgs, 1)
	assert.Equal(t, "fleet.tenant-1.trips.trip-1.departed", c.msgs[0].subject)

	var msg TripEventMessage
	require.NoError(t, json.Unmarshal(c.msgs[0].data, &msg))
	assert.Equal(t, "departed", msg.Event)
	assert.Equal(t, "IN_PROGRESS", msg.Status)
	assert.Equal(t, 7, msg.CurrentPassengers)
	assert.Equal(t, "P1 boarded=7 alighted=0", msg.Detail)
	assert.True(t, msg.OccurredAt.Equal(at))
	assert.Equal(t, 1, m.ok["departed"])
}

func TestPublishLocation(t *testing.T) {
	c := &fakeConn{}
	p := newPublisher(c, nil)
	heading := 90.0

	sample := &storage.LocationSample{
		TripID: "trip-1", VehicleID: "V1", Lat: 45, Lon: 120, Heading: &heading,
		RecordedAt: time.Date(2026, 3, 1, 8, 5, 0, 0, time.UTC),
	}
	require.NoError(t, p.PublishLocation(context.Background(), "tenant-1", sample))
	require.Len(t, c.msgs, 1)
	assert.Equal(t, "fleet.tenant-1.trips.trip-1.location", c.msgs[0].subject)

	var msg LocationMessage
	require.NoError(t, json.Unmarshal(c.msgs[0].data, &msg))
	assert.Equal(t, 45.0, msg.Lat)
	assert.Equal(t, 120.0, msg.Lon)
	require.NotNil(t, msg.Heading)
	assert.Equal(t, 90.0, *msg.Heading)
	assert.Nil(t, msg.Speed)
}

func TestPublish_ConnError(t *testing.T) {
	c := &fakeConn{err: errors.New("nats: connection closed")}
	m := newFakeMetrics()
	p := newPublisher(c, m)

	err := p.PublishTripEvent(context.Background(),
		&storage.Trip{ID: "trip-1", TenantID: "tenant-1"},
		&storage.TripEvent{Kind: storage.EventCompleted})
	require.Error(t, err)
	assert.Equal(t, 1, m.failed["completed"])
	assert.Zero(t, m.ok["completed"])
}

func TestPublish_NilArgumentsIgnored(t *testing.T) {
	c := &fakeConn{}
	p := newPublisher(c, nil)

	assert.NoError(t, p.PublishTripEvent(context.Background(), nil, nil))
	assert.NoError(t, p.PublishLocation(context.Background(), "tenant-1", nil))
	assert.Empty(t, c.msgs)
}

func TestClose_WithoutConnection(t *testing.T) {
	p := newPublisher(&fakeConn{}, nil)
	p.Close()
}
