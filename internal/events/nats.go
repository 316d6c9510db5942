// Package events fans trip lifecycle events and location samples out to NATS.
//
// Subjects are scoped per tenant and trip:
//
//	fleet.<tenant>.trips.<trip>.<event>     lifecycle events (started, arrived, ...)
//	fleet.<tenant>.trips.<trip>.location    location samples
//
// so a dashboard can subscribe to fleet.<tenant>.trips.> or a single trip.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/shuttleops/fleet-api/internal/storage"
)

const subjectRoot = "fleet"

// Metrics receives publish outcomes. *metrics.Collector implements it.
type Metrics interface {
	EventPublished(kind string, err error)
	NATSSetConnected(connected bool)
}

type conn interface {
	Publish(subject string, data []byte) error
}

// TripEventMessage is the JSON payload of a lifecycle event.
type TripEventMessage struct {
	TenantID          string    `json:"tenantId"`
	TripID            string    `json:"tripId"`
	RouteID           string    `json:"routeId"`
	VehicleID         string    `json:"vehicleId"`
	Event             string    `json:"event"`
	Detail            string    `json:"detail,omitempty"`
	Status            string    `json:"status"`
	CurrentPassengers int       `json:"currentPassengers"`
	OccurredAt        time.Time `json:"occurredAt"`
}

// LocationMessage is the JSON payload of a location sample.
type LocationMessage struct {
	TenantID   string    `json:"tenantId"`
	TripID     string    `json:"tripId"`
	VehicleID  string    `json:"vehicleId"`
	Lat        float64   `json:"lat"`
	Lon        float64   `json:"lon"`
	Speed      *float64  `json:"speed,omitempty"`
	Heading    *float64  `json:"heading,omitempty"`
	Accuracy   *float64  `json:"accuracy,omitempty"`
	RecordedAt time.Time `json:"recordedAt"`
}

// NATSPublisher publishes to a NATS connection.
type NATSPublisher struct {
	nc      *nats.Conn
	conn    conn
	metrics Metrics
}

// Connect dials url and returns a publisher. m may be nil.
func Connect(url string, m Metrics) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("fleet-api"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			log.Warn().Err(err).Msg("events: nats disconnected")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(true)
			}
			log.Info().Str("url", c.ConnectedUrlRedacted()).Msg("events: nats reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			log.Info().Msg("events: nats closed")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("events: connect: %w", err)
	}
	if m != nil {
		m.NATSSetConnected(true)
	}
	p := newPublisher(nc, m)
	p.nc = nc
	return p, nil
}

func newPublisher(c conn, m Metrics) *NATSPublisher {
	return &NATSPublisher{conn: c, metrics: m}
}

// Close drains pending messages and closes the connection.
func (p *NATSPublisher) Close() {
	if p.nc == nil {
		return
	}
	if err := p.nc.Drain(); err != nil {
		log.Warn().Err(err).Msg("events: drain")
		p.nc.Close()
	}
}

// PublishTripEvent publishes event on the trip's event subject.
func (p *NATSPublisher) PublishTripEvent(_ context.Context, trip *storage.Trip, event *storage.TripEvent) error {
	if trip == nil || event == nil {
		return nil
	}
	msg := TripEventMessage{
		TenantID:          trip.TenantID,
		TripID:            trip.ID,
		RouteID:           trip.RouteID,
		VehicleID:         trip.VehicleID,
		Event:             string(event.Kind),
		Detail:            event.Detail,
		Status:            string(trip.Status),
		CurrentPassengers: trip.CurrentPassengers,
		OccurredAt:        event.OccurredAt,
	}
	return p.publish(TripSubject(trip.TenantID, trip.ID, string(event.Kind)), string(event.Kind), msg)
}

// PublishLocation publishes sample on the trip's location subject.
func (p *NATSPublisher) PublishLocation(_ context.Context, tenantID string, sample *storage.LocationSample) error {
	if sample == nil {
		return nil
	}
	msg := LocationMessage{
		TenantID:   tenantID,
		TripID:     sample.TripID,
		VehicleID:  sample.VehicleID,
		Lat:        sample.Lat,
		Lon:        sample.Lon,
		Speed:      sample.Speed,
		Heading:    sample.Heading,
		Accuracy:   sample.Accuracy,
		RecordedAt: sample.RecordedAt,
	}
	return p.publish(TripSubject(tenantID, sample.TripID, "location"), "location", msg)
}

func (p *NATSPublisher) publish(subject, kind string, msg any) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("events: encode %s: %w", kind, err)
	}
	err = p.conn.Publish(subject, b)
	if p.metrics != nil {
		p.metrics.EventPublished(kind, err)
	}
	if err != nil {
		return fmt.Errorf("events: publish %s: %w", subject, err)
	}
	log.Debug().Str("subject", subject).Msg("events: published")
	return nil
}

// TripSubject builds the subject for a trip-scoped message.
func TripSubject(tenantID, tripID, event string) string {
	return strings.Join([]string{
		subjectRoot, subjectToken(tenantID), "trips", subjectToken(tripID), subjectToken(event),
	}, ".")
}

// subjectToken makes s safe as a single NATS subject token.
func subjectToken(s string) string {
	s = strings.TrimSpace(s)
	repl := strings.NewReplacer(" ", "_", ".", "_", ">", "_", "*", "_", "/", "_", "\t", "_", "\n", "_", "\r", "_")
	s = repl.Replace(s)
	if s == "" {
		s = "_"
	}
	return s
}
