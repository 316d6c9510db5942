package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/shuttleops/fleet-api/internal/middleware"
	"github.com/shuttleops/fleet-api/internal/service"
	"github.com/shuttleops/fleet-api/internal/storage"
)

// TripCommands drives the trip state machine. *service.TripService implements it.
type TripCommands interface {
	StartTrip(ctx context.Context, in service.StartTripInput) (*storage.Trip, error)
	ArriveAtStop(ctx context.Context, tenantID, tripID, routePointID string) (*storage.TripStop, error)
	DepartFromStop(ctx context.Context, tenantID, tripID, routePointID string, boarded, alighted int) (*storage.TripStop, error)
	CompleteTrip(ctx context.Context, tenantID, tripID, notes string) (*storage.Trip, error)
	EmergencyStop(ctx context.Context, tenantID, tripID, reason string) (*storage.Trip, error)
	ResumeTrip(ctx context.Context, tenantID, tripID string) (*storage.Trip, error)
}

// LocationIngest accepts vehicle positions. *service.LocationService implements it.
type LocationIngest interface {
	UpdateVehicleLocation(ctx context.Context, in service.LocationInput) (*storage.LocationSample, error)
}

// TripQueries serves read views. *service.TripQueryService implements it.
type TripQueries interface {
	GetTripStatus(ctx context.Context, tenantID, tripID string) (*service.TripStatusView, error)
	GetActiveTrips(ctx context.Context, tenantID string) ([]storage.Trip, error)
	GetLocationHistory(ctx context.Context, tenantID, tripID string, since time.Time) ([]storage.LocationSample, error)
}

// TripHandler serves the /trips endpoints. Every call is scoped to the
// tenant of the authenticated user.
type TripHandler struct {
	trips     TripCommands
	locations LocationIngest
	queries   TripQueries
}

// NewTripHandler creates a TripHandler.
func NewTripHandler(trips TripCommands, locations LocationIngest, queries TripQueries) *TripHandler {
	return &TripHandler{trips: trips, locations: locations, queries: queries}
}

type startTripRequest struct {
	RouteID        string    `json:"route_id" binding:"required"`
	VehicleID      string    `json:"vehicle_id" binding:"required"`
	DriverID       string    `json:"driver_id"`
	ScheduledStart time.Time `json:"scheduled_start" binding:"required"`
	ScheduledEnd   time.Time `json:"scheduled_end" binding:"required"`
	MaxCapacity    *int      `json:"max_capacity"`
	Notes          string    `json:"notes"`
}

// StartTrip handles POST /api/v1/trips
//
// Drivers may omit driver_id to start a trip as themselves.
//
// Response 201: the trip, IN_PROGRESS.
// Response 400: validation failure.
// Response 404: unknown route, vehicle or driver.
func (h *TripHandler) StartTrip(c *gin.Context) {
	var req startTripRequest
	if !bindJSON(c, &req) {
		return
	}
	if req.DriverID == "" && middleware.Role(c) == storage.RoleDriver {
		req.DriverID = middleware.UserID(c)
	}

	trip, err := h.trips.StartTrip(c.Request.Context(), service.StartTripInput{
		TenantID:       middleware.TenantID(c),
		RouteID:        req.RouteID,
		VehicleID:      req.VehicleID,
		DriverID:       req.DriverID,
		ScheduledStart: req.ScheduledStart,
		ScheduledEnd:   req.ScheduledEnd,
		MaxCapacity:    req.MaxCapacity,
		Notes:          req.Notes,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, tripJSON(trip))
}

// GetTrip handles GET /api/v1/trips/:id
//
// Response 200:
//
//	{"trip": {...}, "stops": [...], "events": [...], "latest_location": {...} | null}
func (h *TripHandler) GetTrip(c *gin.Context) {
	view, err := h.queries.GetTripStatus(c.Request.Context(), middleware.TenantID(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if view == nil {
		notFound(c, "trip")
		return
	}

	stops := make([]gin.H, len(view.Stops))
	for i := range view.Stops {
		stops[i] = stopJSON(&view.Stops[i])
	}
	events := make([]gin.H, len(view.Events))
	for i, e := range view.Events {
		events[i] = gin.H{
			"id":          e.ID,
			"kind":        e.Kind,
			"detail":      e.Detail,
			"occurred_at": e.OccurredAt,
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"trip":            tripJSON(view.Trip),
		"stops":           stops,
		"events":          events,
		"latest_location": view.Latest,
	})
}

// ListLocations handles GET /api/v1/trips/:id/locations?since=
//
// since is an RFC 3339 timestamp; samples recorded at or after it are
// returned oldest first. Without since the whole trip history is returned.
func (h *TripHandler) ListLocations(c *gin.Context) {
	var since time.Time
	if raw := c.Query("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			badRequest(c, "since must be an RFC 3339 timestamp")
			return
		}
		since = t
	}

	samples, err := h.queries.GetLocationHistory(c.Request.Context(), middleware.TenantID(c), c.Param("id"), since)
	if err != nil {
		writeError(c, err)
		return
	}
	if samples == nil {
		notFound(c, "trip")
		return
	}
	c.JSON(http.StatusOK, gin.H{"trip_id": c.Param("id"), "locations": samples})
}

// ListActiveTrips handles GET /api/v1/trips/active?limit=&offset=
//
// Trips are ordered by scheduled start.
func (h *TripHandler) ListActiveTrips(c *gin.Context) {
	limit, offset, ok := parsePage(c)
	if !ok {
		return
	}

	trips, err := h.queries.GetActiveTrips(c.Request.Context(), middleware.TenantID(c))
	if err != nil {
		writeError(c, err)
		return
	}

	window := page(trips, limit, offset)
	out := make([]gin.H, len(window))
	for i := range window {
		out[i] = tripJSON(&window[i])
	}
	c.JSON(http.StatusOK, gin.H{
		"trips":  out,
		"total":  len(trips),
		"limit":  limit,
		"offset": offset,
	})
}

// ArriveAtStop handles POST /api/v1/trips/:id/stops/:point/arrive
func (h *TripHandler) ArriveAtStop(c *gin.Context) {
	stop, err := h.trips.ArriveAtStop(c.Request.Context(), middleware.TenantID(c), c.Param("id"), c.Param("point"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, stopJSON(stop))
}

type departRequest struct {
	Boarded  int `json:"boarded"`
	Alighted int `json:"alighted"`
}

// DepartFromStop handles POST /api/v1/trips/:id/stops/:point/depart
//
// Request body (optional, counts default to 0):
//
//	{"boarded": 4, "alighted": 1}
//
// Response 409: capacity_violation when the counts would leave the trip
// outside [0, max_capacity].
// Response 422: the stop was not arrived at, or was already departed.
func (h *TripHandler) DepartFromStop(c *gin.Context) {
	var req departRequest
	if !bindOptionalJSON(c, &req) {
		return
	}

	stop, err := h.trips.DepartFromStop(c.Request.Context(), middleware.TenantID(c),
		c.Param("id"), c.Param("point"), req.Boarded, req.Alighted)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, stopJSON(stop))
}

type completeRequest struct {
	Notes string `json:"notes"`
}

// CompleteTrip handles POST /api/v1/trips/:id/complete
func (h *TripHandler) CompleteTrip(c *gin.Context) {
	var req completeRequest
	if !bindOptionalJSON(c, &req) {
		return
	}

	trip, err := h.trips.CompleteTrip(c.Request.Context(), middleware.TenantID(c), c.Param("id"), req.Notes)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, tripJSON(trip))
}

type emergencyRequest struct {
	Reason string `json:"reason"`
}

// EmergencyStop handles POST /api/v1/trips/:id/emergency
func (h *TripHandler) EmergencyStop(c *gin.Context) {
	var req emergencyRequest
	if !bindJSON(c, &req) {
		return
	}

	trip, err := h.trips.EmergencyStop(c.Request.Context(), middleware.TenantID(c), c.Param("id"), req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, tripJSON(trip))
}

// ResumeTrip handles POST /api/v1/trips/:id/resume
func (h *TripHandler) ResumeTrip(c *gin.Context) {
	trip, err := h.trips.ResumeTrip(c.Request.Context(), middleware.TenantID(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, tripJSON(trip))
}

type locationRequest struct {
	VehicleID  string     `json:"vehicle_id" binding:"required"`
	Lat        *float64   `json:"lat" binding:"required"`
	Lon        *float64   `json:"lon" binding:"required"`
	Speed      *float64   `json:"speed"`
	Heading    *float64   `json:"heading"`
	Accuracy   *float64   `json:"accuracy"`
	RecordedAt *time.Time `json:"recorded_at"`
}

// UpdateLocation handles POST /api/v1/trips/:id/location
//
// Request body:
//
//	{"vehicle_id": "V1", "lat": 45.0, "lon": 120.0, "speed": 11.2, "heading": 90}
//
// Response 201: the stored sample.
// Response 400: coordinates or motion fields out of range.
// Response 404: the trip is not active or the vehicle is not on it.
func (h *TripHandler) UpdateLocation(c *gin.Context) {
	var req locationRequest
	if !bindJSON(c, &req) {
		return
	}

	in := service.LocationInput{
		TenantID:  middleware.TenantID(c),
		TripID:    c.Param("id"),
		VehicleID: req.VehicleID,
		Lat:       *req.Lat,
		Lon:       *req.Lon,
		Speed:     req.Speed,
		Heading:   req.Heading,
		Accuracy:  req.Accuracy,
	}
	if req.RecordedAt != nil {
		in.RecordedAt = *req.RecordedAt
	}

	sample, err := h.locations.UpdateVehicleLocation(c.Request.Context(), in)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, sample)
}

func tripJSON(t *storage.Trip) gin.H {
	return gin.H{
		"id":                 t.ID,
		"route_id":           t.RouteID,
		"vehicle_id":         t.VehicleID,
		"driver_id":          t.DriverID,
		"status":             t.Status,
		"scheduled_start":    t.ScheduledStart,
		"scheduled_end":      t.ScheduledEnd,
		"actual_start":       t.ActualStart,
		"actual_end":         t.ActualEnd,
		"max_capacity":       t.MaxCapacity,
		"current_passengers": t.CurrentPassengers,
		"notes":              t.Notes,
		"emergency_reason":   t.EmergencyReason,
		"emergency_at":       t.EmergencyAt,
		"created_at":         t.CreatedAt,
		"updated_at":         t.UpdatedAt,
	}
}

func stopJSON(s *storage.TripStop) gin.H {
	return gin.H{
		"trip_id":        s.TripID,
		"route_point_id": s.RoutePointID,
		"state":          s.State(),
		"arrived_at":     s.ArrivedAt,
		"departed_at":    s.DepartedAt,
		"boarded":        s.Boarded,
		"alighted":       s.Alighted,
		"onboard_after":  s.OnboardAfter,
	}
}
