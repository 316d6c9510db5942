// Package routing fetches road paths between route points from a map provider
// and caches them. Every provider degrades to a straight-line estimate.
package routing

import (
	"context"
	"math"
	"net/http"
	"time"
)

const (
	// Straight-line estimates assume a shuttle averaging 25 km/h over a road
	// path 30% longer than the great-circle distance.
	fallbackSpeedMPS    = 25.0 / 3.6
	fallbackDetourRatio = 1.3

	earthRadiusM = 6_371_000.0
)

// RoutingRequest is a routing query between two WGS84 points.
type RoutingRequest struct {
	OriginLat      float64
	OriginLon      float64
	DestinationLat float64
	DestinationLon float64
}

func (r RoutingRequest) origin() LatLng      { return LatLng{Lat: r.OriginLat, Lon: r.OriginLon} }
func (r RoutingRequest) destination() LatLng { return LatLng{Lat: r.DestinationLat, Lon: r.DestinationLon} }

// RoutingResponse is a routed path.
type RoutingResponse struct {
	// Polyline uses the Google encoded polyline format with 1e5 precision.
	Polyline  string
	DistanceM int
	DurationS int

	// IsFallback marks a straight-line estimate produced because no provider
	// answered. Fallbacks are never cached.
	IsFallback bool
}

// Router calculates a route between two points.
type Router interface {
	Route(ctx context.Context, req RoutingRequest) (*RoutingResponse, error)
}

// StraightLineRouter answers every request with the straight-line estimate.
// It is the provider when no map key is configured.
type StraightLineRouter struct{}

// Route returns the straight-line estimate for req.
func (StraightLineRouter) Route(_ context.Context, req RoutingRequest) (*RoutingResponse, error) {
	return straightLineFallback(req), nil
}

func straightLineFallback(req RoutingRequest) *RoutingResponse {
	from, to := req.origin(), req.destination()
	roadM := greatCircleMeters(from, to) * fallbackDetourRatio
	return &RoutingResponse{
		Polyline:   EncodePolyline([]LatLng{from, to}),
		DistanceM:  int(math.Round(roadM)),
		DurationS:  int(math.Round(roadM / fallbackSpeedMPS)),
		IsFallback: true,
	}
}

// greatCircleMeters is the haversine distance between a and b.
func greatCircleMeters(a, b LatLng) float64 {
	rad := func(deg float64) float64 { return deg * math.Pi / 180 }
	dLat := rad(b.Lat - a.Lat)
	dLon := rad(b.Lon - a.Lon)
	h := math.Pow(math.Sin(dLat/2), 2) +
		math.Cos(rad(a.Lat))*math.Cos(rad(b.Lat))*math.Pow(math.Sin(dLon/2), 2)
	return 2 * earthRadiusM * math.Asin(math.Min(1, math.Sqrt(h)))
}

// newHTTPClient returns the client shared by the map providers.
func newHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConnsPerHost: 8,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}
