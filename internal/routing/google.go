package routing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	googleRoutesURL = "https://routes.googleapis.com/directions/v2:computeRoutes"
	googleTimeout   = 5 * time.Second
	googleFieldMask = "routes.duration,routes.distanceMeters,routes.polyline.encodedPolyline"

	// maxProviderBody caps how much of a provider response is read.
	maxProviderBody = 1 << 20
)

// GoogleRouter routes through the Google Routes API v2. It is the provider
// when an API key is configured but no Apple Maps credentials are.
type GoogleRouter struct {
	apiKey     string
	httpClient *http.Client
	apiURL     string
}

// NewGoogleRouter creates a GoogleRouter authenticating with apiKey.
func NewGoogleRouter(apiKey string) *GoogleRouter {
	return &GoogleRouter{
		apiKey:     apiKey,
		httpClient: newHTTPClient(googleTimeout),
		apiURL:     googleRoutesURL,
	}
}

// Route returns the primary driving route. Provider failures are logged and
// answered with the straight-line estimate (IsFallback).
func (g *GoogleRouter) Route(ctx context.Context, req RoutingRequest) (*RoutingResponse, error) {
	resp, err := g.computeRoute(ctx, req)
	if err != nil {
		log.Warn().Err(err).
			Float64("origin_lat", req.OriginLat).
			Float64("origin_lon", req.OriginLon).
			Msg("routing: google: falling back to straight line")
		return straightLineFallback(req), nil
	}
	return resp, nil
}

func (g *GoogleRouter) computeRoute(ctx context.Context, req RoutingRequest) (*RoutingResponse, error) {
	payload, err := json.Marshal(googleRouteRequest{
		Origin:            googleWaypointAt(req.OriginLat, req.OriginLon),
		Destination:       googleWaypointAt(req.DestinationLat, req.DestinationLon),
		TravelMode:        "DRIVE",
		RoutingPreference: "TRAFFIC_AWARE",
		Units:             "METRIC",
	})
	if err != nil {
		return nil, fmt.Errorf("routing: google: encode request: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, googleTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, g.apiURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("routing: google: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Goog-Api-Key", g.apiKey)
	httpReq.Header.Set("X-Goog-FieldMask", googleFieldMask)

	httpResp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("routing: google: %w", err)
	}
	defer httpResp.Body.Close()

	body := io.LimitReader(httpResp.Body, maxProviderBody)
	if httpResp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(body)
		return nil, fmt.Errorf("routing: google: status %d: %s", httpResp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out googleRouteResponse
	if err := json.NewDecoder(body).Decode(&out); err != nil {
		return nil, fmt.Errorf("routing: google: decode response: %w", err)
	}
	if len(out.Routes) == 0 {
		return nil, errors.New("routing: google: no route found")
	}

	best := out.Routes[0]
	seconds, err := parseGoogleDuration(best.Duration)
	if err != nil {
		return nil, fmt.Errorf("routing: google: %w", err)
	}
	return &RoutingResponse{
		Polyline:  best.Polyline.EncodedPolyline,
		DistanceM: best.DistanceMeters,
		DurationS: seconds,
	}, nil
}

// parseGoogleDuration converts a protobuf JSON duration such as "300s" or
// "12.5s" to whole seconds, rounding to nearest.
func parseGoogleDuration(s string) (int, error) {
	num, ok := strings.CutSuffix(s, "s")
	if !ok || num == "" || num[len(num)-1] < '0' || num[len(num)-1] > '9' {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", s)
	}
	return int(math.Round(d.Seconds())), nil
}

type googleRouteRequest struct {
	Origin            googleWaypoint `json:"origin"`
	Destination       googleWaypoint `json:"destination"`
	TravelMode        string         `json:"travelMode"`
	RoutingPreference string         `json:"routingPreference"`
	Units             string         `json:"units"`
}

type googleWaypoint struct {
	Location struct {
		LatLng struct {
			Latitude  float64 `json:"latitude"`
			Longitude float64 `json:"longitude"`
		} `json:"latLng"`
	} `json:"location"`
}

func googleWaypointAt(lat, lon float64) googleWaypoint {
	var w googleWaypoint
	w.Location.LatLng.Latitude = lat
	w.Location.LatLng.Longitude = lon
	return w
}

type googleRouteResponse struct {
	Routes []struct {
		DistanceMeters int    `json:"distanceMeters"`
		Duration       string `json:"duration"`
		Polyline       struct {
			EncodedPolyline string `json:"encodedPolyline"`
		} `json:"polyline"`
	} `json:"routes"`
}
