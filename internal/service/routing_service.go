package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shuttleops/fleet-api/internal/routing"
	"github.com/shuttleops/fleet-api/internal/storage"
)

// ErrMapTokensDisabled is returned by ClientMapToken when no map key is
// configured.
var ErrMapTokensDisabled = errors.New("service: map tokens are not configured")

// MapTokenIssuer mints browser map SDK tokens.
type MapTokenIssuer interface {
	ClientToken(origin string) (string, time.Time, error)
}

// RoutePreview is the road path between two points of a route together with
// the map viewport covering it.
type RoutePreview struct {
	RouteID string
	From    storage.RoutePoint
	To      storage.RoutePoint
	// Points are the route points from From to To inclusive, in sequence order.
	Points []storage.RoutePoint
	Route  *routing.RoutingResponse
	Region routing.Region
}

// RoutingService serves route previews for dispatch maps. It uses a
// CachedRouter to minimise map provider calls.
type RoutingService struct {
	router routing.Router
	routes storage.RoutesRepository
	tokens MapTokenIssuer
}

// NewRoutingService creates a RoutingService.
//
//   - router should be a *routing.CachedRouter wrapping an Apple or Google
//     router for production use, or any Router implementation for testing.
//   - tokens may be nil, which disables ClientMapToken.
func NewRoutingService(router routing.Router, routes storage.RoutesRepository, tokens MapTokenIssuer) *RoutingService {
	return &RoutingService{
		router: router,
		routes: routes,
		tokens: tokens,
	}
}

// PreviewRoute routes from one point of the tenant's route to another and
// returns the polyline with a padded region covering the route points in
// between and the routed path.
//
// Errors:
//   - *ValidationError if either point id is empty or both are the same.
//   - *ReferenceError if the route or either point does not exist.
//   - a wrapped error if the route lookup or the Router fails.
func (s *RoutingService) PreviewRoute(ctx context.Context, tenantID, routeID, fromPointID, toPointID string) (*RoutePreview, error) {
	if fromPointID == "" {
		return nil, &ValidationError{Field: "from", Message: "is required"}
	}
	if toPointID == "" {
		return nil, &ValidationError{Field: "to", Message: "is required"}
	}
	if fromPointID == toPointID {
		return nil, &ValidationError{Field: "to", Message: "must differ from from"}
	}

	rt, err := s.routes.GetRoute(ctx, tenantID, routeID)
	if err != nil {
		return nil, fmt.Errorf("service: PreviewRoute: fetch route %s: %w", routeID, err)
	}
	if rt == nil {
		return nil, &ReferenceError{Entity: "route", ID: routeID}
	}

	from, ok := findPoint(rt.Points, fromPointID)
	if !ok {
		return nil, &ReferenceError{Entity: "route point", ID: fromPointID}
	}
	to, ok := findPoint(rt.Points, toPointID)
	if !ok {
		return nil, &ReferenceError{Entity: "route point", ID: toPointID}
	}

	resp, err := s.router.Route(ctx, routing.RoutingRequest{
		OriginLat:      from.Lat,
		OriginLon:      from.Lon,
		DestinationLat: to.Lat,
		DestinationLon: to.Lon,
	})
	if err != nil {
		return nil, fmt.Errorf("service: PreviewRoute: route %s: %w", routeID, err)
	}

	lo, hi := from.Sequence, to.Sequence
	if lo > hi {
		lo, hi = hi, lo
	}
	var (
		between []storage.RoutePoint
		extent  []routing.LatLng
	)
	for _, p := range rt.Points {
		if p.Sequence >= lo && p.Sequence <= hi {
			between = append(between, p)
			extent = append(extent, routing.LatLng{Lat: p.Lat, Lon: p.Lon})
		}
	}
	path, err := routing.DecodePolyline(resp.Polyline)
	if err != nil {
		log.Warn().Err(err).Str("route_id", routeID).Msg("service: PreviewRoute: undecodable polyline")
	}
	extent = append(extent, path...)

	return &RoutePreview{
		RouteID: rt.ID,
		From:    from,
		To:      to,
		Points:  between,
		Route:   resp,
		Region:  routing.RegionFor(extent, routing.DefaultRegionPadding),
	}, nil
}

// ClientMapToken mints a map SDK token restricted to origin.
func (s *RoutingService) ClientMapToken(origin string) (string, time.Time, error) {
	if s.tokens == nil {
		return "", time.Time{}, ErrMapTokensDisabled
	}
	return s.tokens.ClientToken(origin)
}

func findPoint(points []storage.RoutePoint, id string) (storage.RoutePoint, bool) {
	for _, p := range points {
		if p.ID == id {
			return p, true
		}
	}
	return storage.RoutePoint{}, false
}
