package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/shuttleops/fleet-api/internal/middleware"
	"github.com/shuttleops/fleet-api/internal/service"
)

// RoutePreviewer serves dispatch map data. *service.RoutingService implements it.
type RoutePreviewer interface {
	PreviewRoute(ctx context.Context, tenantID, routeID, fromPointID, toPointID string) (*service.RoutePreview, error)
	ClientMapToken(origin string) (string, time.Time, error)
}

// RoutesHandler serves route previews and map SDK tokens.
type RoutesHandler struct {
	routing RoutePreviewer
}

// NewRoutesHandler creates a RoutesHandler.
func NewRoutesHandler(routing RoutePreviewer) *RoutesHandler {
	return &RoutesHandler{routing: routing}
}

// PreviewRoute handles GET /api/v1/routes/:id/preview?from=&to=
//
// from and to are route point ids of the route.
//
// Response 200:
//
//	{
//	  "route_id": "R1",
//	  "from": {...}, "to": {...}, "points": [...],
//	  "polyline": "...", "distance_m": 5120, "duration_s": 640, "is_fallback": false,
//	  "region": {"center_lat": 47.6, "center_lon": -122.3, "span_lat": 0.05, "span_lon": 0.06}
//	}
//
// The polyline uses the Encoded Polyline Algorithm Format at 1e-5 precision.
// When is_fallback is true no map provider answered and the polyline is the
// straight line between the two points; distance and duration are estimates.
func (h *RoutesHandler) PreviewRoute(c *gin.Context) {
	from, to := c.Query("from"), c.Query("to")
	if from == "" || to == "" {
		badRequest(c, "from and to query parameters are required")
		return
	}

	p, err := h.routing.PreviewRoute(c.Request.Context(), middleware.TenantID(c), c.Param("id"), from, to)
	if err != nil {
		writeError(c, err)
		return
	}

	points := make([]gin.H, len(p.Points))
	for i, rp := range p.Points {
		points[i] = gin.H{"id": rp.ID, "sequence": rp.Sequence, "name": rp.Name, "lat": rp.Lat, "lon": rp.Lon}
	}

	c.JSON(http.StatusOK, gin.H{
		"route_id":    p.RouteID,
		"from":        gin.H{"id": p.From.ID, "sequence": p.From.Sequence, "name": p.From.Name, "lat": p.From.Lat, "lon": p.From.Lon},
		"to":          gin.H{"id": p.To.ID, "sequence": p.To.Sequence, "name": p.To.Name, "lat": p.To.Lat, "lon": p.To.Lon},
		"points":      points,
		"polyline":    p.Route.Polyline,
		"distance_m":  p.Route.DistanceM,
		"duration_s":  p.Route.DurationS,
		"is_fallback": p.Route.IsFallback,
		"region": gin.H{
			"center_lat": p.Region.CenterLat,
			"center_lon": p.Region.CenterLon,
			"span_lat":   p.Region.SpanLat,
			"span_lon":   p.Region.SpanLon,
		},
	})
}

// MapToken handles GET /api/v1/maps/token?origin=
//
// Response 200: {"token": "...", "expires_at": "..."}
// Response 503: no map key configured.
func (h *RoutesHandler) MapToken(c *gin.Context) {
	origin := c.Query("origin")
	if origin == "" {
		origin = c.GetHeader("Origin")
	}

	token, exp, err := h.routing.ClientMapToken(origin)
	if errors.Is(err, service.ErrMapTokensDisabled) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "map tokens are not configured", "code": "maps_disabled"})
		return
	}
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token, "expires_at": exp})
}
