package routing

import "math"

const (
	// minRegionSpan keeps single-point regions from collapsing to zero
	// (about 550m of latitude).
	minRegionSpan = 0.005

	// DefaultRegionPadding is the fraction added around the bounding box.
	DefaultRegionPadding = 0.2
)

// Region is a map viewport: a center and the latitude/longitude span in
// degrees it covers.
type Region struct {
	CenterLat float64 `json:"center_lat"`
	CenterLon float64 `json:"center_lon"`
	SpanLat   float64 `json:"span_lat"`
	SpanLon   float64 `json:"span_lon"`
}

// RegionFor returns the padded region covering points. The result is clamped
// so that the viewport stays within valid latitudes and longitudes. An empty
// slice yields the zero Region.
func RegionFor(points []LatLng, padding float64) Region {
	if len(points) == 0 {
		return Region{}
	}
	if padding < 0 {
		padding = 0
	}

	minLat, maxLat := points[0].Lat, points[0].Lat
	minLon, maxLon := points[0].Lon, points[0].Lon
	for _, p := range points[1:] {
		minLat = math.Min(minLat, p.Lat)
		maxLat = math.Max(maxLat, p.Lat)
		minLon = math.Min(minLon, p.Lon)
		maxLon = math.Max(maxLon, p.Lon)
	}

	spanLat := math.Max((maxLat-minLat)*(1+padding), minRegionSpan)
	spanLon := math.Max((maxLon-minLon)*(1+padding), minRegionSpan)
	spanLat = math.Min(spanLat, 180)
	spanLon = math.Min(spanLon, 360)

	centerLat := (minLat + maxLat) / 2
	centerLat = math.Max(centerLat, -90+spanLat/2)
	centerLat = math.Min(centerLat, 90-spanLat/2)

	centerLon := (minLon + maxLon) / 2
	if spanLon >= 360 {
		centerLon = 0
	}

	return Region{
		CenterLat: centerLat,
		CenterLon: centerLon,
		SpanLat:   spanLat,
		SpanLon:   spanLon,
	}
}
