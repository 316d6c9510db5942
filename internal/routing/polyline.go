package routing

import (
	"fmt"
	"math"
	"strings"
)

// LatLng is a WGS84 coordinate.
type LatLng struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// EncodePolyline encodes points with Google's Encoded Polyline Algorithm at
// 1e5 precision. Consecutive duplicate points are dropped.
func EncodePolyline(points []LatLng) string {
	var (
		b                strings.Builder
		prevLat, prevLon int64
		first            = true
	)
	for _, p := range points {
		lat := int64(math.Round(p.Lat * 1e5))
		lon := int64(math.Round(p.Lon * 1e5))
		if !first && lat == prevLat && lon == prevLon {
			continue
		}
		writePolylineValue(&b, lat-prevLat)
		writePolylineValue(&b, lon-prevLon)
		prevLat, prevLon = lat, lon
		first = false
	}
	return b.String()
}

// DecodePolyline is the inverse of EncodePolyline.
func DecodePolyline(s string) ([]LatLng, error) {
	var (
		points   []LatLng
		lat, lon int64
		i        int
	)
	for i < len(s) {
		dLat, n, err := readPolylineValue(s, i)
		if err != nil {
			return nil, err
		}
		i = n
		dLon, n, err := readPolylineValue(s, i)
		if err != nil {
			return nil, err
		}
		i = n
		lat += dLat
		lon += dLon
		points = append(points, LatLng{Lat: float64(lat) / 1e5, Lon: float64(lon) / 1e5})
	}
	return points, nil
}

func writePolylineValue(b *strings.Builder, v int64) {
	u := uint64(v) << 1
	if v < 0 {
		u = ^u
	}
	for u >= 0x20 {
		b.WriteByte(byte((0x20 | (u & 0x1f)) + 63))
		u >>= 5
	}
	b.WriteByte(byte(u + 63))
}

func readPolylineValue(s string, i int) (int64, int, error) {
	var (
		result uint64
		shift  uint
	)
	for {
		if i >= len(s) {
			return 0, i, fmt.Errorf("routing: polyline: truncated at offset %d", i)
		}
		c := int64(s[i]) - 63
		i++
		if c < 0 || c > 0x3f {
			return 0, i, fmt.Errorf("routing: polyline: invalid character %q at offset %d", s[i-1], i-1)
		}
		result |= uint64(c&0x1f) << shift
		shift += 5
		if c < 0x20 {
			break
		}
		if shift > 60 {
			return 0, i, fmt.Errorf("routing: polyline: value overflow at offset %d", i)
		}
	}
	v := int64(result >> 1)
	if result&1 != 0 {
		v = ^v
	}
	return v, i, nil
}
