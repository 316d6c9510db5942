package routing

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestParseGoogleDuration(t *testing.T) {
	valid := map[string]int{"0s": 0, "300s": 300, "12.5s": 13, "12.4s": 12}
	for in, want := range valid {
		if got, err := parseGoogleDuration(in); err != nil || got != want {
			t.Errorf("parseGoogleDuration(%q) = %d, %v; want %d", in, got, err, want)
		}
	}
	for _, in := range []string{"", "s", "120", "2m", "5ms", "-5s"} {
		if got, err := parseGoogleDuration(in); err == nil {
			t.Errorf("parseGoogleDuration(%q) = %d, want error", in, got)
		}
	}
}

// googleStub serves a fixed status and body and keeps the last request.
func googleStub(t *testing.T, status int, body string) (*GoogleRouter, *googleRouteRequest) {
	t.Helper()
	var seen googleRouteRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Goog-Api-Key") != "k-123" || r.Header.Get("X-Goog-FieldMask") != googleFieldMask {
			t.Errorf("headers = %v", r.Header)
		}
		if err := json.NewDecoder(r.Body).Decode(&seen); err != nil {
			t.Errorf("request body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)

	g := NewGoogleRouter("k-123")
	g.apiURL = srv.URL
	return g, &seen
}

func TestGoogleRouter_Route(t *testing.T) {
	g, seen := googleStub(t, http.StatusOK,
		`{"routes":[{"distanceMeters":3120,"duration":"431.6s","polyline":{"encodedPolyline":"_p~iF~ps|U"}}]}`)

	resp, err := g.Route(context.Background(), testReq)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := RoutingResponse{Polyline: "_p~iF~ps|U", DistanceM: 3120, DurationS: 432}
	if *resp != want {
		t.Errorf("resp = %+v, want %+v", *resp, want)
	}
	if seen.TravelMode != "DRIVE" || seen.Origin.Location.LatLng.Latitude != testReq.OriginLat ||
		seen.Destination.Location.LatLng.Longitude != testReq.DestinationLon {
		t.Errorf("request = %+v", *seen)
	}
}

func TestGoogleRouter_FallsBack(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
	}{
		{"server error", http.StatusServiceUnavailable, `{"error":{"message":"backend"}}`},
		{"forbidden", http.StatusForbidden, `{"error":{"message":"API key not valid"}}`},
		{"no routes", http.StatusOK, `{"routes":[]}`},
		{"empty object", http.StatusOK, `{}`},
		{"bad duration", http.StatusOK, `{"routes":[{"distanceMeters":10,"duration":"soon"}]}`},
		{"not json", http.StatusOK, `<html>`},
	}
	fallback := straightLineFallback(testReq)
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			g, _ := googleStub(t, tc.status, tc.body)
			resp, err := g.Route(context.Background(), testReq)
			if err != nil {
				t.Fatalf("Route returned %v, want the straight-line estimate", err)
			}
			if *resp != *fallback {
				t.Errorf("resp = %+v, want %+v", *resp, *fallback)
			}
		})
	}
}

func TestGoogleRouter_UnreachableFallsBack(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	g := NewGoogleRouter("k-123")
	g.apiURL = srv.URL
	srv.Close()

	resp, err := g.Route(context.Background(), testReq)
	if err != nil || !resp.IsFallback {
		t.Errorf("Route = %+v, %v; want a fallback", resp, err)
	}
}
