package routing

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
)

const (
	// appleAPIBaseURL is the Apple Maps Server API host.
	appleAPIBaseURL = "https://maps-api.apple.com"

	// appleTimeout is the maximum duration for an Apple Maps API call.
	appleTimeout = 5 * time.Second

	// DefaultMapTokenTTL is the lifetime of signed auth and client tokens.
	DefaultMapTokenTTL = 30 * time.Minute

	// accessTokenSkew is how long before its expiry a cached access token is
	// treated as expired.
	accessTokenSkew = time.Minute
)

// ErrUnauthorized is returned when the Maps API rejects the access token.
var ErrUnauthorized = errors.New("routing: apple: unauthorized")

// mapTokenClaims are the claims of tokens signed with the Maps private key.
// Origin restricts client tokens to a web origin and is empty for server use.
type mapTokenClaims struct {
	jwt.RegisteredClaims
	Origin string `json:"origin,omitempty"`
}

// TokenBroker signs ES256 tokens with a Maps private key and exchanges them
// for short-lived Maps Server API access tokens. It is safe for concurrent
// use; at most one exchange runs at a time.
type TokenBroker struct {
	teamID     string
	keyID      string
	key        *ecdsa.PrivateKey
	ttl        time.Duration
	baseURL    string
	httpClient *http.Client
	now        func() time.Time

	mu           sync.Mutex
	accessToken  string
	accessExpiry time.Time
}

// NewTokenBroker parses privateKeyPEM (a PKCS#8 EC P-256 key) and returns a
// broker signing as teamID with key id keyID. A non-positive ttl selects
// DefaultMapTokenTTL.
func NewTokenBroker(teamID, keyID string, privateKeyPEM []byte, ttl time.Duration) (*TokenBroker, error) {
	if teamID == "" || keyID == "" {
		return nil, errors.New("routing: apple: team id and key id are required")
	}
	key, err := jwt.ParseECPrivateKeyFromPEM(privateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("routing: apple: parse private key: %w", err)
	}
	if ttl <= 0 {
		ttl = DefaultMapTokenTTL
	}
	return &TokenBroker{
		teamID:     teamID,
		keyID:      keyID,
		key:        key,
		ttl:        ttl,
		baseURL:    appleAPIBaseURL,
		httpClient: newHTTPClient(appleTimeout),
		now:        time.Now,
	}, nil
}

// ClientToken mints a token for browser map SDKs, restricted to origin when
// origin is non-empty. It returns the token and its expiry.
func (b *TokenBroker) ClientToken(origin string) (string, time.Time, error) {
	return b.sign(origin)
}

// AccessToken returns a Maps Server API access token, exchanging a freshly
// signed auth token when no cached token is valid for at least accessTokenSkew.
func (b *TokenBroker) AccessToken(ctx context.Context) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.accessToken != "" && b.now().Add(accessTokenSkew).Before(b.accessExpiry) {
		return b.accessToken, nil
	}

	authToken, _, err := b.sign("")
	if err != nil {
		return "", err
	}

	reqCtx, cancel := context.WithTimeout(ctx, appleTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodGet, b.baseURL+"/v1/token", nil)
	if err != nil {
		return "", fmt.Errorf("routing: apple: create token request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+authToken)

	httpResp, err := b.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("routing: apple: token exchange: %w", err)
	}
	defer httpResp.Body.Close()

	respBytes, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return "", fmt.Errorf("routing: apple: read token response: %w", err)
	}
	if httpResp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("routing: apple: token exchange: status %d: %s", httpResp.StatusCode, string(respBytes))
	}

	var tok appleTokenResponse
	if err := json.Unmarshal(respBytes, &tok); err != nil {
		return "", fmt.Errorf("routing: apple: unmarshal token response: %w", err)
	}
	if tok.AccessToken == "" || tok.ExpiresInSeconds <= 0 {
		return "", errors.New("routing: apple: token exchange returned no token")
	}

	b.accessToken = tok.AccessToken
	b.accessExpiry = b.now().Add(time.Duration(tok.ExpiresInSeconds) * time.Second)
	return b.accessToken, nil
}

// Invalidate drops the cached access token.
func (b *TokenBroker) Invalidate() {
	b.mu.Lock()
	b.accessToken = ""
	b.accessExpiry = time.Time{}
	b.mu.Unlock()
}

func (b *TokenBroker) sign(origin string) (string, time.Time, error) {
	now := b.now()
	expiresAt := now.Add(b.ttl)

	token := jwt.NewWithClaims(jwt.SigningMethodES256, mapTokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    b.teamID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		Origin: origin,
	})
	token.Header["kid"] = b.keyID

	signed, err := token.SignedString(b.key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("routing: apple: sign token: %w", err)
	}
	return signed, expiresAt, nil
}

// AppleRouter implements Router using the Apple Maps Server API directions
// endpoint.
type AppleRouter struct {
	broker     *TokenBroker
	httpClient *http.Client
	// apiURL is the API host. Overrideable in tests.
	apiURL string
}

// NewAppleRouter creates a Router authenticating through broker.
func NewAppleRouter(broker *TokenBroker) *AppleRouter {
	return &AppleRouter{
		broker:     broker,
		httpClient: newHTTPClient(appleTimeout),
		apiURL:     appleAPIBaseURL,
	}
}

// Route fetches driving directions and encodes their step paths as a
// polyline. On failure it falls back to a straight-line estimate with
// IsFallback set.
func (a *AppleRouter) Route(ctx context.Context, req RoutingRequest) (*RoutingResponse, error) {
	resp, err := a.callAPI(ctx, req)
	if err != nil {
		log.Warn().Err(err).Msg("routing: apple API error, using straight-line fallback")
		return straightLineFallback(req), nil
	}
	return resp, nil
}

func (a *AppleRouter) callAPI(ctx context.Context, req RoutingRequest) (*RoutingResponse, error) {
	token, err := a.broker.AccessToken(ctx)
	if err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("origin", formatLatLng(req.OriginLat, req.OriginLon))
	q.Set("destination", formatLatLng(req.DestinationLat, req.DestinationLon))
	q.Set("transportType", "Automobile")

	reqCtx, cancel := context.WithTimeout(ctx, appleTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodGet, a.apiURL+"/v1/directions?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("routing: apple: create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)

	httpResp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("routing: apple: http: %w", err)
	}
	defer httpResp.Body.Close()

	respBytes, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("routing: apple: read response: %w", err)
	}

	if httpResp.StatusCode == http.StatusUnauthorized {
		a.broker.Invalidate()
		return nil, ErrUnauthorized
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("routing: apple: status %d: %s", httpResp.StatusCode, string(respBytes))
	}

	var dir appleDirectionsResponse
	if err := json.Unmarshal(respBytes, &dir); err != nil {
		return nil, fmt.Errorf("routing: apple: unmarshal response: %w", err)
	}
	if len(dir.Routes) == 0 {
		return nil, errors.New("routing: apple: no routes returned")
	}

	route := dir.Routes[0]
	path, err := dir.routePath(route)
	if err != nil {
		return nil, err
	}

	return &RoutingResponse{
		Polyline:  EncodePolyline(path),
		DistanceM: route.DistanceMeters,
		DurationS: route.DurationSeconds,
	}, nil
}

// routePath concatenates the step paths of route in step order.
func (d *appleDirectionsResponse) routePath(route appleRoute) ([]LatLng, error) {
	var path []LatLng
	for _, si := range route.StepIndexes {
		if si < 0 || si >= len(d.Steps) {
			return nil, fmt.Errorf("routing: apple: step index %d out of range", si)
		}
		pi := d.Steps[si].StepPathIndex
		if pi < 0 || pi >= len(d.StepPaths) {
			return nil, fmt.Errorf("routing: apple: step path index %d out of range", pi)
		}
		for _, p := range d.StepPaths[pi] {
			path = append(path, LatLng{Lat: p.Latitude, Lon: p.Longitude})
		}
	}
	if len(path) == 0 {
		return nil, errors.New("routing: apple: route has no path")
	}
	return path, nil
}

func formatLatLng(lat, lon float64) string {
	return strconv.FormatFloat(lat, 'f', 6, 64) + "," + strconv.FormatFloat(lon, 'f', 6, 64)
}

// --- JSON types for the Apple Maps Server API ---

type appleTokenResponse struct {
	AccessToken      string `json:"accessToken"`
	ExpiresInSeconds int    `json:"expiresInSeconds"`
}

type appleDirectionsResponse struct {
	Routes    []appleRoute        `json:"routes"`
	Steps     []appleStep         `json:"steps"`
	StepPaths [][]appleCoordinate `json:"stepPaths"`
}

type appleRoute struct {
	DistanceMeters  int   `json:"distanceMeters"`
	DurationSeconds int   `json:"durationSeconds"`
	StepIndexes     []int `json:"stepIndexes"`
}

type appleStep struct {
	StepPathIndex  int `json:"stepPathIndex"`
	DistanceMeters int `json:"distanceMeters"`
}

type appleCoordinate struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}
