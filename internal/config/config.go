// Package config reads the service settings from the environment, optionally
// seeded from a .env file in the working directory.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ConfigError names the environment variable that is missing or malformed.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// Config is the full runtime configuration of the server.
type Config struct {
	DBDSN string
	Port  int

	LogFormat string // "console" or "json"
	Debug     bool

	// JWTSecret signs access tokens with HS256. Auth endpoints answer 503
	// while it is empty; the rest of the server still starts.
	JWTSecret       string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration

	RequestTimeout  time.Duration
	ShutdownTimeout time.Duration

	// Latest-location cache. Disabled when RedisURL is empty.
	RedisURL          string
	LatestLocationTTL time.Duration

	// Trip event fan-out. Disabled when NATSURL is empty.
	NATSURL string

	// Apple Maps is used when all three Apple fields are set, otherwise Google
	// Routes when GoogleAPIKey is set, otherwise straight-line estimates only.
	GoogleAPIKey    string
	AppleTeamID     string
	AppleKeyID      string
	ApplePrivateKey []byte // PEM-encoded P-256 key
	MapTokenTTL     time.Duration

	// Provider routes are cached in Postgres for RouteCacheTTL and expired
	// rows are purged every RouteCachePurgeEvery.
	RouteCacheTTL        time.Duration
	RouteCachePurgeEvery time.Duration
}

// Load reads the configuration. Variables already set in the environment win
// over the .env file. Every problem found is reported, joined into one error
// of *ConfigError values.
func Load() (*Config, error) {
	_ = godotenv.Load() //nolint:errcheck // .env is optional

	var e env
	cfg := &Config{
		DBDSN:     e.required("DB_DSN"),
		Port:      e.integer("PORT", 8080),
		LogFormat: strings.ToLower(e.str("LOG_FORMAT", "console")),
		Debug:     e.flag("DEBUG"),

		JWTSecret:       e.str("JWT_SECRET", ""),
		AccessTokenTTL:  e.duration("ACCESS_TOKEN_TTL", 15*time.Minute),
		RefreshTokenTTL: e.duration("REFRESH_TOKEN_TTL", 7*24*time.Hour),
		RequestTimeout:  e.duration("REQUEST_TIMEOUT", 10*time.Second),
		ShutdownTimeout: e.duration("SHUTDOWN_TIMEOUT", 10*time.Second),

		RedisURL:          e.str("REDIS_URL", ""),
		LatestLocationTTL: e.duration("LATEST_LOCATION_TTL", 30*time.Minute),
		NATSURL:           e.str("NATS_URL", ""),

		GoogleAPIKey:    e.str("GOOGLE_API_KEY", ""),
		AppleTeamID:     e.str("APPLE_MAPS_TEAM_ID", ""),
		AppleKeyID:      e.str("APPLE_MAPS_KEY_ID", ""),
		ApplePrivateKey: e.appleKey(),
		MapTokenTTL:     e.duration("MAP_TOKEN_TTL", 30*time.Minute),

		RouteCacheTTL:        e.duration("ROUTE_CACHE_TTL", 10*time.Minute),
		RouteCachePurgeEvery: e.duration("ROUTE_CACHE_PURGE_INTERVAL", time.Hour),
	}
	if len(e.errs) > 0 {
		return nil, errors.Join(e.errs...)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// AppleMapsEnabled reports whether all Apple Maps credentials are configured.
func (c *Config) AppleMapsEnabled() bool {
	return c.AppleTeamID != "" && c.AppleKeyID != "" && len(c.ApplePrivateKey) > 0
}

// Validate checks the cross-field rules of a Config, including one built by
// hand rather than by Load.
func (c *Config) Validate() error {
	var errs []error
	fail := func(field, msg string) { errs = append(errs, &ConfigError{Field: field, Message: msg}) }

	if c.DBDSN == "" {
		fail("DB_DSN", "cannot be empty")
	}
	if c.Port < 1 || c.Port > 65535 {
		fail("PORT", "must be between 1 and 65535")
	}
	if c.LogFormat != "" && c.LogFormat != "console" && c.LogFormat != "json" {
		fail("LOG_FORMAT", `must be "console" or "json"`)
	}
	if c.RequestTimeout <= 0 {
		fail("REQUEST_TIMEOUT", "must be positive")
	}
	anyApple := c.AppleTeamID != "" || c.AppleKeyID != "" || len(c.ApplePrivateKey) > 0
	if anyApple && !c.AppleMapsEnabled() {
		fail("APPLE_MAPS_TEAM_ID", "APPLE_MAPS_TEAM_ID, APPLE_MAPS_KEY_ID and the private key must be set together")
	}
	return errors.Join(errs...)
}

// env reads typed variables and collects one ConfigError per bad value.
type env struct {
	errs []error
}

func (e *env) fail(key, msg string) {
	e.errs = append(e.errs, &ConfigError{Field: key, Message: msg})
}

func (e *env) str(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func (e *env) required(key string) string {
	v := os.Getenv(key)
	if v == "" {
		e.fail(key, "required but not set")
	}
	return v
}

func (e *env) integer(key string, def int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		e.fail(key, "must be a valid integer")
		return def
	}
	return n
}

func (e *env) flag(key string) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return false
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		e.fail(key, "must be true or false")
	}
	return b
}

// duration accepts Go duration strings such as "90s", "15m" or "168h".
func (e *env) duration(key string, def time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		e.fail(key, fmt.Sprintf("must be a positive duration, got %q", raw))
		return def
	}
	return d
}

// appleKey reads APPLE_MAPS_PRIVATE_KEY as inline PEM, where "\n" escapes
// stand for newlines, or else the file named by APPLE_MAPS_PRIVATE_KEY_PATH.
func (e *env) appleKey() []byte {
	if inline := os.Getenv("APPLE_MAPS_PRIVATE_KEY"); inline != "" {
		return []byte(strings.ReplaceAll(inline, `\n`, "\n"))
	}
	path := os.Getenv("APPLE_MAPS_PRIVATE_KEY_PATH")
	if path == "" {
		return nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		e.fail("APPLE_MAPS_PRIVATE_KEY_PATH", err.Error())
		return nil
	}
	return b
}
