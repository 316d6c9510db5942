// Package app wires configuration, storage, services and the HTTP engine.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/shuttleops/fleet-api/internal/cache"
	"github.com/shuttleops/fleet-api/internal/config"
	"github.com/shuttleops/fleet-api/internal/events"
	"github.com/shuttleops/fleet-api/internal/handler"
	"github.com/shuttleops/fleet-api/internal/metrics"
	"github.com/shuttleops/fleet-api/internal/middleware"
	"github.com/shuttleops/fleet-api/internal/routing"
	"github.com/shuttleops/fleet-api/internal/service"
	"github.com/shuttleops/fleet-api/internal/storage"
)

// DBError represents a database-related error.
type DBError struct {
	Op  string
	Err error
}

func (e *DBError) Error() string {
	return fmt.Sprintf("db error during %q: %v", e.Op, e.Err)
}

func (e *DBError) Unwrap() error { return e.Err }

// App holds the application-level dependencies.
type App struct {
	DB     *pgxpool.Pool
	Router *gin.Engine

	redis     *redis.Client
	publisher *events.NATSPublisher
	cfg       *config.Config

	stopJanitor context.CancelFunc
	janitorDone chan struct{}
}

// Handlers are the HTTP handlers mounted by NewEngine.
type Handlers struct {
	Auth   *handler.AuthHandler
	Trips  *handler.TripHandler
	Routes *handler.RoutesHandler
	Admin  *handler.AdminHandler
	Driver *handler.DriverHandler
}

// Connect opens the PostGIS pool and verifies it answers.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, &DBError{Op: "parse_dsn", Err: err}
	}

	poolCfg.MaxConns = 20
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, &DBError{Op: "connect", Err: err}
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, &DBError{Op: "ping", Err: err}
	}
	return pool, nil
}

// New initializes the application: connects to PostGIS, runs migrations,
// wires all domain dependencies, and configures the HTTP engine with routes.
//
// Redis and NATS are optional. When configured but unreachable at startup
// they are logged and left disabled; trips keep working without them.
func New(cfg *config.Config) (*App, error) {
	pool, err := Connect(context.Background(), cfg.DBDSN)
	if err != nil {
		return nil, err
	}
	log.Info().Msg("database connection pool established")

	if err := storage.RunMigrations(context.Background(), pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("app: run migrations: %w", err)
	}
	log.Info().Msg("database schema up to date")

	a := &App{DB: pool, cfg: cfg}
	collector := metrics.NewCollector()

	// --- Optional infrastructure ---
	var latest service.LatestLocationCache
	if cfg.RedisURL != "" {
		client, err := connectRedis(cfg.RedisURL)
		if err != nil {
			log.Warn().Err(err).Msg("redis unavailable; latest-location cache disabled")
		} else {
			a.redis = client
			latest = cache.NewLatestLocations(client, cache.WithTTL(cfg.LatestLocationTTL))
			log.Info().Msg("latest-location cache enabled")
		}
	}

	var publisher service.EventPublisher
	if cfg.NATSURL != "" {
		pub, err := events.Connect(cfg.NATSURL, collector)
		if err != nil {
			log.Warn().Err(err).Msg("nats unavailable; trip events disabled")
		} else {
			a.publisher = pub
			publisher = pub
			log.Info().Msg("trip events publishing to nats")
		}
	}

	// --- Repositories ---
	tripsRepo := storage.NewTripsRepository(pool)
	locationsRepo := storage.NewLocationsRepository(pool)
	routesRepo := storage.NewRoutesRepository(pool)
	vehiclesRepo := storage.NewVehiclesRepository(pool)
	usersRepo := storage.NewUsersRepository(pool)
	tokensRepo := storage.NewRefreshTokensRepository(pool)

	// --- Map routing ---
	var (
		provider  routing.Router = routing.StraightLineRouter{}
		mapTokens service.MapTokenIssuer
	)
	switch {
	case cfg.AppleMapsEnabled():
		broker, err := routing.NewTokenBroker(cfg.AppleTeamID, cfg.AppleKeyID, cfg.ApplePrivateKey, cfg.MapTokenTTL)
		if err != nil {
			a.Shutdown()
			return nil, fmt.Errorf("app: apple maps: %w", err)
		}
		provider = routing.NewAppleRouter(broker)
		mapTokens = broker
		log.Info().Msg("routing via Apple Maps")
	case cfg.GoogleAPIKey != "":
		provider = routing.NewGoogleRouter(cfg.GoogleAPIKey)
		log.Info().Msg("routing via Google Routes")
	default:
		log.Warn().Msg("no map provider configured; route previews are straight-line estimates")
	}
	routeCache := routing.NewPgCacheStore(pool)
	cachedRouter := routing.NewCachedRouter(provider, routeCache,
		routing.WithLogger(log.Logger),
		routing.WithCacheTTL(cfg.RouteCacheTTL),
		routing.WithCacheRecorder(collector))
	a.startRouteCacheJanitor(routeCache, cfg.RouteCachePurgeEvery)

	// --- Services ---
	tripOpts := []service.TripServiceOption{service.WithRecorder(collector)}
	locOpts := []service.LocationServiceOption{service.WithLocationRecorder(collector)}
	if publisher != nil {
		tripOpts = append(tripOpts, service.WithPublisher(publisher))
		locOpts = append(locOpts, service.WithLocationPublisher(publisher))
	}
	if latest != nil {
		locOpts = append(locOpts, service.WithLocationCache(latest))
	}

	tripService := service.NewTripService(tripsRepo, routesRepo, vehiclesRepo, usersRepo, tripOpts...)
	locationService := service.NewLocationService(tripsRepo, locationsRepo, locOpts...)
	queryService := service.NewTripQueryService(tripsRepo, locationsRepo, latest)
	routingService := service.NewRoutingService(cachedRouter, routesRepo, mapTokens)
	authService := service.NewAuthService(usersRepo, tokensRepo, cfg.JWTSecret,
		service.WithTokenTTLs(cfg.AccessTokenTTL, cfg.RefreshTokenTTL))

	a.Router = NewEngine(Handlers{
		Auth:   handler.NewAuthHandler(authService),
		Trips:  handler.NewTripHandler(tripService, locationService, queryService),
		Routes: handler.NewRoutesHandler(routingService),
		Admin:  handler.NewAdminHandler(usersRepo, vehiclesRepo, routesRepo, tokensRepo),
		Driver: handler.NewDriverHandler(usersRepo, queryService),
	}, authService, collector, cfg.RequestTimeout)

	return a, nil
}

// NewEngine builds the gin engine with middleware and every API route.
func NewEngine(h Handlers, tokens middleware.TokenValidator, collector *metrics.Collector, requestTimeout time.Duration) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.Logger(log.Logger))
	router.Use(middleware.Metrics(collector))
	router.Use(middleware.Timeout(requestTimeout))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(collector.Handler()))

	api := router.Group("/api/v1")
	{
		auth := api.Group("/auth")
		{
			auth.POST("/login", h.Auth.Login)
			auth.POST("/refresh", h.Auth.Refresh)
			auth.POST("/logout", h.Auth.Logout)
		}

		authed := api.Group("")
		authed.Use(middleware.JWTAuth(tokens))
		{
			authed.POST("/trips", h.Trips.StartTrip)
			authed.GET("/trips/active", h.Trips.ListActiveTrips)
			authed.GET("/trips/:id", h.Trips.GetTrip)
			authed.POST("/trips/:id/stops/:point/arrive", h.Trips.ArriveAtStop)
			authed.POST("/trips/:id/stops/:point/depart", h.Trips.DepartFromStop)
			authed.POST("/trips/:id/complete", h.Trips.CompleteTrip)
			authed.POST("/trips/:id/emergency", h.Trips.EmergencyStop)
			authed.POST("/trips/:id/resume",
				middleware.RequireRole(storage.RoleAdmin, storage.RoleDispatcher), h.Trips.ResumeTrip)
			authed.POST("/trips/:id/location", h.Trips.UpdateLocation)
			authed.GET("/trips/:id/locations", h.Trips.ListLocations)

			authed.GET("/routes/:id/preview", h.Routes.PreviewRoute)
			authed.GET("/maps/token", h.Routes.MapToken)
		}

		driver := api.Group("/driver")
		driver.Use(middleware.JWTAuth(tokens))
		driver.Use(middleware.RequireRole(storage.RoleDriver))
		{
			driver.GET("/profile", h.Driver.GetProfile)
			driver.GET("/trips", h.Driver.MyTrips)
		}

		admin := api.Group("/admin")
		admin.Use(middleware.JWTAuth(tokens))
		admin.Use(middleware.RequireRole(storage.RoleAdmin))
		{
			admin.POST("/users", h.Admin.CreateUser)
			admin.GET("/users", h.Admin.ListUsers)
			admin.GET("/users/:id", h.Admin.GetUser)
			admin.PUT("/users/:id", h.Admin.UpdateUser)
			admin.DELETE("/users/:id", h.Admin.DeactivateUser)

			admin.POST("/vehicles", h.Admin.CreateVehicle)
			admin.GET("/vehicles", h.Admin.ListVehicles)
			admin.GET("/vehicles/:id", h.Admin.GetVehicle)
			admin.PUT("/vehicles/:id", h.Admin.UpdateVehicle)

			admin.POST("/routes", h.Admin.CreateRoute)
			admin.GET("/routes", h.Admin.ListRoutes)
			admin.GET("/routes/:id", h.Admin.GetRoute)
		}
	}

	return router
}

// ExpiredPurger deletes expired cache rows.
type ExpiredPurger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// startRouteCacheJanitor purges expired route cache rows every interval until
// Shutdown. A non-positive interval disables it.
func (a *App) startRouteCacheJanitor(p ExpiredPurger, every time.Duration) {
	if every <= 0 {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.stopJanitor = cancel
	a.janitorDone = make(chan struct{})
	go func() {
		defer close(a.janitorDone)
		runJanitor(ctx, p, every)
	}()
}

func runJanitor(ctx context.Context, p ExpiredPurger, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.PurgeExpired(ctx)
			if err != nil {
				log.Warn().Err(err).Msg("route cache purge failed")
				continue
			}
			log.Debug().Int64("rows", n).Msg("route cache purged")
		}
	}
}

// Shutdown stops background work, drains the NATS connection and closes
// Redis and the database pool.
func (a *App) Shutdown() {
	if a.stopJanitor != nil {
		a.stopJanitor()
		<-a.janitorDone
	}
	if a.publisher != nil {
		a.publisher.Close()
		log.Info().Msg("nats connection drained")
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			log.Warn().Err(err).Msg("redis close")
		}
	}
	if a.DB != nil {
		a.DB.Close()
		log.Info().Msg("database connection pool closed")
	}
}

func connectRedis(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("app: parse REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close() //nolint:errcheck // already failing
		return nil, fmt.Errorf("app: ping redis: %w", err)
	}
	return client, nil
}
