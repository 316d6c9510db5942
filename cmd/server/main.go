package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/shuttleops/fleet-api/internal/app"
	"github.com/shuttleops/fleet-api/internal/config"
	"github.com/shuttleops/fleet-api/internal/storage"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})

	cliApp := &cli.App{
		Name:  "fleet-api",
		Usage: "shuttle fleet trip tracking API",
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "run the HTTP API server",
				Action: serve,
			},
			{
				Name:  "migrate",
				Usage: "apply pending database migrations and exit",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "status", Usage: "list migrations and whether they are applied, without applying"},
				},
				Action: migrate,
			},
			{
				Name:  "bootstrap",
				Usage: "create a tenant and its first admin user",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "tenant-id", Usage: "tenant identifier (generated when empty)"},
					&cli.StringFlag{Name: "tenant-name", Required: true},
					&cli.StringFlag{Name: "admin-username", Required: true},
					&cli.StringFlag{Name: "admin-password", Required: true, EnvVars: []string{"BOOTSTRAP_ADMIN_PASSWORD"}},
					&cli.StringFlag{Name: "admin-name", Usage: "admin full name"},
				},
				Action: bootstrap,
			},
		},
		Action: serve,
	}

	if err := cliApp.Run(os.Args); err != nil {
		log.Fatal().Err(err).Send()
	}
}

// loadConfig loads the configuration and sets up the global logger from it.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	if cfg.LogFormat == "json" {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	}
	if cfg.Debug {
		log.Logger = log.Logger.Level(zerolog.DebugLevel)
	} else {
		log.Logger = log.Logger.Level(zerolog.InfoLevel)
	}
	return cfg, nil
}

func serve(_ *cli.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	application, err := app.New(cfg)
	if err != nil {
		return fmt.Errorf("initialize app: %w", err)
	}
	defer application.Shutdown()

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      application.Router,
		ReadTimeout:  cfg.RequestTimeout,
		WriteTimeout: cfg.RequestTimeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info().Int("port", cfg.Port).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		return fmt.Errorf("server error: %w", err)
	case <-quit:
	}

	log.Info().Msg("shutting down server...")
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shut down: %w", err)
	}

	log.Info().Msg("server stopped")
	return nil
}

func migrate(c *cli.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	pool, err := app.Connect(c.Context, cfg.DBDSN)
	if err != nil {
		return err
	}
	defer pool.Close()

	if c.Bool("status") {
		versions, err := storage.MigrationStatus(c.Context, pool)
		if err != nil {
			return err
		}
		for _, v := range versions {
			log.Info().Str("version", v.Version).Bool("applied", v.Applied).Send()
		}
		return nil
	}

	if err := storage.RunMigrations(c.Context, pool); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	log.Info().Msg("database schema up to date")
	return nil
}

func bootstrap(c *cli.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	pool, err := app.Connect(c.Context, cfg.DBDSN)
	if err != nil {
		return err
	}
	defer pool.Close()

	tenant, admin, err := app.Bootstrap(c.Context,
		storage.NewTenantsRepository(pool),
		storage.NewUsersRepository(pool),
		app.BootstrapInput{
			TenantID:      c.String("tenant-id"),
			TenantName:    c.String("tenant-name"),
			AdminUsername: c.String("admin-username"),
			AdminPassword: c.String("admin-password"),
			AdminFullName: c.String("admin-name"),
		})
	if err != nil {
		return err
	}
	log.Info().
		Str("tenant_id", tenant.ID).
		Str("admin_id", admin.ID).
		Str("admin_username", admin.Username).
		Msg("tenant bootstrapped")
	return nil
}
