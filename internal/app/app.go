package app

import (
	"context"
	"fmt"
	stdhttp "net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/vovakirdan/silent-relay/internal/config"
	"github.com/vovakirdan/silent-relay/internal/core"
	"github.com/vovakirdan/silent-relay/internal/license"
	"github.com/vovakirdan/silent-relay/internal/metrics"
	"github.com/vovakirdan/silent-relay/internal/store"
	"github.com/vovakirdan/silent-relay/internal/store/sqlite"
	transporthttp "github.com/vovakirdan/silent-relay/internal/transport/http"
)

// App wires together core and transport layers.
type App struct {
	server          *transporthttp.Server
	shutdownTimeout time.Duration
	hub             *core.Hub
	store           store.Store
	sessions        context.CancelFunc
	log             *zerolog.Logger
}

// New constructs the application with provided configuration.
func New(cfg *config.Config, logger *zerolog.Logger) (*App, error) {
	st, err := sqlite.New(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}
	logger.Info().Str("db_path", cfg.DatabasePath).Msg("database initialized")

	licenses := license.NewService(st, cfg.License.TrialDuration, nil, logger)

	var gate core.LicenseGate
	if cfg.License.Enforce {
		gate = license.NewGate(st, nil, logger)
		logger.Info().Dur("cache_ttl", cfg.License.CacheTTL).Msg("license enforcement enabled")
	}

	m := metrics.New()
	hub := core.NewHub(cfg.CoreOptions(), gate, m, logger)

	sessionCtx, cancelSessions := context.WithCancel(context.Background())
	server := transporthttp.NewServer(sessionCtx, cfg, hub, licenses, m.Handler(), logger)

	if cfg.Admin.JWTSecret == "" {
		logger.Info().Msg("admin api disabled (no jwt secret)")
	}

	return &App{
		server:          server,
		shutdownTimeout: cfg.ShutdownTimeout,
		hub:             hub,
		store:           st,
		sessions:        cancelSessions,
		log:             logger,
	}, nil
}

// Run starts the HTTP server and blocks until context cancellation or fatal error.
func (a *App) Run(ctx context.Context) error {
	serverErr := make(chan error, 1)

	go func() {
		a.log.Info().Str("addr", a.server.HTTP.Addr).Msg("listening")
		if err := a.server.HTTP.ListenAndServe(); err != nil && err != stdhttp.ErrServerClosed {
			serverErr <- err
			return
		}
		serverErr <- nil
	}()

	select {
	case err := <-serverErr:
		a.sessions()
		a.cleanup()
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout)
		defer cancel()

		a.log.Info().Msg("shutting down http server")
		err := a.server.HTTP.Shutdown(shutdownCtx)

		// Hijacked websocket connections are not tracked by Shutdown.
		a.sessions()
		if drainErr := a.server.Drain(shutdownCtx); drainErr != nil {
			rooms, conns := a.hub.Registry().Stats()
			a.log.Warn().Err(drainErr).Int("rooms", rooms).Int("connections", conns).Msg("sessions still open after shutdown timeout")
		}

		a.cleanup()
		if err != nil {
			return err
		}
		return <-serverErr
	}
}

// cleanup closes database and other resources.
func (a *App) cleanup() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn().Err(err).Msg("failed to close store")
		} else {
			a.log.Info().Msg("store closed")
		}
	}
}
